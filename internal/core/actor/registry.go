package actor

import (
	"fmt"
	"sync"
	"time"

	"github.com/berfenger/furi/internal/core/domain"
	"github.com/berfenger/furi/internal/core/events"
	"github.com/berfenger/furi/internal/core/port"
	"github.com/berfenger/furi/pkg/furitype"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

type RegistryConfig struct {
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
}

// Registry maps topics to their channel actors. Channels are spawned on first
// subscribe and live until Shutdown.
type Registry struct {
	root      *actor.RootContext
	heartbeat time.Duration
	timeout   time.Duration
	logger    *zap.Logger

	mu       sync.Mutex
	channels map[int64]*actor.PID
}

func NewRegistry(root *actor.RootContext, cfg RegistryConfig, logger *zap.Logger) *Registry {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Registry{
		root:      root,
		heartbeat: cfg.HeartbeatInterval,
		timeout:   timeout,
		logger:    logger.With(zap.String("component", "registry")),
		channels:  map[int64]*actor.PID{},
	}
}

func (r *Registry) channel(topic int64, create bool) (*actor.PID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pid, ok := r.channels[topic]; ok {
		return pid, nil
	}
	if !create {
		return nil, nil
	}
	props := actor.PropsFromProducer(func() actor.Actor {
		return NewChannelActor(topic, r.heartbeat, r.logger)
	})
	pid, err := r.root.SpawnNamed(props, fmt.Sprintf("%s-%d", domain.ACTOR_ID_CHANNEL, topic))
	if err != nil {
		return nil, err
	}
	r.channels[topic] = pid
	return pid, nil
}

// Subscribe adds stream to topic. onClose runs exactly once, inside the
// channel, when the subscriber is finalized for any reason.
func (r *Registry) Subscribe(topic int64, role domain.SubscriberRole, stream port.Stream, onClose func()) error {
	pid, err := r.channel(topic, true)
	if err != nil {
		return err
	}
	res, err := r.root.RequestFuture(pid, domain.SubscribeRequest{
		Stream:  stream,
		Role:    role,
		OnClose: onClose,
	}, r.timeout).Result()
	if err != nil {
		return err
	}
	resp, ok := res.(domain.SubscribeResponse)
	if !ok {
		return fmt.Errorf("unexpected subscribe response %T", res)
	}
	return resp.GetResponseError()
}

// Unsubscribe finalizes the subscriber owning streamID. It is a no-op when the
// subscriber is already gone.
func (r *Registry) Unsubscribe(topic int64, streamID string) {
	pid, _ := r.channel(topic, false)
	if pid == nil {
		return
	}
	r.root.Send(pid, domain.UnsubscribeRequest{StreamID: streamID})
}

// Publish serializes env once and fans it out to every subscriber of topic.
// It returns the number of subscribers the frame was written to. Failing
// subscribers are finalized and never cause an error.
func (r *Registry) Publish(topic int64, env furitype.Envelope) (int, error) {
	frame, err := events.EnvelopeFrame(env)
	if err != nil {
		return 0, err
	}
	pid, _ := r.channel(topic, false)
	if pid == nil {
		return 0, nil
	}
	res, err := r.root.RequestFuture(pid, domain.PublishFrameRequest{Frame: frame}, r.timeout).Result()
	if err != nil {
		return 0, err
	}
	resp, ok := res.(domain.PublishFrameResponse)
	if !ok {
		return 0, fmt.Errorf("unexpected publish response %T", res)
	}
	if resp.Dropped > 0 {
		r.logger.Debug("dropped subscribers on publish", zap.Int64("topic", topic), zap.Int("dropped", resp.Dropped))
	}
	return resp.Delivered, nil
}

func (r *Registry) SubscriberCount(topic int64, role domain.SubscriberRole) (int, error) {
	pid, _ := r.channel(topic, false)
	if pid == nil {
		return 0, nil
	}
	res, err := r.root.RequestFuture(pid, domain.SubscriberCountRequest{Role: role}, r.timeout).Result()
	if err != nil {
		return 0, err
	}
	resp, ok := res.(domain.SubscriberCountResponse)
	if !ok {
		return 0, fmt.Errorf("unexpected count response %T", res)
	}
	return resp.Count, nil
}

func (r *Registry) Topics() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := make([]int64, 0, len(r.channels))
	for topic := range r.channels {
		topics = append(topics, topic)
	}
	return topics
}

// Shutdown stops every channel, finalizing all subscribers.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	pids := make([]*actor.PID, 0, len(r.channels))
	for topic, pid := range r.channels {
		pids = append(pids, pid)
		delete(r.channels, topic)
	}
	r.mu.Unlock()
	for _, pid := range pids {
		_ = r.root.StopFuture(pid).Wait()
	}
}
