package actor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/berfenger/furi/internal/core/domain"
	"github.com/berfenger/furi/internal/core/events"
	"github.com/berfenger/furi/internal/core/port"
	"github.com/berfenger/furi/pkg/furitype"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

type CoordinatorConfig struct {
	OfflineDelay time.Duration
}

// Coordinator is the single place where device state changes are committed
// and published. For a given topic, commit and publish happen under one lock,
// so subscribers observe envelopes in commit order.
type Coordinator struct {
	root        *actor.RootContext
	store       port.Store
	registry    *Registry
	eventStream *eventstream.EventStream
	offline     *actor.PID
	locks       *topicLocks
	logger      *zap.Logger
}

func NewCoordinator(root *actor.RootContext, store port.Store, registry *Registry, eventStream *eventstream.EventStream,
	cfg CoordinatorConfig, logger *zap.Logger) (*Coordinator, error) {
	c := &Coordinator{
		root:        root,
		store:       store,
		registry:    registry,
		eventStream: eventStream,
		locks:       newTopicLocks(),
		logger:      logger.With(zap.String("component", "coordinator")),
	}
	props := actor.PropsFromProducer(func() actor.Actor {
		return NewOfflineActor(c, cfg.OfflineDelay, logger)
	})
	pid, err := root.SpawnNamed(props, domain.ACTOR_ID_OFFLINE)
	if err != nil {
		return nil, err
	}
	c.offline = pid
	return c, nil
}

func (c *Coordinator) OfflineActor() *actor.PID {
	return c.offline
}

// ApplyAndPublish commits mutation and, only once it has committed, publishes
// envelope to topic.
func (c *Coordinator) ApplyAndPublish(ctx context.Context, topic int64, mutation func(tx port.Tx) error, envelope furitype.Envelope) error {
	return c.ApplyAndPublishResult(ctx, topic, func(tx port.Tx) (furitype.Envelope, error) {
		if err := mutation(tx); err != nil {
			return nil, err
		}
		return envelope, nil
	})
}

// ApplyAndPublishResult is ApplyAndPublish for mutations that build their own
// envelope. A nil envelope commits without publishing.
func (c *Coordinator) ApplyAndPublishResult(ctx context.Context, topic int64, mutation port.Mutation) error {
	unlock := c.locks.lock(topic)
	defer unlock()

	var envelope furitype.Envelope
	err := c.store.Transaction(ctx, func(tx port.Tx) error {
		env, err := mutation(tx)
		envelope = env
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %w", port.ErrTransactionFailed, err)
	}
	if envelope != nil {
		c.publish(topic, envelope)
	}
	return nil
}

// OpenSession attaches a device stream to its topic. The device is marked
// online and sent its boot snapshot; existing subscribers receive a start
// envelope. When the stream is finalized an offline job is queued.
func (c *Coordinator) OpenSession(ctx context.Context, deviceID int64, stream port.Stream) error {
	unlock := c.locks.lock(deviceID)
	defer unlock()

	var descriptor furitype.DeviceDescriptor
	err := c.store.Transaction(ctx, func(tx port.Tx) error {
		if err := tx.SetDeviceOnline(deviceID, true); err != nil {
			return err
		}
		d, err := tx.Descriptor(deviceID)
		descriptor = d
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %w", port.ErrTransactionFailed, err)
	}

	if err := c.writeBoot(stream, descriptor); err != nil {
		c.ScheduleOffline(deviceID)
		return err
	}

	c.publish(deviceID, furitype.StartEvent{Info: descriptor.DeviceInfo})

	err = c.registry.Subscribe(deviceID, domain.SUBSCRIBER_ROLE_DEVICE, stream, func() {
		c.ScheduleOffline(deviceID)
	})
	if err != nil {
		c.ScheduleOffline(deviceID)
		return err
	}
	if c.eventStream != nil {
		c.eventStream.Publish(domain.DeviceSnapshotEvent{Descriptor: descriptor})
	}
	c.logger.Debug("device session opened", zap.Int64("device", deviceID), zap.String("stream", stream.ID()))
	return nil
}

// OpenViewer attaches an observer stream. Viewers get the same boot snapshot
// and envelopes as devices but never affect the online state.
func (c *Coordinator) OpenViewer(ctx context.Context, deviceID int64, stream port.Stream) error {
	unlock := c.locks.lock(deviceID)
	defer unlock()

	var descriptor furitype.DeviceDescriptor
	err := c.store.Transaction(ctx, func(tx port.Tx) error {
		d, err := tx.Descriptor(deviceID)
		descriptor = d
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %w", port.ErrTransactionFailed, err)
	}
	if err := c.writeBoot(stream, descriptor); err != nil {
		return err
	}
	return c.registry.Subscribe(deviceID, domain.SUBSCRIBER_ROLE_VIEWER, stream, nil)
}

// CloseStream is called by the stream owner when the connection goes away.
func (c *Coordinator) CloseStream(deviceID int64, stream port.Stream) {
	_ = stream.Close()
	c.registry.Unsubscribe(deviceID, stream.ID())
}

// ScheduleOffline queues an offline check for topic on the global offline
// queue.
func (c *Coordinator) ScheduleOffline(topic int64) {
	c.root.Send(c.offline, domain.OfflineJobRequest{Topic: topic})
}

// MarkOfflineIfIdle runs one offline job: when topic has no device stream at
// this moment, the device is marked offline and an offline envelope is
// published.
func (c *Coordinator) MarkOfflineIfIdle(ctx context.Context, topic int64) (bool, error) {
	unlock := c.locks.lock(topic)
	defer unlock()

	count, err := c.registry.SubscriberCount(topic, domain.SUBSCRIBER_ROLE_DEVICE)
	if err != nil {
		return false, err
	}
	if count > 0 {
		c.logger.Debug("offline skipped, device reconnected", zap.Int64("device", topic), zap.Int("streams", count))
		return false, nil
	}
	err = c.store.Transaction(ctx, func(tx port.Tx) error {
		return tx.SetDeviceOnline(topic, false)
	})
	if err != nil {
		return false, fmt.Errorf("%w: %w", port.ErrTransactionFailed, err)
	}
	c.publish(topic, furitype.OfflineEvent{})
	return true, nil
}

func (c *Coordinator) Shutdown() {
	_ = c.root.StopFuture(c.offline).Wait()
}

func (c *Coordinator) writeBoot(stream port.Stream, descriptor furitype.DeviceDescriptor) error {
	frame, err := events.EnvelopeFrame(furitype.BootEvent{Descript: descriptor})
	if err != nil {
		return err
	}
	return stream.WriteFrame(frame)
}

func (c *Coordinator) publish(topic int64, envelope furitype.Envelope) {
	delivered, err := c.registry.Publish(topic, envelope)
	if err != nil {
		c.logger.Warn("publish failed", zap.Int64("topic", topic), zap.String("type", envelope.EnvelopeType()), zap.Error(err))
	} else {
		c.logger.Debug("published", zap.Int64("topic", topic), zap.String("type", envelope.EnvelopeType()), zap.Int("delivered", delivered))
	}
	if c.eventStream != nil {
		c.eventStream.Publish(domain.DeviceEvent{DeviceID: topic, Envelope: envelope})
	}
}

// topicLocks serializes work per topic. An entry lives only while someone
// holds or waits for it.
type topicLocks struct {
	mu    sync.Mutex
	locks map[int64]*topicLock
}

type topicLock struct {
	sync.Mutex
	refs int
}

func newTopicLocks() *topicLocks {
	return &topicLocks{locks: map[int64]*topicLock{}}
}

func (l *topicLocks) lock(topic int64) func() {
	l.mu.Lock()
	m, ok := l.locks[topic]
	if !ok {
		m = &topicLock{}
		l.locks[topic] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.locks, topic)
		}
		l.mu.Unlock()
	}
}
