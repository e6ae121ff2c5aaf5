// Package furidev connects a device to a furi server. A Device authenticates,
// keeps a push stream open, mirrors the device descriptor locally, reports
// sensor values and runs handlers when an operator presses a control.
package furidev

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/berfenger/furi/internal/util/actorutil"
	"github.com/berfenger/furi/pkg/furitype"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

const defaultCallTimeout = time.Minute

type Device struct {
	cfg        Config
	transport  *transport
	listeners  *listenerRegistry
	httpClient *http.Client
	logger     *zap.Logger

	system    *actor.ActorSystem
	ownSystem bool
	pid       *actor.PID

	ctx      context.Context
	cancel   context.CancelFunc
	disposed atomic.Bool
	state    atomic.Value
}

type Option func(*Device)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Device) {
		d.logger = logger
	}
}

// WithHTTPClient replaces the client used for every server call. The client
// must not set a global timeout, the push stream stays open indefinitely.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Device) {
		d.httpClient = client
	}
}

// WithActorSystem runs the device session on an existing actor system.
func WithActorSystem(system *actor.ActorSystem) Option {
	return func(d *Device) {
		d.system = system
	}
}

func New(cfg Config, opts ...Option) (*Device, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	d := &Device{
		cfg:        cfg,
		listeners:  newListenerRegistry(),
		httpClient: &http.Client{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.system == nil {
		d.system = actorutil.NewActorSystemWithZapLogger(d.logger)
		d.ownSystem = true
	}
	d.transport = newTransport(cfg, d.httpClient)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.state.Store(STATE_DISCONNECTED)

	props := actor.PropsFromProducer(func() actor.Actor {
		return newSessionActor(d)
	})
	d.pid = d.system.Root.SpawnPrefix(props, fmt.Sprintf("session-%d-", cfg.DeviceID))
	return d, nil
}

// NewFromEnv builds a device from FURI_SERVER, FURI_DEVICE_ID and
// FURI_DEVICE_SECRET.
func NewFromEnv(opts ...Option) (*Device, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

// Connect authenticates and opens the push stream. It returns once the boot
// snapshot has been received and every checked listener matched a control.
// When an established stream later drops, the device reconnects on its own
// every RetryInterval until Dispose.
func (d *Device) Connect(ctx context.Context) error {
	_, err := d.request(ctx, connectRequest{})
	return err
}

// SendSensor reports value for the sensor called name. Strings are sent as
// they are, structs, maps and slices as JSON, anything else formatted with
// fmt.
func (d *Device) SendSensor(ctx context.Context, name string, value any) error {
	formatted, err := formatValue(value)
	if err != nil {
		return err
	}
	_, err = d.request(ctx, sendSensorRequest{ctx: ctx, name: name, value: formatted})
	return err
}

// ListenControl registers handler for presses of the control called name.
// Connect fails with ErrInvalidControlName while the device has no such
// control.
func (d *Device) ListenControl(name string, handler ControlHandler) {
	d.listeners.add(name, handler, false)
}

// ListenControlUnchecked is ListenControl for controls that may not exist yet.
func (d *Device) ListenControlUnchecked(name string, handler ControlHandler) {
	d.listeners.add(name, handler, true)
}

// UnlistenControl removes every registration of handler for name.
func (d *Device) UnlistenControl(name string, handler ControlHandler) {
	d.listeners.remove(name, handler)
}

// Descriptor returns a copy of the locally mirrored descriptor.
func (d *Device) Descriptor(ctx context.Context) (furitype.DeviceDescriptor, error) {
	resp, err := d.request(ctx, descriptorRequest{})
	return resp.descriptor, err
}

func (d *Device) State() string {
	if d.disposed.Load() {
		return STATE_DISPOSED
	}
	return d.state.Load().(string)
}

// Dispose closes the stream, stops reconnecting and releases the session.
// It is safe to call more than once.
func (d *Device) Dispose() {
	if !d.disposed.CompareAndSwap(false, true) {
		return
	}
	d.cancel()
	if err := d.system.Root.PoisonFuture(d.pid).Wait(); err != nil {
		d.logger.Warn("session did not stop cleanly", zap.Error(err))
	}
	if d.ownSystem {
		d.system.Shutdown()
	}
}

func (d *Device) setState(name string) {
	d.state.Store(name)
}

func (d *Device) request(ctx context.Context, msg any) (sessionResponse, error) {
	if d.disposed.Load() {
		return sessionResponse{}, ErrDisposed
	}
	deadline, ok := ctx.Deadline()
	future := d.system.Root.RequestFuture(d.pid, msg, actorutil.RequestTimeout(deadline, ok, defaultCallTimeout))

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := future.Result()
		done <- result{value: value, err: err}
	}()

	select {
	case <-ctx.Done():
		return sessionResponse{}, ctx.Err()
	case <-d.ctx.Done():
		return sessionResponse{}, ErrDisposed
	case res := <-done:
		if res.err != nil {
			if d.disposed.Load() {
				return sessionResponse{}, ErrDisposed
			}
			return sessionResponse{}, res.err
		}
		resp, ok := res.value.(sessionResponse)
		if !ok {
			return sessionResponse{}, fmt.Errorf("unexpected session response %T", res.value)
		}
		return resp, resp.err
	}
}

func formatValue(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", errors.New("nil sensor value")
	}
	switch reflect.Indirect(reflect.ValueOf(value)).Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array:
		encoded, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("encoding sensor value: %w", err)
		}
		return string(encoded), nil
	default:
		return fmt.Sprint(value), nil
	}
}
