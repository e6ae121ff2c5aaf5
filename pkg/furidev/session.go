package furidev

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/berfenger/furi/internal/util/actorutil"
	"github.com/berfenger/furi/pkg/furitype"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

const (
	STATE_DISCONNECTED   = "disconnected"
	STATE_AUTHENTICATING = "authenticating"
	STATE_STREAMING      = "streaming"
	STATE_RETRYING       = "retrying"
	STATE_DISPOSED       = "disposed"

	openSentinel = "open"
)

// messages

type connectRequest struct{}

type sendSensorRequest struct {
	ctx   context.Context
	name  string
	value string
}

type descriptorRequest struct{}

type sessionResponse struct {
	descriptor furitype.DeviceDescriptor
	err        error
}

type connection struct {
	token  string
	stream *eventStream
	boot   furitype.DeviceDescriptor
}

type connectResult struct {
	conn *connection
	err  error
}

type inboundEnvelope struct {
	gen uint64
	env furitype.Envelope
}

type streamEnded struct {
	gen uint64
	err error
}

type reconnectTick struct{}

type pressDispatch struct {
	control furitype.ControlInfo
}

type taskDone struct {
	replyTo  *actor.PID
	response sessionResponse
}

type sessionState interface {
	actorutil.ActorState
	handle(ctx actor.Context, msg any, sender *actor.PID)
}

// sessionActor owns the connection of one device. Its mailbox is the device
// queue: inbound envelopes, outbound calls and listener runs are processed one
// at a time. Blocking work runs as a background task while later messages wait
// in the stash, in arrival order.
type sessionActor struct {
	actorutil.ActorWithStates

	disconnected   *disconnectedState
	authenticating *authenticatingState
	streaming      *streamingState
	retrying       *retryingState
	disposed       *disposedState

	cfg       Config
	baseCtx   context.Context
	transport *transport
	listeners *listenerRegistry
	onState   func(string)
	scheduler *scheduler.TimerScheduler

	conn        *connection
	cache       *descriptorCache
	gen         uint64
	cancelRetry scheduler.CancelFunc
	waiters     []*actor.PID

	busy    bool
	running *actor.PID
	pending *actorutil.Stash

	logger *zap.Logger
}

func newSessionActor(d *Device) *sessionActor {
	act := &sessionActor{
		ActorWithStates: actorutil.ActorWithStates{Behavior: actor.NewBehavior()},
		cfg:             d.cfg,
		baseCtx:         d.ctx,
		transport:       d.transport,
		listeners:       d.listeners,
		onState:         d.setState,
		pending:         &actorutil.Stash{},
		logger:          actorutil.ActorLogger(fmt.Sprintf("session-%d", d.cfg.DeviceID), d.logger),
	}
	act.disconnected = &disconnectedState{act}
	act.authenticating = &authenticatingState{act}
	act.streaming = &streamingState{act}
	act.retrying = &retryingState{act}
	act.disposed = &disposedState{act}
	act.become(act.disconnected)
	return act
}

func (a *sessionActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		a.logger.Debug("session started")
		a.scheduler = scheduler.NewTimerScheduler(ctx)
	case *actor.Stopping:
		a.shutdown(ctx)
	case *actor.Stopped, *actor.Restarting:
	case taskDone:
		a.busy = false
		a.running = nil
		a.respond(ctx, msg.replyTo, msg.response)
		a.drain(ctx)
	default:
		if a.busy {
			a.pending.Stash(ctx, msg)
			return
		}
		a.Behavior.Receive(ctx)
	}
}

func (a *sessionActor) become(state sessionState) {
	if previous := a.Become(state); previous != "" {
		a.logger.Debug(fmt.Sprintf("session@%s -> %s", previous, state.Name()))
	}
	a.onState(state.Name())
}

func (a *sessionActor) drain(ctx actor.Context) {
	for !a.busy {
		msg, sender, ok := a.pending.Pop()
		if !ok {
			return
		}
		a.Current().(sessionState).handle(ctx, msg, sender)
	}
}

func (a *sessionActor) respond(ctx actor.Context, to *actor.PID, resp sessionResponse) {
	if to != nil {
		ctx.Send(to, resp)
	}
}

// runTask runs fn off the mailbox. Nothing else is processed until it returns.
func (a *sessionActor) runTask(ctx actor.Context, replyTo *actor.PID, fn func() sessionResponse) {
	a.busy = true
	a.running = replyTo
	actorutil.NewBackgroundTaskNoError(ctx, func() *taskDone {
		return &taskDone{replyTo: replyTo, response: fn()}
	}).Recover(func(err error) taskDone {
		return taskDone{replyTo: replyTo, response: sessionResponse{err: err}}
	}).PipeTo(ctx.Self())
}

// connection lifecycle

func (a *sessionActor) startConnect(ctx actor.Context) {
	a.become(a.authenticating)
	actorutil.NewBackgroundTaskNoError(ctx, func() *connectResult {
		conn, err := a.dial()
		return &connectResult{conn: conn, err: err}
	}).Recover(func(err error) connectResult {
		return connectResult{err: err}
	}).PipeTo(ctx.Self())
}

// dial authenticates and opens the push stream. It runs in a background task
// and only reads immutable session fields.
func (a *sessionActor) dial() (*connection, error) {
	authCtx, cancel := context.WithTimeout(a.baseCtx, a.cfg.RequestTimeout)
	token, err := a.transport.authenticate(authCtx)
	cancel()
	if err != nil {
		return nil, err
	}
	stream, err := a.transport.openStream(a.baseCtx, token)
	if err != nil {
		return nil, err
	}
	boot, err := readBoot(stream, a.cfg.RequestTimeout)
	if err != nil {
		stream.close()
		return nil, err
	}
	return &connection{token: token, stream: stream, boot: boot}, nil
}

func readBoot(stream *eventStream, timeout time.Duration) (furitype.DeviceDescriptor, error) {
	timer := time.AfterFunc(timeout, stream.close)
	defer timer.Stop()
	for {
		data, err := stream.next()
		if err != nil {
			return furitype.DeviceDescriptor{}, fmt.Errorf("%w: stream ended before boot: %w", ErrTransportFailure, err)
		}
		if data == openSentinel {
			continue
		}
		env, err := furitype.Decode([]byte(data))
		if err != nil {
			return furitype.DeviceDescriptor{}, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		boot, ok := env.(furitype.BootEvent)
		if !ok {
			return furitype.DeviceDescriptor{}, fmt.Errorf("%w: first event is %s", ErrProtocolViolation, env.EnvelopeType())
		}
		return boot.Descript, nil
	}
}

// readStream forwards every envelope of stream to the session until the
// stream ends.
func readStream(root *actor.RootContext, session *actor.PID, gen uint64, stream *eventStream, logger *zap.Logger) {
	for {
		data, err := stream.next()
		if err != nil {
			root.Send(session, streamEnded{gen: gen, err: err})
			return
		}
		if data == openSentinel {
			continue
		}
		env, err := furitype.Decode([]byte(data))
		if err != nil {
			logger.Info("unknown stream message", zap.String("data", data), zap.Error(err))
			continue
		}
		root.Send(session, inboundEnvelope{gen: gen, env: env})
	}
}

func (a *sessionActor) finishConnect(ctx actor.Context, result connectResult) {
	if result.err != nil {
		a.connectFailed(ctx, result.err)
		return
	}
	if names := a.listeners.unknown(result.conn.boot); len(names) > 0 {
		result.conn.stream.close()
		a.connectFailed(ctx, fmt.Errorf("%w: %s", ErrInvalidControlName, strings.Join(names, ", ")))
		return
	}

	a.stopRetry()
	a.gen++
	a.conn = result.conn
	a.cache = newDescriptorCache(result.conn.boot, a.logger)
	a.become(a.streaming)
	a.logger.Info("connection established", zap.Int("sensors", len(a.cache.desc.Sensors)),
		zap.Int("controls", len(a.cache.desc.Controls)))

	for _, waiter := range a.waiters {
		a.respond(ctx, waiter, sessionResponse{})
	}
	a.waiters = nil

	// commands asserted while the device was away
	for _, control := range a.cache.pressed() {
		a.pending.Push(pressDispatch{control: control}, nil)
	}
	go readStream(ctx.ActorSystem().Root, ctx.Self(), a.gen, a.conn.stream, a.logger)
	a.drain(ctx)
}

func (a *sessionActor) connectFailed(ctx actor.Context, err error) {
	a.logger.Info("connect failed", zap.Error(err))
	for _, waiter := range a.waiters {
		a.respond(ctx, waiter, sessionResponse{err: err})
	}
	a.waiters = nil
	if a.cancelRetry != nil {
		a.become(a.retrying)
	} else {
		a.become(a.disconnected)
	}
}

func (a *sessionActor) detach() {
	if a.conn != nil {
		a.conn.stream.close()
	}
	a.conn = nil
	a.cache = nil
}

func (a *sessionActor) scheduleRetry(ctx actor.Context) {
	if a.cancelRetry == nil {
		a.cancelRetry = a.scheduler.SendRepeatedly(a.cfg.RetryInterval, a.cfg.RetryInterval, ctx.Self(), reconnectTick{})
	}
}

func (a *sessionActor) stopRetry() {
	if a.cancelRetry != nil {
		a.cancelRetry()
		a.cancelRetry = nil
	}
}

func (a *sessionActor) shutdown(ctx actor.Context) {
	a.logger.Debug("session stopping")
	a.stopRetry()
	a.detach()
	for _, waiter := range a.waiters {
		a.respond(ctx, waiter, sessionResponse{err: ErrDisposed})
	}
	a.waiters = nil
	// the running task's taskDone arrives after the actor has stopped
	a.respond(ctx, a.running, sessionResponse{err: ErrDisposed})
	a.running = nil
	a.pending.Discard(func(msg any, sender *actor.PID) {
		if result, ok := msg.(connectResult); ok && result.conn != nil {
			result.conn.stream.close()
		}
		a.respond(ctx, sender, sessionResponse{err: ErrDisposed})
	})
	a.become(a.disposed)
}

// outbound work

func (a *sessionActor) sendSensor(ctx actor.Context, msg sendSensorRequest, sender *actor.PID) {
	sensor, ok := a.cache.desc.SensorByName(msg.name)
	if !ok {
		a.respond(ctx, sender, sessionResponse{err: fmt.Errorf("%w: %s", ErrUnknownSensor, msg.name)})
		return
	}
	token := a.conn.token
	a.runTask(ctx, sender, func() sessionResponse {
		callCtx, cancel := a.callContext(msg.ctx)
		defer cancel()
		return sessionResponse{err: a.transport.sendSensor(callCtx, token, sensor.ID, msg.value)}
	})
}

// dispatch runs every listener of control, then acknowledges the press.
func (a *sessionActor) dispatch(ctx actor.Context, control furitype.ControlInfo) {
	handlers := a.listeners.handlers(control.Name)
	token := a.conn.token
	logger := a.logger.With(zap.String("control", control.Name))
	a.logger.Debug("control pressed", zap.String("control", control.Name), zap.Int("listeners", len(handlers)))
	a.runTask(ctx, nil, func() sessionResponse {
		for _, handler := range handlers {
			runHandler(a.baseCtx, handler, control, logger)
		}
		callCtx, cancel := a.callContext(a.baseCtx)
		defer cancel()
		if err := a.transport.unpress(callCtx, token, control.ID); err != nil {
			logger.Error("control unpress failed", zap.Error(err))
		}
		return sessionResponse{}
	})
}

// callContext bounds one outbound call by the request timeout and by the
// lifetime of the device.
func (a *sessionActor) callContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = a.baseCtx
	}
	callCtx, cancel := context.WithTimeout(parent, a.cfg.RequestTimeout)
	stop := context.AfterFunc(a.baseCtx, cancel)
	return callCtx, func() {
		stop()
		cancel()
	}
}

func runHandler(ctx context.Context, handler ControlHandler, control furitype.ControlInfo, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("control handler panicked", zap.Any("panic", r))
		}
	}()
	if err := handler(ctx, control); err != nil {
		logger.Error("control handler failed", zap.Error(err))
	}
}

// states

type disconnectedState struct{ *sessionActor }

func (s *disconnectedState) Name() string { return STATE_DISCONNECTED }

func (s *disconnectedState) Receive(ctx actor.Context) { s.handle(ctx, ctx.Message(), ctx.Sender()) }

func (s *disconnectedState) handle(ctx actor.Context, msg any, sender *actor.PID) {
	switch msg.(type) {
	case connectRequest:
		s.logger.Debug("session@disconnected connectRequest")
		s.waiters = append(s.waiters, sender)
		s.startConnect(ctx)
	case sendSensorRequest, descriptorRequest:
		s.respond(ctx, sender, sessionResponse{err: ErrNotConnected})
	default:
		s.logger.Debug("session@disconnected ignored", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

type authenticatingState struct{ *sessionActor }

func (s *authenticatingState) Name() string { return STATE_AUTHENTICATING }

func (s *authenticatingState) Receive(ctx actor.Context) { s.handle(ctx, ctx.Message(), ctx.Sender()) }

func (s *authenticatingState) handle(ctx actor.Context, msg any, sender *actor.PID) {
	switch msg := msg.(type) {
	case connectRequest:
		s.waiters = append(s.waiters, sender)
	case connectResult:
		s.logger.Debug("session@authenticating connectResult", zap.Error(msg.err))
		s.finishConnect(ctx, msg)
	case sendSensorRequest, descriptorRequest:
		s.respond(ctx, sender, sessionResponse{err: ErrNotConnected})
	default:
		s.logger.Debug("session@authenticating ignored", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

type streamingState struct{ *sessionActor }

func (s *streamingState) Name() string { return STATE_STREAMING }

func (s *streamingState) Receive(ctx actor.Context) { s.handle(ctx, ctx.Message(), ctx.Sender()) }

func (s *streamingState) handle(ctx actor.Context, msg any, sender *actor.PID) {
	switch msg := msg.(type) {
	case connectRequest:
		s.respond(ctx, sender, sessionResponse{})
	case sendSensorRequest:
		s.sendSensor(ctx, msg, sender)
	case descriptorRequest:
		s.respond(ctx, sender, sessionResponse{descriptor: s.cache.snapshot()})
	case inboundEnvelope:
		if msg.gen != s.gen {
			return
		}
		s.logger.Debug("session@streaming received", zap.String("type", msg.env.EnvelopeType()))
		if control, ok := s.cache.apply(msg.env); ok {
			s.dispatch(ctx, control)
		}
	case pressDispatch:
		s.dispatch(ctx, msg.control)
	case streamEnded:
		if msg.gen != s.gen {
			return
		}
		s.logger.Info("device disconnected", zap.Error(msg.err))
		s.detach()
		s.scheduleRetry(ctx)
		s.become(s.retrying)
	default:
		s.logger.Debug("session@streaming ignored", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

type retryingState struct{ *sessionActor }

func (s *retryingState) Name() string { return STATE_RETRYING }

func (s *retryingState) Receive(ctx actor.Context) { s.handle(ctx, ctx.Message(), ctx.Sender()) }

func (s *retryingState) handle(ctx actor.Context, msg any, sender *actor.PID) {
	switch msg.(type) {
	case reconnectTick:
		s.logger.Debug("session@retrying reconnectTick")
		s.startConnect(ctx)
	case connectRequest:
		s.waiters = append(s.waiters, sender)
		s.startConnect(ctx)
	case sendSensorRequest, descriptorRequest:
		s.respond(ctx, sender, sessionResponse{err: ErrNotConnected})
	default:
		s.logger.Debug("session@retrying ignored", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

type disposedState struct{ *sessionActor }

func (s *disposedState) Name() string { return STATE_DISPOSED }

func (s *disposedState) Receive(ctx actor.Context) { s.handle(ctx, ctx.Message(), ctx.Sender()) }

func (s *disposedState) handle(ctx actor.Context, msg any, sender *actor.PID) {
	switch msg := msg.(type) {
	case connectResult:
		if msg.conn != nil {
			msg.conn.stream.close()
		}
	case connectRequest, sendSensorRequest, descriptorRequest:
		s.respond(ctx, sender, sessionResponse{err: ErrDisposed})
	}
}
