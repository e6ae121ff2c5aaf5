package actor

import (
	"fmt"
	"time"

	"github.com/berfenger/furi/internal/core/domain"
	"github.com/berfenger/furi/internal/util/actorutil"
	"github.com/berfenger/furi/pkg/modbusio"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/reugn/go-quartz/logger"
	"go.uber.org/zap"
)

type ModbusActor struct {
	behavior actor.Behavior
	stash    *actorutil.Stash
	bank     modbusio.RegisterBank
	logger   *zap.Logger
}

type backgroundTaskResult struct {
	message any
	replyTo *actor.PID
}

func NewModbusActor(bank modbusio.RegisterBank, logger *zap.Logger) *ModbusActor {
	act := &ModbusActor{
		bank:     bank,
		behavior: actor.NewBehavior(),
		stash:    &actorutil.Stash{},
		logger:   actorutil.ActorLogger(domain.ACTOR_ID_MODBUS, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *ModbusActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *ModbusActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("modbus@starting started")
		if err := state.bank.Open(); err != nil {
			panic(err)
		}
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case *actor.Restarting:
		state.bank.Close()
	default:
		state.logger.Debug("modbus@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *ModbusActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("modbus@default: ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_MODBUS,
			Healthy: true,
			State:   "idle",
		})
	case domain.ReadPointsRequest:
		state.logger.Debug("modbus@default: ReadPointsRequest", zap.Int("points", len(msg.Points)))
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		points := msg.Points
		actorutil.MapBackgroundTask(actorutil.NewBackgroundTaskNoError(ctx, func() *domain.ReadPointsResponse {
			return state.readPoints(points)
		}), mapTaskResult[domain.ReadPointsResponse](sender)).Recover(func(err error) backgroundTaskResult {
			return backgroundTaskResult{
				message: domain.ReadPointsResponse{
					ActorResponseMixIn: domain.ResponseFrom(err),
				},
				replyTo: sender,
			}
		}).WithTimeout(5 * time.Second).PipeTo(ctx.Self())
		state.behavior.BecomeStacked(state.WaitingModbus)
	case domain.WriteControlRequest:
		state.logger.Debug("modbus@default: WriteControlRequest", zap.String("control", msg.Binding.Control))
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		binding := msg.Binding
		actorutil.MapBackgroundTask(actorutil.NewBackgroundTaskNoError(ctx, func() *domain.WriteControlResponse {
			a := state.writeControl(binding)
			return &a
		}), mapTaskResult[domain.WriteControlResponse](sender)).Recover(func(err error) backgroundTaskResult {
			return backgroundTaskResult{
				message: domain.WriteControlResponse{
					ActorResponseMixIn: domain.ResponseFrom(err),
				},
				replyTo: sender,
			}
		}).WithTimeout(2 * time.Second).PipeTo(ctx.Self())
		state.behavior.BecomeStacked(state.WaitingModbus)
	case *actor.Stopping:
		state.bank.Close()
	default:
		state.logger.Debug("modbus@default default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *ModbusActor) WaitingModbus(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case backgroundTaskResult:
		state.logger.Debug("modbus@WaitingModbus backgroundTaskResult", zap.String("type", fmt.Sprintf("%T", msg.message)))
		if msg.replyTo != nil {
			ctx.Send(msg.replyTo, msg.message)
		}
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case *actor.Stopping:
		state.bank.Close()
	default:
		state.logger.Debug("modbus@WaitingModbus stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (a *ModbusActor) readPoints(points []modbusio.Point) *domain.ReadPointsResponse {
	resp := &domain.ReadPointsResponse{
		Values: make(map[string]string, len(points)),
		Errors: map[string]error{},
	}
	for _, p := range points {
		value, err := a.bank.ReadPoint(p)
		if err != nil {
			logger.Error(err)
			resp.Errors[p.Sensor] = err
			continue
		}
		resp.Values[p.Sensor] = value
	}
	return resp
}

func (a *ModbusActor) writeControl(binding modbusio.ControlBinding) domain.WriteControlResponse {
	if err := a.bank.WriteControl(binding); err != nil {
		logger.Error(err)
		return domain.WriteControlResponse{
			ActorResponseMixIn: domain.ResponseFrom(err),
		}
	}
	return domain.WriteControlResponse{}
}

func mapTaskResult[T any](sender *actor.PID) func(t *T) *backgroundTaskResult {
	return func(t *T) *backgroundTaskResult {
		return &backgroundTaskResult{
			message: *t,
			replyTo: sender,
		}
	}
}
