package actor

import (
	"fmt"
	"time"

	"github.com/berfenger/furi/internal/adapter/tsdb"
	"github.com/berfenger/furi/internal/core/domain"
	"github.com/berfenger/furi/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

// TSDBActor forwards sensor values to a time series writer. Writes are
// batched by the writer, so the actor never blocks on the network.
type TSDBActor struct {
	writer   tsdb.SensorWriter
	behavior actor.Behavior
	logger   *zap.Logger
	written  int
}

func NewTSDBActor(writer tsdb.SensorWriter, logger *zap.Logger) *TSDBActor {
	act := &TSDBActor{
		writer:   writer,
		behavior: actor.NewBehavior(),
		logger:   actorutil.ActorLogger(domain.ACTOR_ID_TSDB, logger),
	}
	act.behavior.Become(act.DefaultReceive)
	return act
}

func (state *TSDBActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *TSDBActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("tsdb@default started")
	case domain.RecordSensorValueRequest:
		state.writer.WriteSensorValue(msg.DeviceID, msg.SensorID, msg.Value, time.Now())
		state.written++
	case domain.ActorHealthRequest:
		state.logger.Debug("tsdb@default ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_TSDB,
			Healthy: true,
			State:   fmt.Sprintf("written=%d", state.written),
		})
	case *actor.Stopping:
		state.logger.Debug("tsdb@default stopping")
		if err := state.writer.Close(); err != nil {
			state.logger.Error("tsdb@default close error", zap.Error(err))
		}
	default:
		state.logger.Debug("tsdb@default ignore", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}
