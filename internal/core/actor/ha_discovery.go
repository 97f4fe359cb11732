package actor

import (
	"errors"
	"fmt"
	"time"

	"github.com/trixing/dbus-modbus-client/internal/config"
	"github.com/trixing/dbus-modbus-client/internal/core/domain"
	"github.com/trixing/dbus-modbus-client/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

// HADiscoveryActor publishes Home Assistant discovery documents for the
// bridge and every identified meter. It runs again whenever the parent
// reports a change in the set of meters.
type HADiscoveryActor struct {
	config    *config.Config
	behavior  actor.Behavior
	stash     *actorutil.Stash
	mqttActor *actor.PID
	dirty     bool

	logger *zap.Logger
}

func NewHADiscoveryActor(config *config.Config, mqttActor *actor.PID, logger *zap.Logger) *HADiscoveryActor {
	act := &HADiscoveryActor{
		config:    config,
		mqttActor: mqttActor,
		behavior:  actor.NewBehavior(),
		stash:     &actorutil.Stash{},
		logger:    actorutil.ActorLogger(domain.ACTOR_ID_HA_DISCOVERY, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *HADiscoveryActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *HADiscoveryActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("hadiscovery@starting started")

		// MQTT Actor Request
		actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.mqttActor, domain.ActorHealthRequest{}, 2*time.Second), func(err error) any {
			return domain.ActorHealthResponse{
				Id:      domain.ACTOR_ID_MQTT,
				Healthy: false,
			}
		})
		state.behavior.Become(state.WaitingHealthyReceive)
	case *actor.Restarting:
	default:
		state.logger.Debug("hadiscovery@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HADiscoveryActor) WaitingHealthyReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthResponse:
		state.logger.Debug("hadiscovery@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		if !msg.Healthy {
			panic(errors.New("MQTT Actor is not healthy"))
		}
		// pending change notifications are covered by the first run
		state.stash.Drop(func(m any) bool {
			_, ok := m.(domain.MetersChangedEvent)
			return ok
		})
		state.requestInfo(ctx)
		state.stash.UnstashAll(ctx)
	case domain.MetersChangedEvent:
	default:
		state.logger.Debug("hadiscovery@healthcheck: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HADiscoveryActor) IdleReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.MetersChangedEvent:
		state.logger.Debug("hadiscovery@idle: meters changed")
		state.requestInfo(ctx)
	default:
		state.logger.Debug("hadiscovery@idle: default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *HADiscoveryActor) WaitingInfoReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.MetersChangedEvent:
		// one more round once this one is published
		state.dirty = true
	case domain.GetMetersInfoResponse:
		if msg.HasResponseError() {
			panic(msg.GetResponseError())
		}
		state.logger.Debug("hadiscovery@info: GetMetersInfoResponse", zap.Int("meters", len(msg.Meters)))

		sensors, inputNumbers := DiscoveryEntities(state.config.MQTT.BaseTopic, msg.Meters)

		ctx.Send(state.mqttActor, domain.PublishDiscoveryRequest{
			Sensors:      sensors,
			InputNumbers: inputNumbers,
		})
		if state.dirty {
			state.requestInfo(ctx)
			return
		}
		state.behavior.Become(state.IdleReceive)
	default:
		state.logger.Debug("hadiscovery@info: default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *HADiscoveryActor) requestInfo(ctx actor.Context) {
	state.dirty = false
	actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(ctx.Parent(), domain.GetMetersInfoRequest{}, 5*time.Second), func(err error) any {
		return domain.GetMetersInfoResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{
				ResponseError: err,
			},
		}
	})
	state.behavior.Become(state.WaitingInfoReceive)
}

// DiscoveryEntities lists the bridge entities followed by those of every
// meter that has started polling. Meters are attached to the bridge device.
func DiscoveryEntities(baseTopic string, meters []domain.MeterInfo) ([]domain.GenericSensor, []domain.GenericInputNumber) {
	var sensors []domain.GenericSensor
	var inputNumbers []domain.GenericInputNumber

	bridgeDevice := domain.BridgeDevice(baseTopic)
	sensors = append(sensors, domain.BridgeSensors(bridgeDevice)...)

	for _, meter := range meters {
		if len(meter.Paths) == 0 {
			continue
		}
		meterDevice := domain.MeterDevice(meter)
		meterDevice.ViaDevice = bridgeDevice.Id
		sensors = append(sensors, domain.MeterSensors(meterDevice, meter)...)
		inputNumbers = append(inputNumbers, domain.MeterInputNumbers(meterDevice, meter)...)
	}
	return sensors, inputNumbers
}
