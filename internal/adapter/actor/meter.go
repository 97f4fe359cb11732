package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/trixing/dbus-modbus-client/internal/config"
	"github.com/trixing/dbus-modbus-client/internal/core/domain"
	"github.com/trixing/dbus-modbus-client/internal/core/events"
	"github.com/trixing/dbus-modbus-client/internal/util/actorutil"
	"github.com/trixing/dbus-modbus-client/pkg/cg_modbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

const (
	// consecutive failed poll cycles before the meter reports unhealthy
	MAX_POLL_FAILURES = 3
)

// MeterActor owns one detected meter: it initializes the device and then
// polls it on a timer, publishing every reading on the event stream.
type MeterActor struct {
	config      *config.Config
	behavior    actor.Behavior
	stash       *actorutil.Stash
	scheduler   *scheduler.TimerScheduler
	cancelTick  scheduler.CancelFunc
	device      *cg_modbus.Device
	url         string
	name        string
	eventStream *eventstream.EventStream
	failures    int

	logger *zap.Logger
}

type meterTick struct {
}

type initResult struct {
	Error error
}

type updateResult struct {
	Readings []cg_modbus.Reading
	Reinit   bool
	Error    error
}

type writeResult struct {
	ReplyTo *actor.PID
	Path    string
	Error   error
}

// MeterActorName names the actor of a meter after its port and unit, the
// only identity known before initialization.
func MeterActorName(portIndex int, unit uint8) string {
	return fmt.Sprintf("%sp%d_u%d", domain.ACTOR_ID_METER_PREFIX, portIndex, unit)
}

func NewMeterActor(config *config.Config, device *cg_modbus.Device, url, name string, eventStream *eventstream.EventStream, logger *zap.Logger) *MeterActor {
	act := &MeterActor{
		config:      config,
		device:      device,
		url:         url,
		name:        name,
		eventStream: eventStream,
		behavior:    actor.NewBehavior(),
		stash:       &actorutil.Stash{},
		logger:      actorutil.ActorLogger(name, logger).With(zap.String("url", url), zap.String("model", device.Model())),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MeterActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

// PollInterval is the configured poll interval, never faster than the
// minimum the model tolerates.
func (state *MeterActor) PollInterval() time.Duration {
	return max(state.config.MonitorConfig.PollInterval(), state.device.MinTimeout())
}

func (state *MeterActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("meter@starting started")
		state.scheduler = scheduler.NewTimerScheduler(ctx)
		state.startInit(ctx)
	case *actor.Restarting:
		state.stop()
	default:
		state.logger.Debug("meter@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MeterActor) InitializingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case initResult:
		if msg.Error != nil {
			state.logger.Error("meter@init failed", zap.Error(msg.Error))
			state.publishState(cg_modbus.StateInitFailed, msg.Error)
			state.behavior.Become(state.InitFailedReceive)
			state.stash.UnstashAll(ctx)
			return
		}
		state.logger.Info("meter@init done", zap.String("ident", state.device.Ident()),
			zap.Int("phases", state.device.Phases()), zap.Duration("poll_interval", state.PollInterval()))
		state.announce(ctx)
		state.failures = 0
		state.scheduleTick(ctx)
		state.behavior.Become(state.PollingReceive)
		state.stash.UnstashAll(ctx)
	case *actor.Stopping:
		state.stop()
	case *actor.Restarting:
		state.stop()
	default:
		state.logger.Debug("meter@init stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MeterActor) PollingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("meter@polling ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      state.name,
			Healthy: state.failures < MAX_POLL_FAILURES,
			State:   state.device.State().String(),
		})
	case domain.GetMeterInfoRequest:
		actorutil.ForRequest(msg).Respond(ctx, domain.GetMeterInfoResponse{Meter: state.meterInfo()})
	case meterTick:
		state.logger.Debug("meter@polling tick")
		state.runUpdate(ctx)
	case domain.WriteMeterPathRequest:
		state.logger.Debug("meter@polling WriteMeterPathRequest", zap.String("path", msg.Path), zap.String("payload", msg.Payload))
		state.runWrite(ctx, msg)
	case domain.ReinitMeterRequest:
		state.logger.Info("meter@polling reinit requested")
		state.device.Reinit()
		actorutil.ForRequest(msg).Respond(ctx, domain.ReinitMeterResponse{})
	case *actor.Stopping:
		state.stop()
	case *actor.Restarting:
		state.stop()
	default:
		state.logger.Debug("meter@polling default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *MeterActor) InitFailedReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      state.name,
			Healthy: false,
			State:   cg_modbus.StateInitFailed.String(),
		})
	case domain.GetMeterInfoRequest:
		actorutil.ForRequest(msg).Respond(ctx, domain.GetMeterInfoResponse{Meter: state.meterInfo()})
	case domain.ReinitMeterRequest:
		state.logger.Info("meter@failed reinit requested")
		actorutil.ForRequest(msg).Respond(ctx, domain.ReinitMeterResponse{})
		state.startInit(ctx)
	case domain.WriteMeterPathRequest:
		state.logger.Debug("meter@failed WriteMeterPathRequest", zap.String("path", msg.Path))
		state.runWrite(ctx, msg)
	case meterTick:
		// left over from before the failure
	case *actor.Stopping:
		state.stop()
	case *actor.Restarting:
		state.stop()
	default:
		state.logger.Debug("meter@failed default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// WaitingDeviceReceive is stacked while a poll or a write runs. The device is
// not safe for concurrent use, every other message waits in the stash.
func (state *MeterActor) WaitingDeviceReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case updateResult:
		state.behavior.UnbecomeStacked()
		state.handleUpdate(ctx, msg)
		state.stash.UnstashAll(ctx)
	case writeResult:
		state.behavior.UnbecomeStacked()
		state.handleWrite(ctx, msg)
		state.stash.UnstashAll(ctx)
	case *actor.Stopping:
		state.stop()
	case *actor.Restarting:
		state.stop()
	default:
		state.logger.Debug("meter@waiting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MeterActor) startInit(ctx actor.Context) {
	device := state.device
	state.behavior.Become(state.InitializingReceive)
	actorutil.NewBackgroundTaskNoError(ctx, func(c context.Context) *initResult {
		return &initResult{Error: device.Init(c)}
	}).Recover(func(err error) initResult {
		return initResult{Error: fmt.Errorf("meter init: %w", err)}
	}).WithTimeout(state.config.MonitorConfig.InitTimeout()).PipeTo(ctx.Self())
}

func (state *MeterActor) runUpdate(ctx actor.Context) {
	device := state.device
	reinit := device.ReinitPending()
	state.behavior.BecomeStacked(state.WaitingDeviceReceive)
	actorutil.NewBackgroundTaskNoError(ctx, func(c context.Context) *updateResult {
		readings, err := device.Update(c)
		return &updateResult{Readings: readings, Reinit: reinit, Error: err}
	}).Recover(func(err error) updateResult {
		return updateResult{Reinit: reinit, Error: fmt.Errorf("meter update: %w", err)}
	}).WithTimeout(state.taskTimeout()).PipeTo(ctx.Self())
}

func (state *MeterActor) handleUpdate(ctx actor.Context, msg updateResult) {
	if state.device.State() == cg_modbus.StateInitFailed {
		state.logger.Error("meter@polling reinitialization failed", zap.Error(msg.Error))
		state.publishState(cg_modbus.StateInitFailed, msg.Error)
		state.behavior.Become(state.InitFailedReceive)
		return
	}
	if msg.Reinit && state.device.State() == cg_modbus.StatePolling {
		state.announce(ctx)
	}

	// registers that decoded are published even when others did not
	for _, ev := range events.ReadingsToUpdateEvents(state.device.Ident(), msg.Readings) {
		state.publish(ev, false)
	}

	switch {
	case msg.Error == nil:
		state.failures = 0
	case len(msg.Readings) > 0:
		state.logger.Warn("meter@polling registers skipped", zap.Error(msg.Error))
	default:
		state.failures++
		state.logger.Warn("meter@polling update failed", zap.Int("failures", state.failures), zap.Error(msg.Error))
	}
	state.scheduleTick(ctx)
}

func (state *MeterActor) runWrite(ctx actor.Context, msg domain.WriteMeterPathRequest) {
	device := state.device
	replyTo := actorutil.ForRequest(msg).ReplyTo(ctx)
	path, payload := msg.Path, msg.Payload
	state.behavior.BecomeStacked(state.WaitingDeviceReceive)
	actorutil.NewBackgroundTaskNoError(ctx, func(c context.Context) *writeResult {
		return &writeResult{ReplyTo: replyTo, Path: path, Error: device.Write(c, path, payload)}
	}).Recover(func(err error) writeResult {
		return writeResult{ReplyTo: replyTo, Path: path, Error: fmt.Errorf("meter write: %w", err)}
	}).WithTimeout(state.taskTimeout()).PipeTo(ctx.Self())
}

func (state *MeterActor) handleWrite(ctx actor.Context, msg writeResult) {
	if msg.ReplyTo != nil {
		ctx.Send(msg.ReplyTo, domain.WriteMeterPathResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{
				ResponseError: msg.Error,
			},
		})
	}
	if msg.Error != nil {
		state.logger.Error("meter@write failed", zap.String("path", msg.Path), zap.Error(msg.Error))
		return
	}
	state.logger.Info("meter@write done", zap.String("path", msg.Path))
	if forward, reverse, ok := state.device.EnergyTotals(); ok && isEnergyPath(msg.Path) {
		state.publishEnergy(forward, reverse)
	}
	// a polling meter picks a pending reinit up on its next tick
	if state.device.State() != cg_modbus.StatePolling && state.device.ReinitPending() {
		state.startInit(ctx)
	}
}

func (state *MeterActor) scheduleTick(ctx actor.Context) {
	if state.cancelTick != nil {
		state.cancelTick()
	}
	state.cancelTick = state.scheduler.RequestOnce(state.PollInterval(), ctx.Self(), meterTick{})
}

// taskTimeout bounds one poll or write, leaving room for a pending reinit.
func (state *MeterActor) taskTimeout() time.Duration {
	return state.config.MonitorConfig.InitTimeout() + state.config.Modbus.Timeout()
}

// announce publishes the identity of a freshly initialized meter and tells
// the parent where commands for it go.
func (state *MeterActor) announce(ctx actor.Context) {
	state.publishState(cg_modbus.StatePolling, nil)
	for _, ev := range events.ReadingsToUpdateEvents(state.device.Ident(), state.device.IdentityReadings()) {
		state.publish(ev, true)
	}
	if forward, reverse, ok := state.device.EnergyTotals(); ok {
		state.publishEnergy(forward, reverse)
	}
	if ctx.Parent() != nil {
		ctx.Send(ctx.Parent(), domain.MeterReadyEvent{
			DeviceId: state.device.Ident(),
			Ref:      (*domain.ActorRef)(ctx.Self()),
		})
	}
}

func (state *MeterActor) meterInfo() domain.MeterInfo {
	info := domain.MeterInfo{
		DeviceInfo:    state.device.Info(),
		URL:           state.url,
		NativeEnergy:  state.device.NativeEnergy(),
		WritablePaths: state.device.WritablePaths(),
	}
	if state.device.State() == cg_modbus.StatePolling {
		info.Paths = state.device.DataRegisters().Paths()
		if !info.NativeEnergy {
			info.Paths = append(info.Paths, cg_modbus.PATH_ENERGY_FORWARD, cg_modbus.PATH_ENERGY_REVERSE)
		}
	}
	return info
}

func (state *MeterActor) publishEnergy(forward, reverse float64) {
	ident := state.device.Ident()
	state.publish(events.ReadingToUpdateEvent(ident, cg_modbus.Reading{Path: cg_modbus.PATH_ENERGY_FORWARD, Value: forward, Numeric: true, Decimals: 1}), true)
	state.publish(events.ReadingToUpdateEvent(ident, cg_modbus.Reading{Path: cg_modbus.PATH_ENERGY_REVERSE, Value: reverse, Numeric: true, Decimals: 1}), true)
}

// publishState is a no-op until the serial is known, there is no topic to
// publish to before that.
func (state *MeterActor) publishState(initState cg_modbus.InitState, err error) {
	if !state.device.Identified() {
		return
	}
	state.publish(events.MeterStateToUpdateEvent(state.device.Ident(), initState, err), true)
}

func (state *MeterActor) publish(ev domain.SensorUpdateEvent, retain bool) {
	state.eventStream.Publish(domain.PublishSensorUpdateRequest{
		Retain: retain,
		Event:  ev,
	})
}

func (state *MeterActor) stop() {
	if state.cancelTick != nil {
		state.cancelTick()
		state.cancelTick = nil
	}
	if err := state.device.Close(); err != nil {
		state.logger.Error("meter: energy flush failed", zap.Error(err))
	}
}

func isEnergyPath(path string) bool {
	return path == cg_modbus.PATH_ENERGY_FORWARD || path == cg_modbus.PATH_ENERGY_REVERSE
}
