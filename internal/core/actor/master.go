package actor

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	adactor "github.com/trixing/dbus-modbus-client/internal/adapter/actor"
	"github.com/trixing/dbus-modbus-client/internal/config"
	"github.com/trixing/dbus-modbus-client/internal/core/domain"
	. "github.com/trixing/dbus-modbus-client/internal/util/actorutil"
	"github.com/trixing/dbus-modbus-client/pkg/cg_modbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

const (
	// a serial sweep of 247 units at the probe timeout, plus slack
	SCAN_TIMEOUT = 10 * time.Minute
)

var ErrScanInProgress = errors.New("scan already in progress")

var ErrUnknownMeter = errors.New("no meter with this device id")

type MQTTActorProvider func(*eventstream.EventStream) *adactor.MQTTActor

type MeterActorProvider func(device *cg_modbus.Device, url, name string, eventStream *eventstream.EventStream) *adactor.MeterActor

type MasterActor struct {
	config   config.Config
	behavior actor.Behavior
	stash    *Stash

	currentHealthCheck healthCheckResult
	currentInfo        infoResult
	eventStream        *eventstream.EventStream
	mqttActor          *actor.PID
	scannerActor       *actor.PID
	haDiscoveryActor   *actor.PID
	meters             map[string]meterHandle
	routes             map[string]*actor.PID
	transports         map[int]cg_modbus.Transport
	scanning           bool
	scanReplyTo        []*actor.PID
	rescanJob          *RescanJob

	probeEnv           cg_modbus.ProbeEnv
	transportFactory   TransportFactory
	mqttActorProvider  MQTTActorProvider
	meterActorProvider MeterActorProvider
	logger             *zap.Logger
}

type meterHandle struct {
	pid       *actor.PID
	portIndex int
	unit      uint8
}

type healthCheckResult struct {
	expected  int
	received  int
	unhealthy []string
	respondTo *actor.PID
}

type infoResult struct {
	expected  int
	received  int
	meters    []domain.MeterInfo
	respondTo *actor.PID
}

func NewMasterActor(config config.Config, probeEnv cg_modbus.ProbeEnv, transportFactory TransportFactory,
	meterActorProvider MeterActorProvider, mqttActorProvider MQTTActorProvider, logger *zap.Logger) *MasterActor {
	act := &MasterActor{
		config:             config,
		behavior:           actor.NewBehavior(),
		stash:              &Stash{},
		logger:             ActorLogger(domain.ACTOR_ID_MASTER, logger),
		eventStream:        eventstream.NewEventStream(),
		meters:             map[string]meterHandle{},
		routes:             map[string]*actor.PID{},
		transports:         map[int]cg_modbus.Transport{},
		probeEnv:           probeEnv,
		transportFactory:   transportFactory,
		meterActorProvider: meterActorProvider,
		mqttActorProvider:  mqttActorProvider,
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MasterActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MasterActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("master@starting started")

		// start MQTT child
		mqttActorPID, err := state.startMQTTActor(ctx)
		if err != nil {
			panic(err)
		}
		state.mqttActor = mqttActorPID

		// start scanner child
		scannerPID, err := state.startScannerActor(ctx)
		if err != nil {
			panic(err)
		}
		state.scannerActor = scannerPID

		// start HA Discovery
		if state.config.MQTT.HADiscoveryEnable {
			haDiscPID, err := state.startHADiscoveryActor(ctx)
			if err != nil {
				panic(err)
			}
			state.haDiscoveryActor = haDiscPID
		}

		// periodic rescan
		if interval := state.config.Modbus.RescanInterval(); interval > 0 {
			root, self := ctx.ActorSystem().Root, ctx.Self()
			job, err := StartRescanJob(interval, func() {
				root.Send(self, domain.RescanRequest{})
			})
			if err != nil {
				panic(err)
			}
			state.rescanJob = job
		}

		// initial scan
		ctx.Send(ctx.Self(), domain.RescanRequest{})

		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("master@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("master@default ActorHealthRequest")
		state.currentHealthCheck = healthCheckResult{
			expected:  1 + len(state.meters),
			respondTo: ctx.Sender(),
		}
		// MQTT Actor Request
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.mqttActor, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
			return domain.ActorHealthResponse{
				Id:      domain.ACTOR_ID_MQTT,
				Healthy: false,
			}
		})
		// Meter Actor Requests
		for name, meter := range state.meters {
			name := name
			PipeToSelfWithRecover(ctx, ctx.RequestFuture(meter.pid, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
				return domain.ActorHealthResponse{
					Id:      name,
					Healthy: false,
				}
			})
		}

		ctx.SetReceiveTimeout(1 * time.Second)

		state.behavior.BecomeStacked(state.HealthCheckReceive)
	case domain.GetMetersInfoRequest:
		state.logger.Debug("master@default GetMetersInfoRequest")
		state.currentInfo = infoResult{
			expected:  len(state.meters),
			respondTo: ForRequest(msg).ReplyTo(ctx),
		}
		if state.currentInfo.expected == 0 {
			state.currentInfo.respond(ctx)
			return
		}
		for _, meter := range state.meters {
			PipeToSelfWithRecover(ctx, ctx.RequestFuture(meter.pid, domain.GetMeterInfoRequest{}, 1*time.Second), func(err error) any {
				return domain.GetMeterInfoResponse{
					ActorResponseMixIn: domain.ActorResponseMixIn{
						ResponseError: err,
					},
				}
			})
		}

		ctx.SetReceiveTimeout(2 * time.Second)

		state.behavior.BecomeStacked(state.MetersInfoReceive)
	case domain.RescanRequest:
		replyTo := ForRequest(msg).ReplyTo(ctx)
		if state.scanning {
			state.logger.Debug("master@default RescanRequest while scanning")
			if replyTo != nil {
				ctx.Send(replyTo, domain.RescanResponse{
					ActorResponseMixIn: domain.ActorResponseMixIn{
						ResponseError: ErrScanInProgress,
					},
				})
			}
			return
		}
		targets := state.scanTargets()
		if len(targets) == 0 {
			state.logger.Debug("master@default RescanRequest, every unit has a meter")
			if replyTo != nil {
				ctx.Send(replyTo, domain.RescanResponse{})
			}
			return
		}
		state.logger.Info("master@default scanning", zap.Int("ports", len(targets)))
		state.scanning = true
		if replyTo != nil {
			state.scanReplyTo = append(state.scanReplyTo, replyTo)
		}
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.scannerActor, scanRequest{Targets: targets}, SCAN_TIMEOUT), func(err error) any {
			return scanResponse{Error: err}
		})
	case scanResponse:
		state.scanning = false
		if msg.Error != nil {
			state.logger.Warn("master@default scan incomplete", zap.Error(msg.Error))
		}
		spawned := 0
		for _, found := range msg.Found {
			if err := state.startMeterActor(ctx, found); err != nil {
				state.logger.Error("master@default could not start meter", zap.String("url", found.URL),
					zap.Uint8("unit", found.Unit), zap.Error(err))
				continue
			}
			spawned++
		}
		state.logger.Info("master@default scan done", zap.Int("found", spawned), zap.Int("meters", len(state.meters)))
		for _, replyTo := range state.scanReplyTo {
			ctx.Send(replyTo, domain.RescanResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{
					ResponseError: msg.Error,
				},
				Found: spawned,
			})
		}
		state.scanReplyTo = nil
	case domain.MeterReadyEvent:
		state.logger.Debug("master@default MeterReadyEvent", zap.String("device", msg.DeviceId))
		state.routes[msg.DeviceId] = (*actor.PID)(msg.Ref)
		if state.haDiscoveryActor != nil {
			ctx.Send(state.haDiscoveryActor, domain.MetersChangedEvent{})
		}
	case adactor.ParsedCommand:
		// redirect parsedCommand to meter actor
		state.logger.Debug("master@default parsedCommand", zap.Any("command", msg.Command))
		if msg.Command == nil {
			return
		}
		cmd, err := ParsedMQTTCommandToCommand(*msg.Command)
		if err != nil {
			state.logger.Warn("master@default invalid command", zap.Error(err))
			return
		}
		if pid, ok := state.routes[cmd.MeterId()]; ok {
			ctx.Send(pid, cmd)
		} else {
			state.logger.Warn("master@default command for unknown meter", zap.String("device", cmd.MeterId()))
		}
	case domain.WriteMeterPathRequest:
		state.routeMeterRequest(ctx, msg, func(err error) domain.ActorResponse {
			return domain.WriteMeterPathResponse{ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err}}
		})
	case domain.ReinitMeterRequest:
		state.routeMeterRequest(ctx, msg, func(err error) domain.ActorResponse {
			return domain.ReinitMeterResponse{ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err}}
		})
	case *actor.Terminated:
		state.forgetMeter(msg.Who)
	case *actor.Stopping:
		if state.rescanJob != nil {
			state.rescanJob.Stop()
		}
	case *actor.Stopped:
		// children, and with them the meters, are gone by now
		for idx, t := range state.transports {
			if err := t.Close(); err != nil {
				state.logger.Warn("master@stopped close transport", zap.Int("port", idx), zap.Error(err))
			}
		}
	default:
		state.logger.Debug("master@default default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *MasterActor) HealthCheckReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		// if some actor does not respond to healthCheck, assume not healthy
		ctx.CancelReceiveTimeout()
		state.currentHealthCheck.respond(ctx)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case domain.ActorHealthResponse:
		state.logger.Debug("master@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.currentHealthCheck.received++
		if !msg.Healthy {
			state.currentHealthCheck.unhealthy = append(state.currentHealthCheck.unhealthy, msg.Id)
		}
		if state.currentHealthCheck.allReceived() {
			ctx.CancelReceiveTimeout()
			state.currentHealthCheck.respond(ctx)

			state.behavior.UnbecomeStacked()
			state.stash.UnstashAll(ctx)
		}
	default:
		state.logger.Debug("master@healthcheck stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterActor) MetersInfoReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		ctx.CancelReceiveTimeout()
		state.currentInfo.respond(ctx)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case domain.GetMeterInfoResponse:
		state.currentInfo.received++
		if msg.HasResponseError() {
			state.logger.Warn("master@info meter did not answer", zap.Error(msg.GetResponseError()))
		} else {
			state.currentInfo.meters = append(state.currentInfo.meters, msg.Meter)
		}
		if state.currentInfo.received >= state.currentInfo.expected {
			ctx.CancelReceiveTimeout()
			state.currentInfo.respond(ctx)
			state.behavior.UnbecomeStacked()
			state.stash.UnstashAll(ctx)
		}
	default:
		state.logger.Debug("master@info stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterActor) routeMeterRequest(ctx actor.Context, req domain.MeterRequest, errResponse func(error) domain.ActorResponse) {
	if pid, ok := state.routes[req.MeterId()]; ok {
		ctx.Forward(pid)
		return
	}
	state.logger.Warn("master@default request for unknown meter", zap.String("device", req.MeterId()))
	ForRequest(req).Respond(ctx, errResponse(fmt.Errorf("%w: %s", ErrUnknownMeter, req.MeterId())))
}

// scanTargets lists the ports with units that have no meter yet. Ports with
// running meters are scanned over their polling connection, borrowed with
// the short scan timeout.
func (state *MasterActor) scanTargets() []scanTarget {
	var targets []scanTarget
	for idx, port := range state.config.Modbus.ScanPorts() {
		var units []uint8
		for _, unit := range port.Units {
			if _, ok := state.meters[adactor.MeterActorName(idx, unit)]; !ok {
				units = append(units, unit)
			}
		}
		if len(units) == 0 {
			continue
		}
		target := scanTarget{PortIndex: idx, Port: port, Units: units, Timeout: state.config.Modbus.ProbeTimeout()}
		if t, ok := state.transports[idx]; ok {
			target.Transport = t
		} else {
			t, err := state.transportFactory(port, state.config.Modbus.ProbeTimeout(), true)
			if err != nil {
				state.logger.Error("master: cannot open port", zap.String("url", port.URL), zap.Error(err))
				continue
			}
			target.Transport = t
			target.Owned = true
		}
		targets = append(targets, target)
	}
	return targets
}

func (state *MasterActor) pollTransport(idx int) (cg_modbus.Transport, error) {
	if t, ok := state.transports[idx]; ok {
		return t, nil
	}
	port := state.config.Modbus.ScanPorts()[idx]
	t, err := state.transportFactory(port, state.config.Modbus.Timeout(), false)
	if err != nil {
		return nil, err
	}
	state.transports[idx] = t
	return t, nil
}

func (state *MasterActor) startMeterActor(ctx actor.Context, found FoundMeter) error {
	name := adactor.MeterActorName(found.PortIndex, found.Unit)
	if _, exists := state.meters[name]; exists {
		return fmt.Errorf("meter %s already running", name)
	}
	t, err := state.pollTransport(found.PortIndex)
	if err != nil {
		return err
	}
	found.Device.UseTransport(t)

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	meterProps := actor.PropsFromProducer(func() actor.Actor {
		return state.meterActorProvider(found.Device, found.URL, name, state.eventStream)
	}, actor.WithSupervisor(supervisor))
	pid, err := ctx.SpawnNamed(meterProps, name)
	if err != nil {
		return err
	}
	state.meters[name] = meterHandle{pid: pid, portIndex: found.PortIndex, unit: found.Unit}
	return nil
}

func (state *MasterActor) forgetMeter(who *actor.PID) {
	for name, meter := range state.meters {
		if meter.pid.Equal(who) {
			state.logger.Warn("master: meter actor terminated", zap.String("meter", name))
			delete(state.meters, name)
		}
	}
	for id, pid := range state.routes {
		if pid.Equal(who) {
			delete(state.routes, id)
		}
	}
}

func (state *MasterActor) startScannerActor(ctx actor.Context) (*actor.PID, error) {

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(3, 10*time.Second, decider)

	scannerProps := actor.PropsFromProducer(func() actor.Actor {
		return NewScannerActor(state.probeEnv, SCAN_TIMEOUT, state.logger)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(scannerProps, ACTOR_ID_SCANNER)
}

func (state *MasterActor) startHADiscoveryActor(ctx actor.Context) (*actor.PID, error) {

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(1, 10*time.Second, decider)

	haDiscProps := actor.PropsFromProducer(func() actor.Actor {
		return NewHADiscoveryActor(&state.config, state.mqttActor, state.logger)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(haDiscProps, domain.ACTOR_ID_HA_DISCOVERY)
}

func (state *MasterActor) startMQTTActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	mqttProps := actor.PropsFromProducer(func() actor.Actor {
		return state.mqttActorProvider(state.eventStream)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(mqttProps, domain.ACTOR_ID_MQTT)
}

func (state *healthCheckResult) allReceived() bool {
	return state.received >= state.expected
}

func (state *healthCheckResult) respond(ctx actor.Context) {
	// missing answers count as unhealthy
	healthy := state.allReceived() && len(state.unhealthy) == 0
	resp := domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_MASTER,
		Healthy: healthy,
	}
	if !healthy {
		slices.Sort(state.unhealthy)
		resp.State = fmt.Sprintf("unhealthy: %v", state.unhealthy)
	}
	if state.respondTo != nil {
		ctx.Send(state.respondTo, resp)
	}
}

func (state *infoResult) respond(ctx actor.Context) {
	slices.SortFunc(state.meters, func(a, b domain.MeterInfo) int {
		if a.URL != b.URL {
			if a.URL < b.URL {
				return -1
			}
			return 1
		}
		return int(a.Unit) - int(b.Unit)
	})
	if state.respondTo != nil {
		ctx.Send(state.respondTo, domain.GetMetersInfoResponse{Meters: state.meters})
	}
}
