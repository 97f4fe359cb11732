package actor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trixing/dbus-modbus-client/internal/config"
	. "github.com/trixing/dbus-modbus-client/internal/util/actorutil"
	"github.com/trixing/dbus-modbus-client/pkg/cg_modbus"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

const (
	ACTOR_ID_SCANNER = "scanner"
)

// TransportFactory opens a connection to a configured port. Quiet
// connections are used for probing and log nothing at protocol level.
type TransportFactory func(port config.PortConfig, timeout time.Duration, quiet bool) (cg_modbus.Transport, error)

// scanTarget is one port to probe. Owned transports were opened for the scan
// and are closed when it ends, the others belong to running meters and are
// borrowed with Timeout for the duration of the scan.
type scanTarget struct {
	PortIndex int
	Port      config.PortConfig
	Transport cg_modbus.Transport
	Owned     bool
	Timeout   time.Duration
	Units     []uint8
}

// open returns the transport to scan with and the func ending its use.
func (target scanTarget) open() (cg_modbus.Transport, func(), error) {
	if target.Owned {
		return target.Transport, func() { target.Transport.Close() }, nil
	}
	return cg_modbus.Borrow(target.Transport, target.Timeout)
}

type FoundMeter struct {
	PortIndex int
	URL       string
	Unit      uint8
	Device    *cg_modbus.Device
}

type scanRequest struct {
	Targets []scanTarget
}

type scanResponse struct {
	Found []FoundMeter
	Error error
}

// ScannerActor probes ports for meters. A full serial sweep takes minutes, it
// runs here so the master keeps answering.
type ScannerActor struct {
	env     cg_modbus.ProbeEnv
	timeout time.Duration
	logger  *zap.Logger
}

func NewScannerActor(env cg_modbus.ProbeEnv, timeout time.Duration, logger *zap.Logger) *ScannerActor {
	return &ScannerActor{
		env:     env,
		timeout: timeout,
		logger:  ActorLogger(ACTOR_ID_SCANNER, logger),
	}
}

func (state *ScannerActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case scanRequest:
		state.logger.Debug("scanner scanRequest", zap.Int("ports", len(msg.Targets)))
		replyTo := ctx.Sender()
		targets := msg.Targets
		NewBackgroundTaskNoError(ctx, func(c context.Context) *scanResponse {
			found, err := Scan(c, targets, state.env, state.logger)
			return &scanResponse{Found: found, Error: err}
		}).Recover(func(err error) scanResponse {
			return scanResponse{Error: fmt.Errorf("scan: %w", err)}
		}).WithTimeout(state.timeout).PipeTo(replyTo)
	case *actor.Started, *actor.Stopping, *actor.Stopped, *actor.Restarting:
	default:
		state.logger.Debug("scanner default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// Scan probes every unit of every target. Units that do not answer are
// expected on a shared bus and never abort the scan.
func Scan(ctx context.Context, targets []scanTarget, env cg_modbus.ProbeEnv, logger *zap.Logger) ([]FoundMeter, error) {
	var found []FoundMeter
	var errs []error
	for i, target := range targets {
		if err := ctx.Err(); err != nil {
			closeOwned(targets[i:])
			errs = append(errs, err)
			return found, errors.Join(errs...)
		}
		portLogger := logger.With(zap.String("url", target.Port.URL))
		t, done, err := target.open()
		if err != nil {
			portLogger.Warn("cannot scan port", zap.Error(err))
			errs = append(errs, err)
			continue
		}
		more, err := scanUnits(ctx, t, target, env, portLogger)
		done()
		found = append(found, more...)
		if err != nil {
			closeOwned(targets[i+1:])
			errs = append(errs, err)
			return found, errors.Join(errs...)
		}
	}
	return found, errors.Join(errs...)
}

func closeOwned(targets []scanTarget) {
	for _, target := range targets {
		if target.Owned {
			target.Transport.Close()
		}
	}
}

func scanUnits(ctx context.Context, t cg_modbus.Transport, target scanTarget, env cg_modbus.ProbeEnv, portLogger *zap.Logger) ([]FoundMeter, error) {
	var found []FoundMeter
	for _, unit := range target.Units {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		res := cg_modbus.ProbeUnit(ctx, t, int(target.Port.Rate), unit, env)
		switch res.Outcome {
		case cg_modbus.ProbeFound:
			portLogger.Info("meter found", zap.Uint8("unit", unit), zap.String("model", res.Device.Model()),
				zap.Uint16("code", res.Code))
			found = append(found, FoundMeter{
				PortIndex: target.PortIndex,
				URL:       target.Port.URL,
				Unit:      unit,
				Device:    res.Device,
			})
		case cg_modbus.ProbeTransportFailed:
			portLogger.Debug("no answer", zap.Uint8("unit", unit), zap.Error(res.Err))
		default:
			if res.Code != 0 {
				portLogger.Info("unsupported device", zap.Uint8("unit", unit), zap.Uint16("code", res.Code))
			}
		}
	}
	return found, nil
}
