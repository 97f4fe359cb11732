package actorutil

import (
	"errors"
	"log/slog"
	"time"

	"github.com/trixing/dbus-modbus-client/internal/core/domain"
	"github.com/trixing/dbus-modbus-client/internal/mqtt"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/lmittmann/tint"
	"go.uber.org/zap"
)

func PipeToSelfWithRecover(ctx actor.Context, future *actor.Future, mapFn func(error) any) {
	ctx.ReenterAfter(future, func(msg any, err error) {
		if err != nil {
			ctx.Send(ctx.Self(), mapFn(err))
			return
		}
		ctx.Send(ctx.Self(), msg)
	})
}

func NewActorSystemWithZapLogger(logger *zap.Logger) *actor.ActorSystem {
	stdOutLogger := zap.NewStdLog(logger)

	var slogLevel slog.Level = slog.LevelInfo

	switch logger.Level() {
	case zap.DebugLevel:
		slogLevel = slog.LevelDebug
	case zap.InfoLevel:
		slogLevel = slog.LevelInfo
	case zap.WarnLevel:
		slogLevel = slog.LevelWarn
	case zap.ErrorLevel:
		slogLevel = slog.LevelError
	case zap.PanicLevel:
		slogLevel = slog.LevelError
	}

	return actor.NewActorSystem(actor.WithLoggerFactory(func(system *actor.ActorSystem) *slog.Logger {

		// create a new logger
		return slog.New(tint.NewHandler(stdOutLogger.Writer(), &tint.Options{
			Level:      slogLevel,
			TimeFormat: time.DateTime,
		}))
	}))
}

func ActorLogger(actorName string, logger *zap.Logger) *zap.Logger {
	return logger.With(zap.String("actor", actorName))
}

// ParsedMQTTCommandToCommand turns a <base>/<device-id><path>/set message into
// a write for the owning meter actor.
func ParsedMQTTCommandToCommand(cmd mqtt.ParsedMQTTCommand) (domain.MeterRequest, error) {
	if cmd.DeviceId == "" || cmd.Path == "" {
		return nil, errors.New("command without device or path")
	}
	if cmd.Path == domain.COMMAND_PATH_REINIT {
		return domain.ReinitMeterRequest{
			MeterRequestMixIn: domain.MeterRequestMixIn{DeviceId: cmd.DeviceId},
		}, nil
	}
	return domain.WriteMeterPathRequest{
		MeterRequestMixIn: domain.MeterRequestMixIn{DeviceId: cmd.DeviceId},
		Path:              cmd.Path,
		Payload:           cmd.Payload,
	}, nil
}
