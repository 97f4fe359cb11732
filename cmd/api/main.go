package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	adactor "github.com/trixing/dbus-modbus-client/internal/adapter/actor"
	"github.com/trixing/dbus-modbus-client/internal/config"
	"github.com/trixing/dbus-modbus-client/internal/core/actor"
	"github.com/trixing/dbus-modbus-client/internal/core/domain"
	"github.com/trixing/dbus-modbus-client/internal/server"
	"github.com/trixing/dbus-modbus-client/internal/settings"
	"github.com/trixing/dbus-modbus-client/internal/util/actorutil"
	"github.com/trixing/dbus-modbus-client/pkg/cg_modbus"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func gracefulShutdown(apiServer *http.Server, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Listen for the interrupt signal.
	<-ctx.Done()

	log.Println("shutting down gracefully, press Ctrl+C again to force")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown with error: %v", err)
	}

	log.Println("Server exiting")

	done <- true
}

func main() {

	// load and print config
	cfg, err := initConfig()
	if err != nil {
		slog.Error("config errors", "error", err)
		return
	}
	safePrintConfig(*cfg)

	// zap logger
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)

	logger := zap.Must(zapCfg.Build())
	defer logger.Sync()

	// persisted energy counters
	store, err := settings.OpenFileStore(cfg.Settings.File)
	if err != nil {
		slog.Error("settings errors", "error", err)
		return
	}

	// init actor system
	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root

	probeEnv := cg_modbus.ProbeEnv{Settings: store, Logger: logger}

	props := pactor.PropsFromProducer(func() pactor.Actor {
		return actor.NewMasterActor(*cfg, probeEnv, modbusTransportFactory(logger),
			meterActorProvider(cfg, logger), mqttActorProvider(cfg, logger), logger)
	})
	pid, err := ctx.SpawnNamed(props, domain.ACTOR_ID_MASTER)
	if err != nil {
		slog.Error("could not start", "error", err)
		return
	}

	server := server.NewServer(*cfg, ctx, pid)
	done := make(chan bool, 1)

	go gracefulShutdown(server, done)

	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	// Wait for the graceful shutdown to complete
	<-done
	log.Println("Graceful shutdown complete.")

	// meters flush their energy counters while stopping
	if err := ctx.StopFuture(pid).Wait(); err != nil {
		log.Printf("master stop: %v", err)
	}
	as.Shutdown()
}

func initConfig() (*config.Config, error) {

	// alias PORT => CGMETER_PORT
	if port := os.Getenv("PORT"); port != "" {
		os.Setenv("CGMETER_PORT", port)
	}

	setConfigDefaults()

	viper.SetEnvPrefix("cgmeter")
	viper.AutomaticEnv()

	// if defined, try to load config from yaml file
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("Using config", "file", cfgFile)
			viper.SetConfigFile(cfgFile)

			err = viper.ReadInConfig()
			if err != nil {
				slog.Error("Error reading config file", "error", err)
			}
		}
	}

	var cfg config.Config

	err := viper.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	// parse log level
	switch viper.GetString("log_level") {
	case "trace":
		cfg.LogLevel = zap.DebugLevel
	case "debug":
		cfg.LogLevel = zap.DebugLevel
	case "info":
		cfg.LogLevel = zap.InfoLevel
	case "error":
		cfg.LogLevel = zap.ErrorLevel
	case "warn":
		cfg.LogLevel = zap.WarnLevel
	case "fatal":
		cfg.LogLevel = zap.FatalLevel
	default:
		cfg.LogLevel = zap.InfoLevel
	}

	// check and fix base topic
	baseTopic, err := config.CheckMQTTTopic(cfg.MQTT.BaseTopic)
	if err != nil {
		return nil, errors.New("invalid base topic. can only contain letters, numbers and underscores")
	}
	cfg.MQTT.BaseTopic = baseTopic

	// check and fix homeassistant discovery topic
	hadBaseTopic, err := config.CheckMQTTTopic(cfg.MQTT.HADiscoveryTopic)
	if err != nil {
		return nil, errors.New("invalid homeassistant discovery topic. can only contain letters, numbers and underscores")
	}
	cfg.MQTT.HADiscoveryTopic = hadBaseTopic

	// check ports and bounds
	if err := config.CheckModbusPorts(cfg.Modbus.ScanPorts()); err != nil {
		return nil, err
	}
	if cfg.MonitorConfig.PollIntervalMillis < 200 {
		return nil, errors.New("config param monitor.poll_interval_millis should be >= 200")
	}
	if cfg.Modbus.ProbeTimeoutMillis == 0 || cfg.Modbus.ProbeTimeoutMillis > 500 {
		return nil, errors.New("config param modbus.probe_timeout_millis should be in 1..500")
	}
	if cfg.Modbus.TimeoutMillis == 0 {
		return nil, errors.New("config param modbus.timeout_millis should be > 0")
	}
	if cfg.Settings.File == "" {
		return nil, errors.New("config param settings.file is required")
	}

	return &cfg, nil
}

func modbusTransportFactory(logger *zap.Logger) actor.TransportFactory {
	return func(port config.PortConfig, timeout time.Duration, quiet bool) (cg_modbus.Transport, error) {
		client, err := cg_modbus.CreateModbusClient(cg_modbus.ClientOptions{
			URL:     port.URL,
			Speed:   port.Rate,
			Timeout: timeout,
			Quiet:   quiet,
		}, logger, nil)
		if err != nil {
			return nil, err
		}
		if err := client.Open(); err != nil {
			return nil, fmt.Errorf("open %s: %w", port.URL, err)
		}
		return client, nil
	}
}

func meterActorProvider(cfg *config.Config, logger *zap.Logger) actor.MeterActorProvider {
	return func(device *cg_modbus.Device, url, name string, eventStream *eventstream.EventStream) *adactor.MeterActor {
		return adactor.NewMeterActor(cfg, device, url, name, eventStream, logger)
	}
}

func mqttActorProvider(cfg *config.Config, logger *zap.Logger) actor.MQTTActorProvider {
	return func(eventStream *eventstream.EventStream) *adactor.MQTTActor {
		return adactor.NewMQTTActor(cfg, eventStream, logger)
	}
}

func setConfigDefaults() {
	viper.SetDefault("log_level", "warn")
	viper.SetDefault("mqtt.ha_discovery_enable", false)
	viper.SetDefault("mqtt.base_topic", "cgmeter")
	viper.SetDefault("mqtt.ha_discovery_topic", "homeassistant")
	viper.SetDefault("monitor.poll_interval_millis", 1000)
	viper.SetDefault("monitor.init_timeout_millis", 5000)
	viper.SetDefault("modbus.timeout_millis", 1000)
	viper.SetDefault("modbus.probe_timeout_millis", 500)
	viper.SetDefault("modbus.rescan_interval_seconds", 300)
	viper.SetDefault("settings.file", "data/settings.yaml")
	viper.SetDefault("port", 8080)
}

func safePrintConfig(cfg config.Config) {
	cfg.MQTT.Username = "*redacted*"
	cfg.MQTT.Password = "*redacted*"
	slog.Info("Using", "config", cfg)
}
