package actor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	adactor "github.com/trixing/dbus-modbus-client/internal/adapter/actor"
	"github.com/trixing/dbus-modbus-client/internal/config"
	"github.com/trixing/dbus-modbus-client/internal/core/domain"
	"github.com/trixing/dbus-modbus-client/internal/mqtt"
	"github.com/trixing/dbus-modbus-client/internal/settings"
	"github.com/trixing/dbus-modbus-client/internal/util"
	"github.com/trixing/dbus-modbus-client/internal/util/actorutil"
	"github.com/trixing/dbus-modbus-client/pkg/cg_modbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func spawnMaster(t *testing.T, cfg config.Config, tr *cg_modbus.TestTransport) (*actor.ActorSystem, *actor.PID) {
	return spawnMasterWithFactory(t, cfg, func(port config.PortConfig, timeout time.Duration, quiet bool) (cg_modbus.Transport, error) {
		return tr, nil
	})
}

func spawnMasterWithFactory(t *testing.T, cfg config.Config, factory TransportFactory) (*actor.ActorSystem, *actor.PID) {
	logCfg := zap.NewDevelopmentConfig()
	logCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger := zap.Must(logCfg.Build())

	as := actorutil.NewActorSystemWithZapLogger(logger)

	env := cg_modbus.ProbeEnv{Settings: settings.NewMemoryStore(), Logger: logger}

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewMasterActor(cfg, env, factory, func(device *cg_modbus.Device, url, name string, es *eventstream.EventStream) *adactor.MeterActor {
			return adactor.NewMeterActor(&cfg, device, url, name, es, logger)
		}, func(es *eventstream.EventStream) *adactor.MQTTActor {
			return adactor.NewTestMQTTActor(&cfg, es, logger)
		}, logger)
	})
	pid, err := as.Root.SpawnNamed(props, domain.ACTOR_ID_MASTER)
	if err != nil {
		t.Fatal(err)
	}
	return as, pid
}

func TestMasterActor(t *testing.T) {

	assert := assert.New(t)

	cfg := util.LoadTestConfig()
	cfg.MQTT.HADiscoveryEnable = true

	tr := cg_modbus.NewTestTransport(cg_modbus.METHOD_RTU)
	tr.SeedMeter(1, 1648, "BX1234567", cg_modbus.TextPacked, 0)

	as, pid := spawnMaster(t, cfg, tr)
	context := as.Root

	time.Sleep(2 * time.Second)

	res, err := context.RequestFuture(pid, domain.ActorHealthRequest{}, 5*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	healthResp, ok := res.(domain.ActorHealthResponse)
	assert.True(ok)
	assert.True(healthResp.Healthy, "healthy is true")

	res, err = context.RequestFuture(pid, domain.GetMetersInfoRequest{}, 5*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	meters := res.(domain.GetMetersInfoResponse).Meters
	if assert.Len(meters, 1) {
		assert.Equal("cg_BX1234567", meters[0].Ident)
		assert.Equal(uint8(1), meters[0].Unit)
		assert.Equal("rtu:///dev/ttyUSB0", meters[0].URL)
		assert.Contains(meters[0].Paths, cg_modbus.PATH_AC_POWER)
	}

	// unit 2 is still silent
	res, err = context.RequestFuture(pid, domain.RescanRequest{}, 5*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	rescan := res.(domain.RescanResponse)
	assert.NoError(rescan.GetResponseError())
	assert.Equal(0, rescan.Found)

	mqttPID := actor.NewPID(as.Address(), domain.ACTOR_ID_MASTER+"/"+domain.ACTOR_ID_MQTT)
	res, err = context.RequestFuture(mqttPID, adactor.GetPublishedRequest{}, 2*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	published := res.(adactor.GetPublishedResponse)
	assert.Equal("polling", published.Messages["cgmeter/cg_BX1234567/state"])
	ids := map[string]bool{}
	for _, s := range published.Sensors {
		ids[s.UniqueId] = true
	}
	assert.True(ids["uid_cg_BX1234567_ac_power"])

	context.Stop(pid)
	time.Sleep(200 * time.Millisecond)

	as.Shutdown()
}

type openedTransport struct {
	timeout time.Duration
	quiet   bool
}

func TestMasterActorRescanTimeouts(t *testing.T) {

	assert := assert.New(t)

	cfg := util.LoadTestConfig()

	tr := cg_modbus.NewTestTransport(cg_modbus.METHOD_RTU)
	tr.SeedMeter(1, 1648, "BX1234567", cg_modbus.TextPacked, 0)

	var mu sync.Mutex
	var opened []openedTransport
	as, pid := spawnMasterWithFactory(t, cfg, func(port config.PortConfig, timeout time.Duration, quiet bool) (cg_modbus.Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		opened = append(opened, openedTransport{timeout: timeout, quiet: quiet})
		return tr, nil
	})
	context := as.Root

	time.Sleep(1500 * time.Millisecond)

	// unit 2 is scanned over the connection the meter on unit 1 polls with
	res, err := context.RequestFuture(pid, domain.RescanRequest{}, 5*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	assert.NoError(res.(domain.RescanResponse).GetResponseError())

	mu.Lock()
	if assert.Len(opened, 2) {
		assert.Equal(openedTransport{timeout: 100 * time.Millisecond, quiet: true}, opened[0], "first scan")
		assert.Equal(openedTransport{timeout: 200 * time.Millisecond, quiet: false}, opened[1], "polling")
	}
	mu.Unlock()

	lent, released := tr.LendCount()
	assert.Equal([]time.Duration{100 * time.Millisecond}, lent)
	assert.Equal(1, released)

	context.Stop(pid)
	time.Sleep(200 * time.Millisecond)

	as.Shutdown()
}

func TestMasterActorRoutesCommands(t *testing.T) {

	assert := assert.New(t)

	cfg := util.LoadTestConfig()

	tr := cg_modbus.NewTestTransport(cg_modbus.METHOD_RTU)
	tr.SeedMeter(1, 1648, "BX1234567", cg_modbus.TextPacked, 0)

	as, pid := spawnMaster(t, cfg, tr)
	context := as.Root

	time.Sleep(1500 * time.Millisecond)

	res, err := context.RequestFuture(pid, domain.WriteMeterPathRequest{
		MeterRequestMixIn: domain.MeterRequestMixIn{DeviceId: "cg_BX1234567"},
		Path:              cg_modbus.PATH_PHASE_CONFIG,
		Payload:           "2P",
	}, 2*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	assert.NoError(res.(domain.WriteMeterPathResponse).GetResponseError())
	assert.Equal(uint16(2), tr.Get(1, cg_modbus.REG_PHASE_CONFIG))

	res, err = context.RequestFuture(pid, domain.WriteMeterPathRequest{
		MeterRequestMixIn: domain.MeterRequestMixIn{DeviceId: "cg_NOPE"},
		Path:              cg_modbus.PATH_PHASE_CONFIG,
		Payload:           "3P",
	}, 2*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	assert.ErrorIs(res.(domain.WriteMeterPathResponse).GetResponseError(), ErrUnknownMeter)

	// commands arriving over MQTT have no reply address
	context.Send(pid, adactor.ParsedCommand{Command: &mqtt.ParsedMQTTCommand{
		DeviceId: "cg_BX1234567",
		Path:     cg_modbus.PATH_PHASE_CONFIG,
		Payload:  "3P.n",
	}})

	time.Sleep(500 * time.Millisecond)
	assert.Equal(uint16(0), tr.Get(1, cg_modbus.REG_PHASE_CONFIG))

	context.Stop(pid)
	time.Sleep(200 * time.Millisecond)

	as.Shutdown()
}

func TestScan(t *testing.T) {

	assert := assert.New(t)

	logger := zap.Must(zap.NewDevelopment())

	tr := cg_modbus.NewTestTransport(cg_modbus.METHOD_RTU)
	tr.SeedMeter(2, 1648, "BX1", cg_modbus.TextPacked, 0)
	tr.SeedMeter(3, 0x0999, "XX1", cg_modbus.TextPacked, 0)

	targets := []scanTarget{{
		PortIndex: 0,
		Port:      config.PortConfig{URL: "rtu:///dev/ttyUSB0", Rate: 9600, Units: []uint8{1, 2, 3}},
		Transport: tr,
		Owned:     true,
		Units:     []uint8{1, 2, 3},
	}}
	env := cg_modbus.ProbeEnv{Settings: settings.NewMemoryStore(), Logger: logger}

	found, err := Scan(context.Background(), targets, env, logger)
	assert.NoError(err)
	if assert.Len(found, 1) {
		assert.Equal(uint8(2), found[0].Unit)
		assert.Equal("rtu:///dev/ttyUSB0", found[0].URL)
		assert.NotNil(found[0].Device)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	found, err = Scan(ctx, targets, env, logger)
	assert.ErrorIs(err, context.Canceled)
	assert.Empty(found)

	// a connection shared with running meters is borrowed and given back
	shared := targets[0]
	shared.Owned = false
	shared.Timeout = 50 * time.Millisecond
	found, err = Scan(context.Background(), []scanTarget{shared}, env, logger)
	assert.NoError(err)
	assert.Len(found, 1)
	lent, released := tr.LendCount()
	assert.Equal([]time.Duration{50 * time.Millisecond}, lent)
	assert.Equal(1, released)
}

func TestDiscoveryEntities(t *testing.T) {

	assert := assert.New(t)

	meters := []domain.MeterInfo{
		{
			DeviceInfo: cg_modbus.DeviceInfo{Ident: "cg_A", Family: "EM24", Serial: "A"},
			Paths:      []string{cg_modbus.PATH_AC_POWER},
		},
		// not polling yet
		{DeviceInfo: cg_modbus.DeviceInfo{Ident: "cg_B", Family: "EM24", Serial: "B"}},
	}
	sensors, numbers := DiscoveryEntities("cgmeter", meters)

	assert.Equal(domain.SENSOR_ID_BRIDGE_STATE, sensors[0].Id)
	bridgeId := sensors[0].Device.Id
	assert.Equal(bridgeId, sensors[1].Device.ViaDevice)
	for _, s := range sensors[1:] {
		assert.NotContains(s.UniqueId, "cg_B")
	}
	assert.Empty(numbers)
}

func TestRescanJob(t *testing.T) {

	var fired atomic.Int32
	job, err := StartRescanJob(100*time.Millisecond, func() { fired.Add(1) })
	if err != nil {
		t.Error(err)
		return
	}
	time.Sleep(550 * time.Millisecond)
	job.Stop()

	assert.GreaterOrEqual(t, fired.Load(), int32(2))
}
