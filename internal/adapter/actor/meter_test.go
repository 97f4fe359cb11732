package actor

import (
	"context"
	"testing"
	"time"

	"github.com/trixing/dbus-modbus-client/internal/config"
	"github.com/trixing/dbus-modbus-client/internal/core/domain"
	"github.com/trixing/dbus-modbus-client/internal/settings"
	"github.com/trixing/dbus-modbus-client/internal/util"
	"github.com/trixing/dbus-modbus-client/internal/util/actorutil"
	"github.com/trixing/dbus-modbus-client/pkg/cg_modbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type meterFixture struct {
	cfg       config.Config
	as        *actor.ActorSystem
	transport *cg_modbus.TestTransport
	store     *settings.MemoryStore
	meter     *actor.PID
	mqtt      *actor.PID
}

// startMeter probes unit 1 of a seeded transport and spawns its meter actor
// next to a recording MQTT actor.
func startMeter(t *testing.T, code uint16, serial string, enc cg_modbus.TextEncoding, prepare func(*cg_modbus.TestTransport)) *meterFixture {
	cfg := util.LoadTestConfig()
	logger := zap.Must(zap.NewDevelopment())

	tr := cg_modbus.NewTestTransport(cg_modbus.METHOD_RTU)
	tr.SeedMeter(1, code, serial, enc, 0)
	if prepare != nil {
		prepare(tr)
	}
	store := settings.NewMemoryStore()
	res := cg_modbus.ProbeUnit(context.Background(), tr, 9600, 1, cg_modbus.ProbeEnv{Settings: store, Logger: logger})
	if res.Outcome != cg_modbus.ProbeFound {
		t.Fatalf("probe: %s %v", res.Outcome, res.Err)
	}

	as := actorutil.NewActorSystemWithZapLogger(logger)
	es := eventstream.NewEventStream()

	mqttPID := as.Root.Spawn(actor.PropsFromProducer(func() actor.Actor { return NewTestMQTTActor(&cfg, es, logger) }))
	time.Sleep(100 * time.Millisecond)

	meterPID := as.Root.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewMeterActor(&cfg, res.Device, "rtu:///dev/ttyUSB0", MeterActorName(0, 1), es, logger)
	}))

	return &meterFixture{cfg: cfg, as: as, transport: tr, store: store, meter: meterPID, mqtt: mqttPID}
}

func (f *meterFixture) shutdown() {
	f.as.Root.Stop(f.meter)
	f.as.Root.Stop(f.mqtt)
	time.Sleep(100 * time.Millisecond)
	f.as.Shutdown()
}

func (f *meterFixture) published(t *testing.T) map[string]string {
	result, err := f.as.Root.RequestFuture(f.mqtt, GetPublishedRequest{}, 2*time.Second).Result()
	if err != nil {
		t.Fatal(err)
	}
	return result.(GetPublishedResponse).Messages
}

func (f *meterFixture) info(t *testing.T) domain.MeterInfo {
	result, err := f.as.Root.RequestFuture(f.meter, domain.GetMeterInfoRequest{}, 2*time.Second).Result()
	if err != nil {
		t.Fatal(err)
	}
	return result.(domain.GetMeterInfoResponse).Meter
}

func (f *meterFixture) health(t *testing.T) domain.ActorHealthResponse {
	result, err := f.as.Root.RequestFuture(f.meter, domain.ActorHealthRequest{}, 2*time.Second).Result()
	if err != nil {
		t.Fatal(err)
	}
	return result.(domain.ActorHealthResponse)
}

func TestMeterActorPublishesReadings(t *testing.T) {

	assert := assert.New(t)

	f := startMeter(t, 1648, "BX1234567", cg_modbus.TextPacked, func(tr *cg_modbus.TestTransport) {
		tr.SetInt32(1, 0x0028, 2305)
	})
	defer f.shutdown()

	time.Sleep(1500 * time.Millisecond)

	health := f.health(t)
	assert.True(health.Healthy)
	assert.Equal("polling", health.State)
	assert.Equal("meter_p0_u1", health.Id)

	published := f.published(t)
	assert.Equal("230.5", published["cgmeter/cg_BX1234567/Ac/Power"])
	assert.Equal("50.0", published["cgmeter/cg_BX1234567/Ac/Frequency"])
	assert.Equal("BX1234567", published["cgmeter/cg_BX1234567/Serial"])
	assert.Equal("1.2.52", published["cgmeter/cg_BX1234567/HardwareVersion"])
	assert.Equal("polling", published["cgmeter/cg_BX1234567/state"])

	info := f.info(t)
	assert.Equal("cg_BX1234567", info.Ident)
	assert.Equal(3, info.Phases)
	assert.True(info.NativeEnergy)
	assert.Contains(info.Paths, cg_modbus.PATH_AC_POWER)
	assert.Contains(info.Paths, "/Ac/L3/Voltage")
	assert.Equal([]string{cg_modbus.PATH_PHASE_CONFIG}, info.WritablePaths)
}

func TestMeterActorPhaseConfigWriteReinitializes(t *testing.T) {

	assert := assert.New(t)

	f := startMeter(t, 1648, "BX1234567", cg_modbus.TextPacked, nil)
	defer f.shutdown()

	time.Sleep(500 * time.Millisecond)

	result, err := f.as.Root.RequestFuture(f.meter, domain.WriteMeterPathRequest{
		MeterRequestMixIn: domain.MeterRequestMixIn{DeviceId: "cg_BX1234567"},
		Path:              cg_modbus.PATH_PHASE_CONFIG,
		Payload:           "1P",
	}, 2*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	resp := result.(domain.WriteMeterPathResponse)
	assert.NoError(resp.GetResponseError())
	assert.Equal(uint16(3), f.transport.Get(1, cg_modbus.REG_PHASE_CONFIG))

	time.Sleep(1500 * time.Millisecond)

	info := f.info(t)
	assert.Equal(1, info.Phases)
	assert.Equal("1P", info.PhaseConfig)
	assert.NotContains(info.Paths, "/Ac/L3/Voltage")
	assert.Equal("1P", f.published(t)["cgmeter/cg_BX1234567/PhaseConfig"])
}

func TestMeterActorRejectedWrite(t *testing.T) {

	assert := assert.New(t)

	f := startMeter(t, 1648, "BX1234567", cg_modbus.TextPacked, nil)
	defer f.shutdown()

	time.Sleep(500 * time.Millisecond)

	result, err := f.as.Root.RequestFuture(f.meter, domain.WriteMeterPathRequest{
		Path:    cg_modbus.PATH_AC_POWER,
		Payload: "10",
	}, 2*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	resp := result.(domain.WriteMeterPathResponse)
	assert.ErrorIs(resp.GetResponseError(), cg_modbus.ErrNotWritable)

	assert.True(f.health(t).Healthy)
}

func TestMeterActorInitFailureAndReinit(t *testing.T) {

	assert := assert.New(t)

	f := startMeter(t, 1648, "BX1234567", cg_modbus.TextPacked, func(tr *cg_modbus.TestTransport) {
		tr.Set(1, 0xa000, 3)
		tr.WriteFilter = func(unit uint8, addr uint16, value uint16) bool { return false }
	})
	defer f.shutdown()

	time.Sleep(500 * time.Millisecond)

	health := f.health(t)
	assert.False(health.Healthy)
	assert.Equal("init_failed", health.State)

	// the meter accepts its mode once the operator unlocked it
	f.transport.WriteFilter = nil

	result, err := f.as.Root.RequestFuture(f.meter, domain.ReinitMeterRequest{}, 2*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	_, ok := result.(domain.ReinitMeterResponse)
	assert.True(ok)

	time.Sleep(500 * time.Millisecond)

	health = f.health(t)
	assert.True(health.Healthy)
	assert.Equal("polling", health.State)
	assert.Equal(uint16(7), f.transport.Get(1, 0xa000))
}

func TestMeterActorEnergyCounters(t *testing.T) {

	assert := assert.New(t)

	f := startMeter(t, 345, "KY12", cg_modbus.TextWordPerChar, func(tr *cg_modbus.TestTransport) {
		tr.SetInt32(1, 0x0028, 0)
	})

	time.Sleep(500 * time.Millisecond)

	info := f.info(t)
	assert.False(info.NativeEnergy)
	assert.Contains(info.Paths, cg_modbus.PATH_ENERGY_FORWARD)
	assert.Contains(info.WritablePaths, cg_modbus.PATH_ENERGY_REVERSE)

	result, err := f.as.Root.RequestFuture(f.meter, domain.WriteMeterPathRequest{
		Path:    cg_modbus.PATH_ENERGY_FORWARD,
		Payload: "1234.5",
	}, 2*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	assert.NoError(result.(domain.WriteMeterPathResponse).GetResponseError())

	time.Sleep(200 * time.Millisecond)
	assert.Equal("1234.5", f.published(t)["cgmeter/cg_KY12/Ac/Energy/Forward"])

	f.shutdown()

	forward, ok := f.store.Get("cg_KY12/" + cg_modbus.SETTING_ENERGY_FORWARD)
	assert.True(ok)
	assert.Equal(1234.5, forward)
}
