package cg_modbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestDevice(tr *TestTransport, code uint16, store SettingsStore, clock *testClock) *Device {
	entry := Merge(EM24Models, EM540Models, ET340Models)[code]
	return entry.New(DeviceConfig{
		Transport: tr,
		Unit:      1,
		Model:     entry.Model,
		Settings:  store,
		Logger:    zap.NewNop(),
		Now:       clock.Now,
	})
}

func TestModeAlreadySetIssuesNoWrite(t *testing.T) {

	assert := assert.New(t)

	tr := NewTestTransport(METHOD_RTU)
	tr.SeedMeter(1, 1648, "BX1234567", TextPacked, 0)

	dev := newTestDevice(tr, 1648, newTestStore(), &testClock{now: t0})
	err := dev.Init(context.Background())
	if err != nil {
		t.Error(err)
		return
	}
	assert.Empty(tr.Writes)
	assert.Equal(1, tr.ReadsOf(0xa000))
	assert.Equal(StatePolling, dev.State())
	assert.Equal("cg_BX1234567", dev.Ident())
}

func TestIdentReplacesTopicCharacters(t *testing.T) {

	assert := assert.New(t)

	tr := NewTestTransport(METHOD_RTU)
	tr.SeedMeter(1, 1648, "AB-12 3/+#", TextPacked, 0)

	dev := newTestDevice(tr, 1648, newTestStore(), &testClock{now: t0})
	err := dev.Init(context.Background())
	if err != nil {
		t.Error(err)
		return
	}
	assert.True(dev.Identified())
	assert.Equal("cg_AB_12_3___", dev.Ident())
	assert.Equal("AB-12 3/+#", dev.Info().Serial)
}

func TestModeWrittenOnceAndVerified(t *testing.T) {

	assert := assert.New(t)

	tr := NewTestTransport(METHOD_RTU)
	tr.SeedMeter(1, 1648, "BX1234567", TextPacked, 0)
	tr.Set(1, 0xa000, 3)

	dev := newTestDevice(tr, 1648, newTestStore(), &testClock{now: t0})
	err := dev.Init(context.Background())
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal([]TestCall{{Unit: 1, Addr: 0xa000, Quantity: 1, Value: 7}}, tr.Writes)
	assert.Equal(2, tr.ReadsOf(0xa000), "initial read plus one read back")
	assert.Equal(uint16(7), tr.Get(1, 0xa000))
	assert.Equal(StatePolling, dev.State())
}

func TestModeRejectedFailsInit(t *testing.T) {

	assert := assert.New(t)

	tr := NewTestTransport(METHOD_RTU)
	tr.SeedMeter(1, 1744, "EM5401", TextPacked, 0)
	tr.Set(1, 0x1103, 0)
	tr.WriteFilter = func(unit uint8, addr uint16, value uint16) bool { return addr != 0x1103 }

	dev := newTestDevice(tr, 1744, newTestStore(), &testClock{now: t0})
	err := dev.Init(context.Background())
	assert.True(errors.Is(err, ErrConfigurationRejected))
	assert.Len(tr.Writes, 1)
	assert.Equal(2, tr.ReadsOf(0x1103))
	assert.Equal(StateInitFailed, dev.State())
	assert.Equal(0, tr.ReadsOf(REG_HARDWARE_VER), "identity is not read after a rejected mode")

	_, err = dev.Update(context.Background())
	assert.True(errors.Is(err, ErrNotReady))
}

func TestPhaseDerivationShapesDataSet(t *testing.T) {

	assert := assert.New(t)

	tr := NewTestTransport(METHOD_RTU)
	tr.SeedMeter(1, 1648, "BX1234567", TextPacked, 0)
	dev := newTestDevice(tr, 1648, newTestStore(), &testClock{now: t0})
	err := dev.Init(context.Background())
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal(3, dev.Phases())
	paths := dev.DataRegisters().Paths()
	assert.Contains(paths, PATH_PHASE_SEQUENCE)
	assert.Contains(paths, "/Ac/L3/Voltage")
	assert.NotContains(paths, "/Ac/L4/Voltage")

	tr1 := NewTestTransport(METHOD_RTU)
	tr1.SeedMeter(1, 1648, "BX1234567", TextPacked, 3)
	dev1 := newTestDevice(tr1, 1648, newTestStore(), &testClock{now: t0})
	err = dev1.Init(context.Background())
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal(1, dev1.Phases())
	paths = dev1.DataRegisters().Paths()
	assert.NotContains(paths, PATH_PHASE_SEQUENCE)
	assert.Contains(paths, "/Ac/L1/Voltage")
	assert.NotContains(paths, "/Ac/L2/Voltage")
}

func TestUnknownPhaseCodeFailsInit(t *testing.T) {

	assert := assert.New(t)

	tr := NewTestTransport(METHOD_RTU)
	tr.SeedMeter(1, 1648, "BX1234567", TextPacked, 9)
	dev := newTestDevice(tr, 1648, newTestStore(), &testClock{now: t0})

	err := dev.Init(context.Background())
	assert.True(errors.Is(err, ErrDecodeRange))
	assert.Equal(StateInitFailed, dev.State())
}

func TestUpdateReadings(t *testing.T) {

	assert := assert.New(t)

	tr := NewTestTransport(METHOD_RTU)
	tr.SeedMeter(1, 1648, "BX1234567", TextPacked, 3)
	tr.SetInt32(1, 0x0028, 2305)
	tr.SetInt32(1, 0x0000, 2301)
	tr.SetInt32(1, 0x000c, 10020)
	tr.SetInt32(1, 0x0034, 12345)

	dev := newTestDevice(tr, 1648, newTestStore(), &testClock{now: t0})
	err := dev.Init(context.Background())
	if err != nil {
		t.Error(err)
		return
	}
	readings, err := dev.Update(context.Background())
	if err != nil {
		t.Error(err)
		return
	}
	values := map[string]any{}
	for _, r := range readings {
		values[r.Path] = r.Value
	}
	assert.Equal(230.5, values[PATH_AC_POWER])
	assert.Equal(50.0, values[PATH_AC_FREQUENCY])
	assert.Equal(230.1, values["/Ac/L1/Voltage"])
	assert.Equal(10.02, values["/Ac/L1/Current"])
	assert.Equal(1234.5, values[PATH_ENERGY_FORWARD])
	assert.Equal("kVARh", values[PATH_SWITCH_POSITION].(MappedValue).Label)
}

func TestUpdateSkipsUndecodableRegister(t *testing.T) {

	assert := assert.New(t)

	tr := NewTestTransport(METHOD_RTU)
	tr.SeedMeter(1, 1648, "BX1234567", TextPacked, 0)
	dev := newTestDevice(tr, 1648, newTestStore(), &testClock{now: t0})
	err := dev.Init(context.Background())
	if err != nil {
		t.Error(err)
		return
	}
	tr.Set(1, REG_PHASE_SEQUENCE, 5)

	readings, err := dev.Update(context.Background())
	assert.True(errors.Is(err, ErrDecodeRange))
	paths := []string{}
	for _, r := range readings {
		paths = append(paths, r.Path)
	}
	assert.NotContains(paths, PATH_PHASE_SEQUENCE)
	assert.Contains(paths, PATH_AC_POWER)
	assert.Equal(StatePolling, dev.State())
}

func TestUpdateTransportFailure(t *testing.T) {

	assert := assert.New(t)

	tr := NewTestTransport(METHOD_RTU)
	tr.SeedMeter(1, 1648, "BX1234567", TextPacked, 0)
	dev := newTestDevice(tr, 1648, newTestStore(), &testClock{now: t0})
	err := dev.Init(context.Background())
	if err != nil {
		t.Error(err)
		return
	}
	tr.Fail(1, errors.New("timeout"))

	readings, err := dev.Update(context.Background())
	assert.Nil(readings)
	assert.True(errors.Is(err, ErrTransport))
	assert.Equal(StatePolling, dev.State())
}

func TestPhaseConfigWriteReinitializes(t *testing.T) {

	assert := assert.New(t)

	tr := NewTestTransport(METHOD_RTU)
	tr.SeedMeter(1, 1648, "BX1234567", TextPacked, 0)
	dev := newTestDevice(tr, 1648, newTestStore(), &testClock{now: t0})
	err := dev.Init(context.Background())
	if err != nil {
		t.Error(err)
		return
	}

	err = dev.Write(context.Background(), PATH_PHASE_CONFIG, "1P")
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal(uint16(3), tr.Get(1, REG_PHASE_CONFIG))
	assert.Equal(StateModeVerification, dev.State())
	assert.True(dev.ReinitPending())

	_, err = dev.Update(context.Background())
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal(StatePolling, dev.State())
	assert.Equal(1, dev.Phases())
	assert.NotContains(dev.DataRegisters().Paths(), "/Ac/L2/Voltage")
}

func TestWriteValidation(t *testing.T) {

	assert := assert.New(t)

	tr := NewTestTransport(METHOD_RTU)
	tr.SeedMeter(1, 1648, "BX1234567", TextPacked, 0)
	dev := newTestDevice(tr, 1648, newTestStore(), &testClock{now: t0})
	err := dev.Init(context.Background())
	if err != nil {
		t.Error(err)
		return
	}

	err = dev.Write(context.Background(), PATH_PHASE_CONFIG, 7)
	assert.True(errors.Is(err, ErrValueOutOfRange))
	err = dev.Write(context.Background(), PATH_AC_POWER, 10)
	assert.True(errors.Is(err, ErrNotWritable))
	err = dev.Write(context.Background(), "/Nope", 1)
	assert.True(errors.Is(err, ErrUnknownPath))

	tr.WriteFilter = func(unit uint8, addr uint16, value uint16) bool { return false }
	err = dev.Write(context.Background(), PATH_PHASE_CONFIG, 3)
	assert.True(errors.Is(err, ErrConfigurationRejected))
	assert.False(dev.ReinitPending())
}

func TestAccumulatorDevice(t *testing.T) {

	assert := assert.New(t)

	tr := NewTestTransport(METHOD_RTU)
	tr.SeedMeter(1, 345, "KY12", TextWordPerChar, 3)
	tr.SetInt32(1, 0x0028, 36000000)

	store := newTestStore()
	clock := &testClock{now: t0}
	dev := newTestDevice(tr, 345, store, clock)
	err := dev.Init(context.Background())
	if err != nil {
		t.Error(err)
		return
	}
	assert.Empty(tr.Writes, "no mode register")
	assert.Equal("cg_KY12", dev.Ident())

	_, err = dev.Update(context.Background())
	if err != nil {
		t.Error(err)
		return
	}

	// polled too early: no hardware access
	clock.Advance(500 * time.Millisecond)
	tr.ResetCalls()
	readings, err := dev.Update(context.Background())
	assert.NoError(err)
	assert.Nil(readings)
	assert.Empty(tr.Reads)

	clock.Advance(500 * time.Millisecond)
	readings, err = dev.Update(context.Background())
	if err != nil {
		t.Error(err)
		return
	}
	values := map[string]any{}
	for _, r := range readings {
		values[r.Path] = r.Value
	}
	// 3.6 MW for one second
	assert.Equal(1.0, values[PATH_ENERGY_FORWARD])
	assert.Equal(0.0, values[PATH_ENERGY_REVERSE])

	err = dev.Write(context.Background(), PATH_ENERGY_REVERSE, 42.0)
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal(42.0, store.values["cg_KY12/EnergyReverse"])
	assert.Equal(1.0, store.values["cg_KY12/EnergyForward"])

	clock.Advance(time.Second)
	tr.SetInt32(1, 0x0028, 0)
	_, err = dev.Update(context.Background())
	assert.NoError(err)
	err = dev.Close()
	assert.NoError(err)
	assert.Equal(1.0, store.values["cg_KY12/EnergyForward"])
}
