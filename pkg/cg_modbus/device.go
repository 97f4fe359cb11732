package cg_modbus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
)

type InitState int

const (
	StateUnconfigured InitState = iota
	StateModeVerification
	StateIdentityRead
	StatePhaseDerivation
	StateDataSetBuilt
	StatePolling
	StateInitFailed
)

func (s InitState) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateModeVerification:
		return "mode_verification"
	case StateIdentityRead:
		return "identity_read"
	case StatePhaseDerivation:
		return "phase_derivation"
	case StateDataSetBuilt:
		return "data_set_built"
	case StatePolling:
		return "polling"
	case StateInitFailed:
		return "init_failed"
	}
	return fmt.Sprintf("InitState(%d)", int(s))
}

type DeviceConfig struct {
	Transport Transport
	Unit      uint8
	Model     string
	Settings  SettingsStore
	Logger    *zap.Logger
	// Now defaults to time.Now
	Now func() time.Time
}

// Reading is one decoded value ready for the bus.
type Reading struct {
	Path     string
	Value    any
	Text     string
	Numeric  bool
	Decimals uint
}

type DeviceInfo struct {
	Ident           string
	Model           string
	Family          string
	ProductName     string
	ProductID       uint16
	Serial          string
	HardwareVersion string
	FirmwareVersion string
	PhaseConfig     string
	Phases          int
	Unit            uint8
	Method          string
	State           string
}

// Device drives one meter: it enforces the hardware mode, reads the identity,
// derives the phase count and polls the register set that follows from it.
// A Device is used from a single poll loop and is not safe for concurrent use.
type Device struct {
	def       *ModelDef
	model     string
	transport Transport
	unit      uint8
	settings  SettingsStore
	logger    *zap.Logger
	now       func() time.Time

	identity  RegisterSet
	hwVersion *VersionReg
	fwVersion *VersionReg
	phaseCfg  *MappedReg
	serial    *TextReg
	data      RegisterSet
	phases    int

	state   InitState
	initErr error
	reinit  bool
	acc     *EnergyAccumulator
}

func newDevice(def *ModelDef, cfg DeviceConfig) *Device {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	d := &Device{
		def:       def,
		model:     cfg.Model,
		transport: cfg.Transport,
		unit:      cfg.Unit,
		settings:  cfg.Settings,
		now:       now,
		logger:    logger.With(zap.String("model", cfg.Model), zap.Uint8("unit", cfg.Unit)),
		state:     StateUnconfigured,
	}
	d.identity, d.hwVersion, d.fwVersion, d.phaseCfg, d.serial = def.identityRegisters()
	return d
}

func (d *Device) Model() string             { return d.model }
func (d *Device) ProductName() string       { return d.def.ProductName }
func (d *Device) ProductID() uint16         { return d.def.ProductID }
func (d *Device) MinTimeout() time.Duration { return d.def.MinTimeout }
func (d *Device) Unit() uint8               { return d.unit }
func (d *Device) State() InitState          { return d.state }
func (d *Device) Phases() int               { return d.phases }
func (d *Device) InitError() error          { return d.initErr }
func (d *Device) NativeEnergy() bool        { return d.def.NativeEnergy }

func (d *Device) DataRegisters() RegisterSet {
	return d.data
}

// UseTransport replaces the transport, used once probing is done and the
// device moves to its polling connection.
func (d *Device) UseTransport(t Transport) {
	d.transport = t
}

func (d *Device) Method() string {
	return d.transport.Method()
}

// Ident is the bus identity of the meter, <vendor-prefix>_<serial>. Serial
// characters that cannot appear in a topic level are replaced by '_'.
func (d *Device) Ident() string {
	return fmt.Sprintf("%s_%s", VENDOR_PREFIX, strings.Map(identRune, d.serial.String()))
}

func identRune(r rune) rune {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		return r
	}
	return '_'
}

// Identified reports whether the serial, and with it Ident, has been read.
func (d *Device) Identified() bool {
	return d.serial.String() != ""
}

// Init runs the initialization sequence. On failure the device stays in
// StateInitFailed until Reinit is called or a configuration path is written.
func (d *Device) Init(ctx context.Context) error {
	d.reinit = false
	d.initErr = nil

	d.state = StateModeVerification
	if err := d.verifyMode(ctx); err != nil {
		return d.fail(err)
	}

	d.state = StateIdentityRead
	decodeErrs, err := d.identity.Read(ctx, d.transport, d.unit)
	if err != nil {
		return d.fail(err)
	}
	if len(decodeErrs) > 0 {
		return d.fail(decodeErrs[0])
	}

	d.state = StatePhaseDerivation
	phases, err := d.def.phaseCount(d.phaseCfg.Mapped().Code)
	if err != nil {
		return d.fail(err)
	}
	d.phases = phases

	d.data = d.def.dataRegisters(phases)
	d.state = StateDataSetBuilt

	if !d.def.NativeEnergy && d.acc == nil {
		if d.settings == nil {
			return d.fail(errors.New("energy accumulator requires a settings store"))
		}
		d.acc = NewEnergyAccumulator(d.settings, d.Ident(), d.now(), d.logger)
	}

	d.state = StatePolling
	d.logger.Info("meter initialized",
		zap.String("ident", d.Ident()),
		zap.String("phase_config", d.phaseCfg.String()),
		zap.Int("phases", d.phases),
		zap.String("firmware", d.fwVersion.String()))
	return nil
}

func (d *Device) fail(err error) error {
	d.state = StateInitFailed
	d.initErr = err
	d.logger.Error("meter initialization failed", zap.Error(err))
	return err
}

func (d *Device) verifyMode(ctx context.Context) error {
	mode := d.def.Mode
	if mode == nil {
		return nil
	}
	current, err := d.readWord(ctx, mode.Address)
	if err != nil {
		return err
	}
	if current == mode.Required {
		return nil
	}
	d.logger.Info("setting meter mode", zap.String("register", mode.Name),
		zap.Uint16("current", current), zap.Uint16("required", mode.Required))
	if err := d.transport.WriteRegister(ctx, d.unit, mode.Address, mode.Required); err != nil {
		return transportError(fmt.Sprintf("write 0x%04x", mode.Address), err)
	}
	current, err = d.readWord(ctx, mode.Address)
	if err != nil {
		return err
	}
	if current != mode.Required {
		return fmt.Errorf("%w: %s register 0x%04x reads %d after writing %d",
			ErrConfigurationRejected, mode.Name, mode.Address, current, mode.Required)
	}
	return nil
}

func (d *Device) readWord(ctx context.Context, addr uint16) (uint16, error) {
	raw, err := d.transport.ReadRegisters(ctx, d.unit, addr, 1)
	if err != nil {
		return 0, transportError(fmt.Sprintf("read 0x%04x", addr), err)
	}
	if len(raw) != 1 {
		return 0, transportError(fmt.Sprintf("read 0x%04x", addr), fmt.Errorf("short response: %d words", len(raw)))
	}
	return raw[0], nil
}

// Reinit schedules a full initialization on the next Update.
func (d *Device) Reinit() {
	d.reinit = true
	d.state = StateModeVerification
}

// ReinitPending reports whether the next Update starts with Init.
func (d *Device) ReinitPending() bool {
	return d.reinit
}

// Update polls the data register set. The returned readings hold every
// register that decoded; a non-nil error alongside readings lists the
// registers that did not. A transport failure returns no readings.
// Accumulator backed meters return nil, nil when polled too early.
func (d *Device) Update(ctx context.Context) ([]Reading, error) {
	if d.reinit {
		if err := d.Init(ctx); err != nil {
			return nil, err
		}
	}
	if d.state != StatePolling {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, d.state)
	}

	now := d.now()
	if d.acc != nil && !d.acc.Ready(now) {
		return nil, nil
	}

	decodeErrs, err := d.data.Read(ctx, d.transport, d.unit)
	if err != nil {
		return nil, err
	}
	failed := make([]string, 0, len(decodeErrs))
	errs := make([]error, 0, len(decodeErrs))
	for _, e := range decodeErrs {
		failed = append(failed, e.Path)
		errs = append(errs, e)
	}

	readings := make([]Reading, 0, len(d.data)+2)
	for _, r := range d.data {
		if slices.Contains(failed, r.Path()) {
			continue
		}
		readings = append(readings, readingOf(r))
	}

	if d.acc != nil {
		if slices.Contains(failed, PATH_AC_POWER) {
			return readings, errors.Join(errs...)
		}
		power := d.data.Find(PATH_AC_POWER).(*Int32Reg).Float()
		res := d.acc.Tick(power, now)
		readings = append(readings,
			Reading{Path: PATH_ENERGY_FORWARD, Value: res.Forward, Text: fmt.Sprintf("%.1f kWh", res.Forward), Numeric: true, Decimals: 1},
			Reading{Path: PATH_ENERGY_REVERSE, Value: res.Reverse, Text: fmt.Sprintf("%.1f kWh", res.Reverse), Numeric: true, Decimals: 1},
		)
	}
	return readings, errors.Join(errs...)
}

// IdentityReadings returns the identity registers read during Init.
func (d *Device) IdentityReadings() []Reading {
	readings := make([]Reading, 0, len(d.identity))
	for _, r := range d.identity {
		readings = append(readings, readingOf(r))
	}
	return readings
}

func readingOf(r Register) Reading {
	reading := Reading{Path: r.Path(), Value: r.Value(), Text: r.String()}
	if n, ok := r.(interface {
		Float() float64
		Decimals() uint
	}); ok {
		reading.Value = n.Float()
		reading.Numeric = true
		reading.Decimals = n.Decimals()
	}
	return reading
}

// WritablePaths lists the paths Write accepts.
func (d *Device) WritablePaths() []string {
	paths := []string{PATH_PHASE_CONFIG}
	if !d.def.NativeEnergy {
		paths = append(paths, PATH_ENERGY_FORWARD, PATH_ENERGY_REVERSE)
	}
	return paths
}

// Write applies a value coming from the bus. Register writes are verified by
// read back; configuration paths schedule a full reinitialization.
func (d *Device) Write(ctx context.Context, path string, value any) error {
	if !d.def.NativeEnergy && (path == PATH_ENERGY_FORWARD || path == PATH_ENERGY_REVERSE) {
		return d.writeEnergy(path, value)
	}

	reg, ok := d.identity.Find(path).(WritableRegister)
	if !ok {
		if d.identity.Find(path) == nil && d.data.Find(path) == nil {
			return fmt.Errorf("%w: %s", ErrUnknownPath, path)
		}
		return fmt.Errorf("%w: %s", ErrNotWritable, path)
	}
	words, err := reg.Encode(value)
	if err != nil {
		return &RegisterError{Path: path, Err: err}
	}
	for i, w := range words {
		addr := reg.Address() + uint16(i)
		if err := d.transport.WriteRegister(ctx, d.unit, addr, w); err != nil {
			return transportError(fmt.Sprintf("write 0x%04x", addr), err)
		}
	}
	raw, err := d.transport.ReadRegisters(ctx, d.unit, reg.Address(), reg.Count())
	if err != nil {
		return transportError(fmt.Sprintf("read 0x%04x", reg.Address()), err)
	}
	if !slices.Equal(raw, words) {
		return &RegisterError{Path: path, Err: fmt.Errorf("%w: read back %v after writing %v", ErrConfigurationRejected, raw, words)}
	}
	if err := reg.Decode(raw); err != nil {
		return &RegisterError{Path: path, Err: err}
	}
	d.logger.Info("register written", zap.String("path", path), zap.String("value", reg.String()))

	if d.def.configPath(path) {
		d.Reinit()
	}
	return nil
}

func (d *Device) writeEnergy(path string, value any) error {
	if d.acc == nil {
		return fmt.Errorf("%w: %s", ErrNotReady, d.state)
	}
	v, err := toFloat(value)
	if err != nil {
		return &RegisterError{Path: path, Err: err}
	}
	forward, reverse := d.acc.Totals()
	if path == PATH_ENERGY_FORWARD {
		forward = v
	} else {
		reverse = v
	}
	if err := d.acc.Set(forward, reverse, d.now()); err != nil {
		return &RegisterError{Path: path, Err: err}
	}
	d.logger.Info("energy counter set", zap.String("path", path), zap.Float64("value", v))
	return nil
}

// EnergyTotals returns the accumulated totals for meters without native
// counters.
func (d *Device) EnergyTotals() (forward, reverse float64, ok bool) {
	if d.acc == nil {
		return 0, 0, false
	}
	forward, reverse = d.acc.Totals()
	return forward, reverse, true
}

func (d *Device) Info() DeviceInfo {
	return DeviceInfo{
		Ident:           d.Ident(),
		Model:           d.model,
		Family:          d.def.Family,
		ProductName:     d.def.ProductName,
		ProductID:       d.def.ProductID,
		Serial:          d.serial.String(),
		HardwareVersion: d.hwVersion.String(),
		FirmwareVersion: d.fwVersion.String(),
		PhaseConfig:     d.phaseCfg.String(),
		Phases:          d.phases,
		Unit:            d.unit,
		Method:          d.transport.Method(),
		State:           d.state.String(),
	}
}

// Close flushes the energy totals of accumulator backed meters.
func (d *Device) Close() error {
	if d.acc == nil {
		return nil
	}
	return d.acc.Flush()
}
