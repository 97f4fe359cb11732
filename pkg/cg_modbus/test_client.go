package cg_modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrTestUnitUnreachable = errors.New("test transport: unit unreachable")

// TestTransport is an in-memory register bank standing in for a real meter.
type TestTransport struct {
	mu     sync.Mutex
	method string
	banks  map[uint8]map[uint16]uint16
	// Failing units answer every request with the given error.
	failing map[uint8]error
	// WriteFilter decides whether a write is stored. Nil stores every write.
	WriteFilter func(unit uint8, addr uint16, value uint16) bool

	Reads  []TestCall
	Writes []TestCall
	// Lent records the timeout of every Lend, Released counts the returns.
	Lent     []time.Duration
	Released int
}

type TestCall struct {
	Unit     uint8
	Addr     uint16
	Quantity uint16
	Value    uint16
}

func NewTestTransport(method string) *TestTransport {
	return &TestTransport{
		method:  method,
		banks:   map[uint8]map[uint16]uint16{},
		failing: map[uint8]error{},
	}
}

func (t *TestTransport) Set(unit uint8, addr uint16, values ...uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bank, ok := t.banks[unit]
	if !ok {
		bank = map[uint16]uint16{}
		t.banks[unit] = bank
	}
	for i, v := range values {
		bank[addr+uint16(i)] = v
	}
}

// SetInt32 stores a signed 32 bit value low word first.
func (t *TestTransport) SetInt32(unit uint8, addr uint16, value int32) {
	u := uint32(value)
	t.Set(unit, addr, uint16(u), uint16(u>>16))
}

func (t *TestTransport) Get(unit uint8, addr uint16) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.banks[unit][addr]
}

func (t *TestTransport) Fail(unit uint8, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.failing, unit)
		return
	}
	t.failing[unit] = err
}

func (t *TestTransport) Lend(timeout time.Duration) (Transport, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Lent = append(t.Lent, timeout)
	var once sync.Once
	return &deadlineTransport{Transport: t, timeout: timeout}, func() {
		once.Do(func() {
			t.mu.Lock()
			t.Released++
			t.mu.Unlock()
		})
	}, nil
}

// LendCount returns the lent timeouts and the number of releases so far.
func (t *TestTransport) LendCount() ([]time.Duration, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.Lent...), t.Released
}

func (t *TestTransport) Method() string {
	return t.method
}

func (t *TestTransport) ReadRegisters(ctx context.Context, unit uint8, addr uint16, quantity uint16) ([]uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.Reads = append(t.Reads, TestCall{Unit: unit, Addr: addr, Quantity: quantity})
	if err := t.failing[unit]; err != nil {
		return nil, err
	}
	bank, ok := t.banks[unit]
	if !ok {
		return nil, ErrTestUnitUnreachable
	}
	values := make([]uint16, quantity)
	for i := range values {
		v, ok := bank[addr+uint16(i)]
		if !ok {
			return nil, fmt.Errorf("test transport: illegal data address 0x%04x", addr+uint16(i))
		}
		values[i] = v
	}
	return values, nil
}

func (t *TestTransport) WriteRegister(ctx context.Context, unit uint8, addr uint16, value uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	t.Writes = append(t.Writes, TestCall{Unit: unit, Addr: addr, Quantity: 1, Value: value})
	if err := t.failing[unit]; err != nil {
		return err
	}
	bank, ok := t.banks[unit]
	if !ok {
		return ErrTestUnitUnreachable
	}
	if t.WriteFilter == nil || t.WriteFilter(unit, addr, value) {
		bank[addr] = value
	}
	return nil
}

func (t *TestTransport) Close() error {
	return nil
}

// ReadsOf counts reads that started at addr.
func (t *TestTransport) ReadsOf(addr uint16) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.Reads {
		if r.Addr == addr {
			n++
		}
	}
	return n
}

func (t *TestTransport) ResetCalls() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Reads = nil
	t.Writes = nil
}

// SeedMeter fills unit with a plausible meter image: identification code,
// versions 1.2.52 / 1.1.5, phase configuration, serial, required modes and a
// zeroed measurement block at 50 Hz.
func (t *TestTransport) SeedMeter(unit uint8, code uint16, serial string, enc TextEncoding, phaseConfig uint16) {
	zero := make([]uint16, 0x0052)
	t.Set(unit, 0x0000, zero...)
	t.Set(unit, REG_IDENTIFICATION, code)
	t.Set(unit, REG_HARDWARE_VER, 0x1234)
	t.Set(unit, REG_FIRMWARE_VER, 0x1105)
	t.Set(unit, REG_PHASE_CONFIG, phaseConfig)
	t.Set(unit, REG_SERIAL, encodeText(serial, 7, enc)...)
	t.Set(unit, REG_PHASE_SEQUENCE, 0)
	t.Set(unit, 0x0033, 500)
	t.Set(unit, REG_SWITCH_POSITION, 0)
	t.Set(unit, em24Def.Mode.Address, em24Def.Mode.Required)
	t.Set(unit, em540Def.Mode.Address, em540Def.Mode.Required)
}

func encodeText(s string, words int, enc TextEncoding) []uint16 {
	out := make([]uint16, words)
	for i := range out {
		switch enc {
		case TextWordPerChar:
			if i < len(s) {
				out[i] = uint16(s[i])
			}
		default:
			var hi, lo byte
			if 2*i < len(s) {
				hi = s[2*i]
			}
			if 2*i+1 < len(s) {
				lo = s[2*i+1]
			}
			out[i] = uint16(hi)<<8 | uint16(lo)
		}
	}
	return out
}
