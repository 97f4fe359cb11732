package cg_modbus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type ProbeOutcome int

const (
	ProbeNotFound ProbeOutcome = iota
	ProbeFound
	ProbeTransportFailed
)

func (o ProbeOutcome) String() string {
	switch o {
	case ProbeFound:
		return "found"
	case ProbeTransportFailed:
		return "transport_failed"
	}
	return "not_found"
}

// ProbeResult is the outcome of probing one unit. Device is set only for
// ProbeFound and Err only for ProbeTransportFailed.
type ProbeResult struct {
	Outcome ProbeOutcome
	Device  *Device
	Code    uint16
	Err     error
}

// ProbeEnv carries what a detected device needs beyond its transport.
type ProbeEnv struct {
	Settings SettingsStore
	Logger   *zap.Logger
	Now      func() time.Time
}

// ModelProbe reads the identification register of a unit and looks the code
// up in its model table.
type ModelProbe struct {
	Name          string
	Methods       []string
	Rates         []int
	Units         []uint8
	IdentRegister uint16
	Table         ModelTable
}

func (p *ModelProbe) Probe(ctx context.Context, t Transport, unit uint8, env ProbeEnv) ProbeResult {
	raw, err := t.ReadRegisters(ctx, unit, p.IdentRegister, 1)
	if err == nil && len(raw) != 1 {
		err = fmt.Errorf("short response: %d words", len(raw))
	}
	if err != nil {
		return ProbeResult{
			Outcome: ProbeTransportFailed,
			Err:     transportError(fmt.Sprintf("probe %s unit %d", p.Name, unit), err),
		}
	}
	code := raw[0]
	entry, ok := p.Table[code]
	if !ok {
		return ProbeResult{Outcome: ProbeNotFound, Code: code}
	}
	dev := entry.New(DeviceConfig{
		Transport: t,
		Unit:      unit,
		Model:     entry.Model,
		Settings:  env.Settings,
		Logger:    env.Logger,
		Now:       env.Now,
	})
	return ProbeResult{Outcome: ProbeFound, Device: dev, Code: code}
}

// Matches reports whether the probe applies to a port of the given method and
// rate. A probe without rates applies to every rate.
func (p *ModelProbe) Matches(method string, rate int) bool {
	if !slices.Contains(p.Methods, method) {
		return false
	}
	return len(p.Rates) == 0 || slices.Contains(p.Rates, rate)
}

func (p *ModelProbe) hasUnit(unit uint8) bool {
	return len(p.Units) == 0 || slices.Contains(p.Units, unit)
}

var (
	muProbes sync.RWMutex
	probes   = map[string]*ModelProbe{}
)

// RegisterProbe installs a probe. It panics on an empty or duplicate name.
func RegisterProbe(p *ModelProbe) {
	muProbes.Lock()
	defer muProbes.Unlock()
	if p.Name == "" {
		panic("cg_modbus: probe without name")
	}
	if _, exists := probes[p.Name]; exists {
		panic(fmt.Sprintf("cg_modbus: probe %q already registered", p.Name))
	}
	probes[p.Name] = p
}

// Probes returns the probes matching method and rate, ordered by name.
func Probes(method string, rate int) []*ModelProbe {
	muProbes.RLock()
	defer muProbes.RUnlock()
	var out []*ModelProbe
	for _, p := range probes {
		if p.Matches(method, rate) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ProbeUnit runs the matching probes against unit until one finds a device.
// Transport failures are returned only when no probe found a device; unknown
// codes are never errors.
func ProbeUnit(ctx context.Context, t Transport, rate int, unit uint8, env ProbeEnv) ProbeResult {
	var errs []error
	var code uint16
	for _, p := range Probes(t.Method(), rate) {
		if !p.hasUnit(unit) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return ProbeResult{Outcome: ProbeTransportFailed, Err: err}
		}
		res := p.Probe(ctx, t, unit, env)
		switch res.Outcome {
		case ProbeFound:
			return res
		case ProbeTransportFailed:
			errs = append(errs, res.Err)
		default:
			code = res.Code
		}
	}
	if len(errs) > 0 {
		return ProbeResult{Outcome: ProbeTransportFailed, Err: errors.Join(errs...)}
	}
	return ProbeResult{Outcome: ProbeNotFound, Code: code}
}

func unitRange(first, last uint8) []uint8 {
	units := make([]uint8, 0, int(last)-int(first)+1)
	for u := int(first); u <= int(last); u++ {
		units = append(units, uint8(u))
	}
	return units
}

func init() {
	RegisterProbe(&ModelProbe{
		Name:          "cg_rtu",
		Methods:       []string{METHOD_RTU},
		Rates:         []int{9600},
		Units:         unitRange(1, 247),
		IdentRegister: REG_IDENTIFICATION,
		Table:         Merge(EM24Models, EM540Models, ET340Models),
	})
	RegisterProbe(&ModelProbe{
		Name:          "cg_rtu_fast",
		Methods:       []string{METHOD_RTU},
		Rates:         []int{115200},
		Units:         unitRange(1, 247),
		IdentRegister: REG_IDENTIFICATION,
		Table:         EM540Models,
	})
	RegisterProbe(&ModelProbe{
		Name:          "cg_tcp",
		Methods:       []string{METHOD_TCP},
		IdentRegister: REG_IDENTIFICATION,
		Table:         Merge(EM24Models, EM540Models),
	})
}
