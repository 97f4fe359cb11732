package cg_modbus

import (
	"fmt"
	"time"
)

const (
	REG_IDENTIFICATION  = 0x000b
	REG_HARDWARE_VER    = 0x0302
	REG_FIRMWARE_VER    = 0x0304
	REG_PHASE_CONFIG    = 0x1002
	REG_SERIAL          = 0x5000
	REG_PHASE_SEQUENCE  = 0x0032
	REG_SWITCH_POSITION = 0xa100

	// per phase register blocks are laid out with this stride
	PHASE_STRIDE = 2

	PATH_HARDWARE_VERSION = "/HardwareVersion"
	PATH_FIRMWARE_VERSION = "/FirmwareVersion"
	PATH_PHASE_CONFIG     = "/PhaseConfig"
	PATH_SERIAL           = "/Serial"
	PATH_PHASE_SEQUENCE   = "/PhaseSequence"
	PATH_SWITCH_POSITION  = "/SwitchPos"
	PATH_AC_POWER         = "/Ac/Power"
	PATH_AC_FREQUENCY     = "/Ac/Frequency"
	PATH_ENERGY_FORWARD   = "/Ac/Energy/Forward"
	PATH_ENERGY_REVERSE   = "/Ac/Energy/Reverse"

	VENDOR_PREFIX = "cg"
)

// ModeSetting is a hardware mode register that must hold Required before the
// meter is polled.
type ModeSetting struct {
	Address  uint16
	Required uint16
	Name     string
}

type PhaseEntry struct {
	Label  string
	Phases int
}

// ModelDef is the static description of a meter family.
type ModelDef struct {
	Family      string
	ProductName string
	ProductID   uint16
	MinTimeout  time.Duration
	Mode        *ModeSetting
	PhaseTable  map[uint16]PhaseEntry
	// inclusive range of phase configuration codes accepted from the bus
	PhaseWritableMin int64
	PhaseWritableMax int64
	NativeEnergy     bool
	SwitchPosition   bool
	SerialEncoding   TextEncoding
}

var phaseSequences = SymbolTable{
	0x0000: {Index: 0, Label: "normal"},
	0xffff: {Index: 1, Label: "reversed"},
}

var switchPositions = SymbolTable{
	0: {Index: 0, Label: "kVARh"},
	1: {Index: 1, Label: "2"},
	2: {Index: 2, Label: "1"},
	3: {Index: 3, Label: "Locked"},
}

func (def *ModelDef) phaseSymbols() SymbolTable {
	table := make(SymbolTable, len(def.PhaseTable))
	for code, e := range def.PhaseTable {
		table[code] = Symbol{Index: int(code), Label: e.Label}
	}
	return table
}

func (def *ModelDef) phaseCount(code uint16) (int, error) {
	e, ok := def.PhaseTable[code]
	if !ok {
		return 0, fmt.Errorf("%w: %s phase configuration code %d", ErrDecodeRange, def.Family, code)
	}
	return e.Phases, nil
}

// configPath reports whether writing path changes the active register set.
func (def *ModelDef) configPath(path string) bool {
	return path == PATH_PHASE_CONFIG
}

func (def *ModelDef) identityRegisters() (RegisterSet, *VersionReg, *VersionReg, *MappedReg, *TextReg) {
	hw := NewVersionReg(REG_HARDWARE_VER, 1, PATH_HARDWARE_VERSION)
	fw := NewVersionReg(REG_FIRMWARE_VER, 1, PATH_FIRMWARE_VERSION)
	phaseCfg := NewMappedReg(REG_PHASE_CONFIG, 1, PATH_PHASE_CONFIG, def.phaseSymbols()).
		Writable(def.PhaseWritableMin, def.PhaseWritableMax)
	serial := NewTextReg(REG_SERIAL, 7, PATH_SERIAL, def.SerialEncoding)
	return RegisterSet{hw, fw, phaseCfg, serial}, hw, fw, phaseCfg, serial
}

// dataRegisters builds the polled register set for the given phase count.
func (def *ModelDef) dataRegisters(phases int) RegisterSet {
	regs := RegisterSet{
		NewInt32Reg(0x0028, 2, PATH_AC_POWER, 10, "%.1f W"),
		NewUint16Reg(0x0033, 1, PATH_AC_FREQUENCY, 10, "%.1f Hz"),
	}
	if def.NativeEnergy {
		regs = append(regs,
			NewInt32Reg(0x0034, 2, PATH_ENERGY_FORWARD, 10, "%.1f kWh"),
			NewInt32Reg(0x004e, 2, PATH_ENERGY_REVERSE, 10, "%.1f kWh"),
		)
	}
	if def.SwitchPosition {
		regs = append(regs, NewMappedReg(REG_SWITCH_POSITION, 1, PATH_SWITCH_POSITION, switchPositions))
	}
	if phases == 3 {
		regs = append(regs, NewMappedReg(REG_PHASE_SEQUENCE, 1, PATH_PHASE_SEQUENCE, phaseSequences))
	}
	for n := 1; n <= phases; n++ {
		s := uint16(PHASE_STRIDE * (n - 1))
		regs = append(regs,
			NewInt32Reg(0x0000+s, 2, fmt.Sprintf("/Ac/L%d/Voltage", n), 10, "%.1f V"),
			NewInt32Reg(0x000c+s, 2, fmt.Sprintf("/Ac/L%d/Current", n), 1000, "%.1f A"),
			NewInt32Reg(0x0012+s, 2, fmt.Sprintf("/Ac/L%d/Power", n), 10, "%.1f W"),
		)
		if def.NativeEnergy {
			regs = append(regs, NewInt32Reg(0x0040+s, 2, fmt.Sprintf("/Ac/L%d/Energy/Forward", n), 10, "%.1f kWh"))
		}
	}
	return regs
}

// Factory builds the device handler for a detected model.
type Factory func(cfg DeviceConfig) *Device

type ModelEntry struct {
	Model string
	New   Factory
}

// ModelTable maps identification codes onto handlers. Tables are static.
type ModelTable map[uint16]ModelEntry

// Merge returns a new table holding the entries of all tables.
func Merge(tables ...ModelTable) ModelTable {
	out := ModelTable{}
	for _, t := range tables {
		for code, e := range t {
			out[code] = e
		}
	}
	return out
}

// standard phase configuration codes shared by the EM24, EM540 and ET340
var cgPhaseTable = map[uint16]PhaseEntry{
	0: {Label: "3P.n", Phases: 3},
	1: {Label: "3P.1", Phases: 3},
	2: {Label: "2P", Phases: 2},
	3: {Label: "1P", Phases: 1},
	4: {Label: "3P", Phases: 3},
}
