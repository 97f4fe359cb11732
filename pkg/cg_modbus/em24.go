package cg_modbus

import "time"

var em24Def = ModelDef{
	Family:      "EM24",
	ProductName: "Carlo Gavazzi EM24 Energy Meter",
	ProductID:   0xb002,
	MinTimeout:  500 * time.Millisecond,
	// application H reports imported and exported energy separately
	Mode:             &ModeSetting{Address: 0xa000, Required: 7, Name: "application"},
	PhaseTable:       cgPhaseTable,
	PhaseWritableMin: 0,
	PhaseWritableMax: 4,
	NativeEnergy:     true,
	SwitchPosition:   true,
	SerialEncoding:   TextPacked,
}

func NewEM24(cfg DeviceConfig) *Device {
	return newDevice(&em24Def, cfg)
}

var EM24Models = ModelTable{
	1648: {Model: "EM24DINAV23XE1X", New: NewEM24},
	1649: {Model: "EM24DINAV23XE1PFA", New: NewEM24},
	1650: {Model: "EM24DINAV23XE1PFB", New: NewEM24},
	1651: {Model: "EM24DINAV53XE1X", New: NewEM24},
	1652: {Model: "EM24DINAV53XE1PFA", New: NewEM24},
	1653: {Model: "EM24DINAV53XE1PFB", New: NewEM24},
}
