package cg_modbus

import "time"

var em540Def = ModelDef{
	Family:      "EM540",
	ProductName: "Carlo Gavazzi EM540 Energy Meter",
	ProductID:   0xb017,
	MinTimeout:  500 * time.Millisecond,
	// measurement mode B: bidirectional energy
	Mode:             &ModeSetting{Address: 0x1103, Required: 1, Name: "measurement mode"},
	PhaseTable:       cgPhaseTable,
	PhaseWritableMin: 0,
	PhaseWritableMax: 4,
	NativeEnergy:     true,
	SerialEncoding:   TextPacked,
}

func NewEM540(cfg DeviceConfig) *Device {
	return newDevice(&em540Def, cfg)
}

var EM540Models = ModelTable{
	1744: {Model: "EM540DINAV23XS1X", New: NewEM540},
	1745: {Model: "EM540DINAV23XS1PFB", New: NewEM540},
	1746: {Model: "EM540DINAV23XS1LB", New: NewEM540},
	1747: {Model: "EM540DINAV53XS1X", New: NewEM540},
	1748: {Model: "EM540DINAV53XS1PFB", New: NewEM540},
	1749: {Model: "EM540DINAV53XS1LB", New: NewEM540},
}
