package cg_modbus

import "time"

// The ET340 only reports power, energy is integrated by an EnergyAccumulator.
var et340Def = ModelDef{
	Family:           "ET340",
	ProductName:      "Carlo Gavazzi ET340 Energy Meter",
	ProductID:        0xb018,
	MinTimeout:       time.Second,
	PhaseTable:       cgPhaseTable,
	PhaseWritableMin: 0,
	PhaseWritableMax: 3,
	SerialEncoding:   TextWordPerChar,
}

func NewET340(cfg DeviceConfig) *Device {
	return newDevice(&et340Def, cfg)
}

var ET340Models = ModelTable{
	345: {Model: "ET340DINAV23XS1X", New: NewET340},
	346: {Model: "ET340DINAV53XS1X", New: NewET340},
}
