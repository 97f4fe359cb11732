package domain

import (
	"testing"

	"github.com/trixing/dbus-modbus-client/pkg/cg_modbus"

	"github.com/stretchr/testify/assert"
)

func TestSensorId(t *testing.T) {

	assert := assert.New(t)

	assert.Equal("ac_l1_voltage", SensorId("/Ac/L1/Voltage"))
	assert.Equal("ac_energy_forward", SensorId(cg_modbus.PATH_ENERGY_FORWARD))
	assert.Equal("serial", SensorId(cg_modbus.PATH_SERIAL))
}

func TestMeterSensors(t *testing.T) {

	assert := assert.New(t)

	info := MeterInfo{
		DeviceInfo: cg_modbus.DeviceInfo{
			Ident:  "cg_KY12",
			Model:  "ET340DINAV23XS1X",
			Family: "ET340",
			Serial: "KY12",
		},
		Paths:         []string{cg_modbus.PATH_AC_POWER, "/Ac/L1/Voltage", cg_modbus.PATH_ENERGY_FORWARD, cg_modbus.PATH_ENERGY_REVERSE},
		WritablePaths: []string{cg_modbus.PATH_PHASE_CONFIG, cg_modbus.PATH_ENERGY_FORWARD, cg_modbus.PATH_ENERGY_REVERSE},
	}
	dev := MeterDevice(info)
	sensors := MeterSensors(dev, info)

	// state sensor, data paths, identity paths
	assert.Len(sensors, 1+4+4)
	assert.Equal(MANUFACTURER, sensors[0].Device.Manufacturer)
	assert.Empty(sensors[1].Device.Manufacturer, "only the first sensor carries the device")

	byId := map[string]GenericSensor{}
	for _, s := range sensors {
		byId[s.Id] = s
	}
	assert.Equal("W", byId["ac_power"].UnitOfMeasurement)
	assert.Equal(DEVICE_CLASS_VOLTAGE, byId["ac_l1_voltage"].DeviceClass)
	assert.Equal(STATE_CLASS_TOTAL_INCREASING, byId["ac_energy_forward"].StateClass)
	assert.Equal(ENTITY_CLASS_DIAGNOSTIC, byId["serial"].EntityCategory)
	assert.Equal("uid_cg_KY12_ac_power", byId["ac_power"].UniqueId)

	numbers := MeterInputNumbers(dev, info)
	assert.Len(numbers, 2)
	assert.Equal(cg_modbus.PATH_ENERGY_FORWARD, numbers[0].Path)
}
