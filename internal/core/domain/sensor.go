package domain

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/trixing/dbus-modbus-client/pkg/cg_modbus"

	"github.com/carlmjohnson/versioninfo"
)

const (
	SENSOR_ID_BRIDGE_STATE       = "bridge"
	SENSOR_ID_METER_STATE        = "state"
	STATE_CLASS_MEASUREMENT      = "measurement"
	STATE_CLASS_TOTAL_INCREASING = "total_increasing"
	DEVICE_CLASS_CURRENT         = "current"
	DEVICE_CLASS_ENERGY          = "energy"
	DEVICE_CLASS_FREQUENCY       = "frequency"
	DEVICE_CLASS_POWER           = "power"
	DEVICE_CLASS_VOLTAGE         = "voltage"
	DEVICE_CLASS_CONNECTIVITY    = "connectivity"
	ENTITY_CLASS_DIAGNOSTIC      = "diagnostic"
	ENTITY_CLASS_CONFIG          = "config"
	SENSOR_TYPE_SENSOR           = "sensor"
	SENSOR_TYPE_BINARY           = "binary_sensor"
	INPUT_NUMBER_MODE_BOX        = "box"
	MANUFACTURER                 = "Carlo Gavazzi"
)

type pathClass struct {
	suffix      string
	unit        string
	deviceClass string
	stateClass  string
}

// matched in order, first suffix wins
var pathClasses = []pathClass{
	{suffix: "/Voltage", unit: "V", deviceClass: DEVICE_CLASS_VOLTAGE, stateClass: STATE_CLASS_MEASUREMENT},
	{suffix: "/Current", unit: "A", deviceClass: DEVICE_CLASS_CURRENT, stateClass: STATE_CLASS_MEASUREMENT},
	{suffix: "/Energy/Forward", unit: "kWh", deviceClass: DEVICE_CLASS_ENERGY, stateClass: STATE_CLASS_TOTAL_INCREASING},
	{suffix: "/Energy/Reverse", unit: "kWh", deviceClass: DEVICE_CLASS_ENERGY, stateClass: STATE_CLASS_TOTAL_INCREASING},
	{suffix: "/Power", unit: "W", deviceClass: DEVICE_CLASS_POWER, stateClass: STATE_CLASS_MEASUREMENT},
	{suffix: "/Frequency", unit: "Hz", deviceClass: DEVICE_CLASS_FREQUENCY, stateClass: STATE_CLASS_MEASUREMENT},
}

func BridgeDevice(baseTopic string) Device {
	return Device{
		Id:           fmt.Sprintf("cgmeter_bridge_%s", md5HashShort(baseTopic)),
		Manufacturer: "trixing",
		Model:        "cgmeter",
		Version:      versioninfo.Short(),
		Name:         fmt.Sprintf("CG meter bridge %s", md5HashShort(baseTopic)),
	}
}

func MeterDevice(info MeterInfo) Device {
	return Device{
		Id:           info.Ident,
		Version:      info.FirmwareVersion,
		Manufacturer: MANUFACTURER,
		Model:        info.Model,
		Name:         fmt.Sprintf("%s %s", info.Family, info.Serial),
	}
}

func IdDevice(device Device) Device {
	return Device{
		Id:   device.Id,
		Name: device.Name,
	}
}

// SensorId turns a meter path into an entity id, /Ac/L1/Voltage becomes
// ac_l1_voltage.
func SensorId(path string) string {
	return strings.ToLower(strings.ReplaceAll(strings.Trim(path, "/"), "/", "_"))
}

// MeterSensors describes every published path of a meter. Only the first
// sensor carries the full device description.
func MeterSensors(meterDevice Device, info MeterInfo) []GenericSensor {

	var sensors []GenericSensor

	sensors = append(sensors, GenericSensor{
		Device:         meterDevice,
		Id:             SENSOR_ID_METER_STATE,
		SensorType:     SENSOR_TYPE_SENSOR,
		Name:           "Meter state",
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:       uniqueId(meterDevice.Id, SENSOR_ID_METER_STATE),
	})

	paths := append(slices.Clone(info.Paths), identityPaths...)
	for _, path := range paths {
		id := SensorId(path)
		sensor := GenericSensor{
			Device:     IdDevice(meterDevice),
			Id:         id,
			Path:       path,
			SensorType: SENSOR_TYPE_SENSOR,
			Name:       strings.Trim(path, "/"),
			UniqueId:   uniqueId(meterDevice.Id, id),
		}
		if pc, ok := classify(path); ok {
			sensor.UnitOfMeasurement = pc.unit
			sensor.DeviceClass = pc.deviceClass
			sensor.StateClass = pc.stateClass
			if strings.HasPrefix(path, "/Ac/L") && pc.deviceClass == DEVICE_CLASS_ENERGY {
				sensor.EnabledByDefault = optionalBool(false)
			}
		} else {
			sensor.EntityCategory = ENTITY_CLASS_DIAGNOSTIC
		}
		sensors = append(sensors, sensor)
	}

	return sensors
}

// MeterInputNumbers exposes the writable energy counters of meters without
// native counters.
func MeterInputNumbers(meterDevice Device, info MeterInfo) []GenericInputNumber {

	var inputNumbers []GenericInputNumber

	for _, path := range info.WritablePaths {
		if path != cg_modbus.PATH_ENERGY_FORWARD && path != cg_modbus.PATH_ENERGY_REVERSE {
			continue
		}
		id := SensorId(path) + "_set"
		inputNumbers = append(inputNumbers, GenericInputNumber{
			Device:   IdDevice(meterDevice),
			Id:       id,
			Path:     path,
			Name:     strings.Trim(path, "/") + " counter",
			UniqueId: uniqueId(meterDevice.Id, id),
			Icon:     "mdi:counter",
			Min:      0,
			Max:      1e9,
			Step:     0.1,
			Mode:     INPUT_NUMBER_MODE_BOX,
		})
	}

	return inputNumbers
}

func BridgeSensors(bridgeDevice Device) []GenericSensor {

	var sensors []GenericSensor

	// Bridge connectivity
	sensors = append(sensors, GenericSensor{
		Device:         bridgeDevice,
		Id:             SENSOR_ID_BRIDGE_STATE,
		SensorType:     SENSOR_TYPE_BINARY,
		Name:           "Connection state",
		DeviceClass:    DEVICE_CLASS_CONNECTIVITY,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:       uniqueId(bridgeDevice.Id, SENSOR_ID_BRIDGE_STATE),
	})

	return sensors
}

var identityPaths = []string{
	cg_modbus.PATH_HARDWARE_VERSION,
	cg_modbus.PATH_FIRMWARE_VERSION,
	cg_modbus.PATH_PHASE_CONFIG,
	cg_modbus.PATH_SERIAL,
}

func classify(path string) (pathClass, bool) {
	for _, pc := range pathClasses {
		if strings.HasSuffix(path, pc.suffix) {
			return pc, true
		}
	}
	return pathClass{}, false
}

func uniqueId(baseId, id string) string {
	return fmt.Sprintf("uid_%s_%s", baseId, id)
}

func md5Hash(text string) string {
	hash := md5.Sum([]byte(text))
	return hex.EncodeToString(hash[:])
}

func md5HashShort(text string) string {
	hash := md5Hash(text)
	return hash[0:8]
}

func optionalBool(value bool) *bool {
	return &value
}
