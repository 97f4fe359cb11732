package util

import (
	"github.com/trixing/dbus-modbus-client/internal/config"

	"go.uber.org/zap"
)

func LoadTestConfig() config.Config {
	return config.Config{
		LogLevel: zap.DebugLevel,
		Modbus: config.ModbusConfig{
			Ports: []config.PortConfig{
				{URL: "rtu:///dev/ttyUSB0", Rate: 9600, Units: []uint8{1, 2}},
			},
			TimeoutMillis:         200,
			ProbeTimeoutMillis:    100,
			RescanIntervalSeconds: 0,
		},
		MQTT: config.MQTTConfig{
			Host:             "localhost",
			Port:             1883,
			BaseTopic:        "cgmeter",
			HADiscoveryTopic: "homeassistant",
		},
		MonitorConfig: config.MonitorConfig{
			PollIntervalMillis: 200,
			InitTimeoutMillis:  1000,
		},
		Port: 8080,
	}
}
