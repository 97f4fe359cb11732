package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/trixing/dbus-modbus-client/pkg/cg_modbus"

	"go.uber.org/zap/zapcore"
)

type Config struct {
	LogLevel      zapcore.Level
	Modbus        ModbusConfig   `mapstructure:"modbus"`
	MQTT          MQTTConfig     `mapstructure:"mqtt"`
	MonitorConfig MonitorConfig  `mapstructure:"monitor"`
	Settings      SettingsConfig `mapstructure:"settings"`
	Port          uint           `mapstructure:"port"`
	HttpLog       bool           `mapstructure:"http_log"`
}

type ModbusConfig struct {
	Ports []PortConfig `mapstructure:"ports"`
	// single port shorthand, used when Ports is empty
	URL   string  `mapstructure:"url"`
	Rate  uint    `mapstructure:"rate"`
	Units []uint8 `mapstructure:"units"`

	TimeoutMillis         uint32 `mapstructure:"timeout_millis"`
	ProbeTimeoutMillis    uint32 `mapstructure:"probe_timeout_millis"`
	RescanIntervalSeconds uint32 `mapstructure:"rescan_interval_seconds"`
}

type PortConfig struct {
	URL   string  `mapstructure:"url"`
	Rate  uint    `mapstructure:"rate"`
	Units []uint8 `mapstructure:"units"`
}

type MonitorConfig struct {
	PollIntervalMillis uint32 `mapstructure:"poll_interval_millis"`
	// InitTimeoutMillis bounds one initialization attempt of a meter
	InitTimeoutMillis uint32 `mapstructure:"init_timeout_millis"`
}

type SettingsConfig struct {
	File string `mapstructure:"file"`
}

type MQTTConfig struct {
	Host              string
	Port              int
	Username          string
	Password          string
	BaseTopic         string `mapstructure:"base_topic"`
	HADiscoveryEnable bool   `mapstructure:"ha_discovery_enable"`
	HADiscoveryTopic  string `mapstructure:"ha_discovery_topic"`
}

func (c ModbusConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

func (c ModbusConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMillis) * time.Millisecond
}

func (c ModbusConfig) RescanInterval() time.Duration {
	return time.Duration(c.RescanIntervalSeconds) * time.Second
}

func (c MonitorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

func (c MonitorConfig) InitTimeout() time.Duration {
	return time.Duration(c.InitTimeoutMillis) * time.Millisecond
}

// ScanPorts returns the configured ports, falling back to the single port
// shorthand.
func (c ModbusConfig) ScanPorts() []PortConfig {
	if len(c.Ports) > 0 {
		return c.Ports
	}
	if c.URL == "" {
		return nil
	}
	return []PortConfig{{URL: c.URL, Rate: c.Rate, Units: c.Units}}
}

// Method maps the port URL onto the probe method.
func (p PortConfig) Method() (string, error) {
	return cg_modbus.MethodFromURL(p.URL)
}

func CheckModbusPorts(ports []PortConfig) error {
	if len(ports) == 0 {
		return errors.New("no modbus port configured")
	}
	seen := map[string]bool{}
	for _, p := range ports {
		method, err := p.Method()
		if err != nil {
			return err
		}
		if seen[p.URL] {
			return fmt.Errorf("modbus port %s configured twice", p.URL)
		}
		seen[p.URL] = true
		if method == cg_modbus.METHOD_RTU && p.Rate == 0 {
			return fmt.Errorf("modbus port %s: serial ports need a rate", p.URL)
		}
		if len(p.Units) == 0 {
			return fmt.Errorf("modbus port %s: no units to scan", p.URL)
		}
		for _, u := range p.Units {
			if u == 0 || u > 247 {
				return fmt.Errorf("modbus port %s: invalid unit %d", p.URL, u)
			}
		}
	}
	return nil
}

func CheckMQTTTopic(baseTopic string) (string, error) {
	// check and fix base topic
	lowerBaseTopic := strings.ToLower(baseTopic)
	baseTopicRegexp := regexp.MustCompile("^[a-z0-9_]+$")
	matches := baseTopicRegexp.FindAllStringSubmatch(lowerBaseTopic, 1)
	if len(matches) <= 0 {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}
