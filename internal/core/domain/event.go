package domain

import "fmt"

type SensorUpdateEventMixIn struct {
	Id string
}

type SensorUpdateEvent interface {
	SensorUpdateEvent() string
	SensorId() string
}

func (e SensorUpdateEventMixIn) SensorUpdateEvent() string {
	return fmt.Sprintf("%T", e)
}

func (e SensorUpdateEventMixIn) SensorId() string {
	return e.Id
}

// MeterValueUpdateEvent carries one published path of a meter. Id is the
// meter ident.
type MeterValueUpdateEvent struct {
	SensorUpdateEventMixIn
	Path     string
	Numeric  bool
	Value    float64
	Text     string
	Decimals uint
}

// MeterStateUpdateEvent publishes the initialization state of a meter.
type MeterStateUpdateEvent struct {
	SensorUpdateEventMixIn
	State string
	Error string
}

type BridgeStateUpdateEvent struct {
	SensorUpdateEventMixIn
	Value bool
}
