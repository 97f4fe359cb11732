package domain

import "github.com/trixing/dbus-modbus-client/pkg/cg_modbus"

const (
	ACTOR_ID_MASTER       = "master"
	ACTOR_ID_MQTT         = "mqtt"
	ACTOR_ID_HA_DISCOVERY = "hadiscovery"
	ACTOR_ID_METER_PREFIX = "meter_"
)

// MeterInfo describes one detected meter.
type MeterInfo struct {
	cg_modbus.DeviceInfo
	URL           string
	NativeEnergy  bool
	Paths         []string
	WritablePaths []string
}

type GetMetersInfoRequest struct {
	ActorRequestMixIn
}

type GetMetersInfoResponse struct {
	ActorResponseMixIn
	Meters []MeterInfo
}

type GetMeterInfoRequest struct {
	ActorRequestMixIn
}

type GetMeterInfoResponse struct {
	ActorResponseMixIn
	Meter MeterInfo
}

type RescanRequest struct {
	ActorRequestMixIn
}

type RescanResponse struct {
	ActorResponseMixIn
	Found int
}

// MetersChangedEvent is sent to the discovery actor when the set of meters or
// their published paths changed.
type MetersChangedEvent struct {
}

// MeterReadyEvent is sent by a meter actor to its parent once the meter is
// identified, so commands for DeviceId can be routed to Ref.
type MeterReadyEvent struct {
	DeviceId string
	Ref      *ActorRef
}

type PublishMessageRequest struct {
	ActorRequestMixIn
	Topic   string
	Payload string
	Retain  bool
}

type PublishMessageResponse struct {
	ActorResponseMixIn
}

type PublishSensorUpdateRequest struct {
	ActorRequestMixIn
	Retain bool
	Event  SensorUpdateEvent
}

type PublishSensorUpdateResponse struct {
	ActorResponseMixIn
}

type PublishDiscoveryRequest struct {
	ActorRequestMixIn
	Sensors      []GenericSensor
	InputNumbers []GenericInputNumber
}

type PublishDiscoveryResponse struct {
	ActorResponseMixIn
}

type ActorHealthRequest struct {
	ActorRequestMixIn
}

type ActorHealthResponse struct {
	ActorResponseMixIn
	Id      string
	Healthy bool
	State   string
}
