package events

import (
	. "github.com/trixing/dbus-modbus-client/internal/core/domain"
	"github.com/trixing/dbus-modbus-client/pkg/cg_modbus"
)

// ReadingsToUpdateEvents maps the readings of one poll cycle onto bus events.
func ReadingsToUpdateEvents(meterId string, readings []cg_modbus.Reading) []SensorUpdateEvent {
	var events []SensorUpdateEvent
	for _, r := range readings {
		events = append(events, ReadingToUpdateEvent(meterId, r))
	}
	return events
}

func ReadingToUpdateEvent(meterId string, r cg_modbus.Reading) MeterValueUpdateEvent {
	ev := MeterValueUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: meterId,
		},
		Path:     r.Path,
		Numeric:  r.Numeric,
		Text:     r.Text,
		Decimals: r.Decimals,
	}
	if v, ok := r.Value.(float64); ok && r.Numeric {
		ev.Value = v
	}
	return ev
}

func MeterStateToUpdateEvent(meterId string, state cg_modbus.InitState, err error) MeterStateUpdateEvent {
	ev := MeterStateUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: meterId,
		},
		State: state.String(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func BridgeStateToUpdateEvent(online bool) BridgeStateUpdateEvent {
	return BridgeStateUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{
			Id: SENSOR_ID_BRIDGE_STATE,
		},
		Value: online,
	}
}
