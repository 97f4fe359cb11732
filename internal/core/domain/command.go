package domain

// COMMAND_PATH_REINIT is the pseudo path that restarts meter initialization.
const COMMAND_PATH_REINIT = "/Reinit"

// WriteMeterPathRequest writes a value arriving on the bus to a meter path.
type WriteMeterPathRequest struct {
	MeterRequestMixIn
	Path    string
	Payload string
}

type WriteMeterPathResponse struct {
	ActorResponseMixIn
}

// ReinitMeterRequest restarts the initialization of a meter.
type ReinitMeterRequest struct {
	MeterRequestMixIn
}

type ReinitMeterResponse struct {
	ActorResponseMixIn
}

// ensure interface compliance
var (
	_ MeterRequest = (*WriteMeterPathRequest)(nil)
	_ MeterRequest = (*ReinitMeterRequest)(nil)
)
