package domain

import (
	"github.com/asynkron/protoactor-go/actor"
)

// ActorRef is a PID that can travel inside domain messages.
type ActorRef actor.PID

// ActorRequestMixIn carries an explicit reply address. Requests forwarded
// by the master keep the original requester here, requests made with
// RequestFuture leave it nil and are answered to the sender.
type ActorRequestMixIn struct {
	ReplyToRef *ActorRef
}

type ActorRequest interface {
	ReplyTo() *ActorRef
}

func (r ActorRequestMixIn) ReplyTo() *ActorRef {
	return r.ReplyToRef
}

// MeterRequest is a command addressed to the actor owning one meter. The
// master routes it by MeterId.
type MeterRequest interface {
	ActorRequest
	MeterId() string
}

// MeterRequestMixIn addresses a meter by its bus identity, cg_<serial>.
type MeterRequestMixIn struct {
	ActorRequestMixIn
	DeviceId string
}

func (r MeterRequestMixIn) MeterId() string {
	return r.DeviceId
}

// ActorResponseMixIn carries the failure of a request. Transport and
// validation errors from meters reach the HTTP and MQTT callers this way.
type ActorResponseMixIn struct {
	ResponseError error
}

func (r ActorResponseMixIn) GetResponseError() error {
	return r.ResponseError
}

func (r ActorResponseMixIn) HasResponseError() bool {
	return r.ResponseError != nil
}

type ActorResponse interface {
	GetResponseError() error
	HasResponseError() bool
}
