package cg_modbus

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport wraps timeouts and unreachable units reported by the transport.
	ErrTransport = errors.New("cg_modbus: transport error")
	// ErrUnknownModel means the identification code is not in the model table.
	ErrUnknownModel = errors.New("cg_modbus: unknown model")
	// ErrConfigurationRejected means the meter did not accept a required setting.
	ErrConfigurationRejected = errors.New("cg_modbus: configuration rejected")
	// ErrDecodeRange means a raw value has no mapping.
	ErrDecodeRange = errors.New("cg_modbus: raw value out of range")
	// ErrValueOutOfRange is returned by Encode for values outside the writable range.
	ErrValueOutOfRange = errors.New("cg_modbus: value out of writable range")
	// ErrRateAnomaly marks an energy integration interval that was too long.
	ErrRateAnomaly = errors.New("cg_modbus: update interval too long")
	ErrNotReady    = errors.New("cg_modbus: device not initialized")
	ErrNotWritable = errors.New("cg_modbus: path is not writable")
	ErrUnknownPath = errors.New("cg_modbus: unknown path")
)

type RegisterError struct {
	Path string
	Err  error
}

func (e *RegisterError) Error() string {
	return fmt.Sprintf("register %s: %v", e.Path, e.Err)
}

func (e *RegisterError) Unwrap() error {
	return e.Err
}

func transportError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}
