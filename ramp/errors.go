package ramp

import "github.com/pkg/errors"

var (
	// ErrInvalidArgument is returned for a ramp request that cannot be planned.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotConnected is returned when the output is driven before Connect.
	ErrNotConnected = errors.New("ramp controller is not connected to an output")
)
