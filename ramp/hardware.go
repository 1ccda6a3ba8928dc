package ramp

import "context"

// FrequencyOutput is a hardware frequency generator. One output edge is one microstep, so the
// motor's step rate equals the programmed frequency for as long as it is held.
type FrequencyOutput interface {
	// Attach routes the generator channel to a pin.
	Attach(ctx context.Context, pin, channel uint8) error
	// Program sets the output frequency. A frequency of 0 stops the pulse train.
	Program(ctx context.Context, channel uint8, frequencyHz uint32, resolutionBits uint8) error
	// SetLevel sets the duty value, scaled by the programmed resolution.
	SetLevel(ctx context.Context, channel uint8, duty uint32) error
}

// DirectionOutput is the direction line of the driver. The level is latched until the next write.
type DirectionOutput interface {
	WriteLevel(ctx context.Context, pin uint8, high bool) error
}
