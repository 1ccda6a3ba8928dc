package freqstepper

import (
	"context"

	"go.viam.com/rdk/components/board"
)

// pwmOutput drives the step line from a board pin's hardware PWM. The pin is resolved by name,
// so the pin and channel numbers handed over by the controller only label the output.
type pwmOutput struct {
	pin  board.GPIOPin
	bits uint8
	hz   uint32
}

func (o *pwmOutput) Attach(ctx context.Context, pin, channel uint8) error {
	return nil
}

// Program sets the PWM frequency. The board treats a zero frequency as its default, so a stopped
// output is held at zero duty instead.
func (o *pwmOutput) Program(ctx context.Context, channel uint8, frequencyHz uint32, resolutionBits uint8) error {
	o.bits = resolutionBits
	var err error
	if frequencyHz == 0 {
		err = o.pin.SetPWM(ctx, 0, nil)
	} else {
		err = o.pin.SetPWMFreq(ctx, uint(frequencyHz), nil)
	}
	if err != nil {
		return err
	}
	o.hz = frequencyHz
	return nil
}

// SetLevel converts a duty value at the programmed resolution to a duty fraction.
func (o *pwmOutput) SetLevel(ctx context.Context, channel uint8, duty uint32) error {
	if o.hz == 0 {
		return nil
	}
	return o.pin.SetPWM(ctx, dutyFraction(duty, o.bits), nil)
}

func dutyFraction(duty uint32, bits uint8) float64 {
	full := float64(uint64(1) << bits)
	if float64(duty) >= full {
		return 1
	}
	return float64(duty) / full
}

type dirOutput struct {
	pin board.GPIOPin
}

func (o *dirOutput) WriteLevel(ctx context.Context, pin uint8, high bool) error {
	return o.pin.Set(ctx, high, nil)
}
