// Package rpiout drives a ramp controller from a Raspberry Pi's hardware PWM and GPIO through
// go-rpio. Requires /dev/gpiomem access (or root for PWM clock control).
package rpiout

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"
	"go.viam.com/rdk/logging"
)

// PWM clock limits accepted by the BCM2835 clock manager.
const (
	minPWMClock = 4688
	maxPWMClock = 19200000
)

type channelState struct {
	pin  rpio.Pin
	bits uint8
	hz   uint32
}

// Output implements the frequency and direction outputs of a ramp controller.
type Output struct {
	mu       sync.Mutex
	logger   logging.Logger
	channels map[uint8]*channelState
	outputs  map[uint8]rpio.Pin
}

// Open maps the GPIO registers and returns an Output.
func Open(logger logging.Logger) (*Output, error) {
	if err := rpio.Open(); err != nil {
		return nil, errors.Wrap(err, "failed to open GPIO (are you running on a Raspberry Pi?)")
	}
	return newOutput(logger), nil
}

func newOutput(logger logging.Logger) *Output {
	return &Output{
		logger:   logger,
		channels: map[uint8]*channelState{},
		outputs:  map[uint8]rpio.Pin{},
	}
}

// pwmChannel returns the hardware PWM channel a BCM pin is routed to.
func pwmChannel(pin uint8) (uint8, error) {
	switch pin {
	case 12, 18:
		return 0, nil
	case 13, 19:
		return 1, nil
	default:
		return 0, errors.Errorf("GPIO %d has no hardware PWM", pin)
	}
}

// pwmClock returns the PWM clock producing frequencyHz with a cycle of 2^bits clock ticks.
func pwmClock(frequencyHz uint32, bits uint8) (int, error) {
	clk := uint64(frequencyHz) << bits
	if clk < minPWMClock || clk > maxPWMClock {
		return 0, errors.Errorf("%d Hz at %d bits needs a %d Hz PWM clock, outside %d-%d",
			frequencyHz, bits, clk, minPWMClock, maxPWMClock)
	}
	return int(clk), nil
}

// Attach switches pin to its PWM alternate function.
func (o *Output) Attach(ctx context.Context, pin, channel uint8) error {
	want, err := pwmChannel(pin)
	if err != nil {
		return err
	}
	if want != channel {
		return errors.Errorf("GPIO %d drives PWM channel %d, not %d", pin, want, channel)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	p := rpio.Pin(pin)
	p.Mode(rpio.Pwm)
	o.channels[channel] = &channelState{pin: p}
	o.logger.Debugw("attached PWM", "pin", pin, "channel", channel)
	return nil
}

func (o *Output) channel(channel uint8) (*channelState, error) {
	ch, ok := o.channels[channel]
	if !ok {
		return nil, errors.Errorf("PWM channel %d is not attached", channel)
	}
	return ch, nil
}

// Program sets the PWM clock so that one cycle of 2^resolutionBits ticks lasts one step period.
// A zero frequency holds the output low.
func (o *Output) Program(ctx context.Context, channel uint8, frequencyHz uint32, resolutionBits uint8) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, err := o.channel(channel)
	if err != nil {
		return err
	}
	if frequencyHz == 0 {
		ch.pin.DutyCycle(0, uint32(1)<<resolutionBits)
		ch.hz, ch.bits = 0, resolutionBits
		return nil
	}
	clk, err := pwmClock(frequencyHz, resolutionBits)
	if err != nil {
		return err
	}
	ch.pin.Freq(clk)
	ch.hz, ch.bits = frequencyHz, resolutionBits
	return nil
}

// SetLevel sets the high time of each cycle in clock ticks.
func (o *Output) SetLevel(ctx context.Context, channel uint8, duty uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, err := o.channel(channel)
	if err != nil {
		return err
	}
	if ch.hz == 0 {
		return nil
	}
	ch.pin.DutyCycle(duty, uint32(1)<<ch.bits)
	return nil
}

// WriteLevel drives a plain GPIO output, configuring the pin on first use.
func (o *Output) WriteLevel(ctx context.Context, pin uint8, high bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.outputs[pin]
	if !ok {
		p = rpio.Pin(pin)
		p.Output()
		o.outputs[pin] = p
	}
	if high {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

// Close stops every attached channel and unmaps the GPIO registers.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.channels {
		ch.pin.DutyCycle(0, uint32(1)<<ch.bits)
	}
	o.channels = map[uint8]*channelState{}
	return rpio.Close()
}
