// Package ramp implements a non-blocking velocity ramp controller for a step/direction stepper
// driver whose step pulses come from a hardware frequency generator.
//
// SetupAccelerate plans a linear ramp; Process is polled from the caller's loop and reprograms
// the output frequency at most once per update period until the plan settles.
package ramp

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Controller drives one frequency generator channel and its direction line.
// It is not safe for concurrent use.
type Controller struct {
	out      FrequencyOutput
	dir      DirectionOutput
	clock    clock.Clock
	epoch    time.Time
	millis   func() uint32
	observer Observer

	state     State
	stepPin   uint8
	dirPin    uint8
	channel   uint8
	connected bool
	outputHz  int64
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the time source. Defaults to the wall clock.
func WithClock(c clock.Clock) Option {
	return func(ctrl *Controller) {
		ctrl.clock = c
	}
}

// WithObserver sets the diagnostic observer.
func WithObserver(o Observer) Option {
	return func(ctrl *Controller) {
		if o != nil {
			ctrl.observer = o
		}
	}
}

// New returns a stopped controller with no plan.
func New(out FrequencyOutput, dir DirectionOutput, opts ...Option) *Controller {
	c := &Controller{
		out:      out,
		dir:      dir,
		clock:    clock.New(),
		observer: nopObserver{},
		state:    newState(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.epoch = c.clock.Now()
	// Wraps after ~49 days; elapsed time is computed with unsigned subtraction.
	c.millis = func() uint32 {
		return uint32(c.clock.Since(c.epoch) / time.Millisecond)
	}
	return c
}

// Connect binds the controller to its pins, programs a 0 Hz output at the configured duty value
// and latches the current direction. The motion state is reset to stopped.
func (c *Controller) Connect(ctx context.Context, stepPin, dirPin, channel uint8) error {
	c.stepPin = stepPin
	c.dirPin = dirPin
	c.channel = channel

	if err := c.out.Attach(ctx, stepPin, channel); err != nil {
		return errors.Wrapf(err, "attaching step pin %d to channel %d", stepPin, channel)
	}
	c.stop()
	if err := c.program(ctx, 0); err != nil {
		return err
	}
	if err := c.writeDirection(ctx, c.state.CurrentDirection); err != nil {
		return err
	}
	c.connected = true
	return nil
}

// SetMicrosteps sets the microstep multiplier used by the next plan.
func (c *Controller) SetMicrosteps(microsteps uint32) {
	c.state.Microsteps = microsteps
}

// SetUpdatePeriod sets the minimum time between frequency updates.
func (c *Controller) SetUpdatePeriod(period time.Duration) {
	c.state.UpdatePeriod = period
}

// SetPWMResolution sets the generator resolution passed along with every frequency write.
func (c *Controller) SetPWMResolution(bits uint8) {
	c.state.ResolutionBits = bits
}

// SetPWMDutyCycle sets the duty value written after every frequency write.
func (c *Controller) SetPWMDutyCycle(duty uint32) {
	c.state.DutyCycle = duty
}

// SetupAccelerate starts a new ramp towards targetSpeed (full steps per second, negative for
// reverse) at the given acceleration (full steps per second squared). Any ramp in progress is
// replaced by one starting from the current speed.
func (c *Controller) SetupAccelerate(targetSpeed, acceleration float64) error {
	if err := c.state.Plan(targetSpeed, acceleration); err != nil {
		return err
	}
	c.observer.Observe(EventPlanned, c.state)
	return nil
}

// MotionComplete reports whether no ramp is in progress.
func (c *Controller) MotionComplete() bool {
	return c.state.MotionComplete
}

// State returns a copy of the ramp state.
func (c *Controller) State() State {
	return c.state
}

// Output returns the frequency most recently written to the generator.
func (c *Controller) Output() int64 {
	return c.outputHz
}

// Process advances the ramp by at most one interval. It returns immediately when idle or when
// less than one update period has passed since the previous step.
func (c *Controller) Process(ctx context.Context) error {
	s := &c.state
	if s.MotionComplete {
		return nil
	}
	if !c.connected {
		return ErrNotConnected
	}

	if s.IntervalIndex < s.IntervalCount {
		now := c.millis()
		if !s.ClockArmed {
			s.ClockArmed = true
			s.LastUpdate = now
			return nil
		}
		if now-s.LastUpdate < s.periodMs() {
			return nil
		}

		freq, dir := s.next()
		reversed := dir != s.CurrentDirection
		if reversed {
			if err := c.writeDirection(ctx, dir); err != nil {
				return err
			}
		}
		if err := c.program(ctx, freq); err != nil {
			return err
		}
		s.commitStep(freq, dir, now)
		if reversed {
			c.observer.Observe(EventReversal, *s)
		}
		c.observer.Observe(EventStep, *s)

		if s.IntervalIndex < s.IntervalCount {
			return nil
		}
	}
	return c.settle(ctx)
}

// Halt stops the output immediately and discards any plan.
func (c *Controller) Halt(ctx context.Context) error {
	c.stop()
	if !c.connected {
		return nil
	}
	return c.program(ctx, 0)
}

// settle snaps the output to the exact target, correcting the drift left by integer steps.
func (c *Controller) settle(ctx context.Context) error {
	s := &c.state
	if s.TargetDirection != s.CurrentDirection {
		if err := c.writeDirection(ctx, s.TargetDirection); err != nil {
			return err
		}
	}
	if s.TargetFrequency != c.outputHz {
		if err := c.program(ctx, s.TargetFrequency); err != nil {
			return err
		}
	}
	s.settle()
	c.observer.Observe(EventSettled, *s)
	return nil
}

func (c *Controller) stop() {
	s := &c.state
	s.CurrentSpeed = 0
	s.CurrentFrequency = 0
	s.IntervalCount = 0
	s.IntervalIndex = 0
	s.FrequencyStep = 0
	s.abandon()
}

func (c *Controller) program(ctx context.Context, hz int64) error {
	err := multierr.Combine(
		c.out.Program(ctx, c.channel, uint32(hz), c.state.ResolutionBits),
		c.out.SetLevel(ctx, c.channel, c.state.DutyCycle),
	)
	if err != nil {
		return errors.Wrapf(err, "programming channel %d to %d Hz", c.channel, hz)
	}
	c.outputHz = hz
	return nil
}

func (c *Controller) writeDirection(ctx context.Context, d Direction) error {
	if err := c.dir.WriteLevel(ctx, c.dirPin, d == Reverse); err != nil {
		return errors.Wrapf(err, "writing %s to direction pin %d", d, c.dirPin)
	}
	return nil
}
