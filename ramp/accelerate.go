package ramp

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
)

// Accelerate runs a complete ramp to targetSpeed before returning, sleeping between frequency
// updates. It cannot reverse a moving motor; use SetupAccelerate and Process for that. From
// standstill the direction line is switched first. Any cooperative plan in progress is replaced.
//
// If ctx is cancelled the ramp stops at the last programmed step and ctx.Err() is returned.
func (c *Controller) Accelerate(ctx context.Context, targetSpeed, acceleration float64) error {
	if !c.connected {
		return ErrNotConnected
	}
	s := &c.state
	if err := s.validate(targetSpeed, acceleration); err != nil {
		return err
	}

	speed, dir := splitSpeed(targetSpeed)
	if speed == 0 {
		// Stopping keeps the current direction.
		dir = s.CurrentDirection
	}
	if _, _, err := s.rampLength(speed, dir, acceleration); err != nil {
		return err
	}
	if dir != s.CurrentDirection {
		if s.CurrentSpeed != 0 {
			return errors.Wrapf(ErrInvalidArgument,
				"blocking ramp cannot reverse from %s to %s while moving", s.CurrentDirection, dir)
		}
		if err := c.writeDirection(ctx, dir); err != nil {
			return err
		}
		s.CurrentDirection = dir
	}

	if err := s.planTo(speed, dir, acceleration); err != nil {
		return err
	}
	c.observer.Observe(EventPlanned, *s)

	var pause time.Duration
	if s.IntervalCount > 0 {
		pause = time.Duration(math.Round(s.RampDurationMs/float64(s.IntervalCount))) * time.Millisecond
	}
	for s.IntervalIndex < s.IntervalCount {
		freq := s.CurrentFrequency + s.FrequencyStep
		if err := c.program(ctx, freq); err != nil {
			s.abandon()
			return err
		}
		s.commitStep(freq, s.CurrentDirection, c.millis())
		c.observer.Observe(EventStep, *s)

		if err := c.sleep(ctx, pause); err != nil {
			s.abandon()
			return err
		}
	}
	return c.settle(ctx)
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
