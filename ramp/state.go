package ramp

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// Defaults applied to a new controller.
const (
	defaultMicrosteps     = 16
	defaultUpdatePeriod   = 10 * time.Millisecond
	defaultResolutionBits = 3
	defaultDutyCycle      = 3
)

// Direction is the logical level of the direction line.
type Direction uint8

// Directions.
const (
	Forward Direction = iota
	Reverse
)

func (d Direction) opposite() Direction {
	if d == Forward {
		return Reverse
	}
	return Forward
}

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// State is the complete ramp state of one output channel: configuration, motion and ramp progress.
// Speeds are magnitudes in full steps per second; the sign is carried by the direction fields.
type State struct {
	Microsteps     uint32
	UpdatePeriod   time.Duration
	ResolutionBits uint8
	DutyCycle      uint32

	CurrentSpeed     float64
	TargetSpeed      float64
	CurrentDirection Direction
	TargetDirection  Direction
	CurrentFrequency int64
	TargetFrequency  int64

	Acceleration   float64
	RampDurationMs float64
	FrequencyDelta int64
	FrequencyStep  int64
	IntervalCount  int64
	IntervalIndex  int64

	MotionComplete bool
	ClockArmed     bool
	LastUpdate     uint32
}

func newState() State {
	return State{
		Microsteps:     defaultMicrosteps,
		UpdatePeriod:   defaultUpdatePeriod,
		ResolutionBits: defaultResolutionBits,
		DutyCycle:      defaultDutyCycle,
		MotionComplete: true,
	}
}

// splitSpeed turns a signed speed into a magnitude and a direction.
func splitSpeed(signed float64) (float64, Direction) {
	if signed < 0 {
		return -signed, Reverse
	}
	return signed, Forward
}

func (s *State) frequencyOf(speed float64) int64 {
	return int64(math.Round(speed * float64(s.Microsteps)))
}

func (s *State) speedOf(frequency int64) float64 {
	return math.Round(float64(frequency) / float64(s.Microsteps))
}

func (s *State) periodMs() uint32 {
	return uint32(s.UpdatePeriod / time.Millisecond)
}

func (s *State) validate(targetSpeed, acceleration float64) error {
	if math.IsNaN(targetSpeed) || math.IsInf(targetSpeed, 0) {
		return errors.Wrapf(ErrInvalidArgument, "target speed must be finite, got %v", targetSpeed)
	}
	if math.IsNaN(acceleration) || math.IsInf(acceleration, 0) || acceleration <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "acceleration must be > 0, got %v", acceleration)
	}
	if s.Microsteps == 0 {
		return errors.Wrap(ErrInvalidArgument, "microsteps must be > 0")
	}
	if s.UpdatePeriod < time.Millisecond {
		return errors.Wrapf(ErrInvalidArgument, "update period must be at least 1ms, got %s", s.UpdatePeriod)
	}
	// Checked as a float; converting first would wrap huge speeds to negative frequencies.
	if f := math.Round(math.Abs(targetSpeed) * float64(s.Microsteps)); f > math.MaxUint32 {
		return errors.Wrapf(ErrInvalidArgument, "target frequency %g Hz is out of range", f)
	}
	return nil
}

// rampLength returns the duration and interval count of a ramp from the current motion to
// speed in dir. It fails when the count does not fit an int64.
func (s *State) rampLength(speed float64, dir Direction, acceleration float64) (float64, int64, error) {
	magnitude := math.Abs(speed - s.CurrentSpeed)
	if dir != s.CurrentDirection {
		magnitude = speed + s.CurrentSpeed
	}
	durationMs := magnitude / acceleration * 1000
	intervals := math.Round(durationMs / float64(s.periodMs()))
	if math.IsNaN(intervals) || math.IsInf(intervals, 0) || intervals >= math.MaxInt64 {
		return 0, 0, errors.Wrapf(ErrInvalidArgument,
			"ramp of %g ms at acceleration %g is too long", durationMs, acceleration)
	}
	return durationMs, int64(intervals), nil
}

// Plan computes a linear ramp from the current speed and direction to targetSpeed. A negative
// targetSpeed selects the reverse direction. When the direction changes, the ramp runs through
// zero as one continuous frequency ramp spanning both magnitudes.
// On error the state is left untouched.
func (s *State) Plan(targetSpeed, acceleration float64) error {
	if err := s.validate(targetSpeed, acceleration); err != nil {
		return err
	}
	speed, dir := splitSpeed(targetSpeed)
	return s.planTo(speed, dir, acceleration)
}

func (s *State) planTo(speed float64, dir Direction, acceleration float64) error {
	durationMs, intervals, err := s.rampLength(speed, dir, acceleration)
	if err != nil {
		return err
	}
	s.TargetSpeed, s.TargetDirection = speed, dir
	s.Acceleration = acceleration
	s.CurrentFrequency = s.frequencyOf(s.CurrentSpeed)
	s.TargetFrequency = s.frequencyOf(s.TargetSpeed)

	s.FrequencyDelta = s.TargetFrequency - s.CurrentFrequency
	if s.TargetDirection != s.CurrentDirection {
		s.FrequencyDelta = s.TargetFrequency + s.CurrentFrequency
	}

	s.RampDurationMs = durationMs
	s.IntervalCount = intervals
	s.FrequencyStep = 0
	if s.IntervalCount > 0 {
		// Truncates; the final settle absorbs the remainder.
		s.FrequencyStep = s.FrequencyDelta / s.IntervalCount
	}

	s.IntervalIndex = 0
	s.MotionComplete = false
	s.ClockArmed = false
	return nil
}

// next returns the frequency and direction one interval further along the plan. A frequency
// that would go negative means the ramp crossed zero speed, so the direction flips.
func (s *State) next() (int64, Direction) {
	freq, dir := s.CurrentFrequency, s.CurrentDirection
	if dir == s.TargetDirection {
		freq += s.FrequencyStep
	} else {
		freq -= s.FrequencyStep
	}
	if freq < 0 {
		dir = dir.opposite()
		freq = -freq
	}
	return freq, dir
}

func (s *State) commitStep(freq int64, dir Direction, now uint32) {
	s.CurrentFrequency = freq
	s.CurrentDirection = dir
	s.CurrentSpeed = s.speedOf(freq)
	s.LastUpdate = now
	s.IntervalIndex++
}

func (s *State) settle() {
	s.CurrentFrequency = s.TargetFrequency
	s.CurrentSpeed = s.TargetSpeed
	s.CurrentDirection = s.TargetDirection
	s.ClockArmed = false
	s.MotionComplete = true
}

// abandon drops any pending plan and holds the current speed.
func (s *State) abandon() {
	s.TargetSpeed = s.CurrentSpeed
	s.TargetDirection = s.CurrentDirection
	s.TargetFrequency = s.CurrentFrequency
	s.ClockArmed = false
	s.MotionComplete = true
}
