package ramp

import (
	"fmt"
	"io"

	"go.viam.com/rdk/logging"
)

// Event identifies the point in the ramp at which an Observer is called.
type Event int

// Ramp events.
const (
	EventPlanned Event = iota
	EventStep
	EventReversal
	EventSettled
)

func (e Event) String() string {
	switch e {
	case EventPlanned:
		return "planned"
	case EventStep:
		return "step"
	case EventReversal:
		return "reversal"
	case EventSettled:
		return "settled"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Observer receives a copy of the ramp state at each event. Observers must not block; they have
// no effect on the ramp.
type Observer interface {
	Observe(ev Event, s State)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(ev Event, s State)

// Observe calls f.
func (f ObserverFunc) Observe(ev Event, s State) {
	f(ev, s)
}

type nopObserver struct{}

func (nopObserver) Observe(Event, State) {}

type multiObserver []Observer

func (m multiObserver) Observe(ev Event, s State) {
	for _, o := range m {
		o.Observe(ev, s)
	}
}

// MultiObserver fans events out to every observer in order.
func MultiObserver(observers ...Observer) Observer {
	return multiObserver(observers)
}

type logObserver struct {
	logger logging.Logger
}

// LogObserver logs ramp events at debug level.
func LogObserver(logger logging.Logger) Observer {
	return &logObserver{logger: logger}
}

func (o *logObserver) Observe(ev Event, s State) {
	switch ev {
	case EventPlanned:
		o.logger.Debugw("ramp planned",
			"current_hz", s.CurrentFrequency,
			"target_hz", s.TargetFrequency,
			"target_direction", s.TargetDirection.String(),
			"intervals", s.IntervalCount,
			"step_hz", s.FrequencyStep,
			"duration_ms", s.RampDurationMs)
	case EventStep:
		o.logger.Debugw("ramp step",
			"interval", s.IntervalIndex,
			"intervals", s.IntervalCount,
			"frequency_hz", s.CurrentFrequency)
	case EventReversal:
		o.logger.Debugw("direction reversed", "direction", s.CurrentDirection.String())
	case EventSettled:
		o.logger.Debugw("ramp settled",
			"frequency_hz", s.CurrentFrequency,
			"speed", s.CurrentSpeed,
			"direction", s.CurrentDirection.String())
	}
}

// TextObserver writes labeled values, one per line, to a text sink such as a serial port.
// Writing stops at the first error, which is kept for Err.
type TextObserver struct {
	w   io.Writer
	err error
}

// NewTextObserver returns a TextObserver writing to w.
func NewTextObserver(w io.Writer) *TextObserver {
	return &TextObserver{w: w}
}

// Observe writes the values relevant to ev.
func (t *TextObserver) Observe(ev Event, s State) {
	switch ev {
	case EventPlanned:
		t.line("currentFrequency is", s.CurrentFrequency)
		t.line("targetFrequency is", s.TargetFrequency)
		t.line("freqIntervals is", s.IntervalCount)
		t.line("frequency delta is", s.FrequencyDelta)
		t.line("un-rounded frequency interval is", unroundedStep(s))
		t.line("frequencyIntervalInHz is", s.FrequencyStep)
	case EventStep:
		t.line("currentFrequency is", s.CurrentFrequency)
	case EventReversal:
		t.line("direction is", int64(s.CurrentDirection))
	case EventSettled:
		t.line("settled frequency is", s.CurrentFrequency)
	}
}

// Err returns the first write error.
func (t *TextObserver) Err() error {
	return t.err
}

func (t *TextObserver) line(label string, v any) {
	if t.err != nil {
		return
	}
	_, t.err = fmt.Fprintf(t.w, "%s: %v\n", label, v)
}

// unroundedStep is the exact per-interval frequency change before truncation to FrequencyStep.
func unroundedStep(s State) float64 {
	if s.IntervalCount == 0 {
		return 0
	}
	return float64(s.FrequencyDelta) / float64(s.IntervalCount)
}
