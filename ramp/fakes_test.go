package ramp

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.viam.com/test"
)

type outputWrite struct {
	op      string // "attach", "program", "level"
	channel uint8
	hz      uint32
	bits    uint8
	duty    uint32
}

// fakeOutput records every write to the frequency generator.
type fakeOutput struct {
	mu          sync.Mutex
	writes      []outputWrite
	failProgram error
}

func (o *fakeOutput) Attach(ctx context.Context, pin, channel uint8) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writes = append(o.writes, outputWrite{op: "attach", channel: channel})
	return nil
}

func (o *fakeOutput) Program(ctx context.Context, channel uint8, frequencyHz uint32, resolutionBits uint8) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failProgram != nil {
		err := o.failProgram
		o.failProgram = nil
		return err
	}
	o.writes = append(o.writes, outputWrite{op: "program", channel: channel, hz: frequencyHz, bits: resolutionBits})
	return nil
}

func (o *fakeOutput) SetLevel(ctx context.Context, channel uint8, duty uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writes = append(o.writes, outputWrite{op: "level", channel: channel, duty: duty})
	return nil
}

func (o *fakeOutput) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writes = nil
}

// frequencies returns the programmed frequencies in order.
func (o *fakeOutput) frequencies() []uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var hz []uint32
	for _, w := range o.writes {
		if w.op == "program" {
			hz = append(hz, w.hz)
		}
	}
	return hz
}

func (o *fakeOutput) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.writes)
}

// fakeDirection records direction line writes.
type fakeDirection struct {
	levels []bool
}

func (d *fakeDirection) WriteLevel(ctx context.Context, pin uint8, high bool) error {
	d.levels = append(d.levels, high)
	return nil
}

// fakeTime is a settable millisecond counter.
type fakeTime struct {
	now uint32
}

func (f *fakeTime) advance(d time.Duration) {
	f.now += uint32(d / time.Millisecond)
}

// newTestController returns a connected controller with microsteps 16 and a 10ms update period,
// driven by a fake millisecond counter. The writes made by Connect are discarded.
func newTestController(t *testing.T, opts ...Option) (*Controller, *fakeOutput, *fakeDirection, *fakeTime) {
	t.Helper()
	out := &fakeOutput{}
	dir := &fakeDirection{}
	ft := &fakeTime{}
	c := New(out, dir, opts...)
	c.millis = func() uint32 { return ft.now }
	c.SetMicrosteps(16)
	c.SetUpdatePeriod(10 * time.Millisecond)
	test.That(t, c.Connect(context.Background(), 18, 19, 0), test.ShouldBeNil)
	out.reset()
	dir.levels = nil
	return c, out, dir, ft
}

// tick advances time by one update period and processes once.
func tick(t *testing.T, c *Controller, ft *fakeTime, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ft.advance(c.State().UpdatePeriod)
		test.That(t, c.Process(context.Background()), test.ShouldBeNil)
	}
}

// runToCompletion arms the timer and ticks until the plan settles.
func runToCompletion(t *testing.T, c *Controller, ft *fakeTime) {
	t.Helper()
	test.That(t, c.Process(context.Background()), test.ShouldBeNil)
	for i := 0; !c.MotionComplete(); i++ {
		test.That(t, i, test.ShouldBeLessThan, 100000)
		tick(t, c, ft, 1)
	}
}
