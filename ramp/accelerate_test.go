package ramp

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func newBlockingController(t *testing.T) (*Controller, *fakeOutput, *fakeDirection) {
	t.Helper()
	c, out, dir, _ := newTestController(t)
	c.SetUpdatePeriod(time.Millisecond)
	return c, out, dir
}

func TestAccelerateNotConnected(t *testing.T) {
	c := New(&fakeOutput{}, &fakeDirection{})
	err := c.Accelerate(context.Background(), 20, 1000)
	test.That(t, errors.Is(err, ErrNotConnected), test.ShouldBeTrue)
}

func TestAccelerateInvalidAcceleration(t *testing.T) {
	c, out, _ := newBlockingController(t)
	err := c.Accelerate(context.Background(), 20, 0)
	test.That(t, errors.Is(err, ErrInvalidArgument), test.ShouldBeTrue)
	test.That(t, out.count(), test.ShouldEqual, 0)
}

func TestAccelerateOutOfRange(t *testing.T) {
	ctx := context.Background()
	c, out, dir := newBlockingController(t)
	levels := len(dir.levels)
	before := c.State()

	err := c.Accelerate(ctx, -1e30, 200)
	test.That(t, errors.Is(err, ErrInvalidArgument), test.ShouldBeTrue)
	err = c.Accelerate(ctx, -200, 1e-300)
	test.That(t, errors.Is(err, ErrInvalidArgument), test.ShouldBeTrue)

	test.That(t, c.State(), test.ShouldResemble, before)
	test.That(t, dir.levels, test.ShouldHaveLength, levels)
	test.That(t, out.count(), test.ShouldEqual, 0)
}

func TestAccelerateRunsWholeRamp(t *testing.T) {
	ctx := context.Background()
	c, out, dir := newBlockingController(t)

	var events []Event
	c.observer = ObserverFunc(func(ev Event, s State) { events = append(events, ev) })

	test.That(t, c.Accelerate(ctx, 20, 1000), test.ShouldBeNil)
	s := c.State()
	test.That(t, c.MotionComplete(), test.ShouldBeTrue)
	test.That(t, s.IntervalCount, test.ShouldEqual, 20)
	test.That(t, s.FrequencyStep, test.ShouldEqual, 16)
	test.That(t, s.CurrentSpeed, test.ShouldEqual, 20)
	test.That(t, c.Output(), test.ShouldEqual, 320)

	hz := out.frequencies()
	test.That(t, len(hz), test.ShouldEqual, 20)
	for i, f := range hz {
		test.That(t, f, test.ShouldEqual, uint32(16*(i+1)))
	}
	test.That(t, dir.levels, test.ShouldBeEmpty)

	test.That(t, events[0], test.ShouldEqual, EventPlanned)
	test.That(t, events[len(events)-1], test.ShouldEqual, EventSettled)
	test.That(t, len(events), test.ShouldEqual, 22)

	// Back down to rest keeps the direction.
	test.That(t, c.Accelerate(ctx, 0, 1000), test.ShouldBeNil)
	test.That(t, c.Output(), test.ShouldEqual, 0)
	test.That(t, c.State().CurrentDirection, test.ShouldEqual, Forward)
	test.That(t, dir.levels, test.ShouldBeEmpty)
}

func TestAccelerateReverseFromStandstill(t *testing.T) {
	ctx := context.Background()
	c, out, dir := newBlockingController(t)

	test.That(t, c.Accelerate(ctx, -20, 1000), test.ShouldBeNil)
	test.That(t, dir.levels, test.ShouldResemble, []bool{true})
	test.That(t, c.State().CurrentDirection, test.ShouldEqual, Reverse)
	test.That(t, c.State().FrequencyStep, test.ShouldEqual, 16)
	test.That(t, out.frequencies()[0], test.ShouldEqual, 16)
	test.That(t, c.Output(), test.ShouldEqual, 320)
}

func TestAccelerateRejectsReversalWhileMoving(t *testing.T) {
	ctx := context.Background()
	c, out, dir := newBlockingController(t)
	test.That(t, c.Accelerate(ctx, 20, 1000), test.ShouldBeNil)
	writes := out.count()

	err := c.Accelerate(ctx, -20, 1000)
	test.That(t, errors.Is(err, ErrInvalidArgument), test.ShouldBeTrue)
	test.That(t, out.count(), test.ShouldEqual, writes)
	test.That(t, dir.levels, test.ShouldBeEmpty)
	test.That(t, c.State().CurrentSpeed, test.ShouldEqual, 20)
}

func TestAccelerateCancelled(t *testing.T) {
	c, out, _ := newBlockingController(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Accelerate(ctx, 20, 1000)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, c.MotionComplete(), test.ShouldBeTrue)

	// The ramp holds at the last programmed step.
	test.That(t, out.frequencies(), test.ShouldResemble, []uint32{16})
	s := c.State()
	test.That(t, s.CurrentFrequency, test.ShouldEqual, 16)
	test.That(t, s.TargetFrequency, test.ShouldEqual, 16)
}

func TestAccelerateWriteFailure(t *testing.T) {
	c, out, _ := newBlockingController(t)
	out.failProgram = errors.New("bus error")

	err := c.Accelerate(context.Background(), 20, 1000)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bus error")
	test.That(t, c.MotionComplete(), test.ShouldBeTrue)
	test.That(t, c.State().CurrentFrequency, test.ShouldEqual, 0)
}

func TestAccelerateReplacesCooperativePlan(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newBlockingController(t)
	test.That(t, c.SetupAccelerate(200, 200), test.ShouldBeNil)
	test.That(t, c.MotionComplete(), test.ShouldBeFalse)

	test.That(t, c.Accelerate(ctx, 10, 1000), test.ShouldBeNil)
	test.That(t, c.MotionComplete(), test.ShouldBeTrue)
	test.That(t, c.Output(), test.ShouldEqual, 160)

	// Nothing left for Process to do.
	test.That(t, c.Process(ctx), test.ShouldBeNil)
	test.That(t, c.Output(), test.ShouldEqual, 160)
}
