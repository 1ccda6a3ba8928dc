package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/viam-modules/freq-stepper/internal/profile"
)

// Forward to 20 steps/s (320 Hz) then through zero to -10 steps/s (160 Hz) with 1ms updates.
const twoMoves = `
update_period_ms: 1
mode: %s
moves:
  - speed: 20
    acceleration: 1000
    hold_ms: 5
  - speed: -10
    acceleration: 1000
`

func loadProfile(t *testing.T, mode profile.Mode) *profile.Profile {
	t.Helper()
	p, err := profile.Parse([]byte(strings.Replace(twoMoves, "%s", string(mode), 1)))
	test.That(t, err, test.ShouldBeNil)
	return p
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("port gone")
}

func TestRunCooperative(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sim := newSimOutput(logger)
	var buf bytes.Buffer

	err := run(context.Background(), loadProfile(t, profile.ModeCooperative), sim, sim, &buf, logger, clock.New())
	test.That(t, err, test.ShouldBeNil)

	dump := buf.String()
	test.That(t, dump, test.ShouldContainSubstring, "targetFrequency is: 320\n")
	test.That(t, dump, test.ShouldContainSubstring, "frequency delta is: 480\n")
	test.That(t, dump, test.ShouldContainSubstring, "direction is: 1\n")
	test.That(t, strings.HasSuffix(dump, "settled frequency is: 160\n"), test.ShouldBeTrue)

	// Reverse is latched and the output is stopped on exit.
	test.That(t, sim.level(23), test.ShouldBeTrue)
	test.That(t, sim.frequency(0), test.ShouldEqual, 0)
	test.That(t, sim.programCount(), test.ShouldBeGreaterThan, 50)
}

func TestRunBlockingStopsBeforeReversing(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sim := newSimOutput(logger)
	var buf bytes.Buffer

	err := run(context.Background(), loadProfile(t, profile.ModeBlocking), sim, sim, &buf, logger, clock.New())
	test.That(t, err, test.ShouldBeNil)

	dump := buf.String()
	test.That(t, strings.Count(dump, "targetFrequency is:"), test.ShouldEqual, 3)
	test.That(t, dump, test.ShouldContainSubstring, "settled frequency is: 0\n")
	test.That(t, strings.HasSuffix(dump, "settled frequency is: 160\n"), test.ShouldBeTrue)
	test.That(t, sim.level(23), test.ShouldBeTrue)
	test.That(t, sim.frequency(0), test.ShouldEqual, 0)
}

func TestRunCancelled(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sim := newSimOutput(logger)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := run(ctx, loadProfile(t, profile.ModeCooperative), sim, sim, &bytes.Buffer{}, logger, clock.New())
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, sim.frequency(0), test.ShouldEqual, 0)
}

func TestRunDumpWriteError(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sim := newSimOutput(logger)

	err := run(context.Background(), loadProfile(t, profile.ModeCooperative), sim, sim, failingWriter{}, logger, clock.New())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "writing ramp dump")
}

func TestMainWithArgs(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)

	err := mainWithArgs(ctx, []string{"rampsim"}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "-profile is required")

	err = mainWithArgs(ctx, []string{"rampsim", "-bogus"}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	err = mainWithArgs(ctx, []string{"rampsim", "-profile", filepath.Join(t.TempDir(), "none.yaml")}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	path := filepath.Join(t.TempDir(), "ramp.yaml")
	contents := "update_period_ms: 1\nmoves:\n  - {speed: 5, acceleration: 1000}\n"
	test.That(t, os.WriteFile(path, []byte(contents), 0o600), test.ShouldBeNil)

	err = mainWithArgs(ctx, []string{"rampsim", "-profile", path, "-serial", "/dev/rampsim-no-such-port"}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "opening serial port")

	test.That(t, mainWithArgs(ctx, []string{"rampsim", "-profile", path}, logger), test.ShouldBeNil)
}
