// Package main runs ramp profiles against a simulated output or a Raspberry Pi's hardware PWM,
// dumping the ramp values to stdout or a serial port.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"

	"github.com/viam-modules/freq-stepper/internal/profile"
	"github.com/viam-modules/freq-stepper/ramp"
	"github.com/viam-modules/freq-stepper/rpiout"
)

const pollInterval = time.Millisecond

func main() {
	utils.ContextualMain(mainWithArgs, logging.NewLogger("rampsim"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) (err error) {
	fs := flag.NewFlagSet("rampsim", flag.ContinueOnError)
	profilePath := fs.String("profile", "", "path to the YAML ramp profile")
	hw := fs.Bool("hw", false, "drive the Raspberry Pi hardware PWM instead of the simulator")
	serialName := fs.String("serial", "", "write the ramp dump to this serial port instead of stdout")
	baud := fs.Int("baud", 115200, "serial port baud rate")
	debug := fs.Bool("debug", false, "log every ramp step")
	if len(args) > 0 {
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *profilePath == "" {
		return errors.New("-profile is required")
	}
	if *debug {
		logger.SetLevel(logging.DEBUG)
	}

	prof, err := profile.Load(*profilePath)
	if err != nil {
		return err
	}

	var sink io.Writer = os.Stdout
	if *serialName != "" {
		port, openErr := serial.Open(*serialName, &serial.Mode{BaudRate: *baud})
		if openErr != nil {
			return errors.Wrapf(openErr, "opening serial port %s", *serialName)
		}
		defer func() {
			err = multierr.Combine(err, port.Close())
		}()
		sink = port
	}

	var out ramp.FrequencyOutput
	var dir ramp.DirectionOutput
	if *hw {
		rpi, openErr := rpiout.Open(logger)
		if openErr != nil {
			return openErr
		}
		defer func() {
			err = multierr.Combine(err, rpi.Close())
		}()
		out, dir = rpi, rpi
	} else {
		sim := newSimOutput(logger)
		out, dir = sim, sim
	}

	return run(ctx, prof, out, dir, sink, logger, clock.New())
}

// run executes every move of the profile and stops the output afterwards.
func run(ctx context.Context, prof *profile.Profile, out ramp.FrequencyOutput, dir ramp.DirectionOutput,
	sink io.Writer, logger logging.Logger, clk clock.Clock,
) (err error) {
	text := ramp.NewTextObserver(sink)
	ctrl := ramp.New(out, dir,
		ramp.WithClock(clk),
		ramp.WithObserver(ramp.MultiObserver(text, ramp.LogObserver(logger))))
	ctrl.SetMicrosteps(prof.Microsteps)
	ctrl.SetUpdatePeriod(prof.UpdatePeriod())
	ctrl.SetPWMResolution(prof.PWMResolutionBits)
	ctrl.SetPWMDutyCycle(*prof.PWMDutyCycle)

	if err := ctrl.Connect(ctx, prof.StepPin, prof.DirPin, prof.Channel); err != nil {
		return err
	}
	defer func() {
		// ctx may already be cancelled; the output must still stop.
		err = multierr.Combine(err, ctrl.Halt(context.Background()))
	}()

	for i, mv := range prof.Moves {
		logger.Infow("starting move", "index", i, "speed", mv.Speed, "acceleration", mv.Acceleration)
		start := clk.Now()
		var moveErr error
		switch prof.Mode {
		case profile.ModeBlocking:
			moveErr = runBlocking(ctx, ctrl, mv)
		default:
			moveErr = runCooperative(ctx, ctrl, mv)
		}
		if moveErr != nil {
			return errors.Wrapf(moveErr, "move %d", i)
		}
		if dumpErr := text.Err(); dumpErr != nil {
			return errors.Wrap(dumpErr, "writing ramp dump")
		}
		logger.Infow("move settled", "index", i, "elapsed", clk.Since(start), "frequency_hz", ctrl.Output())

		if mv.HoldMs > 0 && !utils.SelectContextOrWait(ctx, mv.Hold()) {
			return ctx.Err()
		}
	}
	return nil
}

// runCooperative plans the move and polls Process until it settles.
func runCooperative(ctx context.Context, ctrl *ramp.Controller, mv profile.Move) error {
	if err := ctrl.SetupAccelerate(mv.Speed, mv.Acceleration); err != nil {
		return err
	}
	for !ctrl.MotionComplete() {
		if err := ctrl.Process(ctx); err != nil {
			return err
		}
		if !utils.SelectContextOrWait(ctx, pollInterval) {
			return ctx.Err()
		}
	}
	return nil
}

// runBlocking runs the move with Accelerate. A blocking ramp cannot pass through zero, so a
// reversal first ramps to a stop.
func runBlocking(ctx context.Context, ctrl *ramp.Controller, mv profile.Move) error {
	s := ctrl.State()
	reverse := mv.Speed < 0
	if s.CurrentSpeed != 0 && mv.Speed != 0 && reverse != (s.CurrentDirection == ramp.Reverse) {
		if err := ctrl.Accelerate(ctx, 0, mv.Acceleration); err != nil {
			return err
		}
	}
	return ctrl.Accelerate(ctx, mv.Speed, mv.Acceleration)
}
