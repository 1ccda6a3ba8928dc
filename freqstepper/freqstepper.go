// Package freqstepper implements a step/direction stepper motor whose step pulses come from a
// board's hardware PWM, with speed changes ramped by the ramp package.
package freqstepper

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"

	"github.com/viam-modules/freq-stepper/ramp"
)

// PinConfig defines the mapping of where the driver is wired.
type PinConfig struct {
	Step         string `json:"step"`
	Direction    string `json:"dir"`
	EnablePinLow string `json:"en_low,omitempty"`
}

// Config describes the configuration of a motor.
type Config struct {
	Pins              PinConfig `json:"pins"`
	BoardName         string    `json:"board"`
	Channel           int       `json:"channel,omitempty"`
	Microsteps        int       `json:"microsteps,omitempty"`
	StepsPerRotation  int       `json:"steps_per_rotation,omitempty"`
	UpdatePeriodMs    int       `json:"update_period_ms,omitempty"`
	PWMResolutionBits int       `json:"pwm_resolution_bits,omitempty"`
	PWMDutyCycle      *uint32   `json:"pwm_duty_cycle,omitempty"` // defaults to half scale
	MaxRPM            float64   `json:"max_rpm,omitempty"`
	MaxAcceleration   float64   `json:"max_acceleration_rpm_per_sec,omitempty"`
	PollIntervalMs    int       `json:"poll_interval_ms,omitempty"`
}

// Model for the frequency generator driven stepper.
var Model = resource.NewModel("viam", "freq-stepper", "freq-stepper")

const (
	defaultMicrosteps       = 16
	defaultStepsPerRotation = 200
	defaultUpdatePeriodMs   = 10
	defaultResolutionBits   = 3
	defaultPollIntervalMs   = 1
	maxResolutionBits       = 20
)

// Validate ensures all parts of the config are valid.
func (config *Config) Validate(path string) ([]string, []string, error) {
	if config.BoardName == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "board")
	}
	if config.Pins.Step == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pins.step")
	}
	if config.Pins.Direction == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pins.dir")
	}
	if config.Channel < 0 || config.Channel > math.MaxUint8 {
		return nil, nil, errors.Errorf("channel must be between 0 and %d, got %d", math.MaxUint8, config.Channel)
	}
	if config.Microsteps < 0 {
		return nil, nil, errors.Errorf("microsteps must be positive, got %d", config.Microsteps)
	}
	if config.StepsPerRotation < 0 {
		return nil, nil, errors.Errorf("steps_per_rotation must be positive, got %d", config.StepsPerRotation)
	}
	if config.UpdatePeriodMs < 0 {
		return nil, nil, errors.Errorf("update_period_ms must be positive, got %d", config.UpdatePeriodMs)
	}
	if config.PollIntervalMs < 0 {
		return nil, nil, errors.Errorf("poll_interval_ms must be positive, got %d", config.PollIntervalMs)
	}
	if config.MaxRPM < 0 || config.MaxAcceleration < 0 {
		return nil, nil, errors.New("max_rpm and max_acceleration_rpm_per_sec must not be negative")
	}
	bits := config.resolutionBits()
	if bits < 1 || bits > maxResolutionBits {
		return nil, nil, errors.Errorf("pwm_resolution_bits must be between 1 and %d, got %d", maxResolutionBits, bits)
	}
	if config.PWMDutyCycle != nil && uint64(*config.PWMDutyCycle) >= uint64(1)<<bits {
		return nil, nil, errors.Errorf("pwm_duty_cycle must be below %d at %d bits, got %d",
			uint64(1)<<bits, bits, *config.PWMDutyCycle)
	}
	return []string{config.BoardName}, nil, nil
}

func (config *Config) resolutionBits() int {
	if config.PWMResolutionBits == 0 {
		return defaultResolutionBits
	}
	return config.PWMResolutionBits
}

func init() {
	resource.RegisterComponent(motor.API, Model, resource.Registration[motor.Motor, *Config]{
		Constructor: newMotor,
	})
}

// A Motor is a step/direction stepper driven at a ramped step frequency.
type Motor struct {
	resource.Named
	resource.AlwaysRebuild

	mu          sync.Mutex
	ctrl        *ramp.Controller
	enLowPin    board.GPIOPin
	stepsPerRev float64
	maxRPM      float64
	maxAcc      float64
	poll        time.Duration
	lastPollErr string

	// Published copy of the controller state. A blocking ramp holds mu for its whole run,
	// so status calls read this instead.
	statusMu sync.Mutex
	status   ramp.State
	outputHz int64
	powerPct float64

	logger    logging.Logger
	opMgr     *operation.SingleOperationManager
	workers   *utils.StoppableWorkers
	motorName string
}

// motorPins are the board pins a motor drives.
type motorPins struct {
	step, dir, enLow board.GPIOPin
}

// newMotor returns a motor driving pins of the configured board.
func newMotor(ctx context.Context, deps resource.Dependencies, c resource.Config, logger logging.Logger,
) (motor.Motor, error) {
	conf, err := resource.NativeConfig[*Config](c)
	if err != nil {
		return nil, err
	}
	b, err := board.FromDependencies(deps, conf.BoardName)
	if err != nil {
		return nil, errors.Errorf("%q is not a board", conf.BoardName)
	}

	var pins motorPins
	if pins.step, err = b.GPIOPinByName(conf.Pins.Step); err != nil {
		return nil, errors.Wrap(err, "step pin")
	}
	if pins.dir, err = b.GPIOPinByName(conf.Pins.Direction); err != nil {
		return nil, errors.Wrap(err, "dir pin")
	}
	if conf.Pins.EnablePinLow != "" {
		if pins.enLow, err = b.GPIOPinByName(conf.Pins.EnablePinLow); err != nil {
			return nil, errors.Wrap(err, "en_low pin")
		}
	}
	m, err := makeMotor(ctx, *conf, c.ResourceName(), logger, pins, clock.New())
	if err != nil {
		return nil, err
	}
	return m, nil
}

// makeMotor is separate from newMotor so tests can hand in fake pins and a clock.
func makeMotor(ctx context.Context, c Config, name resource.Name, logger logging.Logger,
	pins motorPins, clk clock.Clock,
) (*Motor, error) {
	if c.MaxRPM == 0 {
		logger.CWarn(ctx, "max_rpm not set, setting to 200 rpm")
		c.MaxRPM = 200
	}
	if c.MaxAcceleration == 0 {
		logger.CWarn(ctx, "max_acceleration_rpm_per_sec not set, setting to 200 rpm/sec")
		c.MaxAcceleration = 200
	}
	if c.Microsteps == 0 {
		c.Microsteps = defaultMicrosteps
	}
	if c.StepsPerRotation == 0 {
		c.StepsPerRotation = defaultStepsPerRotation
	}
	if c.UpdatePeriodMs == 0 {
		c.UpdatePeriodMs = defaultUpdatePeriodMs
	}
	if c.PollIntervalMs == 0 {
		c.PollIntervalMs = defaultPollIntervalMs
	}
	bits := c.resolutionBits()
	duty := uint32(1) << (bits - 1)
	if c.PWMDutyCycle != nil {
		duty = *c.PWMDutyCycle
	}

	m := &Motor{
		Named:       name.AsNamed(),
		enLowPin:    pins.enLow,
		stepsPerRev: float64(c.StepsPerRotation),
		maxRPM:      c.MaxRPM,
		maxAcc:      c.MaxAcceleration,
		poll:        time.Duration(c.PollIntervalMs) * time.Millisecond,
		logger:      logger,
		opMgr:       operation.NewSingleOperationManager(),
		motorName:   name.ShortName(),
	}
	m.ctrl = ramp.New(&pwmOutput{pin: pins.step}, &dirOutput{pin: pins.dir},
		ramp.WithClock(clk),
		ramp.WithObserver(ramp.MultiObserver(ramp.LogObserver(logger), ramp.ObserverFunc(m.observe))))
	m.ctrl.SetMicrosteps(uint32(c.Microsteps))
	m.ctrl.SetUpdatePeriod(time.Duration(c.UpdatePeriodMs) * time.Millisecond)
	m.ctrl.SetPWMResolution(uint8(bits))
	m.ctrl.SetPWMDutyCycle(duty)

	if err := m.ctrl.Connect(ctx, 0, 1, uint8(c.Channel)); err != nil {
		return nil, errors.Wrapf(err, "error connecting motor (%s)", m.motorName)
	}
	m.publish(m.ctrl.State())
	if m.enLowPin != nil {
		if err := m.Enable(ctx, true); err != nil {
			return nil, err
		}
	}

	m.workers = utils.NewBackgroundStoppableWorkers(m.processLoop)
	return m, nil
}

// processLoop advances the ramp until the workers are stopped.
func (m *Motor) processLoop(ctx context.Context) {
	for utils.SelectContextOrWait(ctx, m.poll) {
		m.mu.Lock()
		err := m.ctrl.Process(ctx)
		m.mu.Unlock()

		if err == nil {
			m.lastPollErr = ""
			continue
		}
		// A failing write is retried every poll; only log when the error changes.
		if msg := err.Error(); msg != m.lastPollErr {
			m.lastPollErr = msg
			m.logger.CError(ctx, errors.Wrapf(err, "error ramping motor (%s)", m.motorName))
		}
	}
}

func (m *Motor) observe(_ ramp.Event, s ramp.State) {
	m.publish(s)
}

// publish records s as the motor's status. Callers hold mu.
func (m *Motor) publish(s ramp.State) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.status = s
	m.outputHz = m.ctrl.Output()
}

func (m *Motor) setPowerPct(pct float64) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.powerPct = pct
}

// rpmToSpeed converts signed rpm, clamped to max_rpm, to full steps per second.
func (m *Motor) rpmToSpeed(rpm float64) float64 {
	if math.Abs(rpm) > m.maxRPM {
		rpm = math.Copysign(m.maxRPM, rpm)
	}
	return rpm / 60 * m.stepsPerRev
}

func (m *Motor) speedToRPM(speed float64) float64 {
	return speed * 60 / m.stepsPerRev
}

// rpmsToAcceleration converts rpm/s to full steps per second squared.
func (m *Motor) rpmsToAcceleration(acc float64) float64 {
	return acc / 60 * m.stepsPerRev
}

func (m *Motor) checkSpeed(ctx context.Context, rpm float64) {
	warning, err := motor.CheckSpeed(rpm, m.maxRPM)
	// only display warnings if rpm != 0 because Stop ramps to an rpm of 0
	if rpm != 0 {
		if warning != "" {
			m.logger.CWarn(ctx, warning)
		}
		if err != nil {
			m.logger.CError(ctx, err)
		}
	}
}

// accelerationFromExtra returns the acceleration_rpm_per_sec override in extra, or
// max_acceleration_rpm_per_sec.
func (m *Motor) accelerationFromExtra(extra map[string]interface{}) (float64, error) {
	raw, ok := extra[AccelerationVal]
	if !ok {
		return m.maxAcc, nil
	}
	acc, ok := raw.(float64)
	if !ok {
		return 0, errors.Errorf("%s must be floating point", AccelerationVal)
	}
	return acc, nil
}

// SetRPM starts a ramp to the given rpm. The ramp continues in the background.
// extra may carry acceleration_rpm_per_sec for this ramp only.
func (m *Motor) SetRPM(ctx context.Context, rpm float64, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	acc, err := m.accelerationFromExtra(extra)
	if err != nil {
		return errors.Wrapf(err, "error parsing extra in SetRPM from motor (%s)", m.motorName)
	}
	return m.setRPM(ctx, rpm, acc)
}

func (m *Motor) setRPM(ctx context.Context, rpm, acc float64) error {
	m.checkSpeed(ctx, rpm)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ctrl.SetupAccelerate(m.rpmToSpeed(rpm), m.rpmsToAcceleration(acc)); err != nil {
		return errors.Wrapf(err, "error in SetRPM from motor (%s)", m.motorName)
	}
	return nil
}

// SetPower ramps to the fraction of max_rpm given by powerPct (between -1 and 1).
func (m *Motor) SetPower(ctx context.Context, powerPct float64, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	m.setPowerPct(powerPct)
	acc, err := m.accelerationFromExtra(extra)
	if err != nil {
		return errors.Wrapf(err, "error parsing extra in SetPower from motor (%s)", m.motorName)
	}
	return m.setRPM(ctx, powerPct*m.maxRPM, acc)
}

// Stop ramps the motor down to standstill.
func (m *Motor) Stop(ctx context.Context, extra map[string]interface{}) error {
	m.opMgr.CancelRunning(ctx)
	m.setPowerPct(0)
	return m.setRPM(ctx, 0, m.maxAcc)
}

// IsMoving returns true while a ramp is in progress or the step output is running.
func (m *Motor) IsMoving(ctx context.Context) (bool, error) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return !m.status.MotionComplete || m.status.CurrentSpeed != 0, nil
}

// IsPowered returns true if the motor is currently moving.
func (m *Motor) IsPowered(ctx context.Context, extra map[string]interface{}) (bool, float64, error) {
	on, err := m.IsMoving(ctx)
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return on, m.powerPct, err
}

// GoFor is not supported; the motor has no position feedback.
func (m *Motor) GoFor(ctx context.Context, rpm, rotations float64, extra map[string]interface{}) error {
	return errors.Errorf("motor (%s) does not track position, GoFor is not supported", m.motorName)
}

// GoTo is not supported; the motor has no position feedback.
func (m *Motor) GoTo(ctx context.Context, rpm, positionRevolutions float64, extra map[string]interface{}) error {
	return errors.Errorf("motor (%s) does not track position, GoTo is not supported", m.motorName)
}

// ResetZeroPosition is not supported; the motor has no position feedback.
func (m *Motor) ResetZeroPosition(ctx context.Context, offset float64, extra map[string]interface{}) error {
	return errors.Errorf("motor (%s) does not track position, ResetZeroPosition is not supported", m.motorName)
}

// Position is not supported; the motor has no position feedback.
func (m *Motor) Position(ctx context.Context, extra map[string]interface{}) (float64, error) {
	return 0, errors.Errorf("motor (%s) does not track position", m.motorName)
}

// Properties returns the status of optional properties on the motor.
func (m *Motor) Properties(ctx context.Context, extra map[string]interface{}) (motor.Properties, error) {
	return motor.Properties{
		PositionReporting: false,
	}, nil
}

// Enable pulls down the hardware enable pin, activating the driver's power stage.
func (m *Motor) Enable(ctx context.Context, turnOn bool) error {
	if m.enLowPin == nil {
		return errors.New("no enable pin configured")
	}
	return m.enLowPin.Set(ctx, !turnOn, nil)
}

// accelerate runs a complete ramp before returning. Motor calls cancel it.
func (m *Motor) accelerate(ctx context.Context, rpm, acc float64) error {
	ctx, done := m.opMgr.New(ctx)
	defer done()

	m.checkSpeed(ctx, rpm)
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.ctrl.Accelerate(ctx, m.rpmToSpeed(rpm), m.rpmsToAcceleration(acc))
	// A cancelled or failed ramp holds its last step without an event.
	m.publish(m.ctrl.State())
	return err
}

// DoCommand() related constants.
const (
	Command         = "command"
	Accelerate      = "accelerate"
	State           = "state"
	Configure       = "configure"
	Halt            = "halt"
	RPMVal          = "rpm"
	AccelerationVal = "acceleration_rpm_per_sec"
)

// DoCommand executes additional commands beyond the Motor{} interface.
func (m *Motor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd[Command]
	if !ok {
		return nil, errors.Errorf("missing %s value", Command)
	}
	switch name {
	case Accelerate:
		rpmRaw, ok := cmd[RPMVal]
		if !ok {
			return nil, errors.Errorf("need %s value for accelerate", RPMVal)
		}
		rpm, ok := rpmRaw.(float64)
		if !ok {
			return nil, errors.New("rpm value must be floating point")
		}
		acc, err := m.accelerationFromExtra(cmd)
		if err != nil {
			return nil, err
		}
		return nil, m.accelerate(ctx, rpm, acc)
	case State:
		return m.state(), nil
	case Configure:
		return nil, m.configure(cmd)
	case Halt:
		m.opMgr.CancelRunning(ctx)
		m.setPowerPct(0)
		m.mu.Lock()
		defer m.mu.Unlock()
		err := m.ctrl.Halt(ctx)
		m.publish(m.ctrl.State())
		return nil, err
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}

func (m *Motor) state() map[string]interface{} {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	s := m.status
	rpm := m.speedToRPM(s.CurrentSpeed)
	if s.CurrentDirection == ramp.Reverse {
		rpm = -rpm
	}
	return map[string]interface{}{
		"rpm":                 rpm,
		"current_speed":       s.CurrentSpeed,
		"target_speed":        s.TargetSpeed,
		"current_direction":   s.CurrentDirection.String(),
		"target_direction":    s.TargetDirection.String(),
		"current_frequency":   s.CurrentFrequency,
		"target_frequency":    s.TargetFrequency,
		"output_frequency":    m.outputHz,
		"frequency_step":      s.FrequencyStep,
		"interval_index":      s.IntervalIndex,
		"interval_count":      s.IntervalCount,
		"ramp_duration_ms":    s.RampDurationMs,
		"motion_complete":     s.MotionComplete,
		"microsteps":          s.Microsteps,
		"update_period_ms":    s.UpdatePeriod.Milliseconds(),
		"pwm_resolution_bits": s.ResolutionBits,
		"pwm_duty_cycle":      s.DutyCycle,
	}
}

// configure applies ramp settings from a DoCommand. Settings can only change between ramps.
func (m *Motor) configure(cmd map[string]interface{}) error {
	toUint32 := func(key string) (uint32, bool, error) {
		raw, ok := cmd[key]
		if !ok {
			return 0, false, nil
		}
		v, ok := raw.(float64)
		if !ok || v < 0 || v > math.MaxUint32 || v != math.Trunc(v) {
			return 0, false, errors.Errorf("%s must be a non-negative integer, got %v", key, raw)
		}
		return uint32(v), true, nil
	}

	m.statusMu.Lock()
	ramping := !m.status.MotionComplete
	m.statusMu.Unlock()
	if ramping {
		return errors.Errorf("can't configure motor (%s) while ramping", m.motorName)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ctrl.MotionComplete() {
		return errors.Errorf("can't configure motor (%s) while ramping", m.motorName)
	}
	s := m.ctrl.State()

	microsteps, setMicrosteps, err := toUint32("microsteps")
	if err != nil {
		return err
	}
	if setMicrosteps && microsteps == 0 {
		return errors.New("microsteps must be positive")
	}
	period, setPeriod, err := toUint32("update_period_ms")
	if err != nil {
		return err
	}
	if setPeriod && period == 0 {
		return errors.New("update_period_ms must be positive")
	}
	bits, setBits, err := toUint32("pwm_resolution_bits")
	if err != nil {
		return err
	}
	if !setBits {
		bits = uint32(s.ResolutionBits)
	} else if bits < 1 || bits > maxResolutionBits {
		return errors.Errorf("pwm_resolution_bits must be between 1 and %d, got %d", maxResolutionBits, bits)
	}
	duty, setDuty, err := toUint32("pwm_duty_cycle")
	if err != nil {
		return err
	}
	if !setDuty {
		duty = s.DutyCycle
	}
	if uint64(duty) >= uint64(1)<<bits {
		return errors.Errorf("pwm_duty_cycle must be below %d at %d bits, got %d", uint64(1)<<bits, bits, duty)
	}

	if setMicrosteps {
		m.ctrl.SetMicrosteps(microsteps)
	}
	if setPeriod {
		m.ctrl.SetUpdatePeriod(time.Duration(period) * time.Millisecond)
	}
	m.ctrl.SetPWMResolution(uint8(bits))
	m.ctrl.SetPWMDutyCycle(duty)
	m.publish(m.ctrl.State())
	return nil
}

// Close stops the ramp worker and the step output.
func (m *Motor) Close(ctx context.Context) error {
	m.opMgr.CancelRunning(ctx)
	m.workers.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.ctrl.Halt(ctx)
	m.publish(m.ctrl.State())
	if m.enLowPin != nil {
		err = multierr.Combine(err, m.enLowPin.Set(ctx, true, nil))
	}
	return err
}
