// Package profile loads ramp test profiles for rampsim.
package profile

import (
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Mode selects how moves are run.
type Mode string

// Modes.
const (
	ModeCooperative Mode = "cooperative" // SetupAccelerate and a polling loop
	ModeBlocking    Mode = "blocking"    // Accelerate
)

// Move is one ramp to a signed speed in full steps per second, followed by a hold.
type Move struct {
	Speed        float64 `yaml:"speed"`
	Acceleration float64 `yaml:"acceleration"` // full steps/s^2
	HoldMs       int     `yaml:"hold_ms"`
}

// Hold is how long the speed is kept after the ramp settles.
func (m Move) Hold() time.Duration {
	return time.Duration(m.HoldMs) * time.Millisecond
}

// Profile describes the controller setup and the moves to run.
type Profile struct {
	Microsteps        uint32  `yaml:"microsteps"`
	UpdatePeriodMs    int     `yaml:"update_period_ms"`
	PWMResolutionBits uint8   `yaml:"pwm_resolution_bits"`
	PWMDutyCycle      *uint32 `yaml:"pwm_duty_cycle"` // defaults to half scale
	StepPin           uint8   `yaml:"step_pin"`
	DirPin            uint8   `yaml:"dir_pin"`
	Channel           uint8   `yaml:"channel"`
	Mode              Mode    `yaml:"mode"`
	Moves             []Move  `yaml:"moves"`
}

// UpdatePeriod returns the ramp update period.
func (p *Profile) UpdatePeriod() time.Duration {
	return time.Duration(p.UpdatePeriodMs) * time.Millisecond
}

// Load reads a YAML profile file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read profile")
	}
	return Parse(data)
}

// Parse decodes a YAML profile, applies defaults and validates it.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "unmarshal yaml")
	}

	if p.Microsteps == 0 {
		p.Microsteps = 16
	}
	if p.UpdatePeriodMs == 0 {
		p.UpdatePeriodMs = 10
	}
	if p.PWMResolutionBits == 0 {
		p.PWMResolutionBits = 3
	}
	if p.PWMDutyCycle == nil {
		duty := uint32(1) << (p.PWMResolutionBits - 1)
		p.PWMDutyCycle = &duty
	}
	if p.StepPin == 0 {
		p.StepPin = 18
	}
	if p.DirPin == 0 {
		p.DirPin = 23
	}
	if p.Mode == "" {
		p.Mode = ModeCooperative
	}

	if p.UpdatePeriodMs < 0 {
		return nil, errors.Errorf("update_period_ms must be > 0, got %d", p.UpdatePeriodMs)
	}
	if p.PWMResolutionBits > 20 {
		return nil, errors.Errorf("pwm_resolution_bits must be between 1 and 20, got %d", p.PWMResolutionBits)
	}
	if uint64(*p.PWMDutyCycle) >= uint64(1)<<p.PWMResolutionBits {
		return nil, errors.Errorf("pwm_duty_cycle must be below %d, got %d",
			uint64(1)<<p.PWMResolutionBits, *p.PWMDutyCycle)
	}
	if p.Mode != ModeCooperative && p.Mode != ModeBlocking {
		return nil, errors.Errorf("mode must be %q or %q, got %q", ModeCooperative, ModeBlocking, p.Mode)
	}
	if len(p.Moves) == 0 {
		return nil, errors.New("at least one move is required")
	}
	for i, m := range p.Moves {
		if math.IsNaN(m.Speed) || math.IsInf(m.Speed, 0) {
			return nil, errors.Errorf("moves[%d].speed must be finite", i)
		}
		if !(m.Acceleration > 0) || math.IsInf(m.Acceleration, 0) {
			return nil, errors.Errorf("moves[%d].acceleration must be > 0, got %v", i, m.Acceleration)
		}
		if m.HoldMs < 0 {
			return nil, errors.Errorf("moves[%d].hold_ms must not be negative, got %d", i, m.HoldMs)
		}
	}
	return &p, nil
}
