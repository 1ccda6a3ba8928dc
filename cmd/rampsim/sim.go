package main

import (
	"context"
	"sync"

	"go.viam.com/rdk/logging"
)

// simOutput stands in for the frequency generator and direction line when no hardware is used.
type simOutput struct {
	mu     sync.Mutex
	logger logging.Logger
	hz     map[uint8]uint32
	duty   map[uint8]uint32
	levels map[uint8]bool
	writes int
}

func newSimOutput(logger logging.Logger) *simOutput {
	return &simOutput{
		logger: logger,
		hz:     map[uint8]uint32{},
		duty:   map[uint8]uint32{},
		levels: map[uint8]bool{},
	}
}

func (s *simOutput) Attach(ctx context.Context, pin, channel uint8) error {
	s.logger.Debugw("sim attach", "pin", pin, "channel", channel)
	return nil
}

func (s *simOutput) Program(ctx context.Context, channel uint8, frequencyHz uint32, resolutionBits uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hz[channel] = frequencyHz
	s.writes++
	s.logger.Debugw("sim program", "channel", channel, "hz", frequencyHz, "bits", resolutionBits)
	return nil
}

func (s *simOutput) SetLevel(ctx context.Context, channel uint8, duty uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duty[channel] = duty
	return nil
}

func (s *simOutput) WriteLevel(ctx context.Context, pin uint8, high bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels[pin] = high
	s.logger.Debugw("sim direction", "pin", pin, "high", high)
	return nil
}

func (s *simOutput) frequency(channel uint8) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hz[channel]
}

func (s *simOutput) level(pin uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels[pin]
}

func (s *simOutput) programCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
