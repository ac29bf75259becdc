package stream

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"cnc-twin/internal/common"
	"cnc-twin/internal/telemetry"

	"github.com/rs/zerolog/log"
)

// Simulation publishes randomized edge readings at a fixed pace.
type Simulation struct {
	Sink       Sink
	Iterations int
	Delay      time.Duration
	// Machines are cycled round-robin; empty means a single "CNC-01".
	Machines []string
	Seed     uint64
	// Now stamps each reading; nil means time.Now.
	Now func() time.Time
}

// Run publishes Iterations readings and returns how many were delivered.
// A sink error stops the run.
func (s *Simulation) Run(ctx context.Context) (int, error) {
	if s.Sink == nil {
		return 0, fmt.Errorf("simulation has no sink")
	}
	machines := s.Machines
	if len(machines) == 0 {
		machines = []string{"CNC-01"}
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}
	seed := s.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1))

	log.Info().
		Int("iterations", s.Iterations).
		Dur("delay", s.Delay).
		Dur("expected_duration", time.Duration(s.Iterations)*s.Delay).
		Msg("Starting CNC telemetry simulation")

	start := time.Now()
	for i := 0; i < s.Iterations; i++ {
		p := telemetry.RandomPayload(rng, machines[i%len(machines)], now())
		if err := s.Sink.Publish(ctx, p); err != nil {
			return i, fmt.Errorf("publish reading %d: %w", i+1, err)
		}

		if (i+1)%common.ProgressLogEvery == 0 {
			log.Info().Int("published", i+1).Int("total", s.Iterations).Msg("Simulation progress")
		}

		if s.Delay > 0 && i < s.Iterations-1 {
			select {
			case <-ctx.Done():
				return i + 1, ctx.Err()
			case <-time.After(s.Delay):
			}
		} else if err := ctx.Err(); err != nil {
			return i + 1, err
		}
	}

	log.Info().Int("published", s.Iterations).Dur("elapsed", time.Since(start)).Msg("Simulation complete")
	return s.Iterations, nil
}
