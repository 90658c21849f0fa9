// Package generator produces the synthetic centrifuge telemetry broadcast by the server.
package generator

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"plantmon/internal/sensor"
)

// Normal draws normally distributed values with the polar Box–Muller method.
// Each pair of accepted uniform draws yields two independent normals; the
// second is cached and returned by the next call. Safe for concurrent use.
type Normal struct {
	mu       sync.Mutex
	rng      *rand.Rand
	spare    float64
	hasSpare bool
}

// NewNormal returns a generator seeded with seed; 0 seeds from the clock.
func NewNormal(seed int64) *Normal {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Normal{rng: rand.New(rand.NewSource(seed))}
}

// Next returns one draw from N(mean, stddev).
func (n *Normal) Next(mean, stddev float64) float64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.hasSpare {
		n.hasSpare = false
		return mean + stddev*n.spare
	}
	var u, v, s float64
	for {
		u = n.rng.Float64()*2 - 1
		v = n.rng.Float64()*2 - 1
		s = u*u + v*v
		if s > 0 && s < 1 {
			break
		}
	}
	f := math.Sqrt(-2 * math.Log(s) / s)
	n.spare = v * f
	n.hasSpare = true
	return mean + stddev*u*f
}

// Distribution parameters of the two metrics.
const (
	SpeedMean  = 61000.0
	SpeedSigma = 1000.0
	PowerMean  = 1000.0
	PowerSigma = 80.0
)

// Reading draws one clamped sample stamped with at.
func (n *Normal) Reading(at time.Time) sensor.Sample {
	return sensor.Sample{
		CentrifugeSpeed: clamp(n.Next(SpeedMean, SpeedSigma), sensor.MinCentrifugeSpeed, sensor.MaxCentrifugeSpeed),
		PowerOutput:     clamp(n.Next(PowerMean, PowerSigma), sensor.MinPowerOutput, sensor.MaxPowerOutput),
		At:              at,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
