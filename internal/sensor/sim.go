package sensor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sweeney/vivarium-controller/internal/logic"
)

// TankSource lists the current tanks. The simulator calls it on every poll.
type TankSource func() []logic.Tank

// Simulator produces one reading per active tank with slow drift and fast
// noise, centred in the tank's temperature range.
type Simulator struct {
	mu      sync.Mutex
	tanks   TankSource
	drift   map[int64]float64
	rng     *rand.Rand
	nowFunc func() time.Time
}

// NewSimulator creates a simulator with a seeded random source.
func NewSimulator(seed int64, tanks TankSource) *Simulator {
	return &Simulator{
		tanks:   tanks,
		drift:   make(map[int64]float64),
		rng:     rand.New(rand.NewSource(seed)),
		nowFunc: time.Now,
	}
}

// Poll samples every active tank. Drift stays within ±2 °C and noise within
// ±0.3 °C of the range midpoint; humidity is 50 ±10 %.
func (s *Simulator) Poll(_ context.Context) ([]logic.Reading, error) {
	tanks := s.tanks()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	seen := make(map[int64]bool, len(tanks))
	out := make([]logic.Reading, 0, len(tanks))
	for _, t := range tanks {
		if !t.Active {
			continue
		}
		seen[t.ID] = true
		drift := s.drift[t.ID] + s.uniform(-0.1, 0.1)
		drift = max(-2, min(2, drift))
		s.drift[t.ID] = drift

		temp := SimBase(t) + drift + s.uniform(-0.3, 0.3)
		hum := 50 + s.uniform(-10, 10)
		out = append(out, logic.Reading{
			SensorID:    SimSensorID(t.ID),
			TankID:      t.ID,
			Temperature: temp,
			Humidity:    &hum,
			Timestamp:   now,
		})
	}
	for id := range s.drift {
		if !seen[id] {
			delete(s.drift, id)
		}
	}
	return out, nil
}

func (s *Simulator) uniform(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}

// SimSensorID names the simulated sensor of a tank.
func SimSensorID(tankID int64) string { return fmt.Sprintf("sim-%d", tankID) }

// SimBase is the temperature a simulated tank drifts around.
func SimBase(t logic.Tank) float64 { return (t.TempMin + t.TempMax) / 2 }
