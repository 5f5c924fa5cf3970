package env

import (
	"context"

	"traffic_marl/internal/domain"
)

// Observation layout shared by every environment in this module.
const (
	Directions      = 4
	QueueOffset     = 0
	WaitOffset      = 4
	GreenOffset     = 8
	ElapsedOffset   = 12
	ObservationSize = 13
)

// Actions: switch green to a direction, or extend the current phase.
const (
	ActionWest = iota
	ActionNorth
	ActionEast
	ActionSouth
	ActionExtend
	ActionCount
)

var actionNames = [ActionCount]string{"WEST", "NORTH", "EAST", "SOUTH", "EXTEND"}

func ActionName(action int) string {
	if action < 0 || action >= ActionCount {
		return "UNKNOWN"
	}
	return actionNames[action]
}

// Environment is the traffic simulation the agents act in.
type Environment interface {
	AgentIDs() []string
	ObservationSize() int
	ActionSize() int
	Reset(ctx context.Context) (map[string]domain.Observation, error)
	Step(ctx context.Context, actions map[string]int) (StepResult, error)
	Close() error
}

type StepResult struct {
	Obs    map[string]domain.Observation
	Reward float64
	Done   bool
	Info   Info
}

type Info struct {
	Step         int                  `json:"step" msgpack:"step"`
	VehicleCount int                  `json:"vehicle_count" msgpack:"vehicle_count"`
	AvgSpeed     float64              `json:"avg_speed" msgpack:"avg_speed"`
	Departed     int                  `json:"departed" msgpack:"departed"`
	Queues       map[string][]float64 `json:"queues,omitempty" msgpack:"queues,omitempty"`
	Waits        map[string][]float64 `json:"waits,omitempty" msgpack:"waits,omitempty"`
}

// Queues returns the per-direction queue features of obs.
func Queues(obs []float64) []float64 {
	return slice(obs, QueueOffset, Directions)
}

func Waits(obs []float64) []float64 {
	return slice(obs, WaitOffset, Directions)
}

// CurrentPhase is the index of the active green direction in obs, 0 when
// the one-hot block is missing or empty.
func CurrentPhase(obs []float64) int {
	green := slice(obs, GreenOffset, Directions)
	best := 0
	for i := 1; i < len(green); i++ {
		if green[i] > green[best] {
			best = i
		}
	}
	return best
}

func slice(obs []float64, offset, n int) []float64 {
	out := make([]float64, n)
	if offset < len(obs) {
		copy(out, obs[offset:])
	}
	return out
}
