package gridsim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"traffic_marl/internal/domain"
	"traffic_marl/internal/env"
)

const (
	cruiseSpeed = 13.9
	travelSteps = 5
)

var ErrClosed = errors.New("simulation is closed")

type Config struct {
	// AgentIDs are intersections laid out west to east.
	AgentIDs     []string
	EpisodeSteps int
	// ArrivalRate is the mean number of vehicles entering each external
	// approach per step.
	ArrivalRate   float64
	DischargeRate int
	Seed          int64
}

func (c Config) withDefaults() Config {
	if len(c.AgentIDs) == 0 {
		c.AgentIDs = []string{"J1_center", "J2_center"}
	}
	if c.EpisodeSteps <= 0 {
		c.EpisodeSteps = 1800
	}
	if c.ArrivalRate <= 0 {
		c.ArrivalRate = 0.12
	}
	if c.DischargeRate <= 0 {
		c.DischargeRate = 1
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// Sim is a queue-level model of a corridor of four-way intersections.
// Vehicles leaving an intersection eastbound join the next intersection's
// west approach after a short trip, and westbound likewise.
type Sim struct {
	mu        sync.Mutex
	cfg       Config
	arrivals  distuv.Poisson
	nodes     []*intersection
	inTransit []trip
	step      int
	closed    bool
}

type intersection struct {
	id      string
	queues  [env.Directions][]int
	green   int
	elapsed int
}

type trip struct {
	node      int
	direction int
	arriveAt  int
}

func New(cfg Config) *Sim {
	cfg = cfg.withDefaults()
	s := &Sim{cfg: cfg, arrivals: distuv.Poisson{
		Lambda: cfg.ArrivalRate,
		Src:    rand.NewSource(uint64(cfg.Seed)),
	}}
	s.resetLocked()
	return s
}

func (s *Sim) AgentIDs() []string   { return append([]string(nil), s.cfg.AgentIDs...) }
func (s *Sim) ObservationSize() int { return env.ObservationSize }
func (s *Sim) ActionSize() int      { return env.ActionCount }

func (s *Sim) Reset(ctx context.Context) (map[string]domain.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	s.resetLocked()
	return s.observeLocked(), nil
}

func (s *Sim) resetLocked() {
	s.step = 0
	s.inTransit = nil
	s.nodes = make([]*intersection, len(s.cfg.AgentIDs))
	for i, id := range s.cfg.AgentIDs {
		s.nodes[i] = &intersection{id: id, green: env.ActionNorth}
	}
}

func (s *Sim) Step(ctx context.Context, actions map[string]int) (env.StepResult, error) {
	if err := ctx.Err(); err != nil {
		return env.StepResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return env.StepResult{}, ErrClosed
	}
	for _, n := range s.nodes {
		action, ok := actions[n.id]
		if !ok {
			action = env.ActionExtend
		}
		if action < 0 || action >= env.ActionCount {
			return env.StepResult{}, fmt.Errorf("intersection %s: action %d out of range", n.id, action)
		}
		if action != env.ActionExtend && action != n.green {
			n.green = action
			n.elapsed = 0
		} else {
			n.elapsed++
		}
	}

	s.step++
	s.arrive()
	departed := s.discharge()

	obs := s.observeLocked()
	var totalQueue, totalWait, queued int
	for _, n := range s.nodes {
		for d := 0; d < env.Directions; d++ {
			totalQueue += len(n.queues[d])
			for _, t := range n.queues[d] {
				totalWait += s.step - t
				queued++
			}
		}
	}
	vehicles := queued + len(s.inTransit)
	avgWait := 0.0
	if vehicles > 0 {
		avgWait = float64(totalWait) / float64(vehicles)
	}
	reward := -0.1*avgWait - 0.05*float64(totalQueue) + 0.01*float64(departed)
	avgSpeed := 0.0
	if vehicles > 0 {
		avgSpeed = cruiseSpeed * float64(len(s.inTransit)) / float64(vehicles)
	}

	info := env.Info{
		Step:         s.step,
		VehicleCount: vehicles,
		AvgSpeed:     avgSpeed,
		Departed:     departed,
		Queues:       make(map[string][]float64, len(s.nodes)),
		Waits:        make(map[string][]float64, len(s.nodes)),
	}
	for _, n := range s.nodes {
		q := make([]float64, env.Directions)
		w := make([]float64, env.Directions)
		for d := 0; d < env.Directions; d++ {
			q[d] = float64(len(n.queues[d]))
			w[d] = float64(s.waitLocked(n, d))
		}
		info.Queues[n.id] = q
		info.Waits[n.id] = w
	}
	return env.StepResult{
		Obs:    obs,
		Reward: reward,
		Done:   s.step >= s.cfg.EpisodeSteps,
		Info:   info,
	}, nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Sim) arrive() {
	last := len(s.nodes) - 1
	for i, n := range s.nodes {
		for d := 0; d < env.Directions; d++ {
			// Interior approaches are fed by the neighbor instead.
			if d == env.ActionWest && i > 0 || d == env.ActionEast && i < last {
				continue
			}
			for k := int(s.arrivals.Rand()); k > 0; k-- {
				n.queues[d] = append(n.queues[d], s.step)
			}
		}
	}
	kept := s.inTransit[:0]
	for _, t := range s.inTransit {
		if t.arriveAt > s.step {
			kept = append(kept, t)
			continue
		}
		node := s.nodes[t.node]
		node.queues[t.direction] = append(node.queues[t.direction], s.step)
	}
	s.inTransit = kept
}

// discharge releases vehicles on each green approach and forwards corridor
// traffic. It returns the number of vehicles served.
func (s *Sim) discharge() int {
	served := 0
	last := len(s.nodes) - 1
	for i, n := range s.nodes {
		d := n.green
		k := s.cfg.DischargeRate
		if k > len(n.queues[d]) {
			k = len(n.queues[d])
		}
		n.queues[d] = n.queues[d][k:]
		served += k
		for j := 0; j < k; j++ {
			switch {
			case d == env.ActionWest && i < last:
				s.inTransit = append(s.inTransit, trip{node: i + 1, direction: env.ActionWest, arriveAt: s.step + travelSteps})
			case d == env.ActionEast && i > 0:
				s.inTransit = append(s.inTransit, trip{node: i - 1, direction: env.ActionEast, arriveAt: s.step + travelSteps})
			}
		}
	}
	return served
}

func (s *Sim) waitLocked(n *intersection, d int) int {
	total := 0
	for _, t := range n.queues[d] {
		total += s.step - t
	}
	return total
}

func (s *Sim) observeLocked() map[string]domain.Observation {
	out := make(map[string]domain.Observation, len(s.nodes))
	for _, n := range s.nodes {
		obs := make(domain.Observation, env.ObservationSize)
		for d := 0; d < env.Directions; d++ {
			obs[env.QueueOffset+d] = float64(len(n.queues[d])) / 10.0
			obs[env.WaitOffset+d] = math.Min(float64(s.waitLocked(n, d))/60.0, 1.0)
		}
		obs[env.GreenOffset+n.green] = 1
		obs[env.ElapsedOffset] = math.Min(float64(n.elapsed)/60.0, 1.0)
		out[n.id] = obs
	}
	return out
}
