package baseline

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"traffic_marl/internal/env"
)

const DefaultGreenSteps = 30

// rotation is the fixed green order, starting with West.
var rotation = [env.Directions]int{env.ActionWest, env.ActionNorth, env.ActionEast, env.ActionSouth}

// Controller is a deterministic fixed-cycle signal plan: each direction is
// green for GreenSteps, and EXTEND is issued in between.
type Controller struct {
	green   int
	ids     []string
	slot    map[string]int
	elapsed map[string]int
	started bool
}

func NewController(agentIDs []string, greenSteps int) *Controller {
	if greenSteps <= 0 {
		greenSteps = DefaultGreenSteps
	}
	c := &Controller{green: greenSteps, ids: append([]string(nil), agentIDs...)}
	c.Reset()
	return c
}

func (c *Controller) Reset() {
	c.slot = make(map[string]int, len(c.ids))
	c.elapsed = make(map[string]int, len(c.ids))
	c.started = false
}

// Actions returns the next joint action.
func (c *Controller) Actions() map[string]int {
	out := make(map[string]int, len(c.ids))
	if !c.started {
		c.started = true
		for _, id := range c.ids {
			out[id] = rotation[0]
		}
		return out
	}
	for _, id := range c.ids {
		c.elapsed[id]++
		if c.elapsed[id] >= c.green {
			c.elapsed[id] = 0
			c.slot[id] = (c.slot[id] + 1) % len(rotation)
			out[id] = rotation[c.slot[id]]
			continue
		}
		out[id] = env.ActionExtend
	}
	return out
}

// Observer sees every executed step.
type Observer func(step int, actions map[string]int, res env.StepResult)

// Run drives one episode of the fixed-time plan, stopping at maxSteps or
// when the environment reports done.
func Run(ctx context.Context, e env.Environment, ctrl *Controller, maxSteps int, observe Observer) (Metrics, error) {
	if _, err := e.Reset(ctx); err != nil {
		return Metrics{}, fmt.Errorf("reset environment: %w", err)
	}
	ctrl.Reset()
	var rec Recorder
	for step := 1; maxSteps <= 0 || step <= maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return rec.Summary(), err
		}
		actions := ctrl.Actions()
		res, err := e.Step(ctx, actions)
		if err != nil {
			return rec.Summary(), fmt.Errorf("step environment: %w", err)
		}
		rec.Add(res)
		if observe != nil {
			observe(step, actions, res)
		}
		if res.Done {
			break
		}
	}
	return rec.Summary(), nil
}

type Metrics struct {
	Steps       int     `json:"steps"`
	TotalReward float64 `json:"total_reward"`
	AvgReward   float64 `json:"avg_reward"`
	StdReward   float64 `json:"std_reward"`
	AvgQueue    float64 `json:"avg_queue"`
	AvgSpeed    float64 `json:"avg_speed"`
}

// Recorder accumulates per-step rewards, total queue length and speed.
type Recorder struct {
	rewards  []float64
	queueSum float64
	speedSum float64
}

func (r *Recorder) Add(res env.StepResult) {
	r.rewards = append(r.rewards, res.Reward)
	r.speedSum += res.Info.AvgSpeed
	for _, q := range res.Info.Queues {
		for _, v := range q {
			r.queueSum += v
		}
	}
}

func (r *Recorder) Summary() Metrics {
	if len(r.rewards) == 0 {
		return Metrics{}
	}
	n := float64(len(r.rewards))
	mean, std := stat.PopMeanStdDev(r.rewards, nil)
	return Metrics{
		Steps:       len(r.rewards),
		TotalReward: floats.Sum(r.rewards),
		AvgReward:   mean,
		StdReward:   std,
		AvgQueue:    r.queueSum / n,
		AvgSpeed:    r.speedSum / n,
	}
}

type Comparison struct {
	MARL      Metrics `json:"marl"`
	FixedTime Metrics `json:"fixed_time"`
	// ImprovementPct is the relative average-reward gain of MARL over the
	// fixed plan, in percent.
	ImprovementPct float64 `json:"improvement_percentage"`
}

func Compare(marl, fixed Metrics) Comparison {
	c := Comparison{MARL: marl, FixedTime: fixed}
	if fixed.AvgReward != 0 {
		c.ImprovementPct = (marl.AvgReward - fixed.AvgReward) / math.Abs(fixed.AvgReward) * 100
	}
	return c
}
