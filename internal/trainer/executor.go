package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"traffic_marl/internal/baseline"
	"traffic_marl/internal/domain"
	"traffic_marl/internal/env"
	"traffic_marl/internal/policy"
)

const (
	ExecutionMetricsFile = "execution_metrics.json"
	FixedTimeMetricsFile = "fixed_time_metrics.json"
	ComparisonFile       = "performance_comparison.json"
)

// DefaultModelDirs are tried in order; the first complete set wins.
var DefaultModelDirs = []string{FinalModelDir, "episode_100", "episode_50"}

type ExecConfig struct {
	RunID     string
	RunConfig json.RawMessage
	// MaxSteps bounds the run; zero runs until ctx is cancelled.
	MaxSteps  int
	ModelDirs []string
	StepDelay time.Duration
	// GreenSteps is the fixed-time plan's green duration per direction.
	GreenSteps int
}

func (c ExecConfig) withDefaults() ExecConfig {
	if len(c.ModelDirs) == 0 {
		c.ModelDirs = DefaultModelDirs
	}
	return c
}

type ExecutionMetrics struct {
	RunID        string                    `json:"run_id"`
	ModelDir     string                    `json:"model_dir"`
	Episodes     int                       `json:"episodes"`
	Metrics      baseline.Metrics          `json:"metrics"`
	FinalQueues  map[string][]float64      `json:"final_queues"`
	ActionCounts map[string]map[string]int `json:"action_counts"`
	LastError    string                    `json:"last_error,omitempty"`
	Timestamp    time.Time                 `json:"timestamp"`
}

// Executor runs trained agents greedily and streams step summaries.
type Executor struct {
	deps Deps
	cfg  ExecConfig
}

func NewExecutor(deps Deps, cfg ExecConfig) *Executor {
	return &Executor{deps: deps.withDefaults(), cfg: cfg.withDefaults()}
}

// Execute loads the first usable model set, disables exploration and drives
// the environment, resetting it at each episode end. The metrics file is
// written on every exit path.
func (x *Executor) Execute(ctx context.Context) (ExecutionMetrics, error) {
	team := x.deps.Team
	ids := team.AgentIDs()
	if err := x.deps.Store.CreateRun(ctx, domain.Run{
		ID:     x.cfg.RunID,
		Mode:   domain.RunModeExecute,
		Status: domain.RunStatusRunning,
		Agents: ids,
		Config: x.cfg.RunConfig,
	}); err != nil {
		return ExecutionMetrics{}, fmt.Errorf("create run: %w", err)
	}

	out := ExecutionMetrics{
		RunID:        x.cfg.RunID,
		ActionCounts: make(map[string]map[string]int, len(ids)),
	}
	for _, id := range ids {
		out.ActionCounts[id] = make(map[string]int)
	}
	for _, dir := range x.cfg.ModelDirs {
		if team.LoadModels(ctx, dir) {
			out.ModelDir = dir
			break
		}
	}
	if out.ModelDir == "" {
		x.deps.Logger.Printf("no trained models found run=%s dirs=%v, executing untrained agents", x.cfg.RunID, x.cfg.ModelDirs)
		x.event(ctx, "models_load_failed", "no complete model set", map[string]any{"dirs": x.cfg.ModelDirs})
	} else {
		x.event(ctx, "models_loaded", out.ModelDir, nil)
	}
	team.SetEpsilon(0)
	x.event(ctx, "run_started", "execution", map[string]any{"model_dir": out.ModelDir})

	var rec baseline.Recorder
	err := x.loop(ctx, &rec, &out)
	out.Metrics = rec.Summary()
	out.Timestamp = time.Now().UTC()

	bg := context.WithoutCancel(ctx)
	status := domain.RunStatusDone
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Shutdown is the normal way to stop an open-ended execution.
		err = nil
	default:
		status = domain.RunStatusFailed
		out.LastError = err.Error()
	}
	writeArtifact(bg, x.deps.Logs, policy.ActorExecutor, ExecutionMetricsFile, out, x.deps.Logger)
	_ = x.deps.Store.UpdateRunStatus(bg, x.cfg.RunID, status, out.LastError)
	x.event(bg, "run_"+string(status), "execution finished", out.Metrics)
	x.deps.Logger.Printf("execution finished run=%s status=%s steps=%d avg_reward=%.3f",
		x.cfg.RunID, status, out.Metrics.Steps, out.Metrics.AvgReward)
	return out, err
}

func (x *Executor) loop(ctx context.Context, rec *baseline.Recorder, out *ExecutionMetrics) error {
	obs, err := x.deps.Env.Reset(ctx)
	if err != nil {
		return fmt.Errorf("reset environment: %w", err)
	}
	out.Episodes = 1
	step, total := 0, 0.0
	for n := 1; x.cfg.MaxSteps <= 0 || n <= x.cfg.MaxSteps; n++ {
		d, err := x.deps.Team.ActWithCoordination(ctx, obs, false)
		if err != nil {
			return fmt.Errorf("select actions: %w", err)
		}
		res, err := x.deps.Env.Step(ctx, d.Actions)
		if err != nil {
			return fmt.Errorf("step environment: %w", err)
		}
		step++
		total += res.Reward
		rec.Add(res)
		for id, a := range d.Actions {
			out.ActionCounts[id][env.ActionName(a)]++
		}
		out.FinalQueues = res.Info.Queues

		sum := summarize(x.cfg.RunID, out.Episodes, step, d.Actions, res, total)
		x.deps.Sink.Publish(sum)
		_ = x.deps.Store.RecordStep(ctx, sum)

		obs = res.Obs
		if res.Done {
			x.deps.Logger.Printf("episode finished run=%s episode=%d steps=%d reward=%.2f, resetting", x.cfg.RunID, out.Episodes, step, total)
			if obs, err = x.deps.Env.Reset(ctx); err != nil {
				return fmt.Errorf("reset environment: %w", err)
			}
			out.Episodes++
			step, total = 0, 0
		}
		if err := sleepCtx(ctx, x.cfg.StepDelay); err != nil {
			return err
		}
	}
	return nil
}

// RunFixedTime drives one episode of the fixed-time plan through the same
// environment and, when an execution report exists, writes a comparison.
func (x *Executor) RunFixedTime(ctx context.Context, maxSteps int) (baseline.Metrics, error) {
	ids := x.deps.Env.AgentIDs()
	if err := x.deps.Store.CreateRun(ctx, domain.Run{
		ID:     x.cfg.RunID,
		Mode:   domain.RunModeBaseline,
		Status: domain.RunStatusRunning,
		Agents: ids,
		Config: x.cfg.RunConfig,
	}); err != nil {
		return baseline.Metrics{}, fmt.Errorf("create run: %w", err)
	}
	ctrl := baseline.NewController(ids, x.cfg.GreenSteps)
	total := 0.0
	m, err := baseline.Run(ctx, x.deps.Env, ctrl, maxSteps, func(step int, actions map[string]int, res env.StepResult) {
		total += res.Reward
		sum := summarize(x.cfg.RunID, 1, step, actions, res, total)
		x.deps.Sink.Publish(sum)
		_ = x.deps.Store.RecordStep(ctx, sum)
	})

	bg := context.WithoutCancel(ctx)
	status := domain.RunStatusDone
	lastErr := ""
	if err != nil {
		status = domain.RunStatusFailed
		if errors.Is(err, context.Canceled) {
			status = domain.RunStatusCanceled
		}
		lastErr = err.Error()
	}
	writeArtifact(bg, x.deps.Logs, policy.ActorBaseline, FixedTimeMetricsFile, m, x.deps.Logger)
	_ = x.deps.Store.UpdateRunStatus(bg, x.cfg.RunID, status, lastErr)
	_ = x.deps.Store.LogEvent(bg, domain.RunEvent{
		RunID:   x.cfg.RunID,
		Actor:   policy.ActorBaseline,
		Action:  "run_" + string(status),
		Reason:  "fixed-time episode finished",
		Payload: mustJSON(m),
	})

	if marl, ok := x.readExecution(bg); ok {
		cmp := baseline.Compare(marl.Metrics, m)
		writeArtifact(bg, x.deps.Logs, policy.ActorBaseline, ComparisonFile, cmp, x.deps.Logger)
		x.deps.Logger.Printf("marl vs fixed-time run=%s improvement=%+.1f%%", x.cfg.RunID, cmp.ImprovementPct)
	}
	return m, err
}

func (x *Executor) readExecution(ctx context.Context) (ExecutionMetrics, bool) {
	if x.deps.Logs == nil {
		return ExecutionMetrics{}, false
	}
	raw, err := x.deps.Logs.ReadFile(ctx, policy.ActorBaseline, ExecutionMetricsFile)
	if err != nil {
		return ExecutionMetrics{}, false
	}
	var m ExecutionMetrics
	if err := json.Unmarshal(raw, &m); err != nil || m.Metrics.Steps == 0 {
		return ExecutionMetrics{}, false
	}
	return m, true
}

func (x *Executor) event(ctx context.Context, action, reason string, payload any) {
	_ = x.deps.Store.LogEvent(ctx, domain.RunEvent{
		RunID:   x.cfg.RunID,
		Actor:   policy.ActorExecutor,
		Action:  action,
		Reason:  reason,
		Payload: mustJSON(payload),
	})
}
