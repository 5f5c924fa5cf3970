package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"traffic_marl/internal/coordinator"
	"traffic_marl/internal/dashboard"
	"traffic_marl/internal/domain"
	"traffic_marl/internal/env"
	"traffic_marl/internal/policy"
)

const FinalModelDir = "final"

// Team is the learning side of a run.
type Team interface {
	AgentIDs() []string
	ActWithCoordination(ctx context.Context, obs map[string]domain.Observation, explore bool) (coordinator.Decision, error)
	Remember(t domain.Transition) error
	TrainStep(batchSize int) coordinator.TrainResult
	TrainSteps() int
	Epsilon() float64
	SetEpsilon(v float64)
	SaveModels(ctx context.Context, dir string) error
	LoadModels(ctx context.Context, dir string) bool
}

type Store interface {
	CreateRun(ctx context.Context, run domain.Run) error
	UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus, lastError string) error
	RecordEpisode(ctx context.Context, m domain.EpisodeMetrics) error
	RecordStep(ctx context.Context, sum domain.StepSummary) error
	LogEvent(ctx context.Context, entry domain.RunEvent) error
}

// Artifacts holds JSON reports, typically an fs.Gateway over the logs dir.
type Artifacts interface {
	WriteFile(ctx context.Context, agentID, relPath string, content []byte) error
	ReadFile(ctx context.Context, agentID, relPath string) ([]byte, error)
}

type Deps struct {
	Team   Team
	Env    env.Environment
	Store  Store
	Logs   Artifacts
	Sink   dashboard.Sink
	Logger *log.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Store == nil {
		d.Store = nopStore{}
	}
	if d.Sink == nil {
		d.Sink = dashboard.Nop{}
	}
	if d.Logger == nil {
		d.Logger = log.Default()
	}
	return d
}

type Config struct {
	RunID     string
	RunConfig json.RawMessage
	Episodes  int
	MaxSteps  int
	SaveEvery int
	BatchSize int
	StepDelay time.Duration
	// StepLogEvery persists every n-th step summary; the dashboard sees all.
	StepLogEvery int
}

func (c Config) withDefaults() Config {
	if c.Episodes <= 0 {
		c.Episodes = 200
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 1800
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.StepLogEvery <= 0 {
		c.StepLogEvery = 10
	}
	return c
}

// Progress is the training history written to the logs directory.
type Progress struct {
	RunID     string                  `json:"run_id"`
	Episode   int                     `json:"episode"`
	Rewards   []float64               `json:"rewards"`
	Lengths   []int                   `json:"lengths"`
	Losses    []float64               `json:"losses"`
	Episodes  []domain.EpisodeMetrics `json:"episodes"`
	Timestamp time.Time               `json:"timestamp"`
}

type Summary struct {
	RunID          string    `json:"run_id"`
	TotalEpisodes  int       `json:"total_episodes"`
	FinalEpsilon   float64   `json:"final_epsilon"`
	AvgFinalReward float64   `json:"avg_final_reward"`
	TrainSteps     int       `json:"train_steps"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
}

type Trainer struct {
	deps     Deps
	cfg      Config
	progress Progress
}

func New(deps Deps, cfg Config) *Trainer {
	deps = deps.withDefaults()
	cfg = cfg.withDefaults()
	return &Trainer{deps: deps, cfg: cfg, progress: Progress{RunID: cfg.RunID}}
}

func (t *Trainer) Progress() Progress {
	return t.progress
}

// Train runs every episode, saving checkpoints every SaveEvery episodes and
// to FinalModelDir at the end. Environment failures stop the run, mark it
// failed and still persist the metrics gathered so far.
func (t *Trainer) Train(ctx context.Context) (Summary, error) {
	ids := t.deps.Team.AgentIDs()
	if err := t.deps.Store.CreateRun(ctx, domain.Run{
		ID:     t.cfg.RunID,
		Mode:   domain.RunModeTrain,
		Status: domain.RunStatusRunning,
		Agents: ids,
		Config: t.cfg.RunConfig,
	}); err != nil {
		return Summary{}, fmt.Errorf("create run: %w", err)
	}
	t.event(ctx, "run_started", fmt.Sprintf("training %d episodes", t.cfg.Episodes), map[string]any{
		"episodes":  t.cfg.Episodes,
		"max_steps": t.cfg.MaxSteps,
		"agents":    ids,
	})
	t.deps.Logger.Printf("training started run=%s episodes=%d agents=%v", t.cfg.RunID, t.cfg.Episodes, ids)

	for episode := 1; episode <= t.cfg.Episodes; episode++ {
		m, err := t.episode(ctx, episode)
		if m.Steps > 0 {
			t.record(ctx, m)
		}
		if err != nil {
			return t.fail(ctx, episode, err)
		}
		t.deps.Logger.Printf("episode done run=%s episode=%d reward=%.2f loss=%.4f steps=%d epsilon=%.3f",
			t.cfg.RunID, episode, m.TotalReward, m.AvgLoss, m.Steps, m.Epsilon)

		if t.cfg.SaveEvery > 0 && episode%t.cfg.SaveEvery == 0 {
			dir := fmt.Sprintf("episode_%d", episode)
			if err := t.deps.Team.SaveModels(ctx, dir); err != nil {
				t.deps.Logger.Printf("save models failed run=%s dir=%s: %v", t.cfg.RunID, dir, err)
			} else {
				t.event(ctx, "models_saved", dir, map[string]any{"episode": episode})
			}
			t.writeJSON(ctx, fmt.Sprintf("training_progress_ep%d.json", episode), t.progress)
		}
	}

	if err := t.deps.Team.SaveModels(ctx, FinalModelDir); err != nil {
		return t.fail(ctx, t.cfg.Episodes, fmt.Errorf("save final models: %w", err))
	}
	t.event(ctx, "models_saved", FinalModelDir, map[string]any{"episode": t.cfg.Episodes})
	summary := t.summary(domain.RunStatusDone)
	t.writeJSON(ctx, "training_summary.json", summary)
	_ = t.deps.Store.UpdateRunStatus(ctx, t.cfg.RunID, domain.RunStatusDone, "")
	t.event(ctx, "run_done", "training finished", summary)
	return summary, nil
}

// episode plays one episode. A transition is stored once the next decision
// is known, so NextObs is the observation that decision actually used.
func (t *Trainer) episode(ctx context.Context, episode int) (domain.EpisodeMetrics, error) {
	m := domain.EpisodeMetrics{RunID: t.cfg.RunID, Episode: episode}
	team := t.deps.Team
	ids := team.AgentIDs()

	obs, err := t.deps.Env.Reset(ctx)
	if err != nil {
		return m, fmt.Errorf("reset environment: %w", err)
	}
	var pending *domain.Transition
	var lossSum float64
	syncs := 0
	train := func() {
		res := team.TrainStep(t.cfg.BatchSize)
		if res.Trained {
			lossSum += res.Loss
		}
		if res.Synced {
			syncs++
		}
	}

	for step := 1; step <= t.cfg.MaxSteps; step++ {
		d, err := team.ActWithCoordination(ctx, obs, true)
		if err != nil {
			return t.closeEpisode(m, lossSum, syncs), fmt.Errorf("select actions: %w", err)
		}
		if pending != nil {
			pending.NextObs = rowsFor(ids, d.Enhanced)
			if err := team.Remember(*pending); err != nil {
				t.deps.Logger.Printf("remember transition failed run=%s: %v", t.cfg.RunID, err)
			}
			train()
		}

		res, err := t.deps.Env.Step(ctx, d.Actions)
		if err != nil {
			return t.closeEpisode(m, lossSum, syncs), fmt.Errorf("step environment: %w", err)
		}
		m.Steps++
		m.TotalReward += res.Reward

		sum := summarize(t.cfg.RunID, episode, step, d.Actions, res, m.TotalReward)
		t.deps.Sink.Publish(sum)
		if step%t.cfg.StepLogEvery == 0 {
			_ = t.deps.Store.RecordStep(ctx, sum)
		}

		pending = &domain.Transition{
			Obs:     rowsFor(ids, d.Enhanced),
			Actions: actionsFor(ids, d.Actions),
			Reward:  res.Reward,
			Done:    res.Done,
		}
		obs = res.Obs
		if res.Done || step == t.cfg.MaxSteps {
			next := make([][]float64, len(ids))
			for i, id := range ids {
				next[i] = coordinator.PaddedObservation(res.Obs[id])
			}
			pending.NextObs = next
			if err := team.Remember(*pending); err != nil {
				t.deps.Logger.Printf("remember transition failed run=%s: %v", t.cfg.RunID, err)
			}
			train()
			break
		}
		if err := sleepCtx(ctx, t.cfg.StepDelay); err != nil {
			return t.closeEpisode(m, lossSum, syncs), err
		}
	}
	return t.closeEpisode(m, lossSum, syncs), nil
}

func (t *Trainer) closeEpisode(m domain.EpisodeMetrics, lossSum float64, syncs int) domain.EpisodeMetrics {
	if m.Steps > 0 {
		m.AvgLoss = lossSum / float64(m.Steps)
	}
	m.Epsilon = t.deps.Team.Epsilon()
	m.TrainSteps = t.deps.Team.TrainSteps()
	m.CreatedAt = time.Now().UTC()
	if syncs > 0 {
		t.event(context.Background(), "target_synced", fmt.Sprintf("episode %d", m.Episode), map[string]any{
			"syncs":      syncs,
			"train_step": m.TrainSteps,
		})
	}
	return m
}

func (t *Trainer) record(ctx context.Context, m domain.EpisodeMetrics) {
	t.progress.Episode = m.Episode
	t.progress.Rewards = append(t.progress.Rewards, m.TotalReward)
	t.progress.Lengths = append(t.progress.Lengths, m.Steps)
	t.progress.Losses = append(t.progress.Losses, m.AvgLoss)
	t.progress.Episodes = append(t.progress.Episodes, m)
	t.progress.Timestamp = time.Now().UTC()
	if err := t.deps.Store.RecordEpisode(context.WithoutCancel(ctx), m); err != nil {
		t.deps.Logger.Printf("record episode failed run=%s episode=%d: %v", t.cfg.RunID, m.Episode, err)
	}
}

func (t *Trainer) fail(ctx context.Context, episode int, cause error) (Summary, error) {
	bg := context.WithoutCancel(ctx)
	status := domain.RunStatusFailed
	if errors.Is(cause, context.Canceled) {
		status = domain.RunStatusCanceled
	}
	t.deps.Logger.Printf("training stopped run=%s episode=%d status=%s: %v", t.cfg.RunID, episode, status, cause)
	summary := t.summary(status)
	t.writeJSON(bg, fmt.Sprintf("training_progress_ep%d.json", episode), t.progress)
	t.writeJSON(bg, "training_summary.json", summary)
	_ = t.deps.Store.UpdateRunStatus(bg, t.cfg.RunID, status, cause.Error())
	t.event(bg, "run_failed", cause.Error(), map[string]any{"episode": episode, "status": status})
	return summary, cause
}

func (t *Trainer) summary(status domain.RunStatus) Summary {
	rewards := t.progress.Rewards
	tail := rewards
	if len(tail) > 10 {
		tail = tail[len(tail)-10:]
	}
	return Summary{
		RunID:          t.cfg.RunID,
		TotalEpisodes:  len(rewards),
		FinalEpsilon:   t.deps.Team.Epsilon(),
		AvgFinalReward: mean(tail),
		TrainSteps:     t.deps.Team.TrainSteps(),
		Status:         string(status),
		Timestamp:      time.Now().UTC(),
	}
}

func (t *Trainer) event(ctx context.Context, action, reason string, payload any) {
	_ = t.deps.Store.LogEvent(ctx, domain.RunEvent{
		RunID:   t.cfg.RunID,
		Actor:   policy.ActorTrainer,
		Action:  action,
		Reason:  reason,
		Payload: mustJSON(payload),
	})
}

func (t *Trainer) writeJSON(ctx context.Context, name string, v any) {
	writeArtifact(ctx, t.deps.Logs, policy.ActorTrainer, name, v, t.deps.Logger)
}
