package trainer

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"traffic_marl/internal/domain"
	"traffic_marl/internal/env"
)

func summarize(runID string, episode, step int, actions map[string]int, res env.StepResult, total float64) domain.StepSummary {
	per := make(map[string]domain.AgentStep, len(actions))
	for id, a := range actions {
		per[id] = domain.AgentStep{
			Action:     a,
			ActionName: env.ActionName(a),
			Queues:     res.Info.Queues[id],
			Waits:      res.Info.Waits[id],
		}
	}
	return domain.StepSummary{
		RunID:        runID,
		Episode:      episode,
		Step:         step,
		Reward:       res.Reward,
		TotalReward:  total,
		PerAgent:     per,
		VehicleCount: res.Info.VehicleCount,
		AvgSpeed:     res.Info.AvgSpeed,
		Timestamp:    time.Now().UTC(),
	}
}

func rowsFor(ids []string, enhanced map[string][]float64) [][]float64 {
	out := make([][]float64, len(ids))
	for i, id := range ids {
		out[i] = enhanced[id]
	}
	return out
}

func actionsFor(ids []string, actions map[string]int) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = actions[id]
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var s float64
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func writeArtifact(ctx context.Context, logs Artifacts, actor, name string, v any, logger *log.Logger) {
	if logs == nil {
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Printf("encode %s failed: %v", name, err)
		return
	}
	if err := logs.WriteFile(ctx, actor, name, data); err != nil {
		logger.Printf("write %s failed: %v", name, err)
	}
}

type nopStore struct{}

func (nopStore) CreateRun(context.Context, domain.Run) error { return nil }
func (nopStore) UpdateRunStatus(context.Context, string, domain.RunStatus, string) error {
	return nil
}
func (nopStore) RecordEpisode(context.Context, domain.EpisodeMetrics) error { return nil }
func (nopStore) RecordStep(context.Context, domain.StepSummary) error       { return nil }
func (nopStore) LogEvent(context.Context, domain.RunEvent) error            { return nil }
