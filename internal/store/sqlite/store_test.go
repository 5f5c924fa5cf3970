package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"traffic_marl/internal/domain"
)

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	runID := uuid.NewString()
	if err := store.CreateRun(ctx, domain.Run{
		ID:     runID,
		Mode:   domain.RunModeTrain,
		Agents: []string{"J1_center", "J2_center"},
		Config: json.RawMessage(`{"episodes":2}`),
	}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunStatusRunning || run.Mode != domain.RunModeTrain {
		t.Fatalf("unexpected run: %+v", run)
	}
	if len(run.Agents) != 2 || run.Agents[1] != "J2_center" {
		t.Fatalf("agents not round-tripped: %v", run.Agents)
	}
	if string(run.Config) != `{"episodes":2}` {
		t.Fatalf("config not round-tripped: %s", run.Config)
	}

	if err := store.UpdateRunStatus(ctx, runID, domain.RunStatusFailed, "simulator crashed"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	run, err = store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run after update: %v", err)
	}
	if run.Status != domain.RunStatusFailed || run.LastError != "simulator crashed" {
		t.Fatalf("status not updated: %+v", run)
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != runID {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestMissingRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	if _, err := store.GetRun(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if err := store.UpdateRunStatus(ctx, "nope", domain.RunStatusDone, ""); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound on update, got %v", err)
	}
}

func TestEpisodeUpsertAndSteps(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	runID := createRun(t, store)

	for _, m := range []domain.EpisodeMetrics{
		{RunID: runID, Episode: 1, TotalReward: -10, AvgLoss: 0.5, Steps: 100, Epsilon: 0.9, TrainSteps: 68},
		{RunID: runID, Episode: 0, TotalReward: -20, AvgLoss: 0.8, Steps: 100, Epsilon: 0.95, TrainSteps: 68},
		{RunID: runID, Episode: 1, TotalReward: -5, AvgLoss: 0.4, Steps: 100, Epsilon: 0.9, TrainSteps: 68},
	} {
		if err := store.RecordEpisode(ctx, m); err != nil {
			t.Fatalf("record episode %d: %v", m.Episode, err)
		}
	}
	episodes, err := store.ListEpisodes(ctx, runID)
	if err != nil {
		t.Fatalf("list episodes: %v", err)
	}
	if len(episodes) != 2 {
		t.Fatalf("expected 2 episodes after upsert, got %d", len(episodes))
	}
	if episodes[0].Episode != 0 || episodes[1].TotalReward != -5 {
		t.Fatalf("unexpected episodes: %+v", episodes)
	}

	for step := 1; step <= 3; step++ {
		if err := store.RecordStep(ctx, domain.StepSummary{
			RunID:   runID,
			Episode: 1,
			Step:    step,
			Reward:  -0.5,
			PerAgent: map[string]domain.AgentStep{
				"J1_center": {Action: 4, ActionName: "EXTEND", Queues: []float64{1, 2, 3, 4}},
			},
		}); err != nil {
			t.Fatalf("record step %d: %v", step, err)
		}
	}
	steps, err := store.ListSteps(ctx, runID, 2)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 2 || steps[0].Step != 3 {
		t.Fatalf("expected newest two steps, got %+v", steps)
	}
	if got := steps[0].PerAgent["J1_center"]; got.ActionName != "EXTEND" || len(got.Queues) != 4 {
		t.Fatalf("per-agent data not round-tripped: %+v", got)
	}
}

func TestEventsAndModelFiles(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()
	runID := createRun(t, store)

	if err := store.LogEvent(ctx, domain.RunEvent{RunID: runID, Actor: "trainer", Action: "models_saved", Reason: "episode 50"}); err != nil {
		t.Fatalf("log event: %v", err)
	}
	events, err := store.ListEvents(ctx, runID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Action != "models_saved" || string(events[0].Payload) != "{}" {
		t.Fatalf("unexpected events: %+v", events)
	}

	if err := store.LogModelFile(ctx, domain.ModelFileLog{
		RunID:     runID,
		AgentID:   "J1_center",
		Operation: domain.FileOperationCreate,
		Path:      "./final/J1_center_model.msgpack",
		Allowed:   true,
		Reason:    "allowed",
	}); err != nil {
		t.Fatalf("log model file: %v", err)
	}
	files, err := store.ListModelFiles(ctx, runID)
	if err != nil {
		t.Fatalf("list model files: %v", err)
	}
	if len(files) != 1 || files[0].Path != "final/J1_center_model.msgpack" || !files[0].Allowed {
		t.Fatalf("unexpected model files: %+v", files)
	}
	if files[0].Operation != domain.FileOperationCreate {
		t.Fatalf("operation=%s", files[0].Operation)
	}
}

func createRun(t *testing.T, store *Store) string {
	t.Helper()
	runID := uuid.NewString()
	if err := store.CreateRun(context.Background(), domain.Run{ID: runID, Mode: domain.RunModeTrain, Agents: []string{"J1_center"}}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return runID
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}
