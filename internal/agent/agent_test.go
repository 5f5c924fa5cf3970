package agent

import (
	"bytes"
	"errors"
	"math"
	"reflect"
	"testing"
)

func newTestAgent(t *testing.T, seed int64) *Agent {
	t.Helper()
	a, err := New("J1_center", Config{ObsDim: 6, ActionDim: 5, Seed: seed, EpsilonStart: 1.0, EpsilonMin: 0.05, EpsilonDecay: 0.9})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return a
}

func TestArgmaxTieBreaksOnFirstIndex(t *testing.T) {
	if got := Argmax([]float64{1, 3, 3, 2}); got != 1 {
		t.Fatalf("argmax=%d want=1", got)
	}
	if got := Argmax([]float64{0, 0, 0}); got != 0 {
		t.Fatalf("argmax=%d want=0", got)
	}
}

func TestGreedySelectionIgnoresEpsilon(t *testing.T) {
	a := newTestAgent(t, 1)
	obs := []float64{1, 0, 0.5, 0, 0, 1}
	want := Argmax(a.ActionValues(obs))
	for i := 0; i < 50; i++ {
		if got := a.SelectAction(obs, false); got != want {
			t.Fatalf("greedy action=%d want=%d", got, want)
		}
	}
}

func TestExplorationCoversActions(t *testing.T) {
	a := newTestAgent(t, 2)
	obs := make([]float64, 6)
	seen := make(map[int]bool)
	for i := 0; i < 500; i++ {
		action := a.SelectAction(obs, true)
		if action < 0 || action >= 5 {
			t.Fatalf("action out of range: %d", action)
		}
		seen[action] = true
	}
	if len(seen) != 5 {
		t.Fatalf("expected every action explored at epsilon=1, saw %v", seen)
	}
}

func TestEpsilonMonotonicAndBounded(t *testing.T) {
	e := NewExploration(1.0, 0.05, 0.9)
	prev := e.Epsilon()
	for i := 0; i < 200; i++ {
		next := e.Decay()
		if next > prev {
			t.Fatalf("epsilon increased: %v -> %v", prev, next)
		}
		if next < 0.05 || next > 1.0 {
			t.Fatalf("epsilon out of bounds: %v", next)
		}
		prev = next
	}
	if prev != 0.05 {
		t.Fatalf("epsilon=%v want floor 0.05", prev)
	}
}

func TestApplyMovesOnlineButNotTarget(t *testing.T) {
	a := newTestAgent(t, 3)
	if !a.TargetEqualsOnline() {
		t.Fatalf("target should start equal to online")
	}
	target := a.TargetParams()
	obs := [][]float64{{1, 2, 3, 4, 5, 6}, {6, 5, 4, 3, 2, 1}}
	for step := 1; step <= 3; step++ {
		ev := a.Evaluate(obs, []int{0, 4})
		norm := a.Apply(ev, []float64{1, -1})
		if norm <= 0 || math.IsNaN(norm) {
			t.Fatalf("step %d: unexpected gradient norm %v", step, norm)
		}
		if a.TargetEqualsOnline() {
			t.Fatalf("step %d: online did not move away from target", step)
		}
		if !reflect.DeepEqual(a.TargetParams(), target) {
			t.Fatalf("step %d: target parameters changed without a sync", step)
		}
	}
	if a.TrainingStep() != 3 {
		t.Fatalf("training step=%d want=3", a.TrainingStep())
	}
	a.SyncTarget()
	if !a.TargetEqualsOnline() {
		t.Fatalf("target should equal online after sync")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	a := newTestAgent(t, 4)
	ev := a.Evaluate([][]float64{{1, 1, 1, 1, 1, 1}}, []int{2})
	a.Apply(ev, []float64{0.5})
	a.DecayEpsilon()

	var buf bytes.Buffer
	if err := EncodeCheckpoint(&buf, a.Checkpoint()); err != nil {
		t.Fatalf("encode: %v", err)
	}
	cp, err := DecodeCheckpoint(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b := newTestAgent(t, 99)
	if err := b.Restore(cp); err != nil {
		t.Fatalf("restore: %v", err)
	}
	obs := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}
	av, bv := a.ActionValues(obs), b.ActionValues(obs)
	for i := range av {
		if av[i] != bv[i] {
			t.Fatalf("q[%d]: %v vs %v", i, av[i], bv[i])
		}
	}
	if b.Epsilon() != a.Epsilon() || b.TrainingStep() != 1 {
		t.Fatalf("scalar state not restored: eps=%v step=%d", b.Epsilon(), b.TrainingStep())
	}
}

func TestRestoreRejectsMismatchedDims(t *testing.T) {
	a := newTestAgent(t, 5)
	other, err := New("J1_center", Config{ObsDim: 7, ActionDim: 5, Seed: 6})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	before := a.ActionValues(make([]float64, 6))
	if err := a.Restore(other.Checkpoint()); !errors.Is(err, ErrCheckpointMismatch) {
		t.Fatalf("expected ErrCheckpointMismatch, got %v", err)
	}
	after := a.ActionValues(make([]float64, 6))
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("rejected restore mutated the agent")
		}
	}
}

func TestRestoreRejectsOtherAgentsCheckpoint(t *testing.T) {
	a := newTestAgent(t, 7)
	other, err := New("J2_center", Config{ObsDim: 6, ActionDim: 5, Seed: 8})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	before := a.ActionValues(make([]float64, 6))
	if err := a.Restore(other.Checkpoint()); !errors.Is(err, ErrCheckpointMismatch) {
		t.Fatalf("expected ErrCheckpointMismatch for J2_center checkpoint, got %v", err)
	}
	after := a.ActionValues(make([]float64, 6))
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("rejected restore mutated the agent")
		}
	}
}

func TestZeroEpsilonStartIsGreedy(t *testing.T) {
	a, err := New("J1_center", Config{ObsDim: 6, ActionDim: 5, Seed: 9, EpsilonStart: 0})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if a.Epsilon() != 0 {
		t.Fatalf("epsilon=%v want=0", a.Epsilon())
	}
}
