package coordinator

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"traffic_marl/internal/comm"
	"traffic_marl/internal/domain"
	"traffic_marl/internal/env"
	"traffic_marl/internal/messaging"
	"traffic_marl/internal/nn"
)

const (
	j1 = "J1_center"
	j2 = "J2_center"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testConfig(comms bool) Config {
	return Config{
		AgentIDs:            []string{j1, j2},
		Neighbors:           map[string][]string{j1: {j2}, j2: {j1}},
		ObsDim:              env.ObservationSize,
		ActionDim:           env.ActionCount,
		LearningRate:        0.001,
		Gamma:               0.99,
		EpsilonStart:        1.0,
		EpsilonMin:          0.05,
		EpsilonDecay:        0.9995,
		CentralBufferSize:   1000,
		TargetUpdateFreq:    10,
		EnableCommunication: comms,
		PropagationDelay:    100 * time.Millisecond,
		Seed:                42,
	}
}

func newHarness(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	c, err := New(cfg, nil, nil, quietLogger())
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func randomObs(rng *rand.Rand) domain.Observation {
	obs := make(domain.Observation, env.ObservationSize)
	for i := range obs {
		obs[i] = rng.Float64()
	}
	return obs
}

func fillBuffer(t *testing.T, c *Coordinator, n int, rng *rand.Rand) {
	t.Helper()
	for i := 0; i < n; i++ {
		tr := domain.Transition{
			Obs:     [][]float64{PaddedObservation(randomObs(rng)), PaddedObservation(randomObs(rng))},
			Actions: []int{rng.Intn(env.ActionCount), rng.Intn(env.ActionCount)},
			Reward:  rng.Float64()*2 - 1,
			NextObs: [][]float64{PaddedObservation(randomObs(rng)), PaddedObservation(randomObs(rng))},
			Done:    i%10 == 9,
		}
		if err := c.Remember(tr); err != nil {
			t.Fatalf("remember: %v", err)
		}
	}
}

func TestEnhancedObservationLengthIsFixed(t *testing.T) {
	c := newHarness(t, testConfig(false))
	base := make([]float64, env.ObservationSize)
	state := func(sender string) domain.Message {
		return domain.Message{Sender: sender, Type: domain.MessageTypeStateUpdate, State: &domain.StateUpdate{Queue: []float64{1, 2, 3, 4}}}
	}
	cases := []map[string]domain.Message{
		nil,
		{j2: state(j2)},
		{j2: state(j2), "J3_center": state("J3_center"), "J4_center": state("J4_center")},
	}
	for i, msgs := range cases {
		got := c.EnhancedObservation(j1, base, msgs)
		if len(got) != env.ObservationSize+comm.NeighborFeatures {
			t.Fatalf("case %d: enhanced len=%d want=%d", i, len(got), env.ObservationSize+comm.NeighborFeatures)
		}
	}
}

func TestTrainStepEndToEnd(t *testing.T) {
	c := newHarness(t, testConfig(false))
	rng := rand.New(rand.NewSource(1))

	if res := c.TrainStep(32); res.Trained || res.Loss != 0 || res.GradNorm != 0 {
		t.Fatalf("expected no-op on empty buffer, got %+v", res)
	}
	fillBuffer(t, c, 40, rng)
	before := c.Epsilon()

	res := c.TrainStep(32)
	if !res.Trained {
		t.Fatalf("expected a training step")
	}
	if math.IsNaN(res.Loss) || res.Loss < 0 {
		t.Fatalf("unexpected loss %v", res.Loss)
	}
	if res.GradNorm <= 0 || math.IsNaN(res.GradNorm) {
		t.Fatalf("unexpected grad norm %v", res.GradNorm)
	}
	if c.BufferLen() != 40 {
		t.Fatalf("buffer len=%d want=40", c.BufferLen())
	}
	want := math.Max(0.05, before*0.9995)
	for _, id := range c.AgentIDs() {
		if got := c.Agent(id).Epsilon(); math.Abs(got-want) > 1e-12 {
			t.Fatalf("agent %s epsilon=%v want=%v", id, got, want)
		}
		if c.Agent(id).TargetEqualsOnline() {
			t.Fatalf("agent %s target moved before sync", id)
		}
	}
}

func TestTrainStepOnIdenticalZeroTransitions(t *testing.T) {
	c := newHarness(t, testConfig(false))
	width := env.ObservationSize + comm.NeighborFeatures
	zero := make([]float64, width)
	for i := 0; i < 40; i++ {
		tr := domain.Transition{
			Obs:     [][]float64{make([]float64, width), make([]float64, width)},
			Actions: []int{0, 0},
			Reward:  -1,
			NextObs: [][]float64{make([]float64, width), make([]float64, width)},
		}
		if err := c.Remember(tr); err != nil {
			t.Fatalf("remember %d: %v", i, err)
		}
	}

	var qTot, nextTot float64
	for _, id := range c.AgentIDs() {
		a := c.Agent(id)
		qTot += a.ActionValues(zero)[0]
		nextTot += a.MaxTargetValues([][]float64{zero})[0]
	}
	y := -1 + 0.99*nextTot
	want := (qTot - y) * (qTot - y)
	before := c.Epsilon()

	res := c.TrainStep(32)
	if !res.Trained {
		t.Fatalf("expected a training step")
	}
	if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) || math.Abs(res.Loss-want) > 1e-9 {
		t.Fatalf("loss=%v want=%v", res.Loss, want)
	}
	if c.BufferLen() != 40 || c.TrainSteps() != 1 {
		t.Fatalf("buffer len=%d steps=%d", c.BufferLen(), c.TrainSteps())
	}
	if got := c.Epsilon(); math.Abs(got-before*0.9995) > 1e-12 {
		t.Fatalf("epsilon=%v want=%v", got, before*0.9995)
	}
}

func TestTrainStepShortBufferChangesNothing(t *testing.T) {
	c := newHarness(t, testConfig(false))
	fillBuffer(t, c, 10, rand.New(rand.NewSource(2)))
	obs := PaddedObservation(make([]float64, env.ObservationSize))
	q := c.Agent(j1).ActionValues(obs)
	if res := c.TrainStep(32); res.Trained {
		t.Fatalf("expected sentinel result")
	}
	after := c.Agent(j1).ActionValues(obs)
	for i := range q {
		if q[i] != after[i] {
			t.Fatalf("parameters changed without training")
		}
	}
	if c.Epsilon() != 1.0 || c.TrainSteps() != 0 {
		t.Fatalf("epsilon=%v steps=%d, expected untouched", c.Epsilon(), c.TrainSteps())
	}
}

func TestTargetSyncCadence(t *testing.T) {
	cfg := testConfig(false)
	cfg.TargetUpdateFreq = 3
	c := newHarness(t, cfg)
	fillBuffer(t, c, 40, rand.New(rand.NewSource(3)))
	synced := make(map[string]nn.Params)
	for _, id := range c.AgentIDs() {
		synced[id] = c.Agent(id).TargetParams()
	}
	for step := 1; step <= 7; step++ {
		res := c.TrainStep(8)
		wantSync := step%3 == 0
		if res.Synced != wantSync {
			t.Fatalf("step %d synced=%v want=%v", step, res.Synced, wantSync)
		}
		for _, id := range c.AgentIDs() {
			a := c.Agent(id)
			if got := a.TargetEqualsOnline(); got != wantSync {
				t.Fatalf("step %d agent %s target==online is %v", step, id, got)
			}
			if wantSync {
				if reflect.DeepEqual(a.TargetParams(), synced[id]) {
					t.Fatalf("step %d agent %s target did not refresh at sync", step, id)
				}
				synced[id] = a.TargetParams()
				continue
			}
			if !reflect.DeepEqual(a.TargetParams(), synced[id]) {
				t.Fatalf("step %d agent %s target drifted between syncs", step, id)
			}
		}
	}
}

func TestEpsilonNonIncreasingAcrossTraining(t *testing.T) {
	cfg := testConfig(false)
	cfg.EpsilonDecay = 0.5
	c := newHarness(t, cfg)
	fillBuffer(t, c, 20, rand.New(rand.NewSource(4)))
	prev := c.Epsilon()
	for i := 0; i < 10; i++ {
		c.TrainStep(8)
		eps := c.Epsilon()
		if eps > prev || eps < cfg.EpsilonMin {
			t.Fatalf("epsilon %v after %v", eps, prev)
		}
		prev = eps
	}
	if prev != cfg.EpsilonMin {
		t.Fatalf("epsilon=%v want floor %v", prev, cfg.EpsilonMin)
	}
}

func TestSaveLoadAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	c := newHarness(t, testConfig(false))
	fillBuffer(t, c, 40, rand.New(rand.NewSource(5)))
	c.TrainStep(16)
	if err := c.SaveModels(ctx, dir); err != nil {
		t.Fatalf("save models: %v", err)
	}
	for _, id := range c.AgentIDs() {
		if _, err := os.Stat(filepath.Join(dir, ModelFileName(id))); err != nil {
			t.Fatalf("expected model file for %s: %v", id, err)
		}
	}

	fresh := newHarness(t, func() Config { cfg := testConfig(false); cfg.Seed = 77; return cfg }())
	obs := PaddedObservation(randomObs(rand.New(rand.NewSource(6))))
	original := map[string][]float64{}
	for _, id := range fresh.AgentIDs() {
		original[id] = fresh.Agent(id).ActionValues(obs)
	}

	partial := t.TempDir()
	raw, err := os.ReadFile(filepath.Join(dir, ModelFileName(j1)))
	if err != nil {
		t.Fatalf("read saved model: %v", err)
	}
	if err := os.WriteFile(filepath.Join(partial, ModelFileName(j1)), raw, 0o644); err != nil {
		t.Fatalf("copy model: %v", err)
	}
	if fresh.LoadModels(ctx, partial) {
		t.Fatalf("expected load to fail with a missing file")
	}
	for _, id := range fresh.AgentIDs() {
		got := fresh.Agent(id).ActionValues(obs)
		for i := range got {
			if got[i] != original[id][i] {
				t.Fatalf("agent %s mutated by failed load", id)
			}
		}
	}

	if err := os.WriteFile(filepath.Join(partial, ModelFileName(j2)), []byte("not msgpack"), 0o644); err != nil {
		t.Fatalf("write corrupt model: %v", err)
	}
	if fresh.LoadModels(ctx, partial) {
		t.Fatalf("expected load to fail with a corrupt file")
	}
	if got := fresh.Agent(j1).ActionValues(obs); got[0] != original[j1][0] {
		t.Fatalf("agent %s mutated by corrupt load", j1)
	}

	if !fresh.LoadModels(ctx, dir) {
		t.Fatalf("expected full load to succeed")
	}
	if fresh.TrainSteps() != c.TrainSteps() {
		t.Fatalf("train steps=%d want=%d", fresh.TrainSteps(), c.TrainSteps())
	}
	for _, id := range fresh.AgentIDs() {
		want := c.Agent(id).ActionValues(obs)
		got := fresh.Agent(id).ActionValues(obs)
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("agent %s q[%d]=%v want=%v", id, i, got[i], want[i])
			}
		}
		if fresh.Agent(id).Epsilon() != c.Agent(id).Epsilon() {
			t.Fatalf("agent %s epsilon not restored", id)
		}
	}
}

func TestLoadModelsResumesSyncCadence(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(false)
	cfg.TargetUpdateFreq = 3
	c := newHarness(t, cfg)
	fillBuffer(t, c, 40, rand.New(rand.NewSource(10)))
	for i := 0; i < 5; i++ {
		c.TrainStep(8)
	}
	dir := t.TempDir()
	if err := c.SaveModels(ctx, dir); err != nil {
		t.Fatalf("save models: %v", err)
	}

	fresh := newHarness(t, cfg)
	if !fresh.LoadModels(ctx, dir) {
		t.Fatalf("expected load to succeed")
	}
	if fresh.TrainSteps() != 5 {
		t.Fatalf("train steps=%d want=5", fresh.TrainSteps())
	}
	fillBuffer(t, fresh, 40, rand.New(rand.NewSource(11)))
	if res := fresh.TrainStep(8); !res.Synced || res.Step != 6 {
		t.Fatalf("expected sync at resumed step 6, got %+v", res)
	}
}

func TestLoadModelsRejectsSwappedFiles(t *testing.T) {
	ctx := context.Background()
	c := newHarness(t, testConfig(false))
	dir := t.TempDir()
	if err := c.SaveModels(ctx, dir); err != nil {
		t.Fatalf("save models: %v", err)
	}
	swapped := t.TempDir()
	for _, pair := range [][2]string{{j1, j2}, {j2, j1}} {
		raw, err := os.ReadFile(filepath.Join(dir, ModelFileName(pair[0])))
		if err != nil {
			t.Fatalf("read model: %v", err)
		}
		if err := os.WriteFile(filepath.Join(swapped, ModelFileName(pair[1])), raw, 0o644); err != nil {
			t.Fatalf("write model: %v", err)
		}
	}
	if c.LoadModels(ctx, swapped) {
		t.Fatalf("expected swapped checkpoints to be rejected")
	}
}

func TestLoadModelsRejectsMixedTrainingSteps(t *testing.T) {
	ctx := context.Background()
	c := newHarness(t, testConfig(false))
	fillBuffer(t, c, 40, rand.New(rand.NewSource(12)))
	c.TrainStep(8)
	early := t.TempDir()
	if err := c.SaveModels(ctx, early); err != nil {
		t.Fatalf("save early models: %v", err)
	}
	c.TrainStep(8)
	late := t.TempDir()
	if err := c.SaveModels(ctx, late); err != nil {
		t.Fatalf("save late models: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(late, ModelFileName(j2)))
	if err != nil {
		t.Fatalf("read late model: %v", err)
	}
	if err := os.WriteFile(filepath.Join(early, ModelFileName(j2)), raw, 0o644); err != nil {
		t.Fatalf("mix models: %v", err)
	}

	fresh := newHarness(t, testConfig(false))
	if fresh.LoadModels(ctx, early) {
		t.Fatalf("expected checkpoints from different steps to be rejected")
	}
	if fresh.TrainSteps() != 0 {
		t.Fatalf("train steps=%d after rejected load", fresh.TrainSteps())
	}
}

func TestActWithCoordinationSharesIntent(t *testing.T) {
	c := newHarness(t, testConfig(true))
	rng := rand.New(rand.NewSource(7))
	obs := map[string]domain.Observation{j1: randomObs(rng), j2: randomObs(rng)}

	d, err := c.ActWithCoordination(context.Background(), obs, false)
	if err != nil {
		t.Fatalf("act with coordination: %v", err)
	}
	base := env.ObservationSize
	for _, pair := range [][2]string{{j1, j2}, {j2, j1}} {
		self, other := pair[0], pair[1]
		enhanced := d.Enhanced[self]
		if len(enhanced) != base+comm.NeighborFeatures {
			t.Fatalf("%s enhanced len=%d", self, len(enhanced))
		}
		queues := env.Queues(obs[other])
		for i := 0; i < 4; i++ {
			if enhanced[base+i] != queues[i] {
				t.Fatalf("%s neighbor queue[%d]=%v want=%v", self, i, enhanced[base+i], queues[i])
			}
		}
		if int(enhanced[base+4]) != env.CurrentPhase(obs[other]) {
			t.Fatalf("%s neighbor phase=%v", self, enhanced[base+4])
		}
		if int(enhanced[base+5]) != d.Intended[other] {
			t.Fatalf("%s neighbor intent=%v want=%d", self, enhanced[base+5], d.Intended[other])
		}
		if a := d.Actions[self]; a < 0 || a >= env.ActionCount {
			t.Fatalf("%s action out of range: %d", self, a)
		}
	}
}

type lossyTransport struct{}

func (lossyTransport) Publish(context.Context, string, []byte) error {
	return errors.New("dropped")
}

func (lossyTransport) Subscribe(...string) (messaging.Subscription, error) {
	return &silentSubscription{ch: make(chan []byte)}, nil
}

func (lossyTransport) Close() error { return nil }

type silentSubscription struct{ ch chan []byte }

func (s *silentSubscription) Messages() <-chan []byte { return s.ch }
func (s *silentSubscription) Close() error            { return nil }

func TestTotalMessageLossFallsBackToZeroPadding(t *testing.T) {
	cfg := testConfig(true)
	cfg.PropagationDelay = 5 * time.Millisecond
	c, err := New(cfg, lossyTransport{}, nil, quietLogger())
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	defer c.Close()
	rng := rand.New(rand.NewSource(8))
	obs := map[string]domain.Observation{j1: randomObs(rng), j2: randomObs(rng)}
	d, err := c.ActWithCoordination(context.Background(), obs, true)
	if err != nil {
		t.Fatalf("act: %v", err)
	}
	for id, enhanced := range d.Enhanced {
		for i, v := range enhanced[env.ObservationSize:] {
			if v != 0 {
				t.Fatalf("%s neighbor feature %d=%v, want zero", id, i, v)
			}
		}
	}
	if c.ChannelStats()[j1].PublishFailures != 1 {
		t.Fatalf("expected one swallowed publish failure, got %+v", c.ChannelStats()[j1])
	}
}

func TestActWithCoordinationHonorsCancel(t *testing.T) {
	c := newHarness(t, testConfig(true))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rng := rand.New(rand.NewSource(9))
	obs := map[string]domain.Observation{j1: randomObs(rng), j2: randomObs(rng)}
	if _, err := c.ActWithCoordination(ctx, obs, true); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRememberRejectsBadShapes(t *testing.T) {
	c := newHarness(t, testConfig(false))
	bad := domain.Transition{
		Obs:     [][]float64{make([]float64, env.ObservationSize), make([]float64, env.ObservationSize)},
		Actions: []int{0, 0},
		NextObs: [][]float64{make([]float64, env.ObservationSize), make([]float64, env.ObservationSize)},
	}
	if err := c.Remember(bad); err == nil {
		t.Fatalf("expected width error for unpadded observations")
	}
	if c.BufferLen() != 0 {
		t.Fatalf("rejected transition stored")
	}
}

func TestActRejectsMissingObservation(t *testing.T) {
	c := newHarness(t, testConfig(false))
	if _, err := c.Act(map[string]domain.Observation{j1: make(domain.Observation, env.ObservationSize)}, false); err == nil {
		t.Fatalf("expected error for missing agent observation")
	}
}
