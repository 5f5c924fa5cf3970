package agent

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"

	"traffic_marl/internal/nn"
)

const (
	DefaultHidden      = 64
	DefaultMaxGradNorm = 1.0
)

var ErrCheckpointMismatch = errors.New("checkpoint does not match agent")

type Config struct {
	ObsDim       int
	ActionDim    int
	Hidden       int
	LearningRate float64
	EpsilonStart float64
	EpsilonMin   float64
	EpsilonDecay float64
	MaxGradNorm  float64
	Seed         int64
}

func (c Config) withDefaults() Config {
	if c.Hidden <= 0 {
		c.Hidden = DefaultHidden
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.001
	}
	if c.EpsilonStart < 0 || c.EpsilonStart > 1 {
		c.EpsilonStart = 1.0
	}
	if c.EpsilonMin < 0 {
		c.EpsilonMin = 0
	}
	if c.EpsilonDecay <= 0 || c.EpsilonDecay > 1 {
		c.EpsilonDecay = 0.9995
	}
	if c.MaxGradNorm <= 0 {
		c.MaxGradNorm = DefaultMaxGradNorm
	}
	return c
}

// Agent is one intersection's Q-value estimator: an online network trained by
// Adam and a target network refreshed only by SyncTarget.
type Agent struct {
	id           string
	cfg          Config
	online       *nn.MLP
	target       *nn.MLP
	opt          *nn.Adam
	exploration  *Exploration
	rng          *rand.Rand
	trainingStep int
}

// Evaluation is a batched forward pass kept for the matching backward pass.
type Evaluation struct {
	Chosen  []float64
	acts    nn.Activations
	actions []int
}

func New(id string, cfg Config) (*Agent, error) {
	if cfg.ObsDim <= 0 || cfg.ActionDim <= 0 {
		return nil, fmt.Errorf("agent %s: obs_dim=%d action_dim=%d must be positive", id, cfg.ObsDim, cfg.ActionDim)
	}
	cfg = cfg.withDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	online := nn.NewMLP(rng, cfg.ObsDim, cfg.Hidden, cfg.Hidden, cfg.ActionDim)
	return &Agent{
		id:          id,
		cfg:         cfg,
		online:      online,
		target:      online.Clone(),
		opt:         nn.NewAdam(online, cfg.LearningRate),
		exploration: NewExploration(cfg.EpsilonStart, cfg.EpsilonMin, cfg.EpsilonDecay),
		rng:         rng,
	}, nil
}

func (a *Agent) ID() string     { return a.id }
func (a *Agent) ObsDim() int    { return a.cfg.ObsDim }
func (a *Agent) ActionDim() int { return a.cfg.ActionDim }

func (a *Agent) Epsilon() float64 {
	return a.exploration.Epsilon()
}

// SetEpsilon pins exploration, e.g. to 0 for evaluation runs.
func (a *Agent) SetEpsilon(v float64) {
	a.exploration.Set(v)
}

func (a *Agent) DecayEpsilon() float64 {
	return a.exploration.Decay()
}

func (a *Agent) TrainingStep() int {
	return a.trainingStep
}

func (a *Agent) ActionValues(obs []float64) []float64 {
	return a.online.Forward(obs)
}

func (a *Agent) TargetValues(obs []float64) []float64 {
	return a.target.Forward(obs)
}

// SelectAction is epsilon-greedy when explore is set, greedy otherwise.
func (a *Agent) SelectAction(obs []float64, explore bool) int {
	if explore && a.rng.Float64() < a.exploration.Epsilon() {
		return a.rng.Intn(a.cfg.ActionDim)
	}
	return Argmax(a.ActionValues(obs))
}

// MaxTargetValues returns max_a Q_target(s, a) for every row of obs.
func (a *Agent) MaxTargetValues(obs [][]float64) []float64 {
	acts := a.target.ForwardBatch(rows(obs))
	out := acts[len(acts)-1]
	n, _ := out.Dims()
	best := make([]float64, n)
	for i := 0; i < n; i++ {
		row := out.RawRowView(i)
		best[i] = row[Argmax(row)]
	}
	return best
}

// Evaluate runs the online network on obs and gathers the value of each
// row's chosen action.
func (a *Agent) Evaluate(obs [][]float64, actions []int) *Evaluation {
	acts := a.online.ForwardBatch(rows(obs))
	out := acts[len(acts)-1]
	chosen := make([]float64, len(actions))
	for i, action := range actions {
		chosen[i] = out.At(i, action)
	}
	return &Evaluation{Chosen: chosen, acts: acts, actions: append([]int(nil), actions...)}
}

// Apply backpropagates dChosen (dL/dQ for each chosen action), clips the
// gradient norm and takes one Adam step. It returns the pre-clip norm.
func (a *Agent) Apply(ev *Evaluation, dChosen []float64) float64 {
	dOut := mat.NewDense(len(ev.actions), a.cfg.ActionDim, nil)
	for i, action := range ev.actions {
		dOut.Set(i, action, dChosen[i])
	}
	grads := a.online.Backward(ev.acts, dOut)
	norm := grads.ClipNorm(a.cfg.MaxGradNorm)
	a.opt.Step(a.online, grads)
	a.trainingStep++
	return norm
}

// SyncTarget copies the online parameters into the target network verbatim.
func (a *Agent) SyncTarget() {
	_ = a.target.CopyFrom(a.online)
}

// TargetParams snapshots the target network's parameters.
func (a *Agent) TargetParams() nn.Params {
	return a.target.Params()
}

// TargetEqualsOnline reports whether the two networks hold identical parameters.
func (a *Agent) TargetEqualsOnline() bool {
	return a.target.Equal(a.online)
}

func (a *Agent) Checkpoint() Checkpoint {
	return Checkpoint{
		AgentID:      a.id,
		Online:       a.online.Params(),
		Target:       a.target.Params(),
		Optimizer:    a.opt.State(),
		Epsilon:      a.exploration.Epsilon(),
		TrainingStep: a.trainingStep,
		ObsDim:       a.cfg.ObsDim,
		ActionDim:    a.cfg.ActionDim,
		SavedAt:      time.Now().UTC(),
	}
}

// Validate checks that cp can be restored into a without touching a.
func (a *Agent) Validate(cp Checkpoint) error {
	if cp.AgentID != a.id {
		return fmt.Errorf("agent %s loading checkpoint of %s: %w", a.id, cp.AgentID, ErrCheckpointMismatch)
	}
	if cp.ObsDim != a.cfg.ObsDim || cp.ActionDim != a.cfg.ActionDim {
		return fmt.Errorf("agent %s dims %dx%d vs checkpoint %dx%d: %w", a.id, a.cfg.ObsDim, a.cfg.ActionDim, cp.ObsDim, cp.ActionDim, ErrCheckpointMismatch)
	}
	scratch := a.online.Clone()
	if err := scratch.SetParams(cp.Online); err != nil {
		return fmt.Errorf("online params: %w", err)
	}
	if err := scratch.SetParams(cp.Target); err != nil {
		return fmt.Errorf("target params: %w", err)
	}
	if err := a.opt.Validate(cp.Optimizer); err != nil {
		return fmt.Errorf("optimizer state: %w", err)
	}
	return nil
}

// Restore applies cp. It validates first so a rejected checkpoint leaves the
// agent untouched.
func (a *Agent) Restore(cp Checkpoint) error {
	if err := a.Validate(cp); err != nil {
		return err
	}
	_ = a.online.SetParams(cp.Online)
	_ = a.target.SetParams(cp.Target)
	_ = a.opt.SetState(cp.Optimizer)
	a.exploration.Set(cp.Epsilon)
	a.trainingStep = cp.TrainingStep
	return nil
}

// Argmax returns the index of the largest value; ties resolve to the first.
func Argmax(values []float64) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}

func rows(obs [][]float64) *mat.Dense {
	if len(obs) == 0 {
		panic("agent: empty batch")
	}
	width := len(obs[0])
	data := make([]float64, 0, len(obs)*width)
	for _, row := range obs {
		data = append(data, row...)
	}
	return mat.NewDense(len(obs), width, data)
}
