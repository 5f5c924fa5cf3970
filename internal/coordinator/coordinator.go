package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"time"

	"traffic_marl/internal/agent"
	"traffic_marl/internal/comm"
	"traffic_marl/internal/domain"
	"traffic_marl/internal/env"
	"traffic_marl/internal/messaging"
	"traffic_marl/internal/messaging/inproc"
	"traffic_marl/internal/mixer"
	"traffic_marl/internal/policy"
	"traffic_marl/internal/replay"
)

// Config parameterizes the team. Gamma is used as given in [0, 1], so zero
// trains a myopic team.
type Config struct {
	// AgentIDs fixes the agent order used in transitions.
	AgentIDs            []string
	Neighbors           map[string][]string
	ObsDim              int
	ActionDim           int
	LearningRate        float64
	Gamma               float64
	EpsilonStart        float64
	EpsilonMin          float64
	EpsilonDecay        float64
	CentralBufferSize   int
	TargetUpdateFreq    int
	EnableCommunication bool
	PropagationDelay    time.Duration
	TopicPrefix         string
	PollInterval        time.Duration
	Seed                int64
}

func (c Config) withDefaults() Config {
	if c.ActionDim <= 0 {
		c.ActionDim = env.ActionCount
	}
	if c.ObsDim <= 0 {
		c.ObsDim = env.ObservationSize
	}
	if c.Gamma < 0 || c.Gamma > 1 {
		c.Gamma = 0.99
	}
	if c.CentralBufferSize <= 0 {
		c.CentralBufferSize = 50000
	}
	if c.TargetUpdateFreq <= 0 {
		c.TargetUpdateFreq = 10
	}
	if c.PropagationDelay <= 0 {
		c.PropagationDelay = 10 * time.Millisecond
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// ModelFiles stores checkpoint bytes. Paths are slash separated.
type ModelFiles interface {
	WriteFile(ctx context.Context, agentID, relPath string, content []byte) error
	ReadFile(ctx context.Context, agentID, relPath string) ([]byte, error)
}

// Decision is the outcome of one decision cycle.
type Decision struct {
	Actions  map[string]int
	Intended map[string]int
	// Enhanced is the observation each agent acted on.
	Enhanced map[string][]float64
}

type TrainResult struct {
	Loss     float64
	GradNorm float64
	Trained  bool
	Synced   bool
	Step     int
}

// Coordinator drives a team of agents: coordinated action selection,
// centralized replay and value-decomposition training.
type Coordinator struct {
	cfg       Config
	agents    []*agent.Agent
	byID      map[string]*agent.Agent
	topology  *policy.Engine
	channels  map[string]*comm.Channel
	transport messaging.Transport
	ownsBus   bool
	buffer    *replay.Buffer
	mix       mixer.VDN
	rng       *rand.Rand
	files     ModelFiles
	steps     int
	logger    *log.Logger
}

// New builds the agents and, when communication is enabled, one channel per
// agent on transport. A nil transport gets a private in-process bus.
func New(cfg Config, transport messaging.Transport, files ModelFiles, logger *log.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = log.Default()
	}
	if len(cfg.AgentIDs) == 0 {
		return nil, errors.New("coordinator needs at least one agent")
	}
	cfg = cfg.withDefaults()
	if files == nil {
		files = localFiles{}
	}
	buffer, err := replay.New(cfg.CentralBufferSize)
	if err != nil {
		return nil, fmt.Errorf("create replay buffer: %w", err)
	}
	neighbors := cfg.Neighbors
	if neighbors == nil {
		neighbors = make(map[string][]string)
	}
	c := &Coordinator{
		cfg:      cfg,
		byID:     make(map[string]*agent.Agent, len(cfg.AgentIDs)),
		topology: policy.New(neighbors),
		channels: make(map[string]*comm.Channel),
		buffer:   buffer,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		files:    files,
		logger:   logger,
	}
	for i, id := range cfg.AgentIDs {
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("duplicate agent id %s", id)
		}
		a, err := agent.New(id, agent.Config{
			ObsDim:       cfg.ObsDim + comm.NeighborFeatures,
			ActionDim:    cfg.ActionDim,
			LearningRate: cfg.LearningRate,
			EpsilonStart: cfg.EpsilonStart,
			EpsilonMin:   cfg.EpsilonMin,
			EpsilonDecay: cfg.EpsilonDecay,
			Seed:         cfg.Seed + int64(i) + 1,
		})
		if err != nil {
			return nil, fmt.Errorf("create agent %s: %w", id, err)
		}
		c.agents = append(c.agents, a)
		c.byID[id] = a
	}

	if cfg.EnableCommunication {
		if transport == nil {
			transport = inproc.New(64)
			c.ownsBus = true
		}
		c.transport = transport
		for _, id := range cfg.AgentIDs {
			ch, err := comm.New(transport, comm.Config{
				AgentID:      id,
				Neighbors:    c.topology.Neighbors(id),
				TopicPrefix:  cfg.TopicPrefix,
				PollInterval: cfg.PollInterval,
				Policy:       c.topology,
			}, logger)
			if err != nil {
				_ = c.Close()
				return nil, fmt.Errorf("open channel for %s: %w", id, err)
			}
			c.channels[id] = ch
		}
	}
	return c, nil
}

func (c *Coordinator) AgentIDs() []string {
	return append([]string(nil), c.cfg.AgentIDs...)
}

func (c *Coordinator) Agent(id string) *agent.Agent {
	return c.byID[id]
}

// EnhancedObsDim is the network input width: base features plus the neighbor block.
func (c *Coordinator) EnhancedObsDim() int {
	return c.cfg.ObsDim + comm.NeighborFeatures
}

func (c *Coordinator) CommunicationEnabled() bool {
	return c.cfg.EnableCommunication
}

// ActWithCoordination runs one decision cycle: every agent announces a
// provisional action computed without neighbor data, waits the propagation
// delay, then acts on its observation enhanced with whatever arrived.
func (c *Coordinator) ActWithCoordination(ctx context.Context, obs map[string]domain.Observation, explore bool) (Decision, error) {
	if !c.cfg.EnableCommunication {
		return c.Act(obs, explore)
	}
	if err := c.checkObservations(obs); err != nil {
		return Decision{}, err
	}
	d := newDecision(len(c.agents))
	for _, a := range c.agents {
		base := obs[a.ID()]
		intended := a.SelectAction(Enhance(base, comm.ZeroBlock()), false)
		d.Intended[a.ID()] = intended
		c.channels[a.ID()].Publish(ctx, domain.MessageTypeStateUpdate, domain.StateUpdate{
			Queue:          env.Queues(base),
			CurrentPhase:   env.CurrentPhase(base),
			IntendedAction: intended,
		})
	}

	timer := time.NewTimer(c.cfg.PropagationDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return Decision{}, ctx.Err()
	case <-timer.C:
	}

	for _, a := range c.agents {
		enhanced := c.EnhancedObservation(a.ID(), obs[a.ID()], c.channels[a.ID()].Drain())
		d.Enhanced[a.ID()] = enhanced
		d.Actions[a.ID()] = a.SelectAction(enhanced, explore)
	}
	return d, nil
}

// Act selects actions without communicating; neighbor features are zero.
func (c *Coordinator) Act(obs map[string]domain.Observation, explore bool) (Decision, error) {
	if err := c.checkObservations(obs); err != nil {
		return Decision{}, err
	}
	d := newDecision(len(c.agents))
	for _, a := range c.agents {
		enhanced := Enhance(obs[a.ID()], comm.ZeroBlock())
		action := a.SelectAction(enhanced, explore)
		d.Enhanced[a.ID()] = enhanced
		d.Actions[a.ID()] = action
		d.Intended[a.ID()] = action
	}
	return d, nil
}

// EnhancedObservation appends agentID's neighbor block built from messages.
func (c *Coordinator) EnhancedObservation(agentID string, base []float64, messages map[string]domain.Message) []float64 {
	return Enhance(base, comm.NeighborBlock(messages, c.topology.Neighbors(agentID)))
}

// PaddedObservation is base followed by an all-zero neighbor block.
func PaddedObservation(base []float64) []float64 {
	return Enhance(base, comm.ZeroBlock())
}

func Enhance(base, block []float64) []float64 {
	out := make([]float64, 0, len(base)+len(block))
	out = append(out, base...)
	return append(out, block...)
}

func (c *Coordinator) checkObservations(obs map[string]domain.Observation) error {
	for _, id := range c.cfg.AgentIDs {
		o, ok := obs[id]
		if !ok {
			return fmt.Errorf("missing observation for agent %s", id)
		}
		if len(o) != c.cfg.ObsDim {
			return fmt.Errorf("agent %s observation has %d values, expected %d", id, len(o), c.cfg.ObsDim)
		}
	}
	return nil
}

func newDecision(n int) Decision {
	return Decision{
		Actions:  make(map[string]int, n),
		Intended: make(map[string]int, n),
		Enhanced: make(map[string][]float64, n),
	}
}

// Remember stores a joint transition; rows follow AgentIDs order.
func (c *Coordinator) Remember(t domain.Transition) error {
	n := len(c.agents)
	if len(t.Obs) != n || len(t.NextObs) != n || len(t.Actions) != n {
		return fmt.Errorf("transition covers %d/%d/%d agents, expected %d", len(t.Obs), len(t.Actions), len(t.NextObs), n)
	}
	width := c.EnhancedObsDim()
	for i := 0; i < n; i++ {
		if len(t.Obs[i]) != width || len(t.NextObs[i]) != width {
			return fmt.Errorf("agent %s transition width %d/%d, expected %d", c.cfg.AgentIDs[i], len(t.Obs[i]), len(t.NextObs[i]), width)
		}
		if t.Actions[i] < 0 || t.Actions[i] >= c.cfg.ActionDim {
			return fmt.Errorf("agent %s action %d out of range", c.cfg.AgentIDs[i], t.Actions[i])
		}
	}
	c.buffer.Add(t)
	return nil
}

func (c *Coordinator) BufferLen() int {
	return c.buffer.Len()
}

// TrainStep performs one value-decomposition update from a sampled batch.
// A buffer shorter than batchSize yields the zero result and changes nothing.
func (c *Coordinator) TrainStep(batchSize int) TrainResult {
	batch, err := c.buffer.Sample(batchSize, c.rng)
	if err != nil {
		if !errors.Is(err, replay.ErrInsufficientData) {
			c.logger.Printf("sample replay buffer failed: %v", err)
		}
		return TrainResult{Step: c.steps}
	}
	n := batch.Size()
	agents := len(c.agents)

	evals := make([]*agent.Evaluation, agents)
	chosen := make([][]float64, n)
	next := make([][]float64, n)
	for row := 0; row < n; row++ {
		chosen[row] = make([]float64, agents)
		next[row] = make([]float64, agents)
	}
	for i, a := range c.agents {
		evals[i] = a.Evaluate(batch.Obs[i], batch.Actions[i])
		maxNext := a.MaxTargetValues(batch.NextObs[i])
		for row := 0; row < n; row++ {
			chosen[row][i] = evals[i].Chosen[row]
			next[row][i] = maxNext[row]
		}
	}
	qTot := c.mix.Mix(chosen)
	nextTot := c.mix.Mix(next)

	var loss float64
	dTeam := make([]float64, n)
	for row := 0; row < n; row++ {
		notDone := 1.0
		if batch.Dones[row] {
			notDone = 0
		}
		y := batch.Rewards[row] + notDone*c.cfg.Gamma*nextTot[row]
		diff := qTot[row] - y
		loss += diff * diff
		dTeam[row] = 2 * diff / float64(n)
	}
	loss /= float64(n)

	var gradNorm float64
	for i, g := range c.mix.Backward(dTeam, agents) {
		gradNorm += c.agents[i].Apply(evals[i], g)
	}

	c.steps++
	synced := c.steps%c.cfg.TargetUpdateFreq == 0
	for _, a := range c.agents {
		if synced {
			a.SyncTarget()
		}
		a.DecayEpsilon()
	}
	return TrainResult{Loss: loss, GradNorm: gradNorm, Trained: true, Synced: synced, Step: c.steps}
}

// TrainSteps is the number of successful updates so far.
func (c *Coordinator) TrainSteps() int {
	return c.steps
}

// Epsilon reports the first agent's exploration rate. All agents decay in
// lockstep so they agree unless set individually.
func (c *Coordinator) Epsilon() float64 {
	return c.agents[0].Epsilon()
}

func (c *Coordinator) SetEpsilon(v float64) {
	for _, a := range c.agents {
		a.SetEpsilon(v)
	}
}

func (c *Coordinator) ChannelStats() map[string]comm.Stats {
	out := make(map[string]comm.Stats, len(c.channels))
	for id, ch := range c.channels {
		out[id] = ch.Stats()
	}
	return out
}

func ModelFileName(agentID string) string {
	return agentID + policy.ModelFileSuffix
}

// SaveModels writes one checkpoint file per agent into dir.
func (c *Coordinator) SaveModels(ctx context.Context, dir string) error {
	for _, a := range c.agents {
		var buf bytes.Buffer
		if err := agent.EncodeCheckpoint(&buf, a.Checkpoint()); err != nil {
			return err
		}
		if err := c.files.WriteFile(ctx, a.ID(), path.Join(filepath.ToSlash(dir), ModelFileName(a.ID())), buf.Bytes()); err != nil {
			return fmt.Errorf("save model %s: %w", a.ID(), err)
		}
	}
	return nil
}

// LoadModels restores every agent from dir or none of them. It reports
// whether the load happened.
func (c *Coordinator) LoadModels(ctx context.Context, dir string) bool {
	checkpoints := make([]agent.Checkpoint, len(c.agents))
	for i, a := range c.agents {
		raw, err := c.files.ReadFile(ctx, a.ID(), path.Join(filepath.ToSlash(dir), ModelFileName(a.ID())))
		if err != nil {
			c.logger.Printf("load model failed agent=%s dir=%s: %v", a.ID(), dir, err)
			return false
		}
		cp, err := agent.DecodeCheckpoint(bytes.NewReader(raw))
		if err != nil {
			c.logger.Printf("load model failed agent=%s dir=%s: %v", a.ID(), dir, err)
			return false
		}
		if err := a.Validate(cp); err != nil {
			c.logger.Printf("load model failed agent=%s dir=%s: %v", a.ID(), dir, err)
			return false
		}
		if i > 0 && cp.TrainingStep != checkpoints[0].TrainingStep {
			c.logger.Printf("load model failed dir=%s: agent=%s step=%d but agent=%s step=%d",
				dir, a.ID(), cp.TrainingStep, c.agents[0].ID(), checkpoints[0].TrainingStep)
			return false
		}
		checkpoints[i] = cp
	}
	for i, a := range c.agents {
		if err := a.Restore(checkpoints[i]); err != nil {
			// Validate already accepted this checkpoint.
			c.logger.Printf("restore model agent=%s: %v", a.ID(), err)
		}
	}
	c.steps = checkpoints[0].TrainingStep
	return true
}

// Close shuts down every channel. The environment belongs to the caller.
func (c *Coordinator) Close() error {
	for _, ch := range c.channels {
		_ = ch.Close()
	}
	if c.ownsBus && c.transport != nil {
		return c.transport.Close()
	}
	return nil
}

type localFiles struct{}

func (localFiles) WriteFile(_ context.Context, _ string, relPath string, content []byte) error {
	p := filepath.FromSlash(relPath)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write model file: %w", err)
	}
	return os.Rename(tmp, p)
}

func (localFiles) ReadFile(_ context.Context, _ string, relPath string) ([]byte, error) {
	return os.ReadFile(filepath.FromSlash(relPath))
}
