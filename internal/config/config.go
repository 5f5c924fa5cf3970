package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

var ErrInvalidAgentConfig = errors.New("invalid agent config")

type Config struct {
	Agent     AgentConfig     `toml:"agent" json:"agent"`
	Trainer   TrainerConfig   `toml:"trainer" json:"trainer"`
	Channel   ChannelConfig   `toml:"channel" json:"channel"`
	Env       EnvConfig       `toml:"env" json:"env"`
	Dashboard DashboardConfig `toml:"dashboard" json:"dashboard"`
	Store     StoreConfig     `toml:"store" json:"store"`
	Topology  TopologyConfig  `toml:"topology" json:"topology"`
	Raw       map[string]any  `toml:"-" json:"-"`
	Path      string          `toml:"-" json:"path"`
}

// AgentConfig holds the learning hyperparameters shared by every agent.
type AgentConfig struct {
	LearningRate        float64 `toml:"learning_rate" json:"learning_rate"`
	Gamma               float64 `toml:"gamma" json:"gamma"`
	EpsilonStart        float64 `toml:"epsilon_start" json:"epsilon_start"`
	EpsilonMin          float64 `toml:"epsilon_min" json:"epsilon_min"`
	EpsilonDecay        float64 `toml:"epsilon_decay" json:"epsilon_decay"`
	BufferSize          int     `toml:"buffer_size" json:"buffer_size"`
	CentralBufferSize   int     `toml:"central_buffer_size" json:"central_buffer_size"`
	BatchSize           int     `toml:"batch_size" json:"batch_size"`
	TargetUpdateFreq    int     `toml:"target_update_freq" json:"target_update_freq"`
	EnableCommunication bool    `toml:"enable_communication" json:"enable_communication"`
}

type TrainerConfig struct {
	Episodes           int    `toml:"episodes" json:"episodes"`
	MaxSteps           int    `toml:"max_steps" json:"max_steps"`
	SaveEvery          int    `toml:"save_every" json:"save_every"`
	ModelsDir          string `toml:"models_dir" json:"models_dir"`
	LogsDir            string `toml:"logs_dir" json:"logs_dir"`
	Seed               int64  `toml:"seed" json:"seed"`
	PropagationDelayMS int    `toml:"propagation_delay_ms" json:"propagation_delay_ms"`
	StepDelayMS        int    `toml:"step_delay_ms" json:"step_delay_ms"`
}

type ChannelConfig struct {
	Transport      string `toml:"transport" json:"transport"`
	Broker         string `toml:"broker" json:"broker"`
	TopicPrefix    string `toml:"topic_prefix" json:"topic_prefix"`
	PollIntervalMS int    `toml:"poll_interval_ms" json:"poll_interval_ms"`
	QueueSize      int    `toml:"queue_size" json:"queue_size"`
}

type EnvConfig struct {
	Kind         string  `toml:"kind" json:"kind"`
	Socket       string  `toml:"socket" json:"socket"`
	EpisodeSteps int     `toml:"episode_steps" json:"episode_steps"`
	ArrivalRate  float64 `toml:"arrival_rate" json:"arrival_rate"`
	Seed         int64   `toml:"seed" json:"seed"`
}

type DashboardConfig struct {
	Addr         string   `toml:"addr" json:"addr"`
	KafkaBrokers []string `toml:"kafka_brokers" json:"kafka_brokers"`
	KafkaTopic   string   `toml:"kafka_topic" json:"kafka_topic"`
	Buffer       int      `toml:"buffer" json:"buffer"`
}

type StoreConfig struct {
	DBPath string `toml:"db_path" json:"db_path"`
}

type TopologyConfig struct {
	Neighbors map[string][]string `toml:"neighbors" json:"neighbors"`
}

const (
	AgentJ1 = "J1_center"
	AgentJ2 = "J2_center"
)

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Agent: AgentConfig{EnableCommunication: true}.withDefaults(),
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	c.Agent = c.Agent.withDefaults()
	c.Trainer = c.Trainer.withDefaults()
	c.Channel = c.Channel.withDefaults()
	c.Env = c.Env.withDefaults()
	c.Dashboard = c.Dashboard.withDefaults()
	c.Store = c.Store.withDefaults()
	c.Topology = c.Topology.withDefaults()
	return c
}

func (c AgentConfig) withDefaults() AgentConfig {
	if c.LearningRate <= 0 {
		c.LearningRate = 0.001
	}
	if c.Gamma <= 0 {
		c.Gamma = 0.99
	}
	if c.EpsilonStart <= 0 {
		c.EpsilonStart = 1.0
	}
	if c.EpsilonMin <= 0 {
		c.EpsilonMin = 0.05
	}
	if c.EpsilonMin > c.EpsilonStart {
		c.EpsilonMin = c.EpsilonStart
	}
	if c.EpsilonDecay <= 0 || c.EpsilonDecay > 1 {
		c.EpsilonDecay = 0.9995
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.CentralBufferSize <= 0 {
		c.CentralBufferSize = 50000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.TargetUpdateFreq <= 0 {
		c.TargetUpdateFreq = 10
	}
	return c
}

func (c TrainerConfig) withDefaults() TrainerConfig {
	if c.Episodes <= 0 {
		c.Episodes = 200
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 1800
	}
	if c.SaveEvery <= 0 {
		c.SaveEvery = 50
	}
	if c.ModelsDir == "" {
		c.ModelsDir = "models"
	}
	if c.LogsDir == "" {
		c.LogsDir = "logs"
	}
	if c.PropagationDelayMS <= 0 {
		c.PropagationDelayMS = 10
	}
	return c
}

func (c ChannelConfig) withDefaults() ChannelConfig {
	if c.Transport == "" {
		c.Transport = "inproc"
	}
	if c.Broker == "" {
		c.Broker = "tcp://localhost:1883"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "traffic"
	}
	if c.PollIntervalMS <= 0 {
		c.PollIntervalMS = 50
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

func (c EnvConfig) withDefaults() EnvConfig {
	if c.Kind == "" {
		c.Kind = "gridsim"
	}
	if c.Socket == "" {
		c.Socket = "/tmp/traffic_sim.sock"
	}
	if c.EpisodeSteps <= 0 {
		c.EpisodeSteps = 1800
	}
	if c.ArrivalRate <= 0 {
		c.ArrivalRate = 0.12
	}
	return c
}

func (c DashboardConfig) withDefaults() DashboardConfig {
	if c.Addr == "" {
		c.Addr = ":8092"
	}
	if c.KafkaTopic == "" {
		c.KafkaTopic = "traffic.steps"
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	return c
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.DBPath == "" {
		c.DBPath = "data/traffic_marl.db"
	}
	return c
}

func (c TopologyConfig) withDefaults() TopologyConfig {
	if len(c.Neighbors) == 0 {
		c.Neighbors = map[string][]string{
			AgentJ1: {AgentJ2},
			AgentJ2: {AgentJ1},
		}
	}
	return c
}

// AgentIDs lists the agents named by the topology in sorted order.
func (c Config) AgentIDs() []string {
	ids := make([]string, 0, len(c.Topology.Neighbors))
	for id := range c.Topology.Neighbors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Load reads path (or the default location) and fills missing keys with
// defaults. A missing file at the default location yields Default().
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			cfg := Default()
			cfg.Raw = map[string]any{}
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}
	cfg, err := Parse(string(bytes))
	if err != nil {
		return Config{}, err
	}
	cfg.Path = resolved
	return cfg, nil
}

// Parse decodes TOML text. Unknown keys are ignored.
func Parse(text string) (Config, error) {
	var cfg Config
	md, err := toml.Decode(text, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	if !md.IsDefined("agent", "enable_communication") {
		cfg.Agent.EnableCommunication = true
	}
	var raw map[string]any
	if _, err := toml.Decode(text, &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	explicit := cfg.Agent
	cfg = cfg.withDefaults()
	cfg.Agent = cfg.Agent.overlay(md, explicit)
	if err := cfg.Agent.validate(); err != nil {
		return Config{}, err
	}
	cfg.Raw = raw
	return cfg, nil
}

// overlay copies every [agent] key present in the file over the defaults,
// so explicit zeros such as gamma = 0 or epsilon_min = 0 are kept.
func (c AgentConfig) overlay(md toml.MetaData, explicit AgentConfig) AgentConfig {
	defined := func(key string) bool { return md.IsDefined("agent", key) }
	if defined("learning_rate") {
		c.LearningRate = explicit.LearningRate
	}
	if defined("gamma") {
		c.Gamma = explicit.Gamma
	}
	if defined("epsilon_start") {
		c.EpsilonStart = explicit.EpsilonStart
	}
	if defined("epsilon_min") {
		c.EpsilonMin = explicit.EpsilonMin
	} else if c.EpsilonMin > c.EpsilonStart {
		c.EpsilonMin = c.EpsilonStart
	}
	if defined("epsilon_decay") {
		c.EpsilonDecay = explicit.EpsilonDecay
	}
	if defined("buffer_size") {
		c.BufferSize = explicit.BufferSize
	}
	if defined("central_buffer_size") {
		c.CentralBufferSize = explicit.CentralBufferSize
	}
	if defined("batch_size") {
		c.BatchSize = explicit.BatchSize
	}
	if defined("target_update_freq") {
		c.TargetUpdateFreq = explicit.TargetUpdateFreq
	}
	return c
}

func (c AgentConfig) validate() error {
	switch {
	case c.LearningRate <= 0:
		return fmt.Errorf("learning_rate=%v must be positive: %w", c.LearningRate, ErrInvalidAgentConfig)
	case c.Gamma < 0 || c.Gamma > 1:
		return fmt.Errorf("gamma=%v outside [0, 1]: %w", c.Gamma, ErrInvalidAgentConfig)
	case c.EpsilonStart < 0 || c.EpsilonStart > 1:
		return fmt.Errorf("epsilon_start=%v outside [0, 1]: %w", c.EpsilonStart, ErrInvalidAgentConfig)
	case c.EpsilonMin < 0 || c.EpsilonMin > c.EpsilonStart:
		return fmt.Errorf("epsilon_min=%v outside [0, epsilon_start]: %w", c.EpsilonMin, ErrInvalidAgentConfig)
	case c.EpsilonDecay <= 0 || c.EpsilonDecay > 1:
		return fmt.Errorf("epsilon_decay=%v outside (0, 1]: %w", c.EpsilonDecay, ErrInvalidAgentConfig)
	case c.BufferSize <= 0, c.CentralBufferSize <= 0, c.BatchSize <= 0, c.TargetUpdateFreq <= 0:
		return fmt.Errorf("buffer, batch and target sizes must be positive: %w", ErrInvalidAgentConfig)
	}
	return nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".traffic_marl/config.toml"
	}
	return filepath.Join(home, ".traffic_marl", "config.toml")
}
