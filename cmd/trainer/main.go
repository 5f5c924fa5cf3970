package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"

	"traffic_marl/internal/config"
	"traffic_marl/internal/coordinator"
	"traffic_marl/internal/dashboard"
	"traffic_marl/internal/domain"
	"traffic_marl/internal/env"
	"traffic_marl/internal/env/gridsim"
	"traffic_marl/internal/env/remote"
	"traffic_marl/internal/fs"
	"traffic_marl/internal/messaging"
	"traffic_marl/internal/messaging/inproc"
	"traffic_marl/internal/messaging/mqtt"
	"traffic_marl/internal/policy"
	sqlitestore "traffic_marl/internal/store/sqlite"
	"traffic_marl/internal/trainer"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("%v", err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.traffic_marl/config.toml)")
	modeFlag := flag.String("mode", "train", "run mode: train, execute or baseline")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	modelsFlag := flag.String("models", "", "models directory override")
	episodesFlag := flag.Int("episodes", 0, "training episodes override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	mode := domain.RunMode(strings.ToLower(strings.TrimSpace(*modeFlag)))
	switch mode {
	case domain.RunModeTrain, domain.RunModeExecute, domain.RunModeBaseline:
	default:
		return fmt.Errorf("unknown mode %q", *modeFlag)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Dashboard.Addr, ":8092")
	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Store.DBPath, "data/traffic_marl.db"))
	modelsDir := filepath.Clean(firstNonEmpty(*modelsFlag, cfg.Trainer.ModelsDir, "models"))
	logsDir := filepath.Clean(firstNonEmpty(cfg.Trainer.LogsDir, "logs"))
	cfg.Trainer.Episodes = intOrDefault(*episodesFlag, cfg.Trainer.Episodes)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}

	runID := uuid.NewString()
	logger := log.Default()
	engine := policy.New(cfg.Topology.Neighbors)
	models, err := fs.NewGateway(modelsDir, runID, engine, store)
	if err != nil {
		return fmt.Errorf("create models gateway: %w", err)
	}
	logs, err := fs.NewGateway(logsDir, runID, engine, store)
	if err != nil {
		return fmt.Errorf("create logs gateway: %w", err)
	}

	environment, err := openEnvironment(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open environment: %w", err)
	}
	defer func() {
		_ = environment.Close()
	}()

	hub := dashboard.NewHub(cfg.Dashboard.Buffer, 64, logger)
	defer hub.Close()
	sinks := dashboard.Fanout{hub}
	if len(cfg.Dashboard.KafkaBrokers) > 0 {
		kafkaSink := dashboard.NewKafkaSink(cfg.Dashboard.KafkaBrokers, cfg.Dashboard.KafkaTopic, cfg.Dashboard.Buffer, logger)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}

	deps := trainer.Deps{Env: environment, Store: store, Logs: logs, Sink: sinks, Logger: logger}
	var team *coordinator.Coordinator
	if mode != domain.RunModeBaseline {
		transport, err := openTransport(cfg, runID, logger)
		if err != nil {
			return fmt.Errorf("open transport: %w", err)
		}
		defer func() {
			_ = transport.Close()
		}()
		team, err = coordinator.New(coordinatorConfig(cfg, environment), transport, models, logger)
		if err != nil {
			return fmt.Errorf("create coordinator: %w", err)
		}
		defer func() {
			_ = team.Close()
		}()
		deps.Team = team
	}

	a := &app{cfg: cfg, store: store, runID: runID, mode: mode, team: team}
	server := &http.Server{
		Addr:              addr,
		Handler:           handlers.LoggingHandler(os.Stdout, a.router(hub)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server failed: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("traffic_marl started mode=%s run=%s addr=%s db=%s models=%s env=%s transport=%s",
		mode, runID, addr, dbPath, modelsDir, cfg.Env.Kind, cfg.Channel.Transport)

	raw := mustJSON(cfg)
	switch mode {
	case domain.RunModeTrain:
		_, err = trainer.New(deps, trainer.Config{
			RunID:     runID,
			RunConfig: raw,
			Episodes:  cfg.Trainer.Episodes,
			MaxSteps:  cfg.Trainer.MaxSteps,
			SaveEvery: cfg.Trainer.SaveEvery,
			BatchSize: cfg.Agent.BatchSize,
			StepDelay: durationMS(cfg.Trainer.StepDelayMS, 0),
		}).Train(ctx)
	case domain.RunModeExecute:
		_, err = trainer.NewExecutor(deps, trainer.ExecConfig{
			RunID:     runID,
			RunConfig: raw,
			StepDelay: durationMS(cfg.Trainer.StepDelayMS, 0),
		}).Execute(ctx)
	case domain.RunModeBaseline:
		_, err = trainer.NewExecutor(deps, trainer.ExecConfig{
			RunID:     runID,
			RunConfig: raw,
			StepDelay: durationMS(cfg.Trainer.StepDelayMS, 0),
		}).RunFixedTime(ctx, cfg.Trainer.MaxSteps)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run failed mode=%s run=%s: %w", mode, runID, err)
	}
	log.Printf("run finished mode=%s run=%s", mode, runID)
	return nil
}

func openEnvironment(ctx context.Context, cfg config.Config, logger *log.Logger) (env.Environment, error) {
	ids := envOrder(cfg)
	switch cfg.Env.Kind {
	case "", "gridsim":
		return gridsim.New(gridsim.Config{
			AgentIDs:     ids,
			EpisodeSteps: cfg.Env.EpisodeSteps,
			ArrivalRate:  cfg.Env.ArrivalRate,
			Seed:         cfg.Env.Seed,
		}), nil
	case "remote":
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return remote.Dial(dialCtx, remote.Config{Socket: cfg.Env.Socket, AgentIDs: ids}, logger)
	default:
		return nil, fmt.Errorf("unknown env kind %q", cfg.Env.Kind)
	}
}

func openTransport(cfg config.Config, runID string, logger *log.Logger) (messaging.Transport, error) {
	switch cfg.Channel.Transport {
	case "", "inproc":
		return inproc.New(intOrDefault(cfg.Channel.QueueSize, 64)), nil
	case "mqtt":
		return mqtt.Connect(mqtt.Config{
			Broker:   cfg.Channel.Broker,
			ClientID: "traffic-marl-" + runID[:8],
			Buffer:   cfg.Channel.QueueSize,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Channel.Transport)
	}
}

func coordinatorConfig(cfg config.Config, environment env.Environment) coordinator.Config {
	return coordinator.Config{
		AgentIDs:            environment.AgentIDs(),
		Neighbors:           cfg.Topology.Neighbors,
		ObsDim:              environment.ObservationSize(),
		ActionDim:           environment.ActionSize(),
		LearningRate:        cfg.Agent.LearningRate,
		Gamma:               cfg.Agent.Gamma,
		EpsilonStart:        cfg.Agent.EpsilonStart,
		EpsilonMin:          cfg.Agent.EpsilonMin,
		EpsilonDecay:        cfg.Agent.EpsilonDecay,
		CentralBufferSize:   cfg.Agent.CentralBufferSize,
		TargetUpdateFreq:    cfg.Agent.TargetUpdateFreq,
		EnableCommunication: cfg.Agent.EnableCommunication,
		PropagationDelay:    durationMS(cfg.Trainer.PropagationDelayMS, 10*time.Millisecond),
		TopicPrefix:         cfg.Channel.TopicPrefix,
		PollInterval:        durationMS(cfg.Channel.PollIntervalMS, 50*time.Millisecond),
		Seed:                cfg.Trainer.Seed,
	}
}

// envOrder lays the topology out as a corridor: start from an end node (one
// neighbor) and walk, falling back to sorted order.
func envOrder(cfg config.Config) []string {
	ids := cfg.AgentIDs()
	if len(ids) < 2 {
		return ids
	}
	start := ids[0]
	for _, id := range ids {
		if len(cfg.Topology.Neighbors[id]) == 1 {
			start = id
			break
		}
	}
	order := []string{start}
	seen := map[string]bool{start: true}
	for cur := start; ; {
		next := ""
		for _, n := range cfg.Topology.Neighbors[cur] {
			if !seen[n] {
				next = n
				break
			}
		}
		if next == "" {
			break
		}
		order = append(order, next)
		seen[next] = true
		cur = next
	}
	if len(order) != len(ids) {
		return ids
	}
	return order
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
