// Command simbridge serves the built-in grid simulator on a unix socket so
// the trainer can drive it with env.kind = "remote".
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"traffic_marl/internal/config"
	"traffic_marl/internal/env/gridsim"
	"traffic_marl/internal/env/remote"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("%v", err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.traffic_marl/config.toml)")
	socketFlag := flag.String("socket", "", "unix socket path override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	socket := cfg.Env.Socket
	if *socketFlag != "" {
		socket = *socketFlag
	}
	if err := os.Remove(socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return fmt.Errorf("listen %s: %w", socket, err)
	}
	defer func() {
		_ = os.Remove(socket)
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sim := gridsim.New(gridsim.Config{
		AgentIDs:     cfg.AgentIDs(),
		EpisodeSteps: cfg.Env.EpisodeSteps,
		ArrivalRate:  cfg.Env.ArrivalRate,
		Seed:         cfg.Env.Seed,
	})
	defer func() {
		_ = sim.Close()
	}()

	log.Printf("simbridge listening socket=%s agents=%v", socket, sim.AgentIDs())
	if err := remote.Serve(ctx, ln, sim, log.Default()); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Printf("simbridge stopped")
	return nil
}
