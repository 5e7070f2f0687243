package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/phalanx/internal/agent"
	"github.com/mtzanidakis/phalanx/internal/control"
	"github.com/mtzanidakis/phalanx/internal/coord"
	"github.com/mtzanidakis/phalanx/internal/dedup"
	"github.com/mtzanidakis/phalanx/internal/events"
	"github.com/mtzanidakis/phalanx/internal/natsbus"
	"github.com/mtzanidakis/phalanx/internal/provider"
	"github.com/mtzanidakis/phalanx/internal/scheduler"
	"github.com/mtzanidakis/phalanx/internal/skills"
	"github.com/mtzanidakis/phalanx/internal/store"
	"github.com/mtzanidakis/phalanx/internal/tools"
)

const shutdownGrace = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon",
		Long: `Start the embedded NATS bus, the task scheduler and the control channel.
Pending tasks are claimed and run until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// newInventory returns the tools a deployment registers.
func newInventory(dir tools.Directory, tasks tools.TaskCreator) *tools.Registry {
	return tools.NewRegistry(tools.Builtins(dir, tasks)...)
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := opts.load(os.Stderr)
	if err != nil {
		return err
	}

	slog.Info("starting phalanx", "version", version)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("init nats client: %w", err)
	}
	defer client.Close()

	sink := events.NewNATS(client)
	dir := coord.New(db, client, sink)
	inventory := newInventory(dir, db)

	rt := agent.New(agent.Deps{
		Tools:     inventory,
		Dedup:     dedup.New(db, cfg.Dedup),
		Provider:  provider.NewEino(provider.NewOpenAIFactory(cfg.Provider)),
		Events:    sink,
		Directory: dir,
		Tasks:     db,
		Skills:    skills.New(cfg.Agent.SkillsDir),
	}, cfg.Agent)

	sched := scheduler.New(db, rt, inventory, sink, cfg.Scheduler)
	sched.Start(ctx)

	ctrl := control.NewServer(client, sched, dir)
	if err := ctrl.Start(); err != nil {
		sched.Stop()
		return fmt.Errorf("start control channel: %w", err)
	}
	defer ctrl.Close()
	slog.Info("control channel listening", "topic", natsbus.TopicControl, "tools", len(inventory.Names()))

	<-ctx.Done()
	slog.Info("shutting down")

	n := sched.Stop()
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := sched.Wait(waitCtx); err != nil {
		slog.Warn("workers still running at shutdown", "cancelled", n, "error", err)
	}
	return nil
}
