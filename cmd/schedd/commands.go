package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/schedd"
	"github.com/loykin/schedd/internal/config"
	"github.com/loykin/schedd/internal/logger"
	"github.com/spf13/cobra"
)

var version = "dev"

func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:          "schedd",
		Short:        "Job scheduler and process supervisor",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newValidateCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("schedd %s\n", version)
		},
	}
}

func newValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file without starting anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cmd.Printf("config ok: %d jobs, %d processes, %d workflows\n",
				len(cfg.Jobs), len(cfg.Processes), len(cfg.Workflows))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "schedd.toml", "path to config file")
	return cmd
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon",
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "schedd.toml", "path to config file")
	return cmd
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if _, err := logger.Setup(cfg.Log); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	if err := schedd.RegisterMetricsDefault(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	sched, err := schedd.New(schedd.Options{
		Executor:   cfg.Scheduler,
		Supervisor: cfg.Sampler,
		Store:      cfg.Store,
	})
	if err != nil {
		return err
	}
	registerBuiltins(sched)

	ctx := context.Background()
	if err := sched.Load(ctx); err != nil {
		return fmt.Errorf("load persisted state: %w", err)
	}
	for _, job := range cfg.Jobs {
		if err := sched.AddJob(ctx, job); err != nil {
			return fmt.Errorf("add job %s: %w", job.ID, err)
		}
	}
	for _, proc := range cfg.Processes {
		if err := sched.AddProcess(proc); err != nil {
			return fmt.Errorf("add process %s: %w", proc.ID, err)
		}
	}
	for _, wf := range cfg.Workflows {
		if err := sched.AddWorkflow(ctx, wf); err != nil {
			return fmt.Errorf("add workflow %s: %w", wf.ID, err)
		}
	}

	sched.Start(ctx)
	slog.Info("schedd started", "version", version,
		"jobs", len(cfg.Jobs), "processes", len(cfg.Processes), "workflows", len(cfg.Workflows))

	var srv *http.Server
	if cfg.Server.Enabled {
		addr := cfg.Server.Listen
		if addr == "" {
			addr = ":8222"
		}
		srv = sched.NewHTTPServer(addr)
		slog.Info("admin API listening", "addr", addr)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	slog.Info("shutting down", "signal", s.String())

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
	stopCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		slog.Error("shutdown incomplete", "error", err)
		return err
	}
	slog.Info("shutdown complete")
	return nil
}
