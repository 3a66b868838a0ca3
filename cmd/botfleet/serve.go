package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	controlimpl "github.com/foxseedlab/botfleet/external/control"
	"github.com/foxseedlab/botfleet/internal/bot"
	"github.com/foxseedlab/botfleet/internal/fleet"
	"github.com/foxseedlab/botfleet/internal/memory"
	"github.com/samber/do/v2"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start every bot that should be online and keep them running",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(os.Stdout)
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.logger.Info("startup: resolving dependencies")
	repo, err := do.Invoke[bot.Repository](a.injector)
	if err != nil {
		return fmt.Errorf("failed to resolve bot repository: %w", err)
	}
	buffer, err := do.Invoke[*memory.Buffer](a.injector)
	if err != nil {
		return fmt.Errorf("failed to resolve conversation memory: %w", err)
	}
	orch, err := a.orchestrator()
	if err != nil {
		return fmt.Errorf("failed to resolve orchestrator: %w", err)
	}
	watchdog, err := do.Invoke[*fleet.Watchdog](a.injector)
	if err != nil {
		return fmt.Errorf("failed to resolve watchdog: %w", err)
	}
	controlServer, err := do.Invoke[*controlimpl.Server](a.injector)
	if err != nil {
		return fmt.Errorf("failed to resolve control endpoint: %w", err)
	}

	// Claiming the socket first keeps a second server from resetting the
	// statuses of bots the first one is running.
	listener, err := controlServer.Listen()
	if err != nil {
		return err
	}
	controlDone := make(chan error, 1)
	controlStarted := false
	stopControl := sync.OnceFunc(func() {
		if !controlStarted {
			_ = listener.Close()
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("control endpoint shutdown failed", "error", err)
		}
		if err := <-controlDone; err != nil {
			a.logger.Error("control endpoint stopped", "error", err)
		}
	})
	defer stopControl()

	// Nothing is live yet, so any ONLINE or CONNECTING row is stale.
	n, err := repo.SetAllOffline(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset stale statuses: %w", err)
	}
	a.logger.Info("startup: stale statuses reset", "bots", n)

	report, err := buffer.Migrate()
	if err != nil {
		a.logger.Error("history migration incomplete", "error", err, "failed", report.Failed)
	} else if report.LegacyFiles > 0 {
		a.logger.Info("startup: legacy histories migrated", "files", report.LegacyFiles, "merged", report.Merged)
	}

	// Requests are answered only once stale statuses are gone, so a bot
	// started through the socket is never reset to OFFLINE.
	controlStarted = true
	go func() {
		controlDone <- controlServer.Serve(listener)
	}()

	a.logger.Info("startup: starting bots")
	startup, err := orch.InitializeAll(ctx)
	if err != nil {
		return err
	}
	for _, res := range startup.Results {
		if res.Err != nil {
			a.logger.Warn("bot did not start", "bot_id", res.BotID, "name", res.Name, "kind", bot.KindOf(res.Err))
		}
	}

	if err := watchdog.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	a.logger.Info("shutting down", "live_bots", orch.Registry().Len())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	stopControl()
	watchdog.Stop(shutdownCtx)
	if err := orch.StopAll(shutdownCtx); err != nil {
		a.logger.Error("fleet shutdown incomplete", "error", err)
	}
	orch.Wait()
	a.logger.Info("shutdown complete")
	return nil
}
