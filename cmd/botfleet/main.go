package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"slices"

	configloader "github.com/foxseedlab/botfleet/external/config"
	controlimpl "github.com/foxseedlab/botfleet/external/control"
	discordimpl "github.com/foxseedlab/botfleet/external/discord"
	"github.com/foxseedlab/botfleet/external/memorystore"
	openaiimpl "github.com/foxseedlab/botfleet/external/openai"
	repositoryimpl "github.com/foxseedlab/botfleet/external/repository"
	"github.com/foxseedlab/botfleet/external/store"
	"github.com/foxseedlab/botfleet/external/tools"
	webhookimpl "github.com/foxseedlab/botfleet/external/webhook"
	"github.com/foxseedlab/botfleet/internal/config"
	"github.com/foxseedlab/botfleet/internal/control"
	"github.com/foxseedlab/botfleet/internal/fleet"
	"github.com/samber/do/v2"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "botfleet",
		Short:        "Run and manage a fleet of chat bots",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		newServeCmd(),
		newBotCmd(),
		newMemoryCmd(),
	)
	return rootCmd
}

// app is the dependency graph shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	injector do.Injector
}

// loadApp reads configuration and builds the injector. Logs go to logOut so
// management commands keep stdout for their own output.
func loadApp(logOut io.Writer) (*app, error) {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		return nil, err
	}
	logger := initLogger(cfg, logOut)
	logger.Debug("configuration loaded", "env", cfg.Env, "database_driver", cfg.DatabaseDriver)
	return &app{cfg: cfg, logger: logger, injector: setupDI(cfg, logger)}, nil
}

func initLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

func setupDI(cfg *config.Config, logger *slog.Logger) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, logger)
	store.RegisterDI(injector)
	repositoryimpl.RegisterDI(injector)
	memorystore.RegisterDI(injector)
	discordimpl.RegisterDI(injector)
	openaiimpl.RegisterDI(injector)
	tools.RegisterDI(injector)
	webhookimpl.RegisterDI(injector)
	fleet.RegisterDI(injector)
	controlimpl.RegisterDI(injector)

	return injector
}

func (a *app) orchestrator() (*fleet.Orchestrator, error) {
	return do.Invoke[*fleet.Orchestrator](a.injector)
}

// serverRunning reports whether a serve process answers on the control
// socket.
func (a *app) serverRunning(ctx context.Context) (*controlimpl.Client, bool) {
	client, err := do.Invoke[*controlimpl.Client](a.injector)
	if err != nil {
		return nil, false
	}
	return client, client.Ping(ctx) == nil
}

// control routes management commands into the running server so it stays the
// only owner of live sessions and histories. Without a server the commands
// run in-process.
func (a *app) control(ctx context.Context) (control.Service, error) {
	if client, ok := a.serverRunning(ctx); ok {
		a.logger.Debug("routing command through the running server", "socket", a.cfg.ControlSocket)
		return client, nil
	}
	local, err := do.Invoke[*control.Local](a.injector)
	if err != nil {
		return nil, err
	}
	return local, nil
}

// close releases the database only if this command opened it.
func (a *app) close() {
	if !slices.ContainsFunc(a.injector.ListInvokedServices(), func(d do.ServiceDescription) bool {
		return d.Service == do.NameOf[*store.DB]()
	}) {
		return
	}
	db, err := do.Invoke[*store.DB](a.injector)
	if err != nil {
		return
	}
	if err := db.Close(); err != nil {
		a.logger.Error("database close failed", "error", err)
	}
}
