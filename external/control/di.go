package control

import (
	"log/slog"

	repositoryimpl "github.com/foxseedlab/botfleet/external/repository"
	"github.com/foxseedlab/botfleet/internal/config"
	"github.com/foxseedlab/botfleet/internal/control"
	"github.com/foxseedlab/botfleet/internal/fleet"
	"github.com/foxseedlab/botfleet/internal/memory"
	"github.com/samber/do/v2"
)

// RegisterDI provides the *Server run by serve, the *Client management
// commands try first, and the offline *control.Local they fall back to when
// no server answers.
func RegisterDI(injector do.Injector) {
	newLocal := func(i do.Injector, live bool) *control.Local {
		return control.NewLocal(
			do.MustInvoke[*fleet.Orchestrator](i),
			do.MustInvoke[*repositoryimpl.BotRepository](i),
			do.MustInvoke[*memory.Buffer](i),
			live,
		)
	}
	do.Provide(injector, func(i do.Injector) (*control.Local, error) {
		return newLocal(i, false), nil
	})
	do.Provide(injector, func(i do.Injector) (*Server, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewServer(newLocal(i, true), cfg.ControlSocket, do.MustInvoke[*slog.Logger](i)), nil
	})
	do.Provide(injector, func(i do.Injector) (*Client, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewClient(cfg.ControlSocket), nil
	})
}
