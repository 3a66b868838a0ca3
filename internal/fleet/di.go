package fleet

import (
	"log/slog"

	"github.com/foxseedlab/botfleet/internal/bot"
	"github.com/foxseedlab/botfleet/internal/config"
	"github.com/foxseedlab/botfleet/internal/discord"
	"github.com/foxseedlab/botfleet/internal/llm"
	"github.com/foxseedlab/botfleet/internal/memory"
	"github.com/foxseedlab/botfleet/internal/webhook"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Registry, error) {
		return NewRegistry(), nil
	})
	do.Provide(injector, func(i do.Injector) (*Orchestrator, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return New(Deps{
			Repo:        do.MustInvoke[bot.Repository](i),
			Memory:      do.MustInvoke[*memory.Buffer](i),
			Connector:   do.MustInvoke[discord.Connector](i),
			Replier:     do.MustInvoke[llm.Replier](i),
			Images:      do.MustInvoke[llm.ImageGenerator](i),
			Tools:       do.MustInvoke[llm.ToolExecutor](i),
			Credentials: do.MustInvoke[llm.Credentials](i),
			Notifier:    do.MustInvoke[webhook.Notifier](i),
			Registry:    do.MustInvoke[*Registry](i),
			Logger:      do.MustInvoke[*slog.Logger](i),
		}, Options{
			StartConcurrency: cfg.StartConcurrency,
			AutoRecover:      cfg.AutoRecover,
		}), nil
	})
	do.Provide(injector, func(i do.Injector) (*Watchdog, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewWatchdog(do.MustInvoke[*Orchestrator](i), cfg.WatchdogSchedule), nil
	})
}
