package repository

import (
	"github.com/foxseedlab/botfleet/external/store"
	"github.com/foxseedlab/botfleet/internal/bot"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*BotRepository, error) {
		db := do.MustInvoke[*store.DB](i)
		return NewBotRepository(db), nil
	})
	do.Provide(injector, func(i do.Injector) (bot.Repository, error) {
		return do.MustInvoke[*BotRepository](i), nil
	})
}
