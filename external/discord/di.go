package discord

import (
	discordpkg "github.com/foxseedlab/botfleet/internal/discord"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (discordpkg.Connector, error) {
		return NewConnector(), nil
	})
}
