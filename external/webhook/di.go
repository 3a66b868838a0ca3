package webhook

import (
	"github.com/foxseedlab/botfleet/internal/config"
	"github.com/foxseedlab/botfleet/internal/webhook"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (webhook.Notifier, error) {
		c := do.MustInvoke[*config.Config](i)
		return NewHTTPNotifier(c.StatusWebhookURL), nil
	})
}
