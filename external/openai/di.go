package openai

import (
	"github.com/foxseedlab/botfleet/internal/config"
	"github.com/foxseedlab/botfleet/internal/llm"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (llm.Credentials, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return llm.NewKeyResolver([]string{ProviderName}, cfg.ProviderKeys()), nil
	})
	do.Provide(injector, func(i do.Injector) (*Client, error) {
		cfg := do.MustInvoke[*config.Config](i)
		creds := do.MustInvoke[llm.Credentials](i)
		return NewClient(creds, Options{
			BaseURL:           cfg.OpenAIBaseURL,
			DefaultModel:      cfg.OpenAIModel,
			DefaultImageModel: cfg.OpenAIImageModel,
		}), nil
	})
	do.Provide(injector, func(i do.Injector) (llm.Replier, error) {
		return do.MustInvoke[*Client](i), nil
	})
	do.Provide(injector, func(i do.Injector) (llm.ImageGenerator, error) {
		return do.MustInvoke[*Client](i), nil
	})
}
