package llm

import (
	"fmt"
	"strings"

	"github.com/foxseedlab/botfleet/internal/bot"
)

// KeyResolver prefers the key stored on the bot and falls back to the
// process-level key registered for the provider. Only providers the process
// has an adapter for resolve at all.
type KeyResolver struct {
	supported map[string]struct{}
	keys      map[string]string
}

func NewKeyResolver(supported []string, processKeys map[string]string) *KeyResolver {
	r := &KeyResolver{
		supported: make(map[string]struct{}, len(supported)),
		keys:      make(map[string]string, len(processKeys)),
	}
	for _, provider := range supported {
		r.supported[normalizeProvider(provider)] = struct{}{}
	}
	for provider, key := range processKeys {
		if key = strings.TrimSpace(key); key != "" {
			r.keys[normalizeProvider(provider)] = key
		}
	}
	return r
}

func (r *KeyResolver) Resolve(cfg bot.Configuration) (string, error) {
	provider := normalizeProvider(cfg.Provider)
	if _, ok := r.supported[provider]; !ok {
		return "", fmt.Errorf("%w %q", ErrUnsupportedProvider, cfg.Provider)
	}
	if key := strings.TrimSpace(cfg.ProviderAPIKey); key != "" {
		return key, nil
	}
	if key, ok := r.keys[provider]; ok {
		return key, nil
	}
	return "", fmt.Errorf("%w %q", ErrNoCredential, provider)
}

func normalizeProvider(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}
