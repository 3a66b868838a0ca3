package bot

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxSystemPromptLength = 4000
	maxTemperature        = 2
)

var (
	presenceStatuses = map[string]struct{}{"online": {}, "idle": {}, "dnd": {}, "invisible": {}}
	activityTypes    = map[string]struct{}{"": {}, "playing": {}, "listening": {}, "watching": {}, "competing": {}, "custom": {}}
	parameterTypes   = map[string]struct{}{"string": {}, "number": {}, "integer": {}, "boolean": {}}
)

type Configuration struct {
	SystemPrompt   string           `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Provider       string           `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model          string           `json:"model,omitempty" yaml:"model,omitempty"`
	ProviderAPIKey string           `json:"provider_api_key,omitempty" yaml:"-"`
	Temperature    float32          `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens      int              `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	ImageEnabled   bool             `json:"image_enabled,omitempty" yaml:"image_enabled,omitempty"`
	ImageModel     string           `json:"image_model,omitempty" yaml:"image_model,omitempty"`
	AvatarURL      string           `json:"avatar_url,omitempty" yaml:"avatar_url,omitempty"`
	Presence       *Presence        `json:"presence,omitempty" yaml:"presence,omitempty"`
	Tools          []ToolDefinition `json:"tools,omitempty" yaml:"tools,omitempty"`
}

type Presence struct {
	Status       string `json:"status" yaml:"status"`
	ActivityType string `json:"activity_type,omitempty" yaml:"activity_type,omitempty"`
	ActivityName string `json:"activity_name,omitempty" yaml:"activity_name,omitempty"`
}

type ToolDefinition struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  []ToolParameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

type ToolParameter struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// HasProvider reports whether replies are backed by a language model.
func (c Configuration) HasProvider() bool {
	return strings.TrimSpace(c.Provider) != ""
}

// Validate checks the configuration on its own. Credential resolution is the
// caller's concern because it depends on process-level secrets.
func (c Configuration) Validate() error {
	if n := utf8.RuneCountInString(c.SystemPrompt); n > MaxSystemPromptLength {
		return fmt.Errorf("%w: system prompt is %d characters, limit is %d", ErrConfigInvalid, n, MaxSystemPromptLength)
	}
	if c.Temperature < 0 || c.Temperature > maxTemperature {
		return fmt.Errorf("%w: temperature must be between 0 and %d, got %v", ErrConfigInvalid, maxTemperature, c.Temperature)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("%w: max tokens must not be negative, got %d", ErrConfigInvalid, c.MaxTokens)
	}
	if c.Presence != nil {
		if _, ok := presenceStatuses[c.Presence.Status]; !ok {
			return fmt.Errorf("%w: presence status %q is not supported", ErrConfigInvalid, c.Presence.Status)
		}
		if _, ok := activityTypes[c.Presence.ActivityType]; !ok {
			return fmt.Errorf("%w: activity type %q is not supported", ErrConfigInvalid, c.Presence.ActivityType)
		}
	}
	return validateTools(c.Tools)
}

func validateTools(tools []ToolDefinition) error {
	seen := make(map[string]struct{}, len(tools))
	for _, tool := range tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return fmt.Errorf("%w: tool name is required", ErrConfigInvalid)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: tool %q is declared twice", ErrConfigInvalid, name)
		}
		seen[name] = struct{}{}
		params := make(map[string]struct{}, len(tool.Parameters))
		for _, p := range tool.Parameters {
			if strings.TrimSpace(p.Name) == "" {
				return fmt.Errorf("%w: tool %q has a parameter without a name", ErrConfigInvalid, name)
			}
			if _, dup := params[p.Name]; dup {
				return fmt.Errorf("%w: tool %q declares parameter %q twice", ErrConfigInvalid, name, p.Name)
			}
			params[p.Name] = struct{}{}
			if _, ok := parameterTypes[p.Type]; !ok {
				return fmt.Errorf("%w: tool %q parameter %q has unsupported type %q", ErrConfigInvalid, name, p.Name, p.Type)
			}
		}
	}
	return nil
}

// ConfigurationPatch is a partial configuration edit; nil fields keep the
// stored value.
type ConfigurationPatch struct {
	SystemPrompt   *string           `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Provider       *string           `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model          *string           `json:"model,omitempty" yaml:"model,omitempty"`
	ProviderAPIKey *string           `json:"provider_api_key,omitempty" yaml:"provider_api_key,omitempty"`
	Temperature    *float32          `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens      *int              `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	ImageEnabled   *bool             `json:"image_enabled,omitempty" yaml:"image_enabled,omitempty"`
	ImageModel     *string           `json:"image_model,omitempty" yaml:"image_model,omitempty"`
	AvatarURL      *string           `json:"avatar_url,omitempty" yaml:"avatar_url,omitempty"`
	Presence       *Presence         `json:"presence,omitempty" yaml:"presence,omitempty"`
	Tools          *[]ToolDefinition `json:"tools,omitempty" yaml:"tools,omitempty"`
}

func (p ConfigurationPatch) Apply(c Configuration) Configuration {
	if p.SystemPrompt != nil {
		c.SystemPrompt = *p.SystemPrompt
	}
	if p.Provider != nil {
		c.Provider = *p.Provider
	}
	if p.Model != nil {
		c.Model = *p.Model
	}
	if p.ProviderAPIKey != nil {
		c.ProviderAPIKey = *p.ProviderAPIKey
	}
	if p.Temperature != nil {
		c.Temperature = *p.Temperature
	}
	if p.MaxTokens != nil {
		c.MaxTokens = *p.MaxTokens
	}
	if p.ImageEnabled != nil {
		c.ImageEnabled = *p.ImageEnabled
	}
	if p.ImageModel != nil {
		c.ImageModel = *p.ImageModel
	}
	if p.AvatarURL != nil {
		c.AvatarURL = *p.AvatarURL
	}
	if p.Presence != nil {
		presence := *p.Presence
		c.Presence = &presence
	}
	if p.Tools != nil {
		c.Tools = append([]ToolDefinition(nil), (*p.Tools)...)
	}
	return c
}

// AppearanceChanged reports whether applying p would change avatar or presence.
func (p ConfigurationPatch) AppearanceChanged() bool {
	return p.AvatarURL != nil || p.Presence != nil
}
