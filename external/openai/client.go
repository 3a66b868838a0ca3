// Package openai implements the reply and image capabilities on top of the
// OpenAI API (or any endpoint compatible with it).
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/foxseedlab/botfleet/internal/bot"
	"github.com/foxseedlab/botfleet/internal/llm"
	"github.com/foxseedlab/botfleet/internal/memory"
	openai "github.com/sashabaranov/go-openai"
)

const ProviderName = "openai"

var ErrUnsupportedProvider = llm.ErrUnsupportedProvider

type Options struct {
	BaseURL           string
	DefaultModel      string
	DefaultImageModel string
	HTTPClient        *http.Client
}

type Client struct {
	creds llm.Credentials
	opts  Options

	mu      sync.Mutex
	clients map[string]*openai.Client
}

func NewClient(creds llm.Credentials, opts Options) *Client {
	if opts.DefaultModel == "" {
		opts.DefaultModel = openai.GPT4oMini
	}
	if opts.DefaultImageModel == "" {
		opts.DefaultImageModel = openai.CreateImageModelDallE3
	}
	return &Client{
		creds:   creds,
		opts:    opts,
		clients: make(map[string]*openai.Client),
	}
}

// clientFor returns a client authenticated for cfg. Clients are cached per
// API key since bots may carry their own.
func (c *Client) clientFor(cfg bot.Configuration) (*openai.Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderName
	}
	if provider != ProviderName {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, cfg.Provider)
	}
	cfg.Provider = provider
	key, err := c.creds.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[key]; ok {
		return cl, nil
	}
	oc := openai.DefaultConfig(key)
	if c.opts.BaseURL != "" {
		oc.BaseURL = c.opts.BaseURL
	}
	if c.opts.HTTPClient != nil {
		oc.HTTPClient = c.opts.HTTPClient
	}
	cl := openai.NewClientWithConfig(oc)
	c.clients[key] = cl
	return cl, nil
}

func (c *Client) GenerateReply(ctx context.Context, botID, prompt string, history []memory.Message, cfg bot.Configuration) (llm.Reply, error) {
	cl, err := c.clientFor(cfg)
	if err != nil {
		return llm.Reply{}, err
	}
	model := cfg.Model
	if model == "" {
		model = c.opts.DefaultModel
	}
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    buildMessages(cfg.SystemPrompt, history, prompt),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Tools:       buildTools(cfg),
		User:        botID,
	}
	resp, err := cl.CreateChatCompletion(ctx, req)
	if err != nil {
		return llm.Reply{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return llm.Reply{}, nil
	}
	msg := resp.Choices[0].Message
	reply := llm.Reply{Text: strings.TrimSpace(msg.Content)}
	for _, tc := range msg.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return reply, nil
}

func buildMessages(systemPrompt string, history []memory.Message, prompt string) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if strings.TrimSpace(systemPrompt) != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	for _, m := range history {
		switch m.Role {
		case memory.RoleAssistant:
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content})
		case memory.RoleSystem:
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content})
		default:
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: speakerPrefix(m.Username) + m.Content})
		}
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})
}

// speakerPrefix keeps channel participants apart in a shared history.
func speakerPrefix(username string) string {
	if username == "" {
		return ""
	}
	return username + ": "
}

func buildTools(cfg bot.Configuration) []openai.Tool {
	var tools []openai.Tool
	for _, def := range cfg.Tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  parameterSchema(def.Parameters),
			},
		})
	}
	if cfg.ImageEnabled {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        llm.ImageToolName,
				Description: "Generate an image from a text description.",
				Parameters: parameterSchema([]bot.ToolParameter{
					{Name: "prompt", Type: "string", Description: "What the image should show.", Required: true},
				}),
			},
		})
	}
	return tools
}

func parameterSchema(params []bot.ToolParameter) map[string]any {
	props := make(map[string]any, len(params))
	required := []string{}
	for _, p := range params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func (c *Client) GenerateImage(ctx context.Context, prompt string, cfg bot.Configuration) (string, error) {
	cl, err := c.clientFor(cfg)
	if err != nil {
		return "", err
	}
	model := cfg.ImageModel
	if model == "" {
		model = c.opts.DefaultImageModel
	}
	resp, err := cl.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          model,
		N:              1,
		Size:           openai.CreateImageSize1024x1024,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return "", fmt.Errorf("create image: %w", err)
	}
	if len(resp.Data) == 0 {
		return "", nil
	}
	return resp.Data[0].URL, nil
}
