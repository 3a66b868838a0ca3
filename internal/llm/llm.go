// Package llm declares the language-model capabilities a running bot consumes.
package llm

import (
	"context"
	"errors"

	"github.com/foxseedlab/botfleet/internal/bot"
	"github.com/foxseedlab/botfleet/internal/memory"
)

// ImageToolName is the tool call that is routed to the ImageGenerator instead
// of the ToolExecutor.
const ImageToolName = "generate_image"

var (
	ErrNoCredential        = errors.New("no credential for provider")
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type ToolResult struct {
	CallID string
	Name   string
	Output string
	Err    error
}

type Reply struct {
	Text      string
	ToolCalls []ToolCall
}

// Replier produces the assistant reply for prompt. history holds the earlier
// messages of the conversation, oldest first, without prompt itself.
type Replier interface {
	GenerateReply(ctx context.Context, botID, prompt string, history []memory.Message, cfg bot.Configuration) (Reply, error)
}

// ImageGenerator returns a URL of the generated image, or "" when the
// provider produced none.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string, cfg bot.Configuration) (string, error)
}

// ToolExecutor runs tool calls against their declared definitions. It reports
// per-call failures in ToolResult.Err and never fails the batch.
type ToolExecutor interface {
	ExecuteTools(ctx context.Context, calls []ToolCall, defs []bot.ToolDefinition) []ToolResult
}

type Credentials interface {
	Resolve(cfg bot.Configuration) (string, error)
}
