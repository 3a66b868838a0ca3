package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/foxseedlab/botfleet/internal/discord"
	"github.com/foxseedlab/botfleet/internal/llm"
	"github.com/foxseedlab/botfleet/internal/memory"
)

// handleMessage answers a message that mentions the bot or arrives as a
// direct message. Messages from bots are ignored.
func (o *Orchestrator) handleMessage(h *Handle, ev discord.MessageEvent) {
	self := h.session.BotUserID()
	if ev.AuthorBot || ev.AuthorID == self {
		return
	}
	if !ev.IsDirect() && !ev.Mentions(self) {
		return
	}
	prompt := stripMention(ev.Content, self)
	if prompt == "" {
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, o.opts.ReplyTimeout)
	defer cancel()
	cfg := h.Configuration()
	logger := o.logger.With("bot_id", h.botID, "channel_id", ev.ChannelID)

	var prior []memory.Message
	hist, err := o.memory.Append(ev.ChannelID, h.botID, memory.RoleUser, prompt, ev.AuthorID, ev.Username)
	if err != nil {
		logger.Warn("failed to record user message", "error", err)
	} else if n := len(hist.Messages); n > 0 {
		prior = hist.Messages[:n-1]
	}

	reply, err := o.replier.GenerateReply(ctx, h.botID, prompt, prior, cfg)
	if err != nil {
		logger.Error("failed to generate reply", "error", err)
		o.send(h, ev.ChannelID, messageReplyFailed)
		return
	}

	if reply.Text != "" {
		if _, err := o.memory.Append(ev.ChannelID, h.botID, memory.RoleAssistant, reply.Text, "", h.name); err != nil {
			logger.Warn("failed to record reply", "error", err)
		}
		o.send(h, ev.ChannelID, reply.Text)
	}
	if len(reply.ToolCalls) > 0 {
		o.runToolCalls(ctx, h, ev.ChannelID, reply.ToolCalls)
	}
}

// stripMention removes the bot's own mention tokens from content.
func stripMention(content, botUserID string) string {
	if botUserID != "" {
		content = strings.ReplaceAll(content, "<@"+botUserID+">", "")
		content = strings.ReplaceAll(content, "<@!"+botUserID+">", "")
	}
	return strings.TrimSpace(content)
}

// send posts content split at the platform limit. It stops at the first
// failed chunk.
func (o *Orchestrator) send(h *Handle, channelID, content string) {
	for _, chunk := range SplitMessage(content, discord.MessageLimit) {
		if err := h.session.SendMessage(channelID, chunk); err != nil {
			o.logger.Error("failed to send message", "error", err, "bot_id", h.botID, "channel_id", channelID)
			return
		}
	}
}

// runToolCalls executes the tool calls of a reply after its text was sent.
// Every failure here is reported in the channel or logged and never undoes
// the reply.
func (o *Orchestrator) runToolCalls(ctx context.Context, h *Handle, channelID string, calls []llm.ToolCall) {
	cfg := h.Configuration()
	var toolCalls []llm.ToolCall
	for _, call := range calls {
		if call.Name != llm.ImageToolName {
			toolCalls = append(toolCalls, call)
			continue
		}
		var args struct {
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || strings.TrimSpace(args.Prompt) == "" {
			o.logger.Warn("ignoring image call without prompt", "error", err, "bot_id", h.botID)
			continue
		}
		if !cfg.ImageEnabled {
			continue
		}
		o.postImage(h, channelID, args.Prompt)
	}
	if len(toolCalls) == 0 || o.tools == nil {
		return
	}

	results := o.tools.ExecuteTools(ctx, toolCalls, cfg.Tools)
	lines := make([]string, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			o.logger.Warn("tool call failed", "error", r.Err, "bot_id", h.botID, "tool", r.Name)
			lines = append(lines, fmt.Sprintf(messageToolFailed, r.Name, r.Err))
			continue
		}
		lines = append(lines, fmt.Sprintf(messageToolFormat, r.Name, r.Output))
	}
	o.send(h, channelID, strings.Join(lines, "\n"))
}

func (o *Orchestrator) postImage(h *Handle, channelID, prompt string) {
	if o.images == nil {
		o.send(h, channelID, messageImageDisabled)
		return
	}
	ctx, cancel := context.WithTimeout(h.ctx, o.opts.ReplyTimeout)
	defer cancel()
	url, err := o.images.GenerateImage(ctx, prompt, h.Configuration())
	switch {
	case err != nil:
		o.logger.Error("failed to generate image", "error", err, "bot_id", h.botID, "channel_id", channelID)
		o.send(h, channelID, messageImageFailed)
	case url == "":
		o.send(h, channelID, messageImageEmpty)
	default:
		o.send(h, channelID, url)
	}
}
