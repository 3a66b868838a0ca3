package fleet

import (
	"github.com/foxseedlab/botfleet/internal/discord"
	"github.com/foxseedlab/botfleet/internal/memory"
)

var minCount = 1.0

// CommandDefinitions is the remote command set every bot registers.
func CommandDefinitions() []discord.CommandDefinition {
	countOption := discord.CommandOption{
		Name:        optionCount,
		Description: optionCountDescription,
		Type:        discord.OptionInteger,
		MinValue:    &minCount,
	}
	return []discord.CommandDefinition{
		{Name: commandReset, Description: commandResetDescription},
		{Name: commandFlush, Description: commandFlushDescription, Options: []discord.CommandOption{countOption}},
		{Name: commandClear, Description: commandClearDescription, Options: []discord.CommandOption{countOption}},
		{Name: commandImagine, Description: commandImagineDescription, Options: []discord.CommandOption{{
			Name:        optionPrompt,
			Description: optionPromptDescription,
			Type:        discord.OptionString,
			Required:    true,
		}}},
		{Name: commandStatus, Description: commandStatusDescription},
	}
}

// registerCommands registers globally and then in every connected guild. A
// failing scope is logged and skipped. It returns the number of scopes that
// accepted the command set.
func (o *Orchestrator) registerCommands(h *Handle) int {
	defs := CommandDefinitions()
	scopes := append([]string{""}, h.session.GuildIDs()...)
	ok := 0
	for _, guildID := range scopes {
		if err := h.session.RegisterCommands(guildID, defs); err != nil {
			o.logger.Warn("failed to register commands", "error", err, "bot_id", h.botID, "guild_id", guildID)
			continue
		}
		ok++
	}
	o.logger.Info("commands registered", "bot_id", h.botID, "scopes", len(scopes), "succeeded", ok)
	return ok
}

func (o *Orchestrator) handleInteraction(h *Handle, ev discord.InteractionEvent) {
	reply := o.interactionReply(h, ev)
	if reply == "" {
		return
	}
	if err := ev.RespondEphemeral(reply); err != nil {
		o.logger.Error("failed to respond to interaction", "error", err, "bot_id", h.botID, "command", ev.CommandName)
	}
}

func (o *Orchestrator) interactionReply(h *Handle, ev discord.InteractionEvent) string {
	count := int(ev.IntegerOptions[optionCount])
	switch ev.CommandName {
	case commandReset:
		n, err := o.memory.Reset(ev.ChannelID, h.botID)
		if err != nil {
			o.logger.Error("failed to reset history", "error", err, "bot_id", h.botID, "channel_id", ev.ChannelID)
			return messageEphemeralMemoryError
		}
		return resetReply(n)
	case commandFlush:
		n, err := o.memory.Flush(ev.ChannelID, h.botID, count)
		if err != nil {
			o.logger.Error("failed to flush history", "error", err, "bot_id", h.botID, "channel_id", ev.ChannelID)
			return messageEphemeralMemoryError
		}
		return flushReply(n)
	case commandClear:
		n, err := o.memory.Clear(ev.ChannelID, h.botID, count)
		if err != nil {
			o.logger.Error("failed to clear history", "error", err, "bot_id", h.botID, "channel_id", ev.ChannelID)
			return messageEphemeralMemoryError
		}
		return clearReply(n)
	case commandStatus:
		hist, err := o.memory.History(ev.ChannelID, h.botID)
		if err != nil {
			o.logger.Error("failed to read history", "error", err, "bot_id", h.botID, "channel_id", ev.ChannelID)
			return messageEphemeralMemoryError
		}
		return statusReply(len(hist.Messages), memory.MaxHistoryLength, h.Configuration().Model, h.Version())
	case commandImagine:
		prompt := ev.StringOptions[optionPrompt]
		if prompt == "" {
			return messageEphemeralNoPrompt
		}
		cfg := h.Configuration()
		if !cfg.ImageEnabled {
			return messageImageDisabled
		}
		o.spawn(func() { o.postImage(h, ev.ChannelID, prompt) })
		return messageEphemeralImageQueued
	default:
		return messageEphemeralUnknown
	}
}
