package fleet

import "fmt"

const (
	commandReset   = "reset"
	commandFlush   = "flush"
	commandClear   = "clear"
	commandImagine = "imagine"
	commandStatus  = "status"

	optionCount  = "count"
	optionPrompt = "prompt"

	commandResetDescription   = "Forget this channel's conversation history."
	commandFlushDescription   = "Drop the oldest messages from this channel's history."
	commandClearDescription   = "Drop the most recent messages from this channel's history."
	commandImagineDescription = "Generate an image from a prompt."
	commandStatusDescription  = "Show what this bot remembers about this channel."
	optionCountDescription    = "How many messages to drop (default: 10% of the history)."
	optionPromptDescription   = "What the image should show."

	messageReplyFailed          = ":warning: **Sorry, I couldn't come up with a reply right now.**"
	messageImageFailed          = ":warning: **Image generation failed.**"
	messageImageDisabled        = ":warning: **Image generation is disabled for this bot.**"
	messageImageEmpty           = ":warning: **The image provider returned nothing.**"
	messageEphemeralUnknown     = ":warning: **Unknown command.**"
	messageEphemeralMemoryError = ":warning: **Could not update the conversation history.**"
	messageEphemeralNoPrompt    = ":warning: **Please describe the image.**"
	messageEphemeralImageQueued = ":art: **Generating your image...**"

	messageResetFormat  = ":wastebasket: **Forgot %d messages.**"
	messageFlushFormat  = ":broom: **Dropped the %d oldest messages.**"
	messageClearFormat  = ":broom: **Dropped the %d most recent messages.**"
	messageStatusFormat = ":information_source: **%d of %d messages remembered.**\n-# model: %s, config v%d"
	messageToolFormat   = "-# tool `%s`: %s"
	messageToolFailed   = "-# tool `%s` failed: %v"
)

func resetReply(n int) string { return fmt.Sprintf(messageResetFormat, n) }
func flushReply(n int) string { return fmt.Sprintf(messageFlushFormat, n) }
func clearReply(n int) string { return fmt.Sprintf(messageClearFormat, n) }

func statusReply(n, limit int, model string, version uint64) string {
	if model == "" {
		model = "default"
	}
	return fmt.Sprintf(messageStatusFormat, n, limit, model, version)
}
