package discord

import (
	"context"
	"errors"
	"slices"
)

// MessageLimit is the maximum length of a single outbound message.
const MessageLimit = 2000

var (
	ErrInvalidToken      = errors.New("discord rejected the bot token")
	ErrDisallowedIntents = errors.New("discord rejected the requested gateway intents")
)

type Credentials struct {
	Token         string
	ApplicationID string
}

type OptionType int

const (
	OptionString OptionType = iota + 1
	OptionInteger
)

type CommandOption struct {
	Name        string
	Description string
	Type        OptionType
	Required    bool
	MinValue    *float64
}

type CommandDefinition struct {
	Name        string
	Description string
	Options     []CommandOption
}

type Presence struct {
	Status       string
	ActivityType string
	ActivityName string
}

type MessageEvent struct {
	MessageID  string
	GuildID    string
	ChannelID  string
	AuthorID   string
	Username   string
	AuthorBot  bool
	Content    string
	MentionIDs []string
}

// IsDirect reports whether the message arrived outside a guild.
func (e MessageEvent) IsDirect() bool {
	return e.GuildID == ""
}

func (e MessageEvent) Mentions(userID string) bool {
	return slices.Contains(e.MentionIDs, userID)
}

type InteractionEvent struct {
	GuildID          string
	ChannelID        string
	CommandName      string
	UserID           string
	Username         string
	StringOptions    map[string]string
	IntegerOptions   map[string]int64
	RespondEphemeral func(content string) error
}

// Session is one bot's live gateway connection.
type Session interface {
	BotUserID() string
	ApplicationID() string
	GuildIDs() []string
	// RegisterCommands overwrites the command set; an empty guildID targets
	// the global scope.
	RegisterCommands(guildID string, defs []CommandDefinition) error
	SetPresence(p Presence) error
	SetAvatar(ctx context.Context, url string) error
	SendMessage(channelID, content string) error
	OnMessage(handler func(MessageEvent))
	OnInteraction(handler func(InteractionEvent))
	Healthy() bool
	Close() error
}

type Connector interface {
	Connect(ctx context.Context, creds Credentials) (Session, error)
}
