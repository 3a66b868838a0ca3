package discord

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	discordpkg "github.com/foxseedlab/botfleet/internal/discord"
	"github.com/gorilla/websocket"
)

const (
	closeAuthenticationFailed = 4004
	closeInvalidIntents       = 4013
	closeDisallowedIntents    = 4014

	// A session that stays disconnected longer than this is reported unhealthy.
	reconnectGrace = 2 * time.Minute

	maxAvatarBytes = 10 << 20
)

const gatewayIntents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsMessageContent

type Connector struct {
	// httpClient overrides the REST client of every session; tests use it.
	httpClient *http.Client
}

func NewConnector() *Connector {
	return &Connector{}
}

// Connect validates the token over REST and then opens the gateway. Login
// failures wrap discord.ErrInvalidToken or discord.ErrDisallowedIntents.
func (c *Connector) Connect(ctx context.Context, creds discordpkg.Credentials) (discordpkg.Session, error) {
	s, err := discordgo.New("Bot " + creds.Token)
	if err != nil {
		return nil, err
	}
	if c.httpClient != nil {
		s.Client = c.httpClient
	}
	s.Identify.Intents = gatewayIntents

	me, err := s.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return nil, classifyLoginError(err)
	}

	gs := newGatewaySession(s, creds.ApplicationID, me.ID)
	if err := s.Open(); err != nil {
		return nil, classifyLoginError(err)
	}
	gs.markConnected()
	return gs, nil
}

func classifyLoginError(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %v", discordpkg.ErrInvalidToken, err)
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case closeAuthenticationFailed:
			return fmt.Errorf("%w: %v", discordpkg.ErrInvalidToken, err)
		case closeInvalidIntents, closeDisallowedIntents:
			return fmt.Errorf("%w: %v", discordpkg.ErrDisallowedIntents, err)
		}
	}
	// Some gateway paths only surface the close code in the message text.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "4004") || strings.Contains(msg, "Authentication failed"):
		return fmt.Errorf("%w: %v", discordpkg.ErrInvalidToken, err)
	case strings.Contains(msg, "4014") || strings.Contains(msg, "Disallowed intent"):
		return fmt.Errorf("%w: %v", discordpkg.ErrDisallowedIntents, err)
	}
	return err
}

type gatewaySession struct {
	session   *discordgo.Session
	appID     string
	botUserID string
	logger    *slog.Logger

	mu             sync.Mutex
	connected      bool
	closed         bool
	disconnectedAt time.Time
	now            func() time.Time
}

func newGatewaySession(s *discordgo.Session, appID, botUserID string) *gatewaySession {
	gs := &gatewaySession{
		session:   s,
		appID:     appID,
		botUserID: botUserID,
		logger:    slog.Default().With("component", "discord", "bot_user_id", botUserID),
		now:       time.Now,
	}
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Connect) { gs.markConnected() })
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) { gs.markConnected() })
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) { gs.markDisconnected() })
	return gs
}

func (g *gatewaySession) markConnected() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = true
	g.disconnectedAt = time.Time{}
}

func (g *gatewaySession) markDisconnected() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connected || g.disconnectedAt.IsZero() {
		g.disconnectedAt = g.now()
	}
	g.connected = false
	g.logger.Warn("gateway disconnected")
}

// Healthy is false once the session is closed or has failed to reconnect
// within reconnectGrace.
func (g *gatewaySession) Healthy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	if g.connected {
		return true
	}
	return !g.disconnectedAt.IsZero() && g.now().Sub(g.disconnectedAt) < reconnectGrace
}

func (g *gatewaySession) BotUserID() string {
	return g.botUserID
}

func (g *gatewaySession) ApplicationID() string {
	if g.appID != "" {
		return g.appID
	}
	if g.session.State != nil && g.session.State.Application != nil && g.session.State.Application.ID != "" {
		return g.session.State.Application.ID
	}
	return g.botUserID
}

func (g *gatewaySession) GuildIDs() []string {
	st := g.session.State
	if st == nil {
		return nil
	}
	st.RLock()
	defer st.RUnlock()
	ids := make([]string, 0, len(st.Guilds))
	for _, guild := range st.Guilds {
		if guild != nil && guild.ID != "" {
			ids = append(ids, guild.ID)
		}
	}
	return ids
}

func (g *gatewaySession) RegisterCommands(guildID string, defs []discordpkg.CommandDefinition) error {
	appID := g.ApplicationID()
	if appID == "" {
		return fmt.Errorf("discord application id is not available")
	}
	cmds := make([]*discordgo.ApplicationCommand, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		cmds = append(cmds, toApplicationCommand(def))
	}
	_, err := g.session.ApplicationCommandBulkOverwrite(appID, guildID, cmds)
	return err
}

func toApplicationCommand(def discordpkg.CommandDefinition) *discordgo.ApplicationCommand {
	cmd := &discordgo.ApplicationCommand{
		Name:        def.Name,
		Description: def.Description,
	}
	for _, opt := range def.Options {
		o := &discordgo.ApplicationCommandOption{
			Name:        opt.Name,
			Description: opt.Description,
			Required:    opt.Required,
			MinValue:    opt.MinValue,
			Type:        discordgo.ApplicationCommandOptionString,
		}
		if opt.Type == discordpkg.OptionInteger {
			o.Type = discordgo.ApplicationCommandOptionInteger
		}
		cmd.Options = append(cmd.Options, o)
	}
	return cmd
}

var activityTypes = map[string]discordgo.ActivityType{
	"playing":   discordgo.ActivityTypeGame,
	"listening": discordgo.ActivityTypeListening,
	"watching":  discordgo.ActivityTypeWatching,
	"competing": discordgo.ActivityTypeCompeting,
	"custom":    discordgo.ActivityTypeCustom,
}

func (g *gatewaySession) SetPresence(p discordpkg.Presence) error {
	return g.session.UpdateStatusComplex(presenceData(p))
}

func presenceData(p discordpkg.Presence) discordgo.UpdateStatusData {
	data := discordgo.UpdateStatusData{Status: p.Status}
	if data.Status == "" {
		data.Status = string(discordgo.StatusOnline)
	}
	if p.ActivityName == "" {
		return data
	}
	activity := &discordgo.Activity{Name: p.ActivityName, Type: discordgo.ActivityTypeGame}
	if t, ok := activityTypes[p.ActivityType]; ok {
		activity.Type = t
	}
	if activity.Type == discordgo.ActivityTypeCustom {
		activity.State = p.ActivityName
	}
	data.Activities = []*discordgo.Activity{activity}
	return data
}

// SetAvatar downloads the image at url and uploads it as the bot avatar.
// Discord rate limits avatar changes aggressively; callers treat failures as
// non-fatal.
func (g *gatewaySession) SetAvatar(ctx context.Context, url string) error {
	dataURI, err := g.fetchAvatar(ctx, url)
	if err != nil {
		return err
	}
	_, err = g.session.RequestWithBucketID(http.MethodPatch, discordgo.EndpointUser("@me"),
		map[string]string{"avatar": dataURI}, discordgo.EndpointUsers, discordgo.WithContext(ctx))
	return err
}

func (g *gatewaySession) fetchAvatar(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := g.session.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download avatar: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("download avatar: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarBytes+1))
	if err != nil {
		return "", fmt.Errorf("download avatar: %w", err)
	}
	if len(body) > maxAvatarBytes {
		return "", fmt.Errorf("avatar exceeds %d bytes", maxAvatarBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		contentType = http.DetectContentType(body)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", fmt.Errorf("avatar is not an image: %s", contentType)
	}
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(body), nil
}

func (g *gatewaySession) SendMessage(channelID, content string) error {
	_, err := g.session.ChannelMessageSend(channelID, content)
	return err
}

func (g *gatewaySession) OnMessage(handler func(discordpkg.MessageEvent)) {
	g.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m == nil || m.Message == nil || m.Author == nil {
			return
		}
		handler(toMessageEvent(m.Message))
	})
}

func toMessageEvent(m *discordgo.Message) discordpkg.MessageEvent {
	ev := discordpkg.MessageEvent{
		MessageID: m.ID,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		AuthorID:  m.Author.ID,
		Username:  preferredDiscordName(m.Author.GlobalName, m.Author.Username, m.Author.ID),
		AuthorBot: m.Author.Bot,
		Content:   m.Content,
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID != "" {
			ev.MentionIDs = append(ev.MentionIDs, u.ID)
		}
	}
	return ev
}

func (g *gatewaySession) OnInteraction(handler func(discordpkg.InteractionEvent)) {
	g.session.AddHandler(func(s *discordgo.Session, ic *discordgo.InteractionCreate) {
		if ic == nil || ic.Type != discordgo.InteractionApplicationCommand {
			return
		}
		ev, ok := toInteractionEvent(ic)
		if !ok {
			return
		}
		g.logger.Info("slash command interaction received", "guild_id", ev.GuildID, "channel_id", ev.ChannelID, "command", ev.CommandName, "user_id", ev.UserID)
		ev.RespondEphemeral = func(content string) error {
			return s.InteractionRespond(ic.Interaction, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: content,
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			})
		}
		handler(ev)
	})
}

func toInteractionEvent(ic *discordgo.InteractionCreate) (discordpkg.InteractionEvent, bool) {
	data := ic.ApplicationCommandData()
	if data.Name == "" {
		return discordpkg.InteractionEvent{}, false
	}
	var user *discordgo.User
	if ic.Member != nil && ic.Member.User != nil {
		user = ic.Member.User
	} else if ic.User != nil {
		user = ic.User
	}
	if user == nil || user.ID == "" {
		return discordpkg.InteractionEvent{}, false
	}
	ev := discordpkg.InteractionEvent{
		GuildID:        ic.GuildID,
		ChannelID:      ic.ChannelID,
		CommandName:    data.Name,
		UserID:         user.ID,
		Username:       preferredDiscordName(user.GlobalName, user.Username, user.ID),
		StringOptions:  map[string]string{},
		IntegerOptions: map[string]int64{},
	}
	for _, opt := range data.Options {
		if opt == nil {
			continue
		}
		switch opt.Type {
		case discordgo.ApplicationCommandOptionString:
			ev.StringOptions[opt.Name] = opt.StringValue()
		case discordgo.ApplicationCommandOptionInteger:
			ev.IntegerOptions[opt.Name] = opt.IntValue()
		}
	}
	return ev, true
}

func preferredDiscordName(globalName, username, fallback string) string {
	if globalName != "" {
		return globalName
	}
	if username != "" {
		return username
	}
	return fallback
}

func (g *gatewaySession) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.connected = false
	g.mu.Unlock()
	return g.session.Close()
}
