// Package fleet runs the live sessions of every configured bot: it drives
// each bot's status through OFFLINE, CONNECTING, ONLINE and ERROR, keeps at
// most one live session per bot, and wires inbound events to conversation
// memory and the language-model capabilities.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/foxseedlab/botfleet/internal/bot"
	"github.com/foxseedlab/botfleet/internal/discord"
	"github.com/foxseedlab/botfleet/internal/keylock"
	"github.com/foxseedlab/botfleet/internal/llm"
	"github.com/foxseedlab/botfleet/internal/memory"
	"github.com/foxseedlab/botfleet/internal/webhook"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultStartConcurrency = 4
	defaultReplyTimeout     = 2 * time.Minute
	notifyTimeout           = 5 * time.Second
)

// Memory is the slice of the conversation buffer the orchestrator uses.
type Memory interface {
	Append(channelID, botID, role, content, userID, username string) (*memory.History, error)
	History(channelID, botID string) (*memory.History, error)
	Flush(channelID, botID string, count int) (int, error)
	Clear(channelID, botID string, count int) (int, error)
	Reset(channelID, botID string) (int, error)
	LoadAllForBot(botID string) (int, error)
	ClearAllForBot(botID string) (int, error)
}

type Deps struct {
	Repo        bot.Repository
	Memory      Memory
	Connector   discord.Connector
	Replier     llm.Replier
	Images      llm.ImageGenerator
	Tools       llm.ToolExecutor
	Credentials llm.Credentials
	// Notifier is optional.
	Notifier webhook.Notifier
	Registry *Registry
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

type Options struct {
	StartConcurrency int
	AutoRecover      bool
	ReplyTimeout     time.Duration
}

type Orchestrator struct {
	repo        bot.Repository
	memory      Memory
	connector   discord.Connector
	replier     llm.Replier
	images      llm.ImageGenerator
	tools       llm.ToolExecutor
	credentials llm.Credentials
	notifier    webhook.Notifier
	registry    *Registry
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
	opts        Options

	locks *keylock.Map

	faultMu sync.Mutex
	faulted map[string]struct{}

	background sync.WaitGroup
}

func New(deps Deps, opts Options) *Orchestrator {
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if opts.StartConcurrency <= 0 {
		opts.StartConcurrency = defaultStartConcurrency
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = defaultReplyTimeout
	}
	return &Orchestrator{
		repo:        deps.Repo,
		memory:      deps.Memory,
		connector:   deps.Connector,
		replier:     deps.Replier,
		images:      deps.Images,
		tools:       deps.Tools,
		credentials: deps.Credentials,
		notifier:    deps.Notifier,
		registry:    deps.Registry,
		logger:      deps.Logger.With("component", "fleet"),
		now:         deps.Now,
		newID:       deps.NewID,
		opts:        opts,
		locks:       keylock.New(),
		faulted:     make(map[string]struct{}),
	}
}

func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// spawn runs fn in the background; Wait blocks until every spawned fn returns.
func (o *Orchestrator) spawn(fn func()) {
	o.background.Go(fn)
}

// Wait blocks until background work (notifications, image posts) finishes.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

func (o *Orchestrator) Create(ctx context.Context, ownerID, name, applicationID, token string) (*bot.Bot, error) {
	switch {
	case strings.TrimSpace(ownerID) == "":
		return nil, fmt.Errorf("%w: owner id is required", bot.ErrConfigInvalid)
	case strings.TrimSpace(name) == "":
		return nil, fmt.Errorf("%w: name is required", bot.ErrConfigInvalid)
	case strings.TrimSpace(token) == "":
		return nil, fmt.Errorf("%w: credential token is required", bot.ErrConfigInvalid)
	}
	b, err := o.repo.Create(ctx, bot.CreateInput{
		ID:            o.newID(),
		OwnerID:       ownerID,
		Name:          name,
		ApplicationID: applicationID,
		Token:         token,
		CreatedAt:     o.now(),
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("bot created", "bot_id", b.ID, "owner_id", ownerID, "name", name)
	return b, nil
}

// validate rejects a bot that cannot be started without touching any state.
func (o *Orchestrator) validate(b *bot.Bot) error {
	if strings.TrimSpace(b.Token) == "" {
		return fmt.Errorf("%w: credential token is required", bot.ErrConfigInvalid)
	}
	return o.validateConfiguration(b.Configuration)
}

func (o *Orchestrator) validateConfiguration(cfg bot.Configuration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.HasProvider() {
		if o.credentials == nil {
			return fmt.Errorf("%w: no credential resolver for provider %q", bot.ErrConfigInvalid, cfg.Provider)
		}
		if _, err := o.credentials.Resolve(cfg); err != nil {
			return fmt.Errorf("%w: %v", bot.ErrConfigInvalid, err)
		}
	}
	return nil
}

// Start connects the bot and registers its live handle. It is a no-op when
// the bot is already live. Configuration errors leave the bot untouched;
// login failures leave it in ERROR with no handle.
func (o *Orchestrator) Start(ctx context.Context, id string) (*bot.Bot, error) {
	unlock := o.locks.Lock(id)
	defer unlock()
	return o.startLocked(ctx, id)
}

func (o *Orchestrator) startLocked(ctx context.Context, id string) (*bot.Bot, error) {
	if _, live := o.registry.Get(id); live {
		return o.repo.FindByID(ctx, id)
	}
	b, err := o.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.validate(b); err != nil {
		o.logger.Warn("bot configuration rejected", "error", err, "bot_id", id)
		return nil, err
	}

	from := b.Status
	b, err = o.repo.Update(ctx, id, bot.Update{
		Status:        bot.StatusPtr(bot.StatusConnecting),
		DesiredStatus: bot.StatusPtr(bot.StatusOnline),
	})
	if err != nil {
		return nil, fmt.Errorf("mark bot %s connecting: %w", id, err)
	}
	o.notify(b, from, bot.StatusConnecting, "start requested", nil)
	o.logger.Info("connecting bot", "bot_id", id, "name", b.Name)

	session, err := o.connector.Connect(ctx, discord.Credentials{Token: b.Token, ApplicationID: b.ApplicationID})
	if err != nil {
		loginErr := classifyConnectError(err)
		o.markError(ctx, b, bot.StatusConnecting, "login failed", loginErr)
		return nil, loginErr
	}

	h := newHandle(b, session, o.now())
	o.registerCommands(h)
	o.applyAppearance(ctx, h, b.Configuration)
	session.OnMessage(func(ev discord.MessageEvent) { o.handleMessage(h, ev) })
	session.OnInteraction(func(ev discord.InteractionEvent) { o.handleInteraction(h, ev) })
	if n, err := o.memory.LoadAllForBot(id); err != nil {
		o.logger.Warn("failed to warm conversation history", "error", err, "bot_id", id)
	} else {
		o.logger.Debug("conversation history warmed", "bot_id", id, "histories", n)
	}

	if err := o.registry.Put(h); err != nil {
		o.teardown(h)
		o.markError(ctx, b, bot.StatusConnecting, "registry conflict", err)
		return nil, fmt.Errorf("%w: %v", bot.ErrUnknown, err)
	}
	updated, err := o.repo.Update(ctx, id, bot.Update{Status: bot.StatusPtr(bot.StatusOnline)})
	if err != nil {
		o.registry.Remove(id)
		o.teardown(h)
		o.markError(ctx, b, bot.StatusConnecting, "persist online failed", err)
		return nil, fmt.Errorf("%w: persist online status: %v", bot.ErrUnknown, err)
	}
	o.clearFault(id)
	o.notify(updated, bot.StatusConnecting, bot.StatusOnline, "connected", nil)
	o.logger.Info("bot online", "bot_id", id, "name", updated.Name, "live_bots", o.registry.Len())
	return updated, nil
}

func classifyConnectError(err error) error {
	switch {
	case errors.Is(err, discord.ErrInvalidToken):
		return fmt.Errorf("%w: %v", bot.ErrInvalidCredential, err)
	case errors.Is(err, discord.ErrDisallowedIntents):
		return fmt.Errorf("%w: %v", bot.ErrMissingIntent, err)
	default:
		return fmt.Errorf("%w: %v", bot.ErrUnknown, err)
	}
}

// markError persists ERROR even when ctx is already cancelled so no exit
// path leaves the bot CONNECTING.
func (o *Orchestrator) markError(ctx context.Context, b *bot.Bot, from bot.Status, reason string, cause error) {
	o.markErrorWith(ctx, b.ID, from, reason, cause, bot.Update{})
}

// markErrorWith is markError with extra fields persisted in the same write.
func (o *Orchestrator) markErrorWith(ctx context.Context, id string, from bot.Status, reason string, cause error, u bot.Update) {
	o.logger.Error("bot failed", "error", cause, "bot_id", id, "reason", reason, "kind", bot.KindOf(cause))
	u.Status = bot.StatusPtr(bot.StatusError)
	updated, err := o.repo.Update(context.WithoutCancel(ctx), id, u)
	if err != nil {
		o.logger.Error("failed to persist error status", "error", err, "bot_id", id)
		return
	}
	o.notify(updated, from, bot.StatusError, reason, cause)
}

func (o *Orchestrator) applyAppearance(ctx context.Context, h *Handle, cfg bot.Configuration) {
	if cfg.Presence != nil {
		err := h.session.SetPresence(discord.Presence{
			Status:       cfg.Presence.Status,
			ActivityType: cfg.Presence.ActivityType,
			ActivityName: cfg.Presence.ActivityName,
		})
		if err != nil {
			o.logger.Warn("failed to set presence", "error", err, "bot_id", h.botID)
		}
	}
	if cfg.AvatarURL != "" {
		if err := h.session.SetAvatar(ctx, cfg.AvatarURL); err != nil {
			o.logger.Warn("failed to set avatar", "error", err, "bot_id", h.botID, "avatar_url", cfg.AvatarURL)
		}
	}
}

// teardown closes the session. Close errors are logged; the handle is dead
// either way.
func (o *Orchestrator) teardown(h *Handle) {
	h.cancel()
	if err := h.session.Close(); err != nil {
		o.logger.Warn("failed to close session", "error", err, "bot_id", h.botID)
	}
}

// Stop tears down the live session and records that the owner wants the bot
// offline. Without a live session only the desired status changes.
func (o *Orchestrator) Stop(ctx context.Context, id string) (*bot.Bot, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	o.clearFault(id)
	h, live := o.registry.Get(id)
	if !live {
		b, err := o.repo.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if b.DesiredStatus == bot.StatusOffline {
			return b, nil
		}
		return o.repo.Update(ctx, id, bot.Update{DesiredStatus: bot.StatusPtr(bot.StatusOffline)})
	}

	o.teardown(h)
	o.registry.Remove(id)
	updated, err := o.repo.Update(context.WithoutCancel(ctx), id, bot.Update{
		Status:        bot.StatusPtr(bot.StatusOffline),
		DesiredStatus: bot.StatusPtr(bot.StatusOffline),
	})
	if err != nil {
		err = fmt.Errorf("persist offline status of bot %s: %w", id, err)
		o.markErrorWith(ctx, id, bot.StatusOnline, "persist offline failed", err, bot.Update{
			DesiredStatus: bot.StatusPtr(bot.StatusOffline),
		})
		return nil, err
	}
	o.notify(updated, bot.StatusOnline, bot.StatusOffline, "stop requested", nil)
	o.logger.Info("bot stopped", "bot_id", id, "live_bots", o.registry.Len())
	return updated, nil
}

// UpdateConfiguration merges patch into the stored configuration. A live bot
// picks the new configuration up on its next event without restarting.
func (o *Orchestrator) UpdateConfiguration(ctx context.Context, id string, patch bot.ConfigurationPatch) (*bot.Bot, error) {
	unlock := o.locks.Lock(id)
	defer unlock()

	b, err := o.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	next := patch.Apply(b.Configuration)
	if err := o.validateConfiguration(next); err != nil {
		return nil, err
	}
	updated, err := o.repo.UpdateConfiguration(ctx, id, next)
	if err != nil {
		return nil, err
	}
	if h, live := o.registry.Get(id); live {
		version := h.swapConfiguration(updated.Configuration)
		o.logger.Info("configuration changed", "bot_id", id, "version", version)
		if patch.AppearanceChanged() {
			o.applyAppearance(ctx, h, updated.Configuration)
		}
	}
	o.notify(updated, updated.Status, updated.Status, "configuration changed", nil)
	return updated, nil
}

// Delete stops the bot, drops its conversation histories and removes the
// record.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	unlock := o.locks.Lock(id)
	defer unlock()

	b, err := o.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	h, live := o.registry.Remove(id)
	if live {
		o.teardown(h)
	}
	o.clearFault(id)
	n, err := o.memory.ClearAllForBot(id)
	if err != nil {
		err = fmt.Errorf("%w: clear histories of bot %s: %v", bot.ErrTransientIO, id, err)
	} else {
		err = o.repo.Delete(ctx, id)
	}
	if err != nil {
		o.parkUndeleted(ctx, b, live, err)
		return err
	}
	o.logger.Info("bot deleted", "bot_id", id, "histories_deleted", n)
	return nil
}

// parkUndeleted records a half-finished Delete as OFFLINE with desired
// OFFLINE so the next boot does not bring the bot back.
func (o *Orchestrator) parkUndeleted(ctx context.Context, b *bot.Bot, wasLive bool, cause error) {
	o.logger.Error("failed to delete bot", "error", cause, "bot_id", b.ID, "was_live", wasLive)
	u := bot.Update{DesiredStatus: bot.StatusPtr(bot.StatusOffline)}
	if wasLive {
		u.Status = bot.StatusPtr(bot.StatusOffline)
	}
	updated, err := o.repo.Update(context.WithoutCancel(ctx), b.ID, u)
	if err != nil {
		o.logger.Error("failed to park undeleted bot", "error", err, "bot_id", b.ID)
		return
	}
	if wasLive {
		o.notify(updated, b.Status, bot.StatusOffline, "delete failed", cause)
	}
}

func (o *Orchestrator) GetStatus(ctx context.Context, id string) (*bot.Bot, error) {
	return o.repo.FindByID(ctx, id)
}

// IsLive reports whether id has a live session in this process.
func (o *Orchestrator) IsLive(id string) bool {
	_, ok := o.registry.Get(id)
	return ok
}

type StartResult struct {
	BotID string
	Name  string
	Err   error
}

type InitReport struct {
	Results []StartResult
}

func (r InitReport) Started() int {
	n := 0
	for _, res := range r.Results {
		if res.Err == nil {
			n++
		}
	}
	return n
}

func (r InitReport) Failed() int {
	return len(r.Results) - r.Started()
}

// InitializeAll starts every bot whose owner wants it online. It runs after
// SetAllOffline, never aborts on a single failure and marks bots that fail
// before login as ERROR too.
func (o *Orchestrator) InitializeAll(ctx context.Context) (InitReport, error) {
	bots, err := o.repo.FindByDesiredStatus(ctx, bot.StatusOnline)
	if err != nil {
		return InitReport{}, fmt.Errorf("list bots to start: %w", err)
	}
	report := InitReport{Results: make([]StartResult, len(bots))}
	var g errgroup.Group
	g.SetLimit(o.opts.StartConcurrency)
	for i := range bots {
		b := bots[i]
		g.Go(func() error {
			report.Results[i] = StartResult{BotID: b.ID, Name: b.Name, Err: o.initialStart(ctx, &b)}
			return nil
		})
	}
	_ = g.Wait()
	o.logger.Info("fleet initialized", "candidates", len(bots), "started", report.Started(), "failed", report.Failed())
	return report, nil
}

func (o *Orchestrator) initialStart(ctx context.Context, b *bot.Bot) error {
	unlock := o.locks.Lock(b.ID)
	defer unlock()

	_, err := o.startLocked(ctx, b.ID)
	if bot.KindOf(err) == bot.KindConfigInvalid {
		o.markError(ctx, b, b.Status, "invalid configuration", err)
	}
	return err
}

// StopAll tears down every live session concurrently for process shutdown.
// Desired status is kept so the next boot starts the same bots again.
func (o *Orchestrator) StopAll(ctx context.Context) error {
	ids := o.registry.IDs()
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Go(func() {
			errs[i] = o.shutdown(ctx, id)
		})
	}
	wg.Wait()
	err := errors.Join(errs...)
	if err != nil {
		o.logger.Error("some bots failed to stop cleanly", "error", err)
	}
	o.logger.Info("fleet stopped", "bots", len(ids))
	return err
}

func (o *Orchestrator) shutdown(ctx context.Context, id string) error {
	unlock := o.locks.Lock(id)
	defer unlock()

	h, live := o.registry.Remove(id)
	if !live {
		return nil
	}
	o.teardown(h)
	updated, err := o.repo.Update(context.WithoutCancel(ctx), id, bot.Update{Status: bot.StatusPtr(bot.StatusOffline)})
	if err != nil {
		err = fmt.Errorf("persist offline status of bot %s: %w", id, err)
		o.markErrorWith(ctx, id, bot.StatusOnline, "persist offline failed", err, bot.Update{})
		return err
	}
	o.notify(updated, bot.StatusOnline, bot.StatusOffline, "process shutdown", nil)
	return nil
}

func (o *Orchestrator) notify(b *bot.Bot, from, to bot.Status, reason string, cause error) {
	if o.notifier == nil {
		return
	}
	event := webhook.StatusEvent{
		BotID:      b.ID,
		BotName:    b.Name,
		From:       string(from),
		To:         string(to),
		Reason:     reason,
		OccurredAt: o.now(),
	}
	if cause != nil {
		event.ErrorKind = string(bot.KindOf(cause))
	}
	o.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := o.notifier.NotifyStatus(ctx, event); err != nil {
			o.logger.Warn("failed to send status notification", "error", err, "bot_id", event.BotID, "to", event.To)
		}
	})
}
