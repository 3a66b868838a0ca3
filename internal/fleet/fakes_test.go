package fleet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxseedlab/botfleet/internal/bot"
	"github.com/foxseedlab/botfleet/internal/discord"
	"github.com/foxseedlab/botfleet/internal/llm"
	"github.com/foxseedlab/botfleet/internal/memory"
	"github.com/foxseedlab/botfleet/internal/webhook"
)

type fakeRepository struct {
	mu          sync.Mutex
	bots        map[string]bot.Bot
	transitions map[string][]bot.Status
	failStatus  map[bot.Status]error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		bots:        map[string]bot.Bot{},
		transitions: map[string][]bot.Status{},
		failStatus:  map[bot.Status]error{},
	}
}

func (r *fakeRepository) FindByID(_ context.Context, id string) (*bot.Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", bot.ErrNotFound, id)
	}
	return &b, nil
}

func (r *fakeRepository) filter(keep func(bot.Bot) bool) []bot.Bot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bot.Bot
	for _, b := range r.bots {
		if keep(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *fakeRepository) FindByOwner(_ context.Context, ownerID string) ([]bot.Bot, error) {
	return r.filter(func(b bot.Bot) bool { return b.OwnerID == ownerID }), nil
}

func (r *fakeRepository) FindByStatus(_ context.Context, status bot.Status) ([]bot.Bot, error) {
	return r.filter(func(b bot.Bot) bool { return b.Status == status }), nil
}

func (r *fakeRepository) FindByDesiredStatus(_ context.Context, status bot.Status) ([]bot.Bot, error) {
	return r.filter(func(b bot.Bot) bool { return b.DesiredStatus == status }), nil
}

func (r *fakeRepository) Create(_ context.Context, in bot.CreateInput) (*bot.Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.bots[in.ID]; dup {
		return nil, errors.New("duplicate id")
	}
	b := bot.Bot{
		ID:            in.ID,
		OwnerID:       in.OwnerID,
		Name:          in.Name,
		ApplicationID: in.ApplicationID,
		Token:         in.Token,
		Status:        bot.StatusOffline,
		DesiredStatus: bot.StatusOffline,
		Configuration: in.Configuration,
		CreatedAt:     in.CreatedAt,
		UpdatedAt:     in.CreatedAt,
	}
	r.bots[b.ID] = b
	r.transitions[b.ID] = []bot.Status{bot.StatusOffline}
	return &b, nil
}

func (r *fakeRepository) Update(_ context.Context, id string, u bot.Update) (*bot.Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", bot.ErrNotFound, id)
	}
	if u.Status != nil {
		if err := r.failStatus[*u.Status]; err != nil {
			return nil, err
		}
		if *u.Status != b.Status {
			r.transitions[id] = append(r.transitions[id], *u.Status)
		}
		b.Status = *u.Status
	}
	if u.DesiredStatus != nil {
		b.DesiredStatus = *u.DesiredStatus
	}
	if u.Name != nil {
		b.Name = *u.Name
	}
	if u.Token != nil {
		b.Token = *u.Token
	}
	if u.ApplicationID != nil {
		b.ApplicationID = *u.ApplicationID
	}
	r.bots[id] = b
	return &b, nil
}

func (r *fakeRepository) UpdateConfiguration(_ context.Context, id string, cfg bot.Configuration) (*bot.Bot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", bot.ErrNotFound, id)
	}
	b.Configuration = cfg
	r.bots[id] = b
	return &b, nil
}

func (r *fakeRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bots[id]; !ok {
		return fmt.Errorf("%w: %s", bot.ErrNotFound, id)
	}
	delete(r.bots, id)
	return nil
}

func (r *fakeRepository) SetAllOffline(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, b := range r.bots {
		if b.Status == bot.StatusOnline || b.Status == bot.StatusConnecting {
			b.Status = bot.StatusOffline
			r.bots[id] = b
			r.transitions[id] = append(r.transitions[id], bot.StatusOffline)
			n++
		}
	}
	return n, nil
}

func (r *fakeRepository) seed(b bot.Bot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots[b.ID] = b
	r.transitions[b.ID] = []bot.Status{b.Status}
}

func (r *fakeRepository) history(id string) []bot.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bot.Status(nil), r.transitions[id]...)
}

func (r *fakeRepository) setFailure(status bot.Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failStatus[status] = err
}

type sentMessage struct {
	ChannelID string
	Content   string
}

type fakeSession struct {
	botUserID   string
	guilds      []string
	failGuilds  map[string]bool
	avatarErr   error
	presenceErr error

	mu            sync.Mutex
	scopes        []string
	presences     []discord.Presence
	avatars       []string
	sent          []sentMessage
	onMessage     func(discord.MessageEvent)
	onInteraction func(discord.InteractionEvent)
	closed        int
	healthy       bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{botUserID: "self", healthy: true, failGuilds: map[string]bool{}}
}

func (s *fakeSession) BotUserID() string     { return s.botUserID }
func (s *fakeSession) ApplicationID() string { return "app" }
func (s *fakeSession) GuildIDs() []string    { return s.guilds }

func (s *fakeSession) RegisterCommands(guildID string, _ []discord.CommandDefinition) error {
	if s.failGuilds[guildID] {
		return errors.New("missing access")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes = append(s.scopes, guildID)
	return nil
}

func (s *fakeSession) SetPresence(p discord.Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presences = append(s.presences, p)
	return s.presenceErr
}

func (s *fakeSession) SetAvatar(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.avatars = append(s.avatars, url)
	return s.avatarErr
}

func (s *fakeSession) SendMessage(channelID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{ChannelID: channelID, Content: content})
	return nil
}

func (s *fakeSession) OnMessage(h func(discord.MessageEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = h
}

func (s *fakeSession) OnInteraction(h func(discord.InteractionEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInteraction = h
}

func (s *fakeSession) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy && s.closed == 0
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSession) setHealthy(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = v
}

func (s *fakeSession) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

func (s *fakeSession) deliver(ev discord.MessageEvent) {
	s.mu.Lock()
	h := s.onMessage
	s.mu.Unlock()
	h(ev)
}

func (s *fakeSession) interact(ev discord.InteractionEvent) string {
	s.mu.Lock()
	h := s.onInteraction
	s.mu.Unlock()
	var reply string
	ev.RespondEphemeral = func(content string) error {
		reply = content
		return nil
	}
	h(ev)
	return reply
}

func (s *fakeSession) closedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeConnector struct {
	mu       sync.Mutex
	errs     map[string]error
	sessions []*fakeSession
	prepare  func(*fakeSession)
	delay    time.Duration
	connects atomic.Int32
	inflight atomic.Int32
	peak     atomic.Int32
	open     atomic.Int32
	maxOpen  atomic.Int32
}

func raisePeak(peak *atomic.Int32, n int32) {
	for {
		cur := peak.Load()
		if n <= cur || peak.CompareAndSwap(cur, n) {
			return
		}
	}
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{errs: map[string]error{}}
}

func (c *fakeConnector) Connect(_ context.Context, creds discord.Credentials) (discord.Session, error) {
	c.connects.Add(1)
	raisePeak(&c.peak, c.inflight.Add(1))
	defer c.inflight.Add(-1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	err := c.errs[creds.Token]
	prepare := c.prepare
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s := newFakeSession()
	if prepare != nil {
		prepare(s)
	}
	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()
	return &trackedSession{fakeSession: s, conn: c}, nil
}

func (c *fakeConnector) failToken(token string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[token] = err
}

func (c *fakeConnector) last() *fakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) == 0 {
		return nil
	}
	return c.sessions[len(c.sessions)-1]
}

// trackedSession counts sessions that are open at the same time.
type trackedSession struct {
	*fakeSession
	conn      *fakeConnector
	openOnce  sync.Once
	closeOnce sync.Once
}

func (t *trackedSession) RegisterCommands(guildID string, defs []discord.CommandDefinition) error {
	t.openOnce.Do(func() { raisePeak(&t.conn.maxOpen, t.conn.open.Add(1)) })
	return t.fakeSession.RegisterCommands(guildID, defs)
}

func (t *trackedSession) Close() error {
	t.closeOnce.Do(func() { t.conn.open.Add(-1) })
	return t.fakeSession.Close()
}

type fakeReplier struct {
	mu      sync.Mutex
	reply   llm.Reply
	err     error
	prompts []string
	history [][]memory.Message
	configs []bot.Configuration
}

func (r *fakeReplier) GenerateReply(_ context.Context, _ string, prompt string, history []memory.Message, cfg bot.Configuration) (llm.Reply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, prompt)
	r.history = append(r.history, append([]memory.Message(nil), history...))
	r.configs = append(r.configs, cfg)
	return r.reply, r.err
}

type fakeImages struct {
	url     string
	err     error
	prompts []string
	mu      sync.Mutex
}

func (f *fakeImages) GenerateImage(_ context.Context, prompt string, _ bot.Configuration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	return f.url, f.err
}

type fakeTools struct{}

func (fakeTools) ExecuteTools(_ context.Context, calls []llm.ToolCall, _ []bot.ToolDefinition) []llm.ToolResult {
	out := make([]llm.ToolResult, 0, len(calls))
	for _, c := range calls {
		if c.Name == "broken" {
			out = append(out, llm.ToolResult{CallID: c.ID, Name: c.Name, Err: errors.New("exploded")})
			continue
		}
		out = append(out, llm.ToolResult{CallID: c.ID, Name: c.Name, Output: strings.ToUpper(c.Arguments)})
	}
	return out
}

// flakyMemory is a real buffer whose bulk delete can be made to fail.
type flakyMemory struct {
	*memory.Buffer

	mu       sync.Mutex
	clearErr error
}

func (m *flakyMemory) ClearAllForBot(botID string) (int, error) {
	m.mu.Lock()
	err := m.clearErr
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return m.Buffer.ClearAllForBot(botID)
}

func (m *flakyMemory) failClear(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearErr = err
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []webhook.StatusEvent
}

func (n *fakeNotifier) NotifyStatus(_ context.Context, ev webhook.StatusEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *fakeNotifier) reasons(botID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, ev := range n.events {
		if ev.BotID == botID {
			out = append(out, ev.Reason)
		}
	}
	return out
}

func (n *fakeNotifier) transitions(botID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, ev := range n.events {
		if ev.BotID == botID {
			out = append(out, ev.From+"->"+ev.To)
		}
	}
	sort.Strings(out)
	return out
}

type mapBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (s *mapBlobStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	return b, ok, nil
}

func (s *mapBlobStore) Put(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (s *mapBlobStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

func (s *mapBlobStore) Keys(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.blobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

type testFleet struct {
	orch      *Orchestrator
	repo      *fakeRepository
	connector *fakeConnector
	replier   *fakeReplier
	images    *fakeImages
	notifier  *fakeNotifier
	memory    *memory.Buffer
	flaky     *flakyMemory
	blobs     *mapBlobStore
}

func newTestFleet(t *testing.T, opts Options) *testFleet {
	t.Helper()
	f := &testFleet{
		repo:      newFakeRepository(),
		connector: newFakeConnector(),
		replier:   &fakeReplier{reply: llm.Reply{Text: "pong"}},
		images:    &fakeImages{url: "https://img.example.com/1.png"},
		notifier:  &fakeNotifier{},
		blobs:     &mapBlobStore{blobs: map[string][]byte{}},
	}
	f.memory = memory.NewBuffer(f.blobs)
	f.flaky = &flakyMemory{Buffer: f.memory}
	ids := atomic.Int32{}
	f.orch = New(Deps{
		Repo:        f.repo,
		Memory:      f.flaky,
		Connector:   f.connector,
		Replier:     f.replier,
		Images:      f.images,
		Tools:       fakeTools{},
		Credentials: llm.NewKeyResolver([]string{"openai"}, map[string]string{"openai": "key"}),
		Notifier:    f.notifier,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewID:       func() string { return fmt.Sprintf("bot-%d", ids.Add(1)) },
	}, opts)
	t.Cleanup(f.orch.Wait)
	return f
}

func (f *testFleet) create(t *testing.T, token string) *bot.Bot {
	t.Helper()
	b, err := f.orch.Create(context.Background(), "owner-1", "helper", "app-1", token)
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	return b
}
