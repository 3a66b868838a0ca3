package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxseedlab/botfleet/internal/bot"
	"github.com/foxseedlab/botfleet/internal/discord"
)

var ErrAlreadyLive = errors.New("bot already has a live session")

// Handle is the in-memory record of one bot's live session. It is never
// persisted.
type Handle struct {
	botID     string
	name      string
	session   discord.Session
	startedAt time.Time

	config  atomic.Pointer[bot.Configuration]
	version atomic.Uint64

	// ctx is cancelled on teardown so in-flight replies stop early.
	ctx    context.Context
	cancel context.CancelFunc
}

func newHandle(b *bot.Bot, session discord.Session, startedAt time.Time) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		botID:     b.ID,
		name:      b.Name,
		session:   session,
		startedAt: startedAt,
		ctx:       ctx,
		cancel:    cancel,
	}
	cfg := b.Configuration
	h.config.Store(&cfg)
	h.version.Store(1)
	return h
}

func (h *Handle) BotID() string            { return h.botID }
func (h *Handle) Name() string             { return h.name }
func (h *Handle) Session() discord.Session { return h.session }
func (h *Handle) StartedAt() time.Time     { return h.startedAt }
func (h *Handle) Version() uint64          { return h.version.Load() }
func (h *Handle) Context() context.Context { return h.ctx }
func (h *Handle) Configuration() bot.Configuration {
	return *h.config.Load()
}

// swapConfiguration installs cfg for the next event and returns the new
// configuration version.
func (h *Handle) swapConfiguration(cfg bot.Configuration) uint64 {
	h.config.Store(&cfg)
	return h.version.Add(1)
}

// Registry maps bot ids to live handles. Mutations happen only under the
// orchestrator's per-bot lock.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

func (r *Registry) Put(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[h.botID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyLive, h.botID)
	}
	r.handles[h.botID] = h
	return nil
}

func (r *Registry) Remove(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if ok {
		delete(r.handles, id)
	}
	return h, ok
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
