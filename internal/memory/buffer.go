// Package memory keeps a bounded rolling window of recent messages for every
// (bot, channel) pair, cached in memory and mirrored to a BlobStore.
package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/foxseedlab/botfleet/internal/keylock"
)

// MaxHistoryLength is the number of messages kept per (bot, channel).
const MaxHistoryLength = 20

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	keySeparator = "_"
)

type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	UserID    string    `json:"user_id,omitempty"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type History struct {
	BotID     string    `json:"bot_id"`
	ChannelID string    `json:"channel_id"`
	Messages  []Message `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (h *History) clone() *History {
	c := *h
	c.Messages = append([]Message(nil), h.Messages...)
	return &c
}

// BlobStore is the persistence substrate: one blob per key.
type BlobStore interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, data []byte) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
}

type Buffer struct {
	store  BlobStore
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]*History

	locks *keylock.Map
}

type Option func(*Buffer)

func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Buffer) { b.logger = logger }
}

func NewBuffer(store BlobStore, opts ...Option) *Buffer {
	b := &Buffer{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
		cache:  make(map[string]*History),
		locks:  keylock.New(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "memory")
	return b
}

func historyKey(botID, channelID string) string {
	return botID + keySeparator + channelID
}

func botPrefix(botID string) string {
	return botID + keySeparator
}

// load returns the cached history for key, reading it from the store on a
// miss. Callers must hold the key lock.
func (b *Buffer) load(key, botID, channelID string) (*History, error) {
	b.mu.RLock()
	h, ok := b.cache[key]
	b.mu.RUnlock()
	if ok {
		return h, nil
	}

	h, err := b.read(key)
	if err != nil {
		return nil, err
	}
	if h == nil {
		h = &History{BotID: botID, ChannelID: channelID, UpdatedAt: b.now()}
	}
	b.mu.Lock()
	b.cache[key] = h
	b.mu.Unlock()
	return h, nil
}

func (b *Buffer) read(key string) (*History, error) {
	data, ok, err := b.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("read history %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode history %s: %w", key, err)
	}
	return &h, nil
}

// save persists h and then replaces the cache entry, so a failed write leaves
// the cached window unchanged. Callers must hold the key lock.
func (b *Buffer) save(key string, h *History) error {
	h.UpdatedAt = b.now()
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode history %s: %w", key, err)
	}
	if err := b.store.Put(key, data); err != nil {
		return fmt.Errorf("write history %s: %w", key, err)
	}
	b.mu.Lock()
	b.cache[key] = h
	b.mu.Unlock()
	return nil
}

// Append adds a message and trims the oldest ones beyond MaxHistoryLength.
// It returns the history as persisted.
func (b *Buffer) Append(channelID, botID, role, content, userID, username string) (*History, error) {
	key := historyKey(botID, channelID)
	unlock := b.locks.Lock(key)
	defer unlock()

	current, err := b.load(key, botID, channelID)
	if err != nil {
		return nil, err
	}
	next := current.clone()
	next.Messages = append(next.Messages, Message{
		Role:      role,
		Content:   content,
		UserID:    userID,
		Username:  username,
		Timestamp: b.now(),
	})
	if over := len(next.Messages) - MaxHistoryLength; over > 0 {
		next.Messages = append([]Message(nil), next.Messages[over:]...)
	}
	if err := b.save(key, next); err != nil {
		return nil, err
	}
	return next.clone(), nil
}

// History returns a copy of the current window for the pair.
func (b *Buffer) History(channelID, botID string) (*History, error) {
	key := historyKey(botID, channelID)
	unlock := b.locks.Lock(key)
	defer unlock()

	h, err := b.load(key, botID, channelID)
	if err != nil {
		return nil, err
	}
	return h.clone(), nil
}

// TrimCount is the number of messages Flush and Clear remove from a history
// of length n. A non-positive count selects the default of 10% rounded up,
// at least one.
func TrimCount(n, count int) int {
	if n <= 0 {
		return 0
	}
	if count <= 0 {
		count = int(math.Ceil(float64(n) / 10))
		if count < 1 {
			count = 1
		}
	}
	if count > n {
		count = n
	}
	return count
}

// Flush removes the oldest messages and returns how many were removed.
func (b *Buffer) Flush(channelID, botID string, count int) (int, error) {
	return b.trim(channelID, botID, count, true)
}

// Clear removes the most recent messages and returns how many were removed.
func (b *Buffer) Clear(channelID, botID string, count int) (int, error) {
	return b.trim(channelID, botID, count, false)
}

func (b *Buffer) trim(channelID, botID string, count int, fromHead bool) (int, error) {
	key := historyKey(botID, channelID)
	unlock := b.locks.Lock(key)
	defer unlock()

	current, err := b.load(key, botID, channelID)
	if err != nil {
		return 0, err
	}
	n := TrimCount(len(current.Messages), count)
	if n == 0 {
		return 0, nil
	}
	next := current.clone()
	if fromHead {
		next.Messages = append([]Message(nil), next.Messages[n:]...)
	} else {
		next.Messages = next.Messages[:len(next.Messages)-n]
	}
	if err := b.save(key, next); err != nil {
		return 0, err
	}
	return n, nil
}

// Reset empties the history, deletes its blob and returns the prior length.
func (b *Buffer) Reset(channelID, botID string) (int, error) {
	key := historyKey(botID, channelID)
	unlock := b.locks.Lock(key)
	defer unlock()

	current, err := b.load(key, botID, channelID)
	if err != nil {
		return 0, err
	}
	prior := len(current.Messages)
	if err := b.store.Delete(key); err != nil {
		return 0, fmt.Errorf("delete history %s: %w", key, err)
	}
	b.mu.Lock()
	b.cache[key] = &History{BotID: botID, ChannelID: channelID, UpdatedAt: b.now()}
	b.mu.Unlock()
	return prior, nil
}

// LoadAllForBot warms the cache with every stored history of botID and
// returns how many were loaded. Undecodable blobs are logged and skipped.
func (b *Buffer) LoadAllForBot(botID string) (int, error) {
	keys, err := b.store.Keys(botPrefix(botID))
	if err != nil {
		return 0, fmt.Errorf("list histories of bot %s: %w", botID, err)
	}
	loaded := 0
	for _, key := range keys {
		channelID, ok := channelFromKey(botID, key)
		if !ok {
			continue
		}
		unlock := b.locks.Lock(key)
		_, err := b.load(key, botID, channelID)
		unlock()
		if err != nil {
			b.logger.Warn("failed to load history", "error", err, "bot_id", botID, "channel_id", channelID)
			continue
		}
		loaded++
	}
	return loaded, nil
}

// ClearAllForBot deletes every stored history of botID and drops it from the
// cache. It returns how many blobs were deleted.
func (b *Buffer) ClearAllForBot(botID string) (int, error) {
	keys, err := b.store.Keys(botPrefix(botID))
	if err != nil {
		return 0, fmt.Errorf("list histories of bot %s: %w", botID, err)
	}
	deleted := 0
	var firstErr error
	for _, key := range keys {
		unlock := b.locks.Lock(key)
		err := b.store.Delete(key)
		if err == nil {
			b.mu.Lock()
			delete(b.cache, key)
			b.mu.Unlock()
			deleted++
		}
		unlock()
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("delete history %s: %w", key, err)
		}
	}

	prefix := botPrefix(botID)
	b.mu.Lock()
	for key := range b.cache {
		if strings.HasPrefix(key, prefix) {
			delete(b.cache, key)
		}
	}
	b.mu.Unlock()
	return deleted, firstErr
}

// channelFromKey extracts the channel id from a current-layout key of botID.
// Legacy per-user keys are rejected.
func channelFromKey(botID, key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, botPrefix(botID))
	if !ok || rest == "" || strings.Contains(rest, keySeparator) {
		return "", false
	}
	return rest, true
}

// sortAndCap orders messages by timestamp and keeps the most recent ones.
func sortAndCap(messages []Message) []Message {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	if over := len(messages) - MaxHistoryLength; over > 0 {
		messages = append([]Message(nil), messages[over:]...)
	}
	return messages
}
