package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/foxseedlab/botfleet/external/memorystore"
	"github.com/foxseedlab/botfleet/internal/bot"
	"github.com/foxseedlab/botfleet/internal/control"
	"github.com/foxseedlab/botfleet/internal/memory"
)

type stubService struct {
	mu      sync.Mutex
	bots    map[string]bot.Bot
	trimmed []string
}

func newStubService() *stubService {
	return &stubService{bots: map[string]bot.Bot{}}
}

func (s *stubService) find(id string) (*bot.Bot, error) {
	b, ok := s.bots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", bot.ErrNotFound, id)
	}
	return &b, nil
}

func (s *stubService) Create(_ context.Context, req control.CreateRequest) (*bot.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", bot.ErrConfigInvalid)
	}
	b := bot.Bot{ID: "bot-1", OwnerID: req.OwnerID, Name: req.Name, Token: req.Token, Status: bot.StatusOffline, DesiredStatus: bot.StatusOffline}
	s.bots[b.ID] = b
	return &b, nil
}

func (s *stubService) Get(_ context.Context, id string) (*bot.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.find(id)
}

func (s *stubService) List(_ context.Context, ownerID string) ([]bot.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bot.Bot
	for _, b := range s.bots {
		if ownerID == "" || b.OwnerID == ownerID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *stubService) Configure(_ context.Context, id string, patch bot.ConfigurationPatch) (*bot.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.find(id)
	if err != nil {
		return nil, err
	}
	b.Configuration = patch.Apply(b.Configuration)
	s.bots[id] = *b
	return b, nil
}

func (s *stubService) setStatus(id string, status bot.Status) (*bot.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.find(id)
	if err != nil {
		return nil, err
	}
	b.Status, b.DesiredStatus = status, status
	s.bots[id] = *b
	return b, nil
}

func (s *stubService) Enable(_ context.Context, id string) (*bot.Bot, error) {
	return s.setStatus(id, bot.StatusOnline)
}

func (s *stubService) Disable(_ context.Context, id string) (*bot.Bot, error) {
	return s.setStatus(id, bot.StatusOffline)
}

func (s *stubService) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.find(id); err != nil {
		return err
	}
	delete(s.bots, id)
	return nil
}

func (s *stubService) TrimHistory(_ context.Context, op control.HistoryOp, botID, channelID string, count int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trimmed = append(s.trimmed, fmt.Sprintf("%s %s/%s %d", op, botID, channelID, count))
	return count + 1, nil
}

func (s *stubService) trims() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.trimmed...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "bf")
	if err != nil {
		t.Fatalf("failed to create socket dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "ctl.sock")
}

// startServer serves svc on a fresh socket until the test ends.
func startServer(t *testing.T, svc control.Service) (*Server, string) {
	t.Helper()
	socket := socketPath(t)
	srv := NewServer(svc, socket, discardLogger())
	l, err := srv.Listen()
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(l) }()
	t.Cleanup(func() {
		if err := srv.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
		if err := <-done; err != nil {
			t.Errorf("serve returned %v", err)
		}
	})
	return srv, socket
}

func TestClientServer_RoundTrip(t *testing.T) {
	svc := newStubService()
	_, socket := startServer(t, svc)
	client := NewClient(socket)
	ctx := context.Background()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	created, err := client.Create(ctx, control.CreateRequest{OwnerID: "o1", Name: "helper", Token: "tok"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.ID != "bot-1" || created.Status != bot.StatusOffline {
		t.Fatalf("unexpected bot: %+v", created)
	}
	if stored, _ := svc.Get(ctx, "bot-1"); stored.Token != "tok" {
		t.Fatal("expected token to reach the server")
	}

	prompt := "Be brief."
	configured, err := client.Configure(ctx, "bot-1", bot.ConfigurationPatch{SystemPrompt: &prompt})
	if err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	if configured.Configuration.SystemPrompt != prompt {
		t.Fatalf("unexpected configuration: %+v", configured.Configuration)
	}

	enabled, err := client.Enable(ctx, "bot-1")
	if err != nil || enabled.Status != bot.StatusOnline {
		t.Fatalf("enable: bot=%+v err=%v", enabled, err)
	}
	disabled, err := client.Disable(ctx, "bot-1")
	if err != nil || disabled.Status != bot.StatusOffline {
		t.Fatalf("disable: bot=%+v err=%v", disabled, err)
	}

	bots, err := client.List(ctx, "o1")
	if err != nil || len(bots) != 1 {
		t.Fatalf("list: bots=%+v err=%v", bots, err)
	}
	bots, err = client.List(ctx, "nobody")
	if err != nil || len(bots) != 0 {
		t.Fatalf("list other owner: bots=%+v err=%v", bots, err)
	}

	n, err := client.TrimHistory(ctx, control.HistoryFlush, "bot-1", "chan-1", 4)
	if err != nil || n != 5 {
		t.Fatalf("trim: n=%d err=%v", n, err)
	}
	if trims := svc.trims(); len(trims) != 1 || trims[0] != "flush bot-1/chan-1 4" {
		t.Fatalf("unexpected trims: %v", trims)
	}

	if err := client.Delete(ctx, "bot-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := client.Get(ctx, "bot-1"); !errors.Is(err, bot.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestClient_ErrorKindsCrossTheSocket(t *testing.T) {
	_, socket := startServer(t, newStubService())
	client := NewClient(socket)

	_, err := client.Get(context.Background(), "ghost")
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Status != http.StatusNotFound {
		t.Fatalf("expected a 404 remote error, got %v", err)
	}
	if !errors.Is(err, bot.ErrNotFound) || bot.KindOf(err) != bot.KindNotFound {
		t.Fatalf("expected NotFound kind, got %v", err)
	}

	_, err = client.Create(context.Background(), control.CreateRequest{OwnerID: "o1"})
	if !errors.Is(err, bot.ErrConfigInvalid) {
		t.Fatalf("expected ConfigInvalid, got %v", err)
	}
}

func TestListen_RefusesWhileAnotherServerAnswers(t *testing.T) {
	_, socket := startServer(t, newStubService())

	second := NewServer(newStubService(), socket, discardLogger())
	if _, err := second.Listen(); !errors.Is(err, ErrAlreadyServing) {
		t.Fatalf("expected ErrAlreadyServing, got %v", err)
	}
	if err := NewClient(socket).Ping(context.Background()); err != nil {
		t.Fatalf("first server should still answer: %v", err)
	}
}

func TestListen_ReplacesStaleSocketFile(t *testing.T) {
	socket := socketPath(t)
	if err := os.WriteFile(socket, nil, 0o600); err != nil {
		t.Fatalf("failed to write stale file: %v", err)
	}
	srv := NewServer(newStubService(), socket, discardLogger())
	l, err := srv.Listen()
	if err != nil {
		t.Fatalf("expected stale socket to be replaced, got %v", err)
	}
	_ = l.Close()
}

func TestClient_PingWithoutServer(t *testing.T) {
	if err := NewClient(socketPath(t)).Ping(context.Background()); err == nil {
		t.Fatal("expected ping to fail without a server")
	}
}

func TestRoutes_RejectsBadHistoryRequests(t *testing.T) {
	srv := NewServer(newStubService(), "unused.sock", discardLogger())
	h := srv.Routes()

	for path, want := range map[string]int{
		"/bots/b1/channels/c1/history/flush?count=-1": http.StatusBadRequest,
		"/bots/b1/channels/c1/history/flush?count=x":  http.StatusBadRequest,
		"/bots/b1/channels/c1/history/shred":          http.StatusNotFound,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		if rec.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, rec.Code)
		}
	}
}

func TestTrimHistory_ResetThroughSocketIsNotUndoneByServer(t *testing.T) {
	fs, err := memorystore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open file store: %v", err)
	}
	served := memory.NewBuffer(fs)
	for i := range 5 {
		if _, err := served.Append("chan-1", "bot-1", memory.RoleUser, fmt.Sprintf("m%d", i), "u1", "alice"); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	_, socket := startServer(t, control.NewLocal(nil, nil, served, true))

	n, err := NewClient(socket).TrimHistory(context.Background(), control.HistoryReset, "bot-1", "chan-1", 0)
	if err != nil || n != 5 {
		t.Fatalf("reset: n=%d err=%v", n, err)
	}

	h, err := served.Append("chan-1", "bot-1", memory.RoleUser, "after reset", "u1", "alice")
	if err != nil {
		t.Fatalf("append after reset failed: %v", err)
	}
	if len(h.Messages) != 1 {
		t.Fatalf("expected the reset to stick, history has %d messages", len(h.Messages))
	}
	reopened, err := memory.NewBuffer(fs).History("chan-1", "bot-1")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(reopened.Messages) != 1 {
		t.Fatalf("expected 1 message on disk, got %d", len(reopened.Messages))
	}
}
