// Package control is the management surface of the fleet. While a server is
// running it is the only process that owns live sessions and conversation
// memory, so management commands reach it through this surface instead of
// opening the store themselves.
package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxseedlab/botfleet/internal/bot"
)

// ErrServerRunning is returned for operations that only make sense while no
// server owns the store.
var ErrServerRunning = errors.New("a botfleet server is running")

type HistoryOp string

const (
	HistoryFlush HistoryOp = "flush"
	HistoryClear HistoryOp = "clear"
	HistoryReset HistoryOp = "reset"
)

func (op HistoryOp) Valid() bool {
	switch op {
	case HistoryFlush, HistoryClear, HistoryReset:
		return true
	default:
		return false
	}
}

type CreateRequest struct {
	OwnerID       string `json:"owner_id"`
	Name          string `json:"name"`
	ApplicationID string `json:"application_id"`
	Token         string `json:"token"`
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*bot.Bot, error)
	Get(ctx context.Context, id string) (*bot.Bot, error)
	// List returns every bot, or only those of ownerID when it is set.
	List(ctx context.Context, ownerID string) ([]bot.Bot, error)
	Configure(ctx context.Context, id string, patch bot.ConfigurationPatch) (*bot.Bot, error)
	Enable(ctx context.Context, id string) (*bot.Bot, error)
	Disable(ctx context.Context, id string) (*bot.Bot, error)
	Delete(ctx context.Context, id string) error
	// TrimHistory applies op to one channel history and reports how many
	// messages were removed. count is ignored by HistoryReset.
	TrimHistory(ctx context.Context, op HistoryOp, botID, channelID string, count int) (int, error)
}

// Fleet is the slice of the orchestrator that management needs.
type Fleet interface {
	Create(ctx context.Context, ownerID, name, applicationID, token string) (*bot.Bot, error)
	Start(ctx context.Context, id string) (*bot.Bot, error)
	Stop(ctx context.Context, id string) (*bot.Bot, error)
	UpdateConfiguration(ctx context.Context, id string, patch bot.ConfigurationPatch) (*bot.Bot, error)
	Delete(ctx context.Context, id string) error
	GetStatus(ctx context.Context, id string) (*bot.Bot, error)
}

type Records interface {
	FindAll(ctx context.Context) ([]bot.Bot, error)
	FindByOwner(ctx context.Context, ownerID string) ([]bot.Bot, error)
	Update(ctx context.Context, id string, update bot.Update) (*bot.Bot, error)
}

type Histories interface {
	Flush(channelID, botID string, count int) (int, error)
	Clear(channelID, botID string, count int) (int, error)
	Reset(channelID, botID string) (int, error)
}

// Local serves management requests in-process. Live is set only in the
// serving process: there Enable starts the bot at once, elsewhere it only
// records that the next server should start it.
type Local struct {
	fleet     Fleet
	records   Records
	histories Histories
	live      bool
}

func NewLocal(fleet Fleet, records Records, histories Histories, live bool) *Local {
	return &Local{fleet: fleet, records: records, histories: histories, live: live}
}

func (l *Local) Create(ctx context.Context, req CreateRequest) (*bot.Bot, error) {
	return l.fleet.Create(ctx, req.OwnerID, req.Name, req.ApplicationID, req.Token)
}

func (l *Local) Get(ctx context.Context, id string) (*bot.Bot, error) {
	return l.fleet.GetStatus(ctx, id)
}

func (l *Local) List(ctx context.Context, ownerID string) ([]bot.Bot, error) {
	if ownerID != "" {
		return l.records.FindByOwner(ctx, ownerID)
	}
	return l.records.FindAll(ctx)
}

func (l *Local) Configure(ctx context.Context, id string, patch bot.ConfigurationPatch) (*bot.Bot, error) {
	return l.fleet.UpdateConfiguration(ctx, id, patch)
}

func (l *Local) Enable(ctx context.Context, id string) (*bot.Bot, error) {
	if l.live {
		return l.fleet.Start(ctx, id)
	}
	return l.records.Update(ctx, id, bot.Update{DesiredStatus: bot.StatusPtr(bot.StatusOnline)})
}

func (l *Local) Disable(ctx context.Context, id string) (*bot.Bot, error) {
	return l.fleet.Stop(ctx, id)
}

func (l *Local) Delete(ctx context.Context, id string) error {
	return l.fleet.Delete(ctx, id)
}

func (l *Local) TrimHistory(_ context.Context, op HistoryOp, botID, channelID string, count int) (int, error) {
	switch op {
	case HistoryFlush:
		return l.histories.Flush(channelID, botID, count)
	case HistoryClear:
		return l.histories.Clear(channelID, botID, count)
	case HistoryReset:
		return l.histories.Reset(channelID, botID)
	default:
		return 0, fmt.Errorf("unknown history operation %q", op)
	}
}
