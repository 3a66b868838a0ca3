package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/foxseedlab/botfleet/external/store"
	"github.com/foxseedlab/botfleet/internal/bot"
)

const (
	tableBots           = "bots"
	tableConfigurations = "bot_configurations"

	selectBot = `SELECT b.id, b.owner_id, b.name, b.application_id, b.token, b.status, b.desired_status,
		b.created_at, b.updated_at, COALESCE(c.data, '{}')
		FROM bots b LEFT JOIN bot_configurations c ON c.bot_id = b.id`
)

type BotRepository struct {
	db  *store.DB
	now func() time.Time
}

func NewBotRepository(db *store.DB) *BotRepository {
	return &BotRepository{db: db, now: time.Now}
}

func scanBot(s store.Scanner) (bot.Bot, error) {
	var (
		b       bot.Bot
		rawConf string
	)
	if err := s.Scan(&b.ID, &b.OwnerID, &b.Name, &b.ApplicationID, &b.Token, &b.Status, &b.DesiredStatus,
		&b.CreatedAt, &b.UpdatedAt, &rawConf); err != nil {
		return bot.Bot{}, err
	}
	if err := json.Unmarshal([]byte(rawConf), &b.Configuration); err != nil {
		return bot.Bot{}, fmt.Errorf("decode configuration of bot %s: %w", b.ID, err)
	}
	return b, nil
}

func (r *BotRepository) FindByID(ctx context.Context, id string) (*bot.Bot, error) {
	b, ok, err := store.Get(ctx, r.db, scanBot, selectBot+` WHERE b.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", bot.ErrNotFound, id)
	}
	return &b, nil
}

func (r *BotRepository) FindByOwner(ctx context.Context, ownerID string) ([]bot.Bot, error) {
	return store.Query(ctx, r.db, scanBot, selectBot+` WHERE b.owner_id = ? ORDER BY b.created_at, b.id`, ownerID)
}

func (r *BotRepository) FindByStatus(ctx context.Context, status bot.Status) ([]bot.Bot, error) {
	return store.Query(ctx, r.db, scanBot, selectBot+` WHERE b.status = ? ORDER BY b.created_at, b.id`, string(status))
}

func (r *BotRepository) FindByDesiredStatus(ctx context.Context, status bot.Status) ([]bot.Bot, error) {
	return store.Query(ctx, r.db, scanBot, selectBot+` WHERE b.desired_status = ? ORDER BY b.created_at, b.id`, string(status))
}

func (r *BotRepository) FindAll(ctx context.Context) ([]bot.Bot, error) {
	return store.Query(ctx, r.db, scanBot, selectBot+` ORDER BY b.created_at, b.id`)
}

func (r *BotRepository) Create(ctx context.Context, input bot.CreateInput) (*bot.Bot, error) {
	data, err := json.Marshal(input.Configuration)
	if err != nil {
		return nil, fmt.Errorf("encode configuration: %w", err)
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	createdAt = createdAt.UTC()

	_, err = store.Transaction(ctx, r.db, func(ctx context.Context, tx *store.Tx) (struct{}, error) {
		if _, err := tx.Insert(ctx, tableBots, store.Row{
			"id":             input.ID,
			"owner_id":       input.OwnerID,
			"name":           input.Name,
			"application_id": input.ApplicationID,
			"token":          input.Token,
			"status":         string(bot.StatusOffline),
			"desired_status": string(bot.StatusOffline),
			"created_at":     createdAt,
			"updated_at":     createdAt,
		}); err != nil {
			return struct{}{}, fmt.Errorf("insert bot: %w", err)
		}
		if _, err := tx.Insert(ctx, tableConfigurations, store.Row{
			"bot_id":     input.ID,
			"data":       string(data),
			"updated_at": createdAt,
		}); err != nil {
			return struct{}{}, fmt.Errorf("insert configuration: %w", err)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, input.ID)
}

func (r *BotRepository) Update(ctx context.Context, id string, update bot.Update) (*bot.Bot, error) {
	if update.IsEmpty() {
		return r.FindByID(ctx, id)
	}
	row := store.Row{"updated_at": r.now().UTC()}
	if update.Name != nil {
		row["name"] = *update.Name
	}
	if update.ApplicationID != nil {
		row["application_id"] = *update.ApplicationID
	}
	if update.Token != nil {
		row["token"] = *update.Token
	}
	if update.Status != nil {
		row["status"] = string(*update.Status)
	}
	if update.DesiredStatus != nil {
		row["desired_status"] = string(*update.DesiredStatus)
	}
	n, err := r.db.Update(ctx, tableBots, row, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", bot.ErrNotFound, id)
	}
	return r.FindByID(ctx, id)
}

func (r *BotRepository) UpdateConfiguration(ctx context.Context, id string, cfg bot.Configuration) (*bot.Bot, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode configuration: %w", err)
	}
	now := r.now().UTC()
	_, err = store.Transaction(ctx, r.db, func(ctx context.Context, tx *store.Tx) (struct{}, error) {
		n, err := tx.Update(ctx, tableBots, store.Row{"updated_at": now}, "id = ?", id)
		if err != nil {
			return struct{}{}, err
		}
		if n == 0 {
			return struct{}{}, fmt.Errorf("%w: %s", bot.ErrNotFound, id)
		}
		n, err = tx.Update(ctx, tableConfigurations, store.Row{"data": string(data), "updated_at": now}, "bot_id = ?", id)
		if err != nil {
			return struct{}{}, err
		}
		if n == 0 {
			_, err = tx.Insert(ctx, tableConfigurations, store.Row{"bot_id": id, "data": string(data), "updated_at": now})
		}
		return struct{}{}, err
	})
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

func (r *BotRepository) Delete(ctx context.Context, id string) error {
	n, err := r.db.Delete(ctx, tableBots, "id = ?", id)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", bot.ErrNotFound, id)
	}
	return nil
}

func (r *BotRepository) SetAllOffline(ctx context.Context) (int64, error) {
	return r.db.Update(ctx, tableBots,
		store.Row{"status": string(bot.StatusOffline), "updated_at": r.now().UTC()},
		"status IN (?, ?)", string(bot.StatusOnline), string(bot.StatusConnecting))
}
