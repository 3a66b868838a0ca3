package bot

import "context"

type Repository interface {
	FindByID(ctx context.Context, id string) (*Bot, error)
	FindByOwner(ctx context.Context, ownerID string) ([]Bot, error)
	FindByStatus(ctx context.Context, status Status) ([]Bot, error)
	FindByDesiredStatus(ctx context.Context, status Status) ([]Bot, error)
	Create(ctx context.Context, input CreateInput) (*Bot, error)
	Update(ctx context.Context, id string, update Update) (*Bot, error)
	UpdateConfiguration(ctx context.Context, id string, cfg Configuration) (*Bot, error)
	Delete(ctx context.Context, id string) error
	// SetAllOffline rewrites every ONLINE or CONNECTING status to OFFLINE and
	// reports how many records changed. DesiredStatus is left alone.
	SetAllOffline(ctx context.Context) (int64, error)
}
