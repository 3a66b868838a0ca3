package store

import (
	"context"
	"time"

	"github.com/foxseedlab/botfleet/internal/config"
	"github.com/samber/do/v2"
)

const databaseInitTimeout = 15 * time.Second

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*DB, error) {
		cfg := do.MustInvoke[*config.Config](i)
		ctx, cancel := context.WithTimeout(context.Background(), databaseInitTimeout)
		defer cancel()
		return Open(ctx, Options{
			Driver:      cfg.DatabaseDriver,
			Path:        cfg.DatabasePath,
			DSN:         cfg.DatabaseURL,
			BusyTimeout: time.Duration(cfg.DatabaseBusyTimeoutMS) * time.Millisecond,
		})
	})
}
