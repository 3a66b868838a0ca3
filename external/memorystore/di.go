package memorystore

import (
	"log/slog"

	"github.com/foxseedlab/botfleet/internal/config"
	"github.com/foxseedlab/botfleet/internal/memory"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*FileStore, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewFileStore(cfg.HistoryDir)
	})
	do.Provide(injector, func(i do.Injector) (*memory.Buffer, error) {
		fs := do.MustInvoke[*FileStore](i)
		logger := do.MustInvoke[*slog.Logger](i)
		return memory.NewBuffer(fs, memory.WithLogger(logger)), nil
	})
}
