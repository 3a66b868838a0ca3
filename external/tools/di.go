package tools

import (
	"time"

	"github.com/foxseedlab/botfleet/internal/llm"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (llm.ToolExecutor, error) {
		return NewExecutor(Builtins(time.Now)), nil
	})
}
