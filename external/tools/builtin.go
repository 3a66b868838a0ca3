package tools

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
	_ "time/tzdata"
)

const (
	defaultDiceSides = 6
	maxDiceSides     = 1000
	maxDiceCount     = 100
)

// Builtins returns the handlers shipped with the process.
func Builtins(now func() time.Time) map[string]Handler {
	return map[string]Handler{
		"current_time": currentTime(now),
		"roll_dice":    rollDice,
	}
}

func currentTime(now func() time.Time) Handler {
	return func(_ context.Context, args map[string]any) (string, error) {
		loc := time.UTC
		if name, ok := args["timezone"].(string); ok && name != "" {
			l, err := time.LoadLocation(name)
			if err != nil {
				return "", fmt.Errorf("%w: unknown timezone %q", ErrInvalidArgument, name)
			}
			loc = l
		}
		return now().In(loc).Format(time.RFC3339), nil
	}
}

func rollDice(_ context.Context, args map[string]any) (string, error) {
	sides, err := intArg(args, "sides", defaultDiceSides, 2, maxDiceSides)
	if err != nil {
		return "", err
	}
	count, err := intArg(args, "count", 1, 1, maxDiceCount)
	if err != nil {
		return "", err
	}
	rolls := make([]string, count)
	total := 0
	for i := range rolls {
		n := rand.IntN(sides) + 1
		total += n
		rolls[i] = fmt.Sprint(n)
	}
	return fmt.Sprintf("%s (total %d)", strings.Join(rolls, ", "), total), nil
}

func intArg(args map[string]any, name string, def, lo, hi int) (int, error) {
	v, ok := args[name].(float64)
	if !ok {
		return def, nil
	}
	n := int(v)
	if n < lo || n > hi {
		return 0, fmt.Errorf("%w: %s must be between %d and %d", ErrInvalidArgument, name, lo, hi)
	}
	return n, nil
}
