package webhook

import (
	"context"
	"time"
)

// StatusEvent reports one observed bot status transition.
type StatusEvent struct {
	BotID      string    `json:"bot_id"`
	BotName    string    `json:"bot_name"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Notifier interface {
	NotifyStatus(ctx context.Context, event StatusEvent) error
}
