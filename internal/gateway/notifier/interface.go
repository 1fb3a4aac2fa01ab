package notifier

import "context"

// TextNotifier defines a minimal text notification interface.
// Components depend on it rather than on Telegram directly.
type TextNotifier interface {
	SendText(ctx context.Context, text string) error
}

// Noop discards every message.
type Noop struct{}

func (Noop) SendText(context.Context, string) error { return nil }
