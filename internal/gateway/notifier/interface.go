package notifier

import "context"

// TextNotifier delivers one rendered message to an operator channel.
type TextNotifier interface {
	SendText(ctx context.Context, text string) error
}
