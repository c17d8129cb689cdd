// ABOUTME: Notification gateway used by the liveness monitor and the alert ledger
// ABOUTME: Delivery is best effort; callers log failures and never roll back state

package notify

import (
	"context"
	"errors"
	"log/slog"
)

// ErrNoPushToken is returned when the operator has not registered a device
// for push delivery. Callers treat it as a skip, not a failure.
var ErrNoPushToken = errors.New("no push token registered")

// Message is a user-visible alert.
type Message struct {
	Title string
	Body  string
}

// The three alerts the gateway raises.
var (
	DeviceOffline = Message{Title: "⚠️ Device Offline", Body: "Please check the device now."}
	DeviceOnline  = Message{Title: "🎉 Device is back online", Body: "Have a great rest of your day!"}
	MotionAlert   = Message{Title: "Motion Alert", Body: "Please check your device now."}
)

// Notifier delivers a message to the operator.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, msg Message) error

func (f NotifierFunc) Notify(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Multi fans a message out to every channel. A channel reporting
// ErrNoPushToken is skipped; other failures are joined. The result is nil
// if at least one channel delivered and none failed hard.
type Multi struct {
	channels []Notifier
	logger   *slog.Logger
}

// NewMulti returns a fan-out notifier over channels.
func NewMulti(logger *slog.Logger, channels ...Notifier) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{channels: channels, logger: logger}
}

func (m *Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	skipped := 0
	for _, ch := range m.channels {
		err := ch.Notify(ctx, msg)
		switch {
		case err == nil:
		case errors.Is(err, ErrNoPushToken):
			skipped++
			m.logger.Warn("skipping notification channel", "title", msg.Title, "reason", err)
		default:
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if len(m.channels) > 0 && skipped == len(m.channels) {
		return ErrNoPushToken
	}
	return nil
}

// LogNotifier only logs. It stands in when no delivery channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, msg Message) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "title", msg.Title, "body", msg.Body)
	return nil
}
