// ABOUTME: Append-only ledger of motion and offline alerts plus the device heartbeat marker
// ABOUTME: Records only ever move from no-ack to ack; nothing is deleted

package alerts

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/stillsafe-gateway/internal/apperr"
	"github.com/2389/stillsafe-gateway/internal/clock"
	"github.com/2389/stillsafe-gateway/internal/dedupe"
	"github.com/2389/stillsafe-gateway/internal/notify"
	"github.com/2389/stillsafe-gateway/internal/store"
)

// Store keys owned by the ledger.
const (
	KeyPrefix    = "alert:"
	HeartbeatKey = "heartbeat"
	DeadKey      = "dead"
)

// HeartbeatTTL is how long one heartbeat keeps the device "up".
const HeartbeatTTL = 30 * time.Second

// Alert kinds.
const (
	KindMotion  = "motion"
	KindOffline = "offline"
)

// Alert states.
const (
	StatusUnacknowledged = "no-ack"
	StatusAcknowledged   = "ack"
)

const (
	notifyTimeout = 10 * time.Second
	listFanOut    = 8
)

// Alert is one ledger entry as returned to the operator.
type Alert struct {
	Key       string `json:"key"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
}

// Ledger records alerts and heartbeats in the keyed store.
type Ledger struct {
	kv       store.KV
	notifier notify.Notifier
	repeats  *dedupe.Cache
	clock    clock.Clock
	logger   *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the time source for offline timestamps and de-duplication.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithDedupe replaces the motion repeat filter.
func WithDedupe(c *dedupe.Cache) Option {
	return func(l *Ledger) { l.repeats = c }
}

// NewLedger creates a ledger. A nil notifier only logs.
func NewLedger(kv store.KV, notifier notify.Notifier, opts ...Option) *Ledger {
	l := &Ledger{
		kv:       kv,
		notifier: notifier,
		clock:    clock.Real{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.notifier == nil {
		l.notifier = notify.LogNotifier{Logger: l.logger}
	}
	if l.repeats == nil {
		l.repeats = dedupe.New(dedupe.DefaultWindow, 1024, l.clock)
	}
	l.logger = l.logger.With("component", "alerts")
	return l
}

// Key builds the store key for an alert.
func Key(kind, timestamp string) string {
	return KeyPrefix + kind + ":" + timestamp
}

func storeErr(err error, msg string) error {
	return apperr.Wrap(apperr.KindExternalService, err, msg)
}

// RecordMotion stores an unacknowledged motion alert for timestamp and
// notifies the operator. A repeat of the same timestamp inside the dedupe
// window, or one that was already acknowledged, does not notify again and
// never resets the record.
func (l *Ledger) RecordMotion(ctx context.Context, timestamp string) (string, error) {
	timestamp = strings.TrimSpace(timestamp)
	if timestamp == "" {
		return "", apperr.New(apperr.KindInvalidArgument, "timestamp is required")
	}
	key := Key(KindMotion, timestamp)
	repeat := l.repeats.CheckAndMark(key)

	existing, err := l.kv.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := l.kv.Set(ctx, key, StatusUnacknowledged, 0); err != nil {
			l.repeats.Forget(key)
			return "", storeErr(err, "failed to record alert")
		}
	case err != nil:
		l.repeats.Forget(key)
		return "", storeErr(err, "failed to record alert")
	}

	if repeat || existing == StatusAcknowledged {
		l.logger.Debug("suppressed repeated motion alert", "key", key, "tracked", l.repeats.Len())
		return key, nil
	}

	l.deliver(ctx, notify.MotionAlert)
	return key, nil
}

// RecordOffline stores an unacknowledged offline alert stamped with at in
// unix seconds.
func (l *Ledger) RecordOffline(ctx context.Context, at time.Time) (string, error) {
	key := Key(KindOffline, strconv.FormatInt(at.Unix(), 10))
	if err := l.kv.Set(ctx, key, StatusUnacknowledged, 0); err != nil {
		return "", storeErr(err, "failed to record alert")
	}
	return key, nil
}

// deliver sends msg, detached from the caller's cancellation so a device
// that hangs up early still produces a push.
func (l *Ledger) deliver(ctx context.Context, msg notify.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	err := l.notifier.Notify(ctx, msg)
	switch {
	case err == nil:
	case errors.Is(err, notify.ErrNoPushToken):
		l.logger.Warn("no push token registered, alert not delivered", "title", msg.Title)
	default:
		l.logger.Error("failed to deliver alert", "title", msg.Title, "error", err)
	}
}

// List returns every alert, newest first.
func (l *Ledger) List(ctx context.Context) ([]Alert, error) {
	keys, err := l.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, storeErr(err, "failed to list alerts")
	}

	statuses := make([]string, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listFanOut)
	for i, key := range keys {
		g.Go(func() error {
			v, err := l.kv.Get(gctx, key)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			statuses[i] = v
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, storeErr(err, "failed to list alerts")
	}

	out := make([]Alert, 0, len(keys))
	for i, key := range keys {
		if statuses[i] == "" {
			continue
		}
		kind, ts, ok := parseKey(key)
		if !ok {
			continue
		}
		out = append(out, Alert{Key: key, Type: kind, Timestamp: ts, Status: statuses[i]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return newer(out[i], out[j])
	})
	return out, nil
}

func parseKey(key string) (kind, ts string, ok bool) {
	rest, found := strings.CutPrefix(key, KeyPrefix)
	if !found {
		return "", "", false
	}
	kind, ts, found = strings.Cut(rest, ":")
	if !found || ts == "" || (kind != KindMotion && kind != KindOffline) {
		return "", "", false
	}
	return kind, ts, true
}

// newer orders numeric timestamps numerically and falls back to a string
// comparison for anything else the device sent.
func newer(a, b Alert) bool {
	an, aerr := strconv.ParseFloat(a.Timestamp, 64)
	bn, berr := strconv.ParseFloat(b.Timestamp, 64)
	switch {
	case aerr == nil && berr == nil && an != bn:
		return an > bn
	case aerr == nil && berr != nil:
		return true
	case aerr != nil && berr == nil:
		return false
	case a.Timestamp != b.Timestamp:
		return a.Timestamp > b.Timestamp
	default:
		return a.Key > b.Key
	}
}

// Acknowledge marks an existing alert as seen. Acknowledging twice is fine.
func (l *Ledger) Acknowledge(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return apperr.New(apperr.KindInvalidArgument, "key is required")
	}
	if _, _, ok := parseKey(key); !ok {
		return apperr.New(apperr.KindNotFound, "alert not found")
	}

	_, err := l.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.KindNotFound, "alert not found")
	}
	if err != nil {
		return storeErr(err, "failed to load alert")
	}
	if err := l.kv.Set(ctx, key, StatusAcknowledged, 0); err != nil {
		return storeErr(err, "failed to acknowledge alert")
	}
	return nil
}

// RecordHeartbeat refreshes the heartbeat marker and clears the dead marker.
func (l *Ledger) RecordHeartbeat(ctx context.Context, timestamp string) error {
	timestamp = strings.TrimSpace(timestamp)
	if timestamp == "" {
		return apperr.New(apperr.KindInvalidArgument, "timestamp is required")
	}
	// Heartbeat first: a liveness query that runs in between must see the
	// device up rather than write a fresh dead marker.
	if err := l.kv.Set(ctx, HeartbeatKey, timestamp, HeartbeatTTL); err != nil {
		return storeErr(err, "failed to record heartbeat")
	}
	if err := l.kv.Delete(ctx, DeadKey); err != nil {
		return storeErr(err, "failed to record heartbeat")
	}
	return nil
}

// LastHeartbeat returns the live heartbeat timestamp, or store.ErrNotFound
// if the marker has expired.
func (l *Ledger) LastHeartbeat(ctx context.Context) (string, error) {
	return l.kv.Get(ctx, HeartbeatKey)
}
