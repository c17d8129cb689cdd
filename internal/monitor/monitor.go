// ABOUTME: Liveness monitor that infers device up/down from the heartbeat marker
// ABOUTME: Runs on a fixed tick, throttles offline pushes and announces recovery

package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/stillsafe-gateway/internal/alerts"
	"github.com/2389/stillsafe-gateway/internal/clock"
	"github.com/2389/stillsafe-gateway/internal/notify"
	"github.com/2389/stillsafe-gateway/internal/store"
)

// Defaults for the scheduler and the offline throttle.
const (
	DefaultInterval = 15 * time.Second
	DefaultThrottle = time.Hour
	ThrottleKey     = "heartbeat:notification-sent"
	notifyTimeout   = 10 * time.Second
)

// HealthService is the gRPC health service name that mirrors the device.
const HealthService = "device"

// HealthReporter receives serving-status updates. *health.Server satisfies it.
type HealthReporter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// Liveness is the answer to "is the device alive".
type Liveness struct {
	Status    string `json:"status"` // "up" or "down"
	Timestamp string `json:"timestamp"`
}

// Liveness states.
const (
	StatusUp   = "up"
	StatusDown = "down"
)

// Config tunes a Monitor. Zero values take the defaults.
type Config struct {
	Interval time.Duration
	Throttle time.Duration
}

// Monitor evaluates device liveness. It holds no state of its own between
// ticks; everything is re-read from the store.
type Monitor struct {
	kv       store.KV
	ledger   *alerts.Ledger
	notifier notify.Notifier
	health   HealthReporter
	clock    clock.Clock
	interval time.Duration
	throttle time.Duration
	logger   *slog.Logger
}

// New creates a Monitor. health and clk may be nil.
func New(cfg Config, kv store.KV, ledger *alerts.Ledger, notifier notify.Notifier, health HealthReporter, clk clock.Clock, logger *slog.Logger) *Monitor {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: logger}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = DefaultThrottle
	}
	return &Monitor{
		kv:       kv,
		ledger:   ledger,
		notifier: notifier,
		health:   health,
		clock:    clk,
		interval: cfg.Interval,
		throttle: cfg.Throttle,
		logger:   logger.With("component", "monitor"),
	}
}

// Run ticks until ctx is cancelled. Ticks missed while one is running are
// dropped, not queued.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("liveness monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("liveness monitor stopped")
			return nil
		case <-ticker.C():
			if err := m.Tick(ctx); err != nil {
				m.logger.Error("liveness tick abandoned", "error", err)
			}
		}
	}
}

// Tick runs one evaluation. A store error abandons the tick and is
// returned; the next tick starts over.
func (m *Monitor) Tick(ctx context.Context) error {
	alive, err := store.Exists(ctx, m.kv, alerts.HeartbeatKey)
	if err != nil {
		return fmt.Errorf("reading heartbeat: %w", err)
	}
	throttled, err := store.Exists(ctx, m.kv, ThrottleKey)
	if err != nil {
		return fmt.Errorf("reading throttle flag: %w", err)
	}

	if alive {
		m.report(healthpb.HealthCheckResponse_SERVING)
		if !throttled {
			return nil
		}
		m.deliver(ctx, notify.DeviceOnline)
		if err := m.kv.Delete(ctx, ThrottleKey); err != nil {
			return fmt.Errorf("clearing throttle flag: %w", err)
		}
		m.logger.Info("device back online")
		return nil
	}

	m.report(healthpb.HealthCheckResponse_NOT_SERVING)
	if throttled {
		return nil
	}

	// Delivery is best effort: the alert and the throttle are recorded even
	// if the push failed, so a broken channel cannot cause a retry storm.
	m.deliver(ctx, notify.DeviceOffline)
	key, err := m.ledger.RecordOffline(ctx, m.clock.Now())
	if err != nil {
		return fmt.Errorf("recording offline alert: %w", err)
	}
	if err := m.kv.Set(ctx, ThrottleKey, "true", m.throttle); err != nil {
		return fmt.Errorf("setting throttle flag: %w", err)
	}
	m.logger.Warn("device offline", "alert", key)
	return nil
}

func (m *Monitor) report(status healthpb.HealthCheckResponse_ServingStatus) {
	if m.health != nil {
		m.health.SetServingStatus(HealthService, status)
	}
}

func (m *Monitor) deliver(ctx context.Context, msg notify.Message) {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	err := m.notifier.Notify(ctx, msg)
	switch {
	case err == nil:
	case errors.Is(err, notify.ErrNoPushToken):
		m.logger.Warn("no push token registered, notification skipped", "title", msg.Title)
	default:
		m.logger.Error("failed to send notification", "title", msg.Title, "error", err)
	}
}

// Status answers a liveness query. While the device is down the first
// query stamps the dead marker with the current unix millis; later
// queries report that same instant until a heartbeat clears it.
func (m *Monitor) Status(ctx context.Context) (Liveness, error) {
	ts, err := m.ledger.LastHeartbeat(ctx)
	if err == nil {
		return Liveness{Status: StatusUp, Timestamp: ts}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Liveness{}, fmt.Errorf("reading heartbeat: %w", err)
	}

	dead, err := m.kv.Get(ctx, alerts.DeadKey)
	if errors.Is(err, store.ErrNotFound) {
		dead = strconv.FormatInt(m.clock.Now().UnixMilli(), 10)
		if err := m.kv.Set(ctx, alerts.DeadKey, dead, 0); err != nil {
			return Liveness{}, fmt.Errorf("setting dead marker: %w", err)
		}
	} else if err != nil {
		return Liveness{}, fmt.Errorf("reading dead marker: %w", err)
	}
	return Liveness{Status: StatusDown, Timestamp: dead}, nil
}
