package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/stillsafe-gateway/internal/apperr"
	"github.com/2389/stillsafe-gateway/internal/clock"
	"github.com/2389/stillsafe-gateway/internal/notify"
	"github.com/2389/stillsafe-gateway/internal/store"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type fixture struct {
	ledger   *Ledger
	kv       store.KV
	clock    *clock.Fake
	notifier *recordingNotifier
}

func newFixture() *fixture {
	clk := clock.NewFake(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	kv := store.NewMemoryStore(clk)
	n := &recordingNotifier{}
	return &fixture{
		ledger:   NewLedger(kv, n, WithClock(clk)),
		kv:       kv,
		clock:    clk,
		notifier: n,
	}
}

func TestRecordMotion(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	key, err := f.ledger.RecordMotion(ctx, "1700000000")
	require.NoError(t, err)
	assert.Equal(t, "alert:motion:1700000000", key)

	v, err := f.kv.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusUnacknowledged, v)
	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, notify.MotionAlert, f.notifier.sent[0])
}

func TestRecordMotion_RequiresTimestamp(t *testing.T) {
	f := newFixture()
	_, err := f.ledger.RecordMotion(context.Background(), " ")
	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(err))
	assert.Zero(t, f.notifier.count())
}

func TestRecordMotion_NotificationFailureKeepsRecord(t *testing.T) {
	f := newFixture()
	f.notifier.err = errors.New("apns down")

	key, err := f.ledger.RecordMotion(context.Background(), "1700000001")
	require.NoError(t, err)

	v, err := f.kv.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, StatusUnacknowledged, v)
}

func TestRecordMotion_RetryIsDeduplicated(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.ledger.RecordMotion(ctx, "1700000002")
	require.NoError(t, err)
	_, err = f.ledger.RecordMotion(ctx, "1700000002")
	require.NoError(t, err)
	assert.Equal(t, 1, f.notifier.count())

	f.clock.Advance(2 * time.Minute)
	_, err = f.ledger.RecordMotion(ctx, "1700000002")
	require.NoError(t, err)
	assert.Equal(t, 2, f.notifier.count(), "an unacknowledged repeat outside the window notifies again")
}

func TestRecordMotion_NeverResetsAck(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	key, err := f.ledger.RecordMotion(ctx, "1700000003")
	require.NoError(t, err)
	require.NoError(t, f.ledger.Acknowledge(ctx, key))

	f.clock.Advance(5 * time.Minute)
	_, err = f.ledger.RecordMotion(ctx, "1700000003")
	require.NoError(t, err)

	v, err := f.kv.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, v)
	assert.Equal(t, 1, f.notifier.count())
}

func TestRecordOffline(t *testing.T) {
	f := newFixture()
	at := time.Unix(1700000100, 500_000_000)

	key, err := f.ledger.RecordOffline(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, "alert:offline:1700000100", key)
	assert.Zero(t, f.notifier.count(), "the monitor owns offline notifications")
}

func TestList_NewestFirst(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, _ = f.ledger.RecordMotion(ctx, "100")
	_, _ = f.ledger.RecordOffline(ctx, time.Unix(300, 0))
	_, _ = f.ledger.RecordMotion(ctx, "200")
	_, _ = f.ledger.RecordMotion(ctx, "1000")
	require.NoError(t, f.kv.Set(ctx, "alert:bogus", "no-ack", 0))
	require.NoError(t, f.kv.Set(ctx, "heartbeat", "x", 0))

	list, err := f.ledger.List(ctx)
	require.NoError(t, err)

	var keys []string
	for _, a := range list {
		keys = append(keys, a.Key)
	}
	assert.Equal(t, []string{
		"alert:motion:1000",
		"alert:offline:300",
		"alert:motion:200",
		"alert:motion:100",
	}, keys)
	assert.Equal(t, Alert{Key: "alert:offline:300", Type: KindOffline, Timestamp: "300", Status: StatusUnacknowledged}, list[1])
}

func TestList_Empty(t *testing.T) {
	f := newFixture()
	list, err := f.ledger.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NotNil(t, list)
}

func TestAcknowledge(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	key, _ := f.ledger.RecordMotion(ctx, "500")
	require.NoError(t, f.ledger.Acknowledge(ctx, key))
	require.NoError(t, f.ledger.Acknowledge(ctx, key), "acknowledging twice is a no-op")

	list, err := f.ledger.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatusAcknowledged, list[0].Status)
}

func TestAcknowledge_Errors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(f.ledger.Acknowledge(ctx, "")))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(f.ledger.Acknowledge(ctx, "alert:motion:404")))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(f.ledger.Acknowledge(ctx, "heartbeat")))

	_, err := f.kv.Get(ctx, "alert:motion:404")
	assert.ErrorIs(t, err, store.ErrNotFound, "acknowledging must not create records")
}

func TestRecordHeartbeat(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.kv.Set(ctx, DeadKey, "123", 0))

	require.NoError(t, f.ledger.RecordHeartbeat(ctx, "1700000500"))

	ts, err := f.ledger.LastHeartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1700000500", ts)
	_, err = f.kv.Get(ctx, DeadKey)
	assert.ErrorIs(t, err, store.ErrNotFound)

	f.clock.Advance(HeartbeatTTL)
	_, err = f.ledger.LastHeartbeat(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Equal(t, apperr.KindInvalidArgument, apperr.KindOf(f.ledger.RecordHeartbeat(ctx, "")))
}

// orderingStore records whether the heartbeat was live when the dead
// marker was cleared.
type orderingStore struct {
	store.KV
	liveOnClear []bool
}

func (o *orderingStore) Delete(ctx context.Context, key string) error {
	if key == DeadKey {
		ok, err := store.Exists(ctx, o.KV, HeartbeatKey)
		if err != nil {
			return err
		}
		o.liveOnClear = append(o.liveOnClear, ok)
	}
	return o.KV.Delete(ctx, key)
}

func TestRecordHeartbeat_ClearsDeadMarkerAfterHeartbeatIsLive(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	kv := &orderingStore{KV: f.kv}
	ledger := NewLedger(kv, f.notifier, WithClock(f.clock))
	require.NoError(t, f.kv.Set(ctx, DeadKey, "123", 0))

	require.NoError(t, ledger.RecordHeartbeat(ctx, "1700000500"))

	assert.Equal(t, []bool{true}, kv.liveOnClear)
	_, err := f.kv.Get(ctx, DeadKey)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
