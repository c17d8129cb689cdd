package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/stillsafe-gateway/internal/apperr"
	"github.com/2389/stillsafe-gateway/internal/store"
)

type fakePusher struct {
	res  *apns2.Response
	err  error
	sent []*apns2.Notification
}

func (f *fakePusher) PushWithContext(_ apns2.Context, n *apns2.Notification) (*apns2.Response, error) {
	f.sent = append(f.sent, n)
	return f.res, f.err
}

func newSender(t *testing.T, p *fakePusher, production bool) (*APNsSender, *TokenRegistry) {
	t.Helper()
	registry := NewTokenRegistry(store.NewMemoryStore(nil))
	cfg := APNsConfig{Topic: "com.still.safe.dev", Production: production}
	return newAPNsSender(p, cfg, registry, "admin", nil), registry
}

func TestTokenRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewTokenRegistry(store.NewMemoryStore(nil))

	_, err := r.Token(ctx, "admin")
	assert.ErrorIs(t, err, ErrNoPushToken)

	assert.Error(t, r.Register(ctx, "admin", "  "))
	require.NoError(t, r.Register(ctx, "admin", "abc123"))
	require.NoError(t, r.Register(ctx, "admin", "def456"))

	tok, err := r.Token(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, "def456", tok)

	require.NoError(t, r.Unregister(ctx, "admin"))
	require.NoError(t, r.Unregister(ctx, "admin"))
	_, err = r.Token(ctx, "admin")
	assert.ErrorIs(t, err, ErrNoPushToken)
}

func TestAPNsSender_NoToken(t *testing.T) {
	p := &fakePusher{res: &apns2.Response{StatusCode: 200}}
	s, _ := newSender(t, p, false)

	err := s.Notify(context.Background(), DeviceOffline)
	assert.ErrorIs(t, err, ErrNoPushToken)
	assert.Empty(t, p.sent)
}

func TestAPNsSender_Delivers(t *testing.T) {
	p := &fakePusher{res: &apns2.Response{StatusCode: 200, ApnsID: "id-1"}}
	s, registry := newSender(t, p, true)
	require.NoError(t, registry.Register(context.Background(), "admin", "device-token"))

	require.NoError(t, s.Notify(context.Background(), MotionAlert))
	require.Len(t, p.sent, 1)
	n := p.sent[0]
	assert.Equal(t, "device-token", n.DeviceToken)
	assert.Equal(t, "com.still.safe.dev", n.Topic)

	want := payload.NewPayload().AlertTitle("Motion Alert").AlertBody("Please check your device now.").Sound("default").Badge(1)
	assert.Equal(t, want, n.Payload)
}

func TestAPNsSender_BadDeviceToken(t *testing.T) {
	p := &fakePusher{res: &apns2.Response{StatusCode: 400, Reason: apns2.ReasonBadDeviceToken}}
	s, registry := newSender(t, p, false)
	require.NoError(t, registry.Register(context.Background(), "admin", "prod-token"))

	err := s.Notify(context.Background(), DeviceOffline)
	require.Error(t, err)
	assert.Equal(t, apperr.KindBadDeviceToken, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "sandbox")
}

func TestAPNsSender_Failures(t *testing.T) {
	ctx := context.Background()

	p := &fakePusher{err: errors.New("connection reset")}
	s, registry := newSender(t, p, false)
	require.NoError(t, registry.Register(ctx, "admin", "tok"))
	err := s.Notify(ctx, DeviceOnline)
	assert.Equal(t, apperr.KindDeliveryFailed, apperr.KindOf(err))

	p = &fakePusher{res: &apns2.Response{StatusCode: 410, Reason: apns2.ReasonUnregistered}}
	s, registry = newSender(t, p, false)
	require.NoError(t, registry.Register(ctx, "admin", "tok"))
	err = s.Notify(ctx, DeviceOnline)
	assert.Equal(t, apperr.KindDeliveryFailed, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "410")
}

type fakeMatrix struct {
	room id.RoomID
	text string
	err  error
}

func (f *fakeMatrix) SendText(_ context.Context, roomID id.RoomID, text string) (*mautrix.RespSendEvent, error) {
	f.room, f.text = roomID, text
	return &mautrix.RespSendEvent{}, f.err
}

func TestMatrixSender(t *testing.T) {
	fm := &fakeMatrix{}
	m := &MatrixSender{client: fm, room: id.RoomID("!ops:example.org")}

	require.NoError(t, m.Notify(context.Background(), DeviceOffline))
	assert.Equal(t, id.RoomID("!ops:example.org"), fm.room)
	assert.Equal(t, "⚠️ Device Offline\nPlease check the device now.", fm.text)

	fm.err = errors.New("forbidden")
	assert.Equal(t, apperr.KindDeliveryFailed, apperr.KindOf(m.Notify(context.Background(), DeviceOffline)))
}

func TestMulti(t *testing.T) {
	ctx := context.Background()
	ok := NotifierFunc(func(context.Context, Message) error { return nil })
	skip := NotifierFunc(func(context.Context, Message) error { return ErrNoPushToken })
	fail := NotifierFunc(func(context.Context, Message) error { return errors.New("boom") })

	assert.NoError(t, NewMulti(nil, ok, skip).Notify(ctx, MotionAlert))
	assert.ErrorIs(t, NewMulti(nil, skip, skip).Notify(ctx, MotionAlert), ErrNoPushToken)
	assert.EqualError(t, NewMulti(nil, ok, fail).Notify(ctx, MotionAlert), "boom")
	assert.NoError(t, NewMulti(nil).Notify(ctx, MotionAlert))
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, LogNotifier{}.Notify(context.Background(), DeviceOnline))
}
