// ABOUTME: Apple Push Notification delivery using token-based (.p8) authentication
// ABOUTME: Classifies BadDeviceToken so sandbox/production mismatches are easy to spot

package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"github.com/2389/stillsafe-gateway/internal/apperr"
)

// APNsConfig describes the Apple developer credentials.
type APNsConfig struct {
	KeyPath    string
	KeyID      string
	TeamID     string
	Topic      string
	Production bool
}

// pusher is the subset of *apns2.Client used here.
type pusher interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// APNsSender pushes messages to the operator's registered iOS device.
type APNsSender struct {
	client     pusher
	registry   *TokenRegistry
	identity   string
	topic      string
	production bool
	logger     *slog.Logger
}

// NewAPNsSender loads the signing key and builds a client for the
// configured environment.
func NewAPNsSender(cfg APNsConfig, registry *TokenRegistry, identity string, logger *slog.Logger) (*APNsSender, error) {
	key, err := token.AuthKeyFromFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading APNs key: %w", err)
	}
	tok := &token.Token{AuthKey: key, KeyID: cfg.KeyID, TeamID: cfg.TeamID}

	client := apns2.NewTokenClient(tok)
	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}
	return newAPNsSender(client, cfg, registry, identity, logger), nil
}

func newAPNsSender(client pusher, cfg APNsConfig, registry *TokenRegistry, identity string, logger *slog.Logger) *APNsSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &APNsSender{
		client:     client,
		registry:   registry,
		identity:   identity,
		topic:      cfg.Topic,
		production: cfg.Production,
		logger:     logger.With("component", "apns"),
	}
}

func (s *APNsSender) environment() string {
	if s.production {
		return "production"
	}
	return "sandbox"
}

// Notify sends msg with the default sound and a badge of one.
func (s *APNsSender) Notify(ctx context.Context, msg Message) error {
	deviceToken, err := s.registry.Token(ctx, s.identity)
	if err != nil {
		return err
	}

	n := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       s.topic,
		Payload:     payload.NewPayload().AlertTitle(msg.Title).AlertBody(msg.Body).Sound("default").Badge(1),
	}

	res, err := s.client.PushWithContext(ctx, n)
	if err != nil {
		return apperr.Wrap(apperr.KindDeliveryFailed, err, "apns push failed")
	}
	if res.Sent() {
		s.logger.Debug("push delivered", "apns_id", res.ApnsID, "title", msg.Title)
		return nil
	}

	if res.Reason == apns2.ReasonBadDeviceToken {
		s.logger.Error("apns rejected device token; the app build and server environment may not match",
			"environment", s.environment(),
			"status", res.StatusCode,
		)
		return apperr.New(apperr.KindBadDeviceToken, "bad device token for "+s.environment()+" environment")
	}
	return apperr.New(apperr.KindDeliveryFailed, fmt.Sprintf("apns status %d: %s", res.StatusCode, res.Reason))
}
