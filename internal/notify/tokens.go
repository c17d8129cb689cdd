// ABOUTME: Push-token registry mapping the operator identity to an APNs device token
// ABOUTME: Stored in the keyed store under push-token:ios:<identity>

package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/stillsafe-gateway/internal/store"
)

// TokenRegistry persists push tokens.
type TokenRegistry struct {
	kv store.KV
}

// NewTokenRegistry creates a registry over kv.
func NewTokenRegistry(kv store.KV) *TokenRegistry {
	return &TokenRegistry{kv: kv}
}

func pushTokenKey(identity string) string {
	return "push-token:ios:" + identity
}

// Register stores token for identity, replacing any previous one.
func (r *TokenRegistry) Register(ctx context.Context, identity, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("push token is required")
	}
	if err := r.kv.Set(ctx, pushTokenKey(identity), token, 0); err != nil {
		return fmt.Errorf("storing push token: %w", err)
	}
	return nil
}

// Unregister removes the token for identity. Missing tokens are not an error.
func (r *TokenRegistry) Unregister(ctx context.Context, identity string) error {
	if err := r.kv.Delete(ctx, pushTokenKey(identity)); err != nil {
		return fmt.Errorf("removing push token: %w", err)
	}
	return nil
}

// Token returns the registered token, or ErrNoPushToken.
func (r *TokenRegistry) Token(ctx context.Context, identity string) (string, error) {
	token, err := r.kv.Get(ctx, pushTokenKey(identity))
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNoPushToken
	}
	if err != nil {
		return "", fmt.Errorf("loading push token: %w", err)
	}
	return token, nil
}
