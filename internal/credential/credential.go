// ABOUTME: Credential repository holding the operator's single WebAuthn credential
// ABOUTME: Records are JSON documents in the keyed store, one per identity

package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/stillsafe-gateway/internal/store"
)

// ErrNotFound is returned when no credential is enrolled for an identity.
var ErrNotFound = errors.New("credential not found")

// Credential is a registered WebAuthn public-key credential.
type Credential struct {
	Identity        string    `json:"identity"`
	CredentialID    []byte    `json:"credentialId"`
	PublicKey       []byte    `json:"publicKey"`
	SignCount       uint32    `json:"signCount"`
	AttestationType string    `json:"attestationType,omitempty"`
	Transports      []string  `json:"transports,omitempty"`
	AAGUID          []byte    `json:"aaguid,omitempty"`
	BackupEligible  bool      `json:"backupEligible"`
	BackupState     bool      `json:"backupState"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Repository stores at most one credential per identity.
type Repository interface {
	// Get returns the credential for identity or ErrNotFound.
	Get(ctx context.Context, identity string) (*Credential, error)
	// Save creates or replaces the credential for cred.Identity.
	Save(ctx context.Context, cred *Credential) error
	// UpdateSignCount sets the stored signature counter.
	UpdateSignCount(ctx context.Context, identity string, count uint32) error
}

// KVRepository implements Repository on the keyed store.
type KVRepository struct {
	kv  store.KV
	now func() time.Time
}

// NewKVRepository creates a repository backed by kv.
func NewKVRepository(kv store.KV, now func() time.Time) *KVRepository {
	if now == nil {
		now = time.Now
	}
	return &KVRepository{kv: kv, now: now}
}

func key(identity string) string {
	return "credential:" + identity
}

func (r *KVRepository) Get(ctx context.Context, identity string) (*Credential, error) {
	raw, err := r.kv.Get(ctx, key(identity))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return nil, fmt.Errorf("decoding credential: %w", err)
	}
	return &cred, nil
}

// Save overwrites any existing record; re-enrollment replaces the old key.
func (r *KVRepository) Save(ctx context.Context, cred *Credential) error {
	if cred.Identity == "" {
		return errors.New("credential identity is required")
	}
	now := r.now().UTC()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now
	return r.put(ctx, cred)
}

// UpdateSignCount is a read-modify-write; a single operator means a single
// writer, so last write wins.
func (r *KVRepository) UpdateSignCount(ctx context.Context, identity string, count uint32) error {
	cred, err := r.Get(ctx, identity)
	if err != nil {
		return err
	}
	cred.SignCount = count
	cred.UpdatedAt = r.now().UTC()
	return r.put(ctx, cred)
}

func (r *KVRepository) put(ctx context.Context, cred *Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}
	if err := r.kv.Set(ctx, key(cred.Identity), string(data), 0); err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}
	return nil
}
