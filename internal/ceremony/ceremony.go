// ABOUTME: Authentication ceremony: one-time code, WebAuthn enrollment/login, rotating sessions
// ABOUTME: Every failure is an apperr.Error whose Kind the HTTP layer maps to a status

package ceremony

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/stillsafe-gateway/internal/apperr"
	"github.com/2389/stillsafe-gateway/internal/auth"
	"github.com/2389/stillsafe-gateway/internal/challenge"
	"github.com/2389/stillsafe-gateway/internal/credential"
	"github.com/2389/stillsafe-gateway/internal/store"
)

// Config describes the relying party.
type Config struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	// AllowZeroCounter accepts a login where both the stored and presented
	// signature counters are zero, for authenticators that never count.
	AllowZeroCounter bool
}

// Service drives the ceremony. It is stateless apart from the injected
// stores and is safe for concurrent use.
type Service struct {
	webauthn         *webauthn.WebAuthn
	creds            credential.Repository
	ledger           *challenge.Ledger
	kv               store.KV
	tokens           *auth.TokenIssuer
	displayName      string
	allowZeroCounter bool
	logger           *slog.Logger
}

// New builds a Service.
func New(cfg Config, creds credential.Repository, ledger *challenge.Ledger, kv store.KV, tokens *auth.TokenIssuer, logger *slog.Logger) (*Service, error) {
	w, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		webauthn:         w,
		creds:            creds,
		ledger:           ledger,
		kv:               kv,
		tokens:           tokens,
		displayName:      cfg.RPDisplayName,
		allowZeroCounter: cfg.AllowZeroCounter,
		logger:           logger.With("component", "ceremony"),
	}, nil
}

func sessionKey(identity string) string {
	return "session:" + identity
}

func requireIdentity(identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", apperr.New(apperr.KindInvalidArgument, "username is required")
	}
	return identity, nil
}

func storeErr(err error) error {
	return apperr.Wrap(apperr.KindExternalService, err, "storage unavailable")
}

// RequestOTP issues a fresh code. It succeeds for any identity so callers
// cannot probe which identities exist.
func (s *Service) RequestOTP(ctx context.Context, identity string) error {
	identity, err := requireIdentity(identity)
	if err != nil {
		return err
	}
	if _, err := s.ledger.IssueCode(ctx, identity); err != nil {
		return storeErr(err)
	}
	s.logger.Info("one-time code issued", "identity", identity)
	return nil
}

// CurrentOTP returns the live code so the device can display it. An empty
// string means no code is pending.
func (s *Service) CurrentOTP(ctx context.Context, identity string) (string, error) {
	code, err := s.ledger.CurrentCode(ctx, identity)
	if errors.Is(err, challenge.ErrNoCode) {
		return "", nil
	}
	if err != nil {
		return "", storeErr(err)
	}
	return code, nil
}

// VerifyOTP checks code and, on success, opens the enrollment window.
func (s *Service) VerifyOTP(ctx context.Context, identity, code string) error {
	identity, err := requireIdentity(identity)
	if err != nil {
		return err
	}
	if strings.TrimSpace(code) == "" {
		return apperr.New(apperr.KindInvalidArgument, "code is required")
	}

	err = s.ledger.VerifyCode(ctx, identity, strings.TrimSpace(code))
	switch {
	case errors.Is(err, challenge.ErrNoCode), errors.Is(err, challenge.ErrCodeMismatch):
		s.logger.Warn("one-time code rejected", "identity", identity)
		return apperr.New(apperr.KindInvalidCredentials, "invalid code")
	case err != nil:
		return storeErr(err)
	}
	s.logger.Info("one-time code verified", "identity", identity)
	return nil
}

func (s *Service) requireVerified(ctx context.Context, identity string) error {
	ok, err := s.ledger.IsVerified(ctx, identity)
	if err != nil {
		return storeErr(err)
	}
	if !ok {
		return apperr.New(apperr.KindUnauthorized, "one-time code verification required")
	}
	return nil
}

func (s *Service) pendingSession(ctx context.Context, identity string) (*webauthn.SessionData, error) {
	session, err := s.ledger.Session(ctx, identity)
	if errors.Is(err, challenge.ErrNoChallenge) {
		return nil, apperr.New(apperr.KindChallengeMissingOrExpired, "challenge missing or expired")
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return session, nil
}

// BeginRegistration issues creation options for a discoverable,
// user-verified credential without attestation.
func (s *Service) BeginRegistration(ctx context.Context, identity string) (*protocol.CredentialCreation, error) {
	identity, err := requireIdentity(identity)
	if err != nil {
		return nil, err
	}
	if err := s.requireVerified(ctx, identity); err != nil {
		return nil, err
	}

	user := &webAuthnUser{identity: identity, displayName: s.displayName}
	options, session, err := s.webauthn.BeginRegistration(user,
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			ResidentKey:        protocol.ResidentKeyRequirementRequired,
			RequireResidentKey: protocol.ResidentKeyRequired(),
			UserVerification:   protocol.VerificationRequired,
		}),
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindExternalService, err, "failed to start registration")
	}
	if err := s.ledger.PutSession(ctx, identity, session); err != nil {
		return nil, storeErr(err)
	}
	return options, nil
}

// CompleteRegistration verifies the authenticator's attestation response
// and enrolls the credential, replacing any earlier one. A failed
// verification changes nothing.
func (s *Service) CompleteRegistration(ctx context.Context, identity string, response []byte) error {
	identity, err := requireIdentity(identity)
	if err != nil {
		return err
	}
	if err := s.requireVerified(ctx, identity); err != nil {
		return err
	}
	session, err := s.pendingSession(ctx, identity)
	if err != nil {
		return err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		s.logger.Warn("registration response rejected", "identity", identity, "error", describe(err))
		return apperr.Wrap(apperr.KindVerificationFailed, err, "registration verification failed")
	}

	user := &webAuthnUser{identity: identity, displayName: s.displayName}
	created, err := s.webauthn.CreateCredential(user, *session, parsed)
	if err != nil {
		s.logger.Warn("registration verification failed", "identity", identity, "error", describe(err))
		return apperr.Wrap(apperr.KindVerificationFailed, err, "registration verification failed")
	}

	if err := s.creds.Save(ctx, fromWebAuthn(identity, created)); err != nil {
		return storeErr(err)
	}
	if err := s.ledger.ConsumeSession(ctx, identity); err != nil {
		s.logger.Warn("failed to consume registration challenge", "identity", identity, "error", err)
	}
	s.logger.Info("credential enrolled", "identity", identity)
	return nil
}

func (s *Service) loadCredential(ctx context.Context, identity string) (*credential.Credential, error) {
	cred, err := s.creds.Get(ctx, identity)
	if errors.Is(err, credential.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "no credential registered")
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return cred, nil
}

// BeginLogin issues an assertion challenge restricted to the enrolled
// credential.
func (s *Service) BeginLogin(ctx context.Context, identity string) (*protocol.CredentialAssertion, error) {
	identity, err := requireIdentity(identity)
	if err != nil {
		return nil, err
	}
	cred, err := s.loadCredential(ctx, identity)
	if err != nil {
		return nil, err
	}

	user := &webAuthnUser{identity: identity, displayName: s.displayName, cred: cred}
	wc := toWebAuthn(cred)
	options, session, err := s.webauthn.BeginLogin(user,
		webauthn.WithUserVerification(protocol.VerificationRequired),
		webauthn.WithAllowedCredentials([]protocol.CredentialDescriptor{wc.Descriptor()}),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindExternalService, err, "failed to start login")
	}
	if err := s.ledger.PutSession(ctx, identity, session); err != nil {
		return nil, storeErr(err)
	}
	return options, nil
}

// CompleteLogin verifies an assertion, advances the signature counter and
// opens a new session.
func (s *Service) CompleteLogin(ctx context.Context, identity string, response []byte) (auth.TokenPair, error) {
	identity, err := requireIdentity(identity)
	if err != nil {
		return auth.TokenPair{}, err
	}
	session, err := s.pendingSession(ctx, identity)
	if err != nil {
		return auth.TokenPair{}, err
	}
	cred, err := s.loadCredential(ctx, identity)
	if err != nil {
		return auth.TokenPair{}, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		s.logger.Warn("login response rejected", "identity", identity, "error", describe(err))
		return auth.TokenPair{}, apperr.Wrap(apperr.KindVerificationFailed, err, "login verification failed")
	}

	user := &webAuthnUser{identity: identity, displayName: s.displayName, cred: cred}
	if _, err := s.webauthn.ValidateLogin(user, *session, parsed); err != nil {
		s.logger.Warn("login verification failed", "identity", identity, "error", describe(err))
		return auth.TokenPair{}, apperr.Wrap(apperr.KindVerificationFailed, err, "login verification failed")
	}

	// go-webauthn only flags a non-increasing counter; a possible clone is
	// rejected outright here.
	counter := parsed.Response.AuthenticatorData.Counter
	bothZero := counter == 0 && cred.SignCount == 0
	if counter <= cred.SignCount && !(bothZero && s.allowZeroCounter) {
		s.logger.Warn("signature counter did not advance", "identity", identity,
			"stored", cred.SignCount, "presented", counter)
		return auth.TokenPair{}, apperr.New(apperr.KindVerificationFailed, "login verification failed")
	}

	if err := s.creds.UpdateSignCount(ctx, identity, counter); err != nil {
		return auth.TokenPair{}, storeErr(err)
	}
	if err := s.ledger.ConsumeSession(ctx, identity); err != nil {
		s.logger.Warn("failed to consume login challenge", "identity", identity, "error", err)
	}

	pair, err := s.openSession(ctx, identity)
	if err != nil {
		return auth.TokenPair{}, err
	}
	s.logger.Info("operator logged in", "identity", identity)
	return pair, nil
}

// openSession issues a pair and makes its refresh token the only live one.
// A concurrent login and refresh both write here; the last writer wins.
func (s *Service) openSession(ctx context.Context, identity string) (auth.TokenPair, error) {
	pair, err := s.tokens.IssuePair(identity)
	if err != nil {
		return auth.TokenPair{}, apperr.Wrap(apperr.KindExternalService, err, "failed to issue tokens")
	}
	hash := auth.HashRefreshToken(pair.RefreshToken)
	if err := s.kv.Set(ctx, sessionKey(identity), hash, s.tokens.RefreshTTL()); err != nil {
		return auth.TokenPair{}, storeErr(err)
	}
	return pair, nil
}

// liveSession verifies refresh and checks it is the session's current token.
func (s *Service) liveSession(ctx context.Context, refresh string) (string, error) {
	if strings.TrimSpace(refresh) == "" {
		return "", apperr.New(apperr.KindInvalidArgument, "refresh token is required")
	}
	identity, err := s.tokens.Verify(refresh, auth.KindRefresh)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInvalidToken, err, "invalid refresh token")
	}

	stored, err := s.kv.Get(ctx, sessionKey(identity))
	if errors.Is(err, store.ErrNotFound) {
		return "", apperr.New(apperr.KindInvalidSession, "invalid session")
	}
	if err != nil {
		return "", storeErr(err)
	}
	if !auth.RefreshTokenMatches(stored, refresh) {
		s.logger.Warn("stale refresh token presented", "identity", identity)
		return "", apperr.New(apperr.KindInvalidSession, "invalid session")
	}
	return identity, nil
}

// Logout ends the session that refresh belongs to.
func (s *Service) Logout(ctx context.Context, refresh string) error {
	identity, err := s.liveSession(ctx, refresh)
	if err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, sessionKey(identity)); err != nil {
		return storeErr(err)
	}
	s.logger.Info("operator logged out", "identity", identity)
	return nil
}

// Refresh rotates the session: the presented token stops working and a new
// pair is returned.
func (s *Service) Refresh(ctx context.Context, refresh string) (auth.TokenPair, error) {
	identity, err := s.liveSession(ctx, refresh)
	if err != nil {
		return auth.TokenPair{}, err
	}
	return s.openSession(ctx, identity)
}

// describe unpacks the library's protocol errors, whose Error() string
// omits the detail.
func describe(err error) string {
	var perr *protocol.Error
	if errors.As(err, &perr) && perr.DevInfo != "" {
		return perr.Details + ": " + perr.DevInfo
	}
	return err.Error()
}
