// Package secrets implements envelope encryption for per-account venue
// credentials.
//
// Each secret is sealed with a fresh 256-bit data-encryption key (DEK); the
// DEK itself is sealed with a process-wide 256-bit master key and stored
// alongside the payload. Rotating the master key therefore rewrites only the
// small DEK ciphertext per record, never the payloads. Both seals use
// AES-256-GCM with a 128-bit authentication tag, and the payload seal binds
// the DEK ciphertext as additional authenticated data, so altering any
// envelope byte fails authentication.
//
// Plaintext never crosses the package boundary except through a Handle,
// which either scopes it to a single callback (zeroed afterwards) or hands
// it to a signer constructor that internalizes it.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"

	"hyperagent/pkg/types"
)

const (
	keyLen   = 32 // AES-256
	nonceLen = 12 // standard GCM nonce
)

// Envelope is the persisted form of one encrypted secret.
type Envelope struct {
	EncryptedPayload []byte // GCM(payload, DEK, PayloadIV, aad=EncryptedDEK)
	PayloadIV        []byte
	EncryptedDEK     []byte // GCM(DEK, masterKey, DEKIV)
	DEKIV            []byte
}

// EnvelopeRepo persists envelopes keyed by account id.
type EnvelopeRepo interface {
	PutEnvelope(accountID string, env Envelope) error
	GetEnvelope(accountID string) (*Envelope, error)
	DeleteEnvelope(accountID string) error
	HasEnvelope(accountID string) (bool, error)
}

// Store encrypts, persists, and retrieves per-account secrets.
type Store struct {
	masterKey []byte
	repo      EnvelopeRepo
	logger    *slog.Logger
}

// New creates a Store from a hex-encoded 256-bit master key and runs a
// roundtrip self-test. A missing or malformed master key is a startup
// failure, not a recoverable condition.
func New(masterKeyHex string, repo EnvelopeRepo, logger *slog.Logger) (*Store, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != keyLen {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keyLen, len(key))
	}

	s := &Store{
		masterKey: key,
		repo:      repo,
		logger:    logger.With("component", "secrets"),
	}

	if err := s.selfTest(); err != nil {
		return nil, fmt.Errorf("envelope self-test: %w", err)
	}
	return s, nil
}

// selfTest seals and opens a known value to verify the master key and the
// cipher wiring before any real secret is touched.
func (s *Store) selfTest() error {
	sample := []byte("envelope-self-test")
	env, err := s.encrypt(sample)
	if err != nil {
		return err
	}
	out, err := s.decrypt(env)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(sample, out) != 1 {
		return fmt.Errorf("roundtrip mismatch")
	}
	zero(out)
	return nil
}

// Put encrypts and stores a secret for an account, replacing any existing
// envelope atomically at the persistence layer.
func (s *Store) Put(accountID string, plaintext []byte) error {
	env, err := s.encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}
	if err := s.repo.PutEnvelope(accountID, env); err != nil {
		return fmt.Errorf("store envelope: %w", err)
	}
	s.logger.Info("secret stored", "account", accountID)
	return nil
}

// Get returns a Handle for the account's secret. The plaintext stays inside
// the handle; callers scope access through Handle.Use.
func (s *Store) Get(accountID string) (*Handle, error) {
	env, err := s.repo.GetEnvelope(accountID)
	if err != nil {
		return nil, fmt.Errorf("load envelope: %w", err)
	}
	if env == nil {
		return nil, fmt.Errorf("account %s: %w", accountID, types.ErrNeedsCredentials)
	}
	pt, err := s.decrypt(*env)
	if err != nil {
		return nil, fmt.Errorf("open envelope: %w", err)
	}
	return &Handle{plaintext: pt}, nil
}

// Delete removes the account's envelope.
func (s *Store) Delete(accountID string) error {
	if err := s.repo.DeleteEnvelope(accountID); err != nil {
		return fmt.Errorf("delete envelope: %w", err)
	}
	s.logger.Info("secret deleted", "account", accountID)
	return nil
}

// Has reports whether an envelope exists for the account.
func (s *Store) Has(accountID string) (bool, error) {
	return s.repo.HasEnvelope(accountID)
}

func (s *Store) encrypt(plaintext []byte) (Envelope, error) {
	dek := make([]byte, keyLen)
	if _, err := rand.Read(dek); err != nil {
		return Envelope{}, fmt.Errorf("generate dek: %w", err)
	}
	defer zero(dek)

	// Wrap the DEK with the master key.
	dekIV := make([]byte, nonceLen)
	if _, err := rand.Read(dekIV); err != nil {
		return Envelope{}, fmt.Errorf("generate dek iv: %w", err)
	}
	masterGCM, err := newGCM(s.masterKey)
	if err != nil {
		return Envelope{}, err
	}
	encDEK := masterGCM.Seal(nil, dekIV, dek, nil)

	// Seal the payload with the DEK, binding the DEK ciphertext so the two
	// halves of the envelope cannot be mixed and matched.
	payloadIV := make([]byte, nonceLen)
	if _, err := rand.Read(payloadIV); err != nil {
		return Envelope{}, fmt.Errorf("generate payload iv: %w", err)
	}
	dekGCM, err := newGCM(dek)
	if err != nil {
		return Envelope{}, err
	}
	encPayload := dekGCM.Seal(nil, payloadIV, plaintext, encDEK)

	return Envelope{
		EncryptedPayload: encPayload,
		PayloadIV:        payloadIV,
		EncryptedDEK:     encDEK,
		DEKIV:            dekIV,
	}, nil
}

func (s *Store) decrypt(env Envelope) ([]byte, error) {
	masterGCM, err := newGCM(s.masterKey)
	if err != nil {
		return nil, err
	}
	dek, err := masterGCM.Open(nil, env.DEKIV, env.EncryptedDEK, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap dek: %w", err)
	}
	defer zero(dek)

	dekGCM, err := newGCM(dek)
	if err != nil {
		return nil, err
	}
	pt, err := dekGCM.Open(nil, env.PayloadIV, env.EncryptedPayload, env.EncryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Handle scopes access to one decrypted secret. After Use returns (or the
// handle is closed) the plaintext is zeroed.
type Handle struct {
	plaintext []byte
}

// Use invokes fn with the plaintext, then zeroes it. The slice must not be
// retained past the callback; callers that need a long-lived signer should
// construct it inside fn so only the parsed key survives.
func (h *Handle) Use(fn func(plaintext []byte) error) error {
	if h.plaintext == nil {
		return fmt.Errorf("handle already consumed: %w", types.ErrNeedsCredentials)
	}
	defer h.Close()
	return fn(h.plaintext)
}

// Close zeroes the plaintext. Safe to call more than once.
func (h *Handle) Close() {
	zero(h.plaintext)
	h.plaintext = nil
}
