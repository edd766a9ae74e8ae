package secrets

import (
	"bytes"
	"encoding/hex"
	"log/slog"
	"os"
	"testing"
)

// memRepo is an in-memory EnvelopeRepo for tests.
type memRepo struct {
	envs map[string]Envelope
}

func newMemRepo() *memRepo {
	return &memRepo{envs: make(map[string]Envelope)}
}

func (m *memRepo) PutEnvelope(accountID string, env Envelope) error {
	m.envs[accountID] = env
	return nil
}

func (m *memRepo) GetEnvelope(accountID string) (*Envelope, error) {
	env, ok := m.envs[accountID]
	if !ok {
		return nil, nil
	}
	return &env, nil
}

func (m *memRepo) DeleteEnvelope(accountID string) error {
	delete(m.envs, accountID)
	return nil
}

func (m *memRepo) HasEnvelope(accountID string) (bool, error) {
	_, ok := m.envs[accountID]
	return ok, nil
}

func testKeyHex() string {
	return hex.EncodeToString(bytes.Repeat([]byte{0xA5}, 32))
}

func newTestStore(t *testing.T) (*Store, *memRepo) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	repo := newMemRepo()
	s, err := New(testKeyHex(), repo, logger)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s, repo
}

func TestNewRejectsBadMasterKey(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	if _, err := New("deadbeef", newMemRepo(), logger); err == nil {
		t.Error("short master key accepted")
	}
	if _, err := New("zz", newMemRepo(), logger); err == nil {
		t.Error("non-hex master key accepted")
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	secret := []byte("0xabc123privatekey")
	if err := s.Put("acct-1", secret); err != nil {
		t.Fatalf("put: %v", err)
	}

	h, err := s.Get("acct-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	var seen []byte
	err = h.Use(func(pt []byte) error {
		seen = append([]byte(nil), pt...)
		return nil
	})
	if err != nil {
		t.Fatalf("use: %v", err)
	}
	if !bytes.Equal(seen, secret) {
		t.Errorf("roundtrip = %q, want %q", seen, secret)
	}
}

func TestHandleZeroedAfterUse(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	if err := s.Put("acct-1", []byte("secret")); err != nil {
		t.Fatalf("put: %v", err)
	}
	h, err := s.Get("acct-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	var captured []byte
	_ = h.Use(func(pt []byte) error {
		captured = pt // deliberately retained to observe zeroing
		return nil
	})

	for _, b := range captured {
		if b != 0 {
			t.Fatal("plaintext not zeroed after Use")
		}
	}

	if err := h.Use(func([]byte) error { return nil }); err == nil {
		t.Error("second Use on a consumed handle should fail")
	}
}

func TestGetMissingIsNeedsCredentials(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	_, err := s.Get("nobody")
	if err == nil {
		t.Fatal("expected error for missing envelope")
	}
}

func TestTamperedEnvelopeFailsAuthentication(t *testing.T) {
	t.Parallel()
	s, repo := newTestStore(t)

	if err := s.Put("acct-1", []byte("secret")); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Flip one byte in each component; every variant must fail to open.
	tamper := []func(*Envelope){
		func(e *Envelope) { e.EncryptedPayload[0] ^= 0xFF },
		func(e *Envelope) { e.PayloadIV[0] ^= 0xFF },
		func(e *Envelope) { e.EncryptedDEK[0] ^= 0xFF },
		func(e *Envelope) { e.DEKIV[0] ^= 0xFF },
	}
	for i, fn := range tamper {
		env := repo.envs["acct-1"]
		mutated := Envelope{
			EncryptedPayload: append([]byte(nil), env.EncryptedPayload...),
			PayloadIV:        append([]byte(nil), env.PayloadIV...),
			EncryptedDEK:     append([]byte(nil), env.EncryptedDEK...),
			DEKIV:            append([]byte(nil), env.DEKIV...),
		}
		fn(&mutated)
		repo.envs["tampered"] = mutated

		if _, err := s.Get("tampered"); err == nil {
			t.Errorf("tamper variant %d: altered envelope decrypted", i)
		}
	}
}

func TestRotationReplacesEnvelope(t *testing.T) {
	t.Parallel()
	s, repo := newTestStore(t)

	if err := s.Put("acct-1", []byte("old")); err != nil {
		t.Fatalf("put: %v", err)
	}
	first := repo.envs["acct-1"]

	if err := s.Put("acct-1", []byte("new")); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	second := repo.envs["acct-1"]

	if bytes.Equal(first.EncryptedDEK, second.EncryptedDEK) {
		t.Error("rotation reused the DEK ciphertext")
	}

	h, err := s.Get("acct-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = h.Use(func(pt []byte) error {
		if string(pt) != "new" {
			t.Errorf("after rotation = %q, want %q", pt, "new")
		}
		return nil
	})
}
