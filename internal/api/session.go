package api

import (
	"context"
	"fmt"

	"github.com/roach88/fieldsync/internal/audit"
	"github.com/roach88/fieldsync/internal/encryption"
)

// AuthRecorder appends session events to the audit chain.
// *repository.Repository satisfies it.
type AuthRecorder interface {
	RecordAuthentication(ctx context.Context, action string) (audit.Event, error)
}

// KeySession ties the encryption key to audited unlock and lock events.
type KeySession struct {
	gate     *encryption.Gate
	recorder AuthRecorder
}

// NewKeySession creates a session over gate.
func NewKeySession(gate *encryption.Gate, recorder AuthRecorder) *KeySession {
	return &KeySession{gate: gate, recorder: recorder}
}

// Unlock derives the key from pin. An unlock that cannot be audited is
// rolled back.
func (s *KeySession) Unlock(ctx context.Context, pin string) error {
	if err := s.gate.InitializeWithPin(ctx, pin); err != nil {
		return err
	}
	if _, err := s.recorder.RecordAuthentication(ctx, "unlock"); err != nil {
		s.gate.ClearEncryptionKey()
		return fmt.Errorf("unlock: %w", err)
	}
	return nil
}

// Lock drops the key. The key is cleared even when the lock event cannot be
// recorded.
func (s *KeySession) Lock(ctx context.Context) error {
	s.gate.ClearEncryptionKey()
	if _, err := s.recorder.RecordAuthentication(ctx, "lock"); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	return nil
}

// Unlocked reports whether the key is loaded.
func (s *KeySession) Unlocked() bool {
	return s.gate.Initialized()
}
