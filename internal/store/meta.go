package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Well-known meta keys.
const (
	MetaCheckpoint     = "checkpoint"
	MetaDeviceID       = "device_id"
	MetaEncryptionSalt = "encryption_salt"
)

// GetMeta returns the value for key, or an error wrapping ErrNotFound.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("meta %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("meta %q: %w", key, err)
	}
	return value, nil
}

// SetMeta upserts a meta value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %q: %w", key, err)
	}
	return nil
}

// GetOrInitMeta returns the stored value for key, storing the result of init
// first if the key is absent.
func (s *Store) GetOrInitMeta(ctx context.Context, key string, init func() (string, error)) (string, error) {
	value, err := s.GetMeta(ctx, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	value, err = init()
	if err != nil {
		return "", fmt.Errorf("init meta %q: %w", key, err)
	}
	// INSERT OR IGNORE keeps a value written concurrently by someone else.
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)`, key, value); err != nil {
		return "", fmt.Errorf("init meta %q: %w", key, err)
	}
	return s.GetMeta(ctx, key)
}
