// Package identity is the opaque identity and credential source consumed by
// the sync engine: a persistent device id, the acting user and a bearer
// token that can be force-refreshed after an authorization failure.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/fieldsync/internal/store"
)

// ErrNoCredential means the provider cannot produce a token.
var ErrNoCredential = errors.New("no credential available")

// Provider supplies the device/user identity and access credential.
type Provider interface {
	// DeviceID is the stable identifier used as this replica's version
	// vector key.
	DeviceID() string
	// Actor identifies the user for audit events.
	Actor() string
	// Token returns a currently valid access token, fetching one if needed.
	Token(ctx context.Context) (string, error)
	// Refresh discards any cached token and fetches a new one.
	Refresh(ctx context.Context) (string, error)
}

// MetaStore is the key-value area the device id is kept in. *store.Store
// satisfies it.
type MetaStore interface {
	GetOrInitMeta(ctx context.Context, key string, init func() (string, error)) (string, error)
}

// LoadDeviceID returns the persisted device id, generating and storing one
// on first start.
func LoadDeviceID(ctx context.Context, meta MetaStore, gen IDGenerator) (string, error) {
	if gen == nil {
		gen = UUIDv7Generator{}
	}
	id, err := meta.GetOrInitMeta(ctx, store.MetaDeviceID, func() (string, error) {
		return gen.Generate(), nil
	})
	if err != nil {
		return "", fmt.Errorf("load device id: %w", err)
	}
	return id, nil
}

// Static is a Provider with a fixed token, for tests and trusted backends.
type Static struct {
	Device    string
	User      string
	BearerKey string
}

func (s Static) DeviceID() string { return s.Device }
func (s Static) Actor() string    { return s.User }

func (s Static) Token(context.Context) (string, error) {
	if s.BearerKey == "" {
		return "", ErrNoCredential
	}
	return s.BearerKey, nil
}

// Refresh returns the same token; a static credential cannot be renewed.
func (s Static) Refresh(ctx context.Context) (string, error) {
	return s.Token(ctx)
}
