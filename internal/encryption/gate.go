// Package encryption is the field-level encryption gate: a PIN-derived key
// held only in memory, AES-256-GCM with a fresh IV per call, and a
// per-entity allow-list of sensitive fields.
package encryption

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	"github.com/roach88/fieldsync/internal/schema"
	"github.com/roach88/fieldsync/internal/store"
)

const (
	// DefaultIterations is the PBKDF2 work factor.
	DefaultIterations = 100_000
	keyLen            = 32
	saltLen           = 16
)

var (
	// ErrKeyNotInitialized means no PIN has been entered this session.
	ErrKeyNotInitialized = errors.New("encryption key not initialized")
	// ErrDecryptionIntegrity means the ciphertext was tampered with or was
	// produced under another key.
	ErrDecryptionIntegrity = errors.New("decryption integrity failure")
)

// EncryptedData is one encrypted value. All fields are base64.
type EncryptedData struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Salt       string `json:"salt"`
}

// SaltStore keeps the per-installation salt. *store.Store satisfies it.
type SaltStore interface {
	GetOrInitMeta(ctx context.Context, key string, init func() (string, error)) (string, error)
}

// Gate holds the session key. The zero key state rejects every operation
// with ErrKeyNotInitialized.
type Gate struct {
	salts      SaltStore
	registry   *schema.Registry
	iterations int

	mu   sync.RWMutex
	key  []byte
	salt string
}

// Option configures a Gate.
type Option func(*Gate)

// WithIterations overrides the PBKDF2 work factor.
func WithIterations(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.iterations = n
		}
	}
}

// New creates a gate with no key loaded.
func New(salts SaltStore, registry *schema.Registry, opts ...Option) *Gate {
	g := &Gate{salts: salts, registry: registry, iterations: DefaultIterations}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// InitializeWithPin derives the session key from pin and the installation
// salt (generated and stored on first use). Key material is never persisted.
func (g *Gate) InitializeWithPin(ctx context.Context, pin string) error {
	if pin == "" {
		return fmt.Errorf("initialize: empty pin")
	}
	salt, err := g.salts.GetOrInitMeta(ctx, store.MetaEncryptionSalt, func() (string, error) {
		buf := make([]byte, saltLen)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate salt: %w", err)
		}
		return base64.StdEncoding.EncodeToString(buf), nil
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return fmt.Errorf("initialize: stored salt: %w", err)
	}

	key := pbkdf2.Key([]byte(pin), rawSalt, g.iterations, keyLen, sha256.New)

	g.mu.Lock()
	defer g.mu.Unlock()
	scrub(g.key)
	g.key = key
	g.salt = salt
	return nil
}

// ClearEncryptionKey zeroes and drops the session key.
func (g *Gate) ClearEncryptionKey() {
	g.mu.Lock()
	defer g.mu.Unlock()
	scrub(g.key)
	g.key = nil
}

// Initialized reports whether a key is loaded.
func (g *Gate) Initialized() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.key != nil
}

func scrub(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (g *Gate) aead() (cipher.AEAD, string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.key == nil {
		return nil, "", ErrKeyNotInitialized
	}
	block, err := aes.NewCipher(g.key)
	if err != nil {
		return nil, "", fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, "", fmt.Errorf("new gcm: %w", err)
	}
	return aead, g.salt, nil
}

// Encrypt seals plaintext under the session key with a fresh IV.
func (g *Gate) Encrypt(plaintext []byte) (EncryptedData, error) {
	aead, salt, err := g.aead()
	if err != nil {
		return EncryptedData{}, err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return EncryptedData{}, fmt.Errorf("iv: %w", err)
	}
	ct := aead.Seal(nil, iv, plaintext, nil)
	return EncryptedData{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Salt:       salt,
	}, nil
}

// Decrypt opens d. Any tampering, a foreign salt or a wrong PIN yields
// ErrDecryptionIntegrity.
func (g *Gate) Decrypt(d EncryptedData) ([]byte, error) {
	aead, salt, err := g.aead()
	if err != nil {
		return nil, err
	}
	if d.Salt != salt {
		return nil, fmt.Errorf("%w: salt does not belong to this installation", ErrDecryptionIntegrity)
	}
	iv, err := base64.StdEncoding.DecodeString(d.IV)
	if err != nil || len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: malformed iv", ErrDecryptionIntegrity)
	}
	ct, err := base64.StdEncoding.DecodeString(d.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrDecryptionIntegrity)
	}
	plaintext, err := aead.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionIntegrity, err)
	}
	return plaintext, nil
}

// Owns reports whether v is an EncryptedData field sealed under this
// installation's salt. It is false while no key is loaded.
func (g *Gate) Owns(v any) bool {
	enc, ok := asEncrypted(v)
	if !ok {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.key != nil && enc.Salt == g.salt
}

// EncryptSensitiveFields returns a copy of fields with every allow-listed
// field of entity replaced by its EncryptedData (as a JSON object). Values
// are JSON-encoded first so non-string values round-trip. Nil values and
// values this installation already encrypted are left alone; anything else
// shaped like EncryptedData is sealed like any other value.
func (g *Gate) EncryptSensitiveFields(entity string, fields map[string]any) (map[string]any, error) {
	e, err := g.registry.Lookup(entity)
	if err != nil {
		return nil, err
	}
	out := copyFields(fields)
	if len(e.Sensitive) == 0 {
		return out, nil
	}
	for _, name := range e.Sensitive {
		v, ok := out[name]
		if !ok || v == nil {
			continue
		}
		if g.Owns(v) {
			continue
		}
		plaintext, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encrypt %s.%s: %w", entity, name, err)
		}
		enc, err := g.Encrypt(plaintext)
		if err != nil {
			return nil, fmt.Errorf("encrypt %s.%s: %w", entity, name, err)
		}
		out[name] = enc.toField()
	}
	return out, nil
}

// DecryptSensitiveFields reverses EncryptSensitiveFields. Allow-listed
// fields that are not encrypted are returned unchanged.
func (g *Gate) DecryptSensitiveFields(entity string, fields map[string]any) (map[string]any, error) {
	e, err := g.registry.Lookup(entity)
	if err != nil {
		return nil, err
	}
	out := copyFields(fields)
	for _, name := range e.Sensitive {
		enc, ok := asEncrypted(out[name])
		if !ok {
			continue
		}
		plaintext, err := g.Decrypt(enc)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s.%s: %w", entity, name, err)
		}
		dec := json.NewDecoder(bytes.NewReader(plaintext))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decrypt %s.%s: %w: %v", entity, name, ErrDecryptionIntegrity, err)
		}
		out[name] = v
	}
	return out, nil
}

func (d EncryptedData) toField() map[string]any {
	return map[string]any{
		"ciphertext": d.Ciphertext,
		"iv":         d.IV,
		"salt":       d.Salt,
	}
}

// asEncrypted recognizes a field value holding EncryptedData.
func asEncrypted(v any) (EncryptedData, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 3 {
		return EncryptedData{}, false
	}
	ct, ok1 := m["ciphertext"].(string)
	iv, ok2 := m["iv"].(string)
	salt, ok3 := m["salt"].(string)
	if !ok1 || !ok2 || !ok3 {
		return EncryptedData{}, false
	}
	return EncryptedData{Ciphertext: ct, IV: iv, Salt: salt}, true
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
