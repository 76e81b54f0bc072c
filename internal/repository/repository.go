// Package repository is the mutation path used by the host application.
//
// Every mutation follows the same steps inside the record's critical
// section: encrypt sensitive fields, stamp version vector and field
// versions, write through the layered store and, once Layer 1 has the
// record, enqueue the outbox entry. Audited operations then append to the
// audit chain.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/fieldsync/internal/audit"
	"github.com/roach88/fieldsync/internal/clock"
	"github.com/roach88/fieldsync/internal/encryption"
	"github.com/roach88/fieldsync/internal/identity"
	"github.com/roach88/fieldsync/internal/layered"
	"github.com/roach88/fieldsync/internal/record"
	"github.com/roach88/fieldsync/internal/schema"
	"github.com/roach88/fieldsync/internal/store"
)

var (
	// ErrAlreadyExists is returned by Create for a live record.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrSensitiveFilter means a query filtered on an encrypted field.
	ErrSensitiveFilter = errors.New("cannot filter on sensitive field")
)

// Repository owns local mutations of business records.
type Repository struct {
	ls       *layered.Store
	registry *schema.Registry
	gate     *encryption.Gate
	chain    *audit.Chain
	ident    identity.Provider
	clock    clock.Clock
	ids      identity.IDGenerator
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock sets the wall clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Repository) { r.clock = c }
}

// WithIDGenerator sets the generator for records created without an id.
func WithIDGenerator(g identity.IDGenerator) Option {
	return func(r *Repository) { r.ids = g }
}

// New creates a repository.
func New(ls *layered.Store, registry *schema.Registry, gate *encryption.Gate, chain *audit.Chain, ident identity.Provider, opts ...Option) *Repository {
	r := &Repository{
		ls:       ls,
		registry: registry,
		gate:     gate,
		chain:    chain,
		ident:    ident,
		clock:    clock.System{},
		ids:      identity.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Prepare creates the doc table and expression indexes of every entity.
func Prepare(ctx context.Context, db *store.Store, registry *schema.Registry) error {
	for _, table := range registry.Tables() {
		e, _ := registry.Entity(table)
		if err := db.EnsureTable(ctx, table, e.Indexes); err != nil {
			return fmt.Errorf("prepare %s: %w", table, err)
		}
	}
	return nil
}

// Create inserts a new record. An empty id is generated. Creating over a
// tombstone revives the record under the same id.
func (r *Repository) Create(ctx context.Context, table, tenantID, id string, fields map[string]any) (*record.Record, error) {
	e, err := r.entityFor(table, "create")
	if err != nil {
		return nil, err
	}
	if tenantID == "" {
		return nil, fmt.Errorf("create %s: tenant id is required", table)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("create %s: no fields", table)
	}
	if id == "" {
		id = r.ids.Generate()
	}
	enc, err := r.gate.EncryptSensitiveFields(table, fields)
	if err != nil {
		return nil, fmt.Errorf("create %s/%s: %w", table, id, err)
	}

	var (
		rec *record.Record
		now int64
	)
	_, err = r.ls.UpdateThen(ctx, table, id, func(cur json.RawMessage, found bool) (any, bool, error) {
		if found {
			prev, err := record.Decode(cur)
			if err != nil {
				return nil, false, err
			}
			if !prev.Deleted {
				return nil, false, fmt.Errorf("%w: %s/%s", ErrAlreadyExists, table, id)
			}
			// Keep the vector so the revival dominates the tombstone.
			rec = record.New(id, tenantID, nil)
			rec.VersionVector = prev.VersionVector.Clone()
			rec.FieldVersions = prev.FieldVersions
		} else {
			rec = record.New(id, tenantID, nil)
		}

		now = clock.Millis(r.clock)
		if _, err := rec.ApplyChanges(r.ident.DeviceID(), now, enc, e.IsMutable); err != nil {
			return nil, false, err
		}
		return rec, true, nil
	}, func(ctx context.Context) error {
		return r.enqueue(ctx, e, id, store.OpCreate, now)
	})
	if err != nil {
		return nil, fmt.Errorf("create %s/%s: %w", table, id, err)
	}

	r.audit(ctx, e, "create", id, auditPayload(e, rec.TenantID, fields))
	return rec.Clone(), nil
}

// Update applies changes to a live record. Fields whose value is unchanged
// are ignored; a call that changes nothing writes and enqueues nothing.
func (r *Repository) Update(ctx context.Context, table, id string, changes map[string]any) (*record.Record, error) {
	e, err := r.entityFor(table, "update")
	if err != nil {
		return nil, err
	}

	var (
		rec     *record.Record
		changed []string
		now     int64
	)
	_, err = r.ls.UpdateThen(ctx, table, id, func(cur json.RawMessage, found bool) (any, bool, error) {
		if !found {
			return nil, false, fmt.Errorf("%w: %s/%s", layered.ErrRecordNotFound, table, id)
		}
		var err error
		rec, err = record.Decode(cur)
		if err != nil {
			return nil, false, err
		}
		if err := rec.Verify(); err != nil {
			return nil, false, err
		}
		if rec.Deleted {
			return nil, false, fmt.Errorf("%w: %s/%s is deleted", layered.ErrRecordNotFound, table, id)
		}

		effective, err := r.dropUnchangedSensitive(e, rec.Fields, changes)
		if err != nil {
			return nil, false, err
		}
		enc, err := r.gate.EncryptSensitiveFields(table, effective)
		if err != nil {
			return nil, false, err
		}
		now = clock.Millis(r.clock)
		changed, err = rec.ApplyChanges(r.ident.DeviceID(), now, enc, e.IsMutable)
		if err != nil {
			return nil, false, err
		}
		if len(changed) == 0 {
			return nil, false, nil
		}
		return rec, true, nil
	}, func(ctx context.Context) error {
		return r.enqueue(ctx, e, id, store.OpUpdate, now)
	})
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", table, id, err)
	}

	if len(changed) > 0 {
		applied := make(map[string]any, len(changed))
		for _, name := range changed {
			applied[name] = changes[name]
		}
		r.audit(ctx, e, "update", id, auditPayload(e, rec.TenantID, applied))
	}
	return rec.Clone(), nil
}

// Delete turns the record into a tombstone so the deletion can be merged and
// uploaded. Deleting a tombstone is a no-op.
func (r *Repository) Delete(ctx context.Context, table, id string) error {
	e, err := r.entityFor(table, "delete")
	if err != nil {
		return err
	}

	var (
		tenantID string
		deleted  bool
		now      int64
	)
	_, err = r.ls.UpdateThen(ctx, table, id, func(cur json.RawMessage, found bool) (any, bool, error) {
		if !found {
			return nil, false, fmt.Errorf("%w: %s/%s", layered.ErrRecordNotFound, table, id)
		}
		rec, err := record.Decode(cur)
		if err != nil {
			return nil, false, err
		}
		if rec.Deleted {
			return nil, false, nil
		}
		now = clock.Millis(r.clock)
		if err := rec.MarkDeleted(r.ident.DeviceID(), now); err != nil {
			return nil, false, err
		}
		tenantID, deleted = rec.TenantID, true
		return rec, true, nil
	}, func(ctx context.Context) error {
		return r.enqueue(ctx, e, id, store.OpDelete, now)
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	if deleted {
		r.audit(ctx, e, "delete", id, map[string]any{"tenant_id": tenantID})
	}
	return nil
}

// Get returns the stored record with sensitive fields still encrypted.
// Tombstones are reported as not found.
func (r *Repository) Get(ctx context.Context, table, id string) (*record.Record, error) {
	if _, err := r.registry.Lookup(table); err != nil {
		return nil, err
	}
	res := r.ls.ReadWithFallback(ctx, table, id)
	if !res.Success {
		return nil, res.Err
	}
	rec, err := record.Decode(res.Data)
	if err != nil {
		return nil, err
	}
	if err := rec.Verify(); err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, fmt.Errorf("%w: %s/%s is deleted", layered.ErrRecordNotFound, table, id)
	}
	return rec, nil
}

// Open is Get followed by decryption of the sensitive fields. The returned
// record's checksum covers the encrypted values and must not be resealed.
func (r *Repository) Open(ctx context.Context, table, id string) (*record.Record, error) {
	rec, err := r.Get(ctx, table, id)
	if err != nil {
		return nil, err
	}
	fields, err := r.gate.DecryptSensitiveFields(table, rec.Fields)
	if err != nil {
		return nil, fmt.Errorf("open %s/%s: %w", table, id, err)
	}
	rec.Fields = fields
	return rec, nil
}

// Query runs an indexed, tenant-scoped query. Filters on sensitive fields
// are rejected since only ciphertext is stored.
func (r *Repository) Query(ctx context.Context, q store.Query) ([]*record.Record, error) {
	e, err := r.registry.Lookup(q.Table)
	if err != nil {
		return nil, err
	}
	if err := checkFilter(e, q.Filter); err != nil {
		return nil, err
	}
	docs, err := r.ls.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]*record.Record, 0, len(docs))
	for _, d := range docs {
		rec, err := record.Decode(d.Data)
		if err != nil {
			return nil, fmt.Errorf("query %s: %s: %w", q.Table, d.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// RecordAuthentication appends a session event (unlock, lock) to the
// audit chain.
func (r *Repository) RecordAuthentication(ctx context.Context, action string) (audit.Event, error) {
	ev, err := r.chain.Append(ctx, audit.Event{
		Timestamp:  clock.Millis(r.clock),
		Actor:      r.ident.Actor(),
		Action:     "session." + action,
		EntityType: "session",
		EntityID:   r.ident.DeviceID(),
	})
	if err != nil {
		return audit.Event{}, fmt.Errorf("record authentication: %w", err)
	}
	return ev, nil
}

// entityFor resolves table and refuses audited operations once the audit
// chain is known to be broken.
func (r *Repository) entityFor(table, op string) (schema.Entity, error) {
	e, err := r.registry.Lookup(table)
	if err != nil {
		return schema.Entity{}, err
	}
	if e.Audited(op) && r.chain.Broken() {
		return schema.Entity{}, fmt.Errorf("%s %s: %w", op, table, audit.ErrAuditChainBroken)
	}
	return e, nil
}

func (r *Repository) enqueue(ctx context.Context, e schema.Entity, id string, op store.Operation, now int64) error {
	entry, err := r.ls.DB().Enqueue(ctx, e.Table, id, op, int(e.Priority), now)
	if err != nil {
		return err
	}
	slog.Debug("change enqueued",
		"table", e.Table,
		"id", id,
		"operation", entry.Operation,
		"priority", e.Priority.String(),
		"revision", entry.Revision)
	return nil
}

// audit appends the event for an audited operation. The mutation is already
// durable at this point, so a failure is logged rather than returned.
func (r *Repository) audit(ctx context.Context, e schema.Entity, op, id string, payload map[string]any) {
	if !e.Audited(op) {
		return
	}
	_, err := r.chain.Append(ctx, audit.Event{
		Timestamp:  clock.Millis(r.clock),
		Actor:      r.ident.Actor(),
		Action:     e.Table + "." + op,
		EntityType: e.Table,
		EntityID:   id,
		Payload:    payload,
	})
	if err != nil {
		slog.Error("audit append failed",
			"table", e.Table,
			"id", id,
			"action", op,
			"error", err)
	}
}

// dropUnchangedSensitive removes sensitive changes whose plaintext equals the
// stored (encrypted) value, since a fresh IV makes every ciphertext differ.
// A stored value this installation cannot open, such as one synced from
// another device, counts as changed and is re-encrypted under the local key.
func (r *Repository) dropUnchangedSensitive(e schema.Entity, current, changes map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(changes))
	for k, v := range changes {
		out[k] = v
	}
	for _, name := range e.Sensitive {
		next, ok := changes[name]
		if !ok {
			continue
		}
		cur, ok := current[name]
		if !ok || !r.gate.Owns(cur) {
			continue
		}
		plain, err := r.gate.DecryptSensitiveFields(e.Table, map[string]any{name: cur})
		if errors.Is(err, encryption.ErrDecryptionIntegrity) {
			slog.Warn("stored sensitive value unreadable, re-encrypting",
				"table", e.Table,
				"field", name,
				"error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		same, err := record.Equal(plain[name], next)
		if err != nil {
			return nil, err
		}
		if same {
			delete(out, name)
		}
	}
	return out, nil
}

// auditPayload summarizes a mutation without sensitive values.
func auditPayload(e schema.Entity, tenantID string, fields map[string]any) map[string]any {
	values := map[string]any{}
	var redacted []any
	for _, name := range record.SortedKeys(fields) {
		if e.IsSensitive(name) {
			redacted = append(redacted, name)
			continue
		}
		values[name] = fields[name]
	}
	payload := map[string]any{
		"tenant_id": tenantID,
		"fields":    values,
	}
	if len(redacted) > 0 {
		payload["redacted"] = redacted
	}
	return payload
}

func checkFilter(e schema.Entity, p store.Predicate) error {
	switch pred := p.(type) {
	case nil:
		return nil
	case store.Eq:
		if e.IsSensitive(pred.Field) {
			return fmt.Errorf("%w: %s.%s", ErrSensitiveFilter, e.Table, pred.Field)
		}
	case store.In:
		if e.IsSensitive(pred.Field) {
			return fmt.Errorf("%w: %s.%s", ErrSensitiveFilter, e.Table, pred.Field)
		}
	case store.And:
		for _, sub := range pred.Predicates {
			if err := checkFilter(e, sub); err != nil {
				return err
			}
		}
	}
	return nil
}
