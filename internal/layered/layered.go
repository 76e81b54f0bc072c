package layered

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/fieldsync/internal/store"
)

// WriteOptions tunes WriteAtomic.
type WriteOptions struct {
	// SkipBackup writes Layer 1 only.
	SkipBackup bool
}

// WriteResult reports which layers accepted a write.
type WriteResult struct {
	Success       bool     `json:"success"`
	LayersWritten []string `json:"layers_written"`
}

// ReadResult is the outcome of ReadWithFallback. On a miss Success is false,
// Data is nil, Source is empty and Err is set.
type ReadResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Source  string          `json:"source,omitempty"`
	Err     error           `json:"-"`
}

// StorageStats is the per-layer health and capacity snapshot.
type StorageStats struct {
	Layers []LayerStats `json:"layers"`
	Total  LayerStats   `json:"total"`
}

// UpdateFunc receives the current document (nil when absent) and returns the
// next one. Returning write=false leaves every layer untouched.
type UpdateFunc func(current json.RawMessage, found bool) (next any, write bool, err error)

// Store presents one logical keyed store over three layers. Layer 1 is the
// source of truth; Layers 2 and 3 are best-effort mirrors repaired into
// Layer 1 on read.
//
// Every access to a given (table, id) goes through its critical section so
// a local edit and a merge of the same record never interleave.
type Store struct {
	db       *store.Store
	primary  Layer
	backup   BackupLayer
	tertiary BackupLayer
	locks    *keyedMutex
}

// New assembles the layered store. backup and tertiary may be nil.
func New(db *store.Store, backup, tertiary BackupLayer) *Store {
	return &Store{
		db:       db,
		primary:  NewPrimary(db),
		backup:   backup,
		tertiary: tertiary,
		locks:    newKeyedMutex(),
	}
}

// Primary returns Layer 1. Direct layer access bypasses locking and exists
// for diagnostics and tests.
func (s *Store) Primary() Layer { return s.primary }

// Backups returns Layers 2 and 3, skipping absent ones.
func (s *Store) Backups() []BackupLayer {
	var out []BackupLayer
	for _, l := range []BackupLayer{s.backup, s.tertiary} {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

// DB returns the SQLite store behind Layer 1.
func (s *Store) DB() *store.Store { return s.db }

func lockKey(table, id string) string {
	return table + "/" + id
}

// WriteAtomic writes value to Layer 1 and, unless opts.SkipBackup, mirrors it
// to the backup layers. Only a Layer 1 failure fails the call; in that case
// nothing else is written.
func (s *Store) WriteAtomic(ctx context.Context, table, id string, value any, opts WriteOptions) (WriteResult, error) {
	data, err := encodeValue(value)
	if err != nil {
		return WriteResult{}, err
	}

	unlock := s.locks.Lock(lockKey(table, id))
	defer unlock()
	return s.writeLocked(ctx, table, id, data, opts)
}

func (s *Store) writeLocked(ctx context.Context, table, id string, data []byte, opts WriteOptions) (WriteResult, error) {
	if err := s.primary.Put(ctx, table, id, data); err != nil {
		return WriteResult{}, fmt.Errorf("write %s/%s: %w", table, id, err)
	}
	res := WriteResult{Success: true, LayersWritten: []string{LayerPrimary}}
	if opts.SkipBackup {
		return res, nil
	}

	for _, l := range s.Backups() {
		if err := l.Put(ctx, table, id, data); err != nil {
			slog.Warn("backup layer write failed",
				"layer", l.Name(),
				"table", table,
				"id", id,
				"error", err)
			continue
		}
		res.LayersWritten = append(res.LayersWritten, l.Name())
	}
	return res, nil
}

// ReadWithFallback tries Layer 1, then 2, then 3. A hit below Layer 1 is
// written back into Layer 1 before returning.
func (s *Store) ReadWithFallback(ctx context.Context, table, id string) ReadResult {
	unlock := s.locks.Lock(lockKey(table, id))
	defer unlock()
	return s.readLocked(ctx, table, id)
}

func (s *Store) readLocked(ctx context.Context, table, id string) ReadResult {
	var errs []error
	unavailable := 0

	layers := append([]Layer{s.primary}, backupsAsLayers(s.Backups())...)
	for i, l := range layers {
		data, err := l.Get(ctx, table, id)
		if err != nil {
			if !isMiss(err) {
				unavailable++
				slog.Warn("storage layer read failed",
					"layer", l.Name(),
					"table", table,
					"id", id,
					"error", err)
			}
			errs = append(errs, err)
			continue
		}

		if i > 0 {
			if err := s.primary.Put(ctx, table, id, data); err != nil {
				slog.Warn("self-heal into primary failed",
					"source", l.Name(),
					"table", table,
					"id", id,
					"error", err)
			} else {
				slog.Info("primary layer repaired from fallback",
					"source", l.Name(),
					"table", table,
					"id", id)
			}
		}
		return ReadResult{Success: true, Data: json.RawMessage(data), Source: l.Name()}
	}

	sentinel := ErrRecordNotFound
	if unavailable == len(layers) {
		sentinel = ErrStorageLayerUnavailable
	}
	return ReadResult{Err: fmt.Errorf("read %s/%s: %w (%v)", table, id, sentinel, errors.Join(errs...))}
}

// Update runs fn inside the record's critical section with the current
// document (read with fallback) and writes its result atomically.
func (s *Store) Update(ctx context.Context, table, id string, fn UpdateFunc) (WriteResult, error) {
	return s.UpdateThen(ctx, table, id, fn, nil)
}

// UpdateThen is Update with a committed hook. committed runs inside the same
// critical section, only after Layer 1 accepted the write. Its error is
// returned but does not undo the write.
func (s *Store) UpdateThen(ctx context.Context, table, id string, fn UpdateFunc, committed func(ctx context.Context) error) (WriteResult, error) {
	unlock := s.locks.Lock(lockKey(table, id))
	defer unlock()

	cur := s.readLocked(ctx, table, id)
	if !cur.Success && !errors.Is(cur.Err, ErrRecordNotFound) {
		return WriteResult{}, cur.Err
	}

	next, write, err := fn(cur.Data, cur.Success)
	if err != nil {
		return WriteResult{}, err
	}
	if !write {
		return WriteResult{Success: true}, nil
	}
	data, err := encodeValue(next)
	if err != nil {
		return WriteResult{}, err
	}
	res, err := s.writeLocked(ctx, table, id, data, WriteOptions{})
	if err != nil {
		return res, err
	}
	if committed != nil {
		if err := committed(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Delete removes the record from every layer. Backup failures are logged.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	unlock := s.locks.Lock(lockKey(table, id))
	defer unlock()

	if err := s.primary.Delete(ctx, table, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	for _, l := range s.Backups() {
		if err := l.Delete(ctx, table, id); err != nil {
			slog.Warn("backup layer delete failed",
				"layer", l.Name(),
				"table", table,
				"id", id,
				"error", err)
		}
	}
	return nil
}

// Query runs an indexed query against Layer 1.
func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Doc, error) {
	docs, err := s.db.QueryDocs(ctx, q)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return docs, nil
}

// List returns every Layer 1 document of a table ordered by id.
func (s *Store) List(ctx context.Context, table string) ([]store.Doc, error) {
	docs, err := s.db.ListDocs(ctx, table)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return docs, nil
}

// GetStorageStats reports record counts and byte estimates per layer. A
// failing layer is reported unavailable instead of failing the call, and the
// total is available only when every layer is.
func (s *Store) GetStorageStats(ctx context.Context) StorageStats {
	var out StorageStats
	out.Total.Name = "total"
	out.Total.Available = true

	layers := append([]Layer{s.primary}, backupsAsLayers(s.Backups())...)
	for _, l := range layers {
		st, err := l.Stats(ctx)
		st.Name = l.Name()
		if err != nil {
			st.Available = false
			st.Error = err.Error()
		}
		if !st.Available {
			out.Total.Available = false
		}
		out.Layers = append(out.Layers, st)
		out.Total.Records += st.Records
		out.Total.Bytes += st.Bytes
	}
	return out
}

// ClearBackups wipes Layers 2 and 3, leaving Layer 1 intact.
func (s *Store) ClearBackups(ctx context.Context) error {
	var errs []error
	for _, l := range s.Backups() {
		if err := l.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clear %s: %w", l.Name(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	slog.Info("backup layers cleared")
	return nil
}

func backupsAsLayers(in []BackupLayer) []Layer {
	out := make([]Layer, len(in))
	for i, l := range in {
		out[i] = l
	}
	return out
}

// encodeValue accepts raw JSON or anything json.Marshal can encode.
func encodeValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case json.RawMessage:
		return val, nil
	case []byte:
		return val, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return data, nil
}
