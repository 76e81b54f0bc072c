package layered

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultKVQuota bounds the backup layer, in bytes of keys plus values.
const DefaultKVQuota = 5 << 20

// ErrQuotaExceeded is returned by KVFile.Put when the write would exceed the
// quota. It wraps ErrStorageLayerUnavailable.
var ErrQuotaExceeded = fmt.Errorf("%w: quota exceeded", ErrStorageLayerUnavailable)

// KVFile is Layer 2: a small synchronous key-value map persisted as a single
// JSON file. Every mutation rewrites the file (write temp, fsync, rename)
// before returning.
type KVFile struct {
	mu    sync.Mutex
	path  string
	quota int64
	data  map[string]json.RawMessage
	size  int64
}

// OpenKVFile loads path, creating an empty map if it does not exist. An
// unreadable file is moved aside and the layer starts empty.
func OpenKVFile(path string, quota int64) (*KVFile, error) {
	if quota <= 0 {
		quota = DefaultKVQuota
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("open kv file: %w", err)
	}

	kv := &KVFile{path: path, quota: quota, data: map[string]json.RawMessage{}}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return kv, nil
	case err != nil:
		return nil, fmt.Errorf("open kv file: %w", err)
	}

	if err := json.Unmarshal(raw, &kv.data); err != nil {
		aside := path + ".corrupt"
		slog.Warn("backup layer file unreadable, starting empty",
			"path", path,
			"moved_to", aside,
			"error", err)
		_ = os.Rename(path, aside)
		kv.data = map[string]json.RawMessage{}
	}
	for k, v := range kv.data {
		kv.size += int64(len(k) + len(v))
	}
	return kv, nil
}

func kvKey(table, id string) string {
	return table + ":" + id
}

func (kv *KVFile) Name() string { return LayerBackup }

func (kv *KVFile) Get(_ context.Context, table, id string) ([]byte, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	v, ok := kv.data[kvKey(table, id)]
	if !ok {
		return nil, fmt.Errorf("%w: backup: %s/%s", ErrRecordNotFound, table, id)
	}
	return append([]byte(nil), v...), nil
}

func (kv *KVFile) Put(_ context.Context, table, id string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("%w: backup: invalid JSON for %s/%s", ErrStorageLayerUnavailable, table, id)
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	key := kvKey(table, id)
	prev, had := kv.data[key]
	size := kv.size + int64(len(key)+len(data))
	if had {
		size -= int64(len(key) + len(prev))
	}
	if size > kv.quota {
		return fmt.Errorf("%w: %s/%s needs %d of %d bytes", ErrQuotaExceeded, table, id, size, kv.quota)
	}

	kv.data[key] = append(json.RawMessage(nil), data...)
	if err := kv.flushLocked(); err != nil {
		if had {
			kv.data[key] = prev
		} else {
			delete(kv.data, key)
		}
		return err
	}
	kv.size = size
	return nil
}

func (kv *KVFile) Delete(_ context.Context, table, id string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	key := kvKey(table, id)
	prev, had := kv.data[key]
	if !had {
		return nil
	}
	delete(kv.data, key)
	if err := kv.flushLocked(); err != nil {
		kv.data[key] = prev
		return err
	}
	kv.size -= int64(len(key) + len(prev))
	return nil
}

func (kv *KVFile) Stats(_ context.Context) (LayerStats, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return LayerStats{
		Name:      LayerBackup,
		Records:   len(kv.data),
		Bytes:     kv.size,
		Available: true,
	}, nil
}

// Clear removes every entry.
func (kv *KVFile) Clear(_ context.Context) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	prev := kv.data
	kv.data = map[string]json.RawMessage{}
	if err := kv.flushLocked(); err != nil {
		kv.data = prev
		return err
	}
	kv.size = 0
	return nil
}

// Keys lists stored keys with the given table prefix. Used by tests and
// diagnostics.
func (kv *KVFile) Keys(table string) []string {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	var out []string
	prefix := table + ":"
	for k := range kv.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
	}
	return out
}

func (kv *KVFile) flushLocked() error {
	raw, err := json.Marshal(kv.data)
	if err != nil {
		return fmt.Errorf("%w: backup: encode: %v", ErrStorageLayerUnavailable, err)
	}
	if err := writeFileAtomic(kv.path, raw); err != nil {
		return fmt.Errorf("%w: backup: %v", ErrStorageLayerUnavailable, err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the same directory, syncs it
// and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
