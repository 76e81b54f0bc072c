package layered

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// BlobDir is Layer 3: one file per record under dir/<table>/<id>.json.
// Best-effort, no size bound.
type BlobDir struct {
	dir string
}

// OpenBlobDir creates dir if needed.
func OpenBlobDir(dir string) (*BlobDir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open blob dir: %w", err)
	}
	return &BlobDir{dir: dir}, nil
}

// path escapes table and id so arbitrary ids cannot leave the directory.
func (b *BlobDir) path(table, id string) string {
	return filepath.Join(b.dir, url.PathEscape(table), url.PathEscape(id)+".json")
}

func (b *BlobDir) Name() string { return LayerTertiary }

func (b *BlobDir) Get(_ context.Context, table, id string) ([]byte, error) {
	data, err := os.ReadFile(b.path(table, id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: tertiary: %s/%s", ErrRecordNotFound, table, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: tertiary: %v", ErrStorageLayerUnavailable, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: tertiary: %s/%s is not valid JSON", ErrStorageLayerUnavailable, table, id)
	}
	return data, nil
}

func (b *BlobDir) Put(_ context.Context, table, id string, data []byte) error {
	p := b.path(table, id)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("%w: tertiary: %v", ErrStorageLayerUnavailable, err)
	}
	if err := writeFileAtomic(p, data); err != nil {
		return fmt.Errorf("%w: tertiary: %v", ErrStorageLayerUnavailable, err)
	}
	return nil
}

func (b *BlobDir) Delete(_ context.Context, table, id string) error {
	err := os.Remove(b.path(table, id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: tertiary: %v", ErrStorageLayerUnavailable, err)
	}
	return nil
}

func (b *BlobDir) Stats(_ context.Context) (LayerStats, error) {
	st := LayerStats{Name: LayerTertiary}
	err := filepath.WalkDir(b.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		st.Records++
		st.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return st, fmt.Errorf("%w: tertiary: %v", ErrStorageLayerUnavailable, err)
	}
	st.Available = true
	return st, nil
}

// Clear removes every stored blob, keeping the root directory.
func (b *BlobDir) Clear(_ context.Context) error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("%w: tertiary: %v", ErrStorageLayerUnavailable, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(b.dir, e.Name())); err != nil {
			return fmt.Errorf("%w: tertiary: %v", ErrStorageLayerUnavailable, err)
		}
	}
	return nil
}
