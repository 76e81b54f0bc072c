package layered

import (
	"context"
	"errors"
)

// Layer names as reported in WriteResult.LayersWritten and ReadResult.Source.
const (
	LayerPrimary  = "primary"
	LayerBackup   = "backup"
	LayerTertiary = "tertiary"
)

var (
	// ErrStorageLayerUnavailable means a layer rejected an operation. It is
	// non-fatal when another layer can serve the request.
	ErrStorageLayerUnavailable = errors.New("storage layer unavailable")
	// ErrRecordNotFound means the table or key is unknown to a layer.
	ErrRecordNotFound = errors.New("record not found")
)

// LayerStats summarizes one layer.
type LayerStats struct {
	Name      string `json:"name"`
	Records   int    `json:"records"`
	Bytes     int64  `json:"bytes"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// Layer is one physical storage layer keyed by (table, id).
//
// Get returns an error wrapping ErrRecordNotFound on a miss and one wrapping
// ErrStorageLayerUnavailable when the layer itself fails.
type Layer interface {
	Name() string
	Get(ctx context.Context, table, id string) ([]byte, error)
	Put(ctx context.Context, table, id string, data []byte) error
	Delete(ctx context.Context, table, id string) error
	Stats(ctx context.Context) (LayerStats, error)
}

// BackupLayer is a best-effort layer that can be wiped wholesale.
type BackupLayer interface {
	Layer
	Clear(ctx context.Context) error
}

// isMiss reports whether err is a plain miss rather than a layer failure.
func isMiss(err error) bool {
	return errors.Is(err, ErrRecordNotFound) && !errors.Is(err, ErrStorageLayerUnavailable)
}
