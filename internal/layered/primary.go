package layered

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/fieldsync/internal/store"
)

// Primary adapts the SQLite store as Layer 1.
type Primary struct {
	db *store.Store
}

// NewPrimary wraps db.
func NewPrimary(db *store.Store) *Primary {
	return &Primary{db: db}
}

func (p *Primary) Name() string { return LayerPrimary }

func (p *Primary) Get(ctx context.Context, table, id string) ([]byte, error) {
	data, err := p.db.GetDoc(ctx, table, id)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return data, nil
}

func (p *Primary) Put(ctx context.Context, table, id string, data []byte) error {
	return mapStoreError(p.db.PutDoc(ctx, table, id, data))
}

func (p *Primary) Delete(ctx context.Context, table, id string) error {
	return mapStoreError(p.db.DeleteDoc(ctx, table, id))
}

func (p *Primary) Stats(ctx context.Context) (LayerStats, error) {
	st := LayerStats{Name: LayerPrimary}
	tables, err := p.db.Stats(ctx)
	if err != nil {
		return st, mapStoreError(err)
	}
	for _, t := range tables {
		st.Records += t.Records
		st.Bytes += t.Bytes
	}
	st.Available = true
	return st, nil
}

// mapStoreError translates store errors into the layer taxonomy. Unknown
// tables count as RecordNotFound.
func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrUnknownTable):
		return fmt.Errorf("%w: %v", ErrRecordNotFound, err)
	default:
		return fmt.Errorf("%w: primary: %v", ErrStorageLayerUnavailable, err)
	}
}
