package store

import (
	"context"
	"fmt"
)

// PutDoc upserts a JSON document into a doc table. Header columns
// (tenant_id, checksum, synced, updated_at) are extracted from the document.
func (s *Store) PutDoc(ctx context.Context, table, id string, data []byte) error {
	if err := s.checkTable(table); err != nil {
		return fmt.Errorf("put doc: %w", err)
	}
	if id == "" {
		return fmt.Errorf("put doc %s: empty id", table)
	}
	h, err := parseHeader(data)
	if err != nil {
		return fmt.Errorf("put doc %s/%s: %w", table, id, err)
	}
	doc, err := compactDoc(data)
	if err != nil {
		return fmt.Errorf("put doc %s/%s: %w", table, id, err)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, doc, checksum, synced, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			doc = excluded.doc,
			checksum = excluded.checksum,
			synced = excluded.synced,
			updated_at = excluded.updated_at
	`, table),
		id,
		h.TenantID,
		doc,
		h.Checksum,
		boolToInt(h.Synced),
		h.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put doc %s/%s: %w", table, id, err)
	}
	return nil
}

// DeleteDoc removes a document. Deleting a missing document is not an error.
func (s *Store) DeleteDoc(ctx context.Context, table, id string) error {
	if err := s.checkTable(table); err != nil {
		return fmt.Errorf("delete doc: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id); err != nil {
		return fmt.Errorf("delete doc %s/%s: %w", table, id, err)
	}
	return nil
}
