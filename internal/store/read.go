package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Doc is one row of a doc table.
type Doc struct {
	ID        string
	TenantID  string
	Data      json.RawMessage
	Checksum  string
	Synced    bool
	UpdatedAt int64
}

// TableStats summarizes one doc table.
type TableStats struct {
	Records int
	Bytes   int64
}

// GetDoc returns the raw document, or an error wrapping ErrNotFound.
func (s *Store) GetDoc(ctx context.Context, table, id string) ([]byte, error) {
	if err := s.checkTable(table); err != nil {
		return nil, fmt.Errorf("get doc: %w", err)
	}
	var doc string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE id = ?`, table), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get doc %s/%s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get doc %s/%s: %w", table, id, err)
	}
	return []byte(doc), nil
}

// ListDocs returns every document of a table ordered by id.
func (s *Store) ListDocs(ctx context.Context, table string) ([]Doc, error) {
	if err := s.checkTable(table); err != nil {
		return nil, fmt.Errorf("list docs: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, tenant_id, doc, checksum, synced, updated_at
		FROM %s
		ORDER BY id ASC COLLATE BINARY
	`, table))
	if err != nil {
		return nil, fmt.Errorf("list docs %s: %w", table, err)
	}
	defer rows.Close()
	return scanDocs(rows)
}

// Stats returns record counts and byte estimates for every registered table.
func (s *Store) Stats(ctx context.Context) (map[string]TableStats, error) {
	s.mu.RLock()
	tables := make([]string, 0, len(s.tables))
	for t := range s.tables {
		tables = append(tables, t)
	}
	s.mu.RUnlock()
	sort.Strings(tables)

	out := make(map[string]TableStats, len(tables))
	for _, table := range tables {
		var st TableStats
		err := s.db.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT COUNT(*), COALESCE(SUM(LENGTH(id) + LENGTH(doc)), 0) FROM %s`, table),
		).Scan(&st.Records, &st.Bytes)
		if err != nil {
			return nil, fmt.Errorf("stats %s: %w", table, err)
		}
		out[table] = st
	}
	return out, nil
}

func scanDocs(rows *sql.Rows) ([]Doc, error) {
	var docs []Doc
	for rows.Next() {
		var (
			d      Doc
			data   string
			synced int
		)
		if err := rows.Scan(&d.ID, &d.TenantID, &data, &d.Checksum, &synced, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan doc: %w", err)
		}
		d.Data = json.RawMessage(data)
		d.Synced = synced != 0
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate docs: %w", err)
	}
	return docs, nil
}
