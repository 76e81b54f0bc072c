package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Review is a local/remote pair the conflict resolver refused to merge.
type Review struct {
	Seq       int64
	Table     string
	RecordID  string
	Reason    string
	Local     json.RawMessage // nil when there was no local record
	Remote    json.RawMessage
	CreatedAt int64
	Resolved  bool
}

// AddReview stores a pair for manual inspection.
func (s *Store) AddReview(ctx context.Context, r Review) (int64, error) {
	var local any
	if r.Local != nil {
		local = string(r.Local)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conflict_reviews (table_name, record_id, reason, local_doc, remote_doc, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.Table, r.RecordID, r.Reason, local, string(r.Remote), r.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("add review %s/%s: %w", r.Table, r.RecordID, err)
	}
	return res.LastInsertId()
}

// Reviews lists reviews in insertion order. Resolved ones are included only
// when all is true.
func (s *Store) Reviews(ctx context.Context, all bool) ([]Review, error) {
	query := `SELECT seq, table_name, record_id, reason, local_doc, remote_doc, created_at, resolved
		FROM conflict_reviews`
	if !all {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var out []Review
	for rows.Next() {
		var (
			r        Review
			local    sql.NullString
			remote   string
			resolved int
		)
		if err := rows.Scan(&r.Seq, &r.Table, &r.RecordID, &r.Reason, &local, &remote, &r.CreatedAt, &resolved); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		if local.Valid {
			r.Local = json.RawMessage(local.String)
		}
		r.Remote = json.RawMessage(remote)
		r.Resolved = resolved != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return out, nil
}

// ResolveReview marks a review as handled.
func (s *Store) ResolveReview(ctx context.Context, seq int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conflict_reviews SET resolved = 1 WHERE seq = ?`, seq)
	if err != nil {
		return fmt.Errorf("resolve review %d: %w", seq, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("resolve review %d: %w", seq, ErrNotFound)
	}
	return nil
}
