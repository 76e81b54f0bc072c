package store

import (
	"context"
	"path/filepath"
	"testing"
)

// createTestStore creates a new temp-dir store with the given doc tables.
func createTestStore(t *testing.T, tables ...string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	for _, table := range tables {
		if err := s.EnsureTable(context.Background(), table, []string{"estado"}); err != nil {
			t.Fatalf("EnsureTable(%s) failed: %v", table, err)
		}
	}
	return s
}

// clientDoc builds a minimal record document.
func clientDoc(id, tenant, estado string) []byte {
	return []byte(`{"id":"` + id + `","tenant_id":"` + tenant + `","checksum":"c-` + id +
		`","synced":false,"updated_at":1000,"fields":{"estado":"` + estado + `","nombre":"` + id + `"}}`)
}
