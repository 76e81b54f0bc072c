package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// docHeader is the slice of a stored document mirrored into columns.
// Documents that are not records (audit events) simply leave it zero.
type docHeader struct {
	TenantID  string `json:"tenant_id"`
	Checksum  string `json:"checksum"`
	Synced    bool   `json:"synced"`
	UpdatedAt int64  `json:"updated_at"`
}

// parseHeader validates data as a JSON object and extracts its header.
func parseHeader(data []byte) (docHeader, error) {
	var h docHeader
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return h, fmt.Errorf("document must be a JSON object")
	}
	if err := json.Unmarshal(trimmed, &h); err != nil {
		return h, fmt.Errorf("parse document header: %w", err)
	}
	return h, nil
}

// compactDoc strips insignificant whitespace so byte estimates are stable.
func compactDoc(data []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return "", fmt.Errorf("compact document: %w", err)
	}
	return buf.String(), nil
}

// boolToInt converts a bool for an INTEGER column.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
