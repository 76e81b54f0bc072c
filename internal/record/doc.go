// Package record provides the record model shared by every other package:
// canonical JSON, checksums, version vectors and field versions.
//
// This package imports nothing internal. All checksums and audit hashes are
// computed over RFC 8785 canonical JSON so two devices (or the backend)
// serializing the same values produce the same bytes.
//
// Key invariants:
//   - VersionVector components never decrease; a device only bumps its own key
//   - Checksum always equals ComputeChecksum(Fields)
//   - FieldVersions keys are mutable field names of the entity
package record
