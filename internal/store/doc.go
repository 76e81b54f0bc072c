// Package store is the primary storage layer: SQLite with one JSON doc table
// per entity plus the system tables.
//
// # Tables
//
//   - <entity>: id, tenant_id, doc, checksum, synced, updated_at. Business
//     fields live inside doc and are indexed with expression indexes
//     json_extract(doc, '$.fields.<name>') declared by the schema registry.
//   - audit_log: doc table holding audit chain events, keyed by zero-padded
//     sequence number.
//   - sync_queue: the outbox. At most one pending entry per record, enforced
//     by a partial unique index; later mutations coalesce into it.
//   - conflict_reviews: local/remote pairs awaiting manual inspection.
//   - meta: small key-value area (checkpoint, device id, encryption salt).
//
// # Deterministic Query Results
//
// All doc queries include ORDER BY id ASC COLLATE BINARY and parameterize
// every value.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
