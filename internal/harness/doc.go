// Package harness replays multi-device sync scenarios against a shared
// in-process peer.
//
// Every device in a scenario gets its own SQLite database, encryption gate,
// audit chain, repository and sync engine, all driven by a deterministic
// clock. Steps run strictly in order, so a scenario describes exactly which
// device saw which state when, which is what convergence bugs depend on.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: concurrent_field_edits
//	description: "Two collectors edit different fields of one installment"
//	devices: [dev-A, dev-B]
//	steps:
//	  - device: dev-A
//	    create: {table: installments, id: i-1, fields: {estado: pendiente}}
//	  - device: dev-A
//	    sync: {}
//	  - advance: 1m
//	  - backend: offline
//	  - device: dev-B
//	    sync: {}
//	    expect_error: true
//	assertions:
//	  - type: converged
//	    table: installments
//	    id: i-1
//	  - type: record
//	    device: dev-B
//	    table: installments
//	    id: i-1
//	    expect: {estado: pendiente}
//
// Assertion types are record, converged, queue_size, reviews and
// audit_valid. The device "backend" names the shared peer in record
// assertions.
//
// # Golden Files
//
// RunWithGolden compares the final state of every touched record, on every
// device and on the peer, with testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
