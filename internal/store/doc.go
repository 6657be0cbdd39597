// Package store provides SQLite-backed persistence for UnifiedRisk runs and
// published reports.
//
// Two layers share one database:
//   - L2 (institutional record): report_artifact, decision_evidence_snapshot
//     and report_des_link, one row each per (trade_date, report_kind).
//     Append-only: a second write for a key fails with AlreadyPublished.
//   - L1 (engineering trace): run_meta plus snapshot_raw, factor_result and
//     gate_decision child rows. Starting a run purges every earlier run of
//     the same (trade_date, report_kind).
//
// persistence_audit records CREATED / FAILED publishes, the AUDIT_HASH
// chain written when a run completes, and the single-version-per-day
// REGIME_SHIFT / REGIME_STATS events.
//
// # Identities
//
// report_hash, des_hash, l1_hash and audit_hash are SHA-256 over RFC 8785
// canonical JSON of small dicts of semantic inputs (see internal/canon).
// JSON columns store canonical text, and rollups hash that text verbatim.
//
// # Transactions
//
// Writes that must be atomic go through a UnitOfWork: one pinned
// connection and one BEGIN IMMEDIATE transaction. Stores accept any DBTX,
// so the same ReportStore code runs inside or outside a transaction.
//
// # Errors
//
// Every error leaving this package is an *Error whose Kind is one of
// AlreadyPublished, Tampered, InvalidPayload, AlreadyRecorded, RunNotFound,
// InvalidTransition or Storage. Read misses are (nil, nil) or (false, nil).
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
