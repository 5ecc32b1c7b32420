// Package storage persists triggerd's durable state: schedule configs,
// slot receipts, event receipts, retry state, retry jobs, leases, and the
// audit log.
//
// Every dedup-sensitive write is an atomic check-then-write so two
// concurrent callers can never both observe "not yet fired" and both
// proceed. Repository semantics are identical across drivers; the memory
// driver exists for tests and dry runs.
package storage
