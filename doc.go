// Package pqls is the envelope-isolation and migration engine behind the
// Post-Quantum Lattice Shield plugin. It wraps field values produced by an
// external lattice encryption service in versioned, self-describing
// envelopes bound to a per-installation identity, and can migrate a corpus
// of stored envelopes from one scheme to another in checkpointed,
// rollback-capable batches.
//
// The engine performs no cryptography itself; key generation, encryption
// and decryption are delegated to a remote.Service. Everything stateful —
// identity, key material, backups, checkpoints, migration runs, the audit
// trail — lives behind the persist.Store interface.
package pqls
