// Package corpus implements the integrity store for verification corpora.
//
// A corpus is frozen into a Passport: every file is hashed with SHA-256,
// copied into immutable storage under an order-prefixed name, and the
// resulting manifest is locked before it is ever returned to a caller
// (the Canon Lock). After the lock no field of the passport changes.
//
// Storage layout:
//
//	{data_dir}/corpora/{passport_id}/
//	    passport.json
//	    files/
//	        001_architecture.pdf
//	        002_invariants.md
//	        ...
//
// The zero-padded order prefix makes the canonical transmission order
// self-evident at the storage level.
package corpus
