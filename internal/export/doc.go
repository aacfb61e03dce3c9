// Package export builds tamper-evident bundles from completed
// verification sessions.
//
// A bundle binds the frozen corpus files and every captured interpreter
// report under a single Merkle root. Changing any bound byte changes the
// root. The full tree is shipped alongside the root so a recipient can
// re-verify independently with nothing but a SHA-256 implementation.
package export
