// Package orchestrator owns the session/run state machine of the ECR-VP
// execution engine.
//
// A session binds a locked corpus passport to N interpreter runs. Every
// run transmits the identical message sequence: passport manifest, fixed
// reference prompt, corpus files in canonical order, completion phrase.
// Identical input is enforced by construction: there is exactly one code
// path building messages, and nothing in it reads the interpreter config.
//
// Runs are isolated failure domains. A failed run records its error and
// neither retries nor disturbs sibling runs; a session with a mix of
// completed and failed runs is a normal outcome.
package orchestrator
