// Package faults defines the error taxonomy shared across verifyd services.
//
// Callers branch on the four kinds with errors.Is instead of matching
// message strings:
//
//	if errors.Is(err, faults.ErrValidation) { ... }
//
// Validation errors are precondition failures surfaced before any work
// starts. Integrity errors mean recorded hashes and stored bytes disagree.
// Gateway errors come from interpreter backends and are confined to the
// run that triggered them. Storage errors mean persisted state itself is
// unreadable.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates a violated precondition (unlocked passport,
	// zero interpreters, missing source session).
	ErrValidation = errors.New("validation error")

	// ErrIntegrity indicates a hash mismatch or a missing corpus file.
	ErrIntegrity = errors.New("integrity error")

	// ErrGateway indicates a failure in an interpreter backend call.
	ErrGateway = errors.New("gateway error")

	// ErrStorage indicates unreadable or corrupt persisted state.
	ErrStorage = errors.New("storage error")
)

// Validationf wraps a formatted message with ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Integrityf wraps a formatted message with ErrIntegrity.
func Integrityf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, fmt.Sprintf(format, args...))
}

// Gatewayf wraps a formatted message with ErrGateway.
func Gatewayf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrGateway, fmt.Sprintf(format, args...))
}

// Storagef wraps a formatted message with ErrStorage.
func Storagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStorage, fmt.Sprintf(format, args...))
}
