package corpus

import (
	"time"
)

// ArchitecturalStatus records whether the corpus under verification is
// still open to changes or declared closed by its author.
type ArchitecturalStatus string

const (
	StatusOpen   ArchitecturalStatus = "open"
	StatusClosed ArchitecturalStatus = "closed"
)

// File is a single corpus file with its identity hash. Immutable after
// passport creation.
type File struct {
	Filename       string `json:"filename"`
	SizeBytes      int64  `json:"size_bytes"`
	SHA256         string `json:"sha256"`
	CanonicalOrder int    `json:"canonical_order"`

	// StoragePath is relative to the data directory.
	StoragePath string `json:"storage_path"`
}

// Passport is the immutable identity of a frozen corpus. Once Locked is
// true the passport must never be modified.
type Passport struct {
	ID        string    `json:"passport_id"`
	CreatedAt time.Time `json:"created_at"`

	Purpose             string              `json:"purpose"`
	ArchitecturalStatus ArchitecturalStatus `json:"architectural_status"`
	CanonVersion        string              `json:"canon_version"`
	SnapshotDate        time.Time           `json:"snapshot_date"`
	Constraints         []string            `json:"constraints"`

	// Files in canonical transmission order.
	Files []File `json:"files"`

	Locked bool `json:"is_locked"`
}

// LoadedFile pairs a corpus file's manifest entry with its verified content.
type LoadedFile struct {
	Meta    File
	Content []byte
}

// CreateRequest describes a passport to be created.
type CreateRequest struct {
	// SourcePaths are the files to freeze, in canonical order.
	SourcePaths []string

	Purpose             string
	ArchitecturalStatus ArchitecturalStatus
	CanonVersion        string
	Constraints         []string

	// SnapshotDate defaults to now when zero.
	SnapshotDate time.Time
}
