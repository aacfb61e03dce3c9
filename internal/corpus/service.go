package corpus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verifyd/internal/faults"
)

const instrumentationName = "github.com/fyrsmithlabs/verifyd/internal/corpus"

// Service provides corpus integrity operations.
type Service interface {
	// ComputeHash streams a file through SHA-256 and returns the hex digest.
	ComputeHash(path string) (string, error)

	// CreatePassport freezes a file set into a locked passport. Either all
	// files are copied and hashed or the operation fails with any partial
	// storage removed.
	CreatePassport(ctx context.Context, req *CreateRequest) (*Passport, error)

	// VerifyIntegrity recomputes each file's hash from storage. A mismatch
	// or missing file is reported as false, not as an error.
	VerifyIntegrity(ctx context.Context, p *Passport) (map[string]bool, error)

	// Load retrieves a passport by ID.
	Load(ctx context.Context, passportID string) (*Passport, error)

	// List returns all readable passports. Corrupt manifests are skipped.
	List(ctx context.Context) ([]*Passport, error)

	// OpenFiles returns corpus files in canonical order with content,
	// re-verifying each hash before handing bytes to a caller.
	OpenFiles(ctx context.Context, p *Passport) ([]LoadedFile, error)

	// PassportText renders the human-readable manifest sent to every
	// interpreter as the first message of a run.
	PassportText(p *Passport) string
}

type service struct {
	dataDir    string
	corporaDir string
	logger     *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	createCounter metric.Int64Counter
	verifyCounter metric.Int64Counter
}

// NewService creates a corpus service rooted at dataDir.
func NewService(dataDir string, logger *zap.Logger) (Service, error) {
	if dataDir == "" {
		return nil, faults.Validationf("data directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	corporaDir := filepath.Join(dataDir, "corpora")
	if err := os.MkdirAll(corporaDir, 0o750); err != nil {
		return nil, faults.Storagef("failed to create corpora directory: %v", err)
	}

	s := &service{
		dataDir:    dataDir,
		corporaDir: corporaDir,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	s.initMetrics()

	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.createCounter, err = s.meter.Int64Counter(
		"verifyd.corpus.passports_created_total",
		metric.WithDescription("Total number of passports created"),
		metric.WithUnit("{passport}"),
	)
	if err != nil {
		s.logger.Warn("failed to create passport counter", zap.Error(err))
	}

	s.verifyCounter, err = s.meter.Int64Counter(
		"verifyd.corpus.verifications_total",
		metric.WithDescription("Total number of integrity verifications"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		s.logger.Warn("failed to create verify counter", zap.Error(err))
	}
}

// ComputeHash streams the file in 64KiB chunks; memory use is constant
// regardless of file size.
func (s *service) ComputeHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", faults.Integrityf("cannot open %s: %v", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", faults.Integrityf("cannot read %s: %v", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CreatePassport performs the Canon Lock: hash, copy, lock, persist.
func (s *service) CreatePassport(ctx context.Context, req *CreateRequest) (*Passport, error) {
	ctx, span := s.tracer.Start(ctx, "corpus.create_passport")
	defer span.End()

	if req == nil || len(req.SourcePaths) == 0 {
		err := faults.Validationf("at least one corpus file is required")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	snapshot := req.SnapshotDate
	if snapshot.IsZero() {
		snapshot = time.Now().UTC()
	}

	p := &Passport{
		ID:                  uuid.New().String(),
		CreatedAt:           time.Now().UTC(),
		Purpose:             req.Purpose,
		ArchitecturalStatus: req.ArchitecturalStatus,
		CanonVersion:        req.CanonVersion,
		SnapshotDate:        snapshot,
		Constraints:         append([]string(nil), req.Constraints...),
	}
	span.SetAttributes(
		attribute.String("passport_id", p.ID),
		attribute.Int("file_count", len(req.SourcePaths)),
	)

	corpusDir := filepath.Join(s.corporaDir, p.ID)
	filesDir := filepath.Join(corpusDir, "files")
	if err := os.MkdirAll(filesDir, 0o750); err != nil {
		return nil, faults.Storagef("failed to create corpus storage: %v", err)
	}

	// All-or-nothing: any failure removes everything written so far.
	files, err := s.freezeFiles(req.SourcePaths, filesDir)
	if err != nil {
		if rmErr := os.RemoveAll(corpusDir); rmErr != nil {
			s.logger.Warn("failed to clean up partial passport storage",
				zap.String("passport_id", p.ID), zap.Error(rmErr))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	p.Files = files

	// Lock before the passport leaves this function.
	p.Locked = true

	if err := s.writeManifest(corpusDir, p); err != nil {
		_ = os.RemoveAll(corpusDir)
		span.RecordError(err)
		return nil, err
	}

	if s.createCounter != nil {
		s.createCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Int("file_count", len(p.Files)),
		))
	}
	s.logger.Info("passport created",
		zap.String("passport_id", p.ID),
		zap.Int("files", len(p.Files)),
		zap.String("canon_version", p.CanonVersion),
	)

	return p, nil
}

// freezeFiles copies sources into immutable storage with zero-padded order
// prefixes, hashing each one.
func (s *service) freezeFiles(sources []string, filesDir string) ([]File, error) {
	files := make([]File, 0, len(sources))
	for i, src := range sources {
		order := i + 1

		info, err := os.Stat(src)
		if err != nil {
			return nil, faults.Integrityf("source file missing: %s", src)
		}

		digest, err := s.ComputeHash(src)
		if err != nil {
			return nil, err
		}

		name := filepath.Base(src)
		destName := fmt.Sprintf("%03d_%s", order, name)
		destPath := filepath.Join(filesDir, destName)
		if err := copyFile(src, destPath); err != nil {
			return nil, faults.Storagef("failed to copy %s into storage: %v", name, err)
		}

		rel, err := filepath.Rel(s.dataDir, destPath)
		if err != nil {
			return nil, faults.Storagef("failed to relativize storage path: %v", err)
		}

		files = append(files, File{
			Filename:       name,
			SizeBytes:      info.Size(),
			SHA256:         digest,
			CanonicalOrder: order,
			StoragePath:    filepath.ToSlash(rel),
		})
	}
	return files, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (s *service) writeManifest(corpusDir string, p *Passport) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return faults.Storagef("failed to encode passport: %v", err)
	}
	path := filepath.Join(corpusDir, "passport.json")
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return faults.Storagef("failed to write passport manifest: %v", err)
	}
	return nil
}

// VerifyIntegrity recomputes every hash. Mismatch is data, not an error.
func (s *service) VerifyIntegrity(ctx context.Context, p *Passport) (map[string]bool, error) {
	ctx, span := s.tracer.Start(ctx, "corpus.verify_integrity")
	defer span.End()
	span.SetAttributes(attribute.String("passport_id", p.ID))

	if _, err := os.Stat(filepath.Join(s.corporaDir, p.ID)); err != nil {
		err = faults.Storagef("passport storage unreadable: %v", err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	results := make(map[string]bool, len(p.Files))
	for _, cf := range p.Files {
		full := filepath.Join(s.dataDir, filepath.FromSlash(cf.StoragePath))
		actual, err := s.ComputeHash(full)
		if err != nil {
			results[cf.Filename] = false
			continue
		}
		results[cf.Filename] = actual == cf.SHA256
	}

	if s.verifyCounter != nil {
		s.verifyCounter.Add(ctx, 1)
	}
	return results, nil
}

// Load retrieves a passport by ID.
func (s *service) Load(ctx context.Context, passportID string) (*Passport, error) {
	_, span := s.tracer.Start(ctx, "corpus.load")
	defer span.End()
	span.SetAttributes(attribute.String("passport_id", passportID))

	path := filepath.Join(s.corporaDir, passportID, "passport.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, faults.Validationf("passport not found: %s", passportID)
		}
		return nil, faults.Storagef("failed to read passport %s: %v", passportID, err)
	}

	var p Passport
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, faults.Storagef("corrupt passport manifest %s: %v", passportID, err)
	}
	return &p, nil
}

// List returns all passports, skipping corrupt manifests.
func (s *service) List(ctx context.Context) ([]*Passport, error) {
	_, span := s.tracer.Start(ctx, "corpus.list")
	defer span.End()

	entries, err := os.ReadDir(s.corporaDir)
	if err != nil {
		return nil, faults.Storagef("failed to read corpora directory: %v", err)
	}

	passports := make([]*Passport, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		p, err := s.Load(ctx, entry.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable passport",
				zap.String("passport_id", entry.Name()), zap.Error(err))
			continue
		}
		passports = append(passports, p)
	}

	sort.Slice(passports, func(i, j int) bool {
		return passports[i].CreatedAt.Before(passports[j].CreatedAt)
	})
	span.SetAttributes(attribute.Int("result_count", len(passports)))
	return passports, nil
}

// OpenFiles loads corpus content in canonical order, failing on any hash
// drift. Callers get verified bytes or nothing.
func (s *service) OpenFiles(ctx context.Context, p *Passport) ([]LoadedFile, error) {
	_, span := s.tracer.Start(ctx, "corpus.open_files")
	defer span.End()
	span.SetAttributes(attribute.String("passport_id", p.ID))

	ordered := append([]File(nil), p.Files...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].CanonicalOrder < ordered[j].CanonicalOrder
	})

	loaded := make([]LoadedFile, 0, len(ordered))
	for _, cf := range ordered {
		full := filepath.Join(s.dataDir, filepath.FromSlash(cf.StoragePath))

		actual, err := s.ComputeHash(full)
		if err != nil {
			span.RecordError(err)
			return nil, faults.Integrityf("corpus file missing: %s", cf.Filename)
		}
		if actual != cf.SHA256 {
			err := faults.Integrityf(
				"hash mismatch for %s: expected %s, got %s",
				cf.Filename, cf.SHA256, actual)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		content, err := os.ReadFile(full)
		if err != nil {
			return nil, faults.Storagef("failed to read %s: %v", cf.Filename, err)
		}
		loaded = append(loaded, LoadedFile{Meta: cf, Content: content})
	}
	return loaded, nil
}

// PassportText renders the manifest exactly as interpreters receive it.
func (s *service) PassportText(p *Passport) string {
	var b strings.Builder

	b.WriteString("=== CORPUS PASSPORT ===\n")
	fmt.Fprintf(&b, "Passport ID: %s\n", p.ID)
	fmt.Fprintf(&b, "Created: %s\n", p.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Snapshot Date: %s\n", p.SnapshotDate.Format(time.RFC3339))
	fmt.Fprintf(&b, "Purpose: %s\n", p.Purpose)
	fmt.Fprintf(&b, "Architectural Status: %s\n", p.ArchitecturalStatus)
	fmt.Fprintf(&b, "Canon Version: %s\n", p.CanonVersion)

	if len(p.Constraints) > 0 {
		fmt.Fprintf(&b, "Constraints: %s\n", strings.Join(p.Constraints, "; "))
	}

	ordered := append([]File(nil), p.Files...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].CanonicalOrder < ordered[j].CanonicalOrder
	})

	fmt.Fprintf(&b, "\nCorpus Files (%d total):\n", len(ordered))
	for _, cf := range ordered {
		fmt.Fprintf(&b, "  [%03d] %s (%d bytes, SHA-256: %s...)\n",
			cf.CanonicalOrder, cf.Filename, cf.SizeBytes, cf.SHA256[:16])
	}
	b.WriteString("=== END CORPUS PASSPORT ===")

	return b.String()
}
