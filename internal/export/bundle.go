package export

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verifyd/internal/corpus"
	"github.com/fyrsmithlabs/verifyd/internal/faults"
	"github.com/fyrsmithlabs/verifyd/internal/orchestrator"
)

const instrumentationName = "github.com/fyrsmithlabs/verifyd/internal/export"

// Service builds portable verification bundles.
type Service interface {
	// CreateBundle packages a session's corpus, reports, Merkle tree,
	// manifest, and passport into a single zip archive and returns its
	// path. The session must have finished executing.
	CreateBundle(ctx context.Context, sess *orchestrator.Session, outputDir string) (string, error)
}

type service struct {
	corpus corpus.Service
	logger *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	bundleCounter metric.Int64Counter
}

// NewService creates the export service.
func NewService(corpusSvc corpus.Service, logger *zap.Logger) (Service, error) {
	if corpusSvc == nil {
		return nil, faults.Validationf("corpus service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		corpus: corpusSvc,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}

	var err error
	s.bundleCounter, err = s.meter.Int64Counter(
		"verifyd.export.bundles_created_total",
		metric.WithDescription("Total number of export bundles created"),
		metric.WithUnit("{bundle}"),
	)
	if err != nil {
		s.logger.Warn("failed to create bundle counter", zap.Error(err))
	}

	return s, nil
}

// boundFile is one leaf of the bundle's Merkle tree.
type boundFile struct {
	Filename  string `json:"filename"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
	PathInZip string `json:"path_in_zip"`
}

func (s *service) CreateBundle(ctx context.Context, sess *orchestrator.Session, outputDir string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "export.create_bundle")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sess.ID))

	if sess.State != orchestrator.SessionAwaitingSynthesis && sess.State != orchestrator.SessionCompleted {
		return "", faults.Validationf("session must have finished executing, got state %s", sess.State)
	}
	if sess.Passport == nil {
		return "", faults.Validationf("session has no passport")
	}

	now := time.Now().UTC()
	timestamp := now.Format("2006-01-02_150405")
	dateStr := now.Format("2006-01-02 15:04:05")

	staging, err := os.MkdirTemp("", "verifyd-export-")
	if err != nil {
		return "", faults.Storagef("failed to create staging directory: %v", err)
	}
	defer os.RemoveAll(staging)

	// Corpus files first, in canonical order. OpenFiles re-verifies every
	// hash against the passport, so a tampered corpus aborts the export.
	files, err := s.corpus.OpenFiles(ctx, sess.Passport)
	if err != nil {
		return "", err
	}

	corpusDir := filepath.Join(staging, "corpus")
	if err := os.MkdirAll(corpusDir, 0o750); err != nil {
		return "", faults.Storagef("failed to create corpus staging directory: %v", err)
	}

	var bound []boundFile
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(corpusDir, f.Meta.Filename), f.Content, 0o640); err != nil {
			return "", faults.Storagef("failed to stage corpus file %s: %v", f.Meta.Filename, err)
		}
		bound = append(bound, boundFile{
			Filename:  f.Meta.Filename,
			SHA256:    f.Meta.SHA256,
			SizeBytes: f.Meta.SizeBytes,
			PathInZip: "corpus/" + f.Meta.Filename,
		})
	}

	// Then one report per completed run, in run order.
	var interpreters []string
	for _, run := range sess.Runs {
		interpreters = append(interpreters, run.Interpreter.Provider+"/"+run.Interpreter.Model)
		if run.Response == nil || run.Response.RawText == "" {
			continue
		}

		name := reportFilename(run.Interpreter.Provider, run.Interpreter.Model)
		content := []byte(run.Response.RawText)
		if err := os.WriteFile(filepath.Join(staging, name), content, 0o640); err != nil {
			return "", faults.Storagef("failed to stage report %s: %v", name, err)
		}
		sum := sha256.Sum256(content)
		bound = append(bound, boundFile{
			Filename:  name,
			SHA256:    hex.EncodeToString(sum[:]),
			SizeBytes: int64(len(content)),
			PathInZip: name,
		})
	}

	if len(bound) == 0 {
		return "", faults.Validationf("nothing to export: no corpus files or reports")
	}

	leaves := make([]string, 0, len(bound))
	for _, b := range bound {
		leaves = append(leaves, b.SHA256)
	}
	tree := BuildTree(leaves)

	if err := s.writeMerkleRecord(staging, sess, tree, bound, dateStr); err != nil {
		return "", err
	}
	if err := s.writePassport(staging, sess.Passport, tree.Root, dateStr); err != nil {
		return "", err
	}
	if err := s.writeManifest(staging, sess, tree.Root, bound, interpreters, dateStr); err != nil {
		return "", err
	}

	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return "", faults.Storagef("failed to create output directory: %v", err)
	}
	zipPath := filepath.Join(outputDir, fmt.Sprintf("ECR-VP_Verification_%s.zip", timestamp))
	if err := zipDirectory(staging, zipPath); err != nil {
		return "", err
	}

	if s.bundleCounter != nil {
		s.bundleCounter.Add(ctx, 1)
	}
	s.logger.Info("export bundle created",
		zap.String("session_id", sess.ID),
		zap.String("path", zipPath),
		zap.String("merkle_root", tree.Root),
		zap.Int("bound_files", len(bound)),
	)
	return zipPath, nil
}

func reportFilename(provider, model string) string {
	name := fmt.Sprintf("REPORT_%s_%s", provider, model)
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, ".", "_")
	return name + ".txt"
}

// writeMerkleRecord emits the machine-checkable tree record.
func (s *service) writeMerkleRecord(staging string, sess *orchestrator.Session, tree *Tree, bound []boundFile, dateStr string) error {
	type leaf struct {
		Index     int    `json:"index"`
		Filename  string `json:"filename"`
		SHA256    string `json:"sha256"`
		SizeBytes int64  `json:"size_bytes"`
	}
	leaves := make([]leaf, 0, len(bound))
	for i, b := range bound {
		leaves = append(leaves, leaf{Index: i, Filename: b.Filename, SHA256: b.SHA256, SizeBytes: b.SizeBytes})
	}

	record := map[string]any{
		"version":     "1.0",
		"algorithm":   "SHA-256",
		"created_at":  dateStr,
		"session_id":  sess.ID,
		"passport_id": sess.Passport.ID,
		"merkle_root": tree.Root,
		"leaf_count":  tree.LeafCount,
		"leaves":      leaves,
		"tree_levels": tree.Levels,
		"verification_note": "To verify: recompute SHA-256 of each file, " +
			"rebuild the Merkle tree bottom-up, and compare the root hash.",
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return faults.Storagef("failed to marshal merkle record: %v", err)
	}
	if err := os.WriteFile(filepath.Join(staging, "MERKLE_TREE.json"), data, 0o640); err != nil {
		return faults.Storagef("failed to write merkle record: %v", err)
	}
	return nil
}

func (s *service) writePassport(staging string, p *corpus.Passport, root, dateStr string) error {
	record := struct {
		*corpus.Passport
		ExportMerkleRoot string `json:"export_merkle_root"`
		ExportTimestamp  string `json:"export_timestamp"`
	}{Passport: p, ExportMerkleRoot: root, ExportTimestamp: dateStr}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return faults.Storagef("failed to marshal passport: %v", err)
	}
	if err := os.WriteFile(filepath.Join(staging, "PASSPORT.json"), data, 0o640); err != nil {
		return faults.Storagef("failed to write passport: %v", err)
	}
	return nil
}

// writeManifest emits the human-checkable summary.
func (s *service) writeManifest(staging string, sess *orchestrator.Session, root string, bound []boundFile, interpreters []string, dateStr string) error {
	var b strings.Builder

	b.WriteString("ECR-VP CORPUS VERIFICATION MANIFEST\n")
	b.WriteString(fmt.Sprintf("Generated: %s UTC | Protocol: ECR-VP v1.0\n", dateStr))
	b.WriteString(strings.Repeat("=", 72) + "\n\n")

	b.WriteString("SESSION INFORMATION\n")
	b.WriteString(fmt.Sprintf("  Corpus Passport ID: %s\n", sess.Passport.ID))
	b.WriteString(fmt.Sprintf("  Session ID:         %s\n", sess.ID))
	b.WriteString(fmt.Sprintf("  Export Date:        %s UTC\n", dateStr))
	b.WriteString(fmt.Sprintf("  Interpreters:       %s\n", strings.Join(interpreters, ", ")))
	b.WriteString(fmt.Sprintf("  Total Files:        %d\n\n", len(bound)))

	b.WriteString("INTEGRITY SEAL (Merkle Root)\n")
	b.WriteString("  The root below binds every file in this bundle together.\n")
	b.WriteString("  Changing, replacing, or removing any single file produces a\n")
	b.WriteString("  different root, proving tampering.\n\n")
	b.WriteString(fmt.Sprintf("  Merkle Root (SHA-256): %s\n\n", root))

	b.WriteString("BOUND FILES\n")
	for i, f := range bound {
		b.WriteString(fmt.Sprintf("  [%03d] %s (%d bytes)\n        SHA-256: %s\n",
			i+1, f.PathInZip, f.SizeBytes, f.SHA256))
	}
	b.WriteString("\n")

	b.WriteString("HOW TO VERIFY\n")
	b.WriteString("  1. Compute SHA-256 of each file listed above.\n")
	b.WriteString("  2. Compare each hash with this manifest.\n")
	b.WriteString("  3. Rebuild the Merkle tree from the hashes (see MERKLE_TREE.json):\n")
	b.WriteString("     pair adjacent hex hashes, hash their concatenation, pair an odd\n")
	b.WriteString("     trailing hash with itself, repeat until one hash remains.\n")
	b.WriteString("  4. The computed root must match the Merkle Root shown above.\n")

	if err := os.WriteFile(filepath.Join(staging, "CORPUS_MANIFEST.txt"), []byte(b.String()), 0o640); err != nil {
		return faults.Storagef("failed to write manifest: %v", err)
	}
	return nil
}

// zipDirectory packs the staging tree into a single archive, paths
// relative to the staging root.
func zipDirectory(root, zipPath string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return faults.Storagef("failed to create archive: %v", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(w, in)
		return err
	})
	if err != nil {
		zw.Close()
		return faults.Storagef("failed to write archive: %v", err)
	}
	if err := zw.Close(); err != nil {
		return faults.Storagef("failed to finalize archive: %v", err)
	}
	return nil
}
