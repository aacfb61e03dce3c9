package export

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verifyd/internal/corpus"
	"github.com/fyrsmithlabs/verifyd/internal/faults"
	"github.com/fyrsmithlabs/verifyd/internal/gateway"
	"github.com/fyrsmithlabs/verifyd/internal/orchestrator"
)

func setupSession(t *testing.T) (Service, *orchestrator.Session, string) {
	t.Helper()
	dataDir := t.TempDir()

	corpusSvc, err := corpus.NewService(dataDir, zap.NewNop())
	require.NoError(t, err)

	srcDir := t.TempDir()
	paths := []string{
		filepath.Join(srcDir, "design.md"),
		filepath.Join(srcDir, "notes.md"),
	}
	require.NoError(t, os.WriteFile(paths[0], []byte("# Design\ncontent"), 0o640))
	require.NoError(t, os.WriteFile(paths[1], []byte("# Notes\nmore"), 0o640))

	passport, err := corpusSvc.CreatePassport(context.Background(), &corpus.CreateRequest{
		SourcePaths:         paths,
		Purpose:             "bundle test",
		ArchitecturalStatus: corpus.StatusClosed,
		CanonVersion:        "1.0",
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	sess := &orchestrator.Session{
		ID:        "sess-export-test",
		CreatedAt: now,
		State:     orchestrator.SessionAwaitingSynthesis,
		Passport:  passport,
		Runs: []*orchestrator.Run{
			{
				ID:          "run-1",
				Interpreter: gateway.Config{Provider: "anthropic", Model: "claude-sonnet-4.5", DisplayName: "A"},
				State:       orchestrator.RunCompleted,
				Response:    &orchestrator.Response{RawText: "## Verdict Mode\nHolds."},
			},
			{
				ID:          "run-2",
				Interpreter: gateway.Config{Provider: "openai", Model: "gpt-5", DisplayName: "B"},
				State:       orchestrator.RunFailed,
				Error:       "model overloaded",
			},
		},
	}

	svc, err := NewService(corpusSvc, zap.NewNop())
	require.NoError(t, err)
	return svc, sess, dataDir
}

func readZipEntry(t *testing.T, r *zip.ReadCloser, name string) []byte {
	t.Helper()
	for _, f := range r.File {
		if f.Name == name {
			rc, err := f.Open()
			require.NoError(t, err)
			defer rc.Close()
			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			return data
		}
	}
	t.Fatalf("entry %s not found in archive", name)
	return nil
}

func TestCreateBundle(t *testing.T) {
	svc, sess, _ := setupSession(t)
	outDir := t.TempDir()

	zipPath, err := svc.CreateBundle(context.Background(), sess, outDir)
	require.NoError(t, err)

	r, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	defer r.Close()

	names := make(map[string]bool, len(r.File))
	for _, f := range r.File {
		names[f.Name] = true
	}
	assert.True(t, names["corpus/design.md"])
	assert.True(t, names["corpus/notes.md"])
	assert.True(t, names["REPORT_anthropic_claude-sonnet-4_5.txt"])
	assert.True(t, names["MERKLE_TREE.json"])
	assert.True(t, names["PASSPORT.json"])
	assert.True(t, names["CORPUS_MANIFEST.txt"])

	// The failed run produced no report.
	for name := range names {
		assert.NotContains(t, name, "gpt")
	}

	// The shipped tree re-verifies from its own leaves.
	var record struct {
		MerkleRoot string `json:"merkle_root"`
		LeafCount  int    `json:"leaf_count"`
		Leaves     []struct {
			SHA256 string `json:"sha256"`
		} `json:"leaves"`
	}
	require.NoError(t, json.Unmarshal(readZipEntry(t, r, "MERKLE_TREE.json"), &record))
	assert.Equal(t, 3, record.LeafCount)

	leaves := make([]string, 0, record.LeafCount)
	for _, l := range record.Leaves {
		leaves = append(leaves, l.SHA256)
	}
	assert.Equal(t, record.MerkleRoot, BuildTree(leaves).Root)

	// The passport carries the export seal.
	var passport struct {
		ExportMerkleRoot string `json:"export_merkle_root"`
		Locked           bool   `json:"is_locked"`
	}
	require.NoError(t, json.Unmarshal(readZipEntry(t, r, "PASSPORT.json"), &passport))
	assert.Equal(t, record.MerkleRoot, passport.ExportMerkleRoot)
	assert.True(t, passport.Locked)

	manifest := string(readZipEntry(t, r, "CORPUS_MANIFEST.txt"))
	assert.Contains(t, manifest, record.MerkleRoot)
	assert.Contains(t, manifest, "corpus/design.md")
}

func TestCreateBundleRequiresFinishedSession(t *testing.T) {
	svc, sess, _ := setupSession(t)
	sess.State = orchestrator.SessionExecuting

	_, err := svc.CreateBundle(context.Background(), sess, t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrValidation))
}

func TestCreateBundleAbortsOnTamperedCorpus(t *testing.T) {
	svc, sess, dataDir := setupSession(t)

	tampered := filepath.Join(dataDir, sess.Passport.Files[0].StoragePath)
	require.NoError(t, os.WriteFile(tampered, []byte("tampered content"), 0o640))

	_, err := svc.CreateBundle(context.Background(), sess, t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrIntegrity))
}
