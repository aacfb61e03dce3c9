package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verifyd/internal/faults"
)

// saveSession persists the session under the state mutex.
func (s *service) saveSession(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveSessionLocked(sess)
}

// saveSessionLocked writes session.json. Callers must hold s.mu so the
// marshaled snapshot is internally consistent.
func (s *service) saveSessionLocked(sess *Session) error {
	dir := filepath.Join(s.sessionsDir, sess.ID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return faults.Storagef("failed to create session directory: %v", err)
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return faults.Storagef("failed to marshal session %s: %v", sess.ID, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "session.json"), data, 0o640); err != nil {
		return faults.Storagef("failed to write session %s: %v", sess.ID, err)
	}
	return nil
}

// Load reads a persisted session. A missing session is a validation
// error; an unreadable or corrupt one is a storage error.
func (s *service) Load(ctx context.Context, sessionID string) (*Session, error) {
	path := filepath.Join(s.sessionsDir, sessionID, "session.json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, faults.Validationf("session not found: %s", sessionID)
		}
		return nil, faults.Storagef("failed to read session %s: %v", sessionID, err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, faults.Storagef("failed to parse session %s: %v", sessionID, err)
	}
	return &sess, nil
}

// List returns summaries of every readable session, newest first.
// Unreadable entries are logged and skipped so one corrupt session does
// not hide the rest.
func (s *service) List(ctx context.Context) ([]*Summary, error) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		return nil, faults.Storagef("failed to read sessions directory: %v", err)
	}

	summaries := make([]*Summary, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sess, err := s.Load(ctx, entry.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable session",
				zap.String("session_id", entry.Name()), zap.Error(err))
			continue
		}
		summary := &Summary{
			ID:        sess.ID,
			CreatedAt: sess.CreatedAt,
			State:     sess.State,
			Kind:      sess.Kind,
			RunCount:  len(sess.Runs),
		}
		if sess.Passport != nil {
			summary.Purpose = sess.Passport.Purpose
		}
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}

// Recover sweeps all sessions after a restart. Runs stranded in a
// non-terminal state are marked failed; a response that was never sealed
// to disk is gone, and pretending otherwise would poison the audit trail.
func (s *service) Recover(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		return 0, faults.Storagef("failed to read sessions directory: %v", err)
	}

	recovered := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sess, err := s.Load(ctx, entry.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable session during recovery",
				zap.String("session_id", entry.Name()), zap.Error(err))
			continue
		}

		changed := false
		now := time.Now().UTC()
		for _, run := range sess.Runs {
			if run.State.Terminal() {
				continue
			}
			// Pending runs of a locked session simply have not started;
			// pending runs inside an executing session were stranded by
			// the crash and will never be picked up again.
			if run.State == RunPending && sess.State != SessionExecuting {
				continue
			}
			run.State = RunFailed
			run.Error = "interrupted: engine restarted while run was in progress"
			run.CompletedAt = &now
			recovered++
			changed = true
			s.logger.Warn("marked interrupted run as failed",
				zap.String("session_id", sess.ID),
				zap.String("run_id", run.ID))
		}

		if sess.State == SessionExecuting {
			allDone := true
			for _, run := range sess.Runs {
				if !run.State.Terminal() {
					allDone = false
					break
				}
			}
			if allDone {
				sess.State = SessionAwaitingSynthesis
				changed = true
			}
		}

		if changed {
			if err := s.saveSession(sess); err != nil {
				return recovered, err
			}
		}
	}
	return recovered, nil
}

// writeArtifact seals the raw response and its metadata to the run's
// artifact directory before the run is declared complete.
func (s *service) writeArtifact(sess *Session, run *Run, resp *Response) error {
	dir := filepath.Join(s.sessionsDir, sess.ID, "runs", run.ID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return faults.Storagef("failed to create run artifact directory: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "response_raw.txt"), []byte(resp.RawText), 0o640); err != nil {
		return faults.Storagef("failed to write response artifact: %v", err)
	}

	meta := struct {
		*Response
		RunID       string `json:"run_id"`
		SessionID   string `json:"session_id"`
		PromptHash  string `json:"prompt_hash"`
		Interpreter string `json:"interpreter"`
	}{
		Response:    resp,
		RunID:       run.ID,
		SessionID:   sess.ID,
		PromptHash:  run.PromptHash,
		Interpreter: run.Interpreter.DisplayName,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return faults.Storagef("failed to marshal response metadata: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o640); err != nil {
		return faults.Storagef("failed to write response metadata: %v", err)
	}
	return nil
}

var mimeByExtension = map[string]string{
	".pdf":  "application/pdf",
	".md":   "text/markdown",
	".txt":  "text/plain",
	".py":   "text/x-python",
	".js":   "text/javascript",
	".json": "application/json",
	".html": "text/html",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".svg":  "image/svg+xml",
}

func guessMIME(filename string) string {
	if mime, ok := mimeByExtension[strings.ToLower(filepath.Ext(filename))]; ok {
		return mime
	}
	return "application/octet-stream"
}
