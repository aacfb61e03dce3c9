package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verifyd/internal/corpus"
	"github.com/fyrsmithlabs/verifyd/internal/faults"
	"github.com/fyrsmithlabs/verifyd/internal/gateway"
	"github.com/fyrsmithlabs/verifyd/internal/protocol"
)

const instrumentationName = "github.com/fyrsmithlabs/verifyd/internal/orchestrator"

// Service orchestrates verification sessions.
type Service interface {
	// CreateSession binds a locked passport to interpreter configs. The
	// session starts in the locked state with all runs pending.
	CreateSession(ctx context.Context, req *CreateRequest) (*Session, error)

	// ExecuteSession runs every pending run, concurrently or one at a
	// time. Scheduling never affects per-run content. The session reaches
	// awaiting_synthesis once every run is terminal, failures included.
	ExecuteSession(ctx context.Context, sess *Session, parallel bool) (*Session, error)

	// Load retrieves a persisted session.
	Load(ctx context.Context, sessionID string) (*Session, error)

	// List returns summaries of all readable sessions.
	List(ctx context.Context) ([]*Summary, error)

	// Recover marks runs left non-terminal by a process crash as failed.
	// Called once at startup; interrupted runs are never silently retried.
	Recover(ctx context.Context) (int, error)
}

// Config tunes the execution engine.
type Config struct {
	// SequentialLoadFactor is the share of a backend's context window the
	// estimated corpus may occupy before loading switches from batch to
	// sequential. Conservative on purpose: headroom is reserved for the
	// manifest, the prompt, and the expected output.
	SequentialLoadFactor float64
}

// DefaultConfig returns the standard 60% threshold.
func DefaultConfig() *Config {
	return &Config{SequentialLoadFactor: 0.6}
}

type service struct {
	config      *Config
	sessionsDir string
	corpus      corpus.Service
	registry    *gateway.Registry
	logger      *zap.Logger

	tracer         trace.Tracer
	meter          metric.Meter
	sessionCounter metric.Int64Counter
	runCounter     metric.Int64Counter

	// mu serializes every mutation of in-flight session state and every
	// persisted write, so near-simultaneous run completions cannot
	// corrupt each other's recorded state.
	mu sync.Mutex
}

// NewService creates the execution engine.
func NewService(cfg *Config, dataDir string, corpusSvc corpus.Service, registry *gateway.Registry, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SequentialLoadFactor <= 0 || cfg.SequentialLoadFactor > 1 {
		return nil, faults.Validationf("sequential load factor must be in (0, 1], got %v", cfg.SequentialLoadFactor)
	}
	if dataDir == "" {
		return nil, faults.Validationf("data directory is required")
	}
	if corpusSvc == nil {
		return nil, faults.Validationf("corpus service is required")
	}
	if registry == nil {
		return nil, faults.Validationf("gateway registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sessionsDir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0o750); err != nil {
		return nil, faults.Storagef("failed to create sessions directory: %v", err)
	}

	s := &service{
		config:      cfg,
		sessionsDir: sessionsDir,
		corpus:      corpusSvc,
		registry:    registry,
		logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
		meter:       otel.Meter(instrumentationName),
	}
	s.initMetrics()

	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.sessionCounter, err = s.meter.Int64Counter(
		"verifyd.orchestrator.sessions_created_total",
		metric.WithDescription("Total number of verification sessions created"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		s.logger.Warn("failed to create session counter", zap.Error(err))
	}

	s.runCounter, err = s.meter.Int64Counter(
		"verifyd.orchestrator.runs_finished_total",
		metric.WithDescription("Total number of interpreter runs reaching a terminal state"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		s.logger.Warn("failed to create run counter", zap.Error(err))
	}
}

// CreateSession validates preconditions and persists a new session.
func (s *service) CreateSession(ctx context.Context, req *CreateRequest) (*Session, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.create_session")
	defer span.End()

	if req.Passport == nil || !req.Passport.Locked {
		return nil, faults.Validationf("cannot create session with unlocked passport; run Canon Lock first")
	}
	if len(req.Interpreters) == 0 {
		return nil, faults.Validationf("at least one interpreter is required")
	}
	if !req.Kind.Valid() {
		return nil, faults.Validationf("unknown session kind: %s", req.Kind)
	}

	if req.Kind.Derivative() {
		if req.SourceSessionID == "" {
			return nil, faults.Validationf("%s sessions require a source session", req.Kind)
		}
		source, err := s.Load(ctx, req.SourceSessionID)
		if err != nil {
			return nil, faults.Validationf("source session not found: %s", req.SourceSessionID)
		}
		if source.State != SessionAwaitingSynthesis && source.State != SessionCompleted {
			return nil, faults.Validationf(
				"source session must be in awaiting_synthesis or completed state, got %s", source.State)
		}
	}

	if req.Kind == protocol.KindStrictVerifier && len(req.Interpreters) < 3 {
		s.logger.Warn("strict verification recommends at least 3 interpreters",
			zap.Int("configured", len(req.Interpreters)))
	}

	prompt, err := protocol.PromptFor(req.Kind)
	if err != nil {
		return nil, err
	}
	promptHash := protocol.HashPrompt(prompt)

	sess := &Session{
		ID:              uuid.New().String(),
		CreatedAt:       time.Now().UTC(),
		State:           SessionLocked,
		Kind:            req.Kind,
		SourceSessionID: req.SourceSessionID,
		Passport:        req.Passport,
		ReferencePrompt: prompt,
	}
	for _, cfg := range req.Interpreters {
		sess.Runs = append(sess.Runs, &Run{
			ID:          uuid.New().String(),
			SessionID:   sess.ID,
			Interpreter: cfg,
			State:       RunPending,
			PromptHash:  promptHash,
		})
	}

	if err := s.saveSession(sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if s.sessionCounter != nil {
		s.sessionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(req.Kind)),
		))
	}
	s.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("kind", string(sess.Kind)),
		zap.Int("interpreters", len(sess.Runs)),
	)
	span.SetAttributes(attribute.String("session_id", sess.ID))

	return sess, nil
}

// ExecuteSession fans out all runs and waits for every one to reach a
// terminal state. One run's failure never cancels or blocks siblings.
func (s *service) ExecuteSession(ctx context.Context, sess *Session, parallel bool) (*Session, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.execute_session")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sess.ID),
		attribute.Bool("parallel", parallel),
	)

	if sess.State != SessionLocked {
		return nil, faults.Validationf("session must be in locked state, got %s", sess.State)
	}

	s.mu.Lock()
	sess.State = SessionExecuting
	err := s.saveSessionLocked(sess)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if parallel {
		var wg sync.WaitGroup
		for _, run := range sess.Runs {
			wg.Add(1)
			go func(run *Run) {
				defer wg.Done()
				s.executeRun(ctx, sess, run)
			}(run)
		}
		wg.Wait()
	} else {
		for _, run := range sess.Runs {
			s.executeRun(ctx, sess, run)
		}
	}

	s.mu.Lock()
	allDone := true
	for _, run := range sess.Runs {
		if !run.State.Terminal() {
			allDone = false
			break
		}
	}
	if allDone {
		sess.State = SessionAwaitingSynthesis
	}
	err = s.saveSessionLocked(sess)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.logger.Info("session executed",
		zap.String("session_id", sess.ID),
		zap.String("state", string(sess.State)),
	)
	return sess, nil
}

// executeRun is the per-run failure boundary. Whatever happens inside the
// protocol sequence, the session is persisted on the way out.
func (s *service) executeRun(ctx context.Context, sess *Session, run *Run) {
	defer func() {
		if err := s.saveSession(sess); err != nil {
			s.logger.Error("failed to persist session after run",
				zap.String("session_id", sess.ID),
				zap.String("run_id", run.ID),
				zap.Error(err))
		}
	}()

	err := s.runProtocol(ctx, sess, run)

	now := time.Now().UTC()
	s.mu.Lock()
	if err != nil {
		run.State = RunFailed
		run.Error = err.Error()
		run.CompletedAt = &now
	}
	state := run.State
	s.mu.Unlock()

	if s.runCounter != nil {
		s.runCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("state", string(state)),
			attribute.String("provider", run.Interpreter.Provider),
		))
	}
	if err != nil {
		s.logger.Error("run failed",
			zap.String("run_id", run.ID),
			zap.String("provider", run.Interpreter.Provider),
			zap.Error(err))
	}
}

// runProtocol executes the fixed eight-step sequence for one interpreter.
func (s *service) runProtocol(ctx context.Context, sess *Session, run *Run) error {
	gw, err := s.registry.Create(run.Interpreter)
	if err != nil {
		return err
	}

	started := time.Now().UTC()
	s.mu.Lock()
	run.State = RunLoading
	run.StartedAt = &started
	_ = s.saveSessionLocked(sess)
	s.mu.Unlock()

	// Step 1: fresh backend session, zero carried-over context. The handle
	// is released on every exit path.
	handle, err := gw.OpenSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := handle.Close(ctx); err != nil {
			s.logger.Warn("failed to close backend session",
				zap.String("run_id", run.ID), zap.Error(err))
		}
	}()
	s.logStep(sess, run, "Session opened")

	// Step 2: the passport manifest is always the first message.
	if err := handle.Send(ctx, gateway.Message{Text: s.corpus.PassportText(sess.Passport)}); err != nil {
		return err
	}
	s.logStep(sess, run, "Passport sent")

	// Step 3: the fixed reference prompt, hashed into the run at creation.
	if err := handle.Send(ctx, gateway.Message{Text: "Reference prompt:\n\n" + sess.ReferencePrompt}); err != nil {
		return err
	}
	s.logStep(sess, run, "Reference prompt sent")

	// Step 4: corpus files in canonical order. Strategy depends only on
	// capability queries, never on corpus content.
	files, err := s.corpus.OpenFiles(ctx, sess.Passport)
	if err != nil {
		return err
	}

	if s.needsSequentialLoading(gw, files) {
		for i, f := range files {
			preamble := fmt.Sprintf(
				"Corpus segment %d/%d: %s\nDo not form final conclusions until the completion phrase is received.",
				i+1, len(files), f.Meta.Filename)
			msg := gateway.Message{
				Text:  preamble,
				Files: []gateway.Attachment{toAttachment(f)},
			}
			if err := handle.Send(ctx, msg); err != nil {
				return err
			}
			s.logStep(sess, run, fmt.Sprintf("Segment %d/%d sent: %s", i+1, len(files), f.Meta.Filename))
		}
	} else {
		attachments := make([]gateway.Attachment, 0, len(files))
		for _, f := range files {
			attachments = append(attachments, toAttachment(f))
		}
		msg := gateway.Message{
			Text:  "Full corpus attached below. Files are in canonical order.",
			Files: attachments,
		}
		if err := handle.Send(ctx, msg); err != nil {
			return err
		}
		s.logStep(sess, run, "Full corpus sent in batch mode")
	}

	// Step 5: derivative sessions consume the source session's outputs.
	// This is the only cross-session data flow, and it only flows in.
	if sess.Kind.Derivative() {
		outputs, err := s.collectSourceOutputs(ctx, sess.SourceSessionID)
		if err != nil {
			return err
		}
		if err := handle.Send(ctx, gateway.Message{Text: outputs}); err != nil {
			return err
		}
		s.logStep(sess, run, fmt.Sprintf("Source session outputs injected from %s", sess.SourceSessionID))
	}

	// Step 6: completion phrase; the only blocking call.
	s.mu.Lock()
	run.State = RunAwaitingResponse
	_ = s.saveSessionLocked(sess)
	s.mu.Unlock()

	phrase, err := protocol.CompletionPhraseFor(sess.Kind)
	if err != nil {
		return err
	}
	reply, err := handle.SendAndReceive(ctx, gateway.Message{Text: phrase})
	if err != nil {
		return err
	}
	s.logStep(sess, run, "Completion phrase sent, response received")

	resp := &Response{
		ID:           uuid.New().String(),
		CapturedAt:   time.Now().UTC(),
		RawText:      reply.Text,
		InputTokens:  reply.InputTokens,
		OutputTokens: reply.OutputTokens,
		ModelUsed:    reply.Model,
		Provider:     run.Interpreter.Provider,
	}

	// Step 7: structural mode detection, primary verification kind only.
	if sess.Kind == protocol.KindStrictVerifier {
		resp.DetectedModes = protocol.Detect(resp.RawText)
		resp.MissingModes = protocol.MissingModes(resp.DetectedModes)
		inOrder := protocol.ModesInOrder(resp.DetectedModes)
		resp.ModesInOrder = &inOrder
	}

	// Step 8: seal the artifact before declaring the run complete.
	if err := s.writeArtifact(sess, run, resp); err != nil {
		return err
	}

	completed := time.Now().UTC()
	s.mu.Lock()
	run.Response = resp
	run.State = RunCompleted
	run.CompletedAt = &completed
	s.mu.Unlock()
	return nil
}

// needsSequentialLoading applies the configured share-of-window threshold
// to the rough bytes/4 token estimate.
func (s *service) needsSequentialLoading(gw gateway.Gateway, files []corpus.LoadedFile) bool {
	var totalBytes int64
	for _, f := range files {
		totalBytes += f.Meta.SizeBytes
	}
	estimatedTokens := totalBytes / 4
	return float64(estimatedTokens) > s.config.SequentialLoadFactor*float64(gw.MaxContextTokens())
}

// collectSourceOutputs concatenates the labeled outputs of every run in
// the source session. The source session itself is never modified.
func (s *service) collectSourceOutputs(ctx context.Context, sourceSessionID string) (string, error) {
	source, err := s.Load(ctx, sourceSessionID)
	if err != nil {
		return "", err
	}

	divider := "============================================================"
	parts := []string{fmt.Sprintf(
		"=== INTERPRETER OUTPUTS FROM SOURCE SESSION ===\nSource session: %s\nSession kind: %s\nNumber of interpreters: %d\n",
		source.ID, source.Kind, len(source.Runs))}

	for i, run := range source.Runs {
		parts = append(parts,
			"\n"+divider,
			fmt.Sprintf("INTERPRETER %d: %s", i+1, run.Interpreter.DisplayName),
			fmt.Sprintf("Provider: %s / %s", run.Interpreter.Provider, run.Interpreter.Model),
			fmt.Sprintf("State: %s", run.State),
			divider+"\n",
		)
		switch {
		case run.Response != nil:
			parts = append(parts, run.Response.RawText)
		case run.Error != "":
			parts = append(parts, fmt.Sprintf("[FAILED: %s]", run.Error))
		default:
			parts = append(parts, "[No response captured]")
		}
	}

	parts = append(parts, "\n"+divider, "=== END OF INTERPRETER OUTPUTS ===")
	return strings.Join(parts, "\n"), nil
}

func (s *service) logStep(sess *Session, run *Run, msg string) {
	s.mu.Lock()
	run.LoadingLog = append(run.LoadingLog, msg)
	s.mu.Unlock()
}

func toAttachment(f corpus.LoadedFile) gateway.Attachment {
	return gateway.Attachment{
		Filename:       f.Meta.Filename,
		MIME:           guessMIME(f.Meta.Filename),
		Content:        f.Content,
		CanonicalOrder: f.Meta.CanonicalOrder,
	}
}
