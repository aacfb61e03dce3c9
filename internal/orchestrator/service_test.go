package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verifyd/internal/corpus"
	"github.com/fyrsmithlabs/verifyd/internal/faults"
	"github.com/fyrsmithlabs/verifyd/internal/gateway"
	"github.com/fyrsmithlabs/verifyd/internal/protocol"
)

// fakeGateway records every transmitted message per opened session and
// returns a canned reply.
type fakeGateway struct {
	window    int
	reply     string
	openErr   error
	replyErr  error
	failOnSub string

	mu          sync.Mutex
	transcripts [][]string
	closes      int
}

func (g *fakeGateway) OpenSession(ctx context.Context) (gateway.Session, error) {
	if g.openErr != nil {
		return nil, g.openErr
	}
	g.mu.Lock()
	g.transcripts = append(g.transcripts, nil)
	idx := len(g.transcripts) - 1
	g.mu.Unlock()
	return &fakeSession{g: g, idx: idx}, nil
}

func (g *fakeGateway) MaxContextTokens() int     { return g.window }
func (g *fakeGateway) SupportsAttachments() bool { return false }
func (g *fakeGateway) snapshot(idx int) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.transcripts[idx]...)
}

type fakeSession struct {
	g   *fakeGateway
	idx int
}

func (s *fakeSession) record(msg gateway.Message) {
	entry := msg.Text
	for _, f := range msg.Files {
		entry += fmt.Sprintf("|file=%s", f.Filename)
	}
	s.g.mu.Lock()
	s.g.transcripts[s.idx] = append(s.g.transcripts[s.idx], entry)
	s.g.mu.Unlock()
}

func (s *fakeSession) Send(ctx context.Context, msg gateway.Message) error {
	if s.g.failOnSub != "" && strings.Contains(msg.Text, s.g.failOnSub) {
		return faults.Gatewayf("simulated transmission failure")
	}
	s.record(msg)
	return nil
}

func (s *fakeSession) SendAndReceive(ctx context.Context, msg gateway.Message) (*gateway.Reply, error) {
	if s.g.replyErr != nil {
		return nil, s.g.replyErr
	}
	s.record(msg)
	return &gateway.Reply{Text: s.g.reply, InputTokens: 100, OutputTokens: 50, Model: "fake-1"}, nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.g.mu.Lock()
	s.g.closes++
	s.g.mu.Unlock()
	return nil
}

// fullModeReply covers all eight prescribed modes in order.
const fullModeReply = `## Rc Mode
Reconstruction of the corpus position.

## Ri Mode
Independent reconstruction.

## Declarative Epistemic Typology
Typed claims.

## Ra Mode
Adversarial reading.

## Failure Mode
Where it breaks.

## Novelty and Positioning Mode
Relation to prior work.

## Verdict Mode
Holds with caveats.

## Project Maturity Summary
Early but coherent.
`

type testEngine struct {
	svc      Service
	corpus   corpus.Service
	gateways map[string]*fakeGateway
	dataDir  string
}

func newTestEngine(t *testing.T, cfg *Config, gateways map[string]*fakeGateway) *testEngine {
	t.Helper()
	dataDir := t.TempDir()

	corpusSvc, err := corpus.NewService(dataDir, zap.NewNop())
	require.NoError(t, err)

	factories := make(map[string]gateway.Factory, len(gateways))
	for name, gw := range gateways {
		gw := gw
		factories[name] = func(gateway.Config) (gateway.Gateway, error) { return gw, nil }
	}

	svc, err := NewService(cfg, dataDir, corpusSvc, gateway.NewRegistry(factories), zap.NewNop())
	require.NoError(t, err)

	return &testEngine{svc: svc, corpus: corpusSvc, gateways: gateways, dataDir: dataDir}
}

func (e *testEngine) makePassport(t *testing.T, files map[string]string) *corpus.Passport {
	t.Helper()
	srcDir := t.TempDir()
	paths := make([]string, 0, len(files))
	for _, name := range sortedKeys(files) {
		path := filepath.Join(srcDir, name)
		require.NoError(t, os.WriteFile(path, []byte(files[name]), 0o640))
		paths = append(paths, path)
	}
	p, err := e.corpus.CreatePassport(context.Background(), &corpus.CreateRequest{
		SourcePaths:         paths,
		Purpose:             "verification of design notes",
		ArchitecturalStatus: corpus.StatusClosed,
		CanonVersion:        "1.0",
	})
	require.NoError(t, err)
	return p
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func interpreterConfig(provider, name string) gateway.Config {
	return gateway.Config{Provider: provider, Model: provider + "-model", DisplayName: name}
}

func TestCreateSessionValidations(t *testing.T) {
	e := newTestEngine(t, nil, map[string]*fakeGateway{
		"fake": {window: 200_000, reply: fullModeReply},
	})
	ctx := context.Background()
	passport := e.makePassport(t, map[string]string{"a.md": "alpha"})

	tests := []struct {
		name string
		req  *CreateRequest
	}{
		{"nil passport", &CreateRequest{
			Interpreters: []gateway.Config{interpreterConfig("fake", "A")},
			Kind:         protocol.KindStrictVerifier,
		}},
		{"unlocked passport", &CreateRequest{
			Passport:     &corpus.Passport{ID: "x", Locked: false},
			Interpreters: []gateway.Config{interpreterConfig("fake", "A")},
			Kind:         protocol.KindStrictVerifier,
		}},
		{"no interpreters", &CreateRequest{
			Passport: passport,
			Kind:     protocol.KindStrictVerifier,
		}},
		{"invalid kind", &CreateRequest{
			Passport:     passport,
			Interpreters: []gateway.Config{interpreterConfig("fake", "A")},
			Kind:         protocol.SessionKind("freestyle"),
		}},
		{"aggregator without source", &CreateRequest{
			Passport:     passport,
			Interpreters: []gateway.Config{interpreterConfig("fake", "A")},
			Kind:         protocol.KindPositionAggregator,
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.svc.CreateSession(ctx, tc.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, faults.ErrValidation))
		})
	}
}

func TestCreateSessionStartsLocked(t *testing.T) {
	e := newTestEngine(t, nil, map[string]*fakeGateway{
		"fake": {window: 200_000, reply: fullModeReply},
	})
	passport := e.makePassport(t, map[string]string{"a.md": "alpha"})

	sess, err := e.svc.CreateSession(context.Background(), &CreateRequest{
		Passport:     passport,
		Interpreters: []gateway.Config{interpreterConfig("fake", "A"), interpreterConfig("fake", "B"), interpreterConfig("fake", "C")},
		Kind:         protocol.KindStrictVerifier,
	})
	require.NoError(t, err)

	assert.Equal(t, SessionLocked, sess.State)
	require.Len(t, sess.Runs, 3)
	wantHash := protocol.HashPrompt(sess.ReferencePrompt)
	for _, run := range sess.Runs {
		assert.Equal(t, RunPending, run.State)
		assert.Equal(t, wantHash, run.PromptHash)
	}

	// Persisted immediately.
	loaded, err := e.svc.Load(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, loaded.ID)
}

func TestExecuteSessionParallelIsolatesFailures(t *testing.T) {
	gateways := map[string]*fakeGateway{
		"good": {window: 200_000, reply: fullModeReply},
		"bad":  {window: 200_000, replyErr: faults.Gatewayf("model overloaded")},
	}
	e := newTestEngine(t, nil, gateways)
	ctx := context.Background()
	passport := e.makePassport(t, map[string]string{"a.md": "alpha", "b.md": "beta"})

	sess, err := e.svc.CreateSession(ctx, &CreateRequest{
		Passport: passport,
		Interpreters: []gateway.Config{
			interpreterConfig("good", "A"),
			interpreterConfig("bad", "B"),
			interpreterConfig("good", "C"),
		},
		Kind: protocol.KindStrictVerifier,
	})
	require.NoError(t, err)

	sess, err = e.svc.ExecuteSession(ctx, sess, true)
	require.NoError(t, err)
	assert.Equal(t, SessionAwaitingSynthesis, sess.State)

	var completed, failed int
	for _, run := range sess.Runs {
		switch run.State {
		case RunCompleted:
			completed++
			require.NotNil(t, run.Response)
			assert.Equal(t, fullModeReply, run.Response.RawText)
			assert.Len(t, run.Response.DetectedModes, 8)
			assert.Empty(t, run.Response.MissingModes)
			require.NotNil(t, run.Response.ModesInOrder)
			assert.True(t, *run.Response.ModesInOrder)
			assert.NotNil(t, run.CompletedAt)
		case RunFailed:
			failed++
			assert.Contains(t, run.Error, "model overloaded")
			assert.Nil(t, run.Response)
		default:
			t.Fatalf("run %s left in non-terminal state %s", run.ID, run.State)
		}
	}
	assert.Equal(t, 2, completed)
	assert.Equal(t, 1, failed)

	// Every opened backend session was released, failed run included.
	assert.Equal(t, 2, gateways["good"].closes)
	assert.Equal(t, 1, gateways["bad"].closes)

	// The completed runs sealed their artifacts.
	for _, run := range sess.Runs {
		artifact := filepath.Join(e.dataDir, "sessions", sess.ID, "runs", run.ID, "response_raw.txt")
		if run.State == RunCompleted {
			data, err := os.ReadFile(artifact)
			require.NoError(t, err)
			assert.Equal(t, fullModeReply, string(data))
		} else {
			_, err := os.Stat(artifact)
			assert.True(t, os.IsNotExist(err))
		}
	}
}

func TestParallelAndSequentialProduceIdenticalTranscripts(t *testing.T) {
	// One engine and one frozen passport; only the scheduling mode varies
	// between the two sessions.
	gw := &fakeGateway{window: 200_000, reply: fullModeReply}
	e := newTestEngine(t, nil, map[string]*fakeGateway{"fake": gw})
	ctx := context.Background()
	passport := e.makePassport(t, map[string]string{"a.md": "alpha", "b.md": "beta"})

	run := func(parallel bool, transcriptIdx int) ([]string, *Session) {
		sess, err := e.svc.CreateSession(ctx, &CreateRequest{
			Passport:     passport,
			Interpreters: []gateway.Config{interpreterConfig("fake", "A")},
			Kind:         protocol.KindStrictVerifier,
		})
		require.NoError(t, err)
		sess, err = e.svc.ExecuteSession(ctx, sess, parallel)
		require.NoError(t, err)
		return gw.snapshot(transcriptIdx), sess
	}

	parTranscript, parSess := run(true, 0)
	seqTranscript, seqSess := run(false, 1)

	assert.Equal(t, parTranscript, seqTranscript)
	assert.Equal(t, parSess.Runs[0].PromptHash, seqSess.Runs[0].PromptHash)
	assert.Equal(t, parSess.Runs[0].Response.RawText, seqSess.Runs[0].Response.RawText)
	assert.Equal(t, parSess.Runs[0].Response.DetectedModes, seqSess.Runs[0].Response.DetectedModes)
}

func TestLoadingStrategyFollowsContextWindow(t *testing.T) {
	ctx := context.Background()
	files := map[string]string{
		"a.md": strings.Repeat("x", 4000),
		"b.md": strings.Repeat("y", 4000),
	}

	// Estimated 2000 tokens against a 1000-token window: sequential.
	small := &fakeGateway{window: 1000, reply: fullModeReply}
	e := newTestEngine(t, nil, map[string]*fakeGateway{"fake": small})
	sess, err := e.svc.CreateSession(ctx, &CreateRequest{
		Passport:     e.makePassport(t, files),
		Interpreters: []gateway.Config{interpreterConfig("fake", "A")},
		Kind:         protocol.KindStrictVerifier,
	})
	require.NoError(t, err)
	sess, err = e.svc.ExecuteSession(ctx, sess, false)
	require.NoError(t, err)
	log := strings.Join(sess.Runs[0].LoadingLog, "\n")
	assert.Contains(t, log, "Segment 1/2 sent: a.md")
	assert.Contains(t, log, "Segment 2/2 sent: b.md")
	assert.NotContains(t, log, "batch")

	// Same corpus against a 200k window: batch.
	large := &fakeGateway{window: 200_000, reply: fullModeReply}
	e = newTestEngine(t, nil, map[string]*fakeGateway{"fake": large})
	sess, err = e.svc.CreateSession(ctx, &CreateRequest{
		Passport:     e.makePassport(t, files),
		Interpreters: []gateway.Config{interpreterConfig("fake", "A")},
		Kind:         protocol.KindStrictVerifier,
	})
	require.NoError(t, err)
	sess, err = e.svc.ExecuteSession(ctx, sess, false)
	require.NoError(t, err)
	log = strings.Join(sess.Runs[0].LoadingLog, "\n")
	assert.Contains(t, log, "Full corpus sent in batch mode")
	assert.NotContains(t, log, "Segment")

	// Batch transcript carries both files on a single message.
	transcript := large.snapshot(0)
	var batchMsg string
	for _, entry := range transcript {
		if strings.Contains(entry, "Full corpus attached") {
			batchMsg = entry
		}
	}
	assert.Contains(t, batchMsg, "file=a.md")
	assert.Contains(t, batchMsg, "file=b.md")
}

func TestExecuteRequiresLockedState(t *testing.T) {
	e := newTestEngine(t, nil, map[string]*fakeGateway{
		"fake": {window: 200_000, reply: fullModeReply},
	})
	ctx := context.Background()
	sess, err := e.svc.CreateSession(ctx, &CreateRequest{
		Passport:     e.makePassport(t, map[string]string{"a.md": "alpha"}),
		Interpreters: []gateway.Config{interpreterConfig("fake", "A")},
		Kind:         protocol.KindStrictVerifier,
	})
	require.NoError(t, err)

	sess, err = e.svc.ExecuteSession(ctx, sess, false)
	require.NoError(t, err)
	require.Equal(t, SessionAwaitingSynthesis, sess.State)

	_, err = e.svc.ExecuteSession(ctx, sess, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrValidation))
}

func TestAggregatorConsumesSourceOutputs(t *testing.T) {
	gw := &fakeGateway{window: 200_000, reply: fullModeReply}
	e := newTestEngine(t, nil, map[string]*fakeGateway{"fake": gw})
	ctx := context.Background()
	passport := e.makePassport(t, map[string]string{"a.md": "alpha"})

	source, err := e.svc.CreateSession(ctx, &CreateRequest{
		Passport:     passport,
		Interpreters: []gateway.Config{interpreterConfig("fake", "A"), interpreterConfig("fake", "B")},
		Kind:         protocol.KindStrictVerifier,
	})
	require.NoError(t, err)

	// Source still locked: not eligible yet.
	_, err = e.svc.CreateSession(ctx, &CreateRequest{
		Passport:        passport,
		Interpreters:    []gateway.Config{interpreterConfig("fake", "AGG")},
		Kind:            protocol.KindPositionAggregator,
		SourceSessionID: source.ID,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrValidation))

	source, err = e.svc.ExecuteSession(ctx, source, false)
	require.NoError(t, err)
	require.Equal(t, SessionAwaitingSynthesis, source.State)

	agg, err := e.svc.CreateSession(ctx, &CreateRequest{
		Passport:        passport,
		Interpreters:    []gateway.Config{interpreterConfig("fake", "AGG")},
		Kind:            protocol.KindPositionAggregator,
		SourceSessionID: source.ID,
	})
	require.NoError(t, err)
	assert.NotEqual(t, source.ReferencePrompt, agg.ReferencePrompt)

	agg, err = e.svc.ExecuteSession(ctx, agg, false)
	require.NoError(t, err)
	require.Equal(t, RunCompleted, agg.Runs[0].State)

	// Aggregator responses get no mode annotations.
	assert.Nil(t, agg.Runs[0].Response.ModesInOrder)
	assert.Empty(t, agg.Runs[0].Response.DetectedModes)

	// The aggregator's transcript carries the labeled source outputs.
	transcript := gw.snapshot(2)
	joined := strings.Join(transcript, "\n")
	assert.Contains(t, joined, "=== INTERPRETER OUTPUTS FROM SOURCE SESSION ===")
	assert.Contains(t, joined, "INTERPRETER 1: A")
	assert.Contains(t, joined, "INTERPRETER 2: B")
	assert.Contains(t, joined, "## Verdict Mode")
}

func TestRecoverMarksInterruptedRuns(t *testing.T) {
	e := newTestEngine(t, nil, map[string]*fakeGateway{
		"fake": {window: 200_000, reply: fullModeReply},
	})
	ctx := context.Background()

	sess, err := e.svc.CreateSession(ctx, &CreateRequest{
		Passport: e.makePassport(t, map[string]string{"a.md": "alpha"}),
		Interpreters: []gateway.Config{
			interpreterConfig("fake", "A"),
			interpreterConfig("fake", "B"),
		},
		Kind: protocol.KindStrictVerifier,
	})
	require.NoError(t, err)

	// Simulate a crash mid-execution: one run stuck awaiting a response,
	// one already completed.
	sess.State = SessionExecuting
	sess.Runs[0].State = RunAwaitingResponse
	now := time.Now().UTC()
	sess.Runs[1].State = RunCompleted
	sess.Runs[1].CompletedAt = &now
	path := filepath.Join(e.dataDir, "sessions", sess.ID, "session.json")
	data, err := json.MarshalIndent(sess, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o640))

	recovered, err := e.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	loaded, err := e.svc.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionAwaitingSynthesis, loaded.State)
	assert.Equal(t, RunFailed, loaded.Runs[0].State)
	assert.Contains(t, loaded.Runs[0].Error, "interrupted")
	assert.Equal(t, RunCompleted, loaded.Runs[1].State)

	// Recovery is idempotent.
	recovered, err = e.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
}

func TestRecoverFailsPendingRunsOfExecutingSession(t *testing.T) {
	e := newTestEngine(t, nil, map[string]*fakeGateway{
		"fake": {window: 200_000, reply: fullModeReply},
	})
	ctx := context.Background()
	passport := e.makePassport(t, map[string]string{"a.md": "alpha"})

	// A session persisted as executing but crashed before its run left
	// pending: the run is stranded and must be failed on recovery.
	stuck, err := e.svc.CreateSession(ctx, &CreateRequest{
		Passport:     passport,
		Interpreters: []gateway.Config{interpreterConfig("fake", "A")},
		Kind:         protocol.KindStrictVerifier,
	})
	require.NoError(t, err)
	stuck.State = SessionExecuting
	data, err := json.MarshalIndent(stuck, "", "  ")
	require.NoError(t, err)
	path := filepath.Join(e.dataDir, "sessions", stuck.ID, "session.json")
	require.NoError(t, os.WriteFile(path, data, 0o640))

	// A locked session with pending runs simply has not started yet.
	waiting, err := e.svc.CreateSession(ctx, &CreateRequest{
		Passport:     passport,
		Interpreters: []gateway.Config{interpreterConfig("fake", "A")},
		Kind:         protocol.KindStrictVerifier,
	})
	require.NoError(t, err)

	recovered, err := e.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	loaded, err := e.svc.Load(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionAwaitingSynthesis, loaded.State)
	assert.Equal(t, RunFailed, loaded.Runs[0].State)
	assert.Contains(t, loaded.Runs[0].Error, "interrupted")

	loaded, err = e.svc.Load(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionLocked, loaded.State)
	assert.Equal(t, RunPending, loaded.Runs[0].State)
}

func TestListSkipsCorruptSessions(t *testing.T) {
	e := newTestEngine(t, nil, map[string]*fakeGateway{
		"fake": {window: 200_000, reply: fullModeReply},
	})
	ctx := context.Background()

	_, err := e.svc.CreateSession(ctx, &CreateRequest{
		Passport:     e.makePassport(t, map[string]string{"a.md": "alpha"}),
		Interpreters: []gateway.Config{interpreterConfig("fake", "A")},
		Kind:         protocol.KindStrictVerifier,
	})
	require.NoError(t, err)

	corruptDir := filepath.Join(e.dataDir, "sessions", "corrupt-session")
	require.NoError(t, os.MkdirAll(corruptDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(corruptDir, "session.json"), []byte("{not json"), 0o640))

	summaries, err := e.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "verification of design notes", summaries[0].Purpose)
}

func TestLoadMissingSessionIsValidationError(t *testing.T) {
	e := newTestEngine(t, nil, map[string]*fakeGateway{
		"fake": {window: 200_000, reply: fullModeReply},
	})
	_, err := e.svc.Load(context.Background(), "no-such-session")
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrValidation))
}

func TestNewServiceRejectsBadFactor(t *testing.T) {
	corpusSvc, err := corpus.NewService(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	registry := gateway.NewRegistry(nil)

	_, err = NewService(&Config{SequentialLoadFactor: 0}, t.TempDir(), corpusSvc, registry, zap.NewNop())
	assert.True(t, errors.Is(err, faults.ErrValidation))

	_, err = NewService(&Config{SequentialLoadFactor: 1.5}, t.TempDir(), corpusSvc, registry, zap.NewNop())
	assert.True(t, errors.Is(err, faults.ErrValidation))
}
