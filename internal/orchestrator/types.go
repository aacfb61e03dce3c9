package orchestrator

import (
	"time"

	"github.com/fyrsmithlabs/verifyd/internal/corpus"
	"github.com/fyrsmithlabs/verifyd/internal/gateway"
	"github.com/fyrsmithlabs/verifyd/internal/protocol"
)

// SessionState is the lifecycle of a verification session. Transitions
// are strictly forward.
type SessionState string

const (
	// SessionPreparing: corpus uploaded, passport not yet generated.
	SessionPreparing SessionState = "preparing"

	// SessionLocked: Canon Lock complete, ready to execute.
	SessionLocked SessionState = "locked"

	// SessionExecuting: interpreter runs in progress.
	SessionExecuting SessionState = "executing"

	// SessionAwaitingSynthesis: all runs terminal, human synthesis pending.
	SessionAwaitingSynthesis SessionState = "awaiting_synthesis"

	// SessionCompleted: synthesis finalized. External transition; the
	// engine never sets it.
	SessionCompleted SessionState = "completed"
)

// RunState is the lifecycle of a single interpreter run.
type RunState string

const (
	RunPending          RunState = "pending"
	RunLoading          RunState = "loading"
	RunAwaitingResponse RunState = "awaiting_response"
	RunCompleted        RunState = "completed"
	RunFailed           RunState = "failed"
)

// Terminal reports whether the run has finished, successfully or not.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Response is the raw captured output of one interpreter. Immutable once
// the run completes; mode annotations are attached before it is sealed.
type Response struct {
	ID         string    `json:"response_id"`
	CapturedAt time.Time `json:"captured_at"`

	RawText      string `json:"raw_text"`
	InputTokens  int    `json:"input_token_count,omitempty"`
	OutputTokens int    `json:"output_token_count,omitempty"`
	ModelUsed    string `json:"model_used"`
	Provider     string `json:"provider"`

	// Structural annotations, primary verification kind only.
	DetectedModes []protocol.DetectedMode `json:"detected_modes"`
	ModesInOrder  *bool                   `json:"modes_in_order,omitempty"`
	MissingModes  []string                `json:"missing_modes"`
}

// Run is one interpreter execution within a session.
type Run struct {
	ID          string         `json:"run_id"`
	SessionID   string         `json:"session_id"`
	Interpreter gateway.Config `json:"interpreter"`
	State       RunState       `json:"state"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Response *Response `json:"response,omitempty"`
	Error    string    `json:"error,omitempty"`

	// PromptHash is the SHA-256 of the exact reference prompt, recorded
	// per run for the audit trail.
	PromptHash string `json:"prompt_hash"`

	// LoadingLog is the ordered record of transmission steps.
	LoadingLog []string `json:"loading_log"`
}

// Session is a complete verification session. It owns its runs; the
// passport is referenced, its lifecycle belongs to the corpus store.
type Session struct {
	ID        string       `json:"session_id"`
	CreatedAt time.Time    `json:"created_at"`
	State     SessionState `json:"state"`

	Kind protocol.SessionKind `json:"session_kind"`

	// SourceSessionID is set for derivative sessions consuming another
	// session's outputs.
	SourceSessionID string `json:"source_session_id,omitempty"`

	Passport        *corpus.Passport `json:"passport"`
	ReferencePrompt string           `json:"reference_prompt"`

	Runs []*Run `json:"runs"`
}

// Summary is the listing view of a session.
type Summary struct {
	ID        string               `json:"session_id"`
	CreatedAt time.Time            `json:"created_at"`
	State     SessionState         `json:"state"`
	Kind      protocol.SessionKind `json:"session_kind"`
	Purpose   string               `json:"purpose"`
	RunCount  int                  `json:"run_count"`
}

// CreateRequest describes a session to be created.
type CreateRequest struct {
	Passport     *corpus.Passport
	Interpreters []gateway.Config
	Kind         protocol.SessionKind

	// SourceSessionID is required when Kind is derivative.
	SourceSessionID string
}
