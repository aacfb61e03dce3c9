package gateway

import (
	"context"
)

// Config describes one interpreter instance for a run. Immutable for the
// run's lifetime.
type Config struct {
	// Provider identifies the backend, e.g. "anthropic", "openai", "ollama".
	Provider string `koanf:"provider" json:"provider"`

	// Model is the backend model identifier.
	Model string `koanf:"model" json:"model"`

	// DisplayName is the human label, e.g. "Claude Sonnet 4.5".
	DisplayName string `koanf:"display_name" json:"display_name"`

	// CredentialEnv names the environment variable holding the API key.
	CredentialEnv string `koanf:"credential_env" json:"credential_env,omitempty"`

	// BaseURL overrides the backend endpoint (OpenAI-compatible hosts,
	// local Ollama).
	BaseURL string `koanf:"base_url" json:"base_url,omitempty"`

	// MaxTokens caps output length. Zero means provider default.
	MaxTokens int `koanf:"max_tokens" json:"max_tokens"`

	// Temperature defaults to 0: the protocol wants deterministic output.
	Temperature float64 `koanf:"temperature" json:"temperature"`
}

// Attachment is a corpus file carried on a message.
type Attachment struct {
	Filename       string
	MIME           string
	Content        []byte
	CanonicalOrder int
}

// Message is one transmission to an interpreter.
type Message struct {
	Text  string
	Files []Attachment
}

// Reply is the raw captured output of a completed interpreter call.
type Reply struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Model        string
}

// Session is one open, isolated conversation with a backend. A handle is
// owned by exactly one run and never reused after Close.
type Session interface {
	// Send transmits a message without expecting output. Used for
	// sequential corpus loading.
	Send(ctx context.Context, msg Message) error

	// SendAndReceive transmits the final message and blocks for the full
	// interpreter response.
	SendAndReceive(ctx context.Context, msg Message) (*Reply, error)

	// Close releases backend resources. No further calls are allowed.
	Close(ctx context.Context) error
}

// Gateway is one configured interpreter backend.
type Gateway interface {
	// OpenSession opens a fresh session with zero carried-over context.
	OpenSession(ctx context.Context) (Session, error)

	// MaxContextTokens reports the advertised context window, used for
	// the batch-vs-sequential loading decision.
	MaxContextTokens() int

	// SupportsAttachments reports whether the backend accepts file
	// attachments natively.
	SupportsAttachments() bool
}

// Factory constructs a gateway from an interpreter config.
type Factory func(cfg Config) (Gateway, error)
