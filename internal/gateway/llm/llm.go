// Package llm implements interpreter gateways on top of langchaingo.
//
// One chatSession type serves every backend: it owns the message history
// for a single open session and feeds the full history to GenerateContent
// on the final call. History is destroyed on Close; nothing is shared
// between sessions, which is what gives runs their isolation guarantee.
package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"github.com/fyrsmithlabs/verifyd/internal/faults"
	"github.com/fyrsmithlabs/verifyd/internal/gateway"
)

// backend adapts one langchaingo model to the gateway interface.
type backend struct {
	cfg         gateway.Config
	model       llms.Model
	window      int
	attachments bool
}

func (b *backend) OpenSession(ctx context.Context) (gateway.Session, error) {
	return &chatSession{backend: b}, nil
}

func (b *backend) MaxContextTokens() int { return b.window }

func (b *backend) SupportsAttachments() bool { return b.attachments }

// chatSession accumulates the conversation for one run. The backend model
// is stateless between calls, so the history slice is the session.
type chatSession struct {
	backend *backend

	mu      sync.Mutex
	history []llms.MessageContent
	closed  bool
}

// Send appends a human turn without calling the backend. Corpus loading
// is transmission, not conversation: the model sees everything at once
// when the completion phrase arrives.
func (s *chatSession) Send(ctx context.Context, msg gateway.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return faults.Gatewayf("session is closed")
	}
	s.history = append(s.history, s.backend.toMessageContent(msg))
	return nil
}

// SendAndReceive appends the final turn, calls the backend with the full
// accumulated history, and captures the reply.
func (s *chatSession) SendAndReceive(ctx context.Context, msg gateway.Message) (*gateway.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, faults.Gatewayf("session is closed")
	}
	s.history = append(s.history, s.backend.toMessageContent(msg))

	opts := []llms.CallOption{
		llms.WithTemperature(s.backend.cfg.Temperature),
	}
	if s.backend.cfg.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(s.backend.cfg.MaxTokens))
	}

	resp, err := s.backend.model.GenerateContent(ctx, s.history, opts...)
	if err != nil {
		return nil, faults.Gatewayf("%s/%s call failed: %v",
			s.backend.cfg.Provider, s.backend.cfg.Model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, faults.Gatewayf("%s/%s returned no choices",
			s.backend.cfg.Provider, s.backend.cfg.Model)
	}

	choice := resp.Choices[0]
	s.history = append(s.history, llms.TextParts(schema.ChatMessageTypeAI, choice.Content))

	return &gateway.Reply{
		Text:         choice.Content,
		InputTokens:  intFromInfo(choice.GenerationInfo, "PromptTokens", "InputTokens"),
		OutputTokens: intFromInfo(choice.GenerationInfo, "CompletionTokens", "OutputTokens"),
		Model:        s.backend.cfg.Model,
	}, nil
}

// Close destroys the session history. The handle is dead afterwards.
func (s *chatSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = nil
	s.closed = true
	return nil
}

// toMessageContent converts an engine message to a langchaingo human turn.
// Backends with native attachment support get binary parts; the rest get
// the file content inlined as labeled text.
func (b *backend) toMessageContent(msg gateway.Message) llms.MessageContent {
	parts := []llms.ContentPart{llms.TextPart(msg.Text)}

	for _, f := range msg.Files {
		if b.attachments {
			parts = append(parts, llms.BinaryPart(f.MIME, f.Content))
			continue
		}
		parts = append(parts, llms.TextPart(fmt.Sprintf(
			"\n--- FILE %03d: %s ---\n%s\n--- END FILE ---",
			f.CanonicalOrder, f.Filename, f.Content)))
	}

	return llms.MessageContent{
		Role:  schema.ChatMessageTypeHuman,
		Parts: parts,
	}
}

func intFromInfo(info map[string]any, keys ...string) int {
	for _, key := range keys {
		switch v := info[key].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}
