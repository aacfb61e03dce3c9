package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"github.com/fyrsmithlabs/verifyd/internal/faults"
	"github.com/fyrsmithlabs/verifyd/internal/gateway"
)

// fakeModel records the history it receives and returns a canned reply.
type fakeModel struct {
	received []llms.MessageContent
	reply    string
	info     map[string]any
	err      error
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.received = append([]llms.MessageContent(nil), messages...)
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{
			{Content: f.reply, GenerationInfo: f.info},
		},
	}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return f.reply, f.err
}

func newFakeBackend(model llms.Model, attachments bool) *backend {
	return &backend{
		cfg:         gateway.Config{Provider: "fake", Model: "fake-1", MaxTokens: 2048},
		model:       model,
		window:      100_000,
		attachments: attachments,
	}
}

func TestSessionAccumulatesHistory(t *testing.T) {
	fake := &fakeModel{reply: "## Rc Mode\nreport text"}
	b := newFakeBackend(fake, false)

	sess, err := b.OpenSession(context.Background())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sess.Send(ctx, gateway.Message{Text: "passport"}))
	require.NoError(t, sess.Send(ctx, gateway.Message{Text: "reference prompt"}))

	reply, err := sess.SendAndReceive(ctx, gateway.Message{Text: "completion phrase"})
	require.NoError(t, err)
	assert.Equal(t, "## Rc Mode\nreport text", reply.Text)

	// The backend saw the full accumulated history, in order.
	require.Len(t, fake.received, 3)
	assert.Equal(t, schema.ChatMessageTypeHuman, fake.received[0].Role)
	assert.Equal(t, schema.ChatMessageTypeHuman, fake.received[2].Role)
}

func TestSessionTokenCounts(t *testing.T) {
	fake := &fakeModel{
		reply: "ok",
		info:  map[string]any{"PromptTokens": 120, "CompletionTokens": 34},
	}
	b := newFakeBackend(fake, false)
	sess, _ := b.OpenSession(context.Background())

	reply, err := sess.SendAndReceive(context.Background(), gateway.Message{Text: "go"})
	require.NoError(t, err)
	assert.Equal(t, 120, reply.InputTokens)
	assert.Equal(t, 34, reply.OutputTokens)
}

func TestSessionBackendFailureIsGatewayError(t *testing.T) {
	fake := &fakeModel{err: errors.New("connection refused")}
	b := newFakeBackend(fake, false)
	sess, _ := b.OpenSession(context.Background())

	_, err := sess.SendAndReceive(context.Background(), gateway.Message{Text: "go"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrGateway))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestSessionClosedRejectsCalls(t *testing.T) {
	b := newFakeBackend(&fakeModel{reply: "ok"}, false)
	sess, _ := b.OpenSession(context.Background())

	require.NoError(t, sess.Close(context.Background()))

	err := sess.Send(context.Background(), gateway.Message{Text: "late"})
	assert.True(t, errors.Is(err, faults.ErrGateway))

	_, err = sess.SendAndReceive(context.Background(), gateway.Message{Text: "late"})
	assert.True(t, errors.Is(err, faults.ErrGateway))
}

func TestSessionsAreIsolated(t *testing.T) {
	fake := &fakeModel{reply: "ok"}
	b := newFakeBackend(fake, false)

	ctx := context.Background()
	first, _ := b.OpenSession(ctx)
	require.NoError(t, first.Send(ctx, gateway.Message{Text: "from first session"}))
	require.NoError(t, first.Close(ctx))

	second, _ := b.OpenSession(ctx)
	_, err := second.SendAndReceive(ctx, gateway.Message{Text: "only message"})
	require.NoError(t, err)

	// No carry-over from the first session.
	require.Len(t, fake.received, 1)
}

func TestAttachmentsInlinedWithoutNativeSupport(t *testing.T) {
	fake := &fakeModel{reply: "ok"}
	b := newFakeBackend(fake, false)
	sess, _ := b.OpenSession(context.Background())

	msg := gateway.Message{
		Text: "Corpus segment 1/1: spec.md",
		Files: []gateway.Attachment{
			{Filename: "spec.md", MIME: "text/markdown", Content: []byte("# Spec"), CanonicalOrder: 1},
		},
	}
	_, err := sess.SendAndReceive(context.Background(), msg)
	require.NoError(t, err)

	require.Len(t, fake.received, 1)
	require.Len(t, fake.received[0].Parts, 2)
	text, ok := fake.received[0].Parts[1].(llms.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "FILE 001: spec.md")
	assert.Contains(t, text.Text, "# Spec")
}

func TestAttachmentsBinaryWithNativeSupport(t *testing.T) {
	fake := &fakeModel{reply: "ok"}
	b := newFakeBackend(fake, true)
	sess, _ := b.OpenSession(context.Background())

	msg := gateway.Message{
		Text: "batch",
		Files: []gateway.Attachment{
			{Filename: "doc.pdf", MIME: "application/pdf", Content: []byte{0x25, 0x50}, CanonicalOrder: 1},
		},
	}
	_, err := sess.SendAndReceive(context.Background(), msg)
	require.NoError(t, err)

	require.Len(t, fake.received[0].Parts, 2)
	bin, ok := fake.received[0].Parts[1].(llms.BinaryContent)
	require.True(t, ok)
	assert.Equal(t, "application/pdf", bin.MIMEType)
}

func TestResolveCredential(t *testing.T) {
	t.Setenv("VERIFYD_TEST_KEY", "sk-test")

	token, err := resolveCredential(gateway.Config{Provider: "openai", CredentialEnv: "VERIFYD_TEST_KEY"})
	require.NoError(t, err)
	assert.Equal(t, "sk-test", token)

	_, err = resolveCredential(gateway.Config{Provider: "openai", CredentialEnv: "VERIFYD_UNSET_KEY"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrValidation))
}

func TestFactoriesCoverConfiguredProviders(t *testing.T) {
	factories := Factories()
	for _, provider := range []string{"anthropic", "openai", "deepseek", "xai", "perplexity", "ollama"} {
		assert.Contains(t, factories, provider)
	}
}
