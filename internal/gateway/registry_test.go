package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/verifyd/internal/faults"
)

type stubGateway struct {
	cfg Config
}

func (s *stubGateway) OpenSession(context.Context) (Session, error) { return nil, nil }
func (s *stubGateway) MaxContextTokens() int                        { return 1024 }
func (s *stubGateway) SupportsAttachments() bool                    { return false }

func TestRegistryCreate(t *testing.T) {
	reg := NewRegistry(map[string]Factory{
		"stub": func(cfg Config) (Gateway, error) {
			return &stubGateway{cfg: cfg}, nil
		},
	})

	gw, err := reg.Create(Config{Provider: "stub", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "m", gw.(*stubGateway).cfg.Model)
}

func TestRegistryUnknownProvider(t *testing.T) {
	reg := NewRegistry(map[string]Factory{
		"anthropic": func(Config) (Gateway, error) { return nil, nil },
		"openai":    func(Config) (Gateway, error) { return nil, nil },
	})

	_, err := reg.Create(Config{Provider: "google"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrValidation))
	assert.Contains(t, err.Error(), "anthropic, openai")
}

func TestRegistryProvidersSorted(t *testing.T) {
	reg := NewRegistry(map[string]Factory{
		"ollama":    nil,
		"anthropic": nil,
		"openai":    nil,
	})
	assert.Equal(t, []string{"anthropic", "ollama", "openai"}, reg.Providers())
}

func TestContextWindow(t *testing.T) {
	assert.Equal(t, 200*1024, ContextWindow("anthropic", "claude-sonnet-4-5-20250929"))
	assert.Equal(t, 2000*1024, ContextWindow("xai", "grok-4-fast"))

	// Unknown provider or model falls back to the conservative default.
	assert.Equal(t, defaultContextTokens, ContextWindow("ollama", "llama3.3"))
	assert.Equal(t, defaultContextTokens, ContextWindow("openai", "gpt-unreleased"))
}
