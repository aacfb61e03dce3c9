package llm

import (
	"os"

	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/verifyd/internal/faults"
	"github.com/fyrsmithlabs/verifyd/internal/gateway"
)

// Default credential environment variables per provider, used when the
// interpreter config does not name one.
var defaultCredentialEnv = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
	"xai":        "XAI_API_KEY",
	"perplexity": "PERPLEXITY_API_KEY",
}

// Default endpoints for the OpenAI-compatible providers.
var compatibleBaseURLs = map[string]string{
	"deepseek":   "https://api.deepseek.com/v1",
	"xai":        "https://api.x.ai/v1",
	"perplexity": "https://api.perplexity.ai",
}

// Factories returns the provider factory map wired into the registry at
// startup.
func Factories() map[string]gateway.Factory {
	return map[string]gateway.Factory{
		"anthropic":  NewAnthropic,
		"openai":     NewOpenAI,
		"deepseek":   NewOpenAI,
		"xai":        NewOpenAI,
		"perplexity": NewOpenAI,
		"ollama":     NewOllama,
	}
}

// NewAnthropic creates a gateway backed by the Anthropic messages API.
func NewAnthropic(cfg gateway.Config) (gateway.Gateway, error) {
	token, err := resolveCredential(cfg)
	if err != nil {
		return nil, err
	}

	model, err := anthropic.New(
		anthropic.WithToken(token),
		anthropic.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, faults.Gatewayf("failed to create anthropic client: %v", err)
	}

	return &backend{
		cfg:         cfg,
		model:       model,
		window:      gateway.ContextWindow(cfg.Provider, cfg.Model),
		attachments: true,
	}, nil
}

// NewOpenAI creates a gateway for OpenAI or any OpenAI-compatible backend
// (DeepSeek, xAI, Perplexity) selected by the config's provider and base
// URL.
func NewOpenAI(cfg gateway.Config) (gateway.Gateway, error) {
	token, err := resolveCredential(cfg)
	if err != nil {
		return nil, err
	}

	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(cfg.Model),
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = compatibleBaseURLs[cfg.Provider]
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, faults.Gatewayf("failed to create %s client: %v", cfg.Provider, err)
	}

	return &backend{
		cfg:    cfg,
		model:  model,
		window: gateway.ContextWindow(cfg.Provider, cfg.Model),
		// Compatible backends diverge on attachment handling; inline text
		// is the one transport they all accept.
		attachments: cfg.Provider == "openai",
	}, nil
}

// NewOllama creates a gateway for a local Ollama server. No credential is
// required; the base URL defaults to the Ollama client's own default.
func NewOllama(cfg gateway.Config) (gateway.Gateway, error) {
	opts := []ollama.Option{
		ollama.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}

	model, err := ollama.New(opts...)
	if err != nil {
		return nil, faults.Gatewayf("failed to create ollama client: %v", err)
	}

	return &backend{
		cfg:         cfg,
		model:       model,
		window:      gateway.ContextWindow(cfg.Provider, cfg.Model),
		attachments: false,
	}, nil
}

func resolveCredential(cfg gateway.Config) (string, error) {
	envName := cfg.CredentialEnv
	if envName == "" {
		envName = defaultCredentialEnv[cfg.Provider]
	}
	if envName == "" {
		return "", faults.Validationf("no credential env configured for provider %s", cfg.Provider)
	}

	token := os.Getenv(envName)
	if token == "" {
		return "", faults.Validationf("credential env %s is not set", envName)
	}
	return token, nil
}
