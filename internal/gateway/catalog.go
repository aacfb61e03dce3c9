package gateway

// Advertised context windows per provider/model. The loading-strategy
// decision only needs an order-of-magnitude figure, so unknown models get
// a conservative default rather than an error.
const defaultContextTokens = 128 * 1024

var contextWindows = map[string]map[string]int{
	"anthropic": {
		"claude-opus-4-1-20250805":   200 * 1024,
		"claude-opus-4-20250514":     200 * 1024,
		"claude-sonnet-4-5-20250929": 200 * 1024,
		"claude-haiku-4-5-20251001":  200 * 1024,
	},
	"openai": {
		"gpt-5":      128 * 1024,
		"gpt-5-mini": 128 * 1024,
		"o3":         200 * 1024,
		"o4-mini":    200 * 1024,
		"gpt-4.1":    128 * 1024,
		"gpt-4o":     128 * 1024,
	},
	"xai": {
		"grok-4":           256 * 1024,
		"grok-4-fast":      2000 * 1024,
		"grok-3":           131 * 1024,
		"grok-3-mini":      131 * 1024,
		"grok-code-fast-1": 2000 * 1024,
	},
	"deepseek": {
		"deepseek-reasoner": 128 * 1024,
		"deepseek-chat":     128 * 1024,
		"deepseek-r1-0528":  128 * 1024,
		"deepseek-v3.1":     128 * 1024,
	},
	"perplexity": {
		"sonar-pro":       200 * 1024,
		"sonar":           128 * 1024,
		"sonar-reasoning": 128 * 1024,
	},
	// Local Ollama models vary too much to catalog; the default applies.
}

// ContextWindow returns the advertised context window for a provider and
// model, falling back to a conservative default for unknown models.
func ContextWindow(provider, model string) int {
	if models, ok := contextWindows[provider]; ok {
		if window, ok := models[model]; ok {
			return window
		}
	}
	return defaultContextTokens
}
