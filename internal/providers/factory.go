package providers

import "strings"

// ProviderCreds is the minimal credential shape a Build call needs; kept
// local to providers (rather than importing internal/config) so this
// package has no dependency on the config tree's shape.
type ProviderCreds struct {
	Name    string
	APIKey  string
	APIBase string
	Model   string
}

// Build constructs a Provider for the given credential set. Recognizes
// "anthropic" and "dashscope" by name; everything else (openai, groq,
// openrouter, deepseek, vllm, ...) is treated as an OpenAI-compatible
// backend distinguished only by base URL.
func Build(creds ProviderCreds) Provider {
	switch strings.ToLower(creds.Name) {
	case "anthropic":
		var opts []AnthropicOption
		if creds.Model != "" {
			opts = append(opts, WithAnthropicModel(creds.Model))
		}
		if creds.APIBase != "" {
			opts = append(opts, WithAnthropicBaseURL(creds.APIBase))
		}
		return NewAnthropicProvider(creds.APIKey, opts...)
	case "dashscope":
		return NewDashScopeProvider(creds.APIKey, creds.APIBase, creds.Model)
	default:
		return NewOpenAIProvider(creds.Name, creds.APIKey, creds.APIBase, creds.Model)
	}
}
