package providers

// Option keys recognized in ChatRequest.Options. Providers translate the
// generic keys into their own wire shape and silently ignore ones they don't
// support.
const (
	OptMaxTokens     = "max_tokens"
	OptTemperature   = "temperature"
	OptThinkingLevel = "thinking_level" // "off" | "low" | "medium" | "high"

	// OptReasoningEffort is the OpenAI o-series wire key thinking_level maps to.
	OptReasoningEffort = "reasoning_effort"

	// OptEnableThinking / OptThinkingBudget are DashScope's native passthrough
	// keys; set directly by DashScopeProvider.ChatStream rather than by callers.
	OptEnableThinking = "enable_thinking"
	OptThinkingBudget = "thinking_budget"
)
