package tools

import (
	"strings"

	"github.com/nextlevelbuilder/agentd/internal/providers"
)

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`            // content sent to the LLM
	ForUser string `json:"for_user,omitempty"`  // content shown to the user
	Silent  bool   `json:"silent"`              // suppress user message
	IsError bool   `json:"is_error"`            // marks error
	Async   bool   `json:"async"`               // running asynchronously
	Err     error  `json:"-"`                   // internal error (not serialized)

	// Usage holds token usage from tools that make internal LLM calls (e.g. read_image).
	// When set, the agent loop records these on the tool span for tracing.
	Usage    *providers.Usage `json:"-"`
	Provider string           `json:"-"` // provider name (for tool span metadata)
	Model    string           `json:"-"` // model used (for tool span metadata)
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

// ErrorResult marks the result as an error and ensures ForLLM begins with
// the literal "Error:" marker the registry's retry/backoff classification
// keys off of. A message already starting with "Error:" or "Warning:" is
// passed through unchanged (a "Warning:" is a deliberate softer marker —
// see isRetryable in registry.go and isStreakError in
// internal/agent/toolloop.go).
func ErrorResult(message string) *Result {
	if !strings.HasPrefix(message, "Error:") && !strings.HasPrefix(message, "Warning:") {
		message = "Error: " + message
	}
	return &Result{ForLLM: message, IsError: true}
}

func UserResult(content string) *Result {
	return &Result{ForLLM: content, ForUser: content}
}

func AsyncResult(message string) *Result {
	return &Result{ForLLM: message, Async: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
