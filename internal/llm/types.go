// Package llm provides one chat client over the supported providers
// (openai, ollama, lmstudio) with transient/fatal error classification,
// retry with jittered backoff, and helpers for digging structured decisions
// out of model output.
package llm

import "encoding/json"

// ChatMessage is one turn sent to the model.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FunctionDef describes one callable tool in the provider's function-calling
// format. Parameters is a JSON Schema object.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// FunctionCall is the model's request to invoke a tool. Arguments is the raw
// JSON text exactly as the provider returned it; repair and validation
// happen downstream.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage is the provider-reported token accounting. It is recorded in the
// raw LLM log for debugging but never used for context-budget decisions;
// the internal estimator is the only ledger.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Completion is the parsed model response.
type Completion struct {
	Content      string
	FunctionCall *FunctionCall
	Usage        Usage
	Raw          json.RawMessage
}

// Request is what a provider turns into its wire format.
type Request struct {
	Model     string
	Messages  []ChatMessage
	Functions []FunctionDef
}

// RawLogger receives every request/response body for the append-only LLM
// log. Implementations must tolerate concurrent calls.
type RawLogger interface {
	LogRequest(provider, model string, body []byte)
	LogResponse(provider, model string, status int, body []byte)
}
