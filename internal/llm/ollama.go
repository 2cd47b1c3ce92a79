package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ollamaProvider speaks the native Ollama /api/chat protocol.
type ollamaProvider struct{}

func (p *ollamaProvider) Name() string { return ProviderOllama }

func (p *ollamaProvider) BuildURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + "/api/chat"
}

func (p *ollamaProvider) SetHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Tools    []openAITool  `json:"tools,omitempty"`
}

func (p *ollamaProvider) BuildBody(r Request) (any, error) {
	body := ollamaRequest{Model: r.Model, Messages: r.Messages}
	for _, fn := range r.Functions {
		body.Tools = append(body.Tools, openAITool{Type: "function", Function: fn})
	}
	return body, nil
}

type ollamaResponse struct {
	Message struct {
		Content   string `json:"content"`
		ToolCalls []struct {
			Function struct {
				Name string `json:"name"`
				// Ollama returns arguments as an object, not a string.
				Arguments json.RawMessage `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"message"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

func (p *ollamaProvider) ParseResponse(body []byte) (Completion, error) {
	var resp ollamaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Completion{}, fmt.Errorf("decode ollama response: %w", err)
	}
	if resp.Error != "" {
		return Completion{}, fmt.Errorf("ollama error: %s", resp.Error)
	}

	out := Completion{
		Content: resp.Message.Content,
		Usage: Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
		},
	}
	if len(resp.Message.ToolCalls) > 0 {
		fc := resp.Message.ToolCalls[0].Function
		out.FunctionCall = &FunctionCall{Name: fc.Name, Arguments: string(fc.Arguments)}
	}
	return out, nil
}
