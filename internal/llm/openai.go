package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// openAIProvider covers the OpenAI chat completions dialect, which both the
// openai and lmstudio endpoints speak.
type openAIProvider struct {
	name string
}

func (p *openAIProvider) Name() string { return p.name }

func (p *openAIProvider) BuildURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + "/chat/completions"
}

func (p *openAIProvider) SetHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

type openAITool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

type openAIRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Tools    []openAITool  `json:"tools,omitempty"`
}

func (p *openAIProvider) BuildBody(r Request) (any, error) {
	body := openAIRequest{Model: r.Model, Messages: r.Messages}
	for _, fn := range r.Functions {
		body.Tools = append(body.Tools, openAITool{Type: "function", Function: fn})
	}
	return body, nil
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
			FunctionCall *struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function_call"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *openAIProvider) ParseResponse(body []byte) (Completion, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Completion{}, fmt.Errorf("decode %s response: %w", p.name, err)
	}
	if resp.Error != nil {
		return Completion{}, fmt.Errorf("%s error: %s", p.name, resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("%s response has no choices", p.name)
	}

	choice := resp.Choices[0]
	out := Completion{
		Content: choice.Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(choice.Message.ToolCalls) > 0 {
		fc := choice.Message.ToolCalls[0].Function
		out.FunctionCall = &FunctionCall{Name: fc.Name, Arguments: fc.Arguments}
	} else if choice.Message.FunctionCall != nil {
		// Legacy single-function field, still emitted by some local servers.
		out.FunctionCall = &FunctionCall{
			Name:      choice.Message.FunctionCall.Name,
			Arguments: choice.Message.FunctionCall.Arguments,
		}
	}
	return out, nil
}
