package llm

import (
	"fmt"
	"net/http"
)

// Provider adapts one endpoint family to the shared client: it shapes the
// request body, signs the request, and parses the response.
type Provider interface {
	Name() string
	BuildURL(baseURL string) string
	SetHeaders(req *http.Request, apiKey string)
	BuildBody(r Request) (any, error)
	ParseResponse(body []byte) (Completion, error)
}

// Supported provider names.
const (
	ProviderOpenAI   = "openai"
	ProviderOllama   = "ollama"
	ProviderLMStudio = "lmstudio"
)

func providerFor(name string) (Provider, error) {
	switch name {
	case ProviderOpenAI:
		return &openAIProvider{name: ProviderOpenAI}, nil
	case ProviderLMStudio:
		// LM Studio speaks the OpenAI chat completions dialect.
		return &openAIProvider{name: ProviderLMStudio}, nil
	case ProviderOllama:
		return &ollamaProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
}
