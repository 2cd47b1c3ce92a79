package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/notfolder/coding-agent/internal/logging"
)

const (
	defaultTimeout    = 3600 * time.Second
	defaultMaxRetries = 3

	// Upper bound on a response body; anything bigger is not a chat
	// completion.
	maxResponseBytes = 10 << 20
)

var (
	backoffBase = 2 * time.Second
	backoffMax  = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	Provider   string
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	Logger     logging.Logger
	RawLog     RawLogger
	HTTPClient *http.Client
}

// Client is the shared chat client. It retries transient failures with
// jittered exponential backoff and returns classified errors.
type Client struct {
	provider   Provider
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	maxRetries int
	logger     logging.Logger
	rawLog     RawLogger
}

func New(o Options) (*Client, error) {
	provider, err := providerFor(o.Provider)
	if err != nil {
		return nil, err
	}
	if o.BaseURL == "" {
		return nil, fmt.Errorf("llm base url is required")
	}
	if o.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}

	timeout := o.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := o.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	retries := o.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}

	return &Client{
		provider:   provider,
		baseURL:    o.BaseURL,
		apiKey:     o.APIKey,
		model:      o.Model,
		httpClient: httpClient,
		maxRetries: retries,
		logger:     logging.OrNop(o.Logger),
		rawLog:     o.RawLog,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// ProviderName returns the configured provider name.
func (c *Client) ProviderName() string { return c.provider.Name() }

// Chat sends the conversation and returns the parsed completion. Transient
// failures are retried up to the configured attempt count; fatal failures
// return immediately.
func (c *Client) Chat(ctx context.Context, messages []ChatMessage, fns []FunctionDef) (*Completion, error) {
	body, err := c.provider.BuildBody(Request{Model: c.model, Messages: messages, Functions: fns})
	if err != nil {
		return nil, NewFatalError("build request: %v", err)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, NewFatalError("marshal request: %v", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		comp, err := c.doRequest(ctx, payload)
		if err == nil {
			return &comp, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
		if attempt == c.maxRetries {
			break
		}
		delay := backoff(attempt)
		c.logger.Warn("llm request attempt %d/%d failed: %v (retrying in %s)",
			attempt, c.maxRetries, err, delay.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("llm request aborted: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("llm request failed after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Client) doRequest(ctx context.Context, payload []byte) (Completion, error) {
	url := c.provider.BuildURL(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Completion{}, NewFatalError("build http request: %v", err)
	}
	c.provider.SetHeaders(req, c.apiKey)

	if c.rawLog != nil {
		c.rawLog.LogRequest(c.provider.Name(), c.model, payload)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Completion{}, fmt.Errorf("llm request aborted: %w", ctx.Err())
		}
		return Completion{}, NewTransientError("llm request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Completion{}, NewTransientError("read llm response: %v", err)
	}

	if c.rawLog != nil {
		c.rawLog.LogResponse(c.provider.Name(), c.model, resp.StatusCode, body)
	}

	if resp.StatusCode != http.StatusOK {
		return Completion{}, classifyHTTPError(resp.StatusCode, body)
	}

	comp, err := c.provider.ParseResponse(body)
	if err != nil {
		return Completion{}, NewFatalError("%v", err)
	}
	comp.Raw = body
	return comp, nil
}

// classifyHTTPError maps a non-200 status to the retry taxonomy. Overload
// and gateway statuses are transient; auth and request shape problems are
// fatal, as is anything unrecognized.
func classifyHTTPError(status int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return NewTransientError("llm endpoint returned %d: %s", status, snippet)
	default:
		return NewFatalError("llm endpoint returned %d: %s", status, snippet)
	}
}

func backoff(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	if d > backoffMax {
		d = backoffMax
	}
	// ±25% jitter spreads retries from concurrent workers.
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}
