package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/notfolder/coding-agent/internal/async"
	"github.com/notfolder/coding-agent/internal/llm"
	"github.com/notfolder/coding-agent/internal/logging"
)

// ProtocolVersion is the MCP revision this client declares.
const ProtocolVersion = "2024-11-05"

const (
	defaultCallTimeout = 60 * time.Second
	stopTimeout        = 5 * time.Second
	maxResponseLine    = 4 << 20
)

// ClientInfo identifies this client during the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo is the server's self-description from the handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the payload of the initialize response.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

// ToolSchema is one tool advertised by tools/list.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// toolCallResult is the wire shape of a tools/call result.
type toolCallResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Result is the outcome of one tool invocation. Transport failures, schema
// violations, and server-reported errors all land here with Success=false;
// the subprocess is never restarted on the client's initiative.
type Result struct {
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Client drives one MCP server over stdio. Tool calls are strictly
// serialized; the protocol has no pipelining.
type Client struct {
	serverName  string
	process     *ProcessManager
	logger      logging.Logger
	callTimeout time.Duration

	nextID   atomic.Int64
	mu       sync.Mutex
	pending  map[int64]chan *Response
	readDone chan struct{}

	callMu sync.Mutex

	initialized bool
	serverInfo  ServerInfo
	tools       []ToolSchema
	validators  map[string]*jsonschema.Schema
}

// ClientOptions tunes a Client. Zero values fall back to defaults.
type ClientOptions struct {
	CallTimeout time.Duration
	Logger      logging.Logger
}

// NewClient wraps a process manager for the named server.
func NewClient(serverName string, process *ProcessManager, o ClientOptions) *Client {
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	return &Client{
		serverName:  serverName,
		process:     process,
		logger:      logging.OrNop(o.Logger),
		callTimeout: o.CallTimeout,
		pending:     make(map[int64]chan *Response),
		readDone:    make(chan struct{}),
		validators:  make(map[string]*jsonschema.Schema),
	}
}

// ServerName returns the configured server name.
func (c *Client) ServerName() string { return c.serverName }

// Start launches the server process and performs the initialize handshake.
func (c *Client) Start(ctx context.Context) error {
	c.logger.Info("starting MCP client for %s", c.serverName)

	if err := c.process.Start(ctx); err != nil {
		return fmt.Errorf("start server process: %w", err)
	}
	async.Go(c.logger, "mcp.readLoop", c.readLoop)

	if err := c.initialize(ctx); err != nil {
		_ = c.process.Stop(stopTimeout)
		return fmt.Errorf("initialize handshake with %s: %w", c.serverName, err)
	}
	return nil
}

// Stop shuts the server process down gracefully.
func (c *Client) Stop() error {
	c.logger.Info("stopping MCP client for %s", c.serverName)
	return c.process.Stop(stopTimeout)
}

// IsRunning reports whether the underlying server process is alive.
func (c *Client) IsRunning() bool { return c.process.IsRunning() }

func (c *Client) initialize(ctx context.Context) error {
	result, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      ClientInfo{Name: "coding-agent", Version: "1.0.0"},
	})
	if err != nil {
		return err
	}

	var init InitializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	if init.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("protocol version mismatch: client=%s server=%s", ProtocolVersion, init.ProtocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = init.ServerInfo
	c.initialized = true
	c.mu.Unlock()

	c.logger.Info("initialized with %s v%s", init.ServerInfo.Name, init.ServerInfo.Version)

	// No reply expected for the initialized notification.
	if err := c.notify("notifications/initialized", nil); err != nil {
		c.logger.Warn("send initialized notification: %v", err)
	}
	return nil
}

// ListTools fetches the tool catalog and caches it along with compiled
// argument validators.
func (c *Client) ListTools(ctx context.Context) ([]ToolSchema, error) {
	if !c.IsInitialized() {
		return nil, fmt.Errorf("client not initialized")
	}

	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list on %s: %w", c.serverName, err)
	}

	var listed struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := json.Unmarshal(result, &listed); err != nil {
		return nil, fmt.Errorf("parse tools list: %w", err)
	}

	validators := make(map[string]*jsonschema.Schema, len(listed.Tools))
	for _, tool := range listed.Tools {
		schema, err := compileInputSchema(tool.Name, tool.InputSchema)
		if err != nil {
			c.logger.Warn("tool %s: input schema does not compile, skipping validation: %v", tool.Name, err)
			continue
		}
		if schema != nil {
			validators[tool.Name] = schema
		}
	}

	c.mu.Lock()
	c.tools = listed.Tools
	c.validators = validators
	c.mu.Unlock()

	c.logger.Info("server %s advertises %d tools", c.serverName, len(listed.Tools))
	return listed.Tools, nil
}

func compileInputSchema(name string, raw map[string]any) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", raw); err != nil {
		return nil, err
	}
	return compiler.Compile(name + ".json")
}

// FunctionSchemas renders the cached catalog as function-calling definitions
// for the model. Call ListTools first; an empty cache yields nil.
func (c *Client) FunctionSchemas() []llm.FunctionDef {
	c.mu.Lock()
	defer c.mu.Unlock()

	fns := make([]llm.FunctionDef, 0, len(c.tools))
	for _, tool := range c.tools {
		fns = append(fns, llm.FunctionDef{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}
	return fns
}

// HasTool reports whether the cached catalog contains name.
func (c *Client) HasTool(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tool := range c.tools {
		if tool.Name == name {
			return true
		}
	}
	return false
}

// CallTool invokes one tool and folds every failure mode into the Result.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) Result {
	if !c.IsInitialized() {
		return Result{Success: false, Error: "client not initialized"}
	}

	c.mu.Lock()
	validator := c.validators[name]
	c.mu.Unlock()
	if validator != nil {
		if err := validator.Validate(normalizeInstance(arguments)); err != nil {
			return Result{Success: false, Error: fmt.Sprintf("invalid arguments for %s: %v", name, err)}
		}
	}

	result, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	var parsed toolCallResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("parse tool result: %v", err)}
	}

	text := joinTextBlocks(parsed.Content)
	if parsed.IsError {
		return Result{Success: false, Error: text}
	}
	return Result{Success: true, Content: text}
}

func joinTextBlocks(blocks []contentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// normalizeInstance round-trips arguments through JSON so the validator sees
// canonical JSON types regardless of how the caller built the map.
func normalizeInstance(arguments map[string]any) any {
	if arguments == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(arguments)
	if err != nil {
		return arguments
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return arguments
	}
	return instance
}

// call sends one request and waits for its matching response. Calls are
// serialized; responses for unknown ids are dropped by the read loop.
func (c *Client) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	id := c.nextID.Add(1)
	data, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	respChan := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respChan
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.logger.Debug("-> %s id=%d", method, id)
	if err := c.process.Write(data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.IsError() {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.readDone:
		return nil, fmt.Errorf("no response from %s", c.serverName)
	case <-ctx.Done():
		return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
	case <-time.After(c.callTimeout):
		return nil, fmt.Errorf("request timeout after %v", c.callTimeout)
	}
}

func (c *Client) notify(method string, params map[string]any) error {
	data, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return c.process.Write(append(data, '\n'))
}

// readLoop drains stdout, routing each response line to its caller. It exits
// when the process closes stdout; pending calls then fail fast.
func (c *Client) readLoop() {
	defer close(c.readDone)

	scanner := bufio.NewScanner(c.process.Stdout())
	scanner.Buffer(make([]byte, 64*1024), maxResponseLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp, err := UnmarshalResponse(line)
		if err != nil {
			c.logger.Warn("unparsable response line: %v", err)
			continue
		}
		id, ok := normalizeID(resp.ID)
		if !ok {
			c.logger.Warn("response with unusable id %v dropped", resp.ID)
			continue
		}

		c.mu.Lock()
		ch, found := c.pending[id]
		c.mu.Unlock()
		if !found {
			c.logger.Warn("response for unknown id %d dropped", id)
			continue
		}
		select {
		case ch <- resp:
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("read loop ended: %v", err)
	}
}

// IsInitialized reports whether the handshake has completed.
func (c *Client) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Info returns the server's self-description after the handshake.
func (c *Client) Info() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}
