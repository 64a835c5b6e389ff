package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TransportType identifies how a tool server is reached.
type TransportType string

const (
	// TransportStdio spawns the server as a subprocess and frames messages
	// over its stdin/stdout. This is the default.
	TransportStdio TransportType = "stdio"

	// TransportSSE reaches a server over HTTP Server-Sent Events.
	TransportSSE TransportType = "sse"
)

// ServerConfig describes one tool server: how to launch or reach it, and the
// environment it runs with. Command, Args, and Env values may contain ${VAR}
// placeholders resolved from the client's credential source before spawn.
type ServerConfig struct {
	// Name is the human-readable server name.
	Name string `yaml:"name" json:"name" toml:"name"`

	// Description optionally describes what the server provides.
	Description string `yaml:"description" json:"description" toml:"description"`

	// Command is the executable to spawn (stdio transport).
	Command string `yaml:"command" json:"command" toml:"command"`

	// Args are command-line arguments for the subprocess.
	Args []string `yaml:"args" json:"args" toml:"args"`

	// Env are environment variable overrides merged over the parent
	// process's environment at spawn time.
	Env map[string]string `yaml:"env" json:"env" toml:"env"`

	// Transport selects the communication protocol. Empty means stdio.
	Transport TransportType `yaml:"transport" json:"transport" toml:"transport"`

	// URL is the server address (sse transport only).
	URL string `yaml:"url" json:"url" toml:"url"`
}

// ServerInfo is a point-in-time view of a registered server: its identity,
// lifecycle state, last error if any, and the capability snapshot fetched
// during the most recent successful connect.
type ServerInfo struct {
	ID          string
	Name        string
	Description string
	State       ConnState
	LastError   string
	Tools       []Tool
	Resources   []Resource
	Prompts     []Prompt
}

// ServerTool pairs an advertised tool with the server that provides it.
type ServerTool struct {
	ServerID   string
	ServerName string
	Tool       Tool
}

// Option is a function that configures a Client.
type Option func(*Client)

// Client manages a registry of tool servers and multiplexes calls onto them.
// Each connected server runs as an independently-owned subprocess (or SSE
// stream) with its own message stream and pending-request table, so
// operations on one server never block on another.
//
// A Client must be created with NewClient. Servers are added with
// RegisterServer, brought up with Connect, and invoked through CallTool,
// ReadResource, and GetPrompt. Close tears down every live connection.
type Client struct {
	info    Info
	logger  *slog.Logger
	timeout time.Duration
	creds   CredentialSource
	dial    Dialer

	mu    sync.RWMutex
	conns map[string]*conn
	order []string
}

// WithLogger sets the logger used by the client and its connections.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRequestTimeout sets the per-request deadline applied to every call on
// every connection. The default is 30 seconds.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithCredentialSource sets the source used to resolve ${VAR} placeholders
// in launch specs. The default resolves from the process environment.
func WithCredentialSource(creds CredentialSource) Option {
	return func(c *Client) {
		c.creds = creds
	}
}

// WithDialer replaces the transport dialer. The default dialer spawns a
// subprocess for stdio configs and opens an SSE stream for sse configs;
// custom dialers are mainly useful for tests and in-process servers.
func WithDialer(dial Dialer) Option {
	return func(c *Client) {
		c.dial = dial
	}
}

// NewClient creates a client that identifies itself to tool servers with the
// given info during the initialize handshake.
func NewClient(info Info, options ...Option) *Client {
	c := &Client{
		info:  info,
		conns: make(map[string]*conn),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.timeout == 0 {
		c.timeout = defaultRequestTimeout
	}
	if c.creds == nil {
		c.creds = EnvCredentials{}
	}
	if c.dial == nil {
		c.dial = c.defaultDial
	}

	return c
}

func (c *Client) defaultDial(ctx context.Context, cfg ServerConfig) (Session, error) {
	switch cfg.Transport {
	case TransportSSE:
		return NewSSESession(ctx, cfg.URL, nil, c.logger)
	case TransportStdio, "":
		return spawnServer(cfg, c.creds, c.logger)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// RegisterServer adds a server to the registry and returns its connection id.
// Registration is pure bookkeeping: no process is spawned and no I/O happens
// until Connect.
func (c *Client) RegisterServer(cfg ServerConfig) (string, error) {
	if cfg.Name == "" {
		return "", errors.New("server name is required")
	}
	switch cfg.Transport {
	case TransportStdio, "":
		if cfg.Command == "" {
			return "", fmt.Errorf("server %s: command is required for stdio transport", cfg.Name)
		}
	case TransportSSE:
		if cfg.URL == "" {
			return "", fmt.Errorf("server %s: url is required for sse transport", cfg.Name)
		}
	default:
		return "", fmt.Errorf("server %s: unknown transport %q", cfg.Name, cfg.Transport)
	}

	id := uuid.New().String()

	c.mu.Lock()
	c.conns[id] = newConn(id, cfg, c.timeout, c.logger)
	c.order = append(c.order, id)
	c.mu.Unlock()

	return id, nil
}

// Connect spawns the server's subprocess (or opens its stream) and runs the
// capability negotiation handshake. It is a no-op if the server is already
// connected. On any failure the server is left in the error state with the
// failure recorded, and the error is returned.
func (c *Client) Connect(ctx context.Context, id string) error {
	cn, err := c.conn(id)
	if err != nil {
		return err
	}
	return cn.connect(ctx, c.dial, c.info)
}

// Disconnect terminates the server's subprocess if one is running, rejects
// every request still pending on the connection, and resets the server to
// the disconnected state. The registry entry remains and can be connected
// again.
func (c *Client) Disconnect(id string) error {
	cn, err := c.conn(id)
	if err != nil {
		return err
	}
	cn.disconnect()
	return nil
}

// CallTool invokes a named tool on a connected server. The args value is
// marshaled as the tool's argument object; it must satisfy the input schema
// the tool advertised. Fails with ErrNotConnected unless the server is
// connected.
func (c *Client) CallTool(ctx context.Context, id, name string, args any) (CallToolResult, error) {
	cn, err := c.conn(id)
	if err != nil {
		return CallToolResult{}, err
	}

	argsBs, err := marshalArgs(args)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("failed to marshal arguments: %w", err)
	}

	resBs, err := cn.call(ctx, MethodToolsCall, callToolParams{Name: name, Arguments: argsBs})
	if err != nil {
		return CallToolResult{}, err
	}

	var result CallToolResult
	if err := unmarshalResult(resBs, &result); err != nil {
		return CallToolResult{}, err
	}
	return result, nil
}

// ReadResource fetches the contents of a resource by URI from a connected
// server.
func (c *Client) ReadResource(ctx context.Context, id, uri string) (ReadResourceResult, error) {
	cn, err := c.conn(id)
	if err != nil {
		return ReadResourceResult{}, err
	}

	resBs, err := cn.call(ctx, MethodResourcesRead, readResourceParams{URI: uri})
	if err != nil {
		return ReadResourceResult{}, err
	}

	var result ReadResourceResult
	if err := unmarshalResult(resBs, &result); err != nil {
		return ReadResourceResult{}, err
	}
	return result, nil
}

// GetPrompt expands a named prompt with the given arguments on a connected
// server and returns the resulting messages.
func (c *Client) GetPrompt(ctx context.Context, id, name string, args map[string]string) (GetPromptResult, error) {
	cn, err := c.conn(id)
	if err != nil {
		return GetPromptResult{}, err
	}

	resBs, err := cn.call(ctx, MethodPromptsGet, getPromptParams{Name: name, Arguments: args})
	if err != nil {
		return GetPromptResult{}, err
	}

	var result GetPromptResult
	if err := unmarshalResult(resBs, &result); err != nil {
		return GetPromptResult{}, err
	}
	return result, nil
}

// ListServers returns a snapshot of every registered server in registration
// order. Pure registry read, no I/O.
func (c *Client) ListServers() []ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	infos := make([]ServerInfo, 0, len(c.order))
	for _, id := range c.order {
		infos = append(infos, c.conns[id].info())
	}
	return infos
}

// GetServer returns a snapshot of one registered server.
func (c *Client) GetServer(id string) (ServerInfo, error) {
	cn, err := c.conn(id)
	if err != nil {
		return ServerInfo{}, err
	}
	return cn.info(), nil
}

// AllTools returns the tools advertised by every connected server, each
// paired with its provider. Pure snapshot read, no I/O.
func (c *Client) AllTools() []ServerTool {
	var tools []ServerTool
	for _, info := range c.ListServers() {
		for _, tool := range info.Tools {
			tools = append(tools, ServerTool{
				ServerID:   info.ID,
				ServerName: info.Name,
				Tool:       tool,
			})
		}
	}
	return tools
}

// Close disconnects every registered server. The client can still be used
// afterwards; servers reconnect with Connect.
func (c *Client) Close() {
	for _, info := range c.ListServers() {
		if err := c.Disconnect(info.ID); err != nil {
			c.logger.Error("failed to disconnect server", "server", info.Name, "err", err)
		}
	}
}

func marshalArgs(args any) (json.RawMessage, error) {
	if args == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := args.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(args)
}

func unmarshalResult(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

func (c *Client) conn(id string) (*conn, error) {
	c.mu.RLock()
	cn, ok := c.conns[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrServerNotFound)
	}
	return cn, nil
}
