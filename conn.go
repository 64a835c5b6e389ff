package toolhost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnState describes where a connection is in its lifecycle.
type ConnState string

// Connection lifecycle states. A connection starts disconnected, moves
// through connecting, and lands on connected or error. Both an explicit
// Disconnect and an unexpected process exit return it to disconnected; a new
// Connect is permitted from error and restarts the whole sequence.
const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateError        ConnState = "error"
)

var defaultRequestTimeout = 30 * time.Second

// conn owns one registered tool server: its lifecycle state, at most one live
// session, the pending-request table, and the capability snapshot fetched
// during the handshake. All fields behind mu describe lifecycle and snapshot;
// the pending table has its own lock so response routing never contends with
// state reads.
type conn struct {
	id      string
	cfg     ServerConfig
	logger  *slog.Logger
	timeout time.Duration

	mu        sync.Mutex
	state     ConnState
	lastErr   string
	sess      Session
	tools     []Tool
	resources []Resource
	prompts   []Prompt

	pendingMu sync.Mutex
	pending   map[string]chan JSONRPCMessage
}

func newConn(id string, cfg ServerConfig, timeout time.Duration, logger *slog.Logger) *conn {
	return &conn{
		id:      id,
		cfg:     cfg,
		logger:  logger.With("server", cfg.Name),
		timeout: timeout,
		state:   StateDisconnected,
		pending: make(map[string]chan JSONRPCMessage),
	}
}

func (c *conn) connect(ctx context.Context, dial Dialer, info Info) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return fmt.Errorf("connect already in progress for %s", c.cfg.Name)
	case StateDisconnected, StateError:
	}
	c.state = StateConnecting
	c.lastErr = ""
	c.mu.Unlock()

	sess, err := dial(ctx, c.cfg)
	if err != nil {
		err = fmt.Errorf("failed to start session: %w", err)
		c.setError(err)
		return err
	}

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	go c.readPump(sess)

	tools, resources, prompts, err := c.handshake(ctx, sess, info)
	if err != nil {
		c.mu.Lock()
		c.sess = nil
		c.mu.Unlock()
		sess.Stop()
		c.failPending()
		c.setError(err)
		return err
	}

	c.mu.Lock()
	if c.sess != sess {
		// The stream ended after the handshake but before commit; the read
		// pump has already torn the session down.
		c.mu.Unlock()
		err := fmt.Errorf("%s: %w", c.cfg.Name, ErrConnectionClosed)
		c.setError(err)
		return err
	}
	c.state = StateConnected
	c.tools = tools
	c.resources = resources
	c.prompts = prompts
	c.mu.Unlock()

	return nil
}

// disconnect terminates the session if one is live and rejects every pending
// request. It always leaves the connection in the disconnected state,
// whatever state it was in before.
func (c *conn) disconnect() {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.state = StateDisconnected
	c.lastErr = ""
	c.tools = nil
	c.resources = nil
	c.prompts = nil
	c.mu.Unlock()

	if sess != nil {
		sess.Stop()
	}
	c.failPending()
}

// call issues a request on the connection and waits for the correlated
// response. The connection must already be connected; there is no implicit
// connect-on-demand.
func (c *conn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", c.cfg.Name, ErrNotConnected)
	}
	sess := c.sess
	c.mu.Unlock()

	res, err := c.sendRequest(ctx, sess, method, params)
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, fmt.Errorf("result error: %w", res.Error)
	}
	return res.Result, nil
}

// sendRequest assigns a correlation id, registers the pending entry before
// writing, and suspends the caller until exactly one of response, timeout, or
// connection teardown resolves it.
func (c *conn) sendRequest(ctx context.Context, sess Session, method string, params any) (JSONRPCMessage, error) {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
	}

	msgID := uuid.New().String()
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(msgID),
		Method:  method,
		Params:  paramsBs,
	}

	// Register before writing so a response racing the write always finds
	// its entry. The channel is buffered so the resolver never blocks.
	resChan := make(chan JSONRPCMessage, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = resChan
	c.pendingMu.Unlock()

	if err := sess.Send(ctx, msg); err != nil {
		c.removePending(msgID)
		return JSONRPCMessage{}, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.removePending(msgID)
		return JSONRPCMessage{}, ctx.Err()
	case <-timer.C:
		c.removePending(msgID)
		return JSONRPCMessage{}, fmt.Errorf("%s: %w", method, ErrRequestTimeout)
	case res, ok := <-resChan:
		if !ok {
			return JSONRPCMessage{}, ErrConnectionClosed
		}
		return res, nil
	}
}

func (c *conn) sendNotification(ctx context.Context, sess Session, method string, params any) error {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	return sess.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	})
}

// handshake runs the capability negotiation sequence: initialize, the
// initialized notification, then the three capability lists fetched
// concurrently. Initialize failures abort the connect; a failed or
// unsupported list call degrades to an empty list, since not every tool
// server implements every capability.
func (c *conn) handshake(
	ctx context.Context,
	sess Session,
	info Info,
) (tools []Tool, resources []Resource, prompts []Prompt, err error) {
	res, err := c.sendRequest(ctx, sess, methodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities: ClientCapabilities{
			Tools:     &ToolsCapability{},
			Resources: &ResourcesCapability{},
			Prompts:   &PromptsCapability{},
		},
		ClientInfo: info,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initialize: %w", err)
	}
	if res.Error != nil {
		return nil, nil, nil, fmt.Errorf("initialize: %w", res.Error)
	}

	var initRes initializeResult
	if err := json.Unmarshal(res.Result, &initRes); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	if initRes.ProtocolVersion != protocolVersion {
		c.logger.Warn("protocol version mismatch",
			"ours", protocolVersion, "theirs", initRes.ProtocolVersion)
	}

	if err := c.sendNotification(ctx, sess, methodNotificationsInitialized, struct{}{}); err != nil {
		return nil, nil, nil, fmt.Errorf("initialized notification: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		tools = listCapability[listToolsResult](ctx, c, sess, MethodToolsList).Tools
	}()
	go func() {
		defer wg.Done()
		resources = listCapability[listResourcesResult](ctx, c, sess, MethodResourcesList).Resources
	}()
	go func() {
		defer wg.Done()
		prompts = listCapability[listPromptsResult](ctx, c, sess, MethodPromptsList).Prompts
	}()
	wg.Wait()

	return tools, resources, prompts, nil
}

// listCapability fetches one capability list, absorbing any failure into the
// zero result.
func listCapability[T any](ctx context.Context, c *conn, sess Session, method string) T {
	var result T

	res, err := c.sendRequest(ctx, sess, method, struct{}{})
	if err != nil {
		c.logger.Warn("capability list unavailable", "method", method, "err", err)
		return result
	}
	if res.Error != nil {
		c.logger.Warn("capability list unavailable", "method", method, "err", res.Error)
		return result
	}
	if err := json.Unmarshal(res.Result, &result); err != nil {
		c.logger.Warn("failed to unmarshal capability list", "method", method, "err", err)
	}
	return result
}

// readPump routes every inbound message for the lifetime of one session.
// Responses go to the pending table; anything else is server-initiated and,
// with no caller awaiting it, is logged and dropped. When the stream ends the
// pump performs teardown, so a subprocess dying underneath us rejects all
// in-flight calls instead of leaving them to their individual timeouts.
func (c *conn) readPump(sess Session) {
	for msg := range sess.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			c.logger.Warn("invalid jsonrpc version", "version", msg.JSONRPC)
			continue
		}
		if msg.isResponse() {
			c.resolve(msg)
			continue
		}
		c.logger.Debug("dropping server-initiated message", "method", msg.Method)
	}

	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
		if c.state == StateConnected {
			c.state = StateDisconnected
			c.tools = nil
			c.resources = nil
			c.prompts = nil
		}
	}
	c.mu.Unlock()

	c.failPending()

	// Stop is idempotent; this reaps the session's writer when the stream
	// ended on its own rather than through disconnect.
	sess.Stop()
}

// resolve delivers a response to the single pending entry matching its id.
// The delete-before-send under the lock guarantees at-most-once resolution;
// unmatched ids are late arrivals whose caller already timed out.
func (c *conn) resolve(msg JSONRPCMessage) {
	c.pendingMu.Lock()
	resChan, ok := c.pending[string(msg.ID)]
	if ok {
		delete(c.pending, string(msg.ID))
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("dropping unrouted response", "id", string(msg.ID))
		return
	}
	resChan <- msg
}

func (c *conn) removePending(msgID string) {
	c.pendingMu.Lock()
	delete(c.pending, msgID)
	c.pendingMu.Unlock()
}

// failPending rejects every outstanding request with a connection-closed
// error by closing its channel.
func (c *conn) failPending() {
	c.pendingMu.Lock()
	for id, resChan := range c.pending {
		delete(c.pending, id)
		close(resChan)
	}
	c.pendingMu.Unlock()
}

func (c *conn) setError(err error) {
	c.mu.Lock()
	c.state = StateError
	c.lastErr = err.Error()
	c.mu.Unlock()
}

func (c *conn) info() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ServerInfo{
		ID:          c.id,
		Name:        c.cfg.Name,
		Description: c.cfg.Description,
		State:       c.state,
		LastError:   c.lastErr,
		Tools:       append([]Tool(nil), c.tools...),
		Resources:   append([]Resource(nil), c.resources...),
		Prompts:     append([]Prompt(nil), c.prompts...),
	}
}
