package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	depmcp "github.com/varekai/depmcp"
)

// ErrNotConnected is returned for calls that require a completed handshake.
var ErrNotConnected = errors.New("client is not connected")

// ConnState is the client's connection lifecycle state. There is no error
// state: any failure drops the client back to Disconnected, and only an
// explicit Connect drives it forward again.
type ConnState int32

const (
	Disconnected ConnState = iota
	Handshaking
	Ready
)

// String returns the string representation of the connection state.
func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// Client is the protocol client role: it performs the initialize handshake
// against a subprocess and issues tools/call and tools/list requests.
//
// Correlation is by id, not by arrival order: every request registers a slot
// in a pending map and a dedicated receive loop dispatches each response to
// its waiter, so concurrent callers can pipeline requests safely over the
// single ordered pipe pair.
type Client struct {
	transport Transport
	info      ClientInfo
	logger    *slog.Logger
	sessionID string

	nextID  atomic.Int64
	state   atomic.Int32
	pending map[int64]chan Message

	mu       sync.Mutex
	readErr  error
	readDone chan struct{}
	closed   bool

	serverInfo *ServerInfo
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientInfo sets the identity sent during the handshake.
func WithClientInfo(info ClientInfo) ClientOption {
	return func(c *Client) { c.info = info }
}

// WithClientLogger sets the client's logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client over the given transport and starts its receive
// loop. The client is Disconnected until Connect completes the handshake.
func NewClient(transport Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport: transport,
		info:      ClientInfo{Name: "depmcp", Version: depmcp.Version},
		logger:    slog.Default(),
		sessionID: uuid.New().String(),
		pending:   make(map[int64]chan Message),
		readDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.receiveLoop()
	return c
}

// SessionID returns the identifier for this client instance. Request ids
// are unique within one session and are never reused across reconnects of
// the same instance.
func (c *Client) SessionID() string {
	return c.sessionID
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

// Connected reports whether the handshake has completed and the transport
// is still alive.
func (c *Client) Connected() bool {
	return c.State() == Ready
}

// ServerInfo returns the identity the server reported during the handshake,
// or nil before Connect.
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Connect performs the initialize/initialized handshake. On any failure the
// client is left Disconnected and the error is returned; nothing retries
// internally.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(Disconnected), int32(Handshaking)) {
		if c.State() == Ready {
			return nil
		}
		return fmt.Errorf("connect already in progress")
	}

	if err := c.handshake(ctx); err != nil {
		c.state.Store(int32(Disconnected))
		return err
	}

	c.state.Store(int32(Ready))
	c.logger.Debug("mcp client ready",
		slog.String("session", c.sessionID),
		slog.String("server", c.serverInfoName()))
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ClientCapabilities{Tools: &struct{}{}},
		ClientInfo:      c.info,
	}

	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshaling init params: %w", err)
	}

	resp, err := c.call(ctx, MethodInitialize, data)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return depmcp.NewProtocolError("parsing initialize result", err)
	}
	if result.ProtocolVersion == "" {
		return depmcp.NewProtocolError("initialize result missing protocolVersion", nil)
	}

	c.mu.Lock()
	c.serverInfo = &result.ServerInfo
	c.mu.Unlock()

	// No response is expected for the initialized notification.
	return c.notify(MethodInitialized, nil)
}

// ListTools asks the subprocess for its tool descriptors.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	if !c.Connected() {
		return nil, ErrNotConnected
	}

	resp, err := c.call(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}

	var result ListToolsResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, depmcp.NewProtocolError("parsing tools/list result", err)
	}
	return result.Tools, nil
}

// CallTool invokes a remote tool. An error envelope comes back as a
// *depmcp.ToolError; a structurally invalid result comes back as a
// *depmcp.ProtocolError. A result with IsError set is returned as data,
// not as an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	if !c.Connected() {
		return nil, ErrNotConnected
	}

	params := CallToolParams{Name: name, Arguments: args}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling call params: %w", err)
	}

	resp, err := c.call(ctx, MethodToolsCall, data)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil, &depmcp.ToolError{Tool: name, Code: rpcErr.Code, Message: rpcErr.Message}
		}
		return nil, err
	}

	var result CallToolResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, depmcp.NewProtocolError("parsing tools/call result", err)
	}
	return &result, nil
}

// Ping checks that the subprocess is responsive.
func (c *Client) Ping(ctx context.Context) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	_, err := c.call(ctx, MethodPing, nil)
	return err
}

// Disconnect closes the pipes and terminates the subprocess if it is still
// alive. It is idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.failPendingLocked()
	c.mu.Unlock()

	c.state.Store(int32(Disconnected))
	return c.transport.Close()
}

// call sends one request and waits for its correlated response.
func (c *Client) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	msg := Message{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  method,
		Params:  params,
	}

	ch := make(chan Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, depmcp.ErrConnectionClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.transport.Send(msg); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, c.readError()
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		if resp.Result == nil {
			return nil, depmcp.NewProtocolError(fmt.Sprintf("response %d carries neither result nor error", id), nil)
		}
		return resp.Result, nil
	case <-c.readDone:
		return nil, c.readError()
	}
}

func (c *Client) notify(method string, params json.RawMessage) error {
	return c.transport.Send(Message{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
}

// receiveLoop dispatches each incoming response to the waiter registered
// under its id. It exits when the transport reports end of stream, failing
// every outstanding request so no caller hangs.
func (c *Client) receiveLoop() {
	defer close(c.readDone)

	for {
		msg, err := c.transport.Receive()
		if err != nil {
			var protoErr *depmcp.ProtocolError
			if errors.As(err, &protoErr) {
				// A malformed line is fatal to the connection but the
				// stream position is still consistent; report it.
				c.logger.Error("malformed message from server", slog.String("err", err.Error()))
			}
			c.mu.Lock()
			c.readErr = err
			c.failPendingLocked()
			c.mu.Unlock()
			c.state.Store(int32(Disconnected))
			return
		}

		switch {
		case msg.IsResponse():
			// Deliver while holding mu: failPendingLocked closes slots
			// under the same lock. Each slot buffers the one legitimate
			// response; anything beyond that is dropped, not blocked on.
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			delivered := false
			if ok {
				select {
				case ch <- msg:
					delivered = true
				default:
				}
			}
			c.mu.Unlock()
			if !ok {
				c.logger.Warn("response with no waiting request", slog.Int64("id", *msg.ID))
			} else if !delivered {
				c.logger.Warn("dropping duplicate response", slog.Int64("id", *msg.ID))
			}
		case msg.IsNotification():
			c.logger.Debug("server notification ignored", slog.String("method", msg.Method))
		default:
			c.logger.Warn("unexpected message from server", slog.String("method", msg.Method))
		}
	}
}

// failPendingLocked closes every pending slot; waiters translate the closed
// channel through readError.
func (c *Client) failPendingLocked() {
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) readError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return depmcp.ErrConnectionClosed
}

func (c *Client) serverInfoName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serverInfo == nil {
		return ""
	}
	return c.serverInfo.Name
}
