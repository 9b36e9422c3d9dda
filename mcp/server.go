package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	depmcp "github.com/varekai/depmcp"
)

// Server is the protocol server role: it accepts initialize, tools/list,
// and tools/call requests from a host over one stream and dispatches calls
// to the tool registry.
//
// Request handling is stateless over a running/stopped flag. Protocol-level
// errors are reserved for malformed envelopes; tool failures, including an
// unknown tool name, travel back as isError content.
type Server struct {
	name     string
	version  string
	registry *Registry
	logger   *slog.Logger

	mu        sync.Mutex
	running   bool
	transport Transport
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server's logger. The server logs to stderr-side
// sinks only; stdout belongs to the protocol.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a server identified by name and version, dispatching to
// the given registry.
func NewServer(name, version string, registry *Registry, opts ...ServerOption) *Server {
	s := &Server{
		name:     name,
		version:  version,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Running reports whether a serve loop is active.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Serve reads requests from the transport until the stream ends, the
// context is cancelled, or Stop is called. A clean end of stream returns
// nil.
func (s *Server) Serve(ctx context.Context, transport Transport) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.transport = transport
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.transport = nil
		s.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() {
		transport.Close()
	})
	defer stop()

	for {
		msg, err := transport.Receive()
		if err != nil {
			if errors.Is(err, depmcp.ErrConnectionClosed) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}

			var protoErr *depmcp.ProtocolError
			if errors.As(err, &protoErr) {
				// The line was consumed; the stream is still framed.
				s.logger.Warn("dropping malformed request line", slog.String("err", err.Error()))
				s.sendError(transport, nil, CodeParseError, "parse error")
				continue
			}
			return err
		}

		s.dispatch(ctx, transport, msg)
	}
}

// Stop ends the serve loop by closing its transport. It is an idempotent
// no-op when the server is not running.
func (s *Server) Stop() {
	s.mu.Lock()
	transport := s.transport
	s.running = false
	s.mu.Unlock()

	if transport != nil {
		transport.Close()
	}
}

// Shutdown stops the server. It exists for symmetry with clients that
// expect a context-aware teardown; stdio teardown is immediate.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Stop()
	return ctx.Err()
}

func (s *Server) dispatch(ctx context.Context, transport Transport, msg Message) {
	switch {
	case msg.IsNotification():
		if msg.Method != MethodInitialized {
			s.logger.Debug("ignoring notification", slog.String("method", msg.Method))
		}
	case msg.IsRequest():
		s.handleRequest(ctx, transport, msg)
	default:
		// A response envelope arriving at the server role means the host
		// is confused; log it and move on.
		s.logger.Warn("ignoring unexpected envelope", slog.Any("id", msg.ID))
	}
}

func (s *Server) handleRequest(ctx context.Context, transport Transport, msg Message) {
	switch msg.Method {
	case MethodInitialize:
		s.sendResult(transport, msg.ID, s.handleInitialize())
	case MethodPing:
		s.sendResult(transport, msg.ID, struct{}{})
	case MethodToolsList:
		s.sendResult(transport, msg.ID, ListToolsResult{Tools: s.registry.All()})
	case MethodToolsCall:
		var params CallToolParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.sendError(transport, msg.ID, CodeInvalidParams, "invalid tools/call params")
			return
		}
		s.sendResult(transport, msg.ID, s.handleToolExecution(ctx, &params))
	default:
		s.sendError(transport, msg.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", msg.Method))
	}
}

// handleInitialize returns the fixed capability descriptor. It never fails.
func (s *Server) handleInitialize() InitializeResult {
	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ServerCapabilities{Tools: &struct{}{}},
		ServerInfo:      ServerInfo{Name: s.name, Version: s.version},
	}
}

// handleToolExecution delegates to the registry, which absorbs unknown
// names, handler errors, and panics into isError results.
func (s *Server) handleToolExecution(ctx context.Context, params *CallToolParams) *CallToolResult {
	result := s.registry.Execute(ctx, params.Name, params)
	if result.IsError {
		s.logger.Debug("tool call failed", slog.String("tool", params.Name))
	}
	return result
}

func (s *Server) sendResult(transport Transport, id *int64, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		s.sendError(transport, id, CodeInternalError, "marshaling result")
		return
	}

	if err := transport.Send(Message{JSONRPC: "2.0", ID: id, Result: data}); err != nil {
		s.logger.Error("sending response", slog.String("err", err.Error()))
	}
}

func (s *Server) sendError(transport Transport, id *int64, code int, message string) {
	msg := Message{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
	if err := transport.Send(msg); err != nil {
		s.logger.Error("sending error response", slog.String("err", err.Error()))
	}
}
