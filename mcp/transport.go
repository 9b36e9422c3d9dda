package mcp

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	depmcp "github.com/varekai/depmcp"
)

// closeGrace is how long Close waits for a subprocess to exit on its own
// after stdin is closed, before killing it.
const closeGrace = 5 * time.Second

// Transport moves one JSON-RPC envelope at a time over an ordered pipe pair.
type Transport interface {
	// Send writes one message as a single newline-terminated line. The
	// write is flushed before Send returns.
	Send(msg Message) error

	// Receive blocks until the next incoming message. End of stream is
	// reported as depmcp.ErrConnectionClosed, never as a parse error.
	Receive() (Message, error)

	// Close releases the transport. It is idempotent.
	Close() error
}

// EncodeMessage serializes one envelope as a compact JSON line including the
// trailing newline.
func EncodeMessage(msg Message) ([]byte, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = "2.0"
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, depmcp.NewProtocolError("encoding message", err)
	}
	return append(data, '\n'), nil
}

// DecodeMessage parses one line into an envelope. Unknown fields are
// ignored for forward compatibility; a line that is not valid JSON or lacks
// the jsonrpc discriminator is a protocol error.
func DecodeMessage(line []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, depmcp.NewProtocolError("decoding message", err)
	}
	if msg.JSONRPC != "2.0" {
		return Message{}, depmcp.NewProtocolError(fmt.Sprintf("missing or bad jsonrpc version %q", msg.JSONRPC), nil)
	}
	return msg, nil
}

// StreamTransport frames messages over an arbitrary reader/writer pair. The
// server role runs it over the host's stdin/stdout; tests run it over
// in-memory pipes.
type StreamTransport struct {
	// reader is unbuffered-line based rather than a Scanner so large tool
	// payloads (full page HTML) cannot overflow a token limit.
	reader *bufio.Reader
	src    io.Reader
	writer io.Writer

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

// NewStreamTransport creates a transport over the given reader and writer.
func NewStreamTransport(r io.Reader, w io.Writer) *StreamTransport {
	return &StreamTransport{
		reader: bufio.NewReader(r),
		src:    r,
		writer: w,
	}
}

// Send writes one line. Writes are serialized so concurrent senders cannot
// interleave partial lines.
func (t *StreamTransport) Send(msg Message) error {
	if t.isClosed() {
		return depmcp.ErrConnectionClosed
	}

	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.writer.Write(data); err != nil {
		return fmt.Errorf("writing message: %w", errors.Join(depmcp.ErrConnectionClosed, err))
	}
	return nil
}

// Receive reads and decodes the next non-empty line.
func (t *StreamTransport) Receive() (Message, error) {
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && strings.TrimSpace(line) != "" {
				// A final unterminated line is still one message.
				return DecodeMessage([]byte(line))
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return Message{}, depmcp.ErrConnectionClosed
			}
			return Message{}, fmt.Errorf("reading message: %w", errors.Join(depmcp.ErrConnectionClosed, err))
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return DecodeMessage([]byte(line))
	}
}

// Close marks the transport closed and closes the underlying reader and
// writer when they support it. Closing the reader unblocks a Receive that
// is waiting on the stream, which then reports ErrConnectionClosed.
func (t *StreamTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if c, ok := t.src.(io.Closer); ok {
		c.Close()
	}
	if c, ok := t.writer.(io.Closer); ok {
		c.Close()
	}
	return nil
}

func (t *StreamTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// StdioTransport spawns a subprocess and frames messages over its stdin and
// stdout. The subprocess's stderr is passed through to this process's stderr
// untouched for diagnostic visibility; it is never parsed as protocol data.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stream *StreamTransport

	mu     sync.Mutex
	closed bool
}

// NewStdioTransport launches the configured command and binds its pipes.
// The config's env entries overlay the inherited environment.
func NewStdioTransport(cfg ServerConfig) (*StdioTransport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("server %q: command is required", cfg.Name)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = overlayEnv(os.Environ(), cfg.Env)
	cmd.Dir = cfg.WorkingDir
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", cfg.Command, err)
	}

	return &StdioTransport{
		cmd:    cmd,
		stdin:  stdin,
		stream: NewStreamTransport(stdout, stdin),
	}, nil
}

func (t *StdioTransport) Send(msg Message) error {
	return t.stream.Send(msg)
}

func (t *StdioTransport) Receive() (Message, error) {
	return t.stream.Receive()
}

// Pid returns the subprocess pid, or 0 if it never started.
func (t *StdioTransport) Pid() int {
	if t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Close closes stdin, waits briefly for the subprocess to exit, then kills
// it. Safe to call more than once.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	// stdin first: its EOF is the subprocess's signal to exit on its own.
	t.stdin.Close()
	t.stream.Close()

	done := make(chan error, 1)
	go func() {
		done <- t.cmd.Wait()
	}()

	select {
	case <-done:
	case <-time.After(closeGrace):
		t.cmd.Process.Kill()
		<-done
	}

	return nil
}

// overlayEnv appends overrides to base, replacing any base entry with the
// same key.
func overlayEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}

	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if ok {
			if _, overridden := overrides[key]; overridden {
				continue
			}
		}
		env = append(env, kv)
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}
