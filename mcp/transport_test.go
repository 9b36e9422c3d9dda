package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	depmcp "github.com/varekai/depmcp"
)

func TestEncodeMessageSingleLine(t *testing.T) {
	id := int64(7)
	data, err := EncodeMessage(Message{
		ID:     &id,
		Method: MethodToolsCall,
		Params: json.RawMessage(`{"name":"search_dependency"}`),
	})
	require.NoError(t, err)

	assert.True(t, bytes.HasSuffix(data, []byte("\n")))
	// Exactly one line: no interior newlines that would break framing.
	assert.Equal(t, 1, bytes.Count(data, []byte("\n")))
	assert.Contains(t, string(data), `"jsonrpc":"2.0"`)
}

func TestDecodeMessageRejectsInvalidJSON(t *testing.T) {
	_, err := DecodeMessage([]byte("{not json"))

	var protoErr *depmcp.ProtocolError
	require.True(t, errors.As(err, &protoErr))
}

func TestDecodeMessageRejectsMissingDiscriminator(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"id":1,"method":"ping"}`))

	var protoErr *depmcp.ProtocolError
	require.True(t, errors.As(err, &protoErr))
}

func TestDecodeMessageIgnoresUnknownFields(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"jsonrpc":"2.0","id":3,"result":{},"someFutureField":true}`))
	require.NoError(t, err)
	require.NotNil(t, msg.ID)
	assert.Equal(t, int64(3), *msg.ID)
}

func TestCallToolRoundTrip(t *testing.T) {
	id := int64(42)
	params, err := json.Marshal(CallToolParams{
		Name: "search_dependency",
		Arguments: map[string]any{
			"query": "jackson-databind",
		},
	})
	require.NoError(t, err)

	encoded, err := EncodeMessage(Message{ID: &id, Method: MethodToolsCall, Params: params})
	require.NoError(t, err)

	decoded, err := DecodeMessage(bytes.TrimSuffix(encoded, []byte("\n")))
	require.NoError(t, err)

	var got CallToolParams
	require.NoError(t, json.Unmarshal(decoded.Params, &got))
	assert.Equal(t, "search_dependency", got.Name)
	assert.Equal(t, map[string]any{"query": "jackson-databind"}, got.Arguments)
}

func TestCallToolResultRoundTrip(t *testing.T) {
	original := CallToolResult{
		Content: []Content{
			{Type: "text", Text: "ok"},
			{Type: "image", Data: "aGk=", MimeType: "image/png"},
		},
		IsError: true,
	}

	id := int64(9)
	payload, err := json.Marshal(original)
	require.NoError(t, err)

	encoded, err := EncodeMessage(Message{ID: &id, Result: payload})
	require.NoError(t, err)

	decoded, err := DecodeMessage(bytes.TrimSuffix(encoded, []byte("\n")))
	require.NoError(t, err)

	var got CallToolResult
	require.NoError(t, json.Unmarshal(decoded.Result, &got))
	assert.Equal(t, original, got)
}

func TestStreamTransportSendReceive(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"result":{}}` + "\n")

	tr := NewStreamTransport(in, &out)

	id := int64(1)
	require.NoError(t, tr.Send(Message{ID: &id, Method: MethodPing}))
	assert.True(t, strings.HasSuffix(out.String(), "\n"))

	msg, err := tr.Receive()
	require.NoError(t, err)
	require.NotNil(t, msg.ID)
	assert.Equal(t, int64(1), *msg.ID)
}

func TestStreamTransportSkipsBlankLines(t *testing.T) {
	in := strings.NewReader("\n\n" + `{"jsonrpc":"2.0","id":2,"result":{}}` + "\n")
	tr := NewStreamTransport(in, io.Discard)

	msg, err := tr.Receive()
	require.NoError(t, err)
	assert.Equal(t, int64(2), *msg.ID)
}

func TestStreamTransportEOFIsConnectionClosed(t *testing.T) {
	tr := NewStreamTransport(strings.NewReader(""), io.Discard)

	_, err := tr.Receive()
	assert.ErrorIs(t, err, depmcp.ErrConnectionClosed)

	// Distinct from a parse failure.
	var protoErr *depmcp.ProtocolError
	assert.False(t, errors.As(err, &protoErr))
}

func TestStreamTransportFinalUnterminatedLine(t *testing.T) {
	tr := NewStreamTransport(strings.NewReader(`{"jsonrpc":"2.0","id":5,"result":{}}`), io.Discard)

	msg, err := tr.Receive()
	require.NoError(t, err)
	assert.Equal(t, int64(5), *msg.ID)

	_, err = tr.Receive()
	assert.ErrorIs(t, err, depmcp.ErrConnectionClosed)
}

func TestStreamTransportSendAfterClose(t *testing.T) {
	tr := NewStreamTransport(strings.NewReader(""), io.Discard)
	require.NoError(t, tr.Close())

	err := tr.Send(Message{Method: MethodPing})
	assert.ErrorIs(t, err, depmcp.ErrConnectionClosed)
}

func TestStreamTransportCloseUnblocksReceive(t *testing.T) {
	reader, _ := io.Pipe()
	tr := NewStreamTransport(reader, io.Discard)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Receive()
		done <- err
	}()

	// Let the receiver block on the empty pipe before closing.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, depmcp.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("receive still blocked after close")
	}
}

func TestOverlayEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/home/u", "LANG=C"}

	env := overlayEnv(base, map[string]string{
		"LANG":  "en_US.UTF-8",
		"EXTRA": "1",
	})

	assert.Contains(t, env, "PATH=/usr/bin")
	assert.Contains(t, env, "HOME=/home/u")
	assert.Contains(t, env, "LANG=en_US.UTF-8")
	assert.Contains(t, env, "EXTRA=1")
	assert.NotContains(t, env, "LANG=C")
}

func TestOverlayEnvNoOverrides(t *testing.T) {
	base := []string{"PATH=/usr/bin"}
	assert.Equal(t, base, overlayEnv(base, nil))
}

func TestStdioTransportRequiresCommand(t *testing.T) {
	_, err := NewStdioTransport(ServerConfig{Name: "empty"})
	assert.Error(t, err)
}

func TestStdioTransportEcho(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires cat")
	}

	tr, err := NewStdioTransport(ServerConfig{Name: "echo", Command: "cat"})
	require.NoError(t, err)
	defer tr.Close()

	id := int64(3)
	require.NoError(t, tr.Send(Message{ID: &id, Method: MethodPing}))

	msg, err := tr.Receive()
	require.NoError(t, err)
	require.NotNil(t, msg.ID)
	assert.Equal(t, int64(3), *msg.ID)
	assert.Equal(t, MethodPing, msg.Method)
}

func TestStdioTransportCloseReportsEOF(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires cat")
	}

	tr, err := NewStdioTransport(ServerConfig{Name: "echo", Command: "cat"})
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	// Close twice is fine.
	require.NoError(t, tr.Close())
}

func TestStdioTransportSpawnFailure(t *testing.T) {
	_, err := NewStdioTransport(ServerConfig{
		Name:    "missing",
		Command: "/definitely/not/a/real/binary",
	})
	assert.Error(t, err)
}

func TestStdioTransportProcessExitClosesStream(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires true")
	}

	tr, err := NewStdioTransport(ServerConfig{Name: "short", Command: "true"})
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := tr.Receive()
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, depmcp.ErrConnectionClosed)
	case <-ctx.Done():
		t.Fatal("receive did not observe process exit")
	}
}

func TestStdioTransportWorkingDirectory(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires pwd")
	}

	dir := t.TempDir()
	tr, err := NewStdioTransport(ServerConfig{
		Name:       "pwd",
		Command:    "sh",
		Args:       []string{"-c", "pwd >/dev/null"},
		WorkingDir: dir,
	})
	require.NoError(t, err)
	assert.NoError(t, tr.Close())
}
