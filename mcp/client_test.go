package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	depmcp "github.com/varekai/depmcp"
)

// fakeServer speaks the server side of the protocol over in-memory pipes.
// Its handler receives every request after the handshake; returning nil
// suppresses the response.
type fakeServer struct {
	in      *io.PipeReader
	out     *io.PipeWriter
	handler func(msg Message) *Message

	mu            sync.Mutex
	notifications []string
}

// newFakePair returns a client transport wired to a running fake server.
func newFakePair(t *testing.T, handler func(msg Message) *Message) (*StreamTransport, *fakeServer) {
	t.Helper()

	clientReads, serverWrites := io.Pipe()
	serverReads, clientWrites := io.Pipe()

	fs := &fakeServer{in: serverReads, out: serverWrites, handler: handler}
	go fs.run()
	t.Cleanup(func() {
		serverWrites.Close()
		serverReads.Close()
	})

	return NewStreamTransport(clientReads, clientWrites), fs
}

func (f *fakeServer) run() {
	reader := bufio.NewReader(f.in)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}

		if msg.IsNotification() {
			f.mu.Lock()
			f.notifications = append(f.notifications, msg.Method)
			f.mu.Unlock()
			continue
		}

		var resp *Message
		if msg.Method == MethodInitialize {
			resp = initializeResponse(msg.ID)
		} else if f.handler != nil {
			resp = f.handler(msg)
		}
		if resp == nil {
			continue
		}

		data, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		f.out.Write(append(data, '\n'))
	}
}

func (f *fakeServer) send(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	f.out.Write(append(data, '\n'))
}

func (f *fakeServer) sawNotification(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.notifications {
		if m == method {
			return true
		}
	}
	return false
}

func initializeResponse(id *int64) *Message {
	result, _ := json.Marshal(InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ServerCapabilities{Tools: &struct{}{}},
		ServerInfo:      ServerInfo{Name: "fake", Version: "0.0.1"},
	})
	return &Message{JSONRPC: "2.0", ID: id, Result: result}
}

func resultMessage(id *int64, result any) *Message {
	data, _ := json.Marshal(result)
	return &Message{JSONRPC: "2.0", ID: id, Result: data}
}

func connectedClient(t *testing.T, handler func(msg Message) *Message) (*Client, *fakeServer) {
	t.Helper()

	transport, fs := newFakePair(t, handler)
	client := NewClient(transport)
	t.Cleanup(func() { client.Disconnect() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	return client, fs
}

func TestClientConnectHandshake(t *testing.T) {
	client, fs := connectedClient(t, nil)

	assert.Equal(t, Ready, client.State())
	assert.True(t, client.Connected())
	require.NotNil(t, client.ServerInfo())
	assert.Equal(t, "fake", client.ServerInfo().Name)

	// The handshake ends with the initialized notification.
	require.Eventually(t, func() bool {
		return fs.sawNotification(MethodInitialized)
	}, time.Second, 10*time.Millisecond)
}

func TestClientConnectIdempotentWhenReady(t *testing.T) {
	client, _ := connectedClient(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, client.Connect(ctx))
}

func TestClientCallsRequireReady(t *testing.T) {
	transport, _ := newFakePair(t, nil)
	client := NewClient(transport)
	defer client.Disconnect()

	ctx := context.Background()
	_, err := client.CallTool(ctx, "anything", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = client.ListTools(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, client.Ping(ctx), ErrNotConnected)
}

func TestClientCallTool(t *testing.T) {
	client, _ := connectedClient(t, func(msg Message) *Message {
		if msg.Method != MethodToolsCall {
			return nil
		}
		var params CallToolParams
		json.Unmarshal(msg.Params, &params)
		return resultMessage(msg.ID, CallToolResult{
			Content: TextContent("called " + params.Name),
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.CallTool(ctx, "search_dependency", map[string]any{"query": "slf4j"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "called search_dependency", result.Text())
}

func TestClientCallToolErrorEnvelope(t *testing.T) {
	client, _ := connectedClient(t, func(msg Message) *Message {
		return &Message{
			JSONRPC: "2.0",
			ID:      msg.ID,
			Error:   &RPCError{Code: CodeInternalError, Message: "browser crashed"},
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.CallTool(ctx, "browser_navigate", map[string]any{"url": "https://x"})

	var toolErr *depmcp.ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "browser_navigate", toolErr.Tool)
	assert.Equal(t, CodeInternalError, toolErr.Code)
	assert.Equal(t, "browser crashed", toolErr.Message)
}

func TestClientCallToolMalformedResult(t *testing.T) {
	client, _ := connectedClient(t, func(msg Message) *Message {
		return &Message{JSONRPC: "2.0", ID: msg.ID, Result: json.RawMessage(`"not an object"`)}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.CallTool(ctx, "x", nil)

	var protoErr *depmcp.ProtocolError
	require.True(t, errors.As(err, &protoErr))
}

func TestClientListTools(t *testing.T) {
	client, _ := connectedClient(t, func(msg Message) *Message {
		if msg.Method != MethodToolsList {
			return nil
		}
		return resultMessage(msg.ID, ListToolsResult{Tools: []Tool{
			{Name: "browser_navigate", InputSchema: JSONSchema{Type: "object"}},
			{Name: "browser_click", InputSchema: JSONSchema{Type: "object"}},
		}})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	assert.Len(t, tools, 2)
}

func TestClientConcurrentCallsCorrelateByID(t *testing.T) {
	// The fake holds every request until all are in, then answers in
	// reverse arrival order. Only id-based correlation gets each caller
	// its own response.
	const workers = 8

	var mu sync.Mutex
	held := make([]Message, 0, workers)
	release := make(chan struct{})

	client, fs := connectedClient(t, func(msg Message) *Message {
		if msg.Method != MethodToolsCall {
			return nil
		}
		mu.Lock()
		held = append(held, msg)
		ready := len(held) == workers
		mu.Unlock()
		if ready {
			close(release)
		}
		return nil
	})

	go func() {
		<-release
		mu.Lock()
		defer mu.Unlock()
		for i := len(held) - 1; i >= 0; i-- {
			msg := held[i]
			var params CallToolParams
			json.Unmarshal(msg.Params, &params)
			fs.send(resultMessage(msg.ID, CallToolResult{
				Content: TextContent(params.Arguments["n"].(string)),
			}))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			want := fmt.Sprintf("call-%d", n)
			result, err := client.CallTool(ctx, "echo", map[string]any{"n": want})
			if err != nil {
				errs[n] = err
				return
			}
			if got := result.Text(); got != want {
				errs[n] = fmt.Errorf("got response %q, want %q", got, want)
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "worker %d", i)
	}
}

func TestClientRequestIDsStrictlyIncrease(t *testing.T) {
	var mu sync.Mutex
	var ids []int64

	client, _ := connectedClient(t, func(msg Message) *Message {
		mu.Lock()
		ids = append(ids, *msg.ID)
		mu.Unlock()
		return resultMessage(msg.ID, CallToolResult{Content: TextContent("ok")})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := client.CallTool(ctx, "x", nil)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	// The handshake used id 1; tool calls continue from there without
	// reuse.
	require.Len(t, ids, 3)
	assert.Equal(t, []int64{2, 3, 4}, ids)
}

func TestClientDuplicateResponseDoesNotWedgeLoop(t *testing.T) {
	var fs *fakeServer
	var client *Client
	client, fs = connectedClient(t, func(msg Message) *Message {
		if msg.Method != MethodToolsCall {
			return nil
		}
		// Answer twice under one id; the extra copy must be dropped.
		fs.send(resultMessage(msg.ID, CallToolResult{Content: TextContent("ok")}))
		return resultMessage(msg.ID, CallToolResult{Content: TextContent("ok")})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.CallTool(ctx, "x", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text())

	// The receive loop survived the duplicate and still serves calls.
	result, err = client.CallTool(ctx, "y", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text())
	assert.True(t, client.Connected())
}

func TestClientAbandonedCallResponseDropped(t *testing.T) {
	started := make(chan int64, 1)
	client, fs := connectedClient(t, func(msg Message) *Message {
		var params CallToolParams
		json.Unmarshal(msg.Params, &params)
		if params.Name == "slow" {
			started <- *msg.ID
			return nil
		}
		return resultMessage(msg.ID, CallToolResult{Content: TextContent("ok")})
	})

	// The waiter gives up before any response arrives.
	callCtx, callCancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.CallTool(callCtx, "slow", map[string]any{"k": "v"})
		done <- err
	}()
	id := <-started
	callCancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// Late answers for the abandoned id land twice; both must be dropped
	// without stalling the loop.
	fs.send(resultMessage(&id, CallToolResult{Content: TextContent("late")}))
	fs.send(resultMessage(&id, CallToolResult{Content: TextContent("later")}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := client.CallTool(ctx, "next", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text())
}

func TestClientDisconnectRacesResponseDelivery(t *testing.T) {
	for i := 0; i < 50; i++ {
		started := make(chan int64, 1)
		client, fs := connectedClient(t, func(msg Message) *Message {
			if msg.Method == MethodToolsCall {
				started <- *msg.ID
			}
			return nil
		})

		callDone := make(chan struct{})
		go func() {
			client.CallTool(context.Background(), "hang", nil)
			close(callDone)
		}()

		id := <-started

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			fs.send(resultMessage(&id, CallToolResult{Content: TextContent("late")}))
		}()
		go func() {
			defer wg.Done()
			client.Disconnect()
		}()
		wg.Wait()
		<-callDone
	}
}

func TestClientDisconnectIdempotent(t *testing.T) {
	client, _ := connectedClient(t, nil)

	require.NoError(t, client.Disconnect())
	require.NoError(t, client.Disconnect())
	assert.Equal(t, Disconnected, client.State())
}

func TestClientServerExitFailsPendingCall(t *testing.T) {
	started := make(chan struct{})
	client, fs := connectedClient(t, func(msg Message) *Message {
		if msg.Method == MethodToolsCall {
			close(started)
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := client.CallTool(ctx, "hang", nil)
		done <- err
	}()

	<-started
	fs.out.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, depmcp.ErrConnectionClosed)
	case <-ctx.Done():
		t.Fatal("pending call was not failed on stream end")
	}
	assert.Equal(t, Disconnected, client.State())
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "handshaking", Handshaking.String())
	assert.Equal(t, "ready", Ready.String())
}
