// Package browser is a typed facade over a browser-automation MCP
// subprocess. Every method is exactly one tools/call with a fixed tool name
// and argument shape; the returned text or HTML is passed through verbatim,
// never interpreted here.
package browser

import (
	"context"
	"time"

	depmcp "github.com/varekai/depmcp"
	"github.com/varekai/depmcp/mcp"
)

// Tool names exposed by playwright-style browser MCP servers.
const (
	toolNavigate   = "browser_navigate"
	toolClick      = "browser_click"
	toolFill       = "browser_fill"
	toolGetText    = "browser_get_text"
	toolGetContent = "browser_get_content"
	toolWaitFor    = "browser_wait_for"
)

// Caller issues tool calls against the subprocess. *mcp.Client satisfies
// it, as does any supervisor-backed adapter that reconnects per call.
type Caller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// Options tune the reliability wrapping around each browser call.
type Options struct {
	Retry            depmcp.RetryConfig
	BreakerThreshold int
	BreakerRecovery  time.Duration
	CallTimeout      time.Duration
}

// DefaultOptions returns the wrapping used when no tuning is supplied.
func DefaultOptions() Options {
	return Options{
		Retry:            depmcp.DefaultRetryConfig(),
		BreakerThreshold: 5,
		BreakerRecovery:  30 * time.Second,
		CallTimeout:      30 * time.Second,
	}
}

// Client drives the browser subprocess. Each operation runs through the
// reliability wrapper under its own operation name, so a failing navigate
// opens the navigate breaker without touching the others.
type Client struct {
	caller Caller
	rel    *depmcp.Reliability
	opts   Options
}

// New creates a browser client over the given caller. A nil reliability
// wrapper disables retry/breaker/timeout wrapping.
func New(caller Caller, rel *depmcp.Reliability, opts Options) *Client {
	return &Client{
		caller: caller,
		rel:    rel,
		opts:   opts,
	}
}

// NavigateToURL loads the url and returns the page text the subprocess
// reports.
func (c *Client) NavigateToURL(ctx context.Context, url string) (string, error) {
	return c.callText(ctx, "browser.navigate", toolNavigate, map[string]any{
		"url": url,
	})
}

// ClickElement clicks the element matching the selector.
func (c *Client) ClickElement(ctx context.Context, selector string) error {
	_, err := c.callText(ctx, "browser.click", toolClick, map[string]any{
		"selector": selector,
	})
	return err
}

// FillField types value into the element matching the selector.
func (c *Client) FillField(ctx context.Context, selector, value string) error {
	_, err := c.callText(ctx, "browser.fill", toolFill, map[string]any{
		"selector": selector,
		"value":    value,
	})
	return err
}

// GetTextContent returns the text content of the element matching the
// selector.
func (c *Client) GetTextContent(ctx context.Context, selector string) (string, error) {
	return c.callText(ctx, "browser.get_text", toolGetText, map[string]any{
		"selector": selector,
	})
}

// GetPageContent returns the full HTML of the current page.
func (c *Client) GetPageContent(ctx context.Context) (string, error) {
	return c.callText(ctx, "browser.get_content", toolGetContent, map[string]any{})
}

// WaitForElement blocks until the selector matches or the subprocess-side
// timeout elapses.
func (c *Client) WaitForElement(ctx context.Context, selector string, timeout time.Duration) error {
	_, err := c.callText(ctx, "browser.wait_for", toolWaitFor, map[string]any{
		"selector":   selector,
		"timeout_ms": timeout.Milliseconds(),
	})
	return err
}

// callText performs one wrapped tool call and returns its concatenated text
// content. A result with IsError set surfaces as a *depmcp.ToolError.
func (c *Client) callText(ctx context.Context, operation, tool string, args map[string]any) (string, error) {
	var text string

	call := func() error {
		callCtx := ctx
		if c.rel != nil && c.opts.CallTimeout > 0 {
			return c.rel.ExecuteWithTimeout(ctx, operation, c.opts.CallTimeout, func() error {
				return c.invoke(callCtx, tool, args, &text)
			})
		}
		return c.invoke(callCtx, tool, args, &text)
	}

	if c.rel == nil {
		return text, call()
	}

	err := c.rel.ExecuteWithCircuitBreaker(ctx, operation, c.opts.BreakerThreshold, c.opts.BreakerRecovery, func() error {
		return c.rel.ExecuteWithRetry(ctx, operation, c.opts.Retry, call)
	})
	return text, err
}

func (c *Client) invoke(ctx context.Context, tool string, args map[string]any, out *string) error {
	result, err := c.caller.CallTool(ctx, tool, args)
	if err != nil {
		return err
	}
	if result.IsError {
		return &depmcp.ToolError{Tool: tool, Message: result.Text()}
	}
	*out = result.Text()
	return nil
}
