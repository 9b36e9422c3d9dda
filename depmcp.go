// Package depmcp provides the reliability layer for the depmcp protocol
// engine: typed errors, retry with exponential backoff, circuit breaking,
// and timeout enforcement around fallible subprocess operations.
//
// The protocol engine itself lives in the mcp subpackage; this package is
// deliberately transport-agnostic so any fallible operation can be wrapped:
//
//	rel := depmcp.NewReliability()
//	err := rel.ExecuteWithRetry(ctx, "browser.navigate", depmcp.DefaultRetryConfig(), func() error {
//	    _, err := client.CallTool(ctx, "browser_navigate", args)
//	    return err
//	})
package depmcp

// Version is the current depmcp version.
const Version = "0.3.0"
