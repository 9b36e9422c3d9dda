// Package tools contains the dependency-lookup tools registered with the
// server role. They stay thin on purpose: browser-backed tools issue fixed
// navigations and return the raw page text, leaving interpretation to the
// host.
package tools

import (
	"context"
	"time"
)

// Browser is the subset of browser operations the tools consume.
type Browser interface {
	NavigateToURL(ctx context.Context, url string) (string, error)
	WaitForElement(ctx context.Context, selector string, timeout time.Duration) error
	GetPageContent(ctx context.Context) (string, error)
}

// GetString extracts a string argument from the args map.
func GetString(args map[string]any, key string) (string, bool) {
	val, ok := args[key]
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetStringDefault extracts a string argument with a default value.
func GetStringDefault(args map[string]any, key, defaultVal string) string {
	if val, ok := GetString(args, key); ok && val != "" {
		return val
	}
	return defaultVal
}
