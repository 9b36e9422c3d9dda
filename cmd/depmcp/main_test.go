package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	depmcp "github.com/varekai/depmcp"
	"github.com/varekai/depmcp/config"
	"github.com/varekai/depmcp/mcp"
)

func browserConfig() *config.Config {
	return &config.Config{
		Servers: []mcp.ServerConfig{
			{Name: "playwright", Command: "npx"},
		},
		Browser: config.BrowserConfig{Server: "playwright"},
	}
}

func TestRegisterToolsWithBrowserBinding(t *testing.T) {
	registry := mcp.NewRegistry()

	registerTools(browserConfig(), mcp.NewManager(), depmcp.NewReliability(), registry)

	assert.ElementsMatch(t,
		[]string{"list_build_files", "search_dependency", "get_dependency_versions"},
		registry.Names())
}

func TestRegisterToolsDropsBrowserToolsWhenBindingRemoved(t *testing.T) {
	manager := mcp.NewManager()
	rel := depmcp.NewReliability()
	registry := mcp.NewRegistry()

	registerTools(browserConfig(), manager, rel, registry)

	// A reload without the browser binding must unbind the browser tools.
	registerTools(&config.Config{}, manager, rel, registry)
	assert.ElementsMatch(t, []string{"list_build_files"}, registry.Names())
}
