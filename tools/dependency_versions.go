package tools

import (
	"context"
	"fmt"
	"net/url"

	"github.com/varekai/depmcp/mcp"
)

const artifactBaseURL = "https://mvnrepository.com/artifact"

// DependencyVersions fetches the version listing page for one artifact and
// returns its text verbatim.
type DependencyVersions struct {
	browser Browser
}

// NewDependencyVersions creates the version-listing tool over the given
// browser.
func NewDependencyVersions(browser Browser) *DependencyVersions {
	return &DependencyVersions{browser: browser}
}

func (t *DependencyVersions) Definition() mcp.Tool {
	return mcp.Tool{
		Name:        "get_dependency_versions",
		Description: "Fetches the published version listing for a group/artifact pair and returns the raw page text.",
		InputSchema: mcp.JSONSchema{
			Type: "object",
			Properties: map[string]*mcp.JSONSchema{
				"group": {
					Type:        "string",
					Description: "Group id, e.g. 'com.fasterxml.jackson.core'",
				},
				"artifact": {
					Type:        "string",
					Description: "Artifact id, e.g. 'jackson-databind'",
				},
			},
			Required: []string{"group", "artifact"},
		},
	}
}

func (t *DependencyVersions) Execute(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	group, ok := GetString(params.Arguments, "group")
	if !ok || group == "" {
		return mcp.ErrorResult("group is required"), nil
	}
	artifact, ok := GetString(params.Arguments, "artifact")
	if !ok || artifact == "" {
		return mcp.ErrorResult("artifact is required"), nil
	}

	pageURL := fmt.Sprintf("%s/%s/%s", artifactBaseURL, url.PathEscape(group), url.PathEscape(artifact))
	text, err := t.browser.NavigateToURL(ctx, pageURL)
	if err != nil {
		return mcp.ErrorResult(fmt.Sprintf("fetching versions for %s:%s: %s", group, artifact, err)), nil
	}

	return mcp.SuccessResult(text), nil
}
