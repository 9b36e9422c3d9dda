package tools

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/varekai/depmcp/mcp"
)

const searchBaseURL = "https://mvnrepository.com/search"

// resultsSelector marks the search result list on the repository site.
const resultsSelector = ".im"

// SearchDependency looks a dependency up on the central repository index by
// driving the browser subprocess, and returns the result page text verbatim.
type SearchDependency struct {
	browser Browser
}

// NewSearchDependency creates the search tool over the given browser.
func NewSearchDependency(browser Browser) *SearchDependency {
	return &SearchDependency{browser: browser}
}

func (t *SearchDependency) Definition() mcp.Tool {
	return mcp.Tool{
		Name:        "search_dependency",
		Description: "Searches the Maven central repository index for a dependency and returns the raw result page text.",
		InputSchema: mcp.JSONSchema{
			Type: "object",
			Properties: map[string]*mcp.JSONSchema{
				"query": {
					Type:        "string",
					Description: "Dependency to search for, e.g. 'jackson-databind' or 'org.slf4j'",
				},
			},
			Required: []string{"query"},
		},
	}
}

func (t *SearchDependency) Execute(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	query, ok := GetString(params.Arguments, "query")
	if !ok || query == "" {
		return mcp.ErrorResult("query is required"), nil
	}

	searchURL := fmt.Sprintf("%s?q=%s", searchBaseURL, url.QueryEscape(query))
	text, err := t.browser.NavigateToURL(ctx, searchURL)
	if err != nil {
		return mcp.ErrorResult(fmt.Sprintf("searching for %q: %s", query, err)), nil
	}

	if err := t.browser.WaitForElement(ctx, resultsSelector, 5*time.Second); err == nil {
		if page, perr := t.browser.GetPageContent(ctx); perr == nil {
			text = page
		}
	}

	return mcp.SuccessResult(text), nil
}
