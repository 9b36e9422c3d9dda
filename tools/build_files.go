package tools

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/varekai/depmcp/mcp"
)

// defaultBuildFilePatterns covers Maven and Gradle project files.
var defaultBuildFilePatterns = []string{
	"**/pom.xml",
	"**/build.gradle",
	"**/build.gradle.kts",
	"**/settings.gradle",
	"**/settings.gradle.kts",
}

// BuildFiles finds build files under a project root so a host can decide
// which of them to edit. It does not read or parse the files.
type BuildFiles struct {
	workDir string
}

// NewBuildFiles creates the discovery tool. workDir is the default project
// root when the call does not supply one.
func NewBuildFiles(workDir string) *BuildFiles {
	return &BuildFiles{workDir: workDir}
}

func (t *BuildFiles) Definition() mcp.Tool {
	return mcp.Tool{
		Name:        "list_build_files",
		Description: "Finds Maven and Gradle build files under a project root and returns their paths, one per line.",
		InputSchema: mcp.JSONSchema{
			Type: "object",
			Properties: map[string]*mcp.JSONSchema{
				"root": {
					Type:        "string",
					Description: "Project root to search. Defaults to the server working directory.",
				},
				"pattern": {
					Type:        "string",
					Description: "Optional glob pattern overriding the built-in build-file patterns, e.g. '**/pom.xml'",
				},
			},
		},
	}
}

func (t *BuildFiles) Execute(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	root := GetStringDefault(params.Arguments, "root", t.workDir)
	if root == "" {
		root = "."
	}

	info, err := os.Stat(root)
	if err != nil {
		return mcp.ErrorResult(fmt.Sprintf("root not accessible: %s", err)), nil
	}
	if !info.IsDir() {
		return mcp.ErrorResult(fmt.Sprintf("root is not a directory: %s", root)), nil
	}

	patterns := defaultBuildFilePatterns
	if custom, ok := GetString(params.Arguments, "pattern"); ok && custom != "" {
		patterns = []string{custom}
	}

	fsys := os.DirFS(root)
	seen := make(map[string]struct{})
	var matches []string
	for _, pattern := range patterns {
		found, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return mcp.ErrorResult(fmt.Sprintf("invalid pattern %q: %s", pattern, err)), nil
		}
		for _, path := range found {
			if _, dup := seen[path]; dup {
				continue
			}
			seen[path] = struct{}{}
			matches = append(matches, path)
		}
	}
	sort.Strings(matches)

	if len(matches) == 0 {
		return mcp.SuccessResult("no build files found"), nil
	}
	return mcp.SuccessResult(strings.Join(matches, "\n")), nil
}
