// Command depmcp serves dependency-lookup tools over MCP on stdin/stdout,
// driving a browser-automation MCP subprocess for the tools that need one.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	depmcp "github.com/varekai/depmcp"
	"github.com/varekai/depmcp/browser"
	"github.com/varekai/depmcp/config"
	"github.com/varekai/depmcp/mcp"
	"github.com/varekai/depmcp/tools"
)

func main() {
	configPath := flag.String("config", "depmcp.yaml", "path to the configuration file")
	watch := flag.Bool("watch", false, "reload the configuration file on change")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	// stdout carries protocol data; everything else goes to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	if err := run(*configPath, *watch, logger); err != nil {
		fmt.Fprintf(os.Stderr, "depmcp: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, watch bool, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rel := depmcp.NewReliability()
	rel.SetLogger(logger)

	manager := mcp.NewManager(mcp.WithManagerLogger(logger))
	defer manager.StopAll()

	registry := mcp.NewRegistry()
	registerTools(cfg, manager, rel, registry)

	if watch {
		watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
			reconcile(cfg, next, manager)
			registerTools(next, manager, rel, registry)
			cfg = next
		}, logger)
		if err != nil {
			return fmt.Errorf("watching config: %w", err)
		}
		defer watcher.Close()
		go watcher.Watch(ctx)
	}

	server := mcp.NewServer(cfg.Server.Name, cfg.Server.Version, registry,
		mcp.WithServerLogger(logger))

	logger.Info("serving",
		slog.String("name", cfg.Server.Name),
		slog.String("version", cfg.Server.Version),
		slog.Int("tools", registry.Count()))

	transport := mcp.NewStreamTransport(os.Stdin, os.Stdout)
	if err := server.Serve(ctx, transport); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// registerTools rebuilds the tool bindings for the given configuration.
// The registry is cleared first so tools whose backing disappeared from the
// configuration are dropped, not left bound to a stopped server.
func registerTools(cfg *config.Config, manager *mcp.Manager, rel *depmcp.Reliability, registry *mcp.Registry) {
	registry.Clear()

	workDir, _ := os.Getwd()
	registry.Register(tools.NewBuildFiles(workDir))

	browserCfg, ok := cfg.BrowserServer()
	if !ok {
		return
	}

	b := browser.New(
		&supervisedCaller{manager: manager, config: browserCfg},
		rel,
		browser.Options{
			Retry: depmcp.RetryConfig{
				MaxRetries: cfg.Reliability.MaxRetries,
				BaseDelay:  cfg.Reliability.RetryBaseDelay(),
				Multiplier: cfg.Reliability.RetryMultiplier,
			},
			BreakerThreshold: cfg.Reliability.BreakerThreshold,
			BreakerRecovery:  cfg.Reliability.BreakerRecovery(),
			CallTimeout:      cfg.Reliability.CallTimeout(),
		},
	)

	registry.Register(tools.NewSearchDependency(b))
	registry.Register(tools.NewDependencyVersions(b))
}

// reconcile stops servers that disappeared from the configuration.
func reconcile(prev, next *config.Config, manager *mcp.Manager) {
	for _, old := range prev.Servers {
		if _, still := next.ServerByName(old.Name); !still {
			manager.StopServer(old.Name)
		}
	}
}

// supervisedCaller routes each tool call through the supervisor, so a dead
// browser subprocess is respawned on the next call instead of failing every
// call until an operator intervenes.
type supervisedCaller struct {
	manager *mcp.Manager
	config  mcp.ServerConfig
}

func (c *supervisedCaller) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	client, err := c.manager.GetClient(ctx, c.config)
	if err != nil {
		return nil, err
	}
	return client.CallTool(ctx, name, args)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
