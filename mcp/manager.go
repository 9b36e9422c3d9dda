package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	depmcp "github.com/varekai/depmcp"
)

// connectFunc spawns a subprocess for the config and completes the
// handshake. It is a field so tests can substitute in-memory clients.
type connectFunc func(ctx context.Context, cfg ServerConfig) (*Client, error)

// managedServer is one supervised subprocess: its config, its live client
// binding, and its lifetime restart counter. The counter is deliberately
// never reset on a successful restart; it caps lifetime restarts, not a
// rolling window.
type managedServer struct {
	mu sync.Mutex

	id              string
	config          ServerConfig
	client          *Client
	restartAttempts int
}

// ServerStatus is a point-in-time view of one managed server.
type ServerStatus struct {
	Name            string
	Connected       bool
	RestartAttempts int
}

// Manager is the process supervisor. It owns a table of managed servers
// keyed by config name, spawns subprocesses on demand, reuses live
// connections, and restarts failed ones under each config's bounded-attempts
// policy.
//
// Spawn, restart, and stop for one name are serialized on that entry's
// lock, so two callers racing to create the same server cannot spawn two
// processes; different names proceed concurrently.
type Manager struct {
	mu      sync.Mutex
	servers map[string]*managedServer
	connect connectFunc
	logger  *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a supervisor with an empty process table.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		servers: make(map[string]*managedServer),
		connect: spawnAndConnect,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// spawnAndConnect launches the configured command and drives the handshake.
// If the handshake fails the process is torn down before returning, so a
// failed connect leaves no half-initialized subprocess behind.
func spawnAndConnect(ctx context.Context, cfg ServerConfig) (*Client, error) {
	transport, err := NewStdioTransport(cfg)
	if err != nil {
		return nil, fmt.Errorf("spawning %q: %w", cfg.Name, err)
	}

	client := NewClient(transport)
	if err := client.Connect(ctx); err != nil {
		client.Disconnect()
		return nil, fmt.Errorf("connecting to %q: %w", cfg.Name, err)
	}
	return client, nil
}

// GetClient returns a connected client for the config, spawning a
// subprocess if needed. A live entry is reused unchanged; a dead entry is
// discarded and respawned. When connect fails, no entry remains in the
// table for the config's name.
func (m *Manager) GetClient(ctx context.Context, cfg ServerConfig) (*Client, error) {
	for {
		entry := m.entry(cfg)

		entry.mu.Lock()
		// A failed connect on another goroutine may have removed this
		// entry while we queued for its lock. Storing a client into a
		// removed entry would orphan the subprocess from the table, so
		// start over with a fresh entry instead.
		if !m.owns(cfg.Name, entry) {
			entry.mu.Unlock()
			continue
		}

		if entry.client != nil && entry.client.Connected() {
			client := entry.client
			entry.mu.Unlock()
			return client, nil
		}
		if entry.client != nil {
			entry.client.Disconnect()
			entry.client = nil
		}

		client, err := m.connect(ctx, cfg)
		if err != nil {
			m.remove(cfg.Name, entry)
			entry.mu.Unlock()
			return nil, err
		}

		entry.client = client
		entry.mu.Unlock()

		m.logger.Info("mcp server connected",
			slog.String("server", cfg.Name),
			slog.String("instance", entry.id))
		return client, nil
	}
}

// owns reports whether entry is still the table entry for name.
func (m *Manager) owns(name string, entry *managedServer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.servers[name] == entry
}

// RestartServer disconnects the named server, waits its configured delay,
// and reconnects. It fails with depmcp.ErrMaxRestartsExceeded once the
// lifetime attempt counter reaches the config's cap; the counter moves only
// forward until ResetRestartCount.
func (m *Manager) RestartServer(ctx context.Context, name string) error {
	entry, err := m.lookup(name)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return m.restartLocked(ctx, entry)
}

func (m *Manager) restartLocked(ctx context.Context, entry *managedServer) error {
	cfg := entry.config
	if entry.restartAttempts >= cfg.MaxRestartAttempts {
		return fmt.Errorf("server %q: %w (attempts=%d)", cfg.Name, depmcp.ErrMaxRestartsExceeded, entry.restartAttempts)
	}
	entry.restartAttempts++

	if entry.client != nil {
		entry.client.Disconnect()
		entry.client = nil
	}

	if delay := time.Duration(cfg.RestartDelayMs) * time.Millisecond; delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	client, err := m.connect(ctx, cfg)
	if err != nil {
		m.logger.Warn("restart failed",
			slog.String("server", cfg.Name),
			slog.Int("attempt", entry.restartAttempts),
			slog.String("err", err.Error()))
		return err
	}

	entry.client = client
	m.logger.Info("mcp server restarted",
		slog.String("server", cfg.Name),
		slog.Int("attempt", entry.restartAttempts))
	return nil
}

// HealthCheck reports whether the named server is connected and responsive.
// When it is not and the config asks for auto-restart, one restart is
// attempted and the post-restart status is returned.
func (m *Manager) HealthCheck(ctx context.Context, name string) (bool, error) {
	entry, err := m.lookup(name)
	if err != nil {
		return false, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if m.healthyLocked(ctx, entry) {
		return true, nil
	}
	if !entry.config.AutoRestart {
		return false, nil
	}

	if err := m.restartLocked(ctx, entry); err != nil {
		return false, err
	}
	return m.healthyLocked(ctx, entry), nil
}

func (m *Manager) healthyLocked(ctx context.Context, entry *managedServer) bool {
	if entry.client == nil || !entry.client.Connected() {
		return false
	}
	return entry.client.Ping(ctx) == nil
}

// ResetRestartCount zeroes the named server's lifetime restart counter.
// This is the operator escape hatch after ErrMaxRestartsExceeded.
func (m *Manager) ResetRestartCount(name string) error {
	entry, err := m.lookup(name)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.restartAttempts = 0
	return nil
}

// RestartAttempts returns the named server's lifetime restart counter.
func (m *Manager) RestartAttempts(name string) (int, error) {
	entry, err := m.lookup(name)
	if err != nil {
		return 0, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.restartAttempts, nil
}

// StopServer disconnects the named server and removes it from the table.
func (m *Manager) StopServer(name string) error {
	m.mu.Lock()
	entry, ok := m.servers[name]
	if ok {
		delete(m.servers, name)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown server: %s", name)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.client != nil {
		err := entry.client.Disconnect()
		entry.client = nil
		return err
	}
	return nil
}

// StopAll disconnects every managed server, best-effort: a failure stopping
// one does not prevent stopping the rest. Callers should defer it on every
// exit path so no subprocess is orphaned.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	entries := make([]*managedServer, 0, len(m.servers))
	for name, entry := range m.servers {
		entries = append(entries, entry)
		delete(m.servers, name)
	}
	m.mu.Unlock()

	var errs []error
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.client != nil {
			if err := entry.client.Disconnect(); err != nil {
				errs = append(errs, fmt.Errorf("stopping %q: %w", entry.config.Name, err))
			}
			entry.client = nil
		}
		entry.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Status returns a snapshot of every managed server.
func (m *Manager) Status() []ServerStatus {
	m.mu.Lock()
	entries := make([]*managedServer, 0, len(m.servers))
	for _, entry := range m.servers {
		entries = append(entries, entry)
	}
	m.mu.Unlock()

	statuses := make([]ServerStatus, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		statuses = append(statuses, ServerStatus{
			Name:            entry.config.Name,
			Connected:       entry.client != nil && entry.client.Connected(),
			RestartAttempts: entry.restartAttempts,
		})
		entry.mu.Unlock()
	}
	return statuses
}

// Names returns the names currently in the process table.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	return names
}

// entry returns the table entry for the config's name, creating a
// placeholder when absent.
func (m *Manager) entry(cfg ServerConfig) *managedServer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.servers[cfg.Name]; ok {
		return entry
	}

	entry := &managedServer{
		id:     uuid.New().String(),
		config: cfg,
	}
	m.servers[cfg.Name] = entry
	return entry
}

func (m *Manager) lookup(name string) (*managedServer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.servers[name]
	if !ok {
		return nil, fmt.Errorf("unknown server: %s", name)
	}
	return entry, nil
}

// remove drops a placeholder entry after a failed first connect, but only
// if it is still the entry we created.
func (m *Manager) remove(name string, entry *managedServer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.servers[name]; ok && current == entry {
		delete(m.servers, name)
	}
}
