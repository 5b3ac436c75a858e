package mcpmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

// ConnectionStatus represents the lifecycle of a managed server as seen from
// the registry.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

// ServerSummary aggregates status information for a managed server.
type ServerSummary struct {
	ID           string
	Status       ConnectionStatus
	Config       ServerConfig
	ConnectionID string
	Pid          int
	ToolCount    int
	ServerInfo   *mcp.Implementation
}

// Manager owns every connection to a tool server, keyed by server name.
type Manager struct {
	mu sync.RWMutex

	options ManagerOptions
	entries map[string]*managedEntry

	notifications *notificationRegistry

	// serverRemovedHandlers run after a server leaves the registry.
	serverRemovedHandlers []func(string, error)

	// dial spawns and handshakes one server. Tests swap it to count spawns.
	dial func(context.Context, ServerConfig) (*Connection, error)
}

type managedEntry struct {
	config  ServerConfig
	conn    *Connection
	attempt *connectAttempt
}

// connectAttempt is shared by every caller connecting the same name while a
// handshake is in flight.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// NewManager constructs a Manager. Callers can provide nil options to fall
// back to sensible defaults.
func NewManager(opts *ManagerOptions) *Manager {
	m := &Manager{
		options:       opts.normalized(),
		entries:       make(map[string]*managedEntry),
		notifications: newNotificationRegistry(),
	}
	m.dial = m.dialStdio
	return m
}

// Options returns the normalized options the manager runs with.
func (m *Manager) Options() ManagerOptions { return m.options }

// ListServers returns the names of connected or connecting servers.
func (m *Manager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasServer reports whether a server name is registered.
func (m *Manager) HasServer(serverID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[serverID]
	return ok
}

// Status derives the registry status of a server without contacting it.
func (m *Manager) Status(serverID string) ConnectionStatus {
	_, conn, attempt, ok := m.lookup(serverID)
	switch {
	case !ok:
		return StatusDisconnected
	case attempt != nil:
		return StatusConnecting
	case conn.State() == StateReady:
		return StatusConnected
	default:
		return StatusDisconnected
	}
}

// lookup snapshots a registry entry under the lock.
func (m *Manager) lookup(serverID string) (ServerConfig, *Connection, *connectAttempt, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[serverID]
	if !ok {
		return ServerConfig{}, nil, nil, false
	}
	return e.config, e.conn, e.attempt, true
}

// GetServerSummaries returns status snapshots for all managed servers.
func (m *Manager) GetServerSummaries() []ServerSummary {
	ids := m.ListServers()
	summaries := make([]ServerSummary, 0, len(ids))
	for _, id := range ids {
		cfg, conn, attempt, ok := m.lookup(id)
		if !ok {
			continue
		}
		s := ServerSummary{ID: id, Config: cfg.Clone(), Status: StatusConnecting}
		if attempt == nil && conn != nil {
			s.Status = StatusDisconnected
			if conn.State() == StateReady {
				s.Status = StatusConnected
			}
			s.ConnectionID = conn.ID()
			s.Pid = conn.Pid()
			if tools, err := conn.Tools(); err == nil {
				s.ToolCount = len(tools)
			}
			if res := conn.InitializeResult(); res != nil {
				s.ServerInfo = res.ServerInfo
			}
		}
		summaries = append(summaries, s)
	}
	return summaries
}

// GetServerConfig returns a copy of the configuration a server was connected
// with.
func (m *Manager) GetServerConfig(serverID string) (ServerConfig, bool) {
	cfg, _, _, ok := m.lookup(serverID)
	if !ok {
		return ServerConfig{}, false
	}
	return cfg.Clone(), true
}

// ServerInfo returns the server's initialize result.
func (m *Manager) ServerInfo(ctx context.Context, serverID string) (*mcp.InitializeResult, error) {
	conn, err := m.connection(ctx, "server info", serverID, "")
	if err != nil {
		return nil, err
	}
	return conn.InitializeResult(), nil
}

// Connect launches command with args as the tool server serverID.
func (m *Manager) Connect(ctx context.Context, serverID, command string, args []string) error {
	return m.ConnectServer(ctx, ServerConfig{Name: serverID, Command: command, Args: args})
}

// ConnectServer spawns the configured server, performs the handshake and
// registers the connection once its tools are known.
//
// Connecting a name that is already live with the same launch settings is a
// no-op. Callers racing on the same name share one attempt and its outcome.
// The attempt itself is not bound to ctx: ctx only bounds how long this caller
// waits for it.
func (m *Manager) ConnectServer(ctx context.Context, cfg ServerConfig) error {
	const op = "connect"
	if err := cfg.Validate(); err != nil {
		return newError(op, cfg.Name, "", ErrSpawn, err)
	}
	cfg = cfg.Clone()
	name := cfg.Name

	for {
		m.mu.Lock()
		entry := m.entries[name]
		if entry != nil && entry.conn != nil && entry.conn.State().terminal() {
			// Dead but not yet collected by its monitor, which will now skip
			// it; report the removal here instead.
			delete(m.entries, name)
			handlers := slices.Clone(m.serverRemovedHandlers)
			m.mu.Unlock()
			m.reportRemoved(entry, entry.conn, handlers)
			continue
		}
		switch {
		case entry == nil:
			attempt := &connectAttempt{done: make(chan struct{})}
			entry = &managedEntry{config: cfg, attempt: attempt}
			m.entries[name] = entry
			m.mu.Unlock()
			go m.runAttempt(context.WithoutCancel(ctx), entry, attempt)
			return m.await(ctx, name, attempt)

		case entry.attempt != nil:
			attempt := entry.attempt
			same := SameLaunch(entry.config, cfg)
			m.mu.Unlock()
			if !same && m.options.ConflictPolicy == ConflictReject {
				return newError(op, name, "", ErrAlreadyConnected, nil)
			}
			if same {
				return m.await(ctx, name, attempt)
			}
			// Reconnect with new settings once the current attempt settles.
			if err := m.await(ctx, name, attempt); err != nil && ctx.Err() != nil {
				return err
			}

		default:
			if SameLaunch(entry.config, cfg) {
				m.mu.Unlock()
				return nil
			}
			if m.options.ConflictPolicy == ConflictReject {
				m.mu.Unlock()
				return newError(op, name, "", ErrAlreadyConnected, nil)
			}
			delete(m.entries, name)
			old := entry.conn
			m.mu.Unlock()
			m.options.Logger.Info("reconnecting tool server with new configuration", "server", name)
			if err := old.Close(ctx); err != nil {
				m.options.Logger.Warn("closing previous connection failed", "server", name, "error", err)
			}
		}
	}
}

func (m *Manager) await(ctx context.Context, name string, attempt *connectAttempt) error {
	select {
	case <-attempt.done:
		return attempt.err
	case <-ctx.Done():
		return newError("connect", name, "", ctx.Err(), context.Cause(ctx))
	}
}

func (m *Manager) runAttempt(ctx context.Context, entry *managedEntry, attempt *connectAttempt) {
	name := entry.config.Name
	conn, err := m.dial(ctx, entry.config)

	m.mu.Lock()
	current := m.entries[name] == entry
	switch {
	case err != nil:
		if current {
			delete(m.entries, name)
		}
	case !current:
		err = newError("connect", name, "", ErrConnectionClosed, errors.New("disconnected while connecting"))
	default:
		entry.conn = conn
		entry.attempt = nil
	}
	attempt.err = err
	close(attempt.done)
	m.mu.Unlock()

	switch {
	case err == nil:
		go m.monitor(entry, conn)
	case conn != nil:
		_ = conn.Close(context.Background())
	default:
		m.options.Logger.Warn("tool server connect failed", "server", name, "error", err)
	}
}

func (m *Manager) dialStdio(ctx context.Context, cfg ServerConfig) (*Connection, error) {
	transport, err := NewStdioTransport(ctx, StdioTransportConfig{
		Command:       cfg.Command,
		Args:          cfg.Args,
		Env:           cfg.Env,
		Dir:           cfg.Dir,
		Framing:       cfg.framing(),
		KillGrace:     m.options.KillGrace,
		MaxFrameBytes: m.options.MaxFrameBytes,
		Logger:        m.options.Logger.With("server", cfg.Name),
	})
	if err != nil {
		return nil, withContext("connect", cfg.Name, "", err)
	}
	conn := newConnection(transport, m.connectionParams(cfg))
	if err := conn.handshake(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

func (m *Manager) connectionParams(cfg ServerConfig) connectionParams {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = m.options.DefaultHandshakeTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = m.options.DefaultCallTimeout
	}
	name := cfg.Name
	return connectionParams{
		config:    cfg,
		options:   m.options,
		rpcLogger: m.resolveRPCLogger(cfg),
		onNotification: func(method string, params json.RawMessage) {
			m.dispatchNotification(name, method, params)
		},
		onToolsChanged: func(tools []*mcp.Tool) {
			m.dispatchToolsChanged(name, tools)
		},
	}
}

func (m *Manager) resolveRPCLogger(cfg ServerConfig) RPCLogger {
	if cfg.RPCLogger != nil {
		return cfg.RPCLogger
	}
	if m.options.RPCLogger != nil {
		return m.options.RPCLogger
	}
	if cfg.LogJSONRPC || m.options.DefaultLogJSONRPC {
		logger := m.options.Logger
		return func(event RPCLogEvent) {
			logger.Debug("jsonrpc", "server", event.ServerID, "direction", string(event.Direction), "message", string(event.Message))
		}
	}
	return nil
}

// monitor drops the registry entry once its connection dies, unless the entry
// was already replaced or removed.
func (m *Manager) monitor(entry *managedEntry, conn *Connection) {
	<-conn.Done()
	name := entry.config.Name

	m.mu.Lock()
	current := m.entries[name] == entry && entry.conn == conn
	if current {
		delete(m.entries, name)
	}
	handlers := slices.Clone(m.serverRemovedHandlers)
	m.mu.Unlock()
	if current {
		m.reportRemoved(entry, conn, handlers)
	}
}

// reportRemoved tells OnServerRemoved handlers that entry's connection is
// gone. The caller must have removed entry from the registry itself.
func (m *Manager) reportRemoved(entry *managedEntry, conn *Connection, handlers []func(string, error)) {
	name := entry.config.Name
	err := conn.Err()
	if errors.Is(err, ErrConnectionClosed) {
		err = nil
	} else {
		m.options.Logger.Warn("tool server connection lost", "server", name, "error", err)
		if entry.config.OnError != nil {
			entry.config.OnError(err)
		}
	}
	m.notifyRemoved(handlers, name, err)
}

// Disconnect closes the connection to serverID and removes it. Unknown names
// are a no-op.
func (m *Manager) Disconnect(ctx context.Context, serverID string) error {
	m.mu.Lock()
	entry, ok := m.entries[serverID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.entries, serverID)
	handlers := slices.Clone(m.serverRemovedHandlers)
	m.mu.Unlock()

	var closeErr error
	if entry.conn != nil {
		closeErr = entry.conn.Close(ctx)
	}
	m.notifyRemoved(handlers, serverID, nil)
	if closeErr != nil {
		return fmt.Errorf("mcpmgr: disconnect %q: %w", serverID, closeErr)
	}
	return nil
}

// DisconnectAll closes every connection concurrently.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, id := range m.ListServers() {
		g.Go(func() error {
			if err := m.Disconnect(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// OnServerRemoved registers a callback invoked after a server leaves the
// registry, either through Disconnect (err is nil) or because its connection
// was lost. Handlers run without the manager lock held.
func (m *Manager) OnServerRemoved(handler func(serverID string, err error)) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	m.serverRemovedHandlers = append(m.serverRemovedHandlers, handler)
	m.mu.Unlock()
}

func (m *Manager) notifyRemoved(handlers []func(string, error), serverID string, err error) {
	for _, h := range handlers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					m.options.Logger.Error("server removed handler panicked", "server", serverID, "panic", p)
				}
			}()
			h(serverID, err)
		}()
	}
}

// connection returns the live connection for serverID, waiting for an
// in-flight connect to settle first.
func (m *Manager) connection(ctx context.Context, op, serverID, tool string) (*Connection, error) {
	for {
		_, conn, attempt, ok := m.lookup(serverID)
		if !ok {
			return nil, newError(op, serverID, tool, ErrNotConnected, nil)
		}
		if attempt != nil {
			select {
			case <-attempt.done:
				continue
			case <-ctx.Done():
				return nil, newError(op, serverID, tool, ctx.Err(), context.Cause(ctx))
			}
		}
		if conn.State().terminal() {
			return nil, newError(op, serverID, tool, ErrNotConnected, conn.Err())
		}
		return conn, nil
	}
}

// GetTools returns the cached tools of serverID without contacting it.
func (m *Manager) GetTools(ctx context.Context, serverID string) ([]*mcp.Tool, error) {
	conn, err := m.connection(ctx, "list tools", serverID, "")
	if err != nil {
		return nil, err
	}
	return conn.Tools()
}

// AllTools returns the cached tools of every ready server keyed by name.
// Servers that are not ready are skipped.
func (m *Manager) AllTools() map[string][]*mcp.Tool {
	m.mu.RLock()
	conns := make(map[string]*Connection, len(m.entries))
	for id, e := range m.entries {
		if e.conn != nil {
			conns[id] = e.conn
		}
	}
	m.mu.RUnlock()
	out := make(map[string][]*mcp.Tool, len(conns))
	for id, conn := range conns {
		if tools, err := conn.Tools(); err == nil {
			out[id] = tools
		}
	}
	return out
}

// RefreshTools re-runs tool discovery on serverID.
func (m *Manager) RefreshTools(ctx context.Context, serverID string) ([]*mcp.Tool, error) {
	conn, err := m.connection(ctx, "refresh tools", serverID, "")
	if err != nil {
		return nil, err
	}
	return conn.RefreshTools(ctx)
}

// CallTool invokes toolName on serverID and returns the raw result.
func (m *Manager) CallTool(ctx context.Context, serverID, toolName string, args any) (json.RawMessage, error) {
	return m.CallToolWithParams(ctx, serverID, &mcp.CallToolParams{Name: toolName, Arguments: args})
}

// CallToolWithParams invokes a tool with the provided CallToolParams,
// allowing callers to preserve metadata such as progress tokens.
func (m *Manager) CallToolWithParams(ctx context.Context, serverID string, params *mcp.CallToolParams) (json.RawMessage, error) {
	tool := ""
	if params != nil {
		tool = params.Name
	}
	conn, err := m.connection(ctx, "call tool", serverID, tool)
	if err != nil {
		return nil, err
	}
	return conn.Invoke(ctx, params)
}

// ExecuteTool invokes a tool and decodes the MCP tool result.
func (m *Manager) ExecuteTool(ctx context.Context, serverID, toolName string, args any) (*mcp.CallToolResult, error) {
	return m.ExecuteToolWithParams(ctx, serverID, &mcp.CallToolParams{Name: toolName, Arguments: args})
}

// ExecuteToolWithParams is ExecuteTool for callers that need to set _meta.
func (m *Manager) ExecuteToolWithParams(ctx context.Context, serverID string, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	raw, err := m.CallToolWithParams(ctx, serverID, params)
	if err != nil {
		return nil, err
	}
	var res mcp.CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, newError("call tool", serverID, params.Name, ErrMalformedMessage, err)
	}
	return &res, nil
}
