package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-stdio-manager-go/pkg/mcpmgr"
)

// ErrUnknownServer is returned for names the catalog does not define.
var ErrUnknownServer = errors.New("catalog: unknown server")

// ErrDisabled is returned when connecting a server marked disabled.
var ErrDisabled = errors.New("catalog: server is disabled")

// Entry describes one catalogued server.
type Entry struct {
	Name     string
	Config   mcpmgr.ServerConfig
	Disabled bool
	Status   mcpmgr.ConnectionStatus
}

// ServerTool pairs a tool with the server that provides it.
type ServerTool struct {
	Server string
	Tool   *mcp.Tool
}

// Catalog resolves server names to launch configurations and delegates the
// connection work to a Manager.
type Catalog struct {
	manager *mcpmgr.Manager
	file    *File
	logger  *slog.Logger

	// ConnectConcurrency bounds ConnectAll. Zero means unbounded.
	ConnectConcurrency int
}

// New returns a catalog over cfg backed by manager.
func New(manager *mcpmgr.Manager, cfg *File, logger *slog.Logger) *Catalog {
	if cfg == nil {
		cfg = &File{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{manager: manager, file: cfg, logger: logger}
}

// Manager returns the backing manager.
func (c *Catalog) Manager() *mcpmgr.Manager { return c.manager }

// Names lists every catalogued server.
func (c *Catalog) Names() []string { return c.file.Names() }

// Entries lists every catalogued server with its current status.
func (c *Catalog) Entries() []Entry {
	names := c.file.Names()
	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		s, _ := c.file.lookup(name)
		cfg, _ := c.file.ServerConfig(name)
		entries = append(entries, Entry{
			Name:     name,
			Config:   cfg,
			Disabled: s.Disabled,
			Status:   c.manager.Status(name),
		})
	}
	return entries
}

// Config returns the launch configuration of name.
func (c *Catalog) Config(name string) (mcpmgr.ServerConfig, bool) {
	return c.file.ServerConfig(name)
}

// Connect starts the named server unless it is already connected.
func (c *Catalog) Connect(ctx context.Context, name string) error {
	s, ok := c.file.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	if s.Disabled {
		return fmt.Errorf("%w: %q", ErrDisabled, name)
	}
	cfg, _ := c.file.ServerConfig(name)
	return c.manager.ConnectServer(ctx, cfg)
}

// ConnectAll connects every enabled server concurrently. A failing server
// does not stop the others; all failures are joined.
func (c *Catalog) ConnectAll(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	if c.ConnectConcurrency > 0 {
		g.SetLimit(c.ConnectConcurrency)
	}
	for _, name := range c.file.Names() {
		if s, _ := c.file.lookup(name); s.Disabled {
			c.logger.Debug("skipping disabled server", "server", name)
			continue
		}
		g.Go(func() error {
			if err := c.Connect(ctx, name); err != nil {
				c.logger.Warn("server failed to connect", "server", name, "error", err)
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

// Disconnect stops the named server.
func (c *Catalog) Disconnect(ctx context.Context, name string) error {
	return c.manager.Disconnect(ctx, name)
}

// Close disconnects every server the manager holds.
func (c *Catalog) Close(ctx context.Context) error {
	return c.manager.DisconnectAll(ctx)
}

// Tools returns the cached tools of every connected server, ordered by server
// name.
func (c *Catalog) Tools() []ServerTool {
	all := c.manager.AllTools()
	var out []ServerTool
	for _, name := range c.manager.ListServers() {
		for _, tool := range all[name] {
			out = append(out, ServerTool{Server: name, Tool: tool})
		}
	}
	return out
}

// Call invokes tool on server, connecting the server first when needed.
func (c *Catalog) Call(ctx context.Context, server, tool string, args any) (*mcp.CallToolResult, error) {
	if !c.manager.HasServer(server) {
		if err := c.Connect(ctx, server); err != nil {
			return nil, err
		}
	}
	return c.manager.ExecuteTool(ctx, server, tool, args)
}
