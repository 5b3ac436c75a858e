package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/modelcontextprotocol/go-sdk/oauthex"
	"github.com/rs/cors"

	"github.com/vikashloomba/mcp-stdio-manager-go/pkg/mcpmgr"
)

const protectedResourcePath = "/.well-known/oauth-protected-resource"

// Gateway exposes a Streamable MCP server that fronts the tools of every server
// connected through an mcpmgr.Manager under a single HTTP endpoint.
type Gateway struct {
	manager *mcpmgr.Manager
	opts    Options

	features *featureIndex
	progress *progressTracker

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	mux           *http.ServeMux
	httpHandler   http.Handler

	serverMu     sync.Mutex
	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// NewGateway builds a Gateway, synchronizes the tools of every connected
// server, and subscribes to tool list changes, server removal, and progress
// notifications on the manager.
func NewGateway(mgr *mcpmgr.Manager, opts *Options) (*Gateway, error) {
	if mgr == nil {
		return nil, fmt.Errorf("mcpgateway: manager is required")
	}
	options := opts.withDefaults()
	if err := options.validate(); err != nil {
		return nil, err
	}
	g := &Gateway{
		manager:  mgr,
		opts:     options,
		features: newFeatureIndex(options.Namespace),
		progress: newProgressTracker(options.Logger),
	}

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{HasTools: true})
	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.httpHandler = g.mountHandler()

	mgr.OnToolListChanged(mcpmgr.AnyServer, g.applyTools)
	mgr.OnServerRemoved(g.dropServer)
	mgr.AddNotificationHandler(mcpmgr.AnyServer, mcpmgr.NotificationSchemaProgress, g.forwardProgress)

	if err := g.SyncAll(context.Background()); err != nil {
		return nil, err
	}
	return g, nil
}

// Handler exposes the HTTP handler that serves the Streamable endpoint.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ServeMux returns the mux behind Handler so callers can mount extra routes.
func (g *Gateway) ServeMux() *http.ServeMux {
	return g.mux
}

// Server returns the downstream MCP server.
func (g *Gateway) Server() *mcp.Server {
	return g.server
}

// ToolNames lists every tool the gateway currently exposes.
func (g *Gateway) ToolNames() []string {
	return g.features.ToolNames()
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	g.opts.Logger.Info("gateway listening", "addr", g.opts.Addr, "path", g.opts.Path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.SyncTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

// SyncAll refreshes every connected server. Failures are logged and joined.
func (g *Gateway) SyncAll(ctx context.Context) error {
	var errs []error
	for _, serverID := range g.manager.ListServers() {
		if err := g.SyncServer(ctx, serverID); err != nil {
			g.logError("sync server", err, "server", serverID)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SyncServer re-reads the cached tools of serverID and republishes them.
func (g *Gateway) SyncServer(ctx context.Context, serverID string) error {
	ctx, cancel := g.syncContext(ctx)
	defer cancel()
	tools, err := g.manager.GetTools(ctx, serverID)
	if err != nil {
		return err
	}
	g.applyTools(serverID, tools)
	return nil
}

// AttachServer connects cfg through the manager and publishes its tools. An
// already connected server with the same launch settings is only resynced.
func (g *Gateway) AttachServer(ctx context.Context, cfg mcpmgr.ServerConfig) error {
	if err := g.manager.ConnectServer(ctx, cfg); err != nil {
		return err
	}
	return g.SyncServer(ctx, cfg.Name)
}

// DetachServer disconnects serverID; its tools are withdrawn once the manager
// reports the removal.
func (g *Gateway) DetachServer(ctx context.Context, serverID string) error {
	return g.manager.Disconnect(ctx, serverID)
}

func (g *Gateway) applyTools(serverID string, tools []*mcp.Tool) {
	if !g.manager.HasServer(serverID) {
		return
	}
	removed, added := g.features.UpdateTools(serverID, tools)
	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	if len(removed) > 0 {
		g.server.RemoveTools(removed...)
	}
	for _, reg := range added {
		g.addTool(reg)
	}
	g.opts.Logger.Debug("gateway tools synced", "server", serverID, "tools", len(added))
}

func (g *Gateway) addTool(reg toolRegistration) {
	defer func() {
		if r := recover(); r != nil {
			g.opts.Logger.Warn("skipping tool", "tool", reg.Target.GatewayName, "server", reg.Target.ServerID, "error", r)
		}
	}()
	g.server.AddTool(reg.Tool, g.makeToolHandler(reg.Target))
}

func (g *Gateway) dropServer(serverID string, cause error) {
	removed := g.features.RemoveServer(serverID)
	if len(removed) == 0 {
		return
	}
	g.serverMu.Lock()
	g.server.RemoveTools(removed...)
	g.serverMu.Unlock()
	if cause != nil {
		g.opts.Logger.Warn("upstream server lost, tools withdrawn", "server", serverID, "error", cause)
	}
}

func (g *Gateway) makeToolHandler(target toolTarget) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params := &mcp.CallToolParams{Name: target.NativeName}
		if req != nil && req.Params != nil {
			if len(req.Params.Arguments) > 0 {
				params.Arguments = req.Params.Arguments
			}
			if len(req.Params.Meta) > 0 {
				params.Meta = maps.Clone(req.Params.Meta)
			}
		}
		if req != nil && req.Session != nil {
			release := g.progress.track(ctx, target.ServerID, req.Session, params)
			defer release()
		}
		return g.manager.ExecuteToolWithParams(ctx, target.ServerID, params)
	}
}

func (g *Gateway) forwardProgress(_ context.Context, payload mcpmgr.NotificationPayload) {
	params, err := payload.Progress()
	if err != nil {
		g.logError("decode progress", err, "server", payload.ServerID)
		return
	}
	if _, err := g.progress.forward(payload.ServerID, params); err != nil {
		g.logError("forward progress", err, "server", payload.ServerID)
	}
}

func (g *Gateway) mountHandler() http.Handler {
	var endpoint http.Handler = g.streamHandler
	if g.opts.TokenVerifier != nil {
		endpoint = auth.RequireBearerToken(g.opts.TokenVerifier, g.opts.TokenOptions)(endpoint)
	}

	path := g.opts.Path
	mux := http.NewServeMux()
	mux.Handle(path, endpoint)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", endpoint)
	}
	if g.opts.AuthorizationServer != "" {
		metadata := cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		})
		mux.Handle(protectedResourcePath, metadata.Handler(http.HandlerFunc(g.serveResourceMetadata)))
	}
	g.mux = mux

	if g.opts.CORS != nil {
		return cors.New(*g.opts.CORS).Handler(mux)
	}
	return mux
}

func (g *Gateway) serveResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	meta := oauthex.ProtectedResourceMetadata{
		Resource:               g.resourceURL(r),
		AuthorizationServers:   []string{g.opts.AuthorizationServer},
		BearerMethodsSupported: []string{"header"},
	}
	if g.opts.TokenOptions != nil {
		meta.ScopesSupported = g.opts.TokenOptions.Scopes
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(meta); err != nil {
		g.logError("write resource metadata", err)
	}
}

func (g *Gateway) resourceURL(r *http.Request) string {
	if g.opts.ResourceURL != "" {
		return g.opts.ResourceURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + g.opts.Path
}

func (g *Gateway) syncContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if g.opts.SyncTimeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, g.opts.SyncTimeout)
}

func (g *Gateway) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	g.opts.Logger.Error(msg, attrs...)
}
