package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	mcpgateway "github.com/vikashloomba/mcp-stdio-manager-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-stdio-manager-go/pkg/mcpmgr"
)

func main() {
	authorizationURL := os.Getenv("AUTHORIZATION_SERVER_URL")
	resourceMetadataURL := os.Getenv("OAUTH_RESOURCE_METADATA_URL")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := mcpmgr.NewManager(&mcpmgr.ManagerOptions{DefaultClientName: "gateway-example"})
	defer manager.DisconnectAll(context.Background())

	opts := &mcpgateway.Options{
		Addr: ":8787",
		Path: "/mcp",
		Streamable: mcp.StreamableHTTPOptions{
			JSONResponse: true,
		},
	}
	if authorizationURL != "" && resourceMetadataURL != "" {
		// Accepts any token. Replace with a check against the authorization server.
		opts.TokenVerifier = func(ctx context.Context, token string, req *http.Request) (*auth.TokenInfo, error) {
			return &auth.TokenInfo{Expiration: time.Now().Add(time.Hour)}, nil
		}
		opts.TokenOptions = &auth.RequireBearerTokenOptions{ResourceMetadataURL: resourceMetadataURL}
		opts.AuthorizationServer = authorizationURL
	}

	gateway, err := mcpgateway.NewGateway(manager, opts)
	if err != nil {
		log.Fatalf("failed to build gateway: %v", err)
	}

	if err := gateway.AttachServer(ctx, mcpmgr.ServerConfig{
		Name:             "everything",
		Command:          "npx",
		Args:             []string{"@modelcontextprotocol/server-everything"},
		HandshakeTimeout: 30 * time.Second,
	}); err != nil {
		log.Fatalf("failed to attach server: %v", err)
	}

	log.Printf("gateway serving %d tools on %s%s", len(gateway.ToolNames()), opts.Addr, opts.Path)
	if err := gateway.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("gateway server stopped: %v", err)
	}
}
