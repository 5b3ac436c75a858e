package cli

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	mcpgateway "github.com/vikashloomba/mcp-stdio-manager-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-stdio-manager-go/pkg/mcpotel"
)

// NewServeCmd creates the "serve" command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start every enabled server and republish its tools over Streamable HTTP",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("addr", ":8700", "Listen address")
	cmd.Flags().String("path", "/mcp", "HTTP path of the MCP endpoint")
	cmd.Flags().StringSlice("cors-origin", nil, "Allowed CORS origins (repeatable)")
	cmd.Flags().String("token-env", "", "Require a bearer token equal to the value of this environment variable")
	cmd.Flags().Bool("stateless", false, "Serve without MCP sessions")
	cmd.Flags().Bool("json-response", false, "Answer POSTs with application/json instead of SSE")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	path, _ := cmd.Flags().GetString("path")
	origins, _ := cmd.Flags().GetStringSlice("cors-origin")
	tokenEnv, _ := cmd.Flags().GetString("token-env")
	stateless, _ := cmd.Flags().GetBool("stateless")
	jsonResponse, _ := cmd.Flags().GetBool("json-response")

	observer, err := mcpotel.NewObserver(otelapi.Meter("mcpctl"), otelapi.Tracer("mcpctl"))
	if err != nil {
		return exitError(exitRuntime, "creating telemetry observer: %v", err)
	}
	s, err := openSession(cmd, observer)
	if err != nil {
		return err
	}
	defer s.close()

	opts := &mcpgateway.Options{
		Implementation: &mcp.Implementation{Name: "mcpctl", Version: cmd.Root().Version},
		Addr:           addr,
		Path:           path,
		Logger:         s.logger,
		Streamable:     mcp.StreamableHTTPOptions{Stateless: stateless, JSONResponse: jsonResponse},
	}
	if len(origins) > 0 {
		opts.CORS = &cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Mcp-Session-Id", "Mcp-Protocol-Version", "Last-Event-ID"},
			ExposedHeaders: []string{"Mcp-Session-Id"},
		}
	}
	if tokenEnv != "" {
		token := os.Getenv(tokenEnv)
		if token == "" {
			return exitError(exitValidation, "environment variable %s is empty", tokenEnv)
		}
		opts.TokenVerifier = staticTokenVerifier(token)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.catalog.ConnectAll(ctx); err != nil {
		s.logger.Warn("some servers failed to connect", "error", err)
	}
	gateway, err := mcpgateway.NewGateway(s.catalog.Manager(), opts)
	if err != nil {
		return exitError(exitRuntime, "building gateway: %v", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Serving %d tools on %s%s\n", len(gateway.ToolNames()), addr, path)
	if err := gateway.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return exitError(exitRuntime, "gateway stopped: %v", err)
	}
	return nil
}

// staticTokenVerifier accepts exactly one shared bearer token.
func staticTokenVerifier(want string) auth.TokenVerifier {
	return func(_ context.Context, token string, _ *http.Request) (*auth.TokenInfo, error) {
		if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
			return nil, auth.ErrInvalidToken
		}
		return &auth.TokenInfo{Expiration: time.Now().Add(time.Hour)}, nil
	}
}
