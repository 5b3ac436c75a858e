// Package cli implements the mcpctl commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-stdio-manager-go/pkg/catalog"
	"github.com/vikashloomba/mcp-stdio-manager-go/pkg/mcpmgr"
)

const defaultConfigPath = "mcp-servers.yaml"

// NewRootCmd creates the mcpctl command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "mcpctl",
		Short: "Launch and call stdio MCP tool servers",
		Long: "mcpctl starts the tool servers named in a YAML, TOML or JSON config file, " +
			"lists and calls their tools, and can republish them over Streamable HTTP.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
				color.NoColor = true
			}
			return nil
		},
	}
	root.SetVersionTemplate(fmt.Sprintf("mcpctl version %s\n", version))

	flags := root.PersistentFlags()
	flags.StringP("config", "c", defaultConfigPath, "Path to the server config file (.yaml, .toml or .json)")
	flags.String("log-level", "warn", "Log level: debug | info | warn | error")
	flags.String("log-format", "text", "Log format: text | json")
	flags.Bool("no-color", false, "Disable colored output")
	flags.Bool("log-jsonrpc", false, "Log every JSON-RPC frame exchanged with servers")
	flags.Bool("validate-args", false, "Validate tool arguments against input schemas before sending")

	root.AddCommand(NewServersCmd())
	root.AddCommand(NewToolsCmd())
	root.AddCommand(NewCallCmd())
	root.AddCommand(NewServeCmd())
	return root
}

// session bundles what a command needs to talk to the configured servers.
type session struct {
	logger  *slog.Logger
	catalog *catalog.Catalog
}

func openSession(cmd *cobra.Command, observer mcpmgr.Observer) (*session, error) {
	flags := cmd.Flags()
	level, _ := flags.GetString("log-level")
	format, _ := flags.GetString("log-format")
	path, _ := flags.GetString("config")
	logJSONRPC, _ := flags.GetBool("log-jsonrpc")
	validate, _ := flags.GetBool("validate-args")

	logger, err := setupLogger(cmd.ErrOrStderr(), level, format)
	if err != nil {
		return nil, exitError(exitValidation, "%v", err)
	}

	cfg, err := catalog.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, exitError(exitValidation, "config file %s not found (use --config)", path)
		}
		return nil, exitError(exitValidation, "%v", err)
	}

	manager := mcpmgr.NewManager(&mcpmgr.ManagerOptions{
		DefaultClientName: "mcpctl",
		DefaultLogJSONRPC: logJSONRPC,
		ValidateArguments: validate,
		Logger:            logger,
		Observer:          observer,
	})
	return &session{logger: logger, catalog: catalog.New(manager, cfg, logger)}, nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.catalog.Close(ctx); err != nil {
		s.logger.Warn("disconnect failed", "error", err)
	}
}

// connectError maps a connect failure to an exit code.
func connectError(server string, err error) error {
	switch {
	case errors.Is(err, catalog.ErrUnknownServer), errors.Is(err, catalog.ErrDisabled):
		return exitError(exitValidation, "%v", err)
	case errors.Is(err, mcpmgr.ErrHandshakeTimeout), errors.Is(err, context.DeadlineExceeded):
		return exitError(exitTimeout, "connecting %s: %v", server, err)
	default:
		return exitError(exitConnect, "connecting %s: %v", server, err)
	}
}
