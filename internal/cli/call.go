package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-stdio-manager-go/pkg/mcpmgr"
)

// NewCallCmd creates the "call" command.
func NewCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <server> <tool>",
		Short: "Invoke a tool and print its result",
		Example: `  mcpctl call files read_file --arg path=/etc/hosts
  mcpctl call math add --args '{"a": 2, "b": 3}' --json`,
		Args: cobra.ExactArgs(2),
		RunE: runCall,
	}
	cmd.Flags().String("args", "", "Tool arguments as a JSON object")
	cmd.Flags().StringArrayP("arg", "a", nil, "Tool argument KEY=VALUE; VALUE is parsed as JSON when possible (repeatable)")
	cmd.Flags().Duration("timeout", 0, "Overall deadline for connecting and calling")
	cmd.Flags().Bool("json", false, "Print the raw tools/call result")
	return cmd
}

func runCall(cmd *cobra.Command, args []string) error {
	server, tool := args[0], args[1]
	rawArgs, _ := cmd.Flags().GetString("args")
	pairs, _ := cmd.Flags().GetStringArray("arg")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	asJSON, _ := cmd.Flags().GetBool("json")

	arguments, err := parseToolArgs(rawArgs, pairs)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	s, err := openSession(cmd, nil)
	if err != nil {
		return err
	}
	defer s.close()

	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := s.catalog.Connect(ctx, server); err != nil {
		return connectError(server, err)
	}

	start := time.Now()
	raw, err := s.catalog.Manager().CallTool(ctx, server, tool, arguments)
	if err != nil {
		return callError(err)
	}
	s.logger.Debug("tool call finished", "server", server, "tool", tool, "duration", time.Since(start))

	var result mcp.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return exitError(exitRuntime, "decoding result: %v", err)
	}
	if asJSON {
		if _, err := fmt.Fprintln(cmd.OutOrStdout(), string(raw)); err != nil {
			return err
		}
	} else {
		printResult(cmd.OutOrStdout(), &result)
	}
	if result.IsError {
		return exitError(exitToolError, "tool %s reported an error", tool)
	}
	return nil
}

func callError(err error) error {
	var rpcErr *mcpmgr.RPCError
	switch {
	case errors.Is(err, mcpmgr.ErrInvocationTimeout), errors.Is(err, context.DeadlineExceeded):
		return exitError(exitTimeout, "%v", err)
	case errors.Is(err, mcpmgr.ErrUnknownTool), errors.Is(err, mcpmgr.ErrInvalidArguments):
		return exitError(exitValidation, "%v", err)
	case errors.As(err, &rpcErr):
		return exitError(exitToolError, "%v", err)
	default:
		return exitError(exitRuntime, "%v", err)
	}
}

// parseToolArgs merges a JSON object with KEY=VALUE pairs; pairs win.
func parseToolArgs(raw string, pairs []string) (map[string]any, error) {
	out := make(map[string]any)
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("--args must be a JSON object: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --arg %q, want KEY=VALUE", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err != nil {
			decoded = value
		}
		out[key] = decoded
	}
	return out, nil
}

func printResult(w io.Writer, result *mcp.CallToolResult) {
	for _, content := range result.Content {
		switch c := content.(type) {
		case *mcp.TextContent:
			if result.IsError {
				color.New(color.FgRed).Fprintln(w, c.Text)
			} else {
				fmt.Fprintln(w, c.Text)
			}
		case *mcp.ImageContent:
			fmt.Fprintf(w, "[image %s, %d bytes]\n", c.MIMEType, len(c.Data))
		case *mcp.AudioContent:
			fmt.Fprintf(w, "[audio %s, %d bytes]\n", c.MIMEType, len(c.Data))
		case *mcp.ResourceLink:
			fmt.Fprintf(w, "[resource %s]\n", c.URI)
		default:
			data, _ := json.Marshal(content)
			fmt.Fprintln(w, string(data))
		}
	}
	if len(result.Content) == 0 && result.StructuredContent != nil {
		data, _ := json.MarshalIndent(result.StructuredContent, "", "  ")
		fmt.Fprintln(w, string(data))
	}
}
