package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-stdio-manager-go/pkg/catalog"
)

// NewToolsCmd creates the "tools" command.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools [server...]",
		Short: "List the tools of the named servers, or of every enabled server",
		RunE:  runTools,
	}
	cmd.Flags().Bool("json", false, "Print tools as JSON, including input schemas")
	return cmd
}

type toolListing struct {
	Server      string `json:"server"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

func runTools(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	s, err := openSession(cmd, nil)
	if err != nil {
		return err
	}
	defer s.close()

	ctx := cmd.Context()
	if len(args) == 0 {
		if err := s.catalog.ConnectAll(ctx); err != nil {
			s.logger.Warn("some servers failed to connect", "error", err)
		}
	}
	for _, name := range args {
		if err := s.catalog.Connect(ctx, name); err != nil {
			return connectError(name, err)
		}
	}

	listings := collectTools(s.catalog.Tools(), args)
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(listings)
	}

	bold := color.New(color.Bold)
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tTOOL\tDESCRIPTION")
	for _, t := range listings {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.Server, bold.Sprint(t.Name), firstLine(t.Description))
	}
	return w.Flush()
}

func collectTools(all []catalog.ServerTool, servers []string) []toolListing {
	wanted := make(map[string]bool, len(servers))
	for _, s := range servers {
		wanted[s] = true
	}
	listings := make([]toolListing, 0, len(all))
	for _, st := range all {
		if len(wanted) > 0 && !wanted[st.Server] {
			continue
		}
		listings = append(listings, toolListing{
			Server:      st.Server,
			Name:        st.Tool.Name,
			Description: st.Tool.Description,
			InputSchema: st.Tool.InputSchema,
		})
	}
	return listings
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
