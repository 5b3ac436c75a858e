package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-stdio-manager-go/pkg/mcpmgr"
)

// NewServersCmd creates the "servers" command.
func NewServersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List configured tool servers",
		Args:  cobra.NoArgs,
		RunE:  runServers,
	}
	cmd.Flags().Bool("connect", false, "Start every enabled server and report its status and tool count")
	return cmd
}

func runServers(cmd *cobra.Command, _ []string) error {
	connect, _ := cmd.Flags().GetBool("connect")

	s, err := openSession(cmd, nil)
	if err != nil {
		return err
	}
	defer s.close()

	failed := false
	if connect {
		if err := s.catalog.ConnectAll(cmd.Context()); err != nil {
			failed = true
			s.logger.Debug("connect all reported failures", "error", err)
		}
	}

	tools := s.catalog.Manager().AllTools()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tTOOLS\tCOMMAND")
	for _, entry := range s.catalog.Entries() {
		count := "-"
		if entry.Status == mcpmgr.StatusConnected {
			count = fmt.Sprint(len(tools[entry.Name]))
		}
		command := strings.TrimSpace(entry.Config.Command + " " + strings.Join(entry.Config.Args, " "))
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", entry.Name, statusLabel(entry.Disabled, entry.Status, connect), count, command)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed {
		return exitError(exitConnect, "one or more servers failed to connect")
	}
	return nil
}

func statusLabel(disabled bool, status mcpmgr.ConnectionStatus, attempted bool) string {
	switch {
	case disabled:
		return color.New(color.FgYellow).Sprint("disabled")
	case status == mcpmgr.StatusConnected:
		return color.New(color.FgGreen).Sprint(string(status))
	case attempted:
		return color.New(color.FgRed).Sprint("failed")
	default:
		return string(status)
	}
}
