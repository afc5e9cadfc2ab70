package command

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamavenir/codeindex/internal/indexer"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [path]",
		Short: "Show index state for one workspace, or all known workspaces",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := GetContext(cmd, true)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer a.Close()

			var statuses []*indexer.Status
			if len(args) > 0 {
				path, err := resolvePath(args)
				if err != nil {
					return writeCommandError(cmd, err)
				}
				st, err := a.Indexer.Status(path)
				if err != nil {
					return writeCommandError(cmd, err)
				}
				statuses = append(statuses, st)
			} else {
				statuses, err = a.Indexer.Workspaces()
				if err != nil {
					return writeCommandError(cmd, err)
				}
			}

			if jsonOutput(cmd) {
				if statuses == nil {
					statuses = []*indexer.Status{}
				}
				return writeJSON(cmd, statuses)
			}
			out := cmd.OutOrStdout()
			if len(statuses) == 0 {
				fmt.Fprintln(out, "No workspaces indexed")
				return nil
			}
			for _, st := range statuses {
				state := "not indexed"
				if st.Indexed {
					state = "indexed as " + st.CodebaseID
				}
				fmt.Fprintf(out, "%s: %s\n", st.WorkspacePath, state)
				if st.IndexedAt > 0 {
					fmt.Fprintf(out, "  indexed:   %s\n", formatUnix(st.IndexedAt))
				}
				if st.LastSyncAt > 0 {
					fmt.Fprintf(out, "  last sync: %s\n", formatUnix(st.LastSyncAt))
				}
			}
			return nil
		},
	}
	return cmd
}

func formatUnix(ts int64) string {
	return time.Unix(ts, 0).Local().Format(time.RFC3339)
}
