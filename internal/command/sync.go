package command

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewSyncCmd creates the sync command.
func NewSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [path]",
		Short: "Reconcile an indexed workspace and upload what changed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolvePath(args)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			a, err := GetContext(cmd, true)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer a.Close()

			result, err := a.Indexer.Sync(cmd.Context(), path)
			if err != nil {
				return writeCommandError(cmd, err)
			}

			if jsonOutput(cmd) {
				return writeJSON(cmd, result)
			}
			out := cmd.OutOrStdout()
			if len(result.Changed) == 0 {
				fmt.Fprintf(out, "%s is up to date\n", result.WorkspacePath)
			} else {
				fmt.Fprintf(out, "Synced %s: %d changed, %d uploaded\n", result.WorkspacePath, len(result.Changed), result.Upload.Uploaded)
				for _, p := range result.Changed {
					fmt.Fprintf(out, "  %s\n", p)
				}
			}
			if result.Reconcile.Truncated {
				fmt.Fprintln(out, "Note: reconciliation stopped at the iteration limit; run sync again to continue")
			}
			return nil
		},
	}
	return cmd
}
