package command

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewIndexCmd creates the index command.
func NewIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Upload a workspace to the index (default: current directory)",
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

			verbose, _ := cmd.Flags().GetBool("verbose")
			result, err := a.Indexer.Index(cmd.Context(), path, verbose)
			if err != nil {
				return writeCommandError(cmd, err)
			}

			if jsonOutput(cmd) {
				return writeJSON(cmd, result)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Indexed %s\n", result.WorkspacePath)
			fmt.Fprintf(out, "  codebase:  %s\n", result.CodebaseID)
			fmt.Fprintf(out, "  uploaded:  %d file%s in %d batch%s\n", result.Uploaded, plural(result.Uploaded, "s"), result.Batches, plural(result.Batches, "es"))
			if skipped := result.Oversize + result.Unreadable + result.Failed; skipped > 0 {
				fmt.Fprintf(out, "  skipped:   %d (oversize %d, unreadable %d, failed %d)\n", skipped, result.Oversize, result.Unreadable, result.Failed)
			}
			for _, f := range result.Files {
				fmt.Fprintf(out, "    %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolP("verbose", "v", false, "list uploaded files")
	return cmd
}

func plural(n int, suffix string) string {
	if n == 1 {
		return ""
	}
	return suffix
}
