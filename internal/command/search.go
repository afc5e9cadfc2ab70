package command

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adamavenir/codeindex/internal/search"
)

// NewSearchCmd creates the search command.
func NewSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed workspace",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := GetContext(cmd, true)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer a.Close()

			include, _ := cmd.Flags().GetString("include")
			exclude, _ := cmd.Flags().GetString("exclude")
			limit, _ := cmd.Flags().GetInt("max-results")
			resp, err := a.Searcher.Search(cmd.Context(), search.Query{
				Text:       strings.Join(args, " "),
				Include:    include,
				Exclude:    exclude,
				MaxResults: limit,
			})
			if err != nil {
				return writeCommandError(cmd, err)
			}

			if jsonOutput(cmd) {
				return writeJSON(cmd, resp)
			}
			out := cmd.OutOrStdout()
			if len(resp.Hits) == 0 {
				fmt.Fprintln(out, "No results")
				return nil
			}
			for _, hit := range resp.Hits {
				fmt.Fprintf(out, "%s:%d-%d  (%.3f)\n", hit.Path, hit.StartLine, hit.EndLine, hit.Score)
			}
			if resp.Total > len(resp.Hits) {
				fmt.Fprintf(out, "... %d more\n", resp.Total-len(resp.Hits))
			}
			return nil
		},
	}

	cmd.Flags().String("include", "", "only paths matching this glob")
	cmd.Flags().String("exclude", "", "drop paths matching this glob")
	cmd.Flags().Int("max-results", search.DefaultMaxResults, "maximum results")
	return cmd
}
