package command

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adamavenir/codeindex/internal/config"
	"github.com/adamavenir/codeindex/internal/indexer"
	"github.com/adamavenir/codeindex/internal/search"
)

func writeCommandError(cmd *cobra.Command, err error) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err.Error())

	if hint := errorHint(err); hint != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), "Hint: "+hint)
	}

	return err
}

func errorHint(err error) string {
	switch {
	case errors.Is(err, config.ErrMissingToken):
		return "export CODEINDEX_AUTH_TOKEN or set auth_token in the config file"
	case errors.Is(err, config.ErrMissingBaseURL):
		return "pass --base-url or export CODEINDEX_BASE_URL"
	case errors.Is(err, indexer.ErrNotIndexed):
		return "run: " + AppName + " index <path>"
	case errors.Is(err, search.ErrNoSingleWorkspace):
		return "search works on one indexed workspace at a time; see: " + AppName + " status"
	}
	return ""
}
