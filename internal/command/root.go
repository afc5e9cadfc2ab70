package command

import (
	"os"

	"github.com/spf13/cobra"
)

const AppName = "codeindex"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "codeindex - keep a remote code-search index in sync with a workspace",
		Long:          "codeindex uploads a workspace to a remote code-search index with encrypted paths and keeps it in sync by exchanging Merkle tree hashes.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("config", "", "config file (default: <data-dir>/config.yaml)")
	cmd.PersistentFlags().String("data-dir", "", "state directory (default: ~/.codeindex)")
	cmd.PersistentFlags().String("base-url", "", "index service URL")
	cmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().String("log-file", "", "also write JSON logs to this file")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		NewServeCmd(version),
		NewIndexCmd(),
		NewSyncCmd(),
		NewSearchCmd(),
		NewStatusCmd(),
	)

	return cmd
}

func Execute() error {
	return NewRootCmd(Version).Execute()
}
