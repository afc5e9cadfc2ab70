package command

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/adamavenir/codeindex/internal/app"
	"github.com/adamavenir/codeindex/internal/config"
)

// GetContext loads configuration for cmd and wires the app. Callers must
// Close the result.
func GetContext(cmd *cobra.Command, oneShot bool) (*app.App, error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(config.LoadOptions{ConfigFile: configFile, Flags: cmd.Flags()})
	if err != nil {
		return nil, err
	}
	return app.New(cfg, app.Options{Service: AppName, Stderr: cmd.ErrOrStderr(), OneShot: oneShot})
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func writeJSON(cmd *cobra.Command, payload any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

// resolvePath turns an optional argument into an absolute workspace path,
// defaulting to the working directory.
func resolvePath(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return filepath.Abs(args[0])
	}
	return os.Getwd()
}
