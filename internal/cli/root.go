package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sigguard",
		Short:         "sigguard: protect privileged programs from termination signals",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("sigguard {{.Version}}\n")

	cmd.PersistentFlags().String("config", getenvDefault("SIGGUARD_CONFIG", ""), "Config file path (defaults to ./sigguard.yml or /etc/sigguard/config.yaml)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newWrapCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newEventsCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Root().PersistentFlags().GetString("config")
	return p
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
