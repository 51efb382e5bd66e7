package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show resolved config (after defaults and env overrides)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadLocalConfig(configPath(cmd))
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, cfg)
			}
			b, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	cmd.AddCommand(show)

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadLocalConfig(configPath(cmd)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	})

	return cmd
}
