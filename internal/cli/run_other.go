//go:build !linux || !cgo

package cli

import (
	"fmt"

	"github.com/agentsh/sigguard/internal/signal"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [flags] -- COMMAND [ARGS...]",
		Short: "Run a workload whose signals to protected programs are filtered",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("run: %w", signal.ErrSignalUnsupported)
		},
	}
}

func newWrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "wrap -- COMMAND [ARGS...]",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("wrap: %w", signal.ErrSignalUnsupported)
		},
	}
}
