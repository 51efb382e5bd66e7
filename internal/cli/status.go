package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/agentsh/sigguard/internal/guard"
	"github.com/agentsh/sigguard/internal/lsm"
	"github.com/agentsh/sigguard/internal/procpath"
	"github.com/agentsh/sigguard/internal/store/sqlite"
	"github.com/spf13/cobra"
)

type programStatus struct {
	Path    string `json:"path"`
	OnDisk  bool   `json:"on_disk"`
	Running []int  `json:"running"`
	// Blocked counts guard denials for this program within the window.
	Blocked int `json:"blocked"`
}

func newStatusCmd() *cobra.Command {
	var (
		asJSON bool
		window time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List protected programs and the processes currently running them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadLocalConfig(configPath(cmd))
			if err != nil {
				return err
			}
			reg, err := cfg.BuildRegistry()
			if err != nil {
				return err
			}
			running, err := procpath.Running(cmd.Context())
			if err != nil {
				return fmt.Errorf("list processes: %w", err)
			}
			out := protectedStatus(reg, running)
			if err := addBlockedCounts(cmd.Context(), cfg.Audit.SQLitePath, time.Now().Add(-window), out); err != nil {
				return err
			}

			if asJSON {
				return printJSON(cmd, out)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "PROGRAM\tON DISK\tBLOCKED (%s)\tPIDS\n", window)
			for _, p := range out {
				pids := "-"
				if len(p.Running) > 0 {
					pids = fmt.Sprint(p.Running)
				}
				fmt.Fprintf(tw, "%s\t%t\t%d\t%s\n", p.Path, p.OnDisk, p.Blocked, pids)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "Count blocked signals recorded within this window")
	return cmd
}

// protectedStatus groups running processes by the protected program they
// execute, in registry order.
func protectedStatus(reg *guard.Registry, running []procpath.Resolved) []programStatus {
	paths := reg.Paths()
	idx := make(map[string]int, len(paths))
	out := make([]programStatus, len(paths))
	for i, p := range paths {
		idx[p] = i
		_, err := os.Stat(p)
		out[i] = programStatus{Path: p, OnDisk: err == nil, Running: []int{}}
	}
	for _, r := range running {
		path := r.Path
		if !reg.IsProtected(path) && reg.Mode() == guard.IdentityInode {
			if it, ok := procpath.NewTask(r.PID).(lsm.IdentifiedTask); ok {
				if id, ok := it.ExeID(); ok {
					path, _ = reg.IsProtectedID(id)
				}
			}
		}
		if i, ok := idx[path]; ok {
			out[i].Running = append(out[i].Running, r.PID)
		}
	}
	return out
}

// addBlockedCounts fills Blocked from the sqlite audit store. A missing
// database leaves the counts at zero.
func addBlockedCounts(ctx context.Context, dbPath string, since time.Time, out []programStatus) error {
	if dbPath == "" {
		return nil
	}
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer db.Close()
	counts, err := db.BlockedCounts(ctx, since)
	if err != nil {
		return err
	}
	for i := range out {
		out[i].Blocked = counts[out[i].Path]
	}
	return nil
}
