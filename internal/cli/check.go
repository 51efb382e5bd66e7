package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/agentsh/sigguard/internal/config"
	"github.com/agentsh/sigguard/internal/guard"
	"github.com/agentsh/sigguard/internal/logging"
	"github.com/agentsh/sigguard/internal/lsm"
	"github.com/agentsh/sigguard/internal/procpath"
	"github.com/agentsh/sigguard/internal/signal"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type checkResult struct {
	PID       int    `json:"pid"`
	Path      string `json:"path"`
	Signal    string `json:"signal"`
	SenderPID int    `json:"sender_pid"`
	Protected bool   `json:"protected"`
	Allowed   bool   `json:"allowed"`
	Rule      string `json:"rule,omitempty"`
	Message   string `json:"message,omitempty"`
}

func newCheckCmd() *cobra.Command {
	var (
		pid        int
		sigStr     string
		sender     int
		asJSON     bool
		failOnDeny bool
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:   "check --pid PID [--signal SIGKILL]",
		Short: "Evaluate whether a signal to a running process would be allowed, without sending it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pid <= 0 {
				return fmt.Errorf("--pid is required")
			}
			sig, err := signal.SignalFromString(sigStr)
			if err != nil {
				return err
			}
			if sender <= 0 {
				sender = os.Getpid()
			}

			cfg, err := loadLocalConfig(configPath(cmd))
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			if verbose {
				var closeLog func() error
				logger, closeLog, err = logging.New(logging.Config{Level: "debug", Format: cfg.Logging.Format})
				if err != nil {
					return err
				}
				defer closeLog()
			}

			res, err := dryRun(cmd.Context(), cfg, logger, pid, sig, sender)
			if err != nil {
				return err
			}
			if asJSON {
				if err := printJSON(cmd, res); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				printCheckResult(out, res, isTerminal(out))
			}
			if failOnDeny && !res.Allowed {
				return exitCode(3)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "Target process id")
	cmd.Flags().StringVar(&sigStr, "signal", "SIGKILL", "Signal name or number")
	cmd.Flags().IntVar(&sender, "sender", 0, "Sender process id (defaults to this process)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print result as JSON")
	cmd.Flags().BoolVar(&failOnDeny, "fail-on-deny", false, "Exit with status 3 when the signal would be denied")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Log pipeline decisions to stderr")
	return cmd
}

// dryRun installs the guard on a private host table and asks it about one
// signal. Nothing is recorded and nothing is sent.
func dryRun(ctx context.Context, cfg *config.Config, logger *slog.Logger, pid, sig, sender int) (*checkResult, error) {
	st, err := buildStack(ctx, cfg, logger, false)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	if err := st.manager.Install(); err != nil {
		return nil, fmt.Errorf("install guard: %w", err)
	}
	defer st.manager.Uninstall()

	task := procpath.NewTask(pid)
	path := procpath.Resolve(task, make([]byte, procpath.PathMax))
	if path == "" {
		return nil, fmt.Errorf("process %d not found", pid)
	}

	v := st.ops.TaskKill(ctx, &lsm.Request{
		Task:   task,
		Signal: sig,
		Sender: procpath.SenderOf(ctx, sender),
	})
	protected := st.registry.IsProtected(path)
	if it, ok := task.(lsm.IdentifiedTask); ok && !protected && st.registry.Mode() == guard.IdentityInode {
		if id, ok := it.ExeID(); ok {
			_, protected = st.registry.IsProtectedID(id)
		}
	}
	return &checkResult{
		PID:       pid,
		Path:      path,
		Signal:    signal.SignalName(sig),
		SenderPID: sender,
		Protected: protected,
		Allowed:   v.Allowed,
		Rule:      v.Rule,
		Message:   v.Message,
	}, nil
}

const (
	ansiRed   = "\x1b[31m"
	ansiGreen = "\x1b[32m"
	ansiReset = "\x1b[0m"
)

func printCheckResult(w io.Writer, r *checkResult, color bool) {
	verdict, code := "allow", ansiGreen
	if !r.Allowed {
		verdict, code = "deny", ansiRed
	}
	if color {
		verdict = code + verdict + ansiReset
	}
	fmt.Fprintf(w, "%s %s -> %s (pid %d)", verdict, r.Signal, r.Path, r.PID)
	if r.Rule != "" {
		fmt.Fprintf(w, " rule=%s", r.Rule)
	}
	if r.Protected {
		fmt.Fprint(w, " [protected]")
	}
	fmt.Fprintln(w)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
