//go:build linux && cgo

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/agentsh/sigguard/internal/events"
	"github.com/agentsh/sigguard/internal/guard"
	"github.com/agentsh/sigguard/internal/logging"
	"github.com/agentsh/sigguard/internal/metrics"
	"github.com/agentsh/sigguard/internal/signal"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func newRunCmd() *cobra.Command {
	var printEvents bool
	cmd := &cobra.Command{
		Use:   "run [flags] -- COMMAND [ARGS...]",
		Short: "Run a workload whose signals to protected programs are filtered",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervised(cmd, args, printEvents)
		},
	}
	cmd.Flags().BoolVar(&printEvents, "print-events", false, "Print recorded events to stderr as JSON lines")
	return cmd
}

func runSupervised(cmd *cobra.Command, args []string, printEvents bool) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadLocalConfig(configPath(cmd))
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	if err := signal.DetectSignalSupport(); err != nil {
		return fmt.Errorf("signal interception: %w", err)
	}

	st, err := buildStack(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer st.Close()

	if printEvents {
		// Registered before Uninstall so it runs after it.
		defer st.streamEvents(cmd.ErrOrStderr(), 256)()
	}

	if err := st.manager.Install(); err != nil {
		return &ExitError{code: 2, message: fmt.Sprintf("install guard: %v", err)}
	}
	defer st.manager.Uninstall()

	if cfg.WatchEnabled() {
		w, err := guard.NewBinaryWatcher(guard.WatcherConfig{
			Registry: st.registry,
			Logger:   logger,
			Recorder: st.guardRecorder(),
		})
		if err == nil {
			w.CheckPresent()
			if err := w.Start(ctx); err != nil {
				logger.Warn("protected binary watch disabled", "error", err)
			} else {
				defer w.Stop()
			}
		}
	}

	if cfg.Metrics.Enabled {
		stop, err := serveMetrics(cfg.Metrics.Addr, cfg.Metrics.Path, st, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	return superviseWorkload(ctx, st, args, logger)
}

func serveMetrics(addr, path string, st *stack, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(path, st.metrics.Handler(metrics.HandlerOptions{ProtectedCount: st.registry.Len}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()
	logger.Info("metrics listening", "addr", ln.Addr().String(), "path", path)
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}

// superviseWorkload starts the workload through the wrap subcommand, takes
// over its signal filter and serves it until the workload exits.
func superviseWorkload(ctx context.Context, st *stack, args []string, logger *slog.Logger) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate sigguard binary: %w", err)
	}
	parent, child, err := signal.Socketpair()
	if err != nil {
		return err
	}
	defer parent.Close()

	c := exec.Command(self, append([]string{"wrap", "--"}, args...)...)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	c.ExtraFiles = []*os.File{child} // fd 3
	c.Env = append(os.Environ(), wrapSockEnv+"=3")
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := c.Start(); err != nil {
		child.Close()
		return fmt.Errorf("start workload: %w", err)
	}
	child.Close()

	filter, err := receiveFilter(parent)
	if err != nil {
		_ = c.Process.Kill()
		_ = c.Wait()
		return &ExitError{code: 2, message: fmt.Sprintf("receive signal filter: %v", err)}
	}
	defer filter.Close()

	pid := c.Process.Pid
	logger.Info("supervising workload", "pid", pid, "command", args)
	st.record(events.EventSupervisorStarted, pid, map[string]any{"command": args})

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	srv := signal.NewServer(filter, signal.ServerConfig{
		Ops:     st.ops,
		Logger:  logger,
		Metrics: st.metrics,
		Workers: st.cfg.Supervisor.Workers,
	})
	served := make(chan error, 1)
	go func() { served <- srv.Serve(serveCtx) }()

	sigc := make(chan os.Signal, 4)
	ossignal.Notify(sigc, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer ossignal.Stop(sigc)
	go func() {
		for sig := range sigc {
			logger.Debug("forwarding signal to workload", "signal", sig.String(), "pid", pid)
			_ = c.Process.Signal(sig)
		}
	}()

	waitErr := c.Wait()
	cancel()
	if err := <-served; err != nil {
		logger.Warn("signal server stopped", "error", err)
	}

	code := workloadExitCode(waitErr)
	logger.Info("workload exited", "pid", pid, "exit_code", code)
	st.record(events.EventSupervisorExited, pid, map[string]any{"exit_code": code})
	if code < 0 {
		return fmt.Errorf("wait workload: %w", waitErr)
	}
	return exitCode(code)
}

func receiveFilter(sock *os.File) (*signal.SignalFilter, error) {
	f, err := signal.RecvFD(sock)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("dup notify fd: %w", err)
	}
	unix.CloseOnExec(fd)
	return signal.NewSignalFilterFromFD(fd), nil
}
