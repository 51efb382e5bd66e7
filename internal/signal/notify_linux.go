//go:build linux && cgo

package signal

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/agentsh/sigguard/internal/lsm"
	"github.com/agentsh/sigguard/internal/metrics"
	"github.com/agentsh/sigguard/internal/procpath"
	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// pollInterval bounds how long the receive loop waits before rechecking ctx.
const pollInterval = 250

// Processes abstracts the process table lookups the notify loop needs.
type Processes interface {
	Task(pid int) lsm.Task
	Sender(ctx context.Context, pid int) lsm.Sender
	Pgid(pid int) (int, error)
	GroupMembers(ctx context.Context, pgid int) ([]int, error)
	AllPIDs(ctx context.Context, self int) ([]int, error)
}

type procTable struct{}

func (procTable) Task(pid int) lsm.Task { return procpath.NewTask(pid) }
func (procTable) Sender(ctx context.Context, pid int) lsm.Sender {
	return procpath.SenderOf(ctx, pid)
}
func (procTable) Pgid(pid int) (int, error) { return unix.Getpgid(pid) }
func (procTable) GroupMembers(ctx context.Context, pgid int) ([]int, error) {
	return procpath.GroupMembers(ctx, pgid)
}
func (procTable) AllPIDs(ctx context.Context, self int) ([]int, error) {
	return procpath.AllPIDs(ctx, self)
}

// ServerConfig configures the notify loop.
type ServerConfig struct {
	Ops       *lsm.Operations
	Logger    *slog.Logger
	Metrics   *metrics.Collector
	Workers   int
	Processes Processes
}

// Server answers intercepted signal syscalls by routing them through the
// host decision table.
type Server struct {
	filter  *SignalFilter
	ops     *lsm.Operations
	logger  *slog.Logger
	metrics *metrics.Collector
	workers int
	procs   Processes
}

func NewServer(filter *SignalFilter, cfg ServerConfig) *Server {
	s := &Server{
		filter:  filter,
		ops:     cfg.Ops,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		workers: cfg.Workers,
		procs:   cfg.Processes,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.workers <= 0 {
		s.workers = 4
	}
	if s.procs == nil {
		s.procs = procTable{}
	}
	return s
}

// Serve runs until ctx is done or every process using the filter has gone.
// Notifications are decided by a pool of workers.
func (s *Server) Serve(ctx context.Context) error {
	if s.filter == nil || s.ops == nil {
		return errors.New("signal server: filter and decision table are required")
	}

	reqs := make(chan *seccomp.ScmpNotifReq, s.workers)
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range reqs {
				s.handle(ctx, req)
			}
		}()
	}
	defer func() {
		close(reqs)
		wg.Wait()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		ready, hup, err := s.filter.Wait(pollInterval)
		if err != nil {
			return err
		}
		if !ready {
			if hup {
				s.logger.Debug("signal filter has no more users")
				return nil
			}
			continue
		}

		req, err := s.filter.Receive()
		if err != nil {
			if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				// The caller went away between poll and receive.
				continue
			}
			s.metrics.IncNotifyError()
			s.logger.Debug("signal filter receive", "error", err)
			continue
		}
		select {
		case reqs <- req:
		case <-ctx.Done():
			_ = s.filter.Respond(req.ID, true, 0)
			return nil
		}
	}
}

func (s *Server) handle(ctx context.Context, req *seccomp.ScmpNotifReq) {
	sc := ExtractSignalContext(req)
	allow := s.decide(ctx, sc)

	if !s.filter.Valid(req.ID) {
		s.metrics.IncStaleRequest()
		return
	}
	if err := s.filter.Respond(req.ID, allow, int32(unix.EPERM)); err != nil {
		s.metrics.IncNotifyError()
		s.logger.Debug("signal filter respond", "error", err, "pid", sc.PID)
	}
}

// decide returns true when every target of the call may receive the signal.
func (s *Server) decide(ctx context.Context, sc SignalContext) bool {
	targets, err := s.targets(ctx, sc)
	if err != nil {
		// Let the kernel report ESRCH or EPERM itself.
		s.logger.Debug("resolve signal targets", "error", err, "pid", sc.PID, "target", sc.TargetPID)
		return true
	}
	if len(targets) > 1 || sc.IsProcessGroupSignal() {
		s.metrics.IncGroupExpanded()
	}

	sender := s.procs.Sender(ctx, sc.PID)
	for _, pid := range targets {
		v := s.ops.TaskKill(ctx, &lsm.Request{
			Task:    s.procs.Task(pid),
			Signal:  sc.Signal,
			Sender:  sender,
			Syscall: sc.Syscall,
		})
		if !v.Allowed {
			return false
		}
	}
	return true
}

func (s *Server) targets(ctx context.Context, sc SignalContext) ([]int, error) {
	if !sc.IsProcessGroupSignal() {
		return []int{sc.TargetPID}, nil
	}
	if sc.IsBroadcast() {
		return s.procs.AllPIDs(ctx, sc.PID)
	}
	pgid := sc.ExplicitGroup()
	if pgid == 0 {
		var err error
		if pgid, err = s.procs.Pgid(sc.PID); err != nil {
			return nil, err
		}
	}
	return s.procs.GroupMembers(ctx, pgid)
}
