// Package vmlifecycle drives a single VM through its linear state
// machine (spec §4.3): Configured → Starting → Running → Stopping →
// Stopped. Unlike the teacher's internal/lifecycle, which manages a
// pool of serve-mode instances with pause/resume idle timers, Shuru
// runs exactly one VM per invocation and never pauses it — the state
// machine here has no Paused state and no instance registry.
//
// Grounded on internal/lifecycle/manager.go's state transitions,
// notifyStateChange callback, and defer-based teardown discipline,
// narrowed to one Session and extended with the vsock connect-retry
// envelope spec §4.3 requires during Starting→Running.
package vmlifecycle

import (
	"context"
	"errors"
	"log"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ekoeppen/shuru/internal/shuruerr"
	"github.com/ekoeppen/shuru/internal/vmm"
)

type State string

const (
	StateConfigured State = "configured"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
)

// Session is one VM's lifecycle (spec §3 Session). ScratchPath is the
// per-session copy of the rootfs (or checkpoint) on disk, removed on
// teardown unless the session was committed to a checkpoint first.
type Session struct {
	mu sync.Mutex

	ID          string
	State       State
	ScratchPath string

	hv     vmm.Hypervisor
	handle vmm.Handle

	onStateChange func(id string, s State)
}

// New allocates a Session with a fresh id, grounded on the teacher's
// move from its own sprintf-based instance ids (vmm/cloudhv.go) to the
// pack's idiomatic uuid generator.
func New(hv vmm.Hypervisor, scratchPath string) *Session {
	return &Session{
		ID:          uuid.NewString(),
		State:       StateConfigured,
		ScratchPath: scratchPath,
		hv:          hv,
	}
}

// OnStateChange registers a callback invoked on every transition,
// mirroring the teacher's Manager.onStateChange hook (used there to
// persist to a registry; used here only for diagnostic logging, since
// Shuru keeps no cross-invocation instance registry).
func (s *Session) OnStateChange(fn func(id string, st State)) {
	s.onStateChange = fn
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.State = st
	s.mu.Unlock()
	if s.onStateChange != nil {
		s.onStateChange(s.ID, st)
	}
	log.Printf("session %s: %s", s.ID, st)
}

// Configure builds the platform VM from cfg but does not start it.
func (s *Session) Configure(cfg vmm.VMConfig) error {
	handle, err := s.hv.Configure(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()
	return nil
}

// DialVsock opens an additional vsock connection to the running VM
// (used by the Port Forwarder for each accepted host connection, spec
// §4.6), going through the same hypervisor handle Start used.
func (s *Session) DialVsock(ctx context.Context, port uint32) (net.Conn, error) {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	return s.hv.DialVsock(ctx, handle, port)
}

// vsock connect-retry envelope (spec §4.3 Starting→Running).
const (
	retryInitial  = 20 * time.Millisecond
	retryFactor   = 1.5
	retryCap      = 500 * time.Millisecond
	retryDeadline = 10 * time.Second
)

// Start transitions Configured→Starting→Running: powers the platform
// VM on, then retries a vsock connect to port 1024 with exponential
// backoff until it succeeds or the deadline expires. Connection-refused
// and connection-reset are retried; anything else aborts immediately.
func (s *Session) Start(ctx context.Context) (net.Conn, error) {
	s.setState(StateStarting)

	if err := s.hv.Start(ctx, s.handle); err != nil {
		s.setState(StateStopped)
		return nil, err
	}

	connCtx, cancel := context.WithTimeout(ctx, retryDeadline)
	defer cancel()

	conn, err := s.connectRetry(connCtx, vmm.ControlPort)
	if err != nil {
		s.setState(StateStopped)
		return nil, err
	}

	s.setState(StateRunning)
	return conn, nil
}

func (s *Session) connectRetry(ctx context.Context, port uint32) (net.Conn, error) {
	backoff := retryInitial
	for {
		conn, err := s.hv.DialVsock(ctx, s.handle, port)
		if err == nil {
			return conn, nil
		}
		if !isRetryable(err) {
			return nil, shuruerr.Wrap(shuruerr.VsockTimeout, err)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, shuruerr.New(shuruerr.VsockTimeout, "vsock connect to port %d timed out: %w", port, ctx.Err())
		}

		backoff = time.Duration(float64(backoff) * retryFactor)
		if backoff > retryCap {
			backoff = retryCap
		}
	}
}

// isRetryable reports whether a failed vsock connect attempt should be
// retried (spec §4.3: "connect refused/ECONNRESET is retried; any other
// error is fatal"). Also treats context deadline errors as non-retryable
// so a timed-out connectRetry loop doesn't mask the real cause.
func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

// Stop transitions Running→Stopping→Stopped: requests a graceful
// platform stop, waits up to 3s, then force-stops. Matches spec §4.3's
// grace window, grounded on the teacher's pauseInstance/terminateInstance
// separation of "ask nicely" from "force it" (manager.go).
func (s *Session) Stop(ctx context.Context) error {
	s.setState(StateStopping)

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err := s.hv.Stop(stopCtx, s.handle, true)
	cancel()
	if err != nil {
		forceCtx, forceCancel := context.WithTimeout(ctx, 3*time.Second)
		err = s.hv.Stop(forceCtx, s.handle, false)
		forceCancel()
	}

	s.hv.Cleanup(s.handle)

	if s.ScratchPath != "" {
		if rmErr := os.Remove(s.ScratchPath); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Printf("session %s: remove scratch disk %s: %v", s.ID, s.ScratchPath, rmErr)
		}
	}

	s.setState(StateStopped)
	return err
}
