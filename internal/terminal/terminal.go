// Package terminal is the Terminal Adapter (spec §4.4): it owns the
// host's raw-mode lifecycle and SIGWINCH handling when a session is
// attached to an interactive tty.
//
// Grounded on golang.org/x/term usage in mirendev-runtime's
// lve/cli/cli.go (term.MakeRaw/term.Restore around a session) and
// cli/commands/deploy.go (term.IsTerminal/term.GetSize), plus
// creack/pty's Winsize type used in helixml-helix's ws_terminal.go for
// window-size reporting.
package terminal

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// Adapter manages raw-mode entry/exit and SIGWINCH coalescing for one
// attached session. Zero value is unusable; construct with New.
type Adapter struct {
	fd       int
	active   bool
	saved    *term.State
	sigwinch chan os.Signal
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New returns an Adapter bound to fd (ordinarily os.Stdin.Fd()).
func New(fd int) *Adapter {
	return &Adapter{fd: fd}
}

// IsTerminal reports whether fd refers to an interactive terminal.
func IsTerminal(fd int) bool { return term.IsTerminal(fd) }

// Size returns the current window size as creack/pty.Winsize, the
// shape the exec session's "resize" wire message and the guest's PTY
// ioctl both use.
func Size(fd int) (*pty.Winsize, error) {
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return nil, err
	}
	return &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}, nil
}

// Enter switches the terminal to raw mode (spec §4.4: no echo, no line
// buffering, no signal generation except the Ctrl-C passthrough policy
// handled by the caller) and starts a SIGWINCH watcher that emits a
// "resize" envelope via onResize, coalesced to one event per 25ms.
//
// Enter is a no-op, returning nil, if fd is not a terminal — callers
// should check IsTerminal themselves to decide whether tty mode applies
// at all, but Enter tolerates being called unconditionally.
func (a *Adapter) Enter(onResize func(rows, cols uint16)) error {
	if !term.IsTerminal(a.fd) {
		return nil
	}
	st, err := term.MakeRaw(a.fd)
	if err != nil {
		return err
	}
	a.saved = st
	a.active = true

	a.sigwinch = make(chan os.Signal, 1)
	a.stop = make(chan struct{})
	signal.Notify(a.sigwinch, syscall.SIGWINCH)

	a.wg.Add(1)
	go a.watchResize(onResize)
	return nil
}

// watchResize coalesces bursts of SIGWINCH into one emitted resize per
// 25ms window (spec §4.4), entirely within this goroutine so the timer
// and "pending" state never need cross-goroutine synchronization.
func (a *Adapter) watchResize(onResize func(rows, cols uint16)) {
	defer a.wg.Done()
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-a.stop:
			timer.Stop()
			return
		case <-a.sigwinch:
			if !pending {
				pending = true
				timer.Reset(25 * time.Millisecond)
			}
		case <-timer.C:
			pending = false
			if sz, err := Size(a.fd); err == nil {
				onResize(sz.Rows, sz.Cols)
			}
		}
	}
}

// Restore restores the termios state saved by Enter. Safe to call
// multiple times and on an Adapter that was never entered (e.g. stdin
// wasn't a terminal) — the crucial invariant from spec §4.3 is that
// this runs on every exit path, so callers defer it unconditionally.
func (a *Adapter) Restore() {
	if !a.active {
		return
	}
	if a.stop != nil {
		close(a.stop)
		a.wg.Wait()
	}
	if a.sigwinch != nil {
		signal.Stop(a.sigwinch)
	}
	term.Restore(a.fd, a.saved)
	a.active = false
}
