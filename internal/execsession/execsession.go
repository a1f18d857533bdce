// Package execsession drives the host side of the Exec Session protocol
// (spec §4.5) over a wire.Codec attached to vsock:1024: send one "exec"
// envelope, then pump stdin/stdout/stderr/resize/exit concurrently until
// the guest reports exit or the stream closes.
//
// Grounded on the teacher's internal/harness/rpc.go request/response
// idiom (one opening request, then streamed notifications) and its
// processTracker discipline of tracking exactly one primary process,
// narrowed to Shuru's single always-interactive-or-batch command per
// session rather than a pool of named RPC-launched processes.
package execsession

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/ekoeppen/shuru/internal/vmm"
	"github.com/ekoeppen/shuru/internal/wire"
)

// Result is the outcome of a completed session (spec §4.5 termination
// rules): Code is the raw guest exit code, negative (-N) if the guest
// reported being killed by signal N; Signal is then N, and CLICode is
// 128+N per spec's convention.
type Result struct {
	Code    int
	Signal  int
	CLICode int
	Err     error
}

// Session pumps one exec over codec. stdin/stdout/stderr are the
// host's local I/O streams; coalesced window-size events from the
// terminal adapter arrive through Run's resize channel.
type Session struct {
	codec  *wire.Codec
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// New constructs a Session bound to an already-connected vsock:1024
// codec and the host's local stdio.
func New(codec *wire.Codec, stdin io.Reader, stdout, stderr io.Writer) *Session {
	return &Session{codec: codec, stdin: stdin, stdout: stdout, stderr: stderr}
}

// Run sends the exec request and pumps I/O until the guest reports exit
// or the control stream closes unexpectedly.
func (s *Session) Run(ctx context.Context, req vmm.ExecRequest, resize <-chan [2]uint16, signals <-chan int) Result {
	if err := s.codec.Send(ctx, wire.Envelope{
		Type: wire.TypeExec,
		Argv: req.Argv,
		Env:  req.Env,
		TTY:  req.TTY,
		Rows: req.Rows,
		Cols: req.Cols,
	}); err != nil {
		return Result{CLICode: 255, Err: fmt.Errorf("send exec request: %w", err)}
	}

	exitCh := make(chan Result, 1)
	stop := make(chan struct{})
	var wg sync.WaitGroup

	// pumpStdin is not joined: a blocking Read on the host's stdin (or
	// any plain io.Reader) can't be interrupted short of closing the
	// underlying fd, which the caller — not this session — owns. It is
	// left running and exits on its own once the reader returns EOF/err
	// or a send onto the now-closed-peer codec fails.
	go s.pumpStdin(ctx, stop)

	wg.Add(2)
	go func() { defer wg.Done(); s.pumpEvents(ctx, stop, exitCh) }()
	go func() { defer wg.Done(); s.pumpControls(ctx, stop, resize, signals) }()

	res := <-exitCh
	close(stop)
	wg.Wait()
	return res
}

// pumpStdin reads local stdin and forwards it as "stdin" envelopes,
// pausing (by virtue of the blocking Read/Send calls themselves) if the
// guest-side consumer falls behind — spec §4.5's vsock backpressure.
func (s *Session) pumpStdin(ctx context.Context, stop <-chan struct{}) {
	r := bufio.NewReaderSize(s.stdin, 4096)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if sendErr := s.codec.Send(ctx, wire.Envelope{Type: wire.TypeStdin, Data: wire.EncodeData(buf[:n])}); sendErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
		select {
		case <-stop:
			return
		default:
		}
	}
}

// pumpEvents reads guest→host messages (stdout/stderr/exit) and writes
// them to local stdio, delivering the final Result to exitCh.
func (s *Session) pumpEvents(ctx context.Context, stop <-chan struct{}, exitCh chan<- Result) {
	for {
		env, err := s.codec.Recv(ctx)
		if err != nil {
			exitCh <- Result{CLICode: 255, Err: fmt.Errorf("unexpected control stream EOF: %w", err)}
			return
		}

		switch env.Type {
		case wire.TypeStdout:
			if data, err := env.DecodeData(); err == nil {
				s.stdout.Write(data)
			}
		case wire.TypeStderr:
			if data, err := env.DecodeData(); err == nil {
				s.stderr.Write(data)
			}
		case wire.TypeExit:
			exitCh <- resultFromExit(env.Code)
			return
		default:
			log.Printf("execsession: ignoring unknown message type %q", env.Type)
		}

		select {
		case <-stop:
			return
		default:
		}
	}
}

// pumpControls forwards local resize/signal events to the guest.
func (s *Session) pumpControls(ctx context.Context, stop <-chan struct{}, resize <-chan [2]uint16, signals <-chan int) {
	for {
		select {
		case <-stop:
			return
		case rc, ok := <-resize:
			if !ok {
				resize = nil
				continue
			}
			s.codec.Send(ctx, wire.Envelope{Type: wire.TypeResize, Rows: rc[0], Cols: rc[1]})
		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			s.codec.Send(ctx, wire.Envelope{Type: wire.TypeSignal, Signal: sig})
		}
	}
}

// resultFromExit converts the guest's exit encoding (spec §4.5: "code
// (0..255; negative indicates terminated by signal N, reported as
// 128+N at the CLI)") into a Result.
func resultFromExit(code int) Result {
	if code < 0 {
		sig := -code
		return Result{Code: code, Signal: sig, CLICode: 128 + sig}
	}
	return Result{Code: code, CLICode: code}
}
