//go:build linux

package guestinit

import (
	"context"
	"io"
	"log"
	"net"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/ekoeppen/shuru/internal/wire"
)

// runControlSession implements the guest side of the Exec Session
// protocol (spec §4.5/§4.7): read the opening "exec" envelope, launch
// the command with a PTY or plain pipes depending on req.TTY, then pump
// stdin/resize in and stdout/stderr/exit out until the child exits.
//
// PTY allocation mirrors pty.Start usage in helixml-helix's
// ws_terminal.go; the pipe-based non-tty path is adapted from the
// teacher's executeCommand (internal/harness/exec.go), replacing its
// line-buffered "log" notifications with raw stdout/stderr data chunks
// as spec §4.5 requires.
func runControlSession(ctx context.Context, conn net.Conn) {
	codec := wire.New(conn)
	defer codec.Close()

	env, err := codec.Recv(ctx)
	if err != nil {
		log.Printf("guestinit: recv exec request: %v", err)
		return
	}
	if env.Type != wire.TypeExec {
		log.Printf("guestinit: expected exec message, got %q", env.Type)
		return
	}
	if len(env.Argv) == 0 {
		log.Printf("guestinit: exec request has no argv")
		return
	}

	cmd := exec.Command(env.Argv[0], env.Argv[1:]...)
	cmd.Env = buildEnv(env.Env)

	if env.TTY {
		runTTY(ctx, codec, cmd, env.Rows, env.Cols)
	} else {
		runPipes(ctx, codec, cmd)
	}
}

// buildEnv implements spec §4.7's environment rule: passed variables
// fully replace the guest's environment except for defaulted PATH/HOME.
func buildEnv(vars map[string]string) []string {
	if _, ok := vars["PATH"]; !ok {
		if vars == nil {
			vars = map[string]string{}
		}
		vars["PATH"] = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	}
	if _, ok := vars["HOME"]; !ok {
		vars["HOME"] = "/root"
	}
	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	return env
}

func runTTY(ctx context.Context, codec *wire.Codec, cmd *exec.Cmd, rows, cols uint16) {
	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		log.Printf("guestinit: pty start: %v", err)
		codec.Send(ctx, wire.Envelope{Type: wire.TypeExit, Code: 255})
		return
	}
	defer master.Close()

	waitErr := pumpIO(ctx, codec, cmd, master, master, master, func(rows, cols uint16) {
		pty.Setsize(master, &pty.Winsize{Rows: rows, Cols: cols})
	})
	codec.Send(ctx, wire.Envelope{Type: wire.TypeExit, Code: exitCodeOf(waitErr)})
}

func runPipes(ctx context.Context, codec *wire.Codec, cmd *exec.Cmd) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Printf("guestinit: stdin pipe: %v", err)
		codec.Send(ctx, wire.Envelope{Type: wire.TypeExit, Code: 255})
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Printf("guestinit: stdout pipe: %v", err)
		codec.Send(ctx, wire.Envelope{Type: wire.TypeExit, Code: 255})
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		log.Printf("guestinit: stderr pipe: %v", err)
		codec.Send(ctx, wire.Envelope{Type: wire.TypeExit, Code: 255})
		return
	}

	if err := cmd.Start(); err != nil {
		log.Printf("guestinit: start: %v", err)
		codec.Send(ctx, wire.Envelope{Type: wire.TypeExit, Code: 255})
		return
	}

	waitErr := pumpIO(ctx, codec, cmd, stdin, stdout, stderr, nil)
	codec.Send(ctx, wire.Envelope{Type: wire.TypeExit, Code: exitCodeOf(waitErr)})
}

// pumpIO mirrors the host-side execsession pump from the guest's
// vantage point: messages in, process I/O out. resize is nil in the
// non-tty path since there is no window to resize.
//
// The control-read goroutine (stdin/resize/signal) only returns when
// codec.Recv errors, and the host has no reason to close or send
// anything further once the guest command is running — it is waiting
// on the exit envelope this function's caller sends after pumpIO
// returns. So the process is reaped concurrently with the I/O pumps:
// cmd.Wait runs in its own goroutine and cancels a dedicated per-exec
// context the instant the child exits, which unblocks the pending
// codec.Recv (wire.Codec ties ctx cancellation to the read deadline)
// without waiting for a message that will never come.
func pumpIO(ctx context.Context, codec *wire.Codec, cmd *exec.Cmd, in io.WriteCloser, out, errOut io.Reader, resize func(rows, cols uint16)) error {
	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		cancelPump()
		waitErr <- err
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); copyToWire(ctx, codec, wire.TypeStdout, out) }()
	if errOut != nil && errOut != out {
		wg.Add(1)
		go func() { defer wg.Done(); copyToWire(ctx, codec, wire.TypeStderr, errOut) }()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			env, err := codec.Recv(pumpCtx)
			if err != nil {
				return
			}
			switch env.Type {
			case wire.TypeStdin:
				if data, err := env.DecodeData(); err == nil {
					in.Write(data)
				}
			case wire.TypeResize:
				if resize != nil {
					resize(env.Rows, env.Cols)
				}
			case wire.TypeSignal:
				// future use; no-op today
			default:
				log.Printf("guestinit: ignoring unknown message type %q", env.Type)
			}
		}
	}()
	wg.Wait()
	return <-waitErr
}

func copyToWire(ctx context.Context, codec *wire.Codec, msgType string, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			codec.Send(ctx, wire.Envelope{Type: msgType, Data: wire.EncodeData(buf[:n])})
		}
		if err != nil {
			return
		}
	}
}

// exitCodeOf converts a cmd.Wait error into spec §4.5's exit encoding:
// non-negative for a normal exit, negative signal number if the child
// was killed by one. Grounded on the teacher's executeCommand
// (internal/harness/exec.go), which extracts the same
// syscall.WaitStatus but only needed the non-negative case.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 255
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return exitErr.ExitCode()
}
