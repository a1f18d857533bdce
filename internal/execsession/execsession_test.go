package execsession

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"

	"github.com/ekoeppen/shuru/internal/vmm"
	"github.com/ekoeppen/shuru/internal/wire"
)

func TestSession_Run_StreamsOutputAndExits(t *testing.T) {
	hostConn, guestConn := net.Pipe()
	defer hostConn.Close()
	defer guestConn.Close()

	var stdout, stderr bytes.Buffer
	s := New(wire.New(hostConn), strings.NewReader(""), &stdout, &stderr)

	guest := wire.New(guestConn)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx := context.Background()

		env, err := guest.Recv(ctx)
		if err != nil || env.Type != wire.TypeExec {
			t.Errorf("guest: expected exec envelope, got %+v err=%v", env, err)
			return
		}

		guest.Send(ctx, wire.Envelope{Type: wire.TypeStdout, Data: wire.EncodeData([]byte("hello "))})
		guest.Send(ctx, wire.Envelope{Type: wire.TypeStderr, Data: wire.EncodeData([]byte("warn"))})
		guest.Send(ctx, wire.Envelope{Type: wire.TypeStdout, Data: wire.EncodeData([]byte("world"))})
		guest.Send(ctx, wire.Envelope{Type: wire.TypeExit, Code: 0})
	}()

	res := s.Run(context.Background(), vmm.ExecRequest{Argv: []string{"echo", "hi"}}, nil, nil)
	<-done

	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.CLICode != 0 {
		t.Errorf("CLICode = %d, want 0", res.CLICode)
	}
	if stdout.String() != "hello world" {
		t.Errorf("stdout = %q, want %q", stdout.String(), "hello world")
	}
	if stderr.String() != "warn" {
		t.Errorf("stderr = %q, want %q", stderr.String(), "warn")
	}
}

func TestSession_Run_SignalExitEncodesCLICode(t *testing.T) {
	hostConn, guestConn := net.Pipe()
	defer hostConn.Close()
	defer guestConn.Close()

	s := New(wire.New(hostConn), strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{})

	guest := wire.New(guestConn)
	go func() {
		ctx := context.Background()
		guest.Recv(ctx)
		guest.Send(ctx, wire.Envelope{Type: wire.TypeExit, Code: -9}) // killed by SIGKILL
	}()

	res := s.Run(context.Background(), vmm.ExecRequest{Argv: []string{"sleep", "5"}}, nil, nil)
	if res.Signal != 9 {
		t.Errorf("Signal = %d, want 9", res.Signal)
	}
	if res.CLICode != 137 {
		t.Errorf("CLICode = %d, want 137 (128+9)", res.CLICode)
	}
}

func TestSession_Run_UnexpectedEOFReportsCode255(t *testing.T) {
	hostConn, guestConn := net.Pipe()
	defer hostConn.Close()

	s := New(wire.New(hostConn), strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{})

	guest := wire.New(guestConn)
	go func() {
		guest.Recv(context.Background())
		guestConn.Close() // close without sending exit
	}()

	res := s.Run(context.Background(), vmm.ExecRequest{Argv: []string{"true"}}, nil, nil)
	if res.CLICode != 255 {
		t.Errorf("CLICode = %d, want 255", res.CLICode)
	}
	if res.Err == nil {
		t.Error("expected an error describing the unexpected EOF")
	}
}

func TestSession_Run_ForwardsStdinAndResize(t *testing.T) {
	hostConn, guestConn := net.Pipe()
	defer hostConn.Close()
	defer guestConn.Close()

	stdinR, stdinW := net.Pipe()
	defer stdinW.Close()

	s := New(wire.New(hostConn), stdinR, &bytes.Buffer{}, &bytes.Buffer{})

	resize := make(chan [2]uint16, 1)
	resize <- [2]uint16{40, 100}

	guest := wire.New(guestConn)
	seen := make(chan wire.Envelope, 4)
	go func() {
		ctx := context.Background()
		guest.Recv(ctx) // exec
		for i := 0; i < 2; i++ {
			env, err := guest.Recv(ctx)
			if err != nil {
				return
			}
			seen <- env
		}
		guest.Send(ctx, wire.Envelope{Type: wire.TypeExit, Code: 0})
	}()

	go func() {
		stdinW.Write([]byte("hi"))
	}()

	s.Run(context.Background(), vmm.ExecRequest{Argv: []string{"cat"}, TTY: true}, resize, nil)

	close(seen)
	var gotStdin, gotResize bool
	for env := range seen {
		switch env.Type {
		case wire.TypeStdin:
			gotStdin = true
		case wire.TypeResize:
			gotResize = true
			if env.Rows != 40 || env.Cols != 100 {
				t.Errorf("resize = %d x %d, want 40x100", env.Rows, env.Cols)
			}
		}
	}
	if !gotStdin || !gotResize {
		t.Errorf("gotStdin=%v gotResize=%v, want both true", gotStdin, gotResize)
	}
}
