package wire

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestCodec_SendRecv(t *testing.T) {
	hostConn, guestConn := net.Pipe()
	defer hostConn.Close()
	defer guestConn.Close()

	host := New(hostConn)
	guest := New(guestConn)

	sent := Envelope{Type: TypeExec, Argv: []string{"echo", "hi"}, TTY: true, Rows: 24, Cols: 80}

	done := make(chan error, 1)
	go func() {
		done <- host.Send(context.Background(), sent)
	}()

	got, err := guest.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got.Type != TypeExec || len(got.Argv) != 2 || got.Argv[0] != "echo" || !got.TTY || got.Rows != 24 || got.Cols != 80 {
		t.Errorf("got %+v, want matching exec envelope", got)
	}
}

func TestCodec_DataRoundTrip(t *testing.T) {
	hostConn, guestConn := net.Pipe()
	defer hostConn.Close()
	defer guestConn.Close()

	host := New(hostConn)
	guest := New(guestConn)

	payload := []byte("hello\nworld")
	go host.Send(context.Background(), Envelope{Type: TypeStdout, Data: EncodeData(payload)})

	got, err := guest.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	decoded, err := got.DecodeData()
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if string(decoded) != string(payload) {
		t.Errorf("decoded = %q, want %q", decoded, payload)
	}
}

func TestCodec_UnknownTypeDoesNotError(t *testing.T) {
	hostConn, guestConn := net.Pipe()
	defer hostConn.Close()
	defer guestConn.Close()

	host := New(hostConn)
	guest := New(guestConn)

	go host.Send(context.Background(), Envelope{Type: "future-extension"})

	got, err := guest.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv should not error on unknown type: %v", err)
	}
	if got.Type != "future-extension" {
		t.Errorf("got.Type = %q, want future-extension", got.Type)
	}
}

func TestCodec_RecvTimeout(t *testing.T) {
	hostConn, guestConn := net.Pipe()
	defer hostConn.Close()
	defer guestConn.Close()

	guest := New(guestConn)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := guest.Recv(ctx)
	if err == nil {
		t.Error("expected timeout error, got nil")
	}
}

func TestCodec_RecvUnblocksOnCancel(t *testing.T) {
	hostConn, guestConn := net.Pipe()
	defer hostConn.Close()
	defer guestConn.Close()

	guest := New(guestConn)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := guest.Recv(ctx)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected error after cancel, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock after ctx was canceled")
	}
}
