package portforward

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ekoeppen/shuru/internal/vmm"
)

// fakeGuest accepts one vsock-style connection, reads the connect
// header line, then echoes everything it receives back to the caller
// so the test can assert the splice works in both directions.
func fakeGuest(t *testing.T) (Dialer, <-chan string) {
	headers := make(chan string, 8)
	return func(ctx context.Context, port uint32) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			r := bufio.NewReader(server)
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			headers <- line
			buf := make([]byte, 4096)
			for {
				n, err := r.Read(buf)
				if n > 0 {
					server.Write(buf[:n])
				}
				if err != nil {
					return
				}
			}
		}()
		return client, nil
	}, headers
}

func TestForwarder_BindAndRelay(t *testing.T) {
	dial, headers := fakeGuest(t)
	f := New(dial)
	defer f.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ln.Close() // just borrowing an ephemeral port number
	hostPort := ln.Addr().(*net.TCPAddr).Port

	if err := f.Bind([]vmm.PortForward{{HostPort: hostPort, GuestPort: 8080}}); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", hostPort))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}

	select {
	case h := <-headers:
		if h != `{"type":"connect","port":8080}`+"\n" {
			t.Errorf("connect header = %q", h)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect header")
	}

	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read echoed data: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("echoed = %q, want ping", buf)
	}
}

func TestForwarder_BindFailureClosesPriorListeners(t *testing.T) {
	dial, _ := fakeGuest(t)
	f := New(dial)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	busyPort := ln.Addr().(*net.TCPAddr).Port
	defer ln.Close()

	ln2, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	okPort := ln2.Addr().(*net.TCPAddr).Port
	ln2.Close()

	err = f.Bind([]vmm.PortForward{
		{HostPort: okPort, GuestPort: 1},
		{HostPort: busyPort, GuestPort: 2}, // already bound by ln above
	})
	if err == nil {
		t.Fatal("expected bind error for already-in-use port")
	}

	// The listener Bind opened on okPort before failing must be closed,
	// so the port can be bound again.
	again, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", okPort))
	if err != nil {
		t.Fatalf("okPort %d still bound after failed Bind: %v", okPort, err)
	}
	again.Close()
}
