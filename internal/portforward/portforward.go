// Package portforward is the host side of the Port Forwarder (spec
// §4.6): for each configured PortForward it binds a local TCP listener
// before the session starts, and on each accepted connection opens a
// fresh vsock connection to the guest's forwarder port and splices
// bytes in both directions.
//
// The splice-until-either-side-closes idiom is lifted directly from
// the teacher's internal/harness/portproxy.go relay(): two io.Copy
// goroutines and a done channel, generalized from the teacher's
// guestIP:port→127.0.0.1:port TCP-to-TCP proxy to a
// TCP-listener→fresh-vsock-dial forwarder, since Shuru's networking
// model (virtio-net NAT, not gvproxy TSI) has no guest-IP proxy step.
package portforward

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/ekoeppen/shuru/internal/vmm"
	"github.com/ekoeppen/shuru/internal/wire"
)

// Dialer opens a fresh connection to the guest's forwarder vsock port
// for one accepted host connection. Satisfied by vmlifecycle.Session.DialVsock.
type Dialer func(ctx context.Context, port uint32) (net.Conn, error)

// Forwarder owns the listeners for a session's configured PortForwards.
type Forwarder struct {
	dial Dialer

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// New constructs a Forwarder that dials the guest via dial for every
// accepted connection.
func New(dial Dialer) *Forwarder {
	return &Forwarder{dial: dial}
}

// Bind opens all listeners up front (spec §4.6's ordering guarantee: "a
// port binding must be established before the exec session starts
// streaming"). On any bind failure it closes what it already opened
// and returns the error.
func (f *Forwarder) Bind(forwards []vmm.PortForward) error {
	for _, pf := range forwards {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", pf.HostPort))
		if err != nil {
			f.Close()
			return fmt.Errorf("bind host port %d: %w", pf.HostPort, err)
		}
		f.mu.Lock()
		f.listeners = append(f.listeners, ln)
		f.mu.Unlock()

		f.wg.Add(1)
		go f.accept(ln, pf.GuestPort)
	}
	return nil
}

func (f *Forwarder) accept(ln net.Listener, guestPort int) {
	defer f.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed by Close()
		}
		go f.handle(conn, guestPort)
	}
}

func (f *Forwarder) handle(hostConn net.Conn, guestPort int) {
	defer hostConn.Close()

	guestConn, err := f.dial(context.Background(), vmm.ForwardPort)
	if err != nil {
		log.Printf("portforward: dial guest port %d: %v", guestPort, err)
		return
	}
	defer guestConn.Close()

	codec := wire.New(guestConn)
	if err := codec.Send(context.Background(), wire.Envelope{Type: wire.TypeConnect, Port: guestPort}); err != nil {
		log.Printf("portforward: send connect header for port %d: %v", guestPort, err)
		return
	}

	relay(hostConn, guestConn)
}

// relay splices bytes between conn pairs until either side closes,
// matching the teacher's portproxy.go relay() shape.
func relay(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(b, a); done <- struct{}{} }()
	go func() { io.Copy(a, b); done <- struct{}{} }()
	<-done
}

// Close closes all listeners and waits for their accept loops to exit.
// In-flight relayed connections are not interrupted; they tear down on
// their own when either peer closes.
func (f *Forwarder) Close() {
	f.mu.Lock()
	listeners := f.listeners
	f.listeners = nil
	f.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
	f.wg.Wait()
}
