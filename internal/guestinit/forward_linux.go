//go:build linux

package guestinit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"

	"github.com/ekoeppen/shuru/internal/wire"
)

// acceptForwards implements the guest half of spec §4.6: accept
// connections on vsock:1025 repeatedly, read the one-line connect
// header, dial the named local port, then splice until either side
// closes. Relay shape matches internal/harness/portproxy.go's relay().
func acceptForwards(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go handleForward(conn)
	}
}

func handleForward(conn net.Conn) {
	defer conn.Close()

	// Read the header line with a plain bufio.Reader, not wire.Codec:
	// the splice that follows must continue from this same reader so
	// any payload bytes the client pipelined right after the header
	// aren't left stranded in a scanner buffer we then abandon.
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		log.Printf("guestinit: read port-forward header: %v", err)
		return
	}
	var env wire.Envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil || env.Type != wire.TypeConnect {
		log.Printf("guestinit: bad port-forward header %q: %v", line, err)
		return
	}

	local, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", env.Port))
	if err != nil {
		log.Printf("guestinit: dial local port %d: %v", env.Port, err)
		return
	}
	defer local.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(local, r); done <- struct{}{} }()
	go func() { io.Copy(conn, local); done <- struct{}{} }()
	<-done
}
