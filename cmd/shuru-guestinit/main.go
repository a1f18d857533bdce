// shuru-guestinit is the guest PID 1 process that runs inside Shuru
// micro-VMs. It brings the guest up, runs one exec session over
// vsock, forwards ports, and reboots when the session ends.
//
// Build: GOOS=linux GOARCH=arm64 CGO_ENABLED=0 go build -o shuru-guestinit ./cmd/shuru-guestinit
package main

import (
	"log"

	"github.com/ekoeppen/shuru/internal/guestinit"
)

func main() {
	if err := guestinit.Run(); err != nil {
		log.Fatalf("shuru-guestinit: %v", err)
	}
}
