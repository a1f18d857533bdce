//go:build !linux

package guestinit

import "fmt"

// Run is only meaningful on linux/arm64 — the guest init binary runs
// inside the VM, never on the host. This stub lets the rest of the
// module build on darwin (the host platform) without a linux cross
// build, matching the teacher's vsock_other.go stub idiom.
func Run() error {
	return fmt.Errorf("shuru-guestinit only runs inside a linux guest")
}
