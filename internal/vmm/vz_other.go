//go:build !darwin

package vmm

import (
	"context"
	"fmt"
	"net"
)

// VZHypervisor is only buildable on darwin/arm64 — the Apple
// Virtualization.framework binding has no other-platform equivalent,
// matching spec §1's Apple-Silicon-only Platform Hypervisor scope.
// This stub lets the rest of the module (CLI parsing, config, wire
// codec, checkpoint store) build and test on any host.
type VZHypervisor struct{}

func NewVZHypervisor() *VZHypervisor { return &VZHypervisor{} }

var errUnsupported = fmt.Errorf("shuru requires an Apple Silicon host (darwin/arm64)")

func (v *VZHypervisor) Configure(cfg VMConfig) (Handle, error) { return Handle{}, errUnsupported }

func (v *VZHypervisor) Start(ctx context.Context, h Handle) error { return errUnsupported }

func (v *VZHypervisor) DialVsock(ctx context.Context, h Handle, port uint32) (net.Conn, error) {
	return nil, errUnsupported
}

func (v *VZHypervisor) Stop(ctx context.Context, h Handle, graceful bool) error {
	return errUnsupported
}

func (v *VZHypervisor) Cleanup(h Handle) {}
