// Package vmm is the VM Configurator and Platform Hypervisor boundary
// (spec §4.2, §9): it turns a VmConfig into a platform-hypervisor
// description and exposes the narrow configure/start/connect/stop
// surface the core treats as opaque, independent of the binding
// technology underneath.
//
// Adapted from the teacher's internal/vmm/vmm.go Handle/VMM interface
// shape, narrowed to the single Apple Virtualization.framework backend
// this spec targets (no RootFSType/BackendCaps negotiation — Shuru has
// exactly one platform hypervisor, not several competing backends).
package vmm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/ekoeppen/shuru/internal/shuruerr"
)

// Handle is an opaque reference to a configured/running VM.
type Handle struct {
	id string
}

func (h Handle) String() string { return h.id }

// Mount is a host directory shared into the guest by tag (spec §3).
type Mount struct {
	HostPath  string
	GuestPath string
	ReadOnly  bool
}

// Tag derives the stable virtio-fs tag for a mount: a hash of the
// guest path, truncated to stay within the platform's 36-character
// limit (spec §4.2).
func (m Mount) Tag() string {
	sum := sha256.Sum256([]byte(m.GuestPath))
	return "m-" + hex.EncodeToString(sum[:])[:34]
}

// PortForward is a host TCP port mapped to a guest port (spec §3).
type PortForward struct {
	HostPort  int
	GuestPort int
}

// ExecRequest is the command the guest init runs for this session
// (spec §3, wire-encoded by internal/wire as the first "exec" message).
type ExecRequest struct {
	Argv []string
	Env  map[string]string
	TTY  bool
	Rows uint16
	Cols uint16
}

// VMConfig is the immutable description of one VM (spec §3 VmConfig).
type VMConfig struct {
	VCPUs    int
	MemoryMB int

	RootfsPath     string // per-session scratch copy or checkpoint attach target
	RootfsReadOnly bool
	KernelPath     string
	InitrdPath     string

	NetworkEnabled bool
	Mounts         []Mount
	PortForwards   []PortForward
	Verbose        bool

	Exec ExecRequest
}

// platform limits referenced by Validate (spec §4.2).
const (
	minMemoryMB = 128
	maxMemoryMB = 1 << 20 // generous upper bound; real ceiling is host RAM
	maxVCPUs    = 32
)

// Validate enforces spec §4.2's build() failure conditions, returning a
// shuruerr.ConfigError-wrapped error describing the first violation.
func (c VMConfig) Validate() error {
	if c.VCPUs < 1 || c.VCPUs > maxVCPUs {
		return shuruerr.New(shuruerr.ConfigError, "vcpu count %d outside [1, %d]", c.VCPUs, maxVCPUs)
	}
	if c.MemoryMB < minMemoryMB || c.MemoryMB > maxMemoryMB {
		return shuruerr.New(shuruerr.ConfigError, "memory %dMiB outside [%d, %d]", c.MemoryMB, minMemoryMB, maxMemoryMB)
	}
	if c.RootfsPath == "" {
		return shuruerr.New(shuruerr.ConfigError, "rootfs path is required")
	}
	if c.KernelPath == "" {
		return shuruerr.New(shuruerr.ConfigError, "kernel path is required")
	}
	seen := map[string]bool{}
	for _, m := range c.Mounts {
		if !strings.HasPrefix(m.GuestPath, "/") {
			return shuruerr.New(shuruerr.ConfigError, "mount guest path %q is not absolute", m.GuestPath)
		}
		if seen[m.GuestPath] {
			return shuruerr.New(shuruerr.ConfigError, "duplicate mount guest path %q", m.GuestPath)
		}
		seen[m.GuestPath] = true
	}
	seenPorts := map[int]bool{}
	for _, pf := range c.PortForwards {
		if seenPorts[pf.HostPort] {
			return shuruerr.New(shuruerr.ConfigError, "duplicate host port %d", pf.HostPort)
		}
		seenPorts[pf.HostPort] = true
	}
	return nil
}

// KernelCmdline builds the guest kernel command line (spec §4.2): the
// fixed console/root/rw triple, "quiet" unless verbose, "shuru.net=1"
// when networking is enabled, and a shuru.mounts=tag:guestpath:ro|rw,...
// encoding the guest init parses to know which virtio-fs tags to mount
// where (spec §4.7 step 4).
func (c VMConfig) KernelCmdline() string {
	parts := []string{"console=hvc0", "root=/dev/vda", "rw"}
	if !c.Verbose {
		parts = append(parts, "quiet")
	}
	if c.NetworkEnabled {
		parts = append(parts, "shuru.net=1")
	}
	if len(c.Mounts) > 0 {
		entries := make([]string, len(c.Mounts))
		for i, m := range c.Mounts {
			mode := "rw"
			if m.ReadOnly {
				mode = "ro"
			}
			entries[i] = fmt.Sprintf("%s:%s:%s", m.Tag(), m.GuestPath, mode)
		}
		parts = append(parts, "shuru.mounts="+strings.Join(entries, ","))
	}
	return strings.Join(parts, " ")
}

// ControlPort and ForwardPort are the well-known vsock ports the
// guest init listens on (spec §4.7 step 5 / §6).
const (
	ControlPort = uint32(1024)
	ForwardPort = uint32(1025)
)

// Hypervisor is the Platform Hypervisor abstraction (spec §1, §9): an
// opaque component exposing configure/start/stop operations plus the
// vsock-connect primitive the VM Lifecycle Driver polls during
// Starting→Running. Binding technology (Virtualization.framework via
// Code-Hex/vz) lives entirely behind this interface.
type Hypervisor interface {
	// Configure builds a platform VM description from cfg without
	// starting it. Returns shuruerr.ConfigError-wrapped errors for the
	// failure conditions in spec §4.2.
	Configure(cfg VMConfig) (Handle, error)

	// Start powers on a configured VM. Returns shuruerr.BootError on
	// immediate platform failure (spec §4.3 Configured→Starting).
	Start(ctx context.Context, h Handle) error

	// DialVsock opens a connection to the given guest vsock port. Used
	// by the lifecycle driver's Starting→Running retry loop and by the
	// Port Forwarder for each accepted host connection.
	DialVsock(ctx context.Context, h Handle, port uint32) (net.Conn, error)

	// Stop tears the VM down. graceful requests an orderly shutdown
	// first; the caller enforces the 3s grace deadline before retrying
	// with graceful=false (spec §4.3 Stopping→Stopped).
	Stop(ctx context.Context, h Handle, graceful bool) error

	// Cleanup releases any handle-scoped host resources (sockets,
	// pipes) not freed by Stop. Safe to call after Stop or after a
	// failed Configure/Start.
	Cleanup(h Handle)
}
