//go:build darwin

package vmm

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/Code-Hex/vz/v3"
	"github.com/google/uuid"

	"github.com/ekoeppen/shuru/internal/shuruerr"
)

// VZHypervisor binds the Platform Hypervisor abstraction to Apple's
// Virtualization.framework via Code-Hex/vz/v3.
//
// Device wiring (boot loader, virtio-block, virtio-vsock, virtio-net
// NAT, virtio-fs, serial console, entropy) is grounded on the vz usage
// in the retrieved vm_manager.go reference (buildAndStartVM): the same
// sequence of NewXxxDeviceConfiguration calls, assembled into one
// VirtualMachineConfiguration and validated before NewVirtualMachine.
type VZHypervisor struct {
	mu   sync.Mutex
	vms  map[string]*vzInstance
}

type vzInstance struct {
	vm         *vz.VirtualMachine
	socket     *vz.VirtioSocketDevice
	console    *os.File // read end the host can stream for -v/-vv
	consoleW   *os.File
}

// NewVZHypervisor constructs an empty hypervisor. One process hosts at
// most one VM per spec's single-invocation model, but the map supports
// the general Hypervisor interface shape.
func NewVZHypervisor() *VZHypervisor {
	return &VZHypervisor{vms: make(map[string]*vzInstance)}
}

func (v *VZHypervisor) Configure(cfg VMConfig) (Handle, error) {
	if err := cfg.Validate(); err != nil {
		return Handle{}, err
	}

	bootLoader, err := vz.NewLinuxBootLoader(
		cfg.KernelPath,
		vz.WithCommandLine(cfg.KernelCmdline()),
		vz.WithInitrd(cfg.InitrdPath),
	)
	if err != nil {
		return Handle{}, shuruerr.Wrap(shuruerr.ConfigError, fmt.Errorf("boot loader: %w", err))
	}

	vmConfig, err := vz.NewVirtualMachineConfiguration(bootLoader, uint(cfg.VCPUs), uint64(cfg.MemoryMB)*1024*1024)
	if err != nil {
		return Handle{}, shuruerr.Wrap(shuruerr.ConfigError, fmt.Errorf("vm configuration: %w", err))
	}

	// Serial console → host stdout for kernel logs (discarded unless verbose).
	consoleR, consoleW, err := os.Pipe()
	if err != nil {
		return Handle{}, shuruerr.Wrap(shuruerr.ConfigError, fmt.Errorf("console pipe: %w", err))
	}
	serialAttachment, err := vz.NewFileHandleSerialPortAttachment(consoleR, consoleW)
	if err != nil {
		return Handle{}, shuruerr.Wrap(shuruerr.ConfigError, fmt.Errorf("serial attachment: %w", err))
	}
	serialConfig, err := vz.NewVirtioConsoleDeviceSerialPortConfiguration(serialAttachment)
	if err != nil {
		return Handle{}, shuruerr.Wrap(shuruerr.ConfigError, fmt.Errorf("serial configuration: %w", err))
	}
	vmConfig.SetSerialPortsVirtualMachineConfiguration([]vz.SerialPortConfiguration{serialConfig})

	// virtio-block: rootfs (or per-session checkpoint copy), writable
	// unless the session declared itself read-only.
	diskAttachment, err := vz.NewDiskImageStorageDeviceAttachment(cfg.RootfsPath, cfg.RootfsReadOnly)
	if err != nil {
		return Handle{}, shuruerr.Wrap(shuruerr.ConfigError, fmt.Errorf("disk attachment %s: %w", cfg.RootfsPath, err))
	}
	blockConfig, err := vz.NewVirtioBlockDeviceConfiguration(diskAttachment)
	if err != nil {
		return Handle{}, shuruerr.Wrap(shuruerr.ConfigError, fmt.Errorf("block device: %w", err))
	}
	vmConfig.SetStorageDevicesVirtualMachineConfiguration([]vz.StorageDeviceConfiguration{blockConfig})

	// virtio-vsock: context ID auto-assigned by the platform.
	socketConfig, err := vz.NewVirtioSocketDeviceConfiguration()
	if err != nil {
		return Handle{}, shuruerr.Wrap(shuruerr.ConfigError, fmt.Errorf("socket device: %w", err))
	}
	vmConfig.SetSocketDevicesVirtualMachineConfiguration([]vz.SocketDeviceConfiguration{socketConfig})

	// virtio-net NAT, iff network-enabled.
	if cfg.NetworkEnabled {
		netAttachment, err := vz.NewNATNetworkDeviceAttachment()
		if err != nil {
			return Handle{}, shuruerr.Wrap(shuruerr.ConfigError, fmt.Errorf("nat attachment: %w", err))
		}
		netConfig, err := vz.NewVirtioNetworkDeviceConfiguration(netAttachment)
		if err != nil {
			return Handle{}, shuruerr.Wrap(shuruerr.ConfigError, fmt.Errorf("network device: %w", err))
		}
		mac, err := vz.NewRandomLocallyAdministeredMACAddress()
		if err != nil {
			return Handle{}, shuruerr.Wrap(shuruerr.ConfigError, fmt.Errorf("mac address: %w", err))
		}
		netConfig.SetMACAddress(mac)
		vmConfig.SetNetworkDevicesVirtualMachineConfiguration([]vz.NetworkDeviceConfiguration{netConfig})
	}

	// virtio-fs: one tag per configured mount.
	if len(cfg.Mounts) > 0 {
		fsConfigs := make([]vz.DirectorySharingDeviceConfiguration, 0, len(cfg.Mounts))
		for _, m := range cfg.Mounts {
			sharedDir, err := vz.NewSharedDirectory(m.HostPath, m.ReadOnly)
			if err != nil {
				return Handle{}, shuruerr.Wrap(shuruerr.ConfigError, fmt.Errorf("shared directory %s: %w", m.HostPath, err))
			}
			share, err := vz.NewSingleDirectoryShare(sharedDir)
			if err != nil {
				return Handle{}, shuruerr.Wrap(shuruerr.ConfigError, fmt.Errorf("directory share %s: %w", m.HostPath, err))
			}
			fsConfig, err := vz.NewVirtioFileSystemDeviceConfiguration(m.Tag())
			if err != nil {
				return Handle{}, shuruerr.Wrap(shuruerr.ConfigError, fmt.Errorf("fs device %s: %w", m.Tag(), err))
			}
			fsConfig.SetDirectoryShare(share)
			fsConfigs = append(fsConfigs, fsConfig)
		}
		vmConfig.SetDirectorySharingDevicesVirtualMachineConfiguration(fsConfigs)
	}

	// Entropy device — the guest's only source of randomness; without
	// it DHCP transaction IDs and TLS inside the guest are predictable.
	entropyConfig, err := vz.NewVirtioEntropyDeviceConfiguration()
	if err != nil {
		return Handle{}, shuruerr.Wrap(shuruerr.ConfigError, fmt.Errorf("entropy device: %w", err))
	}
	vmConfig.SetEntropyDevicesVirtualMachineConfiguration([]vz.EntropyDeviceConfiguration{entropyConfig})

	if ok, err := vmConfig.Validate(); !ok {
		return Handle{}, shuruerr.Wrap(shuruerr.ConfigError, fmt.Errorf("validate vm configuration: %w", err))
	}

	vm, err := vz.NewVirtualMachine(vmConfig)
	if err != nil {
		return Handle{}, shuruerr.Wrap(shuruerr.ConfigError, fmt.Errorf("create virtual machine: %w", err))
	}

	id := uuid.NewString()
	v.mu.Lock()
	v.vms[id] = &vzInstance{vm: vm, console: consoleR, consoleW: consoleW}
	v.mu.Unlock()

	return Handle{id: id}, nil
}

func (v *VZHypervisor) Start(ctx context.Context, h Handle) error {
	inst, err := v.get(h)
	if err != nil {
		return err
	}
	if err := inst.vm.Start(); err != nil {
		return shuruerr.Wrap(shuruerr.BootError, err)
	}

	sockets := inst.vm.SocketDevices()
	if len(sockets) == 0 {
		return shuruerr.New(shuruerr.BootError, "no virtio-vsock device present after start")
	}
	v.mu.Lock()
	inst.socket = sockets[0]
	v.mu.Unlock()
	return nil
}

func (v *VZHypervisor) DialVsock(ctx context.Context, h Handle, port uint32) (net.Conn, error) {
	inst, err := v.get(h)
	if err != nil {
		return nil, err
	}
	if inst.socket == nil {
		return nil, fmt.Errorf("vsock device not ready")
	}

	type result struct {
		conn *vz.VirtioSocketConnection
		err  error
	}
	resultCh := make(chan result, 1)
	inst.socket.Connect(port, func(conn *vz.VirtioSocketConnection, err error) {
		resultCh <- result{conn, err}
	})

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, r.err
		}
		return &vsockConn{conn: r.conn, port: port}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (v *VZHypervisor) Stop(ctx context.Context, h Handle, graceful bool) error {
	inst, err := v.get(h)
	if err != nil {
		return err
	}

	if graceful && inst.vm.CanRequestStop() {
		if _, err := inst.vm.RequestStop(); err == nil {
			deadline := time.Now().Add(3 * time.Second)
			for time.Now().Before(deadline) {
				if inst.vm.State() == vz.VirtualMachineStateStopped {
					return nil
				}
				time.Sleep(50 * time.Millisecond)
			}
		}
	}

	if inst.vm.CanStop() {
		done := make(chan error, 1)
		inst.vm.Stop(func(err error) { done <- err })
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (v *VZHypervisor) Cleanup(h Handle) {
	v.mu.Lock()
	defer v.mu.Unlock()
	inst, ok := v.vms[h.id]
	if !ok {
		return
	}
	if inst.console != nil {
		inst.console.Close()
	}
	if inst.consoleW != nil {
		inst.consoleW.Close()
	}
	delete(v.vms, h.id)
}

func (v *VZHypervisor) get(h Handle) (*vzInstance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	inst, ok := v.vms[h.id]
	if !ok {
		return nil, fmt.Errorf("vm %s not found", h.id)
	}
	return inst, nil
}

// vsockConn adapts vz.VirtioSocketConnection (an io.ReadWriteCloser) to
// net.Conn so callers throughout the host side (wire.Codec, port
// forwarder) can use it as a plain net.Conn. Deadlines are not
// supported: SetDeadline/SetReadDeadline/SetWriteDeadline are no-ops,
// so a context passed to wire.Codec does not interrupt a blocked read
// or write on this connection.
// Grounded on the same wrapper in the retrieved vm_manager.go reference.
type vsockConn struct {
	conn *vz.VirtioSocketConnection
	port uint32
}

func (c *vsockConn) Read(b []byte) (int, error)  { return c.conn.Read(b) }
func (c *vsockConn) Write(b []byte) (int, error) { return c.conn.Write(b) }
func (c *vsockConn) Close() error                { return c.conn.Close() }
func (c *vsockConn) LocalAddr() net.Addr         { return vsockAddr{cid: 2, port: 0} }
func (c *vsockConn) RemoteAddr() net.Addr        { return vsockAddr{cid: 3, port: c.port} }
func (c *vsockConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}
func (c *vsockConn) SetReadDeadline(time.Time) error  { return nil }
func (c *vsockConn) SetWriteDeadline(time.Time) error { return nil }

type vsockAddr struct {
	cid  uint32
	port uint32
}

func (a vsockAddr) Network() string { return "vsock" }
func (a vsockAddr) String() string  { return fmt.Sprintf("vsock:%d:%d", a.cid, a.port) }
