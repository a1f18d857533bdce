//go:build linux

// Package guestinit is Shuru's PID 1 (spec §4.7): it brings the guest
// up far enough to run one exec session and forward ports, then reboots
// the VM when that session ends.
//
// Grounded on internal/harness/main.go's Run() orchestration (mount,
// then network, then accept host connections) and
// internal/harness/mount_linux.go's mountEssential/setupNetwork split,
// generalized from the teacher's TSI/gvproxy dual-mode networking to
// Shuru's single virtio-net-NAT-plus-DHCP model and from the teacher's
// outbound TCP dial to Shuru's vsock listen/accept model.
package guestinit

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdlayher/vsock"

	"github.com/ekoeppen/shuru/internal/vmm"
)

// Run executes the full PID 1 sequence. It never returns under normal
// operation (the process calls syscall.Reboot when the control session
// ends); it returns an error only if a fatal startup step fails before
// any session could run.
func Run() error {
	log.SetFlags(0)
	log.SetPrefix("shuru-guestinit: ")

	if err := mountFilesystems(); err != nil {
		return err
	}
	if err := syscall.Sethostname([]byte("shuru")); err != nil {
		log.Printf("sethostname: %v", err)
	}

	setupNetwork()

	if err := applyMounts(); err != nil {
		log.Printf("apply virtio-fs mounts: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	controlLn, err := vsock.Listen(vmm.ControlPort, nil)
	if err != nil {
		return err
	}
	defer controlLn.Close()

	forwardLn, err := vsock.Listen(vmm.ForwardPort, nil)
	if err != nil {
		return err
	}
	defer forwardLn.Close()

	go acceptForwards(ctx, forwardLn)

	log.Println("ready, accepting control connection on vsock:1024")
	conn, err := controlLn.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	runControlSession(ctx, conn)

	log.Println("session ended, rebooting")
	syscall.Sync()
	syscall.Reboot(syscall.LINUX_REBOOT_CMD_RESTART)
	return nil
}
