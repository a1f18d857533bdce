//go:build linux

package guestinit

import (
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// mountFilesystems performs spec §4.7 step 1: mount proc, sysfs,
// devtmpfs, devpts, tmpfs at their standard mount points. Adapted from
// the teacher's mountEssential, trading its "remount / read-only"
// release-immutability step (not applicable: Shuru's rootfs is a
// per-session scratch ext4 copy the guest is expected to write to) for
// the fixed pseudo-filesystem set spec §4.7 names explicitly.
func mountFilesystems() error {
	mounts := []struct {
		source, target, fstype string
		flags                  uintptr
	}{
		{"proc", "/proc", "proc", 0},
		{"sysfs", "/sys", "sysfs", 0},
		{"devtmpfs", "/dev", "devtmpfs", 0},
		{"devpts", "/dev/pts", "devpts", 0},
		{"tmpfs", "/tmp", "tmpfs", 0},
		{"tmpfs", "/run", "tmpfs", 0},
	}
	for _, m := range mounts {
		if err := os.MkdirAll(m.target, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", m.target, err)
		}
		if err := unix.Mount(m.source, m.target, m.fstype, m.flags, ""); err != nil && err != unix.EBUSY {
			return fmt.Errorf("mount %s on %s: %w", m.source, m.target, err)
		}
	}
	return nil
}

// mountSpec describes one virtio-fs share encoded onto the kernel
// cmdline by vmm.VMConfig.KernelCmdline: shuru.mounts=tag:path:ro|rw,...
type mountSpec struct {
	tag       string
	guestPath string
	readOnly  bool
}

func parseMountSpecs(cmdline string) []mountSpec {
	var value string
	for _, field := range strings.Fields(cmdline) {
		if rest, ok := strings.CutPrefix(field, "shuru.mounts="); ok {
			value = rest
			break
		}
	}
	if value == "" {
		return nil
	}

	var specs []mountSpec
	for _, entry := range strings.Split(value, ",") {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			log.Printf("guestinit: malformed mount spec %q, skipping", entry)
			continue
		}
		specs = append(specs, mountSpec{tag: parts[0], guestPath: parts[1], readOnly: parts[2] == "ro"})
	}
	return specs
}

// applyMounts performs spec §4.7 step 4: for each virtio-fs tag, create
// the guest directory and mount it. Read-only mounts get an overlay
// with a tmpfs upper layer so the guest can write ephemerally without
// touching the host-shared lower directory; read-write mounts are
// mounted directly.
func applyMounts() error {
	cmdline, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return fmt.Errorf("read /proc/cmdline: %w", err)
	}

	for _, spec := range parseMountSpecs(string(cmdline)) {
		if err := os.MkdirAll(spec.guestPath, 0755); err != nil {
			log.Printf("guestinit: mkdir %s: %v", spec.guestPath, err)
			continue
		}

		if !spec.readOnly {
			if err := unix.Mount(spec.tag, spec.guestPath, "virtiofs", 0, ""); err != nil {
				log.Printf("guestinit: mount %s at %s: %v", spec.tag, spec.guestPath, err)
			}
			continue
		}

		if err := mountReadOnlyOverlay(spec); err != nil {
			log.Printf("guestinit: overlay mount %s at %s: %v", spec.tag, spec.guestPath, err)
		}
	}
	return nil
}

func mountReadOnlyOverlay(spec mountSpec) error {
	lower := "/run/shuru/mounts/" + spec.tag + "/lower"
	upper := "/run/shuru/mounts/" + spec.tag + "/upper"
	work := "/run/shuru/mounts/" + spec.tag + "/work"
	for _, dir := range []string{lower, upper, work} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	if err := unix.Mount(spec.tag, lower, "virtiofs", unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("mount virtiofs %s read-only: %w", spec.tag, err)
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
	return unix.Mount("overlay", spec.guestPath, "overlay", 0, opts)
}
