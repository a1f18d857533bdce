// Package asset locates the kernel, initramfs, and rootfs image on the
// host. Downloading or building these assets is explicitly out of
// scope (spec §1); this package only checks that configured paths
// exist and are readable, surfacing shuruerr.AssetMissing otherwise.
//
// Grounded on the teacher's internal/config.Config.FindBinary /
// EnsureDirs pattern of resolving optional paths before failing loud.
package asset

import (
	"fmt"
	"os"

	"github.com/ekoeppen/shuru/internal/config"
	"github.com/ekoeppen/shuru/internal/shuruerr"
)

// Set is the resolved, verified set of boot assets for one invocation.
type Set struct {
	KernelPath string
	InitrdPath string
	RootfsPath string
}

// Resolve checks that the configured kernel/initramfs/rootfs paths
// exist and are regular, readable files. rootfsOverride, if non-empty,
// replaces cfg.RootfsPath (used by `run --from NAME`).
func Resolve(cfg *config.Config, rootfsOverride string) (*Set, error) {
	rootfs := cfg.RootfsPath
	if rootfsOverride != "" {
		rootfs = rootfsOverride
	}

	s := &Set{
		KernelPath: cfg.KernelPath,
		InitrdPath: cfg.InitrdPath,
		RootfsPath: rootfs,
	}

	for name, path := range map[string]string{
		"kernel":    s.KernelPath,
		"initramfs": s.InitrdPath,
		"rootfs":    s.RootfsPath,
	} {
		if err := checkReadable(path); err != nil {
			return nil, shuruerr.Wrap(shuruerr.AssetMissing,
				fmt.Errorf("%s asset %s: %w (run `shuru init` to verify your installation)", name, path, err))
		}
	}
	return s, nil
}

func checkReadable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, expected a file", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
