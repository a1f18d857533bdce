package main

import (
	"fmt"
	"os"

	"github.com/ekoeppen/shuru/internal/asset"
	"github.com/ekoeppen/shuru/internal/config"
	"github.com/ekoeppen/shuru/internal/shuruerr"
)

// cmdInit verifies the on-disk asset layout (spec §6 persistent state
// layout), creating the directory tree and reporting any missing
// kernel/initramfs/rootfs with the FindBinary-style diagnostic
// asset.Resolve already produces.
func cmdInit(args []string) {
	force := false
	for _, a := range args {
		if a == "--force" {
			force = true
		}
	}

	cfg, err := config.DefaultConfig()
	if err != nil {
		fatal(shuruerr.New(shuruerr.ConfigError, "resolve config: %v", err))
	}
	if err := cfg.EnsureDirs(); err != nil {
		fatal(shuruerr.Wrap(shuruerr.ConfigError, err))
	}
	if force {
		if err := cfg.CleanScratch(); err != nil {
			fatal(shuruerr.Wrap(shuruerr.ConfigError, err))
		}
	}

	if _, err := asset.Resolve(cfg, ""); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintf(os.Stderr, "\nExpected layout under %s:\n  Image\n  initramfs.cpio.gz\n  rootfs.ext4\n", cfg.DataDir)
		fmt.Fprintln(os.Stderr, "\nSet SHURU_KERNEL/SHURU_ROOTFS/SHURU_INITRD to point at alternate locations.")
		os.Exit(2)
	}

	fmt.Printf("shuru is ready: %s\n", cfg.DataDir)
}
