package main

import (
	"fmt"
	"os"

	"github.com/ekoeppen/shuru/internal/checkpoint"
	"github.com/ekoeppen/shuru/internal/config"
	"github.com/ekoeppen/shuru/internal/shuruerr"
)

func cmdCheckpoint(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: shuru checkpoint <create|list|delete> ...")
		os.Exit(1)
	}
	switch args[0] {
	case "create":
		cmdCheckpointCreate(args[1:])
	case "list":
		cmdCheckpointList(args[1:])
	case "delete":
		cmdCheckpointDelete(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown checkpoint subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

// cmdCheckpointCreate implements spec §4.8 `create NAME [--from PARENT]
// -- <cmd>`: boot a session from PARENT's image (or the default
// rootfs), run cmd to completion, and commit only on a clean exit.
func cmdCheckpointCreate(args []string) {
	if len(args) == 0 {
		usageErr("checkpoint create", fmt.Errorf("usage: shuru checkpoint create NAME [flags] -- <cmd>"))
	}
	name := args[0]
	if err := checkpoint.ValidateName(name); err != nil {
		fatal(err)
	}

	cfg, err := config.DefaultConfig()
	if err != nil {
		fatal(shuruerr.New(shuruerr.ConfigError, "resolve config: %v", err))
	}
	if err := cfg.EnsureDirs(); err != nil {
		fatal(shuruerr.Wrap(shuruerr.ConfigError, err))
	}
	if err := cfg.CleanScratch(); err != nil {
		fatal(shuruerr.Wrap(shuruerr.ConfigError, err))
	}

	opts, err := parseRunOptions(args[1:], cfg)
	if err != nil {
		usageErr("checkpoint create", err)
	}
	if len(opts.argv) == 0 {
		usageErr("checkpoint create", fmt.Errorf("no command given; pass one after --"))
	}
	parent := opts.from

	store, err := checkpoint.Open(cfg.CheckpointsDir)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	// runSession (via checkpointSourceImage) already locks opts.from for
	// the session's lifetime, so parent is protected against a
	// concurrent delete without locking it again here.
	code, err := runSession(cfg, opts, func(scratchPath string) error {
		return store.Commit(name, parent, scratchPath)
	})
	if err != nil {
		fatal(err)
	}
	if code != 0 {
		fmt.Fprintf(os.Stderr, "checkpoint create: command exited %d, checkpoint not committed\n", code)
		os.Exit(code)
	}
	fmt.Printf("checkpoint %q created\n", name)
}

func cmdCheckpointList(args []string) {
	cfg, err := config.DefaultConfig()
	if err != nil {
		fatal(shuruerr.New(shuruerr.ConfigError, "resolve config: %v", err))
	}
	store, err := checkpoint.Open(cfg.CheckpointsDir)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	list, err := store.List()
	if err != nil {
		fatal(err)
	}
	if len(list) == 0 {
		fmt.Println("no checkpoints")
		return
	}

	fmt.Printf("%-30s %-30s %-20s\n", "NAME", "PARENT", "CREATED")
	for _, m := range list {
		parent := m.Parent
		if parent == "" {
			parent = "-"
		}
		fmt.Printf("%-30s %-30s %-20s\n", m.Name, parent, m.CreatedAt.Format("2006-01-02 15:04:05"))
	}
}

func cmdCheckpointDelete(args []string) {
	if len(args) != 1 {
		usageErr("checkpoint delete", fmt.Errorf("usage: shuru checkpoint delete NAME"))
	}
	cfg, err := config.DefaultConfig()
	if err != nil {
		fatal(shuruerr.New(shuruerr.ConfigError, "resolve config: %v", err))
	}
	store, err := checkpoint.Open(cfg.CheckpointsDir)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	if err := store.Delete(args[0]); err != nil {
		fatal(err)
	}
	fmt.Printf("checkpoint %q deleted\n", args[0])
}
