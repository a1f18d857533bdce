package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ekoeppen/shuru/internal/asset"
	"github.com/ekoeppen/shuru/internal/checkpoint"
	"github.com/ekoeppen/shuru/internal/config"
	"github.com/ekoeppen/shuru/internal/execsession"
	"github.com/ekoeppen/shuru/internal/portforward"
	"github.com/ekoeppen/shuru/internal/shuruerr"
	"github.com/ekoeppen/shuru/internal/terminal"
	"github.com/ekoeppen/shuru/internal/vmlifecycle"
	"github.com/ekoeppen/shuru/internal/vmm"
	"github.com/ekoeppen/shuru/internal/wire"
)

// runOptions is shared by `shuru run` and `shuru checkpoint create`,
// which differ only in what happens to the session's scratch disk
// after the command exits. Flag-parsing style (hand-rolled loop over
// args, "--" separates flags from argv) is adapted from the teacher's
// parseRunFlags (cmd/aegis/main.go).
type runOptions struct {
	allowNet   bool
	cpus       int
	memoryMB   int
	diskSizeMB int
	mounts     []vmm.Mount
	ports      []vmm.PortForward
	env        map[string]string
	from       string
	configPath string
	console    bool
	verbose    bool
	argv       []string
}

func parseRunOptions(args []string, cfg *config.Config) (*runOptions, error) {
	o := &runOptions{
		cpus:     cfg.DefaultCPUs,
		memoryMB: cfg.DefaultMemoryMB,
		env:      map[string]string{},
	}

	for i := 0; i < len(args); i++ {
		if args[i] == "--" {
			o.argv = args[i+1:]
			break
		}
		switch args[i] {
		case "--allow-net":
			o.allowNet = true
		case "--console":
			o.console = true
		case "-v", "-vv":
			o.verbose = true
		case "--cpus":
			v, err := nextInt(args, &i, "--cpus")
			if err != nil {
				return nil, err
			}
			o.cpus = v
		case "--memory":
			v, err := nextInt(args, &i, "--memory")
			if err != nil {
				return nil, err
			}
			o.memoryMB = v
		case "--disk-size":
			v, err := nextInt(args, &i, "--disk-size")
			if err != nil {
				return nil, err
			}
			o.diskSizeMB = v
		case "--mount":
			v, err := nextString(args, &i, "--mount")
			if err != nil {
				return nil, err
			}
			hostPath, guestPath, ro, err := config.ParseMount(v)
			if err != nil {
				return nil, err
			}
			o.mounts = append(o.mounts, vmm.Mount{HostPath: hostPath, GuestPath: guestPath, ReadOnly: ro})
		case "-p":
			v, err := nextString(args, &i, "-p")
			if err != nil {
				return nil, err
			}
			hostPort, guestPort, err := config.ParsePortForward(v)
			if err != nil {
				return nil, err
			}
			o.ports = append(o.ports, vmm.PortForward{HostPort: hostPort, GuestPort: guestPort})
		case "-e":
			v, err := nextString(args, &i, "-e")
			if err != nil {
				return nil, err
			}
			k, val, err := splitKV(v)
			if err != nil {
				return nil, err
			}
			o.env[k] = val
		case "--from":
			v, err := nextString(args, &i, "--from")
			if err != nil {
				return nil, err
			}
			o.from = v
		case "--config":
			v, err := nextString(args, &i, "--config")
			if err != nil {
				return nil, err
			}
			o.configPath = v
		default:
			return nil, fmt.Errorf("unknown flag %q", args[i])
		}
	}
	return o, nil
}

func nextInt(args []string, i *int, flag string) (int, error) {
	s, err := nextString(args, i, flag)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s requires an integer, got %q", flag, s)
	}
	return n, nil
}

func nextString(args []string, i *int, flag string) (string, error) {
	if *i+1 >= len(args) {
		return "", fmt.Errorf("%s requires a value", flag)
	}
	*i++
	return args[*i], nil
}

func splitKV(s string) (key, val string, err error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("invalid -e value %q, want KEY=VALUE", s)
}

// applyFileConfig merges shuru.json values under whatever the CLI
// flags didn't already set (spec §6: "CLI flags override config;
// config overrides defaults").
func applyFileConfig(o *runOptions, fc *config.FileConfig, cliArgs []string) {
	set := map[string]bool{}
	for _, a := range cliArgs {
		set[a] = true
	}
	if fc.CPUs > 0 && !set["--cpus"] {
		o.cpus = fc.CPUs
	}
	if fc.Memory > 0 && !set["--memory"] {
		o.memoryMB = fc.Memory
	}
	if fc.DiskSize > 0 && !set["--disk-size"] {
		o.diskSizeMB = fc.DiskSize
	}
	if fc.AllowNet && !set["--allow-net"] {
		o.allowNet = true
	}
	if len(o.argv) == 0 && len(fc.Command) > 0 {
		o.argv = fc.Command
	}
	for k, v := range fc.Env {
		if _, ok := o.env[k]; !ok {
			o.env[k] = v
		}
	}
	// A CLI -p/--mount list fully replaces the config list rather than
	// appending to it (spec.md's Open Question resolution), matching the
	// scalar overrides above.
	if !set["-p"] {
		for _, p := range fc.Ports {
			if hostPort, guestPort, err := config.ParsePortForward(p); err == nil {
				o.ports = append(o.ports, vmm.PortForward{HostPort: hostPort, GuestPort: guestPort})
			}
		}
	}
	if !set["--mount"] {
		for _, m := range fc.Mounts {
			if hostPath, guestPath, ro, err := config.ParseMount(m); err == nil {
				o.mounts = append(o.mounts, vmm.Mount{HostPath: hostPath, GuestPath: guestPath, ReadOnly: ro})
			}
		}
	}
}

func cmdRun(args []string) {
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

	opts, err := parseRunOptions(args, cfg)
	if err != nil {
		usageErr("run", err)
	}
	mergeFileConfig(opts, args)

	if len(opts.argv) == 0 {
		usageErr("run", fmt.Errorf("no command given; pass one after --"))
	}

	code, err := runSession(cfg, opts, nil)
	if err != nil {
		fatal(err)
	}
	os.Exit(code)
}

func mergeFileConfig(o *runOptions, cliArgs []string) {
	path := o.configPath
	if path == "" {
		path = "shuru.json"
	}
	fc, err := config.LoadFileConfig(path)
	if err != nil {
		fatal(shuruerr.Wrap(shuruerr.ConfigError, err))
	}
	applyFileConfig(o, fc, cliArgs)
}

// commitFunc, when non-nil, is invoked with the session's scratch disk
// path after the guest command exits 0. It takes ownership of the
// file (renaming or removing it) so runSession must not delete it
// itself in that case. Used by `checkpoint create` to commit the
// scratch disk instead of discarding it like a plain `run`.
type commitFunc func(scratchPath string) error

// runSession builds, boots, attaches to, and tears down exactly one VM
// for one exec request — the control-flow path shared by `run` and
// `checkpoint create` (spec §2: "the driver composes a config, boots
// the VM... VM exit causes cascade cleanup").
func runSession(cfg *config.Config, opts *runOptions, onCommit commitFunc) (exitCode int, err error) {
	source, unlock, err := checkpointSourceImage(cfg, opts.from)
	if err != nil {
		return 255, err
	}
	// Held for the whole session, not just asset resolution: a
	// concurrent `checkpoint delete` must refuse while this session is
	// reading the checkpoint's image (spec.md: "refuse if any live
	// session references it").
	defer unlock()

	assets, err := asset.Resolve(cfg, source)
	if err != nil {
		return 255, err
	}

	scratchPath := filepath.Join(cfg.BinDir, uuid.NewString()+".ext4")
	if err := checkpoint.CopyScratch(assets.RootfsPath, scratchPath); err != nil {
		return 255, err
	}
	if opts.diskSizeMB > 0 {
		growScratch(scratchPath, opts.diskSizeMB)
	}

	interactive := terminal.IsTerminal(int(os.Stdin.Fd())) && !opts.console
	vmCfg := vmm.VMConfig{
		VCPUs:          opts.cpus,
		MemoryMB:       opts.memoryMB,
		RootfsPath:     scratchPath,
		KernelPath:     assets.KernelPath,
		InitrdPath:     assets.InitrdPath,
		NetworkEnabled: opts.allowNet,
		Mounts:         opts.mounts,
		PortForwards:   opts.ports,
		Verbose:        opts.verbose,
		Exec: vmm.ExecRequest{
			Argv: opts.argv,
			Env:  opts.env,
			TTY:  interactive,
		},
	}
	if interactive {
		if sz, err := terminal.Size(int(os.Stdin.Fd())); err == nil {
			vmCfg.Exec.Rows, vmCfg.Exec.Cols = sz.Rows, sz.Cols
		}
	}
	if err := vmCfg.Validate(); err != nil {
		os.Remove(scratchPath)
		return 255, err
	}

	hv := vmm.NewVZHypervisor()
	session := vmlifecycle.New(hv, scratchPath)
	if err := session.Configure(vmCfg); err != nil {
		os.Remove(scratchPath)
		return 255, shuruerr.Wrap(shuruerr.BootError, err)
	}

	forwarder := portforward.New(func(ctx context.Context, port uint32) (net.Conn, error) {
		return session.DialVsock(ctx, port)
	})
	// Port bindings happen before Start so they're ready before the VM
	// is ever signalled Running (spec §4.6 ordering guarantee).
	if err := forwarder.Bind(opts.ports); err != nil {
		return 255, shuruerr.Wrap(shuruerr.PortForwardError, err)
	}
	defer forwarder.Close()

	term := terminal.New(int(os.Stdin.Fd()))
	defer term.Restore() // must run on every exit path (spec §4.3 invariant)

	ctx := context.Background()

	conn, err := session.Start(ctx)
	if err != nil {
		return 255, err
	}

	resizeCh := make(chan [2]uint16, 1)
	if interactive {
		if err := term.Enter(func(rows, cols uint16) {
			select {
			case resizeCh <- [2]uint16{rows, cols}:
			default:
			}
		}); err != nil {
			logf("enter raw mode: %v", err)
		}
	}

	var stopOnce sync.Once
	stopResult := make(chan error, 1)
	doStop := func() {
		stopOnce.Do(func() {
			stopResult <- session.Stop(context.Background())
		})
	}
	go watchSignals(doStop)

	codec := wire.New(conn)
	sess := execsession.New(codec, os.Stdin, os.Stdout, os.Stderr)
	result := sess.Run(ctx, vmCfg.Exec, resizeCh, nil)

	// A successful onCommit takes ownership of scratchPath, so clear it
	// on the session before Stop runs its unconditional cleanup-delete.
	preserveScratch := result.Err == nil && result.CLICode == 0 && onCommit != nil
	if preserveScratch {
		session.ScratchPath = ""
	}
	doStop()
	if stopErr := <-stopResult; stopErr != nil {
		logf("stop session: %v", stopErr)
	}

	if result.Err != nil {
		return result.CLICode, result.Err
	}
	if preserveScratch {
		if err := onCommit(scratchPath); err != nil {
			return result.CLICode, err
		}
	}
	return result.CLICode, nil
}

// checkpointSourceImage resolves --from to a source rootfs path and, for
// a named checkpoint, locks it for the lifetime of the returned unlock
// func so a concurrent `checkpoint delete` can't race the session that
// is about to copy its image. This is also the only lock taken on the
// parent of `checkpoint create --from`: cmdCheckpointCreate relies on
// it rather than locking the parent itself.
func checkpointSourceImage(cfg *config.Config, from string) (source string, unlock func(), err error) {
	noop := func() {}
	if from == "" {
		return "", noop, nil
	}
	store, err := checkpoint.Open(cfg.CheckpointsDir)
	if err != nil {
		return "", noop, err
	}
	defer store.Close()

	unlock, err = store.Lock(from)
	if err != nil {
		return "", noop, err
	}
	source, err = store.SourceImage(from, cfg.RootfsPath)
	if err != nil {
		unlock()
		return "", noop, err
	}
	return source, unlock, nil
}

func growScratch(path string, sizeMB int) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return
	}
	want := int64(sizeMB) * 1024 * 1024
	if want > info.Size() {
		f.Truncate(want)
	}
}

// watchSignals implements spec §5's cancellation policy for the
// non-raw-terminal case: in raw mode Ctrl-C never reaches us as a
// signal at all (it arrives as the \x03 byte on stdin instead, via
// execsession's normal stdin pump), so this goroutine only matters for
// batch/non-tty sessions. SIGTERM always force-stops; a second SIGINT
// within 2s force-stops; a lone SIGINT is otherwise ignored here since
// there is no VM-resident shell to forward \x03 to without a PTY.
func watchSignals(forceStop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var lastInt time.Time
	for sig := range sigCh {
		if sig == syscall.SIGTERM {
			forceStop()
			return
		}
		now := time.Now()
		if !lastInt.IsZero() && now.Sub(lastInt) < 2*time.Second {
			forceStop()
			return
		}
		lastInt = now
	}
}

func usageErr(cmd string, err error) {
	fmt.Fprintf(os.Stderr, "shuru %s: %v\n", cmd, err)
	os.Exit(2)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	if se, ok := err.(*shuruerr.Error); ok {
		os.Exit(se.ExitCode())
	}
	os.Exit(255)
}

func logf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "shuru: "+format+"\n", args...)
}
