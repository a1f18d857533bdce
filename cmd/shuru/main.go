// shuru boots an ephemeral Apple Silicon micro-VM, runs one command
// inside it attached to the caller's terminal, and tears the VM down
// when the command exits.
//
// Commands:
//
//	shuru run                  Run a command in a fresh ephemeral VM
//	shuru checkpoint create    Run a command, commit the resulting rootfs as a named checkpoint
//	shuru checkpoint list      List committed checkpoints
//	shuru checkpoint delete    Delete a committed checkpoint
//	shuru init                 Verify/create the on-disk asset layout
//	shuru upgrade              Report the current version
package main

import (
	"fmt"
	"os"

	"github.com/ekoeppen/shuru/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "checkpoint":
		cmdCheckpoint(os.Args[2:])
	case "init":
		cmdInit(os.Args[2:])
	case "upgrade":
		cmdUpgrade()
	case "version", "--version", "-v":
		fmt.Printf("shuru %s\n", version.Version())
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Usage: shuru <command> [options]

Commands:
  run         Run a command in a fresh ephemeral VM
  checkpoint  Manage named checkpoints (create, list, delete)
  init        Verify/create the on-disk asset layout
  upgrade     Report the current version
  version     Print the version and exit

Examples:
  shuru run -- echo hello
  shuru run --allow-net -p 8080:80 -- python3 -m http.server 80
  shuru run --mount ./work:/work:rw -- bash
  shuru checkpoint create base -- apt-get install -y curl
  shuru run --from base -- curl --version
  shuru checkpoint list
  shuru checkpoint delete base`)
}
