package checkpoint

import (
	"fmt"
	"os/exec"

	"github.com/ekoeppen/shuru/internal/shuruerr"
)

// CopyScratch copies src to dst using a reflink when the underlying
// filesystem supports it, falling back to a dense copy otherwise
// (spec §4.8 `run --from NAME`). `cp --reflink=auto` does exactly
// this in one step; the idiom is grounded on the pack's firecracker
// backends (stwalsh4118-vulcan, techsavvyash-aetherium) and
// helixml-helix's golden-image copier, all of which shell out to cp
// rather than hand-rolling FICLONE/copy_file_range.
func CopyScratch(src, dst string) error {
	cmd := exec.Command("cp", "--reflink=auto", src, dst)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return shuruerr.Wrap(shuruerr.CheckpointError, fmt.Errorf("copy %s to %s: %w: %s", src, dst, err, out))
	}
	return nil
}
