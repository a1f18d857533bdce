package main

import (
	"fmt"

	"github.com/ekoeppen/shuru/internal/version"
)

// cmdUpgrade reports the current build. Binary upgrade is distributed
// out-of-band (spec §1 Non-goals exclude asset download/build), so
// there is nothing for this command to fetch.
func cmdUpgrade() {
	fmt.Printf("shuru %s\n", version.Version())
	fmt.Println("upgrades are distributed out-of-band; fetch a newer release and replace this binary")
}
