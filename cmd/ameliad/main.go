// Command ameliad is Amelia's workflow orchestration daemon: it serves the
// REST/WebSocket surface (spec §6.1/§6.2) in front of the Lifecycle Service,
// running until interrupted.
package main

import (
	"fmt"
	"os"

	"github.com/existential-birds/amelia/cmd/ameliad/cmd"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersion(fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date))
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
