// Command broker runs the agent-interoperability broker: envelope
// ingress, semantic discovery, negotiation, the credit ledger, and the
// proof-of-usefulness/task-receipt attestation pipeline (spec §2).
package main

import (
	"fmt"
	"io"
	"os"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// startServer is a variable so tests can stub it out, matching the
// teacher's mockable-entrypoint convention.
var startServer = runServer

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the CLI entrypoint proper, split out from main so tests can drive
// it with captured output.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "serve", "server":
		startServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "usage: broker [serve|health]\n")
		return 2
	}
}
