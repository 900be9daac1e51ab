// routepilotctl is the read-only diagnostics CLI: receipt lookup and
// timeline, p95 routing latency, and per-user quota usage, queried
// directly against the Ledger.
package main

import (
	"flag"
	"fmt"
	"os"
)

func main() {
	dsn := flag.String("db", "routepilot.db", "path to the Ledger SQLite database")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	if err := dispatch(*dsn, args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `routepilotctl [-db path] <command> [args...]

Commands:
  receipts show <id>
  receipts timeline <task-id>
  trace p95 <model> [sample-window]
  quota usage <user-ref> [timezone]`)
}
