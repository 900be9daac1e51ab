// Command routepilot is the policy-driven orchestrator CLI: one JSON
// request on stdin, a streamed completion on stdout, and a signed receipt
// recorded to the Ledger.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/routepilot/routepilot/internal/routepilot"
)

var version = "dev"

// Exit codes, assigned only at this boundary per the typed error returned
// by run().
const (
	exitConfig          = 78
	exitPolicyInvalid   = 65
	exitQuotaExceeded   = 75
	exitGatewayError    = 69
	exitRouterExhausted = 69
	exitUnknown         = 1
)

func main() {
	policiesDir := flag.String("policies", "policies", "directory of policy YAML documents")
	agentsDir := flag.String("agents", "agents", "directory of agent YAML documents")
	dsn := flag.String("db", "routepilot.db", "path to the Ledger SQLite database")
	mode := flag.String("mode", "complete", "complete | session | chain")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("routepilot", version)
		os.Exit(0)
	}

	if err := run(runConfig{
		PoliciesDir: *policiesDir,
		AgentsDir:   *agentsDir,
		DSN:         *dsn,
		Mode:        *mode,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var cfgErr *routepilot.ConfigError
	var polErr *routepilot.PolicyError
	var quotaErr *routepilot.QuotaError
	var gwErr *routepilot.GatewayError
	var routeErr *routepilot.RouterError

	switch {
	case errors.As(err, &cfgErr):
		return exitConfig
	case errors.As(err, &polErr):
		return exitPolicyInvalid
	case errors.As(err, &quotaErr):
		return exitQuotaExceeded
	case errors.As(err, &gwErr):
		return exitGatewayError
	case errors.As(err, &routeErr):
		return exitRouterExhausted
	default:
		return exitUnknown
	}
}
