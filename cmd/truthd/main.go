// Command truthd runs the regulatory truth pipeline: the 24/7 drain
// scheduler plus operator subcommands for conflict resolution, rollback, and
// ledger verification.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(stdout, stderr)
	case "resolve":
		return runResolve(args[2:], stdout, stderr)
	case "reopen":
		return runReopen(args[2:], stdout, stderr)
	case "override":
		return runOverride(args[2:], stdout, stderr)
	case "verify-ledger":
		return runVerifyLedger(args[2:], stdout, stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "truthd - regulatory truth pipeline daemon")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  truthd <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve          Run the drain scheduler (default)")
	fmt.Fprintln(w, "  resolve        Resolve one open conflict: resolve <conflict-id>")
	fmt.Fprintln(w, "  reopen         Roll back a terminal conflict: reopen <conflict-id> [flags]")
	fmt.Fprintln(w, "  override       Assert a precedence edge: override <specific-rule-id> <general-rule-id>")
	fmt.Fprintln(w, "  verify-ledger  Recompute the audit ledger hash chain")
	fmt.Fprintln(w, "  health         Check a running daemon's health endpoint")
	fmt.Fprintln(w, "  help           Show this help")
}
