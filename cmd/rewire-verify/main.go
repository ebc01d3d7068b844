// The rewire-verify tool runs consistency checks against a rewire
// database and exits non-zero if any check fails.
//
// Usage:
//
//	rewire-verify --db rewire.db [-v]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/marcus-qen/rewire/internal/clock"
	"github.com/marcus-qen/rewire/internal/invariants"
	"github.com/marcus-qen/rewire/internal/store"
)

func main() {
	dbPath := flag.String("db", "", "SQLite database path")
	verbose := flag.Bool("v", false, "show passing checks too")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: rewire-verify --db <path> [-v]")
		os.Exit(1)
	}

	st, err := store.NewStore(*dbPath, clock.System())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	passed, failed, results, err := invariants.CheckAll(st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Invariant check: %d passed, %d failed\n", passed, failed)

	for _, r := range results {
		if r.Passed && !*verbose {
			continue
		}
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
		}
		fmt.Printf("  [%s] %s: %s\n", status, r.Name, r.Message)
		if r.Evidence != nil {
			ev, _ := json.Marshal(r.Evidence)
			fmt.Printf("         evidence: %s\n", ev)
		}
	}

	if failed > 0 {
		os.Exit(1)
	}
}
