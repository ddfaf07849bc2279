// Ledgerctl verifies the evidence chain of a case directly against the
// database. Exit status 1 means the chain failed verification.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/imara/internal/ledger"
	"github.com/linnemanlabs/imara/internal/ledger/pgstore"
	"github.com/linnemanlabs/imara/internal/postgres"
)

func main() {
	caseID := flag.String("case-id", "", "case to verify")
	databaseURL := flag.String("database-url", os.Getenv("IMARA_DATABASE_URL"), "PostgreSQL connection URL (defaults to IMARA_DATABASE_URL)")
	showLinks := flag.Bool("links", false, "print every chain link, not just the verdict")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	if *caseID == "" || *databaseURL == "" {
		fmt.Fprintln(os.Stderr, "usage: ledgerctl -case-id <id> -database-url <url> [-links]")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, *caseID, *databaseURL, *showLinks); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, caseID, databaseURL string, showLinks bool) error {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	store, err := pgstore.New(ctx, pool)
	if err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	led := ledger.New(store, log.Nop())

	res, err := led.Verify(ctx, caseID)
	if err != nil {
		return fmt.Errorf("verify case %s: %w", caseID, err)
	}

	out := map[string]any{
		"case_id": caseID,
		"verify":  res,
	}
	if showLinks {
		links, err := led.Links(ctx, caseID)
		if err != nil {
			return fmt.Errorf("load links: %w", err)
		}
		out["links"] = links
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}

	if !res.Valid {
		return fmt.Errorf("chain for case %s is INVALID (first bad link: seq %d)", caseID, *res.FirstInvalidSequenceNo)
	}
	return nil
}
