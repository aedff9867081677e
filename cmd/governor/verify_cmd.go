package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/sentinelnet/governor/pkg/audit"
	"github.com/sentinelnet/governor/pkg/config"
	"github.com/sentinelnet/governor/pkg/crypto"

	_ "github.com/lib/pq"
)

type verifyReport struct {
	Pass     bool   `json:"pass"`
	EventID  string `json:"eventId,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"durationMs"`
}

// runVerifyCmd walks the full audit chain's hash/prevHash/signature linkage
// and reports the first break found, if any. Exit codes: 0 chain is intact,
// 1 a break was found, 2 the verify run itself could not complete.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "emit the report as JSON instead of human-readable text")
	timeoutSec := fs.Int("timeout", 60, "verify timeout in seconds")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "verify: connect to db: %v\n", err)
		return 2
	}
	defer db.Close()

	local, err := crypto.DeriveLocalSigner([]byte(cfg.LocalSignerMasterSecret), cfg.AuditSignerKid)
	if err != nil {
		fmt.Fprintf(stderr, "verify: derive local signer: %v\n", err)
		return 2
	}
	signer := crypto.NewChainSigner(nil, nil, local, false)
	chain := audit.NewChain(db, signer)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeoutSec)*time.Second)
	defer cancel()

	start := time.Now()
	verifyErr := chain.Verify(ctx)
	elapsed := time.Since(start)

	report := verifyReport{
		Pass:     verifyErr == nil,
		Duration: fmt.Sprintf("%d", elapsed.Milliseconds()),
	}

	var integrityErr *audit.ChainIntegrityError
	switch {
	case verifyErr == nil:
		// pass
	case errors.As(verifyErr, &integrityErr):
		report.EventID = integrityErr.EventID
		report.Reason = integrityErr.Reason
	default:
		report.Error = verifyErr.Error()
	}

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		if report.Pass {
			fmt.Fprintf(stdout, "PASS: audit chain is intact (%sms)\n", report.Duration)
		} else if report.EventID != "" {
			fmt.Fprintf(stdout, "FAIL: chain integrity violation at event %s: %s\n", report.EventID, report.Reason)
		} else {
			fmt.Fprintf(stdout, "ERROR: verify run failed: %s\n", report.Error)
		}
	}

	switch {
	case report.Pass:
		return 0
	case report.Error != "":
		return 2
	default:
		return 1
	}
}
