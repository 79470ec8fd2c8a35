// Package main verifies the audit log's tamper-evident chain: every entry's
// HMAC signature and every previousHash link, walked oldest to newest.
//
// Exit status: 0 when the chain verifies, 1 when entries are flagged,
// 2 on operational errors.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/velomart/commerce-security-core/internal/audit"
	"github.com/velomart/commerce-security-core/internal/authgate/adapter"
	"github.com/velomart/commerce-security-core/internal/domain"
	"github.com/velomart/commerce-security-core/internal/mongo"
)

func main() {
	os.Exit(run(context.Background(), os.Stdout, os.Stderr))
}

func run(ctx context.Context, out, errOut io.Writer) int {
	uri := flag.String("mongo-uri", envOr("MONGO_URI", "mongodb://localhost:27017"), "MongoDB connection string")
	database := flag.String("database", envOr("MONGO_DATABASE", "commerce_security"), "database holding the audit_logs collection")
	timeout := flag.Duration("timeout", 5*time.Minute, "budget for the full walk")
	flag.Parse()

	// The HMAC key comes from the environment only; argv is visible to
	// every process on the host.
	key := os.Getenv("AUDIT_LOG_KEY")
	if key == "" {
		fmt.Fprintln(errOut, "auditcheck: AUDIT_LOG_KEY is not set")
		return 2
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	client, err := mongo.NewClient(ctx, mongo.Config{
		URI:      *uri,
		Database: *database,
		Timeout:  domain.MongoTimeout,
	})
	if err != nil {
		fmt.Fprintf(errOut, "auditcheck: %v\n", err)
		return 2
	}
	defer func() { _ = client.Disconnect(context.WithoutCancel(ctx)) }()

	stream, err := adapter.NewAuditStore(client.DB).Stream(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "auditcheck: %v\n", err)
		return 2
	}
	defer func() { _ = stream.Close(context.WithoutCancel(ctx)) }()

	report, err := audit.CheckChain(ctx, []byte(key), stream)
	if err != nil {
		fmt.Fprintf(errOut, "auditcheck: walk aborted after %d entries: %v\n", report.Checked, err)
		return 2
	}

	for _, issue := range report.Issues {
		fmt.Fprintf(out, "%s  entry %d  %s  %s\n",
			issue.Kind, issue.Index, issue.Timestamp.UTC().Format(time.RFC3339), issue.Detail)
	}
	if !report.OK() {
		fmt.Fprintf(out, "FAIL: %d of %d entries flagged\n", len(report.Issues), report.Checked)
		return 1
	}
	fmt.Fprintf(out, "OK: %d entries verified\n", report.Checked)
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
