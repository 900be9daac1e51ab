package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/routepilot/routepilot/internal/diag"
	"github.com/routepilot/routepilot/internal/ratewindow"
	"github.com/routepilot/routepilot/internal/receipt"
	"github.com/routepilot/routepilot/internal/storage/sqlite"
)

const defaultP95Window = 50

func dispatch(dsn string, args []string) error {
	store, err := sqlite.New(dsn)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	ctx := context.Background()

	switch args[0] {
	case "receipts":
		return dispatchReceipts(ctx, store, args[1:])
	case "trace":
		return dispatchTrace(ctx, store, args[1:])
	case "quota":
		return dispatchQuota(ctx, store, args[1:])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func dispatchReceipts(ctx context.Context, store *sqlite.Store, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("receipts requires a subcommand and an id")
	}
	switch args[0] {
	case "show":
		r, err := diag.ReceiptShow(ctx, store, args[1])
		if err != nil {
			return err
		}
		return printJSON(r)
	case "timeline":
		rec := receipt.New(store)
		node, err := diag.ReceiptTimeline(ctx, rec, args[1])
		if err != nil {
			return err
		}
		return printJSON(node)
	default:
		return fmt.Errorf("unknown receipts subcommand %q", args[0])
	}
}

func dispatchTrace(ctx context.Context, store *sqlite.Store, args []string) error {
	if len(args) < 2 || args[0] != "p95" {
		return fmt.Errorf("usage: trace p95 <model> [sample-window]")
	}
	n := defaultP95Window
	if len(args) >= 3 {
		parsed, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("sample-window must be an integer: %w", err)
		}
		n = parsed
	}
	result, err := diag.TraceP95(ctx, store, args[1], n)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func dispatchQuota(ctx context.Context, store *sqlite.Store, args []string) error {
	if len(args) < 2 || args[0] != "usage" {
		return fmt.Errorf("usage: quota usage <user-ref> [timezone]")
	}
	tz := "UTC"
	if len(args) >= 3 {
		tz = args[2]
	}
	enforcer := ratewindow.New(store)
	summary, err := diag.QuotaUsage(ctx, enforcer, args[1], tz)
	if err != nil {
		return err
	}
	return printJSON(summary)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
