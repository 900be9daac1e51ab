package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/routepilot/routepilot/internal/agentsession"
	"github.com/routepilot/routepilot/internal/catalog"
	"github.com/routepilot/routepilot/internal/config"
	"github.com/routepilot/routepilot/internal/fetchsafe"
	"github.com/routepilot/routepilot/internal/gatewayclient"
	"github.com/routepilot/routepilot/internal/infer"
	"github.com/routepilot/routepilot/internal/rateestimate"
	"github.com/routepilot/routepilot/internal/ratewindow"
	"github.com/routepilot/routepilot/internal/receipt"
	"github.com/routepilot/routepilot/internal/router"
	"github.com/routepilot/routepilot/internal/routepilot"
	"github.com/routepilot/routepilot/internal/storage/sqlite"
	"github.com/routepilot/routepilot/internal/stream"
	"github.com/routepilot/routepilot/internal/subagent"
	"github.com/routepilot/routepilot/internal/telemetry"
	"github.com/routepilot/routepilot/internal/worker"
)

// runConfig is the CLI-argument surface run() accepts. Parsing richer
// interactive arguments (flags per mode, prompts for missing fields) is an
// external collaborator concern; this layer stays deliberately thin.
type runConfig struct {
	PoliciesDir string
	AgentsDir   string
	DSN         string
	Mode        string
}

// requestEnvelope is the single JSON document read from stdin.
type requestEnvelope struct {
	Policy      string            `json:"policy"`
	Agent       string            `json:"agent"`
	UserRef     string            `json:"user_ref"`
	SessionID   string            `json:"session_id"`
	TaskID      string            `json:"task_id"`
	Input       string            `json:"input"`
	InputFields map[string]any    `json:"input_fields"`
	Budget      routepilot.Budget `json:"budget"`
}

func run(rc runConfig) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("starting routepilot", "version", version, "mode", rc.Mode)

	store, err := sqlite.New(rc.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	slog.Info("ledger opened", "dsn", rc.DSN)

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("ledger ping: %w", err)
	}

	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	gateway := gatewayclient.New(cfg.GatewayBaseURL, cfg.GatewayAPIKey, dnsResolver)
	slog.Info("gateway client configured", "base_url", cfg.GatewayBaseURL)

	rates, err := rateestimate.Load(ctx, "", store)
	if err != nil {
		return fmt.Errorf("rate table: %w", err)
	}

	var metrics *telemetry.Metrics
	if cfg.MetricsEnabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)

		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Warn("metrics server stopped", "error", err)
			}
		}()
		defer metricsSrv.Close()
		slog.Info("prometheus metrics enabled", "addr", cfg.MetricsAddr)
	}

	if cfg.TracingEnabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.TracingEndpoint, cfg.TracingSampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			defer shutdown(ctx)
			slog.Info("opentelemetry tracing enabled", "endpoint", cfg.TracingEndpoint, "sample_rate", cfg.TracingSampleRate)
		}
	}

	quota := ratewindow.New(store)
	quota.Metrics = metrics

	recOpts := []receipt.Option{receipt.WithSecret(cfg.JWTSecret), receipt.WithMetrics(metrics)}
	if cfg.MirrorJSONDir != "" {
		recOpts = append(recOpts, receipt.WithMirror(cfg.MirrorJSONDir))
		slog.Info("receipt mirror enabled", "dir", cfg.MirrorJSONDir)
	}
	if cfg.Redact {
		recOpts = append(recOpts, receipt.WithRedaction(cfg.RedactFields))
		slog.Info("receipt redaction enabled", "fields", cfg.RedactFields)
	}
	receipts := receipt.New(store, recOpts...)

	sup := &router.Supervisor{
		Gateway: gateway,
		Traces:  store,
		Metrics: metrics,
		OnEscalate: func(policyName string, fallbackCount int) {
			slog.Warn("policy escalated after repeated fallback", "policy", policyName, "fallback_count", fallbackCount)
		},
	}

	housekeeping := worker.NewHousekeeping(store, quota)
	runner := worker.NewRunner(housekeeping)
	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	go func() {
		if err := runner.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			slog.Warn("background worker stopped", "error", err)
		}
	}()

	var fetcher *fetchsafe.Fetcher
	if cfg.HTTPFetchURLTemplate != "" {
		fetcher, err = fetchsafe.New(cfg.HTTPFetchAllowlist, cfg.HTTPFetchURLTemplate, cfg.HTTPFetchMax)
		if err != nil {
			return fmt.Errorf("http_fetch: %w", err)
		}
		slog.Info("http_fetch enabled", "allowlist", cfg.HTTPFetchAllowlist, "max", cfg.HTTPFetchMax)
	}

	policies, err := catalog.LoadPolicies(rc.PoliciesDir)
	if err != nil {
		return err
	}
	agents, err := catalog.LoadAgents(rc.AgentsDir)
	if err != nil {
		return err
	}
	slog.Info("catalog loaded", "policies_dir", rc.PoliciesDir, "agents_dir", rc.AgentsDir)

	req, err := readRequest(os.Stdin)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	switch rc.Mode {
	case "complete":
		return runComplete(ctx, req, cfg, policies, quota, sup, rates, receipts, store, metrics)
	case "session":
		return runSession(ctx, req, cfg, policies, agents, quota, sup, rates, receipts, store, metrics)
	case "chain":
		return runChain(ctx, req, cfg, policies, agents, sup, rates, receipts, store, fetcher, metrics)
	default:
		return fmt.Errorf("unknown mode %q", rc.Mode)
	}
}

func readRequest(r io.Reader) (*requestEnvelope, error) {
	var req requestEnvelope
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

func runComplete(ctx context.Context, req *requestEnvelope, cfg *config.Config, policies *catalog.Policies, quota *ratewindow.Enforcer, sup *router.Supervisor, rates *rateestimate.Table, receipts *receipt.Recorder, traces *sqlite.Store, metrics *telemetry.Metrics) error {
	driver := &infer.Driver{
		Policies:          policies,
		Quota:             quota,
		Router:            sup,
		Gateway:           sup.Gateway,
		Rates:             rates,
		Receipts:          receipts,
		Traces:            traces,
		UsageProbe:        cfg.UsageProbe,
		ChaosPrimaryStall: cfg.ChaosPrimaryStall,
		ChaosHTTP5xx:      cfg.ChaosHTTP5xx,
		Metrics:           metrics,
	}

	result, err := driver.Run(ctx, infer.Request{
		PolicyName: req.Policy,
		UserRef:    req.UserRef,
		Input:      req.Input,
		TaskID:     req.TaskID,
		Sink:       stream.WriterFunc(func(delta string) { fmt.Print(delta) }),
	})
	if err != nil {
		return err
	}
	fmt.Println()
	return printJSON(result)
}

func runSession(ctx context.Context, req *requestEnvelope, cfg *config.Config, policies *catalog.Policies, agents *catalog.Agents, quota *ratewindow.Enforcer, sup *router.Supervisor, rates *rateestimate.Table, receipts *receipt.Recorder, traces *sqlite.Store, metrics *telemetry.Metrics) error {
	driver := &agentsession.Driver{
		Policies:          policies,
		Agents:            agents,
		Sessions:          traces,
		Traces:            traces,
		Quota:             quota,
		Router:            sup,
		Rates:             rates,
		Receipts:          receipts,
		WriteReceipts:     true,
		ChaosPrimaryStall: cfg.ChaosPrimaryStall,
		ChaosHTTP5xx:      cfg.ChaosHTTP5xx,
		Metrics:           metrics,
	}

	result, err := driver.Turn(ctx, agentsession.TurnRequest{
		SessionID: req.SessionID,
		UserRef:   req.UserRef,
		Agent:     req.Agent,
		Policy:    req.Policy,
		Input:     req.Input,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runChain(ctx context.Context, req *requestEnvelope, cfg *config.Config, policies *catalog.Policies, agents *catalog.Agents, sup *router.Supervisor, rates *rateestimate.Table, receipts *receipt.Recorder, traces *sqlite.Store, fetcher *fetchsafe.Fetcher, metrics *telemetry.Metrics) error {
	ctrl := &subagent.Controller{
		Agents:            agents,
		Policies:          policies,
		Router:            sup,
		Rates:             rates,
		Receipts:          receipts,
		Traces:            traces,
		Fetch:             fetcher,
		DryRun:            cfg.DryRun,
		ChaosPrimaryStall: cfg.ChaosPrimaryStall,
		ChaosHTTP5xx:      cfg.ChaosHTTP5xx,
		Metrics:           metrics,
	}

	input := req.InputFields
	if input == nil {
		input = map[string]any{}
	}

	chainInput := subagent.HelpdeskChainInput{
		TaskID:  req.TaskID,
		UserRef: req.UserRef,
		Budget:  req.Budget,
		Input:   input,
	}

	var result *subagent.ChainResult
	var err error
	if cfg.EarlyStop || req.Agent == "parallel" {
		result, err = ctrl.RunHelpdeskParallelChain(ctx, chainInput, cfg.EarlyStop)
	} else {
		result, err = ctrl.RunHelpdeskChain(ctx, chainInput)
	}
	if err != nil {
		return err
	}
	return printJSON(result)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
