package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brojonat/swapper/client"
	"github.com/brojonat/swapper/service/config"
	"github.com/brojonat/swapper/service/metrics"
	"github.com/brojonat/swapper/service/nats"
	"github.com/brojonat/swapper/service/solana"
	"github.com/brojonat/swapper/service/swap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

// newRPCClient builds the ledger client for an endpoint. Tests replace it.
var newRPCClient = solana.NewRPCClient

// environment is the state shared by every command.
type environment struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string
	rpc      *solana.Client
}

func loadEnvironment(c *cli.Context, m *metrics.Metrics) (*environment, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg.LogLevel, c.App.ErrWriter)

	endpoint, err := solana.SelectRandomEndpoint(cfg.RPCURLs)
	if err != nil {
		return nil, err
	}
	return &environment{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		endpoint: endpoint,
		rpc:      solana.NewClient(newRPCClient(endpoint), endpoint, m, logger),
	}, nil
}

// swapAPI returns a swap API client whose requests are recorded in metrics.
func (e *environment) swapAPI() *client.Client {
	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: metrics.HTTPMetricsTransport(e.metrics, nil),
	}
	return client.NewClient(e.cfg.APIBaseURL, httpClient, e.logger)
}

func swapCommand() *cli.Command {
	return &cli.Command{
		Name:  "swap",
		Usage: "Quote, budget, sign and submit one swap",
		Description: `Runs the full submission pipeline for the swap configured by INPUT_MINT,
OUTPUT_MINT and INPUT_AMOUNT. Exits non-zero unless the transaction is confirmed.
Timed out and exhausted outcomes are ambiguous: the printed signature may still land.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry := prometheus.NewRegistry()
			env, err := loadEnvironment(c, metrics.NewMetrics(registry))
			if err != nil {
				return err
			}
			cfg, logger := env.cfg, env.logger

			signer, err := cfg.Signer()
			if err != nil {
				return err
			}

			if cfg.MetricsAddr != "" {
				serveMetrics(ctx, cfg.MetricsAddr, registry, logger)
			}

			var publisher nats.Publisher
			if cfg.NATSURL != "" {
				p, err := nats.NewPublisher(cfg.NATSURL, env.metrics, logger)
				if err != nil {
					// Outcome events are optional; the swap still runs.
					logger.Warn("failed to connect to NATS, outcome events disabled", "error", err)
				} else {
					defer p.Close()
					publisher = p
				}
			}

			pipeline, freshness := buildPipeline(env, signer, publisher)

			refreshCtx, cancelRefresh := context.WithCancel(ctx)
			defer cancelRefresh()
			freshness.Start(refreshCtx)

			logger.Info("starting swap",
				"payer", signer.PublicKey().String(),
				"rpc_endpoint", env.endpoint,
				"input_mint", cfg.InputMint.String(),
				"output_mint", cfg.OutputMint.String(),
				"amount", cfg.InputAmount,
			)

			result, err := pipeline.Run(ctx)
			if err != nil {
				return fmt.Errorf("swap failed before submission: %w", err)
			}
			return reportOutcome(c.App.Writer, result, env.endpoint, c.Bool("json"))
		},
	}
}

// buildPipeline wires the submission pipeline. The caller runs the returned
// freshness cache.
func buildPipeline(
	env *environment,
	signer solana.Signer,
	publisher nats.Publisher,
) (*swap.Pipeline, *solana.FreshnessCache) {
	cfg, m, logger := env.cfg, env.metrics, env.logger

	freshness := solana.NewFreshnessCache(env.rpc, solana.FreshnessConfig{
		Commitment:      cfg.Commitment,
		RefreshInterval: cfg.RefreshInterval,
		StartupTimeout:  cfg.StartupTimeout,
	}, m, logger)
	assembler := solana.NewAssembler(logger)
	estimator := solana.NewBudgetEstimator(env.rpc, assembler, signer, solana.BudgetConfig{
		Commitment:     cfg.Commitment,
		ProbeUnitLimit: cfg.ProbeComputeUnitLimit,
		UnitPrice:      cfg.ComputeUnitPrice,
		Margin:         cfg.BudgetMargin,
	}, m, logger)

	submitterConfig := solana.DefaultSubmitterConfig()
	submitterConfig.Commitment = cfg.Commitment
	submitterConfig.PollInterval = cfg.PollInterval
	submitterConfig.AcceptanceWindow = cfg.AcceptanceWindow
	submitterConfig.MaxRetries = cfg.MaxRetries
	submitter := solana.NewSubmitter(env.rpc, submitterConfig, m, logger)

	pipeline := swap.NewPipeline(swap.Deps{
		API:       env.swapAPI(),
		Freshness: freshness,
		Resolver:  solana.NewAddressTableResolver(env.rpc, 4, m, logger),
		Estimator: estimator,
		Assembler: assembler,
		Submitter: submitter,
		Signer:    signer,
		Publisher: publisher,
		Metrics:   m,
	}, swap.Config{
		InputMint:   cfg.InputMint,
		OutputMint:  cfg.OutputMint,
		Amount:      cfg.InputAmount,
		SlippageBps: cfg.SlippageBps,
		DynamicSlippage: &client.DynamicSlippage{
			MinBps: cfg.DynamicSlippageMin,
			MaxBps: cfg.DynamicSlippageMax,
		},
		MaxReassemblies: cfg.MaxReassemblies,
		Deadline:        cfg.SubmitDeadline,
	}, logger)

	return pipeline, freshness
}

// serveMetrics exposes registry on addr until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

// swapSummary is the JSON form of a pipeline result.
type swapSummary struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
	Signature    string `json:"signature"`
	Explorer     string `json:"explorer"`
	Slot         uint64 `json:"slot,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Ambiguous    bool   `json:"ambiguous"`
	Attempts     int    `json:"attempts"`
	Reassemblies int    `json:"reassemblies"`
	UnitLimit    uint32 `json:"unit_limit"`
	UnitPrice    uint64 `json:"unit_price"`
	InAmount     string `json:"in_amount,omitempty"`
	OutAmount    string `json:"out_amount,omitempty"`
}

// reportOutcome prints the result and returns an exit error unless the
// transaction was confirmed.
func reportOutcome(w io.Writer, result *swap.Result, rpcURL string, jsonOutput bool) error {
	outcome := result.Outcome
	summary := swapSummary{
		SubmissionID: result.SubmissionID,
		Status:       string(outcome.Status),
		Signature:    outcome.Fingerprint.String(),
		Explorer:     explorerURL(outcome.Fingerprint.String(), rpcURL),
		Slot:         outcome.Slot,
		Reason:       outcome.Reason,
		Ambiguous:    outcome.Ambiguous(),
		Attempts:     outcome.Attempts,
		Reassemblies: result.Reassemblies,
		UnitLimit:    result.Budget.UnitLimit,
		UnitPrice:    result.Budget.UnitPrice,
	}
	if result.Quote != nil {
		summary.InAmount = result.Quote.InAmount
		summary.OutAmount = result.Quote.OutAmount
	}

	if jsonOutput {
		data, _ := json.Marshal(summary)
		fmt.Fprintln(w, string(data))
	} else {
		switch {
		case outcome.Status == solana.OutcomeConfirmed:
			fmt.Fprintf(w, "✓ Swap confirmed\n")
		case summary.Ambiguous:
			fmt.Fprintf(w, "? Swap outcome unknown (%s); the transaction may still land\n", summary.Status)
		default:
			fmt.Fprintf(w, "✗ Swap %s\n", summary.Status)
		}
		fmt.Fprintf(w, "  Signature: %s\n", summary.Signature)
		fmt.Fprintf(w, "  Explorer: %s\n", summary.Explorer)
		if summary.Slot > 0 {
			fmt.Fprintf(w, "  Slot: %d\n", summary.Slot)
		}
		if summary.Reason != "" {
			fmt.Fprintf(w, "  Reason: %s\n", summary.Reason)
		}
		fmt.Fprintf(w, "  Attempts: %d, Reassemblies: %d\n", summary.Attempts, summary.Reassemblies)
		fmt.Fprintf(w, "  Compute budget: %d units at %d micro-lamports\n", summary.UnitLimit, summary.UnitPrice)
	}

	if outcome.Status != solana.OutcomeConfirmed {
		return cli.Exit(fmt.Sprintf("swap %s: %s", outcome.Status, summary.Signature), 1)
	}
	return nil
}

// explorerURL links a signature on the public explorer, selecting the cluster
// from the RPC URL.
func explorerURL(signature, rpcURL string) string {
	url := "https://explorer.solana.com/tx/" + signature
	switch {
	case strings.Contains(rpcURL, "devnet"):
		return url + "?cluster=devnet"
	case strings.Contains(rpcURL, "testnet"):
		return url + "?cluster=testnet"
	default:
		return url
	}
}
