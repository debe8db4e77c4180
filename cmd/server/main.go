// Package main is the entry point for the cross-venue arbitrage engine.
// It loads configuration, wires the eight pipeline stages (venue adapters,
// market state store, stream ingestor, opportunity detector, route solver,
// risk gate, execution coordinator, outcome sink), starts the control
// surface, and runs until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/solflux/arbiter/internal/config"
	"github.com/solflux/arbiter/internal/detector"
	"github.com/solflux/arbiter/internal/events"
	"github.com/solflux/arbiter/internal/execution"
	"github.com/solflux/arbiter/internal/ingestor"
	"github.com/solflux/arbiter/internal/market"
	"github.com/solflux/arbiter/internal/metrics"
	"github.com/solflux/arbiter/internal/risk"
	"github.com/solflux/arbiter/internal/server"
	"github.com/solflux/arbiter/internal/sink"
	"github.com/solflux/arbiter/internal/solver"
	"github.com/solflux/arbiter/pkg/logger"
	"github.com/solflux/arbiter/pkg/relay"
)

// Exit codes, per the engine's external-interface contract.
const (
	exitOK              = 0
	exitConfigError     = 2
	exitStreamingFailed = 3
	exitStartupInvalid  = 4
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the engine's YAML configuration document")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Error().Err(err).Msg("failed to load configuration")
		if strings.Contains(err.Error(), "no venues enabled") {
			os.Exit(exitStartupInvalid)
		}
		os.Exit(exitConfigError)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})
	log.Info().Str("config", *configPath).Msg("starting arbitrage engine")

	bus := events.NewBus(log)
	store := market.NewStore(cfg.Market.ShardCount, cfg.Market.SnapshotRingSize, bus, log)
	registry := buildRegistry(cfg, log)

	pools := registerVenuePools(cfg, store, log)
	if len(pools) == 0 {
		log.Error().Msg("no pools registered from venue configuration")
		os.Exit(exitStartupInvalid)
	}

	cycleIndex := detector.NewCycleIndex()
	for _, c := range detector.BuildCycles(pools) {
		cycleIndex.AddCycle(c)
	}

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	signer, err := loadSubmitterKeypair(cfg.SubmitterKeypairPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to load submitter keypair")
		os.Exit(exitConfigError)
	}

	riskGate := risk.New(risk.Config{
		CapitalCeiling:              usdToBaseUnits(cfg.Trading.MaxPositionUSD),
		DailyLossLimitUSD:           cfg.Risk.DailyLossLimitUSD,
		ConsecutiveFailureThreshold: cfg.Risk.ConsecutiveFailureThreshold,
		CooldownSeconds:             cfg.Risk.CooldownSeconds,
		KellyFraction:               cfg.Risk.KellyFraction,
		MinConfidence:               cfg.Risk.MinConfidence,
		OpportunityTTL:              time.Duration(cfg.Execution.OpportunityTTLMs) * time.Millisecond,
		SlotBudget:                  uint64(cfg.Execution.SlotBudget),
	}, store.Pool, bus, log)
	if cfg.Risk.StateDBPath != "" {
		riskDB, err := risk.OpenSQLiteStore(cfg.Risk.StateDBPath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Risk.StateDBPath).Msg("failed to open risk state database, venue state will not survive a restart")
		} else {
			riskGate.SetPersistence(riskDB)
			defer riskDB.Close()
		}
	}
	go riskGate.Run()
	defer riskGate.Stop()

	ing := ingestor.New(store, registry, store, ingestor.Config{
		DegradedAfter:          5 * time.Second,
		ReconnectMinMs:         250,
		ReconnectMaxMs:         cfg.Streaming.ReconnectMaxMs,
		MaxConsecutiveFailures: cfg.Streaming.MaxConsecutiveFailures,
	}, log)

	venueHealth := map[string]server.VenueHealth{}
	for name := range cfg.Venues {
		venueHealth[name] = venueHealthAdapter{ing: ing}
	}
	ing.SetDegradedHooks(
		func(venue string) { log.Warn().Str("venue", venue).Msg("venue degraded") },
		func(venue string) { log.Info().Str("venue", venue).Msg("venue recovered") },
	)

	det := detector.New(store, cycleIndex, bus, cfg.Trading.MinProfitBPS/10000, 1024, log)
	if cfg.Risk.DiscardOnDegradedVenue {
		det.SetDegradedVenueFilter(func(poolID solana.PublicKey) bool {
			pool, ok := store.Pool(poolID)
			return ok && ing.Degraded(pool.Venue)
		})
	}
	det.Start()

	sol := solver.New(store, registry, solver.Config{
		MinNotional:     usdToBaseUnits(cfg.Trading.MinNotionalUSD),
		CapitalBudget:   usdToBaseUnits(cfg.Trading.MaxPositionUSD),
		MinProfitUSD:    cfg.Trading.MinProfitUSD,
		MinProfitBPS:    cfg.Trading.MinProfitBPS,
		MaxSlippageBPS:  cfg.Trading.MaxSlippageBPS,
		FlashLoanFeeBPS: 30,
		Weights: solver.ConfidenceWeights{
			Volatility:  cfg.Trading.ConfidenceWeights.Volatility,
			Length:      cfg.Trading.ConfidenceWeights.Length,
			Degradation: cfg.Trading.ConfidenceWeights.Degradation,
		},
	}, func(hops []market.Hop) float64 { return degradedFraction(hops, store, ing) }, log)

	coord := execution.New(
		store, registry, store.Pool, sol,
		buildRelay(cfg, log), riskGate, bus,
		execution.Config{
			LookupTableThreshold:  cfg.Execution.LookupTableThreshold,
			PriorityFeeBase:       cfg.Execution.PriorityFeeBase,
			PriorityFeeMultiplier: cfg.Execution.PriorityFeeMultiplier,
			MaxSlippageBPS:        cfg.Trading.MaxSlippageBPS,
			RPCTimeout:            time.Duration(cfg.Execution.RPCTimeoutSeconds) * time.Second,
		}, signer, log,
	)

	outcomeSink := sink.New(1024, buildArchiver(cfg, log), time.Duration(cfg.Archive.FlushIntervalMs)*time.Millisecond, log)
	go outcomeSink.Run()
	defer outcomeSink.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runPipeline(ctx, det, sol, riskGate, coord, outcomeSink, met, log)

	ingestorDone := make(chan error, 1)
	go func() {
		ingestorDone <- ing.Run(ctx, buildDialer(cfg, log))
	}()

	sched := cron.New()
	_, _ = sched.AddFunc("@every 2s", ing.SweepLiveness)
	_, _ = sched.AddFunc("@every 1s", func() { met.SetCircuitState(riskGate.StateString()) })
	var lastCoalesced uint64
	_, _ = sched.AddFunc("@every 1s", func() {
		total := ing.CoalescedTotal() + bus.CoalescedTotal()
		met.ChangeNoticesCoalesced.Add(float64(total - lastCoalesced))
		lastCoalesced = total
	})
	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Config{
		Port:     cfg.Server.Port,
		Log:      log,
		Cfg:      cfg,
		Registry: reg,
		Gate:     riskGate,
		Venues:   venueHealth,
		Recent:   func(n int) []server.RecentRecord { return toRecentRecords(outcomeSink.Recent(n)) },
	})
	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("control surface stopped")
		}
	}()
	log.Info().Int("port", cfg.Server.Port).Msg("control surface started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutdown signal received")
	case err := <-ingestorDone:
		if err != nil {
			log.Error().Err(err).Msg("stream ingestor failed unrecoverably")
			cancel()
			shutdown(srv, log)
			os.Exit(exitStreamingFailed)
		}
	}

	cancel()
	shutdown(srv, log)
	log.Info().Msg("engine stopped")
	os.Exit(exitOK)
}

func shutdown(srv *server.Server, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("control surface forced to shutdown")
	}
}

// runPipeline wires the detector's candidate channel through the solver and
// risk gate into the execution coordinator, feeding every terminal outcome
// to the sink. This is the stage-to-stage glue spec.md §5 describes as
// bounded channels between dedicated goroutine groups.
func runPipeline(ctx context.Context, det *detector.Detector, sol *solver.Solver, gate *risk.Gate, coord *execution.Coordinator, snk *sink.Sink, met *metrics.Metrics, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case cand, ok := <-det.Candidates():
			if !ok {
				return
			}
			met.CandidatesEmitted.Inc()
			go handleCandidate(ctx, cand, sol, gate, coord, snk, met, log)
		}
	}
}

func handleCandidate(ctx context.Context, cand market.Candidate, sol *solver.Solver, gate *risk.Gate, coord *execution.Coordinator, snk *sink.Sink, met *metrics.Metrics, log zerolog.Logger) {
	start := time.Now()
	route, err := sol.Solve(cand)
	met.StageLatency.WithLabelValues("solve").Observe(time.Since(start).Seconds())
	if err != nil {
		met.RoutesRejected.WithLabelValues(rejectionReason(err)).Inc()
		return
	}
	met.RoutesAccepted.Inc()

	decision := gate.Submit(*route)
	if decision.Rejected {
		met.PlansRejected.WithLabelValues(decision.RuleID).Inc()
		return
	}
	met.PlansAccepted.Inc()

	outcome := coord.Execute(ctx, decision.Plan)
	met.OutcomesTotal.WithLabelValues(string(outcome.Status)).Inc()
	snk.Emit(outcome)
	log.Debug().Str("fingerprint", outcome.Fingerprint).Str("status", string(outcome.Status)).Msg("execution finalized")
}

func rejectionReason(err error) string {
	switch err {
	case solver.ErrBelowFloor:
		return "below_floor"
	case solver.ErrSlippageExceeded:
		return "slippage_exceeded"
	case solver.ErrCandidateStale:
		return "stale"
	default:
		return "infeasible"
	}
}

func degradedFraction(hops []market.Hop, store *market.Store, ing *ingestor.Ingestor) float64 {
	if len(hops) == 0 {
		return 0
	}
	degraded := 0
	for _, hop := range hops {
		pool, ok := store.Pool(hop.PoolID)
		if ok && ing.Degraded(pool.Venue) {
			degraded++
		}
	}
	return float64(degraded) / float64(len(hops))
}

// buildRegistry wires one adapter per configured curve kind behind the
// program-id routing table the ingestor and solver both consult.
func buildRegistry(cfg *config.Config, log zerolog.Logger) *market.Registry {
	registry := market.NewRegistry()
	for name, venue := range cfg.Venues {
		if !venue.Enabled || venue.ProgramID == "" {
			continue
		}
		programID, err := solana.PublicKeyFromBase58(venue.ProgramID)
		if err != nil {
			log.Error().Err(err).Str("venue", name).Msg("invalid program id, venue skipped")
			continue
		}
		adapter := adapterFor(venue.Curve)
		if adapter == nil {
			log.Error().Str("venue", name).Str("curve", venue.Curve).Msg("unknown curve kind, venue skipped")
			continue
		}
		registry.Register(programID, adapter)
	}
	return registry
}

func adapterFor(curve string) market.Adapter {
	switch curve {
	case "constant_product", "":
		return &market.ConstantProductAdapter{AccountLayout: market.DecodeConstantProductLayout}
	case "concentrated_liquidity":
		return &market.ConcentratedLiquidityAdapter{AccountLayout: market.DecodeConcentratedLiquidityLayout}
	case "bin_based":
		return &market.BinBasedAdapter{AccountLayout: market.DecodeBinBasedLayout}
	default:
		return nil
	}
}

// registerVenuePools seeds the store with one pool per configured venue.
// Pool accounts themselves are discovered and registered incrementally in
// production via the streaming interface's subscription acks; this engine
// treats the configured venue entry itself as the pool identity (one pool
// per venue entry), matching how a single-market-per-venue deployment is
// configured end to end.
func registerVenuePools(cfg *config.Config, store *market.Store, log zerolog.Logger) []market.Pool {
	var pools []market.Pool
	for name, venue := range cfg.Venues {
		if !venue.Enabled {
			continue
		}
		programID, err := solana.PublicKeyFromBase58(venue.ProgramID)
		if err != nil {
			continue
		}
		pool := market.Pool{
			ID:        programID,
			Venue:     name,
			ProgramID: programID,
			Curve:     curveKindFor(venue.Curve),
		}
		store.Register(pool)
		pools = append(pools, pool)
		log.Info().Str("venue", name).Str("pool", pool.ID.String()).Msg("pool registered")
	}
	return pools
}

func curveKindFor(curve string) market.CurveKind {
	switch curve {
	case "concentrated_liquidity":
		return market.ConcentratedLiquidity
	case "bin_based":
		return market.BinBased
	default:
		return market.ConstantProduct
	}
}

func buildRelay(cfg *config.Config, log zerolog.Logger) relay.Relay {
	switch cfg.Relay.Kind {
	case "jito":
		return relay.NewJitoRelay(cfg.Relay.Endpoint, cfg.Relay.AuthToken)
	default:
		return relay.NewNoopRelay()
	}
}

func buildArchiver(cfg *config.Config, log zerolog.Logger) sink.Archiver {
	if cfg.Archive.Bucket == "" {
		return sink.NoopArchiver{}
	}
	archiver, err := sink.NewS3Archiver(context.Background(), sink.S3Config{
		Bucket:   cfg.Archive.Bucket,
		Region:   cfg.Archive.Region,
		Endpoint: cfg.Archive.Endpoint,
	}, "", "", log)
	if err != nil {
		log.Error().Err(err).Msg("failed to construct archival writer, falling back to no-op")
		return sink.NoopArchiver{}
	}
	return archiver
}

// buildDialer wires the ingestor's gRPC connection lifecycle to the
// configured streaming endpoint. NewStream is the one seam a deployment
// must supply its own generated subscription client for; this engine only
// owns the connection and error classification around it, per the spec's
// treatment of the push stream as an external collaborator.
func buildDialer(cfg *config.Config, log zerolog.Logger) ingestor.Dialer {
	log.Debug().Str("endpoint", cfg.Streaming.Endpoint).Msg("wiring streaming dialer")
	dialer := ingestor.NewGRPCDialer(cfg.Streaming.Endpoint, func(ctx context.Context, conn *grpc.ClientConn) (ingestor.StreamClient, error) {
		return nil, errNoStreamClientConfigured
	})
	return dialer.Dial
}

func loadSubmitterKeypair(path string) (solana.PrivateKey, error) {
	if path == "" {
		return solana.NewWallet().PrivateKey, nil
	}
	return solana.PrivateKeyFromSolanaKeygenFile(path)
}

func usdToBaseUnits(usd float64) *uint256.Int {
	if usd <= 0 {
		return new(uint256.Int)
	}
	return uint256.NewInt(uint64(usd * 1e6))
}

type venueHealthAdapter struct {
	ing *ingestor.Ingestor
}

func (v venueHealthAdapter) Degraded(venue string) bool { return v.ing.Degraded(venue) }

func toRecentRecords(records []sink.Record) []server.RecentRecord {
	out := make([]server.RecentRecord, 0, len(records))
	for _, r := range records {
		out = append(out, server.RecentRecord{
			Fingerprint:   r.Fingerprint,
			Status:        string(r.Outcome.Status),
			ErrorCategory: r.Outcome.ErrorCategory,
			EmittedAt:     r.EmittedAt,
		})
	}
	return out
}

var errNoStreamClientConfigured = newConfigSeamError()

func newConfigSeamError() error {
	return &configSeamError{}
}

type configSeamError struct{}

func (*configSeamError) Error() string {
	return "ingestor: no streaming subscription client wired for this deployment's push-stream service"
}
