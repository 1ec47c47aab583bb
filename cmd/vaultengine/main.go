package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"VaultEngine/internal/config"
	"VaultEngine/internal/core"
	"VaultEngine/internal/event"
	"VaultEngine/internal/ingestion"
	"VaultEngine/internal/liquidation"
	"VaultEngine/internal/observability"
	"VaultEngine/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("VAULT_CONFIG"), "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := observability.NewLogger("main", cfg.LogFile)
	log.Info().Str("vault", cfg.VaultID).Msg("vaultengine starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker("postgres", "nats", "core")

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")
	health.SetReady("postgres", true)

	migrator := store.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrate", cfg.LogFile))
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	pgStore := store.NewPostgresStore(db)

	// --- Recovery: load snapshot ---
	startSequence := int64(0)

	snap, err := pgStore.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load snapshot")
	}
	if snap != nil {
		startSequence = snap.Sequence + 1
		log.Info().Int64("sequence", snap.Sequence).Msg("loaded snapshot")
	} else {
		log.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	// --- Channels ---
	persistCoreChan := make(chan core.Output, cfg.PersistChanSize)
	publishCoreChan := make(chan core.Output, cfg.EventChanSize)
	persistWorkerChan := make(chan store.CoreOutput, cfg.PersistChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.EventChanSize)

	// --- Core ---
	vaultCore := core.NewVaultCore(
		cfg.VaultID,
		cfg.Policy,
		startSequence,
		persistCoreChan,
		publishCoreChan,
		dbDedup{ctx: ctx, store: pgStore},
		metrics,
	)

	// --- Snapshot restore ---
	if snap != nil {
		if err := restoreStateFromSnapshot(log, vaultCore, snap); err != nil {
			log.Fatal().Err(err).Msg("snapshot restore")
		}
	}

	// --- Event replay ---
	vaultCore.SetReplayMode(true)
	replayCount, err := replayEventsFromLog(ctx, log, pgStore, vaultCore, startSequence)
	vaultCore.SetReplayMode(false)
	if err != nil {
		log.Fatal().Err(err).Msg("event replay")
	}
	if replayCount > 0 {
		log.Info().
			Int64("events", replayCount).
			Int64("sequence", vaultCore.Sequence()).
			Msg("event replay complete")
	}

	// --- NATS ---
	natsLog := observability.NewLogger("nats", cfg.LogFile)
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, natsLog)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	log.Info().Msg("nats connected")

	if err := ingestion.EnsureStreams(ctx, js, natsLog); err != nil {
		log.Fatal().Err(err).Msg("ensure nats streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, natsLog); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}
	health.SetReady("nats", true)

	rawEventChan := make(chan ingestion.RawEvent, cfg.EventChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawEventChan, natsLog)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}

	publisher := ingestion.NewOutboundPublisher(js, publishChan, natsLog, metrics)

	// --- Goroutines ---
	errChan := make(chan error, 8)

	worker := store.NewWorker(pgStore, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlush,
		observability.NewLogger("persist", cfg.LogFile), metrics)
	go func() {
		errChan <- worker.Run(ctx)
	}()

	go func() {
		errChan <- publisher.Run(ctx)
	}()

	go bridgeOutputs(ctx, persistCoreChan, publishCoreChan, persistWorkerChan, publishChan)

	go runIngestionLoop(ctx, observability.NewLogger("ingest", cfg.LogFile), rawEventChan, vaultCore, metrics)

	go runPeriodicSnapshots(ctx, log, vaultCore, pgStore, cfg.SnapshotInterval, metrics)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	go serveHTTP(ctx, log, "metrics", cfg.MetricsAddr, metricsMux, errChan)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", health.LivenessHandler)
	healthMux.HandleFunc("/readyz", health.ReadinessHandler)
	go serveHTTP(ctx, log, "health", cfg.HTTPAddr, healthMux, errChan)

	health.SetReady("core", true)
	log.Info().
		Int64("sequence", vaultCore.Sequence()).
		Str("metrics", cfg.MetricsAddr).
		Msg("vaultengine ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// Drain, flush, final snapshot, exit.
	cancel()
	subscriber.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	close(persistWorkerChan)
	close(publishChan)

	if err := takeSnapshot(shutdownCtx, vaultCore, pgStore, metrics); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else {
		log.Info().Msg("final snapshot saved")
	}

	log.Info().Msg("vaultengine shutdown complete")
}

// serveHTTP runs one HTTP listener until ctx is cancelled.
func serveHTTP(ctx context.Context, log zerolog.Logger, name, addr string, handler http.Handler, errChan chan<- error) {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	log.Info().Str("addr", addr).Msg(name + " server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("%s server: %w", name, err)
	}
}

// dbDedup adapts the store to the core's context-free dedup interface.
type dbDedup struct {
	ctx   context.Context
	store *store.PostgresStore
}

func (d dbDedup) IsDuplicate(eventType, idempotencyKey string) (bool, error) {
	return d.store.IsDuplicate(d.ctx, eventType, idempotencyKey)
}

// bridgeOutputs converts core.Output to the store and publisher formats.
func bridgeOutputs(
	ctx context.Context,
	persistIn, publishIn <-chan core.Output,
	persistOut chan<- store.CoreOutput,
	publishOut chan<- ingestion.PublishableEvent,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case output, ok := <-persistIn:
			if !ok {
				return
			}
			persistOut <- toStoreOutput(output)

		case output, ok := <-publishIn:
			if !ok {
				return
			}
			// Outcomes publish under their own type: a LiquidationRequest
			// leaves as LiquidationExecuted or LiquidationRejected.
			eventType := output.Envelope.EventType.String()
			if outcome, ok := output.Payload.(event.Event); ok {
				eventType = outcome.EventType().String()
			}
			select {
			case publishOut <- ingestion.PublishableEvent{
				Sequence:       output.Envelope.Sequence,
				EventType:      eventType,
				IdempotencyKey: output.Envelope.IdempotencyKey,
				VaultID:        output.Envelope.VaultID,
				Payload:        output.Payload,
				Timestamp:      output.Envelope.Timestamp,
			}:
			default:
				// Drop if the publish channel is full.
			}
		}
	}
}

func toStoreOutput(output core.Output) store.CoreOutput {
	out := store.CoreOutput{
		Event: store.EventRow{
			Sequence:       output.Envelope.Sequence,
			EventType:      output.Envelope.EventType.String(),
			IdempotencyKey: output.Envelope.IdempotencyKey,
			VaultID:        output.Envelope.VaultID,
			Payload:        output.Envelope.Payload,
			Timestamp:      output.Envelope.Timestamp,
			SourceSequence: output.Envelope.SourceSequence,
		},
	}
	if output.Result != nil {
		out.Liquidations = append(out.Liquidations, store.LiquidationRow{
			ResultID:           uuid.New().String(),
			RequestID:          output.RequestID,
			VaultID:            output.Envelope.VaultID,
			Sequence:           output.Envelope.Sequence,
			DebtConsumed:       output.Result.DebtConsumed,
			CollateralConsumed: output.Result.CollateralConsumed,
			DebtAbsorbed:       output.Result.DebtAbsorbed,
			CollateralAbsorbed: output.Result.CollateralAbsorbed,
			Steps:              output.Result.Steps,
			FinalTick:          output.Result.FinalTick,
			Timestamp:          output.Envelope.Timestamp,
		})
	}
	return out
}

// runIngestionLoop reads raw events from NATS, parses them, and feeds
// the core. Messages are acked after the parse succeeds; backpressure
// propagates to NATS through the blocking channel send.
func runIngestionLoop(
	ctx context.Context,
	log zerolog.Logger,
	rawChan <-chan ingestion.RawEvent,
	vaultCore *core.VaultCore,
	metrics *observability.Metrics,
) {
	subjectToType := make(map[string]string)
	for _, cfg := range ingestion.DefaultSubjects() {
		prefix := cfg.Subject
		if len(prefix) > 2 && prefix[len(prefix)-2:] == ".>" {
			prefix = prefix[:len(prefix)-2]
		}
		subjectToType[prefix] = cfg.EventType
	}

	typedEventChan := make(chan event.Event, cap(rawChan))

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-rawChan:
				if !ok {
					close(typedEventChan)
					return
				}

				eventType := resolveEventType(raw.Subject, subjectToType)
				if eventType == "" {
					log.Warn().Str("subject", raw.Subject).Msg("unknown subject")
					raw.AckFunc() // avoid a redelivery loop
					continue
				}

				evt, err := ingestion.ParseRawEvent(raw, eventType)
				if err != nil {
					log.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event failed")
					raw.AckFunc() // unparseable events never become valid
					continue
				}

				select {
				case typedEventChan <- evt:
					raw.AckFunc()
				case <-ctx.Done():
					raw.NakFunc()
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-typedEventChan:
			if !ok {
				return
			}
			if metrics != nil {
				metrics.EventChannelSize.Set(float64(len(typedEventChan)))
			}
			if err := vaultCore.ProcessEvent(evt); err != nil {
				// Already acked; rejections are logged, not retried.
				log.Error().
					Err(err).
					Stringer("type", evt.EventType()).
					Str("key", evt.IdempotencyKey()).
					Msg("process event failed")
			}
		}
	}
}

// resolveEventType finds the event type for a subject by longest
// matching prefix.
func resolveEventType(subject string, prefixMap map[string]string) string {
	bestMatch := ""
	bestType := ""
	for prefix, evtType := range prefixMap {
		if len(subject) >= len(prefix) && subject[:len(prefix)] == prefix {
			if len(prefix) > len(bestMatch) {
				bestMatch = prefix
				bestType = evtType
			}
		}
	}
	return bestType
}

// restoreStateFromSnapshot rebuilds the ledger from a snapshot after
// checking that the stored digest matches the restored state. A
// mismatch means the snapshot is torn or corrupt; starting from it
// would silently fork the ledger, so it is fatal.
func restoreStateFromSnapshot(log zerolog.Logger, vaultCore *core.VaultCore, snap *store.SnapshotData) error {
	ledger := liquidation.RestoreState(snap.Ledger)

	digest, err := core.SnapshotDigest(ledger.Snapshot())
	if err != nil {
		return fmt.Errorf("snapshot digest: %w", err)
	}
	if len(snap.Digest) > 0 && string(digest[:]) != string(snap.Digest) {
		return fmt.Errorf("snapshot digest mismatch at sequence %d", snap.Sequence)
	}

	vaultCore.Restore(ledger, snap.Sequence+1, snap.IdemKeys, snap.SourceSeq)
	if len(snap.ChainHash) == 32 {
		var tip [32]byte
		copy(tip[:], snap.ChainHash)
		vaultCore.SetChainHash(tip)
	}
	log.Info().
		Int64("sequence", snap.Sequence).
		Int("idem_keys", len(snap.IdemKeys)).
		Msg("restored in-memory state from snapshot")
	return nil
}

// replayEventsFromLog replays logged events from fromSequence to head.
// Used for both warm restart (replay past the snapshot) and cold
// restart (replay everything).
func replayEventsFromLog(
	ctx context.Context,
	log zerolog.Logger,
	pgStore *store.PostgresStore,
	vaultCore *core.VaultCore,
	fromSequence int64,
) (int64, error) {
	const batchSize = 1000
	var totalReplayed int64

	for {
		events, err := pgStore.LoadEventsFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return totalReplayed, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(events) == 0 {
			break
		}

		for _, row := range events {
			// The log stores commands in wire form, so the NATS
			// parser round-trips them.
			raw := ingestion.RawEvent{Subject: row.EventType, Data: row.Payload}
			typed, err := ingestion.ParseRawEvent(raw, row.EventType)
			if err != nil {
				log.Warn().Err(err).Int64("sequence", row.Sequence).Str("type", row.EventType).
					Msg("skip unparseable logged event")
				continue
			}
			if err := vaultCore.ProcessEvent(typed); err != nil {
				// Duplicates and logged rejections resurface here; skip.
				log.Debug().Err(err).Int64("sequence", row.Sequence).Msg("replay skip")
			}
			totalReplayed++
		}

		fromSequence = events[len(events)-1].Sequence + 1
	}

	return totalReplayed, nil
}

// runPeriodicSnapshots takes a snapshot every interval events.
func runPeriodicSnapshots(
	ctx context.Context,
	log zerolog.Logger,
	vaultCore *core.VaultCore,
	pgStore *store.PostgresStore,
	interval int64,
	metrics *observability.Metrics,
) {
	if interval <= 0 {
		interval = 10_000
	}

	lastSnapshotSeq := vaultCore.Sequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := vaultCore.Sequence()
			if currentSeq-lastSnapshotSeq >= interval {
				if err := takeSnapshot(ctx, vaultCore, pgStore, metrics); err != nil {
					log.Warn().Err(err).Msg("periodic snapshot failed")
				} else {
					lastSnapshotSeq = currentSeq
					log.Info().Int64("sequence", currentSeq).Msg("periodic snapshot")
				}
			}
		}
	}
}

// takeSnapshot captures the committed ledger and persists it.
//
// The snapshot reads the core's state from another goroutine; it is
// only safe because the core loop is paused (shutdown) or the race
// window is acceptable for periodic snapshots: a torn read fails the
// digest check on restore and recovery falls back to a full replay.
func takeSnapshot(ctx context.Context, vaultCore *core.VaultCore, pgStore *store.PostgresStore, metrics *observability.Metrics) error {
	ledgerSnap := vaultCore.Ledger().Snapshot()
	digest, err := core.SnapshotDigest(ledgerSnap)
	if err != nil {
		return fmt.Errorf("digest: %w", err)
	}

	chainTip := vaultCore.ChainHash()
	snap := &store.SnapshotData{
		Sequence:  vaultCore.Sequence() - 1,
		Ledger:    ledgerSnap,
		Digest:    digest[:],
		ChainHash: chainTip[:],
		IdemKeys:  vaultCore.SnapshotKeys(),
		SourceSeq: vaultCore.SourceCursors(),
		CreatedAt: time.Now(),
	}

	if err := pgStore.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := pgStore.MarkVerified(ctx, snap.Sequence); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}

	if metrics != nil {
		metrics.PersistSnapshots.Inc()
	}
	return nil
}
