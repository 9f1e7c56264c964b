// Package engine implements the download engine's main loop: the single
// consumer that pulls tagged items off internal/queue and drives full or
// chunked transfer, shadow-copy control, and script output retrieval
// against the collaborators in collaborators.go.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bamsammich/ferry/internal/event"
	"github.com/bamsammich/ferry/internal/metrics"
	"github.com/bamsammich/ferry/internal/queue"
	"github.com/bamsammich/ferry/internal/tempfile"
)

// Config bundles the engine tunables read from internal/config, already
// resolved to concrete values (callers apply their own defaults over the
// config file's nullable fields).
type Config struct {
	MaxWeight           int
	HashMismatchRetries int
	PreferReflink       bool
	SaveIncompleteFile  bool
}

// DefaultConfig returns the engine's default tunables.
func DefaultConfig() Config {
	return Config{
		MaxWeight:           queue.DefaultMaxWeight,
		HashMismatchRetries: maxHashMismatchRetries,
		PreferReflink:       true,
		SaveIncompleteFile:  true,
	}
}

// Collaborators bundles every out-of-process dependency the engine needs.
// Full, Chunked, and Control are required; Locator, HashPipe, and the
// sinks may be nil fixtures for tests that don't exercise those paths.
// PartialSink and FailedSink are separate so a single underlying store
// (internal/idsetsink) can tell the two id sets apart; callers wiring one
// store to both pass two thin adapters over the same database.
type Collaborators struct {
	Full        FullTransport
	Chunked     ChunkedTransport
	Control     ClientControl
	Locator     PriorFileLocator
	HashPipe    HashPipe
	PartialSink IdSetSink
	FailedSink  IdSetSink
}

// Engine is the single-consumer download loop. Its exported surface is
// deliberately thin: construct with New, run with Run, observe via the
// events channel.
type Engine struct {
	cfg Config

	full    FullTransport
	chunked ChunkedTransport
	control ClientControl
	locator PriorFileLocator

	hashPipe HashPipe
	hashRoot string

	queue      *queue.Queue
	tempFiles  *tempfile.Factory
	partialIDs *IdSet
	failedIDs  *IdSet
	metrics    *metrics.Collector
	logger     *slog.Logger
	events     chan<- event.Event
	lookahead  *lookaheadAdapter

	backupID     int64
	incremental  bool
	sessionToken string
	nonceSource  func() int64
}

// SetSessionToken sets the token prefixed onto non-script remote paths
// and suffixed onto shadow-copy control commands. Optional; an empty
// token is valid for transports that don't use one.
func (e *Engine) SetSessionToken(token string) { e.sessionToken = token }

// SetNonceSource wires the orchestrator's RNG into script remote-path
// wrapping (design note: script nonces must come from the orchestrator's
// RNG, not one local to the engine, so that script sessions are unique
// across the whole backup, not just within this engine run).
func (e *Engine) SetNonceSource(f func() int64) { e.nonceSource = f }

// nopLocator is used when Collaborators.Locator is nil: every lookup
// misses, which is equivalent to "this is the first backup" — every
// chunked item falls back to full download.
type nopLocator struct{}

func (nopLocator) FindOrig(string) (string, bool)        { return "", false }
func (nopLocator) FindChunkHashes(string) (string, bool) { return "", false }

// nopHashPipe discards every dispatched record; used when no hashing
// worker is wired up (tests, or a deployment that hashes inline elsewhere).
type nopHashPipe struct{}

func (nopHashPipe) Dispatch(HashRecord) error { return nil }

// New constructs an Engine. hashRoot is the backup destination tree root,
// used to derive sidecar paths (chunkHashSidecarPath). tempDir is where
// temp files (full downloads, patch output, synthesized sidecars) are
// created.
func New(backupID int64, incremental bool, hashRoot, tempDir string, cfg Config, collab Collaborators, logger *slog.Logger, events chan<- event.Event) (*Engine, error) {
	if collab.Full == nil || collab.Chunked == nil || collab.Control == nil {
		return nil, errors.New("engine: Full, Chunked, and Control collaborators are required")
	}
	if cfg.MaxWeight <= 0 {
		cfg.MaxWeight = queue.DefaultMaxWeight
	}
	if cfg.HashMismatchRetries <= 0 {
		cfg.HashMismatchRetries = maxHashMismatchRetries
	}
	if logger == nil {
		logger = slog.Default()
	}

	locator := collab.Locator
	if locator == nil {
		locator = nopLocator{}
	}
	hashPipe := collab.HashPipe
	if hashPipe == nil {
		hashPipe = nopHashPipe{}
	}

	tf, err := tempfile.NewFactory(tempDir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		full:        collab.Full,
		chunked:     collab.Chunked,
		control:     collab.Control,
		locator:     locator,
		hashPipe:    hashPipe,
		hashRoot:    hashRoot,
		queue:       queue.New(cfg.MaxWeight),
		tempFiles:   tf,
		partialIDs:  NewIdSet(collab.PartialSink),
		failedIDs:   NewIdSet(collab.FailedSink),
		metrics:     metrics.NewCollector(),
		logger:      logger,
		events:      events,
		backupID:    backupID,
		incremental: incremental,
		nonceSource: defaultNonceSource,
	}
	e.lookahead = newLookaheadAdapter(e)
	if e.chunked.SupportsLookahead() {
		e.chunked.RegisterLookahead(e.lookahead)
	}
	return e, nil
}

// Queue exposes the item queue so a producer (the orchestrator, or a test
// harness) can feed work in.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Metrics returns a point-in-time snapshot of the run's counters.
func (e *Engine) Metrics() metrics.Snapshot { return e.metrics.Snapshot() }

// Finalize hands partial_ids and failed_ids to their configured sink.
// Called once after Run returns.
func (e *Engine) Finalize() error {
	if err := e.partialIDs.Finalize(); err != nil {
		return err
	}
	return e.failedIDs.Finalize()
}

// emit sends a progress event, timestamping it on the way out. A full or
// nil channel drops the event rather than blocking the consumer loop.
func (e *Engine) emit(t event.Type, id int64, remote string, size int64, err error) {
	if e.events == nil {
		return
	}
	ev := event.Event{Type: t, Timestamp: time.Now(), ID: id, Remote: remote, Size: size, Err: err}
	select {
	case e.events <- ev:
	default:
	}
}

// Run is the main consumption loop. It returns when a Quit item is
// dequeued, or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		it, err := e.queue.Dequeue(ctx)
		if err != nil {
			return err
		}

		switch it.Action {
		case queue.Quit:
			e.announceMetadataStreamEnd(ctx)
			return nil

		case queue.Skip:
			e.queue.SetSkipping()
			e.emit(event.EngineSkipping, queue.NoID, "", 0, nil)
			continue

		case queue.StartSnapshot:
			e.runStartSnapshot(ctx, it)
			continue

		case queue.StopSnapshot:
			e.runStopSnapshot(ctx, it)
			continue

		case queue.Transfer:
			if e.queue.IsSkippingOrOffline() {
				// Drain without attempting transport once either terminal
				// mode latches: a chunked item still gets a salvage
				// attempt, a full item is recorded as failed.
				e.drainTransfer(it)
				continue
			}
			e.runTransfer(ctx, it)
			continue
		}
	}
}

// drainTransfer handles a Transfer item dequeued while offline or
// skipping. The item must still resolve into exactly one of the
// failed/partial id sets — it is never silently dropped.
func (e *Engine) drainTransfer(it *queue.Item) {
	remote := it.RemotePath()
	e.queue.MarkNotOK()

	if it.Mode == queue.Chunked {
		ph := it.Patch()
		if !ph.Prepared && !ph.PrepareError {
			if _, err := e.preparePatchFiles(it); err != nil {
				e.logger.Error("drain: prepare patch files", "remote", remote, "error", err)
			}
		}
		if ph.Prepared && e.salvageLinkOrCopy(it, ph) {
			e.partialIDs.Add(it.ID)
			e.queue.AdvanceMaxOKID(it.ID)
			e.metrics.RecordPartial(0)
			e.emit(event.TransferPartial, it.ID, remote, 0, nil)
			return
		}
		releasePatchHandles(ph)
	}

	e.failedIDs.Add(it.ID)
	e.metrics.RecordFailed()
	e.emit(event.TransferFailed, it.ID, remote, 0, errors.New("drained while offline or skipping"))
}

// announceMetadataStreamEnd tells the client no more metadata is coming,
// once the run completes without ever going offline or skipping and the
// negotiated protocol supports metadata streaming.
func (e *Engine) announceMetadataStreamEnd(ctx context.Context) {
	if e.queue.IsSkippingOrOffline() {
		return
	}
	if !e.control.SupportsMetadataStream() {
		return
	}
	if err := e.control.InformMetadataStreamEnd(ctx, e.sessionToken); err != nil {
		e.logger.Error("inform metadata stream end", "error", err)
	}
}

// runTransfer dispatches a single Transfer item to full or chunked
// handling and applies the resulting offline escalation, if any.
func (e *Engine) runTransfer(ctx context.Context, it *queue.Item) {
	var ok bool
	switch it.Mode {
	case queue.Full:
		ok = e.runFullTransfer(ctx, it)
	case queue.Chunked:
		ok = e.runPatchTransfer(ctx, it)
	}
	if !ok {
		e.queue.SetOffline()
		e.emit(event.EngineOffline, queue.NoID, "", 0, nil)
	}
}
