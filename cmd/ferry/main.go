// Command ferry is a demo harness for the download engine: it wires the
// engine to local-filesystem fixtures standing in for the real client
// transport, control channel, and hashing pipeline, walks a directory
// tree as if it were a client's file list, and runs a full backup of it.
// It is not a backup orchestrator — just enough wiring to exercise and
// demo the engine without a real backup client.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bamsammich/ferry/internal/backuptree"
	"github.com/bamsammich/ferry/internal/chunkhash"
	"github.com/bamsammich/ferry/internal/clientctl/local"
	"github.com/bamsammich/ferry/internal/config"
	"github.com/bamsammich/ferry/internal/engine"
	"github.com/bamsammich/ferry/internal/event"
	"github.com/bamsammich/ferry/internal/hashpipe"
	"github.com/bamsammich/ferry/internal/idsetsink"
	"github.com/bamsammich/ferry/internal/queue"
	"github.com/bamsammich/ferry/internal/tempfile"
	transportlocal "github.com/bamsammich/ferry/internal/transport/local"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		clientRoot   string
		destRoot     string
		prevBackup   string
		prevComplete string
		backupID     int64
		incremental  bool
		dbPath       string
		hashLogPath  string
		bwLimit      int64
		showVersion  bool
	)

	rootCmd := &cobra.Command{
		Use:           "ferry --client <dir> --dest <dir>",
		Short:         "Demo harness for the backup server's file download engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "ferry %s\n", version)
				return nil
			}
			if clientRoot == "" || destRoot == "" {
				return errors.New("--client and --dest are required")
			}
			return runBackup(cmd.Context(), backupOpts{
				clientRoot:   clientRoot,
				destRoot:     destRoot,
				prevBackup:   prevBackup,
				prevComplete: prevComplete,
				backupID:     backupID,
				incremental:  incremental,
				dbPath:       dbPath,
				hashLogPath:  hashLogPath,
				bwLimit:      bwLimit,
			})
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&clientRoot, "client", "", "directory standing in for the client's current files")
	flags.StringVar(&destRoot, "dest", "", "destination backup tree")
	flags.StringVar(&prevBackup, "prev", "", "prior backup tree, for differential transfer")
	flags.StringVar(&prevComplete, "prev-complete", "", "last fully-complete backup tree, fallback for --prev")
	flags.Int64Var(&backupID, "backup-id", 1, "backup id recorded in hash-pipe records and the id-set sink")
	flags.BoolVar(&incremental, "incremental", true, "mark this run as an incremental backup")
	flags.StringVar(&dbPath, "db", "", "path to the id-set sink database (default: <dest>/.ferry/ids.db)")
	flags.StringVar(&hashLogPath, "hash-log", "", "path to append hash-pipe completion records to (default: <dest>/.ferry/hashlog.bin)")
	flags.Int64Var(&bwLimit, "bwlimit", 0, "cap aggregate read throughput, in bytes/sec (0 = unlimited)")
	flags.BoolVar(&showVersion, "version", false, "print the version and exit")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("ferry failed", "error", err)
		return 1
	}
	return 0
}

type backupOpts struct {
	clientRoot, destRoot, prevBackup, prevComplete string
	backupID                                       int64
	incremental                                    bool
	dbPath, hashLogPath                            string
	bwLimit                                        int64
}

func runBackup(ctx context.Context, opts backupOpts) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	defer tempfile.CleanupAll()

	fileCfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := resolveConfig(fileCfg)

	if opts.dbPath == "" {
		opts.dbPath = filepath.Join(opts.destRoot, ".ferry", "ids.db")
	}
	if opts.hashLogPath == "" {
		opts.hashLogPath = filepath.Join(opts.destRoot, ".ferry", "hashlog.bin")
	}

	sink, err := idsetsink.Open(opts.dbPath, opts.backupID)
	if err != nil {
		return fmt.Errorf("open id-set sink: %w", err)
	}
	defer sink.Close()

	hashLog, err := newHashLogWriter(opts.hashLogPath)
	if err != nil {
		return fmt.Errorf("open hash log: %w", err)
	}
	defer hashLog.Close()

	var transportOpts []transportlocal.Option
	transportOpts = append(transportOpts, transportlocal.WithLookahead())
	if opts.bwLimit > 0 {
		transportOpts = append(transportOpts, transportlocal.WithBandwidthLimit(opts.bwLimit))
	}
	fixture := transportlocal.New(opts.clientRoot, transportOpts...)
	control := local.New(true)
	locator := backuptree.New(opts.prevBackup, opts.prevComplete)

	tempDir := filepath.Join(opts.destRoot, ".ferry", "tmp")

	events := make(chan event.Event, 64)
	e, err := engine.New(opts.backupID, opts.incremental, opts.destRoot, tempDir, cfg, engine.Collaborators{
		Full:        fixture,
		Chunked:     fixture,
		Control:     control,
		Locator:     locator,
		HashPipe:    hashLog,
		PartialSink: sink.PartialSink(),
		FailedSink:  sink.FailedSink(),
	}, logger, events)
	if err != nil {
		return fmt.Errorf("construct engine: %w", err)
	}

	go logEvents(logger, events)

	feedErrCh := make(chan error, 1)
	go func() { feedErrCh <- feedQueue(ctx, e, opts, locator) }()

	runErr := e.Run(ctx)
	close(events)

	if feedErr := <-feedErrCh; feedErr != nil && runErr == nil {
		runErr = feedErr
	}
	if runErr != nil {
		return fmt.Errorf("engine run: %w", runErr)
	}

	if err := e.Finalize(); err != nil {
		return fmt.Errorf("finalize id sets: %w", err)
	}

	logger.Info("backup complete", "metrics", e.Metrics().String())
	return nil
}

func resolveConfig(fileCfg config.Engine) engine.Config {
	cfg := engine.DefaultConfig()
	if fileCfg.Queue.MaxWeight != nil {
		cfg.MaxWeight = *fileCfg.Queue.MaxWeight
	}
	if fileCfg.Queue.HashRetries != nil {
		cfg.HashMismatchRetries = *fileCfg.Queue.HashRetries
	}
	if fileCfg.Salvage.PreferReflink != nil {
		cfg.PreferReflink = *fileCfg.Salvage.PreferReflink
	}
	if fileCfg.Salvage.SaveIncompleteFile != nil {
		cfg.SaveIncompleteFile = *fileCfg.Salvage.SaveIncompleteFile
	}
	return cfg
}

// feedQueue walks clientRoot as if it were the client's current file
// list, enqueuing one Transfer item per regular file: chunked when a
// differential source is plausible and worth the overhead, full
// otherwise. It enqueues Quit once every file has been offered.
func feedQueue(ctx context.Context, e *engine.Engine, opts backupOpts, locator *backuptree.Locator) error {
	var walkErr error
	id := int64(1)

	filepathWalkErr := filepath.WalkDir(opts.clientRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(opts.clientRoot, path)
		if relErr != nil {
			return relErr
		}

		info, statErr := d.Info()
		if statErr != nil {
			return statErr
		}

		dir := filepath.Dir(rel)
		if dir == "." {
			dir = ""
		}
		it := &queue.Item{
			ID:            id,
			RemoteName:    filepath.Base(rel),
			ShortName:     filepath.Base(rel),
			CurrentPath:   dir,
			OSPath:        dir,
			PredictedSize: info.Size(),
		}
		id++

		if useChunked(rel, info.Size(), locator) {
			if err := e.Queue().EnqueueChunked(ctx, it); err != nil {
				walkErr = err
				return filepath.SkipAll
			}
			return nil
		}
		if err := e.Queue().EnqueueFull(ctx, it, false); err != nil {
			walkErr = err
			return filepath.SkipAll
		}
		return nil
	})

	e.Queue().EnqueueQuit(false)

	if filepathWalkErr != nil {
		return filepathWalkErr
	}
	return walkErr
}

// useChunked prefers differential transfer when a prior copy exists and
// the file is large enough that synthesizing/matching a sidecar is worth
// it (chunkhash.MinSize).
func useChunked(rel string, size int64, locator *backuptree.Locator) bool {
	if size < chunkhash.MinSize() {
		return false
	}
	_, ok := locator.FindOrig(rel)
	return ok
}

func logEvents(logger *slog.Logger, events <-chan event.Event) {
	for ev := range events {
		attrs := []any{"type", ev.Type.String(), "id", ev.ID, "remote", ev.Remote, "size", ev.Size}
		if ev.Err != nil {
			attrs = append(attrs, "error", ev.Err)
			logger.Error("engine event", attrs...)
			continue
		}
		logger.Info("engine event", attrs...)
	}
}

// hashLogWriter is a file-backed engine.HashPipe: every dispatched record
// is translated and appended to one file, the way the real hashing
// pipeline would read records off its feeding pipe one at a time.
type hashLogWriter struct {
	f *os.File
}

func newHashLogWriter(path string) (*hashLogWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &hashLogWriter{f: f}, nil
}

func (h *hashLogWriter) Dispatch(rec engine.HashRecord) error {
	return hashpipe.Encode(h.f, hashpipe.Record{
		TempPath:       rec.TempPath,
		BackupID:       rec.BackupID,
		IsIncremental:  rec.IsIncremental,
		DestPath:       rec.DestPath,
		DestHashPath:   rec.DestHashPath,
		HashOutputPath: rec.HashOutputPath,
		OldFilePath:    rec.OldFilePath,
		FileSize:       rec.FileSize,
		Metadata:       rec.Metadata,
	})
}

func (h *hashLogWriter) Close() error { return h.f.Close() }
