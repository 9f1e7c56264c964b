package engine

import (
	"context"
	"io"
	"time"
)

// FullTransport executes whole-file pulls. internal/transport/local
// provides a local-filesystem fixture implementation for tests and the
// demo CLI; a real implementation speaks the client/server wire
// protocol.
type FullTransport interface {
	// GetFile requests remote, writing its body to dst starting at the
	// current write offset. Returns the transport result code and the
	// number of bytes actually written before any failure.
	GetFile(ctx context.Context, remote string, dst io.Writer, metadataOnly bool) (ResultCode, int64, error)
}

// ChunkedTransport executes differential pulls and consumes the
// look-ahead surface.
type ChunkedTransport interface {
	// GetFilePatch requests a differential pull of remote against orig
	// (the prior-backup file, readable), writing the new/changed bytes to
	// patch and the new chunk-hash sidecar to hashOutput. chunkHashes is
	// the prior file's own sidecar, used by the transport to decide what
	// the client already has. predictedSize seeds the result when the
	// transport can't yet report a real size.
	GetFilePatch(ctx context.Context, remote string, orig io.ReadSeeker, patch io.Writer,
		chunkHashes io.Reader, hashOutput io.Writer, predictedSize int64) (ResultCode, int64, error)

	// SupportsLookahead reports whether the negotiated protocol version
	// supports the look-ahead surface.
	SupportsLookahead() bool

	// RegisterLookahead hands the transport the narrow look-ahead
	// capability it may poll concurrently with an in-flight GetFilePatch
	// call.
	RegisterLookahead(LookaheadProvider)
}

// LookaheadProvider is the narrow capability the engine exposes to the
// chunked transport — see internal/engine/lookahead.go. The interface
// exposes only the look-ahead operations, not the engine; the engine's
// implementation (lookaheadAdapter) does hold a pointer to the Engine,
// since look-ahead runs patch preparation, so a transport that keeps the
// provider and an engine that keeps the transport do reference each other.
type LookaheadProvider interface {
	NextFull() (remote string, ok bool)
	NextChunked() (remote, origPath, hashPath string, predictedSize int64, ok bool)
	UnqueueFull(remote string)
	UnqueueChunked(remote string)
	ResetQueueFull()
	ResetQueueChunked()
}

// ClientControl is the out-of-band RPC channel to the client, used for
// shadow-copy control and script-stderr retrieval.
type ClientControl interface {
	// SendAndWait issues command and blocks until expect is received or
	// timeout elapses.
	SendAndWait(ctx context.Context, command, expect string, timeout time.Duration) error

	// ScriptStderr requests the stderr/exit-code of a script item. Returns
	// the raw reply body: "err", "", or "<retcode> <lines>".
	ScriptStderr(ctx context.Context, remote string) (string, error)

	// InformMetadataStreamEnd notifies the client the metadata stream is
	// complete, only sent when the negotiated protocol supports metadata
	// streaming.
	InformMetadataStreamEnd(ctx context.Context, token string) error

	// SupportsMetadataStream reports whether InformMetadataStreamEnd
	// should be called at all.
	SupportsMetadataStream() bool
}

// PriorFileLocator finds a usable prior-backup copy of a file, searching
// the immediately-prior backup before the last-known-complete one.
type PriorFileLocator interface {
	// FindOrig returns the path to the prior-backup file, searching the
	// immediately-prior backup first and the last-complete one second;
	// ok is false if neither has it. Which of the two roots matched is
	// not reported.
	FindOrig(shortPath string) (path string, ok bool)

	// FindChunkHashes returns the path to the prior file's chunk-hash
	// sidecar, if one exists and is usable.
	FindChunkHashes(origPath string) (path string, ok bool)
}

// HashPipe is where the engine dispatches completion records.
// internal/hashpipe provides the wire codec; a real implementation
// writes to a pipe feeding a separate hashing worker.
type HashPipe interface {
	Dispatch(rec HashRecord) error
}

// HashRecord mirrors hashpipe.Record at the engine's level of
// abstraction — see hashdispatch.go for the translation.
type HashRecord struct {
	TempPath       string
	BackupID       int32
	IsIncremental  bool
	DestPath       string
	DestHashPath   string
	HashOutputPath string
	OldFilePath    string
	FileSize       int64
	Metadata       []byte
}
