// Package queue implements the bounded work queue the engine loop
// consumes: a single ordered list of tagged items, shared by an arbitrary
// number of producers and exactly one consumer, plus a look-ahead scan
// surface used by the chunked transport.
package queue

import (
	"container/list"
	"context"
	"os"
	"sync"
	"time"

	"github.com/bamsammich/ferry/internal/tempfile"
)

// Action identifies what kind of work an Item represents.
type Action int

const (
	Transfer Action = iota
	StartSnapshot
	StopSnapshot
	Skip
	Quit
)

// Mode distinguishes full from chunked transfer; only meaningful when
// Action == Transfer.
type Mode int

const (
	Full Mode = iota
	Chunked
)

// NoID is the sentinel id used by control items (snapshot, skip, quit).
const NoID int64 = -1

const (
	// DefaultMaxWeight is the backpressure ceiling on total queue weight.
	DefaultMaxWeight = 500

	weightFull    = 1
	weightChunked = 4
)

// PatchHandles bundles the temp-file handles patch preparation attaches
// to a chunked Item. The queue package only stores and scans these; it
// never opens or closes them — that's the engine's job.
type PatchHandles struct {
	Prepared     bool
	PrepareError bool // sticky: once true, preparation is never retried

	OrigFile    *os.File // prior-backup file; closed (not deleted) on exit
	PatchFile   *tempfile.File
	ChunkHashes *os.File // closed always; deleted too when DeleteChunkHashes
	HashOutput  *tempfile.File

	DeleteChunkHashes bool // ownership flag: ChunkHashes is a synthesized temp
	HashPath          string
	FilepathOld       string
	PredictedSize     int64
}

// Item is a single tagged work record.
type Item struct {
	ID             int64
	Action         Action
	Mode           Mode
	RemoteName     string
	ShortName      string
	CurrentPath    string
	OSPath         string
	PredictedSize  int64
	Metadata       []byte
	IsScript       bool
	IncrementalNum int
	MetadataOnly   bool
	SnapshotPath   string // for StartSnapshot/StopSnapshot

	mu     sync.Mutex
	queued bool
	patch  *PatchHandles
}

// SetQueued marks the item as claimed by a look-ahead consumer.
func (it *Item) SetQueued(v bool) {
	it.mu.Lock()
	it.queued = v
	it.mu.Unlock()
}

// Queued reports whether a look-ahead consumer currently holds this item.
func (it *Item) Queued() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.queued
}

// Patch returns the item's patch handles, allocating a zero-value record
// on first access so callers can mutate it in place.
func (it *Item) Patch() *PatchHandles {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.patch == nil {
		it.patch = &PatchHandles{}
	}
	return it.patch
}

// RemotePath derives the base remote request path: CurrentPath + "/" +
// RemoteName, leading separator stripped.
func (it *Item) RemotePath() string {
	return stripLeadingSlash(it.CurrentPath + "/" + it.RemoteName)
}

// ShortPath derives the short local path the same way.
func (it *Item) ShortPath() string {
	return stripLeadingSlash(it.OSPath + "/" + it.ShortName)
}

func stripLeadingSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}

// Queue is the bounded FIFO the engine loop consumes: one mutex, one
// condition variable, head insertion for Skip/Quit/front recycling, and
// a weight ceiling producers block against.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  *list.List // of *Item
	weight int

	maxWeight int

	offline  bool
	skipping bool
	allOK    bool

	maxOKID int64
}

// New returns an empty Queue with the given weight ceiling (0 uses
// DefaultMaxWeight).
func New(maxWeight int) *Queue {
	if maxWeight <= 0 {
		maxWeight = DefaultMaxWeight
	}
	q := &Queue{
		items:     list.New(),
		maxWeight: maxWeight,
		allOK:     true,
		maxOKID:   NoID,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// EnqueueFull pushes a Full-mode Transfer item. atFront bypasses
// backpressure entirely (used only by the engine itself when it recycles
// a chunked item with no usable prior as a full download); otherwise it
// blocks the caller under polled sleeps until the total weight is back
// under the ceiling.
func (q *Queue) EnqueueFull(ctx context.Context, it *Item, atFront bool) error {
	it.Action = Transfer
	it.Mode = Full
	if atFront {
		q.mu.Lock()
		q.items.PushFront(it)
		q.weight += weightFull
		q.cond.Signal()
		q.mu.Unlock()
		return nil
	}
	if err := q.sleepUntilUnderWeight(ctx); err != nil {
		return err
	}
	q.mu.Lock()
	q.items.PushBack(it)
	q.weight += weightFull
	q.cond.Signal()
	q.mu.Unlock()
	return nil
}

// EnqueueChunked pushes a Chunked-mode Transfer item, tail, with
// backpressure.
func (q *Queue) EnqueueChunked(ctx context.Context, it *Item) error {
	it.Action = Transfer
	it.Mode = Chunked
	if err := q.sleepUntilUnderWeight(ctx); err != nil {
		return err
	}
	q.mu.Lock()
	q.items.PushBack(it)
	q.weight += weightChunked
	q.cond.Signal()
	q.mu.Unlock()
	return nil
}

// EnqueueStartSnapshot pushes a StartSnapshot control item, tail, with
// backpressure (prevents unbounded buildup of snapshot control ahead of
// transfers).
func (q *Queue) EnqueueStartSnapshot(ctx context.Context, path string) error {
	return q.enqueueSnapshot(ctx, StartSnapshot, path)
}

// EnqueueStopSnapshot pushes a StopSnapshot control item, tail, with
// backpressure.
func (q *Queue) EnqueueStopSnapshot(ctx context.Context, path string) error {
	return q.enqueueSnapshot(ctx, StopSnapshot, path)
}

func (q *Queue) enqueueSnapshot(ctx context.Context, action Action, path string) error {
	if err := q.sleepUntilUnderWeight(ctx); err != nil {
		return err
	}
	q.mu.Lock()
	q.items.PushBack(&Item{ID: NoID, Action: action, SnapshotPath: path})
	q.cond.Signal()
	q.mu.Unlock()
	return nil
}

// EnqueueSkip pushes a Skip control item to the head, no weight, no
// backpressure.
func (q *Queue) EnqueueSkip() {
	q.mu.Lock()
	q.items.PushFront(&Item{ID: NoID, Action: Skip})
	q.cond.Signal()
	q.mu.Unlock()
}

// EnqueueQuit pushes a Quit control item. immediate pushes to the head
// (terminates before any remaining tail items); otherwise it goes to the
// tail, draining normally.
func (q *Queue) EnqueueQuit(immediate bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := &Item{ID: NoID, Action: Quit}
	if immediate {
		q.items.PushFront(it)
	} else {
		q.items.PushBack(it)
	}
	q.cond.Signal()
}

// sleepUntilUnderWeight blocks the caller while the total weight exceeds
// the ceiling, rechecking once a second and dropping the lock each round
// so the consumer can drain in the meantime.
func (q *Queue) sleepUntilUnderWeight(ctx context.Context) error {
	q.mu.Lock()
	for q.weight > q.maxWeight {
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
		q.mu.Lock()
	}
	q.mu.Unlock()
	return nil
}

// Dequeue blocks until an item is available (or ctx is cancelled), pops
// the head, and under the same lock decrements the total weight by the
// item's weight if it was a Transfer. Control items carry no weight.
func (q *Queue) Dequeue(ctx context.Context) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				q.cond.Broadcast()
			case <-done:
			}
		}()
		q.cond.Wait()
		close(done)
		if ctx.Err() != nil && q.items.Len() == 0 {
			return nil, ctx.Err()
		}
	}

	front := q.items.Front()
	q.items.Remove(front)
	it := front.Value.(*Item)

	if it.Action == Transfer {
		switch it.Mode {
		case Full:
			q.weight -= weightFull
		case Chunked:
			q.weight -= weightChunked
		}
	}
	return it, nil
}

// AdjustWeight applies a delta to the total weight directly. The
// look-ahead flip of a Chunked item to Full does not use it; FlipToFull
// applies its own delta.
func (q *Queue) AdjustWeight(delta int) {
	q.mu.Lock()
	q.weight += delta
	q.mu.Unlock()
}

// SetOffline latches the offline flag. Idempotent.
func (q *Queue) SetOffline() {
	q.mu.Lock()
	q.offline = true
	q.mu.Unlock()
}

// IsOffline reports the latched offline flag.
func (q *Queue) IsOffline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.offline
}

// SetSkipping latches the skipping flag.
func (q *Queue) SetSkipping() {
	q.mu.Lock()
	q.skipping = true
	q.mu.Unlock()
}

// IsSkippingOrOffline reports whether either terminal drain mode is
// active — the engine loop treats them identically.
func (q *Queue) IsSkippingOrOffline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.offline || q.skipping
}

// MarkNotOK latches all_ok to false. Never reset.
func (q *Queue) MarkNotOK() {
	q.mu.Lock()
	q.allOK = false
	q.mu.Unlock()
}

// AllOK reports the latched all_ok flag.
func (q *Queue) AllOK() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.allOK
}

// AdvanceMaxOKID raises the max-ok ceiling to id if id is higher; the
// ceiling is monotonic. Safe to call without synchronization elsewhere —
// callers may read MaxOKID without the mutex per the concurrency model's
// "approximate reads are acceptable" note, but writes are serialized here.
func (q *Queue) AdvanceMaxOKID(id int64) {
	q.mu.Lock()
	if id > q.maxOKID {
		q.maxOKID = id
	}
	q.mu.Unlock()
}

// MaxOKID returns the current ceiling.
func (q *Queue) MaxOKID() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxOKID
}

// Weight returns the current queue_weight, mostly for tests and metrics.
func (q *Queue) Weight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.weight
}

// Len returns the number of items currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// ScanUnqueued walks the queue head-to-tail under the lock, calling match
// for each live Transfer item of the given mode that is not yet queued
// and has predicted_size > 0. The first call to match returning true
// stops the scan and marks that item Queued. This backs the look-ahead
// provider's NextFull and NextChunked.
func (q *Queue) ScanUnqueued(mode Mode, match func(*Item) bool) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	for e := q.items.Front(); e != nil; e = e.Next() {
		it := e.Value.(*Item)
		if it.Action != Transfer || it.Mode != mode {
			continue
		}
		if it.Queued() || it.PredictedSize <= 0 {
			continue
		}
		if match(it) {
			it.SetQueued(true)
			return it
		}
	}
	return nil
}

// FlipToFull changes a queued item's mode from Chunked to Full in place
// (no prior-backup copy turned up during look-ahead) and adjusts the
// total weight by the mode gap, without removing the item from its
// position in the list — look-ahead must never reorder consumption.
func (q *Queue) FlipToFull(it *Item) {
	q.mu.Lock()
	it.Mode = Full
	q.weight += weightFull - weightChunked
	q.mu.Unlock()
}

// UnqueueByRemotePath clears the Queued flag on the first Transfer item
// of the given mode whose derived remote path equals name.
func (q *Queue) UnqueueByRemotePath(mode Mode, name string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.items.Front(); e != nil; e = e.Next() {
		it := e.Value.(*Item)
		if it.Action == Transfer && it.Mode == mode && it.RemotePath() == name {
			it.SetQueued(false)
			return
		}
	}
}

// ResetQueued clears the Queued flag on every Transfer item of the given
// mode — used when the transport reconnects and its look-ahead state is
// no longer valid.
func (q *Queue) ResetQueued(mode Mode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.items.Front(); e != nil; e = e.Next() {
		it := e.Value.(*Item)
		if it.Action == Transfer && it.Mode == mode {
			it.SetQueued(false)
		}
	}
}
