// Package index implements the in-memory multi-key index over the
// archive. It is populated lazily by a cancellable background scan at
// open, and kept current afterwards by direct inserts from
// finalization and fetch.
package index

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/cpacia/obmail/events"
	"github.com/cpacia/obmail/message"
	"github.com/cpacia/obmail/store"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("IDX")

// ErrIndexing is returned by every prefix-range query while the initial
// background scan is still running, so callers get an explicit notice
// rather than a silently incomplete result set. Direct lookups by id
// bypass the index entirely and are unaffected.
var ErrIndexing = errors.New("archive index is still building, try again later")

// Index is an in-memory multi-key container of message.IndexRecord,
// supporting unique lookup by id and three ordered range scans. All
// mutation is serialized by a single mutex; readers search under a read
// lock and return a copy of the matching range.
type Index struct {
	st  store.Store
	bus events.Bus

	mtx        sync.RWMutex
	byID       map[message.ID]message.IndexRecord
	bySenderRT []message.IndexRecord // sorted by (sender, recipient, timestamp)
	byRT       []message.IndexRecord // sorted by (recipient, timestamp)
	byTS       []message.IndexRecord // sorted by timestamp

	scanMtx   sync.Mutex
	scanning  bool
	cancelFn  context.CancelFunc
	scanDone  chan struct{}
}

// New returns an empty Index. Call Start to begin the background scan.
func New(st store.Store, bus events.Bus) *Index {
	return &Index{
		st:   st,
		bus:  bus,
		byID: make(map[message.ID]message.IndexRecord),
	}
}

// Start launches the background scan of the archive store. It is safe
// to call Insert concurrently with a running scan; records are
// deduplicated by id.
func (idx *Index) Start(ctx context.Context) {
	idx.scanMtx.Lock()
	defer idx.scanMtx.Unlock()
	if idx.scanning {
		return
	}

	scanCtx, cancel := context.WithCancel(ctx)
	idx.cancelFn = cancel
	idx.scanning = true
	idx.scanDone = make(chan struct{})

	go idx.scan(scanCtx)
}

func (idx *Index) scan(ctx context.Context) {
	defer close(idx.scanDone)
	defer func() {
		idx.scanMtx.Lock()
		idx.scanning = false
		idx.scanMtx.Unlock()
	}()

	err := idx.st.IterateArchive(func(rec *message.ArchiveRecord) (bool, error) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
		idx.Insert(rec.ToIndexRecord())
		return true, nil
	})
	if err != nil && err != context.Canceled {
		log.Errorf("Error indexing archive: %s", err)
		return
	}
	if ctx.Err() != nil {
		log.Info("Archive indexing canceled")
		return
	}

	log.Info("Archive indexing finished")
	if idx.bus != nil {
		idx.bus.Emit(&events.IndexingFinished{})
	}
}

// Stop cancels any running scan and waits for it to exit.
func (idx *Index) Stop() {
	idx.scanMtx.Lock()
	cancel := idx.cancelFn
	done := idx.scanDone
	idx.scanMtx.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// IsIndexing reports whether the initial background scan is still
// running.
func (idx *Index) IsIndexing() bool {
	idx.scanMtx.Lock()
	defer idx.scanMtx.Unlock()
	return idx.scanning
}

// Insert adds rec to the index, or is a no-op if rec.ID is already
// present.
func (idx *Index) Insert(rec message.IndexRecord) {
	idx.mtx.Lock()
	defer idx.mtx.Unlock()

	if _, ok := idx.byID[rec.ID]; ok {
		return
	}
	idx.byID[rec.ID] = rec

	idx.bySenderRT = insertSorted(idx.bySenderRT, rec, lessSenderRT)
	idx.byRT = insertSorted(idx.byRT, rec, lessRT)
	idx.byTS = insertSorted(idx.byTS, rec, lessTS)
}

// Get looks up a single record by id in the in-memory index. Unlike the
// range queries it never returns ErrIndexing, but while the initial scan
// is running it only finds records indexed so far.
func (idx *Index) Get(id message.ID) (message.IndexRecord, bool) {
	idx.mtx.RLock()
	defer idx.mtx.RUnlock()
	rec, ok := idx.byID[id]
	return rec, ok
}

// BySender returns every record whose sender is s, ordered by
// recipient then timestamp.
func (idx *Index) BySender(s string) ([]message.IndexRecord, error) {
	if idx.IsIndexing() {
		return nil, ErrIndexing
	}
	idx.mtx.RLock()
	defer idx.mtx.RUnlock()

	lo := sort.Search(len(idx.bySenderRT), func(i int) bool { return idx.bySenderRT[i].Sender >= s })
	hi := sort.Search(len(idx.bySenderRT), func(i int) bool { return idx.bySenderRT[i].Sender > s })
	return cloneRange(idx.bySenderRT[lo:hi]), nil
}

// FromTo returns every record from sender to recipient, ordered by
// timestamp.
func (idx *Index) FromTo(sender, recipient string) ([]message.IndexRecord, error) {
	if idx.IsIndexing() {
		return nil, ErrIndexing
	}
	idx.mtx.RLock()
	defer idx.mtx.RUnlock()

	lo := sort.Search(len(idx.bySenderRT), func(i int) bool {
		return !lessPair(idx.bySenderRT[i].Sender, idx.bySenderRT[i].Recipient, sender, recipient)
	})
	hi := sort.Search(len(idx.bySenderRT), func(i int) bool {
		return lessPair(sender, recipient, idx.bySenderRT[i].Sender, idx.bySenderRT[i].Recipient)
	})
	return cloneRange(idx.bySenderRT[lo:hi]), nil
}

// ByRecipient returns every record addressed to recipient, ordered by
// timestamp.
func (idx *Index) ByRecipient(recipient string) ([]message.IndexRecord, error) {
	if idx.IsIndexing() {
		return nil, ErrIndexing
	}
	idx.mtx.RLock()
	defer idx.mtx.RUnlock()

	lo := sort.Search(len(idx.byRT), func(i int) bool { return idx.byRT[i].Recipient >= recipient })
	hi := sort.Search(len(idx.byRT), func(i int) bool { return idx.byRT[i].Recipient > recipient })
	return cloneRange(idx.byRT[lo:hi]), nil
}

// All returns every record ordered by timestamp ascending.
func (idx *Index) All() ([]message.IndexRecord, error) {
	if idx.IsIndexing() {
		return nil, ErrIndexing
	}
	idx.mtx.RLock()
	defer idx.mtx.RUnlock()
	return cloneRange(idx.byTS), nil
}

func cloneRange(in []message.IndexRecord) []message.IndexRecord {
	out := make([]message.IndexRecord, len(in))
	copy(out, in)
	return out
}

func lessPair(senderA, recipientA, senderB, recipientB string) bool {
	if senderA != senderB {
		return senderA < senderB
	}
	return recipientA < recipientB
}

func lessSenderRT(a, b message.IndexRecord) bool {
	if a.Sender != b.Sender {
		return a.Sender < b.Sender
	}
	if a.Recipient != b.Recipient {
		return a.Recipient < b.Recipient
	}
	return a.Timestamp.Before(b.Timestamp)
}

func lessRT(a, b message.IndexRecord) bool {
	if a.Recipient != b.Recipient {
		return a.Recipient < b.Recipient
	}
	return a.Timestamp.Before(b.Timestamp)
}

func lessTS(a, b message.IndexRecord) bool {
	return a.Timestamp.Before(b.Timestamp)
}

func insertSorted(s []message.IndexRecord, rec message.IndexRecord, less func(a, b message.IndexRecord) bool) []message.IndexRecord {
	i := sort.Search(len(s), func(i int) bool { return !less(s[i], rec) })
	s = append(s, message.IndexRecord{})
	copy(s[i+1:], s[i:])
	s[i] = rec
	return s
}
