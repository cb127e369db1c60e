// Package pow implements the proof-of-work engine: a serial
// supervisor that grinds each queued message's envelope until its
// content hash falls at or below the target, then hands it to the
// transmitter.
package pow

import (
	"context"
	"sync"
	"time"

	"github.com/cpacia/obmail/message"
	"github.com/cpacia/obmail/store"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("POW")

// DefaultTarget is the constant 160-bit proof-of-work target used until
// a future protocol version negotiates one per server. It is a fairly
// loose target, tuned for a client-side engine rather than a network
// that prices scarce block space.
var DefaultTarget = message.ID{
	0x00, 0x00, 0x0f, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// timeSlice bounds how long the grinding slave runs before yielding
// back to the supervisor to refresh the timestamp and check for
// cancellation.
const timeSlice = time.Second

// Transmitter is the downstream queue a finished job is handed to.
// pow depends only on this narrow interface so it never imports the
// transmit package.
type Transmitter interface {
	Enqueue(id message.ID)
}

// Engine is the single-consumer PoW job queue and its supervisor.
type Engine struct {
	st   store.Store
	next Transmitter

	mtx     sync.Mutex
	queue   []message.ID
	queued  map[message.ID]bool
	running bool
	wg      sync.WaitGroup

	cancelMtx sync.Mutex
	cancels   map[message.ID]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns an Engine that persists to st and forwards finished jobs
// to next.
func New(st store.Store, next Transmitter) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		st:      st,
		next:    next,
		queued:  make(map[message.ID]bool),
		cancels: make(map[message.ID]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// NegotiateTarget returns the target this engine should grind to for
// a given server set. It is currently a constant; the hook exists so a
// future protocol version can take the minimum of per-server
// difficulties without changing Engine's API.
func (e *Engine) NegotiateTarget(servers []message.MailServer) message.ID {
	return DefaultTarget
}

// Enqueue adds id to the job queue and (re)starts the supervisor if it
// is not already running.
func (e *Engine) Enqueue(id message.ID) {
	e.mtx.Lock()
	if e.queued[id] {
		e.mtx.Unlock()
		return
	}
	e.queued[id] = true
	e.queue = append(e.queue, id)
	alreadyRunning := e.running
	if !alreadyRunning {
		e.running = true
	}
	e.mtx.Unlock()

	if !alreadyRunning {
		e.wg.Add(1)
		go e.supervise(e.ctx)
	}
}

// Stop cancels the engine's root context, which also stops any live
// grinding slave since every job context derives from it, and blocks
// until the supervisor goroutine has exited. A job that was queued or
// mid-grind when Stop is called is left in its persisted status and
// picked back up by Controller.Recover on the next start.
func (e *Engine) Stop() {
	e.cancel()

	e.cancelMtx.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.cancelMtx.Unlock()

	e.wg.Wait()
}

// Cancel marks id's in-flight grinding slave for early exit, if one is
// currently running. It does not itself flip the record's status; the
// caller (pipeline.Controller.Cancel) is responsible for that and for
// rejecting cancellation once status has moved past proof_of_work.
func (e *Engine) Cancel(id message.ID) {
	e.cancelMtx.Lock()
	cancel, ok := e.cancels[id]
	e.cancelMtx.Unlock()
	if ok {
		cancel()
	}
}

func (e *Engine) dequeue() (message.ID, bool) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if len(e.queue) == 0 {
		e.running = false
		return message.ID{}, false
	}
	id := e.queue[0]
	e.queue = e.queue[1:]
	delete(e.queued, id)
	return id, true
}

func (e *Engine) supervise(ctx context.Context) {
	defer e.wg.Done()
	for {
		if ctx.Err() != nil {
			e.mtx.Lock()
			e.running = false
			e.mtx.Unlock()
			return
		}
		id, ok := e.dequeue()
		if !ok {
			return
		}
		e.runJob(ctx, id)
	}
}

func (e *Engine) runJob(ctx context.Context, id message.ID) {
	rec, err := e.st.GetProcessing(id)
	if err != nil {
		log.Warningf("Proof-of-work job %s: load failed: %s", id, err)
		return
	}

	if rec.Status == message.Canceled || !rec.HasPoWTarget {
		rec.Status = message.Failed
		if !rec.HasPoWTarget {
			rec.FailureReason = "no proof-of-work target"
		} else {
			rec.FailureReason = "Canceled by user"
		}
		if err := e.st.PutProcessing(rec); err != nil {
			log.Errorf("Proof-of-work job %s: persist failed: %s", id, err)
		}
		return
	}

	rec.Status = message.ProofOfWork
	if err := e.st.PutProcessing(rec); err != nil {
		log.Errorf("Proof-of-work job %s: persist failed: %s", id, err)
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	e.cancelMtx.Lock()
	e.cancels[id] = cancel
	e.cancelMtx.Unlock()
	defer func() {
		e.cancelMtx.Lock()
		delete(e.cancels, id)
		e.cancelMtx.Unlock()
		cancel()
	}()

	for rec.Content.ID().LessOrEqual(rec.PoWTarget) == false {
		rec.Content.Timestamp = time.Now().UTC()
		if err := e.st.PutProcessing(rec); err != nil {
			log.Errorf("Proof-of-work job %s: persist failed: %s", id, err)
			return
		}

		grind(jobCtx, &rec.Content, rec.PoWTarget, timeSlice)

		fresh, err := e.st.GetProcessing(id)
		if err != nil {
			log.Warningf("Proof-of-work job %s: reload failed: %s", id, err)
			return
		}
		if fresh.Status == message.Canceled {
			fresh.Status = message.Failed
			fresh.FailureReason = "Canceled by user"
			if err := e.st.PutProcessing(fresh); err != nil {
				log.Errorf("Proof-of-work job %s: persist failed: %s", id, err)
			}
			return
		}
		if ctx.Err() != nil {
			// Engine shutdown, not a user cancellation: leave the record
			// in proof_of_work so it resumes on the next Recover.
			return
		}
		fresh.Content = rec.Content
		rec = fresh
	}

	if err := e.st.PutProcessing(rec); err != nil {
		log.Errorf("Proof-of-work job %s: persist failed: %s", id, err)
		return
	}
	log.Infof("Proof-of-work satisfied for %s", id)
	e.next.Enqueue(id)
}

// grind runs on a dedicated worker goroutine: for up to d, it
// increments env.Nonce and recomputes env.ID(), stopping early if the
// target is met or ctx is canceled. It mutates env in place, matching
// the supervisor's single-writer access pattern (the supervisor only
// reads env again once grind returns).
func grind(ctx context.Context, env *message.Envelope, target message.ID, d time.Duration) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(d)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if env.ID().LessOrEqual(target) {
				return
			}
			if time.Now().After(deadline) {
				return
			}
			env.Nonce++
		}
	}()
	<-done
}
