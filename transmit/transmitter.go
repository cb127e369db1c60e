// Package transmit implements the replication fan-out that sends a
// ground proof-of-work envelope to every server a message is addressed
// to.
package transmit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cpacia/obmail/message"
	"github.com/cpacia/obmail/rpc"
	"github.com/cpacia/obmail/store"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("XMIT")

// confirmTimeout bounds how long the whole per-server fan-out for one
// message is allowed to run before the message is failed as timed out.
const confirmTimeout = 10 * time.Second

// PoWRequeuer is the queue a message is sent back to when a server
// rejects it for a stale timestamp. transmit depends only on this
// narrow interface so it never imports the pow package.
type PoWRequeuer interface {
	Enqueue(id message.ID)
}

// Finalizer re-keys an accepted message into the archive. transmit
// depends only on this narrow interface so it never imports the
// pipeline package.
type Finalizer interface {
	Finalize(id message.ID) error
}

// Transmitter drains static message ids and replicates each one to
// every server on the record's MailServers.
type Transmitter struct {
	st       store.Store
	pow      PoWRequeuer
	finalize Finalizer

	mtx     sync.Mutex
	queue   []message.ID
	queued  map[message.ID]bool
	running bool

	// confirmTimeout overrides the package confirmTimeout. Tests shrink
	// it so the per-message timeout path can be exercised without a
	// real 10-second wait.
	confirmTimeout time.Duration
}

// New returns a Transmitter that persists to st, requeues stale
// timestamps onto pow, and hands finished sends to finalize.
func New(st store.Store, pow PoWRequeuer, finalize Finalizer) *Transmitter {
	return &Transmitter{
		st:             st,
		pow:            pow,
		finalize:       finalize,
		queued:         make(map[message.ID]bool),
		confirmTimeout: confirmTimeout,
	}
}

// Enqueue adds id to the job queue and (re)starts the supervisor if it
// is not already running.
func (t *Transmitter) Enqueue(id message.ID) {
	t.mtx.Lock()
	if t.queued[id] {
		t.mtx.Unlock()
		return
	}
	t.queued[id] = true
	t.queue = append(t.queue, id)
	alreadyRunning := t.running
	if !alreadyRunning {
		t.running = true
	}
	t.mtx.Unlock()

	if !alreadyRunning {
		go t.supervise(context.Background())
	}
}

func (t *Transmitter) dequeue() (message.ID, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if len(t.queue) == 0 {
		t.running = false
		return message.ID{}, false
	}
	id := t.queue[0]
	t.queue = t.queue[1:]
	delete(t.queued, id)
	return id, true
}

func (t *Transmitter) supervise(ctx context.Context) {
	for {
		id, ok := t.dequeue()
		if !ok {
			return
		}
		if err := t.send(ctx, id); err != nil {
			log.Warningf("Transmit job %s: %s", id, err)
		}
	}
}

// outcome is reported by a per-server goroutine to the single merge
// loop, which is the only place the record is mutated: per-server
// goroutines never touch the shared record directly.
type outcome struct {
	server       message.MailServer
	succeeded    bool
	timestampOld bool
	failErr      error
}

// send stores the ground envelope on every server the record is
// addressed to, confirms each store with a fetch-back, and finalizes
// the message once at least one server has accepted it.
func (t *Transmitter) send(parent context.Context, id message.ID) error {
	rec, err := t.st.GetProcessing(id)
	if err != nil {
		return err
	}
	if len(rec.MailServers) == 0 {
		rec.Status = message.Failed
		rec.FailureReason = "no servers resolved for recipient"
		return t.st.PutProcessing(rec)
	}

	rec.Status = message.Transmitting
	if err := t.st.PutProcessing(rec); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(parent, t.confirmTimeout)
	defer cancel()

	results := make(chan outcome, len(rec.MailServers))
	var wg sync.WaitGroup
	for _, srv := range rec.MailServers {
		wg.Add(1)
		go func(srv message.MailServer) {
			defer wg.Done()
			results <- t.sendToServer(ctx, srv, &rec.Content)
		}(srv)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var successful []message.MailServer
	failed := false

	for res := range results {
		if failed {
			continue
		}
		// Reload the record so we observe any status change another
		// goroutine (cancel, e.g.) may have made and to merge serially.
		current, err := t.st.GetProcessing(id)
		if err != nil {
			return err
		}
		if current.Status == message.Failed || current.Status == message.ProofOfWork {
			// Already routed elsewhere (timestamp_too_old requeue or a
			// terminal failure recorded by this same loop below).
			failed = true
			continue
		}

		switch {
		case res.timestampOld:
			if len(successful) > 0 {
				// Another server already accepted the message, so it is
				// delivered; a late stale-timestamp rejection is ignored.
				log.Infof("Ignoring timestamp_too_old for %s from %s: already accepted elsewhere", id, res.server.Name)
				break
			}
			current.Status = message.ProofOfWork
			current.Content.Nonce++
			if err := t.st.PutProcessing(current); err != nil {
				return err
			}
			t.pow.Enqueue(id)
			failed = true
		case res.failErr != nil:
			// A connect/protocol failure only dooms the message if no
			// server has yet succeeded. A context deadline means the
			// confirm timeout already fired; leave the final "Timed
			// out" failure to the post-loop check below rather than
			// surfacing whatever transient error the in-flight call
			// happened to return.
			if len(successful) == 0 && ctx.Err() == nil {
				current.Status = message.Failed
				current.FailureReason = res.failErr.Error()
				if err := t.st.PutProcessing(current); err != nil {
					return err
				}
				failed = true
			}
		case res.succeeded:
			successful = append(successful, res.server)
		}
	}

	if failed {
		return nil
	}

	final, err := t.st.GetProcessing(id)
	if err != nil {
		return err
	}
	if final.Status == message.Failed || final.Status == message.ProofOfWork {
		return nil
	}

	if len(successful) == 0 {
		final.Status = message.Failed
		final.FailureReason = "Timed out"
		return t.st.PutProcessing(final)
	}

	final.Status = message.Accepted
	final.MailServers = successful
	if err := t.st.PutProcessing(final); err != nil {
		return err
	}
	return t.finalize.Finalize(id)
}

// sendToServer runs the connect/store/confirm protocol against one
// server and reports its outcome without mutating the shared record.
func (t *Transmitter) sendToServer(ctx context.Context, srv message.MailServer, content *message.Envelope) outcome {
	client, err := rpc.Dial(ctx, srv.Endpoint)
	if err != nil {
		return outcome{server: srv, failErr: err}
	}
	defer client.Close()

	storeResp, err := client.StoreMessage(ctx, content)
	if err != nil {
		return outcome{server: srv, failErr: err}
	}
	if storeResp.Error != nil {
		switch storeResp.Error.Message {
		case rpc.ErrMessageAlreadyStored:
			return outcome{server: srv, succeeded: true}
		case rpc.ErrTimestampTooOld:
			return outcome{server: srv, timestampOld: true}
		default:
			return outcome{server: srv, failErr: storeResp.Error}
		}
	}

	wantID := content.ID()
	fetched, fetchResp, err := client.FetchMessage(ctx, wantID)
	if err != nil {
		return outcome{server: srv, failErr: err}
	}
	if fetchResp.Error != nil {
		return outcome{server: srv, failErr: fetchResp.Error}
	}
	if fetched.ID() != wantID {
		return outcome{server: srv, failErr: errMismatch}
	}

	return outcome{server: srv, succeeded: true}
}

var errMismatch = errors.New("server returned a different message than the one stored")
