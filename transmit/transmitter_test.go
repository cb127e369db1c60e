package transmit

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/cpacia/obmail/message"
	"github.com/cpacia/obmail/rpc"
	"github.com/cpacia/obmail/store"
)

// fakeMailServer speaks just enough of the line-delimited JSON-RPC wire
// protocol to drive the transmitter through one code path per test.
type fakeMailServer struct {
	storeErr string // "" means success
	hang     bool   // accept the connection but never respond
}

func startFakeMailServer(t *testing.T, cfg fakeMailServer) (endpoint string, stop func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)

		// mail_store_message
		if !scanner.Scan() {
			return
		}
		if cfg.hang {
			// Never respond; block on the socket until the client gives
			// up and closes its side.
			scanner.Scan()
			return
		}
		// Params are decoded as raw JSON rather than rpc.Request's
		// []interface{} so the envelope bytes echoed back below are
		// byte-for-byte identical to what was stored: decoding through
		// interface{} would turn the envelope's int64 timestamp/nonce
		// into a float64, losing precision and changing the content
		// hash on the round trip.
		var storeReq struct {
			ID     int               `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		json.Unmarshal(scanner.Bytes(), &storeReq)

		var storeResp rpc.Response
		storeResp.ID = storeReq.ID
		if cfg.storeErr != "" {
			storeResp.Error = &rpc.PeerError{Message: cfg.storeErr}
		} else {
			storeResp.Result = json.RawMessage(`true`)
		}
		line, _ := json.Marshal(storeResp)
		conn.Write(append(line, '\n'))
		if cfg.storeErr != "" {
			return
		}

		// mail_fetch_message — echo back the same envelope that was stored.
		if !scanner.Scan() {
			return
		}
		var fetchReq rpc.Request
		json.Unmarshal(scanner.Bytes(), &fetchReq)

		fetchResp := rpc.Response{ID: fetchReq.ID, Result: storeReq.Params[0]}
		line2, _ := json.Marshal(fetchResp)
		conn.Write(append(line2, '\n'))
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

type fakePoWRequeuer struct {
	enqueued chan message.ID
}

func (f *fakePoWRequeuer) Enqueue(id message.ID) { f.enqueued <- id }

type fakeFinalizer struct {
	finalized chan message.ID
}

func (f *fakeFinalizer) Finalize(id message.ID) error {
	f.finalized <- id
	return nil
}

func newTestRecord(endpoint string) *message.ProcessingRecord {
	var staticID message.ID
	staticID[9] = 42
	return &message.ProcessingRecord{
		StaticID:  staticID,
		Status:    message.ProofOfWork,
		Sender:    "alice",
		Recipient: "bob",
		Content: message.Envelope{
			Type:      message.Email,
			Timestamp: time.Now().UTC(),
			Payload:   []byte("hello"),
		},
		MailServers: []message.MailServer{{Name: "srv1", Endpoint: endpoint}},
	}
}

func TestTransmitSuccessFinalizes(t *testing.T) {
	endpoint, stop := startFakeMailServer(t, fakeMailServer{})
	defer stop()

	st, err := store.NewMockStore()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	rec := newTestRecord(endpoint)
	if err := st.PutProcessing(rec); err != nil {
		t.Fatal(err)
	}

	pow := &fakePoWRequeuer{enqueued: make(chan message.ID, 1)}
	fin := &fakeFinalizer{finalized: make(chan message.ID, 1)}
	xmit := New(st, pow, fin)
	xmit.Enqueue(rec.StaticID)

	select {
	case id := <-fin.finalized:
		if id != rec.StaticID {
			t.Fatalf("unexpected finalized id: %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for finalize")
	}

	got, err := st.GetProcessing(rec.StaticID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != message.Accepted {
		t.Fatalf("expected accepted, got %s", got.Status)
	}
	if len(got.MailServers) != 1 || got.MailServers[0].Name != "srv1" {
		t.Fatalf("unexpected mail servers: %+v", got.MailServers)
	}
}

func TestTransmitAlreadyStoredCountsAsSuccess(t *testing.T) {
	endpoint, stop := startFakeMailServer(t, fakeMailServer{storeErr: rpc.ErrMessageAlreadyStored})
	defer stop()

	st, err := store.NewMockStore()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	rec := newTestRecord(endpoint)
	if err := st.PutProcessing(rec); err != nil {
		t.Fatal(err)
	}

	pow := &fakePoWRequeuer{enqueued: make(chan message.ID, 1)}
	fin := &fakeFinalizer{finalized: make(chan message.ID, 1)}
	xmit := New(st, pow, fin)
	xmit.Enqueue(rec.StaticID)

	select {
	case <-fin.finalized:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for finalize")
	}

	got, err := st.GetProcessing(rec.StaticID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != message.Accepted {
		t.Fatalf("expected accepted, got %s", got.Status)
	}
}

func TestTransmitTimestampTooOldRequeues(t *testing.T) {
	endpoint, stop := startFakeMailServer(t, fakeMailServer{storeErr: rpc.ErrTimestampTooOld})
	defer stop()

	st, err := store.NewMockStore()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	rec := newTestRecord(endpoint)
	originalNonce := rec.Content.Nonce
	if err := st.PutProcessing(rec); err != nil {
		t.Fatal(err)
	}

	pow := &fakePoWRequeuer{enqueued: make(chan message.ID, 1)}
	fin := &fakeFinalizer{finalized: make(chan message.ID, 1)}
	xmit := New(st, pow, fin)
	xmit.Enqueue(rec.StaticID)

	select {
	case id := <-pow.enqueued:
		if id != rec.StaticID {
			t.Fatalf("unexpected requeued id: %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pow requeue")
	}

	got, err := st.GetProcessing(rec.StaticID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != message.ProofOfWork {
		t.Fatalf("expected proof_of_work, got %s", got.Status)
	}
	if got.Content.Nonce != originalNonce+1 {
		t.Fatalf("expected nonce bumped, got %d", got.Content.Nonce)
	}
}

func TestTransmitPartialSuccessFinalizes(t *testing.T) {
	goodEndpoint, stopGood := startFakeMailServer(t, fakeMailServer{})
	defer stopGood()
	badEndpoint, stopBad := startFakeMailServer(t, fakeMailServer{hang: true})
	defer stopBad()

	st, err := store.NewMockStore()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	rec := newTestRecord(goodEndpoint)
	rec.MailServers = []message.MailServer{
		{Name: "srv1", Endpoint: goodEndpoint},
		{Name: "srv2", Endpoint: badEndpoint},
	}
	if err := st.PutProcessing(rec); err != nil {
		t.Fatal(err)
	}

	pow := &fakePoWRequeuer{enqueued: make(chan message.ID, 1)}
	fin := &fakeFinalizer{finalized: make(chan message.ID, 1)}
	xmit := New(st, pow, fin)
	xmit.confirmTimeout = 200 * time.Millisecond
	xmit.Enqueue(rec.StaticID)

	select {
	case id := <-fin.finalized:
		if id != rec.StaticID {
			t.Fatalf("unexpected finalized id: %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for finalize")
	}

	got, err := st.GetProcessing(rec.StaticID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != message.Accepted {
		t.Fatalf("expected accepted, got %s", got.Status)
	}
	if len(got.MailServers) != 1 || got.MailServers[0].Name != "srv1" {
		t.Fatalf("expected only the succeeding server recorded, got %+v", got.MailServers)
	}
}

func TestTransmitNoServersFails(t *testing.T) {
	st, err := store.NewMockStore()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	rec := newTestRecord("")
	rec.MailServers = nil
	if err := st.PutProcessing(rec); err != nil {
		t.Fatal(err)
	}

	pow := &fakePoWRequeuer{enqueued: make(chan message.ID, 1)}
	fin := &fakeFinalizer{finalized: make(chan message.ID, 1)}
	xmit := New(st, pow, fin)
	xmit.Enqueue(rec.StaticID)

	deadline := time.After(5 * time.Second)
	for {
		got, err := st.GetProcessing(rec.StaticID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == message.Failed {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for failure")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
