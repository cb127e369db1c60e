package fetch

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/cpacia/obmail/index"
	"github.com/cpacia/obmail/message"
	"github.com/cpacia/obmail/rpc"
	"github.com/cpacia/obmail/store"
	"github.com/cpacia/obmail/walletiface"
	"github.com/libp2p/go-libp2p-core/crypto"
)

type fakeResolver struct {
	servers []message.MailServer
}

func (r *fakeResolver) Resolve(ctx context.Context, name string) ([]message.MailServer, error) {
	return r.servers, nil
}

type fakeWallet struct {
	accounts  []walletiface.Account
	decrypted *message.Envelope
}

func (w *fakeWallet) ListAccounts() ([]walletiface.Account, error) { return w.accounts, nil }
func (w *fakeWallet) Encrypt(recipientKey crypto.PubKey, plaintext *message.Envelope) (*message.Envelope, error) {
	return plaintext, nil
}
func (w *fakeWallet) Decrypt(accountAddress string, ciphertext *message.Envelope) (*message.Envelope, error) {
	return w.decrypted, nil
}
func (w *fakeWallet) GetKeyLabel(signerKey crypto.PubKey) (string, error) {
	return "alice", nil
}
func (w *fakeWallet) ScanTransaction(txID string, forceRescan bool) error { return nil }

// startFakeInventoryServer serves one page of inventory (size < pageSize
// so the fetcher pages exactly once) followed by one fetch_message call.
func startFakeInventoryServer(t *testing.T, entries []rpc.InventoryEntry, envelope *message.Envelope) (endpoint string, stop func()) {
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

		for scanner.Scan() {
			var req rpc.Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				return
			}
			var resp rpc.Response
			resp.ID = req.ID
			switch req.Method {
			case "mail_fetch_inventory":
				raw, _ := json.Marshal(entries)
				resp.Result = raw
				entries = nil // second page is empty, ending the loop
			case "mail_fetch_message":
				raw, _ := envelope.Marshal()
				resp.Result = json.RawMessage(raw)
			}
			line, _ := json.Marshal(resp)
			conn.Write(append(line, '\n'))
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func TestCheckNewMailArchivesAndInboxesNewMessage(t *testing.T) {
	payload := message.EmailPayload{Subject: "hi", Body: []byte("body")}
	payloadBytes, err := payload.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	ciphertext := &message.Envelope{Type: message.Encrypted, Timestamp: time.Now().UTC(), Payload: []byte("ciphertext")}
	plaintext := &message.Envelope{Type: message.Email, Timestamp: ciphertext.Timestamp, Payload: payloadBytes}

	msgID := message.ID{1, 2, 3}
	endpoint, stop := startFakeInventoryServer(t, []rpc.InventoryEntry{{Timestamp: ciphertext.Timestamp, MessageID: msgID}}, ciphertext)
	defer stop()

	st, err := store.NewMockStore()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	idx := index.New(st, nil)

	wallet := &fakeWallet{
		accounts:  []walletiface.Account{{Name: "alice", Address: "alice-addr", RegistrationDate: time.Now().Add(-time.Hour)}},
		decrypted: plaintext,
	}
	resolver := &fakeResolver{servers: []message.MailServer{{Name: "srv1", Endpoint: endpoint}}}

	f := New(st, idx, wallet, resolver, nil)
	n, err := f.CheckNewMail(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 new message, got %d", n)
	}

	archived, err := st.GetArchive(msgID)
	if err != nil {
		t.Fatal(err)
	}
	if archived.Status != message.Received {
		t.Fatalf("expected received status, got %s", archived.Status)
	}

	inbox, err := st.AllInbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(inbox) != 1 || inbox[0].Subject != "hi" {
		t.Fatalf("unexpected inbox contents: %+v", inbox)
	}
}

func TestCheckNewMailFlipsAcceptedToReceived(t *testing.T) {
	payload := message.EmailPayload{Subject: "hi", Body: []byte("body")}
	payloadBytes, _ := payload.Marshal()

	msgID := message.ID{9, 9, 9}
	ciphertext := &message.Envelope{Type: message.Encrypted, Timestamp: time.Now().UTC(), Payload: []byte("ciphertext")}
	plaintext := &message.Envelope{Type: message.Email, Timestamp: ciphertext.Timestamp, Payload: payloadBytes}

	st, err := store.NewMockStore()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	idx := index.New(st, nil)

	existing := &message.ArchiveRecord{
		ID:        msgID,
		Status:    message.Accepted,
		Sender:    "alice",
		Recipient: "bob",
		Content:   *ciphertext,
	}
	if err := st.PutArchive(existing); err != nil {
		t.Fatal(err)
	}

	endpoint, stop := startFakeInventoryServer(t, []rpc.InventoryEntry{{Timestamp: ciphertext.Timestamp, MessageID: msgID}}, ciphertext)
	defer stop()

	wallet := &fakeWallet{
		accounts:  []walletiface.Account{{Name: "bob", Address: "bob-addr", RegistrationDate: time.Now().Add(-time.Hour)}},
		decrypted: plaintext,
	}
	resolver := &fakeResolver{servers: []message.MailServer{{Name: "srv1", Endpoint: endpoint}}}

	f := New(st, idx, wallet, resolver, nil)
	n, err := f.CheckNewMail(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected flip to count as new, got %d", n)
	}

	got, err := st.GetArchive(msgID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != message.Received {
		t.Fatalf("expected received, got %s", got.Status)
	}
}

// startSlowFakeServer accepts a connection, reads and discards one
// request line, then never responds, so any call against it blocks
// until the caller's own context deadline fires.
func startSlowFakeServer(t *testing.T) (endpoint string, stop func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		scanner.Scan()
		<-done
	}()
	return ln.Addr().String(), func() {
		close(done)
		ln.Close()
	}
}

func TestCheckNewMailTimesOutWithoutPersistingWatermark(t *testing.T) {
	endpoint, stop := startSlowFakeServer(t)
	defer stop()

	st, err := store.NewMockStore()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	idx := index.New(st, nil)

	wallet := &fakeWallet{
		accounts: []walletiface.Account{{Name: "alice", Address: "alice-addr", RegistrationDate: time.Now().Add(-time.Hour)}},
	}
	resolver := &fakeResolver{servers: []message.MailServer{{Name: "srv1", Endpoint: endpoint}}}

	f := New(st, idx, wallet, resolver, nil)
	f.accountTimeout = 50 * time.Millisecond

	n, err := f.CheckNewMail(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected no messages fetched from a hung server, got %d", n)
	}

	if _, ok, err := st.GetProperty(store.LastFetchPropertyPrefix + "alice"); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("expected no watermark to be persisted when the per-account fetch times out")
	}
}

func TestCheckNewMailWithNoServersLeavesWatermarkUnset(t *testing.T) {
	st, err := store.NewMockStore()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	idx := index.New(st, nil)

	wallet := &fakeWallet{
		accounts: []walletiface.Account{{Name: "alice", Address: "alice-addr", RegistrationDate: time.Now().Add(-time.Hour)}},
	}
	resolver := &fakeResolver{servers: nil}

	f := New(st, idx, wallet, resolver, nil)
	if _, err := f.CheckNewMail(context.Background(), true); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := st.GetProperty(store.LastFetchPropertyPrefix + "alice"); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("expected no watermark to be persisted when no servers resolve")
	}
}
