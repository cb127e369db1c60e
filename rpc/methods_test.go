package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/cpacia/obmail/message"
	"github.com/libp2p/go-libp2p-core/crypto"
)

// fakeServer accepts one connection, decodes one request line, and
// replies with whatever handler returns.
func fakeServer(t *testing.T, handler func(Request) Response) (endpoint string, stop func()) {
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
		if !scanner.Scan() {
			return
		}
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			return
		}
		resp := handler(req)
		line, _ := json.Marshal(resp)
		line = append(line, '\n')
		conn.Write(line)
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func newTestEnvelope(t *testing.T) *message.Envelope {
	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		t.Fatal(err)
	}
	pub := priv.GetPublic()
	return &message.Envelope{
		Type:      message.Email,
		Recipient: pub,
		Timestamp: time.Now().UTC(),
		Payload:   []byte("hello"),
	}
}

func TestStoreMessageSuccess(t *testing.T) {
	endpoint, stop := fakeServer(t, func(req Request) Response {
		if req.Method != "mail_store_message" {
			t.Fatalf("unexpected method %s", req.Method)
		}
		return Response{ID: req.ID, Result: json.RawMessage(`true`)}
	})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, endpoint)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	resp, err := c.StoreMessage(ctx, newTestEnvelope(t))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %v", resp.Error)
	}
}

func TestStoreMessageAlreadyStored(t *testing.T) {
	endpoint, stop := fakeServer(t, func(req Request) Response {
		return Response{ID: req.ID, Error: &PeerError{Message: ErrMessageAlreadyStored}}
	})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, endpoint)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	resp, err := c.StoreMessage(ctx, newTestEnvelope(t))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Message != ErrMessageAlreadyStored {
		t.Fatalf("expected already-stored error, got %v", resp.Error)
	}
}

func TestFetchInventoryDecodesEntries(t *testing.T) {
	id := message.ID{1, 2, 3}
	now := time.Now().UTC().Truncate(time.Second)

	endpoint, stop := fakeServer(t, func(req Request) Response {
		entries := []InventoryEntry{{Timestamp: now, MessageID: id}}
		raw, _ := json.Marshal(entries)
		return Response{ID: req.ID, Result: raw}
	})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, endpoint)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	entries, resp, err := c.FetchInventory(ctx, "bob", now.Add(-time.Hour), 100)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if len(entries) != 1 || entries[0].MessageID != id {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestFetchMessageReturnsEnvelope(t *testing.T) {
	env := newTestEnvelope(t)
	raw, err := env.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	endpoint, stop := fakeServer(t, func(req Request) Response {
		return Response{ID: req.ID, Result: json.RawMessage(raw)}
	})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, endpoint)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	got, resp, err := c.FetchMessage(ctx, env.ID())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if string(got.Payload) != "hello" {
		t.Fatalf("unexpected payload: %s", got.Payload)
	}
}
