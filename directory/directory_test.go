package directory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/cpacia/obmail/message"
)

type fakeDirectory struct {
	data map[string]json.RawMessage
	err  map[string]error
}

func (f *fakeDirectory) GetPublicData(ctx context.Context, accountName string) (json.RawMessage, error) {
	if err, ok := f.err[accountName]; ok {
		return nil, err
	}
	return f.data[accountName], nil
}

func marshal(t *testing.T, v interface{}) json.RawMessage {
	out, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestResolveKnownRecipient(t *testing.T) {
	dir := &fakeDirectory{
		data: map[string]json.RawMessage{
			"alice":  marshal(t, PublicData{MailServers: []string{"server-a", "server-b"}}),
			"server-a": marshal(t, PublicData{MailServerEndpoint: "1.2.3.4:1234"}),
			"server-b": marshal(t, PublicData{MailServerEndpoint: "5.6.7.8:5678"}),
		},
	}

	resolver := New(dir, []message.MailServer{{Name: "default", Endpoint: "9.9.9.9:9999"}})
	servers, err := resolver.Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
}

func TestResolveUnknownRecipientFallsBackToDefaults(t *testing.T) {
	dir := &fakeDirectory{err: map[string]error{"bob": errors.New("account not found")}}
	defaults := []message.MailServer{{Name: "default", Endpoint: "9.9.9.9:9999"}}

	resolver := New(dir, defaults)
	servers, err := resolver.Resolve(context.Background(), "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 1 || servers[0].Name != "default" {
		t.Fatalf("expected default servers, got %v", servers)
	}
}

func TestResolveMalformedPublicationFallsBackToDefaults(t *testing.T) {
	dir := &fakeDirectory{
		data: map[string]json.RawMessage{
			"carol": json.RawMessage(`{"mail_servers": "not-a-list"}`),
		},
	}
	defaults := []message.MailServer{{Name: "default", Endpoint: "9.9.9.9:9999"}}

	resolver := New(dir, defaults)
	servers, err := resolver.Resolve(context.Background(), "carol")
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 1 || servers[0].Name != "default" {
		t.Fatalf("expected default servers, got %v", servers)
	}
}

func TestResolveSkipsUnresolvableServers(t *testing.T) {
	dir := &fakeDirectory{
		data: map[string]json.RawMessage{
			"alice":    marshal(t, PublicData{MailServers: []string{"server-a", "server-missing"}}),
			"server-a": marshal(t, PublicData{MailServerEndpoint: "1.2.3.4:1234"}),
		},
	}

	resolver := New(dir, nil)
	servers, err := resolver.Resolve(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(servers) != 1 || servers[0].Name != "server-a" {
		t.Fatalf("expected only server-a to resolve, got %v", servers)
	}
}
