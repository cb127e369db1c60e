// Package directory resolves a recipient account name to the set of mail
// servers it should be reached through, by consulting the (out-of-scope)
// blockchain account directory for published metadata.
package directory

import (
	"context"
	"encoding/json"

	"github.com/cpacia/obmail/message"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("DIR")

// PublicData is the subset of an account's published metadata this
// package cares about. Recipients publish MailServers; mail server
// accounts publish MailServerEndpoint. Both are read from the same
// generic public-data blob other node metadata lives in, matching how
// the rest of the account directory's public_data field is organized.
type PublicData struct {
	MailServers        []string `json:"mail_servers,omitempty"`
	MailServerEndpoint string   `json:"mail_server_endpoint,omitempty"`
}

// AccountDirectory is the out-of-scope blockchain-registered account
// directory. GetPublicData returns (nil, nil) for an account that exists
// but has published nothing, and a non-nil error only when the lookup
// itself failed (account unknown, or a transport error talking to the
// chain).
type AccountDirectory interface {
	GetPublicData(ctx context.Context, accountName string) (json.RawMessage, error)
}

// Resolver resolves recipient account names to mail server endpoints.
// It is pure with respect to directory state: callers that need a
// stable view across the lifetime of a pipeline stage should call
// Resolve once and cache the result, since the directory can change out
// from under a long-running send.
type Resolver struct {
	dir      AccountDirectory
	defaults []message.MailServer
}

// New returns a Resolver backed by dir, falling back to defaultServers
// whenever a recipient hasn't published its own preferences.
func New(dir AccountDirectory, defaultServers []message.MailServer) *Resolver {
	return &Resolver{dir: dir, defaults: defaultServers}
}

// Resolve returns the mail servers to replicate a message to on behalf
// of recipientName. A failed or malformed lookup of the recipient itself
// degrades to the configured default set, which is logged but not
// returned as an error. A server account whose endpoint cannot be
// resolved is logged and skipped, so the result can be shorter than the
// published list (or empty). The only error returned is ctx's, when ctx
// is done while server endpoints are being resolved.
func (r *Resolver) Resolve(ctx context.Context, recipientName string) ([]message.MailServer, error) {
	names, ok := r.recipientServerNames(ctx, recipientName)
	if !ok {
		return r.defaults, nil
	}

	servers := make([]message.MailServer, 0, len(names))
	for _, name := range names {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		endpoint, ok := r.serverEndpoint(ctx, name)
		if !ok {
			continue
		}
		servers = append(servers, message.MailServer{Name: name, Endpoint: endpoint})
	}
	return servers, nil
}

// recipientServerNames looks up the recipient's published mail_servers
// field. The second return value is false whenever the caller should
// fall back to the default server set.
func (r *Resolver) recipientServerNames(ctx context.Context, recipientName string) ([]string, bool) {
	raw, err := r.dir.GetPublicData(ctx, recipientName)
	if err != nil {
		log.Warningf("Error looking up account %s, using default mail servers: %s", recipientName, err)
		return nil, false
	}
	if raw == nil {
		log.Infof("Account %s has not published mail servers, using defaults", recipientName)
		return nil, false
	}

	var pub PublicData
	if err := json.Unmarshal(raw, &pub); err != nil || len(pub.MailServers) == 0 {
		log.Infof("Account %s's mail_servers field is missing or malformed, using defaults", recipientName)
		return nil, false
	}
	return pub.MailServers, true
}

// serverEndpoint resolves a single mail server account name to its
// published endpoint. Resolution failures and malformed endpoints are
// logged and skipped rather than aborting the whole call.
func (r *Resolver) serverEndpoint(ctx context.Context, serverName string) (string, bool) {
	raw, err := r.dir.GetPublicData(ctx, serverName)
	if err != nil {
		log.Errorf("Error resolving mail server %s: %s", serverName, err)
		return "", false
	}
	if raw == nil {
		log.Errorf("Mail server %s has not published an endpoint", serverName)
		return "", false
	}

	var pub PublicData
	if err := json.Unmarshal(raw, &pub); err != nil || pub.MailServerEndpoint == "" {
		log.Errorf("Mail server %s published a malformed endpoint", serverName)
		return "", false
	}
	return pub.MailServerEndpoint, true
}
