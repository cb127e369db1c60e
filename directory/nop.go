package directory

import (
	"context"
	"encoding/json"
)

// NopDirectory is a placeholder AccountDirectory that has nothing
// published for any account, so Resolver always falls back to its
// configured default mail servers. It lets the client run against a
// fixed server list before a real blockchain-backed directory lookup is
// wired in.
type NopDirectory struct{}

func (NopDirectory) GetPublicData(ctx context.Context, accountName string) (json.RawMessage, error) {
	return nil, nil
}
