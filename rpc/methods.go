package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cpacia/obmail/message"
)

// InventoryEntry is one entry in a mail_fetch_inventory response: a
// message available on the server, newer than the watermark the
// request was made with.
type InventoryEntry struct {
	Timestamp time.Time  `json:"timestamp"`
	MessageID message.ID `json:"message_id"`
}

// StoreMessage sends the mail_store_message call. The returned
// Response's Error, if non-nil, is one of ErrMessageAlreadyStored,
// ErrTimestampTooOld, or a terminal server-side failure.
func (c *Client) StoreMessage(ctx context.Context, env *message.Envelope) (*Response, error) {
	raw, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, "mail_store_message", []interface{}{json.RawMessage(raw)})
}

// FetchMessage sends the mail_fetch_message call, used both to confirm
// a store and to download inventory entries.
func (c *Client) FetchMessage(ctx context.Context, id message.ID) (*message.Envelope, *Response, error) {
	resp, err := c.Call(ctx, "mail_fetch_message", []interface{}{id})
	if err != nil {
		return nil, nil, err
	}
	if resp.Error != nil {
		return nil, resp, nil
	}
	var env message.Envelope
	if err := env.Unmarshal(resp.Result); err != nil {
		return nil, resp, err
	}
	return &env, resp, nil
}

// FetchInventory sends the mail_fetch_inventory call, paging by
// accountAddress and a since-timestamp watermark.
func (c *Client) FetchInventory(ctx context.Context, accountAddress string, since time.Time, max int) ([]InventoryEntry, *Response, error) {
	resp, err := c.Call(ctx, "mail_fetch_inventory", []interface{}{accountAddress, since, max})
	if err != nil {
		return nil, nil, err
	}
	if resp.Error != nil {
		return nil, resp, nil
	}
	var entries []InventoryEntry
	if err := json.Unmarshal(resp.Result, &entries); err != nil {
		return nil, resp, err
	}
	return entries, resp, nil
}
