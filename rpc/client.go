// Package rpc implements the line-delimited JSON-RPC wire protocol
// spoken to mail servers: one JSON object per line, a per-exchange
// sequence id starting at 0, and an error field distinguishing
// peer-signalled failures from a plain result.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("RPC")

// Known peer-signalled errors returned in a Response's Error field.
const (
	ErrMessageAlreadyStored = "message_already_stored"
	ErrTimestampTooOld      = "timestamp_too_old"
)

// Request is one line written to a mail server.
type Request struct {
	ID     int           `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// Response is one line read back from a mail server.
type Response struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *PeerError      `json:"error,omitempty"`
}

// PeerError is the "error" field of a Response. Only Message is
// strictly required by this client; servers may include their own
// detail on top of it, which is tolerated but ignored.
type PeerError struct {
	Message string `json:"message"`
}

// Error satisfies the error interface so a *PeerError can be returned
// or compared directly.
func (e *PeerError) Error() string {
	return e.Message
}

// Client speaks one exchange sequence over a single TCP connection. It
// is not safe for concurrent use — the transmitter and fetcher each open
// their own Client per server per message/account, and each is closed
// by the same goroutine that opened it.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
	nextID  int
}

// Dial opens a TCP connection to endpoint.
func Dial(ctx context.Context, endpoint string) (*Client, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn:    conn,
		scanner: bufio.NewScanner(conn),
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call writes a single-line JSON-RPC request with the next sequential
// id and reads back a single-line response. ctx's deadline, if it has
// one, is applied to both the write and the read.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (*Response, error) {
	id := c.nextID
	c.nextID++

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}

	req := Request{ID: id, Method: method, Params: params}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	line = append(line, '\n')
	if _, err := c.conn.Write(line); err != nil {
		return nil, err
	}

	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("connection closed before a response was received")
	}

	var resp Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return nil, err
	}
	if resp.ID != id {
		log.Warningf("Server response has wrong id: expected %d, got %d", id, resp.ID)
	}
	return &resp, nil
}
