package events

import "time"

// NewMail is emitted whenever Fetcher.CheckNewMail archives at least one
// newly arrived message: one not already in the archive, or one this
// client sent (status accepted) that a fetch now finds on a server.
// Count is the aggregate across every local account and server checked
// during that call.
type NewMail struct {
	Count int `json:"count"`
}

// TransactionNotice is emitted when a fetched message turns out to be a
// transaction notification rather than an email. The wallet has already
// been asked to scan the referenced transaction by the time this fires.
type TransactionNotice struct {
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	TxID      string    `json:"txID"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageStatusChanged is emitted every time the pipeline controller
// persists a new status for a processing record. It lets a public-facing
// façade push status updates without the controller holding a reference
// back to that façade.
type MessageStatusChanged struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// MessageFinalized is emitted once a message has been moved from
// processing into the archive under its final content-addressed id.
type MessageFinalized struct {
	StaticID string `json:"staticID"`
	FinalID  string `json:"finalID"`
}

// IndexingFinished is emitted once the archive index's background scan
// completes, so callers blocked on ErrIndexing know it's safe to retry.
type IndexingFinished struct{}
