// Package pipeline wires the durable store, directory resolver, index,
// PoW engine and transmitter into a processing-record state machine:
// it is the only component callers submit, cancel, retry, and query
// messages through.
package pipeline

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"

	"github.com/cpacia/obmail/events"
	"github.com/cpacia/obmail/index"
	"github.com/cpacia/obmail/message"
	"github.com/cpacia/obmail/store"
	"github.com/cpacia/obmail/walletiface"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("PIPE")

// PreconditionError reports a request that is well-formed but not
// currently legal given the target record's state: not open, not
// found, or an illegal state transition. Callers can type-assert it
// to distinguish these from transient I/O errors.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// Resolver is the subset of directory.Resolver the controller needs.
type Resolver interface {
	Resolve(ctx context.Context, recipientName string) ([]message.MailServer, error)
}

// PoWEngine is the subset of pow.Engine the controller drives.
type PoWEngine interface {
	Enqueue(id message.ID)
	Cancel(id message.ID)
	NegotiateTarget(servers []message.MailServer) message.ID
}

// TransmitEngine is the subset of transmit.Transmitter the controller
// drives.
type TransmitEngine interface {
	Enqueue(id message.ID)
}

// Controller implements the processing-record state machine: submit,
// proof-of-work, transmit, accepted, finalized (or failed/canceled
// along the way).
type Controller struct {
	st       store.Store
	idx      *index.Index
	resolver Resolver
	wallet   walletiface.Wallet
	pow      PoWEngine
	xmit     TransmitEngine
	bus      events.Bus
}

// New returns a Controller wired to its collaborators. Call Recover
// once the store, index, pow engine and transmitter are all ready to
// accept work, typically right after opening the store.
func New(st store.Store, idx *index.Index, resolver Resolver, wallet walletiface.Wallet, pow PoWEngine, xmit TransmitEngine, bus events.Bus) *Controller {
	return &Controller{st: st, idx: idx, resolver: resolver, wallet: wallet, pow: pow, xmit: xmit, bus: bus}
}

// Recover dispatches every persisted processing record by status on
// startup: submitted and proof_of_work records are handed back to the
// PoW engine, transmitting records back to the transmitter, and
// accepted records are finalized directly. It is idempotent — safe to
// call after a crash between finalize's store and remove.
func (c *Controller) Recover(ctx context.Context) error {
	recs, err := c.st.AllProcessing()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		switch rec.Status {
		case message.Submitted, message.ProofOfWork:
			c.pow.Enqueue(rec.StaticID)
		case message.Transmitting:
			c.xmit.Enqueue(rec.StaticID)
		case message.Accepted:
			if err := c.Finalize(rec.StaticID); err != nil {
				log.Errorf("Error re-finalizing %s on recovery: %s", rec.StaticID, err)
			}
		}
	}
	return nil
}

// randomID generates a new static processing id. Unlike a message's
// content-addressed id, the static id has no meaning beyond uniqueness
// as a processing-store primary key.
func randomID() (message.ID, error) {
	var id message.ID
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// Submit persists content — already encrypted for recipientKey by the
// caller — as a new submitted processing record and hands it to the
// PoW engine. It resolves the recipient's mail servers via the
// directory up front and caches the result on the processing record, so
// proof-of-work and transmit both see a stable server set even if the
// directory changes mid-flight.
func (c *Controller) Submit(ctx context.Context, senderName, recipientName string, recipientKey crypto.PubKey, content message.Envelope) (message.ID, error) {
	if !c.st.IsOpen() {
		return message.ID{}, &PreconditionError{Op: "submit", Reason: "store is not open"}
	}

	servers, err := c.resolver.Resolve(ctx, recipientName)
	if err != nil {
		return message.ID{}, err
	}
	target := c.pow.NegotiateTarget(servers)

	id, err := randomID()
	if err != nil {
		return message.ID{}, err
	}

	content.Recipient = recipientKey
	rec := &message.ProcessingRecord{
		StaticID:     id,
		Status:       message.Submitted,
		Sender:       senderName,
		Recipient:    recipientName,
		RecipientKey: recipientKey,
		Content:      content,
		MailServers:  servers,
		PoWTarget:    target,
		HasPoWTarget: true,
	}
	if err := c.st.PutProcessing(rec); err != nil {
		return message.ID{}, err
	}
	c.emitStatusChanged(id, rec.Status)

	c.pow.Enqueue(id)
	return id, nil
}

// emitStatusChanged notifies subscribers of a new processing status. It
// is a no-op if the controller was constructed without a bus.
func (c *Controller) emitStatusChanged(id message.ID, status message.Status) {
	if c.bus == nil {
		return
	}
	c.bus.Emit(&events.MessageStatusChanged{ID: id.String(), Status: status.String()})
}

// Retry resubmits a failed message, moving it back to submitted and
// re-enqueuing it for proof-of-work.
func (c *Controller) Retry(id message.ID) error {
	rec, err := c.st.GetProcessing(id)
	if err != nil {
		return &PreconditionError{Op: "retry", Reason: "message not found in processing"}
	}
	if rec.Status != message.Failed {
		return &PreconditionError{Op: "retry", Reason: "message is not in the failed state"}
	}
	rec.Status = message.Submitted
	rec.FailureReason = ""
	if err := c.st.PutProcessing(rec); err != nil {
		return err
	}
	c.emitStatusChanged(id, rec.Status)
	c.pow.Enqueue(id)
	return nil
}

// Cancel marks a processing record canceled. It is only legal while
// the record has not yet left proof-of-work: status is an ordinal, and
// once a message starts transmitting it's too late to pull back.
func (c *Controller) Cancel(id message.ID) error {
	rec, err := c.st.GetProcessing(id)
	if err != nil {
		return &PreconditionError{Op: "cancel", Reason: "message not found in processing"}
	}
	if rec.Status > message.ProofOfWork {
		return &PreconditionError{Op: "cancel", Reason: "message has already left proof-of-work"}
	}
	rec.Status = message.Canceled
	if err := c.st.PutProcessing(rec); err != nil {
		return err
	}
	c.emitStatusChanged(id, rec.Status)
	c.pow.Cancel(id)
	return nil
}

// Remove deletes a failed processing record or an archived record; it
// is a no-op if id names neither.
func (c *Controller) Remove(id message.ID) error {
	if rec, err := c.st.GetProcessing(id); err == nil {
		if rec.Status != message.Failed {
			return &PreconditionError{Op: "remove", Reason: "processing message is not failed"}
		}
		return c.st.DeleteProcessing(id)
	}
	if _, err := c.st.GetArchive(id); err == nil {
		return c.st.DeleteArchive(id)
	}
	return nil
}

// Archive removes id from the inbox without touching the archive
// record itself — the archived message is still retrievable, it just
// no longer shows up in the unread inbox listing.
func (c *Controller) Archive(id message.ID) error {
	return c.st.DeleteInbox(id)
}

// Finalize re-keys an accepted processing record into the archive
// under its final content id, indexes it, and removes the processing
// record. It is idempotent: if the archive already has the final id
// (a crash recovered mid-finalize), it just clears the leftover
// processing record.
func (c *Controller) Finalize(staticID message.ID) error {
	rec, err := c.st.GetProcessing(staticID)
	if err != nil {
		// Already finalized by a previous crashed attempt.
		return nil
	}

	finalID := rec.Content.ID()
	if _, err := c.st.GetArchive(finalID); err != nil {
		address := ""
		if rec.RecipientKey != nil {
			address, err = message.AddressFromKey(rec.RecipientKey)
			if err != nil {
				return err
			}
		}
		archived := &message.ArchiveRecord{
			ID:               finalID,
			Status:           message.Accepted,
			Sender:           rec.Sender,
			Recipient:        rec.Recipient,
			RecipientAddress: address,
			Content:          rec.Content,
			MailServers:      rec.MailServers,
		}
		if err := c.st.PutArchive(archived); err != nil {
			return err
		}
		c.idx.Insert(archived.ToIndexRecord())
	}

	if err := c.st.DeleteProcessing(staticID); err != nil {
		return err
	}
	if c.bus != nil {
		c.bus.Emit(&events.MessageFinalized{StaticID: staticID.String(), FinalID: finalID.String()})
	}
	return nil
}

// localAddress resolves name to the address of a local wallet account,
// used to decrypt a message this node authored (the shared-secret
// scheme is symmetric: the sender's own account plus the recipient's
// embedded public key derive the same secret the recipient uses).
func (c *Controller) localAddress(name string) (string, error) {
	accounts, err := c.wallet.ListAccounts()
	if err != nil {
		return "", err
	}
	for _, a := range accounts {
		if a.Name == name {
			return a.Address, nil
		}
	}
	return "", &PreconditionError{Op: "decrypt", Reason: "no local account named " + name}
}

// decryptedBody extracts the subject and body from a decrypted
// envelope's payload.
func decryptedBody(plaintext *message.Envelope) (subject string, body []byte, err error) {
	switch plaintext.Type {
	case message.TransactionNotice:
		notice, err := message.UnmarshalTransactionNoticePayload(plaintext.Payload)
		if err != nil {
			return "", nil, err
		}
		return "Transaction Notification", []byte(notice.TxID), nil
	default:
		payload, err := message.UnmarshalEmailPayload(plaintext.Payload)
		if err != nil {
			return "", nil, err
		}
		return payload.Subject, payload.Body, nil
	}
}

// GetMessage looks the id up in processing then archive, decrypts it
// on the fly, and returns the plaintext record.
func (c *Controller) GetMessage(id message.ID) (*message.EmailRecord, error) {
	if rec, err := c.st.GetProcessing(id); err == nil {
		address, err := c.localAddress(rec.Sender)
		if err != nil {
			return nil, err
		}
		return c.decryptRecord(rec.Sender, rec.Recipient, rec.FailureReason, address, rec.MailServers, &rec.Content, id)
	}

	rec, err := c.st.GetArchive(id)
	if err != nil {
		return nil, store.ErrNotFound
	}

	address := rec.RecipientAddress
	if rec.Status != message.Received {
		address, err = c.localAddress(rec.Sender)
		if err != nil {
			return nil, err
		}
	}
	return c.decryptRecord(rec.Sender, rec.Recipient, "", address, rec.MailServers, &rec.Content, id)
}

func (c *Controller) decryptRecord(sender, recipient, failureReason, address string, servers []message.MailServer, ciphertext *message.Envelope, id message.ID) (*message.EmailRecord, error) {
	plaintext, err := c.wallet.Decrypt(address, ciphertext)
	if err != nil {
		return nil, err
	}
	subject, body, err := decryptedBody(plaintext)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(servers))
	for i, s := range servers {
		names[i] = s.Name
	}

	return &message.EmailRecord{
		Header: message.EmailHeader{
			ID:        id,
			Sender:    sender,
			Recipient: recipient,
			Subject:   subject,
			Timestamp: ciphertext.Timestamp,
		},
		Type:          plaintext.Type,
		Body:          body,
		MailServers:   names,
		FailureReason: failureReason,
	}, nil
}

func headerFromIndex(r message.IndexRecord) message.EmailHeader {
	return message.EmailHeader{ID: r.ID, Sender: r.Sender, Recipient: r.Recipient, Timestamp: r.Timestamp}
}

// GetMessagesBySender returns headers for every archived message from
// sender, ordered by recipient then timestamp.
func (c *Controller) GetMessagesBySender(sender string) ([]message.EmailHeader, error) {
	recs, err := c.idx.BySender(sender)
	if err != nil {
		return nil, err
	}
	out := make([]message.EmailHeader, len(recs))
	for i, r := range recs {
		out[i] = headerFromIndex(r)
	}
	return out, nil
}

// GetMessagesByRecipient returns headers for every archived message to
// recipient, ordered by timestamp.
func (c *Controller) GetMessagesByRecipient(recipient string) ([]message.EmailHeader, error) {
	recs, err := c.idx.ByRecipient(recipient)
	if err != nil {
		return nil, err
	}
	out := make([]message.EmailHeader, len(recs))
	for i, r := range recs {
		out[i] = headerFromIndex(r)
	}
	return out, nil
}

// FromTo returns headers for every archived message from sender to
// recipient, ordered by timestamp.
func (c *Controller) FromTo(sender, recipient string) ([]message.EmailHeader, error) {
	recs, err := c.idx.FromTo(sender, recipient)
	if err != nil {
		return nil, err
	}
	out := make([]message.EmailHeader, len(recs))
	for i, r := range recs {
		out[i] = headerFromIndex(r)
	}
	return out, nil
}

// GetInbox returns every inbox header, ordered ascending by timestamp.
func (c *Controller) GetInbox() ([]message.InboxHeader, error) {
	headers, err := c.st.AllInbox()
	if err != nil {
		return nil, err
	}
	out := make([]message.InboxHeader, len(headers))
	for i, h := range headers {
		out[i] = *h
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
