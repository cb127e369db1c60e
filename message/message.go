// Package message defines the on-the-wire mail envelope and the records
// derived from it as it moves through the send and fetch pipelines.
package message

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/btcsuite/btcutil"
	"github.com/libp2p/go-libp2p-core/crypto"
)

// IDLength is the width, in bytes, of a content-addressed message id and
// of a static processing id. 160 bits, matching the original proof-of-work
// target width.
const IDLength = 20

// ID is a 160-bit identifier: either a message's content hash (the
// proof-of-work value) or the static id assigned to a processing record
// at creation time.
type ID [IDLength]byte

// ZeroID is the id with all bytes zero, used as a sentinel for "no reply".
var ZeroID ID

// String returns the hex encoding of the id.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the id's raw bytes.
func (id ID) Bytes() []byte {
	return id[:]
}

// IDFromBytes builds an ID from a byte slice of length IDLength.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDLength {
		return id, errors.New("invalid id length")
	}
	copy(id[:], b)
	return id, nil
}

// MarshalJSON encodes the id as a hex string.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON decodes a hex string into the id.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := IDFromHex(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// IDFromHex parses a hex-encoded id.
func IDFromHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		var zero ID
		return zero, err
	}
	return IDFromBytes(b)
}

// LessOrEqual reports whether id is numerically <= target, treating both
// as big-endian unsigned integers. This is the proof-of-work comparison
// used throughout the pipeline.
func (id ID) LessOrEqual(target ID) bool {
	for i := 0; i < IDLength; i++ {
		if id[i] != target[i] {
			return id[i] < target[i]
		}
	}
	return true
}

// Type identifies the kind of payload carried by an envelope.
type Type uint8

const (
	// Email is a plaintext (to the protocol; encrypted on the wire)
	// subject/body/reply-to message between two accounts.
	Email Type = iota
	// TransactionNotice announces a blockchain transaction to the
	// recipient and carries a reference the wallet can scan.
	TransactionNotice
	// Encrypted wraps opaque ciphertext; the wallet decrypts it into
	// one of the above types before the client can inspect it.
	Encrypted
)

func (t Type) String() string {
	switch t {
	case Email:
		return "email"
	case TransactionNotice:
		return "transaction_notice"
	case Encrypted:
		return "encrypted"
	default:
		return "unknown"
	}
}

// Envelope is the wire object exchanged with mail servers. Its ID is a
// content hash over the serialized form; changing Timestamp or Nonce
// changes the ID, which is how proof-of-work grinding works.
type Envelope struct {
	Type      Type
	Recipient crypto.PubKey
	Timestamp time.Time
	Nonce     uint64
	Payload   []byte

	// ReplyTo references the static id of the message this one replies
	// to, if any. It has no effect on ID() or proof-of-work; it is
	// carried for the benefit of whatever composes the plaintext body.
	ReplyTo ID
}

// ID computes the 160-bit proof-of-work hash of the envelope in its
// current state. It must be recomputed after any mutation to Timestamp
// or Nonce.
func (e *Envelope) ID() ID {
	ser := e.serialize()
	sum := btcutil.Hash160(ser)
	var id ID
	copy(id[:], sum)
	return id
}

// serialize produces a deterministic byte representation of the envelope
// suitable for content-addressing. It is not meant to be a wire format;
// Marshal produces the form that is stored and transmitted.
func (e *Envelope) serialize() []byte {
	var recipientBytes []byte
	if e.Recipient != nil {
		recipientBytes, _ = crypto.MarshalPublicKey(e.Recipient)
	}

	buf := make([]byte, 0, 1+8+8+len(recipientBytes)+len(e.Payload))
	buf = append(buf, byte(e.Type))

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.Timestamp.UnixNano()))
	buf = append(buf, ts[:]...)

	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], e.Nonce)
	buf = append(buf, nonce[:]...)

	buf = append(buf, recipientBytes...)
	buf = append(buf, e.Payload...)
	return buf
}

// Clone returns a deep-enough copy of the envelope for safe mutation by
// the proof-of-work slave without racing the supervisor's own copy.
func (e *Envelope) Clone() *Envelope {
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	return &cp
}

// envelopeDTO is the durable and wire representation of an Envelope.
// crypto.PubKey has no encoding/json support of its own, so the
// recipient key is marshaled through libp2p's key codec.
type envelopeDTO struct {
	Type      Type
	Recipient []byte
	Timestamp int64
	Nonce     uint64
	Payload   []byte
	ReplyTo   []byte
}

// Marshal serializes the envelope for storage or transmission.
func (e *Envelope) Marshal() ([]byte, error) {
	dto := envelopeDTO{
		Type:      e.Type,
		Timestamp: e.Timestamp.UnixNano(),
		Nonce:     e.Nonce,
		Payload:   e.Payload,
		ReplyTo:   e.ReplyTo[:],
	}
	if e.Recipient != nil {
		raw, err := crypto.MarshalPublicKey(e.Recipient)
		if err != nil {
			return nil, err
		}
		dto.Recipient = raw
	}
	return json.Marshal(dto)
}

// Unmarshal decodes an envelope previously produced by Marshal.
func (e *Envelope) Unmarshal(data []byte) error {
	var dto envelopeDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return err
	}
	e.Type = dto.Type
	e.Timestamp = time.Unix(0, dto.Timestamp).UTC()
	e.Nonce = dto.Nonce
	e.Payload = dto.Payload
	if len(dto.ReplyTo) == IDLength {
		copy(e.ReplyTo[:], dto.ReplyTo)
	}
	if len(dto.Recipient) > 0 {
		pub, err := crypto.UnmarshalPublicKey(dto.Recipient)
		if err != nil {
			return err
		}
		e.Recipient = pub
	}
	return nil
}

// AddressFromKey derives the hash-address representation of a public
// key: the same 160-bit digest used for message ids, applied to the
// key's serialized bytes instead of an envelope. Archive records store
// this instead of the full key so a query can request decryption
// without retaining it.
func AddressFromKey(key crypto.PubKey) (string, error) {
	raw, err := crypto.MarshalPublicKey(key)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(btcutil.Hash160(raw)), nil
}

// EmailPayload is the plaintext carried inside an Email envelope once
// the wallet has decrypted it: the sender's signing key (resolved to a
// label via walletiface.Wallet.GetKeyLabel), a subject line, and the
// body bytes.
type EmailPayload struct {
	SignerKey []byte `json:"signer_key"`
	Subject   string `json:"subject"`
	Body      []byte `json:"body"`
}

// Marshal encodes the payload for placement in Envelope.Payload prior
// to encryption.
func (p *EmailPayload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalEmailPayload decodes a decrypted Email envelope's payload.
func UnmarshalEmailPayload(data []byte) (*EmailPayload, error) {
	var p EmailPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// TransactionNoticePayload is the plaintext carried inside a
// TransactionNotice envelope: the sender's signing key and the id of
// the blockchain transaction being announced.
type TransactionNoticePayload struct {
	SignerKey []byte `json:"signer_key"`
	TxID      string `json:"tx_id"`
}

// Marshal encodes the payload for placement in Envelope.Payload prior
// to encryption.
func (p *TransactionNoticePayload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalTransactionNoticePayload decodes a decrypted
// TransactionNotice envelope's payload.
func UnmarshalTransactionNoticePayload(data []byte) (*TransactionNoticePayload, error) {
	var p TransactionNoticePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// EmailHeader is the summary of a message shown in listings: inbox,
// sender/recipient queries. It intentionally omits the ciphertext.
type EmailHeader struct {
	ID        ID
	Sender    string
	Recipient string
	Subject   string
	Timestamp time.Time
}

// EmailRecord is a fully decrypted message returned by GetMessage: the
// header plus the plaintext payload and the set of servers known to hold
// a copy.
type EmailRecord struct {
	Header        EmailHeader
	Type          Type
	Body          []byte
	MailServers   []string
	FailureReason string
}

// MailServer is a server account resolved to a network endpoint, the
// unit the directory resolver hands to the transmitter and fetcher.
type MailServer struct {
	Name     string
	Endpoint string
}

// ProcessingRecord is an outbound message in flight through
// proof-of-work, transmit, and finalization, keyed by its static id.
// StaticID never changes; the envelope's own ID() — the proof-of-work
// hash — changes as PoW grinds the nonce and is the key the message is
// finally archived under.
type ProcessingRecord struct {
	StaticID      ID
	Status        Status
	Sender        string
	Recipient     string
	RecipientKey  crypto.PubKey
	Content       Envelope
	MailServers   []MailServer
	PoWTarget     ID
	HasPoWTarget  bool
	FailureReason string
}

// ArchiveRecord is a message that has completed the pipeline, either
// because this client sent it (Status starts Accepted) or because it
// was fetched from a server (Status starts Received). It is keyed by
// Content.ID() at the time it was archived.
type ArchiveRecord struct {
	ID                ID
	Status            Status
	Sender            string
	Recipient         string
	RecipientAddress  string
	Content           Envelope
	MailServers       []MailServer
}

// InboxHeader is a header stored in the inbox. Removing it from the
// inbox (ArchiveMessage) does not remove the underlying ArchiveRecord.
type InboxHeader = EmailHeader

// IndexRecord is the in-memory index projection of an ArchiveRecord,
// carrying just the fields the multi-key index sorts and scans on.
type IndexRecord struct {
	ID        ID
	Sender    string
	Recipient string
	Timestamp time.Time
}

// ToIndexRecord projects an ArchiveRecord into its index entry.
func (a *ArchiveRecord) ToIndexRecord() IndexRecord {
	return IndexRecord{
		ID:        a.ID,
		Sender:    a.Sender,
		Recipient: a.Recipient,
		Timestamp: a.Content.Timestamp,
	}
}

// Header projects an ArchiveRecord into the header shown in listings.
func (a *ArchiveRecord) Header() EmailHeader {
	return EmailHeader{
		ID:        a.ID,
		Sender:    a.Sender,
		Recipient: a.Recipient,
		Timestamp: a.Content.Timestamp,
	}
}

// Header projects a ProcessingRecord into the header shown in listings.
func (p *ProcessingRecord) Header() EmailHeader {
	return EmailHeader{
		ID:        p.StaticID,
		Sender:    p.Sender,
		Recipient: p.Recipient,
		Timestamp: p.Content.Timestamp,
	}
}

// Status is a processing record's position in the pipeline state
// machine. Ordinal ordering matters: cancellation is only permitted
// while Status <= ProofOfWork.
type Status int

const (
	Submitted Status = iota
	ProofOfWork
	Transmitting
	Accepted
	Failed
	Canceled
	// Received marks an archive record that arrived via fetch rather
	// than being sent by this client, or one we sent that a later
	// fetch also observed on a server. It never appears in processing.
	Received
)

func (s Status) String() string {
	switch s {
	case Submitted:
		return "submitted"
	case ProofOfWork:
		return "proof_of_work"
	case Transmitting:
		return "transmitting"
	case Accepted:
		return "accepted"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	case Received:
		return "received"
	default:
		return "unknown"
	}
}
