// Package walletiface declares the minimal surface this client needs from
// the wallet: encryption/decryption, account enumeration, key labelling
// and transaction scanning. The wallet itself — its key management,
// blockchain scanning and account bookkeeping — lives elsewhere; this
// interface is the seam the pipeline, fetcher and transmitter are
// written against so a real wallet can be injected.
package walletiface

import (
	"time"

	"github.com/cpacia/obmail/message"
	"github.com/libp2p/go-libp2p-core/crypto"
)

// Account is one of the wallet's local accounts: the unit mail is sent
// from and fetched into.
type Account struct {
	Name             string
	Address          string
	OwnerKey         crypto.PubKey
	ActiveKey        crypto.PubKey
	RegistrationDate time.Time
}

// Wallet is the out-of-scope collaborator. Implementations own key
// material and are expected to be safe for concurrent use.
type Wallet interface {
	// ListAccounts returns every local account the node controls.
	ListAccounts() ([]Account, error)

	// Encrypt seals plaintext for delivery to recipientKey, returning an
	// encrypted envelope payload.
	Encrypt(recipientKey crypto.PubKey, plaintext *message.Envelope) (*message.Envelope, error)

	// Decrypt opens a ciphertext envelope addressed to the local account
	// identified by accountAddress.
	Decrypt(accountAddress string, ciphertext *message.Envelope) (*message.Envelope, error)

	// GetKeyLabel resolves a signing key to a human-readable sender
	// name. It returns an error if the signature embedded in the
	// message does not verify, which callers treat as a non-fatal
	// "INVALID SIGNATURE" sender.
	GetKeyLabel(signerKey crypto.PubKey) (string, error)

	// ScanTransaction asks the wallet to add the referenced transaction
	// to its scan set, optionally forcing an immediate rescan.
	ScanTransaction(txID string, forceRescan bool) error
}
