package walletiface

import (
	"errors"

	"github.com/cpacia/obmail/message"
	"github.com/libp2p/go-libp2p-core/crypto"
)

// ErrWalletNotConfigured is returned by every Wallet method on NopWallet
// except ListAccounts.
var ErrWalletNotConfigured = errors.New("no wallet has been configured")

// NopWallet is a placeholder Wallet that exposes whatever accounts it was
// constructed with but cannot actually encrypt, decrypt, label keys or
// scan transactions. It lets the rest of the pipeline start up and serve
// read-only queries (inbox, archive lookups by id) against a data
// directory before a real wallet implementation is wired in.
type NopWallet struct {
	Accounts []Account
}

// NewNop returns a NopWallet exposing accounts.
func NewNop(accounts []Account) *NopWallet {
	return &NopWallet{Accounts: accounts}
}

func (w *NopWallet) ListAccounts() ([]Account, error) { return w.Accounts, nil }

func (w *NopWallet) Encrypt(recipientKey crypto.PubKey, plaintext *message.Envelope) (*message.Envelope, error) {
	return nil, ErrWalletNotConfigured
}

func (w *NopWallet) Decrypt(accountAddress string, ciphertext *message.Envelope) (*message.Envelope, error) {
	return nil, ErrWalletNotConfigured
}

func (w *NopWallet) GetKeyLabel(signerKey crypto.PubKey) (string, error) {
	return "", ErrWalletNotConfigured
}

func (w *NopWallet) ScanTransaction(txID string, forceRescan bool) error {
	return ErrWalletNotConfigured
}
