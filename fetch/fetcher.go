// Package fetch implements the inbound pipeline: for each local wallet
// account, page new mail out of every server that account resolves to,
// decrypt it, and merge it into the archive and inbox.
package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/cpacia/obmail/events"
	"github.com/cpacia/obmail/index"
	"github.com/cpacia/obmail/message"
	"github.com/cpacia/obmail/rpc"
	"github.com/cpacia/obmail/store"
	"github.com/cpacia/obmail/walletiface"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("FTCH")

// pageSize is the inventory page size: continue paging while a page
// returns exactly this many entries.
const pageSize = 1000

// perAccountTimeout bounds how long one account's fan-out across all
// its servers may run before being canceled.
const perAccountTimeout = 60 * time.Second

// Resolver is the subset of directory.Resolver the fetcher needs.
type Resolver interface {
	Resolve(ctx context.Context, accountName string) ([]message.MailServer, error)
}

// Fetcher drives check_new_mail.
type Fetcher struct {
	st       store.Store
	idx      *index.Index
	wallet   walletiface.Wallet
	resolver Resolver
	bus      events.Bus

	// accountTimeout overrides perAccountTimeout. Tests shrink it so the
	// 60-second timeout path can be exercised without a real 60-second
	// wait.
	accountTimeout time.Duration
}

// New returns a Fetcher wired to its collaborators.
func New(st store.Store, idx *index.Index, wallet walletiface.Wallet, resolver Resolver, bus events.Bus) *Fetcher {
	return &Fetcher{st: st, idx: idx, wallet: wallet, resolver: resolver, bus: bus, accountTimeout: perAccountTimeout}
}

// CheckNewMail pages new mail for every local account and returns the
// aggregate count of newly arrived mail across all of them.
func (f *Fetcher) CheckNewMail(ctx context.Context, includeOld bool) (int, error) {
	accounts, err := f.wallet.ListAccounts()
	if err != nil {
		return 0, err
	}

	total := 0
	for _, acct := range accounts {
		n, err := f.checkAccount(ctx, acct, includeOld)
		if err != nil {
			log.Errorf("Error checking mail for account %s: %s", acct.Name, err)
			continue
		}
		total += n
	}

	if total > 0 && f.bus != nil {
		f.bus.Emit(&events.NewMail{Count: total})
	}
	return total, nil
}

func (f *Fetcher) watermark(acct walletiface.Account, includeOld bool) time.Time {
	if !includeOld {
		if raw, ok, err := f.st.GetProperty(store.LastFetchPropertyPrefix + acct.Name); err == nil && ok {
			if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				return t
			}
		}
	}
	return acct.RegistrationDate
}

// fetchedItem is what a per-server goroutine reports to the single
// merge loop, which is the only place archive/inbox/index state is
// mutated: per-server goroutines never touch that state directly.
type fetchedItem struct {
	id               message.ID
	ciphertext       *message.Envelope
	plaintext        *message.Envelope
	header           message.EmailHeader
	recipientAddress string
	server           message.MailServer
}

func (f *Fetcher) checkAccount(parent context.Context, acct walletiface.Account, includeOld bool) (int, error) {
	watermark := f.watermark(acct, includeOld)
	checkTime := time.Now().UTC()

	servers, err := f.resolver.Resolve(parent, acct.Name)
	if err != nil {
		return 0, err
	}
	if len(servers) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(parent, f.accountTimeout)
	defer cancel()

	items := make(chan fetchedItem)
	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv message.MailServer) {
			defer wg.Done()
			f.fetchFromServer(ctx, acct, srv, watermark, items)
		}(srv)
	}
	go func() {
		wg.Wait()
		close(items)
	}()

	newCount := 0
	for item := range items {
		if f.merge(item) {
			newCount++
		}
	}

	if ctx.Err() == context.DeadlineExceeded {
		log.Warningf("Fetch for account %s timed out before every server finished; last_fetch left unchanged", acct.Name)
		return newCount, nil
	}

	if err := f.st.PutProperty(store.LastFetchPropertyPrefix+acct.Name, checkTime.Format(time.RFC3339Nano)); err != nil {
		return newCount, err
	}
	return newCount, nil
}

// fetchFromServer pages inventory from one server and decrypts each new
// message, sending the results to items. It never mutates store state
// itself.
func (f *Fetcher) fetchFromServer(ctx context.Context, acct walletiface.Account, srv message.MailServer, watermark time.Time, items chan<- fetchedItem) {
	client, err := rpc.Dial(ctx, srv.Endpoint)
	if err != nil {
		log.Warningf("Error connecting to mail server %s: %s", srv.Name, err)
		return
	}
	defer client.Close()

	since := watermark
	for {
		entries, resp, err := client.FetchInventory(ctx, acct.Address, since, pageSize)
		if err != nil {
			log.Warningf("Error fetching inventory from %s: %s", srv.Name, err)
			return
		}
		if resp.Error != nil {
			log.Warningf("Mail server %s returned an error fetching inventory: %s", srv.Name, resp.Error)
			return
		}

		for _, entry := range entries {
			select {
			case <-ctx.Done():
				return
			default:
			}
			f.fetchOne(ctx, acct, srv, client, entry, items)
			if entry.Timestamp.After(since) {
				since = entry.Timestamp
			}
		}

		if len(entries) != pageSize {
			return
		}
	}
}

func (f *Fetcher) fetchOne(ctx context.Context, acct walletiface.Account, srv message.MailServer, client *rpc.Client, entry rpc.InventoryEntry, items chan<- fetchedItem) {
	ciphertext, resp, err := client.FetchMessage(ctx, entry.MessageID)
	if err != nil {
		log.Warningf("Error fetching message %s from %s: %s", entry.MessageID, srv.Name, err)
		return
	}
	if resp.Error != nil {
		log.Warningf("Mail server %s returned an error fetching message %s: %s", srv.Name, entry.MessageID, resp.Error)
		return
	}

	plaintext, err := f.wallet.Decrypt(acct.Address, ciphertext)
	if err != nil {
		log.Warningf("Error decrypting message %s: %s", entry.MessageID, err)
		return
	}

	header := message.EmailHeader{
		ID:        entry.MessageID,
		Recipient: acct.Name,
		Timestamp: ciphertext.Timestamp,
	}
	recipientAddress := acct.Address

	switch plaintext.Type {
	case message.TransactionNotice:
		notice, err := message.UnmarshalTransactionNoticePayload(plaintext.Payload)
		if err != nil {
			log.Warningf("Malformed transaction notice payload for %s: %s", entry.MessageID, err)
			return
		}
		header.Sender = f.senderLabel(notice.SignerKey)
		header.Subject = "Transaction Notification"

		if err := f.wallet.ScanTransaction(notice.TxID, false); err != nil {
			log.Warningf("Error scanning transaction %s: %s", notice.TxID, err)
		} else if f.bus != nil {
			f.bus.Emit(&events.TransactionNotice{
				Sender:    header.Sender,
				Recipient: acct.Name,
				TxID:      notice.TxID,
				Timestamp: header.Timestamp,
			})
		}
	default:
		payload, err := message.UnmarshalEmailPayload(plaintext.Payload)
		if err != nil {
			log.Warningf("Malformed email payload for %s: %s", entry.MessageID, err)
			return
		}
		header.Sender = f.senderLabel(payload.SignerKey)
		header.Subject = payload.Subject
	}

	items <- fetchedItem{
		id:               entry.MessageID,
		ciphertext:       ciphertext,
		plaintext:        plaintext,
		header:           header,
		recipientAddress: recipientAddress,
		server:           srv,
	}
}

// senderLabel resolves a raw signing key to a human-readable label,
// falling back to the literal sentinel the original client used for a
// signature that fails verification.
func (f *Fetcher) senderLabel(rawKey []byte) string {
	key, err := unmarshalPubKey(rawKey)
	if err != nil {
		return "INVALID SIGNATURE"
	}
	label, err := f.wallet.GetKeyLabel(key)
	if err != nil {
		return "INVALID SIGNATURE"
	}
	return label
}

// merge applies one fetched item to the archive, index and inbox. It
// returns true if the item counts as newly arrived mail.
func (f *Fetcher) merge(item fetchedItem) bool {
	existing, err := f.st.GetArchive(item.id)
	isNew := err != nil

	var rec *message.ArchiveRecord
	if !isNew {
		rec = existing
		if rec.Status == message.Accepted {
			rec.Status = message.Received
			isNew = true
		}
		rec.MailServers = addServer(rec.MailServers, item.server)
	} else {
		rec = &message.ArchiveRecord{
			ID:               item.id,
			Status:           message.Received,
			Sender:           item.header.Sender,
			Recipient:        item.header.Recipient,
			RecipientAddress: item.recipientAddress,
			Content:          *item.ciphertext,
			MailServers:      []message.MailServer{item.server},
		}
	}

	if err := f.st.PutArchive(rec); err != nil {
		log.Errorf("Error archiving message %s: %s", item.id, err)
		return false
	}
	f.idx.Insert(rec.ToIndexRecord())

	if !isNew {
		return false
	}

	if err := f.st.PutInbox(&item.header); err != nil {
		log.Errorf("Error storing inbox header for %s: %s", item.id, err)
	}
	return true
}

func unmarshalPubKey(raw []byte) (crypto.PubKey, error) {
	return crypto.UnmarshalPublicKey(raw)
}

func addServer(servers []message.MailServer, srv message.MailServer) []message.MailServer {
	for _, s := range servers {
		if s.Name == srv.Name {
			return servers
		}
	}
	return append(servers, srv)
}
