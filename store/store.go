// Package store implements the durable key-value maps the mail client
// keeps on disk: processing, archive, inbox and properties.
package store

import (
	"errors"

	"github.com/cpacia/obmail/message"
)

// SchemaVersion is the database schema version this package
// understands. Open fails with ErrSchemaMismatch if the on-disk
// properties map disagrees.
const SchemaVersion = 1

// VersionPropertyKey is the properties key holding the schema version.
const VersionPropertyKey = "version"

// LastFetchPropertyPrefix prefixes the per-account fetch watermark keys:
// "last_fetch/<account_name>".
const LastFetchPropertyPrefix = "last_fetch/"

var (
	// ErrSchemaMismatch is returned by Open when the on-disk schema
	// version does not match SchemaVersion.
	ErrSchemaMismatch = errors.New("mail database is an unsupported schema version")

	// ErrNotOpen is returned by any store method called before Open
	// or after Close.
	ErrNotOpen = errors.New("mail database is not open")

	// ErrNotFound is returned when a point lookup misses.
	ErrNotFound = errors.New("message not found")
)

// Store is the durable persistence contract used by every pipeline
// component. Implementations must support concurrent use.
type Store interface {
	// IsOpen reports whether the store is ready to serve requests.
	IsOpen() bool

	// Close flushes any cached writes and releases on-disk resources.
	Close() error

	// PutProcessing inserts or overwrites a processing record keyed by
	// its static id.
	PutProcessing(rec *message.ProcessingRecord) error

	// GetProcessing fetches a processing record by static id. It
	// returns ErrNotFound if absent.
	GetProcessing(id message.ID) (*message.ProcessingRecord, error)

	// DeleteProcessing removes a processing record. It is a no-op if
	// the id is absent.
	DeleteProcessing(id message.ID) error

	// AllProcessing returns every processing record, in no particular
	// order. Used by pipeline recovery at startup.
	AllProcessing() ([]*message.ProcessingRecord, error)

	// PutArchive inserts or overwrites an archive record keyed by
	// Content.ID().
	PutArchive(rec *message.ArchiveRecord) error

	// GetArchive fetches an archive record by id. It returns
	// ErrNotFound if absent.
	GetArchive(id message.ID) (*message.ArchiveRecord, error)

	// DeleteArchive removes an archive record. It is a no-op if the id
	// is absent.
	DeleteArchive(id message.ID) error

	// IterateArchive walks every archive record in a stable order,
	// calling fn for each. Iteration stops early if fn returns
	// cont=false or a non-nil error; that error is returned to the
	// caller of IterateArchive.
	IterateArchive(fn func(*message.ArchiveRecord) (cont bool, err error)) error

	// PutInbox inserts or overwrites an inbox header.
	PutInbox(h *message.InboxHeader) error

	// DeleteInbox removes an inbox header. It is a no-op if absent.
	DeleteInbox(id message.ID) error

	// AllInbox returns every inbox header, in no particular order.
	AllInbox() ([]*message.InboxHeader, error)

	// GetProperty reads a property value. The second return value is
	// false if the key is unset.
	GetProperty(key string) (string, bool, error)

	// PutProperty writes a property value.
	PutProperty(key, value string) error
}
