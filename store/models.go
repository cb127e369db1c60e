package store

import "time"

// processingRow is the gorm model backing the processing table.
type processingRow struct {
	ID            string `gorm:"primary_key"`
	Status        int
	Sender        string `gorm:"index"`
	Recipient     string
	RecipientKey  []byte
	Envelope      []byte
	MailServers   []byte
	PoWTarget     []byte
	HasPoWTarget  bool
	FailureReason string
}

func (processingRow) TableName() string { return "processing" }

// archiveRow is the gorm model backing the archive table. Timestamp is
// denormalized out of the envelope so it can be indexed for the
// ordered scans the archive index needs.
type archiveRow struct {
	ID               string `gorm:"primary_key"`
	Status           int
	Sender           string `gorm:"index"`
	Recipient        string `gorm:"index"`
	RecipientAddress string
	Envelope         []byte
	MailServers      []byte
	Timestamp        time.Time `gorm:"index"`
	Seq              uint64    `gorm:"index"` // insertion order, for IterateArchive
}

func (archiveRow) TableName() string { return "archive" }

// inboxRow is the gorm model backing the inbox table.
type inboxRow struct {
	ID        string `gorm:"primary_key"`
	Sender    string
	Recipient string
	Subject   string
	Timestamp time.Time `gorm:"index"`
}

func (inboxRow) TableName() string { return "inbox" }

// propertyRow is the gorm model backing the properties table.
type propertyRow struct {
	Key   string `gorm:"primary_key"`
	Value string
}

func (propertyRow) TableName() string { return "properties" }
