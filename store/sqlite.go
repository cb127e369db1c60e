package store

import (
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cpacia/obmail/message"
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("STORE")

// SqliteStore implements Store using gorm over sqlite3. Processing
// and inbox are fronted by an in-memory cache that is kept write-through
// rather than truly deferred: in-flight mail must survive a crash, which
// a lazily-flushed write-back cache would put at risk, so every write
// still lands on disk before returning. The cache exists purely to make
// the frequent point reads the proof-of-work and transmit stages
// perform against a record in flight cheap.
type SqliteStore struct {
	db   *gorm.DB
	mtx  sync.RWMutex
	open bool
	seq  uint64

	cacheMtx        sync.RWMutex
	processingCache map[message.ID]*message.ProcessingRecord
	inboxCache      map[message.ID]*message.InboxHeader
}

// Open opens or creates the sqlite-backed store at dataDir (or an
// in-memory database if dataDir is ":memory:"), migrates its schema,
// and checks the persisted schema version against SchemaVersion.
func Open(dataDir string) (*SqliteStore, error) {
	pth := dataDir
	if dataDir != ":memory:" {
		pth = filepath.Join(dataDir, "mail.db")
	}

	db, err := gorm.Open("sqlite3", pth)
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{
		db:              db,
		open:            true,
		processingCache: make(map[message.ID]*message.ProcessingRecord),
		inboxCache:      make(map[message.ID]*message.InboxHeader),
	}

	if err := s.migrateAndCheckVersion(); err != nil {
		db.Close()
		s.open = false
		return nil, err
	}

	if err := s.primeCaches(); err != nil {
		db.Close()
		s.open = false
		return nil, err
	}

	return s, nil
}

func (s *SqliteStore) migrateAndCheckVersion() error {
	for _, model := range []interface{}{&processingRow{}, &archiveRow{}, &inboxRow{}, &propertyRow{}} {
		if err := s.db.AutoMigrate(model).Error; err != nil {
			return err
		}
	}

	var row propertyRow
	result := s.db.Where("key = ?", VersionPropertyKey).First(&row)
	if result.RecordNotFound() {
		return s.db.Create(&propertyRow{Key: VersionPropertyKey, Value: "1"}).Error
	}
	if result.Error != nil {
		return result.Error
	}
	if row.Value != "1" {
		log.Errorf("Unable to open mail store: unsupported schema version %s", row.Value)
		return ErrSchemaMismatch
	}
	return nil
}

func (s *SqliteStore) primeCaches() error {
	var processingRows []processingRow
	if err := s.db.Find(&processingRows).Error; err != nil {
		return err
	}
	for i := range processingRows {
		rec, err := rowToProcessing(&processingRows[i])
		if err != nil {
			return err
		}
		s.processingCache[rec.StaticID] = rec
	}

	var inboxRows []inboxRow
	if err := s.db.Find(&inboxRows).Error; err != nil {
		return err
	}
	for i := range inboxRows {
		h, err := rowToInbox(&inboxRows[i])
		if err != nil {
			return err
		}
		s.inboxCache[h.ID] = h
	}

	var maxSeq archiveRow
	if err := s.db.Order("seq desc").First(&maxSeq).Error; err == nil {
		s.seq = maxSeq.Seq
	}
	return nil
}

// IsOpen reports whether the store is ready to serve requests.
func (s *SqliteStore) IsOpen() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.open
}

// Close releases the underlying sqlite connection.
func (s *SqliteStore) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	return s.db.Close()
}

func (s *SqliteStore) PutProcessing(rec *message.ProcessingRecord) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	row, err := processingToRow(rec)
	if err != nil {
		return err
	}

	s.mtx.Lock()
	err = s.db.Save(row).Error
	s.mtx.Unlock()
	if err != nil {
		return err
	}

	cp := *rec
	s.cacheMtx.Lock()
	s.processingCache[rec.StaticID] = &cp
	s.cacheMtx.Unlock()
	return nil
}

func (s *SqliteStore) GetProcessing(id message.ID) (*message.ProcessingRecord, error) {
	if !s.IsOpen() {
		return nil, ErrNotOpen
	}
	s.cacheMtx.RLock()
	rec, ok := s.processingCache[id]
	s.cacheMtx.RUnlock()
	if ok {
		cp := *rec
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *SqliteStore) DeleteProcessing(id message.ID) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	s.mtx.Lock()
	err := s.db.Delete(&processingRow{}, "id = ?", id.String()).Error
	s.mtx.Unlock()
	if err != nil {
		return err
	}

	s.cacheMtx.Lock()
	delete(s.processingCache, id)
	s.cacheMtx.Unlock()
	return nil
}

func (s *SqliteStore) AllProcessing() ([]*message.ProcessingRecord, error) {
	if !s.IsOpen() {
		return nil, ErrNotOpen
	}
	s.cacheMtx.RLock()
	defer s.cacheMtx.RUnlock()

	out := make([]*message.ProcessingRecord, 0, len(s.processingCache))
	for _, rec := range s.processingCache {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *SqliteStore) PutArchive(rec *message.ArchiveRecord) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	seq := atomic.AddUint64(&s.seq, 1)
	row, err := archiveToRow(rec, seq)
	if err != nil {
		return err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.db.Save(row).Error
}

func (s *SqliteStore) GetArchive(id message.ID) (*message.ArchiveRecord, error) {
	if !s.IsOpen() {
		return nil, ErrNotOpen
	}
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var row archiveRow
	result := s.db.Where("id = ?", id.String()).First(&row)
	if result.RecordNotFound() {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return rowToArchive(&row)
}

func (s *SqliteStore) DeleteArchive(id message.ID) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.db.Delete(&archiveRow{}, "id = ?", id.String()).Error
}

func (s *SqliteStore) IterateArchive(fn func(*message.ArchiveRecord) (bool, error)) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}

	const pageSize = 256
	var lastSeq uint64
	for {
		var rows []archiveRow
		s.mtx.RLock()
		err := s.db.Where("seq > ?", lastSeq).Order("seq asc").Limit(pageSize).Find(&rows).Error
		s.mtx.RUnlock()
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		for i := range rows {
			rec, err := rowToArchive(&rows[i])
			if err != nil {
				return err
			}
			cont, err := fn(rec)
			if err != nil {
				return err
			}
			lastSeq = rows[i].Seq
			if !cont {
				return nil
			}
		}
	}
}

func (s *SqliteStore) PutInbox(h *message.InboxHeader) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	row := inboxToRow(h)

	s.mtx.Lock()
	err := s.db.Save(row).Error
	s.mtx.Unlock()
	if err != nil {
		return err
	}

	cp := *h
	s.cacheMtx.Lock()
	s.inboxCache[h.ID] = &cp
	s.cacheMtx.Unlock()
	return nil
}

func (s *SqliteStore) DeleteInbox(id message.ID) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	s.mtx.Lock()
	err := s.db.Delete(&inboxRow{}, "id = ?", id.String()).Error
	s.mtx.Unlock()
	if err != nil {
		return err
	}

	s.cacheMtx.Lock()
	delete(s.inboxCache, id)
	s.cacheMtx.Unlock()
	return nil
}

func (s *SqliteStore) AllInbox() ([]*message.InboxHeader, error) {
	if !s.IsOpen() {
		return nil, ErrNotOpen
	}
	s.cacheMtx.RLock()
	defer s.cacheMtx.RUnlock()

	out := make([]*message.InboxHeader, 0, len(s.inboxCache))
	for _, h := range s.inboxCache {
		cp := *h
		out = append(out, &cp)
	}
	return out, nil
}

func (s *SqliteStore) GetProperty(key string) (string, bool, error) {
	if !s.IsOpen() {
		return "", false, ErrNotOpen
	}
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var row propertyRow
	result := s.db.Where("key = ?", key).First(&row)
	if result.RecordNotFound() {
		return "", false, nil
	}
	if result.Error != nil {
		return "", false, result.Error
	}
	return row.Value, true, nil
}

func (s *SqliteStore) PutProperty(key, value string) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.db.Save(&propertyRow{Key: key, Value: value}).Error
}

var _ Store = (*SqliteStore)(nil)
