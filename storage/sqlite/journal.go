package sqlite

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/kabili207/lorabridge/core/codec"
)

// Journal records routed messages.
type Journal struct {
	db         *gorm.DB
	maxEntries int
	nowFn      func() time.Time
}

// NewJournal creates a Journal on db. If maxEntries is positive, older
// entries are pruned so at most that many are kept.
func NewJournal(db *DB, maxEntries int) *Journal {
	return &Journal{db: db.db, maxEntries: maxEntries, nowFn: time.Now}
}

// Record stores msg with its direction.
func (j *Journal) Record(direction string, msg codec.Message) error {
	raw, err := codec.Encode(msg)
	if err != nil {
		return err
	}

	entry := JournalEntry{
		Direction: direction,
		Kind:      msg.Type().String(),
		Seq:       msg.Sequence(),
		Raw:       raw,
		CreatedAt: j.nowFn(),
	}
	if text, ok := msg.(*codec.Text); ok {
		entry.Text = text.Text
		entry.HasGPS = text.HasGPS
		entry.Lat = text.Lat
		entry.Lon = text.Lon
	}

	if err := j.db.Create(&entry).Error; err != nil {
		return fmt.Errorf("recording journal entry: %w", err)
	}
	if j.maxEntries > 0 && entry.ID > uint(j.maxEntries) {
		err := j.db.Where("id <= ?", entry.ID-uint(j.maxEntries)).Delete(&JournalEntry{}).Error
		if err != nil {
			return fmt.Errorf("pruning journal: %w", err)
		}
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]JournalEntry, error) {
	var entries []JournalEntry
	err := j.db.Order("id DESC").Limit(limit).Find(&entries).Error
	return entries, err
}

// Count returns the number of stored entries.
func (j *Journal) Count() (int64, error) {
	var count int64
	err := j.db.Model(&JournalEntry{}).Count(&count).Error
	return count, err
}

// Message decodes the entry's raw bytes.
func (e JournalEntry) Message() (codec.Message, error) {
	return codec.Decode(e.Raw)
}
