package sqlite

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/kabili207/lorabridge/device/power"
)

const stateRowID = 1

var _ power.StateStore = (*StateStore)(nil)

// StateStore keeps the sleep state block in a single row.
type StateStore struct {
	db *gorm.DB
}

// NewStateStore creates a StateStore on db.
func NewStateStore(db *DB) *StateStore {
	return &StateStore{db: db.db}
}

// Load returns the stored block, or power.ErrNoState if none was saved.
func (s *StateStore) Load(ctx context.Context) ([]byte, error) {
	var rec SleepStateRecord
	err := s.db.WithContext(ctx).First(&rec, stateRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, power.ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("loading sleep state: %w", err)
	}
	return rec.Data, nil
}

// Save replaces the stored block.
func (s *StateStore) Save(ctx context.Context, data []byte) error {
	rec := SleepStateRecord{ID: stateRowID, Data: append([]byte(nil), data...)}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("saving sleep state: %w", err)
	}
	return nil
}
