package sqlite

import "time"

// SleepStateRecord is the single row holding the encoded sleep state block.
type SleepStateRecord struct {
	ID        uint   `gorm:"primarykey"`
	Data      []byte `gorm:"not null"`
	UpdatedAt time.Time
}

func (SleepStateRecord) TableName() string {
	return "sleep_state"
}

// JournalEntry is one message the router moved.
type JournalEntry struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Direction string    `gorm:"index;size:16;not null" json:"direction"`
	Kind      string    `gorm:"size:8;not null" json:"kind"`
	Seq       uint8     `gorm:"not null" json:"seq"`
	Text      string    `gorm:"size:64" json:"text,omitempty"`
	HasGPS    bool      `json:"has_gps"`
	Lat       int32     `json:"lat,omitempty"`
	Lon       int32     `json:"lon,omitempty"`
	Raw       []byte    `json:"raw"`
	CreatedAt time.Time `gorm:"index;not null" json:"created_at"`
}

func (JournalEntry) TableName() string {
	return "journal_entries"
}
