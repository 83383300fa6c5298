package power

import (
	"context"
	"sync"
)

// StateStore persists the encoded sleep state block.
type StateStore interface {
	// Load returns the stored block, or ErrNoState if nothing was saved.
	Load(ctx context.Context) ([]byte, error)
	// Save replaces the stored block.
	Save(ctx context.Context, data []byte) error
}

// RetainedMemory is an in-process StateStore. Like RTC memory it keeps its
// contents across suspend/resume but not across a restart.
type RetainedMemory struct {
	mu   sync.Mutex
	data []byte
}

// NewRetainedMemory returns an empty RetainedMemory.
func NewRetainedMemory() *RetainedMemory {
	return &RetainedMemory{}
}

func (r *RetainedMemory) Load(_ context.Context) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.data) == 0 {
		return nil, ErrNoState
	}
	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out, nil
}

func (r *RetainedMemory) Save(_ context.Context, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data[:0], data...)
	return nil
}

// Wipe discards the stored block, as a power loss would.
func (r *RetainedMemory) Wipe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = nil
}
