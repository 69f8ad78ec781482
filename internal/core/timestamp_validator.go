package core

import (
	"PerpClearing/internal/state"
	"fmt"
	"sync"
)

// TimestampValidator enforces non-decreasing operation timestamps per
// partition (one partition per market, plus the collateral partition).
// Equal timestamps are allowed: several operations may share a block time.
type TimestampValidator struct {
	mu     sync.Mutex
	last   map[string]int64 // partition -> last accepted timestamp
	stale  map[string]int64 // partition -> rejected count
	onDrop func(partition string)
}

func NewTimestampValidator() *TimestampValidator {
	return &TimestampValidator{
		last:  make(map[string]int64),
		stale: make(map[string]int64),
	}
}

// OnStale registers a hook called for every rejected timestamp.
func (tv *TimestampValidator) OnStale(fn func(partition string)) {
	tv.onDrop = fn
}

// Validate checks ts against the partition clock without advancing it.
func (tv *TimestampValidator) Validate(partition string, ts int64) error {
	if ts <= 0 {
		return fmt.Errorf("%w: timestamp must be positive, got %d", state.ErrStaleTimestamp, ts)
	}
	tv.mu.Lock()
	defer tv.mu.Unlock()

	if last := tv.last[partition]; ts < last {
		tv.stale[partition]++
		if tv.onDrop != nil {
			tv.onDrop(partition)
		}
		return fmt.Errorf("%w: partition=%s, last=%d, got=%d", state.ErrStaleTimestamp, partition, last, ts)
	}
	return nil
}

// Advance records ts as accepted. Called only after the operation commits.
func (tv *TimestampValidator) Advance(partition string, ts int64) {
	tv.mu.Lock()
	defer tv.mu.Unlock()
	if ts > tv.last[partition] {
		tv.last[partition] = ts
	}
}

// Last returns the last accepted timestamp of a partition
func (tv *TimestampValidator) Last(partition string) int64 {
	tv.mu.Lock()
	defer tv.mu.Unlock()
	return tv.last[partition]
}

// SetLast initializes a partition clock (used during recovery)
func (tv *TimestampValidator) SetLast(partition string, ts int64) {
	tv.mu.Lock()
	defer tv.mu.Unlock()
	tv.last[partition] = ts
}

// Stale returns how many timestamps a partition rejected
func (tv *TimestampValidator) Stale(partition string) int64 {
	tv.mu.Lock()
	defer tv.mu.Unlock()
	return tv.stale[partition]
}
