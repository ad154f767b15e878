// Package backlog implements ObservabilityBacklog: a persisted, ordered
// collection of completed-round snapshots awaiting delivery to the
// external log store, deduplicated by round and bounded in size.
package backlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"mobcoordinator/store"
	"mobcoordinator/types"
)

const maxEntries = 250

// Sink is the subset of logsink.LogSink the backlog needs to flush.
type Sink interface {
	Write(ctx context.Context, entry types.BacklogEntry) error
}

// Backlog holds pending round snapshots in memory, mirrored into a
// DurableStore after every mutation.
type Backlog struct {
	entries   []types.BacklogEntry
	lastError *types.BacklogError
}

// New returns an empty backlog.
func New() *Backlog {
	return &Backlog{}
}

// persisted bundles entries and the last error in one JSON shape. persist
// and Load do not use it: they store entries under pendingRoundLogs and
// the last error under lastGitHubLogError as two separate values.
type persisted struct {
	Entries   []types.BacklogEntry `json:"entries"`
	LastError *types.BacklogError  `json:"lastError,omitempty"`
}

// Load restores backlog state from the store's pendingRoundLogs and
// lastGitHubLogError keys, tolerating either being absent.
func Load(s store.Store) (*Backlog, error) {
	b := New()

	if raw, ok, err := s.Get(store.KeyPendingRoundLogs); err != nil {
		return nil, fmt.Errorf("backlog: loading entries: %w", err)
	} else if ok {
		var entries []types.BacklogEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("backlog: decoding entries: %w", err)
		}
		b.entries = entries
	}

	if raw, ok, err := s.Get(store.KeyLastGitHubLogErr); err != nil {
		return nil, fmt.Errorf("backlog: loading last error: %w", err)
	} else if ok {
		var lastErr types.BacklogError
		if err := json.Unmarshal(raw, &lastErr); err != nil {
			return nil, fmt.Errorf("backlog: decoding last error: %w", err)
		}
		b.lastError = &lastErr
	}

	return b, nil
}

// Enqueue appends entry, replacing any existing entry for the same
// round, then trims to maxEntries by dropping the oldest. Persists the
// resulting state through s.
func (b *Backlog) Enqueue(s store.Store, entry types.BacklogEntry) error {
	replaced := false
	for i, existing := range b.entries {
		if existing.Round == entry.Round {
			b.entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		b.entries = append(b.entries, entry)
	}

	sort.Slice(b.entries, func(i, j int) bool { return b.entries[i].Round < b.entries[j].Round })
	if len(b.entries) > maxEntries {
		b.entries = b.entries[len(b.entries)-maxEntries:]
	}

	return b.persist(s)
}

// Flush sorts pending entries ascending by round and writes each to
// sink in order, halting on the first failure so audit ordering is
// preserved. Entries from the failure point onward remain queued.
func (b *Backlog) Flush(ctx context.Context, s store.Store, sink Sink) error {
	sort.Slice(b.entries, func(i, j int) bool { return b.entries[i].Round < b.entries[j].Round })

	remaining := b.entries
	for i, entry := range b.entries {
		if err := sink.Write(ctx, entry); err != nil {
			b.lastError = &types.BacklogError{Timestamp: time.Now(), Message: err.Error()}
			remaining = b.entries[i:]
			b.entries = remaining
			return b.persist(s)
		}
		remaining = b.entries[i+1:]
	}

	b.entries = remaining
	return b.persist(s)
}

// State reports the current pending length and last flush error.
func (b *Backlog) State() (length int, lastError *types.BacklogError) {
	return len(b.entries), b.lastError
}

// Reset clears all entries and the last error, persisting the empty
// state. Used only by adminResetRound.
func (b *Backlog) Reset(s store.Store) error {
	b.entries = nil
	b.lastError = nil
	return b.persist(s)
}

func (b *Backlog) persist(s store.Store) error {
	entriesRaw, err := json.Marshal(b.entries)
	if err != nil {
		return fmt.Errorf("backlog: encoding entries: %w", err)
	}
	if err := s.Put(store.KeyPendingRoundLogs, entriesRaw); err != nil {
		return fmt.Errorf("backlog: persisting entries: %w", err)
	}

	if b.lastError != nil {
		errRaw, err := json.Marshal(b.lastError)
		if err != nil {
			return fmt.Errorf("backlog: encoding last error: %w", err)
		}
		if err := s.Put(store.KeyLastGitHubLogErr, errRaw); err != nil {
			return fmt.Errorf("backlog: persisting last error: %w", err)
		}
	} else {
		if err := s.Delete(store.KeyLastGitHubLogErr); err != nil {
			return fmt.Errorf("backlog: clearing last error: %w", err)
		}
	}

	return nil
}
