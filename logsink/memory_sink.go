package logsink

import (
	"context"
	"errors"
	"sync"

	"mobcoordinator/types"
)

// MemorySink is an in-process Sink used by tests. FailNext, when
// set, causes the next N writes to fail, simulating transient remote
// outages for backlog-resilience tests.
type MemorySink struct {
	mu        sync.Mutex
	Written   map[int]types.BacklogEntry
	Missing   map[int]string
	FailNext  int
	AlwaysFail bool
}

// NewMemorySink returns an always-configured in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		Written: make(map[int]types.BacklogEntry),
		Missing: make(map[int]string),
	}
}

func (m *MemorySink) Configured() bool { return true }

func (m *MemorySink) Write(_ context.Context, entry types.BacklogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AlwaysFail || m.FailNext > 0 {
		if m.FailNext > 0 {
			m.FailNext--
		}
		return errors.New("logsink: simulated failure")
	}
	m.Written[entry.Round] = entry
	return nil
}

func (m *MemorySink) MarkMissing(_ context.Context, round int, reason, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AlwaysFail {
		return errors.New("logsink: simulated failure")
	}
	m.Missing[round] = reason
	return nil
}
