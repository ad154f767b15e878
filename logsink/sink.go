// Package logsink writes completed-round audit snapshots to an external
// object store. The concrete implementation targets a GitHub repository
// via the contents API, matching the coordinator's persisted
// lastGitHubLogError key and /flush-github endpoint.
package logsink

import (
	"context"

	"mobcoordinator/types"
)

// Sink is an idempotent remote writer: writing the same round twice
// overwrites rather than duplicates.
type Sink interface {
	// Write places entry's content at a deterministic path derived from
	// entry.Round. Must be cancelable via ctx without side effects that
	// would corrupt the caller's backlog bookkeeping.
	Write(ctx context.Context, entry types.BacklogEntry) error
	// MarkMissing records, at a sibling path, that round will never be
	// backfilled.
	MarkMissing(ctx context.Context, round int, reason, notes string) error
	// Configured reports whether the sink has enough credentials to
	// attempt writes.
	Configured() bool
}
