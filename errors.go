package txsync

import "errors"

var (
	// ErrSyncFailed is returned when a sync pass could not be completed,
	// either because the chain source failed to answer a query or because
	// one of its answers failed validation. The failed pass is resumed
	// from scratch on the next call to Sync.
	ErrSyncFailed = errors.New("transaction sync failed")

	// ErrUntrackedConfirmation is returned when a sink reports a
	// confirmed transaction without its confirming block hash.
	// Confirmations must always be tracked together with their block;
	// this indicates the sink was seeded outside of the registration
	// path and is not retryable.
	ErrUntrackedConfirmation = errors.New("confirmation tracked without " +
		"its confirming block hash")

	// errInconsistency signals that two observations taken at different
	// times during a sync pass disagree, most likely because a reorg
	// raced the pass. It is handled internally by restarting the pass and
	// never escapes Sync.
	errInconsistency = errors.New("chain data inconsistency detected")
)
