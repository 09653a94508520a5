package txsync

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// spentOutput records a confirmed spend of a watched output that hasn't yet
// hit the reorg safety limit. Until it does, the spend is kept around so the
// output can be re-armed if the spending transaction is reorged out.
type spentOutput struct {
	// spendTxid is the id of the transaction that spent the output.
	spendTxid chainhash.Hash

	// confHeight is the height the spend confirmed at.
	confHeight uint32

	// outPoint is the spent outpoint.
	outPoint wire.OutPoint

	// output is the original registration entry, retained so it can be
	// re-watched on a reorg.
	output WatchedOutput
}

// syncState is the mutable watch set owned by the syncer. It is only ever
// accessed while the syncer's sync lock is held.
type syncState struct {
	// watchedTransactions is the set of txids confirmations are wanted
	// for.
	watchedTransactions map[chainhash.Hash]struct{}

	// watchedOutputs maps watched outpoints to their registration
	// entries.
	watchedOutputs map[wire.OutPoint]WatchedOutput

	// outputSpends holds confirmed spends of watched outputs that are
	// still shallow enough to be undone by a reorg.
	outputSpends []spentOutput

	// lastSyncHash is the chain tip as of the last fully committed sync
	// pass, or nil if no pass has committed yet.
	lastSyncHash *chainhash.Hash

	// pendingSync is true whenever the previous pass did not complete
	// cleanly, forcing another iteration even if the tip hasn't moved. It
	// is only cleared once a pass commits end-to-end.
	pendingSync bool
}

// newSyncState creates an empty syncState.
func newSyncState() *syncState {
	return &syncState{
		watchedTransactions: make(map[chainhash.Hash]struct{}),
		watchedOutputs:      make(map[wire.OutPoint]WatchedOutput),
	}
}

// syncUnconfirmedTransactions reports the given txids as unconfirmed to all
// sinks and re-arms the watch set: the txids go back into the watched
// transaction set, and any watched outputs whose spend was confirmed by one
// of these transactions become watched again.
func (s *syncState) syncUnconfirmedTransactions(sinks []EventSink,
	unconfirmedTxs []chainhash.Hash) {

	for _, txid := range unconfirmedTxs {
		txid := txid
		for _, sink := range sinks {
			sink.TransactionUnconfirmed(&txid)
		}

		s.watchedTransactions[txid] = struct{}{}

		remaining := s.outputSpends[:0]
		for _, spend := range s.outputSpends {
			if spend.spendTxid == txid {
				s.watchedOutputs[spend.outPoint] = spend.output
				continue
			}
			remaining = append(remaining, spend)
		}
		s.outputSpends = remaining
	}
}

// syncConfirmedTransactions delivers the given confirmed transactions to all
// sinks in the order given and updates the watch set: confirmed txids leave
// the watched transaction set, and watched outputs spent by a confirmed
// transaction move into the shallow-spend list until they are pruned.
func (s *syncState) syncConfirmedTransactions(sinks []EventSink,
	confirmedTxs []*ConfirmedTx) {

	for _, ctx := range confirmedTxs {
		for _, sink := range sinks {
			sink.TransactionsConfirmed(
				&ctx.BlockHeader, []*ConfirmedTx{ctx},
				ctx.BlockHeight,
			)
		}

		delete(s.watchedTransactions, ctx.Txid)

		for _, txIn := range ctx.Tx.TxIn {
			prevOut := txIn.PreviousOutPoint
			output, ok := s.watchedOutputs[prevOut]
			if !ok {
				continue
			}

			delete(s.watchedOutputs, prevOut)
			s.outputSpends = append(s.outputSpends, spentOutput{
				spendTxid:  ctx.Txid,
				confHeight: ctx.BlockHeight,
				outPoint:   prevOut,
				output:     output,
			})
		}
	}
}

// pruneOutputSpends drops spends whose confirming block is at least
// reorgSafetyLimit blocks below the current height, at which point a reorg
// undoing them is no longer a practical concern.
func (s *syncState) pruneOutputSpends(curHeight, reorgSafetyLimit uint32) {
	remaining := s.outputSpends[:0]
	for _, spend := range s.outputSpends {
		if curHeight >= spend.confHeight+reorgSafetyLimit {
			log.Tracef("Pruning tracked spend of output %v "+
				"confirmed at height %d", spend.outPoint,
				spend.confHeight)
			continue
		}
		remaining = append(remaining, spend)
	}
	s.outputSpends = remaining
}

// filterQueue buffers watch registrations made while a sync pass may be in
// flight. Writes are guarded by the syncer's registration lock, which is
// independent of the sync lock, so registering never blocks on a running
// pass.
type filterQueue struct {
	// transactions is the set of txids registered since the last merge.
	transactions map[chainhash.Hash]struct{}

	// outputs maps outpoints registered since the last merge to their
	// registration entries.
	outputs map[wire.OutPoint]WatchedOutput
}

// newFilterQueue creates an empty filterQueue.
func newFilterQueue() *filterQueue {
	return &filterQueue{
		transactions: make(map[chainhash.Hash]struct{}),
		outputs:      make(map[wire.OutPoint]WatchedOutput),
	}
}

// processQueues merges the queued registrations into the given state and
// empties the queue. Merging is additive and idempotent: re-registering an
// existing txid or outpoint is a no-op. It returns true if anything was
// merged.
func (q *filterQueue) processQueues(state *syncState) bool {
	newlyRegistered := false

	if len(q.transactions) > 0 {
		newlyRegistered = true
		for txid := range q.transactions {
			state.watchedTransactions[txid] = struct{}{}
		}
		q.transactions = make(map[chainhash.Hash]struct{})
	}

	if len(q.outputs) > 0 {
		newlyRegistered = true
		for op, output := range q.outputs {
			state.watchedOutputs[op] = output
		}
		q.outputs = make(map[wire.OutPoint]WatchedOutput)
	}

	return newlyRegistered
}
