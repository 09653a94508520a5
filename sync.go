package txsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultReorgSafetyLimit is the default number of confirmations
	// after which a tracked output spend is considered safe from reorgs
	// and is no longer re-validated. Six blocks of proof-of-work are
	// conventionally treated as final.
	DefaultReorgSafetyLimit = 6

	// leafAmbiguousTxSize is the serialized size of a transaction whose
	// txid can collide with an inner merkle tree node. See the comment in
	// getConfirmedTx.
	leafAmbiguousTxSize = 64
)

// Config holds the parameters needed to construct a TxSyncer.
type Config struct {
	// ChainSource is the remote view of the chain the syncer reconciles
	// against.
	ChainSource ChainSource

	// ReorgSafetyLimit is the depth at which tracked output spends stop
	// being re-validated. If zero, DefaultReorgSafetyLimit is used.
	ReorgSafetyLimit uint32
}

// TxSyncer keeps registered transactions and outputs in sync with an
// untrusted remote view of the chain. Callers register items of interest via
// RegisterTx and RegisterOutput, then drive the syncer by calling Sync
// periodically. Each pass reconciles the watch set against the remote tip,
// validating every claimed confirmation against its merkle proof, and
// notifies the given sinks of best-block changes, confirmations and
// unconfirmations.
type TxSyncer struct {
	cfg Config

	// syncMtx ensures at most one sync pass runs at a time and guards
	// all access to state. Concurrent callers of Sync queue up and each
	// run their own full pass.
	syncMtx sync.Mutex
	state   *syncState

	// queueMtx guards queue independently of syncMtx, so registrations
	// never block on an in-flight sync pass.
	queueMtx sync.Mutex
	queue    *filterQueue
}

// New creates a TxSyncer backed by the given chain source.
func New(cfg *Config) (*TxSyncer, error) {
	if cfg == nil || cfg.ChainSource == nil {
		return nil, errors.New("a chain source is required")
	}

	syncerCfg := *cfg
	if syncerCfg.ReorgSafetyLimit == 0 {
		syncerCfg.ReorgSafetyLimit = DefaultReorgSafetyLimit
	}

	return &TxSyncer{
		cfg:   syncerCfg,
		state: newSyncState(),
		queue: newFilterQueue(),
	}, nil
}

// RegisterTx queues the given txid for confirmation tracking. The
// registration is merged into the watch set at the start of the next sync
// iteration; this call never blocks on an in-flight pass. Registering an
// already watched txid is a no-op.
func (t *TxSyncer) RegisterTx(txid *chainhash.Hash) {
	t.queueMtx.Lock()
	defer t.queueMtx.Unlock()

	t.queue.transactions[*txid] = struct{}{}
}

// RegisterOutput queues the given output for spend tracking. The
// registration is merged into the watch set at the start of the next sync
// iteration; this call never blocks on an in-flight pass. Registering an
// already watched outpoint is a no-op.
func (t *TxSyncer) RegisterOutput(output WatchedOutput) {
	t.queueMtx.Lock()
	defer t.queueMtx.Unlock()

	t.queue.outputs[output.OutPoint] = output
}

// Sync runs one full reconciliation pass against the chain source and
// drives the given sinks. It is safe to call from multiple goroutines;
// passes are serialized, never coalesced. On error the pass is marked
// pending, so the next call resumes from scratch rather than losing
// progress. Errors other than ErrUntrackedConfirmation are retryable and
// wrapped in ErrSyncFailed.
func (t *TxSyncer) Sync(ctx context.Context, sinks []EventSink) error {
	// This lock makes sure we're only syncing once at a time.
	t.syncMtx.Lock()
	defer t.syncMtx.Unlock()

	log.Tracef("Starting transaction sync")

	start := time.Now()
	var numConfirmed, numUnconfirmed int

	tipHash, err := t.cfg.ChainSource.GetTipHash(ctx)
	if err != nil {
		return t.abortSync(numConfirmed, numUnconfirmed, err)
	}

	// We loop until any registered transactions have been processed at
	// least once and the tip hasn't moved during the last iteration.
	for {
		t.queueMtx.Lock()
		pendingRegistrations := t.queue.processQueues(t.state)
		t.queueMtx.Unlock()

		tipIsNew := t.state.lastSyncHash == nil ||
			*t.state.lastSyncHash != *tipHash

		if !t.state.pendingSync && !pendingRegistrations && !tipIsNew {
			// Nothing to do.
			break
		}

		if tipIsNew {
			// First check for any unconfirmed transactions and
			// act on them immediately.
			unconfirmedTxs, err := t.getUnconfirmedTransactions(
				ctx, sinks,
			)
			if err != nil {
				return t.abortSync(
					numConfirmed, numUnconfirmed, err,
				)
			}

			// Double-check the tip hash. If it changed, a reorg
			// happened since we started syncing and we need to
			// restart last-minute.
			checkTipHash, err := t.cfg.ChainSource.GetTipHash(ctx)
			if err != nil {
				return t.abortSync(
					numConfirmed, numUnconfirmed, err,
				)
			}
			if *checkTipHash != *tipHash {
				tipHash = checkTipHash

				log.Debugf("Encountered inconsistency " +
					"during transaction sync, restarting")
				t.state.pendingSync = true
				continue
			}

			numUnconfirmed += len(unconfirmedTxs)
			t.state.syncUnconfirmedTransactions(
				sinks, unconfirmedTxs,
			)

			err = t.syncBestBlockUpdated(ctx, sinks, tipHash)
			switch {
			case errors.Is(err, errInconsistency):
				// Immediately restart syncing when we
				// encounter any inconsistencies.
				log.Debugf("Encountered inconsistency " +
					"during transaction sync, restarting")
				t.state.pendingSync = true
				continue

			case err != nil:
				return t.abortSync(
					numConfirmed, numUnconfirmed, err,
				)
			}
		}

		confirmedTxs, err := t.getConfirmedTransactions(ctx)
		switch {
		case errors.Is(err, errInconsistency):
			log.Debugf("Encountered inconsistency during " +
				"transaction sync, restarting")
			t.state.pendingSync = true
			continue

		case err != nil:
			return t.abortSync(numConfirmed, numUnconfirmed, err)
		}

		// Double-check the tip hash one more time before committing
		// anything derived from it.
		checkTipHash, err := t.cfg.ChainSource.GetTipHash(ctx)
		if err != nil {
			return t.abortSync(numConfirmed, numUnconfirmed, err)
		}
		if *checkTipHash != *tipHash {
			tipHash = checkTipHash

			log.Debugf("Encountered inconsistency during " +
				"transaction sync, restarting")
			t.state.pendingSync = true
			continue
		}

		numConfirmed += len(confirmedTxs)
		t.state.syncConfirmedTransactions(sinks, confirmedTxs)

		t.state.lastSyncHash = tipHash
		t.state.pendingSync = false
	}

	log.Debugf("Finished transaction sync at tip %v in %v: %d confirmed, "+
		"%d unconfirmed", tipHash, time.Since(start), numConfirmed,
		numUnconfirmed)

	return nil
}

// abortSync marks the current pass pending so the next Sync call resumes,
// and maps the cause to the exported error taxonomy.
func (t *TxSyncer) abortSync(numConfirmed, numUnconfirmed int,
	cause error) error {

	log.Errorf("Failed during transaction sync, aborting. Synced so "+
		"far: %d confirmed, %d unconfirmed: %v", numConfirmed,
		numUnconfirmed, cause)

	t.state.pendingSync = true

	// A sink reporting a confirmation without its block is a defect in
	// how the syncer is driven, not a transient failure, and keeps its
	// distinct identity.
	if errors.Is(cause, ErrUntrackedConfirmation) {
		return cause
	}

	return fmt.Errorf("%w: %v", ErrSyncFailed, cause)
}

// syncBestBlockUpdated informs the sinks of the new tip and prunes tracked
// output spends that are now buried deeply enough. A tip that is reported
// as not being in the best chain means the chain moved mid-pass.
func (t *TxSyncer) syncBestBlockUpdated(ctx context.Context,
	sinks []EventSink, tipHash *chainhash.Hash) error {

	tipHeader, err := t.cfg.ChainSource.GetHeaderByHash(ctx, tipHash)
	if err != nil {
		return err
	}

	tipStatus, err := t.cfg.ChainSource.GetBlockStatus(ctx, tipHash)
	if err != nil {
		return err
	}

	if !tipStatus.InBestChain {
		return errInconsistency
	}

	tipStatus.Height.WhenSome(func(tipHeight uint32) {
		for _, sink := range sinks {
			sink.BestBlockUpdated(tipHeader, tipHeight)
		}

		// Prune any sufficiently confirmed output spends.
		t.state.pruneOutputSpends(
			tipHeight, t.cfg.ReorgSafetyLimit,
		)
	})

	return nil
}

// getConfirmedTransactions checks the confirmation status of all watched
// transactions as well as the spending transactions of all watched outputs,
// and returns the resulting validated confirmations sorted by block height
// and in-block position.
func (t *TxSyncer) getConfirmedTransactions(
	ctx context.Context) ([]*ConfirmedTx, error) {

	var confirmedTxs []*ConfirmedTx
	haveTxid := func(txid chainhash.Hash) bool {
		for _, confTx := range confirmedTxs {
			if confTx.Txid == txid {
				return true
			}
		}
		return false
	}

	for txid := range t.state.watchedTransactions {
		if haveTxid(txid) {
			continue
		}

		confTx, err := t.getConfirmedTx(
			ctx, txid, fn.None[chainhash.Hash](),
			fn.None[uint32](),
		)
		if err != nil {
			return nil, err
		}
		if confTx != nil {
			confirmedTxs = append(confirmedTxs, confTx)
		}
	}

	for op := range t.state.watchedOutputs {
		spend, err := t.cfg.ChainSource.GetOutputSpend(ctx, op)
		if err != nil {
			return nil, err
		}
		if spend == nil || spend.SpendingTxid.IsNone() ||
			spend.Status.IsNone() {

			continue
		}

		spendingTxid := spend.SpendingTxid.UnwrapOr(chainhash.Hash{})
		spendStatus := spend.Status.UnwrapOr(SpendStatus{})

		// A txid can be reached both via direct registration and via
		// an output spend lookup. If the two lookups disagree on the
		// confirmation status, one of them raced a reorg.
		if haveTxid(spendingTxid) {
			if spendStatus.Confirmed {
				// Skip inserting a duplicate entry.
				continue
			}

			log.Tracef("Inconsistency: detected "+
				"previously-confirmed tx %v as unconfirmed",
				spendingTxid)
			return nil, errInconsistency
		}

		confTx, err := t.getConfirmedTx(
			ctx, spendingTxid, spendStatus.BlockHash,
			spendStatus.BlockHeight,
		)
		if err != nil {
			return nil, err
		}
		if confTx != nil {
			confirmedTxs = append(confirmedTxs, confTx)
		}
	}

	// Sort all confirmed transactions first by block height, then by
	// in-block position, so sinks observe them in causal block order.
	sort.Slice(confirmedTxs, func(i, j int) bool {
		if confirmedTxs[i].BlockHeight != confirmedTxs[j].BlockHeight {
			return confirmedTxs[i].BlockHeight <
				confirmedTxs[j].BlockHeight
		}
		return confirmedTxs[i].Pos < confirmedTxs[j].Pos
	})

	return confirmedTxs, nil
}

// getConfirmedTx turns the chain source's claim that the given transaction
// is confirmed into a validated ConfirmedTx. A nil result without error
// means the transaction is simply not confirmed (or had to be skipped for
// safety). Disagreements between observations map to errInconsistency, while
// structurally invalid responses are hard failures.
func (t *TxSyncer) getConfirmedTx(ctx context.Context, txid chainhash.Hash,
	expectedBlockHash fn.Option[chainhash.Hash],
	knownBlockHeight fn.Option[uint32]) (*ConfirmedTx, error) {

	merkleBlock, err := t.cfg.ChainSource.GetMerkleBlock(ctx, &txid)
	if err != nil {
		return nil, err
	}
	if merkleBlock == nil {
		// Not yet confirmed.
		return nil, nil
	}

	blockHeader := merkleBlock.Header
	blockHash := blockHeader.BlockHash()

	// If an earlier output spend lookup already told us which block to
	// expect, the proof must name the same block.
	if expectedBlockHash.IsSome() {
		expected := expectedBlockHash.UnwrapOr(chainhash.Hash{})
		if expected != blockHash {
			log.Tracef("Inconsistency: tx %v expected in block "+
				"%v, but is confirmed in %v", txid, expected,
				blockHash)
			return nil, errInconsistency
		}
	}

	matches, indexes, err := extractMatches(merkleBlock)
	if err != nil {
		log.Errorf("Retrieved merkle block for txid %v doesn't "+
			"match expectations: %v. This should not happen, "+
			"please verify server integrity", txid, err)
		return nil, err
	}
	if len(matches) != 1 || len(indexes) != 1 || matches[0] != txid {
		log.Errorf("Retrieved merkle block for txid %v doesn't "+
			"match expectations. This should not happen, please "+
			"verify server integrity", txid)
		return nil, fmt.Errorf("%w: expected exactly one match for "+
			"txid %v", errBadMerkleProof, txid)
	}
	pos := indexes[0]

	tx, err := t.cfg.ChainSource.GetTx(ctx, &txid)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, nil
	}
	if tx.TxHash() != txid {
		log.Errorf("Retrieved transaction for txid %v doesn't match "+
			"expectations. This should not happen, please verify "+
			"server integrity", txid)
		return nil, fmt.Errorf("transaction returned for txid %v "+
			"hashes to a different id", txid)
	}

	// Bitcoin's merkle tree implementation has no way to discern between
	// inner and leaf node entries, so an attacker could inject a crafted
	// 64-byte transaction whose hash matches an inner node and have the
	// server prove its inclusion. Such transactions are skipped outright.
	if tx.SerializeSize() == leafAmbiguousTxSize {
		log.Errorf("Skipping transaction %v due to retrieving "+
			"potentially invalid tx data", txid)
		return nil, nil
	}

	// We can take a shortcut if a previous lookup already gave us the
	// height.
	if knownBlockHeight.IsSome() {
		return &ConfirmedTx{
			Tx:          tx,
			Txid:        txid,
			BlockHeader: blockHeader,
			Pos:         pos,
			BlockHeight: knownBlockHeight.UnwrapOr(0),
		}, nil
	}

	blockStatus, err := t.cfg.ChainSource.GetBlockStatus(ctx, &blockHash)
	if err != nil {
		return nil, err
	}
	if blockStatus.Height.IsNone() {
		// A previously confirmed block suddenly no longer being
		// confirmed means we raced a reorg and should start over.
		log.Tracef("Inconsistency: tx %v was unconfirmed during "+
			"syncing", txid)
		return nil, errInconsistency
	}

	return &ConfirmedTx{
		Tx:          tx,
		Txid:        txid,
		BlockHeader: blockHeader,
		Pos:         pos,
		BlockHeight: blockStatus.Height.UnwrapOr(0),
	}, nil
}

// getUnconfirmedTransactions queries the sinks for the transactions they
// consider confirmed and returns those whose confirming block is no longer
// part of the best chain.
func (t *TxSyncer) getUnconfirmedTransactions(ctx context.Context,
	sinks []EventSink) ([]chainhash.Hash, error) {

	// Dedup identical reports across sinks before hitting the chain
	// source.
	seen := make(map[RelevantTx]struct{})
	var unconfirmedTxs []chainhash.Hash

	for _, sink := range sinks {
		for _, relevantTx := range sink.RelevantTxids() {
			if _, ok := seen[relevantTx]; ok {
				continue
			}
			seen[relevantTx] = struct{}{}

			if relevantTx.Block.IsNone() {
				log.Criticalf("Untracked confirmation of "+
					"transaction %v. Confirmations must "+
					"be registered with this syncer "+
					"before they are first observed",
					relevantTx.Txid)
				return nil, fmt.Errorf("%w: tx %v",
					ErrUntrackedConfirmation,
					relevantTx.Txid)
			}

			blockHash := relevantTx.Block.UnwrapOr(chainhash.Hash{})
			blockStatus, err := t.cfg.ChainSource.GetBlockStatus(
				ctx, &blockHash,
			)
			if err != nil {
				return nil, err
			}

			if blockStatus.InBestChain {
				// The block in question is still confirmed.
				continue
			}

			unconfirmedTxs = append(
				unconfirmedTxs, relevantTx.Txid,
			)
		}
	}

	return unconfirmedTxs, nil
}
