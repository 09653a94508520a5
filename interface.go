package txsync

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// BlockStatus describes a block's current membership in the best chain, as
// reported by the remote chain data source.
type BlockStatus struct {
	// InBestChain is true if the block is currently part of the best
	// known chain.
	InBestChain bool

	// Height is the block's height within the best chain. It is None if
	// the block has been reorged out.
	Height fn.Option[uint32]
}

// SpendStatus describes the confirmation state of a transaction that spends a
// watched output.
type SpendStatus struct {
	// Confirmed is true if the spending transaction has been included in
	// a block.
	Confirmed bool

	// BlockHash is the hash of the block containing the spending
	// transaction, if confirmed.
	BlockHash fn.Option[chainhash.Hash]

	// BlockHeight is the height of the block containing the spending
	// transaction, if confirmed.
	BlockHeight fn.Option[uint32]
}

// OutputSpend describes whether and how a transaction output has been spent.
type OutputSpend struct {
	// SpendingTxid is the txid of the transaction spending the output, if
	// the data source knows of one.
	SpendingTxid fn.Option[chainhash.Hash]

	// Status is the confirmation status of the spending transaction.
	Status fn.Option[SpendStatus]
}

// ChainSource is the read-only query surface the syncer reconciles against.
// Implementations are untrusted with respect to proof integrity: every
// response that claims a confirmation is re-validated before it is acted
// upon. All calls may fail with a transport error, which the syncer treats
// uniformly as semi-permanent and surfaces to the caller for a later retry.
type ChainSource interface {
	// GetTipHash returns the hash of the current best chain tip.
	GetTipHash(ctx context.Context) (*chainhash.Hash, error)

	// GetHeaderByHash returns the header of the block with the given
	// hash.
	GetHeaderByHash(ctx context.Context,
		blockHash *chainhash.Hash) (*wire.BlockHeader, error)

	// GetBlockStatus returns the given block's best-chain membership and
	// height.
	GetBlockStatus(ctx context.Context,
		blockHash *chainhash.Hash) (*BlockStatus, error)

	// GetMerkleBlock returns a merkle block proving the given
	// transaction's inclusion in its confirming block. A nil merkle block
	// (without error) means the transaction is unconfirmed.
	GetMerkleBlock(ctx context.Context,
		txid *chainhash.Hash) (*wire.MsgMerkleBlock, error)

	// GetTx returns the raw transaction with the given txid. A nil
	// transaction (without error) means the data source doesn't know it.
	GetTx(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx, error)

	// GetOutputSpend returns the spend status of the given outpoint. A
	// nil result (without error) means the funding transaction is
	// unknown to the data source.
	GetOutputSpend(ctx context.Context,
		op wire.OutPoint) (*OutputSpend, error)
}

// RelevantTx is an entry reported by an EventSink describing a transaction
// the sink currently considers confirmed.
type RelevantTx struct {
	// Txid is the id of the confirmed transaction.
	Txid chainhash.Hash

	// ConfHeight is the height the sink saw the confirmation at.
	ConfHeight uint32

	// Block is the hash of the confirming block. Sinks must always track
	// confirmations together with their confirming block; a None here is
	// a violation of the registration contract and surfaces as
	// ErrUntrackedConfirmation.
	Block fn.Option[chainhash.Hash]
}

// EventSink is implemented by consumers that want to be driven by the
// syncer. Within one committed sync pass a sink sees at most one
// BestBlockUpdated call followed by at most one ordered batch of confirmed
// transactions.
type EventSink interface {
	// BestBlockUpdated is called when the best chain tip has moved,
	// before any confirmations for the new tip are delivered.
	BestBlockUpdated(header *wire.BlockHeader, height uint32)

	// TransactionsConfirmed delivers transactions confirmed in the block
	// with the given header and height. Calls across one sync pass are
	// ordered by (block height, in-block position) ascending.
	TransactionsConfirmed(header *wire.BlockHeader, txs []*ConfirmedTx,
		height uint32)

	// TransactionUnconfirmed is called when a previously confirmed
	// transaction's block was reorged out of the best chain.
	TransactionUnconfirmed(txid *chainhash.Hash)

	// RelevantTxids returns the set of transactions the sink currently
	// considers confirmed, used to detect unconfirmations.
	RelevantTxids() []RelevantTx
}

// WatchedOutput is a transaction output watched for a confirmed spend.
type WatchedOutput struct {
	// BlockHash is the hash of the block containing the funding
	// transaction, if known at registration time.
	BlockHash fn.Option[chainhash.Hash]

	// OutPoint identifies the watched output.
	OutPoint wire.OutPoint

	// PkScript is the script of the watched output.
	PkScript []byte
}

// ConfirmedTx describes one validated on-chain confirmation. Instances are
// only ever created after the merkle proof supplied by the chain source has
// been checked against the confirming block header.
type ConfirmedTx struct {
	// Tx is the confirmed transaction.
	Tx *wire.MsgTx

	// Txid is the transaction's id.
	Txid chainhash.Hash

	// BlockHeader is the header of the confirming block.
	BlockHeader wire.BlockHeader

	// Pos is the transaction's 0-based position within the confirming
	// block.
	Pos uint32

	// BlockHeight is the height of the confirming block.
	BlockHeight uint32
}
