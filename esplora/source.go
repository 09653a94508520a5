package esplora

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/txsync"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Source adapts the Esplora REST client to the txsync.ChainSource
// interface. The REST API's string-and-404 conventions are translated into
// the typed optionals the syncer works with.
type Source struct {
	client *Client
}

// Compile time check to ensure Source implements txsync.ChainSource.
var _ txsync.ChainSource = (*Source)(nil)

// NewSource creates a chain source backed by the given client.
func NewSource(client *Client) *Source {
	return &Source{client: client}
}

// GetTipHash returns the hash of the current best chain tip.
func (s *Source) GetTipHash(ctx context.Context) (*chainhash.Hash, error) {
	return s.client.GetTipHash(ctx)
}

// GetHeaderByHash returns the header of the block with the given hash.
func (s *Source) GetHeaderByHash(ctx context.Context,
	blockHash *chainhash.Hash) (*wire.BlockHeader, error) {

	return s.client.GetBlockHeader(ctx, blockHash)
}

// GetBlockStatus returns the given block's best-chain membership and
// height. Esplora only reports a height for blocks in the best chain.
func (s *Source) GetBlockStatus(ctx context.Context,
	blockHash *chainhash.Hash) (*txsync.BlockStatus, error) {

	status, err := s.client.GetBlockStatus(ctx, blockHash)
	if err != nil {
		return nil, err
	}

	height := fn.None[uint32]()
	if status.InBestChain {
		height = fn.Some(status.Height)
	}

	return &txsync.BlockStatus{
		InBestChain: status.InBestChain,
		Height:      height,
	}, nil
}

// GetMerkleBlock returns a merkle block proving the given transaction's
// inclusion, or nil if the transaction is unconfirmed.
func (s *Source) GetMerkleBlock(ctx context.Context,
	txid *chainhash.Hash) (*wire.MsgMerkleBlock, error) {

	merkleBlock, err := s.client.GetMerkleBlockProof(ctx, txid)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return merkleBlock, nil
}

// GetTx returns the raw transaction with the given txid, or nil if the API
// doesn't know it.
func (s *Source) GetTx(ctx context.Context,
	txid *chainhash.Hash) (*wire.MsgTx, error) {

	tx, err := s.client.GetRawTransaction(ctx, txid)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return tx, nil
}

// GetOutputSpend returns the spend status of the given outpoint, or nil if
// the funding transaction is unknown to the API.
func (s *Source) GetOutputSpend(ctx context.Context,
	op wire.OutPoint) (*txsync.OutputSpend, error) {

	outSpend, err := s.client.GetOutSpend(ctx, &op.Hash, op.Index)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	spendingTxid := fn.None[chainhash.Hash]()
	if outSpend.Spent && outSpend.TxID != "" {
		txid, err := chainhash.NewHashFromStr(outSpend.TxID)
		if err != nil {
			return nil, fmt.Errorf("failed to parse spending "+
				"txid: %w", err)
		}
		spendingTxid = fn.Some(*txid)
	}

	status := fn.None[txsync.SpendStatus]()
	if outSpend.Status != nil {
		spendStatus, err := convertSpendStatus(outSpend.Status)
		if err != nil {
			return nil, err
		}
		status = fn.Some(*spendStatus)
	}

	return &txsync.OutputSpend{
		SpendingTxid: spendingTxid,
		Status:       status,
	}, nil
}

// convertSpendStatus translates the API's tx status representation into the
// syncer's.
func convertSpendStatus(status *TxStatus) (*txsync.SpendStatus, error) {
	blockHash := fn.None[chainhash.Hash]()
	if status.BlockHash != "" {
		hash, err := chainhash.NewHashFromStr(status.BlockHash)
		if err != nil {
			return nil, fmt.Errorf("failed to parse block hash: "+
				"%w", err)
		}
		blockHash = fn.Some(*hash)
	}

	blockHeight := fn.None[uint32]()
	if status.Confirmed {
		blockHeight = fn.Some(status.BlockHeight)
	}

	return &txsync.SpendStatus{
		Confirmed:   status.Confirmed,
		BlockHash:   blockHash,
		BlockHeight: blockHeight,
	}, nil
}
