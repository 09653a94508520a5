package txsync

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// makeTestTx creates a unique, minimal transaction. The nonce is embedded in
// an OP_RETURN output so distinct nonces produce distinct txids.
func makeTestTx(nonce uint32) *wire.MsgTx {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, nonce)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{}, nonce),
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(0, append(
		[]byte{txscript.OP_RETURN}, payload...,
	)))

	return tx
}

// makeSpendingTx creates a unique transaction spending the given outpoint.
func makeSpendingTx(nonce uint32, prevOut wire.OutPoint) *wire.MsgTx {
	tx := makeTestTx(nonce)
	tx.TxIn[0].PreviousOutPoint = prevOut

	return tx
}

// make64ByteTx creates a transaction that serializes to exactly 64 bytes,
// the size at which a txid can collide with an inner merkle tree node.
func make64ByteTx(t *testing.T, nonce uint32) *wire.MsgTx {
	payload := make([]byte, 3)
	payload[0] = byte(nonce)
	payload[1] = byte(nonce >> 8)
	payload[2] = byte(nonce >> 16)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{}, nonce),
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(0, append(
		[]byte{txscript.OP_RETURN}, payload...,
	)))

	require.Equal(t, 64, tx.SerializeSize())

	return tx
}

// makeTestBlock assembles a block over the given transactions with a valid
// merkle root commitment.
func makeTestBlock(prevBlock chainhash.Hash, txs []*wire.MsgTx) *wire.MsgBlock {
	utilTxs := make([]*btcutil.Tx, len(txs))
	for i, tx := range txs {
		utilTxs[i] = btcutil.NewTx(tx)
	}
	merkles := blockchain.BuildMerkleTreeStore(utilTxs, false)

	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:    1,
			PrevBlock:  prevBlock,
			MerkleRoot: *merkles[len(merkles)-1],
			Timestamp:  time.Unix(1231469665, 0),
			Bits:       0x1d00ffff,
		},
		Transactions: txs,
	}

	return block
}

// makeMerkleBlock builds a merkle block for the given block, matching
// exactly the given txids.
func makeMerkleBlock(block *wire.MsgBlock,
	matches ...*chainhash.Hash) *wire.MsgMerkleBlock {

	filter := bloom.NewFilter(
		uint32(len(matches)+1), 0, 0.000001, wire.BloomUpdateNone,
	)
	for _, txid := range matches {
		filter.AddHash(txid)
	}

	merkleBlock, _ := bloom.NewMerkleBlock(btcutil.NewBlock(block), filter)

	return merkleBlock
}
