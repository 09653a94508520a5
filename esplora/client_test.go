package esplora

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// makeTestTx creates a minimal unique transaction.
func makeTestTx(nonce uint32) *wire.MsgTx {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, nonce)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: nonce},
	})
	tx.AddTxOut(&wire.TxOut{
		PkScript: append([]byte{0x6a, 0x04}, payload...),
	})

	return tx
}

// makeTestBlock assembles a block around the given transactions with a valid
// merkle root.
func makeTestBlock(txs []*wire.MsgTx) *wire.MsgBlock {
	utilTxs := make([]*btcutil.Tx, len(txs))
	for i, tx := range txs {
		utilTxs[i] = btcutil.NewTx(tx)
	}
	merkles := blockchain.BuildMerkleTreeStore(utilTxs, false)

	block := &wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:    1,
			MerkleRoot: *merkles[len(merkles)-1],
			Timestamp:  time.Unix(1700000000, 0),
			Bits:       0x1d00ffff,
		},
	}
	for _, tx := range txs {
		block.AddTransaction(tx)
	}

	return block
}

// makeMerkleProofHex builds a bitcoind-format merkleblock proof for the given
// transaction and returns it hex encoded, the way the API serves it.
func makeMerkleProofHex(t *testing.T, block *wire.MsgBlock,
	txid *chainhash.Hash) string {

	t.Helper()

	filter := bloom.NewFilter(10, 0, 0.000001, wire.BloomUpdateNone)
	filter.AddHash(txid)
	merkleBlock, _ := bloom.NewMerkleBlock(btcutil.NewBlock(block), filter)

	var buf bytes.Buffer
	err := merkleBlock.BtcEncode(
		&buf, wire.ProtocolVersion, wire.LatestEncoding,
	)
	require.NoError(t, err)

	return hex.EncodeToString(buf.Bytes())
}

// newTestClient spins up an httptest server with the given routes and returns
// a client pointed at it.
func newTestClient(t *testing.T,
	routes map[string]http.HandlerFunc) *Client {

	t.Helper()

	mux := http.NewServeMux()
	for pattern, handler := range routes {
		mux.HandleFunc(pattern, handler)
	}

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return NewClient(&ClientConfig{
		URL: server.URL,
	})
}

// TestGetTip asserts tip hash and height parsing.
func TestGetTip(t *testing.T) {
	t.Parallel()

	tipHash := chainhash.Hash{0x01, 0x02, 0x03}

	client := newTestClient(t, map[string]http.HandlerFunc{
		"/blocks/tip/hash": func(w http.ResponseWriter,
			_ *http.Request) {

			fmt.Fprint(w, tipHash.String())
		},
		"/blocks/tip/height": func(w http.ResponseWriter,
			_ *http.Request) {

			fmt.Fprint(w, "123456")
		},
	})

	hash, err := client.GetTipHash(context.Background())
	require.NoError(t, err)
	require.Equal(t, tipHash, *hash)

	height, err := client.GetTipHeight(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 123456, height)
}

// TestGetBlockStatus asserts JSON decoding of the block status endpoint.
func TestGetBlockStatus(t *testing.T) {
	t.Parallel()

	blockHash := chainhash.Hash{0x0a}

	client := newTestClient(t, map[string]http.HandlerFunc{
		"/block/" + blockHash.String() + "/status": func(
			w http.ResponseWriter, _ *http.Request) {

			fmt.Fprint(w, `{"in_best_chain":true,"height":800000}`)
		},
	})

	status, err := client.GetBlockStatus(context.Background(), &blockHash)
	require.NoError(t, err)
	require.True(t, status.InBestChain)
	require.EqualValues(t, 800000, status.Height)
}

// TestGetBlockHeader asserts that the hex-encoded header endpoint round
// trips.
func TestGetBlockHeader(t *testing.T) {
	t.Parallel()

	block := makeTestBlock([]*wire.MsgTx{makeTestTx(1)})
	blockHash := block.BlockHash()

	var headerBuf bytes.Buffer
	require.NoError(t, block.Header.Serialize(&headerBuf))
	headerHex := hex.EncodeToString(headerBuf.Bytes())

	client := newTestClient(t, map[string]http.HandlerFunc{
		"/block/" + blockHash.String() + "/header": func(
			w http.ResponseWriter, _ *http.Request) {

			fmt.Fprint(w, headerHex)
		},
	})

	header, err := client.GetBlockHeader(context.Background(), &blockHash)
	require.NoError(t, err)
	require.Equal(t, block.Header, *header)
	require.Equal(t, blockHash, header.BlockHash())
}

// TestGetMerkleBlockProof asserts that a bitcoind-format proof is decoded,
// and that an unconfirmed transaction maps to ErrNotFound.
func TestGetMerkleBlockProof(t *testing.T) {
	t.Parallel()

	txs := []*wire.MsgTx{makeTestTx(1), makeTestTx(2)}
	block := makeTestBlock(txs)
	txid := txs[1].TxHash()
	unknownTxid := chainhash.Hash{0xee}

	proofHex := makeMerkleProofHex(t, block, &txid)

	client := newTestClient(t, map[string]http.HandlerFunc{
		"/tx/" + txid.String() + "/merkleblock-proof": func(
			w http.ResponseWriter, _ *http.Request) {

			fmt.Fprint(w, proofHex)
		},
		"/tx/" + unknownTxid.String() + "/merkleblock-proof": func(
			w http.ResponseWriter, r *http.Request) {

			http.Error(w, "Transaction not found", 404)
		},
	})

	merkleBlock, err := client.GetMerkleBlockProof(
		context.Background(), &txid,
	)
	require.NoError(t, err)
	require.Equal(t, block.Header, merkleBlock.Header)
	require.EqualValues(t, len(txs), merkleBlock.Transactions)

	_, err = client.GetMerkleBlockProof(context.Background(), &unknownTxid)
	require.ErrorIs(t, err, ErrNotFound)
}

// TestGetRawTransaction asserts the hex tx endpoint round trips.
func TestGetRawTransaction(t *testing.T) {
	t.Parallel()

	tx := makeTestTx(7)
	txid := tx.TxHash()

	var txBuf bytes.Buffer
	require.NoError(t, tx.Serialize(&txBuf))

	client := newTestClient(t, map[string]http.HandlerFunc{
		"/tx/" + txid.String() + "/hex": func(w http.ResponseWriter,
			_ *http.Request) {

			fmt.Fprint(w, hex.EncodeToString(txBuf.Bytes()))
		},
	})

	gotTx, err := client.GetRawTransaction(context.Background(), &txid)
	require.NoError(t, err)
	require.Equal(t, txid, gotTx.TxHash())
}

// TestGetOutSpend asserts decoding of the outspend endpoint for both spent
// and unspent outputs.
func TestGetOutSpend(t *testing.T) {
	t.Parallel()

	fundingTxid := chainhash.Hash{0x03}
	spendingTxid := chainhash.Hash{0x04}

	client := newTestClient(t, map[string]http.HandlerFunc{
		"/tx/" + fundingTxid.String() + "/outspend/0": func(
			w http.ResponseWriter, _ *http.Request) {

			fmt.Fprintf(w, `{"spent":true,"txid":"%s","vin":1,
				"status":{"confirmed":true,
				"block_height":800001}}`, spendingTxid)
		},
		"/tx/" + fundingTxid.String() + "/outspend/1": func(
			w http.ResponseWriter, _ *http.Request) {

			fmt.Fprint(w, `{"spent":false}`)
		},
	})

	spent, err := client.GetOutSpend(context.Background(), &fundingTxid, 0)
	require.NoError(t, err)
	require.True(t, spent.Spent)
	require.Equal(t, spendingTxid.String(), spent.TxID)
	require.EqualValues(t, 1, spent.Vin)
	require.NotNil(t, spent.Status)
	require.True(t, spent.Status.Confirmed)
	require.EqualValues(t, 800001, spent.Status.BlockHeight)

	unspent, err := client.GetOutSpend(
		context.Background(), &fundingTxid, 1,
	)
	require.NoError(t, err)
	require.False(t, unspent.Spent)
	require.Nil(t, unspent.Status)
}

// TestGetFeeEstimates asserts decoding of the fee estimate map.
func TestGetFeeEstimates(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, map[string]http.HandlerFunc{
		"/fee-estimates": func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"1":25.5,"6":10.1,"144":1.0}`)
		},
	})

	estimates, err := client.GetFeeEstimates(context.Background())
	require.NoError(t, err)
	require.Len(t, estimates, 3)
	require.Equal(t, 25.5, estimates["1"])
	require.Equal(t, 1.0, estimates["144"])
}

// TestBroadcastTx asserts that a transaction is posted as hex and the
// returned txid is parsed.
func TestBroadcastTx(t *testing.T) {
	t.Parallel()

	tx := makeTestTx(9)
	txid := tx.TxHash()

	client := newTestClient(t, map[string]http.HandlerFunc{
		"/tx": func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)

			var body bytes.Buffer
			_, err := body.ReadFrom(r.Body)
			require.NoError(t, err)

			rawTx, err := hex.DecodeString(body.String())
			require.NoError(t, err)

			gotTx := wire.NewMsgTx(wire.TxVersion)
			require.NoError(
				t, gotTx.Deserialize(bytes.NewReader(rawTx)),
			)
			require.Equal(t, txid, gotTx.TxHash())

			fmt.Fprint(w, txid.String())
		},
	})

	gotTxid, err := client.BroadcastTx(context.Background(), tx)
	require.NoError(t, err)
	require.Equal(t, txid, *gotTxid)
}

// TestServerError asserts that a non-200, non-404 response is surfaced as a
// plain error.
func TestServerError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, map[string]http.HandlerFunc{
		"/blocks/tip/hash": func(w http.ResponseWriter,
			_ *http.Request) {

			http.Error(w, "internal error", 500)
		},
	})

	_, err := client.GetTipHash(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
}

// TestClientStop asserts that requests after Stop fail fast.
func TestClientStop(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, map[string]http.HandlerFunc{
		"/blocks/tip/hash": func(w http.ResponseWriter,
			_ *http.Request) {

			fmt.Fprint(w, chainhash.Hash{}.String())
		},
	})

	client.Stop()

	_, err := client.GetTipHash(context.Background())
	require.ErrorIs(t, err, ErrClientShutdown)
}
