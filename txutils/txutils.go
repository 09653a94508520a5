// Package txutils provides helpers for assembling transactions before
// handing them to a signer: canonical output ordering and change output
// creation against a requested fee rate.
package txutils

import (
	"bytes"
	"errors"
	"sort"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// witnessFlagBytes is the serialization overhead of the segwit marker and
// flag bytes, counted once a transaction gains its first witness.
const witnessFlagBytes = 2

// ErrInsufficientFunds is returned when the input value cannot cover the
// transaction's outputs plus the requested fee rate, or isn't a sane amount
// to begin with.
var ErrInsufficientFunds = errors.New("insufficient funds for requested " +
	"fee rate")

// TaggedOutput pairs a transaction output with caller-side data that needs
// to follow the output through sorting.
type TaggedOutput[T any] struct {
	// TxOut is the output being sorted.
	TxOut *wire.TxOut

	// Tag is the caller's auxiliary data for this output.
	Tag T
}

// SortOutputs sorts outputs canonically by value, then by script, resolving
// fully identical outputs with the caller's tie breaker. tieBreaker must
// return a negative value if a orders before b.
func SortOutputs[T any](outputs []TaggedOutput[T], tieBreaker func(a, b T) int) {
	sort.Slice(outputs, func(i, j int) bool {
		a, b := outputs[i], outputs[j]

		if a.TxOut.Value != b.TxOut.Value {
			return a.TxOut.Value < b.TxOut.Value
		}

		cmp := bytes.Compare(a.TxOut.PkScript, b.TxOut.PkScript)
		if cmp != 0 {
			return cmp < 0
		}

		return tieBreaker(a.Tag, b.Tag) < 0
	})
}

// MaybeAddChangeOutput adds a change output paying to changePkScript if the
// input value exceeds the transaction's outputs plus the fee implied by the
// requested fee rate by more than the dust threshold. The transaction is
// assumed to gain at least one witness when signed; witnessMaxWeight is the
// upper bound on that witness data's weight. Returns the expected maximum
// weight of the fully signed transaction, whether or not a change output
// was added. The transaction is left unmodified on error.
func MaybeAddChangeOutput(tx *wire.MsgTx, inputValue btcutil.Amount,
	witnessMaxWeight int64, feeRate chainfee.SatPerKWeight,
	changePkScript []byte) (int64, error) {

	if inputValue > btcutil.MaxSatoshi {
		return 0, ErrInsufficientFunds
	}

	var outputValue btcutil.Amount
	for _, txOut := range tx.TxOut {
		outputValue += btcutil.Amount(txOut.Value)
		if outputValue >= inputValue {
			return 0, ErrInsufficientFunds
		}
	}

	changeOutput := wire.NewTxOut(0, changePkScript)
	dustLimit := btcutil.Amount(mempool.GetDustThreshold(changeOutput))

	startingWeight := blockchain.GetTransactionWeight(btcutil.NewTx(tx)) +
		witnessFlagBytes + witnessMaxWeight
	startingFee := int64(feeRate) * startingWeight / 1000

	// Adding an output grows the weight by the output's serialization and
	// possibly by an extra byte of the output count varint.
	numOutputs := uint64(len(tx.TxOut))
	weightWithChange := startingWeight +
		int64(changeOutput.SerializeSize())*4 +
		int64(wire.VarIntSerializeSize(numOutputs+1)-
			wire.VarIntSerializeSize(numOutputs))*4
	feeWithChange := int64(feeRate) * weightWithChange / 1000

	changeValue := int64(inputValue-outputValue) - feeWithChange
	if changeValue >= int64(dustLimit) {
		changeOutput.Value = changeValue
		tx.AddTxOut(changeOutput)
		return weightWithChange, nil
	}

	// No room for a change output. The requested fee rate must still be
	// payable from the excess alone.
	if int64(inputValue-outputValue)-startingFee < 0 {
		return 0, ErrInsufficientFunds
	}

	return startingWeight, nil
}
