// Package bolt11 extracts the parameters needed to pay a decoded BOLT-11
// invoice.
package bolt11

import (
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

var (
	// ErrNoAmount is returned when an invoice carries no amount and the
	// caller didn't supply one. Use ParamsFromVariableAmountInvoice for
	// such invoices.
	ErrNoAmount = errors.New("invoice specifies no amount")

	// ErrAmountSet is returned when an amount is supplied for an invoice
	// that already carries one. Use ParamsFromInvoice for such invoices.
	ErrAmountSet = errors.New("invoice already specifies an amount")
)

// PaymentParams bundles everything a payment engine needs to pay one
// decoded invoice: the payment identifiers for the final hop, the payee and
// how to route to them, and the payment's amount and deadline.
//
// Before paying, callers must ensure the payment hash is unique and has
// never been paid before.
type PaymentParams struct {
	// PaymentHash is the hash whose preimage proves payment.
	PaymentHash lntypes.Hash

	// PaymentAddr is the payment address to include for the final hop,
	// if the invoice carries one.
	PaymentAddr fn.Option[[32]byte]

	// Metadata is opaque data to relay to the payee, if any.
	Metadata []byte

	// Destination is the payee's node key.
	Destination *btcec.PublicKey

	// Amount is the amount to pay.
	Amount lnwire.MilliSatoshi

	// FinalCLTVDelta is the minimum CLTV delta the final hop requires.
	FinalCLTVDelta uint32

	// RouteHints are private routing hints towards the payee.
	RouteHints [][]zpay32.HopHint

	// Expiry is the absolute time after which the payee will no longer
	// settle the payment.
	Expiry time.Time

	// Features is the feature vector advertised by the invoice.
	Features *lnwire.FeatureVector
}

// ParamsFromInvoice builds the parameters to pay the given invoice, which
// must carry an amount.
func ParamsFromInvoice(invoice *zpay32.Invoice) (*PaymentParams, error) {
	if invoice.MilliSat == nil {
		return nil, ErrNoAmount
	}

	return paramsFromInvoice(invoice, *invoice.MilliSat), nil
}

// ParamsFromVariableAmountInvoice builds the parameters to pay the given
// variable-amount (also known as zero-amount) invoice with the given
// amount. The invoice must not carry an amount of its own.
func ParamsFromVariableAmountInvoice(invoice *zpay32.Invoice,
	amount lnwire.MilliSatoshi) (*PaymentParams, error) {

	if invoice.MilliSat != nil {
		return nil, ErrAmountSet
	}

	return paramsFromInvoice(invoice, amount), nil
}

func paramsFromInvoice(invoice *zpay32.Invoice,
	amount lnwire.MilliSatoshi) *PaymentParams {

	return &PaymentParams{
		PaymentHash:    lntypes.Hash(*invoice.PaymentHash),
		PaymentAddr:    invoice.PaymentAddr,
		Metadata:       invoice.Metadata,
		Destination:    invoice.Destination,
		Amount:         amount,
		FinalCLTVDelta: uint32(invoice.MinFinalCLTVExpiry()),
		RouteHints:     invoice.RouteHints,
		Expiry:         invoice.Timestamp.Add(invoice.Expiry()),
		Features:       invoice.Features,
	}
}
