// Package swap holds the settlement primitives of the trade protocol:
// the terms-hash binding, the payment-hash linkage between the Lightning and
// settlement-chain legs, deterministic escrow address derivation, and the
// pre-pay cross-validation that gates the irreversible Lightning payment.
package swap

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/lightningnetwork/lnd/lntypes"
)

// Terms is the full financial contract of a trade: the taker pays
// BaseAmountSats over Lightning and receives QuoteAmount atomic units of Mint
// from an escrow claimable with the invoice preimage.
type Terms struct {
	TradeID              string `json:"trade_id"`
	Pair                 string `json:"pair"`
	BaseAmountSats       uint64 `json:"base_amount_sats"`
	QuoteAmount          uint64 `json:"quote_amount"`
	Mint                 string `json:"mint"`
	Recipient            string `json:"recipient"`
	RefundAddress        string `json:"refund_address"`
	RefundDeadline       int64  `json:"refund_deadline"`
	PlatformFeeBps       uint32 `json:"platform_fee_bps"`
	PlatformFeeCollector string `json:"platform_fee_collector"`
	TradeFeeBps          uint32 `json:"trade_fee_bps"`
	TradeFeeCollector    string `json:"trade_fee_collector"`
}

// Hash returns the terms hash an ACCEPT envelope must reference. Computed
// over the canonical JSON serialization, so any change to any term produces a
// different hash.
func (t Terms) Hash() string {
	raw, _ := json.Marshal(t)
	digest := sha256.Sum256(raw)
	return hex.EncodeToString(digest[:])
}

// VerifyPreimage checks that preimage hashes to paymentHash. The hash is
// computed locally, never trusted from the counterparty.
func VerifyPreimage(preimage, paymentHash string) error {
	p, err := lntypes.MakePreimageFromStr(preimage)
	if err != nil {
		return fmt.Errorf("invalid preimage: %w", err)
	}
	h, err := lntypes.MakeHashFromStr(paymentHash)
	if err != nil {
		return fmt.Errorf("invalid payment hash: %w", err)
	}
	if !p.Matches(h) {
		return fmt.Errorf("preimage does not hash to payment hash %s", paymentHash)
	}
	return nil
}
