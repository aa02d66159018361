package swap

import (
	"math"
	"math/bits"
)

// Offer is one element of a maker's SVC_ANNOUNCE: the pair it quotes, the
// size it accepts, its price and its fee/refund-window bounds. Offers are
// read-only filters for inbound RFQs; they are never mutated by the protocol.
type Offer struct {
	Pair                string `json:"pair"`
	Mint                string `json:"mint"`
	MinBaseSats         uint64 `json:"min_base_sats"`
	MaxBaseSats         uint64 `json:"max_base_sats"`
	QuotePricePerBtc    uint64 `json:"quote_price_per_btc"`
	PlatformFeeBps      uint32 `json:"platform_fee_bps"`
	TradeFeeBps         uint32 `json:"trade_fee_bps"`
	RefundWindowSecs    uint32 `json:"refund_window_secs"`
	MinRefundWindowSecs uint32 `json:"min_refund_window_secs"`
	MaxRefundWindowSecs uint32 `json:"max_refund_window_secs"`
}

// Matches reports whether an RFQ for (pair, mint, baseSats) falls inside the
// offer's bounds.
func (o Offer) Matches(pair, mint string, baseSats uint64) bool {
	if o.Pair != pair {
		return false
	}
	if o.Mint != "" && mint != "" && o.Mint != mint {
		return false
	}
	if o.MinBaseSats > 0 && baseSats < o.MinBaseSats {
		return false
	}
	if o.MaxBaseSats > 0 && baseSats > o.MaxBaseSats {
		return false
	}
	return baseSats > 0
}

// QuoteAmountFor converts an RFQ size into atomic quote units at the offer's
// price. Prices are quoted per whole BTC; the intermediate product is
// computed in 128 bits so large size-times-price combinations don't wrap.
func (o Offer) QuoteAmountFor(baseSats uint64) uint64 {
	const satsPerBtc = 100_000_000
	hi, lo := bits.Mul64(baseSats, o.QuotePricePerBtc)
	if hi >= satsPerBtc {
		// Quotient would not fit in 64 bits.
		return math.MaxUint64
	}
	quo, _ := bits.Div64(hi, lo, satsPerBtc)
	return quo
}
