package envelope

import "github.com/scambiohq/scambio/pkg/swap"

// Kind-specific body schemas. Every body is decoded with DecodeBody, which
// rejects unknown keys.

// RFQBody opens a trade: a taker asks makers for a quote on a pair and size.
type RFQBody struct {
	Pair           string `json:"pair"`
	BaseAmountSats uint64 `json:"base_amount_sats"`
	QuoteMint      string `json:"quote_mint"`
}

// QuoteBody answers an RFQ. RfqID pins the exact RFQ envelope being quoted.
type QuoteBody struct {
	RfqID                string `json:"rfq_id"`
	QuoteAmount          uint64 `json:"quote_amount"`
	Mint                 string `json:"mint"`
	PlatformFeeBps       uint32 `json:"platform_fee_bps"`
	PlatformFeeCollector string `json:"platform_fee_collector"`
	TradeFeeBps          uint32 `json:"trade_fee_bps"`
	TradeFeeCollector    string `json:"trade_fee_collector"`
	RefundWindowSecs     uint32 `json:"refund_window_secs"`
	ExpiresAt            int64  `json:"expires_at"`
}

// QuoteAcceptBody accepts one quote by envelope id. Only the original RFQ
// signer may accept; other signers are ignored. Recipient is the accepter's
// settlement-chain account the escrow will pay out to.
type QuoteAcceptBody struct {
	QuoteID   string `json:"quote_id"`
	Recipient string `json:"recipient"`
}

// SwapInviteBody moves the trade into a private swap channel. Invite carries
// the capability token granting the taker entry.
type SwapInviteBody struct {
	Channel string `json:"channel"`
	Invite  string `json:"invite"`
}

// TermsBody posts the full financial contract of the trade.
type TermsBody struct {
	Terms swap.Terms `json:"terms"`
}

// AcceptBody binds the accepter to one exact TERMS payload by hash.
type AcceptBody struct {
	TermsHash string `json:"terms_hash"`
}

// InvoiceBody publishes the Lightning leg.
type InvoiceBody struct {
	Bolt11 string `json:"bolt11"`
}

// EscrowCreatedBody announces the on-chain escrow lock.
type EscrowCreatedBody struct {
	PaymentHash   string `json:"payment_hash"`
	EscrowAddress string `json:"escrow_address"`
	Txid          string `json:"txid"`
}

// LnPaidBody announces the Lightning payment went through.
type LnPaidBody struct {
	PaymentHash string `json:"payment_hash"`
}

// ClaimedBody announces the escrow claim.
type ClaimedBody struct {
	PaymentHash string `json:"payment_hash"`
	Txid        string `json:"txid"`
}

// AnnounceBody publishes a maker's standing offers.
type AnnounceBody struct {
	Offers []swap.Offer `json:"offers"`
}
