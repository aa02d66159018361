package swap

import "fmt"

// PrePayError reports which field failed cross-validation. Field names are
// stable so callers and operators can act on them.
type PrePayError struct {
	Field  string
	Reason string
}

func (e *PrePayError) Error() string {
	return fmt.Sprintf("pre-pay check failed on %s: %s", e.Field, e.Reason)
}

// PrePayInput gathers the three legs the payer must cross-validate before
// releasing the Lightning payment: the negotiated TERMS, the decoded invoice
// leg, and the escrow observed on chain.
type PrePayInput struct {
	TradeID string
	Terms   Terms

	// Trade ids carried by the LN_INVOICE and SOL_ESCROW_CREATED envelopes.
	InvoiceTradeID string
	EscrowTradeID  string

	// Decoded from the bolt11 invoice, not taken from the counterparty.
	InvoicePaymentHash string
	InvoiceAmountSats  uint64

	// The hash the escrow was announced against, and the account read back
	// from the chain.
	EscrowPaymentHash string
	Escrow            *EscrowState
}

// VerifyPrePay runs the full pre-pay check of the settlement protocol. Only
// if it returns nil may the payer pay the invoice. Every mismatch, including
// the fee guardrail, is reported with a field-specific reason so a
// bait-and-switch on any single term is caught even when the escrow exists.
func VerifyPrePay(in PrePayInput) error {
	if in.Terms.TradeID != in.TradeID {
		return &PrePayError{"trade_id", fmt.Sprintf("terms bound to %s, expected %s", in.Terms.TradeID, in.TradeID)}
	}
	if in.InvoiceTradeID != in.TradeID {
		return &PrePayError{"trade_id", "invoice envelope belongs to a different trade"}
	}
	if in.EscrowTradeID != in.TradeID {
		return &PrePayError{"trade_id", "escrow envelope belongs to a different trade"}
	}
	if in.Escrow == nil {
		return &PrePayError{"escrow", "escrow account not found on chain"}
	}
	if in.Escrow.Claimed || in.Escrow.Refunded {
		return &PrePayError{"escrow", "escrow already settled"}
	}
	if in.InvoicePaymentHash == "" {
		return &PrePayError{"payment_hash", "invoice has no payment hash"}
	}
	if in.InvoicePaymentHash != in.EscrowPaymentHash {
		return &PrePayError{"payment_hash", "invoice payment hash differs from the hash the escrow was created against"}
	}
	if in.Escrow.PaymentHash != in.InvoicePaymentHash {
		return &PrePayError{"payment_hash", "on-chain escrow locked to a different payment hash"}
	}
	if in.InvoiceAmountSats != in.Terms.BaseAmountSats {
		return &PrePayError{"amount", fmt.Sprintf("invoice asks %d sats, terms say %d", in.InvoiceAmountSats, in.Terms.BaseAmountSats)}
	}
	if in.Escrow.Amount != in.Terms.QuoteAmount {
		return &PrePayError{"amount", fmt.Sprintf("escrow holds %d, terms say %d", in.Escrow.Amount, in.Terms.QuoteAmount)}
	}
	if in.Escrow.Mint != in.Terms.Mint {
		return &PrePayError{"mint", fmt.Sprintf("escrow mint %s, terms say %s", in.Escrow.Mint, in.Terms.Mint)}
	}
	if in.Escrow.Recipient != in.Terms.Recipient {
		return &PrePayError{"recipient", "escrow recipient differs from terms"}
	}
	if in.Escrow.Refund != in.Terms.RefundAddress {
		return &PrePayError{"refund", "escrow refund address differs from terms"}
	}
	if in.Escrow.RefundAfter != in.Terms.RefundDeadline {
		return &PrePayError{"refund_deadline", fmt.Sprintf("escrow refundable at %d, terms say %d", in.Escrow.RefundAfter, in.Terms.RefundDeadline)}
	}
	// Fee guardrail: the on-chain fee schedule must be exactly what was
	// negotiated, not merely "an escrow that exists".
	if in.Escrow.PlatformFeeBps != in.Terms.PlatformFeeBps {
		return &PrePayError{"platform_fee_bps", fmt.Sprintf("escrow charges %d bps, terms say %d", in.Escrow.PlatformFeeBps, in.Terms.PlatformFeeBps)}
	}
	if in.Escrow.PlatformFeeCollector != in.Terms.PlatformFeeCollector {
		return &PrePayError{"platform_fee_collector", "escrow platform fee collector differs from terms"}
	}
	if in.Escrow.TradeFeeBps != in.Terms.TradeFeeBps {
		return &PrePayError{"trade_fee_bps", fmt.Sprintf("escrow charges %d bps, terms say %d", in.Escrow.TradeFeeBps, in.Terms.TradeFeeBps)}
	}
	if in.Escrow.TradeFeeCollector != in.Terms.TradeFeeCollector {
		return &PrePayError{"trade_fee_collector", "escrow trade fee collector differs from terms"}
	}
	return nil
}
