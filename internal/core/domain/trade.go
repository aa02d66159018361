package domain

import (
	"context"
	"fmt"

	"github.com/scambiohq/scambio/pkg/swap"
)

type TradeRole int

const (
	TradeRoleMaker TradeRole = iota
	TradeRoleTaker
)

func (r TradeRole) String() string {
	if r == TradeRoleMaker {
		return "maker"
	}
	return "taker"
}

// TradeState advances strictly forward along the settlement state machine.
// Claimed and Refunded are terminal successes, Abandoned and Left terminal
// failures reachable from any non-terminal state.
type TradeState int

const (
	TradeRfqOpen TradeState = iota
	TradeQuoted
	TradeQuoteAccepted
	TradeInvited
	TradeTermsPosted
	TradeTermsAccepted
	TradeInvoicePosted
	TradeEscrowCreated
	TradeLnPaid
	TradeClaimed
	TradeRefunded
	TradeAbandoned
	TradeLeft
)

var tradeStateNames = map[TradeState]string{
	TradeRfqOpen:       "rfq_open",
	TradeQuoted:        "quoted",
	TradeQuoteAccepted: "quote_accepted",
	TradeInvited:       "invited",
	TradeTermsPosted:   "terms_posted",
	TradeTermsAccepted: "terms_accepted",
	TradeInvoicePosted: "invoice_posted",
	TradeEscrowCreated: "escrow_created",
	TradeLnPaid:        "ln_paid",
	TradeClaimed:       "claimed",
	TradeRefunded:      "refunded",
	TradeAbandoned:     "abandoned",
	TradeLeft:          "left",
}

func (s TradeState) String() string {
	if name, ok := tradeStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// IsTerminal reports whether no further transition is allowed.
func (s TradeState) IsTerminal() bool {
	switch s {
	case TradeClaimed, TradeRefunded, TradeAbandoned, TradeLeft:
		return true
	}
	return false
}

// Trade is the durable settlement record for one trade id. The mutable
// summary lives alongside an append-only TradeEvent history; the summary is
// always reconstructible from the event log.
type Trade struct {
	Id                 string
	Role               TradeRole
	SwapChannel        string
	CounterpartyPubkey string

	Terms     *swap.Terms
	TermsHash string

	Invoice        string
	PaymentHash    string
	PreimageHandle string // sealed handle, taker only; never the raw preimage

	EscrowAddress string
	VaultAddress  string
	SettleTxid    string

	State     TradeState
	LastError string
	CreatedAt int64
	UpdatedAt int64
}

// Advance moves the trade forward. Moving backwards, repeating a state, or
// leaving a terminal state is rejected; the failure exits are always allowed
// from non-terminal states.
func (t *Trade) Advance(next TradeState) error {
	if t.State.IsTerminal() {
		return fmt.Errorf("trade %s is terminal (%s)", t.Id, t.State)
	}
	if next == TradeAbandoned || next == TradeLeft {
		t.State = next
		return nil
	}
	if next <= t.State {
		return fmt.Errorf("trade %s cannot move %s -> %s", t.Id, t.State, next)
	}
	t.State = next
	return nil
}

// Fail records an error without changing the settlement state.
func (t *Trade) Fail(msg string) {
	t.LastError = msg
}

// Abandon marks the trade abandoned with a reason.
func (t *Trade) Abandon(reason string) error {
	t.LastError = reason
	return t.Advance(TradeAbandoned)
}

// Leave marks the trade left after a deterministic timeout.
func (t *Trade) Leave(reason string) error {
	t.LastError = reason
	return t.Advance(TradeLeft)
}

// TradeEvent is one append-only audit entry. Never mutated.
type TradeEvent struct {
	TradeId   string
	Type      string
	Payload   []byte
	Timestamp int64
}

// TradeRepository stores the durable trade receipts.
type TradeRepository interface {
	Upsert(ctx context.Context, trade Trade) error
	Get(ctx context.Context, tradeId string) (*Trade, error)
	GetByPaymentHash(ctx context.Context, paymentHash string) (*Trade, error)
	GetAll(ctx context.Context) ([]Trade, error)
	// GetOpenClaims lists taker trades that are paid but not yet claimed.
	GetOpenClaims(ctx context.Context, offset, limit int) ([]Trade, error)
	// GetOpenRefunds lists maker trades whose refund deadline has elapsed
	// without a claim.
	GetOpenRefunds(ctx context.Context, now int64, offset, limit int) ([]Trade, error)
	Close()
}

// TradeEventRepository is the append-only event log behind the summaries.
type TradeEventRepository interface {
	Append(ctx context.Context, event TradeEvent) error
	GetByTrade(ctx context.Context, tradeId string) ([]TradeEvent, error)
	Close()
}

// OfferRepository stores the maker's published offers.
type OfferRepository interface {
	Put(ctx context.Context, offers []swap.Offer) error
	GetAll(ctx context.Context) ([]swap.Offer, error)
	Close()
}
