package application

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/scambiohq/scambio/internal/core/domain"
	"github.com/scambiohq/scambio/internal/core/ports"
	"github.com/scambiohq/scambio/pkg/envelope"
	"github.com/scambiohq/scambio/pkg/swap"
)

// QuoteRef is an observed QUOTE envelope for a trade.
type QuoteRef struct {
	EnvelopeID string
	Signer     string
	Seq        uint64
	Ts         int64
	Body       envelope.QuoteBody
}

// AcceptRef is an observed, gate-passing QUOTE_ACCEPT. Raw keeps the exact
// wire bytes so a replay resends the same envelope id.
type AcceptRef struct {
	EnvelopeID string
	QuoteID    string
	Recipient  string
	Signer     string
	Seq        uint64
	Ts         int64
	Raw        []byte
}

// InviteRef is an observed SWAP_INVITE.
type InviteRef struct {
	EnvelopeID string
	Channel    string
	Invite     string
	Signer     string
	Seq        uint64
	Ts         int64
}

// TradeSummary is the authoritative per-trade view reconstructed purely from
// the envelope event stream. It carries no timers and no IO state.
type TradeSummary struct {
	TradeID string

	RFQID      string
	RFQSigner  string
	RFQChannel string
	RFQ        *envelope.RFQBody

	Quotes  []QuoteRef
	Accepts []AcceptRef
	Invites []InviteRef

	TermsID     string
	TermsSigner string
	Terms       *swap.Terms
	TermsHash   string

	AcceptedTermsID string
	TermsAccepted   bool

	InvoiceID     string
	InvoiceSigner string
	Invoice       string

	EscrowID     string
	EscrowSigner string
	Escrow       *envelope.EscrowCreatedBody

	LnPaid    bool
	Claimed   bool
	ClaimTxid string

	FirstSeenTs int64
	LastEventTs int64
	LastSeq     uint64
}

// LatestAccept returns the most recent gate-passing QUOTE_ACCEPT, or nil.
// A reposted trade cycles through a second quote/accept, so replays must use
// the latest accept's quote id, never a stale one.
func (s *TradeSummary) LatestAccept() *AcceptRef {
	if len(s.Accepts) == 0 {
		return nil
	}
	return &s.Accepts[len(s.Accepts)-1]
}

// LatestInvite returns the most recent SWAP_INVITE, or nil.
func (s *TradeSummary) LatestInvite() *InviteRef {
	if len(s.Invites) == 0 {
		return nil
	}
	return &s.Invites[len(s.Invites)-1]
}

// SwapChannel is the channel the trade currently settles on.
func (s *TradeSummary) SwapChannel() string {
	if inv := s.LatestInvite(); inv != nil {
		return inv.Channel
	}
	return "swap:" + s.TradeID
}

// HasQuoteBy reports whether signer already quoted this trade.
func (s *TradeSummary) HasQuoteBy(signer string) bool {
	for _, q := range s.Quotes {
		if q.Signer == signer {
			return true
		}
	}
	return false
}

func (s *TradeSummary) quoteByID(id string) *QuoteRef {
	for i := range s.Quotes {
		if s.Quotes[i].EnvelopeID == id {
			return &s.Quotes[i]
		}
	}
	return nil
}

// State derives the trade's settlement state from what the stream contains.
// Each peer evaluates this independently from its own view.
func (s *TradeSummary) State() domain.TradeState {
	switch {
	case s.Claimed:
		return domain.TradeClaimed
	case s.LnPaid:
		return domain.TradeLnPaid
	case s.Escrow != nil:
		return domain.TradeEscrowCreated
	case s.Invoice != "":
		return domain.TradeInvoicePosted
	case s.TermsAccepted:
		return domain.TradeTermsAccepted
	case s.Terms != nil:
		return domain.TradeTermsPosted
	case len(s.Invites) > 0:
		return domain.TradeInvited
	case len(s.Accepts) > 0:
		return domain.TradeQuoteAccepted
	case len(s.Quotes) > 0:
		return domain.TradeQuoted
	default:
		return domain.TradeRfqOpen
	}
}

// Ledger folds the envelope event stream into per-trade summaries. All
// forward transitions are idempotent on (trade_id, kind, envelope_id): a
// duplicate of an already-folded envelope is a no-op, so at-most-once
// delivery is never assumed.
type Ledger struct {
	mu        sync.RWMutex
	summaries map[string]*TradeSummary
	seen      map[string]struct{}
	announces map[string][]swap.Offer
	lastSeq   uint64
}

func NewLedger() *Ledger {
	return &Ledger{
		summaries: make(map[string]*TradeSummary),
		seen:      make(map[string]struct{}),
		announces: make(map[string][]swap.Offer),
	}
}

// LastSeq is the highest folded sequence number.
func (l *Ledger) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq
}

// Fold applies events in arrival order and returns the ids of trades that
// gained at least one envelope. Malformed or unverifiable envelopes are
// dropped and logged, never fatal.
func (l *Ledger) Fold(events []ports.ChannelEvent) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	touched := make(map[string]struct{})
	for _, ev := range events {
		if ev.Seq > l.lastSeq {
			l.lastSeq = ev.Seq
		}
		env, err := envelope.Decode(ev.Message)
		if err != nil {
			log.WithError(err).Debugf("dropping malformed message on %s", ev.Channel)
			continue
		}
		if err := env.Verify(); err != nil {
			log.WithError(err).Warnf("dropping envelope with bad signature on %s", ev.Channel)
			continue
		}
		id, err := env.Hash()
		if err != nil {
			log.WithError(err).Debug("dropping unhashable envelope")
			continue
		}
		if _, dup := l.seen[id]; dup {
			continue
		}
		l.seen[id] = struct{}{}
		l.apply(ev, env, id)
		if env.Kind != envelope.KindServiceAnnounce {
			touched[env.TradeID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	return ids
}

// Summary returns the current view for a trade, or nil if never seen.
func (l *Ledger) Summary(tradeID string) *TradeSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.summaries[tradeID]
}

// TradeIDs lists every trade the ledger has seen.
func (l *Ledger) TradeIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.summaries))
	for id := range l.summaries {
		ids = append(ids, id)
	}
	return ids
}

// OffersBy returns the offers a maker last announced.
func (l *Ledger) OffersBy(signer string) []swap.Offer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.announces[signer]
}

func (l *Ledger) summaryLocked(tradeID string) *TradeSummary {
	s, ok := l.summaries[tradeID]
	if !ok {
		s = &TradeSummary{TradeID: tradeID}
		l.summaries[tradeID] = s
	}
	return s
}

func (l *Ledger) apply(ev ports.ChannelEvent, env envelope.Envelope, id string) {
	if env.Kind == envelope.KindServiceAnnounce {
		var body envelope.AnnounceBody
		if err := env.DecodeBody(&body); err != nil {
			log.WithError(err).Debug("dropping bad announce")
			return
		}
		l.announces[env.Signer] = body.Offers
		return
	}

	s := l.summaryLocked(env.TradeID)
	if s.FirstSeenTs == 0 {
		s.FirstSeenTs = env.Ts
	}
	s.LastEventTs = env.Ts
	s.LastSeq = ev.Seq

	switch env.Kind {
	case envelope.KindRFQ:
		var body envelope.RFQBody
		if err := env.DecodeBody(&body); err != nil {
			log.WithError(err).Debugf("dropping bad RFQ for %s", env.TradeID)
			return
		}
		// First RFQ wins; a re-broadcast with the same fields is the same
		// envelope id and already deduped above.
		if s.RFQID == "" {
			s.RFQID = id
			s.RFQSigner = env.Signer
			s.RFQChannel = ev.Channel
			s.RFQ = &body
		}

	case envelope.KindQuote:
		var body envelope.QuoteBody
		if err := env.DecodeBody(&body); err != nil {
			log.WithError(err).Debugf("dropping bad quote for %s", env.TradeID)
			return
		}
		s.Quotes = append(s.Quotes, QuoteRef{
			EnvelopeID: id, Signer: env.Signer, Seq: ev.Seq, Ts: env.Ts, Body: body,
		})

	case envelope.KindQuoteAccept:
		var body envelope.QuoteAcceptBody
		if err := env.DecodeBody(&body); err != nil {
			log.WithError(err).Debugf("dropping bad quote accept for %s", env.TradeID)
			return
		}
		// Anti-hijack gate: only the original RFQ signer may accept a
		// quote for this trade. Anyone else is ignored with no response.
		if s.RFQSigner == "" || env.Signer != s.RFQSigner {
			log.Debugf("ignoring quote accept from non-rfq signer on trade %s", env.TradeID)
			return
		}
		raw := make([]byte, len(ev.Message))
		copy(raw, ev.Message)
		s.Accepts = append(s.Accepts, AcceptRef{
			EnvelopeID: id, QuoteID: body.QuoteID, Recipient: body.Recipient,
			Signer: env.Signer, Seq: ev.Seq, Ts: env.Ts, Raw: raw,
		})

	case envelope.KindSwapInvite:
		var body envelope.SwapInviteBody
		if err := env.DecodeBody(&body); err != nil {
			log.WithError(err).Debugf("dropping bad invite for %s", env.TradeID)
			return
		}
		s.Invites = append(s.Invites, InviteRef{
			EnvelopeID: id, Channel: body.Channel, Invite: body.Invite,
			Signer: env.Signer, Seq: ev.Seq, Ts: env.Ts,
		})

	case envelope.KindTerms:
		var body envelope.TermsBody
		if err := env.DecodeBody(&body); err != nil {
			log.WithError(err).Debugf("dropping bad terms for %s", env.TradeID)
			return
		}
		if body.Terms.TradeID != env.TradeID {
			log.Debugf("dropping terms bound to foreign trade on %s", env.TradeID)
			return
		}
		terms := body.Terms
		s.TermsID = id
		s.TermsSigner = env.Signer
		s.Terms = &terms
		s.TermsHash = terms.Hash()

	case envelope.KindAccept:
		var body envelope.AcceptBody
		if err := env.DecodeBody(&body); err != nil {
			log.WithError(err).Debugf("dropping bad accept for %s", env.TradeID)
			return
		}
		// Bait-and-switch gate: the accept must reference the exact terms
		// payload on record.
		if s.TermsHash == "" || body.TermsHash != s.TermsHash {
			log.Debugf("ignoring accept with mismatched terms hash on trade %s", env.TradeID)
			return
		}
		s.AcceptedTermsID = id
		s.TermsAccepted = true

	case envelope.KindLnInvoice:
		var body envelope.InvoiceBody
		if err := env.DecodeBody(&body); err != nil {
			log.WithError(err).Debugf("dropping bad invoice for %s", env.TradeID)
			return
		}
		s.InvoiceID = id
		s.InvoiceSigner = env.Signer
		s.Invoice = body.Bolt11

	case envelope.KindEscrowCreated:
		var body envelope.EscrowCreatedBody
		if err := env.DecodeBody(&body); err != nil {
			log.WithError(err).Debugf("dropping bad escrow announcement for %s", env.TradeID)
			return
		}
		s.EscrowID = id
		s.EscrowSigner = env.Signer
		s.Escrow = &body

	case envelope.KindLnPaid:
		s.LnPaid = true

	case envelope.KindClaimed:
		var body envelope.ClaimedBody
		if err := env.DecodeBody(&body); err != nil {
			log.WithError(err).Debugf("dropping bad claim announcement for %s", env.TradeID)
			return
		}
		s.Claimed = true
		s.ClaimTxid = body.Txid
	}
}
