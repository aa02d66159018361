package application

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/scambiohq/scambio/internal/core/domain"
	"github.com/scambiohq/scambio/pkg/envelope"
	"github.com/scambiohq/scambio/pkg/swap"
)

// WatchdogConfig tunes the automation loop. Every action is behind its own
// flag so a node can run fully manual, quote-only, or fully automatic.
type WatchdogConfig struct {
	PollInterval time.Duration

	// Counterparty-silence policy. A channel is left only when the wait
	// exceeds MaxWait AND the ping budget is spent; neither alone suffices.
	PingCooldown   time.Duration
	MaxPings       int
	MaxWait        time.Duration
	LeaveOnTimeout bool

	// Lightning payment retry policy for the taker. The channel is left
	// only after FailLeaveAttempts attempts AND FailLeaveMinWait elapsed
	// since the first attempt; neither alone suffices.
	PayRetryCooldown  time.Duration
	FailLeaveAttempts int
	FailLeaveMinWait  time.Duration

	// AutoLeaveCooldown is the grace period before leaving a swap channel
	// whose invite expired with no protocol progress.
	AutoLeaveCooldown time.Duration

	QuoteFromOffers   bool
	QuoteFromRfqs     bool
	AcceptQuotes      bool
	InviteFromAccepts bool
	JoinInvites       bool
	Settle            bool
}

func DefaultWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		PollInterval:      5 * time.Second,
		PingCooldown:      30 * time.Second,
		MaxPings:          3,
		MaxWait:           10 * time.Minute,
		LeaveOnTimeout:    true,
		PayRetryCooldown:  20 * time.Second,
		FailLeaveAttempts: 3,
		FailLeaveMinWait:  time.Minute,
		AutoLeaveCooldown: time.Minute,
		Settle:            true,
	}
}

// DecisionType enumerates the actions the watchdog can take on a tick.
type DecisionType string

const (
	DecideQuote        DecisionType = "quote"
	DecideAcceptQuote  DecisionType = "accept_quote"
	DecideSendInvite   DecisionType = "send_invite"
	DecideJoinChannel  DecisionType = "join_channel"
	DecidePostTerms    DecisionType = "post_terms"
	DecideAcceptTerms  DecisionType = "accept_terms"
	DecidePostInvoice  DecisionType = "post_invoice"
	DecideCreateEscrow DecisionType = "create_escrow"
	DecidePayInvoice   DecisionType = "pay_invoice"
	DecideClaim        DecisionType = "claim"
	DecideRefund       DecisionType = "refund"
	DecidePing         DecisionType = "ping"
	DecideReplayAccept DecisionType = "replay_accept"
	DecideLeave        DecisionType = "leave"
)

// Decision is one action the watchdog resolved to take for a trade.
type Decision struct {
	Type    DecisionType
	TradeID string
	Reason  string
}

// watchState is the per-trade timing memory the ledger cannot carry:
// retry counters and cooldown clocks. It is rebuilt empty on restart;
// every idempotence guard still holds because the ledger is consulted first.
type watchState struct {
	waitingSince  time.Time
	waitingOnSeq  uint64
	pings         int
	lastPingAt    time.Time
	payAttempts   int
	firstPayAt    time.Time
	lastPayAt     time.Time
	lastReplayAt  time.Time
	quoteSent     bool
	acceptSent    bool
	inviteSent    bool
	joined        bool
	termsSent     bool
	termsAccepted bool
	invoiceSent   bool
	escrowSent    bool
	lnPaySettled  bool
	claimSent     bool
	refundSent    bool
	left          bool
}

// Watchdog drives trades forward without operator input, one poll at a time.
// All protocol effects go through the Service so the same verification gates
// apply whether a step was taken by hand or by the loop.
type Watchdog struct {
	cfg WatchdogConfig
	svc *Service

	mu     sync.Mutex
	states map[string]*watchState

	// now is swappable in tests.
	now func() time.Time
}

func NewWatchdog(cfg WatchdogConfig, svc *Service) *Watchdog {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Watchdog{
		cfg:    cfg,
		svc:    svc,
		states: make(map[string]*watchState),
		now:    time.Now,
	}
}

func (w *Watchdog) PollInterval() time.Duration {
	return w.cfg.PollInterval
}

// Tick folds new bridge events and applies one round of decisions.
func (w *Watchdog) Tick(ctx context.Context) error {
	if err := w.svc.FoldNewEvents(ctx); err != nil {
		return err
	}
	now := w.now()
	for _, tradeID := range w.svc.Ledger().TradeIDs() {
		sum := w.svc.Ledger().Summary(tradeID)
		if sum == nil {
			continue
		}
		if sum.State().IsTerminal() {
			w.forget(tradeID)
			continue
		}
		st := w.stateFor(tradeID)
		if st.left {
			continue
		}
		for _, d := range w.decide(now, sum, st) {
			w.apply(ctx, now, d, st)
		}
	}
	return nil
}

func (w *Watchdog) stateFor(tradeID string) *watchState {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.states[tradeID]
	if !ok {
		st = &watchState{}
		w.states[tradeID] = st
	}
	return st
}

func (w *Watchdog) forget(tradeID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.states, tradeID)
}

// decide is pure over (now, summary, state); it mutates nothing and takes no
// I/O, so the policy is testable without any collaborator.
func (w *Watchdog) decide(now time.Time, sum *TradeSummary, st *watchState) []Decision {
	// Hygiene: a swap channel whose invite expired with no further progress
	// is left after a grace period, regardless of role.
	if d := w.decideExpiredInvite(now, sum, st); d != nil {
		return d
	}
	if sum.RFQSigner == w.svc.Pubkey() {
		return w.decideTaker(now, sum, st)
	}
	return w.decideMaker(now, sum, st)
}

func (w *Watchdog) decideExpiredInvite(now time.Time, sum *TradeSummary, st *watchState) []Decision {
	if st.left || (!st.joined && !st.inviteSent) {
		return nil
	}
	ref := sum.LatestInvite()
	if ref == nil {
		return nil
	}
	invite, err := domain.InviteFromString(ref.Invite)
	if err != nil || !invite.Expired(now.Unix()) {
		return nil
	}
	expiredFor := now.Sub(time.Unix(invite.ExpiresAt, 0))
	if time.UnixMilli(sum.LastEventTs).After(time.Unix(invite.ExpiresAt, 0)) {
		// Progress after expiry keeps the channel alive.
		return nil
	}
	if expiredFor < w.cfg.AutoLeaveCooldown {
		return nil
	}
	return []Decision{{Type: DecideLeave, TradeID: sum.TradeID, Reason: "invite expired without progress"}}
}

func (w *Watchdog) decideMaker(now time.Time, sum *TradeSummary, st *watchState) []Decision {
	id := sum.TradeID

	// Quote an open RFQ at most once. A trade carrying any accept or invite
	// is already in flight and never re-quoted, even on a duplicate RFQ.
	if sum.RFQ != nil && (w.cfg.QuoteFromOffers || w.cfg.QuoteFromRfqs) &&
		!st.quoteSent && !sum.HasQuoteBy(w.svc.Pubkey()) &&
		len(sum.Accepts) == 0 && len(sum.Invites) == 0 {
		if w.offerForRFQ(sum.RFQ) != nil {
			return []Decision{{Type: DecideQuote, TradeID: id, Reason: "rfq matches standing offer"}}
		}
		return nil
	}

	acc := sum.LatestAccept()
	ourQuoteAccepted := acc != nil && sum.quoteByID(acc.QuoteID) != nil &&
		sum.quoteByID(acc.QuoteID).Signer == w.svc.Pubkey()
	if !ourQuoteAccepted {
		return nil
	}

	if w.cfg.InviteFromAccepts && !st.inviteSent && len(sum.Invites) == 0 {
		return []Decision{{Type: DecideSendInvite, TradeID: id, Reason: "quote accepted"}}
	}
	if len(sum.Invites) == 0 {
		return nil
	}

	if sum.Terms == nil {
		if st.termsSent {
			// Broadcast but not folded back yet; do not double-post.
			return nil
		}
		return []Decision{{Type: DecidePostTerms, TradeID: id, Reason: "swap channel open"}}
	}

	if !sum.TermsAccepted {
		return w.decideSilence(now, sum, st, "waiting for terms accept")
	}
	if sum.Invoice == "" {
		if st.invoiceSent {
			return nil
		}
		return []Decision{{Type: DecidePostInvoice, TradeID: id, Reason: "terms accepted"}}
	}
	if sum.Escrow == nil {
		if st.escrowSent {
			return nil
		}
		return []Decision{{Type: DecideCreateEscrow, TradeID: id, Reason: "invoice posted"}}
	}

	if !sum.LnPaid {
		if sum.Terms.RefundDeadline <= now.Unix() && w.cfg.Settle && !st.refundSent && !sum.Claimed {
			return []Decision{{Type: DecideRefund, TradeID: id, Reason: "refund deadline elapsed"}}
		}
		return w.decideSilence(now, sum, st, "waiting for payment")
	}
	return nil
}

func (w *Watchdog) decideTaker(now time.Time, sum *TradeSummary, st *watchState) []Decision {
	id := sum.TradeID

	acc := sum.LatestAccept()
	if acc == nil {
		if w.cfg.AcceptQuotes && !st.acceptSent && len(sum.Quotes) > 0 {
			latest := sum.Quotes[len(sum.Quotes)-1]
			if latest.Body.ExpiresAt > now.UnixMilli() {
				return []Decision{{Type: DecideAcceptQuote, TradeID: id, Reason: "quote received"}}
			}
		}
		return nil
	}

	if len(sum.Invites) == 0 {
		return w.decideSilence(now, sum, st, "waiting for invite")
	}

	if w.cfg.JoinInvites && !st.joined {
		return []Decision{{Type: DecideJoinChannel, TradeID: id, Reason: "invite received"}}
	}
	if !st.joined {
		return nil
	}

	if sum.Terms == nil {
		// No TERMS after joining: resend the latest accept alongside the
		// membership ping, on the same cooldown and budget. A reposted trade
		// replays the newest accept, never a stale one.
		w.resetSilence(now, sum, st)
		waited := now.Sub(st.waitingSince)
		if waited >= w.cfg.MaxWait && st.pings >= w.cfg.MaxPings {
			if w.cfg.LeaveOnTimeout && !st.left {
				return []Decision{{Type: DecideLeave, TradeID: id, Reason: "no terms: timed out"}}
			}
			return nil
		}
		if st.pings < w.cfg.MaxPings && now.Sub(st.lastPingAt) >= w.cfg.PingCooldown {
			return []Decision{
				{Type: DecideReplayAccept, TradeID: id, Reason: "waiting for terms"},
				{Type: DecidePing, TradeID: id, Reason: "waiting for terms"},
			}
		}
		return nil
	}
	if !sum.TermsAccepted {
		if st.termsAccepted {
			return nil
		}
		return []Decision{{Type: DecideAcceptTerms, TradeID: id, Reason: "terms posted"}}
	}
	if sum.Invoice == "" || sum.Escrow == nil {
		return w.decideSilence(now, sum, st, "waiting for invoice and escrow")
	}

	if !sum.LnPaid && !st.lnPaySettled {
		budgetSpent := st.payAttempts >= w.cfg.FailLeaveAttempts
		waitElapsed := !st.firstPayAt.IsZero() && now.Sub(st.firstPayAt) >= w.cfg.FailLeaveMinWait
		if budgetSpent && waitElapsed {
			if w.cfg.LeaveOnTimeout && !st.left {
				return []Decision{{Type: DecideLeave, TradeID: id, Reason: "payment attempts exhausted"}}
			}
			return nil
		}
		if budgetSpent {
			// Attempts spent but min wait not elapsed: hold, do not retry
			// and do not leave.
			return nil
		}
		if st.payAttempts > 0 && now.Sub(st.lastPayAt) < w.cfg.PayRetryCooldown {
			return nil
		}
		return []Decision{{Type: DecidePayInvoice, TradeID: id, Reason: "escrow verified"}}
	}

	if sum.LnPaid && !sum.Claimed && w.cfg.Settle && !st.claimSent {
		return []Decision{{Type: DecideClaim, TradeID: id, Reason: "payment settled"}}
	}
	return nil
}

// resetSilence restarts the wait clock whenever new events arrive for the
// trade, so every quiet period gets the full budget.
func (w *Watchdog) resetSilence(now time.Time, sum *TradeSummary, st *watchState) {
	if st.waitingSince.IsZero() || st.waitingOnSeq != sum.LastSeq {
		st.waitingSince = now
		st.waitingOnSeq = sum.LastSeq
		st.pings = 0
	}
}

// decideSilence handles a quiet counterparty: ping on a cooldown while the
// budget lasts, and leave only once the wait AND the budget are both spent.
func (w *Watchdog) decideSilence(now time.Time, sum *TradeSummary, st *watchState, reason string) []Decision {
	w.resetSilence(now, sum, st)
	waited := now.Sub(st.waitingSince)
	if waited >= w.cfg.MaxWait && st.pings >= w.cfg.MaxPings {
		if w.cfg.LeaveOnTimeout && !st.left {
			return []Decision{{Type: DecideLeave, TradeID: sum.TradeID, Reason: reason + ": timed out"}}
		}
		return nil
	}
	if st.pings < w.cfg.MaxPings && now.Sub(st.lastPingAt) >= w.cfg.PingCooldown {
		return []Decision{{Type: DecidePing, TradeID: sum.TradeID, Reason: reason}}
	}
	return nil
}

func (w *Watchdog) apply(ctx context.Context, now time.Time, d Decision, st *watchState) {
	logger := log.WithField("trade_id", d.TradeID).WithField("decision", string(d.Type))
	var err error
	switch d.Type {
	case DecideQuote:
		err = w.applyQuote(ctx, d.TradeID)
		st.quoteSent = err == nil
	case DecideAcceptQuote:
		err = w.svc.AcceptQuote(ctx, d.TradeID, "")
		st.acceptSent = err == nil
	case DecideSendInvite:
		err = w.svc.SendSwapInvite(ctx, d.TradeID)
		st.inviteSent = err == nil
	case DecideJoinChannel:
		err = w.svc.JoinSwapChannel(ctx, d.TradeID)
		st.joined = err == nil
	case DecidePostTerms:
		err = w.svc.PostTerms(ctx, d.TradeID)
		st.termsSent = err == nil
	case DecideAcceptTerms:
		err = w.svc.AcceptTerms(ctx, d.TradeID)
		st.termsAccepted = err == nil
	case DecidePostInvoice:
		err = w.svc.PostInvoice(ctx, d.TradeID)
		st.invoiceSent = err == nil
	case DecideCreateEscrow:
		err = w.svc.CreateEscrow(ctx, d.TradeID)
		st.escrowSent = err == nil
	case DecidePayInvoice:
		st.payAttempts++
		st.lastPayAt = now
		if st.firstPayAt.IsZero() {
			st.firstPayAt = now
		}
		err = w.svc.PayInvoice(ctx, d.TradeID)
		if err == nil {
			st.lnPaySettled = true
		} else if !IsTransient(err) {
			// A verification failure never clears on retry.
			st.payAttempts = w.cfg.FailLeaveAttempts
		}
	case DecideClaim:
		err = w.svc.ClaimEscrow(ctx, d.TradeID)
		st.claimSent = err == nil
	case DecideRefund:
		err = w.svc.RefundEscrow(ctx, d.TradeID)
		st.refundSent = err == nil
	case DecidePing:
		st.pings++
		st.lastPingAt = now
		err = w.svc.PingSwapChannel(ctx, d.TradeID)
	case DecideReplayAccept:
		st.lastReplayAt = now
		err = w.svc.ReplayAccept(ctx, d.TradeID)
	case DecideLeave:
		err = w.svc.LeaveSwapChannel(ctx, d.TradeID, d.Reason)
		st.left = err == nil
	}
	if err != nil {
		logger.WithError(err).Warn("watchdog action failed")
		if !IsTransient(err) {
			if merr := w.svc.MarkTradeErrored(ctx, d.TradeID, err.Error()); merr != nil {
				logger.WithError(merr).Warn("failed to record trade error")
			}
		}
		return
	}
	logger.WithField("reason", d.Reason).Info("watchdog action applied")
}

func (w *Watchdog) applyQuote(ctx context.Context, tradeID string) error {
	sum := w.svc.Ledger().Summary(tradeID)
	if sum == nil || sum.RFQ == nil {
		return ErrTradeNotFound
	}
	offer := w.offerForRFQ(sum.RFQ)
	if offer == nil {
		return ErrTradeNotFound
	}
	_, err := w.svc.SendQuote(ctx, tradeID, *offer)
	return err
}

// offerForRFQ picks the offer to price an RFQ from. With quote-from-offers
// the RFQ must fall inside an offer's bounds; with quote-from-rfqs any
// standing offer prices any RFQ.
func (w *Watchdog) offerForRFQ(rfq *envelope.RFQBody) *swap.Offer {
	offers, err := w.svc.Offers(context.Background())
	if err != nil {
		log.WithError(err).Warn("failed to load offers")
		return nil
	}
	if w.cfg.QuoteFromOffers {
		for i := range offers {
			if offers[i].Matches(rfq.Pair, rfq.QuoteMint, rfq.BaseAmountSats) {
				return &offers[i]
			}
		}
	}
	if w.cfg.QuoteFromRfqs && len(offers) > 0 {
		return &offers[0]
	}
	return nil
}
