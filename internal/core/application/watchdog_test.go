package application

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scambiohq/scambio/internal/core/domain"
	"github.com/scambiohq/scambio/pkg/envelope"
	"github.com/scambiohq/scambio/pkg/swap"
)

func testWatchdogConfig() WatchdogConfig {
	return WatchdogConfig{
		PollInterval:      time.Second,
		PingCooldown:      30 * time.Second,
		MaxPings:          3,
		MaxWait:           10 * time.Minute,
		LeaveOnTimeout:    true,
		PayRetryCooldown:  10 * time.Second,
		FailLeaveAttempts: 2,
		FailLeaveMinWait:  time.Minute,
		AutoLeaveCooldown: time.Minute,
		QuoteFromOffers:   true,
		AcceptQuotes:      true,
		InviteFromAccepts: true,
		JoinInvites:       true,
		Settle:            true,
	}
}

func decisionTypes(ds []Decision) []DecisionType {
	out := make([]DecisionType, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Type)
	}
	return out
}

// takerWaitingSummary is a trade this node opened, accepted a quote on, and
// is now waiting for the maker on.
func takerWaitingSummary(pubkey string) *TradeSummary {
	return &TradeSummary{
		TradeID:   "t1",
		RFQSigner: pubkey,
		RFQ:       &envelope.RFQBody{Pair: "BTC/TOKEN", BaseAmountSats: 250_000},
		Accepts:   []AcceptRef{{EnvelopeID: "acc1", QuoteID: "q1", Raw: []byte(`{}`)}},
		LastSeq:   5,
	}
}

func TestWatchdogSilencePolicy(t *testing.T) {
	h := newHarness(t)
	base := time.Now()

	t.Run("leave needs wait and ping budget spent", func(t *testing.T) {
		w := NewWatchdog(testWatchdogConfig(), h.svc)
		sum := takerWaitingSummary(h.svc.Pubkey())
		st := &watchState{}

		// First quiet tick: ping.
		ds := w.decide(base, sum, st)
		require.Equal(t, []DecisionType{DecidePing}, decisionTypes(ds))
		st.pings, st.lastPingAt = 1, base

		// Inside the cooldown: hold.
		require.Empty(t, w.decide(base.Add(10*time.Second), sum, st))

		// Wait elapsed but budget not spent: keep pinging, no leave.
		ds = w.decide(base.Add(11*time.Minute), sum, st)
		require.Equal(t, []DecisionType{DecidePing}, decisionTypes(ds))
		st.pings, st.lastPingAt = 2, base.Add(11*time.Minute)
		ds = w.decide(base.Add(12*time.Minute), sum, st)
		require.Equal(t, []DecisionType{DecidePing}, decisionTypes(ds))
		st.pings, st.lastPingAt = 3, base.Add(12*time.Minute)

		// Both spent: leave.
		ds = w.decide(base.Add(13*time.Minute), sum, st)
		require.Equal(t, []DecisionType{DecideLeave}, decisionTypes(ds))
	})

	t.Run("zero ping budget leaves on wait alone", func(t *testing.T) {
		cfg := testWatchdogConfig()
		cfg.MaxPings = 0
		cfg.MaxWait = time.Minute
		w := NewWatchdog(cfg, h.svc)
		sum := takerWaitingSummary(h.svc.Pubkey())
		st := &watchState{}

		// Never pings.
		require.Empty(t, w.decide(base, sum, st))
		require.Empty(t, w.decide(base.Add(30*time.Second), sum, st))
		require.Equal(t, 0, st.pings)

		ds := w.decide(base.Add(2*time.Minute), sum, st)
		require.Equal(t, []DecisionType{DecideLeave}, decisionTypes(ds))
	})

	t.Run("progress restarts the clock", func(t *testing.T) {
		cfg := testWatchdogConfig()
		cfg.MaxPings = 0
		cfg.MaxWait = time.Minute
		w := NewWatchdog(cfg, h.svc)
		sum := takerWaitingSummary(h.svc.Pubkey())
		st := &watchState{}

		require.Empty(t, w.decide(base, sum, st))
		// New event arrives just before the deadline.
		sum.LastSeq++
		require.Empty(t, w.decide(base.Add(59*time.Second), sum, st))
		// Old deadline passes, but the clock restarted.
		require.Empty(t, w.decide(base.Add(90*time.Second), sum, st))
		ds := w.decide(base.Add(3*time.Minute), sum, st)
		require.Equal(t, []DecisionType{DecideLeave}, decisionTypes(ds))
	})

	t.Run("leave disabled holds forever", func(t *testing.T) {
		cfg := testWatchdogConfig()
		cfg.MaxPings = 0
		cfg.MaxWait = time.Minute
		cfg.LeaveOnTimeout = false
		w := NewWatchdog(cfg, h.svc)
		st := &watchState{}
		require.Empty(t, w.decide(base.Add(time.Hour), takerWaitingSummary(h.svc.Pubkey()), st))
	})
}

func TestWatchdogPayRetryPolicy(t *testing.T) {
	h := newHarness(t)
	base := time.Now()
	terms := &swap.Terms{TradeID: "t1", BaseAmountSats: 250_000, QuoteAmount: 5_000_000, RefundDeadline: base.Add(time.Hour).Unix()}

	paySummary := func() *TradeSummary {
		return &TradeSummary{
			TradeID:       "t1",
			RFQSigner:     h.svc.Pubkey(),
			Accepts:       []AcceptRef{{EnvelopeID: "acc1", QuoteID: "q1"}},
			Invites:       []InviteRef{{Channel: "swap:t1", Invite: "tok"}},
			Terms:         terms,
			TermsAccepted: true,
			Invoice:       "lnbcrt-fake-invoice",
			Escrow:        &envelope.EscrowCreatedBody{PaymentHash: "aa", EscrowAddress: "addr"},
		}
	}

	t.Run("bounded retries then hold then leave", func(t *testing.T) {
		w := NewWatchdog(testWatchdogConfig(), h.svc)
		sum := paySummary()
		st := &watchState{joined: true}

		ds := w.decide(base, sum, st)
		require.Equal(t, []DecisionType{DecidePayInvoice}, decisionTypes(ds))
		st.payAttempts, st.firstPayAt, st.lastPayAt = 1, base, base

		// Inside the retry cooldown: hold.
		require.Empty(t, w.decide(base.Add(5*time.Second), sum, st))

		ds = w.decide(base.Add(15*time.Second), sum, st)
		require.Equal(t, []DecisionType{DecidePayInvoice}, decisionTypes(ds))
		st.payAttempts, st.lastPayAt = 2, base.Add(15*time.Second)

		// Budget spent but the minimum wait since the first attempt has
		// not elapsed: no retry, no leave.
		require.Empty(t, w.decide(base.Add(30*time.Second), sum, st))

		// Both conditions met: leave.
		ds = w.decide(base.Add(70*time.Second), sum, st)
		require.Equal(t, []DecisionType{DecideLeave}, decisionTypes(ds))
	})

	t.Run("settled payment claims instead", func(t *testing.T) {
		w := NewWatchdog(testWatchdogConfig(), h.svc)
		sum := paySummary()
		sum.LnPaid = true
		st := &watchState{joined: true}

		ds := w.decide(base, sum, st)
		require.Equal(t, []DecisionType{DecideClaim}, decisionTypes(ds))
	})

	t.Run("non-transient failure exhausts the budget at once", func(t *testing.T) {
		w := NewWatchdog(testWatchdogConfig(), h.svc)
		st := &watchState{joined: true}

		// The ledger holds nothing for this trade, so the pay attempt
		// fails with a non-retryable error.
		w.apply(context.Background(), base, Decision{Type: DecidePayInvoice, TradeID: "t1"}, st)
		require.Equal(t, w.cfg.FailLeaveAttempts, st.payAttempts)
		require.Equal(t, 0, h.ln.payCalls)
	})
}

func TestWatchdogWaitingForTerms(t *testing.T) {
	h := newHarness(t)
	base := time.Now()
	w := NewWatchdog(testWatchdogConfig(), h.svc)

	sum := takerWaitingSummary(h.svc.Pubkey())
	sum.Invites = []InviteRef{{Channel: "swap:t1", Invite: "tok"}}
	st := &watchState{joined: true}

	// Joined, no TERMS yet: replay the accept alongside the ping.
	ds := w.decide(base, sum, st)
	require.Equal(t, []DecisionType{DecideReplayAccept, DecidePing}, decisionTypes(ds))
	st.pings, st.lastPingAt = 1, base

	require.Empty(t, w.decide(base.Add(10*time.Second), sum, st))

	ds = w.decide(base.Add(40*time.Second), sum, st)
	require.Equal(t, []DecisionType{DecideReplayAccept, DecidePing}, decisionTypes(ds))

	// Terms arrive: accept them, once.
	sum.Terms = &swap.Terms{TradeID: "t1"}
	sum.TermsHash = sum.Terms.Hash()
	ds = w.decide(base.Add(time.Minute), sum, st)
	require.Equal(t, []DecisionType{DecideAcceptTerms}, decisionTypes(ds))
	st.termsAccepted = true
	require.Empty(t, w.decide(base.Add(time.Minute), sum, st))
}

func TestWatchdogExpiredInviteHygiene(t *testing.T) {
	h := newHarness(t)
	base := time.Now()
	maker := newTestPeer(t)

	expiredAt := base.Add(-2 * time.Minute)
	invite, err := domain.NewInvite("swap:t1", h.svc.Pubkey(), expiredAt.Unix(), maker.key)
	require.NoError(t, err)
	token, err := invite.Encode()
	require.NoError(t, err)

	sum := takerWaitingSummary(h.svc.Pubkey())
	sum.Invites = []InviteRef{{Channel: "swap:t1", Invite: token}}
	sum.LastEventTs = expiredAt.Add(-time.Minute).UnixMilli()

	t.Run("leaves after the grace period", func(t *testing.T) {
		w := NewWatchdog(testWatchdogConfig(), h.svc)
		st := &watchState{joined: true}
		ds := w.decide(base, sum, st)
		require.Equal(t, []DecisionType{DecideLeave}, decisionTypes(ds))
		require.Equal(t, "invite expired without progress", ds[0].Reason)
	})

	t.Run("holds inside the grace period", func(t *testing.T) {
		w := NewWatchdog(testWatchdogConfig(), h.svc)
		st := &watchState{joined: true}
		ds := w.decide(expiredAt.Add(30*time.Second), sum, st)
		require.NotEqual(t, []DecisionType{DecideLeave}, decisionTypes(ds))
	})

	t.Run("progress after expiry keeps the channel", func(t *testing.T) {
		w := NewWatchdog(testWatchdogConfig(), h.svc)
		st := &watchState{joined: true}
		active := *sum
		active.LastEventTs = expiredAt.Add(time.Minute).UnixMilli()
		ds := w.decide(base, &active, st)
		require.NotEqual(t, []DecisionType{DecideLeave}, decisionTypes(ds))
	})
}

// TestWatchdogMakerAutomation drives a full maker-side settlement through
// Tick with a scripted taker on the other end of the fake bridge.
func TestWatchdogMakerAutomation(t *testing.T) {
	h := newHarness(t)
	taker := newTestPeer(t)
	ctx := context.Background()
	const tradeID = "auto-trade-1"
	const rfqChannel = "rfq:BTC-TOKEN"

	require.NoError(t, h.rm.Offers().Put(ctx, []swap.Offer{{
		Pair:             "BTC/TOKEN",
		Mint:             "Mint1",
		MinBaseSats:      1_000,
		MaxBaseSats:      100_000_000,
		QuotePricePerBtc: 2_000_000_000,
		RefundWindowSecs: 3_600,
	}}))

	w := NewWatchdog(testWatchdogConfig(), h.svc)

	// Taker opens the trade.
	h.bridge.inject(rfqChannel, taker.rawEnvelope(t, envelope.KindRFQ, tradeID, envelope.RFQBody{
		Pair: "BTC/TOKEN", BaseAmountSats: 250_000, QuoteMint: "Mint1",
	}))

	require.NoError(t, w.Tick(ctx))
	quotes := h.bridge.sentOfKind(t, envelope.KindQuote)
	require.Len(t, quotes, 1)

	// Folding our own quote back must not trigger a second one, and
	// neither must a fresh RFQ re-broadcast for the same trade.
	require.NoError(t, w.Tick(ctx))
	h.bridge.inject(rfqChannel, taker.rawEnvelope(t, envelope.KindRFQ, tradeID, envelope.RFQBody{
		Pair: "BTC/TOKEN", BaseAmountSats: 250_000, QuoteMint: "Mint1",
	}))
	require.NoError(t, w.Tick(ctx))
	require.Len(t, h.bridge.sentOfKind(t, envelope.KindQuote), 1)

	// Taker accepts our quote: next tick opens the swap channel.
	quoteEnv, err := envelope.Decode(quotes[0])
	require.NoError(t, err)
	quoteID, err := quoteEnv.Unsigned.Hash()
	require.NoError(t, err)
	h.bridge.inject(rfqChannel, taker.rawEnvelope(t, envelope.KindQuoteAccept, tradeID, envelope.QuoteAcceptBody{
		QuoteID: quoteID, Recipient: "TakerRecipient",
	}))

	require.NoError(t, w.Tick(ctx))
	invites := h.bridge.sentOfKind(t, envelope.KindSwapInvite)
	require.Len(t, invites, 1)
	require.Equal(t, 1, h.bridge.joins["swap:"+tradeID])

	// Terms follow once the invite folds back, exactly once even across
	// further quiet ticks.
	require.NoError(t, w.Tick(ctx))
	require.Len(t, h.bridge.sentOfKind(t, envelope.KindTerms), 1)
	require.NoError(t, w.Tick(ctx))
	require.NoError(t, w.Tick(ctx))
	require.Len(t, h.bridge.sentOfKind(t, envelope.KindTerms), 1)

	// Taker accepts the terms: invoice, then escrow.
	termsEnv, err := envelope.Decode(h.bridge.sentOfKind(t, envelope.KindTerms)[0])
	require.NoError(t, err)
	var termsBody envelope.TermsBody
	require.NoError(t, termsEnv.DecodeBody(&termsBody))
	require.Equal(t, uint64(5_000_000), termsBody.Terms.QuoteAmount)
	require.Equal(t, "TakerRecipient", termsBody.Terms.Recipient)

	h.bridge.inject("swap:"+tradeID, taker.rawEnvelope(t, envelope.KindAccept, tradeID, envelope.AcceptBody{
		TermsHash: termsBody.Terms.Hash(),
	}))
	require.NoError(t, w.Tick(ctx))
	require.Len(t, h.bridge.sentOfKind(t, envelope.KindLnInvoice), 1)

	require.NoError(t, w.Tick(ctx))
	require.Len(t, h.bridge.sentOfKind(t, envelope.KindEscrowCreated), 1)
	require.Equal(t, 1, h.chain.creates)

	// Taker pays: nothing left for the maker to do.
	h.bridge.inject("swap:"+tradeID, taker.rawEnvelope(t, envelope.KindLnPaid, tradeID, envelope.LnPaidBody{
		PaymentHash: h.ln.paymentHash,
	}))
	require.NoError(t, w.Tick(ctx))
	require.Equal(t, 1, h.chain.creates)
	require.Len(t, h.bridge.sentOfKind(t, envelope.KindEscrowCreated), 1)

	trade, err := h.svc.GetTrade(ctx, tradeID)
	require.NoError(t, err)
	require.Equal(t, domain.TradeRoleMaker, trade.Role)
	require.Equal(t, domain.TradeLnPaid, trade.State)
}
