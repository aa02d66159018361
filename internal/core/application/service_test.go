package application

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/scambiohq/scambio/internal/core/domain"
	"github.com/scambiohq/scambio/internal/core/ports"
	"github.com/scambiohq/scambio/pkg/envelope"
	"github.com/scambiohq/scambio/pkg/swap"
)

const testRfqChannel = "rfq:BTC-TOKEN"

// takerFixture drives the harness node through a taker-side negotiation
// against a scripted maker, up to accepted terms with a posted invoice and
// announced escrow.
type takerFixture struct {
	h       *harness
	maker   testPeer
	tradeID string
	terms   swap.Terms
}

func newTakerFixture(t *testing.T) *takerFixture {
	t.Helper()
	h := newHarness(t)
	maker := newTestPeer(t)
	ctx := context.Background()

	tradeID, err := h.svc.BroadcastRFQ(ctx, testRfqChannel, "BTC/TOKEN", 250_000, "Mint1")
	require.NoError(t, err)
	require.NoError(t, h.svc.FoldNewEvents(ctx))

	quote := envelope.QuoteBody{
		RfqID:                h.svc.Ledger().Summary(tradeID).RFQID,
		QuoteAmount:          5_000_000,
		Mint:                 "Mint1",
		PlatformFeeBps:       25,
		PlatformFeeCollector: "PlatformCollector",
		TradeFeeBps:          10,
		TradeFeeCollector:    "TradeCollector",
		RefundWindowSecs:     3_600,
		ExpiresAt:            time.Now().Add(time.Minute).UnixMilli(),
	}
	h.bridge.inject(testRfqChannel, maker.rawEnvelope(t, envelope.KindQuote, tradeID, quote))
	require.NoError(t, h.svc.FoldNewEvents(ctx))
	require.NoError(t, h.svc.AcceptQuote(ctx, tradeID, ""))
	require.NoError(t, h.svc.FoldNewEvents(ctx))

	channel := "swap:" + tradeID
	invite, err := domain.NewInvite(channel, h.svc.Pubkey(), time.Now().Add(time.Hour).Unix(), maker.key)
	require.NoError(t, err)
	token, err := invite.Encode()
	require.NoError(t, err)
	h.bridge.inject(testRfqChannel, maker.rawEnvelope(t, envelope.KindSwapInvite, tradeID, envelope.SwapInviteBody{
		Channel: channel, Invite: token,
	}))
	require.NoError(t, h.svc.FoldNewEvents(ctx))
	require.NoError(t, h.svc.JoinSwapChannel(ctx, tradeID))

	terms := swap.Terms{
		TradeID:              tradeID,
		Pair:                 "BTC/TOKEN",
		BaseAmountSats:       250_000,
		QuoteAmount:          quote.QuoteAmount,
		Mint:                 quote.Mint,
		Recipient:            "OurRecipient",
		RefundAddress:        "MakerVault",
		RefundDeadline:       time.Now().Add(time.Hour).Unix(),
		PlatformFeeBps:       quote.PlatformFeeBps,
		PlatformFeeCollector: quote.PlatformFeeCollector,
		TradeFeeBps:          quote.TradeFeeBps,
		TradeFeeCollector:    quote.TradeFeeCollector,
	}
	h.bridge.inject(channel, maker.rawEnvelope(t, envelope.KindTerms, tradeID, envelope.TermsBody{Terms: terms}))
	require.NoError(t, h.svc.FoldNewEvents(ctx))
	require.NoError(t, h.svc.AcceptTerms(ctx, tradeID))

	h.bridge.inject(channel, maker.rawEnvelope(t, envelope.KindLnInvoice, tradeID, envelope.InvoiceBody{Bolt11: h.ln.invoice}))
	h.bridge.inject(channel, maker.rawEnvelope(t, envelope.KindEscrowCreated, tradeID, envelope.EscrowCreatedBody{
		PaymentHash:   h.ln.paymentHash,
		EscrowAddress: mustEscrowAddress(t, h.ln.paymentHash),
		Txid:          "txid-create",
	}))
	require.NoError(t, h.svc.FoldNewEvents(ctx))

	return &takerFixture{h: h, maker: maker, tradeID: tradeID, terms: terms}
}

func mustEscrowAddress(t *testing.T, paymentHash string) string {
	t.Helper()
	address, err := swap.EscrowAddress(paymentHash)
	require.NoError(t, err)
	return address
}

// fundEscrow puts an on-chain escrow matching the negotiated terms on the
// fake chain.
func (f *takerFixture) fundEscrow(t *testing.T) {
	t.Helper()
	_, err := f.h.chain.CreateEscrow(context.Background(), ports.CreateEscrowRequest{
		PaymentHash:          f.h.ln.paymentHash,
		Mint:                 f.terms.Mint,
		Amount:               f.terms.QuoteAmount,
		Recipient:            f.terms.Recipient,
		Refund:               f.terms.RefundAddress,
		RefundAfter:          f.terms.RefundDeadline,
		PlatformFeeBps:       f.terms.PlatformFeeBps,
		PlatformFeeCollector: f.terms.PlatformFeeCollector,
		TradeFeeBps:          f.terms.TradeFeeBps,
		TradeFeeCollector:    f.terms.TradeFeeCollector,
	})
	require.NoError(t, err)
}

func TestPayInvoice(t *testing.T) {
	ctx := context.Background()

	t.Run("pays only after every leg checks out", func(t *testing.T) {
		f := newTakerFixture(t)
		f.fundEscrow(t)

		require.NoError(t, f.h.svc.PayInvoice(ctx, f.tradeID))
		require.Equal(t, 1, f.h.ln.payCalls)
		require.Len(t, f.h.bridge.sentOfKind(t, envelope.KindLnPaid), 1)

		trade, err := f.h.svc.GetTrade(ctx, f.tradeID)
		require.NoError(t, err)
		require.NotEmpty(t, trade.PreimageHandle)
		// The receipt carries a handle, never the raw preimage.
		require.NotEqual(t, f.h.ln.preimage, trade.PreimageHandle)
	})

	t.Run("withholds payment when no escrow exists", func(t *testing.T) {
		f := newTakerFixture(t)

		err := f.h.svc.PayInvoice(ctx, f.tradeID)
		var ppe *swap.PrePayError
		require.ErrorAs(t, err, &ppe)
		require.Equal(t, "escrow", ppe.Field)
		require.Equal(t, 0, f.h.ln.payCalls)
	})

	t.Run("withholds payment on a fee bait-and-switch", func(t *testing.T) {
		f := newTakerFixture(t)
		f.fundEscrow(t)
		f.h.chain.escrows[f.h.ln.paymentHash].PlatformFeeBps = 5_000

		err := f.h.svc.PayInvoice(ctx, f.tradeID)
		var ppe *swap.PrePayError
		require.ErrorAs(t, err, &ppe)
		require.Equal(t, "platform_fee_bps", ppe.Field)
		require.Equal(t, 0, f.h.ln.payCalls)
	})

	t.Run("withholds payment on an amount mismatch", func(t *testing.T) {
		f := newTakerFixture(t)
		f.fundEscrow(t)
		f.h.chain.escrows[f.h.ln.paymentHash].Amount--

		err := f.h.svc.PayInvoice(ctx, f.tradeID)
		var ppe *swap.PrePayError
		require.ErrorAs(t, err, &ppe)
		require.Equal(t, "amount", ppe.Field)
		require.Equal(t, 0, f.h.ln.payCalls)
	})
}

func TestClaimEscrow(t *testing.T) {
	ctx := context.Background()

	t.Run("claims with the sealed preimage", func(t *testing.T) {
		f := newTakerFixture(t)
		f.fundEscrow(t)
		require.NoError(t, f.h.svc.PayInvoice(ctx, f.tradeID))
		require.NoError(t, f.h.svc.FoldNewEvents(ctx))

		require.NoError(t, f.h.svc.ClaimEscrow(ctx, f.tradeID))
		require.Equal(t, 1, f.h.chain.claims)
		require.Len(t, f.h.bridge.sentOfKind(t, envelope.KindClaimed), 1)
	})

	t.Run("refuses without a preimage", func(t *testing.T) {
		f := newTakerFixture(t)
		f.fundEscrow(t)

		require.Error(t, f.h.svc.ClaimEscrow(ctx, f.tradeID))
		require.Equal(t, 0, f.h.chain.claims)
	})
}

func TestAcceptTermsDriftGate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	maker := newTestPeer(t)

	tradeID, err := h.svc.BroadcastRFQ(ctx, testRfqChannel, "BTC/TOKEN", 250_000, "Mint1")
	require.NoError(t, err)
	require.NoError(t, h.svc.FoldNewEvents(ctx))

	quote := envelope.QuoteBody{
		RfqID:       h.svc.Ledger().Summary(tradeID).RFQID,
		QuoteAmount: 5_000_000,
		Mint:        "Mint1",
		ExpiresAt:   time.Now().Add(time.Minute).UnixMilli(),
	}
	h.bridge.inject(testRfqChannel, maker.rawEnvelope(t, envelope.KindQuote, tradeID, quote))
	require.NoError(t, h.svc.FoldNewEvents(ctx))
	require.NoError(t, h.svc.AcceptQuote(ctx, tradeID, ""))
	require.NoError(t, h.svc.FoldNewEvents(ctx))

	// The maker posts terms paying out less than quoted.
	drifted := swap.Terms{
		TradeID:        tradeID,
		Pair:           "BTC/TOKEN",
		BaseAmountSats: 250_000,
		QuoteAmount:    4_000_000,
		Mint:           "Mint1",
	}
	h.bridge.inject("swap:"+tradeID, maker.rawEnvelope(t, envelope.KindTerms, tradeID, envelope.TermsBody{Terms: drifted}))
	require.NoError(t, h.svc.FoldNewEvents(ctx))

	err = h.svc.AcceptTerms(ctx, tradeID)
	require.ErrorIs(t, err, ErrProtocolInvalid)
	require.Empty(t, h.bridge.sentOfKind(t, envelope.KindAccept))
}

func TestReplayAcceptResendsSameBytes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	maker := newTestPeer(t)

	tradeID, err := h.svc.BroadcastRFQ(ctx, testRfqChannel, "BTC/TOKEN", 250_000, "Mint1")
	require.NoError(t, err)
	require.NoError(t, h.svc.FoldNewEvents(ctx))

	quote := envelope.QuoteBody{
		RfqID:       h.svc.Ledger().Summary(tradeID).RFQID,
		QuoteAmount: 5_000_000,
		ExpiresAt:   time.Now().Add(time.Minute).UnixMilli(),
	}
	h.bridge.inject(testRfqChannel, maker.rawEnvelope(t, envelope.KindQuote, tradeID, quote))
	require.NoError(t, h.svc.FoldNewEvents(ctx))
	require.NoError(t, h.svc.AcceptQuote(ctx, tradeID, ""))
	require.NoError(t, h.svc.FoldNewEvents(ctx))

	require.NoError(t, h.svc.ReplayAccept(ctx, tradeID))

	accepts := h.bridge.sentOfKind(t, envelope.KindQuoteAccept)
	require.Len(t, accepts, 2)
	require.Equal(t, accepts[0], accepts[1])

	// The duplicate folds to nothing: one accept on record.
	require.NoError(t, h.svc.FoldNewEvents(ctx))
	require.Len(t, h.svc.Ledger().Summary(tradeID).Accepts, 1)
}

func TestRefundEscrow(t *testing.T) {
	ctx := context.Background()

	// newMakerEscrowFixture folds a maker-side summary with terms and an
	// announced escrow whose refund deadline is controlled by the caller.
	setup := func(t *testing.T, deadline int64) (*harness, string) {
		h := newHarness(t)
		peer := newTestPeer(t)
		const tradeID = "refund-trade"

		terms := swap.Terms{
			TradeID:        tradeID,
			BaseAmountSats: 250_000,
			QuoteAmount:    5_000_000,
			Mint:           "Mint1",
			RefundDeadline: deadline,
		}
		h.bridge.inject("swap:"+tradeID, peer.rawEnvelope(t, envelope.KindTerms, tradeID, envelope.TermsBody{Terms: terms}))
		h.bridge.inject("swap:"+tradeID, peer.rawEnvelope(t, envelope.KindEscrowCreated, tradeID, envelope.EscrowCreatedBody{
			PaymentHash: h.ln.paymentHash, EscrowAddress: mustEscrowAddress(t, h.ln.paymentHash), Txid: "txid-create",
		}))
		require.NoError(t, h.svc.FoldNewEvents(ctx))
		return h, tradeID
	}

	t.Run("refuses before the deadline", func(t *testing.T) {
		h, tradeID := setup(t, time.Now().Add(time.Hour).Unix())
		require.Error(t, h.svc.RefundEscrow(ctx, tradeID))
		require.Equal(t, 0, h.chain.refunds)
	})

	t.Run("refunds after the deadline", func(t *testing.T) {
		h, tradeID := setup(t, time.Now().Add(-time.Minute).Unix())
		require.NoError(t, h.svc.RefundEscrow(ctx, tradeID))
		require.Equal(t, 1, h.chain.refunds)

		trade, err := h.svc.GetTrade(ctx, tradeID)
		require.NoError(t, err)
		require.Equal(t, domain.TradeRefunded, trade.State)
	})
}

func TestJoinSwapChannelGates(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*harness, testPeer, string) {
		h := newHarness(t)
		maker := newTestPeer(t)

		tradeID, err := h.svc.BroadcastRFQ(ctx, testRfqChannel, "BTC/TOKEN", 250_000, "Mint1")
		require.NoError(t, err)
		require.NoError(t, h.svc.FoldNewEvents(ctx))
		h.bridge.inject(testRfqChannel, maker.rawEnvelope(t, envelope.KindQuote, tradeID, envelope.QuoteBody{
			RfqID:       h.svc.Ledger().Summary(tradeID).RFQID,
			QuoteAmount: 5_000_000,
			Mint:        "Mint1",
			ExpiresAt:   time.Now().Add(time.Minute).UnixMilli(),
		}))
		require.NoError(t, h.svc.FoldNewEvents(ctx))
		require.NoError(t, h.svc.AcceptQuote(ctx, tradeID, ""))
		require.NoError(t, h.svc.FoldNewEvents(ctx))
		return h, maker, tradeID
	}

	sendInvite := func(t *testing.T, h *harness, issuer testPeer, tradeID, invitee string, expiresAt int64) {
		if invitee == "" {
			invitee = h.svc.Pubkey()
		}
		invite, err := domain.NewInvite("swap:"+tradeID, invitee, expiresAt, issuer.key)
		require.NoError(t, err)
		token, err := invite.Encode()
		require.NoError(t, err)
		h.bridge.inject(testRfqChannel, issuer.rawEnvelope(t, envelope.KindSwapInvite, tradeID, envelope.SwapInviteBody{
			Channel: "swap:" + tradeID, Invite: token,
		}))
		require.NoError(t, h.svc.FoldNewEvents(ctx))
	}

	t.Run("joins on a valid invite", func(t *testing.T) {
		h, maker, tradeID := setup(t)
		sendInvite(t, h, maker, tradeID, "", time.Now().Add(time.Hour).Unix())
		require.NoError(t, h.svc.JoinSwapChannel(ctx, tradeID))
		require.Equal(t, 1, h.bridge.joins["swap:"+tradeID])
	})

	t.Run("rejects an invite naming another peer", func(t *testing.T) {
		h, maker, tradeID := setup(t)
		other := newTestPeer(t)
		sendInvite(t, h, maker, tradeID, other.pubkey, time.Now().Add(time.Hour).Unix())
		require.ErrorIs(t, h.svc.JoinSwapChannel(ctx, tradeID), ErrProtocolInvalid)
		require.Zero(t, h.bridge.joins["swap:"+tradeID])
	})

	t.Run("rejects an expired invite", func(t *testing.T) {
		h, maker, tradeID := setup(t)
		sendInvite(t, h, maker, tradeID, "", time.Now().Add(-time.Minute).Unix())
		require.ErrorIs(t, h.svc.JoinSwapChannel(ctx, tradeID), ErrProtocolInvalid)
		require.Zero(t, h.bridge.joins["swap:"+tradeID])
	})

	t.Run("rejects an invite from a peer we did not accept", func(t *testing.T) {
		// Valid token, valid invitee, but the channel owner never quoted
		// this trade; its channel must not be joined.
		h, _, tradeID := setup(t)
		squatter := newTestPeer(t)
		sendInvite(t, h, squatter, tradeID, "", time.Now().Add(time.Hour).Unix())
		require.ErrorIs(t, h.svc.JoinSwapChannel(ctx, tradeID), ErrProtocolInvalid)
		require.Zero(t, h.bridge.joins["swap:"+tradeID])
	})
}

func TestDelegatedLiquidityRefusesWalletOps(t *testing.T) {
	ctx := context.Background()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	newSvc := func(mode string) (*Service, error) {
		rm := newFakeRepoManager()
		return NewService(ServiceConfig{
			SignerKey:     key,
			LiquidityMode: mode,
		}, newFakeBridge(), newFakeLn(250_000), newFakeChain(), newFakeSecrets(), rm.provider())
	}

	_, err = newSvc("pooled")
	require.ErrorIs(t, err, ErrConfiguration)

	svc, err := newSvc(LiquidityModeDelegated)
	require.NoError(t, err)
	require.ErrorIs(t, svc.LnConnectPeer(ctx, "peer@host:9735"), ErrConfiguration)
	_, err = svc.LnFundChannel(ctx, "peer", 500_000)
	require.ErrorIs(t, err, ErrConfiguration)

	// Own liquidity keeps driving the node directly.
	svc, err = newSvc(LiquidityModeOwn)
	require.NoError(t, err)
	require.NoError(t, svc.LnConnectPeer(ctx, "peer@host:9735"))
	txid, err := svc.LnFundChannel(ctx, "peer", 500_000)
	require.NoError(t, err)
	require.NotEmpty(t, txid)
}
