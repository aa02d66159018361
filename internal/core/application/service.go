package application

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/scambiohq/scambio/internal/core/domain"
	"github.com/scambiohq/scambio/internal/core/ports"
	"github.com/scambiohq/scambio/pkg/envelope"
	"github.com/scambiohq/scambio/pkg/swap"
)

// ServiceConfig is the trading identity and defaults of this node.
type ServiceConfig struct {
	SignerKey *btcec.PrivateKey

	// VaultAddress funds maker escrows and receives refunds.
	VaultAddress string
	// Recipient receives escrow payouts when this node takes.
	Recipient string
	Mint      string

	PlatformFeeBps       uint32
	PlatformFeeCollector string
	TradeFeeBps          uint32
	TradeFeeCollector    string

	QuoteTTL          time.Duration
	InviteTTL         time.Duration
	InvoiceExpirySecs uint32

	// LiquidityMode selects who manages Lightning liquidity. In "own" mode
	// the node connects peers and funds channels itself; in "delegated"
	// mode an external operator does, and the wallet operations refuse.
	LiquidityMode string
}

const (
	LiquidityModeOwn       = "own"
	LiquidityModeDelegated = "delegated"
)

// Service orchestrates the trade protocol: it builds and signs envelopes,
// pushes them through the sidechannel transport, folds inbound events into
// the ledger, and drives the Lightning and settlement-chain collaborators.
type Service struct {
	cfg    ServiceConfig
	pubkey string

	ledger  *Ledger
	bridge  ports.SidechannelService
	ln      ports.LnService
	chain   ports.EscrowService
	secrets ports.SecretStore
	stores  ports.StoreProvider
}

func NewService(
	cfg ServiceConfig,
	bridge ports.SidechannelService,
	lnSvc ports.LnService,
	chainSvc ports.EscrowService,
	secrets ports.SecretStore,
	stores ports.StoreProvider,
) (*Service, error) {
	if cfg.SignerKey == nil {
		return nil, fmt.Errorf("%w: missing signer key", ErrConfiguration)
	}
	if stores == nil {
		return nil, fmt.Errorf("%w: missing receipts store", ErrConfiguration)
	}
	if cfg.QuoteTTL == 0 {
		cfg.QuoteTTL = 5 * time.Minute
	}
	if cfg.InviteTTL == 0 {
		cfg.InviteTTL = 15 * time.Minute
	}
	if cfg.InvoiceExpirySecs == 0 {
		cfg.InvoiceExpirySecs = 3600
	}
	switch cfg.LiquidityMode {
	case "":
		cfg.LiquidityMode = LiquidityModeOwn
	case LiquidityModeOwn, LiquidityModeDelegated:
	default:
		return nil, fmt.Errorf("%w: unknown liquidity mode %q", ErrConfiguration, cfg.LiquidityMode)
	}
	return &Service{
		cfg:     cfg,
		pubkey:  hex.EncodeToString(schnorr.SerializePubKey(cfg.SignerKey.PubKey())),
		ledger:  NewLedger(),
		bridge:  bridge,
		ln:      lnSvc,
		chain:   chainSvc,
		secrets: secrets,
		stores:  stores,
	}, nil
}

// Pubkey is this node's x-only signer key, as it appears on envelopes.
func (s *Service) Pubkey() string {
	return s.pubkey
}

// Ledger exposes the in-process trade ledger.
func (s *Service) Ledger() *Ledger {
	return s.ledger
}

// FoldNewEvents pulls everything past the last folded sequence number from
// the bridge log and folds it, then syncs receipts for the touched trades.
func (s *Service) FoldNewEvents(ctx context.Context) error {
	for {
		events, err := s.bridge.EventsSince(ctx, s.ledger.LastSeq(), 256)
		if err != nil {
			return &TransientError{Op: "events_since", Err: err}
		}
		if len(events) == 0 {
			return nil
		}
		touched := s.ledger.Fold(events)
		if err := s.syncReceipts(ctx, touched); err != nil {
			return err
		}
		if len(events) < 256 {
			return nil
		}
	}
}

// syncReceipts mirrors the derived summaries into the durable trade records,
// appending an audit event per observed state change.
func (s *Service) syncReceipts(ctx context.Context, tradeIDs []string) error {
	if len(tradeIDs) == 0 {
		return nil
	}
	return s.stores(func(rm ports.RepoManager) error {
		for _, id := range tradeIDs {
			sum := s.ledger.Summary(id)
			if sum == nil {
				continue
			}
			trade, err := rm.Trades().Get(ctx, id)
			if err != nil {
				// Trades created by a counterparty's envelope stream start
				// here; role is refined by the first operation we run.
				trade = &domain.Trade{
					Id:        id,
					Role:      s.roleFor(sum),
					CreatedAt: time.Now().Unix(),
				}
			}
			derived := sum.State()
			if derived == trade.State || trade.State.IsTerminal() {
				continue
			}
			if err := trade.Advance(derived); err != nil {
				log.WithError(err).Debugf("skipping backwards transition for trade %s", id)
				continue
			}
			trade.SwapChannel = sum.SwapChannel()
			if sum.Terms != nil {
				terms := *sum.Terms
				trade.Terms = &terms
				trade.TermsHash = sum.TermsHash
			}
			if sum.Invoice != "" {
				trade.Invoice = sum.Invoice
			}
			if sum.Escrow != nil {
				trade.EscrowAddress = sum.Escrow.EscrowAddress
				trade.PaymentHash = sum.Escrow.PaymentHash
			}
			if cp := s.counterpartyFor(sum); cp != "" {
				trade.CounterpartyPubkey = cp
			}
			trade.UpdatedAt = time.Now().Unix()
			if err := rm.Trades().Upsert(ctx, *trade); err != nil {
				return err
			}
			if err := rm.TradeEvents().Append(ctx, domain.TradeEvent{
				TradeId:   id,
				Type:      "state_" + derived.String(),
				Timestamp: time.Now().Unix(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// roleFor infers this node's role in a trade from who signed what.
func (s *Service) roleFor(sum *TradeSummary) domain.TradeRole {
	if sum.RFQSigner == s.pubkey {
		return domain.TradeRoleTaker
	}
	return domain.TradeRoleMaker
}

func (s *Service) counterpartyFor(sum *TradeSummary) string {
	if sum.RFQSigner == s.pubkey {
		if sum.TermsSigner != "" {
			return sum.TermsSigner
		}
		for _, q := range sum.Quotes {
			if q.Signer != s.pubkey {
				return q.Signer
			}
		}
		return ""
	}
	return sum.RFQSigner
}

// seal signs an unsigned envelope and returns it with its id.
func (s *Service) seal(kind envelope.Kind, tradeID string, body any) (envelope.Envelope, string, error) {
	unsigned, err := envelope.NewUnsigned(kind, tradeID, body)
	if err != nil {
		return envelope.Envelope{}, "", err
	}
	env, err := envelope.Seal(unsigned, s.cfg.SignerKey)
	if err != nil {
		return envelope.Envelope{}, "", err
	}
	id, err := unsigned.Hash()
	if err != nil {
		return envelope.Envelope{}, "", err
	}
	return env, id, nil
}

// send seals and pushes one envelope to a channel.
func (s *Service) send(ctx context.Context, channel string, kind envelope.Kind, tradeID string, body any) (string, error) {
	env, id, err := s.seal(kind, tradeID, body)
	if err != nil {
		return "", err
	}
	raw, err := env.Encode()
	if err != nil {
		return "", err
	}
	if err := s.bridge.Send(ctx, channel, raw); err != nil {
		return "", &TransientError{Op: "send " + kind.String(), Err: err}
	}
	log.Debugf("sent %s for trade %s to %s", kind, tradeID, channel)
	return id, nil
}

func (s *Service) appendEvent(ctx context.Context, tradeID, eventType string, payload any) error {
	var raw []byte
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return s.stores(func(rm ports.RepoManager) error {
		return rm.TradeEvents().Append(ctx, domain.TradeEvent{
			TradeId:   tradeID,
			Type:      eventType,
			Payload:   raw,
			Timestamp: time.Now().Unix(),
		})
	})
}

func (s *Service) withTrade(ctx context.Context, tradeID string, mutate func(*domain.Trade) error) error {
	return s.stores(func(rm ports.RepoManager) error {
		trade, err := rm.Trades().Get(ctx, tradeID)
		if err != nil {
			trade = &domain.Trade{Id: tradeID, CreatedAt: time.Now().Unix()}
		}
		if err := mutate(trade); err != nil {
			return err
		}
		trade.UpdatedAt = time.Now().Unix()
		return rm.Trades().Upsert(ctx, *trade)
	})
}

func (s *Service) summaryOrErr(tradeID string) (*TradeSummary, error) {
	sum := s.ledger.Summary(tradeID)
	if sum == nil {
		return nil, fmt.Errorf("%w: %s", ErrTradeNotFound, tradeID)
	}
	return sum, nil
}

// AnnounceOffers persists and broadcasts the maker's standing offers.
func (s *Service) AnnounceOffers(ctx context.Context, channel string, offers []swap.Offer) error {
	if err := s.stores(func(rm ports.RepoManager) error {
		return rm.Offers().Put(ctx, offers)
	}); err != nil {
		return err
	}
	_, err := s.send(ctx, channel, envelope.KindServiceAnnounce, "", envelope.AnnounceBody{Offers: offers})
	return err
}

// Offers returns the maker's published offers.
func (s *Service) Offers(ctx context.Context) ([]swap.Offer, error) {
	var offers []swap.Offer
	err := s.stores(func(rm ports.RepoManager) error {
		var err error
		offers, err = rm.Offers().GetAll(ctx)
		return err
	})
	return offers, err
}

// BroadcastRFQ opens a trade as taker and asks makers on channel for quotes.
func (s *Service) BroadcastRFQ(ctx context.Context, channel, pair string, baseSats uint64, quoteMint string) (string, error) {
	tradeID := uuid.NewString()
	body := envelope.RFQBody{Pair: pair, BaseAmountSats: baseSats, QuoteMint: quoteMint}
	if _, err := s.send(ctx, channel, envelope.KindRFQ, tradeID, body); err != nil {
		return "", err
	}
	if err := s.withTrade(ctx, tradeID, func(t *domain.Trade) error {
		t.Role = domain.TradeRoleTaker
		t.State = domain.TradeRfqOpen
		return nil
	}); err != nil {
		return "", err
	}
	return tradeID, s.appendEvent(ctx, tradeID, "rfq_broadcast", body)
}

// SendQuote answers a trade's RFQ with a quote priced from offer.
func (s *Service) SendQuote(ctx context.Context, tradeID string, offer swap.Offer) (string, error) {
	sum, err := s.summaryOrErr(tradeID)
	if err != nil {
		return "", err
	}
	if sum.RFQ == nil {
		return "", fmt.Errorf("trade %s has no RFQ to quote", tradeID)
	}
	body := envelope.QuoteBody{
		RfqID:                sum.RFQID,
		QuoteAmount:          offer.QuoteAmountFor(sum.RFQ.BaseAmountSats),
		Mint:                 offer.Mint,
		PlatformFeeBps:       offer.PlatformFeeBps,
		PlatformFeeCollector: s.cfg.PlatformFeeCollector,
		TradeFeeBps:          offer.TradeFeeBps,
		TradeFeeCollector:    s.cfg.TradeFeeCollector,
		RefundWindowSecs:     offer.RefundWindowSecs,
		ExpiresAt:            time.Now().Add(s.cfg.QuoteTTL).UnixMilli(),
	}
	if body.Mint == "" {
		body.Mint = s.cfg.Mint
	}
	quoteID, err := s.send(ctx, sum.RFQChannel, envelope.KindQuote, tradeID, body)
	if err != nil {
		return "", err
	}
	if err := s.withTrade(ctx, tradeID, func(t *domain.Trade) error {
		t.Role = domain.TradeRoleMaker
		t.CounterpartyPubkey = sum.RFQSigner
		if t.State < domain.TradeQuoted {
			t.State = domain.TradeQuoted
		}
		return nil
	}); err != nil {
		return "", err
	}
	return quoteID, s.appendEvent(ctx, tradeID, "quote_sent", body)
}

// AcceptQuote accepts a quote as the RFQ author. Empty quoteID accepts the
// most recent quote observed for the trade.
func (s *Service) AcceptQuote(ctx context.Context, tradeID, quoteID string) error {
	sum, err := s.summaryOrErr(tradeID)
	if err != nil {
		return err
	}
	if sum.RFQSigner != s.pubkey {
		return fmt.Errorf("trade %s was not opened by this node", tradeID)
	}
	if quoteID == "" {
		if len(sum.Quotes) == 0 {
			return fmt.Errorf("trade %s has no quotes", tradeID)
		}
		quoteID = sum.Quotes[len(sum.Quotes)-1].EnvelopeID
	} else if sum.quoteByID(quoteID) == nil {
		return fmt.Errorf("trade %s has no quote %s", tradeID, quoteID)
	}
	body := envelope.QuoteAcceptBody{QuoteID: quoteID, Recipient: s.cfg.Recipient}
	if _, err := s.send(ctx, sum.RFQChannel, envelope.KindQuoteAccept, tradeID, body); err != nil {
		return err
	}
	return s.appendEvent(ctx, tradeID, "quote_accepted", body)
}

// ReplayAccept resends the latest recorded QUOTE_ACCEPT byte-for-byte, so
// the peer folds the same envelope id and nothing advances twice.
func (s *Service) ReplayAccept(ctx context.Context, tradeID string) error {
	sum, err := s.summaryOrErr(tradeID)
	if err != nil {
		return err
	}
	acc := sum.LatestAccept()
	if acc == nil {
		return fmt.Errorf("trade %s has no accept to replay", tradeID)
	}
	if err := s.bridge.Send(ctx, sum.RFQChannel, acc.Raw); err != nil {
		return &TransientError{Op: "replay accept", Err: err}
	}
	return s.appendEvent(ctx, tradeID, "accept_replayed", map[string]string{"quote_id": acc.QuoteID})
}

// SendSwapInvite opens (or reopens) the private swap channel and invites the
// taker into it. A repost gets a numbered channel suffix.
func (s *Service) SendSwapInvite(ctx context.Context, tradeID string) error {
	sum, err := s.summaryOrErr(tradeID)
	if err != nil {
		return err
	}
	acc := sum.LatestAccept()
	if acc == nil {
		return fmt.Errorf("trade %s has no accepted quote", tradeID)
	}
	channel := "swap:" + tradeID
	if n := len(sum.Invites); n > 0 {
		channel = fmt.Sprintf("swap:%s:%d", tradeID, n)
	}
	now := time.Now()
	invite, err := domain.NewInvite(channel, acc.Signer, now.Add(s.cfg.InviteTTL).Unix(), s.cfg.SignerKey)
	if err != nil {
		return err
	}
	token, err := invite.Encode()
	if err != nil {
		return err
	}
	welcome, err := domain.NewWelcome(channel, now.Unix(), s.cfg.SignerKey)
	if err != nil {
		return err
	}
	welcomeToken, err := welcome.Encode()
	if err != nil {
		return err
	}
	if err := s.bridge.Join(ctx, channel, ports.JoinOptions{Welcome: welcomeToken}); err != nil {
		return &TransientError{Op: "join swap channel", Err: err}
	}
	if err := s.bridge.Subscribe(ctx, []string{channel}); err != nil {
		return &TransientError{Op: "subscribe swap channel", Err: err}
	}
	body := envelope.SwapInviteBody{Channel: channel, Invite: token}
	if _, err := s.send(ctx, sum.RFQChannel, envelope.KindSwapInvite, tradeID, body); err != nil {
		return err
	}
	if err := s.withTrade(ctx, tradeID, func(t *domain.Trade) error {
		t.SwapChannel = channel
		return nil
	}); err != nil {
		return err
	}
	return s.appendEvent(ctx, tradeID, "invite_sent", map[string]string{"channel": channel})
}

// JoinSwapChannel joins the swap channel this node was invited to, after
// verifying the invite capability names us and has not expired.
func (s *Service) JoinSwapChannel(ctx context.Context, tradeID string) error {
	sum, err := s.summaryOrErr(tradeID)
	if err != nil {
		return err
	}
	ref := sum.LatestInvite()
	if ref == nil {
		return fmt.Errorf("trade %s has no invite", tradeID)
	}
	invite, err := domain.InviteFromString(ref.Invite)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrProtocolInvalid, err)
	}
	if err := invite.Verify(); err != nil {
		return fmt.Errorf("%w: %s", ErrProtocolInvalid, err)
	}
	if invite.Invitee != s.pubkey {
		return fmt.Errorf("%w: invite names another peer", ErrProtocolInvalid)
	}
	if invite.Expired(time.Now().Unix()) {
		return fmt.Errorf("%w: invite expired", ErrProtocolInvalid)
	}
	// The channel owner must be the maker whose quote we accepted; a valid
	// invite from any other peer is a squatting attempt on the trade.
	acc := sum.LatestAccept()
	if acc == nil {
		return fmt.Errorf("trade %s has no accepted quote", tradeID)
	}
	quote := sum.quoteByID(acc.QuoteID)
	if quote == nil || invite.Owner != quote.Signer {
		return fmt.Errorf("%w: invite owner is not the accepted counterparty", ErrProtocolInvalid)
	}
	if err := s.bridge.Join(ctx, ref.Channel, ports.JoinOptions{Invite: ref.Invite}); err != nil {
		return &TransientError{Op: "join swap channel", Err: err}
	}
	if err := s.bridge.Subscribe(ctx, []string{ref.Channel}); err != nil {
		return &TransientError{Op: "subscribe swap channel", Err: err}
	}
	if err := s.withTrade(ctx, tradeID, func(t *domain.Trade) error {
		t.Role = domain.TradeRoleTaker
		t.SwapChannel = ref.Channel
		return nil
	}); err != nil {
		return err
	}
	return s.appendEvent(ctx, tradeID, "swap_channel_joined", map[string]string{"channel": ref.Channel})
}

// PingSwapChannel refreshes this node's membership of the swap channel by
// re-presenting the invite capability.
func (s *Service) PingSwapChannel(ctx context.Context, tradeID string) error {
	sum, err := s.summaryOrErr(tradeID)
	if err != nil {
		return err
	}
	ref := sum.LatestInvite()
	if ref == nil {
		return fmt.Errorf("trade %s has no invite", tradeID)
	}
	if err := s.bridge.Join(ctx, ref.Channel, ports.JoinOptions{Invite: ref.Invite}); err != nil {
		return &TransientError{Op: "ping swap channel", Err: err}
	}
	return nil
}

// PostTerms publishes the full financial contract as maker.
func (s *Service) PostTerms(ctx context.Context, tradeID string) error {
	sum, err := s.summaryOrErr(tradeID)
	if err != nil {
		return err
	}
	acc := sum.LatestAccept()
	if acc == nil {
		return fmt.Errorf("trade %s has no accepted quote", tradeID)
	}
	quote := sum.quoteByID(acc.QuoteID)
	if quote == nil {
		return fmt.Errorf("trade %s accept references unknown quote %s", tradeID, acc.QuoteID)
	}
	if quote.Signer != s.pubkey {
		return fmt.Errorf("accepted quote for trade %s was not issued by this node", tradeID)
	}
	if sum.RFQ == nil {
		return fmt.Errorf("trade %s has no RFQ", tradeID)
	}
	terms := swap.Terms{
		TradeID:              tradeID,
		Pair:                 sum.RFQ.Pair,
		BaseAmountSats:       sum.RFQ.BaseAmountSats,
		QuoteAmount:          quote.Body.QuoteAmount,
		Mint:                 quote.Body.Mint,
		Recipient:            acc.Recipient,
		RefundAddress:        s.cfg.VaultAddress,
		RefundDeadline:       time.Now().Unix() + int64(quote.Body.RefundWindowSecs),
		PlatformFeeBps:       quote.Body.PlatformFeeBps,
		PlatformFeeCollector: quote.Body.PlatformFeeCollector,
		TradeFeeBps:          quote.Body.TradeFeeBps,
		TradeFeeCollector:    quote.Body.TradeFeeCollector,
	}
	if _, err := s.send(ctx, sum.SwapChannel(), envelope.KindTerms, tradeID, envelope.TermsBody{Terms: terms}); err != nil {
		return err
	}
	if err := s.withTrade(ctx, tradeID, func(t *domain.Trade) error {
		t.Role = domain.TradeRoleMaker
		t.Terms = &terms
		t.TermsHash = terms.Hash()
		return nil
	}); err != nil {
		return err
	}
	return s.appendEvent(ctx, tradeID, "terms_posted", terms)
}

// AcceptTerms binds this taker to the posted TERMS after checking they match
// the accepted quote.
func (s *Service) AcceptTerms(ctx context.Context, tradeID string) error {
	sum, err := s.summaryOrErr(tradeID)
	if err != nil {
		return err
	}
	if sum.Terms == nil {
		return fmt.Errorf("trade %s has no terms", tradeID)
	}
	acc := sum.LatestAccept()
	if acc != nil {
		if quote := sum.quoteByID(acc.QuoteID); quote != nil {
			if err := termsMatchQuote(*sum.Terms, quote.Body, sum.RFQ); err != nil {
				return fmt.Errorf("%w: %s", ErrProtocolInvalid, err)
			}
		}
	}
	body := envelope.AcceptBody{TermsHash: sum.TermsHash}
	if _, err := s.send(ctx, sum.SwapChannel(), envelope.KindAccept, tradeID, body); err != nil {
		return err
	}
	return s.appendEvent(ctx, tradeID, "terms_accepted", body)
}

// termsMatchQuote rejects terms that drift from what was quoted.
func termsMatchQuote(terms swap.Terms, quote envelope.QuoteBody, rfq *envelope.RFQBody) error {
	if terms.QuoteAmount != quote.QuoteAmount {
		return fmt.Errorf("terms quote amount %d differs from quoted %d", terms.QuoteAmount, quote.QuoteAmount)
	}
	if terms.Mint != quote.Mint {
		return fmt.Errorf("terms mint %s differs from quoted %s", terms.Mint, quote.Mint)
	}
	if terms.PlatformFeeBps != quote.PlatformFeeBps || terms.TradeFeeBps != quote.TradeFeeBps {
		return fmt.Errorf("terms fee schedule differs from quoted")
	}
	if terms.PlatformFeeCollector != quote.PlatformFeeCollector || terms.TradeFeeCollector != quote.TradeFeeCollector {
		return fmt.Errorf("terms fee collectors differ from quoted")
	}
	if rfq != nil && terms.BaseAmountSats != rfq.BaseAmountSats {
		return fmt.Errorf("terms base amount %d differs from requested %d", terms.BaseAmountSats, rfq.BaseAmountSats)
	}
	return nil
}

// PostInvoice creates the Lightning invoice for the trade's base amount and
// publishes it.
func (s *Service) PostInvoice(ctx context.Context, tradeID string) error {
	sum, err := s.summaryOrErr(tradeID)
	if err != nil {
		return err
	}
	if sum.Terms == nil || !sum.TermsAccepted {
		return fmt.Errorf("trade %s terms not accepted yet", tradeID)
	}
	bolt11, paymentHash, err := s.ln.GetInvoice(
		ctx, sum.Terms.BaseAmountSats, uuid.NewString(), tradeID, s.cfg.InvoiceExpirySecs,
	)
	if err != nil {
		return &TransientError{Op: "create invoice", Err: err}
	}
	if _, err := s.send(ctx, sum.SwapChannel(), envelope.KindLnInvoice, tradeID, envelope.InvoiceBody{Bolt11: bolt11}); err != nil {
		return err
	}
	if err := s.withTrade(ctx, tradeID, func(t *domain.Trade) error {
		t.Invoice = bolt11
		t.PaymentHash = paymentHash
		return nil
	}); err != nil {
		return err
	}
	return s.appendEvent(ctx, tradeID, "invoice_posted", map[string]string{"payment_hash": paymentHash})
}

// CreateEscrow locks the quote asset on chain against the invoice's payment
// hash. The chain effect is recorded in the receipts before the announcement
// is broadcast, so recovery tooling can resume from observed chain state.
func (s *Service) CreateEscrow(ctx context.Context, tradeID string) error {
	sum, err := s.summaryOrErr(tradeID)
	if err != nil {
		return err
	}
	if sum.Terms == nil || sum.Invoice == "" {
		return fmt.Errorf("trade %s is not ready for escrow", tradeID)
	}
	decoded, err := s.ln.DecodeInvoice(ctx, sum.Invoice)
	if err != nil {
		return &TransientError{Op: "decode invoice", Err: err}
	}
	terms := *sum.Terms
	txid, err := s.chain.CreateEscrow(ctx, ports.CreateEscrowRequest{
		PaymentHash:          decoded.PaymentHash,
		Mint:                 terms.Mint,
		Amount:               terms.QuoteAmount,
		Recipient:            terms.Recipient,
		Refund:               terms.RefundAddress,
		RefundAfter:          terms.RefundDeadline,
		PlatformFeeBps:       terms.PlatformFeeBps,
		PlatformFeeCollector: terms.PlatformFeeCollector,
		TradeFeeBps:          terms.TradeFeeBps,
		TradeFeeCollector:    terms.TradeFeeCollector,
	})
	if err != nil {
		return &TransientError{Op: "create escrow", Err: err}
	}
	address, err := swap.EscrowAddress(decoded.PaymentHash)
	if err != nil {
		return err
	}
	// Irreversible chain effect: persist before broadcasting.
	if err := s.withTrade(ctx, tradeID, func(t *domain.Trade) error {
		t.EscrowAddress = address
		t.PaymentHash = decoded.PaymentHash
		t.VaultAddress = s.cfg.VaultAddress
		return nil
	}); err != nil {
		return err
	}
	if err := s.appendEvent(ctx, tradeID, "escrow_created", map[string]string{
		"txid": txid, "escrow_address": address, "payment_hash": decoded.PaymentHash,
	}); err != nil {
		return err
	}
	body := envelope.EscrowCreatedBody{PaymentHash: decoded.PaymentHash, EscrowAddress: address, Txid: txid}
	if _, err := s.send(ctx, sum.SwapChannel(), envelope.KindEscrowCreated, tradeID, body); err != nil {
		return err
	}
	return nil
}

// PayInvoice runs the full pre-pay check and, only if it passes, releases
// the Lightning payment. The preimage is sealed behind a secret handle.
func (s *Service) PayInvoice(ctx context.Context, tradeID string) error {
	sum, err := s.summaryOrErr(tradeID)
	if err != nil {
		return err
	}
	if sum.Terms == nil || sum.Invoice == "" || sum.Escrow == nil {
		return fmt.Errorf("trade %s is missing terms, invoice or escrow", tradeID)
	}
	decoded, err := s.ln.DecodeInvoice(ctx, sum.Invoice)
	if err != nil {
		return &TransientError{Op: "decode invoice", Err: err}
	}
	escrow, err := s.chain.GetEscrow(ctx, sum.Escrow.PaymentHash)
	if err != nil {
		return &TransientError{Op: "read escrow", Err: err}
	}
	if err := swap.VerifyPrePay(swap.PrePayInput{
		TradeID:            tradeID,
		Terms:              *sum.Terms,
		InvoiceTradeID:     tradeID,
		EscrowTradeID:      tradeID,
		InvoicePaymentHash: decoded.PaymentHash,
		InvoiceAmountSats:  decoded.AmountSats,
		EscrowPaymentHash:  sum.Escrow.PaymentHash,
		Escrow:             escrow,
	}); err != nil {
		// Payment withheld; trade state unchanged.
		return err
	}
	preimage, err := s.ln.PayInvoice(ctx, sum.Invoice)
	if err != nil {
		return &TransientError{Op: "pay invoice", Err: err}
	}
	if err := swap.VerifyPreimage(preimage, decoded.PaymentHash); err != nil {
		return fmt.Errorf("%w: backend returned preimage for wrong hash: %s", ErrProtocolInvalid, err)
	}
	handle, err := s.secrets.Seal("preimage", preimage)
	if err != nil {
		return err
	}
	if err := s.withTrade(ctx, tradeID, func(t *domain.Trade) error {
		t.Role = domain.TradeRoleTaker
		t.PaymentHash = decoded.PaymentHash
		t.PreimageHandle = handle
		return nil
	}); err != nil {
		return err
	}
	if err := s.appendEvent(ctx, tradeID, "ln_paid", map[string]string{"payment_hash": decoded.PaymentHash}); err != nil {
		return err
	}
	_, err = s.send(ctx, sum.SwapChannel(), envelope.KindLnPaid, tradeID, envelope.LnPaidBody{PaymentHash: decoded.PaymentHash})
	return err
}

// ClaimEscrow redeems the escrow with the sealed preimage. The preimage hash
// is recomputed locally before the claim transaction is built.
func (s *Service) ClaimEscrow(ctx context.Context, tradeID string) error {
	sum, err := s.summaryOrErr(tradeID)
	if err != nil {
		return err
	}
	if sum.Escrow == nil {
		return fmt.Errorf("trade %s has no escrow", tradeID)
	}
	var handle string
	if err := s.stores(func(rm ports.RepoManager) error {
		trade, err := rm.Trades().Get(ctx, tradeID)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrTradeNotFound, tradeID)
		}
		handle = trade.PreimageHandle
		return nil
	}); err != nil {
		return err
	}
	if handle == "" {
		return fmt.Errorf("trade %s holds no preimage", tradeID)
	}
	preimage, err := s.secrets.Resolve(handle)
	if err != nil {
		return err
	}
	if err := swap.VerifyPreimage(preimage, sum.Escrow.PaymentHash); err != nil {
		return fmt.Errorf("%w: %s", ErrProtocolInvalid, err)
	}
	txid, err := s.chain.ClaimEscrow(ctx, sum.Escrow.PaymentHash, preimage)
	if err != nil {
		return &TransientError{Op: "claim escrow", Err: err}
	}
	// Chain effect first, broadcast second.
	if err := s.withTrade(ctx, tradeID, func(t *domain.Trade) error {
		t.SettleTxid = txid
		return nil
	}); err != nil {
		return err
	}
	if err := s.appendEvent(ctx, tradeID, "escrow_claimed", map[string]string{"txid": txid}); err != nil {
		return err
	}
	body := envelope.ClaimedBody{PaymentHash: sum.Escrow.PaymentHash, Txid: txid}
	_, err = s.send(ctx, sum.SwapChannel(), envelope.KindClaimed, tradeID, body)
	return err
}

// RefundEscrow reclaims an unclaimed escrow after the refund deadline.
func (s *Service) RefundEscrow(ctx context.Context, tradeID string) error {
	sum, err := s.summaryOrErr(tradeID)
	if err != nil {
		return err
	}
	if sum.Escrow == nil || sum.Terms == nil {
		return fmt.Errorf("trade %s has no escrow", tradeID)
	}
	if sum.Claimed {
		return fmt.Errorf("trade %s already claimed", tradeID)
	}
	if now := time.Now().Unix(); now < sum.Terms.RefundDeadline {
		return fmt.Errorf("trade %s refund deadline not reached (%d < %d)", tradeID, now, sum.Terms.RefundDeadline)
	}
	txid, err := s.chain.RefundEscrow(ctx, sum.Escrow.PaymentHash)
	if err != nil {
		return &TransientError{Op: "refund escrow", Err: err}
	}
	if err := s.withTrade(ctx, tradeID, func(t *domain.Trade) error {
		t.SettleTxid = txid
		t.LastError = ""
		return t.Advance(domain.TradeRefunded)
	}); err != nil {
		return err
	}
	return s.appendEvent(ctx, tradeID, "escrow_refunded", map[string]string{"txid": txid})
}

// LeaveSwapChannel leaves the trade's swap channel and marks the trade left.
func (s *Service) LeaveSwapChannel(ctx context.Context, tradeID, reason string) error {
	sum := s.ledger.Summary(tradeID)
	channel := "swap:" + tradeID
	if sum != nil {
		channel = sum.SwapChannel()
	}
	if err := s.bridge.Leave(ctx, channel); err != nil {
		return &TransientError{Op: "leave swap channel", Err: err}
	}
	if err := s.withTrade(ctx, tradeID, func(t *domain.Trade) error {
		if t.State.IsTerminal() {
			return nil
		}
		return t.Leave(reason)
	}); err != nil {
		return err
	}
	return s.appendEvent(ctx, tradeID, "channel_left", map[string]string{"reason": reason})
}

// GetTrade reads one durable trade record.
func (s *Service) GetTrade(ctx context.Context, tradeID string) (*domain.Trade, error) {
	var trade *domain.Trade
	err := s.stores(func(rm ports.RepoManager) error {
		var err error
		trade, err = rm.Trades().Get(ctx, tradeID)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrTradeNotFound, tradeID)
		}
		return nil
	})
	return trade, err
}

// GetTradeByPaymentHash looks a trade up by its Lightning payment hash.
func (s *Service) GetTradeByPaymentHash(ctx context.Context, paymentHash string) (*domain.Trade, error) {
	var trade *domain.Trade
	err := s.stores(func(rm ports.RepoManager) error {
		var err error
		trade, err = rm.Trades().GetByPaymentHash(ctx, paymentHash)
		if err != nil {
			return fmt.Errorf("%w: payment hash %s", ErrTradeNotFound, paymentHash)
		}
		return nil
	})
	return trade, err
}

// ListTrades returns every durable trade record.
func (s *Service) ListTrades(ctx context.Context) ([]domain.Trade, error) {
	var trades []domain.Trade
	err := s.stores(func(rm ports.RepoManager) error {
		var err error
		trades, err = rm.Trades().GetAll(ctx)
		return err
	})
	return trades, err
}

// TradeEvents returns the append-only history for one trade.
func (s *Service) TradeEvents(ctx context.Context, tradeID string) ([]domain.TradeEvent, error) {
	var events []domain.TradeEvent
	err := s.stores(func(rm ports.RepoManager) error {
		var err error
		events, err = rm.TradeEvents().GetByTrade(ctx, tradeID)
		return err
	})
	return events, err
}

// OpenClaims lists paid-but-unclaimed taker trades, paginated.
func (s *Service) OpenClaims(ctx context.Context, offset, limit int) ([]domain.Trade, error) {
	var trades []domain.Trade
	err := s.stores(func(rm ports.RepoManager) error {
		var err error
		trades, err = rm.Trades().GetOpenClaims(ctx, offset, limit)
		return err
	})
	return trades, err
}

// OpenRefunds lists maker trades past their refund deadline, paginated.
func (s *Service) OpenRefunds(ctx context.Context, offset, limit int) ([]domain.Trade, error) {
	var trades []domain.Trade
	err := s.stores(func(rm ports.RepoManager) error {
		var err error
		trades, err = rm.Trades().GetOpenRefunds(ctx, time.Now().Unix(), offset, limit)
		return err
	})
	return trades, err
}

// IssueInvite mints an invite capability for a channel. The token is sealed
// behind a secret handle; channel.join resolves it.
func (s *Service) IssueInvite(channel, invitee string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = s.cfg.InviteTTL
	}
	invite, err := domain.NewInvite(channel, invitee, time.Now().Add(ttl).Unix(), s.cfg.SignerKey)
	if err != nil {
		return "", err
	}
	token, err := invite.Encode()
	if err != nil {
		return "", err
	}
	return s.secrets.Seal("invite", token)
}

// IssueWelcome mints an owner welcome capability for a channel, sealed
// behind a secret handle.
func (s *Service) IssueWelcome(channel string) (string, error) {
	welcome, err := domain.NewWelcome(channel, time.Now().Unix(), s.cfg.SignerKey)
	if err != nil {
		return "", err
	}
	token, err := welcome.Encode()
	if err != nil {
		return "", err
	}
	return s.secrets.Seal("welcome", token)
}

// JoinChannel joins an arbitrary channel resolving capability handles.
func (s *Service) JoinChannel(ctx context.Context, channel, inviteHandle, welcomeHandle string) error {
	var opts ports.JoinOptions
	var err error
	if inviteHandle != "" {
		if opts.Invite, err = s.secrets.Resolve(inviteHandle); err != nil {
			return err
		}
	}
	if welcomeHandle != "" {
		if opts.Welcome, err = s.secrets.Resolve(welcomeHandle); err != nil {
			return err
		}
	}
	if err := s.bridge.Join(ctx, channel, opts); err != nil {
		return &TransientError{Op: "join channel", Err: err}
	}
	if err := s.bridge.Subscribe(ctx, []string{channel}); err != nil {
		return &TransientError{Op: "subscribe channel", Err: err}
	}
	return nil
}

// LeaveChannel leaves an arbitrary channel without touching trade state.
func (s *Service) LeaveChannel(ctx context.Context, channel string) error {
	if err := s.bridge.Leave(ctx, channel); err != nil {
		return &TransientError{Op: "leave channel", Err: err}
	}
	return nil
}

// Lightning node passthroughs.

func (s *Service) LnInfo(ctx context.Context) (version, pubkey string, err error) {
	return s.ln.GetInfo(ctx)
}

func (s *Service) LnAddress(ctx context.Context) (string, error) {
	return s.ln.NewAddress(ctx)
}

func (s *Service) LnFunds(ctx context.Context) (onchainSats, channelSats uint64, err error) {
	return s.ln.ListFunds(ctx)
}

func (s *Service) LnConnectPeer(ctx context.Context, peer string) error {
	if s.cfg.LiquidityMode == LiquidityModeDelegated {
		return fmt.Errorf("%w: liquidity is delegated, peer management is external", ErrConfiguration)
	}
	return s.ln.ConnectPeer(ctx, peer)
}

func (s *Service) LnFundChannel(ctx context.Context, nodeID string, amountSats uint64) (string, error) {
	if s.cfg.LiquidityMode == LiquidityModeDelegated {
		return "", fmt.Errorf("%w: liquidity is delegated, channel funding is external", ErrConfiguration)
	}
	return s.ln.FundChannel(ctx, nodeID, amountSats)
}

func (s *Service) LnPayStatus(ctx context.Context, paymentHash string) (ports.PayStatus, error) {
	return s.ln.GetPayStatus(ctx, paymentHash)
}

// MarkTradeErrored records a failure on the trade without advancing it.
func (s *Service) MarkTradeErrored(ctx context.Context, tradeID, msg string) error {
	if err := s.withTrade(ctx, tradeID, func(t *domain.Trade) error {
		t.Fail(msg)
		return nil
	}); err != nil {
		return err
	}
	return s.appendEvent(ctx, tradeID, "trade_errored", map[string]string{"error": msg})
}

// IsTransient reports whether err may be retried under the bounded policy.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
