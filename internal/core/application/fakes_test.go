package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/scambiohq/scambio/internal/core/domain"
	"github.com/scambiohq/scambio/internal/core/ports"
	"github.com/scambiohq/scambio/pkg/envelope"
	"github.com/scambiohq/scambio/pkg/swap"
)

// rawEnvelope seals a counterparty envelope and returns its wire bytes.
func (p testPeer) rawEnvelope(t *testing.T, kind envelope.Kind, tradeID string, body any) []byte {
	t.Helper()
	u, err := envelope.NewUnsigned(kind, tradeID, body)
	require.NoError(t, err)
	e, err := envelope.Seal(u, p.key)
	require.NoError(t, err)
	raw, err := e.Encode()
	require.NoError(t, err)
	return raw
}

type fakeBridge struct {
	mu     sync.Mutex
	seq    uint64
	events []ports.ChannelEvent
	joins  map[string]int
	leaves map[string]int
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		joins:  make(map[string]int),
		leaves: make(map[string]int),
	}
}

func (b *fakeBridge) append(channel, from string, message []byte) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.events = append(b.events, ports.ChannelEvent{
		Seq:     b.seq,
		Channel: channel,
		From:    from,
		Message: message,
		Ts:      time.Now().UnixMilli(),
	})
	return b.seq
}

// inject delivers a counterparty message into the event log.
func (b *fakeBridge) inject(channel string, message []byte) uint64 {
	return b.append(channel, "peer", message)
}

func (b *fakeBridge) Join(_ context.Context, channel string, _ ports.JoinOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joins[channel]++
	return nil
}

func (b *fakeBridge) Leave(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaves[channel]++
	return nil
}

func (b *fakeBridge) Subscribe(context.Context, []string) error { return nil }

func (b *fakeBridge) Send(_ context.Context, channel string, message []byte) error {
	b.append(channel, "self", message)
	return nil
}

func (b *fakeBridge) EventsSince(_ context.Context, seq uint64, max int) ([]ports.ChannelEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ports.ChannelEvent
	for _, ev := range b.events {
		if ev.Seq <= seq {
			continue
		}
		out = append(out, ev)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

func (b *fakeBridge) Close() {}

// sentOfKind returns the wire bytes of every sent envelope of one kind.
func (b *fakeBridge) sentOfKind(t *testing.T, kind envelope.Kind) [][]byte {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]byte
	for _, ev := range b.events {
		env, err := envelope.Decode(ev.Message)
		if err != nil {
			continue
		}
		if env.Kind == kind {
			out = append(out, ev.Message)
		}
	}
	return out
}

type fakeLn struct {
	mu          sync.Mutex
	invoice     string
	paymentHash string
	amountSats  uint64
	preimage    string
	payErr      error
	payCalls    int
}

// newFakeLn wires a consistent invoice/preimage pair for amountSats.
func newFakeLn(amountSats uint64) *fakeLn {
	preimage := sha256.Sum256([]byte("test preimage"))
	hash := sha256.Sum256(preimage[:])
	return &fakeLn{
		invoice:     "lnbcrt-fake-invoice",
		paymentHash: hex.EncodeToString(hash[:]),
		amountSats:  amountSats,
		preimage:    hex.EncodeToString(preimage[:]),
	}
}

func (l *fakeLn) Connect(context.Context, string) error { return nil }
func (l *fakeLn) IsConnected() bool                     { return true }
func (l *fakeLn) Disconnect()                           {}

func (l *fakeLn) GetInfo(context.Context) (string, string, error) {
	return "fake-ln", "02" + l.paymentHash, nil
}
func (l *fakeLn) NewAddress(context.Context) (string, error) { return "bcrt1qfake", nil }
func (l *fakeLn) ListFunds(context.Context) (uint64, uint64, error) {
	return 1_000_000, 500_000, nil
}
func (l *fakeLn) ConnectPeer(context.Context, string) error { return nil }
func (l *fakeLn) FundChannel(context.Context, string, uint64) (string, error) {
	return "fundtxid", nil
}

func (l *fakeLn) GetInvoice(_ context.Context, amountSats uint64, _, _ string, _ uint32) (string, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.amountSats = amountSats
	return l.invoice, l.paymentHash, nil
}

func (l *fakeLn) DecodeInvoice(_ context.Context, bolt11 string) (*ports.DecodedInvoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bolt11 != l.invoice {
		return nil, fmt.Errorf("unknown invoice %s", bolt11)
	}
	return &ports.DecodedInvoice{AmountSats: l.amountSats, PaymentHash: l.paymentHash}, nil
}

func (l *fakeLn) PayInvoice(context.Context, string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.payCalls++
	if l.payErr != nil {
		return "", l.payErr
	}
	return l.preimage, nil
}

func (l *fakeLn) GetPayStatus(context.Context, string) (ports.PayStatus, error) {
	return ports.PayStatusComplete, nil
}

type fakeChain struct {
	mu      sync.Mutex
	escrows map[string]*swap.EscrowState
	creates int
	claims  int
	refunds int
}

func newFakeChain() *fakeChain {
	return &fakeChain{escrows: make(map[string]*swap.EscrowState)}
}

func (c *fakeChain) CreateEscrow(_ context.Context, req ports.CreateEscrowRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creates++
	address, err := swap.EscrowAddress(req.PaymentHash)
	if err != nil {
		return "", err
	}
	c.escrows[req.PaymentHash] = &swap.EscrowState{
		PaymentHash:          req.PaymentHash,
		Address:              address,
		Mint:                 req.Mint,
		Amount:               req.Amount,
		Recipient:            req.Recipient,
		Refund:               req.Refund,
		RefundAfter:          req.RefundAfter,
		PlatformFeeBps:       req.PlatformFeeBps,
		PlatformFeeCollector: req.PlatformFeeCollector,
		TradeFeeBps:          req.TradeFeeBps,
		TradeFeeCollector:    req.TradeFeeCollector,
	}
	return "txid-create", nil
}

func (c *fakeChain) ClaimEscrow(_ context.Context, paymentHash, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims++
	if e, ok := c.escrows[paymentHash]; ok {
		e.Claimed = true
	}
	return "txid-claim", nil
}

func (c *fakeChain) RefundEscrow(_ context.Context, paymentHash string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refunds++
	if e, ok := c.escrows[paymentHash]; ok {
		e.Refunded = true
	}
	return "txid-refund", nil
}

func (c *fakeChain) GetEscrow(_ context.Context, paymentHash string) (*swap.EscrowState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.escrows[paymentHash]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

type fakeSecrets struct {
	mu     sync.Mutex
	n      int
	values map[string]string
}

func newFakeSecrets() *fakeSecrets {
	return &fakeSecrets{values: make(map[string]string)}
}

func (s *fakeSecrets) Seal(kind, value string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	handle := fmt.Sprintf("%s:%d", kind, s.n)
	s.values[handle] = value
	return handle, nil
}

func (s *fakeSecrets) Resolve(handle string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[handle]
	if !ok {
		return "", fmt.Errorf("unknown handle %s", handle)
	}
	return v, nil
}

type fakeRepoManager struct {
	mu     sync.Mutex
	trades map[string]domain.Trade
	events []domain.TradeEvent
	offers []swap.Offer
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{trades: make(map[string]domain.Trade)}
}

func (m *fakeRepoManager) Trades() domain.TradeRepository           { return (*fakeTradeRepo)(m) }
func (m *fakeRepoManager) TradeEvents() domain.TradeEventRepository { return (*fakeEventRepo)(m) }
func (m *fakeRepoManager) Offers() domain.OfferRepository           { return (*fakeOfferRepo)(m) }
func (m *fakeRepoManager) Close()                                   {}

func (m *fakeRepoManager) provider() ports.StoreProvider {
	return func(fn func(ports.RepoManager) error) error { return fn(m) }
}

type fakeTradeRepo fakeRepoManager

func (r *fakeTradeRepo) Upsert(_ context.Context, trade domain.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades[trade.Id] = trade
	return nil
}

func (r *fakeTradeRepo) Get(_ context.Context, tradeId string) (*domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	trade, ok := r.trades[tradeId]
	if !ok {
		return nil, fmt.Errorf("trade %s not found", tradeId)
	}
	return &trade, nil
}

func (r *fakeTradeRepo) GetByPaymentHash(_ context.Context, paymentHash string) (*domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, trade := range r.trades {
		if trade.PaymentHash == paymentHash {
			t := trade
			return &t, nil
		}
	}
	return nil, fmt.Errorf("no trade for payment hash %s", paymentHash)
}

func (r *fakeTradeRepo) GetAll(context.Context) ([]domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Trade, 0, len(r.trades))
	for _, trade := range r.trades {
		out = append(out, trade)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out, nil
}

func (r *fakeTradeRepo) GetOpenClaims(_ context.Context, offset, limit int) ([]domain.Trade, error) {
	all, _ := r.GetAll(context.Background())
	var out []domain.Trade
	for _, trade := range all {
		if trade.State == domain.TradeLnPaid && trade.Role == domain.TradeRoleTaker {
			out = append(out, trade)
		}
	}
	return page(out, offset, limit), nil
}

func (r *fakeTradeRepo) GetOpenRefunds(_ context.Context, now int64, offset, limit int) ([]domain.Trade, error) {
	all, _ := r.GetAll(context.Background())
	var out []domain.Trade
	for _, trade := range all {
		if trade.State == domain.TradeEscrowCreated && trade.Role == domain.TradeRoleMaker &&
			trade.Terms != nil && trade.Terms.RefundDeadline > 0 && trade.Terms.RefundDeadline <= now {
			out = append(out, trade)
		}
	}
	return page(out, offset, limit), nil
}

func (r *fakeTradeRepo) Close() {}

func page(trades []domain.Trade, offset, limit int) []domain.Trade {
	if offset >= len(trades) {
		return nil
	}
	trades = trades[offset:]
	if limit > 0 && len(trades) > limit {
		trades = trades[:limit]
	}
	return trades
}

type fakeEventRepo fakeRepoManager

func (r *fakeEventRepo) Append(_ context.Context, event domain.TradeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *fakeEventRepo) GetByTrade(_ context.Context, tradeId string) ([]domain.TradeEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.TradeEvent
	for _, ev := range r.events {
		if ev.TradeId == tradeId {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *fakeEventRepo) Close() {}

type fakeOfferRepo fakeRepoManager

func (r *fakeOfferRepo) Put(_ context.Context, offers []swap.Offer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers = offers
	return nil
}

func (r *fakeOfferRepo) GetAll(context.Context) ([]swap.Offer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offers, nil
}

func (r *fakeOfferRepo) Close() {}

// harness bundles a Service with all of its fake collaborators.
type harness struct {
	svc    *Service
	key    *btcec.PrivateKey
	bridge *fakeBridge
	ln     *fakeLn
	chain  *fakeChain
	rm     *fakeRepoManager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	bridge := newFakeBridge()
	ln := newFakeLn(250_000)
	chain := newFakeChain()
	rm := newFakeRepoManager()

	svc, err := NewService(ServiceConfig{
		SignerKey:            key,
		VaultAddress:         "VaultAccount",
		Recipient:            "OurRecipient",
		Mint:                 "Mint1",
		PlatformFeeBps:       25,
		PlatformFeeCollector: "PlatformCollector",
		TradeFeeBps:          10,
		TradeFeeCollector:    "TradeCollector",
		QuoteTTL:             time.Minute,
		InviteTTL:            15 * time.Minute,
	}, bridge, ln, chain, newFakeSecrets(), rm.provider())
	require.NoError(t, err)

	return &harness{svc: svc, key: key, bridge: bridge, ln: ln, chain: chain, rm: rm}
}
