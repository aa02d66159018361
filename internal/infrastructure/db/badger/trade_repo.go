package badgerdb

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"github.com/scambiohq/scambio/internal/core/domain"
	"github.com/scambiohq/scambio/pkg/swap"
)

const (
	tradeDir = "trade"
)

type tradeRepository struct {
	store *badgerhold.Store
}

func NewTradeRepository(baseDir string, logger badger.Logger) (domain.TradeRepository, error) {
	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, tradeDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open trade store: %s", err)
	}
	return &tradeRepository{store}, nil
}

func (r *tradeRepository) Upsert(ctx context.Context, trade domain.Trade) error {
	return r.store.Upsert(trade.Id, toTradeData(trade))
}

func (r *tradeRepository) Get(ctx context.Context, tradeId string) (*domain.Trade, error) {
	var data tradeData
	err := r.store.Get(tradeId, &data)
	if err == badgerhold.ErrNotFound {
		return nil, fmt.Errorf("trade with id %s not found", tradeId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	trade := data.toTrade()
	return &trade, nil
}

func (r *tradeRepository) GetByPaymentHash(ctx context.Context, paymentHash string) (*domain.Trade, error) {
	var dataList []tradeData
	if err := r.store.Find(&dataList, badgerhold.Where("PaymentHash").Eq(paymentHash)); err != nil {
		return nil, fmt.Errorf("failed to find trade by payment hash: %w", err)
	}
	if len(dataList) == 0 {
		return nil, fmt.Errorf("trade with payment hash %s not found", paymentHash)
	}
	trade := dataList[0].toTrade()
	return &trade, nil
}

func (r *tradeRepository) GetAll(ctx context.Context) ([]domain.Trade, error) {
	var dataList []tradeData
	if err := r.store.Find(&dataList, nil); err != nil {
		return nil, fmt.Errorf("failed to get all trades: %w", err)
	}

	var trades []domain.Trade
	for _, data := range dataList {
		trades = append(trades, data.toTrade())
	}
	return trades, nil
}

func (r *tradeRepository) GetOpenClaims(ctx context.Context, offset, limit int) ([]domain.Trade, error) {
	var dataList []tradeData
	query := badgerhold.Where("State").Eq(int(domain.TradeLnPaid)).
		And("Role").Eq(int(domain.TradeRoleTaker)).
		Skip(offset).Limit(limit)
	if err := r.store.Find(&dataList, query); err != nil {
		return nil, fmt.Errorf("failed to get open claims: %w", err)
	}

	var trades []domain.Trade
	for _, data := range dataList {
		trades = append(trades, data.toTrade())
	}
	return trades, nil
}

func (r *tradeRepository) GetOpenRefunds(ctx context.Context, now int64, offset, limit int) ([]domain.Trade, error) {
	var dataList []tradeData
	query := badgerhold.Where("State").Eq(int(domain.TradeEscrowCreated)).
		And("Role").Eq(int(domain.TradeRoleMaker)).
		And("RefundDeadline").Le(now).And("RefundDeadline").Gt(int64(0)).
		Skip(offset).Limit(limit)
	if err := r.store.Find(&dataList, query); err != nil {
		return nil, fmt.Errorf("failed to get open refunds: %w", err)
	}

	var trades []domain.Trade
	for _, data := range dataList {
		trades = append(trades, data.toTrade())
	}
	return trades, nil
}

func (r *tradeRepository) Close() {
	// nolint:all
	r.store.Close()
}

type tradeData struct {
	Id                 string
	Role               int
	SwapChannel        string
	CounterpartyPubkey string
	Terms              []byte
	TermsHash          string
	Invoice            string
	PaymentHash        string
	PreimageHandle     string
	EscrowAddress      string
	VaultAddress       string
	SettleTxid         string
	State              int
	RefundDeadline     int64
	LastError          string
	CreatedAt          int64
	UpdatedAt          int64
}

func toTradeData(trade domain.Trade) tradeData {
	data := tradeData{
		Id:                 trade.Id,
		Role:               int(trade.Role),
		SwapChannel:        trade.SwapChannel,
		CounterpartyPubkey: trade.CounterpartyPubkey,
		TermsHash:          trade.TermsHash,
		Invoice:            trade.Invoice,
		PaymentHash:        trade.PaymentHash,
		PreimageHandle:     trade.PreimageHandle,
		EscrowAddress:      trade.EscrowAddress,
		VaultAddress:       trade.VaultAddress,
		SettleTxid:         trade.SettleTxid,
		State:              int(trade.State),
		LastError:          trade.LastError,
		CreatedAt:          trade.CreatedAt,
		UpdatedAt:          trade.UpdatedAt,
	}
	if trade.Terms != nil {
		data.Terms = encodeTerms(*trade.Terms)
		data.RefundDeadline = trade.Terms.RefundDeadline
	}
	return data
}

func (d *tradeData) toTrade() domain.Trade {
	trade := domain.Trade{
		Id:                 d.Id,
		Role:               domain.TradeRole(d.Role),
		SwapChannel:        d.SwapChannel,
		CounterpartyPubkey: d.CounterpartyPubkey,
		TermsHash:          d.TermsHash,
		Invoice:            d.Invoice,
		PaymentHash:        d.PaymentHash,
		PreimageHandle:     d.PreimageHandle,
		EscrowAddress:      d.EscrowAddress,
		VaultAddress:       d.VaultAddress,
		SettleTxid:         d.SettleTxid,
		State:              domain.TradeState(d.State),
		LastError:          d.LastError,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
	if terms := decodeTerms(d.Terms); terms != nil {
		trade.Terms = terms
	}
	return trade
}

func encodeTerms(terms swap.Terms) []byte {
	buf, _ := json.Marshal(terms)
	return buf
}

func decodeTerms(buf []byte) *swap.Terms {
	if len(buf) == 0 {
		return nil
	}
	var terms swap.Terms
	if err := json.Unmarshal(buf, &terms); err != nil {
		return nil
	}
	return &terms
}
