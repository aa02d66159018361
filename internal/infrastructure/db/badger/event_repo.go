package badgerdb

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"github.com/scambiohq/scambio/internal/core/domain"
)

const (
	eventDir = "event"
)

type tradeEventRepository struct {
	store *badgerhold.Store
}

func NewTradeEventRepository(baseDir string, logger badger.Logger) (domain.TradeEventRepository, error) {
	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, eventDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open trade event store: %s", err)
	}
	return &tradeEventRepository{store}, nil
}

func (r *tradeEventRepository) Append(ctx context.Context, event domain.TradeEvent) error {
	return r.store.Insert(badgerhold.NextSequence(), toTradeEventData(event))
}

func (r *tradeEventRepository) GetByTrade(ctx context.Context, tradeId string) ([]domain.TradeEvent, error) {
	var dataList []tradeEventData
	if err := r.store.Find(&dataList, badgerhold.Where("TradeId").Eq(tradeId)); err != nil {
		return nil, fmt.Errorf("failed to get trade events: %w", err)
	}

	sort.Slice(dataList, func(i, j int) bool {
		return dataList[i].Seq < dataList[j].Seq
	})

	var events []domain.TradeEvent
	for _, data := range dataList {
		events = append(events, data.toTradeEvent())
	}
	return events, nil
}

func (r *tradeEventRepository) Close() {
	// nolint:all
	r.store.Close()
}

type tradeEventData struct {
	Seq       uint64 `badgerholdKey:"Seq"`
	TradeId   string
	Type      string
	Payload   []byte
	Timestamp int64
}

func toTradeEventData(event domain.TradeEvent) tradeEventData {
	return tradeEventData{
		TradeId:   event.TradeId,
		Type:      event.Type,
		Payload:   event.Payload,
		Timestamp: event.Timestamp,
	}
}

func (d *tradeEventData) toTradeEvent() domain.TradeEvent {
	return domain.TradeEvent{
		TradeId:   d.TradeId,
		Type:      d.Type,
		Payload:   d.Payload,
		Timestamp: d.Timestamp,
	}
}
