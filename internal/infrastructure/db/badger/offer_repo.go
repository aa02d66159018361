package badgerdb

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"github.com/scambiohq/scambio/internal/core/domain"
	"github.com/scambiohq/scambio/pkg/swap"
)

const (
	offerDir = "offer"
)

type offerRepository struct {
	store *badgerhold.Store
}

func NewOfferRepository(baseDir string, logger badger.Logger) (domain.OfferRepository, error) {
	var dir string
	if len(baseDir) > 0 {
		dir = filepath.Join(baseDir, offerDir)
	}
	store, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open offer store: %s", err)
	}
	return &offerRepository{store}, nil
}

// Put replaces the full published offer set.
func (r *offerRepository) Put(ctx context.Context, offers []swap.Offer) error {
	if err := r.store.DeleteMatching(&offerData{}, nil); err != nil {
		return fmt.Errorf("failed to clear offers: %w", err)
	}
	for i, offer := range offers {
		key := fmt.Sprintf("%s/%s/%d", offer.Pair, offer.Mint, i)
		if err := r.store.Upsert(key, toOfferData(offer)); err != nil {
			return fmt.Errorf("failed to store offer: %w", err)
		}
	}
	return nil
}

func (r *offerRepository) GetAll(ctx context.Context) ([]swap.Offer, error) {
	var dataList []offerData
	if err := r.store.Find(&dataList, nil); err != nil {
		return nil, fmt.Errorf("failed to get all offers: %w", err)
	}

	var offers []swap.Offer
	for _, data := range dataList {
		offers = append(offers, data.toOffer())
	}
	return offers, nil
}

func (r *offerRepository) Close() {
	// nolint:all
	r.store.Close()
}

type offerData struct {
	Pair                string
	Mint                string
	MinBaseSats         uint64
	MaxBaseSats         uint64
	QuotePricePerBtc    uint64
	PlatformFeeBps      uint32
	TradeFeeBps         uint32
	RefundWindowSecs    uint32
	MinRefundWindowSecs uint32
	MaxRefundWindowSecs uint32
}

func toOfferData(offer swap.Offer) offerData {
	return offerData{
		Pair:                offer.Pair,
		Mint:                offer.Mint,
		MinBaseSats:         offer.MinBaseSats,
		MaxBaseSats:         offer.MaxBaseSats,
		QuotePricePerBtc:    offer.QuotePricePerBtc,
		PlatformFeeBps:      offer.PlatformFeeBps,
		TradeFeeBps:         offer.TradeFeeBps,
		RefundWindowSecs:    offer.RefundWindowSecs,
		MinRefundWindowSecs: offer.MinRefundWindowSecs,
		MaxRefundWindowSecs: offer.MaxRefundWindowSecs,
	}
}

func (d *offerData) toOffer() swap.Offer {
	return swap.Offer{
		Pair:                d.Pair,
		Mint:                d.Mint,
		MinBaseSats:         d.MinBaseSats,
		MaxBaseSats:         d.MaxBaseSats,
		QuotePricePerBtc:    d.QuotePricePerBtc,
		PlatformFeeBps:      d.PlatformFeeBps,
		TradeFeeBps:         d.TradeFeeBps,
		RefundWindowSecs:    d.RefundWindowSecs,
		MinRefundWindowSecs: d.MinRefundWindowSecs,
		MaxRefundWindowSecs: d.MaxRefundWindowSecs,
	}
}
