package db

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/scambiohq/scambio/internal/core/domain"
	"github.com/scambiohq/scambio/internal/core/ports"
	badgerdb "github.com/scambiohq/scambio/internal/infrastructure/db/badger"
)

var allowedTypes = strings.Join([]string{"badger"}, ",")

type ServiceConfig struct {
	DbType   string
	DbConfig []any
}

type service struct {
	tradeRepo domain.TradeRepository
	eventRepo domain.TradeEventRepository
	offerRepo domain.OfferRepository
}

func NewService(config ServiceConfig) (ports.RepoManager, error) {
	var (
		tradeRepo domain.TradeRepository
		eventRepo domain.TradeEventRepository
		offerRepo domain.OfferRepository
		err       error
	)

	switch config.DbType {
	case "badger":
		if len(config.DbConfig) != 2 {
			return nil, fmt.Errorf("badger db config must have 2 elements, got %d", len(config.DbConfig))
		}
		baseDir, ok := config.DbConfig[0].(string)
		if !ok {
			return nil, fmt.Errorf("invalid base directory")
		}
		var logger badger.Logger
		if config.DbConfig[1] != nil {
			logger, ok = config.DbConfig[1].(badger.Logger)
			if !ok {
				return nil, fmt.Errorf("invalid logger")
			}
		}
		tradeRepo, err = badgerdb.NewTradeRepository(baseDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open trade db: %s", err)
		}
		eventRepo, err = badgerdb.NewTradeEventRepository(baseDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open trade event db: %s", err)
		}
		offerRepo, err = badgerdb.NewOfferRepository(baseDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open offer db: %s", err)
		}
	default:
		return nil, fmt.Errorf("unsupported db type %s, please select one of %s", config.DbType, allowedTypes)
	}

	return &service{
		tradeRepo: tradeRepo,
		eventRepo: eventRepo,
		offerRepo: offerRepo,
	}, nil
}

func (s *service) Trades() domain.TradeRepository {
	return s.tradeRepo
}

func (s *service) TradeEvents() domain.TradeEventRepository {
	return s.eventRepo
}

func (s *service) Offers() domain.OfferRepository {
	return s.offerRepo
}

func (s *service) Close() {
	s.tradeRepo.Close()
	s.eventRepo.Close()
	s.offerRepo.Close()
}

// NewStoreProvider returns a provider that hands out one long-lived manager.
// Badger holds an exclusive directory lock, so the store is opened once and
// shared; the scoped-access contract still holds because callers never keep
// the manager beyond the callback.
func NewStoreProvider(rm ports.RepoManager) ports.StoreProvider {
	return func(fn func(ports.RepoManager) error) error {
		return fn(rm)
	}
}
