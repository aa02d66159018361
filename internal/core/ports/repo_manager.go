package ports

import "github.com/scambiohq/scambio/internal/core/domain"

type RepoManager interface {
	Trades() domain.TradeRepository
	TradeEvents() domain.TradeEventRepository
	Offers() domain.OfferRepository
	Close()
}

// StoreProvider grants scoped access to the durable receipts store: the
// store is opened for the duration of fn and released on return, never held
// across a polling cycle.
type StoreProvider func(fn func(RepoManager) error) error
