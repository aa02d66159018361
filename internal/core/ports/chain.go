package ports

import (
	"context"

	"github.com/scambiohq/scambio/pkg/swap"
)

// CreateEscrowRequest carries every negotiated term the escrow program pins
// on chain. The escrow account address is derived from PaymentHash alone.
type CreateEscrowRequest struct {
	PaymentHash          string
	Mint                 string
	Amount               uint64
	Recipient            string
	Refund               string
	RefundAfter          int64
	PlatformFeeBps       uint32
	PlatformFeeCollector string
	TradeFeeBps          uint32
	TradeFeeCollector    string
}

// EscrowService is the settlement-chain collaborator.
type EscrowService interface {
	CreateEscrow(ctx context.Context, req CreateEscrowRequest) (txid string, err error)
	ClaimEscrow(ctx context.Context, paymentHash, preimage string) (txid string, err error)
	RefundEscrow(ctx context.Context, paymentHash string) (txid string, err error)
	// GetEscrow returns nil (no error) when no escrow exists for the hash.
	GetEscrow(ctx context.Context, paymentHash string) (*swap.EscrowState, error)
}
