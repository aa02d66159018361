package ports

import "context"

// PayStatus is the backend's view of one outgoing payment attempt.
type PayStatus string

const (
	PayStatusPending  PayStatus = "pending"
	PayStatusComplete PayStatus = "complete"
	PayStatusFailed   PayStatus = "failed"
	PayStatusUnknown  PayStatus = "unknown"
)

// DecodedInvoice is the subset of a bolt11 invoice the settlement protocol
// validates.
type DecodedInvoice struct {
	AmountSats  uint64
	PaymentHash string
}

// LnService is the Lightning node collaborator.
type LnService interface {
	Connect(ctx context.Context, url string) error
	IsConnected() bool
	Disconnect()

	GetInfo(ctx context.Context) (version string, pubkey string, err error)
	NewAddress(ctx context.Context) (string, error)
	ListFunds(ctx context.Context) (onchainSats, channelSats uint64, err error)
	ConnectPeer(ctx context.Context, peer string) error
	FundChannel(ctx context.Context, nodeID string, amountSats uint64) (txid string, err error)

	GetInvoice(ctx context.Context, amountSats uint64, label, description string, expirySecs uint32) (invoice string, paymentHash string, err error)
	DecodeInvoice(ctx context.Context, bolt11 string) (*DecodedInvoice, error)
	PayInvoice(ctx context.Context, bolt11 string) (preimage string, err error)
	GetPayStatus(ctx context.Context, paymentHash string) (PayStatus, error)
}
