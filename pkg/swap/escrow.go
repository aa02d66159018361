package swap

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// escrowTag is the program seed the escrow account address is derived under.
const escrowTag = "scambio/escrow/v1"

// EscrowState mirrors the on-chain escrow account for a payment hash.
type EscrowState struct {
	PaymentHash          string `json:"payment_hash"`
	Address              string `json:"address"`
	Mint                 string `json:"mint"`
	Amount               uint64 `json:"amount"`
	Recipient            string `json:"recipient"`
	Refund               string `json:"refund"`
	RefundAfter          int64  `json:"refund_after"`
	PlatformFeeBps       uint32 `json:"platform_fee_bps"`
	PlatformFeeCollector string `json:"platform_fee_collector"`
	TradeFeeBps          uint32 `json:"trade_fee_bps"`
	TradeFeeCollector    string `json:"trade_fee_collector"`
	Claimed              bool   `json:"claimed"`
	Refunded             bool   `json:"refunded"`
}

// EscrowAddress derives the deterministic escrow account address for a
// payment hash. Same hash, same address; no directory lookup needed.
func EscrowAddress(paymentHash string) (string, error) {
	hashBytes, err := hex.DecodeString(paymentHash)
	if err != nil || len(hashBytes) != 32 {
		return "", fmt.Errorf("payment hash must be 32 hex bytes")
	}
	seed := sha256.Sum256(append([]byte(escrowTag), hashBytes...))
	return base58.Encode(seed[:]), nil
}
