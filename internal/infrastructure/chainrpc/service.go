package chainrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/scambiohq/scambio/internal/core/ports"
	"github.com/scambiohq/scambio/pkg/swap"
)

// Api talks to the settlement-chain gateway over HTTP JSON.
type Api struct {
	URL    string
	Client http.Client
}

type service struct {
	api        *Api
	maxElapsed time.Duration
}

func NewService(url string) ports.EscrowService {
	return &service{
		api:        &Api{URL: url, Client: http.Client{Timeout: 15 * time.Second}},
		maxElapsed: 45 * time.Second,
	}
}

type createEscrowRequest struct {
	PaymentHash          string `json:"payment_hash"`
	Mint                 string `json:"mint"`
	Amount               uint64 `json:"amount"`
	Recipient            string `json:"recipient"`
	Refund               string `json:"refund"`
	RefundAfter          int64  `json:"refund_after"`
	PlatformFeeBps       uint32 `json:"platform_fee_bps"`
	PlatformFeeCollector string `json:"platform_fee_collector"`
	TradeFeeBps          uint32 `json:"trade_fee_bps"`
	TradeFeeCollector    string `json:"trade_fee_collector"`
}

type claimEscrowRequest struct {
	PaymentHash string `json:"payment_hash"`
	Preimage    string `json:"preimage"`
}

type refundEscrowRequest struct {
	PaymentHash string `json:"payment_hash"`
}

type txResponse struct {
	Txid  string `json:"txid"`
	Error string `json:"error,omitempty"`
}

type escrowResponse struct {
	Escrow *escrowRecord `json:"escrow"`
	Error  string        `json:"error,omitempty"`
}

type escrowRecord struct {
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

func (s *service) CreateEscrow(ctx context.Context, req ports.CreateEscrowRequest) (string, error) {
	var response txResponse
	// Escrow creation is not idempotent on the gateway side, so it gets a
	// single attempt; the caller owns the retry policy.
	if err := s.api.post(ctx, "/escrow/create", createEscrowRequest{
		PaymentHash:          req.PaymentHash,
		Mint:                 req.Mint,
		Amount:               req.Amount,
		Recipient:            req.Recipient,
		Refund:               req.Refund,
		RefundAfter:          req.RefundAfter,
		PlatformFeeBps:       req.PlatformFeeBps,
		PlatformFeeCollector: req.PlatformFeeCollector,
		TradeFeeBps:          req.TradeFeeBps,
		TradeFeeCollector:    req.TradeFeeCollector,
	}, &response); err != nil {
		return "", err
	}
	if response.Error != "" {
		return "", errors.New(response.Error)
	}
	return response.Txid, nil
}

func (s *service) ClaimEscrow(ctx context.Context, paymentHash, preimage string) (string, error) {
	var response txResponse
	if err := s.api.post(ctx, "/escrow/claim", claimEscrowRequest{
		PaymentHash: paymentHash,
		Preimage:    preimage,
	}, &response); err != nil {
		return "", err
	}
	if response.Error != "" {
		return "", errors.New(response.Error)
	}
	return response.Txid, nil
}

func (s *service) RefundEscrow(ctx context.Context, paymentHash string) (string, error) {
	var response txResponse
	if err := s.api.post(ctx, "/escrow/refund", refundEscrowRequest{
		PaymentHash: paymentHash,
	}, &response); err != nil {
		return "", err
	}
	if response.Error != "" {
		return "", errors.New(response.Error)
	}
	return response.Txid, nil
}

// GetEscrow reads the on-chain escrow account; a missing account returns
// (nil, nil). Reads retry with exponential backoff since they are safe to
// repeat.
func (s *service) GetEscrow(ctx context.Context, paymentHash string) (*swap.EscrowState, error) {
	var response escrowResponse
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(s.maxElapsed),
	), ctx)
	err := backoff.Retry(func() error {
		return s.api.get(ctx, "/escrow/"+paymentHash, &response)
	}, policy)
	if err != nil {
		return nil, err
	}
	if response.Error != "" {
		return nil, errors.New(response.Error)
	}
	if response.Escrow == nil {
		return nil, nil
	}
	rec := response.Escrow
	return &swap.EscrowState{
		PaymentHash:          rec.PaymentHash,
		Address:              rec.Address,
		Mint:                 rec.Mint,
		Amount:               rec.Amount,
		Recipient:            rec.Recipient,
		Refund:               rec.Refund,
		RefundAfter:          rec.RefundAfter,
		PlatformFeeBps:       rec.PlatformFeeBps,
		PlatformFeeCollector: rec.PlatformFeeCollector,
		TradeFeeBps:          rec.TradeFeeBps,
		TradeFeeCollector:    rec.TradeFeeCollector,
		Claimed:              rec.Claimed,
		Refunded:             rec.Refunded,
	}, nil
}

func (a *Api) post(ctx context.Context, endpoint string, requestBody any, response any) error {
	rawBody, err := json.Marshal(requestBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL+"/v1"+endpoint, bytes.NewBuffer(rawBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := a.Client.Do(req)
	if err != nil {
		return err
	}
	if err := unmarshalJson(res.Body, response); err != nil {
		return fmt.Errorf("could not parse chain response with status %d: %v", res.StatusCode, err)
	}
	return nil
}

func (a *Api) get(ctx context.Context, endpoint string, response any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL+"/v1"+endpoint, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	res, err := a.Client.Do(req)
	if err != nil {
		return err
	}
	if res.StatusCode >= 500 {
		// nolint:all
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
		return fmt.Errorf("chain gateway returned %d", res.StatusCode)
	}
	if err := unmarshalJson(res.Body, response); err != nil {
		return backoff.Permanent(fmt.Errorf("could not parse chain response with status %d: %v", res.StatusCode, err))
	}
	return nil
}

func unmarshalJson(body io.ReadCloser, response any) error {
	defer body.Close()
	rawBody, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(rawBody, response)
}
