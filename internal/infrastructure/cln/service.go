package cln

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/scambiohq/scambio/internal/core/ports"
	"github.com/scambiohq/scambio/utils"
)

const (
	clnGetInfoCmd       = "getinfo"
	clnNewAddrCmd       = "newaddr"
	clnListFundsCmd     = "listfunds"
	clnConnectCmd       = "connect"
	clnFundChannelCmd   = "fundchannel"
	clnCreateInvoiceCmd = "invoice"
	clnPayInvoiceCmd    = "pay"
	clnListPaysCmd      = "listpays"
)

type service struct {
	runner *commandRunner
}

// NewService drives a core-lightning node through lightning-cli. The bin
// string may include a wrapper prefix such as "docker exec -i cln
// lightning-cli"; network selects --network.
func NewService(bin, network string) ports.LnService {
	return &service{runner: newCommandRunner(bin, network)}
}

func (s *service) Connect(ctx context.Context, _ string) error {
	_, _, err := s.GetInfo(ctx)
	return err
}

func (s *service) IsConnected() bool {
	_, _, err := s.GetInfo(context.Background())
	return err == nil
}

func (s *service) Disconnect() {}

func (s *service) GetInfo(ctx context.Context) (version string, pubkey string, err error) {
	resp, err := s.runner.run(clnGetInfoCmd)
	if err != nil {
		return "", "", err
	}

	info := GetInfoResponse{}
	if err := json.Unmarshal([]byte(resp), &info); err != nil {
		return "", "", err
	}
	return info.Version, info.Id, nil
}

func (s *service) NewAddress(ctx context.Context) (string, error) {
	resp, err := s.runner.run(clnNewAddrCmd)
	if err != nil {
		return "", err
	}

	addr := NewAddrResponse{}
	if err := json.Unmarshal([]byte(resp), &addr); err != nil {
		return "", err
	}
	return addr.Bech32, nil
}

func (s *service) ListFunds(ctx context.Context) (onchainSats, channelSats uint64, err error) {
	resp, err := s.runner.run(clnListFundsCmd)
	if err != nil {
		return 0, 0, err
	}

	funds := ListFundsResponse{}
	if err := json.Unmarshal([]byte(resp), &funds); err != nil {
		return 0, 0, err
	}
	for _, out := range funds.Outputs {
		if out.Status == "confirmed" {
			onchainSats += out.AmountMsat / 1000
		}
	}
	for _, ch := range funds.Channels {
		if ch.State == "CHANNELD_NORMAL" {
			channelSats += ch.OurAmountMsat / 1000
		}
	}
	return onchainSats, channelSats, nil
}

func (s *service) ConnectPeer(ctx context.Context, peer string) error {
	resp, err := s.runner.run(clnConnectCmd, peer)
	if err != nil {
		return err
	}

	connected := ConnectResponse{}
	if err := json.Unmarshal([]byte(resp), &connected); err != nil {
		return err
	}
	if connected.Id == "" {
		return fmt.Errorf("connect to %s returned no peer id", peer)
	}
	return nil
}

func (s *service) FundChannel(ctx context.Context, nodeID string, amountSats uint64) (string, error) {
	resp, err := s.runner.run(
		clnFundChannelCmd,
		"-k",
		keyword("id", nodeID),
		keyword("amount", amountSats),
	)
	if err != nil {
		return "", err
	}

	funded := FundChannelResponse{}
	if err := json.Unmarshal([]byte(resp), &funded); err != nil {
		return "", err
	}
	return funded.Txid, nil
}

func (s *service) GetInvoice(
	ctx context.Context, amountSats uint64, label, description string, expirySecs uint32,
) (invoice string, paymentHash string, err error) {
	resp, err := s.runner.run(
		clnCreateInvoiceCmd,
		"-k",
		keyword("amount_msat", amountSats*1000),
		keyword("label", label),
		keyword("description", description),
		keyword("expiry", expirySecs),
	)
	if err != nil {
		return "", "", err
	}

	invoiceResp := CreateInvoiceResponse{}
	if err := json.Unmarshal([]byte(resp), &invoiceResp); err != nil {
		return "", "", err
	}
	return invoiceResp.Bolt11, invoiceResp.PaymentHash, nil
}

// DecodeInvoice parses the bolt11 locally; invoice fields feeding the
// pre-pay check are never taken from the node's answer.
func (s *service) DecodeInvoice(ctx context.Context, bolt11 string) (*ports.DecodedInvoice, error) {
	amountSats, paymentHash, err := utils.DecodeInvoice(bolt11)
	if err != nil {
		return nil, err
	}
	return &ports.DecodedInvoice{
		AmountSats:  amountSats,
		PaymentHash: hex.EncodeToString(paymentHash),
	}, nil
}

func (s *service) PayInvoice(ctx context.Context, bolt11 string) (preimage string, err error) {
	resp, err := s.runner.run(clnPayInvoiceCmd, bolt11)
	if err != nil {
		return "", err
	}

	payResp := PayInvoiceResponse{}
	if err := json.Unmarshal([]byte(resp), &payResp); err != nil {
		return "", err
	}
	if payResp.Status != "complete" {
		return "", fmt.Errorf("payment %s status %s", payResp.PaymentHash, payResp.Status)
	}
	return payResp.PaymentPreimage, nil
}

func (s *service) GetPayStatus(ctx context.Context, paymentHash string) (ports.PayStatus, error) {
	resp, err := s.runner.run(clnListPaysCmd, "-k", keyword("payment_hash", paymentHash))
	if err != nil {
		return ports.PayStatusUnknown, err
	}

	pays := ListPaysResponse{}
	if err := json.Unmarshal([]byte(resp), &pays); err != nil {
		return ports.PayStatusUnknown, err
	}
	if len(pays.Pays) == 0 {
		return ports.PayStatusUnknown, nil
	}
	switch pays.Pays[len(pays.Pays)-1].Status {
	case "complete":
		return ports.PayStatusComplete, nil
	case "pending":
		return ports.PayStatusPending, nil
	case "failed":
		return ports.PayStatusFailed, nil
	}
	return ports.PayStatusUnknown, nil
}
