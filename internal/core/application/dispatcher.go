package application

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/go-playground/validator/v10"

	"github.com/scambiohq/scambio/pkg/swap"
)

// ExecOptions gate side effects of a dispatched operation.
type ExecOptions struct {
	// AutoApprove permits mutating operations. Read-only operations never
	// require it.
	AutoApprove bool
	// DryRun validates arguments and echoes the would-be action without any
	// network or state effect.
	DryRun bool
}

type opHandler func(ctx context.Context, d *Dispatcher, args json.RawMessage) (map[string]any, error)

type opSpec struct {
	mutating bool
	handler  opHandler
}

// Dispatcher is the single entry point for operator tooling. Arguments are
// schema-validated before any side effect; unknown operations and unknown
// argument keys are rejected outright.
type Dispatcher struct {
	svc      *Service
	validate *validator.Validate
	ops      map[string]opSpec
}

func NewDispatcher(svc *Service) *Dispatcher {
	v := validator.New()
	// 64-char lowercase hex, the envelope signer / payment hash format.
	v.RegisterValidation("hex64", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if len(s) != 64 {
			return false
		}
		_, err := hex.DecodeString(s)
		return err == nil
	})
	// 66-char hex, a compressed Lightning node id.
	v.RegisterValidation("hex66", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if len(s) != 66 {
			return false
		}
		_, err := hex.DecodeString(s)
		return err == nil
	})
	v.RegisterValidation("base58", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s != "" && len(base58.Decode(s)) > 0
	})
	d := &Dispatcher{svc: svc, validate: v}
	d.ops = map[string]opSpec{
		"offer.publish":  {mutating: true, handler: opOfferPublish},
		"offer.list":     {handler: opOfferList},
		"rfq.broadcast":  {mutating: true, handler: opRfqBroadcast},
		"quote.send":     {mutating: true, handler: opQuoteSend},
		"quote.accept":   {mutating: true, handler: opQuoteAccept},
		"accept.replay":  {mutating: true, handler: opAcceptReplay},
		"invite.send":    {mutating: true, handler: opInviteSend},
		"invite.issue":   {mutating: true, handler: opInviteIssue},
		"welcome.issue":  {mutating: true, handler: opWelcomeIssue},
		"channel.join":   {mutating: true, handler: opChannelJoin},
		"channel.leave":  {mutating: true, handler: opChannelLeave},
		"channel.ping":   {mutating: true, handler: opChannelPing},
		"terms.post":     {mutating: true, handler: opTermsPost},
		"terms.accept":   {mutating: true, handler: opTermsAccept},
		"invoice.post":   {mutating: true, handler: opInvoicePost},
		"escrow.create":  {mutating: true, handler: opEscrowCreate},
		"escrow.claim":   {mutating: true, handler: opEscrowClaim},
		"escrow.refund":  {mutating: true, handler: opEscrowRefund},
		"ln.pay":         {mutating: true, handler: opLnPay},
		"ln.paystatus":   {handler: opLnPayStatus},
		"ln.info":        {handler: opLnInfo},
		"ln.address":     {mutating: true, handler: opLnAddress},
		"ln.funds":       {handler: opLnFunds},
		"ln.connect":     {mutating: true, handler: opLnConnect},
		"ln.fundchannel": {mutating: true, handler: opLnFundChannel},
		"trade.get":      {handler: opTradeGet},
		"trade.list":     {handler: opTradeList},
		"trade.events":   {handler: opTradeEvents},
		"trade.claims":   {handler: opTradeClaims},
		"trade.refunds":  {handler: opTradeRefunds},
	}
	return d
}

// Operations lists the registered operation names.
func (d *Dispatcher) Operations() []string {
	out := make([]string, 0, len(d.ops))
	for name := range d.ops {
		out = append(out, name)
	}
	return out
}

// Execute validates and runs one operation. Mutating operations require
// opts.AutoApprove; dry runs stop after validation and echo the action.
func (d *Dispatcher) Execute(ctx context.Context, operation string, args map[string]any, opts ExecOptions) (map[string]any, error) {
	spec, ok := d.ops[operation]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArguments, err)
	}
	if opts.DryRun {
		// A dry run has no side effect, so it needs no approval; arguments
		// still go through the operation's decoder so it catches the same
		// schema errors as a live call.
		if err := d.validateOnly(operation, raw); err != nil {
			return nil, err
		}
		return map[string]any{"dry_run": true, "operation": operation, "args": args}, nil
	}
	if spec.mutating && !opts.AutoApprove {
		return nil, fmt.Errorf("%w: %s", ErrApprovalRequired, operation)
	}
	return spec.handler(ctx, d, raw)
}

// validateOnly runs the operation's decode step against a throwaway handler
// result by re-running the handler builder in probe mode. Decoding happens
// inside decodeArgs; probes reuse it with the registered argument type.
func (d *Dispatcher) validateOnly(operation string, raw json.RawMessage) error {
	probe, ok := argProbes[operation]
	if !ok {
		return nil
	}
	return probe(d, raw)
}

// decodeArgs strictly decodes and validates typed operation arguments.
func decodeArgs[T any](d *Dispatcher, raw json.RawMessage) (T, error) {
	var args T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&args); err != nil {
		return args, fmt.Errorf("%w: %s", ErrInvalidArguments, err)
	}
	if err := d.validate.Struct(args); err != nil {
		return args, fmt.Errorf("%w: %s", ErrInvalidArguments, err)
	}
	return args, nil
}

func probeFor[T any]() func(*Dispatcher, json.RawMessage) error {
	return func(d *Dispatcher, raw json.RawMessage) error {
		_, err := decodeArgs[T](d, raw)
		return err
	}
}

// Trade ids are chosen by the RFQ originator and are opaque to this node, so
// only presence and a length cap are enforced.
type tradeArgs struct {
	TradeID string `json:"trade_id" validate:"required,max=128"`
}

type offerPublishArgs struct {
	Channel string       `json:"channel" validate:"required"`
	Offers  []swap.Offer `json:"offers" validate:"required,min=1,dive"`
}

type rfqBroadcastArgs struct {
	Channel        string `json:"channel" validate:"required"`
	Pair           string `json:"pair" validate:"required"`
	BaseAmountSats uint64 `json:"base_amount_sats" validate:"required,gt=0"`
	QuoteMint      string `json:"quote_mint" validate:"required,base58"`
}

type quoteSendArgs struct {
	TradeID string     `json:"trade_id" validate:"required,max=128"`
	Offer   swap.Offer `json:"offer" validate:"required"`
}

type quoteAcceptArgs struct {
	TradeID string `json:"trade_id" validate:"required,max=128"`
	QuoteID string `json:"quote_id" validate:"omitempty,hex64"`
}

type inviteIssueArgs struct {
	Channel string `json:"channel" validate:"required"`
	Invitee string `json:"invitee" validate:"required,hex64"`
	TTLSecs uint32 `json:"ttl_secs" validate:"omitempty,gt=0"`
}

type welcomeIssueArgs struct {
	Channel string `json:"channel" validate:"required"`
}

type channelJoinArgs struct {
	Channel       string `json:"channel" validate:"required"`
	InviteHandle  string `json:"invite_handle" validate:"omitempty"`
	WelcomeHandle string `json:"welcome_handle" validate:"omitempty"`
}

type channelLeaveArgs struct {
	TradeID string `json:"trade_id" validate:"omitempty,max=128"`
	Channel string `json:"channel" validate:"omitempty"`
	Reason  string `json:"reason" validate:"omitempty,max=256"`
}

type payStatusArgs struct {
	PaymentHash string `json:"payment_hash" validate:"required,hex64"`
}

type lnConnectArgs struct {
	Peer string `json:"peer" validate:"required"`
}

type lnFundChannelArgs struct {
	NodeID     string `json:"node_id" validate:"required,hex66"`
	AmountSats uint64 `json:"amount_sats" validate:"required,gt=0"`
}

type pageArgs struct {
	Offset int `json:"offset" validate:"omitempty,gte=0"`
	Limit  int `json:"limit" validate:"omitempty,gt=0,lte=500"`
}

func (p pageArgs) limitOrDefault() int {
	if p.Limit == 0 {
		return 100
	}
	return p.Limit
}

type emptyArgs struct{}

var argProbes = map[string]func(*Dispatcher, json.RawMessage) error{
	"offer.publish":  probeFor[offerPublishArgs](),
	"offer.list":     probeFor[emptyArgs](),
	"rfq.broadcast":  probeFor[rfqBroadcastArgs](),
	"quote.send":     probeFor[quoteSendArgs](),
	"quote.accept":   probeFor[quoteAcceptArgs](),
	"accept.replay":  probeFor[tradeArgs](),
	"invite.send":    probeFor[tradeArgs](),
	"invite.issue":   probeFor[inviteIssueArgs](),
	"welcome.issue":  probeFor[welcomeIssueArgs](),
	"channel.join":   probeFor[channelJoinArgs](),
	"channel.leave":  probeFor[channelLeaveArgs](),
	"channel.ping":   probeFor[tradeArgs](),
	"terms.post":     probeFor[tradeArgs](),
	"terms.accept":   probeFor[tradeArgs](),
	"invoice.post":   probeFor[tradeArgs](),
	"escrow.create":  probeFor[tradeArgs](),
	"escrow.claim":   probeFor[tradeArgs](),
	"escrow.refund":  probeFor[tradeArgs](),
	"ln.pay":         probeFor[tradeArgs](),
	"ln.paystatus":   probeFor[payStatusArgs](),
	"ln.info":        probeFor[emptyArgs](),
	"ln.address":     probeFor[emptyArgs](),
	"ln.funds":       probeFor[emptyArgs](),
	"ln.connect":     probeFor[lnConnectArgs](),
	"ln.fundchannel": probeFor[lnFundChannelArgs](),
	"trade.get":      probeFor[tradeArgs](),
	"trade.list":     probeFor[emptyArgs](),
	"trade.events":   probeFor[tradeArgs](),
	"trade.claims":   probeFor[pageArgs](),
	"trade.refunds":  probeFor[pageArgs](),
}

func opOfferPublish(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[offerPublishArgs](d, raw)
	if err != nil {
		return nil, err
	}
	if err := d.svc.AnnounceOffers(ctx, args.Channel, args.Offers); err != nil {
		return nil, err
	}
	return map[string]any{"published": len(args.Offers)}, nil
}

func opOfferList(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	if _, err := decodeArgs[emptyArgs](d, raw); err != nil {
		return nil, err
	}
	offers, err := d.svc.Offers(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"offers": offers}, nil
}

func opRfqBroadcast(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[rfqBroadcastArgs](d, raw)
	if err != nil {
		return nil, err
	}
	tradeID, err := d.svc.BroadcastRFQ(ctx, args.Channel, args.Pair, args.BaseAmountSats, args.QuoteMint)
	if err != nil {
		return nil, err
	}
	return map[string]any{"trade_id": tradeID}, nil
}

func opQuoteSend(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[quoteSendArgs](d, raw)
	if err != nil {
		return nil, err
	}
	quoteID, err := d.svc.SendQuote(ctx, args.TradeID, args.Offer)
	if err != nil {
		return nil, err
	}
	return map[string]any{"quote_id": quoteID}, nil
}

func opQuoteAccept(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[quoteAcceptArgs](d, raw)
	if err != nil {
		return nil, err
	}
	if err := d.svc.AcceptQuote(ctx, args.TradeID, args.QuoteID); err != nil {
		return nil, err
	}
	return map[string]any{"accepted": true}, nil
}

func opAcceptReplay(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[tradeArgs](d, raw)
	if err != nil {
		return nil, err
	}
	if err := d.svc.ReplayAccept(ctx, args.TradeID); err != nil {
		return nil, err
	}
	return map[string]any{"replayed": true}, nil
}

func opInviteSend(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[tradeArgs](d, raw)
	if err != nil {
		return nil, err
	}
	if err := d.svc.SendSwapInvite(ctx, args.TradeID); err != nil {
		return nil, err
	}
	return map[string]any{"invited": true}, nil
}

func opInviteIssue(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[inviteIssueArgs](d, raw)
	if err != nil {
		return nil, err
	}
	handle, err := d.svc.IssueInvite(args.Channel, args.Invitee, time.Duration(args.TTLSecs)*time.Second)
	if err != nil {
		return nil, err
	}
	// The token itself never leaves the process; only the handle does.
	return map[string]any{"invite_handle": handle}, nil
}

func opWelcomeIssue(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[welcomeIssueArgs](d, raw)
	if err != nil {
		return nil, err
	}
	handle, err := d.svc.IssueWelcome(args.Channel)
	if err != nil {
		return nil, err
	}
	return map[string]any{"welcome_handle": handle}, nil
}

func opChannelJoin(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[channelJoinArgs](d, raw)
	if err != nil {
		return nil, err
	}
	if err := d.svc.JoinChannel(ctx, args.Channel, args.InviteHandle, args.WelcomeHandle); err != nil {
		return nil, err
	}
	return map[string]any{"joined": args.Channel}, nil
}

func opChannelLeave(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[channelLeaveArgs](d, raw)
	if err != nil {
		return nil, err
	}
	switch {
	case args.TradeID != "":
		if err := d.svc.LeaveSwapChannel(ctx, args.TradeID, args.Reason); err != nil {
			return nil, err
		}
	case args.Channel != "":
		if err := d.svc.LeaveChannel(ctx, args.Channel); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: trade_id or channel required", ErrInvalidArguments)
	}
	return map[string]any{"left": true}, nil
}

func opChannelPing(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[tradeArgs](d, raw)
	if err != nil {
		return nil, err
	}
	if err := d.svc.PingSwapChannel(ctx, args.TradeID); err != nil {
		return nil, err
	}
	return map[string]any{"pinged": true}, nil
}

func opTermsPost(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[tradeArgs](d, raw)
	if err != nil {
		return nil, err
	}
	if err := d.svc.PostTerms(ctx, args.TradeID); err != nil {
		return nil, err
	}
	return map[string]any{"posted": true}, nil
}

func opTermsAccept(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[tradeArgs](d, raw)
	if err != nil {
		return nil, err
	}
	if err := d.svc.AcceptTerms(ctx, args.TradeID); err != nil {
		return nil, err
	}
	return map[string]any{"accepted": true}, nil
}

func opInvoicePost(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[tradeArgs](d, raw)
	if err != nil {
		return nil, err
	}
	if err := d.svc.PostInvoice(ctx, args.TradeID); err != nil {
		return nil, err
	}
	return map[string]any{"posted": true}, nil
}

func opEscrowCreate(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[tradeArgs](d, raw)
	if err != nil {
		return nil, err
	}
	if err := d.svc.CreateEscrow(ctx, args.TradeID); err != nil {
		return nil, err
	}
	return map[string]any{"created": true}, nil
}

func opEscrowClaim(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[tradeArgs](d, raw)
	if err != nil {
		return nil, err
	}
	if err := d.svc.ClaimEscrow(ctx, args.TradeID); err != nil {
		return nil, err
	}
	return map[string]any{"claimed": true}, nil
}

func opEscrowRefund(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[tradeArgs](d, raw)
	if err != nil {
		return nil, err
	}
	if err := d.svc.RefundEscrow(ctx, args.TradeID); err != nil {
		return nil, err
	}
	return map[string]any{"refunded": true}, nil
}

func opLnPay(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[tradeArgs](d, raw)
	if err != nil {
		return nil, err
	}
	if err := d.svc.PayInvoice(ctx, args.TradeID); err != nil {
		return nil, err
	}
	trade, err := d.svc.GetTrade(ctx, args.TradeID)
	if err != nil {
		return nil, err
	}
	// The preimage stays sealed; later claim operations resolve the handle.
	return map[string]any{"paid": true, "preimage_handle": trade.PreimageHandle}, nil
}

func opLnPayStatus(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[payStatusArgs](d, raw)
	if err != nil {
		return nil, err
	}
	status, err := d.svc.LnPayStatus(ctx, args.PaymentHash)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": string(status)}, nil
}

func opLnInfo(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	if _, err := decodeArgs[emptyArgs](d, raw); err != nil {
		return nil, err
	}
	version, pubkey, err := d.svc.LnInfo(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"version": version, "pubkey": pubkey}, nil
}

func opLnAddress(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	if _, err := decodeArgs[emptyArgs](d, raw); err != nil {
		return nil, err
	}
	addr, err := d.svc.LnAddress(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"address": addr}, nil
}

func opLnFunds(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	if _, err := decodeArgs[emptyArgs](d, raw); err != nil {
		return nil, err
	}
	onchain, channels, err := d.svc.LnFunds(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"onchain_sats": onchain, "channel_sats": channels}, nil
}

func opLnConnect(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[lnConnectArgs](d, raw)
	if err != nil {
		return nil, err
	}
	if err := d.svc.LnConnectPeer(ctx, args.Peer); err != nil {
		return nil, err
	}
	return map[string]any{"connected": true}, nil
}

func opLnFundChannel(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[lnFundChannelArgs](d, raw)
	if err != nil {
		return nil, err
	}
	txid, err := d.svc.LnFundChannel(ctx, args.NodeID, args.AmountSats)
	if err != nil {
		return nil, err
	}
	return map[string]any{"txid": txid}, nil
}

func opTradeGet(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[tradeArgs](d, raw)
	if err != nil {
		return nil, err
	}
	trade, err := d.svc.GetTrade(ctx, args.TradeID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"trade": trade}, nil
}

func opTradeList(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	if _, err := decodeArgs[emptyArgs](d, raw); err != nil {
		return nil, err
	}
	trades, err := d.svc.ListTrades(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"trades": trades}, nil
}

func opTradeEvents(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[tradeArgs](d, raw)
	if err != nil {
		return nil, err
	}
	events, err := d.svc.TradeEvents(ctx, args.TradeID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": events}, nil
}

func opTradeClaims(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[pageArgs](d, raw)
	if err != nil {
		return nil, err
	}
	trades, err := d.svc.OpenClaims(ctx, args.Offset, args.limitOrDefault())
	if err != nil {
		return nil, err
	}
	return map[string]any{"trades": trades}, nil
}

func opTradeRefunds(ctx context.Context, d *Dispatcher, raw json.RawMessage) (map[string]any, error) {
	args, err := decodeArgs[pageArgs](d, raw)
	if err != nil {
		return nil, err
	}
	trades, err := d.svc.OpenRefunds(ctx, args.Offset, args.limitOrDefault())
	if err != nil {
		return nil, err
	}
	return map[string]any{"trades": trades}, nil
}
