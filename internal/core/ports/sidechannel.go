package ports

import "context"

// ChannelEvent is one message observed on a sidechannel, keyed by an
// ever-increasing per-connection sequence number. Origin marks messages this
// node sent itself; they are folded like any other so the ledger never
// depends on local bookkeeping.
type ChannelEvent struct {
	Seq     uint64
	Channel string
	From    string
	Origin  string
	Message []byte
	Ts      int64
}

// JoinOptions carries the capability authorizing entry. Exactly one of
// Invite or Welcome is set for gated channels; both empty for open ones.
type JoinOptions struct {
	Invite  string
	Welcome string
}

// SidechannelService is the transport collaborator: ephemeral, no-history
// peer-to-peer channels behind a token-authenticated bridge connection.
type SidechannelService interface {
	Join(ctx context.Context, channel string, opts JoinOptions) error
	Leave(ctx context.Context, channel string) error
	Subscribe(ctx context.Context, channels []string) error
	Send(ctx context.Context, channel string, message []byte) error
	// EventsSince returns up to max events with Seq > seq from the
	// connection-scoped event log, in sequence order.
	EventsSince(ctx context.Context, seq uint64, max int) ([]ChannelEvent, error)
	Close()
}
