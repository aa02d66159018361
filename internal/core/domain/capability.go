package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/base58"
)

const (
	welcomeHRP = "scwelcome"
	inviteHRP  = "scinvite"
)

// Welcome authorizes general entry to one channel by its owner.
type Welcome struct {
	Channel   string `json:"channel"`
	Owner     string `json:"owner"`
	IssuedAt  int64  `json:"issued_at"`
	Signature string `json:"sig,omitempty"`
}

// Invite additionally names a single invitee and an expiry. Expired invites
// are not valid authorization.
type Invite struct {
	Channel   string `json:"channel"`
	Owner     string `json:"owner"`
	Invitee   string `json:"invitee"`
	ExpiresAt int64  `json:"expires_at"`
	Signature string `json:"sig,omitempty"`
}

func capabilityDigest(payload any) ([32]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(raw), nil
}

func signCapability(payload any, key *btcec.PrivateKey) (string, error) {
	digest, err := capabilityDigest(payload)
	if err != nil {
		return "", err
	}
	sig, err := schnorr.Sign(key, digest[:])
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

func verifyCapability(payload any, ownerHex, sigHex string) error {
	ownerBytes, err := hex.DecodeString(ownerHex)
	if err != nil || len(ownerBytes) != schnorr.PubKeyBytesLen {
		return fmt.Errorf("invalid owner key")
	}
	owner, err := schnorr.ParsePubKey(ownerBytes)
	if err != nil {
		return fmt.Errorf("invalid owner key: %w", err)
	}
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("invalid signature encoding")
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	digest, err := capabilityDigest(payload)
	if err != nil {
		return err
	}
	if !sig.Verify(digest[:], owner) {
		return fmt.Errorf("capability signature does not verify against channel owner")
	}
	return nil
}

func encodeCapability(hrp string, token any) (string, error) {
	raw, err := json.Marshal(token)
	if err != nil {
		return "", err
	}
	return hrp + base58.Encode(raw), nil
}

func decodeCapability(s, hrp string, out any) error {
	if !strings.HasPrefix(s, hrp) {
		return fmt.Errorf("invalid human-readable part: expected %s prefix", hrp)
	}
	decoded := base58.Decode(strings.TrimPrefix(s, hrp))
	if len(decoded) == 0 {
		return fmt.Errorf("failed to decode base58 token")
	}
	return json.Unmarshal(decoded, out)
}

// NewWelcome mints a signed welcome for a channel the key owns.
func NewWelcome(channel string, issuedAt int64, key *btcec.PrivateKey) (*Welcome, error) {
	w := &Welcome{
		Channel:  channel,
		Owner:    hex.EncodeToString(schnorr.SerializePubKey(key.PubKey())),
		IssuedAt: issuedAt,
	}
	sig, err := signCapability(Welcome{Channel: w.Channel, Owner: w.Owner, IssuedAt: w.IssuedAt}, key)
	if err != nil {
		return nil, err
	}
	w.Signature = sig
	return w, nil
}

func (w Welcome) Verify() error {
	return verifyCapability(
		Welcome{Channel: w.Channel, Owner: w.Owner, IssuedAt: w.IssuedAt},
		w.Owner, w.Signature,
	)
}

func (w Welcome) Encode() (string, error) {
	return encodeCapability(welcomeHRP, w)
}

func WelcomeFromString(s string) (*Welcome, error) {
	w := &Welcome{}
	if err := decodeCapability(s, welcomeHRP, w); err != nil {
		return nil, fmt.Errorf("failed to decode welcome: %w", err)
	}
	return w, nil
}

// NewInvite mints a signed invite for one invitee, valid until expiresAt.
func NewInvite(channel, invitee string, expiresAt int64, key *btcec.PrivateKey) (*Invite, error) {
	i := &Invite{
		Channel:   channel,
		Owner:     hex.EncodeToString(schnorr.SerializePubKey(key.PubKey())),
		Invitee:   invitee,
		ExpiresAt: expiresAt,
	}
	sig, err := signCapability(Invite{
		Channel: i.Channel, Owner: i.Owner, Invitee: i.Invitee, ExpiresAt: i.ExpiresAt,
	}, key)
	if err != nil {
		return nil, err
	}
	i.Signature = sig
	return i, nil
}

// Verify checks the invite signature against the channel owner key. Expiry
// is a separate check so callers can distinguish forged from stale.
func (i Invite) Verify() error {
	return verifyCapability(
		Invite{Channel: i.Channel, Owner: i.Owner, Invitee: i.Invitee, ExpiresAt: i.ExpiresAt},
		i.Owner, i.Signature,
	)
}

// Expired reports whether the invite is past its expiry at now (unix secs).
func (i Invite) Expired(now int64) bool {
	return i.ExpiresAt > 0 && now >= i.ExpiresAt
}

func (i Invite) Encode() (string, error) {
	return encodeCapability(inviteHRP, i)
}

func InviteFromString(s string) (*Invite, error) {
	i := &Invite{}
	if err := decodeCapability(s, inviteHRP, i); err != nil {
		return nil, fmt.Errorf("failed to decode invite: %w", err)
	}
	return i, nil
}
