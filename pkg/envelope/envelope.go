// Package envelope implements the signed swap-envelope wire protocol: canonical
// serialization, hashing, schnorr signing and verification of the negotiation
// and settlement messages exchanged over sidechannels.
//
// The envelope id is the sha256 of the canonical unsigned subset (every field
// except signer and sig), so two envelopes with identical unsigned fields have
// the same id no matter who signs them, and any mutation of kind, trade id,
// timestamp, nonce or body invalidates both the id and the signature.
package envelope

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/google/uuid"
)

// ProtocolVersion is the only version this node speaks.
const ProtocolVersion = 1

var (
	ErrSignatureInvalid = errors.New("envelope signature invalid")
	ErrMalformed        = errors.New("malformed envelope")
)

// Unsigned is the subset of an envelope covered by the hash and the signature.
// Field order here defines the canonical serialization; do not reorder.
type Unsigned struct {
	V       int             `json:"v"`
	Kind    Kind            `json:"kind"`
	TradeID string          `json:"trade_id"`
	Ts      int64           `json:"ts"`
	Nonce   string          `json:"nonce"`
	Body    json.RawMessage `json:"body"`
}

// Envelope is a sealed message: the unsigned subset plus the author's x-only
// public key and schnorr signature. Immutable once sealed.
type Envelope struct {
	Unsigned
	Signer string `json:"signer"`
	Sig    string `json:"sig"`
}

// NewUnsigned builds an unsigned envelope for the given kind and trade,
// stamping the current time and a fresh nonce.
func NewUnsigned(kind Kind, tradeID string, body any) (Unsigned, error) {
	if !kind.Valid() {
		return Unsigned{}, fmt.Errorf("unknown envelope kind %q", kind)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Unsigned{}, fmt.Errorf("failed to marshal %s body: %w", kind, err)
	}
	return Unsigned{
		V:       ProtocolVersion,
		Kind:    kind,
		TradeID: tradeID,
		Ts:      time.Now().UnixMilli(),
		Nonce:   uuid.NewString(),
		Body:    raw,
	}, nil
}

// canonical returns the byte string the id and signature commit to.
func (u Unsigned) canonical() ([]byte, error) {
	return json.Marshal(u)
}

// Hash returns the envelope id: lowercase hex sha256 of the canonical
// unsigned serialization. Signer-independent.
func (u Unsigned) Hash() (string, error) {
	raw, err := u.canonical()
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(raw)
	return hex.EncodeToString(digest[:]), nil
}

// Sign produces a hex schnorr signature over the envelope digest.
func Sign(u Unsigned, key *btcec.PrivateKey) (string, error) {
	raw, err := u.canonical()
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(raw)
	sig, err := schnorr.Sign(key, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign envelope: %w", err)
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// AttachSignature seals an unsigned envelope with an externally produced
// signer/signature pair. It does not verify the pair.
func AttachSignature(u Unsigned, signer, sig string) Envelope {
	return Envelope{Unsigned: u, Signer: signer, Sig: sig}
}

// Seal signs the unsigned envelope with key and attaches the matching x-only
// signer pubkey.
func Seal(u Unsigned, key *btcec.PrivateKey) (Envelope, error) {
	sig, err := Sign(u, key)
	if err != nil {
		return Envelope{}, err
	}
	signer := hex.EncodeToString(schnorr.SerializePubKey(key.PubKey()))
	return AttachSignature(u, signer, sig), nil
}

// Verify checks the envelope signature against its signer key. Fails closed:
// any mutation of the unsigned subset after signing makes this return
// ErrSignatureInvalid.
func (e Envelope) Verify() error {
	signerBytes, err := hex.DecodeString(e.Signer)
	if err != nil || len(signerBytes) != schnorr.PubKeyBytesLen {
		return fmt.Errorf("%w: bad signer key", ErrSignatureInvalid)
	}
	pubKey, err := schnorr.ParsePubKey(signerBytes)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSignatureInvalid, err)
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", ErrSignatureInvalid)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSignatureInvalid, err)
	}
	raw, err := e.Unsigned.canonical()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	digest := sha256.Sum256(raw)
	if !sig.Verify(digest[:], pubKey) {
		return ErrSignatureInvalid
	}
	return nil
}

// Encode serializes the envelope to its wire JSON.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and structurally validates a wire envelope. It does not
// verify the signature; callers combine Decode with Verify.
func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if e.V != ProtocolVersion {
		return Envelope{}, fmt.Errorf("%w: unsupported version %d", ErrMalformed, e.V)
	}
	if !e.Kind.Valid() {
		return Envelope{}, fmt.Errorf("%w: unknown kind %q", ErrMalformed, e.Kind)
	}
	if e.TradeID == "" && e.Kind != KindServiceAnnounce {
		return Envelope{}, fmt.Errorf("%w: missing trade_id", ErrMalformed)
	}
	if e.Nonce == "" {
		return Envelope{}, fmt.Errorf("%w: missing nonce", ErrMalformed)
	}
	if len(e.Signer) != 64 {
		return Envelope{}, fmt.Errorf("%w: signer must be 64 hex chars", ErrMalformed)
	}
	return e, nil
}

// DecodeBody unmarshals the kind-specific body into out, rejecting unknown
// keys so a peer cannot smuggle extra fields past schema validation.
func (e Envelope) DecodeBody(out any) error {
	dec := json.NewDecoder(bytes.NewReader(e.Body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: bad %s body: %s", ErrMalformed, e.Kind, err)
	}
	return nil
}
