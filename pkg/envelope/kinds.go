package envelope

import "fmt"

// Kind identifies the schema of an envelope body. The set is closed: an
// envelope carrying any other value is rejected at decode time.
type Kind string

const (
	KindRFQ             Kind = "RFQ"
	KindQuote           Kind = "QUOTE"
	KindQuoteAccept     Kind = "QUOTE_ACCEPT"
	KindSwapInvite      Kind = "SWAP_INVITE"
	KindTerms           Kind = "TERMS"
	KindAccept          Kind = "ACCEPT"
	KindLnInvoice       Kind = "LN_INVOICE"
	KindEscrowCreated   Kind = "SOL_ESCROW_CREATED"
	KindLnPaid          Kind = "LN_PAID"
	KindClaimed         Kind = "SOL_CLAIMED"
	KindServiceAnnounce Kind = "SVC_ANNOUNCE"
)

var allKinds = map[Kind]struct{}{
	KindRFQ:             {},
	KindQuote:           {},
	KindQuoteAccept:     {},
	KindSwapInvite:      {},
	KindTerms:           {},
	KindAccept:          {},
	KindLnInvoice:       {},
	KindEscrowCreated:   {},
	KindLnPaid:          {},
	KindClaimed:         {},
	KindServiceAnnounce: {},
}

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := allKinds[k]; !ok {
		return "", fmt.Errorf("unknown envelope kind %q", s)
	}
	return k, nil
}

func (k Kind) Valid() bool {
	_, ok := allKinds[k]
	return ok
}

func (k Kind) String() string {
	return string(k)
}
