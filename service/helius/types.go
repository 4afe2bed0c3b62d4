package helius

import "time"

// EnhancedTransaction is one activity record from the Helius Enhanced
// Transactions API. Only the fields the pipeline reads are declared;
// everything is optional at the decoding layer so a missing field is
// an absent value, never a decode failure.
type EnhancedTransaction struct {
	Signature       string           `json:"signature"`
	Timestamp       int64            `json:"timestamp"` // Unix seconds
	Type            string           `json:"type"`      // e.g. "SWAP", "TRANSFER", "UNKNOWN"
	Source          string           `json:"source"`    // venue/protocol tag, e.g. "JUPITER"
	Description     string           `json:"description,omitempty"`
	FeePayer        string           `json:"feePayer,omitempty"`
	TokenTransfers  []TokenTransfer  `json:"tokenTransfers,omitempty"`
	NativeTransfers []NativeTransfer `json:"nativeTransfers,omitempty"`
}

// TokenTransfer is an SPL token movement within a transaction.
type TokenTransfer struct {
	FromUserAccount string   `json:"fromUserAccount,omitempty"`
	ToUserAccount   string   `json:"toUserAccount,omitempty"`
	Mint            string   `json:"mint,omitempty"`
	TokenAmount     float64  `json:"tokenAmount,omitempty"`
	USDTokenPrice   *float64 `json:"usdTokenPrice,omitempty"` // inline USD-per-unit price, often absent
}

// NativeTransfer is a native SOL movement within a transaction.
// Amount is in lamports.
type NativeTransfer struct {
	FromUserAccount string   `json:"fromUserAccount,omitempty"`
	ToUserAccount   string   `json:"toUserAccount,omitempty"`
	Amount          int64    `json:"amount,omitempty"`
	USDTokenPrice   *float64 `json:"usdTokenPrice,omitempty"` // USD per SOL, often absent
}

// BlockTime returns the record's timestamp as a time.Time in UTC.
func (t *EnhancedTransaction) BlockTime() time.Time {
	return time.Unix(t.Timestamp, 0).UTC()
}

// Page is one successfully fetched page of activity records.
// NextCursor is the signature to pass as "before" on the next call;
// empty means the feed is exhausted.
type Page struct {
	Records    []EnhancedTransaction
	NextCursor string
}

const (
	// LamportsPerSOL converts native transfer amounts to whole SOL.
	LamportsPerSOL = 1e9

	// NativeMint is the token identifier used for native SOL transfers
	// in normalized output.
	NativeMint = "SOL"
)
