package export

import (
	"strings"
	"time"

	"github.com/brojonat/solexport/service/helius"
	"github.com/brojonat/solexport/service/metrics"
)

// CanonicalTransaction is the normalized, filter-ready record derived
// from one upstream activity record. It is immutable; its lifetime
// ends when the export assembler consumes it.
type CanonicalTransaction struct {
	Signature    string
	Timestamp    time.Time
	ActivityType string
	TokenIn      string
	TokenOut     string
	AmountIn     float64
	AmountOut    float64
	ValueUSD     *float64 // nil when no transfer carries an inline price
	Protocol     string   // venue label, empty when unknown
	Wallet       string
}

// dexSources are venues whose TRANSFER/UNKNOWN records are still
// swap-shaped. Mirrors the known Solana DEX set.
var dexSources = map[string]bool{
	"RAYDIUM":   true,
	"ORCA":      true,
	"SERUM":     true,
	"SABER":     true,
	"MERCURIAL": true,
	"ALDRIN":    true,
	"CREMA":     true,
	"LIFINITY":  true,
}

// classifyActivity maps an upstream activity record to a canonical
// type tag. Aggregator-routed swaps (Jupiter) classify as agg_swap
// ahead of plain swaps; everything else keeps its lowercased upstream
// type so the type filter generalizes beyond swaps.
func classifyActivity(tx *helius.EnhancedTransaction) string {
	typ := strings.ToUpper(tx.Type)
	src := strings.ToUpper(tx.Source)
	desc := strings.ToLower(tx.Description)

	if src == "JUPITER" ||
		strings.Contains(desc, "jupiter") ||
		strings.Contains(desc, "aggregate") ||
		strings.Contains(desc, "route") {
		return TypeAggSwap
	}
	if typ == "SWAP" || typ == "SWAP_EXACT_OUT" || strings.Contains(desc, "swap") {
		return TypeSwap
	}
	if dexSources[src] {
		return TypeSwap
	}
	return strings.ToLower(typ)
}

// Normalizer converts raw activity records into canonical transactions
// and applies the filter criteria. It is a pure transform: no network
// calls, no external price lookups. An unpriced transfer is excluded
// (when a value filter is active), never estimated.
type Normalizer struct {
	metrics *metrics.Metrics
}

// NewNormalizer creates a Normalizer. Metrics may be nil.
func NewNormalizer(m *metrics.Metrics) *Normalizer {
	return &Normalizer{metrics: m}
}

// NormalizeAndFilter maps each raw record to a CanonicalTransaction
// and keeps only records satisfying every active predicate. Input
// order is preserved; duplicate signatures past the first occurrence
// are dropped. Re-running on the same input yields identical output.
func (n *Normalizer) NormalizeAndFilter(raws []helius.EnhancedTransaction, criteria FilterCriteria) []CanonicalTransaction {
	out := make([]CanonicalTransaction, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))

	for i := range raws {
		raw := &raws[i]

		if raw.Signature == "" {
			n.dropped("invalid")
			continue
		}
		if _, dup := seen[raw.Signature]; dup {
			n.dropped("duplicate")
			continue
		}
		seen[raw.Signature] = struct{}{}

		ctype := classifyActivity(raw)
		if !criteria.allowsType(ctype) {
			n.dropped("type")
			continue
		}

		ts := raw.BlockTime()
		if ts.Before(criteria.Start) || ts.After(criteria.End) {
			n.dropped("window")
			continue
		}

		legs, ok := extractLegs(raw, criteria.TokenMint)
		if !ok {
			// Token filter set and no transfer matched the mint.
			n.dropped("token")
			continue
		}

		value := deriveValue(raw, legs, criteria.TokenMint)
		if criteria.ValueFilterActive() {
			if value == nil {
				n.dropped("unpriced")
				continue
			}
			if *value < criteria.MinUSD {
				n.dropped("value")
				continue
			}
			if criteria.MaxUSD != nil && *value > *criteria.MaxUSD {
				n.dropped("value")
				continue
			}
		}

		out = append(out, CanonicalTransaction{
			Signature:    raw.Signature,
			Timestamp:    ts,
			ActivityType: ctype,
			TokenIn:      legs.tokenIn,
			TokenOut:     legs.tokenOut,
			AmountIn:     legs.amountIn,
			AmountOut:    legs.amountOut,
			ValueUSD:     value,
			Protocol:     raw.Source,
			Wallet:       criteria.Wallet,
		})
	}

	return out
}

func (n *Normalizer) dropped(reason string) {
	if n.metrics != nil {
		n.metrics.RecordRecordFiltered(reason)
	}
}

// legs holds the input/output side of a transaction from the wallet's
// perspective, plus the transfers they were derived from.
type legs struct {
	tokenIn   string
	tokenOut  string
	amountIn  float64
	amountOut float64

	inPrice  *float64 // inline price on the input-side transfer, if any
	outPrice *float64
}

// extractLegs determines the input/output tokens and amounts relative
// to the fee payer. Token transfers are considered before native SOL
// transfers, matching the upstream payload's information density. When
// mintFilter is non-empty only token transfers of that mint are
// considered; ok is false if none match.
func extractLegs(raw *helius.EnhancedTransaction, mintFilter string) (legs, bool) {
	var l legs
	matched := mintFilter == ""

	for i := range raw.TokenTransfers {
		tr := &raw.TokenTransfers[i]
		if mintFilter != "" && tr.Mint != mintFilter {
			continue
		}
		matched = true
		switch {
		case tr.FromUserAccount == raw.FeePayer && raw.FeePayer != "" && l.tokenIn == "":
			l.tokenIn = tr.Mint
			l.amountIn = tr.TokenAmount
			l.inPrice = tr.USDTokenPrice
		case tr.ToUserAccount == raw.FeePayer && raw.FeePayer != "" && l.tokenOut == "":
			l.tokenOut = tr.Mint
			l.amountOut = tr.TokenAmount
			l.outPrice = tr.USDTokenPrice
		}
	}

	// Native transfers only participate when no mint restriction is set.
	if mintFilter == "" {
		for i := range raw.NativeTransfers {
			tr := &raw.NativeTransfers[i]
			amount := float64(tr.Amount) / helius.LamportsPerSOL
			switch {
			case tr.FromUserAccount == raw.FeePayer && raw.FeePayer != "" && l.tokenIn == "":
				l.tokenIn = helius.NativeMint
				l.amountIn = amount
				l.inPrice = tr.USDTokenPrice
			case tr.ToUserAccount == raw.FeePayer && raw.FeePayer != "" && l.tokenOut == "":
				l.tokenOut = helius.NativeMint
				l.amountOut = amount
				l.outPrice = tr.USDTokenPrice
			}
		}
	}

	return l, matched
}

// deriveValue computes the record's USD value from inline unit prices.
// The input-side leg is the primary by convention; failing that, the
// output-side leg, then the first priced transfer anywhere on the
// record (token transfers before native). Returns nil when no transfer
// carries an inline price.
func deriveValue(raw *helius.EnhancedTransaction, l legs, mintFilter string) *float64 {
	if l.inPrice != nil {
		v := l.amountIn * *l.inPrice
		return &v
	}
	if l.outPrice != nil {
		v := l.amountOut * *l.outPrice
		return &v
	}

	for i := range raw.TokenTransfers {
		tr := &raw.TokenTransfers[i]
		if mintFilter != "" && tr.Mint != mintFilter {
			continue
		}
		if tr.USDTokenPrice != nil {
			v := tr.TokenAmount * *tr.USDTokenPrice
			return &v
		}
	}
	if mintFilter == "" {
		for i := range raw.NativeTransfers {
			tr := &raw.NativeTransfers[i]
			if tr.USDTokenPrice != nil {
				v := float64(tr.Amount) / helius.LamportsPerSOL * *tr.USDTokenPrice
				return &v
			}
		}
	}
	return nil
}
