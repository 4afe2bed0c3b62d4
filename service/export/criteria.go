package export

import (
	"fmt"
	"strings"
	"time"

	solanago "github.com/gagliardetto/solana-go"
)

// Canonical activity types accepted by FilterCriteria.
const (
	TypeSwap    = "swap"     // direct DEX swap
	TypeAggSwap = "agg_swap" // aggregator-routed swap (Jupiter et al.)
)

// DefaultMaxWindow bounds the exportable date range.
const DefaultMaxWindow = 90 * 24 * time.Hour

// Solana addresses are base58 encoded, 32-44 characters.
const (
	minAddressLen = 32
	maxAddressLen = 44
)

// FilterCriteria describes one export request. It is immutable once
// validated; every predicate applies with AND semantics.
type FilterCriteria struct {
	Wallet    string
	Start     time.Time
	End       time.Time
	MinUSD    float64
	MaxUSD    *float64 // nil means unbounded
	Types     []string // canonical type tags, non-empty
	TokenMint string   // optional; empty accepts all tokens
}

// ValidationError reports invalid filter criteria. It is detected
// before any network call and is never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// Validate checks the criteria against the given maximum window span
// (0 uses DefaultMaxWindow). It returns a *ValidationError describing
// the first problem found.
func (c *FilterCriteria) Validate(maxWindow time.Duration) error {
	if maxWindow <= 0 {
		maxWindow = DefaultMaxWindow
	}

	if err := validateAddress(c.Wallet); err != nil {
		return &ValidationError{Field: "wallet", Msg: err.Error()}
	}

	if c.Start.IsZero() || c.End.IsZero() {
		return &ValidationError{Field: "date range", Msg: "start and end are required"}
	}
	if c.End.Before(c.Start) {
		return &ValidationError{Field: "date range", Msg: "end must not be before start"}
	}
	if c.End.Sub(c.Start) > maxWindow {
		return &ValidationError{
			Field: "date range",
			Msg:   fmt.Sprintf("span exceeds maximum of %s", maxWindow),
		}
	}

	if c.MinUSD < 0 {
		return &ValidationError{Field: "min value", Msg: "must be >= 0"}
	}
	if c.MaxUSD != nil && *c.MaxUSD <= c.MinUSD {
		return &ValidationError{Field: "max value", Msg: "must be greater than min value"}
	}

	if len(c.Types) == 0 {
		return &ValidationError{Field: "transaction types", Msg: "at least one type is required"}
	}
	for _, typ := range c.Types {
		if strings.TrimSpace(typ) == "" {
			return &ValidationError{Field: "transaction types", Msg: "empty type tag"}
		}
	}

	if c.TokenMint != "" {
		if err := validateAddress(c.TokenMint); err != nil {
			return &ValidationError{Field: "token mint", Msg: err.Error()}
		}
	}

	return nil
}

// ValueFilterActive reports whether any USD-value bound is in effect.
// Records without a derivable value are excluded only when this is true.
func (c *FilterCriteria) ValueFilterActive() bool {
	return c.MinUSD > 0 || c.MaxUSD != nil
}

// allowsType reports whether the canonical type tag passes the type
// filter. Matching is case-insensitive.
func (c *FilterCriteria) allowsType(canonical string) bool {
	for _, typ := range c.Types {
		if strings.EqualFold(typ, canonical) {
			return true
		}
	}
	return false
}

// validateAddress checks that addr is a plausible Solana address:
// base58 alphabet, expected length, and parseable as a public key.
func validateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	if len(addr) < minAddressLen || len(addr) > maxAddressLen {
		return fmt.Errorf("address must be %d-%d characters, got %d", minAddressLen, maxAddressLen, len(addr))
	}
	if _, err := solanago.PublicKeyFromBase58(addr); err != nil {
		return fmt.Errorf("not a valid base58 address: %w", err)
	}
	return nil
}
