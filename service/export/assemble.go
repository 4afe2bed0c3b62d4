package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxRows is the default row-count limit for one export artifact.
const DefaultMaxRows = 10000

// Columns is the fixed CSV column order.
var Columns = []string{
	"signature",
	"timestamp",
	"activity_type",
	"token_in",
	"token_out",
	"amount_in",
	"amount_out",
	"value_usd",
	"protocol",
}

// Table is the tabular export artifact, ready for CSV serialization.
type Table struct {
	Header    []string
	Rows      [][]string
	Truncated bool // row-count limit cut the output
}

// Summary holds aggregate statistics over the emitted rows.
type Summary struct {
	Rows          int        `json:"rows"`
	TotalValueUSD float64    `json:"total_value_usd"`
	Protocols     int        `json:"protocols"`
	Newest        *time.Time `json:"newest,omitempty"`
	Oldest        *time.Time `json:"oldest,omitempty"`
}

// ToTable converts canonical transactions into the fixed-column table.
// If the row count exceeds maxRows (0 uses DefaultMaxRows) the table
// is truncated and flagged rather than failing the export.
func ToTable(txns []CanonicalTransaction, maxRows int) *Table {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	t := &Table{Header: Columns}
	for _, txn := range txns {
		if len(t.Rows) >= maxRows {
			t.Truncated = true
			break
		}
		t.Rows = append(t.Rows, []string{
			txn.Signature,
			txn.Timestamp.UTC().Format(time.RFC3339),
			txn.ActivityType,
			txn.TokenIn,
			txn.TokenOut,
			formatAmount(txn.AmountIn),
			formatAmount(txn.AmountOut),
			formatValue(txn.ValueUSD),
			txn.Protocol,
		})
	}
	return t
}

// WriteCSV serializes the table as UTF-8 RFC-4180 CSV: header row,
// then one row per transaction.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for i, row := range t.Rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Summarize computes aggregate statistics over the canonical rows.
func Summarize(txns []CanonicalTransaction) Summary {
	s := Summary{Rows: len(txns)}
	protocols := make(map[string]struct{})
	for i := range txns {
		txn := &txns[i]
		if txn.ValueUSD != nil {
			s.TotalValueUSD += *txn.ValueUSD
		}
		if txn.Protocol != "" {
			protocols[txn.Protocol] = struct{}{}
		}
		ts := txn.Timestamp
		if s.Newest == nil || ts.After(*s.Newest) {
			t := ts
			s.Newest = &t
		}
		if s.Oldest == nil || ts.Before(*s.Oldest) {
			t := ts
			s.Oldest = &t
		}
	}
	s.Protocols = len(protocols)
	return s
}

// Filename generates a descriptive artifact filename for the export.
func Filename(criteria FilterCriteria) string {
	wallet := criteria.Wallet
	if len(wallet) > 8 {
		wallet = wallet[:8]
	}
	return fmt.Sprintf("defi_transactions_%s_%s_%s.csv",
		wallet,
		criteria.Start.UTC().Format("20060102"),
		criteria.End.UTC().Format("20060102"),
	)
}

// formatAmount renders token amounts without exponent notation and
// without trailing zero noise.
func formatAmount(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	return s
}

// formatValue renders a nullable USD value; absent values are an empty
// field, never a zero placeholder.
func formatValue(v *float64) string {
	if v == nil {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(strconv.FormatFloat(*v, 'f', 6, 64), "0"), ".")
}
