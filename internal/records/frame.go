// Package records holds the in-memory tabular result of an extraction.
package records

// Default column names for the largest-banks table.
const (
	ColumnBanks  = "Banks"
	ColumnAssets = "Assets_Billions_USD_2025"
)

// DefaultColumns returns the columns extracted from the largest-banks page.
func DefaultColumns() []string {
	return []string{ColumnBanks, ColumnAssets}
}

// Record is one extracted row keyed by column name.
type Record map[string]any

// Frame is an ordered sequence of records sharing one column list.
//
// Records keep source order. Duplicates are allowed and no identifier is
// assigned.
type Frame struct {
	Columns []string
	Records []Record
}

// NewFrame returns an empty frame with a private copy of columns.
func NewFrame(columns []string) *Frame {
	return &Frame{Columns: append([]string(nil), columns...)}
}

// Append adds r at the end of the frame.
func (f *Frame) Append(r Record) {
	f.Records = append(f.Records, r)
}

// Len returns the number of records.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Records)
}

// Rows projects the records positionally by Columns.
// A key missing from a record yields nil in that position.
func (f *Frame) Rows() [][]any {
	if f == nil {
		return nil
	}
	out := make([][]any, 0, len(f.Records))
	for _, r := range f.Records {
		row := make([]any, len(f.Columns))
		for i, c := range f.Columns {
			row[i] = r[c]
		}
		out = append(out, row)
	}
	return out
}
