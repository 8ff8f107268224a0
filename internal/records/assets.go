package records

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// reFootnote matches wiki footnote markers such as "[1]" or "[note 2]".
var reFootnote = regexp.MustCompile(`\[[^\]]*\]`)

// ParseAssetsBillions parses an asset figure as printed on the source page
// (e.g. "5,742.86", "1 234.5[3]") into a float.
//
// Thousands separators (comma, space, no-break space) and footnote markers are
// removed. Anything else that is not a number is an error.
func ParseAssetsBillions(s string) (float64, error) {
	v := reFootnote.ReplaceAllString(s, "")
	v = strings.NewReplacer(",", "", " ", "", "\u00a0", "", "\u202f", "").Replace(v)
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("parse assets %q: empty value", s)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse assets %q: %w", s, err)
	}
	return f, nil
}

// CoerceFloat replaces the string values of column with their parsed numeric
// form. It fails on the first value that does not parse and leaves the frame
// unchanged in that case.
func (f *Frame) CoerceFloat(column string) error {
	parsed := make([]float64, len(f.Records))
	for i, r := range f.Records {
		s, ok := r[column].(string)
		if !ok {
			return fmt.Errorf("row %d: column %s is %T, want string", i+1, column, r[column])
		}
		n, err := ParseAssetsBillions(s)
		if err != nil {
			return fmt.Errorf("row %d: %w", i+1, err)
		}
		parsed[i] = n
	}
	for i, r := range f.Records {
		r[column] = parsed[i]
	}
	return nil
}
