package extracthtml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"banksetl/internal/records"
)

// ErrInvalidMapping reports a mapping set that cannot produce the requested
// columns.
var ErrInvalidMapping = errors.New("invalid mapping")

// BankAssetMappings returns the mappings for the largest-banks table: the
// bank name is the title of the second link in cell 1, the asset value is the
// first node of cell 2.
func BankAssetMappings() []Mapping {
	return []Mapping{
		{Column: records.ColumnBanks, Cell: 1, Extract: ExtractAttr, Selector: "a", Nth: 1, Attr: "title"},
		{Column: records.ColumnAssets, Cell: 2, Extract: ExtractFirstNode},
	}
}

// LoadMappingFile loads and validates a JSON mapping file.
func LoadMappingFile(path string) (*MappingFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mappings file: %w", err)
	}

	var mf MappingFile
	if err := json.Unmarshal(b, &mf); err != nil {
		return nil, fmt.Errorf("parse mappings json: %w", err)
	}

	if len(mf.Mappings) == 0 {
		return nil, fmt.Errorf("%w: mappings file has no mappings", ErrInvalidMapping)
	}
	if len(mf.Columns) == 0 {
		for _, m := range mf.Mappings {
			mf.Columns = append(mf.Columns, m.Column)
		}
	}
	if _, err := indexMappings(mf.Columns, mf.Mappings); err != nil {
		return nil, err
	}
	return &mf, nil
}

// indexMappings checks that every column has exactly one well-formed mapping
// and returns them keyed by column.
func indexMappings(columns []string, mappings []Mapping) (map[string]Mapping, error) {
	byCol := make(map[string]Mapping, len(mappings))
	for i, m := range mappings {
		if m.Column == "" {
			return nil, fmt.Errorf("%w: mapping %d has no column", ErrInvalidMapping, i)
		}
		if _, dup := byCol[m.Column]; dup {
			return nil, fmt.Errorf("%w: column %q mapped twice", ErrInvalidMapping, m.Column)
		}
		if m.Cell < 0 || m.Nth < 0 {
			return nil, fmt.Errorf("%w: column %q has a negative index", ErrInvalidMapping, m.Column)
		}
		switch m.Extract {
		case ExtractAttr:
			if m.Selector == "" || m.Attr == "" {
				return nil, fmt.Errorf("%w: column %q needs selector and attr", ErrInvalidMapping, m.Column)
			}
		case ExtractFirstNode, ExtractText:
		default:
			return nil, fmt.Errorf("%w: column %q has unknown extract %q", ErrInvalidMapping, m.Column, m.Extract)
		}
		byCol[m.Column] = m
	}

	for _, c := range columns {
		if _, ok := byCol[c]; !ok {
			return nil, fmt.Errorf("%w: column %q has no mapping", ErrInvalidMapping, c)
		}
	}
	return byCol, nil
}
