package extracthtml

import (
	"errors"
	"fmt"
	"strings"

	"banksetl/internal/records"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrNoTableBody is returned when no table in the document has an
	// explicit <tbody>.
	ErrNoTableBody = errors.New("no table body in document")

	// ErrRowStructure is returned when a data row does not have the cells,
	// links or attributes a mapping expects.
	ErrRowStructure = errors.New("unexpected row structure")
)

// ExtractFrame selects the first <tbody> written in src and projects every row
// that has at least one <td> into a frame with the given columns. Bodies the
// HTML parser inserts for bare tables do not count.
//
// Rows without <td> cells (header and separator rows) are skipped. Any other
// row that does not match the mappings fails the whole extraction; no partial
// frame is returned.
func ExtractFrame(src string, columns []string, mappings []Mapping) (*records.Frame, error) {
	byCol, err := indexMappings(columns, mappings)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	k, ok := firstTableWithBody(src)
	if !ok {
		return nil, ErrNoTableBody
	}
	tbody := doc.Find("table").Eq(k).ChildrenFiltered("tbody").First()
	if tbody.Length() == 0 {
		return nil, ErrNoTableBody
	}

	frame := records.NewFrame(columns)
	var rowErr error

	tbody.Find("tr").EachWithBreak(func(i int, tr *goquery.Selection) bool {
		cells := tr.Find("td")
		if cells.Length() == 0 {
			return true
		}

		rec := make(records.Record, len(columns))
		for _, col := range columns {
			v, err := extractCell(cells, byCol[col])
			if err != nil {
				rowErr = fmt.Errorf("%w: row %d column %q: %v", ErrRowStructure, i+1, col, err)
				return false
			}
			rec[col] = v
		}
		frame.Append(rec)
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}
	return frame, nil
}

// firstTableWithBody returns the document-order index of the table that owns
// the first explicit <tbody> start tag in src. The tokenizer sees the markup as
// written, so it never reports a body the tree builder synthesized.
func firstTableWithBody(src string) (int, bool) {
	z := html.NewTokenizer(strings.NewReader(src))
	tables := 0
	var open []int
	for {
		switch z.Next() {
		case html.ErrorToken:
			return 0, false
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "table":
				open = append(open, tables)
				tables++
			case "tbody":
				if len(open) > 0 {
					return open[len(open)-1], true
				}
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) == "table" && len(open) > 0 {
				open = open[:len(open)-1]
			}
		}
	}
}

// extractCell applies m to the row's cells and returns the trimmed,
// NFC-normalized value.
func extractCell(cells *goquery.Selection, m Mapping) (string, error) {
	if m.Cell >= cells.Length() {
		return "", fmt.Errorf("row has %d cells, need cell %d", cells.Length(), m.Cell)
	}
	cell := cells.Eq(m.Cell)

	var v string
	switch m.Extract {
	case ExtractAttr:
		matches := cell.Find(m.Selector)
		if m.Nth >= matches.Length() {
			return "", fmt.Errorf("cell %d has %d %q matches, need match %d", m.Cell, matches.Length(), m.Selector, m.Nth)
		}
		val, ok := matches.Eq(m.Nth).Attr(m.Attr)
		if !ok {
			return "", fmt.Errorf("cell %d %q match %d has no %q attribute", m.Cell, m.Selector, m.Nth, m.Attr)
		}
		v = val

	case ExtractFirstNode:
		first := cell.Contents().First()
		if first.Length() == 0 {
			return "", fmt.Errorf("cell %d is empty", m.Cell)
		}
		if n := first.Get(0); n.Type == html.TextNode {
			v = n.Data
		} else {
			v = first.Text()
		}

	case ExtractText:
		v = cell.Text()
	}

	return norm.NFC.String(strings.TrimSpace(v)), nil
}
