package extracthtml

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DebugPrintSelector prints the outer HTML (or trimmed text) of every match
// for selector, each preceded by a "-- match N --" header, and returns the
// number of matches. Used by the inspect tool when authoring mappings.
func DebugPrintSelector(w io.Writer, src, selector string, textOnly bool) (int, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return 0, fmt.Errorf("parse html: %w", err)
	}

	matches := doc.Find(selector)
	matches.Each(func(i int, s *goquery.Selection) {
		fmt.Fprintf(w, "-- match %d --\n", i+1)
		if textOnly {
			fmt.Fprintln(w, strings.TrimSpace(s.Text()))
			return
		}
		out, err := goquery.OuterHtml(s)
		if err != nil {
			out, _ = s.Html()
		}
		fmt.Fprintln(w, out)
	})
	return matches.Length(), nil
}
