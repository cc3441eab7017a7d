// Package extract reduces raw HTML to readable body text for grounding.
package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Elements that never carry readable article content.
const strippedSelectors = "script, style, noscript, iframe, svg, header, footer, nav, aside, form"

// Containers tried in order before falling back to the whole body.
var contentSelectors = []string{"article", "main", "[role=main]"}

// Text pulls the main readable content out of an HTML document. Best
// effort: known content containers win over the full body, page chrome is
// dropped, whitespace is collapsed. Empty or unparseable input yields an
// empty string, never an error.
func Text(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find(strippedSelectors).Remove()

	for _, sel := range contentSelectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		if text := collapse(node.Text()); text != "" {
			return text
		}
	}
	return collapse(doc.Find("body").Text())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
