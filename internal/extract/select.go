package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// selectNodes resolves a selector against a root node in document order.
// "." selects the root itself. Selectors starting with "/" use the XPath
// subset; a leading "./" anchors the XPath at the root. Everything else is
// CSS. CSS selectors must have passed checkSelector first, Find panics on
// selectors it cannot compile.
func selectNodes(root *html.Node, selector string) []*html.Node {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil
	}
	if selector == "." {
		return []*html.Node{root}
	}
	if isXPath(selector) {
		return evaluateXPath(root, strings.TrimPrefix(selector, "."))
	}
	return cssSelect(root, selector)
}

func isXPath(selector string) bool {
	return strings.HasPrefix(selector, "/") ||
		strings.HasPrefix(selector, "./") ||
		strings.HasPrefix(selector, ".//")
}

// cssSelect matches a CSS selector against the descendants of root.
func cssSelect(root *html.Node, selector string) []*html.Node {
	doc := goquery.NewDocumentFromNode(root)
	var out []*html.Node
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		out = append(out, s.Nodes...)
	})
	return out
}

// checkSelector verifies a selector compiles, so a malformed ruleset fails
// validation instead of blowing up mid-extraction.
func checkSelector(selector string) error {
	selector = strings.TrimSpace(selector)
	if selector == "" || selector == "." || isXPath(selector) {
		return nil
	}
	_, err := cascadia.Compile(selector)
	return err
}

// splitAttrTail splits an XPath ending in an attribute step, e.g.
// "//a[@class='x']/@href" into the node path and attribute name.
// CSS selectors come back unchanged.
func splitAttrTail(selector string) (string, string) {
	if !isXPath(selector) {
		return selector, ""
	}
	if i := strings.LastIndex(selector, "/@"); i >= 0 {
		return selector[:i], selector[i+2:]
	}
	return selector, ""
}
