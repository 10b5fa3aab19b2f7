package extract

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// evaluateXPath evaluates a practical XPath subset and returns matching
// nodes in document order:
//
//	/html/body/div        absolute path
//	//article             descendant anywhere
//	//div[@class='x']     attribute predicate
//	//div[2]              positional predicate
//	//ul/li               chained steps
//	//*[@data-id]         any tag with attribute present
//
// This covers the selectors scrape rulesets use in practice without pulling
// in a full XPath engine.
func evaluateXPath(root *html.Node, xpath string) []*html.Node {
	xpath = strings.TrimSpace(xpath)

	// Descendant-or-self prefix.
	if rest, ok := strings.CutPrefix(xpath, "//"); ok {
		return findDescendants(root, rest)
	}

	// Absolute path from root.
	if rest, ok := strings.CutPrefix(xpath, "/"); ok {
		return followPath([]*html.Node{root}, rest)
	}

	// Bare expression, treat as descendant search.
	return findDescendants(root, xpath)
}

// findDescendants matches the first step anywhere under root, then follows
// any remaining steps as child steps.
func findDescendants(root *html.Node, expr string) []*html.Node {
	first, rest, _ := strings.Cut(expr, "/")
	tag, pred := parseStep(first)

	var matches []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if matchesStep(n, tag, pred) {
			matches = append(matches, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	if rest != "" {
		return followPath(matches, rest)
	}
	return matches
}

// followPath applies /step/step/... as successive child matches.
func followPath(current []*html.Node, path string) []*html.Node {
	for _, step := range strings.Split(path, "/") {
		if step == "" {
			continue
		}
		tag, pred := parseStep(step)
		var next []*html.Node
		for _, parent := range current {
			for c := parent.FirstChild; c != nil; c = c.NextSibling {
				if matchesStep(c, tag, pred) {
					next = append(next, c)
				}
			}
		}
		current = next
	}
	return current
}

type xpathPredicate struct {
	attrName  string
	attrValue string
	position  int // 1-based
}

// parseStep parses "div", "div[@class='x']", "div[2]".
func parseStep(step string) (string, *xpathPredicate) {
	idx := strings.IndexByte(step, '[')
	if idx < 0 {
		return step, nil
	}

	tag := step[:idx]
	predStr := strings.TrimRight(step[idx+1:], "]")
	pred := &xpathPredicate{}

	// Positional: [2]
	if n, err := strconv.Atoi(predStr); err == nil {
		pred.position = n
		return tag, pred
	}

	// Attribute: [@class='value'] or [@data-x]
	if attrExpr, ok := strings.CutPrefix(predStr, "@"); ok {
		if name, val, found := strings.Cut(attrExpr, "="); found {
			pred.attrName = name
			pred.attrValue = strings.Trim(val, `'"`)
		} else {
			pred.attrName = attrExpr
		}
		return tag, pred
	}

	return tag, nil
}

// matchesStep checks a node against a tag + optional predicate.
func matchesStep(n *html.Node, tag string, pred *xpathPredicate) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if tag != "*" && n.Data != tag {
		return false
	}

	if pred == nil {
		return true
	}

	if pred.attrName != "" {
		val, present := nodeAttr(n, pred.attrName)
		if pred.attrValue != "" {
			return val == pred.attrValue
		}
		return present
	}

	if pred.position > 0 {
		// Position among sibling elements with the same tag.
		pos := 0
		for s := n.Parent.FirstChild; s != nil; s = s.NextSibling {
			if s.Type == html.ElementNode && s.Data == n.Data {
				pos++
				if s == n {
					return pos == pred.position
				}
			}
		}
		return false
	}

	return true
}
