// Package extract turns a rendered page snapshot into structured records.
//
// Extraction never touches the live DOM: the caller captures the page HTML
// once and hands it over together with the page URL and title. Identical
// snapshot and ruleset always produce identical records.
//
// Selectors are CSS by default; a selector starting with "/" is evaluated
// with the XPath subset in xpath.go. A ruleset may name a container selector
// whose matches each yield one record; without a container the whole
// document yields a single record.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Field sources. "text" is the default.
const (
	SourceText      = "text"      // collapsed visible text of the first match
	SourceHTML      = "html"      // outer HTML of the first match
	SourceMarkdown  = "markdown"  // first match converted to markdown
	SourceSafeHTML  = "safe_html" // first match sanitised with the UGC policy
	SourceAttr      = "attr"      // attribute of the first match
	SourceTextList  = "text_list" // visible text of every match
	SourceAttrList  = "attr_list" // attribute of every match
	SourceNumber    = "number"    // first numeric value in the match text
	SourceURLParam  = "url_param" // query parameter of a URL attribute or the page URL
	SourcePageURL   = "page_url"  // the page URL itself
	SourcePageTitle = "page_title"
	SourceNested    = "nested" // sub-rules applied to every match
)

// ErrCriticalField aborts the whole extraction when a rule marked critical
// matches nothing. The page may simply not have finished rendering, so the
// caller treats this as retryable.
var ErrCriticalField = errors.New("extract: critical field absent")

// ErrNoFields is returned for a ruleset without field rules.
var ErrNoFields = errors.New("extract: ruleset has no fields")

// Rule produces one field of a record.
type Rule struct {
	Name     string `yaml:"name" json:"name"`
	Selector string `yaml:"selector,omitempty" json:"selector,omitempty"`
	Source   string `yaml:"source,omitempty" json:"source,omitempty"`
	Attr     string `yaml:"attr,omitempty" json:"attr,omitempty"`
	Param    string `yaml:"param,omitempty" json:"param,omitempty"` // url_param query key
	Default  any    `yaml:"default,omitempty" json:"default,omitempty"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Critical bool   `yaml:"critical,omitempty" json:"critical,omitempty"`
	Fields   []Rule `yaml:"fields,omitempty" json:"fields,omitempty"` // nested sub-rules
}

// Ruleset describes how one rendered page becomes records.
// Field order is record field order.
type Ruleset struct {
	Name      string `yaml:"name,omitempty" json:"name,omitempty"`
	Container string `yaml:"container,omitempty" json:"container,omitempty"`
	Fields    []Rule `yaml:"fields" json:"fields"`
}

// Validate checks the ruleset shape before any page is fetched, so malformed
// rules fail the run without spending a browser attempt. CSS selectors are
// compile-checked here; selection at extraction time assumes they are valid.
func (rs *Ruleset) Validate() error {
	if len(rs.Fields) == 0 {
		return ErrNoFields
	}
	if err := checkSelector(rs.Container); err != nil {
		return fmt.Errorf("extract: container selector: %w", err)
	}
	return validateRules(rs.Fields)
}

func validateRules(rules []Rule) error {
	seen := make(map[string]struct{}, len(rules))
	for i := range rules {
		r := &rules[i]
		if r.Name == "" {
			return fmt.Errorf("extract: rule %d has no name", i)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("extract: duplicate field %q", r.Name)
		}
		seen[r.Name] = struct{}{}
		if err := checkSelector(r.Selector); err != nil {
			return fmt.Errorf("extract: field %q selector: %w", r.Name, err)
		}
		switch r.Source {
		case "", SourceText, SourceHTML, SourceMarkdown, SourceSafeHTML,
			SourceNumber, SourceURLParam, SourcePageURL, SourcePageTitle:
		case SourceAttr, SourceAttrList:
			if r.Attr == "" && !strings.Contains(r.Selector, "/@") {
				return fmt.Errorf("extract: field %q needs attr", r.Name)
			}
		case SourceTextList:
		case SourceNested:
			if len(r.Fields) == 0 {
				return fmt.Errorf("extract: nested field %q has no sub-rules", r.Name)
			}
			if err := validateRules(r.Fields); err != nil {
				return err
			}
		default:
			return fmt.Errorf("extract: field %q has unknown source %q", r.Name, r.Source)
		}
	}
	return nil
}

// PageMeta carries the page-level values some sources read.
type PageMeta struct {
	URL   string
	Title string
}

// Extractor applies rulesets to page snapshots. Safe for concurrent use.
type Extractor struct {
	md   *converter.Converter
	safe *bluemonday.Policy
}

// New creates an Extractor with the markdown converter and sanitiser ready.
func New() *Extractor {
	return &Extractor{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		safe: bluemonday.UGCPolicy(),
	}
}

// Extract parses the snapshot and applies the ruleset.
// Records come back in document order with fields in rule order. Issues
// report per-field data-quality problems that did not abort the run.
func (e *Extractor) Extract(snapshot string, meta PageMeta, rs Ruleset) ([]Record, []Issue, error) {
	if err := rs.Validate(); err != nil {
		return nil, nil, err
	}

	doc, err := html.Parse(strings.NewReader(snapshot))
	if err != nil {
		return nil, nil, fmt.Errorf("extract: parse snapshot: %w", err)
	}
	if meta.Title == "" {
		meta.Title = findTitle(doc)
	}

	roots := []*html.Node{doc}
	if rs.Container != "" {
		roots = selectNodes(doc, rs.Container)
	}

	records := make([]Record, 0, len(roots))
	var issues []Issue
	for i, root := range roots {
		rec, recIssues, err := e.extractRecord(root, meta, rs.Fields, i)
		issues = append(issues, recIssues...)
		if err != nil {
			return nil, issues, err
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	return records, issues, nil
}

// extractRecord builds one record from a container node. A nil record with a
// nil error means a required field was absent and the record was dropped.
func (e *Extractor) extractRecord(root *html.Node, meta PageMeta, rules []Rule, recIdx int) (Record, []Issue, error) {
	rec := make(Record, 0, len(rules))
	var issues []Issue
	for i := range rules {
		r := &rules[i]
		val, ok, err := e.evalRule(root, meta, r)
		if err != nil {
			return nil, issues, err
		}
		if !ok {
			if r.Critical {
				return nil, issues, fmt.Errorf("%w: %s", ErrCriticalField, r.Name)
			}
			if r.Required {
				issues = append(issues, Issue{Record: recIdx, Field: r.Name, Reason: "required field absent, record dropped"})
				return nil, issues, nil
			}
			issues = append(issues, Issue{Record: recIdx, Field: r.Name, Reason: "absent, default applied"})
			val = r.Default
			if val == nil && isListSource(r.Source) {
				val = []any{}
			}
		}
		rec = append(rec, FieldValue{Name: r.Name, Value: val})
	}
	return rec, issues, nil
}

// evalRule resolves one rule against a container node.
// ok=false means the rule matched nothing.
func (e *Extractor) evalRule(root *html.Node, meta PageMeta, r *Rule) (any, bool, error) {
	// Page-level sources need no selector.
	switch r.Source {
	case SourcePageURL:
		return meta.URL, meta.URL != "", nil
	case SourcePageTitle:
		return meta.Title, meta.Title != "", nil
	case SourceURLParam:
		if r.Selector == "" {
			v, ok := urlParam(meta.URL, r.Param)
			return v, ok, nil
		}
	}

	sel, attrOverride := splitAttrTail(r.Selector)
	attr := r.Attr
	if attrOverride != "" {
		attr = attrOverride
	}

	nodes := selectNodes(root, sel)
	if len(nodes) == 0 {
		return nil, false, nil
	}

	switch r.Source {
	case "", SourceText:
		return collectText(nodes[0]), true, nil
	case SourceHTML:
		return renderNode(nodes[0]), true, nil
	case SourceMarkdown:
		md, err := e.md.ConvertString(renderNode(nodes[0]), converter.WithDomain(meta.URL))
		if err != nil {
			return nil, false, fmt.Errorf("extract: markdown %q: %w", r.Name, err)
		}
		return strings.TrimSpace(md), true, nil
	case SourceSafeHTML:
		return e.safe.Sanitize(renderNode(nodes[0])), true, nil
	case SourceAttr:
		v, ok := nodeAttr(nodes[0], attr)
		if !ok {
			return nil, false, nil
		}
		return resolveAttrURL(meta.URL, attr, v), true, nil
	case SourceTextList:
		out := make([]any, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, collectText(n))
		}
		return out, true, nil
	case SourceAttrList:
		out := make([]any, 0, len(nodes))
		for _, n := range nodes {
			if v, ok := nodeAttr(n, attr); ok {
				out = append(out, resolveAttrURL(meta.URL, attr, v))
			}
		}
		return out, len(out) > 0, nil
	case SourceNumber:
		return parseNumber(collectText(nodes[0]))
	case SourceURLParam:
		raw, ok := nodeAttr(nodes[0], attrOrDefault(attr, "href"))
		if !ok {
			return nil, false, nil
		}
		v, ok := urlParam(resolveAttrURL(meta.URL, "href", raw), r.Param)
		return v, ok, nil
	case SourceNested:
		out := make([]any, 0, len(nodes))
		for i, n := range nodes {
			sub, _, err := e.extractRecord(n, meta, r.Fields, i)
			if err != nil {
				return nil, false, err
			}
			if sub != nil {
				out = append(out, sub)
			}
		}
		return out, len(out) > 0, nil
	}
	return nil, false, fmt.Errorf("extract: field %q has unknown source %q", r.Name, r.Source)
}

func isListSource(source string) bool {
	switch source {
	case SourceTextList, SourceAttrList, SourceNested:
		return true
	}
	return false
}

func attrOrDefault(attr, def string) string {
	if attr == "" {
		return def
	}
	return attr
}

// findTitle extracts the page <title> text.
func findTitle(doc *html.Node) string {
	var title string
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Title {
			if n.FirstChild != nil {
				title = strings.TrimSpace(n.FirstChild.Data)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(doc)
	return title
}

// renderNode serialises an HTML node subtree back to a string.
func renderNode(n *html.Node) string {
	var buf bytes.Buffer
	html.Render(&buf, n)
	return buf.String()
}

// collectText extracts all visible text from a node subtree, skipping
// script, style and noscript content, with whitespace collapsed.
func collectText(n *html.Node) string {
	var sb strings.Builder
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
	return sb.String()
}

func nodeAttr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}
