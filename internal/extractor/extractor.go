// Package extractor finds media references in HTML documents using a static
// rule table.
package extractor

import (
	"bytes"

	"github.com/PuerkitoBio/goquery"
	whatwg "github.com/nlnwa/whatwg-url/url"

	"github.com/JakeFAU/media-scraper/internal/scraper"
)

// Extractor implements scraper.Extractor with goquery and WHATWG URL
// resolution, so relative references resolve exactly as in a browser.
type Extractor struct {
	rules  []Rule
	parser whatwg.Parser
}

// New returns an Extractor using DefaultRules.
func New() *Extractor {
	return NewWithRules(DefaultRules)
}

// NewWithRules returns an Extractor applying the given rules in order.
func NewWithRules(rules []Rule) *Extractor {
	return &Extractor{
		rules:  append([]Rule(nil), rules...),
		parser: whatwg.NewParser(),
	}
}

// Extract parses html and returns accepted candidates in first-acceptance
// order. Malformed markup is parsed best-effort; references that fail to
// resolve are dropped.
func (e *Extractor) Extract(html []byte, baseURL string) []scraper.Candidate {
	base, err := e.parser.Parse(baseURL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil
	}

	c := collector{
		source: baseURL,
		base:   base,
		seen:   make(map[string]struct{}),
	}
	for _, rule := range e.rules {
		doc.Find(rule.Selector).Each(func(_ int, sel *goquery.Selection) {
			raw, ok := sel.Attr(rule.Attr)
			if !ok || raw == "" {
				return
			}
			if rule.Match != nil && !rule.Match.MatchString(raw) {
				return
			}
			c.add(raw, rule.Kind)
		})
	}
	return c.out
}

type collector struct {
	source string
	base   *whatwg.Url
	seen   map[string]struct{}
	out    []scraper.Candidate
}

func (c *collector) add(raw string, kind scraper.MediaKind) {
	resolved, err := c.base.Parse(raw)
	if err != nil {
		return
	}
	switch resolved.Scheme() {
	case "http", "https":
	default:
		return
	}
	href := resolved.Href(false)
	if _, dup := c.seen[href]; dup {
		return
	}
	if kind == scraper.KindImage && len(href) < MinImageURLLength {
		return
	}
	c.seen[href] = struct{}{}
	c.out = append(c.out, scraper.Candidate{
		SourceURL: c.source,
		MediaURL:  href,
		Kind:      kind,
	})
}
