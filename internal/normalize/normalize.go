// Package normalize strips volatile markup from page bodies before hashing so
// that timestamps, nonces and rotating ads do not register as content changes.
package normalize

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Policy rewrites a body into the form that is hashed.
type Policy interface {
	Normalize(body []byte) ([]byte, error)
}

// Identity hashes bodies exactly as served.
type Identity struct{}

// Normalize returns body unchanged.
func (Identity) Normalize(body []byte) ([]byte, error) { return body, nil }

// RegexRule replaces every match of Pattern with Replacement.
type RegexRule struct {
	Pattern     string `mapstructure:"pattern"`
	Replacement string `mapstructure:"replacement"`
}

// Regex applies compiled rules in order.
type Regex struct {
	rules []compiledRule
}

type compiledRule struct {
	re          *regexp.Regexp
	replacement []byte
}

// NewRegex compiles rules. An invalid pattern is an error.
func NewRegex(rules []RegexRule) (*Regex, error) {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", r.Pattern, err)
		}
		out = append(out, compiledRule{re: re, replacement: []byte(r.Replacement)})
	}
	return &Regex{rules: out}, nil
}

// Normalize applies each rule to body.
func (r *Regex) Normalize(body []byte) ([]byte, error) {
	for _, rule := range r.rules {
		body = rule.re.ReplaceAll(body, rule.replacement)
	}
	return body, nil
}

// Selector parses the body as HTML and removes matching elements and
// attributes.
type Selector struct {
	remove     []string
	attributes []string
}

// NewSelector builds a Selector. Blank entries are ignored.
func NewSelector(removeSelectors, stripAttributes []string) *Selector {
	return &Selector{
		remove:     nonEmpty(removeSelectors),
		attributes: nonEmpty(stripAttributes),
	}
}

// Normalize removes configured elements and attributes and re-renders the
// document. Bodies that are not HTML pass through the parser unchanged in
// meaning.
func (s *Selector) Normalize(body []byte) ([]byte, error) {
	if len(s.remove) == 0 && len(s.attributes) == 0 {
		return body, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	for _, sel := range s.remove {
		doc.Find(sel).Remove()
	}
	for _, attr := range s.attributes {
		doc.Find("[" + attr + "]").RemoveAttr(attr)
	}
	html, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return []byte(html), nil
}

// Chain runs policies in order.
type Chain []Policy

// Normalize feeds the output of each policy into the next.
func (c Chain) Normalize(body []byte) ([]byte, error) {
	var err error
	for _, p := range c {
		body, err = p.Normalize(body)
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}

// Config selects the normalization applied before hashing. The zero value
// hashes raw bodies.
type Config struct {
	RemoveSelectors []string    `mapstructure:"remove_selectors"`
	StripAttributes []string    `mapstructure:"strip_attributes"`
	Patterns        []RegexRule `mapstructure:"patterns"`
}

// FromConfig builds the policy described by cfg. Selector rules run before
// regex rules.
func FromConfig(cfg Config) (Policy, error) {
	var chain Chain
	sel := NewSelector(cfg.RemoveSelectors, cfg.StripAttributes)
	if len(sel.remove) > 0 || len(sel.attributes) > 0 {
		chain = append(chain, sel)
	}
	if len(cfg.Patterns) > 0 {
		re, err := NewRegex(cfg.Patterns)
		if err != nil {
			return nil, err
		}
		chain = append(chain, re)
	}
	if len(chain) == 0 {
		return Identity{}, nil
	}
	return chain, nil
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
