// Package sanitize reduces event bodies to the HTML subset accepted in
// destination event descriptions.
//
// Tags outside the allow-list are unwrapped: the element disappears but its
// children stay in place. This applies to <script> and <style> as well, so
// their text content survives as plain (escaped) text. Comments are removed
// before parsing. Input may be truncated mid-tag; Sanitize never fails.
package sanitize

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var commentRe = regexp.MustCompile(`(?s)<!--.*?-->`)

// Policy is an allow-list of elements and their permitted attributes.
type Policy struct {
	// elements maps an allowed tag name to its allowed attribute names.
	elements map[string]map[string]bool
}

// DefaultPolicy returns the allow-list supported by Google Calendar
// descriptions.
func DefaultPolicy() *Policy {
	p := NewPolicy()
	p.AllowElements("b", "i", "u", "a", "br", "h1", "h2", "h3", "h4", "h5", "h6",
		"img", "blockquote", "ol", "ul", "li", "em", "strong", "code", "hr")
	p.AllowAttrs("a", "href")
	p.AllowAttrs("img", "src", "alt")
	return p
}

// NewPolicy returns an empty Policy that unwraps every element.
func NewPolicy() *Policy {
	return &Policy{elements: make(map[string]map[string]bool)}
}

// AllowElements adds tags to the allow-list with no attributes.
func (p *Policy) AllowElements(tags ...string) {
	for _, tag := range tags {
		if _, ok := p.elements[tag]; !ok {
			p.elements[tag] = make(map[string]bool)
		}
	}
}

// AllowAttrs allows attrs on tag, adding tag to the allow-list if needed.
func (p *Policy) AllowAttrs(tag string, attrs ...string) {
	p.AllowElements(tag)
	for _, a := range attrs {
		p.elements[tag][a] = true
	}
}

// Sanitize returns the cleaned fragment with surrounding whitespace trimmed.
func (p *Policy) Sanitize(input string) string {
	if input == "" {
		return ""
	}

	input = commentRe.ReplaceAllString(input, "")

	context := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(input), context)
	if err != nil {
		// strings.Reader does not fail; keep the contract anyway.
		return strings.TrimSpace(html.EscapeString(input))
	}

	var b strings.Builder
	for _, n := range nodes {
		for _, out := range p.clean(n) {
			if err := html.Render(&b, out); err != nil {
				continue
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// clean returns the nodes that replace n in the output tree.
func (p *Policy) clean(n *html.Node) []*html.Node {
	switch n.Type {
	case html.TextNode:
		return []*html.Node{{Type: html.TextNode, Data: n.Data}}
	case html.ElementNode:
		children := p.cleanChildren(n)
		allowedAttrs, ok := p.elements[n.Data]
		if !ok || n.Namespace != "" {
			return children
		}
		out := &html.Node{Type: html.ElementNode, Data: n.Data, DataAtom: n.DataAtom}
		for _, a := range n.Attr {
			if a.Namespace == "" && allowedAttrs[a.Key] {
				out.Attr = append(out.Attr, html.Attribute{Key: a.Key, Val: a.Val})
			}
		}
		for _, c := range children {
			out.AppendChild(c)
		}
		return []*html.Node{out}
	case html.DocumentNode:
		return p.cleanChildren(n)
	default:
		// Comments left over from unbalanced markers, doctypes.
		return nil
	}
}

func (p *Policy) cleanChildren(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, p.clean(c)...)
	}
	return out
}
