package snapshot

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/browserd/session"
)

func parseDoc(raw string) (*html.Node, error) {
	return html.Parse(strings.NewReader(raw))
}

// domElements parses raw markup and returns a flattened list of the
// interactive and semantic elements, keyed by their tag/label path. This
// is the fallback surface for pages whose accessibility tree hides a
// known-present element.
func domElements(raw, focusSelector string) ([]*Element, error) {
	doc, err := parseDoc(raw)
	if err != nil {
		return nil, fmt.Errorf("snapshot: parse dom: %w", err)
	}

	root := doc
	if focusSelector != "" {
		matches := querySelectorAll(doc, focusSelector)
		if len(matches) == 0 {
			return nil, fmt.Errorf("snapshot: %s: %w", focusSelector, session.ErrLocatorNotFound)
		}
		root = matches[0]
	}

	var out []*Element
	seen := map[string]int{}
	var walk func(n *html.Node, parentKey string)
	walk = func(n *html.Node, parentKey string) {
		key := parentKey
		if n.Type == html.ElementNode && interestingTag(n) {
			el := describeDOMNode(n)
			seg := el.Role
			if el.Name != "" {
				seg += ":" + el.Name
			}
			key = seg
			if parentKey != "" {
				key = parentKey + "/" + seg
			}
			seen[key]++
			if c := seen[key]; c > 1 {
				key = fmt.Sprintf("%s#%d", key, c)
			}
			el.Key = key
			out = append(out, el)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, key)
		}
	}
	walk(root, "")
	return out, nil
}

var interestingAtoms = map[atom.Atom]bool{
	atom.A: true, atom.Button: true, atom.Input: true, atom.Select: true,
	atom.Textarea: true, atom.Option: true, atom.Label: true, atom.Form: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true,
	atom.H5: true, atom.H6: true, atom.Img: true, atom.Nav: true,
	atom.Main: true, atom.Table: true, atom.Summary: true, atom.Details: true,
}

func interestingTag(n *html.Node) bool {
	if interestingAtoms[n.DataAtom] {
		return true
	}
	// Anything with ARIA semantics is part of the interactive surface.
	return getAttr(n, "role") != "" || getAttr(n, "aria-label") != ""
}

// describeDOMNode builds an element descriptor from a markup node,
// preferring explicit labels over inline text.
func describeDOMNode(n *html.Node) *Element {
	role := n.Data
	if r := getAttr(n, "role"); r != "" {
		role = r
	}

	name := getAttr(n, "aria-label")
	if name == "" {
		name = getAttr(n, "alt")
	}
	if name == "" {
		name = getAttr(n, "placeholder")
	}
	if name == "" {
		name = getAttr(n, "title")
	}
	if name == "" {
		name = collapseSpace(collectText(n))
	}
	if len(name) > 80 {
		name = name[:80]
	}

	var value string
	switch n.DataAtom {
	case atom.Input, atom.Option:
		value = getAttr(n, "value")
	case atom.A:
		value = getAttr(n, "href")
	case atom.Img:
		value = getAttr(n, "src")
	}

	return &Element{Role: role, Name: name, Value: value}
}

func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// querySelectorAll returns all nodes matching a simple CSS selector:
// tag, .class, #id, tag.class, tag#id, tag[attr], tag[attr=val], and
// space-separated descendant combinations of those.
func querySelectorAll(doc *html.Node, selector string) []*html.Node {
	parts := strings.Fields(selector)
	if len(parts) == 0 {
		return nil
	}

	matches := matchSimple(doc, parts[0])
	for i := 1; i < len(parts); i++ {
		var next []*html.Node
		for _, parent := range matches {
			next = append(next, matchSimple(parent, parts[i])...)
		}
		matches = next
	}
	return matches
}

func matchSimple(root *html.Node, sel string) []*html.Node {
	m := parseSimpleSelector(sel)
	var results []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n != root && matchesSelector(n, m) {
			results = append(results, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return results
}

type simpleSelector struct {
	tag     string
	id      string
	class   string
	attrKey string
	attrVal string
}

func parseSimpleSelector(sel string) simpleSelector {
	var s simpleSelector

	if idx := strings.IndexByte(sel, '['); idx >= 0 {
		attrPart := strings.TrimRight(sel[idx+1:], "]")
		sel = sel[:idx]
		if eq := strings.IndexByte(attrPart, '='); eq >= 0 {
			s.attrKey = attrPart[:eq]
			s.attrVal = strings.Trim(attrPart[eq+1:], `"'`)
		} else {
			s.attrKey = attrPart
		}
	}
	if idx := strings.IndexByte(sel, '#'); idx >= 0 {
		s.id = sel[idx+1:]
		sel = sel[:idx]
	}
	if idx := strings.IndexByte(sel, '.'); idx >= 0 {
		s.class = sel[idx+1:]
		sel = sel[:idx]
	}
	s.tag = sel
	return s
}

func matchesSelector(n *html.Node, s simpleSelector) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && n.Data != s.tag {
		return false
	}
	if s.id != "" && getAttr(n, "id") != s.id {
		return false
	}
	if s.class != "" {
		found := false
		for _, c := range strings.Fields(getAttr(n, "class")) {
			if c == s.class {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.attrKey != "" {
		val, ok := lookupAttr(n, s.attrKey)
		if !ok {
			return false
		}
		if s.attrVal != "" && val != s.attrVal {
			return false
		}
	}
	return true
}

func getAttr(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}
