// internal/scraper/extract.go
package scraper

import (
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

func text(s *goquery.Selection, selector string) string {
	return cleanText(s.Find(selector).First().Text())
}

func attr(s *goquery.Selection, selector, name string) string {
	v, _ := s.Find(selector).First().Attr(name)
	return strings.TrimSpace(v)
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// links collects the resolved attribute values of every match, in document order.
func links(doc *goquery.Document, base *url.URL, selector, name string) []string {
	var out []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr(name); ok {
			if abs := resolve(base, v); abs != "" {
				out = append(out, abs)
			}
		}
	})
	return out
}

// tableAttributes reads label/value rows such as <tr><th>k</th><td>v</td></tr>.
func tableAttributes(s *goquery.Selection, rowSel, keySel, valSel string) []Attribute {
	var out []Attribute
	s.Find(rowSel).Each(func(_ int, row *goquery.Selection) {
		k := text(row, keySel)
		v := text(row, valSel)
		if k == "" {
			return
		}
		out = append(out, Attribute{Key: k, Value: v})
	})
	return out
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "javascript:") || strings.HasPrefix(ref, "#") {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}

// lastSegment is the final non-empty path element of rawURL.
func lastSegment(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	p := strings.TrimSuffix(u.Path, "/")
	if p == "" {
		return ""
	}
	return path.Base(p)
}

func mustParse(rawURL string) *url.URL {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	return u
}

func refsFrom(doc *goquery.Document, base *url.URL, selector string, id func(string) string) []ItemRef {
	var refs []ItemRef
	seen := make(map[string]struct{})
	for _, link := range links(doc, base, selector, "href") {
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		refs = append(refs, ItemRef{URL: link, SourceID: id(link)})
	}
	return refs
}
