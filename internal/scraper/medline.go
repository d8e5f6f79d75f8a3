// internal/scraper/medline.go
package scraper

import (
	"context"
	"net/url"
	"regexp"
	"strconv"

	"github.com/PuerkitoBio/goquery"

	"github.com/javajoker/medequip-scraper/internal/models"
)

const (
	medlineListMarker   = ".product-grid"
	medlineDetailMarker = ".product-details"
)

var medlineSKU = regexp.MustCompile(`/p/([^/?#]+)`)

// MedlineAdapter walks keyword search results. The next button is a
// script control without a link, so tokens are search URLs with an
// explicit page number.
type MedlineAdapter struct {
	fetcher *Fetcher
	base    *url.URL
}

func NewMedlineAdapter(fetcher *Fetcher, baseURL string) (*MedlineAdapter, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	return &MedlineAdapter{fetcher: fetcher, base: base}, nil
}

func (a *MedlineAdapter) Source() models.Source {
	return models.SourceMedline
}

func (a *MedlineAdapter) searchURL(q Query, page int) string {
	params := url.Values{}
	keyword := q.Keyword
	if keyword == "" {
		keyword = q.Category
	}
	if keyword != "" {
		params.Set("q", keyword)
	}
	if page > 1 {
		params.Set("page", strconv.Itoa(page))
	}
	u := a.base.ResolveReference(&url.URL{Path: "/search"})
	u.RawQuery = params.Encode()
	return u.String()
}

func (a *MedlineAdapter) ListPage(ctx context.Context, q Query, token string) (Page, error) {
	pageURL := token
	if pageURL == "" {
		pageURL = a.searchURL(q, 1)
	}

	doc, err := a.fetcher.Fetch(ctx, pageURL, medlineListMarker)
	if err != nil {
		return Page{}, err
	}
	base := docBase(doc, a.base)

	page := Page{Items: refsFrom(doc, base, ".product-card a.product-link", medlineID)}
	if doc.Find(`button[aria-label="Next page"]:not([disabled])`).Length() > 0 {
		page.Next = a.searchURL(q, pageNumber(pageURL)+1)
	}
	return page, nil
}

func (a *MedlineAdapter) FetchDetail(ctx context.Context, ref ItemRef) (*RawRecord, error) {
	doc, err := a.fetcher.Fetch(ctx, ref.URL, medlineDetailMarker)
	if err != nil {
		return nil, err
	}
	base := docBase(doc, a.base)
	root := doc.Selection

	rec := &RawRecord{
		Source:   models.SourceMedline,
		SourceID: firstNonEmpty(ref.SourceID, medlineID(ref.URL)),
		URL:      ref.URL,
	}
	rec.set(FieldName, text(root, ".product-title"))
	rec.set(FieldBrand, text(root, ".brand-name"))
	rec.set(FieldCategory, text(root, ".breadcrumb-item:last-child"))
	rec.set(FieldDescription, text(root, ".product-description"))
	rec.set(FieldPrice, text(root, ".product-price"))
	rec.set(FieldUnit, text(root, ".product-unit"))
	rec.set(FieldMOQ, text(root, ".min-order-quantity"))

	// sectioned specifications flatten to "Section / Label"
	root.Find(".specifications-section").Each(func(_ int, section *goquery.Selection) {
		title := text(section, ".section-title")
		for _, kv := range tableAttributes(section, ".spec-row", ".spec-label", ".spec-value") {
			if title != "" {
				kv.Key = title + " / " + kv.Key
			}
			rec.Attributes = append(rec.Attributes, kv)
		}
	})
	rec.ImageURLs = links(doc, base, ".product-gallery img", "src")
	return rec, nil
}

func medlineID(rawURL string) string {
	if m := medlineSKU.FindStringSubmatch(rawURL); m != nil {
		return m[1]
	}
	return lastSegment(rawURL)
}

func pageNumber(rawURL string) int {
	u := mustParse(rawURL)
	if u == nil {
		return 1
	}
	n, err := strconv.Atoi(u.Query().Get("page"))
	if err != nil || n < 1 {
		return 1
	}
	return n
}
