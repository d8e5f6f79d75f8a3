// internal/scraper/alibaba.go
package scraper

import (
	"context"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/javajoker/medequip-scraper/internal/models"
)

const (
	alibabaListMarker   = ".product-card"
	alibabaDetailMarker = ".product-details"
)

var alibabaProductID = regexp.MustCompile(`/(\d+)\.html`)

// alibabaCategories maps category names to Alibaba catId values.
var alibabaCategories = map[string]string{
	"medical equipment":    "100003070",
	"surgical instruments": "100003071",
	"diagnostic equipment": "100003072",
	"medical supplies":     "100003073",
}

type AlibabaAdapter struct {
	fetcher *Fetcher
	base    *url.URL
}

func NewAlibabaAdapter(fetcher *Fetcher, baseURL string) (*AlibabaAdapter, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	return &AlibabaAdapter{fetcher: fetcher, base: base}, nil
}

func (a *AlibabaAdapter) Source() models.Source {
	return models.SourceAlibaba
}

func (a *AlibabaAdapter) searchURL(q Query) string {
	term := q.Category
	if term == "" {
		term = q.Keyword
	}
	params := url.Values{}
	params.Set("SearchText", term)
	params.Set("catId", alibabaCategories[strings.ToLower(strings.TrimSpace(q.Category))])
	params.Set("minRating", strconv.FormatFloat(q.MinRating, 'f', -1, 64))

	u := a.base.ResolveReference(&url.URL{Path: "/trade/search"})
	u.RawQuery = params.Encode()
	return u.String()
}

func (a *AlibabaAdapter) ListPage(ctx context.Context, q Query, token string) (Page, error) {
	pageURL := token
	if pageURL == "" {
		pageURL = a.searchURL(q)
	}

	doc, err := a.fetcher.Fetch(ctx, pageURL, alibabaListMarker)
	if err != nil {
		return Page{}, err
	}
	base := docBase(doc, a.base)

	page := Page{Items: refsFrom(doc, base, ".product-card a.product-link", alibabaID)}
	if next := attr(doc.Selection, "a.next:not(.disabled)", "href"); next != "" {
		page.Next = resolve(base, next)
	}
	return page, nil
}

func (a *AlibabaAdapter) FetchDetail(ctx context.Context, ref ItemRef) (*RawRecord, error) {
	doc, err := a.fetcher.Fetch(ctx, ref.URL, alibabaDetailMarker)
	if err != nil {
		return nil, err
	}
	base := docBase(doc, a.base)
	root := doc.Selection

	rec := &RawRecord{
		Source:   models.SourceAlibaba,
		SourceID: firstNonEmpty(ref.SourceID, alibabaID(ref.URL)),
		URL:      ref.URL,
	}
	rec.set(FieldName, text(root, ".product-title"))
	rec.set(FieldCategory, text(root, ".category-path"))
	rec.set(FieldDescription, text(root, ".product-description"))
	rec.set(FieldPrice, text(root, ".price-range"))
	rec.set(FieldMOQ, text(root, ".min-order-quantity"))
	rec.set(FieldSellerName, text(root, ".company-name"))
	rec.set(FieldSellerRating, text(root, ".seller-rating"))
	rec.set(FieldSellerLocation, text(root, ".company-location"))
	if website := attr(root, ".company-website", "href"); website != "" {
		rec.set(FieldSellerWebsite, resolve(base, website))
	}

	rec.Attributes = tableAttributes(root, ".specifications-table tr", "th", "td")
	rec.ImageURLs = links(doc, base, ".product-gallery img", "src")
	return rec, nil
}

func alibabaID(rawURL string) string {
	if m := alibabaProductID.FindStringSubmatch(rawURL); m != nil {
		return m[1]
	}
	return lastSegment(rawURL)
}
