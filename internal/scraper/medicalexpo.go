// internal/scraper/medicalexpo.go
package scraper

import (
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/javajoker/medequip-scraper/internal/models"
)

const (
	medicalExpoListMarker   = ".product-grid"
	medicalExpoDetailMarker = ".product-details"
)

// MedicalExpoAdapter walks category listings. Pages are linked with a
// plain "next" anchor, so the token is the next page URL.
type MedicalExpoAdapter struct {
	fetcher *Fetcher
	base    *url.URL
}

func NewMedicalExpoAdapter(fetcher *Fetcher, baseURL string) (*MedicalExpoAdapter, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	return &MedicalExpoAdapter{fetcher: fetcher, base: base}, nil
}

func (a *MedicalExpoAdapter) Source() models.Source {
	return models.SourceMedicalExpo
}

func (a *MedicalExpoAdapter) startURL(q Query) string {
	if q.Category == "" {
		return a.base.String()
	}
	slug := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(q.Category)), " ", "-")
	return a.base.ResolveReference(&url.URL{Path: "/cat/" + slug}).String()
}

func (a *MedicalExpoAdapter) ListPage(ctx context.Context, q Query, token string) (Page, error) {
	pageURL := token
	if pageURL == "" {
		pageURL = a.startURL(q)
	}

	doc, err := a.fetcher.Fetch(ctx, pageURL, medicalExpoListMarker)
	if err != nil {
		return Page{}, err
	}
	base := docBase(doc, a.base)

	page := Page{Items: refsFrom(doc, base, ".product-grid a.product-link", lastSegment)}
	if next := attr(doc.Selection, "a.next-page:not(.disabled)", "href"); next != "" {
		page.Next = resolve(base, next)
	}
	return page, nil
}

func (a *MedicalExpoAdapter) FetchDetail(ctx context.Context, ref ItemRef) (*RawRecord, error) {
	doc, err := a.fetcher.Fetch(ctx, ref.URL, medicalExpoDetailMarker)
	if err != nil {
		return nil, err
	}
	base := docBase(doc, a.base)
	root := doc.Selection

	rec := &RawRecord{
		Source:   models.SourceMedicalExpo,
		SourceID: firstNonEmpty(ref.SourceID, lastSegment(ref.URL)),
		URL:      ref.URL,
	}
	rec.set(FieldName, text(root, ".product-title"))
	rec.set(FieldBrand, text(root, ".brand-name"))
	rec.set(FieldCategory, text(root, ".category-path"))
	rec.set(FieldDescription, text(root, ".product-description"))
	rec.set(FieldPrice, text(root, ".product-price"))

	rec.Attributes = tableAttributes(root, ".specifications-table tr", "th", "td")
	rec.ImageURLs = links(doc, base, ".product-gallery img", "src")
	for _, href := range links(doc, base, ".product-documents a", "href") {
		if strings.HasSuffix(strings.ToLower(mustPath(href)), ".pdf") {
			rec.Documents = append(rec.Documents, RawDocument{URL: href, Type: "pdf"})
		}
	}
	return rec, nil
}

func docBase(doc *goquery.Document, fallback *url.URL) *url.URL {
	if doc.Url != nil && doc.Url.Host != "" {
		return doc.Url
	}
	return fallback
}

func mustPath(rawURL string) string {
	if u := mustParse(rawURL); u != nil {
		return u.Path
	}
	return rawURL
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
