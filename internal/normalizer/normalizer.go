// internal/normalizer/normalizer.go
package normalizer

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/javajoker/medequip-scraper/internal/models"
	"github.com/javajoker/medequip-scraper/internal/scraper"
)

// ParseAnomaly records a raw value that could not be interpreted. The field
// it belongs to is left absent.
type ParseAnomaly struct {
	Field  string `json:"field"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

func (a ParseAnomaly) Error() string {
	return fmt.Sprintf("%s: %s (%q)", a.Field, a.Reason, a.Value)
}

// fields with a dedicated home in the canonical record; everything else
// in RawRecord.Fields ends up in specifications
var knownFields = map[string]bool{
	scraper.FieldName:           true,
	scraper.FieldBrand:          true,
	scraper.FieldCategory:       true,
	scraper.FieldDescription:    true,
	scraper.FieldPrice:          true,
	scraper.FieldCurrency:       true,
	scraper.FieldUnit:           true,
	scraper.FieldMOQ:            true,
	scraper.FieldSellerName:     true,
	scraper.FieldSellerRating:   true,
	scraper.FieldSellerLocation: true,
	scraper.FieldSellerWebsite:  true,
}

const (
	maxNameLen  = 500
	maxShortLen = 255
	maxUnitLen  = 50

	// column widths of image/document urls and seller websites
	maxURLLen     = 2048
	maxWebsiteLen = 512
)

// Normalizer maps raw field bags onto models.Product. It holds no state
// besides its settings and never performs I/O.
type Normalizer struct {
	defaultCurrency string
}

func New(defaultCurrency string) *Normalizer {
	if defaultCurrency == "" {
		defaultCurrency = "USD"
	}
	return &Normalizer{defaultCurrency: strings.ToUpper(defaultCurrency)}
}

// Normalize never fails. Values it cannot read are dropped and reported
// as anomalies; an empty Name is left for validation to reject.
func (n *Normalizer) Normalize(rec *scraper.RawRecord) (*models.Product, []ParseAnomaly) {
	var anomalies []ParseAnomaly

	p := &models.Product{
		Source:      rec.Source,
		SourceID:    strings.TrimSpace(rec.SourceID),
		Name:        truncate(clean(rec.Field(scraper.FieldName)), maxNameLen),
		Brand:       optional(truncate(clean(rec.Field(scraper.FieldBrand)), maxShortLen)),
		Category:    optional(truncate(clean(rec.Field(scraper.FieldCategory)), maxShortLen)),
		Description: optional(cleanParagraphs(rec.Field(scraper.FieldDescription))),
	}
	p.Specifications = foldSpecifications(rec)

	listing, pa := n.pricing(rec)
	anomalies = append(anomalies, pa...)
	if listing != nil {
		p.Pricing = []models.PriceListing{*listing}
	}

	seller, sa := sellerFrom(rec)
	anomalies = append(anomalies, sa...)
	if seller != nil {
		p.Sellers = []models.Seller{*seller}
	}

	images, ia := imagesFrom(rec)
	anomalies = append(anomalies, ia...)
	p.Images = images

	docs, da := documentsFrom(rec)
	anomalies = append(anomalies, da...)
	p.Documents = docs

	return p, anomalies
}

func (n *Normalizer) pricing(rec *scraper.RawRecord) (*models.PriceListing, []ParseAnomaly) {
	var anomalies []ParseAnomaly

	priceText := clean(rec.Field(scraper.FieldPrice))
	price, a := ParsePrice(priceText)
	if a != nil {
		anomalies = append(anomalies, *a)
	}

	cur := price.Currency
	if explicit := clean(rec.Field(scraper.FieldCurrency)); explicit != "" {
		if code, ok := isoCode(explicit); ok {
			cur = code
		} else {
			anomalies = append(anomalies, ParseAnomaly{Field: scraper.FieldCurrency, Value: explicit, Reason: "unknown currency code"})
		}
	}
	if cur == "" {
		cur = n.defaultCurrency
	}

	moqText := clean(rec.Field(scraper.FieldMOQ))
	moq, a := ParseMinOrderQuantity(moqText)
	if a != nil {
		anomalies = append(anomalies, *a)
	}

	unit := clean(rec.Field(scraper.FieldUnit))
	if unit == "" {
		unit = price.Unit
	}
	if unit == "" {
		unit = UnitFromQuantity(moqText)
	}
	unit = truncate(unit, maxUnitLen)

	if !price.Min.Valid && !price.Max.Valid && moq == nil && unit == "" {
		return nil, anomalies
	}
	return &models.PriceListing{
		Currency:         cur,
		MinPrice:         price.Min,
		MaxPrice:         price.Max,
		Unit:             optional(unit),
		MinOrderQuantity: moq,
	}, anomalies
}

func sellerFrom(rec *scraper.RawRecord) (*models.Seller, []ParseAnomaly) {
	name := truncate(clean(rec.Field(scraper.FieldSellerName)), maxShortLen)
	if name == "" {
		return nil, nil
	}

	var anomalies []ParseAnomaly
	rating, a := ParseRating(clean(rec.Field(scraper.FieldSellerRating)))
	if a != nil {
		anomalies = append(anomalies, *a)
	}

	website := ""
	if raw := clean(rec.Field(scraper.FieldSellerWebsite)); raw != "" {
		website = absoluteURL(rec.URL, raw)
		if len(website) > maxWebsiteLen {
			anomalies = append(anomalies, ParseAnomaly{Field: scraper.FieldSellerWebsite, Value: raw, Reason: "url too long"})
			website = ""
		}
	}
	return &models.Seller{
		Name:     name,
		Website:  website,
		Rating:   rating,
		Location: optional(truncate(clean(rec.Field(scraper.FieldSellerLocation)), maxShortLen)),
	}, anomalies
}

func imagesFrom(rec *scraper.RawRecord) ([]models.Image, []ParseAnomaly) {
	var (
		out       []models.Image
		anomalies []ParseAnomaly
	)
	seen := make(map[string]bool)
	for _, raw := range rec.ImageURLs {
		u := absoluteURL(rec.URL, raw)
		if u == "" {
			anomalies = append(anomalies, ParseAnomaly{Field: "image", Value: raw, Reason: "not an http(s) url"})
			continue
		}
		if len(u) > maxURLLen {
			anomalies = append(anomalies, ParseAnomaly{Field: "image", Value: raw, Reason: "url too long"})
			continue
		}
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, models.Image{URL: u, IsPrimary: len(out) == 0})
	}
	return out, anomalies
}

func documentsFrom(rec *scraper.RawRecord) ([]models.Document, []ParseAnomaly) {
	var (
		out       []models.Document
		anomalies []ParseAnomaly
	)
	seen := make(map[string]bool)
	for _, raw := range rec.Documents {
		u := absoluteURL(rec.URL, raw.URL)
		if u == "" {
			anomalies = append(anomalies, ParseAnomaly{Field: "document", Value: raw.URL, Reason: "not an http(s) url"})
			continue
		}
		if len(u) > maxURLLen {
			anomalies = append(anomalies, ParseAnomaly{Field: "document", Value: raw.URL, Reason: "url too long"})
			continue
		}
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, models.Document{URL: u, DocumentType: optional(documentType(raw.Type, u))})
	}
	return out, anomalies
}

func documentType(hint, rawURL string) string {
	if hint = strings.ToLower(strings.TrimSpace(hint)); hint != "" {
		return hint
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
}

// foldSpecifications keeps attribute order. Leftover fields follow in key
// order so the result does not depend on map iteration.
func foldSpecifications(rec *scraper.RawRecord) models.Specifications {
	specs := models.Specifications{}
	for _, attr := range rec.Attributes {
		key := clean(attr.Key)
		if key == "" {
			continue
		}
		specs.Set(key, clean(attr.Value))
	}

	var extra []string
	for k := range rec.Fields {
		if !knownFields[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		if key := clean(k); key != "" {
			specs.Set(key, clean(rec.Fields[k]))
		}
	}
	return specs
}

// absoluteURL resolves ref against the page URL. Only http(s) results are kept.
func absoluteURL(pageURL, ref string) string {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || ref == "" {
		return ""
	}
	if base, err := url.Parse(pageURL); err == nil && pageURL != "" {
		r = base.ResolveReference(r)
	}
	if r.Scheme != "http" && r.Scheme != "https" {
		return ""
	}
	return r.String()
}

func clean(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

// cleanParagraphs collapses whitespace inside lines and drops blank ones.
func cleanParagraphs(s string) string {
	var lines []string
	for _, line := range strings.Split(norm.NFKC.String(s), "\n") {
		if line = clean(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return strings.TrimSpace(string(r[:max]))
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
