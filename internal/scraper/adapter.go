// internal/scraper/adapter.go
package scraper

import (
	"context"

	"github.com/javajoker/medequip-scraper/internal/models"
)

// Query carries the per-source search filters.
type Query struct {
	Category  string  `json:"category,omitempty"`
	Keyword   string  `json:"keyword,omitempty"`
	MinRating float64 `json:"min_rating,omitempty"`
}

// ItemRef points at one product detail page found on a listing page.
type ItemRef struct {
	URL      string
	SourceID string
}

// Page is one listing page. Next is the continuation token; empty means
// there is no further page.
type Page struct {
	Items []ItemRef
	Next  string
}

// Raw field names used in RawRecord.Fields.
const (
	FieldName           = "name"
	FieldBrand          = "brand"
	FieldCategory       = "category"
	FieldDescription    = "description"
	FieldPrice          = "price"
	FieldCurrency       = "currency"
	FieldUnit           = "unit"
	FieldMOQ            = "min_order_quantity"
	FieldSellerName     = "seller_name"
	FieldSellerRating   = "seller_rating"
	FieldSellerLocation = "seller_location"
	FieldSellerWebsite  = "seller_website"
)

type Attribute struct {
	Key   string
	Value string
}

type RawDocument struct {
	URL  string
	Type string
}

// RawRecord is the unnormalized output of a detail page. Any key may be
// missing from Fields.
type RawRecord struct {
	Source     models.Source
	SourceID   string
	URL        string
	Fields     map[string]string
	Attributes []Attribute
	ImageURLs  []string
	Documents  []RawDocument
}

func (r *RawRecord) Field(name string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[name]
}

func (r *RawRecord) set(name, value string) {
	if value == "" {
		return
	}
	if r.Fields == nil {
		r.Fields = make(map[string]string)
	}
	r.Fields[name] = value
}

// Adapter is the capability set every marketplace implements.
type Adapter interface {
	Source() models.Source
	ListPage(ctx context.Context, q Query, token string) (Page, error)
	FetchDetail(ctx context.Context, ref ItemRef) (*RawRecord, error)
}
