// internal/services/helpers_test.go
package services

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/javajoker/medequip-scraper/internal/database"
	"github.com/javajoker/medequip-scraper/internal/models"
	"github.com/javajoker/medequip-scraper/internal/scraper"
)

// newTestDB opens a private in-memory SQLite database with the full schema.
// A single connection keeps every query on the same memory database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := database.Open(sqlite.Open("file::memory:"), "silent")
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.RunMigrations(db))
	return db
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func price(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func sampleProduct(sourceID string) *models.Product {
	return &models.Product{
		Source:   models.SourceAlibaba,
		SourceID: sourceID,
		Name:     "Portable Ultrasound " + sourceID,
		Brand:    strPtr("Sonoscape"),
		Category: strPtr("Imaging"),
		Specifications: models.Specifications{
			{Key: "Weight", Value: "3.5 kg"},
			{Key: "Display", Value: "15 inch"},
		},
		Images: []models.Image{
			{URL: "https://img.example.com/" + sourceID + "/1.jpg", IsPrimary: true},
			{URL: "https://img.example.com/" + sourceID + "/2.jpg"},
		},
		Documents: []models.Document{
			{URL: "https://docs.example.com/" + sourceID + ".pdf", DocumentType: strPtr("pdf")},
		},
		Pricing: []models.PriceListing{
			{Currency: "USD", MinPrice: price("1200.00"), MaxPrice: price("1500.00"), Unit: strPtr("piece"), MinOrderQuantity: intPtr(1)},
		},
		Sellers: []models.Seller{
			{Name: "Guangzhou Medical Co.", Website: "https://gzmed.example.com", Rating: price("4.6"), Location: strPtr("CN")},
		},
	}
}

// fakeAdapter serves listing pages by token and details by source id.
type fakeAdapter struct {
	source  models.Source
	mu      sync.Mutex
	pages   map[string]scraper.Page
	details map[string]*scraper.RawRecord
	failing map[string]error
}

func newFakeAdapter(source models.Source) *fakeAdapter {
	return &fakeAdapter{
		source:  source,
		pages:   make(map[string]scraper.Page),
		details: make(map[string]*scraper.RawRecord),
		failing: make(map[string]error),
	}
}

func (a *fakeAdapter) Source() models.Source { return a.source }

func (a *fakeAdapter) ListPage(ctx context.Context, q scraper.Query, token string) (scraper.Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	page, ok := a.pages[token]
	if !ok {
		return scraper.Page{}, fmt.Errorf("no page for token %q", token)
	}
	return page, nil
}

func (a *fakeAdapter) FetchDetail(ctx context.Context, ref scraper.ItemRef) (*scraper.RawRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.failing[ref.SourceID]; err != nil {
		return nil, err
	}
	rec, ok := a.details[ref.SourceID]
	if !ok {
		return nil, scraper.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (a *fakeAdapter) page(token, next string, ids ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var items []scraper.ItemRef
	for _, id := range ids {
		items = append(items, scraper.ItemRef{URL: "https://www.alibaba.com/product-detail/" + id + ".html", SourceID: id})
	}
	a.pages[token] = scraper.Page{Items: items, Next: next}
}

func (a *fakeAdapter) detail(id, priceText, rating string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.details[id] = &scraper.RawRecord{
		Source:   a.source,
		SourceID: id,
		URL:      "https://www.alibaba.com/product-detail/" + id + ".html",
		Fields: map[string]string{
			scraper.FieldName:         "Infusion Pump " + id,
			scraper.FieldCategory:     "Medical Equipment",
			scraper.FieldPrice:        priceText,
			scraper.FieldSellerName:   "Supplier " + id,
			scraper.FieldSellerRating: rating,
		},
		Attributes: []scraper.Attribute{{Key: "Model", Value: "IP-" + id}},
		ImageURLs:  []string{"https://img.example.com/" + id + ".jpg"},
	}
}

// staticAdapters returns a factory that knows only the given adapters.
func staticAdapters(adapters ...scraper.Adapter) AdapterFactory {
	return func(source models.Source) (scraper.Adapter, error) {
		for _, a := range adapters {
			if a.Source() == source {
				return a, nil
			}
		}
		return nil, fmt.Errorf("unsupported source %q", source)
	}
}

// storeFunc adapts a function to ProductStore.
type storeFunc func(ctx context.Context, p *models.Product) (*UpsertResult, error)

func (f storeFunc) UpsertProduct(ctx context.Context, p *models.Product) (*UpsertResult, error) {
	return f(ctx, p)
}
