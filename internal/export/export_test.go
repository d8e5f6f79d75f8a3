// internal/export/export_test.go
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/medequip-scraper/internal/models"
	"github.com/javajoker/medequip-scraper/internal/utils"
)

type fakeSource struct {
	products  []models.Product
	gotSource string
	err       error
}

func (f *fakeSource) ExportProducts(ctx context.Context, source string, fn func([]models.Product) error) error {
	f.gotSource = source
	if f.err != nil {
		return f.err
	}
	// one product per batch
	for i := 0; i < len(f.products); i++ {
		if err := fn(f.products[i : i+1]); err != nil {
			return err
		}
	}
	return nil
}

func str(s string) *string { return &s }

func fixture() []models.Product {
	moq := 10
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []models.Product{
		{
			BaseModel: models.BaseModel{ID: uuid.MustParse("6f1c1c9e-64a4-4d38-9b7e-0e4f0a3c1d01"), CreatedAt: ts, UpdatedAt: ts},
			Source:    models.SourceAlibaba,
			SourceID:  "1600123456",
			Name:      "Infusion Pump",
			Brand:     str("Mindray"),
			Specifications: models.Specifications{
				{Key: "Model", Value: "SK-600"},
				{Key: "Alarm", Value: "Yes"},
			},
			Images: []models.Image{
				{URL: "https://img.example.com/1.jpg", IsPrimary: true},
				{URL: "https://img.example.com/2.jpg"},
			},
			Documents: []models.Document{{URL: "https://docs.example.com/manual.pdf"}},
			Pricing: []models.PriceListing{{
				Currency:         "USD",
				MinPrice:         decimal.NewNullDecimal(decimal.RequireFromString("120")),
				MaxPrice:         decimal.NewNullDecimal(decimal.RequireFromString("150.5")),
				Unit:             str("piece"),
				MinOrderQuantity: &moq,
			}},
			Sellers: []models.Seller{{
				Name:   "Jiangsu Medical Co.",
				Rating: decimal.NewNullDecimal(decimal.RequireFromString("4.7")),
			}},
		},
		{
			BaseModel: models.BaseModel{ID: uuid.MustParse("6f1c1c9e-64a4-4d38-9b7e-0e4f0a3c1d02"), CreatedAt: ts, UpdatedAt: ts},
			Source:    models.SourceMedline,
			SourceID:  "MDS123",
			Name:      "Exam Gloves, \"Nitrile\"",
		},
	}
}

func newTestExporter(t *testing.T, src ProductSource) *Exporter {
	e := NewExporter(src, t.TempDir())
	e.now = func() time.Time { return time.Date(2024, 5, 2, 8, 30, 0, 0, time.UTC) }
	return e
}

func TestExportJSON(t *testing.T) {
	src := &fakeSource{products: fixture()}
	e := newTestExporter(t, src)

	res, err := e.Export(context.Background(), FormatJSON, "all")
	require.NoError(t, err)
	assert.Equal(t, "", src.gotSource)
	assert.Equal(t, 2, res.Products)
	assert.Equal(t, "products_all_20240502_083000.json", filepath.Base(res.Path))

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, utils.HashBytes(data), res.SHA256)

	var out []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out, 2)
	assert.Equal(t, "1600123456", out[0]["source_id"])
	assert.Equal(t, []interface{}{"https://img.example.com/1.jpg", "https://img.example.com/2.jpg"}, out[0]["images"])
	assert.Equal(t, map[string]interface{}{"Model": "SK-600", "Alarm": "Yes"}, out[0]["specifications"])
	assert.Equal(t, []interface{}{}, out[1]["images"])
}

func TestExportCSVFlattensChildren(t *testing.T) {
	src := &fakeSource{products: fixture()}
	e := newTestExporter(t, src)

	res, err := e.Export(context.Background(), FormatCSV, "alibaba")
	require.NoError(t, err)
	assert.Equal(t, "alibaba", src.gotSource)
	assert.Equal(t, "products_alibaba_20240502_083000.csv", filepath.Base(res.Path))

	f, err := os.Open(res.Path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	header := rows[0]
	col := func(row []string, name string) string {
		for i, h := range header {
			if h == name {
				return row[i]
			}
		}
		t.Fatalf("no column %s", name)
		return ""
	}

	first := rows[1]
	assert.Equal(t, "https://img.example.com/1.jpg|https://img.example.com/2.jpg", col(first, "images"))
	assert.Equal(t, `{"Model":"SK-600","Alarm":"Yes"}`, col(first, "specifications"))
	assert.Equal(t, "120.00", col(first, "min_price"))
	assert.Equal(t, "150.50", col(first, "max_price"))
	assert.Equal(t, "10", col(first, "min_order_quantity"))
	assert.Equal(t, "4.7", col(first, "seller_rating"))
	assert.Equal(t, "2024-05-01T12:00:00Z", col(first, "created_at"))

	second := rows[2]
	assert.Equal(t, `Exam Gloves, "Nitrile"`, col(second, "name"))
	assert.Equal(t, "", col(second, "min_price"))
	assert.Equal(t, "{}", col(second, "specifications"))
}

func TestExportFailureLeavesNoFile(t *testing.T) {
	src := &fakeSource{err: errors.New("database is gone")}
	e := newTestExporter(t, src)

	_, err := e.Export(context.Background(), FormatJSON, "")
	require.Error(t, err)

	entries, _ := os.ReadDir(e.dir)
	assert.Empty(t, entries)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("CSV")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}
