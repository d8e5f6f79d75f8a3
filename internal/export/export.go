// internal/export/export.go
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/javajoker/medequip-scraper/internal/models"
	"github.com/javajoker/medequip-scraper/internal/utils"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatCSV:
		return f, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

// ProductSource streams stored products in batches.
type ProductSource interface {
	ExportProducts(ctx context.Context, source string, fn func([]models.Product) error) error
}

type Result struct {
	Path     string `json:"path"`
	Products int    `json:"products"`
	SHA256   string `json:"sha256"`
}

type Exporter struct {
	products ProductSource
	dir      string
	now      func() time.Time
	log      *logrus.Entry
}

func NewExporter(products ProductSource, dir string) *Exporter {
	return &Exporter{
		products: products,
		dir:      dir,
		now:      time.Now,
		log:      logrus.WithField("component", "exporter"),
	}
}

// Export writes every product of source ("" or "all" for every source) to
// products_{source}_{timestamp}.{format} in the export directory.
func (e *Exporter) Export(ctx context.Context, format Format, source string) (*Result, error) {
	if strings.EqualFold(source, "all") {
		source = ""
	}

	var (
		buf   bytes.Buffer
		count int
		err   error
	)
	switch format {
	case FormatJSON:
		count, err = e.writeJSON(ctx, &buf, source)
	case FormatCSV:
		count, err = e.writeCSV(ctx, &buf, source)
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	label := source
	if label == "" {
		label = "all"
	}
	name := fmt.Sprintf("products_%s_%s.%s", label, e.now().Format("20060102_150405"), format)
	path := filepath.Join(e.dir, name)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write export: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("write export: %w", err)
	}

	res := &Result{Path: path, Products: count, SHA256: utils.HashBytes(buf.Bytes())}
	e.log.WithFields(logrus.Fields{
		"path":     res.Path,
		"products": res.Products,
		"sha256":   res.SHA256,
	}).Info("Export written")
	return res, nil
}

type jsonProduct struct {
	models.Product
	Images    []string `json:"images"`
	Documents []string `json:"documents"`
}

func (e *Exporter) writeJSON(ctx context.Context, buf *bytes.Buffer, source string) (int, error) {
	count := 0
	buf.WriteString("[")
	err := e.products.ExportProducts(ctx, source, func(batch []models.Product) error {
		for _, p := range batch {
			out := jsonProduct{Product: p, Images: imageURLs(p), Documents: documentURLs(p)}
			data, err := json.MarshalIndent(out, "  ", "  ")
			if err != nil {
				return fmt.Errorf("encode %s/%s: %w", p.Source, p.SourceID, err)
			}
			if count > 0 {
				buf.WriteString(",")
			}
			buf.WriteString("\n  ")
			buf.Write(data)
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		buf.WriteString("\n")
	}
	buf.WriteString("]\n")
	return count, nil
}

var csvHeader = []string{
	"id", "source", "source_id", "name", "brand", "category", "description", "specifications",
	"images", "documents",
	"currency", "min_price", "max_price", "unit", "min_order_quantity",
	"seller_name", "seller_rating", "seller_location", "seller_website",
	"created_at", "updated_at",
}

// writeCSV flattens each product to one row. Only the first price listing
// and first seller fit in a row.
func (e *Exporter) writeCSV(ctx context.Context, buf *bytes.Buffer, source string) (int, error) {
	w := csv.NewWriter(buf)
	if err := w.Write(csvHeader); err != nil {
		return 0, err
	}

	count := 0
	err := e.products.ExportProducts(ctx, source, func(batch []models.Product) error {
		for _, p := range batch {
			row, err := csvRow(p)
			if err != nil {
				return err
			}
			if err := w.Write(row); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	w.Flush()
	return count, w.Error()
}

func csvRow(p models.Product) ([]string, error) {
	specs, err := p.Specifications.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode specifications of %s/%s: %w", p.Source, p.SourceID, err)
	}

	row := []string{
		p.ID.String(), string(p.Source), p.SourceID, p.Name,
		deref(p.Brand), deref(p.Category), deref(p.Description), string(specs),
		strings.Join(imageURLs(p), "|"), strings.Join(documentURLs(p), "|"),
	}

	if len(p.Pricing) > 0 {
		pr := p.Pricing[0]
		moq := ""
		if pr.MinOrderQuantity != nil {
			moq = fmt.Sprint(*pr.MinOrderQuantity)
		}
		row = append(row, pr.Currency, nullDecimal(pr.MinPrice.Valid, pr.MinPrice.Decimal.StringFixed(2)),
			nullDecimal(pr.MaxPrice.Valid, pr.MaxPrice.Decimal.StringFixed(2)), deref(pr.Unit), moq)
	} else {
		row = append(row, "", "", "", "", "")
	}

	if len(p.Sellers) > 0 {
		s := p.Sellers[0]
		row = append(row, s.Name, nullDecimal(s.Rating.Valid, s.Rating.Decimal.String()), deref(s.Location), s.Website)
	} else {
		row = append(row, "", "", "", "")
	}

	return append(row, p.CreatedAt.UTC().Format(time.RFC3339), p.UpdatedAt.UTC().Format(time.RFC3339)), nil
}

func imageURLs(p models.Product) []string {
	urls := make([]string, 0, len(p.Images))
	for _, img := range p.Images {
		urls = append(urls, img.URL)
	}
	return urls
}

func documentURLs(p models.Product) []string {
	urls := make([]string, 0, len(p.Documents))
	for _, d := range p.Documents {
		urls = append(urls, d.URL)
	}
	return urls
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullDecimal(valid bool, s string) string {
	if !valid {
		return ""
	}
	return s
}
