// internal/services/product_service.go
package services

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/javajoker/medequip-scraper/internal/database"
	"github.com/javajoker/medequip-scraper/internal/metrics"
	"github.com/javajoker/medequip-scraper/internal/models"
	"github.com/javajoker/medequip-scraper/internal/utils"
)

// ProductNotifier receives a change event after every committed upsert.
type ProductNotifier interface {
	PublishProductChange(ctx context.Context, event ProductEvent) error
}

// ProductService is the identity store: products keyed by (source,
// source_id) plus their child rows, and the read path used by exports and
// the API.
type ProductService struct {
	db          *gorm.DB
	locks       *keyLock
	maxAttempts int
	retryDelay  time.Duration
	notifier    ProductNotifier
	log         *logrus.Entry
}

type UpsertResult struct {
	ProductID uuid.UUID `json:"product_id"`
	Created   bool      `json:"created"`
}

type ProductFilter struct {
	utils.PaginationParams
	Source    string   `json:"source,omitempty"`
	Category  string   `json:"category,omitempty"`
	Brand     string   `json:"brand,omitempty"`
	Search    string   `json:"search,omitempty"`
	MinRating *float64 `json:"min_rating,omitempty"`
}

type CatalogStats struct {
	Products  int64            `json:"products"`
	BySource  map[string]int64 `json:"by_source"`
	Images    int64            `json:"images"`
	Documents int64            `json:"documents"`
	Pricing   int64            `json:"pricing"`
	Sellers   int64            `json:"sellers"`
}

var productSortFields = []string{"updated_at", "created_at", "name", "source"}

const exportBatchSize = 200

func NewProductService(db *gorm.DB, maxAttempts int, notifier ProductNotifier) *ProductService {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &ProductService{
		db:          db,
		locks:       newKeyLock(),
		maxAttempts: maxAttempts,
		retryDelay:  50 * time.Millisecond,
		notifier:    notifier,
		log:         logrus.WithField("component", "product_service"),
	}
}

// UpsertProduct stores in and its children in one transaction. Children
// are matched by URL (images, documents), currency (pricing) and
// (name, website) (sellers). Matches are updated in place, new rows are
// inserted and rows missing from in are left alone.
func (s *ProductService) UpsertProduct(ctx context.Context, in *models.Product) (*UpsertResult, error) {
	if err := utils.ValidateStruct(in); err != nil {
		metrics.RecordUpsert("invalid")
		return nil, fmt.Errorf("%w: %w", ErrInvalidProduct, err)
	}

	unlock := s.locks.Lock(string(in.Source) + "\x00" + in.SourceID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		res, err := s.upsertOnce(ctx, in)
		if err == nil {
			if res.Created {
				metrics.RecordUpsert("created")
			} else {
				metrics.RecordUpsert("updated")
			}
			s.notify(ctx, in, res)
			return res, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isConflict(err) {
			if attempt >= s.maxAttempts {
				metrics.RecordUpsert("conflict")
				return nil, &StorageConflictError{Source: in.Source, SourceID: in.SourceID, Attempts: attempt, Err: err}
			}
			s.log.WithError(err).WithFields(logrus.Fields{
				"source":    in.Source,
				"source_id": in.SourceID,
				"attempt":   attempt,
			}).Debug("Upsert conflict, retrying")
			if err := sleepCtx(ctx, time.Duration(attempt)*s.retryDelay); err != nil {
				return nil, err
			}
			continue
		}

		metrics.RecordUpsert("error")
		if s.unavailable(ctx, err) {
			return nil, &StorageUnavailableError{Err: err}
		}
		return nil, fmt.Errorf("upsert %s/%s: %w", in.Source, in.SourceID, err)
	}
}

func (s *ProductService) upsertOnce(ctx context.Context, in *models.Product) (*UpsertResult, error) {
	var res UpsertResult

	err := database.WithTransaction(ctx, s.db, func(tx *gorm.DB) error {
		query := tx
		if tx.Dialector.Name() == "postgres" {
			query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var existing models.Product
		err := query.Where("source = ? AND source_id = ?", in.Source, in.SourceID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			product := models.Product{
				Source:         in.Source,
				SourceID:       in.SourceID,
				Name:           in.Name,
				Brand:          in.Brand,
				Category:       in.Category,
				Description:    in.Description,
				Specifications: in.Specifications,
			}
			if err := tx.Omit(clause.Associations).Create(&product).Error; err != nil {
				return err
			}
			res = UpsertResult{ProductID: product.ID, Created: true}

		case err != nil:
			return err

		default:
			updates := map[string]interface{}{
				"name":           in.Name,
				"brand":          in.Brand,
				"category":       in.Category,
				"description":    in.Description,
				"specifications": in.Specifications,
				"updated_at":     time.Now(),
			}
			if err := tx.Model(&existing).Updates(updates).Error; err != nil {
				return err
			}
			res = UpsertResult{ProductID: existing.ID}
		}

		if err := upsertImages(tx, res.ProductID, in.Images); err != nil {
			return fmt.Errorf("images: %w", err)
		}
		if err := upsertDocuments(tx, res.ProductID, in.Documents); err != nil {
			return fmt.Errorf("documents: %w", err)
		}
		if err := upsertPricing(tx, res.ProductID, in.Pricing); err != nil {
			return fmt.Errorf("pricing: %w", err)
		}
		if err := upsertSellers(tx, res.ProductID, in.Sellers); err != nil {
			return fmt.Errorf("sellers: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// upsertImages keeps at most one primary image: an incoming primary
// demotes every other image of the product.
func upsertImages(tx *gorm.DB, productID uuid.UUID, images []models.Image) error {
	if len(images) == 0 {
		return nil
	}

	var existing []models.Image
	if err := tx.Where("product_id = ?", productID).Find(&existing).Error; err != nil {
		return err
	}
	byURL := make(map[string]models.Image, len(existing))
	for _, img := range existing {
		byURL[img.URL] = img
	}

	primary := ""
	for _, img := range images {
		if img.IsPrimary {
			primary = img.URL
			break
		}
	}
	if primary != "" {
		if err := tx.Model(&models.Image{}).
			Where("product_id = ? AND url <> ? AND is_primary = ?", productID, primary, true).
			Update("is_primary", false).Error; err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(images))
	for _, img := range images {
		if seen[img.URL] {
			continue
		}
		seen[img.URL] = true
		isPrimary := img.URL == primary

		if cur, ok := byURL[img.URL]; ok {
			if isPrimary && !cur.IsPrimary {
				if err := tx.Model(&cur).Update("is_primary", true).Error; err != nil {
					return err
				}
			}
			continue
		}
		row := models.Image{ProductID: productID, URL: img.URL, LocalPath: img.LocalPath, IsPrimary: isPrimary}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

func upsertDocuments(tx *gorm.DB, productID uuid.UUID, docs []models.Document) error {
	if len(docs) == 0 {
		return nil
	}

	var existing []models.Document
	if err := tx.Where("product_id = ?", productID).Find(&existing).Error; err != nil {
		return err
	}
	byURL := make(map[string]models.Document, len(existing))
	for _, d := range existing {
		byURL[d.URL] = d
	}

	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		if seen[d.URL] {
			continue
		}
		seen[d.URL] = true

		if cur, ok := byURL[d.URL]; ok {
			if d.DocumentType != nil && (cur.DocumentType == nil || *cur.DocumentType != *d.DocumentType) {
				if err := tx.Model(&cur).Update("document_type", *d.DocumentType).Error; err != nil {
					return err
				}
			}
			continue
		}
		row := models.Document{ProductID: productID, URL: d.URL, LocalPath: d.LocalPath, DocumentType: d.DocumentType}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

// upsertPricing treats each (product, currency) listing as a snapshot: the
// latest scrape overwrites every field.
func upsertPricing(tx *gorm.DB, productID uuid.UUID, listings []models.PriceListing) error {
	for _, p := range dedupePricing(listings) {
		var cur models.PriceListing
		err := tx.Where("product_id = ? AND currency = ?", productID, p.Currency).Take(&cur).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row := models.PriceListing{
				ProductID:        productID,
				Currency:         p.Currency,
				MinPrice:         p.MinPrice,
				MaxPrice:         p.MaxPrice,
				Unit:             p.Unit,
				MinOrderQuantity: p.MinOrderQuantity,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := tx.Model(&cur).Updates(map[string]interface{}{
				"min_price":          p.MinPrice,
				"max_price":          p.MaxPrice,
				"unit":               p.Unit,
				"min_order_quantity": p.MinOrderQuantity,
				"updated_at":         time.Now(),
			}).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

// upsertSellers refreshes rating and location only with values this
// scrape actually observed.
func upsertSellers(tx *gorm.DB, productID uuid.UUID, sellers []models.Seller) error {
	for _, sl := range dedupeSellers(sellers) {
		var cur models.Seller
		err := tx.Where("product_id = ? AND name = ? AND website = ?", productID, sl.Name, sl.Website).Take(&cur).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row := models.Seller{
				ProductID: productID,
				Name:      sl.Name,
				Website:   sl.Website,
				Rating:    sl.Rating,
				Location:  sl.Location,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			updates := map[string]interface{}{"updated_at": time.Now()}
			if sl.Rating.Valid {
				updates["rating"] = sl.Rating
			}
			if sl.Location != nil {
				updates["location"] = *sl.Location
			}
			if err := tx.Model(&cur).Updates(updates).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

// dedupePricing keeps the last listing per currency.
func dedupePricing(in []models.PriceListing) []models.PriceListing {
	idx := make(map[string]int, len(in))
	var out []models.PriceListing
	for _, p := range in {
		if i, ok := idx[p.Currency]; ok {
			out[i] = p
			continue
		}
		idx[p.Currency] = len(out)
		out = append(out, p)
	}
	return out
}

func dedupeSellers(in []models.Seller) []models.Seller {
	idx := make(map[string]int, len(in))
	var out []models.Seller
	for _, sl := range in {
		key := sl.Name + "\x00" + sl.Website
		if i, ok := idx[key]; ok {
			out[i] = sl
			continue
		}
		idx[key] = len(out)
		out = append(out, sl)
	}
	return out
}

func (s *ProductService) notify(ctx context.Context, in *models.Product, res *UpsertResult) {
	if s.notifier == nil {
		return
	}
	eventType := EventProductUpdated
	if res.Created {
		eventType = EventProductCreated
	}
	event := ProductEvent{
		Type:       eventType,
		ProductID:  res.ProductID,
		Source:     in.Source,
		SourceID:   in.SourceID,
		Name:       in.Name,
		OccurredAt: time.Now().UTC(),
	}
	if err := s.notifier.PublishProductChange(ctx, event); err != nil {
		s.log.WithError(err).WithField("product_id", res.ProductID).Warn("Failed to publish product event")
	}
}

// isConflict reports contention worth retrying: unique violations from a
// concurrent insert, serialization failures and deadlocks.
func isConflict(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "database is locked")
}

func (s *ProductService) unavailable(ctx context.Context, err error) bool {
	var (
		connErr *pgconn.ConnectError
		netErr  net.Error
	)
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &connErr) || errors.As(err, &netErr) {
		return true
	}
	return s.Ping(ctx) != nil
}

// Ping checks that the database answers.
func (s *ProductService) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *ProductService) ListProducts(ctx context.Context, f ProductFilter) ([]models.Product, int64, error) {
	f.PaginationParams = utils.NormalizePagination(f.PaginationParams)

	var total int64
	if err := s.filtered(ctx, f).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("database error: %w", err)
	}

	var products []models.Product
	query := utils.ApplySort(s.filtered(ctx, f), f.PaginationParams, productSortFields)
	query = utils.ApplyPagination(query, f.PaginationParams)
	if err := withChildren(query).Find(&products).Error; err != nil {
		return nil, 0, fmt.Errorf("database error: %w", err)
	}
	return products, total, nil
}

func (s *ProductService) filtered(ctx context.Context, f ProductFilter) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.Product{})
	if f.Source != "" {
		query = query.Where("source = ?", strings.ToLower(f.Source))
	}
	if f.Category != "" {
		query = query.Where("LOWER(category) = ?", strings.ToLower(f.Category))
	}
	if f.Brand != "" {
		query = query.Where("LOWER(brand) = ?", strings.ToLower(f.Brand))
	}
	if f.Search != "" {
		pattern := "%" + strings.ToLower(f.Search) + "%"
		query = query.Where("LOWER(name) LIKE ? OR LOWER(description) LIKE ?", pattern, pattern)
	}
	if f.MinRating != nil {
		query = query.Where("id IN (?)",
			s.db.WithContext(ctx).Model(&models.Seller{}).Select("product_id").Where("rating >= ?", *f.MinRating))
	}
	return query
}

func withChildren(query *gorm.DB) *gorm.DB {
	return query.
		Preload("Images", func(db *gorm.DB) *gorm.DB { return db.Order("is_primary DESC, created_at") }).
		Preload("Documents").
		Preload("Pricing").
		Preload("Sellers")
}

func (s *ProductService) GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	var product models.Product
	if err := withChildren(s.db.WithContext(ctx)).First(&product, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &product, nil
}

// ExportProducts streams every product of source (all sources when empty)
// with its children to fn, one batch at a time.
func (s *ProductService) ExportProducts(ctx context.Context, source string, fn func([]models.Product) error) error {
	query := withChildren(s.filtered(ctx, ProductFilter{Source: source}))

	var batch []models.Product
	result := query.FindInBatches(&batch, exportBatchSize, func(tx *gorm.DB, _ int) error {
		return fn(batch)
	})
	if result.Error != nil {
		return fmt.Errorf("export products: %w", result.Error)
	}
	return nil
}

func (s *ProductService) CatalogStats(ctx context.Context) (*CatalogStats, error) {
	db := s.db.WithContext(ctx)
	stats := &CatalogStats{BySource: make(map[string]int64)}

	var rows []struct {
		Source string
		Count  int64
	}
	if err := db.Model(&models.Product{}).Select("source, COUNT(*) AS count").Group("source").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	for _, r := range rows {
		stats.BySource[r.Source] = r.Count
		stats.Products += r.Count
	}

	counts := []struct {
		model interface{}
		dst   *int64
	}{
		{&models.Image{}, &stats.Images},
		{&models.Document{}, &stats.Documents},
		{&models.PriceListing{}, &stats.Pricing},
		{&models.Seller{}, &stats.Sellers},
	}
	for _, c := range counts {
		if err := db.Model(c.model).Count(c.dst).Error; err != nil {
			return nil, fmt.Errorf("database error: %w", err)
		}
	}
	return stats, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
