// internal/services/product_service_test.go
package services

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/javajoker/medequip-scraper/internal/config"
	"github.com/javajoker/medequip-scraper/internal/models"
	"github.com/javajoker/medequip-scraper/internal/utils"
)

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

func TestUpsertProductIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	svc := NewProductService(db, 3, nil)
	ctx := context.Background()

	first, err := svc.UpsertProduct(ctx, sampleProduct("A1"))
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := svc.UpsertProduct(ctx, sampleProduct("A1"))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ProductID, second.ProductID)

	assert.EqualValues(t, 1, countRows(t, db, &models.Product{}))
	assert.EqualValues(t, 2, countRows(t, db, &models.Image{}))
	assert.EqualValues(t, 1, countRows(t, db, &models.Document{}))
	assert.EqualValues(t, 1, countRows(t, db, &models.PriceListing{}))
	assert.EqualValues(t, 1, countRows(t, db, &models.Seller{}))

	got, err := svc.GetProduct(ctx, first.ProductID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Weight", "Display"}, got.Specifications.Keys())
}

func TestUpsertProductUpdatesChildrenInPlace(t *testing.T) {
	db := newTestDB(t)
	svc := NewProductService(db, 3, nil)
	ctx := context.Background()

	res, err := svc.UpsertProduct(ctx, sampleProduct("A1"))
	require.NoError(t, err)

	var before models.PriceListing
	require.NoError(t, db.Where("product_id = ?", res.ProductID).Take(&before).Error)

	changed := sampleProduct("A1")
	changed.Name = "Portable Ultrasound A1 (2024)"
	changed.Pricing[0].MinPrice = price("999.00")
	changed.Pricing[0].MaxPrice = price("999.00")
	changed.Sellers[0].Rating = price("4.8")
	changed.Sellers[0].Location = nil
	_, err = svc.UpsertProduct(ctx, changed)
	require.NoError(t, err)

	var after models.PriceListing
	require.NoError(t, db.Where("product_id = ?", res.ProductID).Take(&after).Error)
	assert.Equal(t, before.ID, after.ID)
	assert.True(t, after.MinPrice.Decimal.Equal(price("999.00").Decimal))

	var seller models.Seller
	require.NoError(t, db.Where("product_id = ?", res.ProductID).Take(&seller).Error)
	assert.Equal(t, "4.8", seller.Rating.Decimal.String())
	require.NotNil(t, seller.Location)
	assert.Equal(t, "CN", *seller.Location)

	got, err := svc.GetProduct(ctx, res.ProductID)
	require.NoError(t, err)
	assert.Equal(t, "Portable Ultrasound A1 (2024)", got.Name)
}

func TestUpsertProductDedupesChildren(t *testing.T) {
	db := newTestDB(t)
	svc := NewProductService(db, 3, nil)

	p := sampleProduct("A1")
	p.Images = append(p.Images, p.Images[1])
	p.Pricing = append(p.Pricing, models.PriceListing{Currency: "USD", MinPrice: price("1100.00"), MaxPrice: price("1100.00")})
	p.Sellers = append(p.Sellers, p.Sellers[0])

	res, err := svc.UpsertProduct(context.Background(), p)
	require.NoError(t, err)

	assert.EqualValues(t, 2, countRows(t, db, &models.Image{}))
	assert.EqualValues(t, 1, countRows(t, db, &models.Seller{}))

	var listing models.PriceListing
	require.NoError(t, db.Where("product_id = ?", res.ProductID).Take(&listing).Error)
	assert.Equal(t, "1100", listing.MinPrice.Decimal.String())
}

func TestUpsertProductKeepsSinglePrimaryImage(t *testing.T) {
	db := newTestDB(t)
	svc := NewProductService(db, 3, nil)
	ctx := context.Background()

	res, err := svc.UpsertProduct(ctx, sampleProduct("A1"))
	require.NoError(t, err)

	p := sampleProduct("A1")
	p.Images = []models.Image{{URL: "https://img.example.com/A1/3.jpg", IsPrimary: true}}
	_, err = svc.UpsertProduct(ctx, p)
	require.NoError(t, err)

	var primaries []models.Image
	require.NoError(t, db.Where("product_id = ? AND is_primary = ?", res.ProductID, true).Find(&primaries).Error)
	require.Len(t, primaries, 1)
	assert.Equal(t, "https://img.example.com/A1/3.jpg", primaries[0].URL)
	assert.EqualValues(t, 3, countRows(t, db, &models.Image{}))
}

func TestUpsertProductRejectsInvalidProduct(t *testing.T) {
	db := newTestDB(t)
	svc := NewProductService(db, 3, nil)

	p := sampleProduct("A1")
	p.Name = ""
	_, err := svc.UpsertProduct(context.Background(), p)
	assert.ErrorIs(t, err, ErrInvalidProduct)

	p = sampleProduct("A2")
	p.Pricing[0].MinPrice = price("10")
	p.Pricing[0].MaxPrice = price("5")
	_, err = svc.UpsertProduct(context.Background(), p)
	assert.ErrorIs(t, err, ErrInvalidProduct)

	assert.EqualValues(t, 0, countRows(t, db, &models.Product{}))
}

func TestConcurrentUpsertsOfSameProduct(t *testing.T) {
	db := newTestDB(t)
	svc := NewProductService(db, 3, nil)

	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.UpsertProduct(context.Background(), sampleProduct("SAME"))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if res.Created {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, created)
	assert.EqualValues(t, 1, countRows(t, db, &models.Product{}))
	assert.EqualValues(t, 1, countRows(t, db, &models.PriceListing{}))
	assert.Zero(t, svc.locks.size())
}

func TestListProductsFilters(t *testing.T) {
	db := newTestDB(t)
	svc := NewProductService(db, 3, nil)
	ctx := context.Background()

	for _, id := range []string{"A1", "A2", "A3"} {
		_, err := svc.UpsertProduct(ctx, sampleProduct(id))
		require.NoError(t, err)
	}
	low := sampleProduct("LOW")
	low.Source = models.SourceMedline
	low.Sellers[0].Rating = price("2.0")
	_, err := svc.UpsertProduct(ctx, low)
	require.NoError(t, err)

	products, total, err := svc.ListProducts(ctx, ProductFilter{Source: "alibaba"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, products, 3)
	assert.NotEmpty(t, products[0].Images)

	minRating := 4.0
	_, total, err = svc.ListProducts(ctx, ProductFilter{MinRating: &minRating})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, _, err = svc.ListProducts(cancelled, ProductFilter{MinRating: &minRating})
	assert.Error(t, err)

	products, total, err = svc.ListProducts(ctx, ProductFilter{
		PaginationParams: utils.PaginationParams{Page: 2, Limit: 2, Sort: "name", Order: "asc"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 4, total)
	require.Len(t, products, 2)
	assert.Equal(t, "Portable Ultrasound A3", products[0].Name)

	stats, err := svc.CatalogStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.Products)
	assert.EqualValues(t, 3, stats.BySource["alibaba"])
	assert.EqualValues(t, 8, stats.Images)
}

func TestExportProductsStreamsBatches(t *testing.T) {
	db := newTestDB(t)
	svc := NewProductService(db, 3, nil)
	ctx := context.Background()

	for _, id := range []string{"A1", "A2"} {
		_, err := svc.UpsertProduct(ctx, sampleProduct(id))
		require.NoError(t, err)
	}

	var seen []string
	err := svc.ExportProducts(ctx, "", func(batch []models.Product) error {
		for _, p := range batch {
			seen = append(seen, p.SourceID)
			assert.Len(t, p.Pricing, 1)
		}
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A1", "A2"}, seen)
}

func TestGetProductNotFound(t *testing.T) {
	svc := NewProductService(newTestDB(t), 3, nil)
	_, err := svc.GetProduct(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func newMockPostgres(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:               logger.Default.LogMode(logger.Silent),
		TranslateError:       true,
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)
	return db, mock
}

func TestUpsertProductReportsUnavailableStorage(t *testing.T) {
	db, mock := newMockPostgres(t)
	svc := NewProductService(db, 3, nil)

	mock.ExpectBegin().WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectPing().WillReturnError(sql.ErrConnDone)

	_, err := svc.UpsertProduct(context.Background(), sampleProduct("A1"))

	var unavailable *StorageUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProductGivesUpAfterRepeatedDeadlocks(t *testing.T) {
	db, mock := newMockPostgres(t)
	svc := NewProductService(db, 3, nil)
	svc.retryDelay = time.Millisecond

	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT \* FROM "products"`).
			WillReturnError(&pgconn.PgError{Code: "40P01", Message: "deadlock detected"})
		mock.ExpectRollback()
	}

	_, err := svc.UpsertProduct(context.Background(), sampleProduct("A1"))

	var conflict *StorageConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 3, conflict.Attempts)
	assert.Equal(t, "A1", conflict.SourceID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProductPublishesChangeEvents(t *testing.T) {
	db := newTestDB(t)
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	notifier := NewNotificationServiceWithProducer(producer, "catalog.products")
	svc := NewProductService(db, 3, notifier)

	var types []string
	var mu sync.Mutex
	record := func(val []byte) error {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, string(val))
		return nil
	}
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(record)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(record)

	_, err := svc.UpsertProduct(context.Background(), sampleProduct("A1"))
	require.NoError(t, err)
	_, err = svc.UpsertProduct(context.Background(), sampleProduct("A1"))
	require.NoError(t, err)
	require.NoError(t, notifier.Close())

	require.Len(t, types, 2)
	assert.Contains(t, types[0], `"type":"product.created"`)
	assert.Contains(t, types[1], `"type":"product.updated"`)
	assert.Contains(t, types[1], `"source_id":"A1"`)
}

func TestNotificationServiceWithoutBrokersIsNoop(t *testing.T) {
	svc, err := NewNotificationService(config.KafkaConfig{ProductTopic: "catalog.products"})
	require.NoError(t, err)
	assert.False(t, svc.Enabled())
	assert.NoError(t, svc.PublishProductChange(context.Background(), ProductEvent{Type: EventProductCreated}))
	assert.NoError(t, svc.Close())
}
