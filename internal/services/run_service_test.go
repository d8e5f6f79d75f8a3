// internal/services/run_service_test.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/medequip-scraper/internal/config"
	"github.com/javajoker/medequip-scraper/internal/models"
	"github.com/javajoker/medequip-scraper/internal/normalizer"
	"github.com/javajoker/medequip-scraper/internal/rategate"
	"github.com/javajoker/medequip-scraper/internal/scraper"
	"github.com/javajoker/medequip-scraper/internal/utils"
)

func twoPageAlibaba() *fakeAdapter {
	a := newFakeAdapter(models.SourceAlibaba)
	a.page("", "2", "A", "B")
	a.page("2", "", "C")
	a.detail("A", "US $120.00 - 150.00 / piece", "4.8")
	a.detail("B", "US $80.00", "4.5")
	a.detail("C", "US $1,200.00 - 1,100.00", "")
	return a
}

func newRunService(t *testing.T, adapters AdapterFactory, opts RunOptions) (*RunService, *ProductService) {
	t.Helper()
	db := newTestDB(t)
	store := NewProductService(db, 3, nil)
	return NewRunService(db, store, normalizer.New("USD"), adapters, opts), store
}

func alibabaRequest() []RunRequest {
	return []RunRequest{{Source: models.SourceAlibaba, Query: scraper.Query{Category: "Medical Equipment"}}}
}

func TestRunStoresEveryPageAndConvergesOnRerun(t *testing.T) {
	adapter := twoPageAlibaba()
	svc, store := newRunService(t, staticAdapters(adapter), RunOptions{Concurrency: 2})
	ctx := context.Background()

	summary, err := svc.Run(ctx, alibabaRequest())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, summary.Status)
	require.Len(t, summary.Sources, 1)

	src := summary.Sources[0]
	assert.Equal(t, 3, src.Seen)
	assert.Equal(t, 3, src.Stored)
	assert.Equal(t, 3, src.Created)
	assert.Equal(t, 2, src.Pages)
	assert.Equal(t, scraper.StopNoToken, src.StopReason)
	// C carries a reversed price range
	assert.Equal(t, 1, src.Anomalies)

	products, total, err := store.ListProducts(ctx, ProductFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)

	var bID, listingID uuid.UUID
	for _, p := range products {
		if p.SourceID == "B" {
			bID = p.ID
			require.Len(t, p.Pricing, 1)
			listingID = p.Pricing[0].ID
			assert.Equal(t, "80", p.Pricing[0].MinPrice.Decimal.String())
		}
	}
	require.NotZero(t, bID)

	adapter.detail("B", "US $75.50", "4.5")
	summary, err = svc.Run(ctx, alibabaRequest())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, summary.Status)
	assert.Equal(t, 3, summary.Sources[0].Stored)
	assert.Equal(t, 0, summary.Sources[0].Created)

	_, total, err = store.ListProducts(ctx, ProductFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)

	b, err := store.GetProduct(ctx, bID)
	require.NoError(t, err)
	require.Len(t, b.Pricing, 1)
	assert.Equal(t, listingID, b.Pricing[0].ID)
	assert.Equal(t, "75.5", b.Pricing[0].MinPrice.Decimal.String())
}

func TestRunRecordsSummary(t *testing.T) {
	svc, _ := newRunService(t, staticAdapters(twoPageAlibaba()), RunOptions{})
	ctx := context.Background()

	summary, err := svc.Run(ctx, alibabaRequest())
	require.NoError(t, err)

	run, err := svc.GetRun(ctx, summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	require.NotNil(t, run.FinishedAt)

	var stored RunSummary
	require.NoError(t, json.Unmarshal(run.Summary, &stored))
	require.Len(t, stored.Sources, 1)
	assert.Equal(t, 3, stored.Sources[0].Stored)

	runs, total, err := svc.ListRuns(ctx, utils.PaginationParams{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, runs, 1)

	_, err = svc.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRunSkipsFailedItemsAndContinues(t *testing.T) {
	adapter := twoPageAlibaba()
	adapter.failing["A"] = &scraper.TransientFetchError{URL: "a", Attempts: 3, Err: errors.New("server returned 503")}
	adapter.failing["C"] = &rategate.CircuitOpenError{Domain: "www.alibaba.com"}

	svc, _ := newRunService(t, staticAdapters(adapter), RunOptions{})
	summary, err := svc.Run(context.Background(), alibabaRequest())
	require.NoError(t, err)

	src := summary.Sources[0]
	assert.Equal(t, 3, src.Seen)
	assert.Equal(t, 2, src.Skipped)
	assert.Equal(t, 1, src.Stored)
	assert.Equal(t, models.RunStatusCompleted, summary.Status)
}

func TestRunFiltersByMinRating(t *testing.T) {
	svc, store := newRunService(t, staticAdapters(twoPageAlibaba()), RunOptions{})
	reqs := alibabaRequest()
	reqs[0].Query.MinRating = 4.6

	summary, err := svc.Run(context.Background(), reqs)
	require.NoError(t, err)

	src := summary.Sources[0]
	// B is rated 4.5, C has no rating and is kept
	assert.Equal(t, 1, src.Skipped)
	assert.Equal(t, 2, src.Stored)

	products, _, err := store.ListProducts(context.Background(), ProductFilter{})
	require.NoError(t, err)
	var ids []string
	for _, p := range products {
		ids = append(ids, p.SourceID)
	}
	assert.ElementsMatch(t, []string{"A", "C"}, ids)
}

func TestRunIsolatesSourceFailures(t *testing.T) {
	medline := newFakeAdapter(models.SourceMedline)
	medline.page("", "2", "M1")
	medline.detail("M1", "$12.00", "")
	// page 2 is missing so the listing fails

	svc, _ := newRunService(t, staticAdapters(twoPageAlibaba(), medline), RunOptions{})
	summary, err := svc.Run(context.Background(), []RunRequest{
		{Source: models.SourceAlibaba},
		{Source: models.SourceMedline},
		{Source: models.SourceMedicalExpo},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPartial, summary.Status)

	require.Len(t, summary.Failures, 1)
	assert.Equal(t, models.SourceMedicalExpo, summary.Failures[0].Source)
	assert.Equal(t, "adapter", summary.Failures[0].Reason)

	assert.Equal(t, 3, summary.Sources[0].Stored)
	assert.Equal(t, 1, summary.Sources[1].Stored)
	assert.Equal(t, 1, summary.Sources[1].PagesSkipped)
	assert.Equal(t, scraper.StopPageError, summary.Sources[1].StopReason)
}

func TestRunStopsSourceWhenStorageIsUnavailable(t *testing.T) {
	calls := 0
	store := storeFunc(func(ctx context.Context, p *models.Product) (*UpsertResult, error) {
		calls++
		return nil, &StorageUnavailableError{Err: errors.New("connection refused")}
	})
	svc := NewRunService(nil, store, normalizer.New("USD"), staticAdapters(twoPageAlibaba()), RunOptions{Concurrency: 1})

	summary, err := svc.Run(context.Background(), alibabaRequest())
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusFailed, summary.Status)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "storage_unavailable", summary.Failures[0].Reason)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, summary.Sources[0].Failed)
}

func TestRunCountsStorageConflictsAsFailedItems(t *testing.T) {
	store := storeFunc(func(ctx context.Context, p *models.Product) (*UpsertResult, error) {
		if p.SourceID == "B" {
			return nil, &StorageConflictError{Source: p.Source, SourceID: p.SourceID, Attempts: 3}
		}
		return &UpsertResult{Created: true}, nil
	})
	svc := NewRunService(nil, store, normalizer.New("USD"), staticAdapters(twoPageAlibaba()), RunOptions{})

	summary, err := svc.Run(context.Background(), alibabaRequest())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPartial, summary.Status)
	assert.Equal(t, 1, summary.Sources[0].Failed)
	assert.Equal(t, 2, summary.Sources[0].Stored)
	assert.Empty(t, summary.Failures)
}

func TestRunHonoursMaxItems(t *testing.T) {
	svc, _ := newRunService(t, staticAdapters(twoPageAlibaba()), RunOptions{Defaults: config.RunConfig{MaxItems: 2}})

	summary, err := svc.Run(context.Background(), alibabaRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Sources[0].Stored)
	assert.Equal(t, scraper.StopMaxItems, summary.Sources[0].StopReason)
	assert.Equal(t, 1, summary.Sources[0].Pages)
}

func TestRunRejectsBadRequests(t *testing.T) {
	svc, _ := newRunService(t, staticAdapters(), RunOptions{})

	_, err := svc.Run(context.Background(), nil)
	assert.Error(t, err)

	_, err = svc.Run(context.Background(), []RunRequest{{Source: "ebay"}})
	assert.Error(t, err)

	_, err = svc.Run(context.Background(), []RunRequest{{Source: models.SourceMedline}, {Source: models.SourceMedline}})
	assert.Error(t, err)
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string) (func(), error) { return nil, ErrLockHeld }

func TestRunSkipsLockedSource(t *testing.T) {
	svc, _ := newRunService(t, staticAdapters(twoPageAlibaba()), RunOptions{Locker: heldLocker{}})

	summary, err := svc.Run(context.Background(), alibabaRequest())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, summary.Status)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "locked", summary.Failures[0].Reason)
	assert.Zero(t, summary.Sources[0].Seen)
}

func TestRunProceedsWhenRedisIsUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })

	locker := NewRedisLocker(client, time.Minute)
	_, err := locker.Acquire(context.Background(), "scrape:lock:alibaba")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLockHeld)

	svc, _ := newRunService(t, staticAdapters(twoPageAlibaba()), RunOptions{Locker: locker})
	summary, err := svc.Run(context.Background(), alibabaRequest())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, summary.Status)
	assert.Equal(t, 3, summary.Sources[0].Stored)
}

func TestStartRunsInBackground(t *testing.T) {
	svc, _ := newRunService(t, staticAdapters(twoPageAlibaba()), RunOptions{})
	ctx := context.Background()

	id, err := svc.Start(ctx, alibabaRequest(), "api")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, err := svc.GetRun(ctx, id)
		return err == nil && run.Status != models.RunStatusRunning
	}, 5*time.Second, 20*time.Millisecond)

	run, err := svc.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, "api", run.Trigger)

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.NoError(t, svc.Shutdown(shutdownCtx))
	assert.False(t, svc.Cancel(id))
}
