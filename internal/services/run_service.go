// internal/services/run_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/javajoker/medequip-scraper/internal/config"
	"github.com/javajoker/medequip-scraper/internal/metrics"
	"github.com/javajoker/medequip-scraper/internal/models"
	"github.com/javajoker/medequip-scraper/internal/normalizer"
	"github.com/javajoker/medequip-scraper/internal/rategate"
	"github.com/javajoker/medequip-scraper/internal/scraper"
	"github.com/javajoker/medequip-scraper/internal/utils"
)

// RunRequest asks for one source to be scraped with a query and limits.
type RunRequest struct {
	Source models.Source  `json:"source" validate:"required,oneof=medicalexpo medline alibaba"`
	Query  scraper.Query  `json:"query"`
	Limits scraper.Limits `json:"limits"`
}

type SourceSummary struct {
	Source       models.Source      `json:"source"`
	Seen         int                `json:"seen"`
	Normalized   int                `json:"normalized"`
	Stored       int                `json:"stored"`
	Created      int                `json:"created"`
	Skipped      int                `json:"skipped"`
	Failed       int                `json:"failed"`
	Anomalies    int                `json:"anomalies"`
	Pages        int                `json:"pages"`
	PagesSkipped int                `json:"pages_skipped"`
	StopReason   scraper.StopReason `json:"stop_reason,omitempty"`
	Duration     string             `json:"duration"`
}

type RunSummary struct {
	RunID      uuid.UUID        `json:"run_id"`
	Status     models.RunStatus `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Sources    []SourceSummary  `json:"sources"`
	Failures   []RunFailure     `json:"failures,omitempty"`
}

// AdapterFactory builds the adapter for a source.
type AdapterFactory func(source models.Source) (scraper.Adapter, error)

// ProductStore is the write side of ProductService.
type ProductStore interface {
	UpsertProduct(ctx context.Context, p *models.Product) (*UpsertResult, error)
}

type RunOptions struct {
	Defaults    config.RunConfig
	Concurrency int
	Locker      Locker
}

// RunService orchestrates scrapes: every source runs in its own goroutine
// through Driver, Normalizer and the product store. A source failure
// never stops the others.
type RunService struct {
	db         *gorm.DB
	store      ProductStore
	normalizer *normalizer.Normalizer
	adapters   AdapterFactory
	opts       RunOptions
	log        *logrus.Entry

	mtx    sync.Mutex
	active map[uuid.UUID]context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunService(db *gorm.DB, store ProductStore, n *normalizer.Normalizer, adapters AdapterFactory, opts RunOptions) *RunService {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &RunService{
		db:         db,
		store:      store,
		normalizer: n,
		adapters:   adapters,
		opts:       opts,
		log:        logrus.WithField("component", "run_service"),
		active:     make(map[uuid.UUID]context.CancelFunc),
	}
}

// Run scrapes every request and blocks until all sources finish or ctx
// ends.
func (s *RunService) Run(ctx context.Context, reqs []RunRequest) (*RunSummary, error) {
	if err := validateRequests(reqs); err != nil {
		return nil, err
	}
	run := s.begin(ctx, "cli")
	return s.execute(ctx, run, reqs), nil
}

// Start launches a run in the background and returns its id at once.
func (s *RunService) Start(ctx context.Context, reqs []RunRequest, trigger string) (uuid.UUID, error) {
	if err := validateRequests(reqs); err != nil {
		return uuid.Nil, err
	}
	run := s.begin(ctx, trigger)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mtx.Lock()
	s.active[run.ID] = cancel
	s.mtx.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mtx.Lock()
			delete(s.active, run.ID)
			s.mtx.Unlock()
			cancel()
		}()
		s.execute(runCtx, run, reqs)
	}()
	return run.ID, nil
}

// Cancel stops a background run. It reports false for unknown or finished runs.
func (s *RunService) Cancel(id uuid.UUID) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cancel, ok := s.active[id]
	if ok {
		cancel()
	}
	return ok
}

// Shutdown cancels background runs and waits for them to record their
// summaries, or for ctx to end.
func (s *RunService) Shutdown(ctx context.Context) error {
	s.mtx.Lock()
	for _, cancel := range s.active {
		cancel()
	}
	s.mtx.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func validateRequests(reqs []RunRequest) error {
	if len(reqs) == 0 {
		return errors.New("no sources requested")
	}
	seen := make(map[models.Source]bool, len(reqs))
	for _, r := range reqs {
		if err := utils.ValidateStruct(&r); err != nil {
			return fmt.Errorf("invalid run request: %w", err)
		}
		if seen[r.Source] {
			return fmt.Errorf("source %s requested twice", r.Source)
		}
		seen[r.Source] = true
	}
	return nil
}

func (s *RunService) begin(ctx context.Context, trigger string) *models.ScrapeRun {
	run := &models.ScrapeRun{
		BaseModel: models.BaseModel{ID: uuid.New()},
		Status:    models.RunStatusRunning,
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
		Summary:   datatypes.JSON("{}"),
	}
	if s.db != nil {
		if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
			s.log.WithError(err).WithField("run_id", run.ID).Warn("Failed to record run start")
		}
	}
	return run
}

func (s *RunService) execute(ctx context.Context, run *models.ScrapeRun, reqs []RunRequest) *RunSummary {
	if d := s.opts.Defaults.Deadline; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	log := s.log.WithField("run_id", run.ID)
	log.WithField("sources", len(reqs)).Info("Run started")

	summaries := make([]SourceSummary, len(reqs))
	failures := make([]*RunFailure, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			summaries[i], failures[i] = s.runSource(ctx, log, req)
		}()
	}
	wg.Wait()

	summary := &RunSummary{
		RunID:      run.ID,
		StartedAt:  run.StartedAt,
		FinishedAt: time.Now().UTC(),
		Sources:    summaries,
	}
	for _, f := range failures {
		if f != nil {
			summary.Failures = append(summary.Failures, *f)
		}
	}
	summary.Status = runStatus(summary)

	s.finish(context.WithoutCancel(ctx), run, summary)

	log.WithFields(logrus.Fields{
		"status":   summary.Status,
		"failures": len(summary.Failures),
		"duration": summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond),
	}).Info("Run finished")
	return summary
}

func runStatus(summary *RunSummary) models.RunStatus {
	switch {
	case len(summary.Failures) == len(summary.Sources):
		return models.RunStatusFailed
	case len(summary.Failures) > 0:
		return models.RunStatusPartial
	}
	for _, src := range summary.Sources {
		if src.Failed > 0 || src.PagesSkipped > 0 {
			return models.RunStatusPartial
		}
	}
	return models.RunStatusCompleted
}

func (s *RunService) finish(ctx context.Context, run *models.ScrapeRun, summary *RunSummary) {
	if s.db == nil {
		return
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		s.log.WithError(err).Warn("Failed to encode run summary")
		payload = []byte("{}")
	}
	finished := summary.FinishedAt
	err = s.db.WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"status":      summary.Status,
		"finished_at": &finished,
		"summary":     datatypes.JSON(payload),
	}).Error
	if err != nil {
		s.log.WithError(err).WithField("run_id", run.ID).Warn("Failed to record run result")
	}
}

// sourceRun holds the counters of one source while its items are processed
// concurrently.
type sourceRun struct {
	mtx     sync.Mutex
	summary SourceSummary

	storageErr error
	cancel     context.CancelFunc
}

func (r *sourceRun) count(fn func(*SourceSummary)) {
	r.mtx.Lock()
	fn(&r.summary)
	r.mtx.Unlock()
}

func (s *RunService) runSource(ctx context.Context, runLog *logrus.Entry, req RunRequest) (SourceSummary, *RunFailure) {
	start := time.Now()
	log := runLog.WithField("source", req.Source)
	state := &sourceRun{summary: SourceSummary{Source: req.Source}}
	finish := func() SourceSummary {
		state.mtx.Lock()
		defer state.mtx.Unlock()
		state.summary.Duration = time.Since(start).Round(time.Millisecond).String()
		return state.summary
	}

	if s.opts.Locker != nil {
		release, err := s.opts.Locker.Acquire(ctx, "scrape:lock:"+string(req.Source))
		switch {
		case errors.Is(err, ErrLockHeld):
			log.Warn("Source is being scraped by another process")
			return finish(), &RunFailure{Source: req.Source, Reason: "locked", Err: err}
		case err != nil:
			log.WithError(err).Warn("Run lock unavailable, continuing without it")
		default:
			defer release()
		}
	}

	adapter, err := s.adapters(req.Source)
	if err != nil {
		return finish(), &RunFailure{Source: req.Source, Reason: "adapter", Err: err}
	}

	srcCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	state.cancel = cancel

	driver := scraper.NewDriver(adapter, s.limits(req.Limits))
	stats := driver.Run(srcCtx, req.Query, func(ctx context.Context, res scraper.ItemResult) {
		s.handleItem(ctx, log, req, state, res)
	})

	state.count(func(sum *SourceSummary) {
		sum.Pages = stats.Pages
		sum.PagesSkipped = stats.PagesSkipped
		sum.StopReason = stats.StopReason
	})
	summary := finish()

	log.WithFields(logrus.Fields{
		"seen":        summary.Seen,
		"stored":      summary.Stored,
		"skipped":     summary.Skipped,
		"failed":      summary.Failed,
		"pages":       summary.Pages,
		"stop_reason": summary.StopReason,
	}).Info("Source finished")

	state.mtx.Lock()
	storageErr := state.storageErr
	state.mtx.Unlock()
	if storageErr != nil {
		return summary, &RunFailure{Source: req.Source, Reason: "storage_unavailable", Err: storageErr}
	}
	if ctx.Err() != nil {
		return summary, &RunFailure{Source: req.Source, Reason: "cancelled", Err: ctx.Err()}
	}
	return summary, nil
}

func (s *RunService) limits(l scraper.Limits) scraper.Limits {
	if l.MaxPages == 0 {
		l.MaxPages = s.opts.Defaults.MaxPages
	}
	if l.MaxItems == 0 {
		l.MaxItems = s.opts.Defaults.MaxItems
	}
	if l.Concurrency == 0 {
		l.Concurrency = s.opts.Concurrency
	}
	return l
}

func (s *RunService) handleItem(ctx context.Context, log *logrus.Entry, req RunRequest, state *sourceRun, res scraper.ItemResult) {
	source := string(req.Source)
	state.count(func(sum *SourceSummary) { sum.Seen++ })
	itemLog := log.WithField("url", res.Ref.URL)

	if res.Err != nil {
		state.count(func(sum *SourceSummary) { sum.Skipped++ })
		metrics.RecordItem(source, "skipped")

		var circuit *rategate.CircuitOpenError
		switch {
		case errors.Is(res.Err, context.Canceled), errors.Is(res.Err, context.DeadlineExceeded):
		case errors.As(res.Err, &circuit):
			itemLog.WithError(res.Err).Debug("Item skipped, circuit open")
		default:
			itemLog.WithError(res.Err).Warn("Item skipped")
		}
		return
	}

	product, anomalies := s.normalizer.Normalize(res.Record)
	if len(anomalies) > 0 {
		state.count(func(sum *SourceSummary) { sum.Anomalies += len(anomalies) })
		for _, a := range anomalies {
			itemLog.WithFields(logrus.Fields{"field": a.Field, "value": a.Value}).Debug(a.Reason)
		}
	}

	if !meetsMinRating(product, req.Query.MinRating) {
		state.count(func(sum *SourceSummary) { sum.Skipped++ })
		metrics.RecordItem(source, "filtered")
		return
	}
	state.count(func(sum *SourceSummary) { sum.Normalized++ })

	result, err := s.store.UpsertProduct(ctx, product)
	var unavailable *StorageUnavailableError
	switch {
	case err == nil:
		state.count(func(sum *SourceSummary) {
			sum.Stored++
			if result.Created {
				sum.Created++
			}
		})
		metrics.RecordItem(source, "stored")

	case errors.Is(err, ErrInvalidProduct):
		state.count(func(sum *SourceSummary) { sum.Skipped++ })
		metrics.RecordItem(source, "invalid")
		itemLog.WithError(err).Warn("Item skipped, invalid product")

	case errors.As(err, &unavailable):
		state.count(func(sum *SourceSummary) { sum.Failed++ })
		metrics.RecordItem(source, "failed")
		state.mtx.Lock()
		if state.storageErr == nil {
			state.storageErr = err
			itemLog.WithError(err).Error("Storage unavailable, stopping source")
			state.cancel()
		}
		state.mtx.Unlock()

	default:
		state.count(func(sum *SourceSummary) { sum.Failed++ })
		metrics.RecordItem(source, "failed")
		if ctx.Err() == nil {
			itemLog.WithError(err).Error("Failed to store product")
		}
	}
}

// meetsMinRating drops products whose sellers are all rated below
// minRating. Products without any seller rating are kept.
func meetsMinRating(p *models.Product, minRating float64) bool {
	if minRating <= 0 {
		return true
	}
	threshold := decimal.NewFromFloat(minRating)
	rated := false
	for _, sl := range p.Sellers {
		if !sl.Rating.Valid {
			continue
		}
		rated = true
		if sl.Rating.Decimal.GreaterThanOrEqual(threshold) {
			return true
		}
	}
	return !rated
}

func (s *RunService) ListRuns(ctx context.Context, params utils.PaginationParams) ([]models.ScrapeRun, int64, error) {
	params = utils.NormalizePagination(params)
	query := s.db.WithContext(ctx).Model(&models.ScrapeRun{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("database error: %w", err)
	}

	var runs []models.ScrapeRun
	query = utils.ApplySort(s.db.WithContext(ctx).Model(&models.ScrapeRun{}), params, []string{"started_at", "status"})
	if err := utils.ApplyPagination(query, params).Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("database error: %w", err)
	}
	return runs, total, nil
}

func (s *RunService) GetRun(ctx context.Context, id uuid.UUID) (*models.ScrapeRun, error) {
	var run models.ScrapeRun
	if err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &run, nil
}
