// Package export runs the managed-accounts export end to end.
//
// One control goroutine walks the pages in order. Records of a page are
// fanned out to a fixed pool of workers that decode, filter and offer rows
// to the dedup store; the next page is only requested after every record
// of the current one has been handled. When the walk ends the surviving
// rows are handed to the sink in key order and the file is committed. Any
// fetch error or cancellation aborts the run without leaving an output
// file behind.
package export

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/admin-export/pkg/account"
	"github.com/Sternrassler/admin-export/pkg/dedup"
	"github.com/Sternrassler/admin-export/pkg/pagination"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for export runs.
var (
	pagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admin_export_pages_total",
		Help: "Total pages processed by export runs",
	})

	recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_export_records_total",
		Help: "Total records handled by export workers by outcome",
	}, []string{"outcome"})
)

// Record outcomes used as metric labels.
const (
	outcomeExported  = "exported"
	outcomeSkipped   = "skipped"
	outcomeInactive  = "inactive"
	outcomeMalformed = "malformed"
)

// DefaultWorkers is the default size of the worker pool.
const DefaultWorkers = 5

// PageSource yields pages in order until pagination.ErrDone.
// *pagination.Paginator implements it.
type PageSource interface {
	Next(ctx context.Context) (*pagination.Page, error)
}

// Sink receives the surviving rows. *sink.CSVWriter implements it.
type Sink interface {
	Write(ctx context.Context, row account.Row) error
	Commit() (int, error)
	Abort() error
	Path() string
}

// Config holds exporter configuration.
type Config struct {
	// Workers is the number of record workers.
	Workers int
}

// DefaultConfig returns the default exporter configuration.
func DefaultConfig() Config {
	return Config{Workers: DefaultWorkers}
}

// Result summarizes a run.
type Result struct {
	RunID      string
	Pages      int
	Records    int64
	Inactive   int64
	Malformed  int64
	Offers     int64
	Rows       int
	OutputPath string
	Duration   time.Duration
}

// Exporter wires the pipeline stages together. An Exporter runs once.
type Exporter struct {
	pages     PageSource
	processor *account.Processor
	store     *dedup.Store
	sink      Sink
	config    Config
	logger    zerolog.Logger

	records   atomic.Int64
	inactive  atomic.Int64
	malformed atomic.Int64
	offers    atomic.Int64
}

// job is one raw record together with the barrier of its page.
type job struct {
	raw  []byte
	page int
	wg   *sync.WaitGroup
}

// New creates an exporter.
func New(pages PageSource, processor *account.Processor, store *dedup.Store, sink Sink, cfg Config, logger zerolog.Logger) (*Exporter, error) {
	if pages == nil {
		return nil, fmt.Errorf("page source is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if store == nil {
		return nil, fmt.Errorf("dedup store is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	return &Exporter{
		pages:     pages,
		processor: processor,
		store:     store,
		sink:      sink,
		config:    cfg,
		logger:    logger,
	}, nil
}

// Run walks every page, deduplicates the rows and commits the sink. On
// failure the sink is aborted and the returned error names the cause.
func (e *Exporter) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	result := Result{RunID: uuid.NewString()}
	logger := e.logger.With().Str("run_id", result.RunID).Logger()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info().
		Int("workers", e.config.Workers).
		Str("target_url", e.processor.TargetURL()).
		Msg("Export started")

	jobs := make(chan job)
	var workers sync.WaitGroup
	for i := 0; i < e.config.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for j := range jobs {
				e.handle(logger, j)
			}
		}()
	}

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			close(jobs)
			workers.Wait()
		})
	}

	fail := func(err error) (Result, error) {
		cancel()
		stop()
		e.fill(&result, start)
		if abortErr := e.sink.Abort(); abortErr != nil {
			logger.Error().Err(abortErr).Msg("Failed to abort sink")
		}
		logger.Error().
			Err(err).
			Int("pages", result.Pages).
			Msg("Export failed")
		return result, err
	}

	for {
		page, err := e.pages.Next(ctx)
		if errors.Is(err, pagination.ErrDone) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
				err = errors.Join(err, ctxErr)
			}
			return fail(fmt.Errorf("export aborted: %w", err))
		}

		if err := e.dispatch(ctx, jobs, page); err != nil {
			return fail(fmt.Errorf("export cancelled on page %d: %w", page.Number, err))
		}
		result.Pages++
		pagesTotal.Inc()

		logger.Debug().
			Int("page", page.Number).
			Int("records", len(page.Records)).
			Int("rows_held", e.store.Len()).
			Msg("Page processed")
	}
	stop()

	rows := e.store.Rows()
	for _, row := range rows {
		if err := e.sink.Write(ctx, row); err != nil {
			return fail(fmt.Errorf("export cancelled while draining rows: %w", err))
		}
	}

	written, err := e.sink.Commit()
	if err != nil {
		e.fill(&result, start)
		logger.Error().Err(err).Msg("Failed to commit export")
		return result, fmt.Errorf("commit export: %w", err)
	}

	result.Rows = written
	result.OutputPath = e.sink.Path()
	e.fill(&result, start)

	logger.Info().
		Int("pages", result.Pages).
		Int64("records", result.Records).
		Int64("inactive", result.Inactive).
		Int64("malformed", result.Malformed).
		Int("rows", result.Rows).
		Str("path", result.OutputPath).
		Dur("duration", result.Duration).
		Msg("Export completed")
	return result, nil
}

// dispatch submits every record of page and waits for all of them. The
// wait always completes because workers never block on ctx.
func (e *Exporter) dispatch(ctx context.Context, jobs chan<- job, page *pagination.Page) error {
	var wg sync.WaitGroup

	for _, raw := range page.Records {
		wg.Add(1)
		select {
		case jobs <- job{raw: raw, page: page.Number, wg: &wg}:
		case <-ctx.Done():
			wg.Done()
			wg.Wait()
			return ctx.Err()
		}
	}

	wg.Wait()
	return ctx.Err()
}

// handle decodes, filters and offers one record. A panic is contained to
// the record and counted as malformed.
func (e *Exporter) handle(logger zerolog.Logger, j job) {
	defer j.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			e.malformed.Add(1)
			recordsTotal.WithLabelValues(outcomeMalformed).Inc()
			logger.Error().
				Int("page", j.page).
				Str("error_class", "panic").
				Interface("panic", r).
				Msg("Recovered from panic while processing record")
		}
	}()

	e.records.Add(1)

	rec, err := account.Decode(j.raw)
	if err != nil {
		e.malformed.Add(1)
		recordsTotal.WithLabelValues(outcomeMalformed).Inc()
		logger.Warn().Err(err).Int("page", j.page).Msg("Skipping malformed record")
		return
	}

	if !rec.IsActive() {
		e.inactive.Add(1)
		recordsTotal.WithLabelValues(outcomeInactive).Inc()
		logger.Debug().
			Int("page", j.page).
			Str("account_id", rec.AccountID).
			Str("account_status", rec.AccountStatus).
			Msg("Skipping inactive account")
		return
	}

	rows, err := e.processor.Process(rec)
	if err != nil {
		e.malformed.Add(1)
		recordsTotal.WithLabelValues(outcomeMalformed).Inc()
		logger.Warn().
			Err(err).
			Int("page", j.page).
			Str("account_id", rec.AccountID).
			Int("rows_kept", len(rows)).
			Msg("Record has malformed product access")
	} else if len(rows) == 0 {
		recordsTotal.WithLabelValues(outcomeSkipped).Inc()
	} else {
		recordsTotal.WithLabelValues(outcomeExported).Inc()
	}

	for _, row := range rows {
		e.offers.Add(1)
		outcome, err := e.store.Offer(row)
		if err != nil {
			logger.Warn().
				Err(err).
				Int("page", j.page).
				Str("account_id", row.AccountID).
				Str("product_key", row.ProductAccessKey).
				Msg("Kept existing row after unreadable timestamp")
			continue
		}
		logger.Debug().
			Str("account_id", row.AccountID).
			Str("product_key", row.ProductAccessKey).
			Stringer("outcome", outcome).
			Msg("Row offered")
	}
}

func (e *Exporter) fill(r *Result, start time.Time) {
	r.Records = e.records.Load()
	r.Inactive = e.inactive.Load()
	r.Malformed = e.malformed.Load()
	r.Offers = e.offers.Load()
	r.Duration = time.Since(start)
}
