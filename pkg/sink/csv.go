// Package sink persists export rows through a single writer goroutine.
//
// The output file is not safe to share, so every producer hands rows to a
// FIFO queue and one goroutine appends them to the file in arrival order.
// Rows go to <path>.partial; Commit renames it into place and Abort
// removes it, so a failed run never leaves a half-written export behind.
package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Sternrassler/admin-export/pkg/account"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var rowsWritten = promauto.NewCounter(prometheus.CounterOpts{
	Name: "admin_export_rows_written_total",
	Help: "Total number of rows written to the export file",
})

// ErrClosed is returned when writing to or closing a sink that has
// already been committed or aborted.
var ErrClosed = errors.New("sink closed")

// partialSuffix is appended to the output path while the export runs.
const partialSuffix = ".partial"

// Config holds writer configuration.
type Config struct {
	// QueueSize is the capacity of the row queue.
	QueueSize int
}

// DefaultConfig returns the default writer configuration.
func DefaultConfig() Config {
	return Config{QueueSize: 256}
}

// CSVWriter writes rows to a CSV file from one goroutine.
type CSVWriter struct {
	path    string
	partial string
	file    *os.File
	csv     *csv.Writer
	logger  zerolog.Logger

	queue chan account.Row
	done  chan struct{}

	mu     sync.Mutex // guards closed and queue sends
	closed bool

	// Owned by the writer goroutine until done is closed.
	written int
	err     error
}

// NewCSVWriter creates <path>.partial, writes the header and starts the
// writer goroutine.
func NewCSVWriter(path string, cfg Config, logger zerolog.Logger) (*CSVWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("output path is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	partial := path + partialSuffix
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}

	file, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}

	w := &CSVWriter{
		path:    path,
		partial: partial,
		file:    file,
		csv:     csv.NewWriter(file),
		logger:  logger,
		queue:   make(chan account.Row, cfg.QueueSize),
		done:    make(chan struct{}),
	}

	if err := w.csv.Write(account.Header); err != nil {
		file.Close()
		os.Remove(partial)
		return nil, fmt.Errorf("write header: %w", err)
	}

	go w.run()
	return w, nil
}

// run is the single consumer of the queue. A closed queue is the
// shutdown sentinel.
func (w *CSVWriter) run() {
	defer close(w.done)

	for row := range w.queue {
		if w.err != nil {
			continue
		}
		if err := w.csv.Write(row.Values()); err != nil {
			w.err = fmt.Errorf("write row %s: %w", row.Key(), err)
			w.logger.Error().Err(err).Str("path", w.partial).Msg("Failed to write row")
			continue
		}
		w.written++
		rowsWritten.Inc()
	}

	w.csv.Flush()
	if err := w.csv.Error(); err != nil && w.err == nil {
		w.err = fmt.Errorf("flush output: %w", err)
	}
}

// Write enqueues row. It blocks while the queue is full.
func (w *CSVWriter) Write(ctx context.Context, row account.Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	select {
	case w.queue <- row:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown sends the sentinel and waits for the writer to drain.
func (w *CSVWriter) shutdown() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.done
	return nil
}

// Commit drains the queue, flushes and syncs the file and moves it to the
// final path. It returns the number of rows written.
func (w *CSVWriter) Commit() (int, error) {
	if err := w.shutdown(); err != nil {
		return 0, err
	}

	if w.err != nil {
		w.discard()
		return w.written, w.err
	}
	if err := w.file.Sync(); err != nil {
		w.discard()
		return w.written, fmt.Errorf("sync output: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.partial)
		return w.written, fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(w.partial, w.path); err != nil {
		os.Remove(w.partial)
		return w.written, fmt.Errorf("move output into place: %w", err)
	}

	w.logger.Info().
		Str("path", w.path).
		Int("rows", w.written).
		Msg("Export file written")
	return w.written, nil
}

// Abort drains the queue, closes the file and removes it.
func (w *CSVWriter) Abort() error {
	if err := w.shutdown(); err != nil {
		return err
	}

	w.logger.Warn().
		Str("path", w.partial).
		Int("rows_discarded", w.written).
		Msg("Export aborted - removing partial file")
	return w.discard()
}

func (w *CSVWriter) discard() error {
	closeErr := w.file.Close()
	if err := os.Remove(w.partial); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove partial output: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("close output: %w", closeErr)
	}
	return nil
}

// Path returns the final output path.
func (w *CSVWriter) Path() string {
	return w.path
}
