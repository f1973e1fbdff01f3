package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrDone is returned by Next once the last page has been handed out.
var ErrDone = errors.New("pagination done")

// Config holds paginator configuration
type Config struct {
	// Timeout per page fetch
	Timeout time.Duration
}

// DefaultConfig returns the default paginator configuration
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
	}
}

// Page is one page of the users endpoint.
type Page struct {
	// Number is the 1-based position of the page in the walk.
	Number int

	// Cursor is the cursor the page was requested with, empty for the first page.
	Cursor string

	// Records are the raw entries of the data array.
	Records []json.RawMessage

	// NextCursor continues the walk; empty on the final page.
	NextCursor string

	// HasData is false when the body carried no data key.
	HasData bool
}

// PageFetcher fetches a single page for a cursor.
type PageFetcher interface {
	FetchPage(ctx context.Context, cursor string) (*Page, error)
}

// State is the paginator state.
type State int

const (
	// StateFetching means another page may be requested.
	StateFetching State = iota
	// StateDone means the walk has ended.
	StateDone
)

// String implements fmt.Stringer.
func (s State) String() string {
	if s == StateDone {
		return "done"
	}
	return "fetching"
}

// PageError reports the page and cursor a fetch failed on.
type PageError struct {
	Number int
	Cursor string
	Err    error
}

// Error implements the error interface.
func (e *PageError) Error() string {
	cursor := e.Cursor
	if cursor == "" {
		cursor = "<first>"
	}
	return fmt.Sprintf("fetch page %d (cursor %s): %v", e.Number, cursor, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PageError) Unwrap() error {
	return e.Err
}

// Paginator drives the page loop. It holds only the cursor and the state
// and must not be used from more than one goroutine.
type Paginator struct {
	fetcher PageFetcher
	config  Config
	logger  zerolog.Logger

	state   State
	cursor  string
	fetches int
}

// New creates a paginator starting at the first page.
func New(fetcher PageFetcher, config Config, logger zerolog.Logger) *Paginator {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Paginator{
		fetcher: fetcher,
		config:  config,
		logger:  logger,
	}
}

// Next fetches the next page. It returns ErrDone when the walk is over,
// including when the fetched page carries no data, and a *PageError when
// the fetch fails. After an error the paginator is done.
func (p *Paginator) Next(ctx context.Context) (*Page, error) {
	if p.state == StateDone {
		return nil, ErrDone
	}

	number := p.fetches + 1
	cursor := p.cursor

	pageCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	page, err := p.fetcher.FetchPage(pageCtx, cursor)
	cancel()
	p.fetches++

	if err != nil {
		p.state = StateDone
		return nil, &PageError{Number: number, Cursor: cursor, Err: err}
	}

	if page == nil || !page.HasData || len(page.Records) == 0 {
		p.state = StateDone
		p.logger.Info().
			Int("page", number).
			Msg("No more data found")
		return nil, ErrDone
	}

	page.Number = number
	page.Cursor = cursor

	if page.NextCursor == "" {
		p.state = StateDone
		p.logger.Info().
			Int("page", number).
			Int("records", len(page.Records)).
			Msg("Reached the last page")
	} else {
		p.cursor = page.NextCursor
		p.logger.Info().
			Int("page", number).
			Int("records", len(page.Records)).
			Msg("Fetched page")
	}

	return page, nil
}

// State returns the current state.
func (p *Paginator) State() State {
	return p.state
}

// Fetches returns the number of fetch calls made so far.
func (p *Paginator) Fetches() int {
	return p.fetches
}
