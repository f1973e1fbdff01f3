// Package dedup keeps at most one export row per (account, product) key.
//
// Conflicts between two rows for the same key are resolved by the
// product's last_active timestamp: the strictly later one wins and ties
// keep the row already held. When either timestamp is missing the winner
// is picked by a fair coin. The coin reproduces the behaviour of the
// earlier export tooling and is a known oddity, see WithCoinFlip.
package dedup

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/Sternrassler/admin-export/pkg/account"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the dedup store.
var (
	offersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admin_export_dedup_offers_total",
		Help: "Total rows offered to the dedup store by outcome",
	}, []string{"outcome"})

	rowsHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "admin_export_dedup_rows",
		Help: "Number of winner rows currently held by the dedup store",
	})
)

// Outcome describes what an offer did to the store.
type Outcome int

const (
	// Inserted means no row existed for the key.
	Inserted Outcome = iota
	// Replaced means the offered row superseded the held one.
	Replaced
	// Kept means the held row stayed.
	Kept
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Replaced:
		return "replaced"
	case Kept:
		return "kept"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Option configures a Store.
type Option func(*Store)

// WithCoinFlip replaces the random tie-break used when a timestamp is
// missing. flip returning true means the offered row wins.
func WithCoinFlip(flip func() bool) Option {
	return func(s *Store) {
		s.flip = flip
	}
}

// Store maps each composite key to its winner row. All methods are safe
// for concurrent use; Offer is the only mutator and decides and mutates
// under one lock.
type Store struct {
	mu   sync.Mutex
	rows map[account.Key]account.Row
	flip func() bool
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		rows: make(map[account.Key]account.Row),
		flip: func() bool { return rand.Float64() < 0.5 },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Offer submits row as a candidate for its key. A timestamp that cannot
// be parsed keeps the held row and is reported as an error.
func (s *Store) Offer(row account.Row) (Outcome, error) {
	key := row.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rows[key]
	if !ok {
		s.rows[key] = row
		rowsHeld.Inc()
		offersTotal.WithLabelValues(Inserted.String()).Inc()
		return Inserted, nil
	}

	replace, err := s.wins(row, existing)
	if err != nil {
		offersTotal.WithLabelValues(Kept.String()).Inc()
		return Kept, fmt.Errorf("offer %s: %w", key, err)
	}

	if !replace {
		offersTotal.WithLabelValues(Kept.String()).Inc()
		return Kept, nil
	}

	s.rows[key] = row
	offersTotal.WithLabelValues(Replaced.String()).Inc()
	return Replaced, nil
}

// wins reports whether candidate should replace existing. Caller holds mu.
func (s *Store) wins(candidate, existing account.Row) (bool, error) {
	if candidate.ProductAccessLastActive == "" || existing.ProductAccessLastActive == "" {
		return s.flip(), nil
	}

	candidateAt, err := account.ParseTimestamp(candidate.ProductAccessLastActive)
	if err != nil {
		return false, err
	}
	existingAt, err := account.ParseTimestamp(existing.ProductAccessLastActive)
	if err != nil {
		return false, err
	}
	return candidateAt.After(existingAt), nil
}

// Get returns the winner row for key.
func (s *Store) Get(key account.Key) (account.Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[key]
	return row, ok
}

// Len returns the number of keys held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// Rows returns a snapshot of all winner rows ordered by account id, then
// product key.
func (s *Store) Rows() []account.Row {
	s.mu.Lock()
	rows := make([]account.Row, 0, len(s.rows))
	for _, row := range s.rows {
		rows = append(rows, row)
	}
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].AccountID != rows[j].AccountID {
			return rows[i].AccountID < rows[j].AccountID
		}
		return rows[i].ProductAccessKey < rows[j].ProductAccessKey
	})
	return rows
}
