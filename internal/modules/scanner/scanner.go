// Package scanner reads supply yields from every venue concurrently.
//
// One goroutine runs per venue, each bounded by a timeout and guarded by a
// per-venue circuit breaker. A failing venue is reported and excluded from the
// snapshot; it never aborts the reads of the others.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/aristath/yieldrouter/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// VenueSource resolves venue clients by name
type VenueSource interface {
	Get(name string) (domain.VenueClient, error)
}

// Config bounds the scan
type Config struct {
	VenueTimeout time.Duration
	Breaker      BreakerConfig
}

// VenueFailure is one venue's failed read within a scan
type VenueFailure struct {
	Venue string
	Err   error
}

type readResult struct {
	venue    string
	quote    domain.YieldQuote
	err      error
	duration time.Duration
	// cancelled is set when the caller gave up, not the venue
	cancelled bool
}

// Scanner fans yield reads out across venues
type Scanner struct {
	venues  VenueSource
	cfg     Config
	metrics *metrics.Collector
	now     func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker

	log zerolog.Logger
}

// NewScanner creates a scanner. metrics may be nil.
func NewScanner(venues VenueSource, cfg Config, m *metrics.Collector, log zerolog.Logger) *Scanner {
	if cfg.VenueTimeout <= 0 {
		cfg.VenueTimeout = 45 * time.Second
	}
	return &Scanner{
		venues:   venues,
		cfg:      cfg,
		metrics:  m,
		now:      time.Now,
		breakers: make(map[string]*Breaker),
		log:      log.With().Str("component", "scanner").Logger(),
	}
}

// SetClock overrides the time source for breakers and snapshot timestamps
func (s *Scanner) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Scan reads token's yield from each venue. Every venue appears either in the
// snapshot or exactly once in the failure list, sorted by venue.
func (s *Scanner) Scan(ctx context.Context, venues []string, token string) (domain.YieldSnapshot, []VenueFailure) {
	start := s.clock()
	results := make(chan readResult, len(venues))
	var failures []VenueFailure
	var wg sync.WaitGroup

	for _, name := range dedupe(venues) {
		client, err := s.venues.Get(name)
		if err != nil {
			failures = append(failures, VenueFailure{Venue: name, Err: err})
			continue
		}

		if !s.breaker(name).Allow() {
			s.metrics.ObserveVenueRead(name, "skipped", 0)
			failures = append(failures, VenueFailure{
				Venue: name,
				Err:   fmt.Errorf("%s skipped: %w", name, domain.ErrCircuitOpen),
			})
			continue
		}

		wg.Add(1)
		go func(client domain.VenueClient) {
			defer wg.Done()
			results <- s.read(ctx, client, token)
		}(client)
	}

	wg.Wait()
	close(results)

	quotes := make([]domain.YieldQuote, 0, len(venues))
	for r := range results {
		breaker := s.breaker(r.venue)
		switch {
		case r.cancelled:
			breaker.Release()
			s.metrics.ObserveVenueRead(r.venue, "cancelled", r.duration)
			failures = append(failures, VenueFailure{Venue: r.venue, Err: r.err})
			s.log.Debug().
				Err(r.err).
				Str("venue", r.venue).
				Str("token", token).
				Msg("Venue read cancelled by caller")
		case r.err != nil:
			breaker.RecordFailure()
			s.metrics.ObserveVenueRead(r.venue, string(domain.KindOf(r.err)), r.duration)
			failures = append(failures, VenueFailure{Venue: r.venue, Err: r.err})
			s.log.Warn().
				Err(r.err).
				Str("venue", r.venue).
				Str("token", token).
				Str("breaker", breaker.State().String()).
				Msg("Venue read failed")
		default:
			breaker.RecordSuccess()
			s.metrics.ObserveVenueRead(r.venue, "ok", r.duration)
			quotes = append(quotes, r.quote)
		}
		s.metrics.SetBreakerState(r.venue, int(breaker.State()))
	}

	sort.Slice(failures, func(i, j int) bool { return failures[i].Venue < failures[j].Venue })

	s.log.Debug().
		Str("token", token).
		Int("quotes", len(quotes)).
		Int("failures", len(failures)).
		Dur("elapsed", s.clock().Sub(start)).
		Msg("Scan complete")

	return domain.NewYieldSnapshot(start, quotes...), failures
}

// BreakerStates returns the state of every breaker seen so far
func (s *Scanner) BreakerStates() map[string]BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]BreakerState, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.State()
	}
	return out
}

// read runs one bounded yield read. The client call runs in its own goroutine
// so a client that ignores its context still cannot stall the scan.
func (s *Scanner) read(parent context.Context, client domain.VenueClient, token string) readResult {
	name := client.Name()
	ctx, cancel := context.WithTimeout(parent, s.cfg.VenueTimeout)
	defer cancel()

	started := time.Now()
	done := make(chan readResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- readResult{venue: name, err: domain.NewVenueError(name, "read_yield",
					domain.ErrKindUnavailable, fmt.Errorf("panic: %v", p))}
			}
		}()
		q, err := client.ReadYield(ctx, token)
		if err == nil {
			err = validateQuote(name, token, q)
		}
		done <- readResult{venue: name, quote: q, err: err}
	}()

	var r readResult
	select {
	case r = <-done:
	case <-ctx.Done():
		r = readResult{venue: name, err: domain.NewVenueError(name, "read_yield", domain.ErrKindTimeout, ctx.Err())}
	}
	r.duration = time.Since(started)
	if r.err != nil && parent.Err() != nil {
		r.cancelled = true
		r.err = domain.NewVenueError(name, "read_yield", domain.ErrKindTimeout, parent.Err())
	}
	if r.err != nil {
		var ve *domain.VenueError
		if !errors.As(r.err, &ve) {
			r.err = domain.NewVenueError(name, "read_yield", domain.KindOf(r.err), r.err)
		}
	}
	return r
}

func validateQuote(venue, token string, q domain.YieldQuote) error {
	var problem string
	switch {
	case q.Venue != venue:
		problem = fmt.Sprintf("quote venue %q does not match %q", q.Venue, venue)
	case q.Token != token:
		problem = fmt.Sprintf("quote token %q does not match %q", q.Token, token)
	case q.SupplyAPY.IsNegative():
		problem = fmt.Sprintf("negative supply APY %s", q.SupplyAPY)
	case q.TotalValueLocked.IsNegative():
		problem = fmt.Sprintf("negative TVL %s", q.TotalValueLocked)
	case q.Utilization.IsNegative() || q.Utilization.GreaterThan(decimal.NewFromInt(1)):
		problem = fmt.Sprintf("utilization %s outside [0,1]", q.Utilization)
	default:
		return nil
	}
	return domain.NewVenueError(venue, "read_yield", domain.ErrKindMalformed, errors.New(problem))
}

func (s *Scanner) breaker(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = NewBreaker(s.cfg.Breaker, s.clock)
		s.breakers[name] = b
	}
	return b
}

func (s *Scanner) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
