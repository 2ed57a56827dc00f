// Package feed provides the built-in work executor that simulates paged
// security-dataset feeds. It stands in for the real fetch/parse/normalize
// collaborators so the engine can be exercised end to end without network
// access to NVD, MITRE, FIRST or OSV.
package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vulnforge/vulnforge/internal/domain/etl"
	"github.com/vulnforge/vulnforge/pkg/common"
	"github.com/vulnforge/vulnforge/pkg/common/logger"
)

// Config tunes the simulated feed.
type Config struct {
	// Pages is how many pages a source serves before reporting exhaustion.
	Pages int

	// ItemsPerPage overrides the per-source record counts when positive.
	ItemsPerPage int64

	// RequestsPerSecond and Burst pace upstream requests across all providers
	// sharing this simulator.
	RequestsPerSecond float64
	Burst             int

	// FailEvery makes every Nth request fail transiently. Zero disables.
	FailEvery int

	// QuotaEvery makes every Nth request trip the simulated rate limit with
	// QuotaRetryAfter as the retry hint. Zero disables.
	QuotaEvery      int
	QuotaRetryAfter time.Duration
}

// DefaultConfig returns the production simulator settings: a modest page
// count, gentle pacing, and no fault injection.
func DefaultConfig() Config {
	return Config{
		Pages:             64,
		RequestsPerSecond: 5,
		Burst:             2,
		QuotaRetryAfter:   30 * time.Second,
	}
}

// itemsPerPage approximates the relative page sizes of the real feeds.
var itemsPerPage = map[etl.SourceType]int64{
	etl.SourceTypeCVE:    2000,
	etl.SourceTypeCWE:    900,
	etl.SourceTypeCAPEC:  600,
	etl.SourceTypeATTACK: 800,
	etl.SourceTypeEPSS:   1000,
	etl.SourceTypeOSV:    1500,
}

var _ etl.WorkExecutor = (*Simulator)(nil)

// Simulator implements etl.WorkExecutor over a synthetic paged dataset. Pages
// are deterministic given the cursor, so a provider resuming from a checkpoint
// continues exactly where it left off.
type Simulator struct {
	cfg     Config
	limiter *common.RateLimiter
	logger  *logger.Logger

	mu       sync.Mutex
	requests map[string]int
}

// NewSimulator creates a simulator shared by all providers of an engine.
func NewSimulator(cfg Config, log *logger.Logger) *Simulator {
	return &Simulator{
		cfg:      cfg,
		limiter:  common.NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		logger:   log.With("component", "feed_simulator"),
		requests: make(map[string]int),
	}
}

// Next serves the page after the cursor's, pacing the request through the
// shared rate limiter and applying any configured fault injection.
func (s *Simulator) Next(
	ctx context.Context,
	providerID string,
	sourceType etl.SourceType,
	cursor map[string]any,
) (*etl.WorkResult, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.requests[providerID]++
	n := s.requests[providerID]
	s.mu.Unlock()

	page := pageFromCursor(cursor)

	if s.cfg.QuotaEvery > 0 && n%s.cfg.QuotaEvery == 0 {
		return nil, &etl.QuotaExceededError{RetryAfter: s.cfg.QuotaRetryAfter}
	}
	if s.cfg.FailEvery > 0 && n%s.cfg.FailEvery == 0 {
		return nil, fmt.Errorf("simulated upstream failure fetching %s page %d", sourceType, page+1)
	}

	next := page + 1
	items := s.cfg.ItemsPerPage
	if items <= 0 {
		items = itemsPerPage[sourceType]
	}

	res := &etl.WorkResult{
		Cursor: map[string]any{"page": next, "source": string(sourceType)},
		Items:  items,
		Done:   next >= s.cfg.Pages,
	}
	if res.Done {
		s.logger.Debug(ctx, "Source exhausted", "provider_id", providerID, "page", next)
	}
	return res, nil
}

// pageFromCursor reads the page marker out of an opaque cursor. Cursors loaded
// from the store arrive with JSON number types, so both int and float64 are
// accepted. A nil or unrecognized cursor starts from the origin.
func pageFromCursor(cursor map[string]any) int {
	if cursor == nil {
		return 0
	}
	switch v := cursor["page"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
