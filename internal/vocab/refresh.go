package vocab

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// RefreshConfig controls how often the vocabulary is rebuilt.
type RefreshConfig struct {
	// Interval between refreshes; ignored when Cron is set.
	Interval time.Duration
	// Cron is an optional cron expression for refresh times.
	Cron string
	// Static entries are merged into every snapshot (the field vocabulary).
	Static []Entry
	Index  IndexOptions
}

// Refresher rebuilds the index from a Source and swaps it into a Holder. A
// failed refresh keeps the previous snapshot in place.
type Refresher struct {
	source Source
	holder *Holder
	cfg    RefreshConfig
	cron   *cronexpr.Expression
	logger *zap.Logger
	group  singleflight.Group
	now    func() time.Time
}

func NewRefresher(source Source, holder *Holder, cfg RefreshConfig, logger *zap.Logger) (*Refresher, error) {
	if source == nil || holder == nil {
		return nil, fmt.Errorf("vocabulary refresher requires a source and a holder")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Refresher{source: source, holder: holder, cfg: cfg, logger: logger.Named("vocab"), now: time.Now}
	if line := strings.TrimSpace(cfg.Cron); line != "" {
		expr, err := cronexpr.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("vocabulary refresh cron: %w", err)
		}
		r.cron = expr
	}
	return r, nil
}

// Refresh loads a new snapshot. Concurrent callers share one load.
func (r *Refresher) Refresh(ctx context.Context) (*Index, error) {
	v, err, _ := r.group.Do("refresh", func() (interface{}, error) {
		entries, err := r.source.Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("vocabulary snapshot: %w", err)
		}
		all := make([]Entry, 0, len(entries)+len(r.cfg.Static))
		all = append(all, r.cfg.Static...)
		all = append(all, entries...)
		idx, err := NewIndex(all, r.cfg.Index)
		if err != nil {
			return nil, err
		}
		r.holder.Swap(idx)
		r.logger.Info("vocabulary refreshed",
			zap.Int("entries", idx.Size()),
			zap.Int("columns", len(idx.Columns())))
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Index), nil
}

// Run refreshes on schedule until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	for {
		wait := r.next(r.now())
		if wait <= 0 {
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := r.Refresh(ctx); err != nil {
			r.logger.Warn("vocabulary refresh failed, keeping previous snapshot", zap.Error(err))
		}
	}
}

// next returns the delay until the following refresh, or 0 when none is scheduled.
func (r *Refresher) next(now time.Time) time.Duration {
	if r.cron != nil {
		at := r.cron.Next(now)
		if at.IsZero() {
			return 0
		}
		return at.Sub(now)
	}
	return r.cfg.Interval
}
