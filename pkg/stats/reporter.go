// Package stats periodically reports per-satellite record counts.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jacktea/psgcache/pkg/metrics"
)

// Source is the part of the blob-prop cache the reporter reads.
type Source interface {
	Satellites() []int
	KeyCount(sat int) (int, bool, error)
}

// Options configures a Reporter.
type Options struct {
	Source  Source
	Metrics *metrics.Metrics
	Logger  func(format string, args ...any)
}

// Reporter counts stored records on every open satellite.
type Reporter struct {
	src     Source
	metrics *metrics.Metrics
	logf    func(string, ...any)
}

// Counts maps satellite id to stored record count.
type Counts map[int]int

// NewReporter wires a cache and metrics for reporting.
func NewReporter(opts Options) *Reporter {
	logf := opts.Logger
	if logf == nil {
		logf = log.Printf
	}
	return &Reporter{
		src:     opts.Source,
		metrics: opts.Metrics,
		logf:    logf,
	}
}

// Report performs one pass and returns the counts it saw. Satellites closed
// during the pass are left out.
func (r *Reporter) Report(ctx context.Context) (Counts, error) {
	if r.src == nil {
		return nil, fmt.Errorf("stats reporter missing source")
	}
	sats := r.src.Satellites()
	counts := make(Counts, len(sats))
	for _, sat := range sats {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		n, ok, err := r.src.KeyCount(sat)
		if err != nil {
			return counts, fmt.Errorf("count sat %d: %w", sat, err)
		}
		if !ok {
			continue
		}
		counts[sat] = n
		r.metrics.SetSatelliteRecords(sat, n)
	}
	r.metrics.SetSatellites(len(sats))
	return counts, nil
}

// Start launches a background report loop until ctx is canceled or stop is
// called. stop returns once the loop has exited, so the Source may be closed
// right after it.
func (r *Reporter) Start(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			counts, err := r.Report(ctx)
			switch {
			case err != nil && !errors.Is(err, context.Canceled):
				r.logf("stats report: %v", err)
			case err == nil:
				total := 0
				for _, n := range counts {
					total += n
				}
				r.logf("stats: %d satellites, %d records", len(counts), total)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
