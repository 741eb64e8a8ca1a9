// Package loadtest provides load testing utilities for the local report queue.
//
// It simulates many foreground contexts hammering the store with feed and
// pending-count queries while the queue holds a realistic mix of synced and
// unsynced reports, to validate that snapshot reads stay fast as the local
// history grows.
package loadtest

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/internal/report"
	"github.com/fieldsync/fieldsync/internal/store"
)

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
}

var reportTypes = []report.Type{
	report.TypeFire, report.TypeFlood, report.TypeAccident,
	report.TypeMedical, report.TypeHazard, report.TypeOther,
}

// Populate fills the store with numReports reports. The syncedPct parameter
// controls what share already reached synced status (typical: 0.8, leaving a
// realistic unsynced tail for the feed queries to merge).
func Populate(st *store.Store, numReports int, syncedPct float64) error {
	if numReports <= 0 {
		return fmt.Errorf("numReports must be positive")
	}
	if syncedPct < 0 || syncedPct > 1 {
		return fmt.Errorf("syncedPct must be between 0 and 1")
	}

	rng := rand.New(rand.NewSource(42))
	base := time.Now().UTC().Add(-time.Duration(numReports) * time.Minute)

	for i := 0; i < numReports; i++ {
		occurred := base.Add(time.Duration(i) * time.Minute)
		r := report.New(
			reportTypes[rng.Intn(len(reportTypes))],
			1+rng.Intn(5),
			-90+rng.Float64()*180,
			-180+rng.Float64()*360,
			occurred,
		)
		r.CreatedAt = occurred

		if rng.Float64() < syncedPct {
			r.Status = report.StatusSynced
		} else if rng.Float64() < 0.3 {
			r.Status = report.StatusFailed
			r.RetryCount = 1 + rng.Intn(5)
		}

		if err := st.Create(context.Background(), r); err != nil {
			return fmt.Errorf("failed to insert report %d: %w", i, err)
		}
	}
	return nil
}

// RunQueryLoad runs workers concurrent readers, each issuing queriesPerWorker
// queries alternating between the unsynced-feed scan and the pending count.
func RunQueryLoad(ctx context.Context, st *store.Store, workers, queriesPerWorker int) (*LatencyStats, error) {
	if workers <= 0 || queriesPerWorker <= 0 {
		return nil, fmt.Errorf("workers and queriesPerWorker must be positive")
	}

	var mu sync.Mutex
	durations := make([]time.Duration, 0, workers*queriesPerWorker)
	errorCount := 0

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			local := make([]time.Duration, 0, queriesPerWorker)
			localErrors := 0

			for q := 0; q < queriesPerWorker; q++ {
				if ctx.Err() != nil {
					break
				}

				start := time.Now()
				var err error
				if q%2 == 0 {
					_, err = st.QueryStatus(ctx,
						report.StatusLocal, report.StatusPending, report.StatusFailed)
				} else {
					_, err = st.PendingCount(ctx)
				}
				elapsed := time.Since(start)

				if err != nil {
					localErrors++
					continue
				}
				local = append(local, elapsed)
			}

			mu.Lock()
			durations = append(durations, local...)
			errorCount += localErrors
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	if len(durations) == 0 {
		return nil, fmt.Errorf("no queries completed (%d errors)", errorCount)
	}
	return computeStats(durations, errorCount), nil
}

func computeStats(durations []time.Duration, errors int) *LatencyStats {
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         total / time.Duration(len(sorted)),
		P50:          percentile(sorted, 0.50),
		P95:          percentile(sorted, 0.95),
		P99:          percentile(sorted, 0.99),
		TotalQueries: len(sorted),
		Errors:       errors,
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
