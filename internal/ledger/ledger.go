package ledger

import (
	"sync"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/models"
)

// MaxLatestErrors is the capacity of the recent-error ring.
const MaxLatestErrors = 10

// Ledger holds the running counters of one harvest run. The harvest itself
// writes from a single goroutine; the mutex exists for status readers.
type Ledger struct {
	mu sync.Mutex

	required              int64
	totalRetrieved        int64
	totalEnrichedProvider int64
	enrichmentErrors      int64
	totalSaved            int64
	latestErrors          []string
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{latestErrors: make([]string, 0, MaxLatestErrors)}
}

// SetRequired records the credit estimate used for "remaining" reporting.
func (l *Ledger) SetRequired(n int64) {
	l.mu.Lock()
	l.required = n
	l.mu.Unlock()
}

func (l *Ledger) AddRetrieved(n int) {
	l.mu.Lock()
	l.totalRetrieved += int64(n)
	l.mu.Unlock()
}

func (l *Ledger) AddEnrichedProvider(n int) {
	l.mu.Lock()
	l.totalEnrichedProvider += int64(n)
	l.mu.Unlock()
}

func (l *Ledger) AddEnrichmentErrors(n int) {
	l.mu.Lock()
	l.enrichmentErrors += int64(n)
	l.mu.Unlock()
}

func (l *Ledger) AddSaved(n int) {
	l.mu.Lock()
	l.totalSaved += int64(n)
	l.mu.Unlock()
}

// RecordError appends msg to the ring, dropping the oldest entry when full.
func (l *Ledger) RecordError(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.latestErrors) == MaxLatestErrors {
		copy(l.latestErrors, l.latestErrors[1:])
		l.latestErrors = l.latestErrors[:MaxLatestErrors-1]
	}
	l.latestErrors = append(l.latestErrors, msg)
}

// Remaining is the credit estimate minus what has been retrieved so far.
func (l *Ledger) Remaining() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.required - l.totalRetrieved
}

func (l *Ledger) Required() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.required
}

// Snapshot returns a copy of the counters and recent errors.
func (l *Ledger) Snapshot() models.LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	errs := make([]string, len(l.latestErrors))
	copy(errs, l.latestErrors)
	return models.LedgerSnapshot{
		TotalRetrieved:        l.totalRetrieved,
		TotalEnrichedProvider: l.totalEnrichedProvider,
		EnrichmentErrors:      l.enrichmentErrors,
		TotalSaved:            l.totalSaved,
		LatestErrors:          errs,
	}
}
