package harvest

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/ledger"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/models"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/search"
)

const (
	dateLayout       = "2006-01-02"
	defaultRangeDays = 30
	hoursPerDay      = 24
	secondsPerWindow = 3600
)

// Windows splits the inclusive date range into one-hour UTC windows in
// chronological order. An empty from means today; an empty to means from
// plus thirty days. An inverted range is swapped.
func Windows(from, to string, now time.Time) ([]models.SearchWindow, error) {
	start := now.UTC().Truncate(24 * time.Hour)
	if from != "" {
		t, err := time.ParseInLocation(dateLayout, from, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("invalid from date %q: %w", from, err)
		}
		start = t
	}

	end := start.AddDate(0, 0, defaultRangeDays)
	if to != "" {
		t, err := time.ParseInLocation(dateLayout, to, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("invalid to date %q: %w", to, err)
		}
		end = t
	}

	if start.After(end) {
		start, end = end, start
	}

	var windows []models.SearchWindow
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		base := day.Unix()
		for h := 0; h < hoursPerDay; h++ {
			windows = append(windows, models.SearchWindow{
				Year:      day.Year(),
				Month:     day.Month(),
				Day:       day.Day(),
				Hour:      h,
				HourStart: base + int64(h*secondsPerWindow),
				HourEnd:   base + int64((h+1)*secondsPerWindow),
			})
		}
	}
	return windows, nil
}

// BatchFunc receives the items of one window, in order.
type BatchFunc func(ctx context.Context, window models.SearchWindow, items []models.RawItem) error

// Scheduler drives one cursor per window, strictly one after another.
type Scheduler struct {
	api    Searcher
	pacing Pacing
	ledger *ledger.Ledger
	log    logrus.FieldLogger
	now    func() time.Time
}

// NewScheduler creates a scheduler over api.
func NewScheduler(api Searcher, pacing Pacing, l *ledger.Ledger, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		api:    api,
		pacing: pacing,
		ledger: l,
		log:    log,
		now:    time.Now,
	}
}

// Run harvests every window between from and to for the topic and hands each
// window's items to fn. A failed cursor is logged and recorded; the run moves
// on to the next window. Errors from fn or a cancelled context stop the run.
func (s *Scheduler) Run(ctx context.Context, projectID, topicID, from, to string, fn BatchFunc) error {
	windows, err := Windows(from, to, s.now())
	if err != nil {
		return err
	}
	if len(windows) > 0 {
		first, last := windows[0], windows[len(windows)-1]
		s.log.Infof("starting search from %04d-%02d-%02d till %04d-%02d-%02d",
			first.Year, first.Month, first.Day, last.Year, last.Month, last.Day)
	}

	for _, w := range windows {
		if w.Hour == 0 {
			s.log.Infof("Fetching Day - %d/%d/%d", w.Month, w.Day, w.Year)
		}

		cursor := NewCursor(s.api, search.Query{ProjectID: projectID, TopicID: topicID, Window: w}, s.pacing)
		items, cerr := cursor.Run(ctx)
		if cerr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			s.log.WithError(cerr).WithFields(windowFields(w)).Error("search cursor terminated")
			s.ledger.RecordError(cerr.Error())
		}

		s.ledger.AddRetrieved(len(items))
		if err := fn(ctx, w, items); err != nil {
			return err
		}

		snap := s.ledger.Snapshot()
		s.log.WithFields(windowFields(w)).WithFields(logrus.Fields{
			"window_items":            len(items),
			"pages":                   cursor.Pages(),
			"retrieved":               snap.TotalRetrieved,
			"remaining":               s.ledger.Remaining(),
			"saved":                   snap.TotalSaved,
			"total_enriched_provider": snap.TotalEnrichedProvider,
			"enrichment_errors":       snap.EnrichmentErrors,
		}).Infof("Item retrieved for %d/%d/%d hour %d: %d", w.Month, w.Day, w.Year, w.Hour, len(items))
	}
	return nil
}

func windowFields(w models.SearchWindow) logrus.Fields {
	return logrus.Fields{
		"date":       fmt.Sprintf("%04d-%02d-%02d", w.Year, w.Month, w.Day),
		"hour":       w.Hour,
		"hour_start": w.HourStart,
		"hour_end":   w.HourEnd,
	}
}
