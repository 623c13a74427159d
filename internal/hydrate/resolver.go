package hydrate

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/ledger"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/models"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/retry"
)

// Lookup is the single-call resolve the Resolver retries.
type Lookup interface {
	Resolve(ctx context.Context, ids []string) (models.HydrationResult, error)
}

// Resolver hydrates a batch and retries only the unresolved subset, pausing
// between rounds. Ids still unresolved after the last round stay unresolved.
type Resolver struct {
	api    Lookup
	rounds int
	pause  time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
	ledger *ledger.Ledger
	log    logrus.FieldLogger
}

// NewResolver creates a resolver making at most rounds calls per batch.
func NewResolver(api Lookup, rounds int, pause time.Duration, l *ledger.Ledger, log logrus.FieldLogger) *Resolver {
	if rounds < 1 {
		rounds = 1
	}
	return &Resolver{
		api:    api,
		rounds: rounds,
		pause:  pause,
		sleep:  retry.Sleep,
		ledger: l,
		log:    log,
	}
}

// SetSleep replaces the pause between rounds, for tests.
func (r *Resolver) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	r.sleep = sleep
}

// Hydrate resolves ids. Every id ends up in exactly one of Data or Errors;
// a failed call marks the whole pending set unresolved for that round.
// Each round's unresolved count is added to the ledger's enrichment errors.
func (r *Resolver) Hydrate(ctx context.Context, ids []string) models.HydrationResult {
	var out models.HydrationResult
	if len(ids) == 0 {
		return out
	}

	pending := ids
	for round := 1; round <= r.rounds; round++ {
		if round > 1 {
			r.log.Infof("NOT FOUND BEFORE - round %d: %v", round, pending)
			if err := r.sleep(ctx, r.pause); err != nil {
				out.Errors = unresolvedAll(pending, err.Error())
				break
			}
		}

		res, err := r.api.Resolve(ctx, pending)
		if err != nil {
			r.log.WithError(err).WithField("round", round).Error("post lookup failed")
			r.ledger.RecordError(err.Error())
			res = models.HydrationResult{Errors: unresolvedAll(pending, err.Error())}
		}

		out.Data = append(out.Data, res.Data...)
		out.Errors = missing(pending, res)
		r.ledger.AddEnrichmentErrors(len(out.Errors))

		if len(out.Errors) == 0 {
			break
		}
		if round > 1 {
			r.log.Infof("NOT FOUND AFTER - round %d: %v", round, values(out.Errors))
		}
		pending = values(out.Errors)
	}

	return out
}

// missing returns res.Errors plus any requested id the API silently
// omitted from both lists.
func missing(requested []string, res models.HydrationResult) []models.UnresolvedID {
	seen := make(map[string]bool, len(res.Data)+len(res.Errors))
	for _, p := range res.Data {
		seen[p.ID] = true
	}
	errs := make([]models.UnresolvedID, 0, len(res.Errors))
	for _, e := range res.Errors {
		if seen[e.Value] {
			continue
		}
		seen[e.Value] = true
		errs = append(errs, e)
	}
	for _, id := range requested {
		if !seen[id] {
			seen[id] = true
			errs = append(errs, models.UnresolvedID{Value: id, Reason: "not returned"})
		}
	}
	return errs
}

func unresolvedAll(ids []string, reason string) []models.UnresolvedID {
	out := make([]models.UnresolvedID, len(ids))
	for i, id := range ids {
		out[i] = models.UnresolvedID{Value: id, Reason: reason}
	}
	return out
}

func values(errs []models.UnresolvedID) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Value
	}
	return out
}
