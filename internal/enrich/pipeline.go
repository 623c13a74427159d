package enrich

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/article"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/ledger"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/models"
)

// MetricsEvery is how many processed items pass between metric reports.
const MetricsEvery = 24

// Ledger counter names reported as metrics.
const (
	MetricTotalRetrieved        = "total_retrieved"
	MetricTotalEnrichedProvider = "total_enriched_provider"
	MetricEnrichmentErrors      = "enrichment_errors"
	MetricTotalSaved            = "total_saved"
)

// Hydrator resolves a batch of social post ids.
type Hydrator interface {
	Hydrate(ctx context.Context, ids []string) models.HydrationResult
}

// RecordSink persists merged records in order.
type RecordSink interface {
	StoreRecords(ctx context.Context, records []models.MergedRecord) error
}

// MetricWriter reports one integer metric.
type MetricWriter interface {
	WriteMetric(name string, value int64)
}

// ArticleFetcher downloads a news article behind an item URL.
type ArticleFetcher interface {
	Fetch(ctx context.Context, rawURL, media string) (models.Attributes, error)
}

// Options configures a Pipeline.
type Options struct {
	Provider  string
	BatchSize int
	// Articles is nil when news links are not requested.
	Articles ArticleFetcher
}

// Pipeline routes harvested items: social posts are batched for hydration,
// everything else is persisted as it arrives.
type Pipeline struct {
	opts     Options
	hydrator Hydrator
	sink     RecordSink
	ledger   *ledger.Ledger
	metrics  MetricWriter
	log      logrus.FieldLogger

	batch     []models.RawItem
	processed int
}

// NewPipeline creates an enrichment pipeline.
func NewPipeline(opts Options, hydrator Hydrator, sink RecordSink, l *ledger.Ledger, metrics MetricWriter, log logrus.FieldLogger) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Pipeline{
		opts:     opts,
		hydrator: hydrator,
		sink:     sink,
		ledger:   l,
		metrics:  metrics,
		log:      log,
		batch:    make([]models.RawItem, 0, opts.BatchSize),
	}
}

// Consume processes one window's items in order.
func (p *Pipeline) Consume(ctx context.Context, items []models.RawItem) error {
	for _, item := range items {
		if err := p.consumeOne(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) consumeOne(ctx context.Context, item models.RawItem) error {
	p.processed++

	if item.ExternalProvider == p.opts.Provider {
		p.batch = append(p.batch, item)
		p.ledger.AddEnrichedProvider(1)
		if len(p.batch) == p.opts.BatchSize {
			p.log.Infof("Batched %s items = %d", p.opts.Provider, len(p.batch))
			if err := p.flush(ctx); err != nil {
				return err
			}
		}
	} else {
		if p.opts.Articles != nil && article.IsNews(item.SourceType) {
			p.attachArticle(ctx, &item)
		}
		if err := p.store(ctx, []models.MergedRecord{{RawItem: item}}); err != nil {
			return err
		}
	}

	if p.processed%MetricsEvery == 0 {
		p.EmitMetrics()
	}
	return nil
}

// Flush hydrates and persists whatever remains in the partial batch.
func (p *Pipeline) Flush(ctx context.Context) error {
	if len(p.batch) == 0 {
		return nil
	}
	return p.flush(ctx)
}

func (p *Pipeline) flush(ctx context.Context) error {
	batch := p.batch
	p.batch = make([]models.RawItem, 0, p.opts.BatchSize)

	ids := make([]string, len(batch))
	for i, item := range batch {
		ids[i] = item.ExternalID
	}

	res := p.hydrator.Hydrate(ctx, ids)
	records := MergeBatch(batch, res)

	p.log.Infof("%s items merged. batch = %d. valid = %d. invalid = %d. merged = %d",
		p.opts.Provider, len(batch), len(res.Data), len(res.Errors), len(records))

	return p.store(ctx, records)
}

func (p *Pipeline) store(ctx context.Context, records []models.MergedRecord) error {
	if err := p.sink.StoreRecords(ctx, records); err != nil {
		return fmt.Errorf("failed to store records: %w", err)
	}
	p.ledger.AddSaved(len(records))
	return nil
}

func (p *Pipeline) attachArticle(ctx context.Context, item *models.RawItem) {
	p.log.Infof("Fetching Article %s", item.URL)
	art, err := p.opts.Articles.Fetch(ctx, item.URL, item.Source)
	if err != nil {
		p.log.WithError(err).Info("Ignoring this article")
		p.ledger.RecordError(fmt.Sprintf("error: %v article: %s", err, item.URL))
		return
	}
	attrs := make(models.Attributes, len(item.Attributes)+1)
	for k, v := range item.Attributes {
		attrs[k] = v
	}
	attrs["news_article"] = map[string]any(art)
	item.Attributes = attrs
}

// EmitMetrics writes the four ledger counters.
func (p *Pipeline) EmitMetrics() {
	if p.metrics == nil {
		return
	}
	snap := p.ledger.Snapshot()
	p.metrics.WriteMetric(MetricTotalRetrieved, snap.TotalRetrieved)
	p.metrics.WriteMetric(MetricTotalEnrichedProvider, snap.TotalEnrichedProvider)
	p.metrics.WriteMetric(MetricEnrichmentErrors, snap.EnrichmentErrors)
	p.metrics.WriteMetric(MetricTotalSaved, snap.TotalSaved)
}

// Pending returns the size of the unflushed batch.
func (p *Pipeline) Pending() int { return len(p.batch) }

// MergeBatch lines hydration results up with their original items: hydrated
// records first, then unresolved ones. Items the result does not mention are
// kept as unresolved so nothing is dropped.
func MergeBatch(batch []models.RawItem, res models.HydrationResult) []models.MergedRecord {
	byID := make(map[string][]models.RawItem, len(batch))
	for _, item := range batch {
		byID[item.ExternalID] = append(byID[item.ExternalID], item)
	}
	used := make(map[string]bool, len(batch))

	records := make([]models.MergedRecord, 0, len(batch))
	for _, post := range res.Data {
		if used[post.ID] {
			continue
		}
		used[post.ID] = true
		for _, item := range byID[post.ID] {
			records = append(records, Merge(item, post))
		}
	}
	for _, u := range res.Errors {
		if used[u.Value] {
			continue
		}
		used[u.Value] = true
		for _, item := range byID[u.Value] {
			records = append(records, MarkUnresolved(item, u))
		}
	}
	for _, item := range batch {
		if used[item.ExternalID] {
			continue
		}
		used[item.ExternalID] = true
		for _, dup := range byID[item.ExternalID] {
			records = append(records, MarkUnresolved(dup, models.UnresolvedID{Value: dup.ExternalID, Reason: "not returned"}))
		}
	}
	return records
}

// Merge overlays a hydrated post onto its original item. The published
// timestamp is only replaced when the original was missing or invalid.
func Merge(item models.RawItem, post models.HydratedPost) models.MergedRecord {
	p := post
	rec := models.MergedRecord{RawItem: item, Post: &p}

	if !item.HasKnownPublished() && !post.CreatedAt.IsZero() {
		rec.Published = post.CreatedAt.Unix()
		rec.PublishSource = models.PublishSourceSocial
	}
	if post.Lang != "" {
		rec.Lang = post.Lang
	}
	rec.Body = post.Text
	rec.WordCount = int64(len(strings.Fields(post.Text)))
	return rec
}

// MarkUnresolved keeps an item whose post could not be hydrated, attaching
// the reason. A provenance tag on an unusable timestamp is dropped.
func MarkUnresolved(item models.RawItem, u models.UnresolvedID) models.MergedRecord {
	rec := models.MergedRecord{RawItem: item, HydrationError: &u}
	if !item.HasKnownPublished() {
		rec.PublishSource = ""
	}
	return rec
}
