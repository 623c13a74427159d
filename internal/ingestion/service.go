package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs/cloudwatchlogsiface"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/article"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/config"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/credits"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/enrich"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/extract"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/harvest"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/hydrate"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/ledger"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/models"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/search"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/server"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/storage"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/taskqueue"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/telemetry"
)

// Uploader copies a local file to object storage
type Uploader interface {
	Upload(ctx context.Context, path, bucket, key string) error
}

// TaskQueue hands out harvest tasks and records their outcome
type TaskQueue interface {
	Claim(ctx context.Context, taskType, agent string) (*taskqueue.Task, error)
	Complete(ctx context.Context, resultKey, taskID string, success bool, message string) error
}

// Dependencies are the external clients a run uses. Any of them may be nil
// when the matching feature is switched off.
type Dependencies struct {
	Blobs        Uploader
	CloudLogs    cloudwatchlogsiface.CloudWatchLogsAPI
	CloudMetrics cloudwatchiface.CloudWatchAPI
	Storage      storage.Storage
	Tasks        TaskQueue

	// Console receives the run log; defaults to stdout.
	Console io.Writer
	// Sleep replaces every pacing, backoff and hydration pause.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Result summarises a finished run
type Result struct {
	RunID      string
	OutputPath string
	OutputURI  string
	Ledger     models.LedgerSnapshot
}

// Service runs one harvest job end to end
type Service struct {
	config *config.Config
	deps   Dependencies
}

// NewService creates a new ingestion service
func NewService(cfg *config.Config, deps Dependencies) *Service {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Storage == nil {
		deps.Storage = storage.NewMemoryStorage()
	}
	return &Service{config: cfg, deps: deps}
}

// run carries the state of one harvest
type run struct {
	id        string
	timestamp string
	task      *taskqueue.Task
	ledger    *ledger.Ledger
	tel       *telemetry.Telemetry
	log       logrus.FieldLogger
	status    models.RunStatus
}

// Run claims a task if no topic is configured, harvests the topic, and
// publishes the output. Telemetry is finalized on every path once created.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	task, err := s.claimTask(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.config.ValidateRun(); err != nil {
		s.completeTask(ctx, task, "", false, err.Error())
		return nil, err
	}

	started := s.deps.Now()
	r := &run{
		id:        uuid.NewString(),
		timestamp: strconv.FormatInt(started.Unix(), 10),
		task:      task,
		ledger:    ledger.New(),
	}

	rc := s.config.Run
	r.tel, err = telemetry.New(telemetry.Options{
		Namespace:    config.Namespace,
		ProjectID:    rc.ProjectID,
		TopicID:      rc.TopicID,
		Timestamp:    r.timestamp,
		Config:       s.config.Telemetry,
		Buckets:      s.config.Buckets,
		Uploader:     s.deps.Blobs,
		CloudLogs:    s.deps.CloudLogs,
		CloudMetrics: s.deps.CloudMetrics,
		Console:      s.deps.Console,
		Now:          s.deps.Now,
	})
	if err != nil {
		err = fmt.Errorf("failed to set up telemetry: %w", err)
		s.completeTask(ctx, task, "", false, err.Error())
		return nil, err
	}
	defer func() {
		if ferr := r.tel.Finalize(); ferr != nil {
			logrus.WithError(ferr).Warn("telemetry finalize failed")
		}
	}()

	r.log = r.tel.Logger().WithFields(logrus.Fields{
		"run_id":     r.id,
		"topic_id":   rc.TopicID,
		"project_id": rc.ProjectID,
	})
	r.status = models.RunStatus{
		RunID:     r.id,
		TaskID:    rc.TaskID,
		TopicID:   rc.TopicID,
		ProjectID: rc.ProjectID,
		StartedAt: started.UTC(),
		Status:    models.RunStatusRunning,
	}
	s.saveStatus(ctx, r)

	if s.config.Server.Port > 0 {
		srv := server.NewServer(s.config.Server, r.ledger, s.deps.Storage, r.id, r.tel.Registry())
		go func() {
			r.log.Infof("Starting HTTP server on port %d", s.config.Server.Port)
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.log.WithError(err).Error("HTTP server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	result, err := s.harvest(ctx, r)
	if err != nil {
		r.log.WithError(err).Error("harvest failed")
		s.finish(ctx, r, "", err)
		return nil, err
	}

	s.finish(ctx, r, result.OutputURI, nil)
	r.log.Info("=== Talkwalker driver completed. ===")
	return result, nil
}

func (s *Service) harvest(ctx context.Context, r *run) (*Result, error) {
	cfg := s.config
	rc := cfg.Run

	searchClient := search.NewClient(cfg.Search, r.log, r.ledger)
	searchClient.SetSocialProvider(cfg.Hydration.Provider)
	if s.deps.Sleep != nil {
		searchClient.SetSleep(s.deps.Sleep)
	}

	budget, err := credits.NewEstimator(searchClient, r.log).Estimate(ctx, rc.TopicID, rc.ProjectID)
	if err != nil {
		return nil, err
	}
	r.ledger.SetRequired(budget.Required)
	r.log.Infof("Topic: %s, Required: %d, Available: %d", rc.TopicID, budget.Required, budget.Available)
	if err := credits.Check(rc.TopicID, budget); err != nil {
		return nil, err
	}

	base := fmt.Sprintf("%s_%s_%s", config.Namespace, rc.TopicID, r.timestamp)
	outputPath := filepath.Join(rc.DataDir, base+".jsonl")
	errorsPath := filepath.Join(rc.DataDir, base+".errors.txt")

	writer, err := storage.NewJSONLWriter(outputPath)
	if err != nil {
		return nil, err
	}
	defer writer.Close()
	sink := storage.Fanout(writer, s.deps.Storage)

	errorSink := hydrate.NewFileSink(errorsPath)
	lookup := hydrate.NewClient(cfg.Hydration, errorSink, r.log)
	resolver := hydrate.NewResolver(lookup, cfg.Hydration.Rounds, cfg.Hydration.RoundPause, r.ledger, r.log)
	if s.deps.Sleep != nil {
		lookup.SetSleep(s.deps.Sleep)
		resolver.SetSleep(s.deps.Sleep)
	}

	opts := enrich.Options{Provider: cfg.Hydration.Provider, BatchSize: cfg.Hydration.BatchSize}
	if rc.GetNewsLinks {
		opts.Articles = article.NewFetcher(cfg.Search.Timeout)
	}
	pipeline := enrich.NewPipeline(opts, resolver, sink, r.ledger, r.tel, r.log)

	scheduler := harvest.NewScheduler(searchClient, harvest.Pacing{
		PrePause:   cfg.Search.PagePause,
		MinSpacing: cfg.Search.PageSpacing,
		Sleep:      s.deps.Sleep,
		Now:        s.deps.Now,
	}, r.ledger, r.log)

	err = scheduler.Run(ctx, rc.ProjectID, rc.TopicID, rc.FromDate, rc.ToDate,
		func(ctx context.Context, _ models.SearchWindow, items []models.RawItem) error {
			return pipeline.Consume(ctx, items)
		})
	if err == nil {
		err = pipeline.Flush(ctx)
	}
	if cerr := writer.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close output file: %w", cerr)
	}

	pipeline.EmitMetrics()
	snap := r.ledger.Snapshot()
	r.log.WithFields(logrus.Fields{
		"total_retrieved":         snap.TotalRetrieved,
		"total_enriched_provider": snap.TotalEnrichedProvider,
		"enrichment_errors":       snap.EnrichmentErrors,
		"total_saved":             snap.TotalSaved,
		"latest_errors":           snap.LatestErrors,
	}).Info("harvest finished")
	if err != nil {
		return nil, err
	}

	result := &Result{RunID: r.id, OutputPath: outputPath, Ledger: snap}
	if err := s.publish(ctx, r, result, errorSink); err != nil {
		return nil, err
	}
	s.writeXCom(r, result.OutputURI)
	return result, nil
}

// objectKey is the output key: p6m/public/raw/{ns}/{project}/{topic}/{ts}/{task}.jsonl
func (s *Service) objectKey(r *run) string {
	rc := s.config.Run
	name := rc.TaskID
	if name == "" {
		name = r.id
	}
	return fmt.Sprintf("p6m/public/raw/%s/%s/%s/%s/%s.jsonl", config.Namespace, rc.ProjectID, rc.TopicID, r.timestamp, name)
}

// publish uploads the JSONL output, its text extraction and the hydration
// error sidecar to their buckets, then removes the local copies. A local-only
// run keeps its files and reports the local path.
func (s *Service) publish(ctx context.Context, r *run, result *Result, errorSink *hydrate.FileSink) error {
	buckets := s.config.Buckets
	key := s.objectKey(r)

	// {namespace}_{topic}_{ts}.jsonl.txt
	textPath := result.OutputPath + ".txt"
	converter := extract.NewConverter(r.log)
	converter.Configure(result.OutputPath, textPath)
	lines, err := converter.Convert()
	if err != nil {
		return fmt.Errorf("failed to extract text: %w", err)
	}
	r.log.Infof("Extracted %d text lines to %s", lines, textPath)

	if buckets.LocalOnly {
		r.log.Infof("local-only run, keeping results in %s", filepath.Dir(result.OutputPath))
		result.OutputURI = result.OutputPath
		return nil
	}
	if s.deps.Blobs == nil {
		return fmt.Errorf("no uploader for output bucket %q", buckets.Output)
	}

	if err := s.deps.Blobs.Upload(ctx, result.OutputPath, buckets.Output, key); err != nil {
		return err
	}
	result.OutputURI = buckets.Output + "/" + key

	if err := s.deps.Blobs.Upload(ctx, textPath, buckets.Text, filepath.Base(textPath)); err != nil {
		return err
	}

	uploaded := []string{result.OutputPath, textPath}
	if errorSink.Lines() > 0 {
		errorsKey := strings.TrimSuffix(key, ".jsonl") + ".errors.txt"
		if err := s.deps.Blobs.Upload(ctx, errorSink.Path(), buckets.Errors, errorsKey); err != nil {
			return err
		}
		uploaded = append(uploaded, errorSink.Path())
	}

	for _, path := range uploaded {
		if err := os.Remove(path); err != nil {
			r.log.WithError(err).Warnf("failed to remove %s", path)
		}
	}
	return nil
}

// writeXCom hands the output location to Airflow. Outside Airflow the
// directory usually does not exist, so a failure is only logged.
func (s *Service) writeXCom(r *run, output string) {
	path := s.config.Run.XComPath
	if path == "" {
		return
	}
	payload, _ := json.Marshal(map[string]string{"output": output})
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		r.log.WithError(err).Warn("failed to create xcom directory")
		return
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		r.log.WithError(err).Warn("failed to write xcom file")
	}
}

func (s *Service) claimTask(ctx context.Context) (*taskqueue.Task, error) {
	tq := s.config.TaskQueue
	if s.config.Run.TopicID != "" || s.deps.Tasks == nil {
		return nil, nil
	}

	task, err := s.deps.Tasks.Claim(ctx, tq.TaskType, tq.Agent)
	if err != nil {
		return nil, fmt.Errorf("failed to claim %s task: %w", tq.TaskType, err)
	}
	if err := s.config.Run.ApplyArgs([]byte(task.Query)); err != nil {
		s.completeTask(ctx, task, "", false, err.Error())
		return nil, &config.ValidationError{Err: err}
	}
	s.config.Run.TaskID = task.ID
	return task, nil
}

func (s *Service) completeTask(ctx context.Context, task *taskqueue.Task, output string, success bool, message string) {
	if task == nil || s.deps.Tasks == nil {
		return
	}
	if err := s.deps.Tasks.Complete(ctx, output, task.ID, success, message); err != nil {
		logrus.WithError(err).WithField("task_id", task.ID).Warn("failed to complete task")
	}
}

func (s *Service) finish(ctx context.Context, r *run, output string, runErr error) {
	r.status.FinishedAt = s.deps.Now().UTC()
	r.status.Ledger = r.ledger.Snapshot()
	r.status.OutputURI = output

	message := fmt.Sprintf("saved %d records", r.status.Ledger.TotalSaved)
	if runErr != nil {
		r.status.Status = models.RunStatusFailure
		r.status.ErrorMessage = runErr.Error()
		message = runErr.Error()
	} else {
		r.status.Status = models.RunStatusSuccess
	}

	s.saveStatus(ctx, r)
	s.completeTask(ctx, r.task, output, runErr == nil, message)
}

func (s *Service) saveStatus(ctx context.Context, r *run) {
	// the final status must land even when the run was cancelled
	if err := s.deps.Storage.UpdateRunStatus(context.WithoutCancel(ctx), r.status); err != nil {
		r.log.WithError(err).Warn("failed to update run status")
	}
}

// EstimateCredits reports the credit budget of the configured topic without
// harvesting.
func (s *Service) EstimateCredits(ctx context.Context, log logrus.FieldLogger) (models.CreditBudget, error) {
	rc := s.config.Run
	client := search.NewClient(s.config.Search, log, nil)
	if s.deps.Sleep != nil {
		client.SetSleep(s.deps.Sleep)
	}
	estimator := credits.NewEstimator(client, log)

	exists, err := estimator.ProjectExists(ctx, rc.ProjectID)
	if err != nil {
		return models.CreditBudget{}, err
	}
	if !exists {
		log.Warnf("project %s is not listed for this account", rc.ProjectID)
	}
	return estimator.Estimate(ctx, rc.TopicID, rc.ProjectID)
}
