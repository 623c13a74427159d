package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/blobstore"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/cloud"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/config"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/credits"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/extract"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/ingestion"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/storage"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/taskqueue"
)

var log = logrus.New()

// run parameter overrides
var (
	topicID      string
	projectID    string
	taskID       string
	fromDate     string
	toDate       string
	getNewsLinks bool

	extractIn  string
	extractOut string
)

var rootCmd = &cobra.Command{
	Use:           "harvester",
	Short:         "Harvest topic mentions and hydrate social posts",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one harvest job",
	Long:  `Claims a task when no topic is configured, checks credits, harvests every hourly window and publishes the output.`,
	RunE:  runHarvest,
}

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Print the credit budget for the configured topic",
	RunE:  runCredits,
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Convert a JSONL output file to plain text",
	RunE:  runExtract,
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, creditsCmd} {
		cmd.Flags().StringVar(&topicID, "topic", "", "Topic id (overrides TOPIC_ID)")
		cmd.Flags().StringVar(&projectID, "project", "", "Project id (overrides PROJECT_ID)")
	}
	runCmd.Flags().StringVar(&taskID, "task", "", "Task id used in the output key")
	runCmd.Flags().StringVar(&fromDate, "from", "", "First day to harvest, YYYY-MM-DD")
	runCmd.Flags().StringVar(&toDate, "to", "", "Last day to harvest, YYYY-MM-DD")
	runCmd.Flags().BoolVar(&getNewsLinks, "news", false, "Download articles behind news links")

	extractCmd.Flags().StringVar(&extractIn, "in", "", "Input JSONL file")
	extractCmd.Flags().StringVar(&extractOut, "out", "", "Output text file")
	extractCmd.MarkFlagRequired("in")
	extractCmd.MarkFlagRequired("out")

	rootCmd.AddCommand(runCmd, creditsCmd, extractCmd)
}

func main() {
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Warn("Shutdown signal received, stopping harvest...")
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, taskqueue.ErrNoTask) {
			log.Info("No task to claim, exiting")
			return
		}
		var validationErr *config.ValidationError
		var quotaErr *credits.QuotaError
		switch {
		case errors.As(err, &validationErr):
			log.WithError(err).Error("Configuration error")
		case errors.As(err, &quotaErr):
			log.WithError(err).Error("Run aborted")
		default:
			log.WithError(err).Error("Harvest failed")
		}
		cancel()
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("topic") {
		cfg.Run.TopicID = topicID
	}
	if flags.Changed("project") {
		cfg.Run.ProjectID = projectID
	}
	if flags.Changed("task") {
		cfg.Run.TaskID = taskID
	}
	if flags.Changed("from") {
		cfg.Run.FromDate = fromDate
	}
	if flags.Changed("to") {
		cfg.Run.ToDate = toDate
	}
	if flags.Changed("news") {
		cfg.Run.GetNewsLinks = getNewsLinks
	}
	return cfg, nil
}

func runHarvest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	sess, err := cloud.NewSession(cfg.AWS)
	if err != nil {
		return err
	}

	// Initialize storage
	store, err := storage.NewStorage(ctx, cfg.Storage, sess)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("Failed to close storage")
		}
	}()

	deps := ingestion.Dependencies{
		Blobs:        blobstore.New(sess, log),
		CloudLogs:    cloudwatchlogs.New(sess),
		CloudMetrics: cloudwatch.New(sess),
		Storage:      store,
	}
	if cfg.TaskQueue.URL != "" {
		deps.Tasks = taskqueue.NewClient(cfg.TaskQueue.URL, cfg.Search.Timeout, log)
	}

	result, err := ingestion.NewService(cfg, deps).Run(ctx)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"run_id":      result.RunID,
		"output":      result.OutputURI,
		"total_saved": result.Ledger.TotalSaved,
	}).Info("Harvest complete")
	return nil
}

func runCredits(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Run.TopicID == "" || cfg.Run.ProjectID == "" {
		return &config.ValidationError{Err: errors.New("topic and project are required")}
	}

	budget, err := ingestion.NewService(cfg, ingestion.Dependencies{}).EstimateCredits(cmd.Context(), log)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "topic=%s available=%d required=%d\n", cfg.Run.TopicID, budget.Available, budget.Required)
	return credits.Check(cfg.Run.TopicID, budget)
}

func runExtract(cmd *cobra.Command, args []string) error {
	converter := extract.NewConverter(log)
	converter.Configure(extractIn, extractOut)

	lines, err := converter.Convert()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d lines to %s\n", lines, extractOut)
	return nil
}
