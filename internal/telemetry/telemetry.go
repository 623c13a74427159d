package telemetry

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs/cloudwatchlogsiface"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/writer"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/config"
)

// Log level mask bits.
const (
	LevelInfo  = config.LogLevelInfo
	LevelError = config.LogLevelError
)

// Log destination mask bits.
const (
	DestinationLocal       = config.LogDestinationLocal
	DestinationObjectStore = config.LogDestinationObjectStore
	DestinationCloudLogs   = config.LogDestinationCloudLogs
)

// Metrics destination mask bits.
const (
	MetricsLocal = 1
	MetricsCloud = 2
)

// Metric dimension names.
const (
	DimensionTopic     = "topic_id"
	DimensionProject   = "project_id"
	DimensionTimestamp = "timestamp"
)

var (
	infoLevels  = []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel}
	errorLevels = []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}
)

// Options describes one run's telemetry.
type Options struct {
	Namespace string
	ProjectID string
	TopicID   string
	Timestamp string

	Config  config.TelemetryConfig
	Buckets config.BucketConfig

	// Clients for the remote destinations; each is required only when the
	// matching mask bit is set.
	Uploader     Uploader
	CloudLogs    cloudwatchlogsiface.CloudWatchLogsAPI
	CloudMetrics cloudwatchiface.CloudWatchAPI

	// Console receives every entry. Defaults to stdout.
	Console io.Writer
	Now     func() time.Time
}

// Telemetry is a per-run logger and metrics reporter.
type Telemetry struct {
	opts     Options
	logger   *logrus.Logger
	writers  []*RotatingWriter
	registry *prometheus.Registry
	gauges   *prometheus.GaugeVec

	once        sync.Once
	finalizeErr error
}

// New wires the level and destination hooks described by the masks.
func New(opts Options) (*Telemetry, error) {
	if opts.Console == nil {
		opts.Console = os.Stdout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cfg := opts.Config

	if cfg.LogDestinationMask&DestinationObjectStore != 0 && opts.Uploader == nil {
		return nil, errors.New("object store log destination requires an uploader")
	}
	if cfg.LogDestinationMask&DestinationCloudLogs != 0 && opts.CloudLogs == nil {
		return nil, errors.New("cloud log destination requires a CloudWatch Logs client")
	}
	if cfg.MetricsDestinationMask&MetricsCloud != 0 && opts.CloudMetrics == nil {
		return nil, errors.New("cloud metrics destination requires a CloudWatch client")
	}

	logger := logrus.New()
	logger.SetOutput(opts.Console)
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	t := &Telemetry{
		opts:     opts,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: opts.Namespace,
			Name:      "run_counter",
			Help:      "Run ledger counters reported during a harvest.",
		}, []string{"metric", DimensionTopic, DimensionProject, DimensionTimestamp}),
	}
	t.registry.MustRegister(t.gauges)

	streams := []struct {
		bit    int
		name   string
		prefix string
		bucket string
		levels []logrus.Level
	}{
		{LevelInfo, "info", "logs/info", opts.Buckets.Logs, infoLevels},
		{LevelError, "error", "logs/error", opts.Buckets.Errors, errorLevels},
	}

	for _, s := range streams {
		if cfg.LogLevelMask&s.bit == 0 {
			continue
		}

		if cfg.LogDestinationMask&(DestinationLocal|DestinationObjectStore) != 0 {
			w := &RotatingWriter{
				Path:      filepath.Join(cfg.LogDir, fmt.Sprintf("log_%s_%s_%s.log.txt", s.name, opts.TopicID, opts.Timestamp)),
				BackupDir: cfg.BackupDir,
				MaxBytes:  cfg.RotationBytes,
				Now:       opts.Now,
			}
			if cfg.LogDestinationMask&DestinationObjectStore != 0 {
				if s.bucket == "" {
					return nil, fmt.Errorf("object store %s log destination requires a bucket", s.name)
				}
				w.Uploader = opts.Uploader
				w.Bucket = s.bucket
				w.KeyPrefix = t.objectKeyPrefix(s.prefix, s.name)
				logger.Infof("S3 %s log path = %s", s.name, w.KeyPrefix)
			}
			t.writers = append(t.writers, w)
			logger.AddHook(&writer.Hook{Writer: w, LogLevels: s.levels})
		}

		if cfg.LogDestinationMask&DestinationCloudLogs != 0 {
			group := fmt.Sprintf("%s_%s_log", opts.Namespace, s.name)
			stream := fmt.Sprintf("%s_%s_%s", opts.TopicID, opts.Timestamp, opts.ProjectID)
			hook, err := NewCloudLogHook(opts.CloudLogs, group, stream, s.levels)
			if err != nil {
				return nil, err
			}
			logger.AddHook(hook)
			logger.Infof("Added cloudwatch log handler with log group=%s & log stream=%s", group, stream)
		}
	}

	return t, nil
}

// objectKeyPrefix is "{prefix}/{namespace}/{project}/{topic}_{ts}/log_{level}_{topic}".
func (t *Telemetry) objectKeyPrefix(prefix, level string) string {
	o := t.opts
	return fmt.Sprintf("%s/%s/%s/%s_%s/log_%s_%s", prefix, o.Namespace, o.ProjectID, o.TopicID, o.Timestamp, level, o.TopicID)
}

// Logger returns the run logger.
func (t *Telemetry) Logger() *logrus.Logger {
	return t.logger
}

// Registry returns the run's local Prometheus registry.
func (t *Telemetry) Registry() *prometheus.Registry {
	return t.registry
}

// WriteMetric reports an integer counter as a log line and to every enabled
// metrics destination.
func (t *Telemetry) WriteMetric(name string, value int64) {
	o := t.opts

	if o.Config.MetricsDestinationMask&MetricsLocal != 0 {
		t.gauges.WithLabelValues(name, o.TopicID, o.ProjectID, o.Timestamp).Set(float64(value))
	}

	if o.Config.MetricsDestinationMask&MetricsCloud != 0 {
		_, err := o.CloudMetrics.PutMetricData(&cloudwatch.PutMetricDataInput{
			Namespace: aws.String(o.Namespace),
			MetricData: []*cloudwatch.MetricDatum{{
				MetricName: aws.String(name),
				Dimensions: []*cloudwatch.Dimension{
					{Name: aws.String(DimensionTopic), Value: aws.String(o.TopicID)},
					{Name: aws.String(DimensionProject), Value: aws.String(o.ProjectID)},
					{Name: aws.String(DimensionTimestamp), Value: aws.String(o.Timestamp)},
				},
				Value: aws.Float64(float64(value)),
				Unit:  aws.String(cloudwatch.StandardUnitCount),
			}},
		})
		if err != nil {
			t.logger.WithError(err).Warnf("failed to put metric %s", name)
		}
	}

	t.logger.Infof("metric report at %s UTC %s=%d", o.Now().UTC().Format("2006-01-02 15:04:05"), name, value)
}

// Finalize uploads the last segment of every log file and detaches the
// hooks. Only the first call does any work.
func (t *Telemetry) Finalize() error {
	t.once.Do(func() {
		var errs []error
		for _, w := range t.writers {
			if err := w.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		t.logger.ReplaceHooks(make(logrus.LevelHooks))
		t.finalizeErr = errors.Join(errs...)
	})
	return t.finalizeErr
}
