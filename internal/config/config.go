package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Namespace names the harvester in object keys, metric namespaces and log groups.
const Namespace = "talkwalker"

// Log level mask bits.
const (
	LogLevelInfo  = 1
	LogLevelError = 2
)

// Log destination mask bits.
const (
	LogDestinationLocal       = 1
	LogDestinationObjectStore = 2
	LogDestinationCloudLogs   = 4
)

// Config holds all configuration for the application
type Config struct {
	Run       RunConfig       `yaml:"run"`
	Search    SearchConfig    `yaml:"search"`
	Hydration HydrationConfig `yaml:"hydration"`
	AWS       AWSConfig       `yaml:"aws"`
	Buckets   BucketConfig    `yaml:"buckets"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	TaskQueue TaskQueueConfig `yaml:"task_queue"`
}

// RunConfig holds the parameters of one harvest run
type RunConfig struct {
	TopicID      string `yaml:"topic_id" json:"topic_id" validate:"required"`
	ProjectID    string `yaml:"project_id" json:"project_id" validate:"required"`
	TaskID       string `yaml:"task_id" json:"task_id"`
	FromDate     string `yaml:"from_date" json:"from_date" validate:"omitempty,datetime=2006-01-02"`
	ToDate       string `yaml:"to_date" json:"to_date" validate:"omitempty,datetime=2006-01-02"`
	GetNewsLinks bool   `yaml:"get_news_links" json:"get_news_links"`
	DataDir      string `yaml:"data_dir" json:"-" validate:"required"`
	XComPath     string `yaml:"xcom_path" json:"-"`
}

// SearchConfig holds search and credit API configuration
type SearchConfig struct {
	BaseURL      string        `yaml:"base_url" validate:"required,url"`
	APIKey       string        `yaml:"api_key" validate:"required"`
	PageSize     int           `yaml:"page_size" validate:"gt=0,lte=500"`
	MaxRetries   int           `yaml:"max_retries" validate:"gte=1"`
	Timeout      time.Duration `yaml:"timeout"`
	PagePause    time.Duration `yaml:"page_pause"`
	PageSpacing  time.Duration `yaml:"page_spacing"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// HydrationConfig holds the secondary post API configuration
type HydrationConfig struct {
	Provider      string        `yaml:"provider" validate:"required"`
	BaseURL       string        `yaml:"base_url" validate:"required,url"`
	Token         string        `yaml:"token" validate:"required"`
	BatchSize     int           `yaml:"batch_size" validate:"gt=0,lte=100"`
	Rounds        int           `yaml:"rounds" validate:"gte=1"`
	RoundPause    time.Duration `yaml:"round_pause"`
	RatePerSecond float64       `yaml:"rate_per_second" validate:"gt=0"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries" validate:"gte=1"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

// AWSConfig holds cloud credentials shared by every AWS client
type AWSConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region" validate:"required"`
	Endpoint  string `yaml:"endpoint"` // Custom endpoint for local testing
}

// BucketConfig holds the object storage bucket names. LocalOnly keeps the
// run output on local disk and lifts the output bucket requirements.
type BucketConfig struct {
	Input     string `yaml:"input"`
	Output    string `yaml:"output" validate:"required_unless=LocalOnly true"`
	Text      string `yaml:"text" validate:"required_unless=LocalOnly true"`
	Errors    string `yaml:"errors" validate:"required_unless=LocalOnly true"`
	Logs      string `yaml:"logs"`
	LocalOnly bool   `yaml:"local_only"`
}

// TelemetryConfig holds the job logger and metrics configuration
type TelemetryConfig struct {
	LogLevelMask           int    `yaml:"log_level_mask" validate:"gte=0,lte=3"`
	LogDestinationMask     int    `yaml:"log_destination_mask" validate:"gte=0,lte=7"`
	MetricsDestinationMask int    `yaml:"metrics_destination_mask" validate:"gte=0,lte=3"`
	RotationBytes          int64  `yaml:"rotation_bytes" validate:"gt=0"`
	LogDir                 string `yaml:"log_dir" validate:"required"`
	BackupDir              string `yaml:"backup_dir" validate:"required"`
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	Type          string `yaml:"type" validate:"oneof=none dynamodb mongodb postgresql sqlite"`
	TableName     string `yaml:"table_name"`
	Endpoint      string `yaml:"endpoint"` // Custom DynamoDB endpoint for local testing
	MongoDBURI    string `yaml:"mongodb_uri" validate:"required_if=Type mongodb"`
	MongoDatabase string `yaml:"mongodb_database"`
	PostgresURI   string `yaml:"postgres_uri" validate:"required_if=Type postgresql"`
	SQLitePath    string `yaml:"sqlite_path" validate:"required_if=Type sqlite"`
	Region        string `yaml:"-"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int `yaml:"port" validate:"gte=0,lte=65535"`
}

// TaskQueueConfig holds the task queue endpoint used when no topic is given
type TaskQueueConfig struct {
	URL      string `yaml:"url" validate:"omitempty,url"`
	TaskType string `yaml:"task_type"`
	Agent    string `yaml:"agent"`
}

// ValidationError is returned for missing or malformed configuration.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

var validate = validator.New()

// Load loads configuration from an optional YAML file, then environment
// variables with defaults. Run parameters are validated separately with
// ValidateRun because they may come from a claimed task.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("HARVEST_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, &ValidationError{Err: err}
		}
	}

	cfg.applyEnv()

	if err := cfg.applyRunArgs(); err != nil {
		return nil, &ValidationError{Err: err}
	}

	cfg.Storage.Region = cfg.AWS.Region
	if cfg.Storage.TableName == "" {
		cfg.Storage.TableName = Namespace + "_records"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Run: RunConfig{
			DataDir:  "./data",
			XComPath: "/airflow/xcom/return.json",
		},
		Search: SearchConfig{
			BaseURL:      "https://api.talkwalker.com/api/v1",
			PageSize:     500,
			MaxRetries:   3,
			Timeout:      30 * time.Second,
			PagePause:    100 * time.Millisecond,
			PageSpacing:  time.Second,
			RetryBackoff: 5 * time.Second,
		},
		Hydration: HydrationConfig{
			Provider:      "twitter",
			BaseURL:       "https://api.twitter.com/2",
			BatchSize:     100,
			Rounds:        3,
			RoundPause:    15 * time.Second,
			RatePerSecond: 1,
			Timeout:       30 * time.Second,
			MaxRetries:    3,
			RetryBackoff:  5 * time.Second,
		},
		AWS: AWSConfig{
			Region: "us-west-2",
		},
		Telemetry: TelemetryConfig{
			LogLevelMask:           3,
			LogDestinationMask:     7,
			MetricsDestinationMask: 3,
			RotationBytes:          1048576,
			LogDir:                 "./logs",
			BackupDir:              "./logs/backup",
		},
		Storage: StorageConfig{
			Type:          "none",
			MongoDatabase: Namespace,
		},
		TaskQueue: TaskQueueConfig{
			TaskType: Namespace,
			Agent:    hostname,
		},
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Run.TopicID = getEnv("TOPIC_ID", c.Run.TopicID)
	c.Run.ProjectID = getEnv("PROJECT_ID", c.Run.ProjectID)
	c.Run.TaskID = getEnv("TASK_ID", c.Run.TaskID)
	c.Run.FromDate = getEnv("FROM_DATE", c.Run.FromDate)
	c.Run.ToDate = getEnv("TO_DATE", c.Run.ToDate)
	c.Run.GetNewsLinks = getEnvBool("GET_NEWS_LINKS", c.Run.GetNewsLinks)
	c.Run.DataDir = getEnv("DATA_DIR", c.Run.DataDir)
	c.Run.XComPath = getEnv("XCOM_PATH", c.Run.XComPath)

	c.Search.BaseURL = getEnv("SEARCH_BASE_URL", c.Search.BaseURL)
	c.Search.APIKey = getEnv("API_KEY", c.Search.APIKey)
	c.Search.PageSize = getEnvInt("PAGE_SIZE", c.Search.PageSize)
	c.Search.MaxRetries = getEnvInt("MAX_RETRIES", c.Search.MaxRetries)
	c.Search.Timeout = getEnvDuration("SEARCH_TIMEOUT", c.Search.Timeout)

	c.Hydration.Provider = getEnv("SOCIAL_PROVIDER", c.Hydration.Provider)
	c.Hydration.BaseURL = getEnv("SOCIAL_BASE_URL", c.Hydration.BaseURL)
	c.Hydration.Token = getEnv("SOCIAL_TOKEN", getEnv("TWITTER_TOKEN", c.Hydration.Token))
	c.Hydration.RoundPause = getEnvDuration("HYDRATION_ROUND_PAUSE", c.Hydration.RoundPause)
	c.Hydration.RatePerSecond = getEnvFloat("HYDRATION_RATE", c.Hydration.RatePerSecond)
	c.Hydration.MaxRetries = getEnvInt("MAX_RETRIES", c.Hydration.MaxRetries)

	c.AWS.AccessKey = getEnv("AWS_ACCESS_KEY", c.AWS.AccessKey)
	c.AWS.SecretKey = getEnv("AWS_SECRET_KEY", c.AWS.SecretKey)
	c.AWS.Region = getEnv("AWS_REGION", c.AWS.Region)
	c.AWS.Endpoint = getEnv("AWS_ENDPOINT", c.AWS.Endpoint)

	c.Buckets.Input = getEnv("INPUT_BUCKET_NAME", c.Buckets.Input)
	c.Buckets.Output = getEnv("OUTPUT_BUCKET_NAME", c.Buckets.Output)
	c.Buckets.Text = getEnv("TEXT_BUCKET_NAME", c.Buckets.Text)
	c.Buckets.Errors = getEnv("ERROR_BUCKET_NAME", c.Buckets.Errors)
	c.Buckets.Logs = getEnv("LOGS_BUCKET_NAME", c.Buckets.Logs)
	c.Buckets.LocalOnly = getEnvBool("LOCAL_ONLY", c.Buckets.LocalOnly)

	c.Telemetry.LogLevelMask = getEnvInt("LOG_LEVEL_MASK", c.Telemetry.LogLevelMask)
	c.Telemetry.LogDestinationMask = getEnvInt("LOG_DESTINATION_MASK", c.Telemetry.LogDestinationMask)
	c.Telemetry.MetricsDestinationMask = getEnvInt("METRICS_DESTINATION_MASK", c.Telemetry.MetricsDestinationMask)
	c.Telemetry.RotationBytes = int64(getEnvInt("LOG_ROTATION_BYTES", int(c.Telemetry.RotationBytes)))
	c.Telemetry.LogDir = getEnv("LOG_DIR", c.Telemetry.LogDir)
	c.Telemetry.BackupDir = getEnv("LOG_BACKUP_DIR", c.Telemetry.BackupDir)

	c.Storage.Type = getEnv("STORAGE_TYPE", c.Storage.Type)
	c.Storage.TableName = getEnv("TABLE_NAME", c.Storage.TableName)
	c.Storage.Endpoint = getEnv("DYNAMODB_ENDPOINT", c.Storage.Endpoint)
	c.Storage.MongoDBURI = getEnv("MONGODB_URI", c.Storage.MongoDBURI)
	c.Storage.PostgresURI = getEnv("POSTGRES_URI", c.Storage.PostgresURI)
	c.Storage.SQLitePath = getEnv("SQLITE_PATH", c.Storage.SQLitePath)

	c.Server.Port = getEnvInt("SERVER_PORT", c.Server.Port)

	c.TaskQueue.URL = getEnv("TASK_QUEUE_URL", c.TaskQueue.URL)
	c.TaskQueue.Agent = getEnv("TASK_QUEUE_AGENT", c.TaskQueue.Agent)
}

// runArgs mirrors the JSON run-arguments payload. get_news_links arrives as
// either a bool or the string "true".
type runArgs struct {
	ProjectID    string          `json:"project_id"`
	TopicID      string          `json:"topic_id"`
	TaskID       string          `json:"task_id"`
	FromDate     string          `json:"from_date"`
	ToDate       string          `json:"to_date"`
	GetNewsLinks json.RawMessage `json:"get_news_links"`
}

// applyRunArgs overlays RUN_ARGS (or the legacy TALKWALKER_ARGS) onto the
// run parameters. Empty fields keep the value from the environment.
func (c *Config) applyRunArgs() error {
	raw := getEnv("RUN_ARGS", os.Getenv("TALKWALKER_ARGS"))
	if raw == "" {
		return nil
	}
	return c.Run.ApplyArgs([]byte(raw))
}

// ApplyArgs overlays a JSON run-arguments payload onto r.
func (r *RunConfig) ApplyArgs(raw []byte) error {
	var args runArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("failed to parse run arguments: %w", err)
	}

	if v := strings.TrimSpace(args.TopicID); v != "" {
		r.TopicID = v
	}
	if v := strings.TrimSpace(args.ProjectID); v != "" {
		r.ProjectID = v
	}
	if args.TaskID != "" {
		r.TaskID = args.TaskID
	}
	if args.FromDate != "" {
		r.FromDate = args.FromDate
	}
	if args.ToDate != "" {
		r.ToDate = args.ToDate
	}
	if len(args.GetNewsLinks) > 0 {
		r.GetNewsLinks = parseLooseBool(args.GetNewsLinks)
	}
	return nil
}

func parseLooseBool(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.EqualFold(strings.TrimSpace(s), "true")
	}
	return false
}

// Validate checks everything except the run parameters.
func (c *Config) Validate() error {
	for _, section := range []any{c.Search, c.Hydration, c.AWS, c.Buckets, c.Telemetry, c.Storage, c.Server, c.TaskQueue} {
		if err := validate.Struct(section); err != nil {
			return &ValidationError{Err: err}
		}
	}
	if err := c.validateLogBuckets(); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

// validateLogBuckets requires a bucket for every log level shipped to
// object storage, local-only runs included.
func (c *Config) validateLogBuckets() error {
	t := c.Telemetry
	if t.LogDestinationMask&LogDestinationObjectStore == 0 {
		return nil
	}
	if t.LogLevelMask&LogLevelInfo != 0 && c.Buckets.Logs == "" {
		return errors.New("LOGS_BUCKET_NAME is required when info logs go to object storage")
	}
	if t.LogLevelMask&LogLevelError != 0 && c.Buckets.Errors == "" {
		return errors.New("ERROR_BUCKET_NAME is required when error logs go to object storage")
	}
	return nil
}

// ValidateRun checks the run parameters once they are final.
func (c *Config) ValidateRun() error {
	if err := validate.Struct(c.Run); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
