package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("API_KEY", "tw-key")
	t.Setenv("SOCIAL_TOKEN", "bearer")
	setBuckets(t)
}

func setBuckets(t *testing.T) {
	t.Setenv("OUTPUT_BUCKET_NAME", "out")
	t.Setenv("TEXT_BUCKET_NAME", "text")
	t.Setenv("ERROR_BUCKET_NAME", "errors")
	t.Setenv("LOGS_BUCKET_NAME", "logs")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.talkwalker.com/api/v1", cfg.Search.BaseURL)
	assert.Equal(t, 500, cfg.Search.PageSize)
	assert.Equal(t, 3, cfg.Search.MaxRetries)
	assert.Equal(t, time.Second, cfg.Search.PageSpacing)
	assert.Equal(t, 100, cfg.Hydration.BatchSize)
	assert.Equal(t, 3, cfg.Hydration.Rounds)
	assert.Equal(t, 15*time.Second, cfg.Hydration.RoundPause)
	assert.Equal(t, 3, cfg.Hydration.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Hydration.RetryBackoff)
	assert.Equal(t, "twitter", cfg.Hydration.Provider)
	assert.Equal(t, int64(1048576), cfg.Telemetry.RotationBytes)
	assert.Equal(t, "none", cfg.Storage.Type)
	assert.Equal(t, "talkwalker_records", cfg.Storage.TableName)
	assert.Equal(t, "us-west-2", cfg.Storage.Region)
	assert.Equal(t, 0, cfg.Server.Port)
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PAGE_SIZE", "100")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("STORAGE_TYPE", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/harvest.db")
	t.Setenv("HYDRATION_ROUND_PAUSE", "1s")
	t.Setenv("LOG_LEVEL_MASK", "1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Search.PageSize)
	assert.Equal(t, 5, cfg.Search.MaxRetries)
	assert.Equal(t, "eu-west-1", cfg.Storage.Region)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, time.Second, cfg.Hydration.RoundPause)
	assert.Equal(t, 1, cfg.Telemetry.LogLevelMask)
}

func TestLoad_TwitterTokenFallback(t *testing.T) {
	t.Setenv("API_KEY", "k")
	t.Setenv("TWITTER_TOKEN", "legacy")
	setBuckets(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "legacy", cfg.Hydration.Token)
}

func TestLoad_MissingAPIKey(t *testing.T) {
	t.Setenv("SOCIAL_TOKEN", "bearer")

	_, err := Load()
	require.Error(t, err)

	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Contains(t, err.Error(), "APIKey")
}

func TestLoad_StorageRequiresURI(t *testing.T) {
	setRequired(t)
	t.Setenv("STORAGE_TYPE", "postgresql")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PostgresURI")
}

func TestLoad_UnknownStorageType(t *testing.T) {
	setRequired(t)
	t.Setenv("STORAGE_TYPE", "cassandra")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RunArgs(t *testing.T) {
	setRequired(t)
	t.Setenv("PROJECT_ID", "env-project")
	t.Setenv("RUN_ARGS", `{"project_id":"","topic_id":" topic-1 ","task_id":"42","from_date":"2023-11-16","to_date":"2023-11-15","get_news_links":"True"}`)

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateRun())

	assert.Equal(t, "topic-1", cfg.Run.TopicID)
	// empty project falls back to the environment
	assert.Equal(t, "env-project", cfg.Run.ProjectID)
	assert.Equal(t, "42", cfg.Run.TaskID)
	assert.Equal(t, "2023-11-16", cfg.Run.FromDate)
	assert.True(t, cfg.Run.GetNewsLinks)
}

func TestLoad_LegacyArgsEnv(t *testing.T) {
	setRequired(t)
	t.Setenv("TALKWALKER_ARGS", `{"project_id":"p","topic_id":"t","get_news_links":false}`)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "t", cfg.Run.TopicID)
	assert.False(t, cfg.Run.GetNewsLinks)
}

func TestLoad_MalformedRunArgs(t *testing.T) {
	setRequired(t)
	t.Setenv("RUN_ARGS", `{not json`)

	_, err := Load()
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestValidateRun(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Error(t, cfg.ValidateRun(), "topic and project are required")

	cfg.Run.TopicID = "t"
	cfg.Run.ProjectID = "p"
	cfg.Run.FromDate = "16/11/2023"
	assert.Error(t, cfg.ValidateRun())

	cfg.Run.FromDate = "2023-11-16"
	assert.NoError(t, cfg.ValidateRun())
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harvest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
run:
  topic_id: yaml-topic
  project_id: yaml-project
search:
  api_key: from-file
  page_size: 250
hydration:
  token: file-token
  round_pause: 2s
buckets:
  output: out-bucket
`), 0o644))
	t.Setenv("HARVEST_CONFIG", path)
	t.Setenv("PAGE_SIZE", "50")
	t.Setenv("TEXT_BUCKET_NAME", "text")
	t.Setenv("ERROR_BUCKET_NAME", "errors")
	t.Setenv("LOGS_BUCKET_NAME", "logs")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "yaml-topic", cfg.Run.TopicID)
	assert.Equal(t, "from-file", cfg.Search.APIKey)
	// env wins over file
	assert.Equal(t, 50, cfg.Search.PageSize)
	assert.Equal(t, 2*time.Second, cfg.Hydration.RoundPause)
	assert.Equal(t, "out-bucket", cfg.Buckets.Output)
	// untouched defaults survive
	assert.Equal(t, 3, cfg.Search.MaxRetries)
}

func TestLoad_MissingYAMLFile(t *testing.T) {
	setRequired(t)
	t.Setenv("HARVEST_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestLoad_MissingBuckets(t *testing.T) {
	t.Setenv("API_KEY", "tw-key")
	t.Setenv("SOCIAL_TOKEN", "bearer")

	_, err := Load()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "Output")
}

func TestLoad_LocalOnlySkipsOutputBuckets(t *testing.T) {
	t.Setenv("API_KEY", "tw-key")
	t.Setenv("SOCIAL_TOKEN", "bearer")
	t.Setenv("LOCAL_ONLY", "true")
	t.Setenv("LOG_DESTINATION_MASK", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Buckets.LocalOnly)
	assert.Empty(t, cfg.Buckets.Output)
}

func TestLoad_LogBucketsFollowTelemetryMask(t *testing.T) {
	t.Setenv("API_KEY", "tw-key")
	t.Setenv("SOCIAL_TOKEN", "bearer")
	t.Setenv("LOCAL_ONLY", "true")

	// object store log upload is on by default
	_, err := Load()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "LOGS_BUCKET_NAME")

	t.Setenv("LOGS_BUCKET_NAME", "logs")
	_, err = Load()
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "ERROR_BUCKET_NAME")

	t.Setenv("LOG_LEVEL_MASK", "1")
	_, err = Load()
	assert.NoError(t, err)
}
