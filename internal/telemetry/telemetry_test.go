package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs/cloudwatchlogsiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/config"
)

type upload struct {
	path, bucket, key string
	content           string
}

// recordingUploader captures uploads along with the file content at upload time.
type recordingUploader struct {
	mu      sync.Mutex
	uploads []upload
}

func (u *recordingUploader) Upload(ctx context.Context, path, bucket, key string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads = append(u.uploads, upload{path: path, bucket: bucket, key: key, content: string(content)})
	return nil
}

// MockCloudWatchLogs is a mock implementation of the CloudWatch Logs API
type MockCloudWatchLogs struct {
	cloudwatchlogsiface.CloudWatchLogsAPI
	mock.Mock
}

func (m *MockCloudWatchLogs) CreateLogGroup(in *cloudwatchlogs.CreateLogGroupInput) (*cloudwatchlogs.CreateLogGroupOutput, error) {
	args := m.Called(in)
	return &cloudwatchlogs.CreateLogGroupOutput{}, args.Error(0)
}

func (m *MockCloudWatchLogs) CreateLogStream(in *cloudwatchlogs.CreateLogStreamInput) (*cloudwatchlogs.CreateLogStreamOutput, error) {
	args := m.Called(in)
	return &cloudwatchlogs.CreateLogStreamOutput{}, args.Error(0)
}

func (m *MockCloudWatchLogs) PutLogEvents(in *cloudwatchlogs.PutLogEventsInput) (*cloudwatchlogs.PutLogEventsOutput, error) {
	args := m.Called(in)
	return &cloudwatchlogs.PutLogEventsOutput{}, args.Error(0)
}

// MockCloudWatch is a mock implementation of the CloudWatch metrics API
type MockCloudWatch struct {
	cloudwatchiface.CloudWatchAPI
	mock.Mock
}

func (m *MockCloudWatch) PutMetricData(in *cloudwatch.PutMetricDataInput) (*cloudwatch.PutMetricDataOutput, error) {
	args := m.Called(in)
	return &cloudwatch.PutMetricDataOutput{}, args.Error(0)
}

func fixedNow() time.Time {
	return time.Date(2023, 11, 15, 10, 0, 0, 0, time.UTC)
}

func TestRotatingWriter_UploadsBeforeMove(t *testing.T) {
	dir := t.TempDir()
	up := &recordingUploader{}
	w := &RotatingWriter{
		Path:      filepath.Join(dir, "log_info_t1_100.log.txt"),
		BackupDir: filepath.Join(dir, "backup"),
		MaxBytes:  10,
		Uploader:  up,
		Bucket:    "logs",
		KeyPrefix: "logs/info/talkwalker/p1/t1_100/log_info_t1",
		Now:       fixedNow,
	}

	_, err := w.Write([]byte("12345678\n"))
	require.NoError(t, err)
	assert.Empty(t, up.uploads)

	_, err = w.Write([]byte("abcdef\n"))
	require.NoError(t, err)

	require.Len(t, up.uploads, 1)
	assert.Equal(t, "12345678\n", up.uploads[0].content)
	assert.Equal(t, "logs", up.uploads[0].bucket)
	assert.Equal(t, fmt.Sprintf("logs/info/talkwalker/p1/t1_100/log_info_t1_%d.log.txt", fixedNow().Unix()), up.uploads[0].key)

	backup, err := os.ReadFile(filepath.Join(dir, "backup", fmt.Sprintf("log_info_t1_100.log.txt_%d.log.txt", fixedNow().Unix())))
	require.NoError(t, err)
	assert.Equal(t, "12345678\n", string(backup))

	current, err := os.ReadFile(w.Path)
	require.NoError(t, err)
	assert.Equal(t, "abcdef\n", string(current))
}

func TestRotatingWriter_CloseUploadsFinalSegment(t *testing.T) {
	dir := t.TempDir()
	up := &recordingUploader{}
	w := &RotatingWriter{
		Path:      filepath.Join(dir, "app.log.txt"),
		BackupDir: filepath.Join(dir, "backup"),
		MaxBytes:  1 << 20,
		Uploader:  up,
		Bucket:    "logs",
		KeyPrefix: "k",
		Now:       fixedNow,
	}

	_, err := w.Write([]byte("line\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.Len(t, up.uploads, 1)
	assert.Equal(t, "line\n", up.uploads[0].content)
	_, err = os.Stat(w.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestRotatingWriter_LocalOnly(t *testing.T) {
	dir := t.TempDir()
	w := &RotatingWriter{Path: filepath.Join(dir, "a.log.txt"), BackupDir: filepath.Join(dir, "b"), MaxBytes: 4, Now: fixedNow}

	_, err := w.Write([]byte("abcd"))
	require.NoError(t, err)
	_, err = w.Write([]byte("ef"))
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "b"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func telemetryOptions(dir string, level, dest, metrics int) Options {
	return Options{
		Namespace: "talkwalker",
		ProjectID: "p1",
		TopicID:   "t1",
		Timestamp: "1700000000",
		Config: config.TelemetryConfig{
			LogLevelMask:           level,
			LogDestinationMask:     dest,
			MetricsDestinationMask: metrics,
			RotationBytes:          1 << 20,
			LogDir:                 filepath.Join(dir, "logs"),
			BackupDir:              filepath.Join(dir, "logs", "backup"),
		},
		Buckets: config.BucketConfig{Logs: "log-bucket", Errors: "error-bucket"},
		Console: &bytes.Buffer{},
		Now:     fixedNow,
	}
}

func TestTelemetry_AllDestinations(t *testing.T) {
	dir := t.TempDir()
	up := &recordingUploader{}

	logs := new(MockCloudWatchLogs)
	logs.On("CreateLogGroup", mock.Anything).Return(awserr.New(cloudwatchlogs.ErrCodeResourceAlreadyExistsException, "exists", nil))
	logs.On("CreateLogStream", mock.Anything).Return(nil)
	logs.On("PutLogEvents", mock.Anything).Return(nil)

	metrics := new(MockCloudWatch)
	metrics.On("PutMetricData", mock.MatchedBy(func(in *cloudwatch.PutMetricDataInput) bool {
		d := in.MetricData[0]
		return aws.StringValue(in.Namespace) == "talkwalker" &&
			aws.StringValue(d.MetricName) == "total_saved" &&
			aws.Float64Value(d.Value) == 5 &&
			aws.StringValue(d.Unit) == cloudwatch.StandardUnitCount &&
			len(d.Dimensions) == 3
	})).Return(nil).Once()

	opts := telemetryOptions(dir, LevelInfo|LevelError, DestinationLocal|DestinationObjectStore|DestinationCloudLogs, MetricsLocal|MetricsCloud)
	opts.Uploader = up
	opts.CloudLogs = logs
	opts.CloudMetrics = metrics

	tel, err := New(opts)
	require.NoError(t, err)

	tel.Logger().Info("starting search")
	tel.Logger().Error("search failed")
	tel.WriteMetric("total_saved", 5)

	families, err := tel.Registry().Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "talkwalker_run_counter", families[0].GetName())
	assert.Equal(t, float64(5), families[0].GetMetric()[0].GetGauge().GetValue())

	console := opts.Console.(*bytes.Buffer).String()
	assert.Contains(t, console, "metric report at 2023-11-15 10:00:00 UTC total_saved=5")

	require.NoError(t, tel.Finalize())
	require.NoError(t, tel.Finalize())

	require.Len(t, up.uploads, 2)
	byBucket := map[string]upload{}
	for _, u := range up.uploads {
		byBucket[u.bucket] = u
	}
	info := byBucket["log-bucket"]
	assert.True(t, strings.HasPrefix(info.key, "logs/info/talkwalker/p1/t1_1700000000/log_info_t1_"))
	assert.Contains(t, info.content, "starting search")
	assert.Contains(t, info.content, "search failed")

	errorLog := byBucket["error-bucket"]
	assert.True(t, strings.HasPrefix(errorLog.key, "logs/error/talkwalker/p1/t1_1700000000/log_error_t1_"))
	assert.Contains(t, errorLog.content, "search failed")
	assert.NotContains(t, errorLog.content, "starting search")

	logs.AssertCalled(t, "CreateLogGroup", &cloudwatchlogs.CreateLogGroupInput{LogGroupName: aws.String("talkwalker_info_log")})
	logs.AssertCalled(t, "CreateLogStream", &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String("talkwalker_error_log"),
		LogStreamName: aws.String("t1_1700000000_p1"),
	})
	metrics.AssertExpectations(t)

	// hooks are detached after finalize
	calls := len(logs.Calls)
	tel.Logger().Error("after finalize")
	assert.Len(t, logs.Calls, calls)
	assert.Len(t, up.uploads, 2)
}

func TestTelemetry_ConsoleOnly(t *testing.T) {
	dir := t.TempDir()
	tel, err := New(telemetryOptions(dir, 0, 0, 0))
	require.NoError(t, err)

	tel.WriteMetric("total_retrieved", 3)
	families, err := tel.Registry().Gather()
	require.NoError(t, err)
	assert.Empty(t, families)

	require.NoError(t, tel.Finalize())
	_, err = os.Stat(filepath.Join(dir, "logs"))
	assert.True(t, os.IsNotExist(err))
}

func TestTelemetry_MissingClients(t *testing.T) {
	dir := t.TempDir()

	_, err := New(telemetryOptions(dir, LevelInfo, DestinationObjectStore, 0))
	assert.ErrorContains(t, err, "uploader")

	_, err = New(telemetryOptions(dir, LevelInfo, DestinationCloudLogs, 0))
	assert.ErrorContains(t, err, "CloudWatch Logs")

	_, err = New(telemetryOptions(dir, LevelInfo, 0, MetricsCloud))
	assert.ErrorContains(t, err, "CloudWatch client")
}

func TestTelemetry_CloudLogGroupFailure(t *testing.T) {
	logs := new(MockCloudWatchLogs)
	logs.On("CreateLogGroup", mock.Anything).Return(awserr.New("AccessDeniedException", "denied", nil))

	opts := telemetryOptions(t.TempDir(), LevelInfo, DestinationCloudLogs, 0)
	opts.CloudLogs = logs
	_, err := New(opts)
	assert.ErrorContains(t, err, "failed to create log group talkwalker_info_log")
}

func TestTelemetry_ObjectStoreRequiresBucket(t *testing.T) {
	opts := telemetryOptions(t.TempDir(), LevelInfo|LevelError, DestinationObjectStore, 0)
	opts.Uploader = &recordingUploader{}
	opts.Buckets.Errors = ""

	_, err := New(opts)
	assert.ErrorContains(t, err, "object store error log destination requires a bucket")

	opts.Buckets = config.BucketConfig{Errors: "error-bucket"}
	_, err = New(opts)
	assert.ErrorContains(t, err, "object store info log destination requires a bucket")

	opts.Config.LogLevelMask = LevelError
	tel, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, tel.Finalize())
}
