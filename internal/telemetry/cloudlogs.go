package telemetry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs/cloudwatchlogsiface"
	"github.com/sirupsen/logrus"
)

// CloudLogHook streams log entries to a CloudWatch Logs stream.
type CloudLogHook struct {
	client    cloudwatchlogsiface.CloudWatchLogsAPI
	group     string
	stream    string
	levels    []logrus.Level
	formatter logrus.Formatter

	mu sync.Mutex
}

// NewCloudLogHook creates the log group and stream if they do not exist yet.
func NewCloudLogHook(client cloudwatchlogsiface.CloudWatchLogsAPI, group, stream string, levels []logrus.Level) (*CloudLogHook, error) {
	_, err := client.CreateLogGroup(&cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(group),
	})
	if err != nil && !alreadyExists(err) {
		return nil, fmt.Errorf("failed to create log group %s: %w", group, err)
	}

	_, err = client.CreateLogStream(&cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(stream),
	})
	if err != nil && !alreadyExists(err) {
		return nil, fmt.Errorf("failed to create log stream %s: %w", stream, err)
	}

	return &CloudLogHook{
		client:    client,
		group:     group,
		stream:    stream,
		levels:    levels,
		formatter: &logrus.TextFormatter{DisableColors: true, FullTimestamp: true},
	}, nil
}

func (h *CloudLogHook) Levels() []logrus.Level {
	return h.levels
}

func (h *CloudLogHook) Fire(entry *logrus.Entry) error {
	msg, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err = h.client.PutLogEvents(&cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(h.group),
		LogStreamName: aws.String(h.stream),
		LogEvents: []*cloudwatchlogs.InputLogEvent{{
			Message:   aws.String(string(msg)),
			Timestamp: aws.Int64(entry.Time.UnixMilli()),
		}},
	})
	return err
}

func alreadyExists(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == cloudwatchlogs.ErrCodeResourceAlreadyExistsException
}
