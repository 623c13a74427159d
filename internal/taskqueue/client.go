package taskqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNoTask is returned when the queue has nothing to claim.
var ErrNoTask = errors.New("no task available")

// Task is a claimed unit of work. Query carries the run arguments as JSON.
type Task struct {
	ID    string
	Type  string
	Query string
}

// Client talks to the job server's task endpoints
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        logrus.FieldLogger
}

// NewClient creates a task queue client for baseURL (e.g. http://job-server/tasks).
func NewClient(baseURL string, timeout time.Duration, log logrus.FieldLogger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// Claim reserves the next task of taskType for agent.
func (c *Client) Claim(ctx context.Context, taskType, agent string) (*Task, error) {
	data, err := c.request(ctx, http.MethodPost, "/claim", url.Values{
		"task_type": {taskType},
		"agent_id":  {agent},
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNoTask
	}

	task := &Task{
		ID:    scalar(data["id"]),
		Type:  scalar(data["task_type"]),
		Query: scalar(data["query"]),
	}
	if task.ID == "" {
		return nil, ErrNoTask
	}
	c.log.WithFields(logrus.Fields{"task_id": task.ID, "task_type": task.Type}).Info("Claimed task")
	return task, nil
}

// Complete reports the outcome of a task and where its results were stored.
func (c *Client) Complete(ctx context.Context, resultKey, taskID string, success bool, message string) error {
	_, err := c.request(ctx, http.MethodPut, "/complete", url.Values{
		"object_storage_key_for_results": {resultKey},
		"task_id":                        {taskID},
		"success":                        {strconv.FormatBool(success)},
		"message":                        {message},
	})
	if errors.Is(err, ErrNoTask) {
		return fmt.Errorf("task %s was not accepted", taskID)
	}
	return err
}

// request returns the "data" object of a successful response, nil when the
// response carries none, and ErrNoTask when status is false.
func (c *Client) request(ctx context.Context, method, endpoint string, params url.Values) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("task queue returned status %d", resp.StatusCode)
	}

	var envelope struct {
		Status bool           `json:"status"`
		Data   map[string]any `json:"data"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !envelope.Status {
		return nil, ErrNoTask
	}
	return envelope.Data, nil
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
