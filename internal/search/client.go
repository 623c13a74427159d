package search

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

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/config"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/models"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/retry"
)

// ErrData marks a response that arrived but cannot be used: undecodable,
// missing its result container, or carrying an API error.
var ErrData = errors.New("unusable search response")

// ErrorRecorder receives short error strings for the run ledger.
type ErrorRecorder interface {
	RecordError(msg string)
}

// Client talks to the search and credit endpoints of the search API.
type Client struct {
	baseURL    string
	apiKey     string
	pageSize   int
	httpClient *http.Client
	retry      retry.Policy
	log        logrus.FieldLogger
	recorder   ErrorRecorder
	provider   string
}

// NewClient creates a search API client. recorder may be nil.
func NewClient(cfg config.SearchConfig, log logrus.FieldLogger, recorder ErrorRecorder) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		pageSize: cfg.PageSize,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		retry:    retry.Policy{MaxAttempts: cfg.MaxRetries, Backoff: cfg.RetryBackoff},
		log:      log,
		recorder: recorder,
		provider: models.PublishSourceSocial,
	}
	c.retry.OnRetry = func(attempt int, err error) {
		msg := fmt.Sprintf("Request timed out. Attempt: %d", attempt)
		c.log.WithError(err).Warn(msg)
		c.recordError(msg)
	}
	return c
}

// SetSocialProvider names the external provider whose items take the
// provider as their source.
func (c *Client) SetSocialProvider(provider string) {
	c.provider = provider
}

// SetSleep replaces the backoff sleep, for tests.
func (c *Client) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	c.retry.Sleep = sleep
}

// Get issues a GET against endpoint (relative to the base URL) with the
// access token added, retrying timeouts per the client's retry policy.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values) (models.Attributes, error) {
	var body models.Attributes
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		body, err = c.getOnce(ctx, endpoint, params)
		return err
	})
	if err != nil {
		c.log.WithError(err).WithField("endpoint", endpoint).Error("search API request abandoned")
		return nil, err
	}
	return body, nil
}

func (c *Client) getOnce(ctx context.Context, endpoint string, params url.Values) (models.Attributes, error) {
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("access_token", c.apiKey)

	reqURL := fmt.Sprintf("%s/%s?%s", c.baseURL, strings.TrimLeft(endpoint, "/"), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, retry.Transient(fmt.Errorf("API returned status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusBadRequest:
		// 400 bodies carry result_error and are decoded for the caller.
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return decode(raw)
}

func decode(raw []byte) (models.Attributes, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrData)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body models.Attributes
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal response: %v", ErrData, err)
	}
	return body, nil
}

func (c *Client) recordError(msg string) {
	if c.recorder != nil {
		c.recorder.RecordError(msg)
	}
}

// Query identifies one time-bounded search.
type Query struct {
	ProjectID string
	TopicID   string
	Window    models.SearchWindow
}

// Page is one decoded page of search results.
type Page struct {
	Items      []models.RawItem
	NextOffset int64
	HasNext    bool
}

// Search fetches one page of results for q starting at offset.
func (c *Client) Search(ctx context.Context, q Query, offset int64) (Page, error) {
	params := url.Values{}
	params.Set("topic", q.TopicID)
	params.Set("hpp", strconv.Itoa(c.pageSize))
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("project_id", q.ProjectID)
	params.Set("q", fmt.Sprintf("(published:>=%d AND published:<%d)", q.Window.HourStart, q.Window.HourEnd))

	body, err := c.Get(ctx, "search/p/"+url.PathEscape(q.ProjectID)+"/results", params)
	if err != nil {
		return Page{}, err
	}
	return parsePage(body, c.provider)
}

func parsePage(body models.Attributes, provider string) (Page, error) {
	if msg := resultError(body); msg != "" {
		return Page{}, fmt.Errorf("%w: %s", ErrData, msg)
	}

	content := body.Tree("result_content")
	if content == nil {
		return Page{}, fmt.Errorf("%w: missing result_content", ErrData)
	}

	var page Page
	entries, _ := content["data"].([]any)
	for _, entry := range entries {
		wrapper, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		data, ok := wrapper["data"].(map[string]any)
		if !ok {
			continue
		}
		page.Items = append(page.Items, Project(models.Attributes(data), provider))
	}

	page.NextOffset, page.HasNext = ExtractOffset(body.String("pagination.next"))
	return page, nil
}

// resultError returns the API's result_error message, if any.
func resultError(body models.Attributes) string {
	v, ok := body.Lookup("result_error")
	if !ok {
		return ""
	}
	switch e := v.(type) {
	case nil:
		return ""
	case bool:
		if !e {
			return ""
		}
		return "result_error"
	case string:
		return e
	case map[string]any:
		if msg := models.Attributes(e).String("message"); msg != "" {
			return msg
		}
		return "result_error"
	default:
		return fmt.Sprint(e)
	}
}

// HasResultError reports whether the API rejected the request.
func HasResultError(body models.Attributes) bool {
	return resultError(body) != ""
}
