package hydrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/config"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/models"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/retry"
)

// MaxBatch is the most ids the post lookup endpoint accepts per call.
const MaxBatch = 100

const (
	tweetFields = "attachments,author_id,conversation_id,created_at,public_metrics,source,context_annotations,lang,referenced_tweets,in_reply_to_user_id,geo"
	userFields  = "description,location,name,username,verified"
)

// ErrorSink receives one line per id the API reported as unresolved.
type ErrorSink interface {
	AppendError(line string) error
}

// Client is a bearer-token client for the post lookup endpoint.
type Client struct {
	baseURL     string
	bearerToken string
	httpClient  *http.Client
	limiter     *rate.Limiter
	retry       retry.Policy
	errors      ErrorSink
	log         logrus.FieldLogger
}

// NewClient creates a post lookup client. sink may be nil.
func NewClient(cfg config.HydrationConfig, sink ErrorSink, log logrus.FieldLogger) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		bearerToken: cfg.Token,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		retry:       retry.Policy{MaxAttempts: cfg.MaxRetries, Backoff: cfg.RetryBackoff},
		errors:      sink,
		log:         log,
	}
	c.retry.OnRetry = func(attempt int, err error) {
		c.log.WithError(err).Warnf("Request timed out. Attempt: %d", attempt)
	}
	return c
}

// SetSleep replaces the backoff sleep, for tests.
func (c *Client) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	c.retry.Sleep = sleep
}

func (c *Client) auth(req *http.Request) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	req.Header.Set("Accept", "application/json")
}

type lookupResponse struct {
	Data     []models.Attributes `json:"data"`
	Includes struct {
		Users []models.Attributes `json:"users"`
	} `json:"includes"`
	Errors []models.Attributes `json:"errors"`
}

// Resolve looks up ids in one call, retrying timeouts and 429s per the
// client's retry policy. Ids the API could not return are reported in the
// result's Errors; a failed call returns an error.
func (c *Client) Resolve(ctx context.Context, ids []string) (models.HydrationResult, error) {
	var out models.HydrationResult
	if len(ids) == 0 {
		return out, nil
	}
	if len(ids) > MaxBatch {
		return out, fmt.Errorf("batch of %d ids exceeds the limit of %d", len(ids), MaxBatch)
	}

	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.resolveOnce(ctx, ids)
		return err
	})
	return out, err
}

func (c *Client) resolveOnce(ctx context.Context, ids []string) (models.HydrationResult, error) {
	var out models.HydrationResult

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("tweet.fields", tweetFields)
	q.Set("expansions", "author_id")
	q.Set("user.fields", userFields)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tweets?"+q.Encode(), nil)
	if err != nil {
		return out, fmt.Errorf("failed to create request: %w", err)
	}
	c.auth(req)

	if err := c.limiter.Wait(ctx); err != nil {
		return out, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("social API returned status %d: %s", resp.StatusCode, truncate(string(raw), 200))
		if resp.StatusCode == http.StatusTooManyRequests {
			return out, retry.Transient(err)
		}
		return out, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body lookupResponse
	if err := dec.Decode(&body); err != nil {
		return out, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	users := make(map[string]models.Attributes, len(body.Includes.Users))
	for _, u := range body.Includes.Users {
		users[u.String("id")] = u
	}

	for _, d := range body.Data {
		out.Data = append(out.Data, toPost(d, users))
	}

	if len(body.Errors) > 0 {
		c.log.Errorf("social API returned partial %d errors", len(body.Errors))
	}
	for _, e := range body.Errors {
		c.appendError(e)
		out.Errors = append(out.Errors, models.UnresolvedID{
			Value:  e.String("value"),
			Reason: reason(e),
		})
	}
	return out, nil
}

func toPost(d models.Attributes, users map[string]models.Attributes) models.HydratedPost {
	post := models.HydratedPost{
		ID:       d.String("id"),
		Text:     d.String("text"),
		AuthorID: d.String("author_id"),
		Lang:     d.String("lang"),
		Fields:   d,
	}
	if ts := d.String("created_at"); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(ts)); err == nil {
			post.CreatedAt = t.UTC()
		}
	}
	if u, ok := users[post.AuthorID]; ok {
		verified, _ := u["verified"].(bool)
		post.Author = &models.Author{
			ID:          u.String("id"),
			Name:        u.String("name"),
			Username:    u.String("username"),
			Description: u.String("description"),
			Location:    u.String("location"),
			Verified:    verified,
		}
	}
	return post
}

func reason(e models.Attributes) string {
	for _, key := range []string{"detail", "title", "type"} {
		if v := e.String(key); v != "" {
			return v
		}
	}
	return "unresolved"
}

func (c *Client) appendError(e models.Attributes) {
	if c.errors == nil {
		return
	}
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := c.errors.AppendError(string(line)); err != nil {
		c.log.WithError(err).Warn("failed to append hydration error")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
