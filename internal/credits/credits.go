package credits

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/models"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/search"
)

var (
	// ErrInvalidTopic means the cost query was rejected by the API.
	ErrInvalidTopic = errors.New("invalid topic")
	// ErrInsufficientCredits means the budget does not cover the topic.
	ErrInsufficientCredits = errors.New("not enough credits available")
)

// QuotaError aborts a run before harvesting starts.
type QuotaError struct {
	Topic  string
	Budget models.CreditBudget
	Err    error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%v for topic %s: available credits %d, required credits %d",
		e.Err, e.Topic, e.Budget.Available, e.Budget.Required)
}

func (e *QuotaError) Unwrap() error { return e.Err }

// ServiceError means the budget or cost call could not complete.
type ServiceError struct {
	Call string
	Err  error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("credit service %s call failed: %v", e.Call, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Getter is the slice of the search client the estimator needs.
type Getter interface {
	Get(ctx context.Context, endpoint string, params url.Values) (models.Attributes, error)
}

// Estimator queries the remaining credit balance and a topic's cost.
type Estimator struct {
	api Getter
	log logrus.FieldLogger
}

// NewEstimator creates a credit estimator backed by api.
func NewEstimator(api Getter, log logrus.FieldLogger) *Estimator {
	return &Estimator{api: api, log: log}
}

// Estimate returns the available and required credits for topic in project.
// Required is -1 when the API rejects the topic.
func (e *Estimator) Estimate(ctx context.Context, topic, project string) (models.CreditBudget, error) {
	status, err := e.api.Get(ctx, "status/credits", nil)
	if err != nil {
		return models.CreditBudget{}, &ServiceError{Call: "status", Err: err}
	}

	params := url.Values{}
	params.Set("offset", "0")
	params.Set("hpp", "0")
	params.Set("sort_by", "engagement")
	params.Set("sort_order", "desc")
	params.Set("topic", topic)

	cost, err := e.api.Get(ctx, "search/p/"+url.PathEscape(project)+"/results", params)
	if err != nil {
		return models.CreditBudget{}, &ServiceError{Call: "cost", Err: err}
	}

	budget := models.CreditBudget{
		Available: status.Int("result_creditinfo.remaining_credits_monthly"),
		Required:  cost.Int("pagination.total"),
	}
	if search.HasResultError(cost) {
		budget.Required = -1
	}

	e.log.WithFields(logrus.Fields{
		"topic_id":  topic,
		"available": budget.Available,
		"required":  budget.Required,
	}).Info("credit estimate")

	return budget, nil
}

// Check returns a *QuotaError when the run must not proceed.
func Check(topic string, budget models.CreditBudget) error {
	if !budget.ValidTopic() {
		return &QuotaError{Topic: topic, Budget: budget, Err: ErrInvalidTopic}
	}
	if !budget.Sufficient() {
		return &QuotaError{Topic: topic, Budget: budget, Err: ErrInsufficientCredits}
	}
	return nil
}

// ProjectExists reports whether project is listed in the account info.
func (e *Estimator) ProjectExists(ctx context.Context, project string) (bool, error) {
	info, err := e.api.Get(ctx, "search/info", nil)
	if err != nil {
		return false, &ServiceError{Call: "info", Err: err}
	}
	projects, _ := info.Lookup("result_accinfo.projects")
	list, _ := projects.([]any)
	for _, p := range list {
		if m, ok := p.(map[string]any); ok && models.Attributes(m).String("id") == project {
			return true, nil
		}
	}
	return false, nil
}
