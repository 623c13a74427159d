package harvest

import (
	"context"
	"time"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/models"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/retry"
	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/search"
)

// State is the lifecycle of a cursor.
type State int

const (
	StateInit State = iota
	StateFetching
	StateMore
	StateDone
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateFetching:
		return "fetching"
	case StateMore:
		return "more"
	case StateDone:
		return "done"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Default pacing between page requests.
const (
	DefaultPrePause   = 100 * time.Millisecond
	DefaultMinSpacing = time.Second
)

// Searcher fetches one page of search results.
type Searcher interface {
	Search(ctx context.Context, q search.Query, offset int64) (search.Page, error)
}

// Pacing controls the sleeps around page requests.
type Pacing struct {
	PrePause   time.Duration
	MinSpacing time.Duration
	Sleep      func(ctx context.Context, d time.Duration) error
	Now        func() time.Time
}

func (p Pacing) withDefaults() Pacing {
	if p.Sleep == nil {
		p.Sleep = retry.Sleep
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return p
}

// Cursor pages through one time-bounded search until the continuation runs
// out or a page fails.
type Cursor struct {
	api    Searcher
	query  search.Query
	pacing Pacing

	state  State
	offset int64
	pages  int
	err    error
}

// NewCursor creates a cursor for q in state INIT.
func NewCursor(api Searcher, q search.Query, pacing Pacing) *Cursor {
	return &Cursor{api: api, query: q, pacing: pacing.withDefaults()}
}

// State returns the current state.
func (c *Cursor) State() State { return c.state }

// Err returns the error that terminated the cursor, if any.
func (c *Cursor) Err() error { return c.err }

// Pages returns how many pages were fetched successfully.
func (c *Cursor) Pages() int { return c.pages }

// Run drives the cursor to DONE or TERMINATED and returns every item
// emitted. On termination the items gathered so far are returned alongside
// the error.
func (c *Cursor) Run(ctx context.Context) ([]models.RawItem, error) {
	var items []models.RawItem
	activated := c.pacing.Now()
	c.state = StateFetching

	for c.state == StateFetching {
		if err := c.pacing.Sleep(ctx, c.pacing.PrePause); err != nil {
			return items, c.terminate(err)
		}

		page, err := c.api.Search(ctx, c.query, c.offset)
		if err != nil {
			return items, c.terminate(err)
		}
		c.pages++
		items = append(items, page.Items...)

		if len(page.Items) == 0 || !page.HasNext {
			c.state = StateDone
			break
		}

		c.state = StateMore
		c.offset = page.NextOffset

		if elapsed := c.pacing.Now().Sub(activated); elapsed < c.pacing.MinSpacing {
			if err := c.pacing.Sleep(ctx, c.pacing.MinSpacing-elapsed); err != nil {
				return items, c.terminate(err)
			}
		}
		c.state = StateFetching
	}

	return items, nil
}

func (c *Cursor) terminate(err error) error {
	c.state = StateTerminated
	c.err = err
	return err
}
