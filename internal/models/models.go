package models

import "time"

// Provenance tags for a record's published timestamp.
const (
	PublishSourceSearch = "talkwalker"
	PublishSourceSocial = "twitter"
)

// Published sentinels.
const (
	PublishedUnknown int64 = 0
	PublishedInvalid int64 = -1
)

// RawItem represents a single search result as projected from the search API
type RawItem struct {
	Title            string     `json:"title"`
	Body             string     `json:"body"`
	ExternalID       string     `json:"external_id"`
	ExternalProvider string     `json:"external_provider"`
	URL              string     `json:"url"`
	Lang             string     `json:"lang"`
	PostType         string     `json:"post_type"`
	Sentiment        int64      `json:"sentiment"`
	WordCount        int64      `json:"word_count"`
	Engagement       int64      `json:"engagement"`
	Reach            int64      `json:"reach"`
	Published        int64      `json:"published"`
	Source           string     `json:"source"`
	SourceType       []string   `json:"source_type"`
	Tags             []string   `json:"tags,omitempty"`
	Attributes       Attributes `json:"attributes,omitempty"`
	PublishSource    string     `json:"publish_source,omitempty"`
}

// HasKnownPublished reports whether the search API supplied a usable timestamp.
func (r RawItem) HasKnownPublished() bool {
	return r.Published != PublishedUnknown && r.Published != PublishedInvalid
}

// Author is the expanded author of a hydrated post.
type Author struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Username    string `json:"username"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Verified    bool   `json:"verified"`
}

// HydratedPost is the canonical post returned by the secondary post API.
type HydratedPost struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	AuthorID  string     `json:"author_id,omitempty"`
	Author    *Author    `json:"author,omitempty"`
	Lang      string     `json:"lang,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Fields    Attributes `json:"fields,omitempty"`
}

// UnresolvedID is an identifier the secondary post API could not resolve.
type UnresolvedID struct {
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

// HydrationResult is the outcome of one resolve call.
type HydrationResult struct {
	Data   []HydratedPost
	Errors []UnresolvedID
}

// MergedRecord represents a persisted record: the raw item plus whatever the
// hydration step learned about it.
type MergedRecord struct {
	RawItem        `json:",inline" bson:",inline"`
	Post           *HydratedPost `json:"post,omitempty"`
	HydrationError *UnresolvedID `json:"hydration_error,omitempty"`
}

// SearchWindow is a one-hour slice of one calendar day.
type SearchWindow struct {
	Year      int        `json:"year"`
	Month     time.Month `json:"month"`
	Day       int        `json:"day"`
	Hour      int        `json:"hour"`
	HourStart int64      `json:"hour_start_epoch"`
	HourEnd   int64      `json:"hour_end_epoch"`
}

// CreditBudget is the remaining credit balance versus the cost of a topic.
type CreditBudget struct {
	Available int64 `json:"available"`
	Required  int64 `json:"required"`
}

// ValidTopic is false when the quota API rejected the topic query.
func (b CreditBudget) ValidTopic() bool {
	return b.Required != -1
}

// Sufficient requires strictly positive headroom.
func (b CreditBudget) Sufficient() bool {
	return b.Available-b.Required > 0
}

// LedgerSnapshot is a point-in-time copy of the run counters.
type LedgerSnapshot struct {
	TotalRetrieved        int64    `json:"total_retrieved"`
	TotalEnrichedProvider int64    `json:"total_enriched_provider"`
	EnrichmentErrors      int64    `json:"enrichment_errors"`
	TotalSaved            int64    `json:"total_saved"`
	LatestErrors          []string `json:"latest_errors"`
}

// Run status values.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailure = "failure"
)

// RunStatus tracks the status of a harvest run
type RunStatus struct {
	RunID        string         `json:"run_id"`
	TaskID       string         `json:"task_id"`
	TopicID      string         `json:"topic_id"`
	ProjectID    string         `json:"project_id"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	OutputURI    string         `json:"output_uri,omitempty"`
	Ledger       LedgerSnapshot `json:"ledger"`
}
