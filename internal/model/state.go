package model

import "time"

// SourceStatus is the acquisition state machine status persisted per source.
type SourceStatus string

const (
	StatusIdle        SourceStatus = "idle"
	StatusFetching    SourceStatus = "fetching"
	StatusRateLimited SourceStatus = "rate_limited"
	StatusRetrying    SourceStatus = "retrying"
	StatusDraining    SourceStatus = "draining"
	StatusCompleted   SourceStatus = "completed"
	StatusFailed      SourceStatus = "failed"
)

// Terminal reports whether the status ends the current run.
func (s SourceStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrorKind categorizes the last failure recorded on a download state.
type ErrorKind string

const (
	ErrKindNone        ErrorKind = ""
	ErrKindRateLimited ErrorKind = "rate_limited"
	ErrKindTransient   ErrorKind = "transient_network"
	ErrKindPermanent   ErrorKind = "permanent_source"
	ErrKindCancelled   ErrorKind = "cancelled"
	ErrKindStorage     ErrorKind = "storage_unavailable"
)

// retryDayFormat is the calendar boundary granularity for the daily retry
// ceiling. Days roll over at UTC midnight.
const retryDayFormat = "2006-01-02"

// DownloadState is the durable, restart-safe record of a source's download
// progress. It is created on first run, mutated only by the acquisition
// orchestrator, persisted after every transition, and deleted only by
// explicit operator reset.
type DownloadState struct {
	SourceID           string       `json:"source_id"`
	Cursor             string       `json:"cursor"`
	CompletedCount     int64        `json:"completed_count"`
	Status             SourceStatus `json:"status"`
	RetryCount         int          `json:"retry_count"`
	DailyRetryCount    int          `json:"daily_retry_count"`
	RetryDay           string       `json:"retry_day"`
	NextAllowedAttempt time.Time    `json:"next_allowed_attempt"`
	LastErrorKind      ErrorKind    `json:"last_error_kind"`
	UpdatedAt          time.Time    `json:"updated_at"`

	// Version is the optimistic-concurrency token managed by the state
	// store. Zero means "never persisted".
	Version int64 `json:"version"`
}

// NewDownloadState returns the initial state for a source.
func NewDownloadState(sourceID string) *DownloadState {
	return &DownloadState{
		SourceID: sourceID,
		Status:   StatusIdle,
	}
}

// DailyRetries returns the effective daily retry count at the given time,
// accounting for the UTC-midnight rollover.
func (s *DownloadState) DailyRetries(now time.Time) int {
	if s.RetryDay != now.UTC().Format(retryDayFormat) {
		return 0
	}
	return s.DailyRetryCount
}

// BumpRetry increments the retry counters, rolling the daily counter over
// when the UTC calendar day has changed since it was last bumped.
func (s *DownloadState) BumpRetry(now time.Time) {
	day := now.UTC().Format(retryDayFormat)
	if s.RetryDay != day {
		s.RetryDay = day
		s.DailyRetryCount = 0
	}
	s.RetryCount++
	s.DailyRetryCount++
}

// ResetProgress clears the cursor and counters for a force-fresh run while
// keeping the state row itself.
func (s *DownloadState) ResetProgress() {
	s.Cursor = ""
	s.CompletedCount = 0
	s.Status = StatusIdle
	s.RetryCount = 0
	s.DailyRetryCount = 0
	s.RetryDay = ""
	s.NextAllowedAttempt = time.Time{}
	s.LastErrorKind = ErrKindNone
}

// RunSummary is the caller-facing outcome of one acquisition run.
type RunSummary struct {
	SourceID      string        `json:"source_id"`
	ItemsFetched  int           `json:"items_fetched"`
	ItemsValid    int           `json:"items_valid"`
	ItemsRejected int           `json:"items_rejected"`
	Pages         int           `json:"pages"`
	FinalStatus   SourceStatus  `json:"final_status"`
	LastErrorKind ErrorKind     `json:"last_error_kind,omitempty"`
	Resumed       bool          `json:"resumed"`
	Duration      time.Duration `json:"duration"`
}

// ConsolidationSummary is the caller-facing outcome of one consolidation run.
type ConsolidationSummary struct {
	SourceIDs       []string      `json:"source_ids"`
	RecordsIn       int           `json:"records_in"`
	Groups          int           `json:"groups"`
	EntitiesCreated int           `json:"entities_created"`
	EntitiesUpdated int           `json:"entities_updated"`
	Enriched        int           `json:"enriched"`
	EnrichSkipped   int           `json:"enrich_skipped"`
	Duration        time.Duration `json:"duration"`
}
