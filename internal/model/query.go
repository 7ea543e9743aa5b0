package model

import "time"

// Status is the lifecycle state of an async query.
type Status string

// Async query status constants.
const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusComplete   Status = "COMPLETE"
	StatusFailure    Status = "FAILURE"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailure
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusComplete, StatusFailure:
		return true
	}
	return false
}

// QueryType is the dialect an async query is written in.
type QueryType string

// Supported query dialects.
const (
	// QueryTypeJSONAPI is the path-and-parameters dialect ("/widgets?color=red").
	QueryTypeJSONAPI QueryType = "JSONAPI_V1_0"
	// QueryTypeGraphQL is the single-document dialect.
	QueryTypeGraphQL QueryType = "GRAPHQL_V1_0"
)

// Valid reports whether t is a known dialect.
func (t QueryType) Valid() bool {
	return t == QueryTypeJSONAPI || t == QueryTypeGraphQL
}

// Reason categorises why a query failed or how its result was produced.
// The zero value means the result is a plain backend response.
type Reason string

// Reason constants.
const (
	ReasonNone              Reason = ""
	ReasonMalformedPayload  Reason = "malformed_payload"
	ReasonBackendError      Reason = "backend_error"
	ReasonTimeout           Reason = "timeout"
	ReasonCancelled         Reason = "cancelled"
	ReasonPersistenceFailed Reason = "persistence_failed"
	ReasonInterrupted       Reason = "interrupted"
	ReasonRecovered         Reason = "recovered"
)

// SuccessCode is the only backend status code classified as COMPLETE.
const SuccessCode = 200

// validTransitions maps each status to the set of statuses it may transition to.
// PROCESSING -> PROCESSING lets a worker claim a record that was created already
// in PROCESSING.
var validTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusProcessing: true,
	},
	StatusProcessing: {
		StatusProcessing: true,
		StatusComplete:   true,
		StatusFailure:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Classify maps a backend response code to the terminal status it implies.
func Classify(statusCode int) Status {
	if statusCode == SuccessCode {
		return StatusComplete
	}
	return StatusFailure
}

// AsyncQuery is a submitted query tracked through asynchronous execution.
type AsyncQuery struct {
	ID         string     `json:"id"`
	Query      string     `json:"query"`
	QueryType  QueryType  `json:"query_type"`
	Principal  string     `json:"principal,omitempty"`
	Status     Status     `json:"status"`
	ResultID   string     `json:"result_id,omitempty"`
	Reason     Reason     `json:"reason,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// HasResult reports whether a result has been attached.
func (q *AsyncQuery) HasResult() bool {
	return q.ResultID != ""
}

// QueryResult is the immutable outcome artifact of an async query. Its ID is
// the owning query's ID.
type QueryResult struct {
	ID            string    `json:"id"`
	QueryID       string    `json:"query_id"`
	StatusCode    int       `json:"status_code"`
	ResponseBody  string    `json:"response_body"`
	ContentLength int       `json:"content_length"`
	Reason        Reason    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewQueryResult builds the result for a query. ContentLength is the byte
// length of body and is fixed here.
func NewQueryResult(queryID string, statusCode int, body string, reason Reason) *QueryResult {
	return &QueryResult{
		ID:            queryID,
		QueryID:       queryID,
		StatusCode:    statusCode,
		ResponseBody:  body,
		ContentLength: len(body),
		Reason:        reason,
		CreatedAt:     time.Now().UTC(),
	}
}
