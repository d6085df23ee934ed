package domain

import "time"

// RunStatus is the terminal state of a pipeline run.
type RunStatus string

const (
	RunSucceeded RunStatus = "success"
	RunFailed    RunStatus = "failed"
)

// StageOutcome records how a single stage finished.
type StageOutcome string

const (
	OutcomeSuccess StageOutcome = "success"
	OutcomeFailure StageOutcome = "failure"
	OutcomeTimeout StageOutcome = "timeout"
	OutcomeSkipped StageOutcome = "skipped"
)

// StageRecord is one stage entry in a run record.
type StageRecord struct {
	Index    int
	Name     string
	Kind     StageKind
	Outcome  StageOutcome
	Duration time.Duration
	Error    string
}

// RunRecord is the audit entry for one pipeline execution. Failed runs double
// as the dead-letter record: they keep the failing stage and sanitized cause.
type RunRecord struct {
	RunID            string
	RouteID          string
	RequestID        string
	Status           RunStatus
	FailedStage      string
	ErrorKind        ErrorKind
	Error            string
	DownstreamStatus int
	StartedAt        time.Time
	Duration         time.Duration
	Stages           []StageRecord
}

// RunFilter narrows run journal listings.
type RunFilter struct {
	RouteID string
	Status  RunStatus
	Limit   int
}

// StoredOrder is a payload accepted by the supplier sink.
type StoredOrder struct {
	Seq        int64
	Payload    []byte
	ReceivedAt time.Time
}
