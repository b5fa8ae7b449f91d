package models

import "time"

// Job status constants. completed and failed are terminal.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// TestCase is one input/expected-output pair run against a submission.
type TestCase struct {
	Input    string `json:"input"`
	Expected string `json:"expected"`
	Weight   int    `json:"weight,omitempty"`
}

// GradingJob is one submission's execution request (grading_jobs table).
// Created on ingestion, mutated only by the orchestrator, terminal once
// completed or failed.
type GradingJob struct {
	JobID       string         `json:"job_id"`
	BatchID     string         `json:"batch_id,omitempty"`
	ChallengeID string         `json:"challenge_id"`
	UserID      string         `json:"user_id"`
	Language    string         `json:"language"`
	Tool        string         `json:"tool,omitempty"`
	Code        string         `json:"code,omitempty"`
	TestCases   []TestCase     `json:"test_cases,omitempty"`
	Class       WorkerClass    `json:"worker_type"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Status      string         `json:"status"`
	SubmittedAt time.Time      `json:"submitted_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      *GradingResult `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorClass  string         `json:"error_class,omitempty"`
}

// Terminal reports whether the job can no longer transition.
func (j *GradingJob) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// GradingResult is the result object a worker returns from POST /grade.
type GradingResult struct {
	Score       float64  `json:"score"`
	Passed      int      `json:"passed"`
	Total       int      `json:"total"`
	Diagnostics []string `json:"diagnostics,omitempty"`
	DurationMs  int64    `json:"duration_ms"`
	// Artifact is the compiled output, when the worker produced one worth
	// caching. Opaque to the orchestrator.
	Artifact string `json:"artifact,omitempty"`
}

// GradeRequest is the request body for POST /grade.
type GradeRequest struct {
	JobID       string     `json:"job_id,omitempty"` // optional, caller-supplied
	ChallengeID string     `json:"challengeId"`
	UserID      string     `json:"userId"`
	Code        string     `json:"code"`
	Language    string     `json:"language"`
	Tool        string     `json:"tool,omitempty"`
	TestCases   []TestCase `json:"testCases"`
}

// BatchGradeRequest is the request body for POST /grade/batch.
type BatchGradeRequest struct {
	TournamentID string         `json:"tournamentId"`
	Submissions  []GradeRequest `json:"submissions"`
}

// BatchGradeResponse reports aggregate accept/reject counts without
// blocking for completion of member jobs.
type BatchGradeResponse struct {
	BatchJobID string   `json:"batchJobId"`
	Total      int      `json:"total"`
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Status     string   `json:"status"`
	JobIDs     []string `json:"jobIds,omitempty"`
}

// JobMessage is the durable queue payload: {jobId, payload, workerType}.
type JobMessage struct {
	JobID       string      `json:"jobId"`
	WorkerClass WorkerClass `json:"workerType"`
	ChallengeID string      `json:"challengeId"`
	UserID      string      `json:"userId"`
	Language    string      `json:"language"`
	Code        string      `json:"code"`
	TestCases   []TestCase  `json:"testCases"`
}

// QueueStats is the aggregate view returned by GET /queue/status.
type QueueStats struct {
	Queued     int            `json:"queued"`
	Processing int            `json:"processing"`
	Completed  int            `json:"completed"`
	Failed     int            `json:"failed"`
	QueueDepth map[string]int `json:"queue_depth"`
	AvgWaitMs  int64          `json:"avg_wait_ms"`
}
