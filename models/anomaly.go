package models

import "time"

// AnomalyKind identifies which detector produced a finding.
type AnomalyKind string

const (
	AnomalyRapidSubmissions   AnomalyKind = "rapid_submissions"
	AnomalyFastPerfectScore   AnomalyKind = "suspiciously_fast_perfect_score"
	AnomalyIdenticalPatterns  AnomalyKind = "identical_submission_patterns"
	AnomalyUnusualTiming      AnomalyKind = "unusual_timing_pattern"
	AnomalyCoordinated        AnomalyKind = "coordinated_submissions"
	AnomalyLargeUpload        AnomalyKind = "oversized_upload"
	AnomalyRapidUploads       AnomalyKind = "rapid_uploads"
	AnomalySuspiciousFileType AnomalyKind = "suspicious_file_type"
	AnomalyHighBandwidth      AnomalyKind = "high_bandwidth"
	AnomalyHighFrequencyUser  AnomalyKind = "high_frequency_caller"
)

// Anomaly severity levels.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// AnomalyResult is one statistical finding. Produced fresh per detection
// pass, never mutated. Findings are heuristic signals, not certainties:
// Confidence is bounded in [0,1] and capped below 1.
type AnomalyResult struct {
	Kind        AnomalyKind            `json:"kind"`
	Severity    string                 `json:"severity"`
	Description string                 `json:"description"`
	Subjects    []string               `json:"subjects"`
	Confidence  float64                `json:"confidence"`
	Details     map[string]interface{} `json:"details,omitempty"`
	DetectedAt  time.Time              `json:"detected_at"`
}

// SubmissionEvent is one row of submission telemetry (submission_events
// table), written when a grading job reaches a terminal state and read
// back by the anomaly detector.
type SubmissionEvent struct {
	JobID       string    `json:"job_id"`
	UserID      string    `json:"user_id"`
	ChallengeID string    `json:"challenge_id"`
	Language    string    `json:"language"`
	Score       float64   `json:"score"`
	TimeTakenS  int64     `json:"time_taken_s"`
	Attempts    int       `json:"attempts"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// UploadEvent is one row of upload telemetry (upload_events table).
type UploadEvent struct {
	UserID     string    `json:"user_id"`
	FileName   string    `json:"file_name"`
	SizeBytes  int64     `json:"size_bytes"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// AnomalyReport aggregates one detection pass: findings plus counts by
// kind and severity and fixed textual recommendations.
type AnomalyReport struct {
	GeneratedAt     time.Time       `json:"generated_at"`
	WindowStart     time.Time       `json:"window_start"`
	WindowEnd       time.Time       `json:"window_end"`
	Findings        []AnomalyResult `json:"findings"`
	CountByKind     map[string]int  `json:"count_by_kind"`
	CountBySeverity map[string]int  `json:"count_by_severity"`
	Recommendations []string        `json:"recommendations"`
}
