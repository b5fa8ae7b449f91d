package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"grading-orchestrator/models"

	_ "github.com/lib/pq"
)

type DBService struct {
	db *sql.DB
}

func NewDBService(host string, port int, user, password, dbname string) (*DBService, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &DBService{db: db}, nil
}

func (s *DBService) Close() error {
	return s.db.Close()
}

func (s *DBService) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InitSchema creates tables if they don't exist
func (s *DBService) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS grading_jobs (
		job_id VARCHAR(64) PRIMARY KEY,
		batch_id VARCHAR(64),
		challenge_id VARCHAR(64) NOT NULL,
		user_id VARCHAR(64) NOT NULL,
		language VARCHAR(50) NOT NULL,
		tool VARCHAR(50),
		code TEXT NOT NULL,
		test_cases JSONB,
		worker_type VARCHAR(50) NOT NULL,
		worker_id VARCHAR(64),
		status VARCHAR(20) NOT NULL DEFAULT 'queued',
		submitted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		result JSONB,
		error_message TEXT,
		error_class VARCHAR(50)
	);

	CREATE INDEX IF NOT EXISTS idx_grading_jobs_status ON grading_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_grading_jobs_batch ON grading_jobs(batch_id);

	CREATE TABLE IF NOT EXISTS submission_events (
		id BIGSERIAL PRIMARY KEY,
		job_id VARCHAR(64) NOT NULL,
		user_id VARCHAR(64) NOT NULL,
		challenge_id VARCHAR(64) NOT NULL,
		language VARCHAR(50) NOT NULL,
		score DOUBLE PRECISION NOT NULL,
		time_taken_s BIGINT NOT NULL,
		attempts INT NOT NULL DEFAULT 1,
		submitted_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_submission_events_time ON submission_events(submitted_at);

	CREATE TABLE IF NOT EXISTS upload_events (
		id BIGSERIAL PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		file_name TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		uploaded_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_upload_events_time ON upload_events(uploaded_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// CreateJob inserts a job in queued state. Insertion is idempotent on
// job_id: a conflicting insert is a no-op and the existing row wins.
func (s *DBService) CreateJob(ctx context.Context, job *models.GradingJob) error {
	testCasesJSON, _ := json.Marshal(job.TestCases)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO grading_jobs
			(job_id, batch_id, challenge_id, user_id, language, tool, code, test_cases, worker_type, status, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (job_id) DO NOTHING
	`, job.JobID, job.BatchID, job.ChallengeID, job.UserID, job.Language, job.Tool,
		job.Code, testCasesJSON, string(job.Class), job.Status, job.SubmittedAt)
	return err
}

// GetJob retrieves a job by id. Returns (nil, nil) when absent.
func (s *DBService) GetJob(ctx context.Context, jobID string) (*models.GradingJob, error) {
	job := &models.GradingJob{}
	var (
		batchID, tool, workerID, errMsg, errClass sql.NullString
		testCasesJSON, resultJSON                 []byte
		startedAt, completedAt                    sql.NullTime
		workerType                                string
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, batch_id, challenge_id, user_id, language, tool, code, test_cases,
		       worker_type, worker_id, status, submitted_at, started_at, completed_at,
		       result, error_message, error_class
		FROM grading_jobs WHERE job_id = $1
	`, jobID).Scan(&job.JobID, &batchID, &job.ChallengeID, &job.UserID, &job.Language,
		&tool, &job.Code, &testCasesJSON, &workerType, &workerID, &job.Status,
		&job.SubmittedAt, &startedAt, &completedAt, &resultJSON, &errMsg, &errClass)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job.BatchID = batchID.String
	job.Tool = tool.String
	job.WorkerID = workerID.String
	job.Error = errMsg.String
	job.ErrorClass = errClass.String
	job.Class = models.WorkerClass(workerType)
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if testCasesJSON != nil {
		json.Unmarshal(testCasesJSON, &job.TestCases)
	}
	if resultJSON != nil {
		json.Unmarshal(resultJSON, &job.Result)
	}

	return job, nil
}

// MarkJobProcessing transitions a queued job to processing and records the
// leased worker. Returns the number of rows changed so the dispatch loop
// can detect a redelivered message for an already-claimed job.
func (s *DBService) MarkJobProcessing(ctx context.Context, jobID, workerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE grading_jobs
		SET status = $2, worker_id = $3, started_at = now()
		WHERE job_id = $1 AND status = $4
	`, jobID, models.StatusProcessing, workerID, models.StatusQueued)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompleteJob records a successful result and moves the job to its
// terminal completed state.
func (s *DBService) CompleteJob(ctx context.Context, jobID string, result *models.GradingResult) error {
	resultJSON, _ := json.Marshal(result)
	_, err := s.db.ExecContext(ctx, `
		UPDATE grading_jobs
		SET status = $2, result = $3, completed_at = now()
		WHERE job_id = $1
	`, jobID, models.StatusCompleted, resultJSON)
	return err
}

// FailJob records an error detail and moves the job to its terminal
// failed state.
func (s *DBService) FailJob(ctx context.Context, jobID, errMsg, errClass string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE grading_jobs
		SET status = $2, error_message = $3, error_class = $4, completed_at = now()
		WHERE job_id = $1
	`, jobID, models.StatusFailed, errMsg, errClass)
	return err
}

// CountJobsByStatus returns job counts grouped by status.
func (s *DBService) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM grading_jobs GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// AverageWaitMs estimates queue wait from jobs dispatched in the recent
// window: avg(started_at - submitted_at).
func (s *DBService) AverageWaitMs(ctx context.Context, since time.Time) (int64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (started_at - submitted_at)) * 1000)
		FROM grading_jobs
		WHERE started_at IS NOT NULL AND submitted_at >= $1
	`, since).Scan(&avg)
	if err != nil {
		return 0, err
	}
	if !avg.Valid {
		return 0, nil
	}
	return int64(avg.Float64), nil
}

// PruneTerminalJobs deletes completed/failed jobs older than the retention
// TTL. Returns the number of rows removed.
func (s *DBService) PruneTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM grading_jobs
		WHERE status IN ($1, $2) AND completed_at < $3
	`, models.StatusCompleted, models.StatusFailed, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountUserSubmissions returns how many jobs a user has submitted for a
// challenge, used as the attempt counter on telemetry rows.
func (s *DBService) CountUserSubmissions(ctx context.Context, userID, challengeID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM grading_jobs WHERE user_id = $1 AND challenge_id = $2
	`, userID, challengeID).Scan(&n)
	return n, err
}

// RecordSubmissionEvent appends one telemetry row for the anomaly detector.
func (s *DBService) RecordSubmissionEvent(ctx context.Context, ev *models.SubmissionEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submission_events
			(job_id, user_id, challenge_id, language, score, time_taken_s, attempts, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.JobID, ev.UserID, ev.ChallengeID, ev.Language, ev.Score, ev.TimeTakenS, ev.Attempts, ev.SubmittedAt)
	return err
}

// RecordUploadEvent appends one upload telemetry row.
func (s *DBService) RecordUploadEvent(ctx context.Context, ev *models.UploadEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upload_events (user_id, file_name, size_bytes, uploaded_at)
		VALUES ($1, $2, $3, $4)
	`, ev.UserID, ev.FileName, ev.SizeBytes, ev.UploadedAt)
	return err
}

// SubmissionEventsSince returns submission telemetry inside the detection
// window, oldest first.
func (s *DBService) SubmissionEventsSince(ctx context.Context, since time.Time) ([]models.SubmissionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, user_id, challenge_id, language, score, time_taken_s, attempts, submitted_at
		FROM submission_events
		WHERE submitted_at >= $1
		ORDER BY submitted_at ASC
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.SubmissionEvent
	for rows.Next() {
		var ev models.SubmissionEvent
		if err := rows.Scan(&ev.JobID, &ev.UserID, &ev.ChallengeID, &ev.Language,
			&ev.Score, &ev.TimeTakenS, &ev.Attempts, &ev.SubmittedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// UploadEventsSince returns upload telemetry inside the detection window.
func (s *DBService) UploadEventsSince(ctx context.Context, since time.Time) ([]models.UploadEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, file_name, size_bytes, uploaded_at
		FROM upload_events
		WHERE uploaded_at >= $1
		ORDER BY uploaded_at ASC
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.UploadEvent
	for rows.Next() {
		var ev models.UploadEvent
		if err := rows.Scan(&ev.UserID, &ev.FileName, &ev.SizeBytes, &ev.UploadedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
