package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grading-orchestrator/models"
)

// JobStore is the durable job-record and telemetry persistence the
// orchestrator depends on. Implemented by DBService.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.GradingJob) error
	GetJob(ctx context.Context, jobID string) (*models.GradingJob, error)
	MarkJobProcessing(ctx context.Context, jobID, workerID string) (bool, error)
	CompleteJob(ctx context.Context, jobID string, result *models.GradingResult) error
	FailJob(ctx context.Context, jobID, errMsg, errClass string) error
	CountJobsByStatus(ctx context.Context) (map[string]int, error)
	AverageWaitMs(ctx context.Context, since time.Time) (int64, error)
	PruneTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error)
	CountUserSubmissions(ctx context.Context, userID, challengeID string) (int, error)
	RecordSubmissionEvent(ctx context.Context, ev *models.SubmissionEvent) error
}

// JobQueue is the durable dispatch queue plus the hot result tier.
// Implemented by RedisService.
type JobQueue interface {
	PushJob(ctx context.Context, msg *models.JobMessage) error
	PopJob(ctx context.Context, class models.WorkerClass, timeout time.Duration) (*models.JobMessage, string, error)
	AckJob(ctx context.Context, raw string) error
	RequeueJob(ctx context.Context, class models.WorkerClass, raw string) error
	DeadLetterJob(ctx context.Context, raw string) error
	QueueDepths(ctx context.Context) (map[string]int, error)
	SetResult(ctx context.Context, jobID string, result *models.GradingResult) error
	GetResult(ctx context.Context, jobID string) (*models.GradingResult, error)
	Ping(ctx context.Context) error
}

// OrchestratorConfig tunes the dispatch loop.
type OrchestratorConfig struct {
	// SlotsPerClass is the number of concurrent dispatch tasks per
	// capability class. Together with the pool maximum this is the
	// system's backpressure bound.
	SlotsPerClass int

	// ExecTimeout is the hard wall-clock limit on one worker invocation.
	ExecTimeout time.Duration

	// PopTimeout bounds one blocking queue read.
	PopTimeout time.Duration

	// CapacityBackoff is how long a slot sleeps after a capacity rejection
	// before pulling again.
	CapacityBackoff time.Duration

	// JobRetention is how long terminal jobs stay queryable before the
	// retention loop prunes them.
	JobRetention time.Duration

	// RetentionInterval is the prune period.
	RetentionInterval time.Duration

	// ToolchainVersions keys the artifact cache per capability class.
	ToolchainVersions map[models.WorkerClass]string

	// OptimizationLevel is the third cache-key component.
	OptimizationLevel string
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.SlotsPerClass <= 0 {
		c.SlotsPerClass = 2
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 30 * time.Second
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = 2 * time.Second
	}
	if c.CapacityBackoff <= 0 {
		c.CapacityBackoff = time.Second
	}
	if c.JobRetention <= 0 {
		c.JobRetention = 24 * time.Hour
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = 10 * time.Minute
	}
	if c.OptimizationLevel == "" {
		c.OptimizationLevel = "default"
	}
}

// OrchestratorService is the queue consumer and dispatcher: it accepts
// grading requests, persists job state, borrows workers from the pool,
// invokes them, records results, and guarantees worker release.
type OrchestratorService struct {
	store   JobStore
	queue   JobQueue
	pool    *PoolService
	invoker WorkerInvoker
	cache   *CacheService
	cfg     OrchestratorConfig

	wg  sync.WaitGroup
	now func() time.Time
}

func NewOrchestratorService(store JobStore, queue JobQueue, pool *PoolService, invoker WorkerInvoker, cache *CacheService, cfg OrchestratorConfig) *OrchestratorService {
	cfg.applyDefaults()
	return &OrchestratorService{
		store:   store,
		queue:   queue,
		pool:    pool,
		invoker: invoker,
		cache:   cache,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Submit validates a request, persists the job in queued state, enqueues
// a dispatch message, and returns without waiting for execution.
// Resubmission of an existing job id is a no-op returning the stored
// record, so queue redelivery and client retries cannot duplicate jobs.
func (s *OrchestratorService) Submit(ctx context.Context, req *models.GradeRequest) (*models.GradingJob, error) {
	return s.submit(ctx, req, "")
}

// submit is the single-job path. batchID tags member jobs of a batch so
// the batch can later be resolved to its members; empty for direct
// submissions.
func (s *OrchestratorService) submit(ctx context.Context, req *models.GradeRequest, batchID string) (*models.GradingJob, error) {
	class, err := models.ResolveClass(req.Language, req.Tool)
	if err != nil {
		return nil, fmt.Errorf("%w: language=%q tool=%q", models.ErrUnsupportedLanguage, req.Language, req.Tool)
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	} else {
		existing, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	job := &models.GradingJob{
		JobID:       jobID,
		BatchID:     batchID,
		ChallengeID: req.ChallengeID,
		UserID:      req.UserID,
		Language:    req.Language,
		Tool:        req.Tool,
		Code:        req.Code,
		TestCases:   req.TestCases,
		Class:       class,
		Status:      models.StatusQueued,
		SubmittedAt: s.now(),
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	msg := &models.JobMessage{
		JobID:       jobID,
		WorkerClass: class,
		ChallengeID: req.ChallengeID,
		UserID:      req.UserID,
		Language:    req.Language,
		Code:        req.Code,
		TestCases:   req.TestCases,
	}
	if err := s.queue.PushJob(ctx, msg); err != nil {
		return nil, err
	}

	return job, nil
}

// SubmitBatch runs each member submission through the single-job path,
// tagging every accepted job with the batch id, and reports aggregate
// accept/reject counts without blocking on execution.
func (s *OrchestratorService) SubmitBatch(ctx context.Context, req *models.BatchGradeRequest) *models.BatchGradeResponse {
	batchID := uuid.New().String()
	resp := &models.BatchGradeResponse{
		BatchJobID: batchID,
		Total:      len(req.Submissions),
		Status:     models.StatusProcessing,
	}

	for i := range req.Submissions {
		sub := req.Submissions[i]
		job, err := s.submit(ctx, &sub, batchID)
		if err != nil {
			resp.Failed++
			zap.L().Warn("batch member rejected",
				zap.String("batch_id", batchID),
				zap.String("tournament_id", req.TournamentID),
				zap.Error(err))
			continue
		}
		resp.Successful++
		resp.JobIDs = append(resp.JobIDs, job.JobID)
	}

	return resp
}

// GetStatus returns the current job record. Terminal jobs carry the full
// result; pending jobs expose submission metadata only.
func (s *OrchestratorService) GetStatus(ctx context.Context, jobID string) (*models.GradingJob, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, models.ErrJobNotFound
	}

	if job.Status == models.StatusCompleted && job.Result == nil {
		if result, err := s.queue.GetResult(ctx, jobID); err == nil && result != nil {
			job.Result = result
		}
	}
	if !job.Terminal() {
		// Never expose partial or speculative results while in flight.
		job.Result = nil
		job.Error = ""
	}
	return job, nil
}

// QueueStats aggregates job counts, per-class queue depth and a recent
// average wait estimate.
func (s *OrchestratorService) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	counts, err := s.store.CountJobsByStatus(ctx)
	if err != nil {
		return nil, err
	}

	stats := &models.QueueStats{
		Queued:     counts[models.StatusQueued],
		Processing: counts[models.StatusProcessing],
		Completed:  counts[models.StatusCompleted],
		Failed:     counts[models.StatusFailed],
	}

	if depths, err := s.queue.QueueDepths(ctx); err == nil {
		stats.QueueDepth = depths
	} else {
		zap.L().Warn("queue depth lookup failed", zap.Error(err))
	}
	if avg, err := s.store.AverageWaitMs(ctx, s.now().Add(-time.Hour)); err == nil {
		stats.AvgWaitMs = avg
	} else {
		zap.L().Warn("average wait estimate failed", zap.Error(err))
	}

	return stats, nil
}

// Run starts the dispatch slots and the retention loop and blocks until
// ctx is cancelled and all slots have drained.
func (s *OrchestratorService) Run(ctx context.Context) {
	for _, class := range models.AllWorkerClasses {
		for i := 0; i < s.cfg.SlotsPerClass; i++ {
			s.wg.Add(1)
			go func(class models.WorkerClass) {
				defer s.wg.Done()
				s.consumeLoop(ctx, class)
			}(class)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.retentionLoop(ctx)
	}()

	s.wg.Wait()
}

// consumeLoop is one bounded dispatch slot: it pulls messages for a
// single capability class and runs the full claim/acquire/execute/release
// sequence synchronously.
func (s *OrchestratorService) consumeLoop(ctx context.Context, class models.WorkerClass) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, raw, err := s.queue.PopJob(ctx, class, s.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			zap.L().Warn("queue read failed", zap.String("class", string(class)), zap.Error(err))
			time.Sleep(s.cfg.CapacityBackoff)
			continue
		}
		if msg == nil {
			continue
		}

		s.handleMessage(ctx, msg, raw)
	}
}

// handleMessage processes one dequeued dispatch message through to a
// terminal job state (or a requeue on capacity rejection). The message is
// acknowledged only after the job record is terminal; a failure before
// that point dead-letters it rather than risking infinite redelivery.
func (s *OrchestratorService) handleMessage(ctx context.Context, msg *models.JobMessage, raw string) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("dispatch panic", zap.String("job_id", msg.JobID), zap.Any("panic", r))
			s.deadLetter(ctx, msg.JobID, raw)
		}
	}()

	job, err := s.store.GetJob(ctx, msg.JobID)
	if err != nil || job == nil {
		zap.L().Error("dispatch cannot load job record",
			zap.String("job_id", msg.JobID), zap.Error(err))
		s.deadLetter(ctx, msg.JobID, raw)
		return
	}

	// Redelivered message for a job another slot already claimed or
	// finished: acknowledge and move on.
	if job.Terminal() || job.Status == models.StatusProcessing {
		s.ack(ctx, msg.JobID, raw)
		return
	}

	worker, err := s.pool.Acquire(ctx, msg.WorkerClass)
	if err != nil {
		if errors.Is(err, models.ErrCapacityExceeded) {
			// Not acknowledged: back on the queue for redelivery once a
			// worker frees up.
			if reqErr := s.queue.RequeueJob(ctx, msg.WorkerClass, raw); reqErr != nil {
				zap.L().Error("capacity requeue failed",
					zap.String("job_id", msg.JobID), zap.Error(reqErr))
			}
			time.Sleep(s.cfg.CapacityBackoff)
			return
		}
		s.failJob(ctx, job, raw, err)
		return
	}

	// Worker release must happen on every exit path, including panics,
	// or the pool starves.
	defer s.pool.Release(worker.ID)

	claimed, err := s.store.MarkJobProcessing(ctx, job.JobID, worker.ID)
	if err != nil {
		zap.L().Error("failed to claim job", zap.String("job_id", job.JobID), zap.Error(err))
		s.deadLetter(ctx, job.JobID, raw)
		return
	}
	if !claimed {
		s.ack(ctx, job.JobID, raw)
		return
	}

	result, execErr := s.execute(ctx, msg, worker)
	if execErr != nil {
		s.failJob(ctx, job, raw, execErr)
		return
	}

	if err := s.store.CompleteJob(ctx, job.JobID, result); err != nil {
		zap.L().Error("failed to persist result", zap.String("job_id", job.JobID), zap.Error(err))
		s.deadLetter(ctx, job.JobID, raw)
		return
	}
	if err := s.queue.SetResult(ctx, job.JobID, result); err != nil {
		zap.L().Warn("result readback write failed", zap.String("job_id", job.JobID), zap.Error(err))
	}
	s.recordTelemetry(ctx, job, result)
	s.ack(ctx, job.JobID, raw)
}

// execute invokes the worker under the hard wall-clock timeout, consulting
// the artifact cache on the way in and feeding it on the way out.
func (s *OrchestratorService) execute(ctx context.Context, msg *models.JobMessage, worker *models.Worker) (*models.GradingResult, error) {
	payload := &WorkerGradeRequest{
		JobID:     msg.JobID,
		Language:  msg.Language,
		Code:      msg.Code,
		TestCases: msg.TestCases,
	}

	toolchain := s.cfg.ToolchainVersions[msg.WorkerClass]
	cacheKey := CacheKey(msg.Code, toolchain, s.cfg.OptimizationLevel)
	cached := false
	if s.cache != nil {
		if entry, err := s.cache.Retrieve(ctx, cacheKey); err == nil && entry != nil {
			payload.Artifact = entry.Artifact
			cached = true
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecTimeout)
	defer cancel()

	result, err := s.invoker.Grade(execCtx, worker.Endpoint, payload)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && !cached && result.Artifact != "" {
		meta := models.CacheMetadata{
			Compiler:         string(msg.WorkerClass),
			ToolchainVersion: toolchain,
		}
		if err := s.cache.Store(ctx, cacheKey, result.Artifact, meta); err != nil {
			zap.L().Warn("artifact cache store failed", zap.String("job_id", msg.JobID), zap.Error(err))
		}
	}

	return result, nil
}

func (s *OrchestratorService) failJob(ctx context.Context, job *models.GradingJob, raw string, cause error) {
	class := models.ClassifyError(cause)
	zap.L().Info("job failed",
		zap.String("job_id", job.JobID),
		zap.String("class", class),
		zap.Error(cause))

	if err := s.store.FailJob(ctx, job.JobID, cause.Error(), class); err != nil {
		zap.L().Error("failed to persist job failure", zap.String("job_id", job.JobID), zap.Error(err))
		s.deadLetter(ctx, job.JobID, raw)
		return
	}
	s.recordTelemetry(ctx, job, nil)
	s.ack(ctx, job.JobID, raw)
}

// recordTelemetry appends one submission event for the anomaly detector.
// Best-effort: telemetry failures never affect the job outcome.
func (s *OrchestratorService) recordTelemetry(ctx context.Context, job *models.GradingJob, result *models.GradingResult) {
	attempts, err := s.store.CountUserSubmissions(ctx, job.UserID, job.ChallengeID)
	if err != nil || attempts == 0 {
		attempts = 1
	}

	ev := &models.SubmissionEvent{
		JobID:       job.JobID,
		UserID:      job.UserID,
		ChallengeID: job.ChallengeID,
		Language:    job.Language,
		Attempts:    attempts,
		TimeTakenS:  int64(s.now().Sub(job.SubmittedAt).Seconds()),
		SubmittedAt: job.SubmittedAt,
	}
	if result != nil {
		ev.Score = result.Score
		if result.DurationMs > 0 {
			ev.TimeTakenS = result.DurationMs / 1000
		}
	}
	if err := s.store.RecordSubmissionEvent(ctx, ev); err != nil {
		zap.L().Warn("telemetry write failed", zap.String("job_id", job.JobID), zap.Error(err))
	}
}

func (s *OrchestratorService) ack(ctx context.Context, jobID, raw string) {
	if err := s.queue.AckJob(ctx, raw); err != nil {
		zap.L().Error("ack failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *OrchestratorService) deadLetter(ctx context.Context, jobID, raw string) {
	if err := s.queue.DeadLetterJob(ctx, raw); err != nil {
		zap.L().Error("dead-letter failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// retentionLoop prunes terminal jobs past the polling TTL.
func (s *OrchestratorService) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RetentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := s.now().Add(-s.cfg.JobRetention)
			n, err := s.store.PruneTerminalJobs(ctx, cutoff)
			if err != nil {
				zap.L().Warn("job retention prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				zap.L().Info("pruned terminal jobs", zap.Int64("count", n))
			}
		}
	}
}
