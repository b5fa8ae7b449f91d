package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"grading-orchestrator/middleware"
	"grading-orchestrator/models"
)

// WorkerInvoker is the orchestrator's view of a worker's control surface:
// POST /grade (synchronous execution) and GET /health (liveness probe).
type WorkerInvoker interface {
	Grade(ctx context.Context, endpoint string, payload *WorkerGradeRequest) (*models.GradingResult, error)
	Health(ctx context.Context, endpoint string) error
}

// WorkerGradeRequest is the payload sent to a worker's POST /grade.
type WorkerGradeRequest struct {
	JobID     string            `json:"jobId"`
	Language  string            `json:"language"`
	Code      string            `json:"code"`
	TestCases []models.TestCase `json:"testCases"`
	// Artifact carries a cached compiled output so the worker can skip
	// compilation. Empty on cache miss.
	Artifact string `json:"artifact,omitempty"`
}

// HTTPWorkerClient talks to workers over the X-Ray instrumented client.
type HTTPWorkerClient struct {
	client *http.Client
}

func NewHTTPWorkerClient(timeout time.Duration) *HTTPWorkerClient {
	return &HTTPWorkerClient{
		client: middleware.NewWorkerHTTPClient(timeout),
	}
}

// Grade invokes a worker synchronously. The caller bounds the call with a
// context deadline; expiry is classified as an execution timeout, every
// other transport or worker-side failure as a worker fault.
func (c *HTTPWorkerClient) Grade(ctx context.Context, endpoint string, payload *WorkerGradeRequest) (*models.GradingResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %v", models.ErrWorkerFault, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/grade", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrWorkerFault, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %v", models.ErrExecutionTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrWorkerFault, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: worker returned %d: %s", models.ErrWorkerFault, resp.StatusCode, detail)
	}

	var result models.GradingResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode result: %v", models.ErrWorkerFault, err)
	}
	return &result, nil
}

// Health issues the bounded liveness probe against a worker endpoint.
func (c *HTTPWorkerClient) Health(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker health check returned %d", resp.StatusCode)
	}
	return nil
}
