package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"grading-orchestrator/models"
)

// fakeProvisioner hands out synthetic endpoints and records teardowns.
type fakeProvisioner struct {
	mu           sync.Mutex
	provisioned  int
	tornDown     []string
	provisionErr error
	teardownErr  error
}

func (p *fakeProvisioner) Provision(ctx context.Context, class models.WorkerClass) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.provisionErr != nil {
		return "", p.provisionErr
	}
	p.provisioned++
	return fmt.Sprintf("http://worker-%s-%d:9000", class, p.provisioned), nil
}

func (p *fakeProvisioner) Teardown(ctx context.Context, endpoint string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.teardownErr != nil {
		return p.teardownErr
	}
	p.tornDown = append(p.tornDown, endpoint)
	return nil
}

// fakeInvoker answers probes and grade calls from configured functions.
type fakeInvoker struct {
	mu        sync.Mutex
	unhealthy map[string]bool
	gradeFn   func(ctx context.Context, endpoint string, payload *WorkerGradeRequest) (*models.GradingResult, error)
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{unhealthy: make(map[string]bool)}
}

func (f *fakeInvoker) Grade(ctx context.Context, endpoint string, payload *WorkerGradeRequest) (*models.GradingResult, error) {
	if f.gradeFn != nil {
		return f.gradeFn(ctx, endpoint, payload)
	}
	return &models.GradingResult{Score: 100, Passed: 1, Total: 1}, nil
}

func (f *fakeInvoker) Health(ctx context.Context, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unhealthy[endpoint] {
		return errors.New("probe failed")
	}
	return nil
}

func (f *fakeInvoker) markUnhealthy(endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unhealthy[endpoint] = true
}

func newTestPool(max int) (*PoolService, *fakeProvisioner, *fakeInvoker) {
	prov := &fakeProvisioner{}
	inv := newFakeInvoker()
	pool := NewPoolService(prov, inv, PoolConfig{
		MaxPerClass:  max,
		ReadyTimeout: time.Second,
		ProbeTimeout: 100 * time.Millisecond,
	})
	return pool, prov, inv
}

func TestPoolAcquireProvisionsAndReuses(t *testing.T) {
	ctx := context.Background()
	pool, prov, _ := newTestPool(2)

	w, err := pool.Acquire(ctx, models.ClassRustGrader)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if w.State != models.WorkerBusy {
		t.Errorf("acquired worker state = %s, want busy", w.State)
	}
	if prov.provisioned != 1 {
		t.Errorf("provisioned = %d, want 1", prov.provisioned)
	}

	pool.Release(w.ID)

	// A released worker is reused rather than provisioning a new one.
	w2, err := pool.Acquire(ctx, models.ClassRustGrader)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if w2.ID != w.ID {
		t.Errorf("expected reuse of worker %s, got %s", w.ID, w2.ID)
	}
	if prov.provisioned != 1 {
		t.Errorf("provisioned = %d after reuse, want 1", prov.provisioned)
	}
}

func TestPoolCapacityBound(t *testing.T) {
	ctx := context.Background()
	pool, _, _ := newTestPool(2)

	if _, err := pool.Acquire(ctx, models.ClassRustGrader); err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	w2, err := pool.Acquire(ctx, models.ClassRustGrader)
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}

	_, err = pool.Acquire(ctx, models.ClassRustGrader)
	if !errors.Is(err, models.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded at limit, got %v", err)
	}
	if n := pool.CountByClass(models.ClassRustGrader); n != 2 {
		t.Errorf("class count = %d, want 2", n)
	}

	// Other classes have their own budget.
	if _, err := pool.Acquire(ctx, models.ClassMoveCompiler); err != nil {
		t.Errorf("other class should not be capacity bound: %v", err)
	}

	// A release frees the slot.
	pool.Release(w2.ID)
	if _, err := pool.Acquire(ctx, models.ClassRustGrader); err != nil {
		t.Errorf("Acquire after release: %v", err)
	}
}

func TestPoolCapacityBoundUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	pool, _, _ := newTestPool(3)

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.Acquire(ctx, models.ClassRustGrader); err == nil {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != 3 {
		t.Errorf("acquired = %d, want exactly 3", acquired)
	}
	if n := pool.CountByClass(models.ClassRustGrader); n > 3 {
		t.Errorf("class count %d exceeded maximum 3", n)
	}
}

func TestPoolReleaseIdempotent(t *testing.T) {
	pool, _, _ := newTestPool(2)

	// Releasing a worker that no longer exists is a no-op.
	pool.Release("no-such-worker")

	ctx := context.Background()
	w, err := pool.Acquire(ctx, models.ClassRustGrader)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pool.Release(w.ID)
	pool.Release(w.ID) // second release is harmless

	snap := pool.Snapshot()
	if snap.CountByState[string(models.WorkerReady)] != 1 {
		t.Errorf("snapshot = %+v, want one ready worker", snap.CountByState)
	}
}

func TestPoolDestroyTeardownFailure(t *testing.T) {
	ctx := context.Background()
	pool, prov, _ := newTestPool(2)

	w, err := pool.Acquire(ctx, models.ClassRustGrader)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	prov.teardownErr = errors.New("container stuck")
	if err := pool.Destroy(ctx, w.ID); err == nil {
		t.Fatal("expected teardown error")
	}

	// The worker stays visible in the error state for inspection.
	snap := pool.Snapshot()
	if snap.CountByState[string(models.WorkerError)] != 1 {
		t.Errorf("snapshot = %+v, want one error worker", snap.CountByState)
	}

	if err := pool.Destroy(ctx, "no-such-worker"); !errors.Is(err, models.ErrWorkerNotFound) {
		t.Errorf("Destroy unknown = %v, want ErrWorkerNotFound", err)
	}
}

func TestPoolHealthCheckDestroysAndReplaces(t *testing.T) {
	ctx := context.Background()
	pool, prov, inv := newTestPool(1)

	w, err := pool.Acquire(ctx, models.ClassRustGrader)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pool.Release(w.ID)

	inv.markUnhealthy(w.Endpoint)
	pool.checkAll(ctx)

	if len(prov.tornDown) != 1 || prov.tornDown[0] != w.Endpoint {
		t.Fatalf("tornDown = %v, want [%s]", prov.tornDown, w.Endpoint)
	}
	if n := pool.CountByClass(models.ClassRustGrader); n != 0 {
		t.Fatalf("dead worker still in pool, count = %d", n)
	}

	// The next acquire provisions a replacement rather than reusing the
	// dead endpoint.
	w2, err := pool.Acquire(ctx, models.ClassRustGrader)
	if err != nil {
		t.Fatalf("replacement Acquire: %v", err)
	}
	if w2.Endpoint == w.Endpoint {
		t.Errorf("replacement reused dead endpoint %s", w.Endpoint)
	}
}

func TestPoolProvisionFailure(t *testing.T) {
	ctx := context.Background()
	pool, prov, _ := newTestPool(2)
	prov.provisionErr = errors.New("runtime unavailable")

	_, err := pool.Acquire(ctx, models.ClassRustGrader)
	if !errors.Is(err, models.ErrWorkerFault) {
		t.Fatalf("expected ErrWorkerFault, got %v", err)
	}

	// The reserved slot is given back on failure.
	if n := pool.CountByClass(models.ClassRustGrader); n != 0 {
		t.Errorf("failed provision left %d workers in pool", n)
	}
}
