package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grading-orchestrator/models"
)

// Provisioner is the narrow container-runtime lifecycle interface the
// pool manager drives. Implementations enforce the declarative isolation
// policy on every worker they start: a fixed CPU/memory ceiling, no
// inbound network beyond the control endpoint, and no outbound network,
// so submitted code cannot reach anything.
type Provisioner interface {
	// Provision starts a worker of the given class and returns its control
	// endpoint. The worker may not be healthy yet; the pool waits for the
	// health probe before handing it out.
	Provision(ctx context.Context, class models.WorkerClass) (endpoint string, err error)

	// Teardown stops the process/container behind a previously provisioned
	// endpoint.
	Teardown(ctx context.Context, endpoint string) error
}

// StaticProvisioner hands out pre-started worker endpoints from a fixed
// inventory, for environments where the fleet is managed externally.
type StaticProvisioner struct {
	mu        sync.Mutex
	endpoints map[models.WorkerClass][]string
	next      map[models.WorkerClass]int
}

func NewStaticProvisioner(endpoints map[models.WorkerClass][]string) *StaticProvisioner {
	return &StaticProvisioner{
		endpoints: endpoints,
		next:      make(map[models.WorkerClass]int),
	}
}

func (p *StaticProvisioner) Provision(ctx context.Context, class models.WorkerClass) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	eps := p.endpoints[class]
	if len(eps) == 0 {
		return "", fmt.Errorf("no endpoints configured for class %s", class)
	}
	ep := eps[p.next[class]%len(eps)]
	p.next[class]++
	return ep, nil
}

func (p *StaticProvisioner) Teardown(ctx context.Context, endpoint string) error {
	return nil // externally managed
}

// PoolConfig bounds the worker pool.
type PoolConfig struct {
	// MaxPerClass caps each capability class. The pool never exceeds it;
	// exhaustion surfaces as ErrCapacityExceeded, queuing is the
	// orchestrator's job.
	MaxPerClass int

	// ReadyTimeout bounds how long a freshly provisioned worker may take
	// to pass its first health probe.
	ReadyTimeout time.Duration

	// ProbeTimeout bounds a single liveness probe.
	ProbeTimeout time.Duration

	// HealthInterval is the background health-check period.
	HealthInterval time.Duration
}

// PoolService owns the set of execution workers. All mutation goes
// through its methods under one mutex; the dispatch path and the health
// loop share it by reference and never touch worker state directly.
type PoolService struct {
	mu          sync.Mutex
	workers     map[string]*models.Worker
	provisioner Provisioner
	prober      WorkerInvoker
	cfg         PoolConfig

	now func() time.Time
}

func NewPoolService(provisioner Provisioner, prober WorkerInvoker, cfg PoolConfig) *PoolService {
	if cfg.MaxPerClass <= 0 {
		cfg.MaxPerClass = 3
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	return &PoolService{
		workers:     make(map[string]*models.Worker),
		provisioner: provisioner,
		prober:      prober,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Acquire returns a ready worker of the requested class transitioned to
// busy. If none is ready and the class is below its maximum it provisions
// one, waits for it to report healthy, and hands it out. At capacity with
// none free it fails with ErrCapacityExceeded; it never queues.
func (p *PoolService) Acquire(ctx context.Context, class models.WorkerClass) (*models.Worker, error) {
	p.mu.Lock()

	classCount := 0
	for _, w := range p.workers {
		if w.Class != class {
			continue
		}
		classCount++
		if w.State == models.WorkerReady {
			w.State = models.WorkerBusy
			w.LastUsedAt = p.now()
			borrowed := *w
			p.mu.Unlock()
			return &borrowed, nil
		}
	}

	if classCount >= p.cfg.MaxPerClass {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: class %s at maximum %d", models.ErrCapacityExceeded, class, p.cfg.MaxPerClass)
	}

	// Reserve the slot with a starting placeholder so concurrent acquires
	// cannot overshoot the class maximum while we provision unlocked.
	w := &models.Worker{
		ID:           uuid.New().String(),
		Class:        class,
		State:        models.WorkerStarting,
		Capabilities: models.ClassCapabilities[class],
		CreatedAt:    p.now(),
		LastUsedAt:   p.now(),
	}
	p.workers[w.ID] = w
	p.mu.Unlock()

	endpoint, err := p.provisioner.Provision(ctx, class)
	if err == nil {
		err = p.waitReady(ctx, endpoint)
	}
	if err != nil {
		p.mu.Lock()
		delete(p.workers, w.ID)
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: provision %s: %v", models.ErrWorkerFault, class, err)
	}

	p.mu.Lock()
	w.Endpoint = endpoint
	w.State = models.WorkerBusy
	w.LastUsedAt = p.now()
	borrowed := *w
	p.mu.Unlock()

	zap.L().Info("worker provisioned",
		zap.String("worker_id", w.ID),
		zap.String("class", string(class)),
		zap.String("endpoint", endpoint))
	return &borrowed, nil
}

// waitReady polls the health probe until the worker responds or the
// ready timeout elapses.
func (p *PoolService) waitReady(ctx context.Context, endpoint string) error {
	deadline := p.now().Add(p.cfg.ReadyTimeout)
	var lastErr error
	for p.now().Before(deadline) {
		probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
		lastErr = p.prober.Health(probeCtx, endpoint)
		cancel()
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return fmt.Errorf("worker not ready within %s: %v", p.cfg.ReadyTimeout, lastErr)
}

// Release returns a busy worker to ready and stamps its last-used time.
// Idempotent: releasing an unknown worker (already destroyed by a health
// failure) is a no-op.
func (p *PoolService) Release(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[workerID]
	if !ok {
		return
	}
	if w.State == models.WorkerBusy {
		w.State = models.WorkerReady
		w.LastUsedAt = p.now()
	}
}

// Destroy tears down a worker and removes it from the pool. A teardown
// failure leaves the worker in the error state, visible to operators,
// instead of silently dropping it.
func (p *PoolService) Destroy(ctx context.Context, workerID string) error {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	if !ok {
		p.mu.Unlock()
		return models.ErrWorkerNotFound
	}
	w.State = models.WorkerStopping
	endpoint := w.Endpoint
	p.mu.Unlock()

	err := p.provisioner.Teardown(ctx, endpoint)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		w.State = models.WorkerError
		zap.L().Error("worker teardown failed",
			zap.String("worker_id", workerID), zap.Error(err))
		return fmt.Errorf("teardown worker %s: %w", workerID, err)
	}
	delete(p.workers, workerID)
	return nil
}

// RunHealthLoop probes every settled worker on a fixed interval. A failed
// probe marks the worker error and destroys it; this is the only place
// workers are removed for failing, so a slow job is never conflated with
// a broken worker.
func (p *PoolService) RunHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkAll(ctx)
		}
	}
}

func (p *PoolService) checkAll(ctx context.Context) {
	p.mu.Lock()
	candidates := make([]*models.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		if w.State == models.WorkerStarting || w.State == models.WorkerStopping {
			continue
		}
		snapshot := *w
		candidates = append(candidates, &snapshot)
	}
	p.mu.Unlock()

	for _, w := range candidates {
		probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
		err := p.prober.Health(probeCtx, w.Endpoint)
		cancel()
		if err == nil {
			continue
		}

		zap.L().Warn("worker failed health check",
			zap.String("worker_id", w.ID),
			zap.String("class", string(w.Class)),
			zap.Error(err))

		p.mu.Lock()
		if live, ok := p.workers[w.ID]; ok {
			live.State = models.WorkerError
		}
		p.mu.Unlock()

		if destroyErr := p.Destroy(ctx, w.ID); destroyErr != nil {
			zap.L().Error("failed to destroy unhealthy worker",
				zap.String("worker_id", w.ID), zap.Error(destroyErr))
		}
	}
}

// Snapshot returns the per-worker view plus aggregate counts by class and
// state for GET /workers/status.
func (p *PoolService) Snapshot() models.PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := models.PoolSnapshot{
		Workers:      make([]models.Worker, 0, len(p.workers)),
		CountByClass: make(map[string]int),
		CountByState: make(map[string]int),
	}
	for _, w := range p.workers {
		snap.Workers = append(snap.Workers, *w)
		snap.CountByClass[string(w.Class)]++
		snap.CountByState[string(w.State)]++
	}
	return snap
}

// CountByClass returns how many workers of a class exist in any state.
func (p *PoolService) CountByClass(class models.WorkerClass) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, w := range p.workers {
		if w.Class == class {
			n++
		}
	}
	return n
}
