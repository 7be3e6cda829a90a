package store

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/gweizero/optimizer/internal/metrics"
)

// Persistence is the subset of the relational store the JobStore
// depends on.
type Persistence interface {
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, rec Record) error
	LoadAll(ctx context.Context) ([]Record, error)
}

// Runner is the subprocess collaborator: compile, deploy, and measure
// gas for a job's source, observing abort.
type Runner interface {
	Run(ctx context.Context, jobID, source string, abort <-chan struct{}) (Result, error)
}

// Store is the worker's job store: in-memory job map, backed by
// Persistence, processing jobs one at a time per host.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	persistence Persistence
	runner      Runner

	// queue serializes processing: exactly one subprocess in flight at
	// a time, since the subprocess writes into a host-global compiler
	// cache.
	queue chan *Job
	wg    sync.WaitGroup

	metrics *metrics.WorkerMetrics
}

// New constructs a Store and starts its single processing worker.
func New(persistence Persistence, runner Runner) *Store {
	s := &Store{
		jobs:        make(map[string]*Job),
		persistence: persistence,
		runner:      runner,
		queue:       make(chan *Job, 256),
	}
	s.wg.Add(1)
	go s.processLoop()
	return s
}

// SetMetrics wires the optional Prometheus recorder.
func (s *Store) SetMetrics(m *metrics.WorkerMetrics) {
	s.metrics = m
}

func (s *Store) recordTerminal(status Status) {
	if s.metrics == nil {
		return
	}
	s.metrics.JobsTotal.WithLabelValues(string(status)).Inc()
}

// Recover loads every persisted job into memory and marks any job left
// as processing failed: no process can be resuming it, and a ghost
// processing status must never be observable past a restart.
func (s *Store) Recover(ctx context.Context) error {
	if err := s.persistence.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	records, err := s.persistence.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("store: load all: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		j := fromRecord(rec)
		if j.Status == StatusProcessing {
			j.Status = StatusFailed
			j.Error = "Worker restarted during processing."
			if perr := s.persistence.Upsert(ctx, j.toRecord()); perr != nil {
				log.Printf("[store] failed to persist recovery of job %s: %v", j.ID, perr)
			}
		}
		s.jobs[j.ID] = j
	}
	log.Printf("[store] recovered %d jobs from persistence", len(records))
	return nil
}

func (s *Store) persist(ctx context.Context, j *Job) {
	if err := s.persistence.Upsert(ctx, j.toRecord()); err != nil {
		log.Printf("[store] persist job %s: %v", j.ID, err)
	}
}

// Create inserts a queued record, persists it, and schedules
// processing.
func (s *Store) Create(ctx context.Context, source string) *Job {
	j := newJob(source, 1, "")
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()

	s.persist(ctx, j)
	s.enqueue(j)
	return j
}

func (s *Store) enqueue(j *Job) {
	select {
	case s.queue <- j:
	default:
		// Queue saturated: hand off to a goroutine so the job is never
		// silently dropped. A saturated 256-deep queue indicates
		// pathological backlog, not a case to special-case further.
		go func() { s.queue <- j }()
	}
}

// Get returns a job's public View.
func (s *Store) Get(id string) (View, error) {
	j, ok := s.lookup(id)
	if !ok {
		return View{}, ErrNotFound
	}
	return j.View(), nil
}

func (s *Store) lookup(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Cancel requests cooperative cancellation: a queued job is marked
// cancelled directly, a processing job's abort signal is fired, and a
// terminal job is returned unchanged.
func (s *Store) Cancel(ctx context.Context, id string) (View, error) {
	j, ok := s.lookup(id)
	if !ok {
		return View{}, ErrNotFound
	}

	wasQueued, alreadyRequested, alreadyTerminal := j.requestCancel()
	if alreadyTerminal {
		return j.View(), nil
	}

	if wasQueued {
		j.cancel("Analysis cancelled by user.")
		s.recordTerminal(StatusCancelled)
	} else if !alreadyRequested {
		close(j.abort)
	}
	s.persist(ctx, j)
	return j.View(), nil
}

// Retry creates a NEW job from a failed or cancelled prior, with
// incremented attempts and a retryOf link back to it. The prior record
// is never mutated.
func (s *Store) Retry(ctx context.Context, id string) (*Job, error) {
	prior, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	if err := prior.checkRetryable(); err != nil {
		return nil, err
	}

	priorView := prior.View()
	next := newJob(s.sourceOf(prior), priorView.Attempts+1, priorView.ID)

	s.mu.Lock()
	s.jobs[next.ID] = next
	s.mu.Unlock()

	s.persist(ctx, next)
	s.enqueue(next)
	return next, nil
}

func (s *Store) sourceOf(j *Job) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Source
}

// processLoop is the Store's single consumer.
func (s *Store) processLoop() {
	defer s.wg.Done()
	for j := range s.queue {
		s.process(j)
	}
}

func (s *Store) process(j *Job) {
	ctx := context.Background()

	if j.isCancelRequested() {
		j.cancel("Analysis cancelled by user.")
		s.recordTerminal(StatusCancelled)
		s.persist(ctx, j)
		return
	}

	j.transition(StatusProcessing)
	s.persist(ctx, j)

	result, err := s.runner.Run(ctx, j.ID, s.sourceOf(j), j.abort)

	// Cancellation observed during or after the run always wins,
	// regardless of the subprocess's own exit code.
	if j.isCancelRequested() {
		j.cancel("Analysis cancelled by user.")
		s.recordTerminal(StatusCancelled)
		s.persist(ctx, j)
		return
	}

	if err != nil {
		j.fail(sanitize(err))
		s.recordTerminal(StatusFailed)
		s.persist(ctx, j)
		return
	}

	j.complete(result)
	s.recordTerminal(StatusCompleted)
	s.persist(ctx, j)
}

// sanitize bounds a subprocess error message before it becomes
// caller-visible.
func sanitize(err error) string {
	msg := err.Error()
	if len(msg) > 2000 {
		msg = msg[:2000] + "... (truncated)"
	}
	return msg
}

// Shutdown stops accepting new work and waits for the in-flight job, if
// any, to finish.
func (s *Store) Shutdown() {
	close(s.queue)
	s.wg.Wait()
}
