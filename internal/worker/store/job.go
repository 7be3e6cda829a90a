// Package store owns the worker-job lifecycle: at most one in-flight
// job per id, persisted on every transition, with cooperative
// cancellation and non-mutating retry.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gweizero/optimizer/internal/gasmodel"
)

// Status is a worker job's lifecycle status.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// IsTerminal reports whether s is a terminal status.
func IsTerminal(s Status) bool { return terminalStatuses[s] }

// ErrNotFound is returned when a job id is unknown to the store.
var ErrNotFound = errors.New("store: job not found")

// ErrNotRetryable is returned by Retry when the prior job is not in a
// retryable terminal status (only failed and cancelled jobs are).
var ErrNotRetryable = errors.New("store: job is not retryable")

// Result is the gas-measurement outcome persisted on a completed job;
// gasmodel.GasProfile already carries abi/bytecode/contractName.
type Result = gasmodel.GasProfile

// Job is the worker's core entity.
type Job struct {
	mu sync.Mutex

	ID              string
	Source          string
	Status          Status
	Attempts        int
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Error           string
	Result          *Result
	RetryOf         string

	// abort is fired by Cancel while the job is processing; the
	// subprocess runner selects on it to trigger the terminate-then-
	// force-kill sequence.
	abort chan struct{}
}

// View is the public, source-free projection of a Job; the submitted
// source text is never leaked through it.
type View struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	RetryOf   string    `json:"retryOf,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func newJob(source string, attempts int, retryOf string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Source:    source,
		Status:    StatusQueued,
		Attempts:  attempts,
		CreatedAt: now,
		UpdatedAt: now,
		RetryOf:   retryOf,
		abort:     make(chan struct{}),
	}
}

// View snapshots the job under lock.
func (j *Job) View() View {
	j.mu.Lock()
	defer j.mu.Unlock()
	return View{
		ID:        j.ID,
		Status:    j.Status,
		Attempts:  j.Attempts,
		Error:     j.Error,
		Result:    j.Result,
		RetryOf:   j.RetryOf,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

// Record is the shape persisted to the relational store: the Job's
// durable projection, including the source text the public View omits.
type Record struct {
	ID              string
	Source          string
	Status          Status
	Attempts        int
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Error           string
	Result          *Result
	RetryOf         string
}

func (j *Job) toRecord() Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Record{
		ID:              j.ID,
		Source:          j.Source,
		Status:          j.Status,
		Attempts:        j.Attempts,
		CancelRequested: j.CancelRequested,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		Error:           j.Error,
		Result:          j.Result,
		RetryOf:         j.RetryOf,
	}
}

func fromRecord(r Record) *Job {
	return &Job{
		ID:              r.ID,
		Source:          r.Source,
		Status:          r.Status,
		Attempts:        r.Attempts,
		CancelRequested: r.CancelRequested,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		Error:           r.Error,
		Result:          r.Result,
		RetryOf:         r.RetryOf,
		abort:           make(chan struct{}),
	}
}

func (j *Job) transition(to Status) {
	j.mu.Lock()
	j.Status = to
	j.UpdatedAt = time.Now().UTC()
	j.mu.Unlock()
}

func (j *Job) requestCancel() (wasQueued, alreadyRequested, alreadyTerminal bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if terminalStatuses[j.Status] {
		return false, false, true
	}
	alreadyRequested = j.CancelRequested
	j.CancelRequested = true
	j.UpdatedAt = time.Now().UTC()
	return j.Status == StatusQueued, alreadyRequested, false
}

func (j *Job) isCancelRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.CancelRequested
}

func (j *Job) fail(reason string) {
	j.mu.Lock()
	if terminalStatuses[j.Status] {
		j.mu.Unlock()
		return
	}
	j.Status = StatusFailed
	j.Error = reason
	j.UpdatedAt = time.Now().UTC()
	j.mu.Unlock()
}

func (j *Job) cancel(reason string) {
	j.mu.Lock()
	if terminalStatuses[j.Status] {
		j.mu.Unlock()
		return
	}
	j.Status = StatusCancelled
	j.Error = reason
	j.UpdatedAt = time.Now().UTC()
	j.mu.Unlock()
}

func (j *Job) complete(result Result) {
	j.mu.Lock()
	j.Status = StatusCompleted
	j.Result = &result
	j.UpdatedAt = time.Now().UTC()
	j.mu.Unlock()
}

// checkRetryable reports whether j can be retried.
func (j *Job) checkRetryable() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status != StatusFailed && j.Status != StatusCancelled {
		return fmt.Errorf("%w: status is %s", ErrNotRetryable, j.Status)
	}
	return nil
}
