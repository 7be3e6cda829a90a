package job

import (
	"context"
	"testing"
	"time"

	"github.com/gweizero/optimizer/internal/orchestrator/bus"
)

func newTestRegistry() *Registry {
	return NewRegistry(NewInMemoryDedupeMap(time.Minute), bus.New[ProgressEvent]())
}

func TestTransitionGraph(t *testing.T) {
	tests := []struct {
		name    string
		from    Phase
		to      Phase
		wantErr bool
	}{
		{"queued→static", PhaseQueued, PhaseStaticAnalysis, false},
		{"static→dynamic", PhaseStaticAnalysis, PhaseDynamicAnalysis, false},
		{"dynamic→ai", PhaseDynamicAnalysis, PhaseAIOptimization, false},
		{"ai→completed", PhaseAIOptimization, PhaseCompleted, false},

		{"queued→failed", PhaseQueued, PhaseFailed, false},
		{"static→cancelled", PhaseStaticAnalysis, PhaseCancelled, false},
		{"ai→failed", PhaseAIOptimization, PhaseFailed, false},

		{"queued→completed REJECTED", PhaseQueued, PhaseCompleted, true},
		{"queued→ai REJECTED", PhaseQueued, PhaseAIOptimization, true},
		{"static→completed REJECTED", PhaseStaticAnalysis, PhaseCompleted, true},
		{"completed→queued REJECTED", PhaseCompleted, PhaseQueued, true},
		{"failed→static REJECTED", PhaseFailed, PhaseStaticAnalysis, true},
		{"cancelled→completed REJECTED", PhaseCancelled, PhaseCompleted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := newJob("contract X {}")
			j.Phase = tt.from
			err := Transition(j, tt.to)

			if tt.wantErr {
				if err == nil {
					t.Errorf("Transition(%s → %s) expected error, got nil", tt.from, tt.to)
				}
				if j.Phase != tt.from {
					t.Errorf("phase changed to %s on failed transition", j.Phase)
				}
			} else {
				if err != nil {
					t.Errorf("Transition(%s → %s) unexpected error: %v", tt.from, tt.to, err)
				}
				if j.Phase != tt.to {
					t.Errorf("phase = %s, want %s", j.Phase, tt.to)
				}
			}
		})
	}
}

func TestCreateOrReuseJobDedup(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	source := "contract Dedup { function f() external {} }"

	first := r.CreateOrReuseJob(ctx, source)
	if first.Reused {
		t.Fatal("first submission should not be reused")
	}

	// Non-terminal job: second submission is a reuse.
	second := r.CreateOrReuseJob(ctx, source)
	if !second.Reused || second.Job.ID != first.Job.ID {
		t.Errorf("second submission: reused=%v id=%s, want reuse of %s", second.Reused, second.Job.ID, first.Job.ID)
	}

	// Completed job within TTL: still a reuse.
	r.Complete(first.Job, AnalysisResult{})
	third := r.CreateOrReuseJob(ctx, source)
	if !third.Reused || third.Job.ID != first.Job.ID {
		t.Errorf("third submission: reused=%v, want reuse of completed job", third.Reused)
	}
}

func TestCreateOrReuseJobFailedInvalidates(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	source := "contract FailDedup {}"

	first := r.CreateOrReuseJob(ctx, source)
	r.Fail(first.Job, "boom")

	second := r.CreateOrReuseJob(ctx, source)
	if second.Reused {
		t.Error("failed job must not be reused")
	}
	if second.Job.ID == first.Job.ID {
		t.Error("expected a new job id after the prior failed")
	}
}

func TestCreateOrReuseJobCancelledInvalidates(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	source := "contract CancelDedup {}"

	first := r.CreateOrReuseJob(ctx, source)
	r.Cancel(first.Job, "Analysis cancelled by user.")

	second := r.CreateOrReuseJob(ctx, source)
	if second.Reused {
		t.Error("cancelled job must not be reused")
	}
}

func TestCreateOrReuseJobTTLExpiry(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(NewInMemoryDedupeMap(20*time.Millisecond), bus.New[ProgressEvent]())
	source := "contract TTL {}"

	first := r.CreateOrReuseJob(ctx, source)
	r.Complete(first.Job, AnalysisResult{})

	time.Sleep(40 * time.Millisecond)
	second := r.CreateOrReuseJob(ctx, source)
	if second.Reused {
		t.Error("mapping past TTL must not be reused")
	}
}

func TestGetJobHidesSource(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	res := r.CreateOrReuseJob(ctx, "contract Secret {}")

	view, err := r.GetJob(res.Job.ID)
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if view.ID != res.Job.ID || view.Phase != PhaseQueued {
		t.Errorf("view = %+v", view)
	}
	if len(view.Events) != 1 || view.Events[0].Message != "Queued for analysis." {
		t.Errorf("events = %+v, want single queued event", view.Events)
	}

	if _, err := r.GetJob("nope"); err != ErrNotFound {
		t.Errorf("GetJob(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestCancelJob(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	res := r.CreateOrReuseJob(ctx, "contract C {}")

	view, err := r.CancelJob(res.Job.ID)
	if err != nil {
		t.Fatalf("CancelJob() error: %v", err)
	}
	if !res.Job.IsCancelRequested() {
		t.Error("cancel flag not set")
	}
	last := view.Events[len(view.Events)-1]
	if last.Message != "Cancellation requested." {
		t.Errorf("last event = %q, want Cancellation requested.", last.Message)
	}

	// The abort context fires so in-flight calls unwind.
	select {
	case <-res.Job.AbortContext().Done():
	case <-time.After(time.Second):
		t.Error("abort context not cancelled")
	}

	// A second cancel emits no duplicate event.
	again, _ := r.CancelJob(res.Job.ID)
	if len(again.Events) != len(view.Events) {
		t.Errorf("repeat cancel emitted events: %d vs %d", len(again.Events), len(view.Events))
	}
}

func TestCancelJobIdempotentOnTerminal(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	res := r.CreateOrReuseJob(ctx, "contract C {}")
	r.Complete(res.Job, AnalysisResult{})

	view, err := r.CancelJob(res.Job.ID)
	if err != nil {
		t.Fatalf("CancelJob() error: %v", err)
	}
	if view.Phase != PhaseCompleted {
		t.Errorf("phase = %s, want completed unchanged", view.Phase)
	}
}

func TestEventsOrderedAndTimestamped(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	res := r.CreateOrReuseJob(ctx, "contract C {}")
	j := res.Job

	if err := r.Transition(j, PhaseStaticAnalysis, "Parsing Solidity source."); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := r.Transition(j, PhaseDynamicAnalysis, "Measuring baseline gas."); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	r.Emit(j, PhaseDynamicAnalysis, "Polling worker...")

	view := j.View()
	want := []string{
		"Queued for analysis.",
		"Parsing Solidity source.",
		"Measuring baseline gas.",
		"Polling worker...",
	}
	if len(view.Events) != len(want) {
		t.Fatalf("got %d events, want %d", len(view.Events), len(want))
	}
	for i, w := range want {
		if view.Events[i].Message != w {
			t.Errorf("event[%d] = %q, want %q", i, view.Events[i].Message, w)
		}
		if i > 0 && view.Events[i].Timestamp.Before(view.Events[i-1].Timestamp) {
			t.Errorf("event[%d] timestamp decreases", i)
		}
	}
}

func TestFailRetainsReason(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	res := r.CreateOrReuseJob(ctx, "contract C {}")

	r.Fail(res.Job, "Failed to parse Solidity code.")
	view, _ := r.GetJob(res.Job.ID)
	if view.Phase != PhaseFailed || view.Error != "Failed to parse Solidity code." {
		t.Errorf("view = %+v", view)
	}

	// Terminal jobs do not fail twice.
	r.Fail(res.Job, "other")
	view, _ = r.GetJob(res.Job.ID)
	if view.Error != "Failed to parse Solidity code." {
		t.Errorf("error overwritten on terminal job: %q", view.Error)
	}
}

// fakePipeline records that it ran and finalizes the job.
type fakePipeline struct {
	ran chan string
}

func (p *fakePipeline) Run(ctx context.Context, j *AnalysisJob) {
	p.ran <- j.ID
}

func TestCreateSpawnsPipeline(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	fp := &fakePipeline{ran: make(chan string, 1)}
	r.SetPipeline(fp)

	res := r.CreateOrReuseJob(ctx, "contract C {}")
	select {
	case id := <-fp.ran:
		if id != res.Job.ID {
			t.Errorf("pipeline ran for %s, want %s", id, res.Job.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline was not spawned")
	}
}
