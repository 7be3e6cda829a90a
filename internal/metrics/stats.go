// Package metrics holds the Prometheus collectors for both processes
// and the analysis-throughput report: jobs completed, average pipeline
// duration, and acceptance rate, aggregated over every job the
// orchestrator currently holds in memory. The registry has no
// long-term retention, so there is no time window to apply.
package metrics

import (
	"time"

	"github.com/gweizero/optimizer/internal/orchestrator/job"
)

// Stats is the analysis-throughput snapshot served at
// GET /api/analyze/stats.
type Stats struct {
	TotalJobs              int           `json:"totalJobs"`
	CompletedJobs          int           `json:"completedJobs"`
	FailedJobs             int           `json:"failedJobs"`
	CancelledJobs          int           `json:"cancelledJobs"`
	InFlightJobs           int           `json:"inFlightJobs"`
	AveragePipelineDuration time.Duration `json:"averagePipelineDuration"`
	AcceptanceRate         float64       `json:"acceptanceRate"`
}

// ViewSource is the subset of job.Registry the Reporter needs, kept
// narrow so it can be faked in tests without a real Registry/Bus pair.
type ViewSource interface {
	Views() []job.View
}

// Reporter implements server.StatsProvider over a ViewSource.
type Reporter struct {
	src ViewSource
}

// NewReporter constructs a Reporter.
func NewReporter(src ViewSource) *Reporter {
	return &Reporter{src: src}
}

// Snapshot implements server.StatsProvider.
func (rep *Reporter) Snapshot() interface{} {
	return Calculate(rep.src.Views())
}

// Calculate aggregates Stats over a set of job views: count by
// terminal phase, then derive rates and averages from those counts.
func Calculate(views []job.View) Stats {
	s := Stats{TotalJobs: len(views)}
	if len(views) == 0 {
		return s
	}

	var totalDuration time.Duration
	var accepted int

	for _, v := range views {
		switch v.Phase {
		case job.PhaseCompleted:
			s.CompletedJobs++
			totalDuration += v.UpdatedAt.Sub(v.CreatedAt)
			if v.Result != nil && v.Result.Acceptance.Accepted {
				accepted++
			}
		case job.PhaseFailed:
			s.FailedJobs++
		case job.PhaseCancelled:
			s.CancelledJobs++
		default:
			s.InFlightJobs++
		}
	}

	if s.CompletedJobs > 0 {
		s.AveragePipelineDuration = totalDuration / time.Duration(s.CompletedJobs)
		s.AcceptanceRate = float64(accepted) / float64(s.CompletedJobs)
	}

	return s
}
