package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/gweizero/optimizer/internal/orchestrator/job"
	"github.com/gweizero/optimizer/internal/orchestrator/proof"
)

// ProofServiceImpl adapts proof.Builder to operate by job id, looking
// the job up in the registry first; the proof-payload and mint-proof
// endpoints only take a job id, not a full AnalysisResult.
type ProofServiceImpl struct {
	registry *job.Registry
	builder  *proof.Builder
}

// NewProofService constructs a ProofServiceImpl.
func NewProofService(registry *job.Registry, builder *proof.Builder) *ProofServiceImpl {
	return &ProofServiceImpl{registry: registry, builder: builder}
}

func (p *ProofServiceImpl) BuildPayloadForJob(id, contractAddress, contractName string) (proof.Payload, error) {
	view, err := p.registry.GetJob(id)
	if errors.Is(err, job.ErrNotFound) {
		return proof.Payload{}, fmt.Errorf("job not found")
	}
	if view.Result == nil {
		return proof.Payload{}, fmt.Errorf("job is not completed")
	}
	return p.builder.BuildPayload(view.Result, contractAddress, contractName)
}

func (p *ProofServiceImpl) Mint(ctx context.Context, payload proof.Payload) (proof.MintResult, error) {
	return p.builder.Submit(ctx, payload)
}
