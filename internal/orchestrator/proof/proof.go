// Package proof derives a tamper-evident payload for an accepted
// optimization and submits it to an on-chain registry collaborator.
package proof

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/gweizero/optimizer/internal/gasmodel"
	"github.com/gweizero/optimizer/internal/orchestrator/job"
	"golang.org/x/crypto/sha3"
)

// ErrNotEligible is returned when the job does not meet the builder's
// preconditions: completed, acceptance accepted, and an optimized
// profile present.
var ErrNotEligible = errors.New("proof: job is not eligible for proof derivation")

// Payload is the on-chain submission payload.
type Payload struct {
	OriginalHash      string `json:"originalHash"`
	OptimizedHash     string `json:"optimizedHash"`
	ContractAddress   string `json:"contractAddress"`
	ContractName      string `json:"contractName"`
	OriginalGas       uint32 `json:"originalGas"`
	OptimizedGas      uint32 `json:"optimizedGas"`
	SavingsPercentBps int    `json:"savingsPercentBps"`
}

// MintResult is what Submit returns on success.
type MintResult struct {
	TxHash          string `json:"txHash"`
	TokenID         string `json:"tokenId,omitempty"`
	RegistryAddress string `json:"registryAddress"`
	ChainID         int64  `json:"chainId"`
}

// Registry is the opaque on-chain registry/signer collaborator. The
// shipped implementation is the plain JSON-RPC caller in rpc.go.
type Registry interface {
	Submit(ctx context.Context, payload Payload) (MintResult, error)
}

// zeroAddress is used when no contractAddress is supplied.
const zeroAddress = "0x0000000000000000000000000000000000000000"

// keccak256Hex hashes data with Keccak-256 and returns "0x"-prefixed
// hex.
func keccak256Hex(data []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return fmt.Sprintf("0x%x", h.Sum(nil))
}

// clampU32 saturates a float64 gas value to the uint32 range.
func clampU32(v float64) uint32 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}

// clampBps clamps a basis-point value to [0, 10000].
func clampBps(v float64) int {
	rounded := int(math.Round(v))
	if rounded < 0 {
		return 0
	}
	if rounded > 10000 {
		return 10000
	}
	return rounded
}

// Builder derives and submits proof payloads.
type Builder struct {
	registry Registry
}

// New constructs a Builder.
func New(registry Registry) *Builder {
	return &Builder{registry: registry}
}

// BuildPayload derives a Payload from an AnalysisResult.
// contractAddress/contractName override the result's fields when
// provided.
func (b *Builder) BuildPayload(result *job.AnalysisResult, contractAddress, contractName string) (Payload, error) {
	if result == nil || !result.Acceptance.Accepted || result.OptimizedProfile == nil {
		return Payload{}, ErrNotEligible
	}

	originalGas, hasOriginal := representativeGas(result.BaselineProfile)
	optimizedGas, hasOptimized := representativeGas(*result.OptimizedProfile)
	if !hasOriginal {
		originalGas = float64(result.BaselineProfile.DeploymentGas)
	}
	if !hasOptimized {
		optimizedGas = float64(result.OptimizedProfile.DeploymentGas)
	}

	var savingsBps int
	if originalGas > 0 {
		savingsBps = clampBps((originalGas - optimizedGas) / originalGas * 10000)
	}

	addr := contractAddress
	if addr == "" {
		addr = zeroAddress
	}
	name := contractName
	if name == "" {
		name = result.BaselineProfile.ContractName
	}

	optimizedSource := result.AIOutput.OptimizedSource
	if optimizedSource == "" {
		optimizedSource = result.OriginalContract
	}

	return Payload{
		OriginalHash:      keccak256Hex([]byte(result.OriginalContract)),
		OptimizedHash:     keccak256Hex([]byte(optimizedSource)),
		ContractAddress:   addr,
		ContractName:      name,
		OriginalGas:       clampU32(originalGas),
		OptimizedGas:      clampU32(optimizedGas),
		SavingsPercentBps: savingsBps,
	}, nil
}

// representativeGas is the average gas over measured nonpayable/payable
// entries; the caller falls back to deployment gas when there are none.
func representativeGas(profile gasmodel.GasProfile) (float64, bool) {
	avg := profile.AverageMutableFunctionGas()
	if avg > 0 {
		return avg, true
	}
	return 0, false
}

// Submit sends the payload to the registry collaborator.
func (b *Builder) Submit(ctx context.Context, payload Payload) (MintResult, error) {
	return b.registry.Submit(ctx, payload)
}
