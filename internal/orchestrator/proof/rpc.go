package proof

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RPCRegistry submits the proof payload to the chain via a plain
// JSON-RPC call over net/http. It is deliberately opaque: it does not
// encode or verify the registry contract's ABI, it only shapes a
// request the registry node is expected to accept and parses out a
// transaction hash and optional minted token id.
type RPCRegistry struct {
	rpcURL          string
	signerKey       string
	registryAddress string
	chainID         int64
	client          *http.Client
}

// NewRPCRegistry constructs an RPCRegistry.
func NewRPCRegistry(rpcURL, signerKey, registryAddress string, chainID int64) *RPCRegistry {
	return &RPCRegistry{
		rpcURL:          rpcURL,
		signerKey:       signerKey,
		registryAddress: registryAddress,
		chainID:         chainID,
		client:          &http.Client{Timeout: 30 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	Result *mintRPCResult `json:"result"`
	Error  *rpcError      `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// mintRPCResult is the shape this implementation expects the registry
// node's registry_mintOptimizationProof call to return: a transaction
// hash and, once confirmed, the OptimizationProofMinted event's token
// id if the node surfaces it inline.
type mintRPCResult struct {
	TxHash  string `json:"txHash"`
	TokenID string `json:"tokenId,omitempty"`
}

// mintProofParams is the registry submit call's parameter shape.
type mintProofParams struct {
	OriginalHash      string `json:"originalHash"`
	OptimizedHash     string `json:"optimizedHash"`
	ContractAddress   string `json:"contractAddress"`
	ContractName      string `json:"contractName"`
	OriginalGas       uint32 `json:"originalGas"`
	OptimizedGas      uint32 `json:"optimizedGas"`
	SavingsPercentBps int    `json:"savingsPercentBps"`
	RegistryAddress   string `json:"registryAddress"`
}

// Submit implements Registry.
func (r *RPCRegistry) Submit(ctx context.Context, payload Payload) (MintResult, error) {
	if r.rpcURL == "" || r.signerKey == "" || r.registryAddress == "" {
		return MintResult{}, fmt.Errorf("proof: CHAIN_RPC_URL, BACKEND_SIGNER_PRIVATE_KEY, and GAS_OPTIMIZATION_REGISTRY_ADDRESS must all be configured")
	}

	params := mintProofParams{
		OriginalHash:      payload.OriginalHash,
		OptimizedHash:     payload.OptimizedHash,
		ContractAddress:   payload.ContractAddress,
		ContractName:      payload.ContractName,
		OriginalGas:       payload.OriginalGas,
		OptimizedGas:      payload.OptimizedGas,
		SavingsPercentBps: payload.SavingsPercentBps,
		RegistryAddress:   r.registryAddress,
	}

	reqBody := rpcRequest{
		JSONRPC: "2.0",
		Method:  "registry_mintOptimizationProof",
		Params:  []interface{}{params, r.signerKey},
		ID:      1,
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return MintResult{}, fmt.Errorf("proof: marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.rpcURL, bytes.NewReader(data))
	if err != nil {
		return MintResult{}, fmt.Errorf("proof: create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return MintResult{}, fmt.Errorf("proof: rpc call: %w", err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return MintResult{}, fmt.Errorf("proof: read rpc response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return MintResult{}, fmt.Errorf("proof: rpc error (status %d): %s", resp.StatusCode, string(respData))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respData, &rpcResp); err != nil {
		return MintResult{}, fmt.Errorf("proof: unmarshal rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return MintResult{}, fmt.Errorf("proof: rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if rpcResp.Result == nil || rpcResp.Result.TxHash == "" {
		return MintResult{}, fmt.Errorf("proof: rpc response missing txHash")
	}

	return MintResult{
		TxHash:          rpcResp.Result.TxHash,
		TokenID:         rpcResp.Result.TokenID,
		RegistryAddress: r.registryAddress,
		ChainID:         r.chainID,
	}, nil
}
