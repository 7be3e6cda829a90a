// Package subprocess compiles the submitted source and runs a
// gas-estimator program in an isolated per-job build folder, observing
// cooperative abort with a terminate-then-force-kill grace period.
//
// The estimator protocol has two phases. An "abi" invocation compiles
// the source and prints the main artifact's ABI; the runner then
// synthesizes a deterministic argument plan from it and writes the
// plan into the build folder. A "measure" invocation deploys with the
// planned constructor arguments, estimates gas per function with the
// planned call arguments, and prints the gas profile. Both phases
// print their JSON payload as the first {...} region of stdout.
package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gweizero/optimizer/internal/gasmodel"
	"github.com/gweizero/optimizer/internal/metrics"
	"github.com/gweizero/optimizer/internal/worker/inputsynth"
	"github.com/gweizero/optimizer/internal/worker/store"
)

// killGrace is the delay between a graceful terminate signal and a
// force-kill.
const killGrace = 1500 * time.Millisecond

// Runner implements store.Runner by shelling out to an external gas
// estimator binary.
type Runner struct {
	binary    string
	buildRoot string
	metrics   *metrics.WorkerMetrics
}

// New constructs a Runner. binary is the gas estimator's executable
// name or path; buildRoot is the host-local directory under which
// per-job contract/build folders are created and removed.
func New(binary, buildRoot string) *Runner {
	return &Runner{binary: binary, buildRoot: buildRoot}
}

// SetMetrics wires the optional Prometheus recorder.
func (r *Runner) SetMetrics(m *metrics.WorkerMetrics) {
	r.metrics = m
}

// Run implements store.Runner: writes source to a per-job build
// folder, drives the estimator's abi and measure phases, and parses
// the final stdout into a gasmodel.GasProfile. The temp source file
// and build folder are removed on every exit path, abort included.
func (r *Runner) Run(ctx context.Context, jobID, source string, abort <-chan struct{}) (store.Result, error) {
	start := time.Now()
	if r.metrics != nil {
		defer func() { r.metrics.ObserveSubprocessDuration(time.Since(start)) }()
	}

	dir := filepath.Join(r.buildRoot, "job-"+jobID+"-"+uuid.NewString()[:8])
	contractsDir := filepath.Join(dir, "contracts")
	if err := os.MkdirAll(contractsDir, 0o755); err != nil {
		return store.Result{}, fmt.Errorf("subprocess: create build dir: %w", err)
	}
	defer os.RemoveAll(dir)

	sourceFile := filepath.Join(contractsDir, "Contract.sol")
	if err := os.WriteFile(sourceFile, []byte(source), 0o644); err != nil {
		return store.Result{}, fmt.Errorf("subprocess: write source: %w", err)
	}

	baseEnv := []string{
		"GWEIZERO_CONTRACT_FILE=" + sourceFile,
		"GWEIZERO_BUILD_DIR=" + dir,
	}

	// Phase 1: compile and report the main artifact's ABI.
	abiOut, err := r.spawn(ctx, dir, append(baseEnv, "GWEIZERO_PHASE=abi"), abort)
	if err != nil {
		return store.Result{}, err
	}
	artifact, err := parseArtifact(abiOut)
	if err != nil {
		return store.Result{}, err
	}

	// Synthesize the deterministic argument plan and hand it to the
	// measure phase.
	argsFile := filepath.Join(dir, "args.json")
	plan, err := buildArgumentPlan(artifact.ABI)
	if err != nil {
		return store.Result{}, fmt.Errorf("subprocess: synthesize arguments: %w", err)
	}
	planData, err := json.Marshal(plan)
	if err != nil {
		return store.Result{}, fmt.Errorf("subprocess: marshal argument plan: %w", err)
	}
	if err := os.WriteFile(argsFile, planData, 0o644); err != nil {
		return store.Result{}, fmt.Errorf("subprocess: write argument plan: %w", err)
	}

	// Phase 2: deploy and measure with the planned arguments.
	measureOut, err := r.spawn(ctx, dir, append(baseEnv, "GWEIZERO_PHASE=measure", "GWEIZERO_ARGS_FILE="+argsFile), abort)
	if err != nil {
		return store.Result{}, err
	}
	return parseProfile(measureOut)
}

// spawn runs one estimator invocation and returns its stdout.
func (r *Runner) spawn(ctx context.Context, dir string, extraEnv []string, abort <-chan struct{}) (string, error) {
	cmd := exec.CommandContext(ctx, r.binary)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)
	// Bound how long Wait blocks on stdout/stderr after the child exits,
	// so a grandchild still holding the pipes cannot stall an abort.
	cmd.WaitDelay = killGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("subprocess: start estimator: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("subprocess: estimator failed: %w (stderr: %s)", err, stderr.String())
		}
		return stdout.String(), nil

	case <-abort:
		r.terminateThenKill(cmd, done)
		return "", fmt.Errorf("subprocess: aborted")

	case <-ctx.Done():
		r.terminateThenKill(cmd, done)
		return "", ctx.Err()
	}
}

// terminateThenKill sends the graceful terminate signal and
// force-kills after killGrace if the child is still alive. The child
// cooperating is not assumed.
func (r *Runner) terminateThenKill(cmd *exec.Cmd, done chan error) {
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-done:
		return
	case <-time.After(killGrace):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
	}
}

// argumentPlan is the args.json shape consumed by the measure phase.
type argumentPlan struct {
	Constructor []interface{}            `json:"constructor"`
	Functions   map[string][]interface{} `json:"functions"`
}

// buildArgumentPlan synthesizes deterministic arguments for the
// constructor and every callable function fragment in the ABI.
// Functions whose inputs cannot be synthesized are omitted from the
// plan; the estimator reports them as unmeasured.
func buildArgumentPlan(abi []gasmodel.ABIFunction) (argumentPlan, error) {
	plan := argumentPlan{Constructor: []interface{}{}, Functions: make(map[string][]interface{})}
	for _, fragment := range abi {
		switch fragment.Type {
		case "constructor":
			args, err := inputsynth.Synthesize(fragment.Inputs)
			if err != nil {
				return argumentPlan{}, fmt.Errorf("constructor: %w", err)
			}
			plan.Constructor = args
		case "function":
			args, err := inputsynth.Synthesize(fragment.Inputs)
			if err != nil {
				continue
			}
			plan.Functions[fragment.CanonicalSignature()] = args
		}
	}
	return plan, nil
}

// firstJSONRegion extracts the first "{...}" region of stdout; the
// estimator may print compiler noise around the JSON payload.
func firstJSONRegion(stdout string) (string, error) {
	start := strings.IndexByte(stdout, '{')
	end := strings.LastIndexByte(stdout, '}')
	if start == -1 || end == -1 || end < start {
		return "", fmt.Errorf("subprocess: no JSON object found in estimator output")
	}
	return stdout[start : end+1], nil
}

// artifactInfo is the abi phase's payload: the main artifact selected
// by the estimator (largest bytecode, constructor preferred, empty
// bytecode skipped) and its ABI.
type artifactInfo struct {
	ContractName string                 `json:"contractName"`
	ABI          []gasmodel.ABIFunction `json:"abi"`
	Bytecode     string                 `json:"bytecode"`
}

func parseArtifact(stdout string) (artifactInfo, error) {
	payload, err := firstJSONRegion(stdout)
	if err != nil {
		return artifactInfo{}, err
	}
	var info artifactInfo
	if err := json.Unmarshal([]byte(payload), &info); err != nil {
		return artifactInfo{}, fmt.Errorf("subprocess: decode artifact output: %w", err)
	}
	if info.ContractName == "" {
		return artifactInfo{}, fmt.Errorf("subprocess: artifact output missing contractName")
	}
	return info, nil
}

// parseProfile decodes the measure phase's stdout into a
// gasmodel.GasProfile.
func parseProfile(stdout string) (store.Result, error) {
	payload, err := firstJSONRegion(stdout)
	if err != nil {
		return store.Result{}, err
	}

	var raw struct {
		DeploymentGas string                   `json:"deploymentGas"`
		Functions     map[string]functionEntry `json:"functions"`
		ABI           []gasmodel.ABIFunction   `json:"abi"`
		Bytecode      string                   `json:"bytecode"`
		ContractName  string                   `json:"contractName"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return store.Result{}, fmt.Errorf("subprocess: decode estimator output: %w", err)
	}

	deploymentGas, err := parseUint(raw.DeploymentGas)
	if err != nil {
		return store.Result{}, fmt.Errorf("subprocess: invalid deploymentGas: %w", err)
	}

	functions := make(map[string]gasmodel.FunctionGasEntry, len(raw.Functions))
	for sig, fe := range raw.Functions {
		entry := gasmodel.FunctionGasEntry{Mutability: fe.Mutability}
		if fe.Unmeasured {
			entry.Measured = false
			entry.Reason = fe.Reason
		} else {
			gas, err := parseUint(fe.GasUsed)
			if err != nil {
				return store.Result{}, fmt.Errorf("subprocess: invalid gasUsed for %s: %w", sig, err)
			}
			entry.Measured = true
			entry.GasUsed = gas
		}
		functions[sig] = entry
	}

	return store.Result{
		DeploymentGas: deploymentGas,
		Functions:     functions,
		ABI:           raw.ABI,
		Bytecode:      raw.Bytecode,
		ContractName:  raw.ContractName,
	}, nil
}

// functionEntry is the estimator's per-function wire shape: either a
// measured gasUsed string or an unmeasured reason.
type functionEntry struct {
	Unmeasured bool
	GasUsed    string
	Reason     string
	Mutability gasmodel.Mutability
}

// UnmarshalJSON distinguishes measured from unmeasured entries by which
// of gasUsed/reason is present, since both share one wire shape.
func (f *functionEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		GasUsed    string              `json:"gasUsed"`
		Reason     string              `json:"reason"`
		Mutability gasmodel.Mutability `json:"mutability"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.Mutability = raw.Mutability
	if raw.Reason != "" {
		f.Unmeasured = true
		f.Reason = raw.Reason
		return nil
	}
	f.GasUsed = raw.GasUsed
	return nil
}

// parseUint parses a decimal gas-quantity string. The estimator emits
// gas values as strings to avoid float precision loss on large values.
func parseUint(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	return strconv.ParseUint(s, 10, 64)
}
