// Package workerclient is the orchestrator's client for the gas
// measurement worker: submit source to the worker's analyze endpoint,
// then poll until terminal, mapping worker statuses to local outcomes.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gweizero/optimizer/internal/gasmodel"
	"github.com/sony/gobreaker"
)

// Client is the orchestrator-side WorkerClient.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	timeout      time.Duration
	breaker      *gobreaker.CircuitBreaker
}

// New constructs a Client. The circuit breaker wraps every HTTP call
// to the worker host so repeated failures fail fast instead of adding
// latency to every in-flight job.
func New(baseURL string, pollInterval, timeout time.Duration) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "worker-client",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return &Client{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		pollInterval: pollInterval,
		timeout:      timeout,
		breaker:      breaker,
	}
}

type analyzeRequest struct {
	Code string `json:"code"`
}

type analyzeResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type jobView struct {
	ID     string              `json:"id"`
	Status string              `json:"status"`
	Error  string              `json:"error,omitempty"`
	Result *gasmodel.GasProfile `json:"result,omitempty"`
}

// GetGasProfile implements pipeline.WorkerClient.
func (c *Client) GetGasProfile(ctx context.Context, source string) (gasmodel.GasProfile, error) {
	jobID, err := c.submit(ctx, source)
	if err != nil {
		return gasmodel.GasProfile{}, err
	}
	return c.poll(ctx, jobID)
}

func (c *Client) submit(ctx context.Context, source string) (string, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		body, err := json.Marshal(analyzeRequest{Code: source})
		if err != nil {
			return nil, fmt.Errorf("workerclient: marshal request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs/analyze", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("workerclient: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("workerclient: submit: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("workerclient: read submit response: %w", err)
		}
		if resp.StatusCode != http.StatusAccepted {
			return nil, fmt.Errorf("workerclient: submit failed (status %d): %s", resp.StatusCode, string(data))
		}

		var ar analyzeResponse
		if err := json.Unmarshal(data, &ar); err != nil {
			return nil, fmt.Errorf("workerclient: unmarshal submit response: %w", err)
		}
		return ar.JobID, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *Client) poll(ctx context.Context, jobID string) (gasmodel.GasProfile, error) {
	deadline := time.Now().Add(c.timeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		view, err := c.fetchJob(ctx, jobID)
		if err != nil {
			return gasmodel.GasProfile{}, err
		}

		switch view.Status {
		case "completed":
			if view.Result == nil {
				return gasmodel.GasProfile{}, fmt.Errorf("workerclient: completed job missing result")
			}
			return *view.Result, nil
		case "failed", "cancelled":
			return gasmodel.GasProfile{}, fmt.Errorf("workerclient: worker job %s: %s", view.Status, view.Error)
		}

		if time.Now().After(deadline) {
			return gasmodel.GasProfile{}, fmt.Errorf("Worker analysis timed out after %dms.", c.timeout.Milliseconds())
		}

		select {
		case <-ctx.Done():
			return gasmodel.GasProfile{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) fetchJob(ctx context.Context, jobID string) (jobView, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+jobID, nil)
		if err != nil {
			return nil, fmt.Errorf("workerclient: create poll request: %w", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("workerclient: poll: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("workerclient: job not found")
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("workerclient: read poll response: %w", err)
		}
		var view jobView
		if err := json.Unmarshal(data, &view); err != nil {
			return nil, fmt.Errorf("workerclient: unmarshal poll response: %w", err)
		}
		return view, nil
	})
	if err != nil {
		return jobView{}, err
	}
	return result.(jobView), nil
}
