// Package orchestrator implements node admission, benchmarking, heartbeat
// processing, integrity attestation, and manifest distribution (spec §4.4).
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	fetchTimeout  = 5 * time.Second
	cpuIterations = 5000
	memoryMB      = 256

	fetchWeight  = 0.6
	cpuWeight    = 0.25
	memoryWeight = 0.15
)

// BenchmarkResult is the scored outcome of running all three benchmark legs
// against a candidate node's test_endpoint.
type BenchmarkResult struct {
	FetchScore    float64
	CPUScore      float64
	MemoryScore   float64
	CompositeScore float64
}

// Benchmarker drives a node's self-reported /benchmark/* endpoints and
// composites the three legs into a single admission score.
type Benchmarker struct {
	client        *http.Client
	fetchTargets  []string
}

// NewBenchmarker builds a Benchmarker. fetchTargets are the well-known URLs
// posted to the node's /benchmark/fetch endpoint.
func NewBenchmarker(fetchTargets []string) *Benchmarker {
	return &Benchmarker{
		client:       &http.Client{Timeout: fetchTimeout + time.Second},
		fetchTargets: fetchTargets,
	}
}

// Run executes the fetch/cpu/memory legs against testEndpoint and returns
// the composite score (0-100).
func (b *Benchmarker) Run(ctx context.Context, testEndpoint string) (*BenchmarkResult, error) {
	fetchScore, err := b.runFetch(ctx, testEndpoint)
	if err != nil {
		return nil, fmt.Errorf("fetch benchmark: %w", err)
	}
	cpuScore, err := b.runCPU(ctx, testEndpoint)
	if err != nil {
		return nil, fmt.Errorf("cpu benchmark: %w", err)
	}
	memScore, err := b.runMemory(ctx, testEndpoint)
	if err != nil {
		return nil, fmt.Errorf("memory benchmark: %w", err)
	}

	composite := fetchWeight*fetchScore + cpuWeight*cpuScore + memoryWeight*memScore
	return &BenchmarkResult{
		FetchScore:     fetchScore,
		CPUScore:       cpuScore,
		MemoryScore:    memScore,
		CompositeScore: composite,
	}, nil
}

// runFetch POSTs each well-known target to /benchmark/fetch and scores
// latency + reliability across the attempts.
func (b *Benchmarker) runFetch(ctx context.Context, testEndpoint string) (float64, error) {
	var totalLatencyMs float64
	var successes int

	for _, target := range b.fetchTargets {
		reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		start := time.Now()
		var resp struct {
			SuccessMs float64 `json:"latency_ms"`
			OK        bool    `json:"ok"`
		}
		err := b.postJSON(reqCtx, testEndpoint+"/benchmark/fetch", map[string]string{"url": target}, &resp)
		cancel()

		elapsed := time.Since(start).Seconds() * 1000
		if err != nil || !resp.OK {
			continue
		}
		successes++
		if resp.SuccessMs > 0 {
			totalLatencyMs += resp.SuccessMs
		} else {
			totalLatencyMs += elapsed
		}
	}

	if len(b.fetchTargets) == 0 {
		return 0, nil
	}

	avgLatencyMs := 0.0
	if successes > 0 {
		avgLatencyMs = totalLatencyMs / float64(successes)
	}
	latencyScore := max0(100 - avgLatencyMs/2000*100)
	reliabilityScore := float64(successes) / float64(len(b.fetchTargets)) * 100

	return 0.7*latencyScore + 0.3*reliabilityScore, nil
}

// runCPU asks the node for cpuIterations SHA-256 hashes and scores throughput.
func (b *Benchmarker) runCPU(ctx context.Context, testEndpoint string) (float64, error) {
	var resp struct {
		HashesPerSecond float64 `json:"hashes_per_second"`
	}
	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	if err := b.postJSON(reqCtx, testEndpoint+"/benchmark/cpu",
		map[string]int{"iterations": cpuIterations}, &resp); err != nil {
		return 0, err
	}
	return min100(resp.HashesPerSecond / cpuIterations * 50), nil
}

// runMemory asks the node to allocate memoryMB and grades success/timing.
func (b *Benchmarker) runMemory(ctx context.Context, testEndpoint string) (float64, error) {
	var resp struct {
		Success    bool    `json:"success"`
		DurationMs float64 `json:"duration_ms"`
	}
	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	if err := b.postJSON(reqCtx, testEndpoint+"/benchmark/memory-test",
		map[string]int{"megabytes": memoryMB}, &resp); err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, nil
	}
	// Faster allocation scores higher, capped at 100; slower allocations
	// decay linearly past a 500ms baseline.
	if resp.DurationMs <= 0 {
		return 100, nil
	}
	return min100(max0(100 - (resp.DurationMs-500)/10)), nil
}

func (b *Benchmarker) postJSON(ctx context.Context, url string, body any, dst any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("benchmark endpoint returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func min100(v float64) float64 {
	if v > 100 {
		return 100
	}
	return v
}
