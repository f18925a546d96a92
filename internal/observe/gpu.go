package observe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"earshot/internal/acquire"
)

// gpuQuery lists the nvidia-smi fields sampled per telemetry tick, in order.
const gpuQuery = "utilization.gpu,memory.used,memory.free,temperature.gpu,power.draw"

// GPUSample is one reading from nvidia-smi for the first GPU.
type GPUSample struct {
	UtilizationPct float64
	MemoryUsedMiB  float64
	MemoryFreeMiB  float64
	TemperatureC   float64
	PowerDrawW     float64
}

// GPUSampler shells out to nvidia-smi. A host without the tool degrades to
// ErrNoGPU on every sample; callers log once and stop asking.
type GPUSampler struct {
	runner  acquire.Runner
	timeout time.Duration
}

// ErrNoGPU reports that no usable nvidia-smi output was obtained.
var ErrNoGPU = fmt.Errorf("observe: nvidia-smi unavailable")

// NewGPUSampler builds a sampler with the default subprocess runner.
func NewGPUSampler() *GPUSampler {
	return &GPUSampler{runner: acquire.ExecRunner{}, timeout: 5 * time.Second}
}

// WithRunner substitutes the subprocess runner for tests.
func (g *GPUSampler) WithRunner(r acquire.Runner) *GPUSampler {
	g.runner = r
	return g
}

// Sample queries the first GPU. Returns ErrNoGPU when the tool is missing or
// its output is unparseable.
func (g *GPUSampler) Sample(ctx context.Context) (GPUSample, error) {
	out, err := g.runner.Run(ctx, g.timeout, "nvidia-smi",
		"--query-gpu="+gpuQuery,
		"--format=csv,noheader,nounits",
	)
	if err != nil {
		return GPUSample{}, ErrNoGPU
	}
	return parseGPULine(string(out))
}

// parseGPULine parses one CSV line of nvidia-smi output. Fields that nvidia-smi
// reports as "[N/A]" parse as zero.
func parseGPULine(out string) (GPUSample, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	fields := strings.Split(line, ",")
	if len(fields) != 5 {
		return GPUSample{}, ErrNoGPU
	}

	vals := make([]float64, 5)
	for i, f := range fields {
		f = strings.TrimSpace(f)
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			if strings.Contains(f, "N/A") {
				continue
			}
			return GPUSample{}, ErrNoGPU
		}
		vals[i] = v
	}
	return GPUSample{
		UtilizationPct: vals[0],
		MemoryUsedMiB:  vals[1],
		MemoryFreeMiB:  vals[2],
		TemperatureC:   vals[3],
		PowerDrawW:     vals[4],
	}, nil
}
