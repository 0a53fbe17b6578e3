package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// ResourceUsage is a coarse view of the process, included in metrics
// snapshots so operators can correlate backlog with CPU and memory.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

const cpuSecondsMetric = "/sched/cpu:seconds"

// resourceSampler derives CPU utilisation from the delta between two reads.
type resourceSampler struct {
	mu       sync.Mutex
	sample   []metrics.Sample
	lastCPU  float64
	lastRead time.Time
	numCPU   float64
}

func newResourceSampler() *resourceSampler {
	return &resourceSampler{
		sample: []metrics.Sample{{Name: cpuSecondsMetric}},
		numCPU: float64(runtime.NumCPU()),
	}
}

func (r *resourceSampler) Snapshot() ResourceUsage {
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.sample)
	now := time.Now()

	var usage ResourceUsage
	if v := r.sample[0].Value; v.Kind() == metrics.KindFloat64 {
		cpu := v.Float64()
		if !r.lastRead.IsZero() {
			wall := now.Sub(r.lastRead).Seconds()
			if wall > 0 && r.numCPU > 0 {
				usage.CPUPercent = (cpu - r.lastCPU) / wall / r.numCPU * 100
			}
		}
		r.lastCPU = cpu
	}
	r.lastRead = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usage.MemoryBytes = mem.Alloc
	usage.Goroutines = runtime.NumGoroutine()
	return usage
}
