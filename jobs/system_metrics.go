package jobs

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/transmute/errors"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`
	WorkersTotal  int     `json:"workers_total"`
	JobsProcessed int     `json:"jobs_processed"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
	JobsPending   int     `json:"jobs_pending"`
	JobsInFlight  int     `json:"jobs_in_flight"`
}

// getMemoryStats returns total and available memory in bytes
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// calculateSafeWorkerCount recommends a worker count for the available
// memory. A worker runs one compile at a time.
func calculateSafeWorkerCount(availableGB float64) int {
	const memoryPerWorker = 1.5 // GB for a typical compile plus the capability
	const memoryBuffer = 1.0    // GB reserved for the host

	if availableGB < memoryBuffer+memoryPerWorker {
		return 1
	}
	recommended := int((availableGB - memoryBuffer) / memoryPerWorker)
	if recommended > 32 {
		return 32
	}
	return recommended
}

// Metrics returns current worker and memory usage
func (wp *WorkerPool) Metrics(ctx context.Context) SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	var pending, inFlight int
	// Database errors degrade to zero counts
	if counts, err := wp.queue.Counts(ctx); err == nil {
		pending = counts[StatePending]
		inFlight = counts[StateRunning] + counts[StateCompiling] + counts[StateTesting]
	}

	wp.mu.Lock()
	defer wp.mu.Unlock()

	return SystemMetrics{
		WorkersActive: wp.activeWorkers,
		WorkersTotal:  wp.cfg.Workers,
		JobsProcessed: wp.jobsProcessed,
		MemoryUsedGB:  memUsedGB,
		MemoryTotalGB: memTotalGB,
		MemoryPercent: memPercent,
		JobsPending:   pending,
		JobsInFlight:  inFlight,
	}
}

// checkMemoryPressure returns a warning if the worker count looks too
// high for available memory, empty string if OK
func (wp *WorkerPool) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil {
		return ""
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeWorkerCount(availableGB)

	if wp.cfg.Workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider reducing workers to prevent memory pressure.",
			wp.cfg.Workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
