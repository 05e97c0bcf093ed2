package docker

// driver_helpers_test.go — unit tests for the pure helpers; exercising the
// full driver needs a live engine and belongs to integration testing.

import (
	"testing"

	"github.com/docker/docker/api/types/container"
)

func statsFixture(total, preTotal, system, preSystem uint64, onlineCPUs uint32) *container.StatsResponse {
	raw := &container.StatsResponse{}
	raw.CPUStats.CPUUsage.TotalUsage = total
	raw.CPUStats.SystemUsage = system
	raw.CPUStats.OnlineCPUs = onlineCPUs
	raw.PreCPUStats.CPUUsage.TotalUsage = preTotal
	raw.PreCPUStats.SystemUsage = preSystem
	raw.MemoryStats.Usage = 64 << 20
	raw.MemoryStats.Limit = 512 << 20
	raw.Networks = map[string]container.NetworkStats{
		"eth0": {RxBytes: 1000, TxBytes: 500},
		"eth1": {RxBytes: 200, TxBytes: 100},
	}
	return raw
}

func TestNormalizeStats_CPUPercent(t *testing.T) {
	// 10% of the system delta across 2 CPUs → 20%.
	raw := statsFixture(1_100, 1_000, 11_000, 10_000, 2)
	stats := normalizeStats(raw)
	if stats.CPUPercent != 20 {
		t.Errorf("CPUPercent = %v, want 20", stats.CPUPercent)
	}
}

func TestNormalizeStats_NoDelta(t *testing.T) {
	raw := statsFixture(1_000, 1_000, 10_000, 10_000, 4)
	stats := normalizeStats(raw)
	if stats.CPUPercent != 0 {
		t.Errorf("CPUPercent = %v, want 0 for zero deltas", stats.CPUPercent)
	}
}

func TestNormalizeStats_MemoryAndNetwork(t *testing.T) {
	stats := normalizeStats(statsFixture(2, 1, 20, 10, 1))
	if stats.MemoryUsage != 64<<20 || stats.MemoryLimit != 512<<20 {
		t.Errorf("memory = %d/%d, want %d/%d",
			stats.MemoryUsage, stats.MemoryLimit, 64<<20, 512<<20)
	}
	if stats.NetworkRxBytes != 1200 || stats.NetworkTxBytes != 600 {
		t.Errorf("network = %d/%d, interfaces not summed",
			stats.NetworkRxBytes, stats.NetworkTxBytes)
	}
}
