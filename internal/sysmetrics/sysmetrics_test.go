package sysmetrics

import "testing"

func TestCPUPercentNonNegative(t *testing.T) {
	pct := CPUPercent()
	if pct < 0 {
		t.Errorf("CPUPercent() = %v, want >= 0", pct)
	}
}

func TestMemoryInuse(t *testing.T) {
	if got := MemoryInuse(); got <= 0 {
		t.Errorf("MemoryInuse() = %d, want > 0", got)
	}
}

func TestSystemMemory(t *testing.T) {
	used, total, err := SystemMemory()
	if err != nil {
		t.Skipf("SystemMemory unavailable: %v", err)
	}
	if total <= 0 {
		t.Errorf("total = %d, want > 0", total)
	}
	if used < 0 || used > total {
		t.Errorf("used = %d, want in [0, %d]", used, total)
	}
}

func TestDiskUsage(t *testing.T) {
	used, total, err := DiskUsage(t.TempDir())
	if err != nil {
		t.Skipf("DiskUsage unavailable: %v", err)
	}
	if total <= 0 {
		t.Errorf("total = %d, want > 0", total)
	}
	if used < 0 || used > total {
		t.Errorf("used = %d, want in [0, %d]", used, total)
	}
}

func TestSample(t *testing.T) {
	snap := Sample(t.TempDir())
	if snap.CPUPercent < 0 {
		t.Errorf("CPUPercent = %v, want >= 0", snap.CPUPercent)
	}
	if snap.ProcessMemBytes <= 0 {
		t.Errorf("ProcessMemBytes = %d, want > 0", snap.ProcessMemBytes)
	}
}
