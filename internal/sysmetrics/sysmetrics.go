// Package sysmetrics tracks process-level and system-wide CPU, memory, and
// disk usage for the Monitor's periodic resource line (spec: "sample CPU%,
// RAM used/total, disk used/total and log as a single structured line").
package sysmetrics

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

var (
	mu       sync.Mutex
	lastWall time.Time
	lastUser time.Duration
	lastSys  time.Duration
	lastCPU  float64
)

func init() {
	now := time.Now()
	utime, stime := getrusageTimes()
	mu.Lock()
	lastWall = now
	lastUser = utime
	lastSys = stime
	mu.Unlock()
}

// CPUPercent returns the process CPU usage as a percentage (0–100+)
// since the last call. Multi-core processes can exceed 100%.
func CPUPercent() float64 {
	now := time.Now()
	utime, stime := getrusageTimes()

	mu.Lock()
	defer mu.Unlock()

	wall := now.Sub(lastWall)
	if wall <= 0 {
		return lastCPU
	}

	cpuDelta := (utime - lastUser) + (stime - lastSys)
	pct := float64(cpuDelta) / float64(wall) * 100.0

	lastWall = now
	lastUser = utime
	lastSys = stime
	lastCPU = pct

	return pct
}

// MemoryInuse returns the memory actively in use by the Go runtime, in
// bytes. This is HeapInuse (live heap spans) plus StackInuse (goroutine
// stacks), excluding virtual address space reserved but not committed.
func MemoryInuse() int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.HeapInuse + m.StackInuse)
}

func getrusageTimes() (user, sys time.Duration) {
	var rusage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &rusage); err != nil {
		return 0, 0
	}
	user = time.Duration(rusage.Utime.Nano())
	sys = time.Duration(rusage.Stime.Nano())
	return user, sys
}

// SystemMemory reports system-wide RAM in bytes, used and total. Parsed
// from /proc/meminfo; "used" is Total minus MemAvailable, matching what
// most Linux resource monitors report rather than the more pessimistic
// Total-minus-MemFree.
func SystemMemory() (usedBytes, totalBytes int64, err error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, fmt.Errorf("sysmetrics: open /proc/meminfo: %w", err)
	}
	defer f.Close()

	var totalKB, availKB int64
	haveTotal, haveAvail := false, false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKB, haveTotal = parseMeminfoKB(line), true
		case strings.HasPrefix(line, "MemAvailable:"):
			availKB, haveAvail = parseMeminfoKB(line), true
		}
		if haveTotal && haveAvail {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, fmt.Errorf("sysmetrics: scan /proc/meminfo: %w", err)
	}
	if !haveTotal {
		return 0, 0, fmt.Errorf("sysmetrics: MemTotal not found in /proc/meminfo")
	}
	if !haveAvail {
		// Older kernels lack MemAvailable; treat all of MemTotal as used
		// rather than guessing at MemFree semantics.
		availKB = 0
	}

	totalBytes = totalKB * 1024
	usedBytes = (totalKB - availKB) * 1024
	if usedBytes < 0 {
		usedBytes = 0
	}
	return usedBytes, totalBytes, nil
}

func parseMeminfoKB(line string) int64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// DiskUsage reports used and total bytes for the filesystem containing
// path (typically the queue database's directory or the watch directory).
func DiskUsage(path string) (usedBytes, totalBytes int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, fmt.Errorf("sysmetrics: statfs %s: %w", path, err)
	}
	totalBytes = int64(stat.Blocks) * int64(stat.Bsize)
	freeBytes := int64(stat.Bfree) * int64(stat.Bsize)
	usedBytes = totalBytes - freeBytes
	if usedBytes < 0 {
		usedBytes = 0
	}
	return usedBytes, totalBytes, nil
}

// Snapshot bundles a single sample of all resource readings for a Monitor
// tick. Any field left at zero indicates the underlying facility was
// unavailable; spec.md treats system metrics as best-effort.
type Snapshot struct {
	CPUPercent      float64
	ProcessMemBytes int64
	SysMemUsed      int64
	SysMemTotal     int64
	DiskUsed        int64
	DiskTotal       int64
}

// Sample gathers a best-effort Snapshot. diskPath selects which filesystem
// to report disk usage for; errors from the per-facility readers are
// swallowed (fields stay zero) since the spec treats this instrumentation
// as optional, never load-bearing for scheduling decisions.
func Sample(diskPath string) Snapshot {
	snap := Snapshot{
		CPUPercent:      CPUPercent(),
		ProcessMemBytes: MemoryInuse(),
	}
	if used, total, err := SystemMemory(); err == nil {
		snap.SysMemUsed, snap.SysMemTotal = used, total
	}
	if used, total, err := DiskUsage(diskPath); err == nil {
		snap.DiskUsed, snap.DiskTotal = used, total
	}
	return snap
}
