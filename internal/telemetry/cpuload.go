package telemetry

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
)

// cpuLoadReader derives aggregate CPU load from /proc/stat deltas between
// successive reads. The first read has no baseline and reports zero.
type cpuLoadReader struct {
	lastTotal uint64
	lastIdle  uint64
	mu        sync.Mutex
}

func newCPULoadReader() *cpuLoadReader {
	r := &cpuLoadReader{}
	r.Load() // establish the baseline

	return r
}

func (r *cpuLoadReader) Load() float64 {
	total, idle, ok := readProcStat()
	if !ok {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	deltaTotal := total - r.lastTotal
	deltaIdle := idle - r.lastIdle
	r.lastTotal = total
	r.lastIdle = idle

	if deltaTotal == 0 {
		return 0
	}

	load := 100 * float64(deltaTotal-deltaIdle) / float64(deltaTotal)
	if load < 0 {
		return 0
	}
	if load > 100 {
		return 100
	}

	return load
}

func readProcStat() (total, idle uint64, ok bool) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, 0, false
	}

	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, false
	}

	for i, field := range fields[1:] {
		value, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		total += value
		if i == 3 { // the idle column
			idle = value
		}
	}

	return total, idle, true
}
