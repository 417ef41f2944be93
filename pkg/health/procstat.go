package health

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// readVmRSSBytes reads the resident-set size from
// /proc/self/status's "VmRSS:" line (reported in kB) and returns it
// in bytes.
func readVmRSSBytes() (uint64, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("health: malformed VmRSS line %q", line)
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("health: parsing VmRSS value: %w", err)
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("health: VmRSS not found in /proc/self/status")
}

// cpuJiffies is one sample of process and system-wide CPU time, used
// to compute a CPU-percent delta between two successive samples
// (spec's utime+stime vs /proc/stat total jiffies comparison).
type cpuJiffies struct {
	processTicks uint64
	totalTicks   uint64
}

func readCPUJiffies() (cpuJiffies, error) {
	process, err := readProcessTicks()
	if err != nil {
		return cpuJiffies{}, err
	}
	total, err := readSystemTotalTicks()
	if err != nil {
		return cpuJiffies{}, err
	}
	return cpuJiffies{processTicks: process, totalTicks: total}, nil
}

// readProcessTicks sums utime+stime (fields 14 and 15) from
// /proc/self/stat.
func readProcessTicks() (uint64, error) {
	data, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0, err
	}
	// Fields after the parenthesised comm name are space separated;
	// the comm field itself may contain spaces, so split on the
	// closing paren first.
	text := string(data)
	idx := strings.LastIndex(text, ")")
	if idx < 0 || idx+2 >= len(text) {
		return 0, fmt.Errorf("health: malformed /proc/self/stat")
	}
	fields := strings.Fields(text[idx+2:])
	const utimeFieldAfterComm = 11 // state is field 3 overall = fields[0] here
	if len(fields) <= utimeFieldAfterComm+1 {
		return 0, fmt.Errorf("health: /proc/self/stat too short")
	}
	utime, err := strconv.ParseUint(fields[utimeFieldAfterComm], 10, 64)
	if err != nil {
		return 0, err
	}
	stime, err := strconv.ParseUint(fields[utimeFieldAfterComm+1], 10, 64)
	if err != nil {
		return 0, err
	}
	return utime + stime, nil
}

// readSystemTotalTicks sums every field of /proc/stat's "cpu " line.
func readSystemTotalTicks() (uint64, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)[1:]
		var total uint64
		for _, v := range fields {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				continue
			}
			total += n
		}
		return total, nil
	}
	return 0, fmt.Errorf("health: cpu line not found in /proc/stat")
}

// cpuPercent computes the CPU percentage process time represents of
// total system time between two successive jiffy samples.
func cpuPercent(prev, cur cpuJiffies) float64 {
	dProc := float64(cur.processTicks) - float64(prev.processTicks)
	dTotal := float64(cur.totalTicks) - float64(prev.totalTicks)
	if dTotal <= 0 {
		return 0
	}
	return (dProc / dTotal) * 100.0
}
