package agenttools

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

var processStart = time.Now()

// systemStatus summarizes the machine the agent runs on. Load and
// memory figures come from /proc and are omitted on platforms without
// it.
func systemStatus() string {
	var b strings.Builder

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	fmt.Fprintf(&b, "Host: %s\n", host)
	fmt.Fprintf(&b, "OS: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "CPUs: %d\n", runtime.NumCPU())
	fmt.Fprintf(&b, "Go: %s\n", runtime.Version())
	fmt.Fprintf(&b, "Local time: %s\n", time.Now().Format(time.RFC1123))
	fmt.Fprintf(&b, "Agent uptime: %s\n", time.Since(processStart).Truncate(time.Second))

	if load, ok := loadAverage(); ok {
		fmt.Fprintf(&b, "Load average: %s\n", load)
	}
	if total, avail, ok := memoryInfo(); ok {
		fmt.Fprintf(&b, "Memory: %.1f GiB available of %.1f GiB\n",
			float64(avail)/(1<<20), float64(total)/(1<<20))
	}

	return strings.TrimRight(b.String(), "\n")
}

// loadAverage returns the 1/5/15 minute load averages from /proc/loadavg.
func loadAverage() (string, bool) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return "", false
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return "", false
	}
	return strings.Join(fields[:3], " "), true
}

// memoryInfo returns total and available memory in KiB from /proc/meminfo.
func memoryInfo() (total, avail uint64, ok bool) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0, false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			avail = v
		}
	}
	return total, avail, total > 0
}
