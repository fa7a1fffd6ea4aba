package agent

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// freeMemoryBytes reports MemAvailable from /proc/meminfo. On platforms
// without it, the runtime's idle heap is the best available proxy.
func freeMemoryBytes() uint64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return runtimeFreeBytes()
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] != "MemAvailable:" {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			break
		}
		return kb * 1024
	}
	return runtimeFreeBytes()
}

func runtimeFreeBytes() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapIdle - m.HeapReleased
}
