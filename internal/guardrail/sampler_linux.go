//go:build linux

package guardrail

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// cpuInterval is the shortest window a CPU reading is computed over. Samples
// taken sooner reuse the previous reading, since a window of a few
// microseconds only sees the sampling goroutine itself.
const cpuInterval = time.Second

// procSampler reads RSS and descriptor counts from /proc/self and CPU time from
// getrusage. CPU percent is process CPU time over wall time across at least
// cpuInterval, normalised by the number of cores.
type procSampler struct {
	now   func() time.Time
	cpu   func() (time.Duration, error)
	cores int

	mu       sync.Mutex
	lastCPU  time.Duration
	lastWall time.Time
	percent  float64
}

// NewSampler returns the sampler for the current platform.
func NewSampler() Sampler {
	return newProcSampler(time.Now, cpuTime, runtime.NumCPU())
}

func newProcSampler(now func() time.Time, cpu func() (time.Duration, error), cores int) *procSampler {
	if cores < 1 {
		cores = 1
	}
	s := &procSampler{now: now, cpu: cpu, cores: cores}
	s.lastCPU, _ = cpu()
	s.lastWall = now()
	return s
}

func (s *procSampler) Sample() (Usage, error) {
	var u Usage
	rss, err := readRSS("/proc/self/status")
	if err != nil {
		return u, err
	}
	u.MemoryMB = rss

	if entries, err := os.ReadDir("/proc/self/fd"); err == nil {
		u.OpenFiles = len(entries)
	}

	u.CPUPercent, err = s.cpuPercent()
	return u, err
}

func (s *procSampler) cpuPercent() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	wall := now.Sub(s.lastWall)
	if wall < cpuInterval {
		return s.percent, nil
	}
	cpu, err := s.cpu()
	if err != nil {
		return s.percent, err
	}
	pct := float64(cpu-s.lastCPU) / float64(wall) / float64(s.cores) * 100
	s.percent = min(max(pct, 0), 100)
	s.lastCPU, s.lastWall = cpu, now
	return s.percent, nil
}

func cpuTime() (time.Duration, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, err
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano()), nil
}

// readRSS returns VmRSS in MB from a /proc status file.
func readRSS(path string) (float64, error) {
	f, err := os.Open(path)
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
			break
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0, err
		}
		return kb / 1024, nil
	}
	return runtimeSample().MemoryMB, scanner.Err()
}
