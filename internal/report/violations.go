package report

import (
	"sync"

	"github.com/psantana5/backendpool/pkg/api"
)

// FaultLog keeps the last N fault samples.
type FaultLog struct {
	samples []api.FaultSample
	maxSize int
	total   uint64
	mu      sync.RWMutex
}

// NewFaultLog creates a log holding at most maxSize samples.
func NewFaultLog(maxSize int) *FaultLog {
	if maxSize <= 0 {
		maxSize = 50
	}
	return &FaultLog{
		samples: make([]api.FaultSample, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record appends a sample, dropping the oldest when full. A nil log drops
// everything.
func (l *FaultLog) Record(sample api.FaultSample) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.samples) >= l.maxSize {
		l.samples = l.samples[1:]
	}
	l.samples = append(l.samples, sample)
	l.total++
}

// Recent returns up to n samples, newest first. n <= 0 returns all.
func (l *FaultLog) Recent(n int) []api.FaultSample {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > len(l.samples) {
		n = len(l.samples)
	}
	result := make([]api.FaultSample, n)
	for i := 0; i < n; i++ {
		result[i] = l.samples[len(l.samples)-1-i]
	}
	return result
}

// Total returns how many samples were ever recorded.
func (l *FaultLog) Total() uint64 {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}
