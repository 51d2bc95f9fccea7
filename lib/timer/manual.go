package timer

import (
	"sort"
	"sync"
	"time"
)

// ManualScheduler is a synthetic clock. Scheduled callbacks only run when
// Advance moves the clock past their deadline, on the goroutine calling Advance.
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Duration
	seq     uint64
	pending []*manualTask
}

type manualTask struct {
	at  time.Duration
	seq uint64
	fn  func()
}

// NewManualScheduler returns a synthetic clock positioned at zero.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

// AfterFunc implements Scheduler.
func (m *ManualScheduler) AfterFunc(d time.Duration, f func()) Cancel {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	task := &manualTask{at: m.now + d, seq: m.seq, fn: f}
	m.pending = append(m.pending, task)

	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.removeLocked(task)
	}
}

// Advance moves the clock forward by d, running every callback whose deadline
// is reached in deadline order.
func (m *ManualScheduler) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	for {
		m.mu.Lock()
		task := m.nextDueLocked(target)
		if task == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.removeLocked(task)
		m.now = task.at
		m.mu.Unlock()

		task.fn()
	}
}

// Elapsed returns the synthetic time since the scheduler was created.
func (m *ManualScheduler) Elapsed() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending returns the number of scheduled callbacks.
func (m *ManualScheduler) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *ManualScheduler) nextDueLocked(target time.Duration) *manualTask {
	if len(m.pending) == 0 {
		return nil
	}
	sort.Slice(m.pending, func(i, j int) bool {
		if m.pending[i].at == m.pending[j].at {
			return m.pending[i].seq < m.pending[j].seq
		}
		return m.pending[i].at < m.pending[j].at
	})
	if m.pending[0].at > target {
		return nil
	}
	return m.pending[0]
}

func (m *ManualScheduler) removeLocked(task *manualTask) bool {
	for i, p := range m.pending {
		if p == task {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return true
		}
	}
	return false
}
