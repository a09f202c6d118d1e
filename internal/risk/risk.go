package risk

import "sync"

// MaxConsecutiveLosses trips the global stop.
const MaxConsecutiveLosses = 3

// Manager tracks the loss streak across all pairs.
type Manager struct {
	mu                sync.Mutex
	consecutiveLosses int
}

// NewManager creates a manager with a clean streak.
func NewManager() *Manager {
	return &Manager{}
}

// Reset clears the loss streak.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.consecutiveLosses = 0
	m.mu.Unlock()
}

// ConsecutiveLosses returns the current streak length.
func (m *Manager) ConsecutiveLosses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveLosses
}

// RegisterTradeResult records a closed trade's pnl. Zero counts as a win.
// Returns true when the streak requires stopping all pairs.
func (m *Manager) RegisterTradeResult(pnl float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pnl < 0 {
		m.consecutiveLosses++
	} else {
		m.consecutiveLosses = 0
	}
	return m.consecutiveLosses >= MaxConsecutiveLosses
}
