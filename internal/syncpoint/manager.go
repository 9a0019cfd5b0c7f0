// Package syncpoint mints and retires cross-channel sync points.
//
// A sync point is an increasing uint32 that starts Pending and becomes Retired
// exactly once. Callbacks registered on a pending point fire once, on the
// main runner, when it retires.
package syncpoint

import (
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/gpuchannel/internal/taskrunner"
)

// Manager tracks pending sync points. Generate may be called from any
// goroutine; Retire and AddCallback are called on the main runner.
type Manager struct {
	main   taskrunner.Runner
	logger *zap.Logger

	mu      sync.Mutex
	next    uint32
	pending map[uint32][]func()
	retired uint64
}

// NewManager creates a Manager whose already-retired callbacks are posted to
// main.
func NewManager(main taskrunner.Runner, logger *zap.Logger) *Manager {
	return &Manager{
		main:    main,
		logger:  logger,
		pending: make(map[uint32][]func()),
	}
}

// Generate mints a new pending sync point. Zero is never returned.
func (m *Manager) Generate() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		m.next++
		if m.next == 0 {
			continue
		}
		if _, exists := m.pending[m.next]; exists {
			continue
		}
		m.pending[m.next] = nil
		return m.next
	}
}

// Retire marks id retired and runs its callbacks in registration order.
// Retiring an unknown or already retired id is logged and ignored.
func (m *Manager) Retire(id uint32) {
	m.mu.Lock()
	callbacks, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
		m.retired++
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Warn("sync point retired twice or never generated", zap.Uint32("syncPoint", id))
		return
	}
	for _, cb := range callbacks {
		cb()
	}
}

// IsRetired reports whether id is no longer pending. Ids that were never
// generated count as retired.
func (m *Manager) IsRetired(id uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, pending := m.pending[id]
	return !pending
}

// AddCallback registers cb to run when id retires. If id is already retired
// cb is posted to the main runner instead of running inline.
func (m *Manager) AddCallback(id uint32, cb func()) {
	m.mu.Lock()
	if callbacks, pending := m.pending[id]; pending {
		m.pending[id] = append(callbacks, cb)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.main.PostTask(cb)
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Pending int    `json:"pending"`
	Retired uint64 `json:"retired"`
}

// Stats returns counts of pending and retired sync points.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Pending: len(m.pending), Retired: m.retired}
}
