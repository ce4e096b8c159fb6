package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultConfirmBlocks is how many blocks a submission waits before the
// simulated chain confirms it.
const DefaultConfirmBlocks = 2

// MemoryLedger is an in-process simulated chain for development and
// integration testing without a real network. Blocks advance on a timer;
// submissions confirm a fixed number of blocks after they arrive. It
// implements Client and SessionReader.
type MemoryLedger struct {
	mu            sync.Mutex
	height        uint64
	blockTime     time.Duration
	confirmBlocks uint64
	nextHandle    int
	submitted     map[string]uint64
	costs         map[string]uint64
	sessions      map[string]SessionState
}

// NewMemoryLedger creates a simulated chain at height 1.
//
// Precondition: blockTime must be positive.
func NewMemoryLedger(blockTime time.Duration) *MemoryLedger {
	return &MemoryLedger{
		height:        1,
		blockTime:     blockTime,
		confirmBlocks: DefaultConfirmBlocks,
		submitted:     make(map[string]uint64),
		costs:         make(map[string]uint64),
		sessions:      make(map[string]SessionState),
	}
}

// Run advances the chain until ctx is cancelled.
func (m *MemoryLedger) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.blockTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.mu.Lock()
			m.height++
			m.mu.Unlock()
		}
	}
}

// Advance moves the chain forward by n blocks immediately, for tests.
func (m *MemoryLedger) Advance(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height += n
}

// blockHash derives a stable hex hash for a height.
func blockHash(height uint64) string {
	return fmt.Sprintf("0x%016x", height*0x9e3779b97f4a7c15)
}

// SubmitTransaction accepts a payload and returns a handle. The payload
// length stands in for the execution cost.
func (m *MemoryLedger) SubmitTransaction(_ context.Context, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHandle++
	handle := fmt.Sprintf("0x%08x", m.nextHandle)
	m.submitted[handle] = m.height
	m.costs[handle] = uint64(len(payload))
	return handle, nil
}

// TransactionStatus reports pending until the confirmation depth is
// reached, then confirmed at the inclusion block.
func (m *MemoryLedger) TransactionStatus(_ context.Context, handle string) (TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.submitted[handle]
	if !ok {
		return TxStatus{}, fmt.Errorf("unknown handle %q", handle)
	}
	if m.height < at+m.confirmBlocks {
		return TxStatus{State: StatePending}, nil
	}
	return TxStatus{
		State:       StateConfirmed,
		BlockNumber: at + m.confirmBlocks,
		CostUnits:   m.costs[handle],
	}, nil
}

// CurrentBlock returns the chain head.
func (m *MemoryLedger) CurrentBlock(_ context.Context) (Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Block{Number: m.height, Hash: blockHash(m.height)}, nil
}

// SetSession installs or updates a session's state.
func (m *MemoryLedger) SetSession(sessionID string, st SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = st
}

// Session returns a session's state or ErrSessionNotFound.
func (m *MemoryLedger) Session(_ context.Context, sessionID string) (SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		return SessionState{}, ErrSessionNotFound
	}
	return st, nil
}
