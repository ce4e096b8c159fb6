// Package testutil provides test helpers: a scriptable fake ledger and
// related fakes. Container management for the PostgreSQL audit store
// lives in the pgtest subpackage.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/oakmont-games/warden/internal/ledger"
)

// FakeLedger is an in-memory ledger.Client whose behavior tests script:
// submissions are recorded, handles are deterministic, and confirmation
// results are set per handle.
type FakeLedger struct {
	mu          sync.Mutex
	submissions [][]byte
	statuses    map[string]ledger.TxStatus
	block       ledger.Block
	nextHandle  int

	// SubmitErr, when non-nil, makes SubmitTransaction fail.
	SubmitErr error
	// StatusErr, when non-nil, makes TransactionStatus fail.
	StatusErr error
}

// NewFakeLedger creates a FakeLedger at block 1.
func NewFakeLedger() *FakeLedger {
	return &FakeLedger{
		statuses: make(map[string]ledger.TxStatus),
		block:    ledger.Block{Number: 1, Hash: "0x01"},
	}
}

// SubmitTransaction records the payload and returns a deterministic handle
// ("0xhandle-1", "0xhandle-2", ...). New handles start pending.
func (f *FakeLedger) SubmitTransaction(_ context.Context, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	f.nextHandle++
	handle := fmt.Sprintf("0xhandle-%d", f.nextHandle)
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.submissions = append(f.submissions, cp)
	f.statuses[handle] = ledger.TxStatus{State: ledger.StatePending}
	return handle, nil
}

// TransactionStatus returns the scripted status for handle.
func (f *FakeLedger) TransactionStatus(_ context.Context, handle string) (ledger.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusErr != nil {
		return ledger.TxStatus{}, f.StatusErr
	}
	st, ok := f.statuses[handle]
	if !ok {
		return ledger.TxStatus{}, fmt.Errorf("unknown handle %q", handle)
	}
	return st, nil
}

// CurrentBlock returns the scripted chain head.
func (f *FakeLedger) CurrentBlock(_ context.Context) (ledger.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.block, nil
}

// SetStatus scripts the confirmation result for a handle.
func (f *FakeLedger) SetStatus(handle string, st ledger.TxStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[handle] = st
}

// SetBlock scripts the chain head.
func (f *FakeLedger) SetBlock(b ledger.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = b
}

// Submissions returns copies of all submitted payloads in order.
func (f *FakeLedger) Submissions() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.submissions))
	copy(out, f.submissions)
	return out
}

// FakeSessionReader is a scriptable ledger.SessionReader.
type FakeSessionReader struct {
	mu       sync.Mutex
	sessions map[string]ledger.SessionState
}

// NewFakeSessionReader creates an empty FakeSessionReader.
func NewFakeSessionReader() *FakeSessionReader {
	return &FakeSessionReader{sessions: make(map[string]ledger.SessionState)}
}

// Set scripts the state for a session id.
func (f *FakeSessionReader) Set(sessionID string, st ledger.SessionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sessionID] = st
}

// Session returns the scripted state or ledger.ErrSessionNotFound.
func (f *FakeSessionReader) Session(_ context.Context, sessionID string) (ledger.SessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.sessions[sessionID]
	if !ok {
		return ledger.SessionState{}, ledger.ErrSessionNotFound
	}
	return st, nil
}

// FakeProofBackend is a scriptable ledger.ProofBackend.
type FakeProofBackend struct {
	// GenerateErr, when non-nil, makes GenerateProof fail.
	GenerateErr error
	// VerifyResult is returned by VerifyProof.
	VerifyResult bool
}

// GenerateProof returns a canned proof blob.
func (f *FakeProofBackend) GenerateProof(_ context.Context, circuit string, _, _ map[string]any) ([]byte, error) {
	if f.GenerateErr != nil {
		return nil, f.GenerateErr
	}
	return []byte("proof:" + circuit), nil
}

// VerifyProof returns the scripted verification result.
func (f *FakeProofBackend) VerifyProof(_ context.Context, _ []byte, _ map[string]any) (bool, error) {
	return f.VerifyResult, nil
}
