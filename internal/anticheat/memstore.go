package anticheat

import (
	"context"
	"fmt"
	"sync"
)

// MemRateLimitStore is an in-memory RateLimitStore.
type MemRateLimitStore struct {
	mu      sync.RWMutex
	windows map[string]Window
}

// NewMemRateLimitStore creates an empty MemRateLimitStore.
func NewMemRateLimitStore() *MemRateLimitStore {
	return &MemRateLimitStore{windows: make(map[string]Window)}
}

// Window returns the actor's window.
func (s *MemRateLimitStore) Window(actorID string) (Window, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[actorID]
	return w, ok
}

// Put stores the actor's window.
func (s *MemRateLimitStore) Put(w Window) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[w.ActorID] = w
}

// MemAuditStore is an in-memory AuditStore.
type MemAuditStore struct {
	mu      sync.RWMutex
	entries map[string][]SecurityAudit
}

// NewMemAuditStore creates an empty MemAuditStore.
func NewMemAuditStore() *MemAuditStore {
	return &MemAuditStore{entries: make(map[string][]SecurityAudit)}
}

// Append records one observation.
func (s *MemAuditStore) Append(_ context.Context, entry SecurityAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ActorID] = append(s.entries[entry.ActorID], entry)
	return nil
}

// ByActor returns copies of the actor's observations, oldest first.
func (s *MemAuditStore) ByActor(_ context.Context, actorID string) ([]SecurityAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SecurityAudit, len(s.entries[actorID]))
	copy(out, s.entries[actorID])
	return out, nil
}

// MemIntegrityStore is an in-memory IntegrityStore.
type MemIntegrityStore struct {
	mu     sync.RWMutex
	hashes map[string]string
}

// NewMemIntegrityStore creates an empty MemIntegrityStore.
func NewMemIntegrityStore() *MemIntegrityStore {
	return &MemIntegrityStore{hashes: make(map[string]string)}
}

// Hash returns the recorded hash for a session.
func (s *MemIntegrityStore) Hash(sessionID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hashes[sessionID]
	return h, ok
}

// Record stores the hash for a session.
func (s *MemIntegrityStore) Record(sessionID, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[sessionID] = hash
}

// Clear removes a session's hash.
func (s *MemIntegrityStore) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashes, sessionID)
}

// MemReplayStore is an in-memory ReplayStore.
type MemReplayStore struct {
	mu         sync.RWMutex
	actions    map[string]struct{}
	randomness map[string]struct{}
}

// NewMemReplayStore creates an empty MemReplayStore.
func NewMemReplayStore() *MemReplayStore {
	return &MemReplayStore{
		actions:    make(map[string]struct{}),
		randomness: make(map[string]struct{}),
	}
}

// SeenAction reports whether the action key was recorded before.
func (s *MemReplayStore) SeenAction(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.actions[key]
	return ok
}

// RecordAction remembers an action key.
func (s *MemReplayStore) RecordAction(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[key] = struct{}{}
}

func randomnessKey(sessionID string, block uint64, hash string) string {
	return fmt.Sprintf("%s|%d|%s", sessionID, block, hash)
}

// SeenRandomness reports whether the block pair was presented before for
// the session.
func (s *MemReplayStore) SeenRandomness(sessionID string, block uint64, hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.randomness[randomnessKey(sessionID, block, hash)]
	return ok
}

// RecordRandomness remembers a block pair for the session.
func (s *MemReplayStore) RecordRandomness(sessionID string, block uint64, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.randomness[randomnessKey(sessionID, block, hash)] = struct{}{}
}
