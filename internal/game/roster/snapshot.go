package roster

import (
	"encoding/json"
	"fmt"

	"github.com/oakmont-games/warden/internal/game/stats"
)

// SlotSnapshot is the serialized form of one combatant slot.
type SlotSnapshot struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Stats           stats.Vector `json:"stats"`
	IsActive        bool         `json:"is_active"`
	CurrentHealth   int          `json:"current_health"`
	MaxHealth       int          `json:"max_health"`
	Level           int          `json:"level"`
	Experience      int          `json:"experience"`
	LastSwitchBlock uint64       `json:"last_switch_block"`
	CooldownUntil   uint64       `json:"cooldown_until"`
}

// Snapshot is a point-in-time serializable copy of a roster and its
// session counters. It round-trips through JSON unchanged.
type Snapshot struct {
	Slots           []SlotSnapshot `json:"slots"`
	ActiveID        string         `json:"active_id"`
	SessionID       string         `json:"session_id"`
	SwitchesUsed    int            `json:"switches_used"`
	LastActionBlock uint64         `json:"last_action_block"`
}

// Snapshot captures the roster's current state.
//
// Postcondition: The returned value shares no memory with the roster.
func (r *Roster) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		SessionID:       r.sessionID,
		SwitchesUsed:    r.switchesUsed,
		LastActionBlock: r.lastActionBlock,
	}
	for _, s := range r.slots {
		if s.IsActive {
			snap.ActiveID = s.ID
		}
		snap.Slots = append(snap.Slots, SlotSnapshot{
			ID:              s.ID,
			Name:            s.Name,
			Stats:           s.Stats,
			IsActive:        s.IsActive,
			CurrentHealth:   s.CurrentHealth,
			MaxHealth:       s.MaxHealth,
			Level:           s.Level,
			Experience:      s.Experience,
			LastSwitchBlock: s.LastSwitchBlock,
			CooldownUntil:   s.CooldownUntil,
		})
	}
	return snap
}

// Restore replaces the roster's state with the snapshot's.
//
// Precondition: snap must satisfy the one-active-slot invariant.
// Postcondition: The roster matches snap exactly, or ErrInvariant is
// returned and nothing is mutated.
func (r *Roster) Restore(snap Snapshot) error {
	slots := make([]*Slot, 0, len(snap.Slots))
	active := 0
	for _, ss := range snap.Slots {
		if ss.IsActive {
			active++
		}
		slots = append(slots, &Slot{
			ID:              ss.ID,
			Name:            ss.Name,
			Stats:           ss.Stats,
			IsActive:        ss.IsActive,
			CurrentHealth:   ss.CurrentHealth,
			MaxHealth:       ss.MaxHealth,
			Level:           ss.Level,
			Experience:      ss.Experience,
			LastSwitchBlock: ss.LastSwitchBlock,
			CooldownUntil:   ss.CooldownUntil,
		})
	}
	if len(slots) > 0 && active != 1 {
		return fmt.Errorf("%w: snapshot has %d active slots", ErrInvariant, active)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots = slots
	r.sessionID = snap.SessionID
	r.switchesUsed = snap.SwitchesUsed
	r.lastActionBlock = snap.LastActionBlock
	return nil
}

// MarshalJSON serializes the roster via its Snapshot.
func (r *Roster) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Snapshot())
}

// UnmarshalJSON restores the roster from a serialized Snapshot.
func (r *Roster) UnmarshalJSON(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parsing roster snapshot: %w", err)
	}
	return r.Restore(snap)
}
