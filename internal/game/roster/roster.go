// Package roster holds a player's combatant slots and enforces switch
// legality: one active slot, per-session switch budgets, and block-height
// cooldowns. Roster mutations are authoritative only after the backing
// transaction confirms; callers snapshot before optimistic changes.
package roster

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/oakmont-games/warden/internal/game/stats"
)

// DefaultMaxSlots is the roster size bound.
const DefaultMaxSlots = 6

// DefaultMaxSwitches is the per-session voluntary switch budget.
const DefaultMaxSwitches = 3

// DefaultCooldownBlocks is how many blocks a switched-in slot must wait
// before it can be switched again.
const DefaultCooldownBlocks = 5

// ErrInvariant indicates the one-active-slot invariant does not hold.
// It is checked before any mutation so a violation never corrupts state.
var ErrInvariant = errors.New("roster invariant violated")

// ErrNoSession is returned when a switch is attempted outside a session.
var ErrNoSession = errors.New("no active session")

// ErrSlotNotFound is returned when a slot lookup yields no results.
var ErrSlotNotFound = errors.New("slot not found")

// ErrNotActive is returned when the switch source is not the active slot.
var ErrNotActive = errors.New("combatant is not active")

// ErrAlreadyActive is returned when the switch target is already active.
var ErrAlreadyActive = errors.New("combatant is already active")

// ErrFainted is returned when the switch target has no health remaining.
var ErrFainted = errors.New("combatant has fainted")

// ErrCooldown is returned when the switch target's cooldown has not elapsed.
var ErrCooldown = errors.New("combatant is on switch cooldown")

// ErrSwitchLimit is returned when the maximum switches for the session
// have been used.
var ErrSwitchLimit = errors.New("maximum switches used this session")

// ErrAllFainted is returned by AutoSwitch when no bench slot is alive;
// the caller must end the session.
var ErrAllFainted = errors.New("all combatants have fainted")

// ErrRosterFull is returned when adding a slot to a full roster.
var ErrRosterFull = errors.New("roster is full")

// ErrDuplicateSlot is returned when adding a slot with a taken ID.
var ErrDuplicateSlot = errors.New("slot already exists")

// ErrRemoveActive is returned when removing the active slot.
var ErrRemoveActive = errors.New("cannot remove the active combatant")

// ErrLastSlot is returned when removing the only slot.
var ErrLastSlot = errors.New("cannot remove the last combatant")

// Options tunes roster limits. Zero values fall back to the defaults.
type Options struct {
	MaxSlots       int
	MaxSwitches    int
	CooldownBlocks uint64
}

// Roster is an ordered, bounded collection of combatant slots with
// session-scoped switch counters. All methods are safe for concurrent use.
type Roster struct {
	mu              sync.RWMutex
	slots           []*Slot
	maxSlots        int
	maxSwitches     int
	cooldownBlocks  uint64
	switchesUsed    int
	sessionID       string
	lastActionBlock uint64
}

// New creates an empty Roster with the given options.
//
// Postcondition: Returns a non-nil Roster ready for use.
func New(opts Options) *Roster {
	if opts.MaxSlots <= 0 {
		opts.MaxSlots = DefaultMaxSlots
	}
	if opts.MaxSwitches <= 0 {
		opts.MaxSwitches = DefaultMaxSwitches
	}
	if opts.CooldownBlocks == 0 {
		opts.CooldownBlocks = DefaultCooldownBlocks
	}
	return &Roster{
		maxSlots:       opts.MaxSlots,
		maxSwitches:    opts.MaxSwitches,
		cooldownBlocks: opts.CooldownBlocks,
	}
}

// checkInvariant verifies exactly one slot is active whenever the roster is
// non-empty. Callers must hold the lock.
func (r *Roster) checkInvariant() error {
	if len(r.slots) == 0 {
		return nil
	}
	active := 0
	for _, s := range r.slots {
		if s.IsActive {
			active++
		}
	}
	if active != 1 {
		return fmt.Errorf("%w: %d active slots in roster of %d", ErrInvariant, active, len(r.slots))
	}
	return nil
}

// AddSlot appends a new combatant. The first slot added becomes active.
//
// Precondition: id and name must be non-empty; v.Health must be positive.
// Postcondition: Returns the created Slot, or ErrRosterFull / ErrDuplicateSlot.
func (r *Roster) AddSlot(id, name string, v stats.Vector) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkInvariant(); err != nil {
		return nil, err
	}
	for _, s := range r.slots {
		if s.ID == id {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateSlot, id)
		}
	}
	if len(r.slots) >= r.maxSlots {
		return nil, fmt.Errorf("%w: limit %d", ErrRosterFull, r.maxSlots)
	}

	slot := &Slot{
		ID:            id,
		Name:          name,
		Stats:         v,
		IsActive:      len(r.slots) == 0,
		CurrentHealth: v.Health,
		MaxHealth:     v.Health,
		Level:         1,
	}
	r.slots = append(r.slots, slot)
	return slot, nil
}

// RemoveSlot deletes a bench combatant.
//
// Postcondition: Returns ErrRemoveActive for the active slot, ErrLastSlot
// for the only slot, or ErrSlotNotFound.
func (r *Roster) RemoveSlot(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkInvariant(); err != nil {
		return err
	}
	idx := -1
	for i, s := range r.slots {
		if s.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrSlotNotFound, id)
	}
	if r.slots[idx].IsActive {
		return ErrRemoveActive
	}
	if len(r.slots) == 1 {
		return ErrLastSlot
	}
	r.slots = append(r.slots[:idx], r.slots[idx+1:]...)
	return nil
}

// CanSwitch reports whether a voluntary switch from the active slot to
// toID at atBlock would be legal, without mutating anything.
//
// Postcondition: Returns (true, nil) if Switch would succeed, or
// (false, reason) describing the first failing rule.
func (r *Roster) CanSwitch(toID string, atBlock uint64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	active, ok := r.activeLocked()
	if !ok {
		return false, ErrSlotNotFound
	}
	return r.switchLegalLocked(active.ID, toID, atBlock)
}

// switchLegalLocked evaluates the switch rules. Callers must hold the lock.
func (r *Roster) switchLegalLocked(fromID, toID string, atBlock uint64) (bool, error) {
	if r.sessionID == "" {
		return false, ErrNoSession
	}
	active, ok := r.activeLocked()
	if !ok || active.ID != fromID {
		return false, fmt.Errorf("%w: %q", ErrNotActive, fromID)
	}
	to, ok := r.findLocked(toID)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrSlotNotFound, toID)
	}
	if to.IsActive {
		return false, fmt.Errorf("%w: %q", ErrAlreadyActive, toID)
	}
	if to.IsFainted() {
		return false, fmt.Errorf("%w: %q", ErrFainted, toID)
	}
	if rem := to.CooldownRemaining(atBlock); rem > 0 {
		return false, fmt.Errorf("%w: %q for %d more blocks", ErrCooldown, toID, rem)
	}
	if r.switchesUsed >= r.maxSwitches {
		return false, fmt.Errorf("%w (%d)", ErrSwitchLimit, r.maxSwitches)
	}
	return true, nil
}

// Switch performs a voluntary switch from the active slot to toID at atBlock.
//
// Precondition: A session must be active and fromID must be the active slot.
// Postcondition: On success toID is active with a fresh cooldown, fromID is
// benched, and the session switch counter is incremented. On failure nothing
// is mutated.
func (r *Roster) Switch(fromID, toID string, atBlock uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkInvariant(); err != nil {
		return err
	}
	if ok, err := r.switchLegalLocked(fromID, toID, atBlock); !ok {
		return err
	}

	from, _ := r.findLocked(fromID)
	to, _ := r.findLocked(toID)

	from.IsActive = false
	from.LastSwitchBlock = atBlock
	to.IsActive = true
	to.LastSwitchBlock = atBlock
	to.CooldownUntil = atBlock + r.cooldownBlocks
	r.switchesUsed++
	r.lastActionBlock = atBlock
	return nil
}

// AutoSwitch replaces a fainted active slot with the first alive bench slot
// in lexicographic name order. Forced switches bypass the per-session budget
// and set no cooldown on the incoming slot, since the player did not choose
// them.
//
// Precondition: The active slot must be fainted.
// Postcondition: Returns the newly active slot with health unchanged, or
// ErrAllFainted if no bench slot is alive.
func (r *Roster) AutoSwitch(atBlock uint64) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkInvariant(); err != nil {
		return nil, err
	}
	active, ok := r.activeLocked()
	if !ok {
		return nil, ErrSlotNotFound
	}
	if !active.IsFainted() {
		return nil, fmt.Errorf("active combatant %q has not fainted", active.ID)
	}

	var candidates []*Slot
	for _, s := range r.slots {
		if !s.IsActive && !s.IsFainted() {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrAllFainted
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Name < candidates[j].Name
	})
	next := candidates[0]

	active.IsActive = false
	active.LastSwitchBlock = atBlock
	next.IsActive = true
	next.LastSwitchBlock = atBlock
	r.lastActionBlock = atBlock
	return next, nil
}

// Damage reduces a slot's health, clamped at zero.
//
// Postcondition: CurrentHealth >= 0; returns ErrSlotNotFound for unknown ids.
func (r *Roster) Damage(id string, amount int) error {
	return r.adjustHealth(id, -amount)
}

// Heal raises a slot's health, clamped at MaxHealth.
//
// Postcondition: CurrentHealth <= MaxHealth.
func (r *Roster) Heal(id string, amount int) error {
	return r.adjustHealth(id, amount)
}

func (r *Roster) adjustHealth(id string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkInvariant(); err != nil {
		return err
	}
	s, ok := r.findLocked(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrSlotNotFound, id)
	}
	hp := s.CurrentHealth + delta
	if hp < 0 {
		hp = 0
	}
	if hp > s.MaxHealth {
		hp = s.MaxHealth
	}
	s.CurrentHealth = hp
	return nil
}

// GrantExperience awards experience to a slot, applying as many level-ups
// as the total allows. Each level fully heals and grows stats.
//
// Postcondition: Returns the number of levels gained; remainder experience
// is carried forward below the next threshold.
func (r *Roster) GrantExperience(id string, xp int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkInvariant(); err != nil {
		return 0, err
	}
	s, ok := r.findLocked(id)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrSlotNotFound, id)
	}
	if xp < 0 {
		return 0, fmt.Errorf("experience must not be negative, got %d", xp)
	}
	s.Experience += xp
	return s.applyLevelUps(), nil
}

// StartSession begins a combat session, resetting the switch counter and
// clearing all cooldowns.
//
// Precondition: sessionID must be non-empty.
func (r *Roster) StartSession(sessionID string) error {
	if sessionID == "" {
		return errors.New("session id must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessionID = sessionID
	r.switchesUsed = 0
	for _, s := range r.slots {
		s.CooldownUntil = 0
	}
	return nil
}

// EndSession clears the current session and its counters.
func (r *Roster) EndSession() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessionID = ""
	r.switchesUsed = 0
	for _, s := range r.slots {
		s.CooldownUntil = 0
	}
}

// SessionID returns the current session id, or "" when none is active.
func (r *Roster) SessionID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionID
}

// SwitchesUsed returns the voluntary switches consumed this session.
func (r *Roster) SwitchesUsed() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.switchesUsed
}

// Active returns the active slot.
//
// Postcondition: Returns (slot, true) if the roster is non-empty.
func (r *Roster) Active() (*Slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked()
}

// Bench returns the non-active slots in roster order.
func (r *Roster) Bench() []*Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var bench []*Slot
	for _, s := range r.slots {
		if !s.IsActive {
			bench = append(bench, s)
		}
	}
	return bench
}

// Slots returns all slots in roster order.
func (r *Roster) Slots() []*Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Slot, len(r.slots))
	copy(out, r.slots)
	return out
}

// Get returns the slot with the given id.
//
// Postcondition: Returns (slot, true) if found, or (nil, false) otherwise.
func (r *Roster) Get(id string) (*Slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findLocked(id)
}

// Size returns the number of slots.
func (r *Roster) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

func (r *Roster) activeLocked() (*Slot, bool) {
	for _, s := range r.slots {
		if s.IsActive {
			return s, true
		}
	}
	return nil, false
}

func (r *Roster) findLocked(id string) (*Slot, bool) {
	for _, s := range r.slots {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}
