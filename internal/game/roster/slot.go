package roster

import (
	"github.com/oakmont-games/warden/internal/game/stats"
)

// Slot is one combatant in a roster: either the single active fighter or a
// bench member waiting to be switched in.
type Slot struct {
	// ID uniquely identifies this combatant.
	ID string
	// Name is the display name; also the auto-switch tie-break key.
	Name string
	// Stats is the combatant's stat vector.
	Stats stats.Vector
	// IsActive is true for exactly one slot in a non-empty roster.
	IsActive bool
	// CurrentHealth is the combatant's current health, in [0, MaxHealth].
	CurrentHealth int
	// MaxHealth is the combatant's maximum health.
	MaxHealth int
	// Level is the combatant's current level, starting at 1.
	Level int
	// Experience is progress toward the next level (threshold: Level*100).
	Experience int
	// LastSwitchBlock is the block height of the last switch involving this slot.
	LastSwitchBlock uint64
	// CooldownUntil is the block height at which this slot may be switched
	// back in. Zero means no cooldown.
	CooldownUntil uint64
}

// IsFainted reports whether the slot has zero or fewer hit points.
func (s *Slot) IsFainted() bool {
	return s.CurrentHealth <= 0
}

// CooldownRemaining returns the number of blocks until this slot's switch
// cooldown expires, relative to atBlock.
//
// Postcondition: Returns 0 when the cooldown has elapsed.
func (s *Slot) CooldownRemaining(atBlock uint64) uint64 {
	if s.CooldownUntil <= atBlock {
		return 0
	}
	return s.CooldownUntil - atBlock
}

// xpThreshold is the experience required to advance past the given level.
func xpThreshold(level int) int {
	return level * 100
}

// applyLevelUps consumes accumulated experience, levelling up repeatedly
// while the threshold is met. Each level grants a deterministic stat
// increase proportional to the new level and fully restores health.
// Remainder experience is carried forward.
//
// Postcondition: Returns the number of levels gained; Experience < Level*100.
func (s *Slot) applyLevelUps() int {
	gained := 0
	for s.Experience >= xpThreshold(s.Level) {
		s.Experience -= xpThreshold(s.Level)
		s.Level++
		gained++

		growth := s.Level/4 + 1
		s.MaxHealth += 2 * s.Level
		s.Stats.Health = s.MaxHealth
		s.Stats.Attack += growth
		s.Stats.Defense += growth
		s.Stats.Speed += growth
		s.Stats.Special += growth
		s.Stats.Luck += growth

		// Level up fully heals.
		s.CurrentHealth = s.MaxHealth
	}
	return gained
}
