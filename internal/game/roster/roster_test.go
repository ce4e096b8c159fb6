package roster_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/oakmont-games/warden/internal/game/roster"
	"github.com/oakmont-games/warden/internal/game/stats"
)

func baseVector() stats.Vector {
	return stats.Vector{Health: 100, Attack: 20, Defense: 20, Speed: 20, Special: 20, Luck: 10}
}

// newTestRoster builds a roster of n slots named m1..mn with an active session.
func newTestRoster(t *testing.T, n int) *roster.Roster {
	t.Helper()
	r := roster.New(roster.Options{})
	for i := 1; i <= n; i++ {
		_, err := r.AddSlot(fmt.Sprintf("m%d", i), fmt.Sprintf("mon%d", i), baseVector())
		require.NoError(t, err)
	}
	require.NoError(t, r.StartSession("sess-1"))
	return r
}

// assertOneActive verifies the exactly-one-active invariant.
func assertOneActive(t require.TestingT, r *roster.Roster) {
	active := 0
	for _, s := range r.Slots() {
		if s.IsActive {
			active++
		}
	}
	if r.Size() == 0 {
		assert.Zero(t, active, "empty roster must have no active slot")
		return
	}
	assert.Equal(t, 1, active, "exactly one slot must be active")
}

func TestAddSlot_FirstBecomesActive(t *testing.T) {
	r := roster.New(roster.Options{})
	s1, err := r.AddSlot("m1", "ember", baseVector())
	require.NoError(t, err)
	assert.True(t, s1.IsActive)
	assert.Equal(t, 100, s1.CurrentHealth)
	assert.Equal(t, 100, s1.MaxHealth)
	assert.Equal(t, 1, s1.Level)

	s2, err := r.AddSlot("m2", "gale", baseVector())
	require.NoError(t, err)
	assert.False(t, s2.IsActive)
	assertOneActive(t, r)
}

func TestAddSlot_RejectsDuplicateAndOverflow(t *testing.T) {
	r := newTestRoster(t, 6)
	_, err := r.AddSlot("m1", "dup", baseVector())
	assert.ErrorIs(t, err, roster.ErrDuplicateSlot)

	_, err = r.AddSlot("m7", "extra", baseVector())
	assert.ErrorIs(t, err, roster.ErrRosterFull)
}

func TestRemoveSlot_Rules(t *testing.T) {
	r := newTestRoster(t, 2)

	err := r.RemoveSlot("m1")
	assert.ErrorIs(t, err, roster.ErrRemoveActive, "active slot must not be removable")

	require.NoError(t, r.RemoveSlot("m2"))

	err = r.RemoveSlot("m2")
	assert.ErrorIs(t, err, roster.ErrSlotNotFound)
}

func TestRemoveSlot_LastSlot(t *testing.T) {
	r := roster.New(roster.Options{})
	_, err := r.AddSlot("m1", "solo", baseVector())
	require.NoError(t, err)

	// The only slot is necessarily active, so removal is always refused.
	err = r.RemoveSlot("m1")
	assert.Error(t, err)
	assert.Equal(t, 1, r.Size())
}

func TestSwitch_HappyPath(t *testing.T) {
	r := newTestRoster(t, 3)

	require.NoError(t, r.Switch("m1", "m2", 100))

	active, ok := r.Active()
	require.True(t, ok)
	assert.Equal(t, "m2", active.ID)
	assert.Equal(t, uint64(100), active.LastSwitchBlock)
	assert.Equal(t, uint64(105), active.CooldownUntil, "incoming slot gets the default 5-block cooldown")
	assert.Equal(t, 1, r.SwitchesUsed())
	assertOneActive(t, r)

	from, ok := r.Get("m1")
	require.True(t, ok)
	assert.False(t, from.IsActive)
	assert.Equal(t, uint64(100), from.LastSwitchBlock)
}

func TestSwitch_RequiresSession(t *testing.T) {
	r := roster.New(roster.Options{})
	_, err := r.AddSlot("m1", "a", baseVector())
	require.NoError(t, err)
	_, err = r.AddSlot("m2", "b", baseVector())
	require.NoError(t, err)

	err = r.Switch("m1", "m2", 10)
	assert.ErrorIs(t, err, roster.ErrNoSession)
}

func TestSwitch_Cooldown(t *testing.T) {
	r := newTestRoster(t, 2)

	require.NoError(t, r.Switch("m1", "m2", 100))

	// Switching back before the cooldown elapses must fail; m1 has no
	// cooldown but m1 is the target now... switch m2 -> m1 is fine, then
	// m1 -> m2 again is blocked by m2's cooldown.
	require.NoError(t, r.Switch("m2", "m1", 101))
	err := r.Switch("m1", "m2", 103)
	assert.ErrorIs(t, err, roster.ErrCooldown)

	// After the cooldown block passes the switch succeeds.
	require.NoError(t, r.Switch("m1", "m2", 106))
}

func TestSwitch_MaxSwitchesPerSession(t *testing.T) {
	r := newTestRoster(t, 2)

	// Use up the budget, spacing blocks past each cooldown.
	require.NoError(t, r.Switch("m1", "m2", 100))
	require.NoError(t, r.Switch("m2", "m1", 110))
	require.NoError(t, r.Switch("m1", "m2", 120))

	ok, reason := r.CanSwitch("m1", 130)
	assert.False(t, ok)
	assert.ErrorIs(t, reason, roster.ErrSwitchLimit)

	err := r.Switch("m2", "m1", 130)
	assert.ErrorIs(t, err, roster.ErrSwitchLimit)
	assert.Equal(t, 3, r.SwitchesUsed())
}

func TestSwitch_TargetRules(t *testing.T) {
	r := newTestRoster(t, 3)

	err := r.Switch("m2", "m3", 100)
	assert.ErrorIs(t, err, roster.ErrNotActive, "source must be the active slot")

	err = r.Switch("m1", "m1", 100)
	assert.ErrorIs(t, err, roster.ErrAlreadyActive)

	err = r.Switch("m1", "ghost", 100)
	assert.ErrorIs(t, err, roster.ErrSlotNotFound)

	require.NoError(t, r.Damage("m2", 1000))
	err = r.Switch("m1", "m2", 100)
	assert.ErrorIs(t, err, roster.ErrFainted)
}

// TestAutoSwitch_PicksFirstAliveByName: the active slot fainted and the
// first alive bench slot in name order becomes active, health unchanged.
func TestAutoSwitch_PicksFirstAliveByName(t *testing.T) {
	r := roster.New(roster.Options{})
	_, err := r.AddSlot("m1", "zephyr", baseVector())
	require.NoError(t, err)
	_, err = r.AddSlot("m2", "briar", baseVector())
	require.NoError(t, err)
	_, err = r.AddSlot("m3", "aster", baseVector())
	require.NoError(t, err)
	require.NoError(t, r.StartSession("sess-1"))

	require.NoError(t, r.Damage("m1", 500))
	require.NoError(t, r.Damage("m3", 60))

	next, err := r.AutoSwitch(200)
	require.NoError(t, err)
	assert.Equal(t, "m3", next.ID, "tie-break is lexicographic by name: aster < briar")
	assert.True(t, next.IsActive)
	assert.Equal(t, 40, next.CurrentHealth, "auto-switch must not change health")
	assert.Zero(t, next.CooldownUntil, "forced switch sets no cooldown")
	assert.Zero(t, r.SwitchesUsed(), "forced switch does not consume the budget")
	assertOneActive(t, r)
}

func TestAutoSwitch_AllFainted(t *testing.T) {
	r := newTestRoster(t, 2)
	require.NoError(t, r.Damage("m1", 1000))
	require.NoError(t, r.Damage("m2", 1000))

	_, err := r.AutoSwitch(10)
	assert.ErrorIs(t, err, roster.ErrAllFainted)
}

func TestAutoSwitch_RequiresFaintedActive(t *testing.T) {
	r := newTestRoster(t, 2)
	_, err := r.AutoSwitch(10)
	assert.Error(t, err, "auto-switch with a healthy active slot must fail")
}

func TestDamageHeal_Clamping(t *testing.T) {
	r := newTestRoster(t, 1)

	require.NoError(t, r.Damage("m1", 150))
	s, _ := r.Get("m1")
	assert.Equal(t, 0, s.CurrentHealth, "damage clamps at zero")

	require.NoError(t, r.Heal("m1", 40))
	assert.Equal(t, 40, s.CurrentHealth)

	require.NoError(t, r.Heal("m1", 500))
	assert.Equal(t, s.MaxHealth, s.CurrentHealth, "heal clamps at max health")
}

func TestGrantExperience_SingleLevel(t *testing.T) {
	r := newTestRoster(t, 1)
	require.NoError(t, r.Damage("m1", 30))

	gained, err := r.GrantExperience("m1", 120)
	require.NoError(t, err)
	assert.Equal(t, 1, gained)

	s, _ := r.Get("m1")
	assert.Equal(t, 2, s.Level)
	assert.Equal(t, 20, s.Experience, "remainder carries forward")
	assert.Equal(t, s.MaxHealth, s.CurrentHealth, "level up fully heals")
	assert.Greater(t, s.MaxHealth, 100, "level up grows max health")
	assert.Greater(t, s.Stats.Attack, 20, "level up grows secondary stats")
}

func TestGrantExperience_MultipleLevels(t *testing.T) {
	r := newTestRoster(t, 1)

	// 100 (1->2) + 200 (2->3) + 50 remainder.
	gained, err := r.GrantExperience("m1", 350)
	require.NoError(t, err)
	assert.Equal(t, 2, gained)

	s, _ := r.Get("m1")
	assert.Equal(t, 3, s.Level)
	assert.Equal(t, 50, s.Experience)
}

func TestGrantExperience_NegativeRejected(t *testing.T) {
	r := newTestRoster(t, 1)
	_, err := r.GrantExperience("m1", -10)
	assert.Error(t, err)
}

func TestSession_ResetsCountersAndCooldowns(t *testing.T) {
	r := newTestRoster(t, 2)
	require.NoError(t, r.Switch("m1", "m2", 100))
	assert.Equal(t, 1, r.SwitchesUsed())

	require.NoError(t, r.StartSession("sess-2"))
	assert.Equal(t, "sess-2", r.SessionID())
	assert.Zero(t, r.SwitchesUsed(), "switch counter resets on session start")
	s, _ := r.Get("m2")
	assert.Zero(t, s.CooldownUntil, "cooldowns clear on session start")

	r.EndSession()
	assert.Empty(t, r.SessionID())
}

func TestSnapshot_RoundTrip(t *testing.T) {
	r := newTestRoster(t, 3)
	require.NoError(t, r.Switch("m1", "m2", 100))
	require.NoError(t, r.Damage("m2", 25))
	_, err := r.GrantExperience("m3", 150)
	require.NoError(t, err)

	snap := r.Snapshot()
	assert.Equal(t, "m2", snap.ActiveID)
	assert.Equal(t, "sess-1", snap.SessionID)
	assert.Equal(t, 1, snap.SwitchesUsed)

	restored := roster.New(roster.Options{})
	require.NoError(t, restored.Restore(snap))
	assert.Equal(t, snap, restored.Snapshot(), "snapshot must round-trip exactly")

	active, ok := restored.Active()
	require.True(t, ok)
	assert.Equal(t, "m2", active.ID)
}

func TestRestore_RejectsBrokenInvariant(t *testing.T) {
	snap := roster.Snapshot{
		Slots: []roster.SlotSnapshot{
			{ID: "a", Name: "a", IsActive: true, CurrentHealth: 10, MaxHealth: 10, Level: 1},
			{ID: "b", Name: "b", IsActive: true, CurrentHealth: 10, MaxHealth: 10, Level: 1},
		},
		ActiveID: "a",
	}
	r := roster.New(roster.Options{})
	err := r.Restore(snap)
	assert.ErrorIs(t, err, roster.ErrInvariant)
}

// TestInvariant_Property drives a random operation sequence and verifies the
// exactly-one-active invariant holds after every completed operation.
func TestInvariant_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := roster.New(roster.Options{})
		n := rapid.IntRange(1, 6).Draw(rt, "slots")
		for i := 0; i < n; i++ {
			_, err := r.AddSlot(fmt.Sprintf("m%d", i), fmt.Sprintf("name%02d", i), baseVector())
			require.NoError(rt, err)
		}
		require.NoError(rt, r.StartSession("sess"))

		block := uint64(100)
		ops := rapid.IntRange(1, 25).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			target := fmt.Sprintf("m%d", rapid.IntRange(0, n-1).Draw(rt, "target"))
			switch rapid.IntRange(0, 4).Draw(rt, "op") {
			case 0:
				if active, ok := r.Active(); ok {
					_ = r.Switch(active.ID, target, block)
				}
			case 1:
				_ = r.Damage(target, rapid.IntRange(0, 200).Draw(rt, "dmg"))
			case 2:
				_ = r.Heal(target, rapid.IntRange(0, 200).Draw(rt, "heal"))
			case 3:
				if active, ok := r.Active(); ok && active.IsFainted() {
					_, _ = r.AutoSwitch(block)
				}
			case 4:
				_, _ = r.GrantExperience(target, rapid.IntRange(0, 500).Draw(rt, "xp"))
			}
			block += rapid.Uint64Range(1, 10).Draw(rt, "delta")
			assertOneActive(rt, r)
		}
	})
}
