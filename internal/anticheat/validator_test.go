package anticheat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/oakmont-games/warden/internal/game/stats"
	"github.com/oakmont-games/warden/internal/ledger"
	"github.com/oakmont-games/warden/internal/testutil"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	v        *Validator
	sessions *testutil.FakeSessionReader
	clock    *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sessions := testutil.NewFakeSessionReader()
	sessions.Set("sess-1", ledger.SessionState{
		PlayerHealth:  100,
		MonsterHealth: 80,
		Turn:          1,
		IsActive:      true,
	})
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	v := New(DefaultLimits(), Stores{}, sessions, zaptest.NewLogger(t))
	v.now = clock.Now
	return &fixture{v: v, sessions: sessions, clock: clock}
}

// request builds a request that passes every stage at the given block.
func (f *fixture) request(block uint64) Request {
	return Request{
		ActorID:     "player-1",
		SessionID:   "sess-1",
		Action:      "tackle",
		Stats:       stats.Vector{Health: 100, Attack: 50, Defense: 40, Speed: 60, Special: 30, Luck: 20},
		DamageRoll:  42,
		CritChance:  10,
		SeedPlayer:  7,
		SeedMonster: 9,
		Timestamp:   f.clock.Now(),
		BlockNumber: block,
		BlockHash:   fmt.Sprintf("0x%04x", block),
		CurrentBlock: ledger.Block{
			Number: block,
			Hash:   fmt.Sprintf("0x%04x", block),
		},
		Session: SessionView{PlayerHealth: 100, MonsterHealth: 80, Turn: 1, IsActive: true},
	}
}

func TestValidate_Accepts(t *testing.T) {
	f := newFixture(t)

	res, err := f.v.Validate(context.Background(), f.request(100))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Empty(t, res.Stage)
	assert.True(t, res.ProofRequired)

	f.clock.Advance(time.Second)
	req := f.request(102)
	req.ProofAttached = true
	res, err = f.v.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.ProofRequired)
}

func TestRateLimit_WindowExceeded(t *testing.T) {
	f := newFixture(t)

	block := uint64(100)
	for i := 0; i < f.v.limits.MaxActionsPerWindow; i++ {
		res, err := f.v.Validate(context.Background(), f.request(block))
		require.NoError(t, err)
		require.True(t, res.Accepted, "action %d should be within the limit", i+1)
		f.clock.Advance(time.Second)
		block += 2
	}

	res, err := f.v.Validate(context.Background(), f.request(block))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, StageRateLimit, res.Stage)
	assert.Contains(t, res.Reason, "rate limit exceeded")

	audits, err := f.v.Audits(context.Background(), "player-1")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, RiskHigh, audits[0].Risk)
}

// TestRateLimit_WindowElapsesAndResets: a limited actor is admitted again
// once a full rate window has passed, without waiting out a ban.
func TestRateLimit_WindowElapsesAndResets(t *testing.T) {
	f := newFixture(t)

	block := uint64(100)
	for i := 0; i < f.v.limits.MaxActionsPerWindow; i++ {
		res, err := f.v.Validate(context.Background(), f.request(block))
		require.NoError(t, err)
		require.True(t, res.Accepted)
		f.clock.Advance(time.Second)
		block += 2
	}

	res, err := f.v.Validate(context.Background(), f.request(block))
	require.NoError(t, err)
	require.False(t, res.Accepted)
	require.Equal(t, StageRateLimit, res.Stage)
	_, banned := f.v.Banned("player-1")
	assert.False(t, banned, "an over-limit burst alone must not ban")

	// One full window later the counter starts over. The turn deadline is
	// reset the way a confirmed turn would reset it.
	f.clock.Advance(f.v.limits.RateWindow)
	f.v.ResetTurn("sess-1")
	block += 2

	res, err = f.v.Validate(context.Background(), f.request(block))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Empty(t, res.Stage)
}

func TestRateLimit_BlockMustAdvance(t *testing.T) {
	f := newFixture(t)

	res, err := f.v.Validate(context.Background(), f.request(100))
	require.NoError(t, err)
	require.True(t, res.Accepted)

	f.clock.Advance(time.Second)
	res, err = f.v.Validate(context.Background(), f.request(100))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, StageRateLimit, res.Stage)
	assert.Contains(t, res.Reason, "does not advance")

	f.clock.Advance(time.Second)
	res, err = f.v.Validate(context.Background(), f.request(99))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, StageRateLimit, res.Stage)
}

func TestRateLimit_FastActionsTriggerBan(t *testing.T) {
	f := newFixture(t)

	// First action opens the window; the next four advance by a single
	// block each, one under the minimum spacing.
	res, err := f.v.Validate(context.Background(), f.request(100))
	require.NoError(t, err)
	require.True(t, res.Accepted)

	block := uint64(100)
	for i := 0; i < f.v.limits.MaxFastActions; i++ {
		f.clock.Advance(time.Second)
		block++
		res, err = f.v.Validate(context.Background(), f.request(block))
		require.NoError(t, err)
		require.True(t, res.Accepted, "fast action %d should be tolerated", i+1)
	}

	f.clock.Advance(time.Second)
	block++
	res, err = f.v.Validate(context.Background(), f.request(block))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, StageRateLimit, res.Stage)
	assert.Contains(t, res.Reason, "under-spaced")

	// The critical audit put the actor under a ban that short-circuits
	// everything until it expires.
	_, banned := f.v.Banned("player-1")
	require.True(t, banned)

	f.clock.Advance(time.Second)
	res, err = f.v.Validate(context.Background(), f.request(block+2))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, StageBan, res.Stage)

	// Past the ban duration the actor may act again.
	f.clock.Advance(f.v.limits.BanDuration + time.Second)
	f.v.ResetTurn("sess-1")
	res, err = f.v.Validate(context.Background(), f.request(block+4))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestTurnTimeout_DeadlineExpires(t *testing.T) {
	f := newFixture(t)

	res, err := f.v.Validate(context.Background(), f.request(100))
	require.NoError(t, err)
	require.True(t, res.Accepted)

	f.clock.Advance(f.v.limits.TurnTimeout + time.Second)
	res, err = f.v.Validate(context.Background(), f.request(102))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, StageTurnTimeout, res.Stage)

	f.v.ResetTurn("sess-1")
	f.clock.Advance(time.Second)
	res, err = f.v.Validate(context.Background(), f.request(104))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestRandomness_MalformedHash(t *testing.T) {
	f := newFixture(t)

	block := uint64(100)
	for _, hash := range []string{"", "abcd", "0x", "0xzz", "0xabc"} {
		req := f.request(block)
		req.BlockHash = hash
		block += 2
		res, err := f.v.Validate(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, res.Accepted, "hash %q must be rejected", hash)
		assert.Equal(t, StageRandomness, res.Stage)
		f.clock.Advance(time.Second)
	}
}

func TestRandomness_ReuseRejected(t *testing.T) {
	f := newFixture(t)

	res, err := f.v.Validate(context.Background(), f.request(100))
	require.NoError(t, err)
	require.True(t, res.Accepted)

	// A second actor in the same session presenting the already-consumed
	// (height, hash) pair is reusing the randomness source.
	f.clock.Advance(time.Second)
	req := f.request(100)
	req.ActorID = "player-2"
	res, err = f.v.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, StageRandomness, res.Stage)
	assert.Contains(t, res.Reason, "reused")
}

func TestReplay_TupleRejected(t *testing.T) {
	f := newFixture(t)

	first := f.request(100)
	res, err := f.v.Validate(context.Background(), first)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	// Fresh block and server time, but the identical (actor, session,
	// timestamp, action) tuple.
	f.clock.Advance(2 * time.Second)
	replay := f.request(102)
	replay.Timestamp = first.Timestamp
	res, err = f.v.Validate(context.Background(), replay)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, StageReplay, res.Stage)
}

func TestTimestamp_Bounds(t *testing.T) {
	f := newFixture(t)

	req := f.request(100)
	req.Timestamp = f.clock.Now().Add(-6 * time.Minute)
	res, err := f.v.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, StageTimestamp, res.Stage)
	assert.Contains(t, res.Reason, "past")

	f.clock.Advance(time.Second)
	req = f.request(102)
	req.Timestamp = f.clock.Now().Add(time.Minute)
	res, err = f.v.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, StageTimestamp, res.Stage)
	assert.Contains(t, res.Reason, "future")
}

func TestTimestamp_BlockDrift(t *testing.T) {
	f := newFixture(t)

	// The claimed block is 900 blocks behind the head; at 2s per block its
	// estimated wall-clock time is half an hour ago.
	req := f.request(100)
	req.CurrentBlock = ledger.Block{Number: 1000, Hash: "0x03e8"}
	res, err := f.v.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, StageTimestamp, res.Stage)
	assert.Contains(t, res.Reason, "drifts")
}

// TestStatBounds_ReportsEachOffendingStat covers the tampered-vector case:
// health below minimum and attack above maximum are both named in the
// rejection.
func TestStatBounds_ReportsEachOffendingStat(t *testing.T) {
	f := newFixture(t)

	req := f.request(100)
	req.Stats = stats.Vector{Health: 30, Attack: 120, Defense: 40, Speed: 60, Special: 30, Luck: 20}
	res, err := f.v.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, StageStatBounds, res.Stage)
	assert.Contains(t, res.Reason, "health 30")
	assert.Contains(t, res.Reason, "attack 120")
}

func TestValidatePlayerStats(t *testing.T) {
	bounds := DefaultStatBounds()

	assert.Empty(t, ValidatePlayerStats(bounds, stats.Vector{
		Health: 250, Attack: 80, Defense: 80, Speed: 80, Special: 80, Luck: 80,
	}))

	reasons := ValidatePlayerStats(bounds, stats.Vector{
		Health: 501, Attack: 4, Defense: 100, Speed: 100, Special: 100, Luck: 100,
	})
	assert.Len(t, reasons, 3, "health, attack, and the secondary sum all violate")
}

func TestValidatePlayerStats_Property(t *testing.T) {
	bounds := DefaultStatBounds()
	rapid.Check(t, func(t *rapid.T) {
		v := stats.Vector{
			Health:  rapid.IntRange(bounds.HealthMin, bounds.HealthMax).Draw(t, "health"),
			Attack:  rapid.IntRange(bounds.SecondaryMin, 80).Draw(t, "attack"),
			Defense: rapid.IntRange(bounds.SecondaryMin, 80).Draw(t, "defense"),
			Speed:   rapid.IntRange(bounds.SecondaryMin, 80).Draw(t, "speed"),
			Special: rapid.IntRange(bounds.SecondaryMin, 80).Draw(t, "special"),
			Luck:    rapid.IntRange(bounds.SecondaryMin, 80).Draw(t, "luck"),
		}
		if len(ValidatePlayerStats(bounds, v)) != 0 {
			t.Fatalf("in-bounds vector %+v rejected", v)
		}
		v.Attack = bounds.SecondaryMax + rapid.IntRange(1, 1000).Draw(t, "excess")
		if len(ValidatePlayerStats(bounds, v)) == 0 {
			t.Fatalf("out-of-bounds vector %+v accepted", v)
		}
	})
}

func TestDamageBounds(t *testing.T) {
	f := newFixture(t)

	req := f.request(100)
	req.DamageRoll = 150
	req.CritChance = 60
	req.SeedMonster = 0
	res, err := f.v.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, StageDamageBounds, res.Stage)
	assert.Contains(t, res.Reason, "damage roll 150")
	assert.Contains(t, res.Reason, "critical chance 60")
	assert.Contains(t, res.Reason, "monster seed is zero")
}

func TestSessionIntegrity_TamperBansActor(t *testing.T) {
	f := newFixture(t)

	res, err := f.v.Validate(context.Background(), f.request(100))
	require.NoError(t, err)
	require.True(t, res.Accepted)

	// The same session presented with different state is tampering.
	f.clock.Advance(time.Second)
	req := f.request(102)
	req.Session.MonsterHealth = 999
	res, err = f.v.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, StageIntegrity, res.Stage)

	_, banned := f.v.Banned("player-1")
	assert.True(t, banned)
}

func TestSessionIntegrity_RecordedChangeAccepted(t *testing.T) {
	f := newFixture(t)

	res, err := f.v.Validate(context.Background(), f.request(100))
	require.NoError(t, err)
	require.True(t, res.Accepted)

	// A confirmed state change re-records the hash, so the new state is
	// legal at the next validation.
	next := SessionView{PlayerHealth: 100, MonsterHealth: 60, Turn: 2, IsActive: true}
	f.v.RecordSessionState("sess-1", next)

	f.clock.Advance(time.Second)
	req := f.request(102)
	req.Session = next
	res, err = f.v.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

// TestSequence_Frequency covers the pacing rule: a second action 400ms
// after the first is too frequent, while 600ms spacing is legal.
func TestSequence_Frequency(t *testing.T) {
	f := newFixture(t)

	res, err := f.v.Validate(context.Background(), f.request(100))
	require.NoError(t, err)
	require.True(t, res.Accepted)

	f.clock.Advance(400 * time.Millisecond)
	req := f.request(102)
	req.Action = "guard"
	res, err = f.v.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, StageSequence, res.Stage)
	assert.Contains(t, res.Reason, "too frequent")

	f.clock.Advance(600 * time.Millisecond)
	req = f.request(104)
	req.Action = "slash"
	res, err = f.v.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestSequence_Duplicate(t *testing.T) {
	f := newFixture(t)

	res, err := f.v.Validate(context.Background(), f.request(100))
	require.NoError(t, err)
	require.True(t, res.Accepted)

	f.clock.Advance(700 * time.Millisecond)
	res, err = f.v.Validate(context.Background(), f.request(102))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, StageSequence, res.Stage)
	assert.Contains(t, res.Reason, "duplicate")
}

func TestLiveness(t *testing.T) {
	f := newFixture(t)

	req := f.request(100)
	req.SessionID = "missing"
	req.Session = SessionView{}
	res, err := f.v.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, StageLiveness, res.Stage)
	assert.Contains(t, res.Reason, "not found")

	f.sessions.Set("ended", ledger.SessionState{PlayerHealth: 100, IsActive: false})
	f.clock.Advance(time.Second)
	req = f.request(102)
	req.SessionID = "ended"
	res, err = f.v.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, StageLiveness, res.Stage)
	assert.Contains(t, res.Reason, "not active")

	f.sessions.Set("downed", ledger.SessionState{PlayerHealth: 0, IsActive: true})
	f.clock.Advance(time.Second)
	req = f.request(104)
	req.SessionID = "downed"
	res, err = f.v.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, StageLiveness, res.Stage)
	assert.Contains(t, res.Reason, "health")
}

func TestRules_DenyRule(t *testing.T) {
	dir := t.TempDir()
	rule := `
function deny(action)
  if action.action == "forbidden" then
    return true, "forbidden move"
  end
  return false
end
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deny.lua"), []byte(rule), 0o644))

	rules, err := LoadRules(dir, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer rules.Close()

	f := newFixture(t)
	f.v.SetRules(rules)

	res, err := f.v.Validate(context.Background(), f.request(100))
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	f.clock.Advance(time.Second)
	req := f.request(102)
	req.Action = "forbidden"
	res, err = f.v.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, StageCustomRule, res.Stage)
	assert.Equal(t, "forbidden move", res.Reason)
}

func TestRules_RunawayRuleIsContained(t *testing.T) {
	dir := t.TempDir()
	rule := `
function deny(action)
  while true do end
end
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "loop.lua"), []byte(rule), 0o644))

	rules, err := LoadRules(dir, 1000, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer rules.Close()

	f := newFixture(t)
	f.v.SetRules(rules)

	// The opcode limit aborts the rule; the request proceeds as accepted.
	res, err := f.v.Validate(context.Background(), f.request(100))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestEndSession_ClearsState(t *testing.T) {
	f := newFixture(t)

	res, err := f.v.Validate(context.Background(), f.request(100))
	require.NoError(t, err)
	require.True(t, res.Accepted)

	f.v.EndSession("sess-1")

	// A fresh session lifecycle starts with no recorded hash or deadline,
	// so a changed view is legal again.
	f.clock.Advance(f.v.limits.TurnTimeout + time.Minute)
	req := f.request(102)
	req.Session.Turn = 9
	res, err = f.v.Validate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}
