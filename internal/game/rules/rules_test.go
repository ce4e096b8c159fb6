package rules_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakmont-games/warden/internal/anticheat"
	"github.com/oakmont-games/warden/internal/game/rules"
)

func TestLoadFromBytes_OverlaysDefaults(t *testing.T) {
	doc := `
rate:
  max_actions_per_window: 12
  window: 90s
timing:
  turn_timeout: 45s
bounds:
  health_max: 600
damage:
  crit_max: 40
`
	r, err := rules.LoadFromBytes([]byte(doc))
	require.NoError(t, err)

	limits := r.Apply(anticheat.DefaultLimits())
	assert.Equal(t, 12, limits.MaxActionsPerWindow)
	assert.Equal(t, 90*time.Second, limits.RateWindow)
	assert.Equal(t, 45*time.Second, limits.TurnTimeout)
	assert.Equal(t, 600, limits.Bounds.HealthMax)
	assert.Equal(t, 40, limits.CritChanceMax)

	// Untouched fields keep their defaults.
	def := anticheat.DefaultLimits()
	assert.Equal(t, def.MaxFastActions, limits.MaxFastActions)
	assert.Equal(t, def.BanDuration, limits.BanDuration)
	assert.Equal(t, def.Bounds.HealthMin, limits.Bounds.HealthMin)
	assert.Equal(t, def.DamageRollMax, limits.DamageRollMax)
}

func TestLoadFromBytes_EmptyKeepsDefaults(t *testing.T) {
	r, err := rules.LoadFromBytes([]byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, anticheat.DefaultLimits(), r.Apply(anticheat.DefaultLimits()))
}

func TestLoadFromBytes_Invalid(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"zero actions", "rate:\n  max_actions_per_window: 0\n"},
		{"bad duration", "timing:\n  turn_timeout: soon\n"},
		{"inverted health bounds", "bounds:\n  health_min: 500\n  health_max: 100\n"},
		{"negative crit", "damage:\n  crit_max: -1\n"},
		{"not yaml", ":\n  -\n -"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rules.LoadFromBytes([]byte(tc.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rate:\n  min_block_spacing: 3\n"), 0o644))

	r, err := rules.LoadFromFile(path)
	require.NoError(t, err)
	limits := r.Apply(anticheat.DefaultLimits())
	assert.Equal(t, uint64(3), limits.MinBlockSpacing)

	_, err = rules.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
