// Package rules loads operator tuning for the anti-cheat pipeline from
// YAML. Every field is optional; unset fields keep the built-in defaults.
package rules

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oakmont-games/warden/internal/anticheat"
)

// Duration is a time.Duration that unmarshals from YAML strings like "45s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// yamlRate tunes the rate-limit stage.
type yamlRate struct {
	MaxActionsPerWindow *int      `yaml:"max_actions_per_window"`
	Window              *Duration `yaml:"window"`
	MaxFastActions      *int      `yaml:"max_fast_actions"`
	MinBlockSpacing     *uint64   `yaml:"min_block_spacing"`
}

// yamlTiming tunes deadlines and pacing.
type yamlTiming struct {
	TurnTimeout     *Duration `yaml:"turn_timeout"`
	BanDuration     *Duration `yaml:"ban_duration"`
	DuplicateWindow *Duration `yaml:"duplicate_window"`
	FrequencyFloor  *Duration `yaml:"frequency_floor"`
}

// yamlBounds tunes the stat-bounds stage.
type yamlBounds struct {
	HealthMin       *int `yaml:"health_min"`
	HealthMax       *int `yaml:"health_max"`
	SecondaryMin    *int `yaml:"secondary_min"`
	SecondaryMax    *int `yaml:"secondary_max"`
	SecondarySumMax *int `yaml:"secondary_sum_max"`
}

// yamlDamage tunes the damage-input stage.
type yamlDamage struct {
	RollMax *int `yaml:"roll_max"`
	CritMax *int `yaml:"crit_max"`
}

// Rules is the parsed tuning file.
type Rules struct {
	Rate   yamlRate   `yaml:"rate"`
	Timing yamlTiming `yaml:"timing"`
	Bounds yamlBounds `yaml:"bounds"`
	Damage yamlDamage `yaml:"damage"`
}

// LoadFromFile reads and validates a tuning file.
//
// Precondition: path must point to a valid YAML tuning file.
// Postcondition: Returns validated Rules or a non-nil error.
func LoadFromFile(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses and validates tuning from YAML bytes.
func LoadFromBytes(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing rules YAML: %w", err)
	}
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("validating rules: %w", err)
	}
	return &r, nil
}

// Apply overlays the tuning onto base limits and returns the result.
func (r *Rules) Apply(base anticheat.Limits) anticheat.Limits {
	out := base

	if r.Rate.MaxActionsPerWindow != nil {
		out.MaxActionsPerWindow = *r.Rate.MaxActionsPerWindow
	}
	if r.Rate.Window != nil {
		out.RateWindow = time.Duration(*r.Rate.Window)
	}
	if r.Rate.MaxFastActions != nil {
		out.MaxFastActions = *r.Rate.MaxFastActions
	}
	if r.Rate.MinBlockSpacing != nil {
		out.MinBlockSpacing = *r.Rate.MinBlockSpacing
	}

	if r.Timing.TurnTimeout != nil {
		out.TurnTimeout = time.Duration(*r.Timing.TurnTimeout)
	}
	if r.Timing.BanDuration != nil {
		out.BanDuration = time.Duration(*r.Timing.BanDuration)
	}
	if r.Timing.DuplicateWindow != nil {
		out.DuplicateWindow = time.Duration(*r.Timing.DuplicateWindow)
	}
	if r.Timing.FrequencyFloor != nil {
		out.FrequencyFloor = time.Duration(*r.Timing.FrequencyFloor)
	}

	if r.Bounds.HealthMin != nil {
		out.Bounds.HealthMin = *r.Bounds.HealthMin
	}
	if r.Bounds.HealthMax != nil {
		out.Bounds.HealthMax = *r.Bounds.HealthMax
	}
	if r.Bounds.SecondaryMin != nil {
		out.Bounds.SecondaryMin = *r.Bounds.SecondaryMin
	}
	if r.Bounds.SecondaryMax != nil {
		out.Bounds.SecondaryMax = *r.Bounds.SecondaryMax
	}
	if r.Bounds.SecondarySumMax != nil {
		out.Bounds.SecondarySumMax = *r.Bounds.SecondarySumMax
	}

	if r.Damage.RollMax != nil {
		out.DamageRollMax = *r.Damage.RollMax
	}
	if r.Damage.CritMax != nil {
		out.CritChanceMax = *r.Damage.CritMax
	}

	return out
}

// validate checks tuning invariants.
func (r *Rules) validate() error {
	if v := r.Rate.MaxActionsPerWindow; v != nil && *v < 1 {
		return fmt.Errorf("rate.max_actions_per_window must be >= 1, got %d", *v)
	}
	if v := r.Rate.Window; v != nil && *v <= 0 {
		return fmt.Errorf("rate.window must be positive")
	}
	if v := r.Rate.MaxFastActions; v != nil && *v < 0 {
		return fmt.Errorf("rate.max_fast_actions must be >= 0, got %d", *v)
	}
	for name, v := range map[string]*Duration{
		"timing.turn_timeout":     r.Timing.TurnTimeout,
		"timing.ban_duration":     r.Timing.BanDuration,
		"timing.duplicate_window": r.Timing.DuplicateWindow,
		"timing.frequency_floor":  r.Timing.FrequencyFloor,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if lo, hi := r.Bounds.HealthMin, r.Bounds.HealthMax; lo != nil && hi != nil && *lo > *hi {
		return fmt.Errorf("bounds.health_min %d exceeds bounds.health_max %d", *lo, *hi)
	}
	if lo, hi := r.Bounds.SecondaryMin, r.Bounds.SecondaryMax; lo != nil && hi != nil && *lo > *hi {
		return fmt.Errorf("bounds.secondary_min %d exceeds bounds.secondary_max %d", *lo, *hi)
	}
	if v := r.Bounds.SecondarySumMax; v != nil && *v < 0 {
		return fmt.Errorf("bounds.secondary_sum_max must be >= 0, got %d", *v)
	}
	if v := r.Damage.RollMax; v != nil && *v < 0 {
		return fmt.Errorf("damage.roll_max must be >= 0, got %d", *v)
	}
	if v := r.Damage.CritMax; v != nil && *v < 0 {
		return fmt.Errorf("damage.crit_max must be >= 0, got %d", *v)
	}
	return nil
}
