// Package stats defines the combatant stat vector shared by the commitment
// engine, the anti-cheat validator, and the roster.
package stats

// Vector is a combatant's full stat block. Health is the primary stat;
// the remaining five are the secondary stats bounded by the anti-cheat
// validator.
type Vector struct {
	Health  int `json:"health"`
	Attack  int `json:"attack"`
	Defense int `json:"defense"`
	Speed   int `json:"speed"`
	Special int `json:"special"`
	Luck    int `json:"luck"`
}

// Secondary returns the five secondary stats in a fixed order
// (attack, defense, speed, special, luck).
//
// Postcondition: Returns a slice of length 5.
func (v Vector) Secondary() []int {
	return []int{v.Attack, v.Defense, v.Speed, v.Special, v.Luck}
}

// SecondaryNames returns the secondary stat names in the same order
// as Secondary.
func SecondaryNames() []string {
	return []string{"attack", "defense", "speed", "special", "luck"}
}

// SecondarySum returns the sum of the five secondary stats.
func (v Vector) SecondarySum() int {
	sum := 0
	for _, s := range v.Secondary() {
		sum += s
	}
	return sum
}
