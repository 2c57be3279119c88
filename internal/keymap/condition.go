package keymap

import "fmt"

// ConditionKind identifies a Condition variant. The values are part of the
// binary format.
type ConditionKind uint8

const (
	CondModifierActive ConditionKind = iota
	CondLockActive
	CondAllActive
	CondNotActive
	CondDeviceMatches

	condKindCount
)

func (k ConditionKind) String() string {
	switch k {
	case CondModifierActive:
		return "modifier_active"
	case CondLockActive:
		return "lock_active"
	case CondAllActive:
		return "all_active"
	case CondNotActive:
		return "not_active"
	case CondDeviceMatches:
		return "device_matches"
	}
	return fmt.Sprintf("condition(%d)", uint8(k))
}

// Condition is evaluated against session state when a Conditional key is
// pressed.
type Condition struct {
	Kind    ConditionKind
	ID      uint8       // ModifierActive, LockActive
	All     []Condition // AllActive
	Not     *Condition  // NotActive
	Pattern string      // DeviceMatches, a path.Match glob
}

func ModifierActive(id uint8) Condition { return Condition{Kind: CondModifierActive, ID: id} }

func LockActive(id uint8) Condition { return Condition{Kind: CondLockActive, ID: id} }

func AllActive(conds ...Condition) Condition { return Condition{Kind: CondAllActive, All: conds} }

func NotActive(c Condition) Condition { return Condition{Kind: CondNotActive, Not: &c} }

func DeviceMatches(pattern string) Condition {
	return Condition{Kind: CondDeviceMatches, Pattern: pattern}
}

// Equal reports deep equality.
func (c Condition) Equal(o Condition) bool {
	if c.Kind != o.Kind || c.ID != o.ID || c.Pattern != o.Pattern || len(c.All) != len(o.All) {
		return false
	}
	for i := range c.All {
		if !c.All[i].Equal(o.All[i]) {
			return false
		}
	}
	if c.Not == nil || o.Not == nil {
		return c.Not == o.Not
	}
	return c.Not.Equal(*o.Not)
}
