package store

import "encoding/json"

const (
	RoleScout      = "scout"
	RoleAttacker   = "attacker"
	RoleManager    = "manager"
	RoleSpecialist = "specialist"
)

// DefaultGoal is used when a directive carries no usable goal.
const DefaultGoal = "Perform a thorough security assessment of the target and report every finding."

// KnownRole reports whether role is one of the directive roles.
func KnownRole(role string) bool {
	switch role {
	case RoleScout, RoleAttacker, RoleManager, RoleSpecialist:
		return true
	}
	return false
}

// Directive is the goal descriptor stored with a task.
type Directive struct {
	Goal    string `json:"goal"`
	Target  string `json:"target"`
	Role    string `json:"role"`
	GroupID string `json:"group_id"`

	valid bool
}

// NewDirective builds a valid directive.
func NewDirective(goal, target, role, groupID string) Directive {
	if goal == "" {
		goal = DefaultGoal
	}
	if !KnownRole(role) {
		role = RoleSpecialist
	}
	return Directive{Goal: goal, Target: target, Role: role, GroupID: groupID, valid: true}
}

// Valid is false for a directive parsed from text that was not a JSON
// object. Such a task cannot run.
func (d Directive) Valid() bool {
	return d.valid
}

// Encode returns the stored JSON form.
func (d Directive) Encode() string {
	data, _ := json.Marshal(d)
	return string(data)
}

// ParseDirective decodes stored directive text. Unparsable or non-object
// text yields an empty, invalid directive. Missing or non-string goal and
// role fall back to DefaultGoal and RoleSpecialist.
func ParseDirective(text string) Directive {
	var raw map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err != nil || raw == nil {
		return Directive{}
	}

	str := func(key string) string {
		s, _ := raw[key].(string)
		return s
	}
	return NewDirective(str("goal"), str("target"), str("role"), str("group_id"))
}
