package search

import (
	"fmt"
	"strings"
)

// Logic joins the members of a condition group
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Operator compares a record field against a condition value
type Operator string

const (
	OpEquals     Operator = "equals"
	OpNotEquals  Operator = "not_equals"
	OpContains   Operator = "contains"
	OpGreater    Operator = "gt"
	OpGreaterEq  Operator = "gte"
	OpLess       Operator = "lt"
	OpLessEq     Operator = "lte"
	OpIn         Operator = "in"
	OpIsEmpty    Operator = "is_empty"
	OpIsNotEmpty Operator = "is_not_empty"
	OpBetween    Operator = "between"
	// OpInRelative takes a relative date token as its value
	OpInRelative Operator = "in_relative"
)

// Condition is either a leaf comparison or, when Logic is set, a nested group
type Condition struct {
	ID         string      `json:"id,omitempty"`
	Field      string      `json:"field,omitempty"`
	Operator   Operator    `json:"operator,omitempty"`
	Value      any         `json:"value,omitempty"`
	Logic      Logic       `json:"logic,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// IsGroup reports whether c is a nested group rather than a leaf
func (c Condition) IsGroup() bool {
	return c.Logic != ""
}

// Group returns c viewed as a condition group
func (c Condition) Group() ConditionGroup {
	return ConditionGroup{Logic: c.Logic, Conditions: c.Conditions}
}

// ConditionGroup is the root of an advanced search
type ConditionGroup struct {
	Logic      Logic       `json:"logic"`
	Conditions []Condition `json:"conditions"`
}

// Nested wraps g as a member of another group
func (g ConditionGroup) Nested() Condition {
	return Condition{Logic: g.Logic, Conditions: g.Conditions}
}

// IsEmptyConditionGroup reports whether g has no conditions
func IsEmptyConditionGroup(g *ConditionGroup) bool {
	return g == nil || len(g.Conditions) == 0
}

// FlattenConditions returns every leaf of g depth-first, left to right
func FlattenConditions(g ConditionGroup) []Condition {
	out := make([]Condition, 0, len(g.Conditions))
	return flatten(out, g.Conditions)
}

func flatten(out, conditions []Condition) []Condition {
	for _, c := range conditions {
		if c.IsGroup() {
			out = flatten(out, c.Conditions)
			continue
		}
		out = append(out, c)
	}
	return out
}

// Validate checks logic values and that every leaf names a field and operator
func (g ConditionGroup) Validate() error {
	return validate(g.Logic, g.Conditions, "conditions")
}

func validate(logic Logic, conditions []Condition, path string) error {
	switch Logic(strings.ToUpper(string(logic))) {
	case LogicAnd, LogicOr:
	default:
		return fmt.Errorf("%s: unknown logic %q", path, logic)
	}
	for i, c := range conditions {
		p := fmt.Sprintf("%s[%d]", path, i)
		if c.IsGroup() {
			if err := validate(c.Logic, c.Conditions, p+".conditions"); err != nil {
				return err
			}
			continue
		}
		if c.Field == "" {
			return fmt.Errorf("%s: field is required", p)
		}
		if c.Operator == "" {
			return fmt.Errorf("%s: operator is required", p)
		}
	}
	return nil
}

// ExpandRelativeDates returns a copy of g where every in_relative leaf becomes
// a between condition over the resolved range. Unknown tokens are an error.
func (r *Resolver) ExpandRelativeDates(g ConditionGroup) (ConditionGroup, error) {
	conditions, err := r.expand(g.Conditions)
	if err != nil {
		return ConditionGroup{}, err
	}
	return ConditionGroup{Logic: g.Logic, Conditions: conditions}, nil
}

func (r *Resolver) expand(conditions []Condition) ([]Condition, error) {
	if conditions == nil {
		return nil, nil
	}
	out := make([]Condition, len(conditions))
	for i, c := range conditions {
		if c.IsGroup() {
			nested, err := r.expand(c.Conditions)
			if err != nil {
				return nil, err
			}
			c.Conditions = nested
			out[i] = c
			continue
		}
		if c.Operator == OpInRelative {
			token, ok := c.Value.(string)
			if !ok {
				return nil, fmt.Errorf("condition on %s: relative date value must be a token", c.Field)
			}
			rng, err := r.ResolveRelativeDateStrict(token)
			if err != nil {
				return nil, fmt.Errorf("condition on %s: %w", c.Field, err)
			}
			c.Operator = OpBetween
			c.Value = rng
		}
		out[i] = c
	}
	return out, nil
}
