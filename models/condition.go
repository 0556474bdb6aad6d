package models

import (
	"encoding/json"
	"fmt"
)

// ConditionKind discriminates the predicate variants a rule condition can take
type ConditionKind string

const (
	ConditionPermissionIn    ConditionKind = "permission-in"
	ConditionSensitivityIn   ConditionKind = "sensitivity-in"
	ConditionPrincipalRoleIn ConditionKind = "principal-role-in"
	ConditionMetricThreshold ConditionKind = "metric-threshold"
)

// ThresholdOp is the comparison operator of a metric-threshold condition
type ThresholdOp string

const (
	OpGreaterThan    ThresholdOp = "gt"
	OpGreaterOrEqual ThresholdOp = "gte"
	OpLessThan       ThresholdOp = "lt"
	OpLessOrEqual    ThresholdOp = "lte"
	OpEqual          ThresholdOp = "eq"
)

// RuleCondition is a structured predicate attached to a policy rule. It is a
// tagged variant rather than free-form configuration: conditions stay
// policy-authorable data, but the set of predicate shapes is closed. Fields
// not used by the variant named in Kind are left empty.
//
// Unknown kinds or metric fields are treated as non-matching at evaluation
// time, never as evaluator errors.
type RuleCondition struct {
	Kind ConditionKind `json:"kind"`

	// permission-in, sensitivity-in, principal-role-in
	Values []string `json:"values,omitempty"`

	// metric-threshold
	Metric string      `json:"metric,omitempty"`
	Op     ThresholdOp `json:"op,omitempty"`
	Value  float64     `json:"value,omitempty"`
}

// PermissionIn matches requests asking for any permission in the set
func PermissionIn(permissions ...string) RuleCondition {
	return RuleCondition{Kind: ConditionPermissionIn, Values: permissions}
}

// SensitivityIn matches requests whose target sensitivity is in the set
func SensitivityIn(tiers ...Sensitivity) RuleCondition {
	values := make([]string, len(tiers))
	for i, t := range tiers {
		values[i] = string(t)
	}
	return RuleCondition{Kind: ConditionSensitivityIn, Values: values}
}

// PrincipalRoleIn matches requests from a principal holding one of the roles
func PrincipalRoleIn(roles ...string) RuleCondition {
	return RuleCondition{Kind: ConditionPrincipalRoleIn, Values: roles}
}

// MetricThreshold matches when the named contextual metric compares true
// against the value, e.g. MetricThreshold("hourly_cost_usd", OpGreaterThan, 50)
func MetricThreshold(metric string, op ThresholdOp, value float64) RuleCondition {
	return RuleCondition{Kind: ConditionMetricThreshold, Metric: metric, Op: op, Value: value}
}

// Validate checks that the condition is structurally complete for its kind.
// Used at policy-save time; evaluation is deliberately more lenient.
func (c RuleCondition) Validate() error {
	switch c.Kind {
	case ConditionPermissionIn, ConditionSensitivityIn, ConditionPrincipalRoleIn:
		if len(c.Values) == 0 {
			return fmt.Errorf("condition %q requires a non-empty value set", c.Kind)
		}
	case ConditionMetricThreshold:
		if c.Metric == "" {
			return fmt.Errorf("metric-threshold condition requires a metric name")
		}
		switch c.Op {
		case OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual, OpEqual:
		default:
			return fmt.Errorf("metric-threshold condition has unknown op %q", c.Op)
		}
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	return nil
}

// MarshalDB serializes the condition for JSONB storage
func (c RuleCondition) MarshalDB() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalDB deserializes a condition from JSONB storage. Unknown kinds are
// preserved as-is so they can be reported instead of breaking the load.
func (c *RuleCondition) UnmarshalDB(data []byte) error {
	return json.Unmarshal(data, c)
}
