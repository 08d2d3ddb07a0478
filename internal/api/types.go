package api

import (
	"fmt"
	"time"
)

// ExperimentStatus tracks the experiment lifecycle
type ExperimentStatus string

const (
	StatusDraft     ExperimentStatus = "draft"
	StatusRunning   ExperimentStatus = "running"
	StatusPaused    ExperimentStatus = "paused"
	StatusCompleted ExperimentStatus = "completed"
)

// Experiment is a configured A/B test
type Experiment struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Status      ExperimentStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`

	// Variants and their bucket-space weights (must sum to 100)
	Variants []Variant `json:"variants"`

	// TrafficPercent controls overall inclusion (0-100)
	TrafficPercent int `json:"traffic_percent"`

	// Targeting rules (ANDed); empty = match everyone
	Rules []TargetingRule `json:"rules,omitempty"`

	// IDs of experiments a subject may not hold simultaneously
	MutuallyExclusive []string `json:"mutually_exclusive,omitempty"`

	// Guardrails evaluated by the periodic monitor
	Guardrails []GuardrailConfig `json:"guardrails,omitempty"`

	// StatusReason records why a guardrail or operator changed status
	StatusReason string `json:"status_reason,omitempty"`
}

// Variant is one arm of an experiment
type Variant struct {
	ID      string            `json:"id"`
	Weight  int               `json:"weight"` // 0-100, sum across variants = 100
	Control bool              `json:"control"`
	Config  map[string]string `json:"config,omitempty"`
}

// RuleOp is a targeting comparison operator
type RuleOp string

const (
	OpEquals RuleOp = "eq"    // attribute == value
	OpIn     RuleOp = "in"    // attribute ∈ values
	OpRange  RuleOp = "range" // min <= attribute <= max (numeric)
)

// TargetingRule is a single attribute comparison evaluated against subject context
type TargetingRule struct {
	Attribute string   `json:"attribute"`
	Op        RuleOp   `json:"op"`
	Value     string   `json:"value,omitempty"`
	Values    []string `json:"values,omitempty"`
	Min       float64  `json:"min,omitempty"`
	Max       float64  `json:"max,omitempty"`
}

// Assignment binds a subject to a variant. Immutable once persisted.
type Assignment struct {
	ExperimentID string    `json:"experiment_id"`
	SubjectID    string    `json:"subject_id"`
	VariantID    string    `json:"variant_id"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// GuardrailDirection is the direction of change that counts as a violation
type GuardrailDirection string

const (
	DirectionIncrease GuardrailDirection = "increase"
	DirectionDecrease GuardrailDirection = "decrease"
)

// GuardrailAction is the side effect dispatched on violation
type GuardrailAction string

const (
	ActionAlert GuardrailAction = "alert"
	ActionPause GuardrailAction = "pause"
	ActionStop  GuardrailAction = "stop"
)

// GuardrailConfig is a safety threshold on a derived metric
type GuardrailConfig struct {
	Metric    string             `json:"metric"`
	Threshold float64            `json:"threshold"` // relative change, e.g. 0.10 = 10%
	Direction GuardrailDirection `json:"direction"`
	Severity  string             `json:"severity,omitempty"`
	Action    GuardrailAction    `json:"action"`
}

// ValidationError reports a configuration error at experiment-creation time
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("experiment validation error [%s]: %s", e.Field, e.Message)
}

// Validate performs creation-time validation. Configuration errors fail
// fast here, never at assignment time.
func (e *Experiment) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "id is required"}
	}
	if len(e.Variants) == 0 {
		return &ValidationError{Field: "variants", Message: "at least one variant is required"}
	}

	weightSum := 0
	controls := 0
	seen := make(map[string]bool)
	for _, v := range e.Variants {
		if v.ID == "" {
			return &ValidationError{Field: "variants", Message: "variant id is required"}
		}
		if seen[v.ID] {
			return &ValidationError{Field: "variants", Message: fmt.Sprintf("duplicate variant id %q", v.ID)}
		}
		seen[v.ID] = true
		if v.Weight < 0 {
			return &ValidationError{Field: "variants", Message: fmt.Sprintf("variant %q has negative weight", v.ID)}
		}
		weightSum += v.Weight
		if v.Control {
			controls++
		}
	}
	if weightSum != 100 {
		return &ValidationError{Field: "variants", Message: fmt.Sprintf("variant weights sum to %d, expected 100", weightSum)}
	}
	if controls != 1 {
		return &ValidationError{Field: "variants", Message: fmt.Sprintf("exactly one control variant required, got %d", controls)}
	}

	if e.TrafficPercent < 0 || e.TrafficPercent > 100 {
		return &ValidationError{Field: "traffic_percent", Message: "must be in [0, 100]"}
	}

	for i, r := range e.Rules {
		if err := r.Validate(); err != nil {
			return &ValidationError{Field: fmt.Sprintf("rules[%d]", i), Message: err.Error()}
		}
	}

	for i, g := range e.Guardrails {
		if g.Metric == "" {
			return &ValidationError{Field: fmt.Sprintf("guardrails[%d]", i), Message: "metric is required"}
		}
		if g.Threshold < 0 {
			return &ValidationError{Field: fmt.Sprintf("guardrails[%d]", i), Message: "threshold must be >= 0"}
		}
		switch g.Direction {
		case DirectionIncrease, DirectionDecrease:
		default:
			return &ValidationError{Field: fmt.Sprintf("guardrails[%d]", i), Message: fmt.Sprintf("unknown direction %q", g.Direction)}
		}
		switch g.Action {
		case ActionAlert, ActionPause, ActionStop:
		default:
			return &ValidationError{Field: fmt.Sprintf("guardrails[%d]", i), Message: fmt.Sprintf("unknown action %q", g.Action)}
		}
	}

	switch e.Status {
	case StatusDraft, StatusRunning, StatusPaused, StatusCompleted:
	default:
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", e.Status)}
	}

	return nil
}

// Validate checks a targeting rule is well-formed
func (r *TargetingRule) Validate() error {
	if r.Attribute == "" {
		return fmt.Errorf("attribute is required")
	}
	switch r.Op {
	case OpEquals:
		if r.Value == "" {
			return fmt.Errorf("eq rule on %q requires a value", r.Attribute)
		}
	case OpIn:
		if len(r.Values) == 0 {
			return fmt.Errorf("in rule on %q requires values", r.Attribute)
		}
	case OpRange:
		if r.Min > r.Max {
			return fmt.Errorf("range rule on %q has min > max", r.Attribute)
		}
	default:
		return fmt.Errorf("unknown rule op %q", r.Op)
	}
	return nil
}

// Control returns the variant flagged control. Validate guarantees
// exactly one exists.
func (e *Experiment) Control() *Variant {
	for i := range e.Variants {
		if e.Variants[i].Control {
			return &e.Variants[i]
		}
	}
	return nil
}

// Variant returns the variant with the given id, or nil.
func (e *Experiment) Variant(id string) *Variant {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i]
		}
	}
	return nil
}
