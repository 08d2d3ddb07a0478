package api

import "time"

// AssignRequest is the body of POST /v1/assign
type AssignRequest struct {
	ExperimentID string            `json:"experiment_id"`
	SubjectID    string            `json:"subject_id"`
	Context      map[string]string `json:"context,omitempty"`
}

// AssignResponse is returned for both fresh and replayed assignments.
// Assigned=false means the subject was not included (targeting, traffic,
// exclusion, or experiment not running).
type AssignResponse struct {
	Assigned   bool        `json:"assigned"`
	Assignment *Assignment `json:"assignment,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

// VariantCounts carries conversion aggregates for one arm
type VariantCounts struct {
	N         int64 `json:"n"`
	Successes int64 `json:"successes"`
}

// VariantStats carries continuous-metric aggregates for one arm
type VariantStats struct {
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
	N        int64   `json:"n"`
}

// ConversionRequest is the body of POST /v1/analyze/conversion
type ConversionRequest struct {
	Control    VariantCounts `json:"control"`
	Treatment  VariantCounts `json:"treatment"`
	Confidence float64       `json:"confidence"` // e.g. 0.95
}

// ContinuousRequest is the body of POST /v1/analyze/continuous
type ContinuousRequest struct {
	Control    VariantStats `json:"control"`
	Treatment  VariantStats `json:"treatment"`
	Confidence float64      `json:"confidence"`
}

// AnalysisResult is shared by both test families
type AnalysisResult struct {
	IsSignificant  bool       `json:"is_significant"`
	PValue         float64    `json:"p_value"`
	ConfidenceBand [2]float64 `json:"confidence_interval"`
	RelativeUplift float64    `json:"relative_uplift"`
	AbsoluteUplift float64    `json:"absolute_uplift"`
	Power          float64    `json:"power"`
}

// SampleSizeRequest is the body of POST /v1/samplesize
type SampleSizeRequest struct {
	BaselineRate float64 `json:"baseline_rate"`
	MDE          float64 `json:"mde"` // minimum detectable relative effect
	Power        float64 `json:"power"`
	Confidence   float64 `json:"confidence"`
}

// SampleSizeResponse carries the per-arm requirement
type SampleSizeResponse struct {
	PerArm int64 `json:"per_arm"`
}

// SequentialRequest is the body of POST /v1/analyze/sequential
type SequentialRequest struct {
	N     int64   `json:"n"`
	NMax  int64   `json:"n_max"`
	Alpha float64 `json:"alpha"`
}

// BanditSelectRequest is the body of POST /v1/bandit/select
type BanditSelectRequest struct {
	ExperimentID string    `json:"experiment_id"`
	Context      []float64 `json:"context,omitempty"` // present → contextual bandit
}

// BanditSelectResponse names the chosen arm
type BanditSelectResponse struct {
	ArmID string `json:"arm_id"`
}

// BanditUpdateRequest is the body of POST /v1/bandit/update
type BanditUpdateRequest struct {
	ExperimentID string    `json:"experiment_id"`
	ArmID        string    `json:"arm_id"`
	Success      bool      `json:"success"`
	Context      []float64 `json:"context,omitempty"`
	Reward       float64   `json:"reward,omitempty"`
}

// TrackRequest is the body of POST /v1/track. Kind selects which
// aggregate the event feeds: "outcome" (binary) or "value" (continuous).
type TrackRequest struct {
	ExperimentID string  `json:"experiment_id"`
	VariantID    string  `json:"variant_id"`
	SubjectID    string  `json:"subject_id,omitempty"`
	Kind         string  `json:"kind"`
	Success      bool    `json:"success,omitempty"`
	Value        float64 `json:"value,omitempty"`
}

// GuardrailCheckRequest is the body of POST /v1/guardrails/check
type GuardrailCheckRequest struct {
	ExperimentID string            `json:"experiment_id"`
	Configs      []GuardrailConfig `json:"configs"`
}

// GuardrailResult reports one guardrail evaluation. Violations are
// ordinary results, not errors.
type GuardrailResult struct {
	Metric         string             `json:"metric"`
	Violated       bool               `json:"violated"`
	ControlValue   float64            `json:"control_value"`
	TreatmentValue float64            `json:"treatment_value"`
	AbsoluteChange float64            `json:"absolute_change"`
	RelativeChange float64            `json:"relative_change"`
	Threshold      float64            `json:"threshold"`
	Direction      GuardrailDirection `json:"direction"`
	ActionTaken    GuardrailAction    `json:"action_taken,omitempty"`
	CheckedAt      time.Time          `json:"checked_at"`
}
