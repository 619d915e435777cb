package recovery

import (
	"strings"

	"kiln/internal/model"
)

// AdjustmentKind selects how a rule rewrites a parameter
type AdjustmentKind string

const (
	AdjustDivide   AdjustmentKind = "divide"
	AdjustReduce   AdjustmentKind = "reduce"
	AdjustFallback AdjustmentKind = "fallback"
)

// AdjustmentRule rewrites a single generation parameter during recovery.
// Divide computes max(old/factor, min), reduce computes max(old*factor, min),
// both truncated to integers for integer fields. Fallback picks the first
// candidate that differs from the current value.
type AdjustmentRule struct {
	Kind       AdjustmentKind
	Factor     float64
	MinValue   float64
	Candidates []string
}

// RecoveryPolicy maps one error family to its remediation. The table is
// static configuration; nothing mutates it at runtime.
type RecoveryPolicy struct {
	Kind        model.ErrorKind
	Patterns    []string
	Strategy    model.RecoveryStrategy
	Adjustments map[model.ParamField]AdjustmentRule
	MaxAttempts int
}

// defaultPolicies is checked in order; the first policy with any matching
// pattern wins, so the more specific families sit above the catch-alls.
var defaultPolicies = []RecoveryPolicy{
	{
		Kind:     model.ErrorKindOOM,
		Patterns: []string{"cuda out of memory", "out of memory", "allocation on device", "oom"},
		Strategy: model.StrategyReduceParameters,
		Adjustments: map[model.ParamField]AdjustmentRule{
			model.FieldWidth:     {Kind: AdjustReduce, Factor: 0.75, MinValue: 256},
			model.FieldHeight:    {Kind: AdjustReduce, Factor: 0.75, MinValue: 256},
			model.FieldSteps:     {Kind: AdjustReduce, Factor: 0.75, MinValue: 10},
			model.FieldBatchSize: {Kind: AdjustDivide, Factor: 2, MinValue: 1},
			model.FieldFrames:    {Kind: AdjustDivide, Factor: 2, MinValue: 8},
		},
		MaxAttempts: 3,
	},
	{
		Kind:        model.ErrorKindTimeout,
		Patterns:    []string{"timed out", "timeout", "deadline exceeded"},
		Strategy:    model.StrategyResumeCheckpoint,
		MaxAttempts: 2,
	},
	{
		Kind:     model.ErrorKindMissingModel,
		Patterns: []string{"model not found", "checkpoint not found", "no such checkpoint", "invalid checkpoint", "not in list of available checkpoints"},
		Strategy: model.StrategySwitchModel,
		Adjustments: map[model.ParamField]AdjustmentRule{
			model.FieldModel: {
				Kind: AdjustFallback,
				Candidates: []string{
					"v1-5-pruned-emaonly.safetensors",
					"sd_xl_base_1.0.safetensors",
					"dreamshaper_8.safetensors",
				},
			},
		},
		MaxAttempts: 2,
	},
	{
		Kind:        model.ErrorKindNetwork,
		Patterns:    []string{"connection refused", "connection reset", "broken pipe", "unreachable", "network"},
		Strategy:    model.StrategyRetry,
		MaxAttempts: 3,
	},
	{
		Kind:        model.ErrorKindDiskFull,
		Patterns:    []string{"no space left on device", "disk full", "disk quota exceeded"},
		Strategy:    model.StrategyAbort,
		MaxAttempts: 1,
	},
}

// unknownPolicy is the fallback for errors no family claims: one cautious
// retry, then give up.
var unknownPolicy = RecoveryPolicy{
	Kind:        model.ErrorKindUnknown,
	Strategy:    model.StrategyRetry,
	MaxAttempts: 1,
}

// classify walks the policy table in priority order and returns the first
// policy with a matching pattern. Matching is case-insensitive substring.
func classify(errorMessage string) *RecoveryPolicy {
	msg := strings.ToLower(errorMessage)
	for i := range defaultPolicies {
		for _, pattern := range defaultPolicies[i].Patterns {
			if strings.Contains(msg, pattern) {
				return &defaultPolicies[i]
			}
		}
	}
	return &unknownPolicy
}

// adjustParameters applies the policy's rules to a copy of params. Only
// fields set on the job and named by a rule are touched.
func adjustParameters(params model.GenerationParams, adjustments map[model.ParamField]AdjustmentRule) model.GenerationParams {
	out := params.Clone()

	for field, rule := range adjustments {
		switch rule.Kind {
		case AdjustDivide, AdjustReduce:
			old, ok := out.Number(field)
			if !ok {
				continue
			}
			next := old / rule.Factor
			if rule.Kind == AdjustReduce {
				next = old * rule.Factor
			}
			if next < rule.MinValue {
				next = rule.MinValue
			}
			out.SetNumber(field, float64(int(next)))
		case AdjustFallback:
			current, ok := out.Text(field)
			if !ok {
				continue
			}
			for _, candidate := range rule.Candidates {
				if candidate != current {
					out.SetText(field, candidate)
					break
				}
			}
		}
	}

	return out
}
