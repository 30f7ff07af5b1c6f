// Package cond evaluates the minimal AND-only condition language used on
// flow-graph edges.
//
// Grammar:
//
//	ConditionExpr ::= Clause ( '&&' Clause )*
//	Clause        ::= Key Operator Literal
//	Key           ::= 'decision' | 'status' | 'needs_human' | 'confidence_lt' | 'artifact.' Name
//	Operator      ::= '=' | '!='
//
// Missing keys resolve to empty string. Comparisons are exact string
// comparisons except confidence_lt, which compares numerically.
package cond

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mwynne/switchyard/internal/kernel/runtime"
)

// Evaluate evaluates a condition against a sealed handoff envelope.
func Evaluate(condition string, env *runtime.HandoffEnvelope) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}
	for _, clause := range strings.Split(condition, "&&") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		ok, err := evalClause(clause, env)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalClause(clause string, env *runtime.HandoffEnvelope) (bool, error) {
	if strings.Contains(clause, "!=") {
		parts := strings.SplitN(clause, "!=", 2)
		k := strings.TrimSpace(parts[0])
		want := strings.TrimSpace(parts[1])
		got, err := resolveKey(k, env)
		if err != nil {
			return false, err
		}
		return !strings.EqualFold(got, want), nil
	}
	if strings.Contains(clause, "=") {
		parts := strings.SplitN(clause, "=", 2)
		k := strings.TrimSpace(parts[0])
		want := strings.TrimSpace(parts[1])
		if k == "confidence_lt" {
			threshold, err := strconv.ParseFloat(want, 64)
			if err != nil {
				return false, fmt.Errorf("invalid confidence threshold %q", want)
			}
			return env != nil && env.RoutingSignal.Confidence < threshold, nil
		}
		got, err := resolveKey(k, env)
		if err != nil {
			return false, err
		}
		return strings.EqualFold(got, want), nil
	}
	// Bare key: truthy if non-empty and not "false"/"0".
	got, err := resolveKey(strings.TrimSpace(clause), env)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(got) {
	case "", "false", "0", "no":
		return false, nil
	default:
		return true, nil
	}
}

func resolveKey(key string, env *runtime.HandoffEnvelope) (string, error) {
	if env == nil {
		return "", nil
	}
	switch key {
	case "decision":
		return string(env.RoutingSignal.Decision), nil
	case "status":
		return string(env.Status), nil
	case "needs_human":
		return strconv.FormatBool(env.RoutingSignal.NeedsHuman), nil
	case "next_step":
		return env.RoutingSignal.NextStepID, nil
	}
	if name, ok := strings.CutPrefix(key, "artifact."); ok {
		if _, present := env.Artifacts[name]; present {
			return "true", nil
		}
		return "", nil
	}
	return "", fmt.Errorf("unknown condition key: %q", key)
}
