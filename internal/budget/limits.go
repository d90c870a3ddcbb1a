package budget

import (
	"fmt"
	"time"
)

// Limits bounds what one session tree may spend. Zero disables a limit.
type Limits struct {
	// Token limits, summed over every model call of the session tree.
	MaxInputTokens  int64 `json:"max_input_tokens,omitempty" yaml:"max_input_tokens" jsonschema:"description=Input token limit for the whole session tree"`
	MaxOutputTokens int64 `json:"max_output_tokens,omitempty" yaml:"max_output_tokens" jsonschema:"description=Output token limit for the whole session tree"`

	// MaxSubCalls caps llm_query/rlm_query calls made by code.
	MaxSubCalls int `json:"max_sub_calls,omitempty" yaml:"max_sub_calls" jsonschema:"description=Maximum sub-model calls raised by executed code"`

	// MaxSessionTime is checked before each model call.
	MaxSessionTime time.Duration `json:"max_session_time,omitempty" yaml:"max_session_time" jsonschema:"type=string,description=Wall-clock budget such as 30m"`

	// Warning threshold (0-1) reported through the limit callback.
	TokenWarningThreshold float64 `json:"token_warning_threshold,omitempty" yaml:"token_warning_threshold" validate:"gte=0,lte=1"`
}

// DefaultLimits returns limits that only warn.
func DefaultLimits() Limits {
	return Limits{TokenWarningThreshold: 0.80}
}

// Violation represents a limit that has been exceeded or is near being exceeded.
type Violation struct {
	Metric  string  `json:"metric"`
	Current float64 `json:"current"`
	Limit   float64 `json:"limit"`
	Percent float64 `json:"percent"`
	Hard    bool    `json:"hard"`    // blocks further calls
	Warning bool    `json:"warning"` // threshold crossed
	Message string  `json:"message"`
}

func (v Violation) Error() string {
	return v.Message
}

// Check evaluates the current state against limits and returns any violations.
func (l Limits) Check(state State) []Violation {
	var violations []Violation
	violations = appendTokenViolation(violations, "input_tokens", state.InputTokens, l.MaxInputTokens, l.TokenWarningThreshold)
	violations = appendTokenViolation(violations, "output_tokens", state.OutputTokens, l.MaxOutputTokens, l.TokenWarningThreshold)

	if l.MaxSubCalls > 0 && state.SubCallCount > l.MaxSubCalls {
		violations = append(violations, Violation{
			Metric:  "sub_calls",
			Current: float64(state.SubCallCount),
			Limit:   float64(l.MaxSubCalls),
			Percent: float64(state.SubCallCount) / float64(l.MaxSubCalls) * 100,
			Hard:    true,
			Message: fmt.Sprintf("Max sub-calls exceeded: %d/%d", state.SubCallCount, l.MaxSubCalls),
		})
	}

	if l.MaxSessionTime > 0 {
		duration := state.SessionDuration()
		percent := float64(duration) / float64(l.MaxSessionTime)
		if percent >= 1.0 {
			violations = append(violations, Violation{
				Metric:  "session_time",
				Current: float64(duration),
				Limit:   float64(l.MaxSessionTime),
				Percent: percent * 100,
				Hard:    true,
				Message: fmt.Sprintf("Session time limit exceeded: %v/%v", duration.Round(time.Second), l.MaxSessionTime),
			})
		}
	}

	return violations
}

func appendTokenViolation(vs []Violation, metric string, current, limit int64, warnAt float64) []Violation {
	if limit <= 0 {
		return vs
	}
	percent := float64(current) / float64(limit)
	switch {
	case percent >= 1.0:
		return append(vs, Violation{
			Metric:  metric,
			Current: float64(current),
			Limit:   float64(limit),
			Percent: percent * 100,
			Hard:    true,
			Message: fmt.Sprintf("%s limit exceeded: %d/%d", metric, current, limit),
		})
	case warnAt > 0 && percent >= warnAt:
		return append(vs, Violation{
			Metric:  metric,
			Current: float64(current),
			Limit:   float64(limit),
			Percent: percent * 100,
			Warning: true,
			Message: fmt.Sprintf("%s at %.0f%% of limit", metric, percent*100),
		})
	}
	return vs
}

// HasHardViolation returns true if any violations are hard limits.
func HasHardViolation(violations []Violation) bool {
	for _, v := range violations {
		if v.Hard {
			return true
		}
	}
	return false
}
