package types

import (
	"fmt"
	"time"
)

// TimestampedValue is a single value observed at a millisecond timestamp
type TimestampedValue[T any] struct {
	Timestamp int64 `json:"timestamp"`
	Value     T     `json:"value"`
}

// TimeContext selects the seasonal bucket family of a baseline
type TimeContext int

const (
	// Hourly buckets by local hour of day (0-23)
	Hourly TimeContext = iota
	// Daily buckets by local day of week (0-6, Sunday first)
	Daily
	// Weekly buckets by week of year (0-52)
	Weekly
)

// TimeContexts lists every context in bucket-update order
var TimeContexts = []TimeContext{Hourly, Daily, Weekly}

func (c TimeContext) String() string {
	switch c {
	case Hourly:
		return "hourly"
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	default:
		return fmt.Sprintf("TimeContext(%d)", int(c))
	}
}

// ParseTimeContext parses the textual form produced by String
func ParseTimeContext(s string) (TimeContext, error) {
	switch s {
	case "hourly", "hour":
		return Hourly, nil
	case "daily", "day":
		return Daily, nil
	case "weekly", "week":
		return Weekly, nil
	}
	return 0, fmt.Errorf("unknown time context %q", s)
}

// MarshalText encodes the context by name
func (c TimeContext) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText accepts any name ParseTimeContext does
func (c *TimeContext) UnmarshalText(text []byte) error {
	parsed, err := ParseTimeContext(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Baseline is the running statistic of one seasonal bucket
type Baseline struct {
	Mean       float64 `json:"mean"`
	StdDev     float64 `json:"stddev"`
	Confidence float64 `json:"confidence"`
	Count      uint64  `json:"count"`
}

// Comparator is the operator applied as `value <op> threshold`
type Comparator string

// Recognized comparator tokens
const (
	GreaterThan    Comparator = ">"
	GreaterOrEqual Comparator = ">="
	LessThan       Comparator = "<"
	LessOrEqual    Comparator = "<="
	Equal          Comparator = "=="
	NotEqual       Comparator = "!="
)

// Valid reports whether c is one of the six recognized tokens
func (c Comparator) Valid() bool {
	_, ok := c.Compare(0, 0)
	return ok
}

// Compare applies the comparator. ok is false for an unrecognized token.
func (c Comparator) Compare(value, threshold float64) (result bool, ok bool) {
	switch c {
	case GreaterThan:
		return value > threshold, true
	case GreaterOrEqual:
		return value >= threshold, true
	case LessThan:
		return value < threshold, true
	case LessOrEqual:
		return value <= threshold, true
	case Equal:
		return value == threshold, true
	case NotEqual:
		return value != threshold, true
	}
	return false, false
}

// Rule is a named PromQL query template with a threshold
type Rule struct {
	Name          string            `json:"name" yaml:"name" mapstructure:"name"`
	QueryTemplate string            `json:"query" yaml:"query" mapstructure:"query"`
	Threshold     float64           `json:"threshold" yaml:"threshold" mapstructure:"threshold"`
	Comparator    Comparator        `json:"comparator" yaml:"comparator" mapstructure:"comparator"`
	Variables     map[string]string `json:"variables,omitempty" yaml:"variables,omitempty" mapstructure:"variables"`
}

// Clone returns a deep copy of the rule
func (r Rule) Clone() Rule {
	out := r
	if r.Variables != nil {
		out.Variables = make(map[string]string, len(r.Variables))
		for k, v := range r.Variables {
			out.Variables[k] = v
		}
	}
	return out
}

// Verdict is the outcome of evaluating one rule
type Verdict struct {
	ID          string        `json:"id"`
	RuleName    string        `json:"rule"`
	Query       string        `json:"query,omitempty"`
	Value       float64       `json:"value"`
	IsAnomaly   bool          `json:"is_anomaly"`
	Score       float64       `json:"score"`
	Details     string        `json:"details"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration_ns"`
}

// BaselineBreach reports a value above its seasonal threshold
type BaselineBreach struct {
	ID         string      `json:"id"`
	Stream     string      `json:"stream"`
	Timestamp  time.Time   `json:"timestamp"`
	Value      float64     `json:"value"`
	Threshold  float64     `json:"threshold"`
	Confidence float64     `json:"confidence"`
	Context    TimeContext `json:"context"`
}
