package detector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vjranagit/anomalyd/pkg/types"
)

var (
	// ErrRuleNotFound is returned for an unknown rule name
	ErrRuleNotFound = errors.New("rule not found")
	// ErrDuplicateRule is returned when adding a name that is already registered
	ErrDuplicateRule = errors.New("rule already exists")
	// ErrInvalidRule is returned for a rule without a name or query
	ErrInvalidRule = errors.New("invalid rule")
)

// Querier runs an instant query and returns the raw response body.
// *promclient.Client and *promclient.CachedQuerier implement it.
type Querier interface {
	Query(ctx context.Context, expr string) ([]byte, error)
}

// Recorder receives evaluation metrics. *metrics.Metrics implements it.
type Recorder interface {
	RuleEvaluated(rule, result string, d time.Duration)
	RuleCount(n int)
}

type nopRecorder struct{}

func (nopRecorder) RuleEvaluated(string, string, time.Duration) {}
func (nopRecorder) RuleCount(int)                               {}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger for rule changes and evaluation failures
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records evaluation latency and the rule count
func WithMetrics(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.metrics = r
		}
	}
}

// WithConcurrency bounds how many rules EvaluateAll queries at once
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// Engine is a registry of threshold rules evaluated against a Querier.
//
// The registry lock only covers reads and writes of the rule list. Queries run
// on a copy of the rule so a slow backend never blocks registry changes.
type Engine struct {
	querier     Querier
	logger      *zap.Logger
	metrics     Recorder
	concurrency int

	mu    sync.RWMutex
	rules []types.Rule
}

// NewEngine creates an empty engine
func NewEngine(q Querier, opts ...Option) *Engine {
	e := &Engine{
		querier:     q,
		logger:      zap.NewNop(),
		metrics:     nopRecorder{},
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ValidateRule reports whether the rule has a name and a recognized comparator
func ValidateRule(rule types.Rule) bool {
	return rule.Name != "" && rule.Comparator.Valid()
}

func checkRule(rule types.Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if rule.QueryTemplate == "" {
		return fmt.Errorf("%w: rule %q has no query", ErrInvalidRule, rule.Name)
	}
	return nil
}

// AddRule registers a rule. A rule with an unrecognized comparator is
// accepted and reports the problem in every verdict it produces.
func (e *Engine) AddRule(rule types.Rule) error {
	if err := checkRule(rule); err != nil {
		return err
	}

	e.mu.Lock()
	if e.indexLocked(rule.Name) >= 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.Name)
	}
	e.rules = append(e.rules, rule.Clone())
	n := len(e.rules)
	e.mu.Unlock()

	e.metrics.RuleCount(n)
	e.logger.Info("rule added",
		zap.String("rule", rule.Name),
		zap.String("comparator", string(rule.Comparator)),
		zap.Float64("threshold", rule.Threshold))
	return nil
}

// RemoveRule deletes a rule and reports whether it existed
func (e *Engine) RemoveRule(name string) bool {
	e.mu.Lock()
	i := e.indexLocked(name)
	if i < 0 {
		e.mu.Unlock()
		return false
	}
	e.rules = append(e.rules[:i], e.rules[i+1:]...)
	n := len(e.rules)
	e.mu.Unlock()

	e.metrics.RuleCount(n)
	e.logger.Info("rule removed", zap.String("rule", name))
	return true
}

// UpdateRule replaces the rule with the same name, keeping its position
func (e *Engine) UpdateRule(rule types.Rule) error {
	if err := checkRule(rule); err != nil {
		return err
	}

	e.mu.Lock()
	i := e.indexLocked(rule.Name)
	if i < 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.Name)
	}
	e.rules[i] = rule.Clone()
	e.mu.Unlock()

	e.logger.Info("rule updated", zap.String("rule", rule.Name))
	return nil
}

// GetRule returns a copy of the named rule
func (e *Engine) GetRule(name string) (types.Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	i := e.indexLocked(name)
	if i < 0 {
		return types.Rule{}, false
	}
	return e.rules[i].Clone(), true
}

// ListRules returns copies of all rules in registration order
func (e *Engine) ListRules() []types.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]types.Rule, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Clone()
	}
	return out
}

// Len returns the number of registered rules
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// must hold lock
func (e *Engine) indexLocked(name string) int {
	for i := range e.rules {
		if e.rules[i].Name == name {
			return i
		}
	}
	return -1
}

// Evaluate runs one rule with the given context variables, which override the
// rule's own defaults. The only error is ErrRuleNotFound; query and parse
// failures are reported in the verdict details.
func (e *Engine) Evaluate(ctx context.Context, name string, vars map[string]string) (types.Verdict, error) {
	rule, ok := e.GetRule(name)
	if !ok {
		return types.Verdict{}, fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	return e.evaluate(ctx, rule, vars), nil
}

// EvaluateAll evaluates every registered rule with the same variables and
// returns one verdict per rule in registration order.
func (e *Engine) EvaluateAll(ctx context.Context, vars map[string]string) []types.Verdict {
	rules := e.ListRules()
	verdicts := make([]types.Verdict, len(rules))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, rule := range rules {
		g.Go(func() error {
			verdicts[i] = e.evaluate(ctx, rule, vars)
			return nil
		})
	}
	_ = g.Wait()

	return verdicts
}

func (e *Engine) evaluate(ctx context.Context, rule types.Rule, vars map[string]string) types.Verdict {
	start := time.Now()
	v := types.Verdict{
		ID:          uuid.NewString(),
		RuleName:    rule.Name,
		Query:       Substitute(rule.QueryTemplate, mergeVariables(rule.Variables, vars)),
		EvaluatedAt: start,
	}

	e.judge(ctx, rule, &v)

	v.Duration = time.Since(start)
	result := "normal"
	switch {
	case v.Details != DetailsOK:
		result = "error"
		e.logger.Debug("rule evaluation failed",
			zap.String("rule", rule.Name),
			zap.String("query", v.Query),
			zap.String("details", v.Details))
	case v.IsAnomaly:
		result = "anomaly"
	}
	e.metrics.RuleEvaluated(rule.Name, result, v.Duration)
	return v
}

func (e *Engine) judge(ctx context.Context, rule types.Rule, v *types.Verdict) {
	body, err := e.querier.Query(ctx, v.Query)
	if err != nil {
		v.Details = detailsQueryErrorPrefix + err.Error()
		return
	}

	value, details, ok := extractValue(body)
	if !ok {
		v.Details = details
		return
	}
	v.Value = value

	anomalous, ok := rule.Comparator.Compare(value, rule.Threshold)
	if !ok {
		v.Details = DetailsInvalidComparator
		return
	}
	v.IsAnomaly = anomalous
	v.Score = math.Abs(value - rule.Threshold)
	v.Details = DetailsOK
}
