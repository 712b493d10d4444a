package detector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/anomalyd/pkg/promclient"
	"github.com/vjranagit/anomalyd/pkg/types"
)

const fiveBody = `{"status":"success","data":{"result":[{"value":[0,"5.0"]}]}}`

// stubQuerier answers every query with the same body or error
type stubQuerier struct {
	mu      sync.Mutex
	body    string
	err     error
	queries []string
}

func (s *stubQuerier) Query(_ context.Context, expr string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, expr)
	if s.err != nil {
		return nil, s.err
	}
	return []byte(s.body), nil
}

func rule(name string, cmp types.Comparator, threshold float64) types.Rule {
	return types.Rule{Name: name, QueryTemplate: "up", Threshold: threshold, Comparator: cmp}
}

func TestRegistry(t *testing.T) {
	e := NewEngine(&stubQuerier{body: fiveBody})

	require.NoError(t, e.AddRule(rule("test", types.GreaterThan, 1)))
	got, ok := e.GetRule("test")
	require.True(t, ok)
	assert.Equal(t, "test", got.Name)

	err := e.AddRule(rule("test", types.LessThan, 1))
	assert.ErrorIs(t, err, ErrDuplicateRule)

	assert.True(t, e.RemoveRule("test"))
	assert.False(t, e.RemoveRule("test"))

	require.NoError(t, e.AddRule(rule("test", types.GreaterThan, 1)))
	updated := rule("test", types.GreaterThan, 2)
	require.NoError(t, e.UpdateRule(updated))
	got, _ = e.GetRule("test")
	assert.Equal(t, 2.0, got.Threshold)

	err = e.UpdateRule(rule("absent", types.GreaterThan, 1))
	assert.ErrorIs(t, err, ErrRuleNotFound)

	assert.ErrorIs(t, e.AddRule(types.Rule{QueryTemplate: "up", Comparator: ">"}), ErrInvalidRule)
	assert.ErrorIs(t, e.AddRule(types.Rule{Name: "x", Comparator: ">"}), ErrInvalidRule)
}

func TestListRulesKeepsOrderAndIsolation(t *testing.T) {
	e := NewEngine(&stubQuerier{})
	for _, name := range []string{"c", "a", "b"} {
		r := rule(name, types.GreaterThan, 1)
		r.Variables = map[string]string{"job": "api"}
		require.NoError(t, e.AddRule(r))
	}
	require.NoError(t, e.UpdateRule(rule("a", types.LessThan, 9)))

	rules := e.ListRules()
	require.Len(t, rules, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{rules[0].Name, rules[1].Name, rules[2].Name})

	rules[0].Variables["job"] = "mutated"
	again, _ := e.GetRule("c")
	assert.Equal(t, "api", again.Variables["job"])
	assert.Equal(t, 3, e.Len())
}

func TestValidateRule(t *testing.T) {
	assert.True(t, ValidateRule(types.Rule{Name: "a", QueryTemplate: "up", Comparator: ">"}))
	assert.False(t, ValidateRule(types.Rule{Name: "b", QueryTemplate: "up", Comparator: "BAD"}))
	assert.False(t, ValidateRule(types.Rule{Name: "", QueryTemplate: "up", Comparator: ">"}))
}

func TestEvaluateComparators(t *testing.T) {
	positive := []types.Rule{
		rule("gt", types.GreaterThan, 4),
		rule("ge", types.GreaterOrEqual, 5),
		rule("lt", types.LessThan, 6),
		rule("le", types.LessOrEqual, 5),
		rule("eq", types.Equal, 5),
		rule("ne", types.NotEqual, 4),
	}
	negative := []types.Rule{
		rule("gt", types.GreaterThan, 6),
		rule("ge", types.GreaterOrEqual, 6),
		rule("lt", types.LessThan, 4),
		rule("le", types.LessOrEqual, 4),
		rule("eq", types.Equal, 4),
		rule("ne", types.NotEqual, 5),
	}

	run := func(t *testing.T, rules []types.Rule, want bool) {
		e := NewEngine(&stubQuerier{body: fiveBody})
		for _, r := range rules {
			require.NoError(t, e.AddRule(r))
		}
		for _, r := range rules {
			v, err := e.Evaluate(context.Background(), r.Name, nil)
			require.NoError(t, err)
			assert.Equal(t, want, v.IsAnomaly, r.Name)
			assert.Equal(t, DetailsOK, v.Details, r.Name)
			assert.Equal(t, 5.0, v.Value, r.Name)
			assert.InDelta(t, abs(5.0-r.Threshold), v.Score, 1e-12, r.Name)
		}
	}

	t.Run("anomalous", func(t *testing.T) { run(t, positive, true) })
	t.Run("normal", func(t *testing.T) { run(t, negative, false) })
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func TestEvaluateInvalidComparator(t *testing.T) {
	e := NewEngine(&stubQuerier{body: fiveBody})
	require.NoError(t, e.AddRule(rule("bad", "BAD", 1)))

	v, err := e.Evaluate(context.Background(), "bad", nil)
	require.NoError(t, err)
	assert.Equal(t, DetailsInvalidComparator, v.Details)
	assert.False(t, v.IsAnomaly)
	assert.Zero(t, v.Score)
	assert.Equal(t, 5.0, v.Value)
}

func TestEvaluateUnknownRule(t *testing.T) {
	e := NewEngine(&stubQuerier{body: fiveBody})
	_, err := e.Evaluate(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestEvaluateResponseErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		err     error
		details string
		prefix  bool
	}{
		{"query error", "", errors.New("connection refused"), "Query error: connection refused", false},
		{"not json", "<html>", nil, "Parse error: ", true},
		{"status error", `{"status":"error","errorType":"bad_data","error":"parse error"}`, nil, DetailsPrometheusError, false},
		{"empty result", `{"status":"success","data":{"resultType":"vector","result":[]}}`, nil, DetailsNoData, false},
		{"missing result", `{"status":"success","data":{}}`, nil, DetailsNoData, false},
		{"result not array", `{"status":"success","data":{"result":{}}}`, nil, DetailsNoData, false},
		{"value not array", `{"status":"success","data":{"result":[{"value":"5"}]}}`, nil, DetailsNoData, false},
		{"short pair", `{"status":"success","data":{"result":[{"value":[0]}]}}`, nil, DetailsNoData, false},
		{"missing value", `{"status":"success","data":{"result":[{"metric":{}}]}}`, nil, DetailsNoData, false},
		{"numeric value", `{"status":"success","data":{"result":[{"value":[0,5.0]}]}}`, nil, "Parse error: ", true},
		{"non numeric value", `{"status":"success","data":{"result":[{"value":[0,"five"]}]}}`, nil, "Parse error: ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(&stubQuerier{body: tt.body, err: tt.err})
			require.NoError(t, e.AddRule(rule("r", types.GreaterThan, 1)))

			v, err := e.Evaluate(context.Background(), "r", nil)
			require.NoError(t, err)
			if tt.prefix {
				assert.Contains(t, v.Details, tt.details)
				assert.Greater(t, len(v.Details), len(tt.details))
			} else {
				assert.Equal(t, tt.details, v.Details)
			}
			assert.False(t, v.IsAnomaly)
			assert.Zero(t, v.Score)
		})
	}
}

func TestEvaluateScalarResult(t *testing.T) {
	e := NewEngine(&stubQuerier{body: `{"status":"success","data":{"resultType":"scalar","result":[1700000000,"12.5"]}}`})
	require.NoError(t, e.AddRule(rule("r", types.GreaterThan, 10)))

	v, err := e.Evaluate(context.Background(), "r", nil)
	require.NoError(t, err)
	assert.True(t, v.IsAnomaly)
	assert.Equal(t, 12.5, v.Value)
}

func TestEvaluateVariablePrecedence(t *testing.T) {
	q := &stubQuerier{body: fiveBody}
	e := NewEngine(q)
	require.NoError(t, e.AddRule(types.Rule{
		Name:          "per_ip",
		QueryTemplate: `sum(rate(requests{ip="{{ip}}",job="{{job}}",path="{{path}}"}[1m]))`,
		Threshold:     1,
		Comparator:    types.GreaterThan,
		Variables:     map[string]string{"ip": "0.0.0.0", "job": "api"},
	}))

	v, err := e.Evaluate(context.Background(), "per_ip", map[string]string{"ip": "10.1.2.3"})
	require.NoError(t, err)
	want := `sum(rate(requests{ip="10.1.2.3",job="api",path="{{path}}"}[1m]))`
	assert.Equal(t, want, v.Query)
	assert.Equal(t, []string{want}, q.queries)
	assert.NotEmpty(t, v.ID)
	assert.Equal(t, "per_ip", v.RuleName)
}

func TestEvaluateAllIncludesFailures(t *testing.T) {
	e := NewEngine(&stubQuerier{body: fiveBody}, WithConcurrency(4))
	require.NoError(t, e.AddRule(rule("gt", types.GreaterThan, 4)))
	require.NoError(t, e.AddRule(rule("bad", "BAD", 4)))
	require.NoError(t, e.AddRule(rule("lt", types.LessThan, 4)))

	verdicts := e.EvaluateAll(context.Background(), nil)
	require.Len(t, verdicts, 3)
	assert.Equal(t, "gt", verdicts[0].RuleName)
	assert.True(t, verdicts[0].IsAnomaly)
	assert.Equal(t, "bad", verdicts[1].RuleName)
	assert.Equal(t, DetailsInvalidComparator, verdicts[1].Details)
	assert.Equal(t, "lt", verdicts[2].RuleName)
	assert.False(t, verdicts[2].IsAnomaly)
}

func TestEvaluateAllEmpty(t *testing.T) {
	e := NewEngine(&stubQuerier{body: fiveBody})
	assert.Empty(t, e.EvaluateAll(context.Background(), nil))
}

// blockingQuerier holds every query until release is closed
type blockingQuerier struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingQuerier) Query(ctx context.Context, _ string) ([]byte, error) {
	b.started <- struct{}{}
	<-b.release
	return []byte(fiveBody), nil
}

func TestRegistryNotBlockedByQuery(t *testing.T) {
	q := &blockingQuerier{started: make(chan struct{}, 1), release: make(chan struct{})}
	e := NewEngine(q)
	require.NoError(t, e.AddRule(rule("slow", types.GreaterThan, 1)))

	done := make(chan types.Verdict)
	go func() {
		v, _ := e.Evaluate(context.Background(), "slow", nil)
		done <- v
	}()
	<-q.started

	// registry stays writable while the query is in flight
	require.NoError(t, e.AddRule(rule("other", types.LessThan, 1)))
	assert.True(t, e.RemoveRule("slow"))

	close(q.release)
	select {
	case v := <-done:
		assert.Equal(t, "slow", v.RuleName)
		assert.True(t, v.IsAnomaly)
	case <-time.After(5 * time.Second):
		t.Fatal("evaluation did not finish")
	}
}

type evalRecorder struct {
	mu      sync.Mutex
	results map[string]int
	count   int
}

func (r *evalRecorder) RuleEvaluated(_ string, result string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = map[string]int{}
	}
	r.results[result]++
}

func (r *evalRecorder) RuleCount(n int) {
	r.mu.Lock()
	r.count = n
	r.mu.Unlock()
}

func TestEngineMetrics(t *testing.T) {
	rec := &evalRecorder{}
	e := NewEngine(&stubQuerier{body: fiveBody}, WithMetrics(rec))
	require.NoError(t, e.AddRule(rule("a", types.GreaterThan, 1)))
	require.NoError(t, e.AddRule(rule("b", types.GreaterThan, 10)))
	require.NoError(t, e.AddRule(rule("c", "BAD", 1)))
	e.RemoveRule("c")
	require.NoError(t, e.AddRule(rule("c", "BAD", 1)))

	e.EvaluateAll(context.Background(), nil)

	assert.Equal(t, 3, rec.count)
	assert.Equal(t, map[string]int{"anomaly": 1, "normal": 1, "error": 1}, rec.results)
}

func TestEvaluateThroughClient(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Query().Get("query") == "down" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, fiveBody)
	}))
	defer srv.Close()

	cfg := promclient.DefaultConfig()
	cfg.Endpoint = srv.URL
	cfg.MaxRetries = 0
	cfg.CircuitBreakerThreshold = 1
	client, err := promclient.New(cfg)
	require.NoError(t, err)

	e := NewEngine(client)
	require.NoError(t, e.AddRule(types.Rule{Name: "down", QueryTemplate: "down", Threshold: 1, Comparator: ">"}))
	require.NoError(t, e.AddRule(types.Rule{Name: "up", QueryTemplate: "up", Threshold: 1, Comparator: ">"}))

	verdicts := e.EvaluateAll(context.Background(), nil)
	require.Len(t, verdicts, 2)
	assert.Contains(t, verdicts[0].Details, "Query error: ")
	assert.Contains(t, verdicts[0].Details, "unexpected status 500")
	assert.Contains(t, verdicts[1].Details, "Query error: ")
	assert.Contains(t, verdicts[1].Details, "circuit breaker open")
	assert.Equal(t, int32(1), hits.Load())
}
