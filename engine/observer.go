package engine

import (
	"time"

	"github.com/petal-labs/petalrules/expr"
)

// ParseObservation captures one attempt to parse rule text.
type ParseObservation struct {
	// Source names the operation that parsed: "create", "validate" or "evaluate".
	Source    string
	Duration  time.Duration
	Success   bool
	ErrorCode string
}

// EvaluateObservation captures one rule evaluation. RuleID is empty for
// inline rules.
type EvaluateObservation struct {
	RuleID    string
	RuleName  string
	Start     time.Time
	Duration  time.Duration
	Result    bool
	Success   bool
	ErrorCode string
}

// CombineObservation captures one combine request.
type CombineObservation struct {
	Op        expr.LogicalOp
	Count     int
	Saved     bool
	Success   bool
	ErrorCode string
}

// Observer receives rule-level observability events.
type Observer interface {
	ObserveParse(observation ParseObservation)
	ObserveEvaluate(observation EvaluateObservation)
	ObserveCombine(observation CombineObservation)
}

type noopObserver struct{}

func (noopObserver) ObserveParse(ParseObservation)       {}
func (noopObserver) ObserveEvaluate(EvaluateObservation) {}
func (noopObserver) ObserveCombine(CombineObservation)   {}
