// Package engine ties the rule language to storage, lifecycle events and
// telemetry. The HTTP server and the CLI both drive rules through Service.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/petal-labs/petalrules/bus"
	"github.com/petal-labs/petalrules/expr"
	"github.com/petal-labs/petalrules/store"
)

// Config configures a Service.
type Config struct {
	// Store persists rules. Required.
	Store store.RuleStore

	// Publisher receives lifecycle events. Nil disables events.
	Publisher *bus.Publisher

	// Observer receives parse, evaluate and combine observations.
	Observer Observer

	// MaxDepth caps parenthesis nesting when parsing. Zero uses
	// expr.DefaultMaxDepth.
	MaxDepth int

	// EvaluateCoalesce, when positive, coalesces rule.evaluated events per
	// rule over this interval. Call Close to flush them.
	EvaluateCoalesce time.Duration

	Logger *slog.Logger
}

// Service manages stored rules and evaluates them.
type Service struct {
	store     store.RuleStore
	publisher *bus.Publisher
	throttle  *bus.ThrottledEmitter
	observer  Observer
	parser    expr.Parser
	logger    *slog.Logger
}

// Evaluation is the outcome of evaluating a stored rule.
type Evaluation struct {
	RuleID   string
	RuleName string
	Result   bool
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, ErrNilStore
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Service{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		observer:  cfg.Observer,
		parser:    expr.Parser{MaxDepth: cfg.MaxDepth},
		logger:    cfg.Logger,
	}
	if cfg.Publisher != nil && cfg.EvaluateCoalesce > 0 {
		s.throttle = bus.NewThrottledEmitter(func(e bus.Event) {
			cfg.Publisher.Publish(e)
		}, bus.ThrottleConfig{CoalesceInterval: cfg.EvaluateCoalesce})
	}
	return s, nil
}

// Close flushes coalesced evaluation events. The store is not closed.
func (s *Service) Close() error {
	if s.throttle != nil {
		s.throttle.Close()
	}
	return nil
}

// ParseOp parses a combine operator. An empty string means AND.
func ParseOp(s string) (expr.LogicalOp, error) {
	if strings.TrimSpace(s) == "" {
		return expr.OpAnd, nil
	}
	op, err := expr.ParseLogicalOp(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return op, nil
}

// Validate parses rule text without storing it.
func (s *Service) Validate(text string) (expr.Node, error) {
	return s.parse("validate", text)
}

// CreateRule parses text and stores it under an optional name. It returns
// the stored rule and its parsed tree. Nothing is stored when the text does
// not parse.
func (s *Service) CreateRule(ctx context.Context, name, text string) (store.Rule, expr.Node, error) {
	node, err := s.parse("create", text)
	if err != nil {
		return store.Rule{}, nil, err
	}
	rule, err := s.save(ctx, name, text, node, nil)
	if err != nil {
		return store.Rule{}, nil, err
	}
	return rule, node, nil
}

func (s *Service) save(ctx context.Context, name, text string, node expr.Node, combinedFrom []string) (store.Rule, error) {
	if expr.Depth(node) > expr.MaxTreeDepth {
		return store.Rule{}, fmt.Errorf("save rule: %w", expr.ErrTooDeep)
	}
	ast, err := expr.Marshal(node)
	if err != nil {
		return store.Rule{}, fmt.Errorf("marshal rule: %w", err)
	}
	rule, err := s.store.Put(ctx, name, text, ast)
	if err != nil {
		return store.Rule{}, err
	}

	event := bus.NewEvent(bus.EventRuleCreated, rule.ID).WithPayload("rule", rule.Text)
	if len(combinedFrom) > 0 {
		event = event.WithPayload("combined_from", combinedFrom)
	}
	event.RuleName = rule.Name
	s.publisher.Publish(event)

	s.logger.Info("rule created", "rule_id", rule.ID, "name", rule.Name)
	return rule, nil
}

// GetRule fetches a rule by ID or name.
func (s *Service) GetRule(ctx context.Context, idOrName string) (store.Rule, error) {
	return s.store.Get(ctx, idOrName)
}

// ListRules lists stored rules in creation order.
func (s *Service) ListRules(ctx context.Context) ([]store.RuleSummary, error) {
	return s.store.List(ctx)
}

// DeleteRule removes a rule by ID or name and returns what was removed.
func (s *Service) DeleteRule(ctx context.Context, idOrName string) (store.Rule, error) {
	rule, err := s.store.Get(ctx, idOrName)
	if err != nil {
		return store.Rule{}, err
	}
	if err := s.store.Delete(ctx, rule.ID); err != nil {
		return store.Rule{}, err
	}

	event := bus.NewEvent(bus.EventRuleDeleted, rule.ID)
	event.RuleName = rule.Name
	s.publisher.Publish(event)

	s.logger.Info("rule deleted", "rule_id", rule.ID, "name", rule.Name)
	return rule, nil
}

// LoadAST fetches a rule by ID or name and decodes its stored AST.
func (s *Service) LoadAST(ctx context.Context, idOrName string) (store.Rule, expr.Node, error) {
	rule, err := s.store.Get(ctx, idOrName)
	if err != nil {
		return store.Rule{}, nil, err
	}
	node, err := expr.Unmarshal(rule.AST)
	if err != nil {
		return store.Rule{}, nil, fmt.Errorf("rule %s: %w", rule.ID, err)
	}
	return rule, node, nil
}

// CombineRules loads the named rules and folds them with op, left to right.
func (s *Service) CombineRules(ctx context.Context, idsOrNames []string, op expr.LogicalOp) (expr.Node, error) {
	node, err := s.combine(ctx, idsOrNames, op)
	s.observeCombine(op, len(idsOrNames), false, err)
	if err != nil {
		return nil, err
	}

	event := bus.NewEvent(bus.EventRuleCombined, "").
		WithPayload("rule_ids", idsOrNames).
		WithPayload("op", string(op)).
		WithPayload("rule", node.String())
	s.publisher.Publish(event)
	return node, nil
}

// CombineAndSave combines rules like CombineRules and stores the result as a
// new rule whose text is the canonical rendering of the combined tree.
func (s *Service) CombineAndSave(ctx context.Context, name string, idsOrNames []string, op expr.LogicalOp) (store.Rule, expr.Node, error) {
	node, err := s.combine(ctx, idsOrNames, op)
	if err != nil {
		s.observeCombine(op, len(idsOrNames), true, err)
		return store.Rule{}, nil, err
	}
	rule, err := s.save(ctx, name, node.String(), node, idsOrNames)
	s.observeCombine(op, len(idsOrNames), true, err)
	if err != nil {
		return store.Rule{}, nil, err
	}
	return rule, node, nil
}

func (s *Service) combine(ctx context.Context, idsOrNames []string, op expr.LogicalOp) (expr.Node, error) {
	if len(idsOrNames) == 0 {
		return nil, expr.ErrEmptyInput
	}
	if !op.Valid() {
		return nil, fmt.Errorf("%w: unknown logical operator %q", ErrInvalidInput, op)
	}
	nodes := make([]expr.Node, 0, len(idsOrNames))
	for _, ref := range idsOrNames {
		_, node, err := s.LoadAST(ctx, ref)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return expr.Combine(nodes, op)
}

// Evaluate runs a rule tree against a record.
func (s *Service) Evaluate(ctx context.Context, node expr.Node, record expr.Record) (bool, error) {
	return s.evaluate(ctx, "", "", node, record)
}

// EvaluateText parses inline rule text and evaluates it.
func (s *Service) EvaluateText(ctx context.Context, text string, record expr.Record) (bool, error) {
	node, err := s.parse("evaluate", text)
	if err != nil {
		return false, err
	}
	return s.evaluate(ctx, "", "", node, record)
}

// EvaluateRule evaluates a stored rule, found by ID or name, against a record.
func (s *Service) EvaluateRule(ctx context.Context, idOrName string, record expr.Record) (Evaluation, error) {
	rule, node, err := s.LoadAST(ctx, idOrName)
	if err != nil {
		return Evaluation{}, err
	}
	result, err := s.evaluate(ctx, rule.ID, rule.Name, node, record)
	if err != nil {
		return Evaluation{}, err
	}
	return Evaluation{RuleID: rule.ID, RuleName: rule.Name, Result: result}, nil
}

func (s *Service) evaluate(ctx context.Context, ruleID, ruleName string, node expr.Node, record expr.Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	start := time.Now()
	result, err := expr.Eval(node, record)
	elapsed := time.Since(start)

	code := ErrorCode(err)
	s.observer.ObserveEvaluate(EvaluateObservation{
		RuleID:    ruleID,
		RuleName:  ruleName,
		Start:     start,
		Duration:  elapsed,
		Result:    result,
		Success:   err == nil,
		ErrorCode: code,
	})

	event := bus.NewEvent(bus.EventRuleEvaluated, ruleID).WithPayload("result", result)
	event.RuleName = ruleName
	if err != nil {
		event = event.WithPayload("error_code", code)
	}
	if s.throttle != nil {
		s.throttle.Emit(event)
	} else {
		s.publisher.Publish(event)
	}

	if err != nil {
		s.logger.Debug("rule evaluation failed", "rule_id", ruleID, "code", code, "error", err)
		return false, err
	}
	return result, nil
}

func (s *Service) parse(source, text string) (expr.Node, error) {
	start := time.Now()
	node, err := s.parser.Parse(text)
	s.observer.ObserveParse(ParseObservation{
		Source:    source,
		Duration:  time.Since(start),
		Success:   err == nil,
		ErrorCode: ErrorCode(err),
	})
	return node, err
}

func (s *Service) observeCombine(op expr.LogicalOp, count int, saved bool, err error) {
	s.observer.ObserveCombine(CombineObservation{
		Op:        op,
		Count:     count,
		Saved:     saved,
		Success:   err == nil,
		ErrorCode: ErrorCode(err),
	})
}
