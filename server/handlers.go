package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/petal-labs/petalrules/engine"
	"github.com/petal-labs/petalrules/expr"
	"github.com/petal-labs/petalrules/store"
)

type createRuleRequest struct {
	Name string `json:"name,omitempty"`
	Rule string `json:"rule"`
}

type validateRuleRequest struct {
	Rule string `json:"rule"`
}

type combineRulesRequest struct {
	RuleIDs []string `json:"rule_ids"`
	Op      string   `json:"op,omitempty"`
	Save    bool     `json:"save,omitempty"`
	Name    string   `json:"name,omitempty"`
}

// ruleResponse is a stored rule with its decoded AST.
type ruleResponse struct {
	ID        string               `json:"id"`
	Name      string               `json:"name,omitempty"`
	Rule      string               `json:"rule"`
	AST       *expr.SerializedNode `json:"ast"`
	CreatedAt time.Time            `json:"created_at"`
}

type validateResponse struct {
	Valid      bool                 `json:"valid"`
	AST        *expr.SerializedNode `json:"ast"`
	Canonical  string               `json:"canonical"`
	Attributes []string             `json:"attributes"`
}

type combineResponse struct {
	ID   string               `json:"id,omitempty"`
	Name string               `json:"name,omitempty"`
	Op   expr.LogicalOp       `json:"op"`
	Rule string               `json:"rule"`
	AST  *expr.SerializedNode `json:"ast"`
}

func toRuleResponse(rule store.Rule, node expr.Node) ruleResponse {
	return ruleResponse{
		ID:        rule.ID,
		Name:      rule.Name,
		Rule:      rule.Text,
		AST:       expr.Serialize(node),
		CreatedAt: rule.CreatedAt,
	}
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if isMaxBytesError(err) {
			return err
		}
		return fmt.Errorf("%w: invalid request body: %v", engine.ErrInvalidInput, err)
	}
	return nil
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListRules returns all rules in creation order.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.service.ListRules(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// handleGetRule returns a rule by ID or name, including its AST.
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, node, err := s.service.LoadAST(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleResponse(rule, node))
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}

	rule, node, err := s.service.CreateRule(r.Context(), req.Name, req.Rule)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleResponse(rule, node))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.service.DeleteRule(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": rule.ID, "deleted": true})
}

func (s *Server) handleValidateRule(w http.ResponseWriter, r *http.Request) {
	var req validateRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}

	node, err := s.service.Validate(req.Rule)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{
		Valid:      true,
		AST:        expr.Serialize(node),
		Canonical:  node.String(),
		Attributes: expr.Attributes(node),
	})
}

func (s *Server) handleCombineRules(w http.ResponseWriter, r *http.Request) {
	var req combineRulesRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceError(w, err)
		return
	}
	op, err := engine.ParseOp(req.Op)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	if !req.Save {
		node, err := s.service.CombineRules(r.Context(), req.RuleIDs, op)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, combineResponse{Op: op, Rule: node.String(), AST: expr.Serialize(node)})
		return
	}

	rule, node, err := s.service.CombineAndSave(r.Context(), req.Name, req.RuleIDs, op)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, combineResponse{
		ID:   rule.ID,
		Name: rule.Name,
		Op:   op,
		Rule: rule.Text,
		AST:  expr.Serialize(node),
	})
}

// resolveRuleID maps a rule ID or name to the rule ID for event streams.
func (s *Server) resolveRuleID(ctx context.Context, idOrName string) (string, error) {
	rule, err := s.service.GetRule(ctx, strings.TrimSpace(idOrName))
	if err != nil {
		return "", err
	}
	return rule.ID, nil
}
