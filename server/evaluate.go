package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/valyala/fastjson"

	"github.com/petal-labs/petalrules/engine"
	"github.com/petal-labs/petalrules/expr"
)

// evaluateRequest names exactly one rule source: a stored rule by ID or
// name, inline rule text, or an inline serialized AST.
type evaluateRequest struct {
	RuleID   string
	RuleName string
	Rule     string
	AST      expr.Node
	Data     expr.Record
}

type evaluateResponse struct {
	Result   bool   `json:"result"`
	RuleID   string `json:"rule_id,omitempty"`
	RuleName string `json:"rule_name,omitempty"`
}

var evaluateParsers fastjson.ParserPool

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	p := evaluateParsers.Get()
	defer evaluateParsers.Put(p)

	req, err := parseEvaluateRequest(p, body)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	ctx := r.Context()
	var resp evaluateResponse
	switch {
	case req.RuleID != "" || req.RuleName != "":
		ref := req.RuleID
		if ref == "" {
			ref = req.RuleName
		}
		var eval engine.Evaluation
		eval, err = s.service.EvaluateRule(ctx, ref, req.Data)
		resp = evaluateResponse{Result: eval.Result, RuleID: eval.RuleID, RuleName: eval.RuleName}
	case req.AST != nil:
		resp.Result, err = s.service.Evaluate(ctx, req.AST, req.Data)
	default:
		resp.Result, err = s.service.EvaluateText(ctx, req.Rule, req.Data)
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", engine.ErrInvalidInput, fmt.Sprintf(format, args...))
}

func parseEvaluateRequest(p *fastjson.Parser, body []byte) (evaluateRequest, error) {
	var req evaluateRequest

	v, err := p.ParseBytes(body)
	if err != nil {
		return req, badRequest("invalid request body: %v", err)
	}
	obj, err := v.Object()
	if err != nil {
		return req, badRequest("request body must be a JSON object")
	}

	sources := 0
	var visitErr error
	obj.Visit(func(key []byte, val *fastjson.Value) {
		if visitErr != nil {
			return
		}
		switch string(key) {
		case "rule_id":
			req.RuleID, visitErr = stringValue("rule_id", val)
			sources++
		case "rule_name":
			req.RuleName, visitErr = stringValue("rule_name", val)
			sources++
		case "rule":
			req.Rule, visitErr = stringValue("rule", val)
			sources++
		case "ast":
			req.AST, visitErr = expr.FromJSONValue(val)
			sources++
		case "data":
			req.Data, visitErr = recordValue(val)
		default:
			visitErr = badRequest("unknown field %q", key)
		}
	})
	if visitErr != nil {
		return req, visitErr
	}

	if sources != 1 {
		return req, badRequest("exactly one of rule_id, rule_name, rule or ast is required")
	}
	if req.Data == nil {
		return req, badRequest("data is required")
	}
	return req, nil
}

func stringValue(field string, v *fastjson.Value) (string, error) {
	b, err := v.StringBytes()
	if err != nil {
		return "", badRequest("%s must be a string", field)
	}
	return string(b), nil
}

// recordValue converts a JSON object into a record. Numbers keep their exact
// text as json.Number; null becomes nil and so counts as missing.
func recordValue(v *fastjson.Value) (expr.Record, error) {
	obj, err := v.Object()
	if err != nil {
		return nil, badRequest("data must be a JSON object")
	}
	rec := make(expr.Record, obj.Len())
	obj.Visit(func(key []byte, val *fastjson.Value) {
		rec[string(key)] = toAny(val)
	})
	return rec, nil
}

func toAny(v *fastjson.Value) any {
	switch v.Type() {
	case fastjson.TypeString:
		b, _ := v.StringBytes()
		return string(b)
	case fastjson.TypeNumber:
		return json.Number(v.String())
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	case fastjson.TypeArray:
		items, _ := v.Array()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = toAny(item)
		}
		return out
	case fastjson.TypeObject:
		obj, _ := v.Object()
		out := make(map[string]any, obj.Len())
		obj.Visit(func(key []byte, val *fastjson.Value) {
			out[string(key)] = toAny(val)
		})
		return out
	}
	return nil
}
