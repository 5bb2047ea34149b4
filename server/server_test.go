package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/petalrules/bus"
	"github.com/petal-labs/petalrules/engine"
	"github.com/petal-labs/petalrules/expr"
	"github.com/petal-labs/petalrules/store"
)

type testServer struct {
	handler http.Handler
	service *engine.Service
	bus     *bus.MemBus
}

func newTestServer(t *testing.T, maxBody int64) *testServer {
	t.Helper()

	eb := bus.NewMemBus(bus.MemBusConfig{})
	t.Cleanup(func() { _ = eb.Close() })
	events := bus.NewMemEventStore()
	pub, err := bus.NewPublisher(context.Background(), eb, events, nil)
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	svc, err := engine.New(engine.Config{Store: store.NewMemoryStore(), Publisher: pub})
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}

	srv := NewServer(ServerConfig{
		Service:    svc,
		Bus:        eb,
		EventStore: events,
		MaxBody:    maxBody,
	})
	return &testServer{handler: srv.Handler(), service: svc, bus: eb}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) apiError {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, status, rec.Body.String())
	}
	body := decodeBody[apiError](t, rec)
	if body.Code != code {
		t.Fatalf("code = %q, want %q; body = %s", body.Code, code, rec.Body.String())
	}
	if body.Error == "" {
		t.Fatal("error message is empty")
	}
	return body
}

func (ts *testServer) createRule(t *testing.T, name, rule string) ruleResponse {
	t.Helper()
	payload, _ := json.Marshal(createRuleRequest{Name: name, Rule: rule})
	rec := ts.do(t, http.MethodPost, "/api/rules", string(payload))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create %q: status = %d, body = %s", rule, rec.Code, rec.Body.String())
	}
	return decodeBody[ruleResponse](t, rec)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := ts.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody[map[string]string](t, rec); got["status"] != "ok" {
		t.Errorf("body = %v", got)
	}
}

func TestCreateAndGetRule(t *testing.T) {
	ts := newTestServer(t, 0)
	created := ts.createRule(t, "adults", "age > 30 AND salary >= 50000")

	if created.ID == "" || created.Name != "adults" {
		t.Fatalf("created = %+v", created)
	}
	if created.AST == nil || created.AST.Variant != "operator" || created.AST.Op != "AND" {
		t.Fatalf("created AST = %+v", created.AST)
	}

	for _, ref := range []string{created.ID, "adults"} {
		rec := ts.do(t, http.MethodGet, "/api/rules/"+ref, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d", ref, rec.Code)
		}
		got := decodeBody[ruleResponse](t, rec)
		if got.ID != created.ID || got.Rule != "age > 30 AND salary >= 50000" {
			t.Errorf("GET %s = %+v", ref, got)
		}
	}

	// Comparators are not HTML-escaped.
	rec := ts.do(t, http.MethodGet, "/api/rules/adults", "")
	if !strings.Contains(rec.Body.String(), `"op":">"`) {
		t.Errorf("body = %s, want raw comparator", rec.Body.String())
	}
}

func TestCreateRule_Errors(t *testing.T) {
	ts := newTestServer(t, 0)
	ts.createRule(t, "adults", "age > 30")

	tests := []struct {
		name     string
		body     string
		status   int
		code     string
		position *int
	}{
		{"parse error", `{"rule": "age > 30 AND"}`, http.StatusBadRequest, engine.CodeParseError, intPtr(12)},
		{"lex error", `{"rule": "age > 'x"}`, http.StatusBadRequest, engine.CodeLexError, intPtr(6)},
		{"empty rule", `{"rule": ""}`, http.StatusBadRequest, engine.CodeParseError, nil},
		{"duplicate name", `{"name": "adults", "rule": "age > 1"}`, http.StatusConflict, engine.CodeConflict, nil},
		{"malformed body", `{"rule": `, http.StatusBadRequest, engine.CodeBadRequest, nil},
		{"unknown field", `{"expr": "a = 1"}`, http.StatusBadRequest, engine.CodeBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := expectError(t, ts.do(t, http.MethodPost, "/api/rules", tt.body), tt.status, tt.code)
			if tt.position != nil {
				if body.Position == nil || *body.Position != *tt.position {
					t.Errorf("position = %v, want %d", body.Position, *tt.position)
				}
			}
		})
	}

	rec := ts.do(t, http.MethodGet, "/api/rules", "")
	if rules := decodeBody[[]store.RuleSummary](t, rec); len(rules) != 1 {
		t.Errorf("rules after failed creates = %d, want 1", len(rules))
	}
}

func intPtr(v int) *int { return &v }

func TestCreateRule_LongChain(t *testing.T) {
	ts := newTestServer(t, 0)
	chain := func(n int) string {
		parts := make([]string, n)
		for i := range parts {
			parts[i] = "a = 1"
		}
		return strings.Join(parts, " OR ")
	}

	payload, _ := json.Marshal(createRuleRequest{Name: "too-long", Rule: chain(expr.MaxTreeDepth + 1)})
	rec := ts.do(t, http.MethodPost, "/api/rules", string(payload))
	expectError(t, rec, http.StatusBadRequest, engine.CodeParseError)
	if got := decodeBody[[]store.RuleSummary](t, ts.do(t, http.MethodGet, "/api/rules", "")); len(got) != 0 {
		t.Fatalf("rejected rule was stored: %+v", got)
	}

	created := ts.createRule(t, "long", chain(expr.MaxTreeDepth))
	if created.AST == nil || created.AST.Variant != expr.VariantOperator {
		t.Fatalf("created AST = %+v", created.AST)
	}
	if rec := ts.do(t, http.MethodGet, "/api/rules/long", ""); rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d, body = %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPost, "/api/rules/evaluate", `{"rule_name": "long", "data": {"a": 1}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("evaluate status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestListRules(t *testing.T) {
	ts := newTestServer(t, 0)

	rec := ts.do(t, http.MethodGet, "/api/rules", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("empty list body = %s, want []", rec.Body.String())
	}

	ts.createRule(t, "a", "x = 1")
	ts.createRule(t, "", "y != 'b'")

	rules := decodeBody[[]store.RuleSummary](t, ts.do(t, http.MethodGet, "/api/rules", ""))
	if len(rules) != 2 {
		t.Fatalf("len = %d, want 2", len(rules))
	}
	if rules[0].Name != "a" || rules[1].Text != "y != 'b'" {
		t.Errorf("rules = %+v", rules)
	}
}

func TestDeleteRule(t *testing.T) {
	ts := newTestServer(t, 0)
	created := ts.createRule(t, "a", "x = 1")

	rec := ts.do(t, http.MethodDelete, "/api/rules/a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeBody[map[string]any](t, rec); got["id"] != created.ID {
		t.Errorf("body = %v", got)
	}

	expectError(t, ts.do(t, http.MethodDelete, "/api/rules/a", ""), http.StatusNotFound, engine.CodeNotFound)
	expectError(t, ts.do(t, http.MethodGet, "/api/rules/"+created.ID, ""), http.StatusNotFound, engine.CodeNotFound)
}

func TestValidateRule(t *testing.T) {
	ts := newTestServer(t, 0)

	rec := ts.do(t, http.MethodPost, "/api/rules/validate", `{"rule": "(b = 1 OR a = 2) AND b > 3"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[validateResponse](t, rec)
	if !got.Valid || got.Canonical != "b == 1 OR a == 2 AND b > 3" {
		t.Errorf("validate = %+v", got)
	}
	if strings.Join(got.Attributes, ",") != "a,b" {
		t.Errorf("attributes = %v, want [a b]", got.Attributes)
	}

	expectError(t, ts.do(t, http.MethodPost, "/api/rules/validate", `{"rule": "a = "}`), http.StatusBadRequest, engine.CodeParseError)

	if rules := decodeBody[[]store.RuleSummary](t, ts.do(t, http.MethodGet, "/api/rules", "")); len(rules) != 0 {
		t.Errorf("validate stored a rule")
	}
}

func TestCombineRules(t *testing.T) {
	ts := newTestServer(t, 0)
	a := ts.createRule(t, "a", "age > 30")
	ts.createRule(t, "b", "dept = 'Sales'")

	rec := ts.do(t, http.MethodPost, "/api/rules/combine", `{"rule_ids": ["`+a.ID+`", "b"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[combineResponse](t, rec)
	if got.Op != "AND" || got.Rule != `age > 30 AND dept == "Sales"` || got.ID != "" {
		t.Errorf("combine = %+v", got)
	}

	rec = ts.do(t, http.MethodPost, "/api/rules/combine", `{"rule_ids": ["a", "b"], "op": "or", "save": true, "name": "a-or-b"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("save status = %d, body = %s", rec.Code, rec.Body.String())
	}
	saved := decodeBody[combineResponse](t, rec)
	if saved.ID == "" || saved.Name != "a-or-b" || saved.Op != "OR" {
		t.Errorf("saved = %+v", saved)
	}

	rec = ts.do(t, http.MethodPost, "/api/rules/evaluate", `{"rule_name": "a-or-b", "data": {"age": 20, "dept": "Sales"}}`)
	if got := decodeBody[evaluateResponse](t, rec); !got.Result || got.RuleID != saved.ID {
		t.Errorf("evaluate saved combination = %+v", got)
	}
}

func TestCombineRules_Errors(t *testing.T) {
	ts := newTestServer(t, 0)
	ts.createRule(t, "a", "age > 30")

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"empty", `{"rule_ids": []}`, http.StatusBadRequest, engine.CodeEmptyInput},
		{"missing rule", `{"rule_ids": ["a", "zzz"]}`, http.StatusNotFound, engine.CodeNotFound},
		{"bad op", `{"rule_ids": ["a"], "op": "XOR"}`, http.StatusBadRequest, engine.CodeBadRequest},
		{"name taken", `{"rule_ids": ["a"], "save": true, "name": "a"}`, http.StatusConflict, engine.CodeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, ts.do(t, http.MethodPost, "/api/rules/combine", tt.body), tt.status, tt.code)
		})
	}
}

func TestEvaluate(t *testing.T) {
	ts := newTestServer(t, 0)
	rule := ts.createRule(t, "senior", "age > 30 AND department = 'Sales'")

	tests := []struct {
		name string
		body string
		want bool
	}{
		{"by id", `{"rule_id": "` + rule.ID + `", "data": {"age": 35, "department": "Sales"}}`, true},
		{"by name", `{"rule_name": "senior", "data": {"age": 25, "department": "Sales"}}`, false},
		{"inline text", `{"rule": "score >= 7.5", "data": {"score": "8"}}`, true},
		{"inline ast", `{"ast": {"variant":"comparison","op":"==","attribute":"vip","literal":true,"left":null,"right":null}, "data": {"vip": true}}`, true},
		{"big integer", `{"rule": "id = 9007199254740993", "data": {"id": 9007199254740993}}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/rules/evaluate", tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
			}
			if got := decodeBody[evaluateResponse](t, rec); got.Result != tt.want {
				t.Errorf("result = %v, want %v", got.Result, tt.want)
			}
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	ts := newTestServer(t, 0)
	ts.createRule(t, "senior", "age > 30 AND department = 'Sales'")

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"missing attribute", `{"rule_name": "senior", "data": {"age": 40}}`, http.StatusUnprocessableEntity, engine.CodeMissingAttribute},
		{"null counts as missing", `{"rule_name": "senior", "data": {"age": 40, "department": null}}`, http.StatusUnprocessableEntity, engine.CodeMissingAttribute},
		{"type mismatch", `{"rule_name": "senior", "data": {"age": true, "department": "Sales"}}`, http.StatusUnprocessableEntity, engine.CodeTypeMismatch},
		{"unsupported", `{"rule_name": "senior", "data": {"age": [1], "department": "Sales"}}`, http.StatusUnprocessableEntity, engine.CodeUnsupportedValue},
		{"unknown rule", `{"rule_id": "nope", "data": {}}`, http.StatusNotFound, engine.CodeNotFound},
		{"no source", `{"data": {}}`, http.StatusBadRequest, engine.CodeBadRequest},
		{"two sources", `{"rule": "a = 1", "rule_name": "senior", "data": {}}`, http.StatusBadRequest, engine.CodeBadRequest},
		{"no data", `{"rule": "a = 1"}`, http.StatusBadRequest, engine.CodeBadRequest},
		{"data not object", `{"rule": "a = 1", "data": [1]}`, http.StatusBadRequest, engine.CodeBadRequest},
		{"bad ast", `{"ast": {"variant": "bogus"}, "data": {}}`, http.StatusBadRequest, engine.CodeInvalidAST},
		{"bad rule text", `{"rule": "a ==", "data": {}}`, http.StatusBadRequest, engine.CodeParseError},
		{"not json", `nope`, http.StatusBadRequest, engine.CodeBadRequest},
		{"unknown field", `{"rule": "a = 1", "data": {}, "extra": 1}`, http.StatusBadRequest, engine.CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, ts.do(t, http.MethodPost, "/api/rules/evaluate", tt.body), tt.status, tt.code)
		})
	}
}

func TestMaxBody(t *testing.T) {
	ts := newTestServer(t, 64)
	body := `{"rule": "a = '` + strings.Repeat("x", 200) + `'"}`

	expectError(t, ts.do(t, http.MethodPost, "/api/rules", body), http.StatusRequestEntityTooLarge, engine.CodeBodyTooLarge)
	expectError(t, ts.do(t, http.MethodPost, "/api/rules/evaluate", body), http.StatusRequestEntityTooLarge, engine.CodeBodyTooLarge)
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, 0)

	rec := ts.do(t, http.MethodOptions, "/api/rules", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
}

func TestRuleEventsStream(t *testing.T) {
	ts := newTestServer(t, 0)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	created := ts.createRule(t, "adults", "age >= 18")
	if _, err := ts.service.EvaluateRule(context.Background(), "adults", map[string]any{"age": 20}); err != nil {
		t.Fatal(err)
	}
	if _, err := ts.service.DeleteRule(context.Background(), "adults"); err != nil {
		t.Fatal(err)
	}

	// The rule is gone, so stream by ID is not resolvable.
	resp, err := http.Get(srv.URL + "/api/rules/" + created.ID + "/events")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted rule stream status = %d, want 404", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var kinds []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && len(kinds) < 3 {
		if line := scanner.Text(); strings.HasPrefix(line, "event: ") {
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		}
	}
	want := []string{"rule.created", "rule.evaluated", "rule.deleted"}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("event kinds = %v, want %v", kinds, want)
	}
}
