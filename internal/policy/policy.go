// Package policy implements the HEL Policy Engine (spec.md C5): a mutable
// rule document evaluated purely against a request context, returning
// allow/deny plus structured violations.
//
// Grounded on the teacher's pkg/kernel/celdp/evaluator.go for compiling
// and running google/cel-go expressions against a dynamic "input" map
// (reused here for field_constraints predicates), and
// pkg/governance/keyring.go's atomic-swap reload pattern, generalized from
// a ReBAC relationship graph to the kid/intent/field rule set in
// spec.md §4.5.
package policy

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sync/atomic"

	"github.com/google/cel-go/cel"
)

// Violation is one rule failure.
type Violation struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

// Decision is the evaluation outcome.
type Decision struct {
	Allow      bool        `json:"allow"`
	Violations []Violation `json:"violations,omitempty"`
}

// FieldConstraint describes a single per-path predicate.
type FieldConstraint struct {
	Path     string   `json:"path"`
	Type     string   `json:"type,omitempty"`     // "string", "number", "bool", "object", "array"
	Regex    string   `json:"regex,omitempty"`     // applies to string values
	Min      *float64 `json:"min,omitempty"`       // applies to numeric values
	Max      *float64 `json:"max,omitempty"`
	Enum     []string `json:"enum,omitempty"`
	CEL      string   `json:"cel,omitempty"`       // full CEL predicate over `input`, overrides the above when set
}

// Document is the recognized rule set, loaded from env or file. It is
// immutable once parsed; Reload swaps in a freshly parsed Document.
type Document struct {
	AllowKids          []string          `json:"allow_kids,omitempty"`
	DenyKids           []string          `json:"deny_kids,omitempty"`
	AllowedKeysetHosts []string          `json:"allowed_keyset_hosts,omitempty"`
	AllowIntents       []string          `json:"allow_intents,omitempty"`
	DenyIntents        []string          `json:"deny_intents,omitempty"`
	RequiredReasonFor  []string          `json:"required_reason_for,omitempty"`
	FieldConstraints   []FieldConstraint `json:"field_constraints,omitempty"`
	MaxPayloadBytes    int64             `json:"max_payload_bytes"`
	RequiredHeaders    []string          `json:"required_headers,omitempty"`
}

// Validate enforces that MaxPayloadBytes is set: spec.md §4.5 gives it no
// default, so a policy document that omits it must fail to load rather
// than silently allow unbounded payloads.
func (d *Document) Validate() error {
	if d.MaxPayloadBytes <= 0 {
		return fmt.Errorf("policy: max_payload_bytes is required and must be > 0")
	}
	for i, fc := range d.FieldConstraints {
		if fc.Path == "" {
			return fmt.Errorf("policy: field_constraints[%d] missing path", i)
		}
	}
	return nil
}

// ParseDocument parses and validates a policy document from JSON bytes.
func ParseDocument(raw []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("policy: invalid document: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Context is everything the engine evaluates a request against.
type Context struct {
	Kid         string
	KeysetHost  string // non-empty only when the envelope refers to a remote keyset
	Headers     map[string]string
	PayloadSize int64
	Payload     map[string]any // decoded JSON body, for intent/reason/field checks
}

// Engine evaluates Documents handed to it as immutable snapshots;
// reloads swap the snapshot atomically so concurrent evaluations never
// observe a partially-updated rule set.
type Engine struct {
	current atomic.Pointer[compiled]
}

// compiled wraps a Document with its pre-compiled CEL programs so
// evaluation never pays compilation cost per request.
type compiled struct {
	doc      *Document
	programs map[string]cel.Program // keyed by FieldConstraint.CEL expression
	celEnv   *cel.Env
}

// NewEngine builds an Engine from an initial document.
func NewEngine(doc *Document) (*Engine, error) {
	e := &Engine{}
	if err := e.Reload(doc); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload compiles doc and atomically publishes it as the active snapshot.
func (e *Engine) Reload(doc *Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	celEnv, err := cel.NewEnv(cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return fmt.Errorf("policy: cel env: %w", err)
	}
	programs := make(map[string]cel.Program)
	for _, fc := range doc.FieldConstraints {
		if fc.CEL == "" {
			continue
		}
		ast, issues := celEnv.Compile(fc.CEL)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("policy: field_constraints[%s].cel: %w", fc.Path, issues.Err())
		}
		prg, err := celEnv.Program(ast)
		if err != nil {
			return fmt.Errorf("policy: field_constraints[%s].cel program: %w", fc.Path, err)
		}
		programs[fc.CEL] = prg
	}
	e.current.Store(&compiled{doc: doc, programs: programs, celEnv: celEnv})
	return nil
}

// Current returns the active document, for diagnostics and admin display.
func (e *Engine) Current() *Document {
	c := e.current.Load()
	if c == nil {
		return nil
	}
	return c.doc
}

// Evaluate is pure over the snapshot held at call time.
func (e *Engine) Evaluate(ctx *Context) Decision {
	c := e.current.Load()
	if c == nil {
		return Decision{Allow: false, Violations: []Violation{{Rule: "policy", Detail: "no policy loaded"}}}
	}
	doc := c.doc

	var violations []Violation

	if matchesAny(doc.DenyKids, ctx.Kid) {
		violations = append(violations, Violation{Rule: "deny_kids", Detail: ctx.Kid})
	} else if len(doc.AllowKids) > 0 && !matchesAny(doc.AllowKids, ctx.Kid) {
		violations = append(violations, Violation{Rule: "allow_kids", Detail: ctx.Kid})
	}

	if ctx.KeysetHost != "" && len(doc.AllowedKeysetHosts) > 0 && !matchesAny(doc.AllowedKeysetHosts, ctx.KeysetHost) {
		violations = append(violations, Violation{Rule: "allowed_keyset_hosts", Detail: ctx.KeysetHost})
	}

	intent, _ := stringField(ctx.Payload, "intent")
	if intent != "" {
		if matchesAny(doc.DenyIntents, intent) {
			violations = append(violations, Violation{Rule: "deny_intents", Detail: intent})
		} else if len(doc.AllowIntents) > 0 && !matchesAny(doc.AllowIntents, intent) {
			violations = append(violations, Violation{Rule: "allow_intents", Detail: intent})
		}
		if matchesAny(doc.RequiredReasonFor, intent) {
			reason, _ := stringField(ctx.Payload, "reason")
			if reason == "" {
				violations = append(violations, Violation{Rule: "required_reason_for", Detail: intent})
			}
		}
	}

	if doc.MaxPayloadBytes > 0 && ctx.PayloadSize > doc.MaxPayloadBytes {
		violations = append(violations, Violation{Rule: "max_payload_bytes", Detail: fmt.Sprintf("%d > %d", ctx.PayloadSize, doc.MaxPayloadBytes)})
	}

	for _, h := range doc.RequiredHeaders {
		if ctx.Headers[h] == "" {
			violations = append(violations, Violation{Rule: "required_headers", Detail: h})
		}
	}

	for _, fc := range doc.FieldConstraints {
		if v := evaluateFieldConstraint(c, fc, ctx.Payload); v != nil {
			violations = append(violations, *v)
		}
	}

	return Decision{Allow: len(violations) == 0, Violations: violations}
}

func evaluateFieldConstraint(c *compiled, fc FieldConstraint, payload map[string]any) *Violation {
	val, ok := valueAtPath(payload, fc.Path)

	if fc.CEL != "" {
		prg := c.programs[fc.CEL]
		if prg == nil {
			return &Violation{Rule: "field_constraints", Detail: fc.Path + ": constraint not compiled"}
		}
		out, _, err := prg.Eval(map[string]any{"input": payload})
		if err != nil {
			return &Violation{Rule: "field_constraints", Detail: fc.Path + ": " + err.Error()}
		}
		if b, isBool := out.Value().(bool); !isBool || !b {
			return &Violation{Rule: "field_constraints", Detail: fc.Path + ": predicate false"}
		}
		return nil
	}

	if !ok {
		return nil // absent fields are validated by required_headers/schema gates, not here
	}

	switch fc.Type {
	case "string":
		s, isStr := val.(string)
		if !isStr {
			return &Violation{Rule: "field_constraints", Detail: fc.Path + ": expected string"}
		}
		if fc.Regex != "" {
			re, err := regexp.Compile(fc.Regex)
			if err != nil || !re.MatchString(s) {
				return &Violation{Rule: "field_constraints", Detail: fc.Path + ": regex mismatch"}
			}
		}
		if len(fc.Enum) > 0 && !stringInSlice(fc.Enum, s) {
			return &Violation{Rule: "field_constraints", Detail: fc.Path + ": not in enum"}
		}
	case "number":
		n, isNum := toFloat(val)
		if !isNum {
			return &Violation{Rule: "field_constraints", Detail: fc.Path + ": expected number"}
		}
		if fc.Min != nil && n < *fc.Min {
			return &Violation{Rule: "field_constraints", Detail: fc.Path + ": below min"}
		}
		if fc.Max != nil && n > *fc.Max {
			return &Violation{Rule: "field_constraints", Detail: fc.Path + ": above max"}
		}
	case "bool":
		if _, isBool := val.(bool); !isBool {
			return &Violation{Rule: "field_constraints", Detail: fc.Path + ": expected bool"}
		}
	case "object":
		if _, isMap := val.(map[string]any); !isMap {
			return &Violation{Rule: "field_constraints", Detail: fc.Path + ": expected object"}
		}
	case "array":
		if _, isArr := val.([]any); !isArr {
			return &Violation{Rule: "field_constraints", Detail: fc.Path + ": expected array"}
		}
	}
	return nil
}

func matchesAny(patterns []string, s string) bool {
	if s == "" {
		return false
	}
	for _, p := range patterns {
		if ok, _ := path.Match(p, s); ok {
			return true
		}
	}
	return false
}

func stringInSlice(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func stringField(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// valueAtPath resolves a dotted path like "a.b.c" against a decoded JSON
// object tree of map[string]any / []any / scalars.
func valueAtPath(root map[string]any, dotted string) (any, bool) {
	if dotted == "" || root == nil {
		return nil, false
	}
	cur := any(root)
	for _, seg := range splitPath(dotted) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func splitPath(dotted string) []string {
	var out []string
	start := 0
	for i := 0; i < len(dotted); i++ {
		if dotted[i] == '.' {
			out = append(out, dotted[start:i])
			start = i + 1
		}
	}
	out = append(out, dotted[start:])
	return out
}
