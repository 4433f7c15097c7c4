// Package translate implements Translation & Transform Receipts
// (spec.md C7): deterministic field mapping between declared semantic
// formats, with per-field provenance, coverage gates, and signed receipts.
//
// Grounded on the teacher's pkg/firewall/firewall.go for compiling and
// applying github.com/santhosh-tekuri/jsonschema/v5 schemas at a policy
// boundary, and pkg/envelope/validator.go's error-accumulation idiom,
// generalized from tool-argument allowlisting to SFT-to-SFT payload
// transformation.
package translate

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"lukechampine.com/blake3"

	"github.com/odin-protocol/gateway/internal/cml"
	"github.com/odin-protocol/gateway/internal/envelope"
)

// Operation is the kind of field transformation applied.
type Operation string

const (
	OpRename      Operation = "rename"
	OpConst       Operation = "const"
	OpDrop        Operation = "drop"
	OpIntentRemap Operation = "intent_remap"
	OpPassthrough Operation = "passthrough"
	OpDefault     Operation = "default"
)

// FieldOp is one declared mapping operation, applied in map declaration
// order per spec.md §4.7.
type FieldOp struct {
	Op          Operation      `json:"op"`
	FromPath    string         `json:"from_path,omitempty"`
	ToPath      string         `json:"to_path,omitempty"`
	Value       any            `json:"value,omitempty"`       // for OpConst / OpDefault
	IntentTable map[string]string `json:"intent_table,omitempty"` // for OpIntentRemap
	Enum        []string       `json:"enum,omitempty"`            // carried with the map; applyFields does not check values against it
}

// Map is the SFT Map (M) entity, spec.md §3.
type Map struct {
	ID             string    `json:"id"`
	FromSFT        string    `json:"from_sft"`
	ToSFT          string    `json:"to_sft"`
	Fields         []FieldOp `json:"fields"`
	InputSchema    string    `json:"input_schema,omitempty"`  // raw JSON Schema text
	OutputSchema   string    `json:"output_schema,omitempty"`
	LossyFields    []string  `json:"lossy_fields,omitempty"`   // tolerated on round-trip
	CoverageGate   float64   `json:"coverage_gate,omitempty"`  // 0 disables the gate
}

// Validate checks M's structural invariants.
func (m *Map) Validate() error {
	if m.FromSFT == "" || m.ToSFT == "" {
		return fmt.Errorf("translate: from_sft and to_sft must be non-empty")
	}
	seen := make(map[string]bool)
	for _, f := range m.Fields {
		if f.ToPath == "" {
			continue
		}
		if seen[f.ToPath] {
			return fmt.Errorf("translate: duplicate mapping target %q", f.ToPath)
		}
		seen[f.ToPath] = true
	}
	return nil
}

// Provenance records one field-level transformation for the receipt.
type Provenance struct {
	SourcePath  string    `json:"source_path"`
	TargetPath  string    `json:"target_path"`
	Operation   Operation `json:"operation"`
	OldValue    any       `json:"old_value,omitempty"`
	NewValue    any       `json:"new_value,omitempty"`
	TimestampMs int64     `json:"timestamp_ms"`
}

// TranslationReceipt is the human-facing audit record of one translate
// call, spec.md §4.7.
type TranslationReceipt struct {
	Provenance      []Provenance `json:"provenance"`
	CoveragePct     float64      `json:"coverage_pct"`
	MissingRequired []string     `json:"missing_required,omitempty"`
	RoundTripOK     *bool        `json:"round_trip_ok,omitempty"`
}

// TransformReceipt is the signed (input_cid, map_id, output_cid, ...)
// linkage record, spec.md §3.
type TransformReceipt struct {
	InputCID    string `json:"input_cid"`
	MapID       string `json:"map_id"`
	OutputCID   string `json:"output_cid"`
	FromSFT     string `json:"from_sft"`
	ToSFT       string `json:"to_sft"`
	LinkageHash string `json:"linkage_hash"`
}

// Error codes, matched onto HTTP status by the caller per spec.md §4.7/§7.
const (
	ErrMapNotFound       = "odin.translate.map_not_found"
	ErrInputInvalid      = "odin.translate.input_invalid"
	ErrOutputInvalid     = "odin.translate.output_invalid"
	ErrCoverageBelowGate = "odin.translate.coverage_below_gate"
)

// Error is a typed translation failure.
type Error struct {
	Code    string
	Detail  string
	Extra   map[string]any
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// MapStore holds SFT maps keyed by `{from}__{to}`, the name a
// `{from}__{to}.json` map file carries. It reads no map directory itself:
// maps are installed through Register (the admin reload/maps endpoint
// calls it).
type MapStore struct {
	mu      sync.RWMutex
	byKey   map[string]*Map // key: from + "__" + to
	schemas map[string]*jsonschema.Schema
}

// NewMapStore returns an empty store; maps are registered via Register.
func NewMapStore() *MapStore {
	return &MapStore{byKey: make(map[string]*Map), schemas: make(map[string]*jsonschema.Schema)}
}

func mapKey(from, to string) string { return from + "__" + to }

// Register compiles and installs m, keyed by (from_sft, to_sft).
func (s *MapStore) Register(m *Map) error {
	if err := m.Validate(); err != nil {
		return err
	}
	compiledIn, err := compileSchema(m.ID+"#input", m.InputSchema)
	if err != nil {
		return fmt.Errorf("translate: map %s input_schema: %w", m.ID, err)
	}
	compiledOut, err := compileSchema(m.ID+"#output", m.OutputSchema)
	if err != nil {
		return fmt.Errorf("translate: map %s output_schema: %w", m.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := mapKey(m.FromSFT, m.ToSFT)
	s.byKey[key] = m
	if compiledIn != nil {
		s.schemas[m.ID+"#input"] = compiledIn
	}
	if compiledOut != nil {
		s.schemas[m.ID+"#output"] = compiledOut
	}
	return nil
}

func compileSchema(id, text string) (*jsonschema.Schema, error) {
	if text == "" {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "mem://odin/" + id
	if err := c.AddResource(url, strings.NewReader(text)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Resolve finds the map for (from, to); `from == to` resolves to an
// implicit identity map with no field operations.
func (s *MapStore) Resolve(from, to string) (*Map, error) {
	if from == to {
		return &Map{ID: "identity:" + from, FromSFT: from, ToSFT: to}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byKey[mapKey(from, to)]
	if !ok {
		return nil, &Error{Code: ErrMapNotFound, Detail: mapKey(from, to)}
	}
	return m, nil
}

func (s *MapStore) schemaFor(key string) *jsonschema.Schema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schemas[key]
}

// Translator applies SFT Maps to decoded payloads and emits receipts.
type Translator struct {
	Maps   *MapStore
	Signer *envelope.Signer
	nowMs  func() int64
}

// NewTranslator returns a Translator backed by store.
func NewTranslator(store *MapStore, signer *envelope.Signer) *Translator {
	return &Translator{Maps: store, Signer: signer, nowMs: func() int64 { return time.Now().UnixMilli() }}
}

// Result is everything a caller needs to build the HTTP response.
type Result struct {
	Output             map[string]any
	Translation        TranslationReceipt
	Transform          TransformReceipt
	TransformEnvelope  *envelope.Envelope
	TransformBytes     []byte
}

// Translate applies from→to with an optional inline map override.
func (t *Translator) Translate(payload map[string]any, from, to string, inline *Map) (*Result, error) {
	m := inline
	if m == nil {
		var err error
		m, err = t.Maps.Resolve(from, to)
		if err != nil {
			return nil, err
		}
	}

	if inline == nil {
		if schema := t.Maps.schemaFor(m.ID + "#input"); schema != nil {
			if err := schema.Validate(toValidatable(payload)); err != nil {
				return nil, &Error{Code: ErrInputInvalid, Detail: err.Error()}
			}
		}
	}

	output, prov, missingRequired := t.applyFields(payload, m)

	var roundTripOK *bool
	if reverse, err := t.Maps.Resolve(to, from); err == nil && reverse.ID != ("identity:" + to) {
		back, _, _ := t.applyFields(output, reverse)
		ok := similarEnough(payload, back, m.LossyFields)
		roundTripOK = &ok
	}

	coverage := coveragePct(payload, prov)
	if m.CoverageGate > 0 && coverage < m.CoverageGate {
		return nil, &Error{Code: ErrCoverageBelowGate, Detail: fmt.Sprintf("%.2f < %.2f", coverage, m.CoverageGate), Extra: map[string]any{"coverage_pct": coverage, "required": m.CoverageGate}}
	}

	if inline == nil {
		if schema := t.Maps.schemaFor(m.ID + "#output"); schema != nil {
			if err := schema.Validate(toValidatable(output)); err != nil {
				return nil, &Error{Code: ErrOutputInvalid, Detail: err.Error()}
			}
		}
	}

	inputB, err := cml.Encode(payload)
	if err != nil {
		return nil, &Error{Code: ErrInputInvalid, Detail: err.Error()}
	}
	outputB, err := cml.Encode(output)
	if err != nil {
		return nil, &Error{Code: ErrOutputInvalid, Detail: err.Error()}
	}
	mapBytes, _ := cml.Encode(map[string]any{"id": m.ID, "from_sft": m.FromSFT, "to_sft": m.ToSFT})

	linkage := linkageHash(inputB, mapBytes, outputB)

	tr := TransformReceipt{
		InputCID:    cml.CID(inputB),
		MapID:       m.ID,
		OutputCID:   cml.CID(outputB),
		FromSFT:     m.FromSFT,
		ToSFT:       m.ToSFT,
		LinkageHash: linkage,
	}

	var env *envelope.Envelope
	var envBytes []byte
	if t.Signer != nil {
		env, envBytes, err = t.Signer.SignValue(tr)
		if err != nil {
			return nil, &Error{Code: ErrOutputInvalid, Detail: err.Error()}
		}
	}

	return &Result{
		Output: output,
		Translation: TranslationReceipt{
			Provenance:      prov,
			CoveragePct:     coverage,
			MissingRequired: missingRequired,
			RoundTripOK:     roundTripOK,
		},
		Transform:         tr,
		TransformEnvelope: env,
		TransformBytes:    envBytes,
	}, nil
}

func (t *Translator) applyFields(input map[string]any, m *Map) (map[string]any, []Provenance, []string) {
	output := make(map[string]any)
	var prov []Provenance
	var missing []string
	now := t.nowMs()

	consumed := make(map[string]bool)
	for _, f := range m.Fields {
		switch f.Op {
		case OpRename:
			old, ok := valueAtPath(input, f.FromPath)
			if !ok {
				missing = append(missing, f.FromPath)
				continue
			}
			setAtPath(output, f.ToPath, old)
			consumed[f.FromPath] = true
			prov = append(prov, Provenance{SourcePath: f.FromPath, TargetPath: f.ToPath, Operation: OpRename, OldValue: old, NewValue: old, TimestampMs: now})
		case OpConst:
			setAtPath(output, f.ToPath, f.Value)
			prov = append(prov, Provenance{TargetPath: f.ToPath, Operation: OpConst, NewValue: f.Value, TimestampMs: now})
		case OpDrop:
			consumed[f.FromPath] = true
			old, _ := valueAtPath(input, f.FromPath)
			prov = append(prov, Provenance{SourcePath: f.FromPath, Operation: OpDrop, OldValue: old, TimestampMs: now})
		case OpIntentRemap:
			old, ok := valueAtPath(input, "intent")
			if ok {
				if s, isStr := old.(string); isStr {
					newVal := f.IntentTable[s]
					if newVal == "" {
						newVal = s
					}
					setAtPath(output, "intent", newVal)
					consumed["intent"] = true
					prov = append(prov, Provenance{SourcePath: "intent", TargetPath: "intent", Operation: OpIntentRemap, OldValue: s, NewValue: newVal, TimestampMs: now})
				}
			}
		case OpDefault:
			if _, exists := valueAtPath(output, f.ToPath); !exists {
				setAtPath(output, f.ToPath, f.Value)
				prov = append(prov, Provenance{TargetPath: f.ToPath, Operation: OpDefault, NewValue: f.Value, TimestampMs: now})
			}
		}
	}

	for path, val := range flatten(input) {
		if consumed[path] {
			continue
		}
		if _, exists := valueAtPath(output, path); !exists {
			setAtPath(output, path, val)
			prov = append(prov, Provenance{SourcePath: path, TargetPath: path, Operation: OpPassthrough, OldValue: val, NewValue: val, TimestampMs: now})
		}
	}

	return output, prov, missing
}

func coveragePct(input map[string]any, prov []Provenance) float64 {
	total := len(flatten(input))
	if total == 0 {
		return 100
	}
	preserved := 0
	for _, p := range prov {
		if p.Operation != OpDrop && p.SourcePath != "" {
			preserved++
		}
	}
	pct := float64(preserved) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

func similarEnough(orig, roundTripped map[string]any, lossy []string) bool {
	lossySet := make(map[string]bool, len(lossy))
	for _, l := range lossy {
		lossySet[l] = true
	}
	origFlat := flatten(orig)
	backFlat := flatten(roundTripped)
	for path, v := range origFlat {
		if lossySet[path] {
			continue
		}
		bv, ok := backFlat[path]
		if !ok || fmt.Sprint(bv) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

// linkageHash computes spec.md §3's linkage_hash verbatim: the raw
// blake3-256 digest (hex-encoded) of input_B, map_bytes, and output_B
// joined by 0x1f separators — not the multihash-prefixed CID encoding
// internal/cml uses elsewhere.
func linkageHash(inputB, mapBytes, outputB []byte) string {
	var buf bytes.Buffer
	buf.Write(inputB)
	buf.WriteByte(0x1f)
	buf.Write(mapBytes)
	buf.WriteByte(0x1f)
	buf.Write(outputB)
	digest := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(digest[:])
}

func toValidatable(m map[string]any) any {
	// jsonschema expects the decoded-JSON shape it would get from its own
	// json.Unmarshal (float64 numbers, map[string]any, []any); our decoded
	// payloads already satisfy that.
	return any(m)
}

// flatten walks a decoded JSON object tree and returns dotted-path →
// scalar/leaf-value pairs, used for coverage accounting and passthrough.
func flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		switch val := v.(type) {
		case map[string]any:
			if len(val) == 0 {
				out[prefix] = val
				return
			}
			for k, vv := range val {
				p := k
				if prefix != "" {
					p = prefix + "." + k
				}
				walk(p, vv)
			}
		default:
			out[prefix] = v
		}
	}
	for k, v := range m {
		walk(k, v)
	}
	return out
}

func valueAtPath(root map[string]any, dotted string) (any, bool) {
	if dotted == "" || root == nil {
		return nil, false
	}
	segs := strings.Split(dotted, ".")
	cur := any(root)
	for _, seg := range segs {
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

func setAtPath(root map[string]any, dotted string, value any) {
	if dotted == "" {
		return
	}
	segs := strings.Split(dotted, ".")
	cur := root
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
}
