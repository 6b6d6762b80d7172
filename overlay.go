package flowz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zoobzio/capitan"
)

// PatchFormatError is a programmer-facing format error naming the JSON path
// that failed to parse, per spec §6's "non-object stages/flows/modules[i]
// are rejected with a format error naming the path" rule.
type PatchFormatError struct {
	Path    string
	Message string
}

func (e *PatchFormatError) Error() string {
	return fmt.Sprintf("flowz: patch format error at %s: %s", e.Path, e.Message)
}

// ErrUnsupportedSchemaVersion is returned when a patch's schemaVersion is
// anything other than "v1".
var ErrUnsupportedSchemaVersion = fmt.Errorf("flowz: unsupported patch schemaVersion")

// patchModuleDoc is one entry in flows.<flow>.stages.<stage>.modules[].
type patchModuleDoc struct {
	ID   string          `json:"id"`
	Use  string          `json:"use"`
	With json.RawMessage `json:"with"`
}

type patchStageDoc struct {
	Modules []patchModuleDoc `json:"modules"`
}

type patchFlowDoc struct {
	Stages map[string]patchStageDoc `json:"stages"`
}

type patchDoc struct {
	SchemaVersion string                  `json:"schemaVersion"`
	Flows         map[string]patchFlowDoc `json:"flows"`
	Limits        struct {
		ModuleConcurrency struct {
			MaxInFlight map[string]int `json:"maxInFlight"`
		} `json:"moduleConcurrency"`
	} `json:"limits"`
}

// OverlayChangeKind is the effect an overlay has on one targeted module.
type OverlayChangeKind int

const (
	OverlayAdded OverlayChangeKind = iota
	OverlayRemoved
	OverlayUseChanged
	OverlayWithChanged
)

func (k OverlayChangeKind) String() string {
	switch k {
	case OverlayAdded:
		return "Added"
	case OverlayRemoved:
		return "Removed"
	case OverlayUseChanged:
		return "UseChanged"
	case OverlayWithChanged:
		return "WithChanged"
	default:
		return "Unknown"
	}
}

// OverlayApplied names one override an overlay produced against a compiled
// plan's baseline.
type OverlayApplied struct {
	Flow     Name
	Stage    Name
	ModuleID Name
	Kind     OverlayChangeKind
	Path     string // e.g. "$.flows.F.stages.S.modules[0].use"
}

// moduleOverride is the resolved per-module override an overlay contributes,
// looked up by (flow, stage, moduleID) when the executor resolves a stage
// slot's effective `use`/`with`.
type moduleOverride struct {
	Use   string
	With  json.RawMessage
	Index int // declared position within its patch's modules[] array
}

// ResolvedOverlay is a parsed, validated v1 patch ready for the executor and
// gate selectors to consult.
type ResolvedOverlay struct {
	raw        []byte
	overrides  map[string]moduleOverride // key: flow\x00stage\x00moduleID
	maxInFlight map[string]int
}

func overrideKey(flow, stage, moduleID Name) string {
	return string(flow) + "\x00" + string(stage) + "\x00" + string(moduleID)
}

// Lookup returns the override registered for (flow, stage, moduleID), if
// any.
func (r *ResolvedOverlay) Lookup(flow, stage, moduleID Name) (Use string, With json.RawMessage, ok bool) {
	if r == nil {
		return "", nil, false
	}
	o, found := r.overrides[overrideKey(flow, stage, moduleID)]
	if !found {
		return "", nil, false
	}
	return o.Use, o.With, true
}

// MaxInFlight returns this overlay's configured limits.moduleConcurrency.
// maxInFlight table.
func (r *ResolvedOverlay) MaxInFlight() map[string]int {
	if r == nil {
		return nil
	}
	return r.maxInFlight
}

// ResolveOverlay parses a v1 patch document into a ResolvedOverlay. It
// rejects unsupported schema versions and malformed shapes, naming the
// offending JSON path in the returned error.
func ResolveOverlay(ctx context.Context, patchJSON []byte) (*ResolvedOverlay, error) {
	if len(patchJSON) == 0 {
		return &ResolvedOverlay{overrides: map[string]moduleOverride{}}, nil
	}

	var doc patchDoc
	if err := json.Unmarshal(patchJSON, &doc); err != nil {
		return nil, &PatchFormatError{Path: "$", Message: err.Error()}
	}
	if doc.SchemaVersion != "v1" {
		capitan.Warn(ctx, SignalOverlayRejected, FieldOverlayKind.Field(doc.SchemaVersion))
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSchemaVersion, doc.SchemaVersion)
	}

	resolved := &ResolvedOverlay{
		raw:         patchJSON,
		overrides:   map[string]moduleOverride{},
		maxInFlight: doc.Limits.ModuleConcurrency.MaxInFlight,
	}

	for flowName, flowDoc := range doc.Flows {
		for stageName, stageDoc := range flowDoc.Stages {
			seen := map[string]bool{}
			for i, m := range stageDoc.Modules {
				if m.ID == "" {
					return nil, &PatchFormatError{
						Path:    fmt.Sprintf("$.flows.%s.stages.%s.modules[%d]", flowName, stageName, i),
						Message: "module id must not be empty",
					}
				}
				if seen[m.ID] {
					return nil, &PatchFormatError{
						Path:    fmt.Sprintf("$.flows.%s.stages.%s.modules[%d].id", flowName, stageName, i),
						Message: fmt.Sprintf("duplicate module id %q within stage", m.ID),
					}
				}
				seen[m.ID] = true
				key := overrideKey(Name(flowName), Name(stageName), Name(m.ID))
				resolved.overrides[key] = moduleOverride{Use: m.Use, With: m.With, Index: i}
			}
		}
	}

	capitan.Info(ctx, SignalOverlayApplied, FieldOverlayKind.Field("v1"))
	return resolved, nil
}

// DiffModules compares two v1 patch documents and reports every module-level
// change between them, stable-sorted by (flow, stage, moduleId, kind) per
// spec §4.F.
func DiffModules(oldPatch, newPatch []byte) ([]OverlayApplied, error) {
	ctx := context.Background()
	oldOverlay, err := ResolveOverlay(ctx, oldPatch)
	if err != nil {
		return nil, fmt.Errorf("flowz: diff old patch: %w", err)
	}
	newOverlay, err := ResolveOverlay(ctx, newPatch)
	if err != nil {
		return nil, fmt.Errorf("flowz: diff new patch: %w", err)
	}

	var diffs []OverlayApplied
	visited := map[string]bool{}

	for key, newMod := range newOverlay.overrides {
		flow, stage, moduleID := splitOverrideKey(key)
		visited[key] = true
		oldMod, existed := oldOverlay.overrides[key]
		if !existed {
			diffs = append(diffs, OverlayApplied{
				Flow: flow, Stage: stage, ModuleID: moduleID,
				Kind: OverlayAdded,
				Path: fmt.Sprintf("$.flows.%s.stages.%s.modules[%d]", flow, stage, newMod.Index),
			})
			continue
		}
		// Use and With are independent fields: a patch revision changing
		// both must report both diffs, per spec §8 S6.
		if oldMod.Use != newMod.Use {
			diffs = append(diffs, OverlayApplied{
				Flow: flow, Stage: stage, ModuleID: moduleID,
				Kind: OverlayUseChanged,
				Path: fmt.Sprintf("$.flows.%s.stages.%s.modules[%d].use", flow, stage, newMod.Index),
			})
		}
		if !deepEqualWith(oldMod.With, newMod.With) {
			diffs = append(diffs, OverlayApplied{
				Flow: flow, Stage: stage, ModuleID: moduleID,
				Kind: OverlayWithChanged,
				Path: fmt.Sprintf("$.flows.%s.stages.%s.modules[%d].with", flow, stage, newMod.Index),
			})
		}
	}
	for key := range oldOverlay.overrides {
		if visited[key] {
			continue
		}
		flow, stage, moduleID := splitOverrideKey(key)
		oldMod := oldOverlay.overrides[key]
		diffs = append(diffs, OverlayApplied{
			Flow: flow, Stage: stage, ModuleID: moduleID,
			Kind: OverlayRemoved,
			Path: fmt.Sprintf("$.flows.%s.stages.%s.modules[%d]", flow, stage, oldMod.Index),
		})
	}

	sort.Slice(diffs, func(i, j int) bool {
		a, b := diffs[i], diffs[j]
		if a.Flow != b.Flow {
			return a.Flow < b.Flow
		}
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if a.ModuleID != b.ModuleID {
			return a.ModuleID < b.ModuleID
		}
		return a.Kind < b.Kind
	})
	return diffs, nil
}

func splitOverrideKey(key string) (flow, stage, moduleID Name) {
	parts := make([]string, 0, 3)
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			parts = append(parts, key[start:i])
			start = i + 1
		}
	}
	parts = append(parts, key[start:])
	if len(parts) != 3 {
		return "", "", ""
	}
	return Name(parts[0]), Name(parts[1]), Name(parts[2])
}

// deepEqualWith implements spec §4.F's "with" deep-equality: numbers are
// compared by raw lexical form (no float normalization), strings/booleans by
// value, objects by key-set + recursive equality, arrays by order + length.
// encoding/json.Number preserves the original digit sequence, which is
// exactly what raw-lexical number comparison requires and is why this uses
// the standard library directly instead of a JSON-patch library: no
// off-the-shelf RFC 6902 implementation exposes this comparison semantic.
func deepEqualWith(a, b json.RawMessage) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	va, errA := decodeWithNumber(a)
	vb, errB := decodeWithNumber(b)
	if errA != nil || errB != nil {
		return string(a) == string(b)
	}
	return equalDecoded(va, vb)
}

func decodeWithNumber(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func equalDecoded(a, b any) bool {
	switch av := a.(type) {
	case json.Number:
		bv, ok := b.(json.Number)
		return ok && string(av) == string(bv)
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, vv := range av {
			bvv, found := bv[k]
			if !found || !equalDecoded(vv, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalDecoded(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
