package flowz

import "reflect"

// NodeKind discriminates the three blueprint node shapes spec §4.C defines.
type NodeKind int

const (
	// NodeModule invokes a single catalog-registered module.
	NodeModule NodeKind = iota
	// NodeStage fans out over a priority-ordered set of module slots.
	NodeStage
	// NodeConditional chooses one of two branches from a predicate over
	// prior node outcomes.
	NodeConditional
)

func (k NodeKind) String() string {
	switch k {
	case NodeModule:
		return "Module"
	case NodeStage:
		return "Stage"
	case NodeConditional:
		return "Conditional"
	default:
		return "Unknown"
	}
}

// ModuleNodeSpec is the type-erased description of a module-bearing node.
// ArgsType/OutType are captured via reflection at construction time (through
// the generic ModuleNode constructor) so the plan compiler can check them
// against the catalog's registered signature without every node in a
// Blueprint sharing one Go type parameter — the same type-erasure the
// catalog itself uses internally for TryGetSignature.
type ModuleNodeSpec struct {
	ModuleType Name
	ArgsType   reflect.Type
	OutType    reflect.Type
	// memoKey computes a memoization key from the type-erased args. Nil
	// means this node never consults the request memo.
	memoKey func(args any) (key string, ok bool)
	// argsFrom derives this node's Args from the invocation: the original
	// request and whatever prior node outcomes FlowContext already holds.
	// Captured at construction time for the same reason invoke is.
	argsFrom func(fc *FlowContext) (args any, ok bool)
	// invoke is captured at construction time, while Args/Out are still
	// compile-time known, exactly like memoKey — the executor only ever
	// holds a reflect.Type for these, so dispatch must go through a closure
	// built when the generic type parameters were still in scope.
	invoke moduleInvoker
}

// GateDecisionKind is the resolved disposition of one stage-module slot.
type GateDecisionKind int

const (
	// GateEnabled means the slot is a live candidate.
	GateEnabled GateDecisionKind = iota
	// GateShadow means the slot runs concurrently with the live path but
	// never influences the stage outcome.
	GateShadow
	// GateDisabled means the slot does not run at all.
	GateDisabled
	// GateOverridden means an overlay retargeted this slot to a different
	// module id.
	GateOverridden
)

// GateDecision is what a stage slot's gate selector resolves to.
type GateDecision struct {
	Kind             GateDecisionKind
	ShadowSampleBps  int    // only meaningful when Kind == GateShadow
	DisabledCode     string // only meaningful when Kind == GateDisabled
	OverrideModuleID Name   // only meaningful when Kind == GateOverridden
}

// GateContext is what a gate selector evaluates against: the overlay
// currently resolved for this invocation and the experiment variant
// assignment, an opaque map the resolver never interprets itself.
type GateContext struct {
	Overlay  *ResolvedOverlay
	Variants map[string]string
}

// GateSelector decides a stage slot's disposition for one invocation.
type GateSelector func(GateContext) GateDecision

// AlwaysEnabled is the default gate selector: the slot is always live.
func AlwaysEnabled(GateContext) GateDecision {
	return GateDecision{Kind: GateEnabled}
}

// StageModuleSpec is one slot within a StageNodeSpec.
type StageModuleSpec struct {
	ID         Name
	ModuleType Name
	ArgsType   reflect.Type
	OutType    reflect.Type
	Priority   int
	Gate       GateSelector
	// SelectorName is the gate selector's human-readable name, surfaced in
	// ExplainStageModule.SelectorName for every slot whose Gate is not the
	// default AlwaysEnabled. Empty for slots that never declared one.
	SelectorName Name
	memoKey      func(args any) (key string, ok bool)
	argsFrom     func(fc *FlowContext) (args any, ok bool)
	invoke       moduleInvoker
}

// StageNodeSpec fans out over a priority-ordered set of module slots, per
// spec §4.J's stage fan-out algorithm.
type StageNodeSpec struct {
	StageName Name
	Modules   []StageModuleSpec
}

// ConditionalNodeSpec evaluates Predicate against the FlowContext recorded so
// far and executes Then if true, Else if false. Else may be nil, in which
// case a false predicate yields Skipped("conditional_false").
type ConditionalNodeSpec struct {
	Predicate func(*FlowContext) bool
	Then      ModuleNodeSpec
	Else      *ModuleNodeSpec
}

// BlueprintNode is one entry in a Blueprint's declared node list. Exactly one
// of Module, Stage, Conditional is populated, selected by Kind.
type BlueprintNode struct {
	Kind        NodeKind
	Name        Name
	Module      *ModuleNodeSpec
	Stage       *StageNodeSpec
	Conditional *ConditionalNodeSpec
}

// Blueprint is the declarative, pre-compilation description of a flow: an
// ordered node list plus the name of the node whose outcome becomes the
// flow's response, mirroring the module ecosystem's Sequence connector's
// ordered, runtime-modifiable node list but expressed as data rather than as
// live Chainable pointers.
type Blueprint struct {
	FlowName     Name
	nodes        []BlueprintNode
	responseNode Name
}

// NewBlueprint starts an empty blueprint for the named flow.
func NewBlueprint(flowName Name) *Blueprint {
	return &Blueprint{FlowName: flowName}
}

// AddModule appends a module-bearing node built by the generic ModuleNode
// constructor.
func (b *Blueprint) AddModule(name Name, spec ModuleNodeSpec) *Blueprint {
	b.nodes = append(b.nodes, BlueprintNode{Kind: NodeModule, Name: name, Module: &spec})
	return b
}

// AddStage appends a stage node.
func (b *Blueprint) AddStage(name Name, spec StageNodeSpec) *Blueprint {
	b.nodes = append(b.nodes, BlueprintNode{Kind: NodeStage, Name: name, Stage: &spec})
	return b
}

// AddConditional appends a conditional node.
func (b *Blueprint) AddConditional(name Name, spec ConditionalNodeSpec) *Blueprint {
	b.nodes = append(b.nodes, BlueprintNode{Kind: NodeConditional, Name: name, Conditional: &spec})
	return b
}

// Respond declares which node's outcome the flow returns as its response.
func (b *Blueprint) Respond(nodeName Name) *Blueprint {
	b.responseNode = nodeName
	return b
}

// Nodes returns the declared node list in declaration order. The returned
// slice is the blueprint's own backing array; callers must not mutate it.
func (b *Blueprint) Nodes() []BlueprintNode { return b.nodes }

// ResponseNode returns the declared response node name, or "" if none was
// set.
func (b *Blueprint) ResponseNode() Name { return b.responseNode }

// ModuleNode builds a type-erased ModuleNodeSpec for a module of the given
// Args/Out types. argsFrom derives this node's Args from the invocation — the
// original request, prior node outcomes, or both; it returns ok=false if its
// inputs aren't available, which the executor folds to Skipped("args_unavailable").
// memoKeyOf may be nil when the node never memoizes.
func ModuleNode[Args, Out any](moduleType Name, argsFrom func(*FlowContext) (Args, bool), memoKeyOf func(Args) (string, bool)) ModuleNodeSpec {
	spec := ModuleNodeSpec{
		ModuleType: moduleType,
		ArgsType:   reflect.TypeOf((*Args)(nil)).Elem(),
		OutType:    reflect.TypeOf((*Out)(nil)).Elem(),
	}
	if memoKeyOf != nil {
		spec.memoKey = func(args any) (string, bool) {
			return memoKeyOf(args.(Args))
		}
	}
	spec.argsFrom = func(fc *FlowContext) (any, bool) {
		args, ok := argsFrom(fc)
		return args, ok
	}
	spec.invoke = buildInvoker[Args, Out](moduleType)
	return spec
}

// StageModule builds a type-erased StageModuleSpec for a module of the given
// Args/Out types. A nil gate defaults to AlwaysEnabled. selectorName is
// optional — pass the gate selector's name when it is anything other than
// AlwaysEnabled, so explain output can identify which selector decided a
// slot's disposition.
func StageModule[Args, Out any](id, moduleType Name, priority int, gate GateSelector, argsFrom func(*FlowContext) (Args, bool), memoKeyOf func(Args) (string, bool), selectorName ...Name) StageModuleSpec {
	if gate == nil {
		gate = AlwaysEnabled
	}
	var name Name
	if len(selectorName) > 0 {
		name = selectorName[0]
	}
	spec := StageModuleSpec{
		ID:           id,
		ModuleType:   moduleType,
		ArgsType:     reflect.TypeOf((*Args)(nil)).Elem(),
		OutType:      reflect.TypeOf((*Out)(nil)).Elem(),
		Priority:     priority,
		Gate:         gate,
		SelectorName: name,
	}
	if memoKeyOf != nil {
		spec.memoKey = func(args any) (string, bool) {
			return memoKeyOf(args.(Args))
		}
	}
	spec.argsFrom = func(fc *FlowContext) (any, bool) {
		args, ok := argsFrom(fc)
		return args, ok
	}
	spec.invoke = buildInvoker[Args, Out](moduleType)
	return spec
}
