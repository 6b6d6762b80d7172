package flowz

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/capitan"
)

// moduleInvoker is the type-erased dispatch closure every ModuleNodeSpec and
// StageModuleSpec carries, built at construction time via buildInvoker while
// its Args/Out type parameters were still in scope. The executor only ever
// holds a reflect.Type for these, so this is the seam that lets a
// non-generic executor still call fully generic module code.
type moduleInvoker func(ctx context.Context, fc *FlowContext, argsAny any, isShadow bool, memoKey func(any) (string, bool)) Outcome[any]

// buildInvoker closes over Args/Out so the returned closure can resolve,
// memoize, rate-limit, and invoke a module without any further type
// information, mirroring the catalog's own erase-then-assert pattern.
func buildInvoker[Args, Out any](moduleType Name) moduleInvoker {
	return func(ctx context.Context, fc *FlowContext, argsAny any, isShadow bool, memoKey func(any) (string, bool)) Outcome[any] {
		args, ok := argsAny.(Args)
		if !ok {
			panic(fmt.Sprintf("flowz: args type assertion failed for module %q", moduleType))
		}
		work := func() Outcome[Out] {
			return runModule[Args, Out](ctx, fc, moduleType, args)
		}
		if memoKey != nil {
			if key, ok := memoKey(argsAny); ok {
				return eraseOutcome(MemoDo(ctx, fc.Memo(), moduleType, key, isShadow, work))
			}
		}
		return eraseOutcome(work())
	}
}

// runModule implements spec §4.J's module-node dispatch steps 2-5: lease,
// deadline check, invoke under linked cancellation, fold faults.
func runModule[Args, Out any](ctx context.Context, fc *FlowContext, moduleType Name, args Args) Outcome[Out] {
	lease, ok := fc.Limiters().TryEnter(ctx, string(moduleType))
	if !ok {
		return Error[Out]("module_concurrency_limited")
	}
	defer lease.Release()

	if fc.Remaining() <= 0 {
		return Timeout[Out]("deadline")
	}

	select {
	case <-ctx.Done():
		if ctx.Err() == context.Canceled {
			return Canceled[Out]("canceled")
		}
		return Timeout[Out]("deadline")
	default:
	}

	mod, err := Create[Args, Out](fc.Catalog(), moduleType, fc.Services())
	if err != nil {
		return Error[Out](fmt.Sprintf("module_fault:%s", moduleType))
	}

	mc := ModuleContext[Args]{Args: args, ID: uuid.New(), Deadline: fc.Deadline(), Clock: fc.Clock()}

	capitan.Info(ctx, SignalModuleInvoked, FieldModuleType.Field(string(moduleType)))
	var out Outcome[Out]
	func() {
		defer recoverFromModulePanic(ctx, &out, moduleType)
		out = mod.Process(ctx, mc)
	}()
	capitan.Info(ctx, SignalModuleCompleted, FieldModuleType.Field(string(moduleType)), FieldOutcomeKind.Field(out.Kind().String()))
	if ctx.Err() == context.Canceled {
		return Canceled[Out]("canceled")
	}
	if ctx.Err() != nil || fc.Remaining() <= 0 {
		return Timeout[Out]("deadline")
	}
	return out
}

// eraseOutcome converts an Outcome[T] to its type-erased Outcome[any] form,
// reachable here (and only here) because executor.go shares outcome.go's
// package and can read its private fields directly.
func eraseOutcome[T any](o Outcome[T]) Outcome[any] {
	if o.kind.valueBearing() {
		return Outcome[any]{kind: o.kind, value: any(o.value), code: o.code}
	}
	return Outcome[any]{kind: o.kind, code: o.code}
}

// Execute walks plan in index order, dispatching each node against fc, and
// returns the response node's outcome per spec §4.J's "Outcome folding to
// response". collector may be nil if the caller doesn't want an explain
// trace.
func Execute(fc *FlowContext, plan *PlanTemplate, collector *ExplainCollector) Outcome[any] {
	now := fc.Clock().Now()
	if collector != nil {
		collector.Start(plan.FlowName, plan.PlanHash, plan.Nodes, now)
	}

	for idx, node := range plan.Nodes {
		start := fc.Clock().Now()
		var out Outcome[any]

		switch node.Kind {
		case NodeModule:
			out = dispatchModuleNode(fc, node.Name, node.Module)
		case NodeStage:
			out = dispatchStageNode(fc, node.Name, node.Stage, collector)
		case NodeConditional:
			out = dispatchConditionalNode(fc, node.Name, node.Conditional)
		default:
			out = Error[any]("flow_unknown_node_kind")
		}

		if err := RecordNodeOutcome[any](fc, node.Name, out); err != nil {
			capitan.Warn(fc.Context(), SignalDeadlineElapsed, FieldNodeName.Field(string(node.Name)), FieldError.Field(err.Error()))
		}
		if collector != nil {
			collector.RecordNode(idx, out.Kind(), out.Code(), start, fc.Clock().Now())
		}
	}

	response, ok := resolveResponse(fc, plan)
	if !ok {
		capitan.Warn(fc.Context(), SignalFlowNoResponse, FieldFlowName.Field(string(plan.FlowName)))
		return Error[any]("flow_no_response")
	}
	return response
}

// resolveResponse reads back the declared response node's outcome, per spec
// §4.J: absent or Skipped both fold to flow_no_response.
func resolveResponse(fc *FlowContext, plan *PlanTemplate) (Outcome[any], bool) {
	if plan.ResponseNode == "" {
		return Outcome[any]{}, false
	}
	out, ok := TryGetNodeOutcome[any](fc, plan.ResponseNode)
	if !ok || out.Kind() == KindSkipped {
		return Outcome[any]{}, false
	}
	return out, true
}

// dispatchModuleNode implements a module node's own argsFrom → invoke chain.
// A false argsFrom return means this node's inputs are not available (e.g. a
// prior node was skipped), folded to Skipped("args_unavailable") rather than
// a panic, since argument availability is a data-path condition.
func dispatchModuleNode(fc *FlowContext, name Name, spec *ModuleNodeSpec) Outcome[any] {
	args, ok := spec.argsFrom(fc)
	if !ok {
		return Skipped[any]("args_unavailable")
	}
	return spec.invoke(fc.Context(), fc, args, false, spec.memoKey)
}

// dispatchConditionalNode evaluates Predicate and executes the chosen
// branch; a false predicate with no Else branch yields
// Skipped("conditional_false") per spec §4.C.
func dispatchConditionalNode(fc *FlowContext, name Name, spec *ConditionalNodeSpec) Outcome[any] {
	if spec.Predicate(fc) {
		args, ok := spec.Then.argsFrom(fc)
		if !ok {
			return Skipped[any]("args_unavailable")
		}
		return spec.Then.invoke(fc.Context(), fc, args, false, spec.Then.memoKey)
	}
	if spec.Else == nil {
		return Skipped[any]("conditional_false")
	}
	args, ok := spec.Else.argsFrom(fc)
	if !ok {
		return Skipped[any]("args_unavailable")
	}
	return spec.Else.invoke(fc.Context(), fc, args, false, spec.Else.memoKey)
}

// stageSlotResult is one slot's resolved disposition and, once run, outcome.
type stageSlotResult struct {
	slot     StageModuleSpec
	decision GateDecision
	outcome  Outcome[any]
	start    time.Time
	end      time.Time
}

// dispatchStageNode implements spec §4.J's six-step stage fan-out algorithm.
func dispatchStageNode(fc *FlowContext, stageName Name, spec *StageNodeSpec, collector *ExplainCollector) Outcome[any] {
	slots := make([]StageModuleSpec, len(spec.Modules))
	copy(slots, spec.Modules)
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].Priority > slots[j].Priority })

	byID := make(map[Name]StageModuleSpec, len(spec.Modules))
	for _, m := range spec.Modules {
		byID[m.ID] = m
	}

	gateCtx := GateContext{Overlay: fc.Overlay(), Variants: fc.Variants()}

	var live, shadow []stageSlotResult
	// hasLiveInBucket resets at each priority boundary: exactly one enabled
	// slot per distinct Priority value becomes a live candidate, in declared
	// order; a tied sibling after it in the same bucket becomes shadow. Live
	// candidates from different buckets all land in `live` and are tried
	// sequentially, highest priority first, per spec §4.J step 3.
	hasLiveInBucket := false
	firstSlot := true
	var bucketPriority int

	for _, slot := range slots {
		if firstSlot || slot.Priority != bucketPriority {
			bucketPriority = slot.Priority
			hasLiveInBucket = false
			firstSlot = false
		}

		decision := resolveSlotDecision(fc, stageName, slot, gateCtx)
		capitan.Info(fc.Context(), SignalStageGateDecision,
			FieldStageName.Field(string(stageName)),
			FieldModuleID.Field(string(slot.ID)),
			FieldGateDecision.Field(gateDecisionCode(decision)),
			FieldSelectorName.Field(string(slot.SelectorName)),
		)

		switch decision.Kind {
		case GateDisabled:
			live = append(live, stageSlotResult{slot: slot, decision: decision, outcome: Skipped[any](decision.DisabledCode)})
		case GateShadow:
			shadow = append(shadow, stageSlotResult{slot: slot, decision: decision})
		case GateEnabled, GateOverridden:
			if !hasLiveInBucket {
				hasLiveInBucket = true
				live = append(live, stageSlotResult{slot: slot, decision: decision})
			} else {
				// A tied sibling behind this bucket's chosen live slot
				// becomes a shadow candidate, per spec §4.J step 3.
				shadow = append(shadow, stageSlotResult{slot: slot, decision: GateDecision{Kind: GateShadow, ShadowSampleBps: 10000}})
			}
		}
	}

	runShadowSlots(fc, stageName, shadow, byID, collector)

	var stageOutcome Outcome[any]
	stageOutcome = Skipped[any]("stage_all_skipped")
	haveNonSkipped := false

	for i := range live {
		res := &live[i]
		if res.decision.Kind == GateDisabled {
			recordStageSlot(collector, stageName, *res)
			continue
		}
		res.start = fc.Clock().Now()
		res.outcome = invokeStageSlot(fc, stageName, res.slot, res.decision, byID)
		res.end = fc.Clock().Now()
		recordStageSlot(collector, stageName, *res)

		if res.outcome.Kind() != KindSkipped {
			haveNonSkipped = true
			if stageOutcome.Kind() == KindSkipped {
				stageOutcome = res.outcome
			}
		}
		if res.outcome.IsValueBearing() {
			capitan.Info(fc.Context(), SignalStageLiveSelected, FieldStageName.Field(string(stageName)), FieldModuleID.Field(string(res.slot.ID)))
			return res.outcome
		}
	}

	if !haveNonSkipped {
		capitan.Info(fc.Context(), SignalStageAllSkipped, FieldStageName.Field(string(stageName)))
	}
	return stageOutcome
}

// resolveSlotDecision evaluates a slot's gate selector and applies an
// overlay override, if any: a non-empty overlay `use` becomes a
// GateOverridden decision naming the sibling slot id to run instead.
func resolveSlotDecision(fc *FlowContext, stageName Name, slot StageModuleSpec, gateCtx GateContext) GateDecision {
	decision := slot.Gate(gateCtx)
	if use, _, found := fc.Overlay().Lookup(fc.flowName, stageName, slot.ID); found && use != "" {
		decision = GateDecision{Kind: GateOverridden, OverrideModuleID: Name(use)}
	}
	return decision
}

// invokeStageSlot runs slot's argsFrom → invoke chain. A GateOverridden
// decision retargets execution to the stage's other slot named
// OverrideModuleID — the override target must already be declared in the
// same stage, so its own argsFrom/memoKey/invoke closures run unchanged; the
// outcome is still recorded under the original slot's id.
func invokeStageSlot(fc *FlowContext, stageName Name, slot StageModuleSpec, decision GateDecision, byID map[Name]StageModuleSpec) Outcome[any] {
	effective := slot
	if decision.Kind == GateOverridden {
		if target, found := byID[decision.OverrideModuleID]; found {
			effective = target
		}
	}
	args, ok := effective.argsFrom(fc)
	if !ok {
		return Skipped[any]("args_unavailable")
	}
	isShadow := decision.Kind == GateShadow
	return effective.invoke(fc.Context(), fc, args, isShadow, effective.memoKey)
}

// runShadowSlots executes every shadow candidate concurrently with the live
// path, sampled by its ShadowSampleBps, per spec §4.J step 5. Shadow
// outcomes never influence the stage result; they are recorded into explain
// only.
func runShadowSlots(fc *FlowContext, stageName Name, shadow []stageSlotResult, byID map[Name]StageModuleSpec, collector *ExplainCollector) {
	for i := range shadow {
		res := shadow[i]
		if res.decision.ShadowSampleBps < 10000 && rand.Intn(10000) >= res.decision.ShadowSampleBps {
			continue
		}
		go func(res stageSlotResult) {
			defer func() { recover() }() // a shadow module's panic must never surface past its own goroutine
			capitan.Info(fc.Context(), SignalStageShadowStarted, FieldStageName.Field(string(stageName)), FieldModuleID.Field(string(res.slot.ID)))
			start := fc.Clock().Now()
			outcome := invokeStageSlot(fc, stageName, res.slot, res.decision, byID)
			res.outcome = outcome
			res.start = start
			res.end = fc.Clock().Now()
			capitan.Info(fc.Context(), SignalStageShadowFinished, FieldStageName.Field(string(stageName)), FieldModuleID.Field(string(res.slot.ID)))
			recordStageSlot(collector, stageName, res)
		}(res)
	}
}

// recordStageSlot emits one ExplainStageModule per spec §4.J step 6.
func recordStageSlot(collector *ExplainCollector, stageName Name, res stageSlotResult) {
	if collector == nil {
		return
	}
	collector.RecordStageModule(ExplainStageModule{
		StageName:       stageName,
		ModuleID:        res.slot.ID,
		Priority:        res.slot.Priority,
		GateDecision:    res.decision.Kind,
		SelectorName:    string(res.slot.SelectorName),
		IsShadow:        res.decision.Kind == GateShadow,
		ShadowSampleBps: res.decision.ShadowSampleBps,
		IsOverride:      res.decision.Kind == GateOverridden,
		OutcomeKind:     res.outcome.Kind(),
		OutcomeCode:     res.outcome.Code(),
		Start:           res.start,
		End:             res.end,
	})
}

func gateDecisionCode(d GateDecision) string {
	switch d.Kind {
	case GateEnabled:
		return "enabled"
	case GateShadow:
		return "shadow"
	case GateDisabled:
		return d.DisabledCode
	case GateOverridden:
		return "overridden:" + string(d.OverrideModuleID)
	default:
		return "unknown"
	}
}
