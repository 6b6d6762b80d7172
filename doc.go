// Package flowz provides a type-safe orchestrator for composing pluggable
// modules into declarative request/response flows.
//
// # Overview
//
// flowz turns a flow from a hand-wired call graph into data: a Blueprint of
// nodes (module invocations, stages of competing modules, conditionals)
// compiled once into a PlanTemplate and executed many times against a
// FlowContext. Every invocation produces an Outcome[T] — never a bare error —
// and, when requested, a full ExecExplain trace describing exactly which
// nodes ran, in what order, and why.
//
// # Core Concepts
//
//   - Outcome[T]: a six-variant result (Ok, Fallback, Error, Timeout, Skipped,
//     Canceled) folded from every module invocation.
//   - ModuleCatalog: a typed registry of module factories, each with a
//     declared lifetime (Transient or Singleton) and thread-safety
//     (Safe or NotSafe).
//   - Blueprint: a declarative graph of ModuleNode, StageNode, and
//     ConditionalNode values, compiled into an immutable PlanTemplate with a
//     deterministic planHash.
//   - FlowRegistry: holds compiled flows by name and executes them against a
//     FlowContext, optionally under a patch overlay.
//   - Overlay: a versioned JSON patch that can add, remove, or retarget stage
//     modules and adjust concurrency limits without recompiling a blueprint.
//   - ExplainCollector: records the nodes and stage-module slots an
//     invocation actually touched into an immutable ExecExplain trace.
//
// # Usage Example
//
//	catalog := flowz.NewModuleCatalog()
//	flowz.Register[PriceArgs, Price](catalog, "pricing.base", flowz.Transient, flowz.Safe,
//	    func(services flowz.Services) (flowz.Module[PriceArgs, Price], error) {
//	        return priceModule{}, nil
//	    })
//
//	argsFromRequest := func(fc *flowz.FlowContext) (PriceArgs, bool) {
//	    return flowz.RequestAs[PriceArgs](fc)
//	}
//	bp := flowz.NewBlueprint("checkout")
//	bp.AddStage("pricing", flowz.StageNodeSpec{
//	    StageName: "pricing",
//	    Modules: []flowz.StageModuleSpec{
//	        flowz.StageModule[PriceArgs, Price]("base", "pricing.base", 0, nil, argsFromRequest, nil),
//	    },
//	})
//	bp.Respond("pricing")
//
//	registry := flowz.NewFlowRegistry(catalog)
//	if _, err := flowz.RegisterFlow[PriceArgs, Price](registry, "checkout", bp, nil); err != nil {
//	    panic(err)
//	}
//
//	outcome, explain := flowz.Run[PriceArgs, Price](context.Background(), registry, "checkout",
//	    PriceArgs{SKU: "widget"}, flowz.RunOptions{})
//
// # Observability
//
// flowz emits structured signals through capitan, counters through metricz,
// and async hooks through hookz — the same stack its module catalog and
// executor depend on internally, wired the same way throughout so a caller
// configures one sink and observes the whole system. Each ExplainCollector
// also owns a tracez tracer, exposed through Tracer(); the executor starts no
// spans on it.
package flowz
