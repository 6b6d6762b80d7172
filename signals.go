package flowz

import "github.com/zoobzio/capitan"

// Signal constants for flowz domain events. Signals follow the pattern
// <subsystem>.<event>, mirroring the connector signal naming the executor's
// stage fan-out and limiter logic were adapted from.
const (
	// Executor / module-node signals.
	SignalModuleInvoked     capitan.Signal = "executor.module.invoked"
	SignalModuleCompleted   capitan.Signal = "executor.module.completed"
	SignalModulePanicked    capitan.Signal = "executor.module.panicked"
	SignalDeadlineElapsed   capitan.Signal = "executor.deadline.elapsed"
	SignalCancellationSeen  capitan.Signal = "executor.cancellation.seen"
	SignalFlowNoResponse    capitan.Signal = "executor.flow.no-response"

	// Stage fan-out signals.
	SignalStageGateDecision   capitan.Signal = "stage.gate.decision"
	SignalStageLiveSelected   capitan.Signal = "stage.live.selected"
	SignalStageAllSkipped     capitan.Signal = "stage.all-skipped"
	SignalStageShadowStarted  capitan.Signal = "stage.shadow.started"
	SignalStageShadowFinished capitan.Signal = "stage.shadow.finished"

	// Module concurrency limiter signals.
	SignalLimiterAdmitted  capitan.Signal = "limiter.admitted"
	SignalLimiterRefused   capitan.Signal = "limiter.refused"
	SignalLimiterConfigured capitan.Signal = "limiter.configured"

	// Request memo signals.
	SignalMemoMiss  capitan.Signal = "memo.miss"
	SignalMemoHit   capitan.Signal = "memo.hit"
	SignalMemoBroadcast capitan.Signal = "memo.broadcast"

	// Catalog signals.
	SignalSingletonCreated          capitan.Signal = "catalog.singleton.created"
	SignalSingletonRejectedOverlap  capitan.Signal = "catalog.singleton.rejected-overlap"

	// Overlay signals.
	SignalOverlayApplied  capitan.Signal = "overlay.applied"
	SignalOverlayRejected capitan.Signal = "overlay.rejected"
)

// Common field keys using capitan primitive types. All keys use primitive
// types to avoid custom struct serialization.
var (
	// Common fields.
	FieldName      = capitan.NewStringKey("name")
	FieldError     = capitan.NewStringKey("error")
	FieldStack     = capitan.NewStringKey("stack")
	FieldTimestamp = capitan.NewFloat64Key("timestamp")

	// Flow / plan fields.
	FieldFlowName = capitan.NewStringKey("flow_name")
	FieldPlanHash = capitan.NewStringKey("plan_hash")
	FieldNodeName = capitan.NewStringKey("node_name")

	// Module fields.
	FieldModuleType = capitan.NewStringKey("module_type")
	FieldModuleID   = capitan.NewStringKey("module_id")
	FieldOutcomeKind = capitan.NewStringKey("outcome_kind")
	FieldOutcomeCode = capitan.NewStringKey("outcome_code")

	// Stage fields.
	FieldStageName     = capitan.NewStringKey("stage_name")
	FieldPriority       = capitan.NewIntKey("priority")
	FieldGateDecision   = capitan.NewStringKey("gate_decision")
	FieldSelectorName   = capitan.NewStringKey("selector_name")
	FieldIsShadow       = capitan.NewStringKey("is_shadow") // "true" / "false"
	FieldShadowSampleBps = capitan.NewIntKey("shadow_sample_bps")
	FieldIsOverride     = capitan.NewStringKey("is_override") // "true" / "false"

	// Limiter fields.
	FieldLimiterKey = capitan.NewStringKey("limiter_key")
	FieldInFlight   = capitan.NewIntKey("in_flight")
	FieldMaxInFlight = capitan.NewIntKey("max_in_flight")

	// Memo fields.
	FieldMemoKey = capitan.NewStringKey("memo_key")

	// Overlay fields.
	FieldOverlayPath = capitan.NewStringKey("overlay_path")
	FieldOverlayKind = capitan.NewStringKey("overlay_kind")
)

// boolField renders a bool as the "true"/"false" string every FieldIs*
// signal field expects, since capitan exposes string/int/float64 keys only.
func boolField(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
