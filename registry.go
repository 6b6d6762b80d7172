package flowz

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
)

// ErrDuplicateFlow is a programmer error: RegisterFlow was called twice with
// the same flow name.
var ErrDuplicateFlow = errors.New("flowz: flow already registered")

// ErrUnknownFlow is a programmer error: Run or Explain was called with a
// flowName no entry was Registered under.
var ErrUnknownFlow = errors.New("flowz: unknown flow")

// ErrRequestTypeMismatch is a programmer error: Run[Req,Resp] was called
// against a flow registered with different Req/Resp types.
var ErrRequestTypeMismatch = errors.New("flowz: flow request/response type mismatch")

// ExecutedEvent is published via FlowRegistry.OnExecuted after every
// invocation completes, successful or not.
type ExecutedEvent struct {
	FlowName Name
	Outcome  Outcome[any]
	Explain  ExecExplain
}

// ModuleFaultEvent is published via FlowRegistry.OnModuleFault whenever a
// node's outcome folds to a module_fault:* code.
type ModuleFaultEvent struct {
	FlowName Name
	NodeName Name
	Code     string
}

// flowEntry is the type-erased registration record behind FlowRegistry's
// map, mirroring the catalog's own erase-then-assert pattern: reqType/
// respType back Run[Req,Resp]'s runtime check, and the plan/compile state is
// otherwise untyped.
type flowEntry struct {
	plan          *PlanTemplate
	reqType       reflect.Type
	respType      reflect.Type
	defaultParams any
}

// FlowRegistry holds every compiled flow a process serves, plus the shared,
// cross-invocation state every invocation's FlowContext is built against:
// the module catalog, the concurrency limiter table, and (optionally) the
// current resolved overlay. Registered flows are immutable once added;
// reconfiguration happens through the overlay, not by re-registering.
type FlowRegistry struct {
	mu    sync.RWMutex
	flows map[Name]*flowEntry

	catalog  *ModuleCatalog
	limiters *ModuleConcurrencyLimiters

	overlayMu     sync.RWMutex
	overlay       *ResolvedOverlay
	overlayRaw    []byte
	overlayDiff   []OverlayApplied
	configVersion string

	explainLevel ExplainLevel
	clock        clockz.Clock
	metrics      *metricz.Registry

	executed    *hookz.Hooks[ExecutedEvent]
	moduleFault *hookz.Hooks[ModuleFaultEvent]

	closeOnce sync.Once
}

const (
	metricFlowsExecuted = metricz.Key("registry.flows.executed.total")
	metricFlowsFailed   = metricz.Key("registry.flows.failed.total")

	eventExecuted    = hookz.Key("registry.executed")
	eventModuleFault = hookz.Key("registry.module-fault")
)

// NewFlowRegistry constructs a registry bound to catalog, with its own fresh
// limiter table and a real clock. Use the With* options to override either.
func NewFlowRegistry(catalog *ModuleCatalog, opts ...FlowRegistryOption) *FlowRegistry {
	m := metricz.New()
	m.Counter(metricFlowsExecuted)
	m.Counter(metricFlowsFailed)
	r := &FlowRegistry{
		flows:        make(map[Name]*flowEntry),
		catalog:      catalog,
		limiters:     NewModuleConcurrencyLimiters(),
		explainLevel: ExplainSummary,
		clock:        clockz.RealClock,
		metrics:      m,
		executed:     hookz.New[ExecutedEvent](),
		moduleFault:  hookz.New[ModuleFaultEvent](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FlowRegistryOption configures a FlowRegistry at construction time.
type FlowRegistryOption func(*FlowRegistry)

// WithRegistryClock injects a clock, so deadline-dependent registry tests
// never sleep on wall time.
func WithRegistryClock(clock clockz.Clock) FlowRegistryOption {
	return func(r *FlowRegistry) { r.clock = clock }
}

// WithExplainLevel sets the detail level every invocation's explain
// collector is constructed with.
func WithExplainLevel(level ExplainLevel) FlowRegistryOption {
	return func(r *FlowRegistry) { r.explainLevel = level }
}

// WithLimiterTable injects a pre-built limiter table, e.g. one already
// EnsureConfigured against a startup overlay.
func WithLimiterTable(limiters *ModuleConcurrencyLimiters) FlowRegistryOption {
	return func(r *FlowRegistry) { r.limiters = limiters }
}

// Metrics returns the registry's aggregate counters.
func (r *FlowRegistry) Metrics() *metricz.Registry { return r.metrics }

// Catalog returns the module catalog every flow resolves against.
func (r *FlowRegistry) Catalog() *ModuleCatalog { return r.catalog }

// Limiters returns the shared concurrency limiter table.
func (r *FlowRegistry) Limiters() *ModuleConcurrencyLimiters { return r.limiters }

// OnExecuted registers a hook invoked after every completed invocation.
func (r *FlowRegistry) OnExecuted(fn func(context.Context, ExecutedEvent) error) error {
	_, err := r.executed.Hook(eventExecuted, fn)
	return err
}

// OnModuleFault registers a hook invoked for every node outcome that folds
// to a module_fault:* code.
func (r *FlowRegistry) OnModuleFault(fn func(context.Context, ModuleFaultEvent) error) error {
	_, err := r.moduleFault.Hook(eventModuleFault, fn)
	return err
}

// RegisterFlow compiles blueprint against the registry's catalog and, if the
// report has no errors, adds Req/Resp's typed flow under flowName. It
// returns the ValidationReport either way so a caller can inspect
// Warning-severity findings even on success.
func RegisterFlow[Req, Resp any](r *FlowRegistry, flowName Name, bp *Blueprint, defaultParams any) (ValidationReport, error) {
	plan, report := Compile(bp, r.catalog)
	if report.HasErrors() {
		return report, report
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.flows[flowName]; exists {
		return report, fmt.Errorf("%w: %q", ErrDuplicateFlow, flowName)
	}
	r.flows[flowName] = &flowEntry{
		plan:          plan,
		reqType:       reflect.TypeOf((*Req)(nil)).Elem(),
		respType:      reflect.TypeOf((*Resp)(nil)).Elem(),
		defaultParams: defaultParams,
	}
	return report, nil
}

// SetOverlay installs a resolved overlay and its configVersion, applying its
// limits.moduleConcurrency.maxInFlight table to the shared limiter table.
// Every invocation started after this call observes the new overlay; any
// invocation already in flight keeps whatever overlay it was started with.
func (r *FlowRegistry) SetOverlay(ctx context.Context, patchJSON []byte, configVersion string) error {
	overlay, err := ResolveOverlay(ctx, patchJSON)
	if err != nil {
		return err
	}
	if err := r.limiters.EnsureConfigured(ctx, patchJSON, configVersion); err != nil {
		return err
	}

	r.overlayMu.Lock()
	defer r.overlayMu.Unlock()
	diff, err := DiffModules(r.overlayRaw, patchJSON)
	if err != nil {
		return err
	}
	r.overlay = overlay
	r.overlayRaw = patchJSON
	r.overlayDiff = diff
	r.configVersion = configVersion
	return nil
}

func (r *FlowRegistry) currentOverlay() (*ResolvedOverlay, string, []OverlayApplied) {
	r.overlayMu.RLock()
	defer r.overlayMu.RUnlock()
	return r.overlay, r.configVersion, r.overlayDiff
}

// Explain returns a static PlanExplain outline for flowName without running
// an invocation.
func (r *FlowRegistry) Explain(flowName Name) (PlanExplain, error) {
	r.mu.RLock()
	entry, found := r.flows[flowName]
	r.mu.RUnlock()
	if !found {
		return PlanExplain{}, fmt.Errorf("%w: %q", ErrUnknownFlow, flowName)
	}
	return Explain(entry.plan), nil
}

// RunOptions configures one invocation of Run.
type RunOptions struct {
	Deadline time.Time
	Variants map[string]string
	Services Services
}

// Run executes flowName against req, returning the folded response Outcome
// and its ExecExplain trace. Req/Resp must match the types RegisterFlow was
// called with for this flow; a mismatch is a programmer error.
func Run[Req, Resp any](ctx context.Context, r *FlowRegistry, flowName Name, req Req, opts RunOptions) (Outcome[Resp], ExecExplain) {
	r.mu.RLock()
	entry, found := r.flows[flowName]
	r.mu.RUnlock()
	if !found {
		panic(fmt.Sprintf("flowz: %s: %q", ErrUnknownFlow, flowName))
	}

	wantReq := reflect.TypeOf((*Req)(nil)).Elem()
	wantResp := reflect.TypeOf((*Resp)(nil)).Elem()
	if entry.reqType != wantReq || entry.respType != wantResp {
		panic(fmt.Sprintf("flowz: %s: %q registered as (%s,%s), requested (%s,%s)",
			ErrRequestTypeMismatch, flowName, entry.reqType, entry.respType, wantReq, wantResp))
	}

	overlay, configVersion, overlayDiff := r.currentOverlay()

	fcOpts := []FlowContextOption{
		WithClock(r.clock),
		WithRequest(any(req)),
		WithFlowName(flowName),
		WithLimiters(r.limiters),
	}
	if !opts.Deadline.IsZero() {
		fcOpts = append(fcOpts, WithDeadline(opts.Deadline))
	}
	if configVersion != "" {
		fcOpts = append(fcOpts, WithConfigVersion(configVersion))
	}

	fc := NewFlowContext(ctx, r.catalog, opts.Services, fcOpts...)
	defer fc.Cancel()
	fc.SetOverlay(overlay)
	fc.SetVariants(opts.Variants)

	collector := NewExplainCollector(r.explainLevel)
	defer collector.Close()

	result := Execute(fc, entry.plan, collector)

	explain := collector.Finish(ctx, fc, r.clock.Now(), overlayDiff, "")

	r.publishExecuted(ctx, flowName, result, explain)

	for _, n := range explain.Nodes {
		if n.OutcomeKind == KindError && isModuleFault(n.OutcomeCode) {
			r.publishModuleFault(ctx, flowName, n.Name, n.OutcomeCode)
		}
	}

	if result.Kind() == KindError || result.Kind() == KindTimeout {
		r.metrics.Counter(metricFlowsFailed).Inc()
	} else {
		r.metrics.Counter(metricFlowsExecuted).Inc()
	}

	return foldResponse[Resp](result), explain
}

// foldResponse converts the executor's type-erased Outcome[any] into the
// flow's declared Outcome[Resp]. A value-bearing outcome whose value isn't
// actually a Resp is a programmer error and panics. Neither Compile nor
// RegisterFlow compares the response node's OutType with Resp, so such a
// mismatch in blueprint construction first surfaces here, at run time.
func foldResponse[Resp any](o Outcome[any]) Outcome[Resp] {
	if !o.IsValueBearing() {
		switch o.Kind() {
		case KindError:
			return Error[Resp](o.Code())
		case KindTimeout:
			return Timeout[Resp](o.Code())
		case KindSkipped:
			return Skipped[Resp](o.Code())
		case KindCanceled:
			return Canceled[Resp](o.Code())
		default:
			return Error[Resp]("flow_no_response")
		}
	}
	value, ok := o.Value().(Resp)
	if !ok {
		panic("flowz: response node outcome value is not assignable to the flow's declared response type")
	}
	if o.Kind() == KindFallback {
		return Fallback(value, o.Code())
	}
	return Ok(value)
}

func isModuleFault(code string) bool {
	return len(code) >= len("module_fault:") && code[:len("module_fault:")] == "module_fault:"
}

func (r *FlowRegistry) publishExecuted(ctx context.Context, flowName Name, result Outcome[any], explain ExecExplain) {
	// hookz callbacks are best-effort observers; a failing hook must never
	// fail the flow itself.
	_ = r.executed.Emit(ctx, eventExecuted, ExecutedEvent{FlowName: flowName, Outcome: result, Explain: explain}) //nolint:errcheck
}

func (r *FlowRegistry) publishModuleFault(ctx context.Context, flowName, nodeName Name, code string) {
	_ = r.moduleFault.Emit(ctx, eventModuleFault, ModuleFaultEvent{FlowName: flowName, NodeName: nodeName, Code: code}) //nolint:errcheck
}

// Close releases the registry's hook subscriptions. Idempotent.
func (r *FlowRegistry) Close() error {
	r.closeOnce.Do(func() {
		r.executed.Close()
		r.moduleFault.Close()
	})
	return nil
}
