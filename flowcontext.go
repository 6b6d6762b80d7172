package flowz

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
)

// ErrDuplicateNodeOutcome is a programmer error: two calls tried to record an
// outcome for the same node name within one invocation.
var ErrDuplicateNodeOutcome = errors.New("flowz: duplicate node outcome record")

// nodeOutcomeEntry is what FlowContext stores per node: spec §4.I requires
// type-checked read-back, so the stored output type identity travels with
// the type-erased kind/value/code.
type nodeOutcomeEntry struct {
	outType reflect.Type
	kind    Kind
	value   any
	code    string
}

// FlowContextOption configures a FlowContext at construction time.
type FlowContextOption func(*FlowContext)

// WithClock injects a clock for deadline arithmetic, matching every module
// ecosystem connector's WithClock option, so deadline tests never sleep on
// wall time.
func WithClock(clock clockz.Clock) FlowContextOption {
	return func(fc *FlowContext) { fc.clock = clock }
}

// WithDeadline sets the invocation's single deadline.
func WithDeadline(deadline time.Time) FlowContextOption {
	return func(fc *FlowContext) { fc.deadline = deadline }
}

// WithConfigVersion attaches the overlay configVersion the explain collector
// should stamp onto ExecExplain, exposed back through TryGetConfigVersion.
func WithConfigVersion(version string) FlowContextOption {
	return func(fc *FlowContext) { fc.configVersion = version }
}

// WithLimiters attaches the module concurrency limiter table the registry
// shares across invocations. Without this option a FlowContext gets a fresh,
// unconfigured table of its own, which always admits.
func WithLimiters(limiters *ModuleConcurrencyLimiters) FlowContextOption {
	return func(fc *FlowContext) { fc.limiters = limiters }
}

// WithRequest attaches the original flow request, which ModuleNodeSpec and
// StageModuleSpec argsFrom closures read back via Request.
func WithRequest(request any) FlowContextOption {
	return func(fc *FlowContext) { fc.request = request }
}

// WithFlowName attaches the flow name a stage node's overlay lookups are
// scoped under.
func WithFlowName(name Name) FlowContextOption {
	return func(fc *FlowContext) { fc.flowName = name }
}

// FlowContext is created per invocation and carries everything scoped to
// that single invocation: services, the one cancellation signal and
// deadline every module shares, the node-outcome table, and the request
// memo. Unlike the catalog's singleton gate and the limiter table, nothing
// in a FlowContext is shared across invocations.
type FlowContext struct {
	ctx      context.Context
	cancel   context.CancelFunc
	deadline time.Time
	clock    clockz.Clock
	catalog  *ModuleCatalog
	memo     *RequestMemo
	services Services
	id       uuid.UUID

	configVersion string
	overlay       *ResolvedOverlay
	variants      map[string]string
	limiters      *ModuleConcurrencyLimiters
	request       any
	flowName      Name

	mu       sync.Mutex
	outcomes map[Name]nodeOutcomeEntry
}

// NewFlowContext starts a new invocation scope. ctx's cancellation and
// WithDeadline (if supplied) together form the invocation's single
// cancellation token and deadline, per spec §5.
func NewFlowContext(ctx context.Context, catalog *ModuleCatalog, services Services, opts ...FlowContextOption) *FlowContext {
	cctx, cancel := context.WithCancel(ctx)
	fc := &FlowContext{
		ctx:      cctx,
		cancel:   cancel,
		clock:    clockz.RealClock,
		catalog:  catalog,
		memo:     NewRequestMemo(),
		services: services,
		id:       uuid.New(),
		outcomes: make(map[Name]nodeOutcomeEntry),
		limiters: NewModuleConcurrencyLimiters(),
	}
	for _, opt := range opts {
		opt(fc)
	}
	if !fc.deadline.IsZero() {
		dctx, dcancel := fc.clock.WithTimeout(fc.ctx, fc.deadline.Sub(fc.clock.Now()))
		fc.ctx = dctx
		prevCancel := fc.cancel
		fc.cancel = func() {
			dcancel()
			prevCancel()
		}
	}
	return fc
}

// ID returns the generated invocation id.
func (fc *FlowContext) ID() uuid.UUID { return fc.id }

// Context returns the invocation's single context, carrying both the
// cancellation signal and the deadline.
func (fc *FlowContext) Context() context.Context { return fc.ctx }

// Cancel triggers the invocation's one cancellation signal. Calling it more
// than once is a no-op beyond the first — context.CancelFunc is already
// idempotent, which is what gives the executor cancellation idempotence for
// free.
func (fc *FlowContext) Cancel() { fc.cancel() }

// Deadline returns the invocation's single deadline, or the zero Time if
// none was set.
func (fc *FlowContext) Deadline() time.Time { return fc.deadline }

// Remaining returns the time left before Deadline, or the largest
// representable duration when no deadline was set.
func (fc *FlowContext) Remaining() time.Duration {
	if fc.deadline.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return fc.deadline.Sub(fc.clock.Now())
}

// Clock returns the invocation's clock.
func (fc *FlowContext) Clock() clockz.Clock { return fc.clock }

// Catalog returns the module catalog this invocation resolves nodes
// against.
func (fc *FlowContext) Catalog() *ModuleCatalog { return fc.catalog }

// Memo returns the invocation's request-memo table.
func (fc *FlowContext) Memo() *RequestMemo { return fc.memo }

// Limiters returns the module concurrency limiter table in effect, shared
// across invocations per spec §5's shared-mutable-state list.
func (fc *FlowContext) Limiters() *ModuleConcurrencyLimiters { return fc.limiters }

// Request returns the original flow request this invocation was started
// with, as supplied via WithRequest.
func (fc *FlowContext) Request() any { return fc.request }

// Services returns the services bag this invocation was constructed with.
func (fc *FlowContext) Services() Services { return fc.services }

// Overlay returns the resolved overlay in effect for this invocation, or nil
// if none was supplied.
func (fc *FlowContext) Overlay() *ResolvedOverlay { return fc.overlay }

// SetOverlay attaches a resolved overlay. Called by the registry before
// dispatching to the executor.
func (fc *FlowContext) SetOverlay(overlay *ResolvedOverlay) { fc.overlay = overlay }

// Variants returns the experiment variant assignment in effect, an opaque
// map the resolver never interprets itself.
func (fc *FlowContext) Variants() map[string]string { return fc.variants }

// SetVariants attaches the experiment variant assignment.
func (fc *FlowContext) SetVariants(variants map[string]string) { fc.variants = variants }

// TryGetConfigVersion returns the configVersion this invocation was told
// about, used by the explain collector to stamp ExecExplain.
func (fc *FlowContext) TryGetConfigVersion() (string, bool) {
	return fc.configVersion, fc.configVersion != ""
}

// RequestAs type-asserts the invocation's original request to Req, for use
// inside argsFrom closures that derive a node's Args from the flow's
// request. ok is false if no request was attached or its type doesn't match.
func RequestAs[Req any](fc *FlowContext) (Req, bool) {
	req, ok := fc.request.(Req)
	return req, ok
}

// RecordNodeOutcome stores outcome under name. Recording a second outcome
// for a name already recorded is a programmer error — each node in a
// compiled plan executes exactly once per invocation.
func RecordNodeOutcome[T any](fc *FlowContext, name Name, outcome Outcome[T]) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if _, exists := fc.outcomes[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateNodeOutcome, name)
	}
	fc.outcomes[name] = nodeOutcomeEntry{
		outType: reflect.TypeOf((*T)(nil)).Elem(),
		kind:    outcome.kind,
		value:   outcome.value,
		code:    outcome.code,
	}
	return nil
}

// TryGetNodeOutcome reads back node name's recorded outcome as an
// Outcome[T]. ok is false if no record exists, or if the record's stored
// output type does not match T — a type-checked read-back per spec §4.I, so
// a caller never silently receives a zero-valued T for a type mismatch.
// Execute records every node type-erased, as Outcome[any]; such a record is
// read back as T only when it carries a value whose dynamic type is T.
func TryGetNodeOutcome[T any](fc *FlowContext, name Name) (Outcome[T], bool) {
	fc.mu.Lock()
	entry, exists := fc.outcomes[name]
	fc.mu.Unlock()
	if !exists {
		return Outcome[T]{}, false
	}
	wantType := reflect.TypeOf((*T)(nil)).Elem()
	out := Outcome[T]{kind: entry.kind, code: entry.code}
	if entry.outType != wantType {
		v, isT := entry.value.(T)
		if entry.outType != reflect.TypeOf((*any)(nil)).Elem() || !entry.kind.valueBearing() || !isT {
			return Outcome[T]{}, false
		}
		out.value = v
		return out, true
	}
	if entry.kind.valueBearing() {
		out.value = entry.value.(T)
	}
	return out, true
}
