package flowz

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/metricz"
)

// Lifetime controls how often a catalog entry's factory runs.
type Lifetime int

const (
	// Transient invokes the factory once per Create call.
	Transient Lifetime = iota
	// Singleton creates the module at most once, lazily, and reuses it for
	// every subsequent Create call.
	Singleton
)

// ThreadSafety declares whether a module's Process method tolerates
// overlapping invocations.
type ThreadSafety int

const (
	// Safe modules may be invoked concurrently.
	Safe ThreadSafety = iota
	// NotSafe modules must never be invoked concurrently; the catalog
	// enforces this for Singleton NotSafe entries by rejecting overlap
	// with a ConcurrencyViolation.
	NotSafe
)

// ErrUnknownModuleType is a programmer error: Create was called with a
// typeName no entry was Registered under.
var ErrUnknownModuleType = errors.New("flowz: unknown module type")

// ErrDuplicateModuleType is a programmer error: Register was called twice
// with the same typeName.
var ErrDuplicateModuleType = errors.New("flowz: module type already registered")

// ErrSignatureMismatch is a programmer error: Create[Args,Out] was called
// against an entry registered with different Args/Out types.
var ErrSignatureMismatch = errors.New("flowz: module signature mismatch")

// ConcurrencyViolation describes a NotSafe singleton being entered while
// another invocation is still inside it. The not-safe guard never returns or
// panics with it: it emits the violation's message on
// SignalSingletonRejectedOverlap and returns
// Error("module_fault:concurrency_violation:<type>") instead, since this is a
// runtime condition a caller can legitimately hit under load, not a coding
// mistake.
type ConcurrencyViolation struct {
	ModuleType Name
}

func (e *ConcurrencyViolation) Error() string {
	return fmt.Sprintf("flowz: concurrent entry into not-safe singleton module %q", e.ModuleType)
}

// concurrencyViolationCode builds the module_fault code a rejected
// ConcurrencyViolation folds to, per the module_fault:<code> convention
// panicCode also uses.
func concurrencyViolationCode(moduleType Name) string {
	return fmt.Sprintf("module_fault:concurrency_violation:%s", moduleType)
}

// catalogEntry is the type-erased registration record. argsType/outType back
// TryGetSignature; the factory and the rest of the lifetime machinery are
// erased to `any` and recovered through a type assertion inside the generic
// Create function, since a single map cannot hold heterogeneous
// ModuleFactory[Args, Out] values without erasure.
type catalogEntry struct {
	argsType      reflect.Type
	outType       reflect.Type
	lifetime      Lifetime
	threadSafety  ThreadSafety
	factory       any // ModuleFactory[Args, Out]
	argsValidator func(args any) error

	once        sync.Once
	onceErr     error
	singleton   any // Module[Args, Out], once created
	inFlight    sync.Mutex
	inFlightSet bool
}

// ModuleCatalog is the typed registry of module factories every Blueprint
// node resolves against, grounded on the module-ecosystem's plugin registry
// (Register/Get/List by name) enriched with the lifetime and thread-safety
// policy spec §4.B requires, and with the circuit breaker's double-checked,
// mutex-guarded state transition adapted into double-checked singleton
// creation.
type ModuleCatalog struct {
	mu      sync.RWMutex
	entries map[Name]*catalogEntry
	metrics *metricz.Registry
}

const (
	metricSingletonCreated  = metricz.Key("catalog.singleton.created.total")
	metricSingletonRejected = metricz.Key("catalog.singleton.rejected.total")
)

// NewModuleCatalog constructs an empty catalog.
func NewModuleCatalog() *ModuleCatalog {
	m := metricz.New()
	m.Counter(metricSingletonCreated)
	m.Counter(metricSingletonRejected)
	return &ModuleCatalog{
		entries: make(map[Name]*catalogEntry),
		metrics: m,
	}
}

// Metrics returns the catalog's counters.
func (c *ModuleCatalog) Metrics() *metricz.Registry { return c.metrics }

// Register records a module factory under typeName. It fails if typeName is
// empty or already registered. Register installs no args validator; use
// RegisterValidated for an entry whose args are validated before each call.
func Register[Args, Out any](c *ModuleCatalog, typeName Name, lifetime Lifetime, threadSafety ThreadSafety, factory ModuleFactory[Args, Out]) error {
	if typeName == "" {
		return errors.New("flowz: module type name must not be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[typeName]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateModuleType, typeName)
	}

	c.entries[typeName] = &catalogEntry{
		argsType:     reflect.TypeOf((*Args)(nil)).Elem(),
		outType:      reflect.TypeOf((*Out)(nil)).Elem(),
		lifetime:     lifetime,
		threadSafety: threadSafety,
		factory:      factory,
	}
	return nil
}

// RegisterValidated is Register plus a go-playground/validator-backed
// argsValidator: args are validated via validator.New().Struct(args) against
// `validate:"..."` struct tags before a module ever sees them. A validation
// failure becomes Error("module_args_invalid") at invocation time, not a
// compile-time error, since args are only known per-invocation.
func RegisterValidated[Args, Out any](c *ModuleCatalog, typeName Name, lifetime Lifetime, threadSafety ThreadSafety, factory ModuleFactory[Args, Out]) error {
	if err := Register(c, typeName, lifetime, threadSafety, factory); err != nil {
		return err
	}
	v := validator.New()
	c.mu.Lock()
	c.entries[typeName].argsValidator = func(args any) error {
		return v.Struct(args)
	}
	c.mu.Unlock()
	return nil
}

// TryGetSignature returns the registered (argsType, outType) for typeName,
// used internally by the plan compiler to validate a blueprint's bound node
// types without forcing the compiler itself to be generic over every node's
// Args/Out.
func (c *ModuleCatalog) TryGetSignature(typeName Name) (argsType, outType reflect.Type, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, found := c.entries[typeName]
	if !found {
		return nil, nil, false
	}
	return e.argsType, e.outType, true
}

// Create resolves typeName to a Module[Args, Out], honoring its registered
// lifetime and thread-safety. For Transient entries the factory runs once
// per call. For Singleton entries, creation is double-checked under a
// per-entry sync.Once so only the first caller ever invokes the factory,
// mirroring the catalog's singleton gate; every subsequent call reuses the
// same instance.
func Create[Args, Out any](c *ModuleCatalog, typeName Name, services Services) (Module[Args, Out], error) {
	c.mu.RLock()
	e, found := c.entries[typeName]
	c.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModuleType, typeName)
	}

	wantArgs := reflect.TypeOf((*Args)(nil)).Elem()
	wantOut := reflect.TypeOf((*Out)(nil)).Elem()
	if e.argsType != wantArgs || e.outType != wantOut {
		return nil, fmt.Errorf("%w: %q registered as (%s,%s), requested (%s,%s)",
			ErrSignatureMismatch, typeName, e.argsType, e.outType, wantArgs, wantOut)
	}

	factory, ok := e.factory.(ModuleFactory[Args, Out])
	if !ok {
		return nil, fmt.Errorf("%w: %q factory type assertion failed", ErrSignatureMismatch, typeName)
	}

	if e.lifetime == Transient {
		mod, err := factory(services)
		if err != nil {
			return nil, fmt.Errorf("flowz: create module %q: %w", typeName, err)
		}
		return wrapEntry(e, typeName, mod), nil
	}

	e.once.Do(func() {
		mod, err := factory(services)
		if err != nil {
			e.onceErr = fmt.Errorf("flowz: create singleton module %q: %w", typeName, err)
			return
		}
		e.singleton = mod
		c.metrics.Counter(metricSingletonCreated).Inc()
		capitan.Info(context.Background(), SignalSingletonCreated, FieldModuleType.Field(string(typeName)))
	})
	if e.onceErr != nil {
		return nil, e.onceErr
	}
	mod, ok := e.singleton.(Module[Args, Out])
	if !ok {
		return nil, fmt.Errorf("%w: %q singleton type assertion failed", ErrSignatureMismatch, typeName)
	}
	return wrapEntry(e, typeName, mod), nil
}

// wrapEntry layers the args-validator (if any) and the not-safe-singleton
// guard (if applicable) around mod, innermost first.
func wrapEntry[Args, Out any](e *catalogEntry, typeName Name, mod Module[Args, Out]) Module[Args, Out] {
	wrapped := mod
	if e.argsValidator != nil {
		wrapped = validatingGuard[Args, Out]{validate: e.argsValidator, inner: wrapped}
	}
	if e.lifetime == Singleton && e.threadSafety == NotSafe {
		wrapped = notSafeGuard[Args, Out]{entry: e, typeName: typeName, inner: wrapped}
	}
	return wrapped
}

// validatingGuard rejects args that fail the catalog's registered validator
// before the wrapped module ever sees them.
type validatingGuard[Args, Out any] struct {
	validate func(args any) error
	inner    Module[Args, Out]
}

func (g validatingGuard[Args, Out]) Process(ctx context.Context, mc ModuleContext[Args]) Outcome[Out] {
	if err := g.validate(mc.Args); err != nil {
		return Error[Out]("module_args_invalid")
	}
	return g.inner.Process(ctx, mc)
}

// notSafeGuard enforces exclusive entry into a NotSafe singleton.
type notSafeGuard[Args, Out any] struct {
	entry    *catalogEntry
	typeName Name
	inner    Module[Args, Out]
}

func (g notSafeGuard[Args, Out]) Process(ctx context.Context, mc ModuleContext[Args]) Outcome[Out] {
	g.entry.inFlight.Lock()
	if g.entry.inFlightSet {
		g.entry.inFlight.Unlock()
		violation := &ConcurrencyViolation{ModuleType: g.typeName}
		capitan.Warn(ctx, SignalSingletonRejectedOverlap,
			FieldModuleType.Field(string(g.typeName)),
			FieldError.Field(violation.Error()),
		)
		return Error[Out](concurrencyViolationCode(g.typeName))
	}
	g.entry.inFlightSet = true
	g.entry.inFlight.Unlock()

	defer func() {
		g.entry.inFlight.Lock()
		g.entry.inFlightSet = false
		g.entry.inFlight.Unlock()
	}()

	return g.inner.Process(ctx, mc)
}
