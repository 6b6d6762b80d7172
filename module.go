package flowz

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
)

// Services is the opaque dependency bag a catalog passes to a module
// factory at creation time (database handles, HTTP clients, feature-flag
// readers, ...). flowz never inspects it; modules type-assert it themselves.
type Services any

// ModuleContext carries the per-invocation values a module needs to process
// one set of args: the args themselves, a generated instance id for tracing,
// the invocation's deadline, and the clock to measure it against.
type ModuleContext[Args any] struct {
	Args     Args
	ID       uuid.UUID
	Deadline time.Time
	Clock    clockz.Clock
}

// remaining returns the time left before Deadline, or the largest
// representable duration when no deadline was set.
func (mc ModuleContext[Args]) remaining() time.Duration {
	if mc.Deadline.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return mc.Deadline.Sub(mc.Clock.Now())
}

// Module is the unit of work the executor dispatches. Implementations are
// expected to respect ctx cancellation and to return within the remaining
// deadline; the executor independently folds a Timeout outcome if they
// don't.
type Module[Args, Out any] interface {
	Process(ctx context.Context, mc ModuleContext[Args]) Outcome[Out]
}

// ModuleFunc adapts a plain function into a Module, mirroring the adapter
// pattern the wider module ecosystem uses for its processors.
type ModuleFunc[Args, Out any] func(context.Context, ModuleContext[Args]) Outcome[Out]

// Process implements Module.
func (f ModuleFunc[Args, Out]) Process(ctx context.Context, mc ModuleContext[Args]) Outcome[Out] {
	return f(ctx, mc)
}

// ModuleFactory builds a Module instance from the catalog's services bag.
// The catalog invokes it once per Transient Create call, or at most once per
// entry for a Singleton.
type ModuleFactory[Args, Out any] func(services Services) (Module[Args, Out], error)

// Pure wraps a function that cannot fail into a Module, mirroring the
// module ecosystem's Transform adapter: the function always contributes an
// Ok outcome.
func Pure[Args, Out any](fn func(context.Context, Args) Out) Module[Args, Out] {
	return ModuleFunc[Args, Out](func(ctx context.Context, mc ModuleContext[Args]) Outcome[Out] {
		return Ok(fn(ctx, mc.Args))
	})
}

// Try wraps a function that can fail into a Module, mirroring the module
// ecosystem's Apply adapter: a non-nil error becomes Error(code).
func Try[Args, Out any](code string, fn func(context.Context, Args) (Out, error)) Module[Args, Out] {
	return ModuleFunc[Args, Out](func(ctx context.Context, mc ModuleContext[Args]) Outcome[Out] {
		out, err := fn(ctx, mc.Args)
		if err != nil {
			return Error[Out](code)
		}
		return Ok(out)
	})
}

// Effect wraps a side-effecting function that returns no value into a
// Module over Args itself, mirroring the module ecosystem's Effect adapter:
// a non-nil error becomes Error(code), otherwise the original args pass
// through as the Ok value.
func Effect[Args any](code string, fn func(context.Context, Args) error) Module[Args, Args] {
	return ModuleFunc[Args, Args](func(ctx context.Context, mc ModuleContext[Args]) Outcome[Args] {
		if err := fn(ctx, mc.Args); err != nil {
			return Error[Args](code)
		}
		return Ok(mc.Args)
	})
}
