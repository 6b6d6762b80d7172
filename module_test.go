package flowz

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zoobzio/clockz"
)

func TestPure_AlwaysOk(t *testing.T) {
	mod := Pure(func(_ context.Context, args int) int { return args * 2 })
	out := mod.Process(context.Background(), ModuleContext[int]{Args: 21, Clock: clockz.RealClock})
	assert.Equal(t, KindOk, out.Kind())
	assert.Equal(t, 42, out.Value())
}

func TestTry_FoldsErrorToOutcome(t *testing.T) {
	boom := errors.New("boom")
	mod := Try("compute_failed", func(_ context.Context, args int) (int, error) {
		if args < 0 {
			return 0, boom
		}
		return args + 1, nil
	})

	ok := mod.Process(context.Background(), ModuleContext[int]{Args: 1, Clock: clockz.RealClock})
	assert.Equal(t, KindOk, ok.Kind())
	assert.Equal(t, 2, ok.Value())

	failed := mod.Process(context.Background(), ModuleContext[int]{Args: -1, Clock: clockz.RealClock})
	assert.Equal(t, KindError, failed.Kind())
	assert.Equal(t, "compute_failed", failed.Code())
}

func TestEffect_PassesArgsThroughOnSuccess(t *testing.T) {
	var seen int
	mod := Effect("side_effect_failed", func(_ context.Context, args int) error {
		seen = args
		return nil
	})
	out := mod.Process(context.Background(), ModuleContext[int]{Args: 7, Clock: clockz.RealClock})
	assert.Equal(t, KindOk, out.Kind())
	assert.Equal(t, 7, out.Value())
	assert.Equal(t, 7, seen)
}

func TestEffect_FoldsErrorToOutcome(t *testing.T) {
	mod := Effect("side_effect_failed", func(_ context.Context, _ int) error {
		return errors.New("nope")
	})
	out := mod.Process(context.Background(), ModuleContext[int]{Args: 7, Clock: clockz.RealClock})
	assert.Equal(t, KindError, out.Kind())
	assert.Equal(t, "side_effect_failed", out.Code())
}

func TestModuleFunc_Process(t *testing.T) {
	var mod Module[int, string] = ModuleFunc[int, string](func(_ context.Context, mc ModuleContext[int]) Outcome[string] {
		return Ok("n=" + string(rune('0'+mc.Args)))
	})
	out := mod.Process(context.Background(), ModuleContext[int]{Args: 5})
	assert.Equal(t, KindOk, out.Kind())
}
