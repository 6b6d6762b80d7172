package flowz

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type catalogArgs struct {
	N int `validate:"gte=0"`
}

type echoModule struct{}

func (echoModule) Process(_ context.Context, mc ModuleContext[catalogArgs]) Outcome[int] {
	return Ok(mc.Args.N)
}

func TestCatalog_RegisterAndCreate(t *testing.T) {
	catalog := NewModuleCatalog()
	require.NoError(t, Register[catalogArgs, int](catalog, "echo", Transient, Safe,
		func(Services) (Module[catalogArgs, int], error) { return echoModule{}, nil }))

	mod, err := Create[catalogArgs, int](catalog, "echo", nil)
	require.NoError(t, err)
	out := mod.Process(context.Background(), ModuleContext[catalogArgs]{Args: catalogArgs{N: 3}})
	assert.Equal(t, 3, out.Value())
}

func TestCatalog_RegisterRejectsEmptyNameAndDuplicates(t *testing.T) {
	catalog := NewModuleCatalog()
	factory := func(Services) (Module[catalogArgs, int], error) { return echoModule{}, nil }

	assert.Error(t, Register[catalogArgs, int](catalog, "", Transient, Safe, factory))
	require.NoError(t, Register[catalogArgs, int](catalog, "echo", Transient, Safe, factory))
	assert.ErrorIs(t, Register[catalogArgs, int](catalog, "echo", Transient, Safe, factory), ErrDuplicateModuleType)
}

func TestCatalog_CreateUnknownType(t *testing.T) {
	catalog := NewModuleCatalog()
	_, err := Create[catalogArgs, int](catalog, "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownModuleType)
}

func TestCatalog_CreateSignatureMismatch(t *testing.T) {
	catalog := NewModuleCatalog()
	require.NoError(t, Register[catalogArgs, int](catalog, "echo", Transient, Safe,
		func(Services) (Module[catalogArgs, int], error) { return echoModule{}, nil }))

	_, err := Create[string, int](catalog, "echo", nil)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestCatalog_SingletonCreatedOnce(t *testing.T) {
	catalog := NewModuleCatalog()
	var created int
	require.NoError(t, Register[catalogArgs, int](catalog, "singleton", Singleton, Safe,
		func(Services) (Module[catalogArgs, int], error) {
			created++
			return echoModule{}, nil
		}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Create[catalogArgs, int](catalog, "singleton", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

type blockingModule struct {
	enter chan struct{}
	leave chan struct{}
}

func (m blockingModule) Process(_ context.Context, mc ModuleContext[catalogArgs]) Outcome[int] {
	m.enter <- struct{}{}
	<-m.leave
	return Ok(mc.Args.N)
}

func TestCatalog_NotSafeSingletonRejectsOverlap(t *testing.T) {
	catalog := NewModuleCatalog()
	bm := blockingModule{enter: make(chan struct{}), leave: make(chan struct{})}
	require.NoError(t, Register[catalogArgs, int](catalog, "notsafe", Singleton, NotSafe,
		func(Services) (Module[catalogArgs, int], error) { return bm, nil }))

	mod, err := Create[catalogArgs, int](catalog, "notsafe", nil)
	require.NoError(t, err)

	done := make(chan Outcome[int], 1)
	go func() {
		done <- mod.Process(context.Background(), ModuleContext[catalogArgs]{Args: catalogArgs{N: 1}})
	}()
	<-bm.enter

	mod2, err := Create[catalogArgs, int](catalog, "notsafe", nil)
	require.NoError(t, err)
	overlap := mod2.Process(context.Background(), ModuleContext[catalogArgs]{Args: catalogArgs{N: 2}})
	assert.Equal(t, KindError, overlap.Kind())
	assert.Equal(t, "module_fault:concurrency_violation:notsafe", overlap.Code())

	bm.leave <- struct{}{}
	first := <-done
	assert.Equal(t, KindOk, first.Kind())
}

func TestCatalog_RegisterValidated_RejectsInvalidArgs(t *testing.T) {
	catalog := NewModuleCatalog()
	require.NoError(t, RegisterValidated[catalogArgs, int](catalog, "validated", Transient, Safe,
		func(Services) (Module[catalogArgs, int], error) { return echoModule{}, nil }))

	mod, err := Create[catalogArgs, int](catalog, "validated", nil)
	require.NoError(t, err)

	bad := mod.Process(context.Background(), ModuleContext[catalogArgs]{Args: catalogArgs{N: -1}})
	assert.Equal(t, KindError, bad.Kind())
	assert.Equal(t, "module_args_invalid", bad.Code())

	good := mod.Process(context.Background(), ModuleContext[catalogArgs]{Args: catalogArgs{N: 1}})
	assert.Equal(t, KindOk, good.Kind())
}

func TestCatalog_TryGetSignature(t *testing.T) {
	catalog := NewModuleCatalog()
	require.NoError(t, Register[catalogArgs, int](catalog, "echo", Transient, Safe,
		func(Services) (Module[catalogArgs, int], error) { return echoModule{}, nil }))

	argsType, outType, ok := catalog.TryGetSignature("echo")
	require.True(t, ok)
	assert.Equal(t, "catalogArgs", argsType.Name())
	assert.Equal(t, "int", outType.Name())

	_, _, ok = catalog.TryGetSignature("missing")
	assert.False(t, ok)
}
