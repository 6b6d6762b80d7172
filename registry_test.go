package flowz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

type checkoutRequest struct {
	SKU string
	N   int
}

func registryArgsFrom(fc *FlowContext) (execArgs, bool) {
	req, ok := RequestAs[checkoutRequest](fc)
	if !ok {
		return execArgs{}, false
	}
	return execArgs{N: req.N}, true
}

func newCheckoutRegistry(t *testing.T, opts ...FlowRegistryOption) (*FlowRegistry, *ModuleCatalog) {
	t.Helper()
	catalog := NewModuleCatalog()
	registerEchoOK(t, catalog, "pricing.base")
	registry := NewFlowRegistry(catalog, opts...)

	bp := NewBlueprint("checkout")
	bp.AddModule("pricing", ModuleNode[execArgs, int]("pricing.base", registryArgsFrom, nil))
	bp.Respond("pricing")
	_, err := RegisterFlow[checkoutRequest, int](registry, "checkout", bp, nil)
	require.NoError(t, err)

	return registry, catalog
}

func TestRegisterFlow_RejectsDuplicateFlowName(t *testing.T) {
	registry, catalog := newCheckoutRegistry(t)
	_ = catalog

	bp := NewBlueprint("checkout")
	bp.AddModule("pricing", ModuleNode[execArgs, int]("pricing.base", registryArgsFrom, nil))
	bp.Respond("pricing")
	_, err := RegisterFlow[checkoutRequest, int](registry, "checkout", bp, nil)
	assert.ErrorIs(t, err, ErrDuplicateFlow)
}

func TestRegisterFlow_ReturnsCompileReportOnError(t *testing.T) {
	catalog := NewModuleCatalog()
	registry := NewFlowRegistry(catalog)

	bp := NewBlueprint("checkout")
	bp.AddModule("pricing", ModuleNode[execArgs, int]("pricing.unregistered", registryArgsFrom, nil))
	bp.Respond("pricing")

	report, err := RegisterFlow[checkoutRequest, int](registry, "checkout", bp, nil)
	require.Error(t, err)
	assert.True(t, report.HasErrors())
}

func TestRun_EndToEnd_Ok(t *testing.T) {
	registry, _ := newCheckoutRegistry(t)
	defer registry.Close()

	result, explain := Run[checkoutRequest, int](context.Background(), registry, "checkout",
		checkoutRequest{SKU: "widget", N: 42}, RunOptions{})

	require.Equal(t, KindOk, result.Kind())
	assert.Equal(t, 42, result.Value())
	assert.Equal(t, Name("checkout"), explain.FlowName)
	assert.NotZero(t, explain.PlanHash)
}

func TestRun_UnknownFlowPanics(t *testing.T) {
	registry, _ := newCheckoutRegistry(t)
	defer registry.Close()

	assert.Panics(t, func() {
		Run[checkoutRequest, int](context.Background(), registry, "missing", checkoutRequest{}, RunOptions{})
	})
}

func TestRun_TypeMismatchPanics(t *testing.T) {
	registry, _ := newCheckoutRegistry(t)
	defer registry.Close()

	assert.Panics(t, func() {
		Run[string, int](context.Background(), registry, "checkout", "wrong-type", RunOptions{})
	})
}

func TestRun_PublishesExecutedHook(t *testing.T) {
	registry, _ := newCheckoutRegistry(t)
	defer registry.Close()

	received := make(chan ExecutedEvent, 1)
	require.NoError(t, registry.OnExecuted(func(_ context.Context, ev ExecutedEvent) error {
		received <- ev
		return nil
	}))

	_, _ = Run[checkoutRequest, int](context.Background(), registry, "checkout", checkoutRequest{N: 7}, RunOptions{})

	select {
	case got := <-received:
		assert.Equal(t, Name("checkout"), got.FlowName)
		assert.Equal(t, KindOk, got.Outcome.Kind())
	case <-time.After(time.Second):
		t.Fatal("expected OnExecuted hook to fire")
	}
}

func TestRun_PublishesModuleFaultHookOnPanic(t *testing.T) {
	catalog := NewModuleCatalog()
	panicky := ModuleFunc[execArgs, int](func(_ context.Context, mc ModuleContext[execArgs]) Outcome[int] {
		panic("kaboom")
	})
	registerAlways(t, catalog, "pricing.panicky", panicky)

	registry := NewFlowRegistry(catalog)
	defer registry.Close()

	bp := NewBlueprint("checkout")
	bp.AddModule("pricing", ModuleNode[execArgs, int]("pricing.panicky", registryArgsFrom, nil))
	bp.Respond("pricing")
	_, err := RegisterFlow[checkoutRequest, int](registry, "checkout", bp, nil)
	require.NoError(t, err)

	received := make(chan ModuleFaultEvent, 1)
	require.NoError(t, registry.OnModuleFault(func(_ context.Context, ev ModuleFaultEvent) error {
		received <- ev
		return nil
	}))

	result, _ := Run[checkoutRequest, int](context.Background(), registry, "checkout", checkoutRequest{N: 1}, RunOptions{})
	assert.Equal(t, KindError, result.Kind())

	select {
	case got := <-received:
		assert.Equal(t, Name("checkout"), got.FlowName)
		assert.Contains(t, got.Code, "module_fault:panic")
	case <-time.After(time.Second):
		t.Fatal("expected OnModuleFault hook to fire")
	}
}

func TestRun_RespectsDeadlineOption(t *testing.T) {
	clock := clockz.NewFakeClock()
	registry, _ := newCheckoutRegistry(t, WithRegistryClock(clock))
	defer registry.Close()

	result, _ := Run[checkoutRequest, int](context.Background(), registry, "checkout",
		checkoutRequest{N: 1}, RunOptions{Deadline: clock.Now().Add(-time.Second)})
	assert.Equal(t, KindTimeout, result.Kind())
}

func TestRegistry_SetOverlay_AppliesLimitsAndRetargeting(t *testing.T) {
	catalog := NewModuleCatalog()
	registerAlways(t, catalog, "pricing.primary", Pure(func(_ context.Context, a execArgs) int { return 1 }))
	registerAlways(t, catalog, "pricing.alt", Pure(func(_ context.Context, a execArgs) int { return 2 }))
	registry := NewFlowRegistry(catalog)
	defer registry.Close()

	bp := NewBlueprint("checkout")
	bp.AddStage("pricing", StageNodeSpec{
		StageName: "pricing",
		Modules: []StageModuleSpec{
			StageModule[execArgs, int]("primary", "pricing.primary", 1, nil, registryArgsFrom, nil),
			StageModule[execArgs, int]("alt", "pricing.alt", 0, nil, registryArgsFrom, nil),
		},
	})
	bp.Respond("pricing")
	_, err := RegisterFlow[checkoutRequest, int](registry, "checkout", bp, nil)
	require.NoError(t, err)

	patch := []byte(`{"schemaVersion":"v1","flows":{"checkout":{"stages":{"pricing":{"modules":[{"id":"primary","use":"alt"}]}}}}}`)
	require.NoError(t, registry.SetOverlay(context.Background(), patch, "v2"))

	result, explain := Run[checkoutRequest, int](context.Background(), registry, "checkout", checkoutRequest{N: 1}, RunOptions{})
	require.Equal(t, KindOk, result.Kind())
	assert.Equal(t, 2, result.Value())
	assert.Equal(t, "v2", explain.ConfigVersion)
}

func TestRegistry_SetOverlay_DiffAppearsInNextExplain(t *testing.T) {
	registry, _ := newCheckoutRegistry(t)
	defer registry.Close()

	firstPatch := []byte(`{"schemaVersion":"v1","flows":{"checkout":{"stages":{"pricing":{"modules":[{"id":"base","use":"pricing.base"}]}}}}}`)
	require.NoError(t, registry.SetOverlay(context.Background(), firstPatch, "v1"))

	secondPatch := []byte(`{"schemaVersion":"v1","flows":{"checkout":{"stages":{"pricing":{"modules":[{"id":"base","use":"pricing.variant"}]}}}}}`)
	require.NoError(t, registry.SetOverlay(context.Background(), secondPatch, "v2"))

	_, explain := Run[checkoutRequest, int](context.Background(), registry, "checkout", checkoutRequest{N: 1}, RunOptions{})
	require.Len(t, explain.OverlaysApplied, 1)
	assert.Equal(t, OverlayUseChanged, explain.OverlaysApplied[0].Kind)
}

func TestRegistry_Explain_ReturnsStaticOutlineWithoutRunning(t *testing.T) {
	registry, _ := newCheckoutRegistry(t)
	defer registry.Close()

	explain, err := registry.Explain("checkout")
	require.NoError(t, err)
	assert.Equal(t, Name("checkout"), explain.FlowName)
	require.Len(t, explain.Nodes, 1)

	_, err = registry.Explain("missing")
	assert.ErrorIs(t, err, ErrUnknownFlow)
}

func TestRegistry_CloseIsIdempotent(t *testing.T) {
	registry, _ := newCheckoutRegistry(t)
	assert.NoError(t, registry.Close())
	assert.NoError(t, registry.Close())
}

func TestRegistry_MetricsIncrementOnRun(t *testing.T) {
	registry, _ := newCheckoutRegistry(t)
	defer registry.Close()

	before := registry.Metrics().Counter(metricFlowsExecuted).Value()
	_, _ = Run[checkoutRequest, int](context.Background(), registry, "checkout", checkoutRequest{N: 1}, RunOptions{})
	after := registry.Metrics().Counter(metricFlowsExecuted).Value()
	assert.Equal(t, before+1, after)
}
