package registry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/signalfleet/signalfleet/pkg/plugin"
	"go.uber.org/zap"
)

// testModule is a minimal module for testing.
type testModule struct {
	info    plugin.PluginInfo
	initErr error
}

func newTestModule(name string, deps ...string) *testModule {
	return &testModule{
		info: plugin.PluginInfo{
			Name:         name,
			Version:      "1.0.0",
			Description:  "test module " + name,
			Dependencies: deps,
			APIVersion:   plugin.APIVersionCurrent,
		},
	}
}

func (p *testModule) Info() plugin.PluginInfo                             { return p.info }
func (p *testModule) Init(_ context.Context, _ plugin.Dependencies) error { return p.initErr }
func (p *testModule) Start(_ context.Context) error                       { return nil }
func (p *testModule) Stop(_ context.Context) error                        { return nil }

// shutdownModule records stop order.
type shutdownModule struct {
	testModule
	stopOrder *[]string
	stopErr   error
}

func newShutdownModule(name string, stopOrder *[]string, deps ...string) *shutdownModule {
	return &shutdownModule{
		testModule: *newTestModule(name, deps...),
		stopOrder:  stopOrder,
	}
}

func (p *shutdownModule) Stop(_ context.Context) error {
	if p.stopOrder != nil {
		*p.stopOrder = append(*p.stopOrder, p.info.Name)
	}
	return p.stopErr
}

// testHTTPModule implements both Plugin and HTTPProvider.
type testHTTPModule struct {
	testModule
	routes []plugin.Route
}

func (p *testHTTPModule) Routes() []plugin.Route { return p.routes }

// panicModule panics on configurable lifecycle methods.
type panicModule struct {
	testModule
	panicOnInit  bool
	panicOnStart bool
	panicOnStop  bool
}

func (p *panicModule) Init(ctx context.Context, deps plugin.Dependencies) error {
	if p.panicOnInit {
		panic("test panic in Init")
	}
	return p.testModule.Init(ctx, deps)
}

func (p *panicModule) Start(ctx context.Context) error {
	if p.panicOnStart {
		panic("test panic in Start")
	}
	return p.testModule.Start(ctx)
}

func (p *panicModule) Stop(ctx context.Context) error {
	if p.panicOnStop {
		panic("test panic in Stop")
	}
	return p.testModule.Stop(ctx)
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func testDeps() func(string) plugin.Dependencies {
	return func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Logger: testLogger().Named(name),
		}
	}
}

func TestRegister(t *testing.T) {
	reg := New(testLogger())

	p := newTestModule("fleet")
	if err := reg.Register(p); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := reg.Register(p); err == nil {
		t.Fatal("Register() expected error for duplicate, got nil")
	}
}

func TestRegisterEmptyName(t *testing.T) {
	reg := New(testLogger())
	p := &testModule{info: plugin.PluginInfo{Name: ""}}
	if err := reg.Register(p); err == nil {
		t.Fatal("Register() expected error for empty name, got nil")
	}
}

func TestValidateWithDeps(t *testing.T) {
	reg := New(testLogger())
	reg.Register(newTestModule("liveness", "fleet")) // liveness depends on fleet
	reg.Register(newTestModule("fleet"))

	if err := reg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	all := reg.All()
	fleetIdx, livenessIdx := -1, -1
	for i, p := range all {
		switch p.Info().Name {
		case "fleet":
			fleetIdx = i
		case "liveness":
			livenessIdx = i
		}
	}
	if fleetIdx >= livenessIdx {
		t.Errorf("expected fleet (idx %d) before liveness (idx %d)", fleetIdx, livenessIdx)
	}
}

func TestValidateCycleDetection(t *testing.T) {
	reg := New(testLogger())
	reg.Register(newTestModule("a", "b"))
	reg.Register(newTestModule("b", "a"))

	if err := reg.Validate(); err == nil {
		t.Fatal("Validate() expected cycle error, got nil")
	}
}

func TestValidateMissingRequiredDep(t *testing.T) {
	reg := New(testLogger())
	p := newTestModule("a", "missing")
	p.info.Required = true
	reg.Register(p)

	if err := reg.Validate(); err == nil {
		t.Fatal("Validate() expected error for missing required dep, got nil")
	}
}

func TestValidateDisablesOptionalWithMissingDep(t *testing.T) {
	reg := New(testLogger())
	reg.Register(newTestModule("a", "missing"))

	if err := reg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !reg.IsDisabled("a") {
		t.Error("expected module 'a' to be disabled")
	}
}

func TestCascadeDisable(t *testing.T) {
	reg := New(testLogger())

	a := newTestModule("a")
	a.info.APIVersion = 0 // below APIVersionMin, will be disabled

	b := newTestModule("b", "a")

	reg.Register(a)
	reg.Register(b)

	if err := reg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !reg.IsDisabled("a") {
		t.Error("expected 'a' to be disabled (bad API version)")
	}
	if !reg.IsDisabled("b") {
		t.Error("expected 'b' to be cascade disabled")
	}
}

func TestAPIVersionTooNew(t *testing.T) {
	reg := New(testLogger())
	p := newTestModule("future")
	p.info.APIVersion = 999
	p.info.Required = true
	reg.Register(p)

	if err := reg.Validate(); err == nil {
		t.Fatal("Validate() expected error for future API version, got nil")
	}
}

func TestInitAllRequiredFails(t *testing.T) {
	reg := New(testLogger())
	p := newTestModule("a")
	p.info.Required = true
	p.initErr = errors.New("init failed")
	reg.Register(p)
	reg.Validate()

	if err := reg.InitAll(context.Background(), testDeps()); err == nil {
		t.Fatal("InitAll() expected error for required module failure, got nil")
	}
}

func TestInitAllOptionalDisabledOnFailure(t *testing.T) {
	reg := New(testLogger())
	p := newTestModule("a")
	p.initErr = errors.New("init failed")
	reg.Register(p)
	reg.Validate()

	if err := reg.InitAll(context.Background(), testDeps()); err != nil {
		t.Fatalf("InitAll() error = %v", err)
	}
	if !reg.IsDisabled("a") {
		t.Error("expected optional module 'a' to be disabled after init failure")
	}
}

func TestStopAllReverseOrder(t *testing.T) {
	var stopOrder []string
	reg := New(testLogger())

	reg.Register(newShutdownModule("a", &stopOrder))
	reg.Register(newShutdownModule("b", &stopOrder, "a"))
	reg.Register(newShutdownModule("c", &stopOrder, "b"))
	reg.Validate()

	ctx := context.Background()
	reg.InitAll(ctx, testDeps())
	reg.StartAll(ctx)
	reg.StopAll(ctx)

	expected := []string{"c", "b", "a"}
	if len(stopOrder) != len(expected) {
		t.Fatalf("stop order length = %d, want %d", len(stopOrder), len(expected))
	}
	for i, name := range expected {
		if stopOrder[i] != name {
			t.Errorf("stop order[%d] = %q, want %q", i, stopOrder[i], name)
		}
	}
}

func TestStopAllErrorDoesNotBlockOthers(t *testing.T) {
	var stopOrder []string
	reg := New(testLogger())

	a := newShutdownModule("a", &stopOrder)
	b := newShutdownModule("b", &stopOrder, "a")
	b.stopErr = errors.New("b failed to stop")
	c := newShutdownModule("c", &stopOrder, "b")

	reg.Register(a)
	reg.Register(b)
	reg.Register(c)
	reg.Validate()

	ctx := context.Background()
	reg.InitAll(ctx, testDeps())
	reg.StartAll(ctx)
	reg.StopAll(ctx)

	if len(stopOrder) != 3 {
		t.Fatalf("stopped %d modules, want 3 (all should stop despite errors)", len(stopOrder))
	}
}

func TestAllRoutesHTTPProvider(t *testing.T) {
	reg := New(testLogger())

	hp := &testHTTPModule{
		testModule: *newTestModule("web"),
		routes: []plugin.Route{
			{Method: "GET", Path: "/test"},
		},
	}
	reg.Register(hp)
	reg.Register(newTestModule("noroutes"))

	reg.Validate()
	reg.InitAll(context.Background(), testDeps())

	routes := reg.AllRoutes()
	if len(routes) != 1 {
		t.Fatalf("AllRoutes() returned %d route sets, want 1", len(routes))
	}
	if _, ok := routes["web"]; !ok {
		t.Error("AllRoutes() missing 'web' routes")
	}
}

func TestInitAllPanicRecovery(t *testing.T) {
	reg := New(testLogger())

	pp := &panicModule{
		testModule:  *newTestModule("panicker"),
		panicOnInit: true,
	}
	normal := newTestModule("normal")

	reg.Register(pp)
	reg.Register(normal)
	reg.Validate()

	if err := reg.InitAll(context.Background(), testDeps()); err != nil {
		t.Fatalf("InitAll() error = %v, want nil (optional panic should not propagate)", err)
	}
	if !reg.IsDisabled("panicker") {
		t.Error("expected panicking optional module to be disabled")
	}
	if reg.IsDisabled("normal") {
		t.Error("expected normal module to remain active")
	}
}

func TestInitAllPanicRequiredModule(t *testing.T) {
	reg := New(testLogger())

	pp := &panicModule{
		testModule:  *newTestModule("panicker"),
		panicOnInit: true,
	}
	pp.info.Required = true
	reg.Register(pp)
	reg.Validate()

	err := reg.InitAll(context.Background(), testDeps())
	if err == nil {
		t.Fatal("InitAll() expected error for required panicking module, got nil")
	}
	if got := err.Error(); !strings.Contains(got, "panicked") {
		t.Errorf("error = %q, want it to contain 'panicked'", got)
	}
}

func TestStopAllPanicRecovery(t *testing.T) {
	reg := New(testLogger())

	pp := &panicModule{
		testModule:  *newTestModule("panicker"),
		panicOnStop: true,
	}

	var stopOrder []string
	normal := newShutdownModule("normal", &stopOrder)

	reg.Register(pp)
	reg.Register(normal)
	reg.Validate()

	ctx := context.Background()
	reg.InitAll(ctx, testDeps())
	reg.StartAll(ctx)
	reg.StopAll(ctx)

	found := false
	for _, name := range stopOrder {
		if name == "normal" {
			found = true
		}
	}
	if !found {
		t.Error("expected normal module Stop() to be called despite other module panicking")
	}
}
