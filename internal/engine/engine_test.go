package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acormier/loom/internal/lua"
	"github.com/acormier/loom/internal/models"
	"github.com/acormier/loom/internal/results"
	"github.com/acormier/loom/internal/storage"
)

// countingWorker wraps a real Lua session and records which node code ran
// and which globals were rebound from persisted results.
type countingWorker struct {
	Worker

	mu    sync.Mutex
	runs  []string
	binds map[string]int
}

func (c *countingWorker) Run(ctx context.Context, code string) error {
	c.mu.Lock()
	c.runs = append(c.runs, code)
	c.mu.Unlock()
	return c.Worker.Run(ctx, code)
}

func (c *countingWorker) Bind(name string, value any) error {
	c.mu.Lock()
	c.binds[name]++
	c.mu.Unlock()
	return c.Worker.Bind(name, value)
}

func (c *countingWorker) runCount(code string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ran := range c.runs {
		if ran == code {
			n++
		}
	}
	return n
}

func (c *countingWorker) bindCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binds[name]
}

type fixture struct {
	engine  *Engine
	store   *storage.Store
	results *results.Store

	mu      sync.Mutex
	workers []*countingWorker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.New(filepath.Join(dir, "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:   store,
		results: results.New(filepath.Join(dir, "results")),
	}
	f.engine = New(store, f.results, Options{
		SessionFactory: func(string) Worker {
			w := &countingWorker{Worker: lua.NewSession(), binds: make(map[string]int)}
			f.mu.Lock()
			f.workers = append(f.workers, w)
			f.mu.Unlock()
			return w
		},
	})
	t.Cleanup(f.engine.Shutdown)

	require.NoError(t, store.CreateProject(&models.Project{ID: "p1", Name: "sales"}))
	return f
}

func (f *fixture) addNode(t *testing.T, nodeID string, kind models.NodeKind, code string) {
	t.Helper()
	require.NoError(t, f.store.CreateNode("p1", nodeID, kind, code))
}

func (f *fixture) execute(t *testing.T, nodeID string) *models.Outcome {
	t.Helper()
	out, err := f.engine.ExecuteNode(context.Background(), "p1", nodeID, 0)
	require.NoError(t, err)
	return out
}

func (f *fixture) status(t *testing.T, nodeID string) models.NodeStatus {
	t.Helper()
	node, err := f.store.GetNode("p1", nodeID)
	require.NoError(t, err)
	return node.Status
}

func (f *fixture) worker() *countingWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers[len(f.workers)-1]
}

const ordersCode = `orders = {
  {day = "mon", amount = 120},
  {day = "mon", amount = 80},
  {day = "tue", amount = 50},
}`

const dailyCode = `daily = {}
local totals = {}
for _, o in ipairs(orders) do
  totals[o.day] = (totals[o.day] or 0) + o.amount
end
for day, amount in pairs(totals) do
  daily[#daily + 1] = {day = day, amount = amount}
end`

func TestEngine_ExecutesDependencyChain(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "orders", models.KindSource, ordersCode)
	f.addNode(t, "daily", models.KindTransform, dailyCode)

	out := f.execute(t, "daily")
	assert.True(t, out.Success())
	assert.Equal(t, []string{"orders"}, out.Dependencies)

	assert.Equal(t, models.StatusValidated, f.status(t, "daily"))
	assert.Equal(t, models.StatusValidated, f.status(t, "orders"))

	daily, err := f.store.GetNode("p1", "daily")
	require.NoError(t, err)
	require.NotNil(t, daily.Result)
	assert.Equal(t, models.FormatTable, daily.Result.Format)

	orders, err := f.store.GetNode("p1", "orders")
	require.NoError(t, err)
	assert.Empty(t, orders.DependsOn)

	rows, err := f.results.Load(*daily.Result)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestEngine_ReExecutionSkipsLiveDependencies(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "orders", models.KindSource, ordersCode)
	f.addNode(t, "daily", models.KindTransform, dailyCode)

	first := f.execute(t, "daily")
	require.True(t, first.Success())
	second := f.execute(t, "daily")
	require.True(t, second.Success())
	assert.Equal(t, first.Dependencies, second.Dependencies)

	w := f.worker()
	assert.Equal(t, 1, w.runCount(ordersCode))
	assert.Equal(t, 2, w.runCount(dailyCode))
}

func TestEngine_DependencyBoundFromPersistedResult(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "orders", models.KindSource, ordersCode)
	f.addNode(t, "daily", models.KindTransform, dailyCode)

	require.True(t, f.execute(t, "orders").Success())

	// A fresh session has no live globals; orders must come back from disk.
	f.engine.EvictSession("p1")
	out := f.execute(t, "daily")
	assert.True(t, out.Success())

	w := f.worker()
	assert.Equal(t, 1, w.bindCount("orders"))
	assert.Equal(t, 0, w.runCount(ordersCode))
}

func TestEngine_CycleDetected(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "a", models.KindTransform, `a = b`)
	f.addNode(t, "b", models.KindTransform, `b = c`)
	f.addNode(t, "c", models.KindTransform, `c = a`)

	out := f.execute(t, "a")
	assert.Equal(t, models.OutcomeCycleDetected, out.Status)
	assert.Contains(t, out.Error, "a -> b -> c -> a")

	// Nothing was committed anywhere along the chain.
	assert.Equal(t, models.StatusNotExecuted, f.status(t, "a"))
	assert.Equal(t, models.StatusNotExecuted, f.status(t, "b"))
	assert.Equal(t, models.StatusNotExecuted, f.status(t, "c"))
}

func TestEngine_EditedNodeCannotCommitCycle(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "a", models.KindSource, `a = {n = 1}`)
	f.addNode(t, "b", models.KindTransform, `b = {m = a.n}`)

	require.True(t, f.execute(t, "b").Success())

	// Both nodes are live in the session, so re-executing the rewritten "a"
	// never recurses into "b"; the committed edge b -> a must still be seen.
	require.NoError(t, f.store.SetCode("p1", "a", `a = {n = b.m}`))

	out := f.execute(t, "a")
	assert.Equal(t, models.OutcomeCycleDetected, out.Status)
	assert.Contains(t, out.Error, "a -> b -> a")

	// Committed state is untouched on both sides of the would-be edge.
	a, err := f.store.GetNode("p1", "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusValidated, a.Status)
	assert.Empty(t, a.DependsOn)

	b, err := f.store.GetNode("p1", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, b.DependsOn)
}

func TestEngine_StaleCommittedEdgeStillBlocksCommit(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "a", models.KindSource, `a = {n = 1}`)
	f.addNode(t, "b", models.KindTransform, `b = {m = a.n}`)

	require.True(t, f.execute(t, "b").Success())
	require.NoError(t, f.store.SetCode("p1", "a", `a = {n = b.m}`))

	// A fresh session binds "b" from its persisted result rather than
	// recursing, which likewise bypasses the in-flight stack.
	f.engine.EvictSession("p1")
	out := f.execute(t, "a")
	assert.Equal(t, models.OutcomeCycleDetected, out.Status)
	assert.Equal(t, models.StatusValidated, f.status(t, "a"))
}

func TestEngine_SelfReferenceIsNotACycle(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "acc", models.KindTransform, `acc = {n = (acc and acc.n or 0) + 1}`)

	out := f.execute(t, "acc")
	assert.True(t, out.Success())
	assert.Empty(t, out.Dependencies)
}

func TestEngine_ValidationErrorLeavesCommittedState(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "orders", models.KindSource, ordersCode)
	require.True(t, f.execute(t, "orders").Success())

	require.NoError(t, f.store.SetCode("p1", "orders", `orders = 42`))

	out := f.execute(t, "orders")
	assert.Equal(t, models.OutcomeValidationError, out.Status)
	assert.Contains(t, out.Error, "table")

	// The node stays validated with its old result intact.
	node, err := f.store.GetNode("p1", "orders")
	require.NoError(t, err)
	assert.Equal(t, models.StatusValidated, node.Status)
	assert.NotNil(t, node.Result)
	assert.Empty(t, node.Error)
}

func TestEngine_DependencyFailureIsolated(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "orders", models.KindSource, `orders = {}
error("upstream is broken")`)
	f.addNode(t, "daily", models.KindTransform, dailyCode)

	out := f.execute(t, "daily")
	assert.Equal(t, models.OutcomeDependencyFailure, out.Status)
	assert.Contains(t, out.Error, `"orders"`)
	assert.Contains(t, out.Error, "upstream is broken")

	// The failing dependency records its own failure; the requester is never
	// marked executing.
	assert.Equal(t, models.StatusPendingValidation, f.status(t, "orders"))
	assert.Equal(t, models.StatusNotExecuted, f.status(t, "daily"))
}

func TestEngine_InvalidDependencyIsolated(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "orders", models.KindSource, `orders = "not a table"`)
	f.addNode(t, "daily", models.KindTransform, dailyCode)

	out := f.execute(t, "daily")
	assert.Equal(t, models.OutcomeDependencyFailure, out.Status)
	assert.Contains(t, out.Error, `"orders"`)

	// A dependency's validation failure touches no state at all.
	assert.Equal(t, models.StatusNotExecuted, f.status(t, "orders"))
	assert.Equal(t, models.StatusNotExecuted, f.status(t, "daily"))
}

func TestEngine_RuntimeFailureCommitsPending(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "crash", models.KindSource, `crash = {1, 2}
error("nope")`)

	out := f.execute(t, "crash")
	assert.Equal(t, models.OutcomePendingValidation, out.Status)
	assert.Contains(t, out.Error, "nope")

	node, err := f.store.GetNode("p1", "crash")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingValidation, node.Status)
	assert.Contains(t, node.Error, "nope")
}

func TestEngine_MissingBindingAfterRunCommitsPending(t *testing.T) {
	f := newFixture(t)
	// Passes static validation (the assigned value is a call) but binds nil.
	f.addNode(t, "ghost", models.KindSource, `local function make() return nil end
ghost = make()`)

	out := f.execute(t, "ghost")
	assert.Equal(t, models.OutcomePendingValidation, out.Status)
	assert.Contains(t, out.Error, `did not bind a global named "ghost"`)
	assert.Equal(t, models.StatusPendingValidation, f.status(t, "ghost"))
}

func TestEngine_ExecutionTimeout(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "spin", models.KindSource, `spin = {}
while true do end`)

	out, err := f.engine.ExecuteNode(context.Background(), "p1", "spin", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomePendingValidation, out.Status)
	assert.Contains(t, out.Error, "timed out")
	assert.Equal(t, models.StatusPendingValidation, f.status(t, "spin"))
}

func TestEngine_LibraryDependencyReExecutesOnFreshSession(t *testing.T) {
	f := newFixture(t)
	libCode := `function scale(x)
  return x * 2
end`
	f.addNode(t, "scale", models.KindLibrary, libCode)
	f.addNode(t, "doubled", models.KindSource, `doubled = { {v = scale(21)} }`)

	out := f.execute(t, "doubled")
	require.True(t, out.Success())
	assert.Equal(t, []string{"scale"}, out.Dependencies)

	lib, err := f.store.GetNode("p1", "scale")
	require.NoError(t, err)
	assert.Equal(t, models.StatusValidated, lib.Status)
	require.NotNil(t, lib.Result)
	assert.Equal(t, models.FormatNone, lib.Result.Format)
	assert.Empty(t, lib.DependsOn)

	// Functions cannot be reloaded from disk, so a fresh session re-runs the
	// library code instead of binding a persisted value.
	f.engine.EvictSession("p1")
	require.True(t, f.execute(t, "doubled").Success())

	w := f.worker()
	assert.Equal(t, 1, w.runCount(libCode))
	assert.Equal(t, 0, w.bindCount("scale"))
}

func TestEngine_VisualNodeMustProduceChart(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "chart", models.KindVisual, `chart = {
  mark = "bar",
  data = { {x = "mon", y = 200} },
}`)
	f.addNode(t, "bad_chart", models.KindVisual, `bad_chart = {just = "a table"}`)

	out := f.execute(t, "chart")
	require.True(t, out.Success())
	node, err := f.store.GetNode("p1", "chart")
	require.NoError(t, err)
	require.NotNil(t, node.Result)
	assert.Equal(t, models.FormatChart, node.Result.Format)

	out = f.execute(t, "bad_chart")
	assert.Equal(t, models.OutcomePendingValidation, out.Status)
	assert.Contains(t, out.Error, "chart")
}

func TestEngine_CorruptResultFallsBackToReExecution(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "orders", models.KindSource, ordersCode)
	f.addNode(t, "daily", models.KindTransform, dailyCode)

	require.True(t, f.execute(t, "orders").Success())
	f.engine.EvictSession("p1")

	// Losing the artifact must not strand the pipeline.
	require.NoError(t, f.results.RemoveProject("p1"))

	out := f.execute(t, "daily")
	assert.True(t, out.Success())
	w := f.worker()
	assert.Equal(t, 1, w.runCount(ordersCode))
}

func TestEngine_MissingNodeIsInfrastructureError(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ExecuteNode(context.Background(), "p1", "ghost", 0)
	assert.Error(t, err)
}
