// Package engine is the execution coordinator: given a request for one
// node's result it validates the node's code, discovers which other nodes
// the code references, materializes or recursively executes those, runs the
// node in the project's persistent session and commits the new status,
// result location and dependency edges atomically on full success.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/acormier/loom/internal/ctxlog"
	"github.com/acormier/loom/internal/lua"
	"github.com/acormier/loom/internal/models"
	"github.com/acormier/loom/internal/results"
	"github.com/acormier/loom/internal/storage"
)

const (
	DefaultExecTimeout = 30 * time.Second
	DefaultSessionIdle = 10 * time.Minute
)

type Options struct {
	// ExecTimeout bounds each individual run of node code. Zero means
	// DefaultExecTimeout.
	ExecTimeout time.Duration
	// SessionIdle is how long a project's session may sit unused before it
	// is torn down. Zero means DefaultSessionIdle; negative disables
	// eviction.
	SessionIdle time.Duration
	// SessionFactory overrides the worker construction, for tests. Nil
	// means a fresh Lua session per project.
	SessionFactory SessionFactory
}

type Engine struct {
	store    *storage.Store
	results  *results.Store
	sessions *Sessions
	timeout  time.Duration
}

func New(store *storage.Store, res *results.Store, opts Options) *Engine {
	timeout := opts.ExecTimeout
	if timeout == 0 {
		timeout = DefaultExecTimeout
	}
	idle := opts.SessionIdle
	if idle == 0 {
		idle = DefaultSessionIdle
	}
	factory := opts.SessionFactory
	if factory == nil {
		factory = func(string) Worker { return lua.NewSession() }
	}
	return &Engine{
		store:    store,
		results:  res,
		sessions: NewSessions(idle, factory),
		timeout:  timeout,
	}
}

// ExecuteNode produces nodeID's result, recursively materializing or
// executing its dependencies first. The call blocks for the whole chain; a
// concurrent request for the same project queues behind it. timeout bounds
// each individual node run; zero falls back to the engine default.
//
// The returned Outcome carries the protocol result, including failures that
// are part of the contract (validation errors, cycles, runtime failures).
// The error return is reserved for infrastructure faults, which leave the
// node's committed state untouched.
func (e *Engine) ExecuteNode(ctx context.Context, projectID, nodeID string, timeout time.Duration) (*models.Outcome, error) {
	if timeout <= 0 {
		timeout = e.timeout
	}

	w := e.sessions.Acquire(projectID)
	defer e.sessions.Release(projectID)

	return e.resolve(ctx, w, projectID, nodeID, timeout, nil)
}

// resolve runs the full protocol for one node. stack is the chain of node
// ids currently being resolved, used for cycle detection.
func (e *Engine) resolve(ctx context.Context, w Worker, projectID, nodeID string, timeout time.Duration, stack []string) (*models.Outcome, error) {
	logger := ctxlog.FromContext(ctx)

	for _, id := range stack {
		if id == nodeID {
			execErr := &ExecError{Kind: ErrCycle, NodeID: nodeID, Msg: cyclePath(stack, nodeID)}
			return &models.Outcome{
				NodeID: nodeID,
				Status: models.OutcomeCycleDetected,
				Error:  execErr.Error(),
			}, nil
		}
	}
	stack = append(stack, nodeID)

	node, err := e.store.GetNode(projectID, nodeID)
	if err != nil {
		return nil, err
	}
	code, err := e.store.GetCode(projectID, nodeID)
	if err != nil {
		return nil, err
	}

	// Static form check. A failure here leaves the node's committed state
	// exactly as it was; in particular it never demotes a validated node.
	if verr := lua.Validate(code, nodeID, node.Kind); verr != nil {
		return &models.Outcome{
			NodeID: nodeID,
			Status: models.OutcomeValidationError,
			Error:  verr.Error(),
		}, nil
	}

	deps, err := e.discoverDependencies(projectID, node, code)
	if err != nil {
		return nil, err
	}

	for _, d := range deps {
		// Already live in this session: no re-read, no re-execution.
		if w.SymbolExists(d) {
			continue
		}

		bound, err := e.bindFromResult(ctx, w, projectID, d)
		if err != nil {
			return nil, err
		}
		if bound {
			continue
		}

		out, err := e.resolve(ctx, w, projectID, d, timeout, stack)
		if err != nil {
			return nil, err
		}
		if !out.Success() {
			if out.Status == models.OutcomeCycleDetected {
				return &models.Outcome{
					NodeID: nodeID,
					Status: models.OutcomeCycleDetected,
					Error:  out.Error,
				}, nil
			}
			execErr := &ExecError{Kind: ErrDependency, NodeID: d, Msg: out.Error}
			return &models.Outcome{
				NodeID: nodeID,
				Status: models.OutcomeDependencyFailure,
				Error:  execErr.Error(),
			}, nil
		}
	}

	// Dependency edges settle before the node runs, so the stored graph can
	// be checked here: committing nodeID -> deps must not close a loop
	// through edges committed by earlier executions. The in-flight stack
	// cannot see those, a dependency that is live in the session or bound
	// from a persisted result is never recursed into.
	if path, err := e.committedCycle(projectID, nodeID, deps); err != nil {
		return nil, err
	} else if path != nil {
		execErr := &ExecError{Kind: ErrCycle, NodeID: nodeID, Msg: cyclePath(path[:len(path)-1], nodeID)}
		return &models.Outcome{
			NodeID: nodeID,
			Status: models.OutcomeCycleDetected,
			Error:  execErr.Error(),
		}, nil
	}

	// All dependencies are live; only now does this node enter executing.
	if err := e.store.MarkExecuting(projectID, nodeID); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	runErr := w.Run(runCtx, code)
	cancel()
	if runErr != nil {
		return e.failPending(projectID, nodeID, runErr.Error())
	}

	if !w.SymbolExists(nodeID) {
		return e.failPending(projectID, nodeID,
			fmt.Sprintf("code ran but did not bind a global named %q", nodeID))
	}

	ref, merr := e.materialize(w, node)
	if merr != nil {
		return e.failPending(projectID, nodeID, merr.Error())
	}

	if err := e.store.CommitExecution(projectID, nodeID, deps, ref, time.Now()); err != nil {
		return nil, err
	}

	logger.Debug("node executed",
		"project", projectID, "node", nodeID, "kind", node.Kind, "deps", deps)

	return &models.Outcome{
		NodeID:       nodeID,
		Status:       models.OutcomeValidated,
		Dependencies: deps,
	}, nil
}

// discoverDependencies produces the candidate dependency set: the code's
// free identifiers intersected with the project's node ids, excluding the
// node itself. Library nodes define callables only and depend on nothing.
func (e *Engine) discoverDependencies(projectID string, node *models.Node, code string) ([]string, error) {
	if node.Kind == models.KindLibrary {
		return nil, nil
	}

	refs, err := lua.AnalyzeReferences(code)
	if err != nil {
		return nil, err
	}
	known, err := e.store.ListNodeIDs(projectID)
	if err != nil {
		return nil, err
	}

	var deps []string
	for ref := range refs {
		if ref == node.ID {
			continue
		}
		if _, ok := known[ref]; ok {
			deps = append(deps, ref)
		}
	}
	sort.Strings(deps)
	return deps, nil
}

// committedCycle reports whether committing edges nodeID -> deps would make
// the stored dependency graph cyclic: some dep already reaches nodeID
// through committed depends_on edges. The returned path runs from nodeID
// back to itself, nil when the graph stays acyclic.
func (e *Engine) committedCycle(projectID, nodeID string, deps []string) ([]string, error) {
	if len(deps) == 0 {
		return nil, nil
	}

	nodes, err := e.store.ListNodes(projectID)
	if err != nil {
		return nil, err
	}
	edges := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		edges[n.ID] = n.DependsOn
	}

	visited := make(map[string]bool)
	var walk func(id string, path []string) []string
	walk = func(id string, path []string) []string {
		path = append(path, id)
		if id == nodeID {
			return path
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		for _, next := range edges[id] {
			if found := walk(next, path); found != nil {
				return found
			}
		}
		return nil
	}

	for _, d := range deps {
		if found := walk(d, []string{nodeID}); found != nil {
			return found, nil
		}
	}
	return nil, nil
}

// bindFromResult materializes a dependency from its persisted result
// without recomputation. False means the caller must execute it instead:
// the dependency has no committed result, or its artifact is missing or
// corrupt.
func (e *Engine) bindFromResult(ctx context.Context, w Worker, projectID, depID string) (bool, error) {
	dep, err := e.store.GetNode(projectID, depID)
	if err != nil {
		return false, err
	}
	if dep.Status != models.StatusValidated || dep.Result == nil || dep.Result.Format == models.FormatNone {
		return false, nil
	}

	value, err := e.results.Load(*dep.Result)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("persisted result unusable, re-executing",
			"project", projectID, "node", depID, "error", err)
		return false, nil
	}
	if err := w.Bind(depID, value); err != nil {
		return false, nil
	}
	return true, nil
}

// failPending commits the one failure state that is itself persisted: the
// node becomes pending_validation with the error recorded verbatim. Its
// code and prior depends_on are left untouched.
func (e *Engine) failPending(projectID, nodeID, msg string) (*models.Outcome, error) {
	if err := e.store.MarkPending(projectID, nodeID, msg); err != nil {
		return nil, err
	}
	return &models.Outcome{
		NodeID: nodeID,
		Status: models.OutcomePendingValidation,
		Error:  msg,
	}, nil
}

// EvictSession tears down a project's session immediately. A later request
// re-materializes dependencies from persisted results or by re-execution.
func (e *Engine) EvictSession(projectID string) {
	e.sessions.Evict(projectID)
}

// Shutdown tears down every session.
func (e *Engine) Shutdown() {
	e.sessions.Shutdown()
}
