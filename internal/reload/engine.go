// Package reload applies configuration diffs to the running proxy. The
// engine asks the change analyzer what moved between two server maps, picks
// a strategy, and drives the outbound connection manager record by record:
// servers leaving the configuration are detached and forgotten, new ones are
// installed and connected in the background, tag-only edits never touch the
// connection. Per-server failures are collected without aborting the run;
// only a failure that leaves the connection table in a state the engine
// cannot repair locally triggers a rollback to the previous configuration.
package reload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp-go/internal/aggregate"
	"github.com/onemcp/onemcp-go/internal/apperr"
	"github.com/onemcp/onemcp-go/internal/changeset"
	"github.com/onemcp/onemcp-go/internal/config"
)

// Connections is the slice of the outbound connection manager the engine
// drives. upstream.Manager satisfies it.
type Connections interface {
	AddServer(name string, cfg *config.ServerConfig) error
	RemoveServer(name string) error
	Connect(ctx context.Context, name string) error
	UpdateTags(name string, tags []string) error
}

// Hooks let the rest of the system observe reload side effects. All fields
// are optional.
type Hooks struct {
	// OnEvent receives every lifecycle and progress event.
	OnEvent func(Event)
	// OnTagsChanged fires after a tags-only change was applied, so session
	// filters can recompute visibility without a reconnect.
	OnTagsChanged func(server string)
}

// Options tune a single ExecuteReload call.
type Options struct {
	// Strategy overrides both ForceFull and the analyzer recommendation
	// when set.
	Strategy changeset.ReloadStrategy
	// ForceFull upgrades the analyzer recommendation to a full reload.
	ForceFull bool
	// DryRun computes the plan and completes without side effects.
	DryRun bool
	// GracefulTimeout is the drain window granted to a server about to be
	// closed by a remove or modify. Zero closes immediately.
	GracefulTimeout time.Duration
}

// Engine executes reload operations one at a time.
type Engine struct {
	logger *zap.Logger
	conns  Connections
	caps   *aggregate.Capabilities
	instr  *aggregate.Instructions
	hooks  Hooks

	// runMu serializes executions; mu guards last and operation fields.
	runMu sync.Mutex
	mu    sync.Mutex
	last  *Operation
}

// NewEngine creates a reload engine over the given connection manager and
// aggregators.
func NewEngine(logger *zap.Logger, conns Connections, caps *aggregate.Capabilities, instr *aggregate.Instructions, hooks Hooks) *Engine {
	return &Engine{
		logger: logger.Named("reload"),
		conns:  conns,
		caps:   caps,
		instr:  instr,
		hooks:  hooks,
	}
}

// Last returns a copy of the most recent operation, finished or not, or nil
// when no reload has run yet.
func (e *Engine) Last() *Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return nil
	}
	return e.last.snapshot()
}

// ExecuteReload diffs two server maps and applies the result. The returned
// operation is terminal. Connects for added or replaced servers run in the
// background under ctx, so callers should pass a context that outlives the
// call, not one they cancel on return.
func (e *Engine) ExecuteReload(ctx context.Context, oldServers, newServers map[string]*config.ServerConfig, opts Options) (*Operation, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	op := &Operation{
		ID:       ulid.Make().String(),
		Phase:    PhasePending,
		DryRun:   opts.DryRun,
		Started:  time.Now(),
		Failures: make(map[string]error),
	}
	e.mu.Lock()
	e.last = op
	e.mu.Unlock()
	e.emit(op, EventStarted, "", nil)

	e.advance(op, PhaseAnalyzing, 10)
	analysis := changeset.Analyze(oldServers, newServers)

	strategy := analysis.Summary.ReloadStrategy
	if opts.ForceFull {
		strategy = changeset.StrategyFull
	}
	if opts.Strategy != "" {
		strategy = opts.Strategy
	}

	e.mu.Lock()
	op.Records = analysis.Records
	op.Summary = analysis.Summary
	op.Strategy = strategy
	e.mu.Unlock()

	if len(analysis.Records) == 0 {
		e.logger.Debug("configuration unchanged, nothing to reload", zap.String("operation", op.ID))
		e.finish(op, PhaseCompleted, EventCompleted, nil)
		return op, nil
	}

	e.logger.Info("reload starting",
		zap.String("operation", op.ID),
		zap.String("strategy", string(strategy)),
		zap.Int("changes", len(analysis.Records)),
		zap.Strings("servers", analysis.Summary.AffectedServers),
		zap.Bool("dry_run", opts.DryRun))

	if opts.DryRun || strategy == changeset.StrategyDeferred {
		e.finish(op, PhaseCompleted, EventCompleted, nil)
		return op, nil
	}

	e.advance(op, PhasePreparing, 25)
	plan := orderRecords(analysis.Records)

	var undo []undoStep
	var applyErr error
	if strategy == changeset.StrategyFull {
		e.advance(op, PhaseMigrating, 30)
		undo, applyErr = e.applyFull(ctx, op, oldServers, newServers, opts)
	} else {
		e.advance(op, PhaseReloading, 30)
		undo, applyErr = e.applyPartial(ctx, op, plan, opts)
	}

	switch {
	case applyErr == nil:
		e.finish(op, PhaseCompleted, EventCompleted, nil)
	case errors.Is(applyErr, context.Canceled) || errors.Is(applyErr, context.DeadlineExceeded):
		// Partially applied records stay as they are; rolling back with a
		// dead context would only fail again.
		e.finish(op, PhaseFailed, EventCancelled, applyErr)
	default:
		e.rollback(ctx, op, undo, applyErr)
	}
	return op, op.Err
}

// applyPartial walks the ordered records, collecting per-server failures.
// It aborts only on context cancellation or when a half-applied record could
// not be restored.
func (e *Engine) applyPartial(ctx context.Context, op *Operation, plan []changeset.Record, opts Options) ([]undoStep, error) {
	var undo []undoStep
	applied := 0
	for i, rec := range plan {
		if err := ctx.Err(); err != nil {
			return undo, err
		}
		steps, err := e.applyRecord(ctx, op, rec, opts)
		undo = append(undo, steps...)
		switch {
		case err == nil:
			applied++
		case isBrokenState(err):
			return undo, err
		default:
			e.recordFailure(op, rec.ServerID, err)
		}
		e.advance(op, PhaseReloading, 30+((i+1)*65)/len(plan))
	}
	if applied == 0 {
		return undo, fmt.Errorf("none of %d change records could be applied", len(plan))
	}
	return undo, nil
}

// applyFull tears down every old connection and installs every new one,
// regardless of what actually changed. Existing transports may be held by
// inbound sessions, so close-then-create is the only safe order.
func (e *Engine) applyFull(ctx context.Context, op *Operation, oldServers, newServers map[string]*config.ServerConfig, opts Options) ([]undoStep, error) {
	var undo []undoStep
	oldNames := sortedNames(oldServers)
	newNames := sortedNames(newServers)
	total := len(oldNames) + len(newNames)
	done := 0

	for _, name := range oldNames {
		if err := ctx.Err(); err != nil {
			return undo, err
		}
		_, staying := newServers[name]
		cfg := oldServers[name]
		if err := e.detach(ctx, op, name, opts, !staying); err != nil {
			e.recordFailure(op, name, err)
		} else if !cfg.Disabled {
			undo = append(undo, reinstallStep(e, name, cfg))
		}
		done++
		e.advance(op, PhaseMigrating, 30+(done*65)/total)
	}

	installed := 0
	for _, name := range newNames {
		if err := ctx.Err(); err != nil {
			return undo, err
		}
		cfg := newServers[name]
		if err := e.install(ctx, name, cfg); err != nil {
			e.recordFailure(op, name, err)
		} else {
			installed++
			if !cfg.Disabled {
				undo = append(undo, detachStep(e, op, name, opts))
			}
		}
		done++
		e.advance(op, PhaseMigrating, 30+(done*65)/total)
	}

	if len(newNames) > 0 && installed == 0 {
		return undo, fmt.Errorf("full reload installed none of %d servers", len(newNames))
	}
	return undo, nil
}

// applyRecord applies one change record and returns the undo steps for the
// mutations that took effect.
func (e *Engine) applyRecord(ctx context.Context, op *Operation, rec changeset.Record, opts Options) ([]undoStep, error) {
	switch rec.Type {
	case changeset.ChangeAddServer:
		if err := e.install(ctx, rec.ServerID, rec.New); err != nil {
			return nil, err
		}
		if rec.New.Disabled {
			return nil, nil
		}
		return []undoStep{detachStep(e, op, rec.ServerID, opts)}, nil

	case changeset.ChangeRemoveServer:
		if err := e.detach(ctx, op, rec.ServerID, opts, true); err != nil {
			return nil, err
		}
		if rec.Old != nil && rec.Old.Disabled {
			return nil, nil
		}
		return []undoStep{reinstallStep(e, rec.ServerID, rec.Old)}, nil

	case changeset.ChangeModifyServer, changeset.ChangeTransport:
		if err := e.detach(ctx, op, rec.ServerID, opts, false); err != nil {
			return nil, err
		}
		if err := e.install(ctx, rec.ServerID, rec.New); err != nil {
			// The old connection is already gone. Put it back so a broken
			// edit does not take the server offline entirely.
			if restoreErr := e.install(ctx, rec.ServerID, rec.Old); restoreErr != nil {
				return nil, &brokenStateError{server: rec.ServerID, cause: err, restore: restoreErr}
			}
			return nil, err
		}
		return []undoStep{replaceStep(e, op, rec, opts)}, nil

	case changeset.ChangeTags:
		err := e.conns.UpdateTags(rec.ServerID, rec.New.Tags)
		if err != nil && !apperr.IsKind(err, apperr.KindClientNotFound) {
			return nil, err
		}
		e.tagsChanged(rec.ServerID)
		oldTags := rec.Old.Tags
		return []undoStep{{
			name: "restore tags of " + rec.ServerID,
			fn: func(context.Context) error {
				if err := e.conns.UpdateTags(rec.ServerID, oldTags); err != nil && !apperr.IsKind(err, apperr.KindClientNotFound) {
					return err
				}
				e.tagsChanged(rec.ServerID)
				return nil
			},
		}}, nil

	default:
		return nil, fmt.Errorf("unknown change type %q for %s", rec.Type, rec.ServerID)
	}
}

// install registers a server with the connection manager and starts its
// connect in the background. Disabled servers are skipped with a warning and
// never reach the manager.
func (e *Engine) install(ctx context.Context, name string, cfg *config.ServerConfig) error {
	if cfg.Disabled {
		e.logger.Warn("server is disabled, skipping connection", zap.String("server", name))
		return nil
	}
	if err := e.conns.AddServer(name, cfg); err != nil {
		return err
	}
	e.startConnect(ctx, name)
	return nil
}

// detach drains and closes a server's connection and clears its aggregate
// contributions. forget additionally deletes the persisted capability
// snapshot, which is only correct when the server leaves the configuration.
func (e *Engine) detach(ctx context.Context, op *Operation, name string, opts Options, forget bool) error {
	e.drain(ctx, op, name, opts.GracefulTimeout)
	if err := e.conns.RemoveServer(name); err != nil && !apperr.IsKind(err, apperr.KindClientNotFound) {
		return err
	}
	if forget {
		e.caps.Forget(name)
	} else {
		e.caps.RemoveServer(name)
	}
	e.instr.Clear(name)
	return nil
}

// drain announces the shutdown and waits out the grace window so inbound
// requests already routed to the server can finish.
func (e *Engine) drain(ctx context.Context, op *Operation, name string, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	e.emit(op, EventServerShutdown, name, nil)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (e *Engine) startConnect(ctx context.Context, name string) {
	go func() {
		if err := e.conns.Connect(ctx, name); err != nil {
			// The connection manager already logged the details.
			e.logger.Debug("reload-initiated connect failed",
				zap.String("server", name),
				zap.Error(err))
		}
	}()
}

func (e *Engine) tagsChanged(server string) {
	if e.hooks.OnTagsChanged != nil {
		e.hooks.OnTagsChanged(server)
	}
}

// rollback walks the undo log in reverse. A clean rollback ends the
// operation as RolledBack; a dirty one stays Failed with both causes
// recorded.
func (e *Engine) rollback(ctx context.Context, op *Operation, undo []undoStep, cause error) {
	if len(undo) == 0 {
		e.finish(op, PhaseFailed, EventFailed, cause)
		return
	}

	e.logger.Warn("reload failed, rolling back applied changes",
		zap.String("operation", op.ID),
		zap.Int("steps", len(undo)),
		zap.Error(cause))

	var errs []error
	for i := len(undo) - 1; i >= 0; i-- {
		if err := undo[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", undo[i].name, err))
		}
	}
	if len(errs) > 0 {
		e.mu.Lock()
		op.RollbackErr = errors.Join(errs...)
		e.mu.Unlock()
		e.logger.Error("rollback incomplete",
			zap.String("operation", op.ID),
			zap.NamedError("rollback_error", op.RollbackErr))
		e.finish(op, PhaseFailed, EventFailed, cause)
		return
	}
	e.finish(op, PhaseRolledBack, EventFailed, cause)
}

func (e *Engine) recordFailure(op *Operation, server string, err error) {
	e.mu.Lock()
	op.Failures[server] = err
	e.mu.Unlock()
	e.logger.Warn("reload change failed, continuing",
		zap.String("operation", op.ID),
		zap.String("server", server),
		zap.Error(err))
}

func (e *Engine) advance(op *Operation, phase Phase, progress int) {
	e.mu.Lock()
	op.Phase = phase
	if progress > op.Progress {
		op.Progress = progress
	}
	e.mu.Unlock()
	e.emit(op, EventProgress, "", nil)
}

func (e *Engine) finish(op *Operation, phase Phase, kind EventKind, err error) {
	e.mu.Lock()
	op.Phase = phase
	op.Progress = 100
	op.Err = err
	op.Finished = time.Now()
	e.mu.Unlock()
	e.emit(op, kind, "", err)
}

func (e *Engine) emit(op *Operation, kind EventKind, server string, err error) {
	if e.hooks.OnEvent == nil {
		return
	}
	e.mu.Lock()
	event := Event{
		Kind:      kind,
		Operation: op.ID,
		Phase:     op.Phase,
		Progress:  op.Progress,
		Server:    server,
		Err:       err,
	}
	e.mu.Unlock()
	e.hooks.OnEvent(event)
}

// undoStep reverses one applied mutation during rollback.
type undoStep struct {
	name string
	fn   func(context.Context) error
}

func reinstallStep(e *Engine, name string, cfg *config.ServerConfig) undoStep {
	return undoStep{
		name: "reinstall " + name,
		fn: func(ctx context.Context) error {
			return e.install(ctx, name, cfg)
		},
	}
}

func detachStep(e *Engine, op *Operation, name string, opts Options) undoStep {
	return undoStep{
		name: "remove " + name,
		fn: func(ctx context.Context) error {
			return e.detach(ctx, op, name, opts, true)
		},
	}
}

func replaceStep(e *Engine, op *Operation, rec changeset.Record, opts Options) undoStep {
	return undoStep{
		name: "restore previous " + rec.ServerID,
		fn: func(ctx context.Context) error {
			if err := e.detach(ctx, op, rec.ServerID, opts, false); err != nil {
				return err
			}
			return e.install(ctx, rec.ServerID, rec.Old)
		},
	}
}

// brokenStateError marks a record whose removal succeeded but whose
// replacement and local restore both failed: the server is now offline and
// only an operation-level rollback can repair the table.
type brokenStateError struct {
	server  string
	cause   error
	restore error
}

func (b *brokenStateError) Error() string {
	return fmt.Sprintf("server %s removed but neither new (%v) nor previous (%v) configuration could be installed", b.server, b.cause, b.restore)
}

func (b *brokenStateError) Unwrap() error { return b.cause }

func isBrokenState(err error) bool {
	var broken *brokenStateError
	return errors.As(err, &broken)
}

// orderRecords sorts a plan so removals run before additions, honoring the
// constraint that a transport cannot be restarted, and keeps name order
// within each group.
func orderRecords(records []changeset.Record) []changeset.Record {
	plan := append([]changeset.Record(nil), records...)
	sort.SliceStable(plan, func(i, j int) bool {
		ri, rj := changeRank(plan[i].Type), changeRank(plan[j].Type)
		if ri != rj {
			return ri < rj
		}
		return plan[i].ServerID < plan[j].ServerID
	})
	return plan
}

func changeRank(t changeset.ChangeType) int {
	switch t {
	case changeset.ChangeRemoveServer:
		return 0
	case changeset.ChangeModifyServer, changeset.ChangeTransport:
		return 1
	case changeset.ChangeAddServer:
		return 2
	default: // tagsChange
		return 3
	}
}

func sortedNames(servers map[string]*config.ServerConfig) []string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
