// Package pipeline advances claimed operations through their lifecycle:
// pending -> simulating -> waitingApproval (conditionally) -> executing ->
// terminal. Each operation runs in its own goroutine; the pool is bounded
// so downstream rate limits on chain calls are respected.
package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rebalancer/internal/apperr"
	"rebalancer/internal/approval"
	"rebalancer/internal/config"
	"rebalancer/internal/executor"
	"rebalancer/internal/models"
	"rebalancer/internal/notifier"
	"rebalancer/internal/planner"
	"rebalancer/internal/repository"
	"rebalancer/internal/simulator"
)

type Runner struct {
	Repo     repository.Repository
	Planner  *planner.Builder
	Sim      *simulator.Simulator
	Exec     *executor.Executor
	Notifier notifier.Dispatcher
	Logger   *zap.Logger
	Config   config.PipelineConfig

	mu       sync.Mutex
	inFlight map[uint64]struct{}
	sem      chan struct{}
	wg       sync.WaitGroup
}

func New(repo repository.Repository, plan *planner.Builder, sim *simulator.Simulator, exec *executor.Executor, dispatch notifier.Dispatcher, logger *zap.Logger, cfg config.PipelineConfig) *Runner {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Runner{
		Repo:     repo,
		Planner:  plan,
		Sim:      sim,
		Exec:     exec,
		Notifier: dispatch,
		Logger:   logger,
		Config:   cfg,
		inFlight: make(map[uint64]struct{}),
		sem:      make(chan struct{}, maxConcurrent),
	}
}

func (r *Runner) Run(ctx context.Context) {
	interval := r.Config.ScanInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return
		case <-ticker.C:
			r.ScanOnce(ctx)
		}
	}
}

// ScanOnce claims operations that need driving. Pending operations enter
// the pipeline from the top; executing operations are resumed from their
// last checkpoint (covers both post-approval pickup and process restart).
func (r *Runner) ScanOnce(ctx context.Context) {
	for _, status := range []string{models.OpStatusPending, models.OpStatusExecuting} {
		ops, err := r.Repo.ListOperationsByStatus(ctx, status, cap(r.sem)*4)
		if err != nil {
			if r.Logger != nil {
				r.Logger.Warn("pipeline scan failed", zap.String("status", status), zap.Error(err))
			}
			continue
		}
		for i := range ops {
			r.claim(ctx, ops[i])
		}
	}
}

func (r *Runner) claim(ctx context.Context, op models.Operation) {
	r.mu.Lock()
	if _, busy := r.inFlight[op.ID]; busy {
		r.mu.Unlock()
		return
	}
	r.inFlight[op.ID] = struct{}{}
	r.mu.Unlock()

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		r.release(op.ID)
		return
	}

	r.wg.Add(1)
	go func() {
		defer func() {
			<-r.sem
			r.release(op.ID)
			r.wg.Done()
		}()
		r.advance(ctx, op)
	}()
}

func (r *Runner) release(id uint64) {
	r.mu.Lock()
	delete(r.inFlight, id)
	r.mu.Unlock()
}

// Drive advances one operation synchronously, for the simulate/execute API
// paths. It claims the operation like the scan loop does, so an API call
// and a background scan cannot double-run the same operation.
func (r *Runner) Drive(ctx context.Context, operationID uint64) (*models.Operation, error) {
	op, err := r.Repo.GetOperationByID(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, apperr.ErrNotFound
	}
	switch op.Status {
	case models.OpStatusPending, models.OpStatusExecuting:
	default:
		return nil, apperr.Conflict("operation cannot be driven from status " + op.Status)
	}

	r.mu.Lock()
	if _, busy := r.inFlight[op.ID]; busy {
		r.mu.Unlock()
		return nil, apperr.Conflict("operation is already being driven")
	}
	r.inFlight[op.ID] = struct{}{}
	r.mu.Unlock()
	defer r.release(op.ID)

	r.advance(ctx, *op)
	return r.Repo.GetOperationByID(ctx, operationID)
}

// advance drives one operation as far as it can go without a human. It
// stops at waitingApproval; everything else runs to a terminal status.
func (r *Runner) advance(ctx context.Context, op models.Operation) {
	defer func() {
		if rec := recover(); rec != nil && r.Logger != nil {
			r.Logger.Error("pipeline panic",
				zap.Uint64("operation_id", op.ID),
				zap.Any("panic", rec))
		}
	}()

	switch op.Status {
	case models.OpStatusPending:
		r.advancePending(ctx, op)
	case models.OpStatusExecuting:
		r.execute(ctx, &op)
	}
}

func (r *Runner) advancePending(ctx context.Context, op models.Operation) {
	strat, err := r.Repo.GetStrategyByID(ctx, op.StrategyID)
	if err != nil || strat == nil {
		r.failPending(ctx, op, "strategy is gone")
		return
	}
	targets, err := strat.Targets()
	if err != nil {
		r.failPending(ctx, op, "undecodable target allocations")
		return
	}
	triggers, err := strat.TriggerConfig()
	if err != nil {
		r.failPending(ctx, op, "undecodable trigger config")
		return
	}
	execParams, _ := strat.ExecParams()
	advanced, _ := strat.AdvancedParams()
	current, err := op.CurrentSnapshot()
	if err != nil {
		r.failPending(ctx, op, "undecodable current allocation")
		return
	}

	steps, err := r.Planner.Build(ctx, planner.BuildInput{
		Targets:       targets,
		Current:       current,
		TotalValueUSD: op.PortfolioValueUSD,
		Exec:          execParams,
		Advanced:      advanced,
	})
	if err != nil {
		r.failPending(ctx, op, "planning failed: "+err.Error())
		return
	}
	if len(steps) == 0 {
		r.failPending(ctx, op, "nothing to rebalance")
		return
	}
	for i := range steps {
		steps[i].OperationID = op.ID
	}
	if err := r.Repo.InsertTransactions(ctx, steps); err != nil {
		if r.Logger != nil {
			r.Logger.Warn("plan persistence failed", zap.Uint64("operation_id", op.ID), zap.Error(err))
		}
		return
	}

	// Simulation is the default; strategies opt out of it explicitly.
	sim := models.SimulationReport{Performed: false}
	from := models.OpStatusPending
	if !triggers.SkipSimulation {
		if err := r.Repo.UpdateOperationStatus(ctx, op.ID, from, models.OpStatusSimulating, nil); err != nil {
			return
		}
		from = models.OpStatusSimulating
		sim = r.Sim.Run(ctx, steps, execParams)
	}
	err = r.Repo.UpdateOperationFields(ctx, op.ID, map[string]any{
		"simulation": models.ToJSON(sim),
	})
	if err != nil {
		return
	}
	op.Simulation = models.ToJSON(sim)

	if approval.RequiresApproval(triggers, sim) {
		record := models.ApprovalRecord{Required: true}
		err := r.Repo.UpdateOperationStatus(ctx, op.ID, from, models.OpStatusWaitingApproval, map[string]any{
			"approval": models.ToJSON(record),
		})
		if err != nil {
			return
		}
		r.notify(ctx, op, notifier.EventAwaitingApproval)
		return
	}

	if err := r.Repo.UpdateOperationStatus(ctx, op.ID, from, models.OpStatusExecuting, nil); err != nil {
		return
	}
	op.Status = models.OpStatusExecuting
	now := time.Now().UTC()
	op.StartedAt = &now
	r.execute(ctx, &op)
}

func (r *Runner) execute(ctx context.Context, op *models.Operation) {
	if err := r.Exec.Execute(ctx, op); err != nil {
		if r.Logger != nil {
			r.Logger.Warn("execution errored", zap.Uint64("operation_id", op.ID), zap.Error(err))
		}
		return
	}
	r.settleStrategy(ctx, op)
	r.notify(ctx, *op, eventForStatus(op.Status))
}

func (r *Runner) failPending(ctx context.Context, op models.Operation, reason string) {
	if r.Logger != nil {
		r.Logger.Warn("operation failed before planning",
			zap.Uint64("operation_id", op.ID),
			zap.String("reason", reason))
	}
	err := r.Repo.UpdateOperationStatus(ctx, op.ID, op.Status, models.OpStatusFailed, map[string]any{
		"error": reason,
	})
	if err != nil {
		return
	}
	op.Status = models.OpStatusFailed
	op.Error = &reason
	r.settleStrategy(ctx, &op)
	r.notify(ctx, op, notifier.EventFailed)
}

// settleStrategy writes the strategy's lastRebalance fields with the
// optimistic version check, retrying a few times when another writer got
// there first.
func (r *Runner) settleStrategy(ctx context.Context, op *models.Operation) {
	now := time.Now().UTC()
	status := op.Status
	detail := ""
	if op.Error != nil {
		detail = *op.Error
	}
	for attempt := 0; attempt < 3; attempt++ {
		strat, err := r.Repo.GetStrategyByID(ctx, op.StrategyID)
		if err != nil || strat == nil {
			return
		}
		err = r.Repo.UpdateStrategySchedule(ctx, strat.ID, strat.Version, repository.ScheduleUpdate{
			LastRebalanceAt:     &now,
			LastRebalanceStatus: &status,
			LastRebalanceDetail: &detail,
		})
		if err == nil {
			return
		}
	}
	if r.Logger != nil {
		r.Logger.Warn("strategy settle skipped after version conflicts",
			zap.Uint64("strategy_id", op.StrategyID))
	}
}

func (r *Runner) notify(ctx context.Context, op models.Operation, eventType string) {
	if r.Notifier == nil || eventType == "" {
		return
	}
	event := notifier.Event{
		OperationID:  op.ID,
		OperationRef: op.Reference,
		Owner:        op.OwnerID,
		EventType:    eventType,
	}
	err := r.Notifier.Dispatch(ctx, event)

	records, _ := op.NotificationRecords()
	records = append(records, models.NotificationRecord{
		EventType: eventType,
		Channels:  event.Channels,
		SentAt:    time.Now().UTC(),
		Delivered: err == nil,
	})
	_ = r.Repo.UpdateOperationFields(ctx, op.ID, map[string]any{
		"notifications": models.ToJSON(records),
	})
}

func eventForStatus(status string) string {
	switch status {
	case models.OpStatusCompleted:
		return notifier.EventCompleted
	case models.OpStatusFailed:
		return notifier.EventFailed
	case models.OpStatusPartial:
		return notifier.EventPartial
	case models.OpStatusCancelled:
		return notifier.EventCancelled
	}
	return ""
}
