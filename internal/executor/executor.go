// Package executor dispatches planned migrations against the hypervisor and
// observes each job to a terminal state.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/proxbal/proxbal/internal/domain"
	"github.com/proxbal/proxbal/internal/proxmox"
)

// API is the write surface of the hypervisor client the executor consumes.
type API interface {
	Migrate(ctx context.Context, req proxmox.MigrateRequest) (domain.JobHandle, error)
	TaskStatus(ctx context.Context, node, upid string) (proxmox.TaskStatus, error)
	TaskChildren(ctx context.Context, node string, vmid int) ([]proxmox.TaskRef, error)
}

// Options controls execution behavior for one plan.
type Options struct {
	Parallel           bool
	ParallelJobs       int
	Live               bool
	WithLocalDisks     bool
	WithConntrackState bool
	MaxJobValidation   time.Duration

	// PollInterval defaults to one second.
	PollInterval time.Duration

	// ClusterMajor gates version-dependent migration flags.
	ClusterMajor int
}

func (o Options) jobs() int64 {
	if !o.Parallel || o.ParallelJobs < 1 {
		return 1
	}
	return int64(o.ParallelJobs)
}

func (o Options) pollInterval() time.Duration {
	if o.PollInterval <= 0 {
		return time.Second
	}
	return o.PollInterval
}

// Result is the terminal outcome of one move.
type Result struct {
	Move   domain.Move
	Status domain.MoveStatus
	Err    error
}

// Executor runs plans. Dispatch follows plan order; in parallel mode up to
// ParallelJobs migrations are in flight at once and completion order is not
// guaranteed.
type Executor struct {
	api    API
	logger *zap.Logger

	conntrackWarned bool
	mu              sync.Mutex
}

// New creates an Executor.
func New(api API, logger *zap.Logger) *Executor {
	return &Executor{
		api:    api,
		logger: logger.With(zap.String("component", "executor")),
	}
}

// Execute runs every move of the plan and returns one result per move, in
// plan order. Dispatch happens synchronously in plan order; watching a
// dispatched job runs concurrently, bounded by the job pool. Cancelling the
// context stops new dispatch; already-dispatched jobs keep running remotely
// and are awaited up to MaxJobValidation.
func (x *Executor) Execute(ctx context.Context, cluster *domain.Cluster, plan *domain.Plan, opts Options) []Result {
	results := make([]Result, len(plan.Moves))

	sem := semaphore.NewWeighted(opts.jobs())
	var group errgroup.Group

	for i, move := range plan.Moves {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context cancelled while queued: nothing was dispatched for
			// this or any later move.
			for j := i; j < len(plan.Moves); j++ {
				results[j] = Result{Move: plan.Moves[j], Status: domain.MoveCancelled, Err: ctx.Err()}
			}
			break
		}

		handle, err := x.dispatch(ctx, cluster, move, opts)
		if err != nil {
			results[i] = Result{Move: move, Status: domain.MoveFailed, Err: err}
			sem.Release(1)
			continue
		}

		i, move := i, move
		group.Go(func() error {
			defer sem.Release(1)
			results[i] = x.watch(ctx, handle, move, opts)
			return nil
		})
	}

	group.Wait()
	return results
}

// dispatch issues one migration request.
func (x *Executor) dispatch(ctx context.Context, cluster *domain.Cluster, move domain.Move, opts Options) (domain.JobHandle, error) {
	guest := cluster.Guests[move.GuestID]
	if guest == nil {
		return domain.JobHandle{}, &domain.MigrationError{GuestID: move.GuestID, From: move.From, To: move.To,
			Err: fmt.Errorf("guest not in cluster snapshot")}
	}

	req := proxmox.MigrateRequest{
		Kind:   move.Kind,
		ID:     move.GuestID,
		Node:   move.From,
		Target: move.To,
	}
	if move.Kind == domain.GuestVM {
		req.Online = guest.Running && opts.Live
		req.WithLocalDisks = opts.WithLocalDisks
		req.WithConntrackState = x.conntrackAllowed(opts)
	}

	x.logger.Info("Dispatching migration",
		zap.Int("guest", move.GuestID),
		zap.String("kind", string(move.Kind)),
		zap.String("from", move.From),
		zap.String("to", move.To),
		zap.Bool("online", req.Online),
	)

	handle, err := x.api.Migrate(ctx, req)
	if err != nil {
		x.logger.Error("Migration dispatch failed",
			zap.Int("guest", move.GuestID),
			zap.String("from", move.From),
			zap.String("to", move.To),
		)
		x.logger.Debug("Upstream migration error", zap.Error(err))
		return domain.JobHandle{}, &domain.MigrationError{GuestID: move.GuestID, From: move.From, To: move.To, Err: err}
	}
	return handle, nil
}

// watch polls one dispatched job to a terminal state.
func (x *Executor) watch(ctx context.Context, handle domain.JobHandle, move domain.Move, opts Options) Result {
	status, err := x.poll(ctx, handle, move, opts)
	result := Result{Move: move, Status: status, Err: err}

	switch status {
	case domain.MoveSucceeded:
		x.logger.Info("Migration succeeded",
			zap.Int("guest", move.GuestID),
			zap.String("from", move.From),
			zap.String("to", move.To),
		)
	case domain.MoveTimedOut:
		x.logger.Warn("Migration exceeded validation window, job left running",
			zap.Int("guest", move.GuestID),
			zap.String("upid", handle.WorkerUPID()),
		)
	default:
		x.logger.Error("Migration failed",
			zap.Int("guest", move.GuestID),
			zap.String("from", move.From),
			zap.String("to", move.To),
		)
		x.logger.Debug("Upstream migration error", zap.Error(err))
	}
	return result
}

// conntrackAllowed gates the conntrack flag on the cluster version, warning
// once per cycle when it has to be stripped.
func (x *Executor) conntrackAllowed(opts Options) bool {
	if !opts.WithConntrackState {
		return false
	}
	if opts.ClusterMajor >= 9 {
		return true
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.conntrackWarned {
		x.conntrackWarned = true
		x.logger.Warn("Stripping with-conntrack-state, hypervisor major below 9",
			zap.Int("cluster_major", opts.ClusterMajor),
		)
	}
	return false
}

// poll watches the task until it terminates or the validation window
// closes. Cancellation of the parent context does not abort the watch: the
// job is already running remotely, so polling continues on a detached
// context bounded by MaxJobValidation.
func (x *Executor) poll(ctx context.Context, handle domain.JobHandle, move domain.Move, opts Options) (domain.MoveStatus, error) {
	pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.MaxJobValidation)
	defer cancel()

	ticker := time.NewTicker(opts.pollInterval())
	defer ticker.Stop()

	for {
		status, err := x.api.TaskStatus(pollCtx, handle.Node, handle.WorkerUPID())
		if err != nil {
			x.logger.Debug("Task status poll failed, retrying",
				zap.String("upid", handle.WorkerUPID()),
				zap.Error(err),
			)
		} else {
			if handle.Child == "" && proxmox.IsHAParent(status.Type) {
				if child, ok := x.resolveChild(pollCtx, handle, move); ok {
					handle.Child = child
					x.logger.Debug("Resolved HA worker task",
						zap.String("parent", handle.UPID),
						zap.String("child", child),
					)
					continue
				}
			}
			if status.Finished() {
				if status.OK() {
					return domain.MoveSucceeded, nil
				}
				return domain.MoveFailed, &domain.MigrationError{
					GuestID: move.GuestID, From: move.From, To: move.To,
					Err: fmt.Errorf("task finished with %q", status.ExitStatus),
				}
			}
		}

		select {
		case <-pollCtx.Done():
			return domain.MoveTimedOut, &domain.MigrationError{
				GuestID: move.GuestID, From: move.From, To: move.To,
				Err: fmt.Errorf("job validation window of %s elapsed", opts.MaxJobValidation),
			}
		case <-ticker.C:
		}
	}
}

// resolveChild finds the migration worker task spawned by an HA parent.
func (x *Executor) resolveChild(ctx context.Context, handle domain.JobHandle, move domain.Move) (string, bool) {
	parent, err := proxmox.ParseUPID(handle.UPID)
	if err != nil {
		x.logger.Debug("Cannot parse parent upid", zap.String("upid", handle.UPID), zap.Error(err))
		return "", false
	}

	tasks, err := x.api.TaskChildren(ctx, handle.Node, move.GuestID)
	if err != nil {
		x.logger.Debug("Cannot list candidate child tasks", zap.Error(err))
		return "", false
	}

	best := ""
	var bestStart int64
	for _, task := range tasks {
		info, err := proxmox.ParseUPID(task.UPID)
		if err != nil || !proxmox.IsMigrationWorker(info.Type) {
			continue
		}
		if info.StartTime < parent.StartTime {
			continue
		}
		if best == "" || info.StartTime > bestStart {
			best, bestStart = task.UPID, info.StartTime
		}
	}
	return best, best != ""
}
