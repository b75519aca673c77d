package scheduler

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/proxbal/proxbal/internal/balancer"
	"github.com/proxbal/proxbal/internal/config"
	"github.com/proxbal/proxbal/internal/domain"
	"github.com/proxbal/proxbal/internal/executor"
	"github.com/proxbal/proxbal/internal/inventory"
	"github.com/proxbal/proxbal/internal/proxmox"
	"github.com/proxbal/proxbal/internal/rules"
)

// CycleOptions carries the CLI switches that shape a single cycle.
type CycleOptions struct {
	DryRun bool
	JSON   bool

	// MaintenanceNodes drains additional nodes for this run on top of the
	// configured maintenance list.
	MaintenanceNodes []string

	// Out receives the plan in dry-run and JSON output modes.
	Out io.Writer
}

// Cycle wires one full pass: connect, inventory, constraint compilation,
// planning and execution.
type Cycle struct {
	opts   CycleOptions
	logger *zap.Logger
}

// NewCycle creates a cycle runner.
func NewCycle(opts CycleOptions, logger *zap.Logger) *Cycle {
	return &Cycle{opts: opts, logger: logger.With(zap.String("component", "cycle"))}
}

// Run executes one balancing cycle.
func (c *Cycle) Run(ctx context.Context, cfg *config.Config) error {
	cycleID := uuid.NewString()
	logger := c.logger.With(zap.String("cycle", cycleID))
	started := time.Now()

	cluster, cons, client, err := c.discover(ctx, cfg, logger)
	if err != nil {
		return err
	}

	logNodeMetrics(logger, cluster, "before")

	engine := balancer.New(cfg, logger)
	plan := engine.Plan(cluster, cons)

	logger.Info("Plan computed",
		zap.Int("moves", len(plan.Moves)),
		zap.Float64("spread_before", plan.SpreadBefore),
		zap.Float64("spread_after", plan.SpreadAfter),
	)

	if c.opts.DryRun || c.opts.JSON {
		if err := c.render(plan); err != nil {
			return err
		}
	}
	if c.opts.DryRun {
		return nil
	}

	if !cfg.Balancing.Enable {
		logger.Info("Balancing disabled by configuration, not executing plan")
		return nil
	}

	if plan.Empty() {
		logger.Info("Cluster already balanced, nothing to do",
			zap.Duration("duration", time.Since(started)),
		)
		return nil
	}

	results := executor.New(client, logger).Execute(ctx, cluster, plan, executor.Options{
		Parallel:           cfg.Balancing.Parallel,
		ParallelJobs:       cfg.Balancing.ParallelJobs,
		Live:               cfg.Balancing.Live,
		WithLocalDisks:     cfg.Balancing.WithLocalDisks,
		WithConntrackState: cfg.Balancing.WithConntrackState,
		MaxJobValidation:   time.Duration(cfg.Balancing.MaxJobValidation) * time.Second,
		ClusterMajor:       cluster.MinPVEMajor,
	})

	succeeded := 0
	for _, res := range results {
		if res.Status == domain.MoveSucceeded {
			succeeded++
		}
	}

	logger.Info("Cycle finished",
		zap.Int("moves", len(results)),
		zap.Int("succeeded", succeeded),
		zap.Duration("duration", time.Since(started)),
	)
	return nil
}

// BestNode runs discovery only and returns the best destination for a new
// guest.
func (c *Cycle) BestNode(ctx context.Context, cfg *config.Config) (string, error) {
	cluster, cons, _, err := c.discover(ctx, cfg, c.logger)
	if err != nil {
		return "", err
	}
	return balancer.New(cfg, c.logger).BestNode(cluster, cons)
}

// discover connects to the API and builds the snapshot plus compiled
// constraints.
func (c *Cycle) discover(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*domain.Cluster, *rules.Constraints, *proxmox.Client, error) {
	client := proxmox.NewClient(cfg.ProxmoxAPI, logger)
	if err := client.Connect(ctx); err != nil {
		return nil, nil, nil, err
	}

	builder := inventory.New(client, cfg, logger).WithMaintenance(c.opts.MaintenanceNodes...)
	cluster, err := builder.Build(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	pools, err := client.ListPools(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	var haRules []proxmox.HARule
	if cluster.MinPVEMajor >= 9 {
		if haRules, err = client.HARules(ctx); err != nil {
			return nil, nil, nil, err
		}
	}

	cons := rules.Compile(cluster, pools, haRules, cfg, logger)
	return cluster, cons, client, nil
}

func (c *Cycle) render(plan *domain.Plan) error {
	out := c.opts.Out
	if out == nil {
		return nil
	}
	if c.opts.JSON {
		data, err := renderJSON(plan)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	_, err := fmt.Fprint(out, renderText(plan))
	return err
}

// logNodeMetrics emits the per-node usage banner, one line per dimension.
func logNodeMetrics(logger *zap.Logger, cluster *domain.Cluster, stage string) {
	for _, dim := range []domain.Dimension{domain.DimensionMemory, domain.DimensionCPU, domain.DimensionDisk} {
		parts := make([]string, 0, len(cluster.Nodes))
		for _, name := range cluster.NodeNames() {
			parts = append(parts, fmt.Sprintf("%s: %.2f%%", name, cluster.Nodes[name].LoadPercent(dim, domain.ModeUsed)))
		}
		logger.Info("Node usage",
			zap.String("stage", stage),
			zap.String("dimension", string(dim)),
			zap.String("nodes", strings.Join(parts, " | ")),
		)
	}
}
