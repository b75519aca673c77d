// Package balancer implements the placement engine: it turns a cluster
// snapshot and compiled constraints into an ordered migration plan that
// reduces load spread on one dimension without violating placement rules.
package balancer

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/proxbal/proxbal/internal/config"
	"github.com/proxbal/proxbal/internal/domain"
	"github.com/proxbal/proxbal/internal/rules"
)

// Engine produces migration plans. It is pure: all decisions operate on the
// immutable snapshot plus a private virtual state.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger
}

// New creates an Engine.
func New(cfg *config.Config, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "balancer")),
	}
}

// Plan computes the migration plan for one cycle.
func (e *Engine) Plan(cluster *domain.Cluster, cons *rules.Constraints) *domain.Plan {
	dim := e.cfg.Balancing.MethodDimension()
	mode := e.cfg.Balancing.ModeValue()

	st := newState(cluster, cons, dim, mode)

	plan := &domain.Plan{
		Method: dim,
		Mode:   mode,
	}

	if mode == domain.ModePSI {
		plan.SpreadBefore = e.psiSpread(st)
		e.planPSI(st, plan)
		plan.SpreadAfter = plan.SpreadBefore
		e.verify(st, plan)
		return plan
	}

	plan.SpreadBefore = st.spreadPercent()

	e.evacuateMaintenance(st, plan)

	if e.belowMemoryThreshold(st) {
		e.logger.Info("Peak node usage below threshold, skipping spread balancing",
			zap.Int("threshold_percent", e.cfg.Balancing.MemoryThreshold),
		)
	} else {
		e.reduceSpread(st, plan)
	}

	e.enforceRules(st, plan)

	plan.SpreadAfter = st.spreadPercent()
	e.verify(st, plan)
	return plan
}

// belowMemoryThreshold reports whether the optional activation threshold is
// configured and not yet reached.
func (e *Engine) belowMemoryThreshold(st *state) bool {
	threshold := e.cfg.Balancing.MemoryThreshold
	return threshold > 0 && st.peakPercent() < float64(threshold)
}

// reduceSpread is the main loop: repeatedly move the best guest off the
// hottest node until the spread drops under balanciness or no move strictly
// improves it.
func (e *Engine) reduceSpread(st *state, plan *domain.Plan) {
	balanciness := float64(e.cfg.Balancing.Balanciness)

	for range st.cluster.Guests {
		spread := st.spreadPercent()
		if spread <= balanciness {
			break
		}

		best := e.findBestMove(st, spread)
		if best == nil {
			e.logger.Debug("No strictly improving move found",
				zap.Float64("spread_percent", spread),
			)
			break
		}

		e.appendMove(st, plan, best.guest, best.dest,
			fmt.Sprintf("reduce %s spread from %.1f%% to %.1f%%", st.dim, spread, best.newSpread))
	}
}

// candidate is one feasible (guest, destination) pair with its resulting
// spread.
type candidate struct {
	guest     int
	dest      string
	weight    float64
	newSpread float64
	pinned    bool
}

// findBestMove enumerates movable guests on the hottest node against all
// feasible destinations and returns the move with the largest spread
// decrease. Ties fall to the smaller weight, then the lower guest id, then
// the lower destination name.
func (e *Engine) findBestMove(st *state, spread float64) *candidate {
	hottest := st.hottestNode()
	if hottest == "" {
		return nil
	}

	var all []candidate
	for _, id := range e.movableGuests(st, hottest) {
		guest := st.cluster.Guests[id]
		w := guest.Weight(st.dim, st.mode)
		pin := st.cons.PinOf(id)

		for _, dest := range st.cluster.NodeNames() {
			if dest == hottest {
				continue
			}
			if !e.destinationOK(st, id, dest, spread, false) {
				continue
			}
			newSpread := st.spreadWith(hottest, dest, w)
			if newSpread >= spread {
				continue
			}
			all = append(all, candidate{
				guest:     id,
				dest:      dest,
				weight:    w,
				newSpread: newSpread,
				pinned:    !pin.Empty() && pin.Prefers(dest),
			})
		}
	}
	if len(all) == 0 {
		return nil
	}

	// Preferred pins: when a guest has pinned candidates, its unpinned
	// candidates only remain as fallback.
	pinnedGuests := make(map[int]bool)
	for _, c := range all {
		if c.pinned {
			pinnedGuests[c.guest] = true
		}
	}
	filtered := all[:0]
	for _, c := range all {
		if pinnedGuests[c.guest] && !c.pinned {
			continue
		}
		filtered = append(filtered, c)
	}

	best := filtered[0]
	for _, c := range filtered[1:] {
		if betterCandidate(c, best) {
			best = c
		}
	}
	return &best
}

func betterCandidate(a, b candidate) bool {
	if a.newSpread != b.newSpread {
		return a.newSpread < b.newSpread
	}
	if math.Abs(a.weight) != math.Abs(b.weight) {
		return math.Abs(a.weight) < math.Abs(b.weight)
	}
	if a.guest != b.guest {
		return a.guest < b.guest
	}
	return a.dest < b.dest
}

// movableGuests returns guests on a node that may be moved this cycle,
// ordered per policy: largest weight first when configured, otherwise
// largest affinity group first and weight second.
func (e *Engine) movableGuests(st *state, node string) []int {
	var ids []int
	for _, id := range st.guestsOn(node) {
		if e.movable(st, id) {
			ids = append(ids, id)
		}
	}

	largerFirst := e.cfg.Balancing.BalanceLargerFirst
	sort.SliceStable(ids, func(i, j int) bool {
		wi := st.cluster.Guests[ids[i]].Weight(st.dim, st.mode)
		wj := st.cluster.Guests[ids[j]].Weight(st.dim, st.mode)
		if largerFirst {
			if wi != wj {
				return wi > wj
			}
			return ids[i] < ids[j]
		}
		gi := e.largestAffinityGroup(st, ids[i])
		gj := e.largestAffinityGroup(st, ids[j])
		if gi != gj {
			return gi > gj
		}
		if wi != wj {
			return wi > wj
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (e *Engine) largestAffinityGroup(st *state, id int) int {
	largest := 0
	for _, group := range st.cons.AffinityGroupsOf(id) {
		if n := len(st.cons.Affinity[group]); n > largest {
			largest = n
		}
	}
	return largest
}

// movable reports whether a guest participates in balancing at all.
func (e *Engine) movable(st *state, id int) bool {
	guest := st.cluster.Guests[id]
	if guest.Ignored || guest.Locked {
		return false
	}
	if st.moved[id] {
		return false
	}
	return e.cfg.Balancing.BalancesKind(guest.Kind)
}

// destinationOK applies the hard feasibility rules for placing a guest on a
// destination. When enforcement is off, affinity conflicts are tolerated
// (and logged) if the cluster is otherwise balanced or evacuation is set.
func (e *Engine) destinationOK(st *state, id int, dest string, spread float64, evacuation bool) bool {
	node := st.cluster.Nodes[dest]
	if node == nil || node.Maintenance {
		return false
	}
	if dest == st.location[id] {
		return false
	}
	if !st.cons.PinOf(id).Allows(dest) {
		return false
	}
	if !e.overprovisionOK(st, id, dest) {
		return false
	}

	relaxed := !e.cfg.Balancing.EnforceAffinity &&
		(evacuation || spread <= float64(e.cfg.Balancing.Balanciness))

	if st.antiViolation(id, dest) {
		if !relaxed {
			return false
		}
		e.logger.Warn("Allowing anti-affinity conflict on otherwise balanced cluster",
			zap.Int("guest", id),
			zap.String("node", dest),
		)
	}
	if st.separatesAffinity(id, dest) {
		if !relaxed {
			return false
		}
		e.logger.Warn("Allowing affinity group separation on otherwise balanced cluster",
			zap.Int("guest", id),
			zap.String("node", dest),
		)
	}
	return true
}

// overprovisionOK guards destination memory capacity when overprovisioning
// is disabled: post-move assigned memory must stay under capacity minus the
// node's reserve.
func (e *Engine) overprovisionOK(st *state, id int, dest string) bool {
	if e.cfg.ProxmoxCluster.Overprovisioning {
		return true
	}
	node := st.cluster.Nodes[dest]
	guest := st.cluster.Guests[id]
	return st.memAssigned[dest]+guest.MemAssigned <= node.MemTotal-node.MemReserve
}

// evacuateMaintenance drains movable guests off maintenance nodes onto the
// least-loaded feasible destinations, regardless of spread impact.
func (e *Engine) evacuateMaintenance(st *state, plan *domain.Plan) {
	for _, name := range st.cluster.NodeNames() {
		if !st.cluster.Nodes[name].Maintenance {
			continue
		}
		for _, id := range st.guestsOn(name) {
			if !e.movable(st, id) {
				continue
			}
			dest := e.coldestFeasible(st, id)
			if dest == "" {
				e.warnPlacement(plan, id, "no feasible destination while evacuating maintenance node "+name)
				continue
			}
			e.appendMove(st, plan, id, dest, "evacuate maintenance node "+name)
		}
	}
}

// coldestFeasible returns the least-loaded feasible destination for a
// guest, honoring preferred pins; ties resolve to the lower node name.
func (e *Engine) coldestFeasible(st *state, id int) string {
	pin := st.cons.PinOf(id)

	pick := func(pinnedOnly bool) string {
		best := ""
		bestPct := math.Inf(1)
		for _, dest := range st.cluster.NodeNames() {
			if pinnedOnly && !pin.Prefers(dest) {
				continue
			}
			if !e.destinationOK(st, id, dest, 0, true) {
				continue
			}
			if pct := st.loadPercent(dest); pct < bestPct {
				best, bestPct = dest, pct
			}
		}
		return best
	}

	if !pin.Empty() {
		if dest := pick(true); dest != "" {
			return dest
		}
		if pin.Strict {
			return ""
		}
	}
	return pick(false)
}

func (e *Engine) appendMove(st *state, plan *domain.Plan, id int, dest, reason string) {
	guest := st.cluster.Guests[id]
	from := st.location[id]
	plan.Moves = append(plan.Moves, domain.Move{
		GuestID: id,
		Kind:    guest.Kind,
		From:    from,
		To:      dest,
		Weight:  int64(math.Round(guest.Weight(st.dim, st.mode))),
		Reason:  reason,
	})
	st.apply(id, dest)
	e.logger.Debug("Planned move",
		zap.Int("guest", id),
		zap.String("from", from),
		zap.String("to", dest),
		zap.String("reason", reason),
	)
}

func (e *Engine) warnPlacement(plan *domain.Plan, id int, reason string) {
	plan.Warnings = append(plan.Warnings, &domain.PlacementWarning{GuestID: id, Reason: reason})
	e.logger.Warn("Placement constraint unsatisfiable",
		zap.Int("guest", id),
		zap.String("reason", reason),
	)
}

// verify checks the plan invariants before handing it to the executor:
// unique guests, distinct endpoints, no maintenance destinations, strict
// pins honored. Offending moves are dropped with an error log; this guards
// against engine bugs, not expected states.
func (e *Engine) verify(st *state, plan *domain.Plan) {
	seen := make(map[int]bool, len(plan.Moves))
	valid := plan.Moves[:0]
	for _, m := range plan.Moves {
		switch {
		case seen[m.GuestID]:
			e.logger.Error("Dropping duplicate move for guest", zap.Int("guest", m.GuestID))
		case m.From == m.To:
			e.logger.Error("Dropping move with identical endpoints", zap.Int("guest", m.GuestID))
		case st.cluster.Nodes[m.To] == nil || st.cluster.Nodes[m.To].Maintenance:
			e.logger.Error("Dropping move targeting maintenance node",
				zap.Int("guest", m.GuestID),
				zap.String("node", m.To),
			)
		case !st.cons.PinOf(m.GuestID).Allows(m.To):
			e.logger.Error("Dropping move violating strict pin",
				zap.Int("guest", m.GuestID),
				zap.String("node", m.To),
			)
		default:
			seen[m.GuestID] = true
			valid = append(valid, m)
			continue
		}
	}
	plan.Moves = valid
}
