package balancer

import (
	"math"

	"go.uber.org/zap"

	"github.com/proxbal/proxbal/internal/domain"
)

// Pressure-stall balancing moves at most one guest per cycle so the next
// cycle decides on fresh measurements instead of a stale prediction.

// psiThreshold returns the configured threshold triplet for the selected
// dimension.
func (e *Engine) psiThreshold() domain.Pressure {
	t := e.cfg.Balancing.PSI[string(e.cfg.Balancing.MethodDimension())]
	return domain.Pressure{Some: t.Some, Full: t.Full, Spikes: t.Spikes}
}

// exceedance is the L-infinity distance of a pressure triplet above the
// thresholds; zero when every component is under its threshold.
func exceedance(p, threshold domain.Pressure) float64 {
	worst := 0.0
	if d := p.Some - threshold.Some; d > worst {
		worst = d
	}
	if d := p.Full - threshold.Full; d > worst {
		worst = d
	}
	if d := p.Spikes - threshold.Spikes; d > worst {
		worst = d
	}
	return worst
}

// psiSpread is the cluster-wide spread in psi mode: the largest node
// exceedance.
func (e *Engine) psiSpread(st *state) float64 {
	threshold := e.psiThreshold()
	spread := 0.0
	for _, name := range st.cluster.NodeNames() {
		node := st.cluster.Nodes[name]
		if node.Maintenance {
			continue
		}
		if d := exceedance(node.Pressure[st.dim], threshold); d > spread {
			spread = d
		}
	}
	return spread
}

// planPSI emits at most one move: the most pressured movable guest off the
// node whose worst component most exceeds its threshold, onto the least
// pressured feasible node.
func (e *Engine) planPSI(st *state, plan *domain.Plan) {
	threshold := e.psiThreshold()

	hottest := ""
	hottestExceed := 0.0
	for _, name := range st.cluster.NodeNames() {
		node := st.cluster.Nodes[name]
		if node.Maintenance {
			continue
		}
		if d := exceedance(node.Pressure[st.dim], threshold); d > hottestExceed {
			hottest, hottestExceed = name, d
		}
	}
	if hottest == "" {
		e.logger.Debug("No node exceeds pressure thresholds")
		return
	}

	e.logger.Info("Node under pressure",
		zap.String("node", hottest),
		zap.Float64("exceedance", hottestExceed),
	)

	// The guest contributing the most pressure on the dimension is the
	// best candidate for relief.
	guest := -1
	guestWorst := -1.0
	for _, id := range st.guestsOn(hottest) {
		g := st.cluster.Guests[id]
		if !e.movable(st, id) || !g.Running {
			continue
		}
		if worst := g.Pressure[st.dim].Worst(); worst > guestWorst {
			guest, guestWorst = id, worst
		}
	}
	if guest < 0 {
		e.warnPlacement(plan, 0, "pressured node "+hottest+" has no movable guest")
		return
	}

	dest := ""
	destWorst := math.Inf(1)
	for _, name := range st.cluster.NodeNames() {
		if name == hottest {
			continue
		}
		if !e.destinationOK(st, guest, name, 0, false) {
			continue
		}
		if worst := st.cluster.Nodes[name].Pressure[st.dim].Worst(); worst < destWorst {
			dest, destWorst = name, worst
		}
	}
	if dest == "" {
		e.warnPlacement(plan, guest, "no feasible destination to relieve pressure on "+hottest)
		return
	}

	e.appendMove(st, plan, guest, dest, "relieve "+string(st.dim)+" pressure on "+hottest)
}
