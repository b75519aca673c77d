package balancer

import (
	"math"

	"github.com/proxbal/proxbal/internal/domain"
	"github.com/proxbal/proxbal/internal/rules"
)

// state tracks the virtual cluster while the engine builds a plan: per-node
// loads on the selected dimension, per-node assigned memory for the
// overprovisioning guard, and each guest's virtual location.
type state struct {
	cluster *domain.Cluster
	cons    *rules.Constraints
	dim     domain.Dimension
	mode    domain.Mode

	loads       map[string]float64
	memAssigned map[string]int64
	location    map[int]string
	moved       map[int]bool
}

func newState(cluster *domain.Cluster, cons *rules.Constraints, dim domain.Dimension, mode domain.Mode) *state {
	s := &state{
		cluster:     cluster,
		cons:        cons,
		dim:         dim,
		mode:        mode,
		loads:       make(map[string]float64, len(cluster.Nodes)),
		memAssigned: make(map[string]int64, len(cluster.Nodes)),
		location:    make(map[int]string, len(cluster.Guests)),
		moved:       make(map[int]bool),
	}
	for name, node := range cluster.Nodes {
		s.loads[name] = node.Load(dim, mode)
		s.memAssigned[name] = node.MemAssigned
	}
	for id, g := range cluster.Guests {
		s.location[id] = g.Node
	}
	return s
}

// apply virtually moves a guest and adjusts node loads.
func (s *state) apply(id int, to string) {
	g := s.cluster.Guests[id]
	from := s.location[id]
	w := g.Weight(s.dim, s.mode)
	s.loads[from] -= w
	s.loads[to] += w
	s.memAssigned[from] -= g.MemAssigned
	s.memAssigned[to] += g.MemAssigned
	s.location[id] = to
	s.moved[id] = true
}

// loadPercent returns a node's virtual load as a percentage of capacity.
func (s *state) loadPercent(node string) float64 {
	cap := s.cluster.Nodes[node].Capacity(s.dim)
	if cap <= 0 {
		return 0
	}
	return s.loads[node] / cap * 100
}

// spreadPercent returns max minus min load percentage across
// non-maintenance nodes. Maintenance nodes are being drained on purpose;
// counting them would pin the minimum at an artificial zero.
func (s *state) spreadPercent() float64 {
	return s.spreadWith("", "", 0)
}

// spreadWith returns the spread as if the given guest weight had moved from
// one node to another. Empty node names compute the current spread.
func (s *state) spreadWith(from, to string, w float64) float64 {
	max := math.Inf(-1)
	min := math.Inf(1)
	counted := 0
	for _, name := range s.cluster.NodeNames() {
		if s.cluster.Nodes[name].Maintenance {
			continue
		}
		v := s.loads[name]
		if name == from {
			v -= w
		}
		if name == to {
			v += w
		}
		cap := s.cluster.Nodes[name].Capacity(s.dim)
		pct := 0.0
		if cap > 0 {
			pct = v / cap * 100
		}
		if pct > max {
			max = pct
		}
		if pct < min {
			min = pct
		}
		counted++
	}
	if counted == 0 {
		return 0
	}
	return max - min
}

// guestsOn returns ids of guests virtually located on a node, ascending.
func (s *state) guestsOn(node string) []int {
	var ids []int
	for _, id := range s.cluster.GuestIDs() {
		if s.location[id] == node {
			ids = append(ids, id)
		}
	}
	return ids
}

// hottestNode returns the non-maintenance node with the highest virtual
// load percentage; ties resolve to the lower name.
func (s *state) hottestNode() string {
	best := ""
	bestPct := math.Inf(-1)
	for _, name := range s.cluster.NodeNames() {
		if s.cluster.Nodes[name].Maintenance {
			continue
		}
		if pct := s.loadPercent(name); pct > bestPct {
			best, bestPct = name, pct
		}
	}
	return best
}

// peakPercent returns the highest virtual load percentage across
// non-maintenance nodes.
func (s *state) peakPercent() float64 {
	peak := 0.0
	for _, name := range s.cluster.NodeNames() {
		if s.cluster.Nodes[name].Maintenance {
			continue
		}
		if pct := s.loadPercent(name); pct > peak {
			peak = pct
		}
	}
	return peak
}

// colocated reports whether every member of the group shares the guest's
// virtual node. Groups of one are trivially co-located but never block.
func (s *state) colocated(members []int, node string) bool {
	for _, id := range members {
		if s.location[id] != node {
			return false
		}
	}
	return true
}

// antiViolation reports whether placing the guest on the node would put it
// next to another member of one of its anti-affinity groups.
func (s *state) antiViolation(id int, node string) bool {
	for _, group := range s.cons.AntiAffinityGroupsOf(id) {
		for _, member := range s.cons.AntiAffinity[group] {
			if member != id && s.location[member] == node {
				return true
			}
		}
	}
	return false
}

// separatesAffinity reports whether moving the guest away would split an
// affinity group that is currently fully co-located.
func (s *state) separatesAffinity(id int, to string) bool {
	from := s.location[id]
	for _, group := range s.cons.AffinityGroupsOf(id) {
		members := s.cons.Affinity[group]
		if len(members) < 2 {
			continue
		}
		if s.colocated(members, from) && to != from {
			return true
		}
	}
	return false
}
