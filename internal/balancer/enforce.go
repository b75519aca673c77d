package balancer

import (
	"fmt"
	"math"
	"sort"

	"github.com/proxbal/proxbal/internal/domain"
	"github.com/proxbal/proxbal/internal/rules"
)

// enforceRules runs after the spread loop: when enforcement is enabled it
// performs additional moves solely to satisfy affinity, anti-affinity and
// pin rules, even where they worsen the spread. Ignored guests stay put.
func (e *Engine) enforceRules(st *state, plan *domain.Plan) {
	if e.cfg.Balancing.EnforceAffinity {
		e.enforceAntiAffinity(st, plan)
		e.enforceAffinity(st, plan)
	}
	if e.cfg.Balancing.EnforcePinning {
		e.enforcePins(st, plan)
	}
}

// enforceAntiAffinity spreads co-located members of each anti-affinity
// group across distinct nodes. Groups larger than the eligible node count
// get as far as physics allows; the remainder surfaces as warnings.
func (e *Engine) enforceAntiAffinity(st *state, plan *domain.Plan) {
	for _, group := range sortedGroups(st.cons.AntiAffinity) {
		members := st.cons.AntiAffinity[group]
		if len(members) < 2 {
			continue
		}

		occupied := make(map[string]int)
		for _, id := range members {
			node := st.location[id]
			if prev, taken := occupied[node]; taken {
				// Keep the first member in place, move the conflicting one.
				conflicting := id
				if !e.movable(st, conflicting) {
					if e.movable(st, prev) {
						conflicting = prev
					} else {
						e.warnPlacement(plan, id, fmt.Sprintf("anti-affinity group %s has immovable members sharing node %s", group, node))
						continue
					}
				}
				dest := e.pickAntiAffinityDest(st, conflicting, occupied)
				if dest == "" {
					e.warnPlacement(plan, conflicting, fmt.Sprintf("anti-affinity group %s larger than feasible node set", group))
					continue
				}
				e.appendMove(st, plan, conflicting, dest, fmt.Sprintf("separate anti-affinity group %s", group))
				occupied[dest] = conflicting
				if conflicting == prev {
					occupied[node] = id
				}
				continue
			}
			occupied[node] = id
		}
	}
}

// pickAntiAffinityDest returns the least-loaded feasible node hosting no
// group member yet; ties resolve to the lower name.
func (e *Engine) pickAntiAffinityDest(st *state, id int, occupied map[string]int) string {
	best := ""
	bestPct := math.Inf(1)
	for _, name := range st.cluster.NodeNames() {
		if _, taken := occupied[name]; taken {
			continue
		}
		if !e.destinationOK(st, id, name, 0, true) {
			continue
		}
		if pct := st.loadPercent(name); pct < bestPct {
			best, bestPct = name, pct
		}
	}
	return best
}

// enforceAffinity gathers each split affinity group onto one node: the node
// already hosting the most members, lowest name on ties.
func (e *Engine) enforceAffinity(st *state, plan *domain.Plan) {
	for _, group := range sortedGroups(st.cons.Affinity) {
		members := st.cons.Affinity[group]
		if len(members) < 2 {
			continue
		}

		counts := make(map[string]int)
		for _, id := range members {
			counts[st.location[id]]++
		}
		if len(counts) == 1 {
			continue
		}

		target := e.affinityTarget(st, members, counts)
		if target == "" {
			e.warnPlacement(plan, members[0], fmt.Sprintf("affinity group %s has no node admitting all members", group))
			continue
		}

		for _, id := range members {
			if st.location[id] == target {
				continue
			}
			if !e.movable(st, id) {
				e.warnPlacement(plan, id, fmt.Sprintf("affinity group %s member cannot move to %s", group, target))
				continue
			}
			if !e.destinationOK(st, id, target, 0, true) {
				e.warnPlacement(plan, id, fmt.Sprintf("affinity group %s member not admissible on %s", group, target))
				continue
			}
			e.appendMove(st, plan, id, target, fmt.Sprintf("gather affinity group %s", group))
		}
	}
}

// affinityTarget picks the gathering node for a split group: most members
// already present, then lower name; the node must admit every member that
// would have to move.
func (e *Engine) affinityTarget(st *state, members []int, counts map[string]int) string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		node := st.cluster.Nodes[name]
		if node == nil || node.Maintenance {
			continue
		}
		admitsAll := true
		for _, id := range members {
			if st.location[id] == name {
				continue
			}
			if !st.cons.PinOf(id).Allows(name) || !e.overprovisionOK(st, id, name) {
				admitsAll = false
				break
			}
		}
		if admitsAll {
			return name
		}
	}
	return ""
}

// enforcePins relocates guests sitting outside their strict pin set onto
// the least-loaded pinned node.
func (e *Engine) enforcePins(st *state, plan *domain.Plan) {
	for _, id := range st.cluster.GuestIDs() {
		pin := st.cons.PinOf(id)
		if pin.Empty() || !pin.Strict || pin.Nodes[st.location[id]] {
			continue
		}
		if !e.movable(st, id) {
			continue
		}

		best := ""
		bestPct := math.Inf(1)
		for _, name := range st.cluster.NodeNames() {
			if !pin.Nodes[name] {
				continue
			}
			if !e.destinationOK(st, id, name, 0, true) {
				continue
			}
			if pct := st.loadPercent(name); pct < bestPct {
				best, bestPct = name, pct
			}
		}
		if best == "" {
			e.warnPlacement(plan, id, "no pinned node is feasible")
			continue
		}
		e.appendMove(st, plan, id, best, "relocate to pinned node "+best)
	}
}

func sortedGroups[T any](groups map[rules.GroupID]T) []rules.GroupID {
	keys := make([]rules.GroupID, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
