// Package rules compiles tag-derived and pool-derived placement constraints
// into an immutable artifact consumed by the placement engine.
package rules

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/proxbal/proxbal/internal/config"
	"github.com/proxbal/proxbal/internal/domain"
	"github.com/proxbal/proxbal/internal/proxmox"
)

// Tag grammar on guests. Tags are case-sensitive.
const (
	tagIgnorePrefix       = "plb_ignore"
	tagAffinityPrefix     = "plb_affinity_"
	tagAntiAffinityPrefix = "plb_anti_affinity_"
	tagPinPrefix          = "plb_pin_"
)

// GroupID names an affinity or anti-affinity group.
type GroupID string

// PinSet restricts a guest's legal destination nodes. An empty node set
// means any node. Strict pins fail the move when no pinned node is feasible;
// preferred pins fall back to the full cluster.
type PinSet struct {
	Nodes  map[string]bool
	Strict bool
}

// Empty reports whether the pin set allows any node.
func (p PinSet) Empty() bool {
	return len(p.Nodes) == 0
}

// Allows reports whether the pin set permits the given node. Preferred pins
// allow everything; only strict pins restrict.
func (p PinSet) Allows(node string) bool {
	if p.Empty() || !p.Strict {
		return true
	}
	return p.Nodes[node]
}

// Prefers reports whether the node is explicitly pinned.
func (p PinSet) Prefers(node string) bool {
	return p.Nodes[node]
}

// Constraints is the compiled, immutable constraint artifact for one cycle.
type Constraints struct {
	Affinity     map[GroupID][]int
	AntiAffinity map[GroupID][]int

	guestAffinity map[int][]GroupID
	guestAnti     map[int][]GroupID

	Pins map[int]PinSet

	// Forbidden inverts strict pin sets: node name to the set of guest ids
	// that must not land there.
	Forbidden map[string]map[int]bool

	// Warnings collects non-fatal compilation problems.
	Warnings []*domain.PlacementWarning
}

// AffinityGroupsOf returns the affinity groups a guest belongs to.
func (c *Constraints) AffinityGroupsOf(id int) []GroupID {
	return c.guestAffinity[id]
}

// AntiAffinityGroupsOf returns the anti-affinity groups a guest belongs to.
func (c *Constraints) AntiAffinityGroupsOf(id int) []GroupID {
	return c.guestAnti[id]
}

// PinOf returns the guest's pin set; the zero PinSet allows any node.
func (c *Constraints) PinOf(id int) PinSet {
	return c.Pins[id]
}

// Compile derives groups, pin sets and ignore flags from guest tags, config
// pool rules and cluster HA rules, validating node references against the
// cluster topology. Guest ignore flags are finalized here; the cluster is
// read-only afterwards.
func Compile(cluster *domain.Cluster, pools []proxmox.Pool, haRules []proxmox.HARule, cfg *config.Config, logger *zap.Logger) *Constraints {
	log := logger.With(zap.String("component", "rules"))

	c := &Constraints{
		Affinity:      make(map[GroupID][]int),
		AntiAffinity:  make(map[GroupID][]int),
		guestAffinity: make(map[int][]GroupID),
		guestAnti:     make(map[int][]GroupID),
		Pins:          make(map[int]PinSet),
		Forbidden:     make(map[string]map[int]bool),
	}

	poolOf := poolMembership(pools)

	for _, id := range cluster.GuestIDs() {
		guest := cluster.Guests[id]
		if pool, ok := poolOf[id]; ok {
			guest.Pool = pool
		}

		pins := make(map[string]bool)
		strict := false

		for _, tag := range guest.Tags {
			switch {
			case strings.HasPrefix(tag, tagAntiAffinityPrefix):
				key := GroupID(tag[len(tagAntiAffinityPrefix):])
				c.addAnti(key, id)
			case strings.HasPrefix(tag, tagAffinityPrefix):
				key := GroupID(tag[len(tagAffinityPrefix):])
				c.addAffinity(key, id)
			case strings.HasPrefix(tag, tagPinPrefix):
				pins[tag[len(tagPinPrefix):]] = true
			case strings.HasPrefix(tag, tagIgnorePrefix):
				guest.Ignored = true
			}
		}

		// Tag pins bind strictly only under enforcement; otherwise they
		// express a preference.
		if len(pins) > 0 && cfg.Balancing.EnforcePinning {
			strict = true
		}

		if rule, ok := cfg.Balancing.Pools[guest.Pool]; ok {
			poolGroup := GroupID("pool_" + guest.Pool)
			switch rule.Type {
			case "affinity":
				c.addAffinity(poolGroup, id)
			case "anti-affinity":
				c.addAnti(poolGroup, id)
			}
			for _, node := range rule.Pin {
				pins[node] = true
			}
			if rule.Strict {
				strict = true
			}
		}

		c.applyHARules(cluster, haRules, id, pins)

		c.finishPins(cluster, cfg, guest, pins, strict, log)
	}

	c.sortGroups()
	return c
}

// applyHARules merges the hypervisor's own HA placement rules for a guest.
func (c *Constraints) applyHARules(cluster *domain.Cluster, haRules []proxmox.HARule, id int, pins map[string]bool) {
	if cluster.MinPVEMajor < 9 {
		return
	}
	for _, rule := range haRules {
		if bool(rule.Disable) {
			continue
		}
		member := false
		for _, rid := range rule.GuestIDs() {
			if rid == id {
				member = true
				break
			}
		}
		if !member {
			continue
		}
		key := GroupID("ha_" + rule.Rule)
		if rule.Affinity == "negative" {
			c.addAnti(key, id)
		} else {
			c.addAffinity(key, id)
		}
		for _, node := range rule.NodeNames() {
			pins[node] = true
		}
	}
}

// finishPins validates pinned node names against the topology and records
// the final pin set.
func (c *Constraints) finishPins(cluster *domain.Cluster, cfg *config.Config, guest *domain.Guest, pins map[string]bool, strict bool, log *zap.Logger) {
	if len(pins) == 0 {
		return
	}

	valid := make(map[string]bool, len(pins))
	for node := range pins {
		if cluster.Nodes[node] == nil {
			if cfg.Balancing.EnforcePinning {
				// An unknown pin under enforcement would demand an
				// impossible placement; park the guest instead.
				guest.Ignored = true
				warning := &domain.PlacementWarning{
					GuestID: guest.ID,
					Reason:  "pinned to unknown node " + node + ", guest excluded from balancing",
				}
				c.Warnings = append(c.Warnings, warning)
				log.Warn("Pin references unknown node, ignoring guest",
					zap.Int("guest", guest.ID),
					zap.String("node", node),
				)
				return
			}
			log.Warn("Pin references unknown node, dropping pin",
				zap.Int("guest", guest.ID),
				zap.String("node", node),
			)
			continue
		}
		valid[node] = true
	}

	if len(valid) == 0 {
		return
	}

	c.Pins[guest.ID] = PinSet{Nodes: valid, Strict: strict}

	if strict {
		for _, name := range cluster.NodeNames() {
			if valid[name] {
				continue
			}
			if c.Forbidden[name] == nil {
				c.Forbidden[name] = make(map[int]bool)
			}
			c.Forbidden[name][guest.ID] = true
		}
	}
}

func (c *Constraints) addAffinity(key GroupID, id int) {
	if containsGroup(c.guestAffinity[id], key) {
		return
	}
	c.Affinity[key] = append(c.Affinity[key], id)
	c.guestAffinity[id] = append(c.guestAffinity[id], key)
}

func (c *Constraints) addAnti(key GroupID, id int) {
	if containsGroup(c.guestAnti[id], key) {
		return
	}
	c.AntiAffinity[key] = append(c.AntiAffinity[key], id)
	c.guestAnti[id] = append(c.guestAnti[id], key)
}

func (c *Constraints) sortGroups() {
	for _, members := range c.Affinity {
		sort.Ints(members)
	}
	for _, members := range c.AntiAffinity {
		sort.Ints(members)
	}
}

func containsGroup(groups []GroupID, key GroupID) bool {
	for _, g := range groups {
		if g == key {
			return true
		}
	}
	return false
}

func poolMembership(pools []proxmox.Pool) map[int]string {
	out := make(map[int]string)
	for _, pool := range pools {
		for _, id := range pool.Members {
			out[id] = pool.ID
		}
	}
	return out
}
