package balancer

import (
	"fmt"
	"math"

	"github.com/proxbal/proxbal/internal/domain"
	"github.com/proxbal/proxbal/internal/rules"
)

// BestNode returns the name of the node a new guest should land on: the
// least-loaded non-maintenance node on the configured dimension and mode,
// lower name on ties. This is the same scoring the planner uses for an
// empty plan.
func (e *Engine) BestNode(cluster *domain.Cluster, cons *rules.Constraints) (string, error) {
	dim := e.cfg.Balancing.MethodDimension()
	mode := e.cfg.Balancing.ModeValue()
	st := newState(cluster, cons, dim, mode)

	best := ""
	bestScore := math.Inf(1)
	for _, name := range cluster.NodeNames() {
		node := cluster.Nodes[name]
		if node.Maintenance {
			continue
		}
		var score float64
		if mode == domain.ModePSI {
			score = node.Pressure[dim].Worst()
		} else {
			score = st.loadPercent(name)
		}
		if score < bestScore {
			best, bestScore = name, score
		}
	}
	if best == "" {
		return "", fmt.Errorf("no eligible node in cluster")
	}
	return best, nil
}
