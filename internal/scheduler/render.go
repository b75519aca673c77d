package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/proxbal/proxbal/internal/domain"
)

// planMove is the wire form of one move in JSON output; it carries the
// plan's dimension on every entry so each line is self-describing.
type planMove struct {
	ID        int    `json:"id"`
	Kind      string `json:"kind"`
	From      string `json:"from"`
	To        string `json:"to"`
	Weight    int64  `json:"weight"`
	Dimension string `json:"dimension"`
	Reason    string `json:"reason"`
}

type planDocument struct {
	Plan         []planMove `json:"plan"`
	SpreadBefore float64    `json:"spread_before"`
	SpreadAfter  float64    `json:"spread_after"`
	Method       string     `json:"method"`
	Mode         string     `json:"mode"`
}

// renderJSON serializes a plan. Credentials never reach this structure, so
// the output is safe for pipelines.
func renderJSON(plan *domain.Plan) ([]byte, error) {
	doc := planDocument{
		Plan:         make([]planMove, 0, len(plan.Moves)),
		SpreadBefore: plan.SpreadBefore,
		SpreadAfter:  plan.SpreadAfter,
		Method:       string(plan.Method),
		Mode:         string(plan.Mode),
	}
	for _, m := range plan.Moves {
		doc.Plan = append(doc.Plan, planMove{
			ID:        m.GuestID,
			Kind:      string(m.Kind),
			From:      m.From,
			To:        m.To,
			Weight:    m.Weight,
			Dimension: string(plan.Method),
			Reason:    m.Reason,
		})
	}
	return json.MarshalIndent(doc, "", "  ")
}

// renderText formats a plan for humans.
func renderText(plan *domain.Plan) string {
	var b strings.Builder
	if plan.Empty() {
		fmt.Fprintf(&b, "Cluster is balanced (%s/%s spread %.1f%%), no moves planned.\n",
			plan.Method, plan.Mode, plan.SpreadBefore)
		return b.String()
	}
	fmt.Fprintf(&b, "Plan (%s/%s): spread %.1f%% -> %.1f%%\n",
		plan.Method, plan.Mode, plan.SpreadBefore, plan.SpreadAfter)
	for i, m := range plan.Moves {
		fmt.Fprintf(&b, "%3d. %s %d: %s -> %s (%s)\n", i+1, m.Kind, m.GuestID, m.From, m.To, m.Reason)
	}
	return b.String()
}
