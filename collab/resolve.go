package collab

import (
	"context"
	"fmt"
	"strings"

	"github.com/maestro-run/maestro/core"
	"github.com/maestro-run/maestro/telemetry"
)

// consensusThreshold is the fraction of total weight one equivalence class
// needs under CONSENSUS.
const consensusThreshold = 0.66

// unreportedConfidence substitutes for a zero confidence under
// CONFIDENCE_WEIGHTED.
const unreportedConfidence = 0.5

// eqClass groups survivors whose outputs the equivalence function considers
// identical. The representative is the first member.
type eqClass struct {
	rep     *core.TaskResult
	members []*core.TaskResult
}

// defaultEquivalence compares outputs byte-identical after whitespace
// normalization.
func defaultEquivalence(a, b string) bool {
	return normalize(a) == normalize(b)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func partitionClasses(survivors []*core.TaskResult, eq core.EquivalenceFn) []*eqClass {
	var classes []*eqClass
	for _, res := range survivors {
		placed := false
		for _, class := range classes {
			if eq(class.rep.Content, res.Content) {
				class.members = append(class.members, res)
				placed = true
				break
			}
		}
		if !placed {
			classes = append(classes, &eqClass{rep: res, members: []*core.TaskResult{res}})
		}
	}
	return classes
}

// resolve reconciles the survivors of a PARALLEL or SWARM run. Unanimous
// outputs short-circuit without a resolution event; otherwise the request's
// policy decides, escalating to ARBITRATION on ties.
func (e *Engine) resolve(ctx context.Context, lc *liveCollab, survivors []*core.TaskResult, out *outcome) {
	req := lc.req
	eq := req.Equivalence
	if eq == nil {
		eq = defaultEquivalence
	}
	classes := partitionClasses(survivors, eq)
	if len(classes) == 1 {
		out.content = classes[0].rep.Content
		out.chosenAgent = classes[0].rep.AgentID
		return
	}

	var winner *eqClass
	tie := false
	switch req.Policy {
	case core.ResolutionVoting:
		winner, tie = resolveVoting(classes)
	case core.ResolutionConfidenceWeighted:
		winner, tie = resolveConfidence(classes)
	case core.ResolutionExpertiseWeighted:
		winner, tie = e.resolveExpertise(classes)
	case core.ResolutionConsensus:
		winner, tie = resolveConsensus(classes, survivors)
	case core.ResolutionArbitration:
		tie = true
	case core.ResolutionHuman:
		if e.resolveHuman(ctx, lc, classes, survivors, out) {
			return
		}
		tie = true // timed out; escalate
	default:
		tie = true
	}

	if tie || winner == nil {
		e.emitResolution(req, req.Policy, "ARBITRATION", "")
		e.arbitrate(ctx, req, survivors, out)
		return
	}

	out.content = winner.rep.Content
	out.chosenAgent = winner.rep.AgentID
	out.decidedBy = req.Policy
	e.emitResolution(req, req.Policy, winner.rep.Content, winner.rep.AgentID)
}

// resolveVoting picks the plurality class. Ties escalate.
func resolveVoting(classes []*eqClass) (*eqClass, bool) {
	var winner *eqClass
	tie := false
	for _, class := range classes {
		switch {
		case winner == nil || len(class.members) > len(winner.members):
			winner, tie = class, false
		case len(class.members) == len(winner.members):
			tie = true
		}
	}
	return winner, tie
}

// resolveConfidence picks the survivor with the highest confidence. A
// shared maximum across different classes escalates.
func resolveConfidence(classes []*eqClass) (*eqClass, bool) {
	var winner *eqClass
	best := -1.0
	tie := false
	for _, class := range classes {
		for _, res := range class.members {
			conf := res.Confidence
			if conf == 0 {
				conf = unreportedConfidence
			}
			switch {
			case conf > best:
				best, winner, tie = conf, class, false
			case conf == best && class != winner:
				tie = true
			}
		}
	}
	return winner, tie
}

// resolveExpertise sums the per-capability weights of each class's members.
// Missing weights count as 1.
func (e *Engine) resolveExpertise(classes []*eqClass) (*eqClass, bool) {
	var winner *eqClass
	best := -1.0
	tie := false
	for _, class := range classes {
		weight := 0.0
		for _, res := range class.members {
			weight += e.agentWeight(res.AgentID)
		}
		switch {
		case weight > best:
			best, winner, tie = weight, class, false
		case weight == best:
			tie = true
		}
	}
	return winner, tie
}

func (e *Engine) agentWeight(agentID string) float64 {
	spec, ok := e.pool.Spec(agentID)
	if !ok || len(spec.Capabilities) == 0 {
		return 1
	}
	if w, ok := spec.Weights[spec.Capabilities[0]]; ok && w > 0 {
		return w
	}
	return 1
}

// resolveConsensus picks a class holding at least the threshold share of
// total weight, escalating otherwise.
func resolveConsensus(classes []*eqClass, survivors []*core.TaskResult) (*eqClass, bool) {
	total := float64(len(survivors))
	for _, class := range classes {
		if float64(len(class.members))/total >= consensusThreshold {
			return class, false
		}
	}
	return nil, true
}

// resolveHuman suspends the collaboration until a human decision or the
// deadline. Returns true when a decision resolved it.
func (e *Engine) resolveHuman(ctx context.Context, lc *liveCollab, classes []*eqClass, survivors []*core.TaskResult, out *outcome) bool {
	req := lc.req
	candidates := make([]map[string]interface{}, 0, len(survivors))
	for _, res := range survivors {
		candidates = append(candidates, map[string]interface{}{
			"agent_id":   res.AgentID,
			"content":    res.Content,
			"confidence": res.Confidence,
		})
	}
	// Flag before emitting so a decision prompted by the event cannot race
	// into NOT_FOUND.
	lc.humanMu.Lock()
	lc.awaiting = true
	lc.humanMu.Unlock()

	e.emit(core.EventAwaitingHuman, req, map[string]interface{}{
		"candidates": candidates,
	})

	select {
	case decision := <-lc.human:
		if decision.AgentID != "" {
			for _, res := range survivors {
				if res.AgentID == decision.AgentID {
					out.content = res.Content
					out.chosenAgent = res.AgentID
					out.decidedBy = core.ResolutionHuman
					e.emitResolution(req, core.ResolutionHuman, res.Content, res.AgentID)
					return true
				}
			}
		}
		out.content = decision.Content
		out.decidedBy = core.ResolutionHuman
		e.emitResolution(req, core.ResolutionHuman, decision.Content, "")
		return true
	case <-ctx.Done():
		lc.humanMu.Lock()
		lc.awaiting = false
		lc.humanMu.Unlock()
		// Drain a decision that raced the timeout.
		select {
		case <-lc.human:
		default:
		}
		return false
	}
}

// arbitrate re-dispatches to the coordinator-role agent with every
// candidate output; its output is terminal.
func (e *Engine) arbitrate(ctx context.Context, req *core.CollaborationRequest, survivors []*core.TaskResult, out *outcome) {
	arbiterID, ok := e.pool.ArbiterID()
	if !ok {
		out.failErr = core.ErrNoAgent
		out.failDetail = "no coordinator-role agent registered for arbitration"
		return
	}

	var sb strings.Builder
	sb.WriteString(req.Prompt)
	sb.WriteString("\n\nCandidate outputs:\n")
	for _, res := range survivors {
		fmt.Fprintf(&sb, "[%s] %s\n", res.AgentID, res.Content)
	}

	res := e.dispatch(ctx, req, arbiterID, sb.String(), len(out.subResults))
	out.subResults = append(out.subResults, res)
	if res.Status != core.TaskCompleted {
		out.failErr = resultError(res)
		out.failDetail = fmt.Sprintf("arbitration by %s: %s", arbiterID, res.ErrorMessage)
		return
	}
	out.content = res.Content
	out.chosenAgent = arbiterID
	out.decidedBy = core.ResolutionArbitration
	telemetry.Counter("collab_arbitrations_total", "policy", string(req.Policy))
}

func (e *Engine) emitResolution(req *core.CollaborationRequest, policy core.ResolutionPolicy, class, chosenAgent string) {
	body := map[string]interface{}{
		"policy": string(policy),
		"class":  class,
	}
	if chosenAgent != "" {
		body["chosen_agent"] = chosenAgent
	}
	e.emit(core.EventResolutionChosen, req, body)
}
