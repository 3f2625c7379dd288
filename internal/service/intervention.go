package service

import (
	"strings"

	"github.com/loopsymphony/server/internal/domain/loop"
	"github.com/loopsymphony/server/internal/domain/task"
	"github.com/loopsymphony/server/internal/domain/trust"
)

// maxInterventions caps how many injected suggestions a response carries.
const maxInterventions = 3

// intervention is one post-task suggestion with its gating type.
type intervention struct {
	kind string // proactive, pushback, scoping, education
	text string
}

// trustGate lists which intervention kinds each trust level receives.
// Higher trust means less hand-holding.
var trustGate = map[trust.Level][]string{
	trust.LevelApprovalRequired: {"proactive", "pushback", "scoping", "education"},
	trust.LevelFullVisibility:   {"proactive", "pushback", "scoping"},
	trust.LevelMinimalSurface:   {"proactive", "pushback"},
}

// detectInterventions runs the post-task detectors against a finished
// response. Fail-open: it only ever adds suggestions, never blocks.
func detectInterventions(req *task.Request, resp *task.Response) []intervention {
	var out []intervention

	if resp.Outcome == loop.OutcomeComplete && resp.Confidence >= 0.8 && len(resp.Findings) > 3 {
		out = append(out, intervention{
			kind: "proactive",
			text: "This topic has depth worth exploring; consider a follow-up research task on the strongest finding.",
		})
	}

	if resp.Confidence > 0 && resp.Confidence < 0.4 {
		out = append(out, intervention{
			kind: "pushback",
			text: "Confidence in this answer is low; verify the key claims independently before acting on them.",
		})
	}

	if resp.Outcome == loop.OutcomeBounded {
		out = append(out, intervention{
			kind: "scoping",
			text: "The iteration budget ran out before convergence; narrowing the question or splitting it into sub-questions will produce better results.",
		})
	}

	if resp.Outcome == loop.OutcomeInconclusive && resp.Discrepancy != "" {
		out = append(out, intervention{
			kind: "scoping",
			text: "Sources disagree: " + resp.Discrepancy + ". Re-run with a narrower scope to resolve the conflict.",
		})
	}

	if req != nil && resp.Metadata.InstrumentUsed == "note" && len(strings.Fields(req.Query)) > 25 {
		out = append(out, intervention{
			kind: "education",
			text: "Detailed multi-part questions route better as research tasks; set intent.type to \"research\" for iterative investigation.",
		})
	}

	return out
}

// applyInterventions gates the detected interventions by trust level and
// appends them, prefixed by kind, to the response's followups.
func applyInterventions(req *task.Request, resp *task.Response, level trust.Level) {
	allowed := make(map[string]struct{})
	for _, kind := range trustGate[level] {
		allowed[kind] = struct{}{}
	}

	added := 0
	for _, iv := range detectInterventions(req, resp) {
		if _, ok := allowed[iv.kind]; !ok {
			continue
		}
		resp.SuggestedFollowups = append(resp.SuggestedFollowups, "["+iv.kind+"] "+iv.text)
		added++
		if added == maxInterventions {
			break
		}
	}
}
