package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ppiankov/crisisgraph/internal/model"
)

const commonRules = `CRITICAL RULES:
1. Respond with ONE JSON object and nothing else.
2. Report only what the observation supports. Do not invent locations, counts or names.
3. Include "confidence" (0.0-1.0), "reasoning" (one sentence) and "limitations" (array of strings).
`

var systemPrompts = map[Kind]string{
	KindVision: `You assess disaster imagery for an emergency coordination center.
` + commonRules + `
Fields:
- incident_kind: structural_collapse | structural_damage | fire | flood | other
- damage_level: none | minor | moderate | severe | catastrophic
- entity: named structure in view (e.g. "Main Street Bridge") or ""
- status: intact | damaged | collapsed | blocked, for the named entity
- accessibility: accessible | partially_blocked | blocked | hazardous | unknown
- hazards: array of strings
- trapped_estimate: {"min": n, "max": n} or null
- sector, summary`,

	KindAudio: `You triage emergency calls and radio traffic for an emergency coordination center.
` + commonRules + `
Fields:
- transcript: cleaned transcript
- incident_kind: structural_collapse | fire | flood | medical | emergency_call
- urgency: low | medium | high | critical
- trapped_estimate, injured_estimate: {"min": n, "max": n} or null
- hazards: array of strings
- entity, status, sector`,

	KindText: `You extract factual claims from reports and social media posts during a disaster.
` + commonRules + `
Fields:
- entity: the single structure or place the text is about
- entity_kind: bridge | hospital | school | shelter | road | other
- claims: array of {"dimension": "status" | "magnitude" | "location", "value": normalized value, "text": quote}
  Status values: intact | damaged | collapsed | blocked. Magnitude values are plain integers.
- credibility: 0.0-1.0 for the source
- sector`,

	KindVerification: `You cross-check claims from independent sources about one entity. Disagreement is
surfaced to a human, never silently resolved.
` + commonRules + `
Fields:
- verdict: consistent | contradiction | uncertain | temporal_gap
- severity: low | medium | high
- urgency: low | medium | high | critical
- description: what the sources disagree about
- temporal_analysis: whether timing explains the disagreement
- recommended_action: accept | flag_for_human | request_verification | wait
- recommended_action_details`,

	KindPlanning: `You propose resource dispatches for one incident. A human approves or rejects every proposal.
` + commonRules + `
Fields:
- action_type: dispatch
- resources_to_allocate: array of resource ids, chosen ONLY from the available list
- rationale
- supporting_factors, uncertainty_factors: arrays of strings
- tradeoffs: array of {"impact", "affected_incidents", "worst_case"}
- time_sensitivity: low | medium | high | critical`,

	KindAllocation: `You draft a situation-wide allocation plan: which available unit goes to which active
incident, and where relief camps, rescue staging areas and medical triage points should stand.
A human approves or rejects the plan and each camp.
` + commonRules + `
Fields:
- assignments: array of {"resource_id", "target_incident_id", "rationale", "priority" (1 = first),
  "estimated_eta_minutes"}. Use ONLY listed resource and incident ids, each resource at most once.
- camps: array of {"name", "camp_type": relief_camp | rescue_staging | medical_triage,
  "location": {"lat", "lng", "sector"}, "capacity_persons", "rationale", "confidence",
  "factors": object of short strings}
- key_assumptions: array of strings
- rationale`,
}

func buildPrompt(kind Kind, in Input) string {
	var b strings.Builder
	switch kind {
	case KindVision, KindAudio, KindText:
		fmt.Fprintf(&b, "Signal %s", in.SignalID)
		if !in.Timestamp.IsZero() {
			fmt.Fprintf(&b, " observed at %s", in.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
		}
		b.WriteString(":\n")
		b.WriteString(in.Content)
		b.WriteString("\n")
		if len(in.Metadata) > 0 {
			b.WriteString("\nMetadata:\n")
			for _, k := range sortedKeys(in.Metadata) {
				fmt.Fprintf(&b, "- %s: %s\n", k, in.Metadata[k])
			}
		}

	case KindVerification:
		fmt.Fprintf(&b, "Entity: %s\n\nClaims:\n", in.Entity)
		for _, c := range in.Claims {
			fmt.Fprintf(&b, "- [%s] %s (%s) %s=%q confidence %.2f at %s: %s\n",
				c.ID, c.Source, c.SourceType, c.Dimension, c.Value, c.Confidence,
				c.Timestamp.Format("15:04:05"), c.Text)
		}

	case KindPlanning:
		if in.Target != nil {
			b.WriteString("Target incident:\n")
			writeJSON(&b, in.Target)
		}
		b.WriteString("\nAvailable resources:\n")
		for _, r := range in.Resources {
			if r.Status != model.ResourceAvailable {
				continue
			}
			fmt.Fprintf(&b, "- %s kind=%s unit=%s personnel=%d at %.4f,%.4f\n",
				r.ID, r.Kind, r.UnitID, r.Personnel, r.Position.Lat, r.Position.Lng)
		}
		if len(in.Incidents) > 0 {
			b.WriteString("\nOther active incidents:\n")
			for _, inc := range in.Incidents {
				if in.Target != nil && inc.ID == in.Target.ID {
					continue
				}
				fmt.Fprintf(&b, "- %s %s urgency=%s confidence=%.2f sector=%s\n",
					inc.ID, inc.Kind, inc.Urgency, inc.Confidence, inc.Position.Sector)
			}
		}

	case KindAllocation:
		b.WriteString("Active incidents:\n")
		for _, inc := range in.Incidents {
			fmt.Fprintf(&b, "- %s %s urgency=%s confidence=%.2f at %.4f,%.4f sector=%s",
				inc.ID, inc.Kind, inc.Urgency, inc.Confidence, inc.Position.Lat, inc.Position.Lng, inc.Position.Sector)
			if inc.Trapped != nil {
				fmt.Fprintf(&b, " trapped=%d-%d", inc.Trapped.Min, inc.Trapped.Max)
			}
			if inc.Injured != nil {
				fmt.Fprintf(&b, " injured=%d-%d", inc.Injured.Min, inc.Injured.Max)
			}
			b.WriteString("\n")
		}
		b.WriteString("\nAvailable resources:\n")
		for _, r := range in.Resources {
			if r.Status != model.ResourceAvailable {
				continue
			}
			fmt.Fprintf(&b, "- %s kind=%s personnel=%d at %.4f,%.4f\n",
				r.ID, r.Kind, r.Personnel, r.Position.Lat, r.Position.Lng)
		}
		if len(in.Locations) > 0 {
			b.WriteString("\nKnown locations:\n")
			for _, l := range in.Locations {
				fmt.Fprintf(&b, "- %s %s (%s) status=%s access=%s", l.ID, l.Name, l.Kind, l.Status, l.Accessibility)
				if l.CapacityTotal != nil {
					used := 0
					if l.CapacityUsed != nil {
						used = *l.CapacityUsed
					}
					fmt.Fprintf(&b, " capacity=%d/%d", used, *l.CapacityTotal)
				}
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

func writeJSON(b *strings.Builder, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(b, "%+v\n", v)
		return
	}
	b.Write(data)
	b.WriteString("\n")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
