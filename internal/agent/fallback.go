package agent

import (
	"fmt"
	"math"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ppiankov/crisisgraph/internal/model"
)

// Fallbacks are keyword heuristics over the input. They are deterministic so
// offline runs and tests reproduce exactly.

var (
	trappedCount = regexp.MustCompile(`(\d+)\s+(?:\w+\s+){0,2}(?:trapped|stuck|buried)`)
	injuredCount = regexp.MustCompile(`(\d+)\s+(?:\w+\s+){0,2}(?:injured|hurt|wounded|casualties)`)
	namedEntity  = regexp.MustCompile(`((?:[A-Z][\w'.]*\s+){0,4}(?:Bridge|Hospital|School|Tower|Station|Center|Centre|Mall|Stadium|Tunnel|Shelter|Building|Plaza|Church|Library))\b`)
)

type keywordRule[T any] struct {
	words []string
	value T
}

var damageRules = []keywordRule[model.DamageLevel]{
	{[]string{"intact", "no damage", "undamaged", "standing", "no visible"}, model.DamageNone},
	{[]string{"catastroph", "leveled", "levelled", "flattened", "multi-block"}, model.DamageCatastrophic},
	{[]string{"collapse", "destroyed", "rubble"}, model.DamageSevere},
	{[]string{"fire", "flood", "crack", "partial"}, model.DamageModerate},
	{[]string{"minor", "debris"}, model.DamageMinor},
}

var callUrgencyRules = []keywordRule[model.Urgency]{
	{[]string{"trapped", "collapse", "fire", "unconscious", "not breathing", "dying", "buried"}, model.UrgencyCritical},
	{[]string{"injured", "bleeding", "help", "smoke", "gas leak"}, model.UrgencyHigh},
	{[]string{"damage", "crack", "power out", "flooding"}, model.UrgencyMedium},
}

var statusRules = []keywordRule[string]{
	{[]string{"collapsed", "collapse", "destroyed", "went down", "is down", "fell"}, "collapsed"},
	{[]string{"intact", "standing", "open", "operational", "undamaged"}, "intact"},
	{[]string{"blocked", "closed", "impassable"}, "blocked"},
	{[]string{"damaged", "cracked", "cracks"}, "damaged"},
}

var hazardWords = []string{"fire", "smoke", "gas leak", "flood", "power line", "chemical", "aftershock"}

func matchRule[T any](text string, rules []keywordRule[T], fallback T) T {
	for _, r := range rules {
		for _, w := range r.words {
			if strings.Contains(text, w) {
				return r.value
			}
		}
	}
	return fallback
}

// observation joins the signal content with descriptive metadata
func observation(in Input) string {
	parts := []string{in.Content}
	for _, k := range []string{"description", "caption", "title"} {
		if v := in.Meta(k); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

func incidentKind(text string, damage model.DamageLevel) string {
	switch {
	case strings.Contains(text, "fire") || strings.Contains(text, "smoke"):
		return "fire"
	case strings.Contains(text, "flood"):
		return "flood"
	case damage.Rank() >= model.DamageSevere.Rank() || strings.Contains(text, "collapse"):
		return "structural_collapse"
	default:
		return "structural_damage"
	}
}

// DamageStatus maps a damage level to the status value claimed about the affected entity
func DamageStatus(d model.DamageLevel) string {
	switch d {
	case model.DamageNone, model.DamageMinor:
		return "intact"
	case model.DamageModerate:
		return "damaged"
	default:
		return "collapsed"
	}
}

// DamageAccessibility maps a damage level to site accessibility
func DamageAccessibility(d model.DamageLevel) model.Accessibility {
	switch d {
	case model.DamageNone, model.DamageMinor:
		return model.Accessible
	case model.DamageModerate:
		return model.PartiallyBlocked
	default:
		return model.Blocked
	}
}

func countRange(re *regexp.Regexp, text string) *model.Range {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &model.Range{Min: n, Max: n}
}

func hazards(text string) []string {
	var out []string
	for _, h := range hazardWords {
		if strings.Contains(text, h) {
			out = append(out, strings.ReplaceAll(h, " ", "_"))
		}
	}
	return out
}

func entityName(in Input, original string) string {
	if in.Entity != "" {
		return in.Entity
	}
	for _, k := range []string{"entity", "location_name", "location"} {
		if v := in.Meta(k); v != "" {
			return v
		}
	}
	if m := namedEntity.FindStringSubmatch(original); m != nil {
		name := strings.TrimSpace(m[1])
		for _, article := range []string{"The ", "A ", "An "} {
			name = strings.TrimPrefix(name, article)
		}
		return name
	}
	return ""
}

func fallbackVision(in Input) (Payload, float64, string) {
	original := observation(in)
	text := strings.ToLower(original)
	damage := matchRule(text, damageRules, model.DamageModerate)

	p := &DamageAssessment{
		IncidentKind:  incidentKind(text, damage),
		DamageLevel:   damage,
		Entity:        entityName(in, original),
		Accessibility: DamageAccessibility(damage),
		Hazards:       hazards(text),
		Trapped:       countRange(trappedCount, text),
		Sector:        in.Meta("sector"),
		Summary:       truncate(original, 200),
	}
	if p.Entity != "" {
		p.Status = DamageStatus(damage)
	}
	return p, 0.6, fmt.Sprintf("keyword assessment: %s damage", damage)
}

func fallbackAudio(in Input) (Payload, float64, string) {
	original := observation(in)
	text := strings.ToLower(original)
	urgency := matchRule(text, callUrgencyRules, model.UrgencyLow)

	kind := "emergency_call"
	switch {
	case strings.Contains(text, "fire") || strings.Contains(text, "smoke"):
		kind = "fire"
	case strings.Contains(text, "flood"):
		kind = "flood"
	case strings.Contains(text, "trapped") || strings.Contains(text, "collapse"):
		kind = "structural_collapse"
	case strings.Contains(text, "injured") || strings.Contains(text, "bleeding"):
		kind = "medical"
	}

	p := &AudioAnalysis{
		Transcript:   in.Content,
		IncidentKind: kind,
		Urgency:      urgency,
		Trapped:      countRange(trappedCount, text),
		Injured:      countRange(injuredCount, text),
		Hazards:      hazards(text),
		Entity:       entityName(in, original),
		Sector:       in.Meta("sector"),
	}
	if p.Entity != "" {
		p.Status = matchRule(text, statusRules, "")
	}
	return p, 0.5, fmt.Sprintf("keyword triage: %s urgency", urgency)
}

// SourceCredibility rates a text source by its declared type
func SourceCredibility(sourceType string) float64 {
	switch normalize(sourceType) {
	case "official", "emergency", "government", "dispatch":
		return 0.85
	case "news", "media":
		return 0.65
	case "social", "social_media", "twitter", "tweet":
		return 0.4
	default:
		return 0.5
	}
}

func fallbackText(in Input) (Payload, float64, string) {
	original := observation(in)
	text := strings.ToLower(original)
	cred := SourceCredibility(in.Meta("source_type"))

	p := &TextAnalysis{
		Entity:      entityName(in, original),
		EntityKind:  in.Meta("entity_kind"),
		Credibility: cred,
		Sector:      in.Meta("sector"),
	}
	if p.Entity != "" {
		if status := matchRule(text, statusRules, ""); status != "" {
			p.Claims = append(p.Claims, ExtractedClaim{
				Dimension: model.DimensionStatus,
				Value:     status,
				Text:      fmt.Sprintf("%s is %s", p.Entity, status),
			})
		}
		if r := countRange(trappedCount, text); r != nil {
			p.Claims = append(p.Claims, ExtractedClaim{
				Dimension: model.DimensionMagnitude,
				Value:     strconv.Itoa(r.Min),
				Text:      fmt.Sprintf("%d trapped at %s", r.Min, p.Entity),
			})
		}
	}
	if p.EntityKind == "" && p.Entity != "" {
		fields := strings.Fields(strings.ToLower(p.Entity))
		p.EntityKind = fields[len(fields)-1]
	}
	return p, cred, fmt.Sprintf("keyword extraction: %d claims", len(p.Claims))
}

func fallbackVerification(in Input) (Payload, float64, string) {
	conflicts := 0
	maxConf := 0.0
	for i := range in.Claims {
		maxConf = max(maxConf, in.Claims[i].Confidence)
		for j := i + 1; j < len(in.Claims); j++ {
			if in.Claims[i].ConflictsWith(in.Claims[j]) {
				conflicts++
			}
		}
	}

	if conflicts == 0 {
		return &Verification{
			Verdict:           model.VerdictConsistent,
			Severity:          model.SeverityLow,
			Urgency:           model.UrgencyLow,
			RecommendedAction: model.ActionAccept,
		}, 0.6, "no conflicting claim values"
	}

	severity := model.SeverityLow
	urgency := model.UrgencyMedium
	switch {
	case maxConf >= 0.7:
		severity, urgency = model.SeverityHigh, model.UrgencyHigh
	case maxConf >= 0.4:
		severity = model.SeverityMedium
	}

	v := &Verification{
		Verdict:                  model.VerdictContradiction,
		Severity:                 severity,
		Urgency:                  urgency,
		Description:              describeClaims(in.Entity, in.Claims),
		TemporalAnalysis:         temporalSpread(in.Claims),
		RecommendedAction:        model.ActionFlagForHuman,
		RecommendedActionDetails: "Confirm on scene or with an additional independent source before committing resources.",
	}
	return v, 0.6, fmt.Sprintf("%d conflicting claim pairs", conflicts)
}

func describeClaims(entity string, claims []model.Claim) string {
	var parts []string
	for _, c := range claims {
		parts = append(parts, fmt.Sprintf("%s says %s=%s", c.Source, c.Dimension, c.Value))
	}
	if entity == "" {
		entity = "entity"
	}
	return fmt.Sprintf("Sources disagree about %s: %s", entity, strings.Join(parts, "; "))
}

func temporalSpread(claims []model.Claim) string {
	if len(claims) < 2 {
		return ""
	}
	first, last := claims[0].Timestamp, claims[0].Timestamp
	for _, c := range claims[1:] {
		if c.Timestamp.Before(first) {
			first = c.Timestamp
		}
		if c.Timestamp.After(last) {
			last = c.Timestamp
		}
	}
	if first.IsZero() {
		return ""
	}
	return fmt.Sprintf("claims span %s", last.Sub(first).Round(time.Second))
}

var preferredKinds = map[string][]string{
	"fire":                {"engine", "ladder", "ambulance"},
	"structural_collapse": {"sar", "ladder", "ambulance"},
	"structural_damage":   {"sar", "engine", "ambulance"},
	"flood":               {"helicopter", "sar", "ambulance"},
	"medical":             {"ambulance"},
}

func fallbackPlanning(in Input) (Payload, float64, string) {
	if in.Target == nil {
		return &ActionPlan{ActionType: "dispatch", TimeSensitivity: model.UrgencyMedium}, 0.3, "no target incident"
	}
	target := *in.Target
	prefs, ok := preferredKinds[target.Kind]
	if !ok {
		prefs = []string{"ambulance", "sar"}
	}
	rank := func(kind string) int {
		if i := slices.Index(prefs, strings.ToLower(kind)); i >= 0 {
			return i
		}
		return len(prefs)
	}

	var available []model.Resource
	for _, r := range in.Resources {
		if r.Status == model.ResourceAvailable {
			available = append(available, r)
		}
	}
	sort.SliceStable(available, func(i, j int) bool {
		a, b := available[i], available[j]
		if ra, rb := rank(a.Kind), rank(b.Kind); ra != rb {
			return ra < rb
		}
		da, db := model.Distance(a.Position, target.Position), model.Distance(b.Position, target.Position)
		if da != db {
			return da < db
		}
		return a.ID < b.ID
	})

	n := 2
	if target.Urgency == model.UrgencyCritical {
		n = 3
	}
	n = min(n, len(available))

	p := &ActionPlan{
		ActionType:      "dispatch",
		TimeSensitivity: target.Urgency,
		Rationale:       fmt.Sprintf("%s incident at %s (%s urgency) needs response", target.Kind, sectorLabel(target.Position), target.Urgency),
	}
	for _, r := range available[:n] {
		p.Resources = append(p.Resources, r.ID)
		p.SupportingFactors = append(p.SupportingFactors,
			fmt.Sprintf("%s (%s) is %.1f km away", r.ID, r.Kind, model.Distance(r.Position, target.Position)))
	}
	if target.Trapped != nil && target.Trapped.Max > 0 {
		p.SupportingFactors = append(p.SupportingFactors, fmt.Sprintf("up to %d persons trapped", target.Trapped.Max))
	}
	if target.Confidence < 0.6 {
		p.UncertaintyFactors = append(p.UncertaintyFactors, fmt.Sprintf("incident confidence is %.2f", target.Confidence))
	}
	if len(target.ContradictionIDs) > 0 {
		p.UncertaintyFactors = append(p.UncertaintyFactors, "open contradictions on this incident")
	}

	remaining := len(available) - n
	var competing []string
	for _, inc := range in.Incidents {
		if inc.ID != target.ID && inc.Status == model.IncidentActive && inc.Urgency.Rank() >= model.UrgencyHigh.Rank() {
			competing = append(competing, inc.ID)
		}
	}
	sort.Strings(competing)
	if len(competing) > 0 {
		p.Tradeoffs = append(p.Tradeoffs, model.Tradeoff{
			Impact:            fmt.Sprintf("%d units remain available for %d other urgent incidents", remaining, len(competing)),
			AffectedIncidents: competing,
			WorstCase:         "a competing incident waits for the next free unit",
		})
	}

	conf := 0.5
	if n > 0 {
		conf = 0.4 + 0.4*target.Confidence
	}
	return p, conf, fmt.Sprintf("nearest preferred units for %s", target.Kind)
}

// travelKmPerHour is the assumed average unit speed on damaged roads
const travelKmPerHour = 40

func etaMinutes(from, to model.Position) int {
	return max(1, int(math.Ceil(model.Distance(from, to)/travelKmPerHour*60)))
}

// fallbackAllocation covers active incidents in urgency order with the
// nearest preferred unit, gives critical ones a second unit in a later pass,
// and proposes camps from what the incidents and known facilities suggest.
func fallbackAllocation(in Input) (Payload, float64, string) {
	incidents := slices.Clone(in.Incidents)
	sort.SliceStable(incidents, func(i, j int) bool {
		a, b := incidents[i], incidents[j]
		if a.Urgency.Rank() != b.Urgency.Rank() {
			return a.Urgency.Rank() > b.Urgency.Rank()
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.ID < b.ID
	})
	free := make(map[string]model.Resource)
	for _, r := range in.Resources {
		if r.Status == model.ResourceAvailable {
			free[r.ID] = r
		}
	}

	p := &AllocationProposal{
		KeyAssumptions: []string{
			fmt.Sprintf("units travel at about %d km/h", travelKmPerHour),
			"incident positions and counts are current",
		},
	}
	pick := func(inc model.Incident, why string) {
		if len(free) == 0 {
			return
		}
		r, ok := nearestPreferred(inc, free)
		if !ok {
			return
		}
		delete(free, r.ID)
		eta := etaMinutes(r.Position, inc.Position)
		p.Assignments = append(p.Assignments, model.ResourceAssignment{
			ResourceID:       r.ID,
			TargetIncidentID: inc.ID,
			Rationale:        fmt.Sprintf("%s (%s) %s, %.1f km from %s", r.ID, r.Kind, why, model.Distance(r.Position, inc.Position), sectorLabel(inc.Position)),
			Priority:         len(p.Assignments) + 1,
			ETAMinutes:       &eta,
		})
	}
	for _, inc := range incidents {
		pick(inc, fmt.Sprintf("is the nearest suitable unit for this %s incident", inc.Urgency))
	}
	for _, inc := range incidents {
		if inc.Urgency == model.UrgencyCritical {
			pick(inc, "reinforces a critical incident")
		}
	}

	p.Camps = fallbackCamps(incidents, in.Locations)
	uncovered := len(incidents) - coveredIncidents(p.Assignments)
	p.Rationale = fmt.Sprintf("%d assignments across %d active incidents, %d camps proposed", len(p.Assignments), len(incidents), len(p.Camps))
	if uncovered > 0 {
		p.KeyAssumptions = append(p.KeyAssumptions, fmt.Sprintf("%d incidents wait for the next free unit", uncovered))
	}

	conf := 0.35
	if len(p.Assignments) > 0 {
		conf = 0.5
	}
	return p, conf, "nearest preferred unit per incident in urgency order"
}

func nearestPreferred(inc model.Incident, free map[string]model.Resource) (model.Resource, bool) {
	prefs, ok := preferredKinds[inc.Kind]
	if !ok {
		prefs = []string{"ambulance", "sar"}
	}
	rank := func(kind string) int {
		if i := slices.Index(prefs, strings.ToLower(kind)); i >= 0 {
			return i
		}
		return len(prefs)
	}
	var best model.Resource
	found := false
	for _, r := range free {
		if !found {
			best, found = r, true
			continue
		}
		rb, rr := rank(best.Kind), rank(r.Kind)
		db, dr := model.Distance(best.Position, inc.Position), model.Distance(r.Position, inc.Position)
		if rr < rb || (rr == rb && (dr < db || (dr == db && r.ID < best.ID))) {
			best = r
		}
	}
	return best, found
}

func coveredIncidents(as []model.ResourceAssignment) int {
	seen := make(map[string]bool)
	for _, a := range as {
		seen[a.TargetIncidentID] = true
	}
	return len(seen)
}

func fallbackCamps(incidents []model.Incident, locations []model.Location) []model.CampRecommendation {
	if len(incidents) == 0 {
		return nil
	}
	var lat, lng float64
	displaced, injured, trapped := 0, 0, 0
	for _, inc := range incidents {
		lat += inc.Position.Lat
		lng += inc.Position.Lng
		if inc.Trapped != nil {
			trapped += inc.Trapped.Max
		}
		if inc.Injured != nil {
			injured += inc.Injured.Max
		}
		if inc.DamageLevel.Rank() >= model.DamageSevere.Rank() {
			displaced += 50
		}
	}
	n := float64(len(incidents))
	centre := model.Position{Lat: lat / n, Lng: lng / n, Sector: incidents[0].Position.Sector}

	var camps []model.CampRecommendation
	camps = append(camps, model.CampRecommendation{
		Name:            "Relief camp near " + sectorLabel(centre),
		Type:            model.CampRelief,
		Position:        centre,
		CapacityPersons: max(100, displaced+trapped+injured),
		Rationale:       fmt.Sprintf("central to %d active incidents", len(incidents)),
		Confidence:      0.6,
		Factors:         map[string]string{"incidents": fmt.Sprint(len(incidents)), "severe_sites": fmt.Sprint(displaced / 50)},
	})

	top := incidents[0]
	if trapped > 0 || strings.Contains(top.Kind, "collapse") {
		pos := top.Position
		pos.Lat += 0.002
		camps = append(camps, model.CampRecommendation{
			Name:            "Rescue staging " + sectorLabel(top.Position),
			Type:            model.CampRescueStaging,
			Position:        pos,
			CapacityPersons: 50,
			Rationale:       fmt.Sprintf("stages teams next to the most urgent incident %s", top.ID),
			Confidence:      0.55,
			Factors:         map[string]string{"incident": top.ID, "trapped": fmt.Sprint(trapped)},
		})
	}

	if hospital, spare, ok := roomiestHospital(locations); ok {
		camps = append(camps, model.CampRecommendation{
			Name:            "Triage at " + hospital.Name,
			Type:            model.CampMedicalTriage,
			Position:        hospital.Position,
			CapacityPersons: min(max(spare, 20), 200),
			Rationale:       fmt.Sprintf("%s has the most spare capacity (%d beds)", hospital.Name, spare),
			Confidence:      0.65,
			Factors:         map[string]string{"hospital": hospital.ID, "spare_capacity": fmt.Sprint(spare)},
		})
	} else if injured > 0 {
		camps = append(camps, model.CampRecommendation{
			Name:            "Field triage near " + sectorLabel(centre),
			Type:            model.CampMedicalTriage,
			Position:        centre,
			CapacityPersons: max(20, injured*2),
			Rationale:       "no reachable hospital with spare capacity is known",
			Confidence:      0.45,
			Factors:         map[string]string{"injured": fmt.Sprint(injured)},
		})
	}
	return camps
}

// roomiestHospital returns the usable hospital with the most free capacity
func roomiestHospital(locations []model.Location) (model.Location, int, bool) {
	var best model.Location
	bestSpare, found := -1, false
	for _, l := range locations {
		if l.Kind != "hospital" || l.Status == model.LocationDestroyed || l.Accessibility == model.Blocked {
			continue
		}
		spare := 0
		if l.CapacityTotal != nil {
			spare = *l.CapacityTotal
			if l.CapacityUsed != nil {
				spare -= *l.CapacityUsed
			}
		}
		if spare > bestSpare || (spare == bestSpare && l.ID < best.ID) {
			best, bestSpare, found = l, spare, true
		}
	}
	return best, max(bestSpare, 0), found
}

func sectorLabel(p model.Position) string {
	switch {
	case p.Name != "":
		return p.Name
	case p.Sector != "":
		return "sector " + p.Sector
	default:
		return fmt.Sprintf("%.4f,%.4f", p.Lat, p.Lng)
	}
}

func fallbackFor(kind Kind, in Input) (Payload, float64, string) {
	switch kind {
	case KindVision:
		return fallbackVision(in)
	case KindAudio:
		return fallbackAudio(in)
	case KindText:
		return fallbackText(in)
	case KindVerification:
		return fallbackVerification(in)
	case KindAllocation:
		return fallbackAllocation(in)
	default:
		return fallbackPlanning(in)
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
