package coordinator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/crisisgraph/internal/agent"
	"github.com/ppiankov/crisisgraph/internal/graph"
	"github.com/ppiankov/crisisgraph/internal/model"
	"github.com/ppiankov/crisisgraph/internal/simulation"
)

var errStaleSession = errors.New("session was reset while the signal was processed")

// Signal is one raw observation
type Signal struct {
	Kind     string            `json:"kind"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is the outcome of one signal in a batch
type Result struct {
	Output agent.Output `json:"output"`
	Err    error        `json:"-"`
}

// signal carries what the merge needs to know about an observation
type signal struct {
	id         string
	kind       string
	at         time.Time
	sourceType model.SourceType
	meta       map[string]string
}

func perceptionAgent(kind string) (agent.Kind, model.SourceType, bool) {
	switch strings.ToLower(kind) {
	case "image":
		return agent.KindVision, model.SourceImage, true
	case "audio":
		return agent.KindAudio, model.SourceAudio, true
	case "text":
		return agent.KindText, model.SourceText, true
	}
	return "", "", false
}

func (c *Coordinator) newSignal(kind string, st model.SourceType, meta map[string]string) signal {
	s := signal{id: meta["signal_id"], kind: kind, sourceType: st, meta: meta}
	if s.id == "" {
		s.id = graph.NewID("sig")
	}
	s.at = c.clock.Now()
	if ts := meta["timestamp"]; ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			s.at = t
		}
	}
	switch strings.ToLower(meta["source_type"]) {
	case "satellite":
		if st == model.SourceImage {
			s.sourceType = model.SourceSatellite
		}
	case "document", "report":
		if st == model.SourceText {
			s.sourceType = model.SourceDocument
		}
	}
	return s
}

// position prefers explicit coordinates, then the sector centre
func (s signal) position(sector string) model.Position {
	if sector == "" {
		sector = s.meta["sector"]
	}
	lat, errLat := strconv.ParseFloat(s.meta["lat"], 64)
	lng, errLng := strconv.ParseFloat(s.meta["lng"], 64)
	if errLat == nil && errLng == nil {
		return model.Position{Lat: lat, Lng: lng, Sector: sector}
	}
	return simulation.SectorPosition(sector, s.id)
}

func (s signal) ref(credibility float64) model.SourceRef {
	return model.SourceRef{
		SourceID:      s.id,
		SourceType:    s.sourceType,
		Timestamp:     s.at,
		RawContentRef: s.meta["ref"],
		Credibility:   clamp01(credibility),
	}
}

func (s signal) claim(entity, status string, confidence float64) model.Claim {
	return model.Claim{
		Source:     s.id,
		SourceType: s.sourceType,
		Text:       fmt.Sprintf("%s is %s", entity, status),
		Dimension:  model.DimensionStatus,
		Value:      strings.ToLower(status),
		Confidence: clamp01(confidence),
		Timestamp:  s.at,
	}
}

// ProcessSignal runs one observation through its perception agent and merges
// the result. Agent failures never surface here; only signals that cannot be
// routed and merges the graph rejects return an error.
func (c *Coordinator) ProcessSignal(ctx context.Context, kind, content string, metadata map[string]string) (agent.Output, error) {
	ak, st, ok := perceptionAgent(kind)
	if !ok {
		c.metrics.Signal(kind, "unsupported")
		return agent.Output{}, fmt.Errorf("%w: %q", ErrUnsupportedSignal, kind)
	}
	if strings.TrimSpace(content) == "" {
		c.metrics.Signal(kind, "empty")
		return agent.Output{}, ErrEmptySignal
	}

	meta := maps.Clone(metadata)
	if meta == nil {
		meta = map[string]string{}
	}
	sig := c.newSignal(kind, st, meta)
	epoch := c.graph.Epoch()

	out := c.gateway.Invoke(ctx, ak, agent.Input{
		SignalID:  sig.id,
		Content:   content,
		Metadata:  meta,
		Timestamp: sig.at,
	})

	m, err := c.merge(epoch, sig, out)
	if errors.Is(err, errStaleSession) {
		c.metrics.Signal(kind, "discarded")
		c.logger.Info("discarding merge from previous session", zap.String("signal_id", sig.id))
		return out, nil
	}
	if err != nil {
		c.metrics.Signal(kind, "rejected")
		c.logger.Warn("merge rejected", zap.String("signal_id", sig.id), zap.Error(err))
		return out, err
	}
	c.metrics.Signal(kind, "merged")
	if m.incidentID != "" {
		if inc, ok := c.graph.Incident(m.incidentID); ok {
			c.incidentCreated(inc)
		}
	}
	c.note("signal_"+kind, agent.Describe(out), map[string]string{"signal_id": sig.id, "agent": out.AgentName})
	c.logger.Debug("signal merged",
		zap.String("signal_id", sig.id),
		zap.String("agent", out.AgentName),
		zap.Bool("fallback", out.Fallback),
		zap.Int("conflicts", len(m.conflicts)))

	for _, set := range m.conflicts {
		c.verify(ctx, epoch, set)
	}
	c.recommend(ctx, epoch)
	c.publishGraph()
	return out, nil
}

// ProcessBatch ingests signals concurrently. Results are in input order.
func (c *Coordinator) ProcessBatch(ctx context.Context, signals []Signal) []Result {
	results := make([]Result, len(signals))
	var g errgroup.Group
	g.SetLimit(c.opts.BatchConcurrency)
	for i, s := range signals {
		g.Go(func() error {
			out, err := c.ProcessSignal(ctx, s.Kind, s.Content, s.Metadata)
			results[i] = Result{Output: out, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// merge writes an agent output into the graph and returns the conflicts it introduced
// merged is what one signal changed. The incident it created is announced
// only once the whole merge has succeeded.
type merged struct {
	incidentID string
	conflicts  []graph.ConflictSet
}

func (c *Coordinator) merge(epoch uint64, sig signal, out agent.Output) (merged, error) {
	c.session.RLock()
	defer c.session.RUnlock()
	if c.graph.Epoch() != epoch {
		return merged{}, errStaleSession
	}

	switch p := out.Data.(type) {
	case *agent.DamageAssessment:
		return c.mergeDamage(sig, out, p)
	case *agent.AudioAnalysis:
		return c.mergeAudio(sig, out, p)
	case *agent.TextAnalysis:
		conflicts, err := c.mergeText(sig, out, p)
		return merged{conflicts: conflicts}, err
	}
	return merged{}, nil
}

func (c *Coordinator) mergeDamage(sig signal, out agent.Output, p *agent.DamageAssessment) (merged, error) {
	pos := sig.position(p.Sector)
	ref := sig.ref(out.Confidence)

	var incidentID string
	if p.DamageLevel != model.DamageNone {
		inc, err := c.graph.UpsertIncident(model.Incident{
			Kind:        p.IncidentKind,
			Position:    pos,
			DamageLevel: p.DamageLevel,
			Urgency:     p.DamageLevel.Urgency(),
			Trapped:     p.Trapped,
			Hazards:     p.Hazards,
			Confidence:  clamp01(out.Confidence),
			Sources:     []model.SourceRef{ref},
		})
		if err != nil {
			return merged{}, err
		}
		incidentID = inc.ID
	}
	if p.Entity == "" {
		return merged{incidentID: incidentID}, nil
	}

	r := entityReport{
		name:       p.Entity,
		kind:       sig.meta["entity_kind"],
		pos:        pos,
		ref:        ref,
		access:     p.Accessibility,
		incidentID: incidentID,
	}
	if p.Status != "" {
		r.claims = []model.Claim{sig.claim(p.Entity, p.Status, out.Confidence)}
	}
	conflicts, err := c.reportEntity(r)
	if err != nil {
		return merged{}, err
	}
	return merged{incidentID: incidentID, conflicts: conflicts}, nil
}

func (c *Coordinator) mergeAudio(sig signal, out agent.Output, p *agent.AudioAnalysis) (merged, error) {
	pos := sig.position(p.Sector)
	ref := sig.ref(out.Confidence)

	inc, err := c.graph.UpsertIncident(model.Incident{
		Kind:        p.IncidentKind,
		Position:    pos,
		DamageLevel: damageFor(p.Urgency),
		Urgency:     p.Urgency,
		Trapped:     p.Trapped,
		Injured:     p.Injured,
		Hazards:     p.Hazards,
		Confidence:  clamp01(out.Confidence),
		Sources:     []model.SourceRef{ref},
	})
	if err != nil {
		return merged{}, err
	}
	if p.Entity == "" {
		return merged{incidentID: inc.ID}, nil
	}

	r := entityReport{
		name:       p.Entity,
		kind:       sig.meta["entity_kind"],
		pos:        pos,
		ref:        ref,
		incidentID: inc.ID,
	}
	if p.Status != "" {
		r.claims = []model.Claim{sig.claim(p.Entity, p.Status, out.Confidence)}
	}
	conflicts, err := c.reportEntity(r)
	if err != nil {
		return merged{}, err
	}
	return merged{incidentID: inc.ID, conflicts: conflicts}, nil
}

func (c *Coordinator) mergeText(sig signal, out agent.Output, p *agent.TextAnalysis) ([]graph.ConflictSet, error) {
	if p.Entity == "" {
		return nil, nil
	}
	r := entityReport{
		name: p.Entity,
		kind: p.EntityKind,
		pos:  sig.position(p.Sector),
		ref:  sig.ref(p.Credibility),
	}
	for _, ec := range p.Claims {
		text := ec.Text
		if text == "" {
			text = fmt.Sprintf("%s %s: %s", p.Entity, ec.Dimension, ec.Value)
		}
		r.claims = append(r.claims, model.Claim{
			Source:     sig.id,
			SourceType: sig.sourceType,
			Text:       text,
			Dimension:  ec.Dimension,
			Value:      strings.ToLower(strings.TrimSpace(ec.Value)),
			Confidence: clamp01(out.Confidence),
			Timestamp:  sig.at,
		})
	}
	return c.reportEntity(r)
}

// entityReport is what one signal says about a named location
type entityReport struct {
	name       string
	kind       string
	pos        model.Position
	ref        model.SourceRef
	claims     []model.Claim
	access     model.Accessibility
	incidentID string
}

// reportEntity creates the location on first mention, attaches the claims and
// links the incident. Status and accessibility follow the report only when it
// conflicts with nothing already held.
func (c *Coordinator) reportEntity(r entityReport) ([]graph.ConflictSet, error) {
	kind := r.kind
	if kind == "" {
		kind = lastWord(r.name)
	}
	pos := r.pos
	pos.Name = r.name
	loc, created, err := c.graph.EnsureLocation(model.Location{
		Kind:       kind,
		Name:       r.name,
		Position:   pos,
		Confidence: r.ref.Credibility,
	})
	if err != nil {
		return nil, err
	}
	if created {
		c.note("location_created", fmt.Sprintf("%s first reported", r.name), map[string]string{"location_id": loc.ID})
	}

	var set graph.ConflictSet
	if len(r.claims) > 0 {
		if set, err = c.graph.AttachClaims(loc.ID, r.claims...); err != nil {
			return nil, err
		}
	}

	_, err = c.graph.UpdateLocation(loc.ID, func(l *model.Location) error {
		l.Sources = append(l.Sources, r.ref)
		if !set.Empty() {
			return nil
		}
		for _, cl := range r.claims {
			if st, ok := locationStatus(cl); ok {
				l.Status = st
			}
		}
		if r.access != "" && r.access != model.AccessUnknown {
			l.Accessibility = r.access
		}
		l.Confidence = max(l.Confidence, r.ref.Credibility)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if r.incidentID != "" {
		edge := model.Edge{From: r.incidentID, To: loc.ID, Relation: model.RelLocatedAt, Confidence: r.ref.Credibility}
		if _, err := c.graph.AddEdge(edge); err != nil {
			return nil, err
		}
	}
	if set.Empty() {
		return nil, nil
	}
	return []graph.ConflictSet{set}, nil
}

func (c *Coordinator) incidentCreated(inc model.Incident) {
	c.note("incident_created",
		fmt.Sprintf("%s in sector %s (%s)", inc.Kind, orUnknown(inc.Position.Sector), inc.Urgency),
		map[string]string{"incident_id": inc.ID})
	c.publish(model.EventNewIncident, inc)
}

// InjectClaims attaches scripted claims to an incident or a named location
// and verifies any conflict they introduce
func (c *Coordinator) InjectClaims(ctx context.Context, entity, entityKind string, claims []model.Claim) (graph.ConflictSet, error) {
	epoch := c.graph.Epoch()

	set, err := func() (graph.ConflictSet, error) {
		c.session.RLock()
		defer c.session.RUnlock()

		id := entity
		if _, ok := c.graph.Incident(entity); !ok {
			kind := entityKind
			if kind == "" {
				kind = lastWord(entity)
			}
			pos := simulation.SectorPosition("", entity)
			pos.Name = entity
			loc, _, err := c.graph.EnsureLocation(model.Location{Kind: kind, Name: entity, Position: pos, Confidence: 0.5})
			if err != nil {
				return graph.ConflictSet{}, err
			}
			id = loc.ID
		}
		return c.graph.AttachClaims(id, claims...)
	}()
	if err != nil {
		return graph.ConflictSet{}, err
	}

	c.note("claims_injected", fmt.Sprintf("%d claims about %s", len(claims), entity), map[string]string{"entity_id": set.EntityID})
	if !set.Empty() {
		c.verify(ctx, epoch, set)
	}
	c.publishGraph()
	return set, nil
}

// verify asks the verification agent about a conflict set and records an alert
// when it confirms a contradiction
func (c *Coordinator) verify(ctx context.Context, epoch uint64, set graph.ConflictSet) {
	out := c.gateway.Invoke(ctx, agent.KindVerification, agent.Input{
		Entity:    set.EntityName,
		Claims:    set.Claims,
		Timestamp: c.clock.Now(),
	})
	v, ok := out.Verification()
	if !ok {
		return
	}
	if v.Verdict != model.VerdictContradiction {
		c.note("verification", fmt.Sprintf("%s: %s", set.EntityName, v.Verdict), map[string]string{"entity_id": set.EntityID})
		return
	}

	c.session.RLock()
	if c.graph.Epoch() != epoch {
		c.session.RUnlock()
		return
	}
	alert, created, err := c.graph.AddContradiction(model.ContradictionAlert{
		EntityID:                 set.EntityID,
		EntityName:               set.EntityName,
		Claims:                   set.Claims,
		Verdict:                  v.Verdict,
		Severity:                 v.Severity,
		Urgency:                  v.Urgency,
		Description:              v.Description,
		TemporalAnalysis:         v.TemporalAnalysis,
		RecommendedAction:        v.RecommendedAction,
		RecommendedActionDetails: v.RecommendedActionDetails,
	})
	c.session.RUnlock()
	if err != nil {
		c.logger.Warn("contradiction rejected", zap.String("entity_id", set.EntityID), zap.Error(err))
		return
	}
	if !created {
		return
	}

	c.metrics.Contradiction()
	c.note("contradiction_detected",
		fmt.Sprintf("%s: %d conflicting claims (%s severity)", alert.EntityName, len(alert.Claims), alert.Severity),
		map[string]string{"alert_id": alert.ID, "entity_id": alert.EntityID})
	c.publish(model.EventContradictionAlert, alert)
}

// damageFor places a call's urgency on the damage scale
func damageFor(u model.Urgency) model.DamageLevel {
	switch u {
	case model.UrgencyCritical:
		return model.DamageSevere
	case model.UrgencyHigh:
		return model.DamageModerate
	default:
		return model.DamageMinor
	}
}

func locationStatus(cl model.Claim) (model.LocationStatus, bool) {
	if cl.Dimension != model.DimensionStatus {
		return "", false
	}
	switch cl.Value {
	case "collapsed", "destroyed":
		return model.LocationDestroyed, true
	case "damaged", "closed", "blocked", "down", "flooded", "evacuated":
		return model.LocationDamaged, true
	case "intact", "operational", "open":
		return model.LocationOperational, true
	}
	return "", false
}

func lastWord(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	if len(fields) == 0 {
		return "landmark"
	}
	return fields[len(fields)-1]
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func clamp01(v float64) float64 {
	return min(1, max(0, v))
}
