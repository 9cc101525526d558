// Package graph holds the situation graph: the single source of truth for
// incidents, resources, locations, edges, contradiction alerts and action
// recommendations. All mutation is serialized through one lock; readers get
// deep copies.
package graph

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/crisisgraph/internal/clock"
	"github.com/ppiankov/crisisgraph/internal/model"
)

// Options configures a Graph
type Options struct {
	Clock              clock.Clock
	Logger             *zap.Logger
	DecayRatePerMinute float64 // Applied to incidents created without their own rate
	DecayFloor         float64 // Confidence never decays below this
	DispatchETAMinutes int     // ETA stamped on resources dispatched by approval
	AuditSize          int     // Entries kept in the audit ring
}

// Graph is the situation graph
type Graph struct {
	mu     sync.RWMutex
	clock  clock.Clock
	logger *zap.Logger
	opts   Options

	incidents      map[string]model.Incident
	resources      map[string]model.Resource
	locations      map[string]model.Location
	edges          []model.Edge
	contradictions map[string]model.ContradictionAlert
	actions        map[string]model.ActionRecommendation
	plans          map[string]model.AllocationPlan
	camps          map[string]model.CampRecommendation

	scenarioID    string
	scenarioName  string
	scenarioStart *time.Time
	simTime       *time.Time

	lastUpdated time.Time
	version     uint64
	epoch       uint64

	audit *auditLog
}

// New creates an empty graph
func New(opts Options) *Graph {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DecayRatePerMinute == 0 {
		opts.DecayRatePerMinute = 0.01
	}
	if opts.DecayFloor == 0 {
		opts.DecayFloor = 0.1
	}
	if opts.DispatchETAMinutes == 0 {
		opts.DispatchETAMinutes = 8
	}
	if opts.AuditSize <= 0 {
		opts.AuditSize = 1000
	}

	g := &Graph{
		clock:  opts.Clock,
		logger: opts.Logger,
		opts:   opts,
		audit:  newAuditLog(opts.AuditSize),
	}
	g.clear()
	return g
}

func (g *Graph) clear() {
	g.incidents = make(map[string]model.Incident)
	g.resources = make(map[string]model.Resource)
	g.locations = make(map[string]model.Location)
	g.edges = nil
	g.contradictions = make(map[string]model.ContradictionAlert)
	g.actions = make(map[string]model.ActionRecommendation)
	g.plans = make(map[string]model.AllocationPlan)
	g.camps = make(map[string]model.CampRecommendation)
	g.scenarioID = ""
	g.scenarioName = ""
	g.scenarioStart = nil
	g.simTime = nil
	g.lastUpdated = g.clock.Now()
}

// commit records a mutation. Callers hold the write lock.
func (g *Graph) commit() uint64 {
	g.version++
	g.lastUpdated = g.clock.Now()
	return g.version
}

// NewID returns a short prefixed identifier
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Reset replaces the graph with an empty one and starts a new epoch.
// Merges computed against the previous epoch must be discarded by their producers.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.clear()
	g.epoch++
	g.commit()
	g.audit.reset()
	g.logger.Info("situation graph reset", zap.Uint64("epoch", g.epoch))
}

// Epoch identifies the current session; it changes on every Reset
func (g *Graph) Epoch() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.epoch
}

// Version returns the monotonic update clock
func (g *Graph) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// SetScenario stamps the running scenario on the graph
func (g *Graph) SetScenario(id, name string, start time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.scenarioID = id
	g.scenarioName = name
	g.scenarioStart = &start
	g.simTime = &start
	g.commit()
}

// SetSimTime records the simulation's current virtual time
func (g *Graph) SetSimTime(t time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.simTime = &t
	g.commit()
}

// UpsertIncident inserts or replaces an incident. An empty ID is assigned.
func (g *Graph) UpsertIncident(inc model.Incident) (model.Incident, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	if inc.ID == "" {
		inc.ID = NewID("inc")
	}
	if inc.Status == "" {
		inc.Status = model.IncidentActive
	}
	if inc.DecayRatePerMinute == 0 {
		inc.DecayRatePerMinute = g.opts.DecayRatePerMinute
	}
	if prev, ok := g.incidents[inc.ID]; ok {
		inc.CreatedAt = prev.CreatedAt
	} else if inc.CreatedAt.IsZero() {
		inc.CreatedAt = now
	}
	inc.UpdatedAt = now

	if err := validateIncident(inc); err != nil {
		return model.Incident{}, err
	}

	_, existed := g.incidents[inc.ID]
	g.incidents[inc.ID] = copyIncident(inc)
	g.commit()
	if !existed {
		g.audit.add(now, "incident_created", inc.ID, "", inc.Kind)
	}
	return copyIncident(inc), nil
}

// UpdateIncident applies fn to a copy of the incident and commits it if it validates
func (g *Graph) UpdateIncident(id string, fn func(*model.Incident) error) (model.Incident, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur, ok := g.incidents[id]
	if !ok {
		return model.Incident{}, notFound("incident", id)
	}
	next := copyIncident(cur)
	if err := fn(&next); err != nil {
		return model.Incident{}, err
	}
	next.ID = id
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = g.clock.Now()
	if err := validateIncident(next); err != nil {
		return model.Incident{}, err
	}
	g.incidents[id] = next
	g.commit()
	return copyIncident(next), nil
}

// UpsertResource inserts or replaces a resource
func (g *Graph) UpsertResource(res model.Resource) (model.Resource, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if res.ID == "" {
		res.ID = NewID("res")
	}
	if res.UnitID == "" {
		res.UnitID = res.ID
	}
	if res.Status == "" {
		res.Status = model.ResourceAvailable
	}
	res.UpdatedAt = g.clock.Now()
	if err := g.validateResource(res); err != nil {
		return model.Resource{}, err
	}
	g.resources[res.ID] = copyResource(res)
	g.commit()
	return copyResource(res), nil
}

// UpdateResource applies fn to a copy of the resource and commits it if it validates
func (g *Graph) UpdateResource(id string, fn func(*model.Resource) error) (model.Resource, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur, ok := g.resources[id]
	if !ok {
		return model.Resource{}, notFound("resource", id)
	}
	next := copyResource(cur)
	if err := fn(&next); err != nil {
		return model.Resource{}, err
	}
	next.ID = id
	next.UpdatedAt = g.clock.Now()
	if err := g.validateResource(next); err != nil {
		return model.Resource{}, err
	}
	g.resources[id] = next
	g.commit()
	return copyResource(next), nil
}

// UpsertLocation inserts or replaces a location
func (g *Graph) UpsertLocation(loc model.Location) (model.Location, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if loc.ID == "" {
		loc.ID = LocationID(loc.Name)
	}
	if loc.Status == "" {
		loc.Status = model.LocationUnknown
	}
	if loc.Accessibility == "" {
		loc.Accessibility = model.AccessUnknown
	}
	loc.UpdatedAt = g.clock.Now()
	if err := validateLocation(loc); err != nil {
		return model.Location{}, err
	}
	g.locations[loc.ID] = copyLocation(loc)
	g.commit()
	return copyLocation(loc), nil
}

// UpdateLocation applies fn to a copy of the location and commits it if it validates
func (g *Graph) UpdateLocation(id string, fn func(*model.Location) error) (model.Location, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur, ok := g.locations[id]
	if !ok {
		return model.Location{}, notFound("location", id)
	}
	next := copyLocation(cur)
	if err := fn(&next); err != nil {
		return model.Location{}, err
	}
	next.ID = id
	next.UpdatedAt = g.clock.Now()
	if err := validateLocation(next); err != nil {
		return model.Location{}, err
	}
	g.locations[id] = next
	g.commit()
	return copyLocation(next), nil
}

// EnsureLocation returns the location matching loc's id or name, creating it
// from loc when there is none. created reports whether it was inserted.
func (g *Graph) EnsureLocation(loc model.Location) (model.Location, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if loc.ID == "" {
		loc.ID = LocationID(loc.Name)
	}
	if existing, ok := g.locations[loc.ID]; ok {
		return copyLocation(existing), false, nil
	}
	for _, existing := range g.locations {
		if strings.EqualFold(existing.Name, loc.Name) {
			return copyLocation(existing), false, nil
		}
	}

	if loc.Status == "" {
		loc.Status = model.LocationUnknown
	}
	if loc.Accessibility == "" {
		loc.Accessibility = model.AccessUnknown
	}
	loc.UpdatedAt = g.clock.Now()
	if err := validateLocation(loc); err != nil {
		return model.Location{}, false, err
	}
	g.locations[loc.ID] = copyLocation(loc)
	g.commit()
	g.audit.add(loc.UpdatedAt, "location_created", loc.ID, "", loc.Name)
	return copyLocation(loc), true, nil
}

// LocationID derives a stable location id from a display name
func LocationID(name string) string {
	var b strings.Builder
	b.WriteString("loc_")
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			underscore = false
		case !underscore:
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// FindLocation resolves a location by id or case-insensitive name
func (g *Graph) FindLocation(ref string) (model.Location, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if loc, ok := g.locations[ref]; ok {
		return copyLocation(loc), true
	}
	if loc, ok := g.locations[LocationID(ref)]; ok {
		return copyLocation(loc), true
	}
	for _, loc := range g.locations {
		if strings.EqualFold(loc.Name, ref) {
			return copyLocation(loc), true
		}
	}
	return model.Location{}, false
}

// AddEdge records a relation between two existing nodes.
// An edge with the same endpoints and relation is updated in place.
func (g *Graph) AddEdge(e model.Edge) (model.Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addEdgeLocked(e)
}

func (g *Graph) addEdgeLocked(e model.Edge) (model.Edge, error) {
	if err := g.validateEdge(e); err != nil {
		return model.Edge{}, err
	}
	for i, existing := range g.edges {
		if existing.From == e.From && existing.To == e.To && existing.Relation == e.Relation {
			g.edges[i].Confidence = e.Confidence
			g.commit()
			return g.edges[i], nil
		}
	}
	if e.ID == "" {
		e.ID = NewID("edge")
	}
	g.edges = append(g.edges, e)
	g.commit()
	return e, nil
}

func (g *Graph) removeEdgesLocked(from, to string, rel model.Relation) {
	g.edges = slices.DeleteFunc(g.edges, func(e model.Edge) bool {
		return e.From == from && e.To == to && e.Relation == rel
	})
}

func (g *Graph) exists(id string) bool {
	if _, ok := g.incidents[id]; ok {
		return true
	}
	if _, ok := g.resources[id]; ok {
		return true
	}
	_, ok := g.locations[id]
	return ok
}

// entity resolves a claim-bearing node; callers hold the lock
func (g *Graph) entity(id string) (model.EntityType, string, bool) {
	if inc, ok := g.incidents[id]; ok {
		return model.EntityIncident, inc.Kind, true
	}
	if loc, ok := g.locations[id]; ok {
		return model.EntityLocation, loc.Name, true
	}
	return "", "", false
}

// Incident returns a copy of one incident
func (g *Graph) Incident(id string) (model.Incident, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	inc, ok := g.incidents[id]
	return copyIncident(inc), ok
}

// Resource returns a copy of one resource
func (g *Graph) Resource(id string) (model.Resource, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	res, ok := g.resources[id]
	return copyResource(res), ok
}

// Location returns a copy of one location
func (g *Graph) Location(id string) (model.Location, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	loc, ok := g.locations[id]
	return copyLocation(loc), ok
}

// Contradiction returns a copy of one alert
func (g *Graph) Contradiction(id string) (model.ContradictionAlert, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.contradictions[id]
	return copyAlert(a), ok
}

// Action returns a copy of one recommendation
func (g *Graph) Action(id string) (model.ActionRecommendation, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.actions[id]
	return copyAction(a), ok
}

// Snapshot returns a deep copy of the whole graph
func (g *Graph) Snapshot() model.Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := model.Snapshot{
		Incidents:      make(map[string]model.Incident, len(g.incidents)),
		Resources:      make(map[string]model.Resource, len(g.resources)),
		Locations:      make(map[string]model.Location, len(g.locations)),
		Edges:          slices.Clone(g.edges),
		Contradictions: make(map[string]model.ContradictionAlert, len(g.contradictions)),
		Actions:        make(map[string]model.ActionRecommendation, len(g.actions)),
		Plans:          make(map[string]model.AllocationPlan, len(g.plans)),
		Camps:          make(map[string]model.CampRecommendation, len(g.camps)),
		ScenarioID:     g.scenarioID,
		ScenarioName:   g.scenarioName,
		LastUpdated:    g.lastUpdated,
		Version:        g.version,
	}
	for id, v := range g.incidents {
		s.Incidents[id] = copyIncident(v)
	}
	for id, v := range g.resources {
		s.Resources[id] = copyResource(v)
	}
	for id, v := range g.locations {
		s.Locations[id] = copyLocation(v)
	}
	for id, v := range g.contradictions {
		s.Contradictions[id] = copyAlert(v)
	}
	for id, v := range g.actions {
		s.Actions[id] = copyAction(v)
	}
	for id, v := range g.plans {
		s.Plans[id] = copyPlan(v)
	}
	for id, v := range g.camps {
		s.Camps[id] = copyCamp(v)
	}
	if g.scenarioStart != nil {
		t := *g.scenarioStart
		s.ScenarioStartTime = &t
	}
	if g.simTime != nil {
		t := *g.simTime
		s.CurrentSimTime = &t
	}
	return s
}

// Stats counts graph contents
func (g *Graph) Stats() model.Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var st model.Stats
	for _, inc := range g.incidents {
		st.TotalIncidents++
		switch inc.Status {
		case model.IncidentActive:
			st.ActiveIncidents++
		case model.IncidentResponding:
			st.RespondingIncidents++
		}
	}
	for _, res := range g.resources {
		st.TotalResources++
		switch {
		case res.Status == model.ResourceAvailable:
			st.AvailableResources++
		case res.Status.Assigned():
			st.DeployedResources++
		}
	}
	for _, a := range g.contradictions {
		if !a.Resolved {
			st.OpenContradictions++
		}
	}
	for _, a := range g.actions {
		if a.Status == model.ActionPending {
			st.PendingActions++
		}
	}
	for _, p := range g.plans {
		if p.Status == model.ActionPending {
			st.PendingPlans++
		}
	}
	for _, c := range g.camps {
		if c.Status == model.ActionPending {
			st.PendingCamps++
		}
	}
	st.Locations = len(g.locations)
	return st
}
