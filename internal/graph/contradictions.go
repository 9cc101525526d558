package graph

import (
	"strings"

	"go.uber.org/zap"

	"github.com/ppiankov/crisisgraph/internal/model"
)

// ConflictSet is the outcome of attaching claims: the conflicting pairs the new
// claims form against every claim already held by the entity
type ConflictSet struct {
	EntityID   string
	EntityType model.EntityType
	EntityName string
	Claims     []model.Claim     // Every claim taking part in a pair, in attachment order
	Pairs      []model.ClaimPair // Pairs not yet covered by an open alert
}

// Empty reports whether there is nothing to verify
func (c ConflictSet) Empty() bool {
	return len(c.Pairs) == 0
}

// AttachClaims appends claims to an incident or location and returns the
// conflicts they introduce. Each new claim is checked against all prior
// claims of the entity and against the new claims before it.
func (g *Graph) AttachClaims(entityID string, claims ...model.Claim) (ConflictSet, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	kind, name, ok := g.entity(entityID)
	if !ok {
		return ConflictSet{}, notFound("entity", entityID)
	}
	for i := range claims {
		if claims[i].ID == "" {
			claims[i].ID = NewID("clm")
		}
		if claims[i].Timestamp.IsZero() {
			claims[i].Timestamp = g.clock.Now()
		}
		if err := checkClaim(claims[i]); err != nil {
			return ConflictSet{}, err
		}
	}

	var prior []model.Claim
	switch kind {
	case model.EntityIncident:
		prior = g.incidents[entityID].Claims
	case model.EntityLocation:
		prior = g.locations[entityID].Claims
	}

	set := ConflictSet{EntityID: entityID, EntityType: kind, EntityName: name}
	involved := make(map[string]bool)
	addClaim := func(c model.Claim) {
		if !involved[c.ID] {
			involved[c.ID] = true
			set.Claims = append(set.Claims, c)
		}
	}

	held := append([]model.Claim(nil), prior...)
	for _, c := range claims {
		for _, p := range held {
			if !c.ConflictsWith(p) {
				continue
			}
			pair := model.NewClaimPair(c.ID, p.ID)
			if g.coveredLocked(entityID, pair) {
				continue
			}
			set.Pairs = append(set.Pairs, pair)
			addClaim(p)
			addClaim(c)
		}
		held = append(held, c)
	}

	switch kind {
	case model.EntityIncident:
		inc := g.incidents[entityID]
		inc.Claims = append(inc.Claims, claims...)
		inc.UpdatedAt = g.clock.Now()
		g.incidents[entityID] = inc
	case model.EntityLocation:
		loc := g.locations[entityID]
		loc.Claims = append(loc.Claims, claims...)
		loc.UpdatedAt = g.clock.Now()
		g.locations[entityID] = loc
	}
	g.commit()
	return set, nil
}

// coveredLocked reports whether an unresolved alert on the entity already references the pair
func (g *Graph) coveredLocked(entityID string, pair model.ClaimPair) bool {
	for _, a := range g.contradictions {
		if a.EntityID == entityID && !a.Resolved && a.Covers(pair) {
			return true
		}
	}
	return false
}

// alertPairs lists the conflicting pairs inside an alert's claim set,
// or every pair when the claims do not conflict on a shared dimension
func alertPairs(claims []model.Claim) []model.ClaimPair {
	var conflicting, all []model.ClaimPair
	for i := 0; i < len(claims); i++ {
		for j := i + 1; j < len(claims); j++ {
			p := model.NewClaimPair(claims[i].ID, claims[j].ID)
			all = append(all, p)
			if claims[i].ConflictsWith(claims[j]) {
				conflicting = append(conflicting, p)
			}
		}
	}
	if len(conflicting) > 0 {
		return conflicting
	}
	return all
}

// AddContradiction records an alert. If an unresolved alert on the same entity
// already references every pair of the new one, that alert is returned with
// created=false and nothing changes.
func (g *Graph) AddContradiction(alert model.ContradictionAlert) (model.ContradictionAlert, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := range alert.Claims {
		if alert.Claims[i].ID == "" {
			alert.Claims[i].ID = NewID("clm")
		}
	}
	if err := g.validateAlert(alert); err != nil {
		return model.ContradictionAlert{}, false, err
	}

	pairs := alertPairs(alert.Claims)
	for _, existing := range g.contradictions {
		if existing.EntityID != alert.EntityID || existing.Resolved {
			continue
		}
		coversAll := true
		for _, p := range pairs {
			if !existing.Covers(p) {
				coversAll = false
				break
			}
		}
		if coversAll {
			return copyAlert(existing), false, nil
		}
	}

	kind, name, _ := g.entity(alert.EntityID)
	if alert.ID == "" {
		alert.ID = NewID("contra")
	}
	alert.EntityType = kind
	if alert.EntityName == "" {
		alert.EntityName = name
	}
	alert.CreatedAt = g.clock.Now()
	alert.Resolved = false
	alert.Resolution = ""
	alert.ResolvedBy = ""
	alert.ResolvedAt = nil

	g.contradictions[alert.ID] = copyAlert(alert)
	switch kind {
	case model.EntityIncident:
		inc := g.incidents[alert.EntityID]
		inc.ContradictionIDs = append(inc.ContradictionIDs, alert.ID)
		g.incidents[alert.EntityID] = inc
	case model.EntityLocation:
		loc := g.locations[alert.EntityID]
		loc.ContradictionIDs = append(loc.ContradictionIDs, alert.ID)
		g.locations[alert.EntityID] = loc
	}
	g.commit()
	g.audit.add(alert.CreatedAt, "contradiction_created", alert.ID, "", alert.EntityID)
	g.logger.Info("contradiction recorded",
		zap.String("alert_id", alert.ID),
		zap.String("entity_id", alert.EntityID),
		zap.String("severity", string(alert.Severity)))
	return copyAlert(alert), true, nil
}

// ResolveContradiction closes an open alert exactly once
func (g *Graph) ResolveContradiction(id, resolution, actor string) (model.ContradictionAlert, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	a, ok := g.contradictions[id]
	if !ok {
		return model.ContradictionAlert{}, notFound("contradiction", id)
	}
	if a.Resolved {
		return model.ContradictionAlert{}, decidedError("contradiction", id, "resolved")
	}
	resolution = strings.TrimSpace(resolution)
	if resolution == "" {
		return model.ContradictionAlert{}, invalid("resolution", "empty")
	}
	if actor == "" {
		actor = "operator"
	}

	now := g.clock.Now()
	a.Resolved = true
	a.Resolution = resolution
	a.ResolvedBy = actor
	a.ResolvedAt = timePtr(now)
	g.contradictions[id] = a
	g.commit()
	g.audit.add(now, "contradiction_resolved", id, actor, resolution)
	return copyAlert(a), nil
}
