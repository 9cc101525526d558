// Package simulation replays scripted disaster scenarios against the
// coordinator on a virtual clock.
package simulation

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/crisisgraph/internal/model"
)

// EventType is the kind of a timeline event
type EventType string

const (
	EventSignal              EventType = "signal"
	EventSignalBatch         EventType = "signal_batch"
	EventAftershock          EventType = "aftershock"
	EventResourceChange      EventType = "resource_change"
	EventTimeMarker          EventType = "time_marker"
	EventContradictionInject EventType = "contradiction_inject"
)

// Scenario is a scripted disaster: seed state plus a timeline
type Scenario struct {
	ID          string          `yaml:"id" json:"id"`
	Name        string          `yaml:"name" json:"name"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	City        string          `yaml:"city,omitempty" json:"city,omitempty"`
	Resources   []ResourceSpec  `yaml:"resources,omitempty" json:"resources,omitempty"`
	Locations   []LocationSpec  `yaml:"locations,omitempty" json:"locations,omitempty"`
	Events      []TimelineEvent `yaml:"events" json:"events"`
}

// Duration is the offset of the last event
func (s *Scenario) Duration() time.Duration {
	if len(s.Events) == 0 {
		return 0
	}
	return s.Events[len(s.Events)-1].Offset()
}

// ResourceSpec seeds one response unit
type ResourceSpec struct {
	ID        string `yaml:"id" json:"id"`
	Kind      string `yaml:"kind" json:"kind"`
	Sector    string `yaml:"sector,omitempty" json:"sector,omitempty"`
	Personnel int    `yaml:"personnel,omitempty" json:"personnel,omitempty"`
	Status    string `yaml:"status,omitempty" json:"status,omitempty"`
}

// LocationSpec seeds one facility or landmark
type LocationSpec struct {
	ID            string  `yaml:"id,omitempty" json:"id,omitempty"`
	Kind          string  `yaml:"kind" json:"kind"`
	Name          string  `yaml:"name" json:"name"`
	Lat           float64 `yaml:"lat" json:"lat"`
	Lng           float64 `yaml:"lng" json:"lng"`
	Sector        string  `yaml:"sector,omitempty" json:"sector,omitempty"`
	CapacityTotal *int    `yaml:"capacity_total,omitempty" json:"capacity_total,omitempty"`
	CapacityUsed  *int    `yaml:"capacity_used,omitempty" json:"capacity_used,omitempty"`
	Status        string  `yaml:"status,omitempty" json:"status,omitempty"`
	Accessibility string  `yaml:"accessibility,omitempty" json:"accessibility,omitempty"`
}

// TimelineEvent is one scripted occurrence. Exactly one payload field,
// matching Type, is set.
type TimelineEvent struct {
	OffsetSeconds  float64             `yaml:"offset_seconds" json:"offset_seconds"`
	Type           EventType           `yaml:"type" json:"type"`
	Signal         *SignalSpec         `yaml:"signal,omitempty" json:"signal,omitempty"`
	Signals        []SignalSpec        `yaml:"signals,omitempty" json:"signals,omitempty"`
	Aftershock     *AftershockSpec     `yaml:"aftershock,omitempty" json:"aftershock,omitempty"`
	ResourceChange *ResourceChangeSpec `yaml:"resource_change,omitempty" json:"resource_change,omitempty"`
	Marker         *MarkerSpec         `yaml:"marker,omitempty" json:"marker,omitempty"`
	Contradiction  *ContradictionSpec  `yaml:"contradiction,omitempty" json:"contradiction,omitempty"`
}

// Offset is the event time relative to scenario start
func (e TimelineEvent) Offset() time.Duration {
	return time.Duration(e.OffsetSeconds * float64(time.Second))
}

// SignalSpec is a scripted raw observation
type SignalSpec struct {
	ID         string            `yaml:"id,omitempty" json:"id,omitempty"`
	Kind       string            `yaml:"kind" json:"kind"` // image, audio, text
	Content    string            `yaml:"content" json:"content"`
	SourceType string            `yaml:"source_type,omitempty" json:"source_type,omitempty"`
	Entity     string            `yaml:"entity,omitempty" json:"entity,omitempty"`
	Sector     string            `yaml:"sector,omitempty" json:"sector,omitempty"`
	Lat        float64           `yaml:"lat,omitempty" json:"lat,omitempty"`
	Lng        float64           `yaml:"lng,omitempty" json:"lng,omitempty"`
	Metadata   map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Meta flattens the signal's structured fields into agent metadata
func (s SignalSpec) Meta() map[string]string {
	m := make(map[string]string, len(s.Metadata)+5)
	for k, v := range s.Metadata {
		m[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	set("source_type", s.SourceType)
	set("entity", s.Entity)
	set("sector", s.Sector)
	if s.Lat != 0 || s.Lng != 0 {
		m["lat"] = strconv.FormatFloat(s.Lat, 'f', -1, 64)
		m["lng"] = strconv.FormatFloat(s.Lng, 'f', -1, 64)
	}
	return m
}

// AftershockSpec lowers confidence across the board
type AftershockSpec struct {
	Magnitude    float64 `yaml:"magnitude" json:"magnitude"`
	DecayMinutes float64 `yaml:"decay_minutes,omitempty" json:"decay_minutes,omitempty"`
}

// ResourceChangeSpec changes a unit's status or position
type ResourceChangeSpec struct {
	ResourceID string `yaml:"resource_id" json:"resource_id"`
	Status     string `yaml:"status,omitempty" json:"status,omitempty"`
	Sector     string `yaml:"sector,omitempty" json:"sector,omitempty"`
}

// MarkerSpec labels a point on the timeline
type MarkerSpec struct {
	Label string `yaml:"label" json:"label"`
}

// ContradictionSpec injects pre-scripted claims about one entity
type ContradictionSpec struct {
	Entity     string      `yaml:"entity" json:"entity"`
	EntityKind string      `yaml:"entity_kind,omitempty" json:"entity_kind,omitempty"`
	Claims     []ClaimSpec `yaml:"claims" json:"claims"`
}

// ClaimSpec is one scripted claim
type ClaimSpec struct {
	Source     string  `yaml:"source" json:"source"`
	SourceType string  `yaml:"source_type" json:"source_type"`
	Dimension  string  `yaml:"dimension" json:"dimension"`
	Value      string  `yaml:"value" json:"value"`
	Text       string  `yaml:"text,omitempty" json:"text,omitempty"`
	Confidence float64 `yaml:"confidence" json:"confidence"`
}

// Claim builds the model claim observed at t
func (c ClaimSpec) Claim(t time.Time) model.Claim {
	return model.Claim{
		Source:     c.Source,
		SourceType: model.SourceType(strings.ToLower(c.SourceType)),
		Text:       c.Text,
		Dimension:  model.ClaimDimension(strings.ToLower(c.Dimension)),
		Value:      strings.ToLower(strings.TrimSpace(c.Value)),
		Confidence: c.Confidence,
		Timestamp:  t,
	}
}

// SchedulerError reports a scenario that cannot be played
type SchedulerError struct {
	Source string // File name or "<reader>"
	Event  int    // Timeline index, -1 when not about an event
	Msg    string
	Err    error
}

func (e *SchedulerError) Error() string {
	var b strings.Builder
	b.WriteString("scenario ")
	b.WriteString(e.Source)
	if e.Event >= 0 {
		fmt.Fprintf(&b, ": event %d", e.Event)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SchedulerError) Unwrap() error {
	return e.Err
}

// Load reads a YAML or JSON scenario and validates it
func Load(r io.Reader) (*Scenario, error) {
	return load(r, "<reader>")
}

// LoadFile reads a scenario file. A scenario without an id takes the file's base name.
func LoadFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &SchedulerError{Source: path, Event: -1, Msg: "read", Err: err}
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	sc, err := decode(data, path)
	if err != nil {
		return nil, err
	}
	if sc.ID == "" {
		sc.ID = base
	}
	if err := validate(sc, path); err != nil {
		return nil, err
	}
	return sc, nil
}

func load(r io.Reader, source string) (*Scenario, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &SchedulerError{Source: source, Event: -1, Msg: "read", Err: err}
	}
	sc, err := decode(data, source)
	if err != nil {
		return nil, err
	}
	if err := validate(sc, source); err != nil {
		return nil, err
	}
	return sc, nil
}

func decode(data []byte, source string) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &SchedulerError{Source: source, Event: -1, Msg: "empty document"}
		}
		return nil, &SchedulerError{Source: source, Event: -1, Msg: "parse", Err: err}
	}
	sort.SliceStable(sc.Events, func(i, j int) bool {
		return sc.Events[i].OffsetSeconds < sc.Events[j].OffsetSeconds
	})
	return &sc, nil
}

func validate(sc *Scenario, source string) error {
	fail := func(event int, format string, args ...any) error {
		return &SchedulerError{Source: source, Event: event, Msg: fmt.Sprintf(format, args...)}
	}

	if sc.ID == "" {
		return fail(-1, "missing id")
	}
	if sc.Name == "" {
		sc.Name = sc.ID
	}
	seen := make(map[string]bool)
	for _, r := range sc.Resources {
		if r.ID == "" || r.Kind == "" {
			return fail(-1, "resource needs id and kind")
		}
		if seen[r.ID] {
			return fail(-1, "duplicate resource %q", r.ID)
		}
		seen[r.ID] = true
		if r.Status != "" && !model.ResourceStatus(r.Status).Valid() {
			return fail(-1, "resource %s: unknown status %q", r.ID, r.Status)
		}
		if model.ResourceStatus(r.Status).Assigned() {
			return fail(-1, "resource %s: cannot start %s", r.ID, r.Status)
		}
	}
	for _, l := range sc.Locations {
		if l.Name == "" {
			return fail(-1, "location needs a name")
		}
	}

	for i := range sc.Events {
		ev := &sc.Events[i]
		if ev.OffsetSeconds < 0 {
			return fail(i, "negative offset")
		}
		switch ev.Type {
		case EventSignal:
			if ev.Signal == nil {
				return fail(i, "signal event without signal")
			}
			if err := validSignal(*ev.Signal); err != nil {
				return fail(i, "%v", err)
			}
		case EventSignalBatch:
			if len(ev.Signals) == 0 {
				return fail(i, "signal_batch without signals")
			}
			for j, s := range ev.Signals {
				if err := validSignal(s); err != nil {
					return fail(i, "signals[%d]: %v", j, err)
				}
			}
		case EventAftershock:
			if ev.Aftershock == nil {
				ev.Aftershock = &AftershockSpec{}
			}
			if ev.Aftershock.DecayMinutes <= 0 {
				ev.Aftershock.DecayMinutes = 5
			}
		case EventResourceChange:
			if ev.ResourceChange == nil || ev.ResourceChange.ResourceID == "" {
				return fail(i, "resource_change without resource_id")
			}
			if st := ev.ResourceChange.Status; st != "" && !model.ResourceStatus(st).Valid() {
				return fail(i, "unknown resource status %q", st)
			}
		case EventTimeMarker:
			if ev.Marker == nil {
				ev.Marker = &MarkerSpec{}
			}
		case EventContradictionInject:
			c := ev.Contradiction
			if c == nil || c.Entity == "" {
				return fail(i, "contradiction_inject without entity")
			}
			if len(c.Claims) == 0 {
				return fail(i, "contradiction_inject without claims")
			}
			for j, cl := range c.Claims {
				mc := cl.Claim(time.Time{})
				if !mc.Dimension.Valid() || mc.Value == "" {
					return fail(i, "claims[%d]: need dimension and value", j)
				}
				if !mc.SourceType.Valid() {
					return fail(i, "claims[%d]: unknown source type %q", j, cl.SourceType)
				}
				if cl.Confidence < 0 || cl.Confidence > 1 {
					return fail(i, "claims[%d]: confidence %v outside [0,1]", j, cl.Confidence)
				}
			}
		default:
			return fail(i, "unknown event type %q", ev.Type)
		}
	}
	return nil
}

func validSignal(s SignalSpec) error {
	switch s.Kind {
	case "image", "audio", "text":
	default:
		return fmt.Errorf("unknown signal kind %q", s.Kind)
	}
	if strings.TrimSpace(s.Content) == "" {
		return fmt.Errorf("empty content")
	}
	return nil
}

// Sector centres of the demo city
var sectorCentres = map[string]model.Position{
	"1": {Lat: 37.790, Lng: -122.402},
	"2": {Lat: 37.780, Lng: -122.410},
	"3": {Lat: 37.772, Lng: -122.418},
	"4": {Lat: 37.760, Lng: -122.405},
	"5": {Lat: 37.755, Lng: -122.415},
}

var cityCentre = model.Position{Lat: 37.78, Lng: -122.41}

// SectorPosition places a unit near its sector centre. The offset is derived
// from the id, so seeding is reproducible.
func SectorPosition(sector, id string) model.Position {
	p, ok := sectorCentres[sector]
	if !ok {
		p = cityCentre
	}
	h := fnv.New32a()
	h.Write([]byte(id))
	sum := h.Sum32()
	p.Lat += (float64(sum%50) - 25) * 0.0005
	p.Lng += (float64((sum/50)%50) - 25) * 0.0005
	p.Sector = sector
	return p
}

// Resource builds the seeded model resource
func (r ResourceSpec) Resource() model.Resource {
	status := model.ResourceStatus(r.Status)
	if status == "" {
		status = model.ResourceAvailable
	}
	personnel := r.Personnel
	if personnel == 0 {
		personnel = 2
	}
	return model.Resource{
		ID:        r.ID,
		Kind:      r.Kind,
		UnitID:    r.ID,
		Position:  SectorPosition(r.Sector, r.ID),
		Status:    status,
		Personnel: personnel,
	}
}

// Location builds the seeded model location
func (l LocationSpec) Location() model.Location {
	status := model.LocationStatus(l.Status)
	if status == "" {
		status = model.LocationOperational
	}
	access := model.Accessibility(l.Accessibility)
	if access == "" {
		access = model.Accessible
	}
	return model.Location{
		ID:            l.ID,
		Kind:          l.Kind,
		Name:          l.Name,
		Position:      model.Position{Lat: l.Lat, Lng: l.Lng, Sector: l.Sector, Name: l.Name},
		CapacityTotal: l.CapacityTotal,
		CapacityUsed:  l.CapacityUsed,
		Status:        status,
		Accessibility: access,
		Confidence:    0.9,
	}
}
