package graph

import (
	"time"
)

// AuditEntry is one recorded decision or lifecycle change
type AuditEntry struct {
	At        time.Time `json:"at"`
	Action    string    `json:"action"`
	SubjectID string    `json:"subject_id"`
	Actor     string    `json:"actor,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// auditLog is a fixed-size ring; callers hold the graph lock
type auditLog struct {
	entries []AuditEntry
	next    int
	full    bool
}

func newAuditLog(size int) *auditLog {
	return &auditLog{entries: make([]AuditEntry, size)}
}

func (l *auditLog) add(at time.Time, action, subject, actor, detail string) {
	l.entries[l.next] = AuditEntry{At: at, Action: action, SubjectID: subject, Actor: actor, Detail: detail}
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

func (l *auditLog) reset() {
	clear(l.entries)
	l.next = 0
	l.full = false
}

// ordered returns entries oldest first
func (l *auditLog) ordered() []AuditEntry {
	if !l.full {
		return append([]AuditEntry(nil), l.entries[:l.next]...)
	}
	out := make([]AuditEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

// Audit returns the trail for one subject (alert, action, incident or resource).
// An empty subject returns the whole trail.
func (g *Graph) Audit(subjectID string) []AuditEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()

	all := g.audit.ordered()
	if subjectID == "" {
		return all
	}
	var out []AuditEntry
	for _, e := range all {
		if e.SubjectID == subjectID {
			out = append(out, e)
		}
	}
	return out
}
