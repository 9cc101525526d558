package model

import (
	"strings"
	"time"
)

// ClaimDimension is the aspect of an entity a claim asserts something about
type ClaimDimension string

const (
	DimensionStatus    ClaimDimension = "status"    // Physical state (e.g. "collapsed", "intact")
	DimensionMagnitude ClaimDimension = "magnitude" // Counts and sizes (e.g. trapped persons)
	DimensionLocation  ClaimDimension = "location"  // Where something is (sector)
)

// Valid reports whether d is a known claim dimension
func (d ClaimDimension) Valid() bool {
	switch d {
	case DimensionStatus, DimensionMagnitude, DimensionLocation:
		return true
	}
	return false
}

// Claim represents one factual assertion about an entity, tied to its source
type Claim struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`      // SourceRef.SourceID of the originating signal
	SourceType SourceType     `json:"source_type"` // Modality of the originating signal
	Text       string         `json:"text"`        // Human readable assertion
	Dimension  ClaimDimension `json:"dimension"`   // What aspect the claim is about
	Value      string         `json:"value"`       // Normalized value compared across claims
	Confidence float64        `json:"confidence"`  // 0..1
	Timestamp  time.Time      `json:"timestamp"`   // When the observation was made
}

// ConflictsWith reports whether two claims assert different values for the same dimension
func (c Claim) ConflictsWith(other Claim) bool {
	if c.Dimension != other.Dimension {
		return false
	}
	if c.Value == "" || other.Value == "" {
		return false
	}
	return !strings.EqualFold(strings.TrimSpace(c.Value), strings.TrimSpace(other.Value))
}

// ClaimPair is an unordered pair of conflicting claim IDs
type ClaimPair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// NewClaimPair orders the IDs so that equal pairs compare equal
func NewClaimPair(a, b string) ClaimPair {
	if b < a {
		a, b = b, a
	}
	return ClaimPair{A: a, B: b}
}
