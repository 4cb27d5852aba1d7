// Package discovery implements semantic capability discovery (spec §4.3):
// agent/capability registration, vector-similarity search blended with
// trust and usefulness, and a short-lived result cache.
package discovery

import (
	"errors"
	"time"

	"github.com/ainp-broker/broker/pkg/store"
)

// EmbeddingDim is the fixed embedding width every capability and query
// vector must have (SPEC_FULL.md §3 "Embedding dimension").
const EmbeddingDim = 384

// Agent is a discoverable party (spec §3 "Agent").
type Agent struct {
	DID        string
	PublicKey  []byte
	CreatedAt  time.Time
	LastSeenAt time.Time
	TTL        time.Duration
	ExpiresAt  time.Time // zero value means no expiry
}

// Expired reports whether the agent should be filtered from discovery.
func (a Agent) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !a.ExpiresAt.After(now)
}

// Capability is one advertised skill of an agent (spec §3 "Capability").
type Capability struct {
	ID          string
	OwnerDID    string
	Description string
	Embedding   store.Embedding
	Tags        []string
	Version     string // semver, validated with Masterminds/semver
	EvidenceRef string
	MaxLatency  time.Duration
	MaxCost     int64 // atomic credit units, 0 means unset
}

// TrustVector is the per-agent aggregate + dimensional trust score
// (spec §3 "Trust vector").
type TrustVector struct {
	AgentDID    string
	Aggregate   float64
	Reliability float64
	Honesty     float64
	Competence  float64
	Timeliness  float64
	DecayRate   float64
	UpdatedAt   time.Time
}

// UsefulnessCache is the 30-day rolling usefulness score written by the
// usefulness aggregator (spec §3 "Usefulness cache").
type UsefulnessCache struct {
	AgentDID  string
	Score     float64 // [0,100]
	UpdatedAt time.Time
}

// RegisterRequest is the input to Register (spec §4.3 "Register").
type RegisterRequest struct {
	AgentDID     string
	PublicKey    []byte
	Capabilities []CapabilityInput
	TrustSeed    *TrustVector
	TTL          time.Duration
}

// CapabilityInput is a single capability submitted at registration time,
// prior to embedding computation.
type CapabilityInput struct {
	Description string
	Tags        []string
	Version     string
	EvidenceRef string
	MaxLatency  time.Duration
	MaxCost     int64
}

// SearchQuery is the input to Search (spec §4.3 "Search").
type SearchQuery struct {
	Description   string
	Tags          []string
	MinTrust      float64
	MaxLatencyMs  int64
	MaxCost       int64
	Limit         int
}

// Match is a ranked discovery result.
type Match struct {
	AgentDID   string
	Capability Capability
	Similarity float64
	Trust      float64
	Usefulness float64
	Score      float64
	LastSeenAt time.Time
}

var (
	ErrEmbeddingDimMismatch = errors.New("discovery: embedding dimension mismatch")
	ErrAgentNotFound        = errors.New("discovery: agent not found")
	ErrDuplicateCapability  = errors.New("discovery: (agent, description) already registered")
)
