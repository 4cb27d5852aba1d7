// Package trust - leaderboard.go
// Ranks agents by their reputation overall score (spec §3 "Agent
// reputation", §4.10 reputation update).
package trust

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BadgeLevel represents trust certification levels.
type BadgeLevel string

const (
	BadgePlatinum BadgeLevel = "PLATINUM" // > 0.95
	BadgeGold     BadgeLevel = "GOLD"     // > 0.85
	BadgeSilver   BadgeLevel = "SILVER"   // > 0.70
	BadgeBronze   BadgeLevel = "BRONZE"   // > 0.50
	BadgeNone     BadgeLevel = ""         // <= 0.50
)

// GetBadgeLevel calculates badge level from overall score.
func GetBadgeLevel(score float64) BadgeLevel {
	switch {
	case score > 0.95:
		return BadgePlatinum
	case score > 0.85:
		return BadgeGold
	case score > 0.70:
		return BadgeSilver
	case score > 0.50:
		return BadgeBronze
	default:
		return BadgeNone
	}
}

// LeaderboardEntry represents a ranked agent.
type LeaderboardEntry struct {
	Rank       int         `json:"rank"`
	AgentDID   string      `json:"agent_did"`
	TrustScore *TrustScore `json:"trust_score"`
	BadgeLevel BadgeLevel  `json:"badge_level"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Leaderboard ranks agents by trust scores.
type Leaderboard struct {
	LeaderboardID string             `json:"leaderboard_id"`
	ComputedAt    time.Time          `json:"computed_at"`
	Entries       []LeaderboardEntry `json:"entries"`
	scoresByAgent map[string]*TrustScore
	mu            sync.RWMutex
}

// NewLeaderboard creates a new leaderboard.
func NewLeaderboard() *Leaderboard {
	return &Leaderboard{
		LeaderboardID: uuid.New().String(),
		ComputedAt:    time.Now(),
		Entries:       []LeaderboardEntry{},
		scoresByAgent: make(map[string]*TrustScore),
	}
}

// NewLeaderboardFromScores creates a ranked leaderboard from existing scores.
func NewLeaderboardFromScores(scores map[string]*TrustScore) *Leaderboard {
	lb := NewLeaderboard()

	for agentDID, score := range scores {
		lb.scoresByAgent[agentDID] = score
	}

	lb.Rank()
	return lb
}

// UpdateScore adds or updates an agent's score.
func (l *Leaderboard) UpdateScore(agentDID string, score *TrustScore) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.scoresByAgent[agentDID] = score
}

// Rank re-computes deterministic rankings.
// Uses SliceStable with ordering by (OverallScore DESC, AgentDID ASC).
func (l *Leaderboard) Rank() {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Build entries from scores
	l.Entries = make([]LeaderboardEntry, 0, len(l.scoresByAgent))
	for agentDID, score := range l.scoresByAgent {
		l.Entries = append(l.Entries, LeaderboardEntry{
			AgentDID:   agentDID,
			TrustScore: score,
			BadgeLevel: GetBadgeLevel(score.OverallScore),
			UpdatedAt:  score.ComputedAt,
		})
	}

	// Deterministic sort: highest score first, then by AgentDID for ties
	sort.SliceStable(l.Entries, func(i, j int) bool {
		if l.Entries[i].TrustScore.OverallScore != l.Entries[j].TrustScore.OverallScore {
			return l.Entries[i].TrustScore.OverallScore > l.Entries[j].TrustScore.OverallScore
		}
		return l.Entries[i].AgentDID < l.Entries[j].AgentDID
	})

	// Assign ranks
	for i := range l.Entries {
		l.Entries[i].Rank = i + 1
	}

	l.ComputedAt = time.Now()
}

// GetEntry retrieves an agent's entry.
func (l *Leaderboard) GetEntry(agentDID string) (*LeaderboardEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := range l.Entries {
		if l.Entries[i].AgentDID == agentDID {
			return &l.Entries[i], true
		}
	}
	return nil, false
}

// GetTopN returns the top N entries.
func (l *Leaderboard) GetTopN(n int) []LeaderboardEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n > len(l.Entries) {
		n = len(l.Entries)
	}

	result := make([]LeaderboardEntry, n)
	copy(result, l.Entries[:n])
	return result
}

// GetByBadge returns entries with a specific badge level.
func (l *Leaderboard) GetByBadge(badge BadgeLevel) []LeaderboardEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := []LeaderboardEntry{}
	for _, entry := range l.Entries {
		if entry.BadgeLevel == badge {
			result = append(result, entry)
		}
	}
	return result
}

// LeaderboardExport is a JSON-serializable view.
type LeaderboardExport struct {
	LeaderboardID string             `json:"leaderboard_id"`
	ComputedAt    time.Time          `json:"computed_at"`
	TotalAgents   int                `json:"total_agents"`
	Entries       []LeaderboardEntry `json:"entries"`
	BadgeSummary  map[string]int     `json:"badge_summary"`
	AverageScore  float64            `json:"average_score"`
	Hash          string             `json:"hash"`
}

// Export returns a JSON-serializable view of the leaderboard.
func (l *Leaderboard) Export() *LeaderboardExport {
	l.mu.RLock()
	defer l.mu.RUnlock()

	export := &LeaderboardExport{
		LeaderboardID: l.LeaderboardID,
		ComputedAt:    l.ComputedAt,
		TotalAgents:   len(l.Entries),
		Entries:       l.Entries,
		BadgeSummary:  make(map[string]int),
	}

	// Compute badge summary and average
	var totalScore float64
	for _, entry := range l.Entries {
		export.BadgeSummary[string(entry.BadgeLevel)]++
		totalScore += entry.TrustScore.OverallScore
	}

	if len(l.Entries) > 0 {
		export.AverageScore = totalScore / float64(len(l.Entries))
	}

	// Compute deterministic hash
	export.Hash = l.computeHash()

	return export
}

// computeHash computes a deterministic hash of the leaderboard state.
func (l *Leaderboard) computeHash() string {
	// Create deterministic representation
	hashData := struct {
		LeaderboardID string `json:"leaderboard_id"`
		AgentCount    int    `json:"agent_count"`
		Rankings      []struct {
			Rank     int     `json:"rank"`
			AgentDID string  `json:"agent_did"`
			Score    float64 `json:"score"`
		} `json:"rankings"`
	}{
		LeaderboardID: l.LeaderboardID,
		AgentCount:    len(l.Entries),
	}

	for _, entry := range l.Entries {
		hashData.Rankings = append(hashData.Rankings, struct {
			Rank     int     `json:"rank"`
			AgentDID string  `json:"agent_did"`
			Score    float64 `json:"score"`
		}{
			Rank:     entry.Rank,
			AgentDID: entry.AgentDID,
			Score:    entry.TrustScore.OverallScore,
		})
	}

	data, _ := json.Marshal(hashData)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Hash returns the current hash of the leaderboard.
func (l *Leaderboard) Hash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.computeHash()
}

// Count returns the number of agents on the leaderboard.
func (l *Leaderboard) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.Entries)
}
