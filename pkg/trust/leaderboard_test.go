package trust

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaderboard_DeterministicRanking(t *testing.T) {
	// Create scores in random order
	scores := map[string]*TrustScore{
		"did:key:zC": {ScoreID: "s3", OverallScore: 0.85, ComputedAt: time.Now()},
		"did:key:zA": {ScoreID: "s1", OverallScore: 0.95, ComputedAt: time.Now()},
		"did:key:zB": {ScoreID: "s2", OverallScore: 0.75, ComputedAt: time.Now()},
	}

	// Create leaderboard multiple times
	lb1 := NewLeaderboardFromScores(scores)
	lb2 := NewLeaderboardFromScores(scores)

	// Verify same ordering
	require.Equal(t, 3, lb1.Count())
	require.Equal(t, 3, lb2.Count())

	for i := range lb1.Entries {
		assert.Equal(t, lb1.Entries[i].AgentDID, lb2.Entries[i].AgentDID)
		assert.Equal(t, lb1.Entries[i].Rank, lb2.Entries[i].Rank)
	}

	// Verify correct ordering (highest score first)
	assert.Equal(t, "did:key:zA", lb1.Entries[0].AgentDID)
	assert.Equal(t, 1, lb1.Entries[0].Rank)
	assert.Equal(t, "did:key:zC", lb1.Entries[1].AgentDID)
	assert.Equal(t, 2, lb1.Entries[1].Rank)
	assert.Equal(t, "did:key:zB", lb1.Entries[2].AgentDID)
	assert.Equal(t, 3, lb1.Entries[2].Rank)
}

func TestLeaderboard_DeterministicRanking_TieBreaker(t *testing.T) {
	// Same scores - should order by AgentDID
	scores := map[string]*TrustScore{
		"did:key:zZ": {ScoreID: "s1", OverallScore: 0.80, ComputedAt: time.Now()},
		"did:key:zA": {ScoreID: "s2", OverallScore: 0.80, ComputedAt: time.Now()},
		"did:key:zM": {ScoreID: "s3", OverallScore: 0.80, ComputedAt: time.Now()},
	}

	lb := NewLeaderboardFromScores(scores)

	// Same score, so ordered by AgentDID alphabetically
	assert.Equal(t, "did:key:zA", lb.Entries[0].AgentDID)
	assert.Equal(t, "did:key:zM", lb.Entries[1].AgentDID)
	assert.Equal(t, "did:key:zZ", lb.Entries[2].AgentDID)
}

func TestLeaderboard_BadgeLevels(t *testing.T) {
	scores := map[string]*TrustScore{
		"platinum": {ScoreID: "s1", OverallScore: 0.98, ComputedAt: time.Now()},
		"gold":     {ScoreID: "s2", OverallScore: 0.90, ComputedAt: time.Now()},
		"silver":   {ScoreID: "s3", OverallScore: 0.75, ComputedAt: time.Now()},
		"bronze":   {ScoreID: "s4", OverallScore: 0.60, ComputedAt: time.Now()},
		"none":     {ScoreID: "s5", OverallScore: 0.30, ComputedAt: time.Now()},
	}

	lb := NewLeaderboardFromScores(scores)

	platinumEntry, _ := lb.GetEntry("platinum")
	goldEntry, _ := lb.GetEntry("gold")
	silverEntry, _ := lb.GetEntry("silver")
	bronzeEntry, _ := lb.GetEntry("bronze")
	noneEntry, _ := lb.GetEntry("none")

	assert.Equal(t, BadgePlatinum, platinumEntry.BadgeLevel)
	assert.Equal(t, BadgeGold, goldEntry.BadgeLevel)
	assert.Equal(t, BadgeSilver, silverEntry.BadgeLevel)
	assert.Equal(t, BadgeBronze, bronzeEntry.BadgeLevel)
	assert.Equal(t, BadgeNone, noneEntry.BadgeLevel)
}

func TestLeaderboard_UpdateAndRerank(t *testing.T) {
	lb := NewLeaderboard()

	// Add initial scores
	lb.UpdateScore("did:key:zA", &TrustScore{
		ScoreID:      "s1",
		OverallScore: 0.70,
		ComputedAt:   time.Now(),
	})
	lb.UpdateScore("did:key:zB", &TrustScore{
		ScoreID:      "s2",
		OverallScore: 0.80,
		ComputedAt:   time.Now(),
	})
	lb.Rank()

	// did:key:zB should be first
	assert.Equal(t, "did:key:zB", lb.Entries[0].AgentDID)
	assert.Equal(t, 1, lb.Entries[0].Rank)

	// Update did:key:zA to have higher score
	lb.UpdateScore("did:key:zA", &TrustScore{
		ScoreID:      "s3",
		OverallScore: 0.95,
		ComputedAt:   time.Now(),
	})
	lb.Rank()

	// Now did:key:zA should be first
	assert.Equal(t, "did:key:zA", lb.Entries[0].AgentDID)
	assert.Equal(t, 1, lb.Entries[0].Rank)
}

func TestLeaderboard_GetTopN(t *testing.T) {
	scores := map[string]*TrustScore{
		"agent-1": {ScoreID: "s1", OverallScore: 0.90, ComputedAt: time.Now()},
		"agent-2": {ScoreID: "s2", OverallScore: 0.85, ComputedAt: time.Now()},
		"agent-3": {ScoreID: "s3", OverallScore: 0.80, ComputedAt: time.Now()},
		"agent-4": {ScoreID: "s4", OverallScore: 0.75, ComputedAt: time.Now()},
		"agent-5": {ScoreID: "s5", OverallScore: 0.70, ComputedAt: time.Now()},
	}

	lb := NewLeaderboardFromScores(scores)

	top3 := lb.GetTopN(3)
	require.Len(t, top3, 3)
	assert.Equal(t, "agent-1", top3[0].AgentDID)
	assert.Equal(t, "agent-2", top3[1].AgentDID)
	assert.Equal(t, "agent-3", top3[2].AgentDID)

	// Request more than available
	top10 := lb.GetTopN(10)
	assert.Len(t, top10, 5)
}

func TestLeaderboard_GetByBadge(t *testing.T) {
	scores := map[string]*TrustScore{
		"platinum-1": {ScoreID: "s1", OverallScore: 0.98, ComputedAt: time.Now()},
		"platinum-2": {ScoreID: "s2", OverallScore: 0.96, ComputedAt: time.Now()},
		"gold-1":     {ScoreID: "s3", OverallScore: 0.90, ComputedAt: time.Now()},
		"silver-1":   {ScoreID: "s4", OverallScore: 0.75, ComputedAt: time.Now()},
	}

	lb := NewLeaderboardFromScores(scores)

	platinumAgents := lb.GetByBadge(BadgePlatinum)
	goldAgents := lb.GetByBadge(BadgeGold)
	silverAgents := lb.GetByBadge(BadgeSilver)
	bronzeAgents := lb.GetByBadge(BadgeBronze)

	assert.Len(t, platinumAgents, 2)
	assert.Len(t, goldAgents, 1)
	assert.Len(t, silverAgents, 1)
	assert.Len(t, bronzeAgents, 0)
}

func TestLeaderboard_Export(t *testing.T) {
	scores := map[string]*TrustScore{
		"did:key:zA": {ScoreID: "s1", OverallScore: 0.95, ComputedAt: time.Now()},
		"did:key:zB": {ScoreID: "s2", OverallScore: 0.75, ComputedAt: time.Now()},
	}

	lb := NewLeaderboardFromScores(scores)
	export := lb.Export()

	assert.Equal(t, 2, export.TotalAgents)
	assert.Equal(t, 2, len(export.Entries))
	assert.NotEmpty(t, export.Hash)
	assert.Equal(t, 0.85, export.AverageScore) // (0.95 + 0.75) / 2

	// Badge summary: 0.95 is GOLD (>0.95 for Platinum), 0.75 is SILVER
	assert.Equal(t, 1, export.BadgeSummary["GOLD"])
	assert.Equal(t, 1, export.BadgeSummary["SILVER"])
}

func TestLeaderboard_Hash_Deterministic(t *testing.T) {
	scores := map[string]*TrustScore{
		"did:key:zA": {ScoreID: "s1", OverallScore: 0.95, ComputedAt: time.Now()},
		"did:key:zB": {ScoreID: "s2", OverallScore: 0.75, ComputedAt: time.Now()},
	}

	lb1 := NewLeaderboardFromScores(scores)
	lb2 := NewLeaderboardFromScores(scores)

	// Need to sync LeaderboardID for hash comparison
	lb2.LeaderboardID = lb1.LeaderboardID

	hash1 := lb1.Hash()
	hash2 := lb2.Hash()

	assert.Equal(t, hash1, hash2)
	assert.NotEmpty(t, hash1)
}

func TestGetBadgeLevel(t *testing.T) {
	tests := []struct {
		score    float64
		expected BadgeLevel
	}{
		{0.98, BadgePlatinum},
		{0.96, BadgePlatinum},
		{0.951, BadgePlatinum},
		{0.95, BadgeGold}, // Exactly 0.95 is Gold (> 0.95 is Platinum)
		{0.90, BadgeGold},
		{0.86, BadgeGold},
		{0.85, BadgeSilver},
		{0.75, BadgeSilver},
		{0.70, BadgeBronze},
		{0.60, BadgeBronze},
		{0.50, BadgeNone},
		{0.30, BadgeNone},
	}

	for _, tc := range tests {
		t.Run("", func(t *testing.T) {
			assert.Equal(t, tc.expected, GetBadgeLevel(tc.score))
		})
	}
}
