package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ainp-broker/broker/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("NATS_URL", "")
	t.Setenv("INITIAL_CREDITS", "")
	t.Setenv("NEGOTIATION_MAX_ROUNDS", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "8081", cfg.HealthPort)
	assert.True(t, cfg.LiteMode(), "no DATABASE_URL set should select Lite Mode")
	assert.Equal(t, int64(1_000_000), cfg.InitialCredits)
	assert.Equal(t, 10, cfg.NegotiationMaxRounds)
	assert.Equal(t, 300*time.Second, cfg.NegotiationTTL)
	assert.True(t, cfg.SignatureVerificationEnabled)
	assert.True(t, cfg.CreditLedgerEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://broker@localhost:5432/ainp")
	t.Setenv("INITIAL_CREDITS", "5000")
	t.Setenv("NEGOTIATION_MAX_ROUNDS", "3")
	t.Setenv("SIGNATURE_VERIFICATION_ENABLED", "false")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.LiteMode())
	assert.Equal(t, int64(5000), cfg.InitialCredits)
	assert.Equal(t, 3, cfg.NegotiationMaxRounds)
	assert.False(t, cfg.SignatureVerificationEnabled)
}

func TestDiscoveryWeights_SumToOne(t *testing.T) {
	cfg := config.Load()
	sum := cfg.DiscoverySimilarityWeight + cfg.DiscoveryTrustWeight + cfg.DiscoveryUsefulnessWeight
	assert.InDelta(t, 1.0, sum, 0.001)
}
