package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ainp-broker/broker/pkg/crypto"
)

// setupLiteMode opens the embedded SQLite database used when DATABASE_URL
// is unset, creating the data directory on first run.
func setupLiteMode(dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "broker.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return db, nil
}

// loadOrGenerateBrokerSigner persists the broker's own Ed25519 system
// identity across restarts so its did:key (used to author DISCOVER_RESULT
// and other system-originated envelopes) stays stable. A fresh key is
// generated and saved on first run.
func loadOrGenerateBrokerSigner(dataDir string, log *slog.Logger) (*crypto.Ed25519Signer, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	keyPath := filepath.Join(dataDir, "broker.key")

	if keyHex, err := os.ReadFile(keyPath); err == nil {
		seed, err := hex.DecodeString(string(keyHex))
		if err != nil {
			return nil, fmt.Errorf("invalid broker.key format: %w", err)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		log.Info("loaded persistent broker signing key", "path", keyPath)
		return crypto.NewEd25519SignerFromKey(priv, "broker"), nil
	}

	if os.Getenv("BROKER_PRODUCTION") == "1" {
		return nil, fmt.Errorf("production mode requires %s to exist", keyPath)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(priv.Seed())), 0600); err != nil {
		return nil, fmt.Errorf("save broker.key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "broker.pub"), []byte(hex.EncodeToString(pub)), 0644); err != nil {
		log.Warn("failed to save broker.pub", "error", err)
	}
	log.Warn("generated new broker signing key — set BROKER_PRODUCTION=1 with a persisted data dir in real deployments", "path", keyPath)
	return crypto.NewEd25519SignerFromKey(priv, "broker"), nil
}
