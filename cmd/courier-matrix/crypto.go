// ABOUTME: Encryption setup for courier-matrix bridge
// ABOUTME: Configures E2EE with recovery key using mautrix cryptohelper

package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// CryptoManager handles Matrix E2EE setup and lifecycle.
type CryptoManager struct {
	helper      *cryptohelper.CryptoHelper
	recoveryKey string
	logger      *slog.Logger
}

// SetupCrypto initializes E2EE for the Matrix client. With an empty recovery
// key encryption still works but without cross-signing verification. The
// dataDir holds the SQLite crypto store.
func SetupCrypto(ctx context.Context, client *mautrix.Client, userID string, recoveryKey string, dataDir string, logger *slog.Logger) (*CryptoManager, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	// Per-user db path so two bridge accounts never share a crypto store.
	userSlug := slugify(userID)
	dbPath := filepath.Join(dataDir, fmt.Sprintf("matrix-crypto-%s.db", userSlug))
	logger.Info("setting up encryption", "db", dbPath, "user", userSlug)

	helper, err := cryptohelper.NewCryptoHelper(client, deriveStoreKey(userID), dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}

	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}

	manager := &CryptoManager{
		helper:      helper,
		recoveryKey: recoveryKey,
		logger:      logger,
	}

	if recoveryKey != "" {
		if err := manager.verifyWithRecoveryKey(ctx); err != nil {
			// Encryption still works without cross-signing, so warn and continue.
			logger.Warn("failed to verify with recovery key", "error", err)
			logger.Info("encryption enabled without cross-signing verification")
		} else {
			logger.Info("encryption initialized with cross-signing verification")
		}
	} else {
		logger.Info("encryption initialized (no recovery key, cross-signing disabled)")
	}

	return manager, nil
}

// verifyWithRecoveryKey verifies the device using the configured recovery key,
// enabling cross-signing with other devices.
func (cm *CryptoManager) verifyWithRecoveryKey(ctx context.Context) error {
	machine := cm.helper.Machine()
	if machine == nil {
		return fmt.Errorf("crypto machine not initialized")
	}

	cm.logger.Info("verifying device with recovery key")

	if err := machine.VerifyWithRecoveryKey(ctx, cm.recoveryKey); err != nil {
		return fmt.Errorf("recovery key verification failed: %w", err)
	}

	cm.logger.Info("device verified with recovery key")
	return nil
}

// Close cleans up crypto resources.
func (cm *CryptoManager) Close() error {
	if cm.helper != nil {
		return cm.helper.Close()
	}
	return nil
}

// slugify converts a Matrix user ID to a filesystem-safe string.
// Example: @courier:matrix.org -> courier_matrix.org
func slugify(userID string) string {
	s := userID
	if len(s) > 0 && s[0] == '@' {
		s = s[1:]
	}
	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '_' {
			result = append(result, c)
		} else if c == ':' {
			result = append(result, '_')
		}
	}
	return string(result)
}

// deriveStoreKey creates a deterministic store encryption key from the user
// ID, giving each account an isolated store without an external secret.
func deriveStoreKey(userID string) []byte {
	h := sha256.Sum256([]byte("courier-matrix-crypto:" + userID))
	return h[:]
}
