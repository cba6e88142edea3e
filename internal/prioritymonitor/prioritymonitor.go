// Package prioritymonitor implements the startup priority-change check:
// hash the current
// BOORU_PRIORITY list, compare it with the stored hash, and trigger a full
// rebuild when it has changed.
package prioritymonitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"boorukeep/internal/logger"
	"boorukeep/internal/persistence"
	"boorukeep/internal/rebuild"
)

// configKey is the config_store key the stored hash is kept under.
const configKey = "booru_priority_hash"

// Hash reproduces the original implementation's exact priority-hash
// mechanism: sha256 of the JSON-encoded priority list.
func Hash(priority []string) (string, error) {
	encoded, err := json.Marshal(priority)
	if err != nil {
		return "", fmt.Errorf("prioritymonitor: encode priority list: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// Check compares the current priority list's hash against the stored one.
// A missing stored hash (first-ever run) just stores the current hash and
// does not trigger a rebuild. A changed hash runs a full rebuild through
// rebuildSvc and then updates the stored hash.
func Check(ctx context.Context, db persistence.Database, rebuildSvc *rebuild.Service, monitor rebuild.Monitor, priority []string) error {
	current, err := Hash(priority)
	if err != nil {
		return err
	}

	stored, found, err := db.ConfigStore().Get(ctx, configKey)
	if err != nil {
		return fmt.Errorf("prioritymonitor: read stored hash: %w", err)
	}

	if !found {
		logger.Info("prioritymonitor: first run, storing priority hash")
		return db.ConfigStore().Set(ctx, configKey, current)
	}

	if stored == current {
		logger.Debug("prioritymonitor: priority unchanged")
		return nil
	}

	logger.Info("prioritymonitor: priority list changed, running full rebuild")
	if _, err := rebuildSvc.Run(ctx, monitor); err != nil {
		return fmt.Errorf("prioritymonitor: rebuild after priority change: %w", err)
	}

	return db.ConfigStore().Set(ctx, configKey, current)
}
