// Package jobs holds the background task definitions and the asynq
// worker/client plumbing around them.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/craftdeck/craftdeck/internal/assets"
	"github.com/craftdeck/craftdeck/internal/kv"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAssetsIntegrity audits one account's asset records against
	// the object store listing held by the asset service.
	TaskAssetsIntegrity = "assets:integrity"

	integrityResultTTL = 24 * time.Hour
)

// AssetsIntegrityPayload identifies the account to audit.
type AssetsIntegrityPayload struct {
	AccountID string `json:"accountId"`
}

// NewAssetsIntegrityTask constructs an asynq task for one audit run.
func NewAssetsIntegrityTask(payload AssetsIntegrityPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAssetsIntegrity, data), nil
}

func integrityResultKey(accountID string) string {
	return fmt.Sprintf("assets.integrity.v1.%s", accountID)
}

// NewAssetsIntegrityHandler builds the worker-side handler: it pulls
// the drift report from the asset service, logs any drift, and keeps
// the latest snapshot in the KV store for operators.
func NewAssetsIntegrityHandler(client *assets.Client, store kv.Store, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload AssetsIntegrityPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.AccountID == "" {
			return asynq.SkipRetry
		}

		snapshot, err := client.Integrity(ctx, payload.AccountID)
		if err != nil {
			logger.Error("integrity audit failed",
				slog.String("account_id", payload.AccountID),
				slog.Any("error", err))
			return err
		}

		if snapshot.MissingCount > 0 || snapshot.OrphanCount > 0 {
			logger.Warn("asset drift detected",
				slog.String("account_id", payload.AccountID),
				slog.Int("missing", snapshot.MissingCount),
				slog.Int("orphans", snapshot.OrphanCount))
		} else {
			logger.Info("asset integrity clean",
				slog.String("account_id", payload.AccountID),
				slog.Int("db_variants", snapshot.DBVariantCount),
				slog.Int("objects", snapshot.ObjectCount))
		}

		if store != nil {
			encoded, err := json.Marshal(snapshot)
			if err != nil {
				return err
			}
			if err := store.Put(ctx, integrityResultKey(payload.AccountID), encoded, integrityResultTTL); err != nil {
				logger.Warn("integrity result write failed",
					slog.String("account_id", payload.AccountID),
					slog.Any("error", err))
			}
		}
		return nil
	}
}

// LatestIntegritySnapshot reads the last stored audit result for an
// account, reporting found=false when none exists.
func LatestIntegritySnapshot(ctx context.Context, store kv.Store, accountID string) (assets.IntegritySnapshot, bool, error) {
	if store == nil {
		return assets.IntegritySnapshot{}, false, nil
	}
	raw, err := store.Get(ctx, integrityResultKey(accountID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return assets.IntegritySnapshot{}, false, nil
		}
		return assets.IntegritySnapshot{}, false, err
	}
	var snapshot assets.IntegritySnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return assets.IntegritySnapshot{}, false, nil
	}
	return snapshot, true, nil
}
