// Package idempotency replays previously committed responses for
// retried mutations. Callers present an Idempotency-Key; the first
// execution's response is recorded in the KV store and later retries
// with the same key return the recorded bytes unchanged.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/craftdeck/craftdeck/internal/kv"
	"github.com/craftdeck/craftdeck/internal/observability"
)

// KeyHeader carries the caller-chosen idempotency key.
const KeyHeader = "Idempotency-Key"

// ReplayHeader marks a response served from the ledger.
const ReplayHeader = "X-Idempotent-Replay"

// recordTTL bounds how long a committed response stays replayable.
const recordTTL = 24 * time.Hour

const (
	minKeyLen = 8
	maxKeyLen = 200
)

// Record is one committed response.
type Record struct {
	V         int             `json:"v"`
	Status    int             `json:"status"`
	Body      json.RawMessage `json:"body"`
	CreatedAt string          `json:"createdAt"`
}

// ValidKey reports whether a caller-supplied key is usable: 8 to 200
// characters drawn from letters, digits, underscore, dot, colon and
// hyphen.
func ValidKey(key string) bool {
	if len(key) < minKeyLen || len(key) > maxKeyLen {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '.' || c == ':' || c == '-':
		default:
			return false
		}
	}
	return true
}

// Ledger stores and replays committed responses. Records are keyed by
// (operation, caller scope, key): the same key presented by the same
// caller against a different operation is a distinct record, never a
// replay.
type Ledger struct {
	store   kv.Store
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewLedger constructs a Ledger.
func NewLedger(store kv.Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// WithMetrics attaches the replay counter.
func (l *Ledger) WithMetrics(metrics *observability.Metrics) *Ledger {
	l.metrics = metrics
	return l
}

func ledgerKey(op, scope, key string) string {
	return fmt.Sprintf("idempotency.v1.%s.%s.%s", op, scope, key)
}

// Lookup returns the committed record for (op, scope, key), if any. A
// stored record that fails to decode or carries an out-of-range status
// is treated as absent so a corrupted entry can be overwritten by the
// next commit.
func (l *Ledger) Lookup(ctx context.Context, op, scope, key string) (Record, bool, error) {
	raw, err := l.store.Get(ctx, ledgerKey(op, scope, key))
	if errors.Is(err, kv.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if jsonErr := json.Unmarshal(raw, &rec); jsonErr != nil || rec.V != 1 ||
		rec.Status < 100 || rec.Status > 599 {
		l.logger.Warn("idempotency record unreadable, ignoring",
			slog.String("operation", op),
			slog.String("scope", scope))
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Commit records a response for replay. Commit is best effort: a store
// failure is logged and swallowed so the original response still
// reaches the caller.
func (l *Ledger) Commit(ctx context.Context, op, scope, key string, status int, body []byte) {
	rec := Record{
		V:         1,
		Status:    status,
		Body:      json.RawMessage(body),
		CreatedAt: l.now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		l.logger.Warn("idempotency record encode failed", slog.Any("error", err))
		return
	}
	if err := l.store.Put(ctx, ledgerKey(op, scope, key), raw, recordTTL); err != nil {
		l.logger.Warn("idempotency record write failed",
			slog.String("operation", op),
			slog.String("scope", scope),
			slog.Any("error", err))
	}
}
