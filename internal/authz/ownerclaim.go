package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/craftdeck/craftdeck/internal/kv"
)

// ownerClaimTTL is how long a freshly provisioned account may act as
// owner before a real membership row must exist.
const ownerClaimTTL = 7 * 24 * time.Hour

type ownerClaimRecord struct {
	V         int    `json:"v"`
	UserID    string `json:"userId"`
	CreatedAt string `json:"createdAt"`
}

// OwnerClaims records which user provisioned an account. The claim is
// consulted only when no membership row exists yet, authorizes the
// first workspace creation only, and is cleared after that creation
// succeeds.
type OwnerClaims struct {
	store kv.Store
	now   func() time.Time
}

// NewOwnerClaims constructs an OwnerClaims over a KV store.
func NewOwnerClaims(store kv.Store) *OwnerClaims {
	return &OwnerClaims{store: store, now: time.Now}
}

func ownerClaimKey(accountID string) string {
	return fmt.Sprintf("bootstrap.ownerclaim.v1.%s", accountID)
}

func ownerClaimUserKey(userID string) string {
	return fmt.Sprintf("bootstrap.ownerclaim.v1.user.%s", userID)
}

// Grant records the provisioning user for an account, plus a reverse
// index so the user can be matched to their claimed account before any
// membership row exists.
func (c *OwnerClaims) Grant(ctx context.Context, accountID, userID string) error {
	rec := ownerClaimRecord{
		V:         1,
		UserID:    userID,
		CreatedAt: c.now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("authz: encode owner claim: %w", err)
	}
	if err := c.store.Put(ctx, ownerClaimKey(accountID), raw, ownerClaimTTL); err != nil {
		return err
	}
	return c.store.Put(ctx, ownerClaimUserKey(userID), []byte(accountID), ownerClaimTTL)
}

// Holder returns the user holding the owner claim for an account, or
// "" when no claim exists. Holder never mutates the claim.
func (c *OwnerClaims) Holder(ctx context.Context, accountID string) (string, error) {
	raw, err := c.store.Get(ctx, ownerClaimKey(accountID))
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var rec ownerClaimRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.V != 1 {
		// A malformed claim is treated as absent rather than
		// blocking the account forever.
		return "", nil
	}
	return rec.UserID, nil
}

// AccountFor returns the account the user holds an owner claim on, or
// "" when none exists. The forward record is re-checked so a consumed
// claim with a stale reverse index answers "".
func (c *OwnerClaims) AccountFor(ctx context.Context, userID string) (string, error) {
	raw, err := c.store.Get(ctx, ownerClaimUserKey(userID))
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	accountID := string(raw)
	holder, err := c.Holder(ctx, accountID)
	if err != nil {
		return "", err
	}
	if holder != userID {
		return "", nil
	}
	return accountID, nil
}

// Consume clears the claim after the first workspace creation it
// authorized succeeds.
func (c *OwnerClaims) Consume(ctx context.Context, accountID string) error {
	holder, err := c.Holder(ctx, accountID)
	if err != nil {
		return err
	}
	if err := c.store.Delete(ctx, ownerClaimKey(accountID)); err != nil {
		return err
	}
	if holder == "" {
		return nil
	}
	return c.store.Delete(ctx, ownerClaimUserKey(holder))
}
