package authz

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftdeck/craftdeck/internal/kv"
)

func newTestClaims(t *testing.T) (*OwnerClaims, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewOwnerClaims(kv.NewRedisStore(client, "test")), mr
}

func TestOwnerClaimRoundTrip(t *testing.T) {
	claims, _ := newTestClaims(t)
	ctx := context.Background()

	require.NoError(t, claims.Grant(ctx, "acct-1", "user-founder"))

	holder, err := claims.Holder(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "user-founder", holder)

	accountID, err := claims.AccountFor(ctx, "user-founder")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", accountID)

	accountID, err = claims.AccountFor(ctx, "user-other")
	require.NoError(t, err)
	assert.Empty(t, accountID)
}

func TestOwnerClaimConsumeClearsBothDirections(t *testing.T) {
	claims, _ := newTestClaims(t)
	ctx := context.Background()

	require.NoError(t, claims.Grant(ctx, "acct-1", "user-founder"))
	require.NoError(t, claims.Consume(ctx, "acct-1"))

	holder, err := claims.Holder(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, holder)

	accountID, err := claims.AccountFor(ctx, "user-founder")
	require.NoError(t, err)
	assert.Empty(t, accountID)
}

func TestOwnerClaimExpires(t *testing.T) {
	claims, mr := newTestClaims(t)
	ctx := context.Background()

	require.NoError(t, claims.Grant(ctx, "acct-1", "user-founder"))
	mr.FastForward(ownerClaimTTL + 1)

	holder, err := claims.Holder(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestOwnerClaimMalformedTreatedAsAbsent(t *testing.T) {
	claims, mr := newTestClaims(t)
	require.NoError(t, mr.Set("test:bootstrap.ownerclaim.v1.acct-1", "not json"))

	holder, err := claims.Holder(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Empty(t, holder)
}
