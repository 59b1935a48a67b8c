package capsule

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftdeck/craftdeck/internal/entitlements"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(secret string) *Engine {
	return NewEngine(secret).WithNow(func() time.Time { return testEpoch })
}

func workspaceInput() WorkspacePayload {
	return WorkspacePayload{
		UserID:        "user-1",
		AccountID:     "acct-1",
		WorkspaceID:   "ws-1",
		WorkspaceName: "Alpha Studio",
		WorkspaceSlug: "alpha-studio",
		WorkspaceTier: entitlements.TierTwo,
		Role:          entitlements.RoleEditor,
		AuthzVersion:  "workspace:ws-1:role:editor",
	}
}

func accountInput() AccountPayload {
	return AccountPayload{
		UserID:        "user-1",
		AccountID:     "acct-1",
		AccountStatus: "active",
		Profile:       entitlements.TierTwo,
		Role:          entitlements.RoleAdmin,
		AuthzVersion:  "account:acct-1:role:admin:profile:tier2",
	}
}

func TestMintWorkspaceRoundTrip(t *testing.T) {
	engine := newTestEngine("secret-1")

	token, minted, err := engine.MintWorkspace(workspaceInput())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "cdwc.v1."))
	assert.Equal(t, 1, minted.V)
	assert.Equal(t, "workspace", minted.Typ)
	assert.Equal(t, "controlplane", minted.Iss)
	assert.Equal(t, "studio", minted.Aud)
	assert.Equal(t, "user-1", minted.Sub)
	assert.Equal(t, testEpoch.Unix(), minted.Iat)
	assert.Equal(t, testEpoch.Add(TTL).Unix(), minted.Exp)

	verified, err := engine.VerifyWorkspace(token)
	require.NoError(t, err)
	assert.Equal(t, minted, verified)
}

func TestMintAccountRoundTrip(t *testing.T) {
	engine := newTestEngine("secret-1")

	token, minted, err := engine.MintAccount(accountInput())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "cdac.v1."))
	assert.Equal(t, "account", minted.Typ)
	assert.Equal(t, "user-1", minted.Sub)

	verified, err := engine.VerifyAccount(token)
	require.NoError(t, err)
	assert.Equal(t, minted, verified)
}

func verifyReason(t *testing.T, err error) string {
	t.Helper()
	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
	return verr.Reason
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	engine := newTestEngine("secret-1")
	token, _, err := engine.MintWorkspace(workspaceInput())
	require.NoError(t, err)

	// Flip the last signature byte.
	last := token[len(token)-1]
	replacement := byte('A')
	if last == replacement {
		replacement = 'B'
	}
	tampered := token[:len(token)-1] + string(replacement)

	_, err = engine.VerifyWorkspace(tampered)
	assert.Equal(t, ReasonSignatureInvalid, verifyReason(t, err))
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	token, _, err := newTestEngine("secret-1").MintWorkspace(workspaceInput())
	require.NoError(t, err)

	_, err = newTestEngine("secret-2").VerifyWorkspace(token)
	assert.Equal(t, ReasonSignatureInvalid, verifyReason(t, err))
}

func TestVerifyRejectsWrongVariant(t *testing.T) {
	engine := newTestEngine("secret-1")
	wsToken, _, err := engine.MintWorkspace(workspaceInput())
	require.NoError(t, err)

	_, err = engine.VerifyAccount(wsToken)
	assert.Equal(t, ReasonFormatInvalid, verifyReason(t, err))

	_, err = engine.VerifyWorkspace("not-a-token")
	assert.Equal(t, ReasonFormatInvalid, verifyReason(t, err))
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	mintClock := testEpoch
	engine := NewEngine("secret-1").WithNow(func() time.Time { return mintClock })
	token, _, err := engine.MintWorkspace(workspaceInput())
	require.NoError(t, err)

	mintClock = testEpoch.Add(TTL + time.Second)
	_, err = engine.VerifyWorkspace(token)
	assert.Equal(t, ReasonPayloadInvalid, verifyReason(t, err))
}

func TestVerifyClockSkewBounds(t *testing.T) {
	minter := NewEngine("secret-1").WithNow(func() time.Time { return testEpoch.Add(30 * time.Second) })
	verifier := newTestEngine("secret-1")

	// Issued 30s in the verifier's future: inside the allowed skew.
	token, _, err := minter.MintWorkspace(workspaceInput())
	require.NoError(t, err)
	_, err = verifier.VerifyWorkspace(token)
	assert.NoError(t, err)

	// Issued beyond the allowed skew.
	farMinter := NewEngine("secret-1").WithNow(func() time.Time { return testEpoch.Add(2 * time.Minute) })
	token, _, err = farMinter.MintWorkspace(workspaceInput())
	require.NoError(t, err)
	_, err = verifier.VerifyWorkspace(token)
	assert.Equal(t, ReasonPayloadInvalid, verifyReason(t, err))
}

func TestVerifyRejectsIncompletePayload(t *testing.T) {
	engine := newTestEngine("secret-1")

	cases := map[string]func(p *WorkspacePayload){
		"missing workspace id": func(p *WorkspacePayload) { p.WorkspaceID = "" },
		"missing account id":   func(p *WorkspacePayload) { p.AccountID = "" },
		"subject mismatch":     func(p *WorkspacePayload) { p.Sub = "user-2" },
		"unknown role":         func(p *WorkspacePayload) { p.Role = "superuser" },
		"unknown tier":         func(p *WorkspacePayload) { p.WorkspaceTier = "platinum" },
		"wrong version":        func(p *WorkspacePayload) { p.V = 2 },
		"wrong audience":       func(p *WorkspacePayload) { p.Aud = "other" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			_, payload, err := engine.MintWorkspace(workspaceInput())
			require.NoError(t, err)
			mutate(&payload)
			token, err := engine.mint(workspacePrefix, payload)
			require.NoError(t, err)

			_, err = engine.VerifyWorkspace(token)
			assert.Equal(t, ReasonPayloadInvalid, verifyReason(t, err))
		})
	}
}

func TestEngineWithoutSecret(t *testing.T) {
	engine := NewEngine("  ")

	_, _, err := engine.MintWorkspace(workspaceInput())
	assert.ErrorIs(t, err, ErrSecretMissing)

	token, _, err := newTestEngine("secret-1").MintAccount(accountInput())
	require.NoError(t, err)
	_, err = engine.VerifyAccount(token)
	assert.Equal(t, ReasonSecretMissing, verifyReason(t, err))
}
