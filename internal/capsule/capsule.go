// Package capsule mints and verifies capability capsules: short-lived,
// HMAC-signed authorization claims presented by callers instead of a
// server-side session lookup. Two variants exist, workspace-scoped and
// account-scoped, with distinct token prefixes so they can never be
// confused for one another.
package capsule

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/craftdeck/craftdeck/internal/entitlements"
)

// Request headers carrying each capsule variant.
const (
	WorkspaceHeader = "X-Craftdeck-Workspace-Capsule"
	AccountHeader   = "X-Craftdeck-Account-Capsule"
)

const (
	workspacePrefix = "cdwc.v1"
	accountPrefix   = "cdac.v1"

	issuer   = "controlplane"
	audience = "studio"

	// TTL is the capsule lifetime.
	TTL = 15 * time.Minute
	// maxClockSkew bounds how far in the future iat may sit.
	maxClockSkew = 60 * time.Second
)

// Verification failure reasons. These are never surfaced to callers
// with diagnostic detail; the HTTP boundary collapses them to DENY.
const (
	ReasonFormatInvalid    = "format_invalid"
	ReasonSignatureInvalid = "signature_invalid"
	ReasonPayloadInvalid   = "payload_invalid"
	ReasonSecretMissing    = "secret_missing"
)

// VerifyError tags a verification failure with its reason.
type VerifyError struct {
	Reason string
}

func (e *VerifyError) Error() string {
	return "capsule: verify failed: " + e.Reason
}

// ErrSecretMissing is returned by mint operations when no signing
// secret is configured. This is a fatal configuration error, not a
// caller-facing condition.
var ErrSecretMissing = errors.New("capsule: signing secret not configured")

// WorkspacePayload is the workspace-scoped capsule claim set. The
// subject appears twice (Sub and UserID) and both must match.
type WorkspacePayload struct {
	V                   int               `json:"v"`
	Typ                 string            `json:"typ"`
	Iss                 string            `json:"iss"`
	Aud                 string            `json:"aud"`
	Sub                 string            `json:"sub"`
	UserID              string            `json:"userId"`
	AccountID           string            `json:"accountId"`
	WorkspaceID         string            `json:"workspaceId"`
	WorkspaceName       string            `json:"workspaceName"`
	WorkspaceSlug       string            `json:"workspaceSlug"`
	WorkspaceWebsiteURL string            `json:"workspaceWebsiteUrl,omitempty"`
	WorkspaceTier       entitlements.Tier `json:"workspaceTier"`
	Role                entitlements.Role `json:"role"`
	AuthzVersion        string            `json:"authzVersion"`
	Iat                 int64             `json:"iat"`
	Exp                 int64             `json:"exp"`
}

// AccountPayload is the account-scoped capsule claim set.
type AccountPayload struct {
	V             int               `json:"v"`
	Typ           string            `json:"typ"`
	Iss           string            `json:"iss"`
	Aud           string            `json:"aud"`
	Sub           string            `json:"sub"`
	UserID        string            `json:"userId"`
	AccountID     string            `json:"accountId"`
	AccountStatus string            `json:"accountStatus"`
	Profile       entitlements.Tier `json:"profile"`
	Role          entitlements.Role `json:"role"`
	AuthzVersion  string            `json:"authzVersion"`
	Iat           int64             `json:"iat"`
	Exp           int64             `json:"exp"`
}

// Engine signs and verifies capsules with a shared secret.
type Engine struct {
	secret []byte
	now    func() time.Time
}

// NewEngine constructs an Engine. An empty secret produces an engine
// that refuses to mint and fails verification with secret_missing.
func NewEngine(secret string) *Engine {
	var key []byte
	if trimmed := strings.TrimSpace(secret); trimmed != "" {
		key = []byte(trimmed)
	}
	return &Engine{secret: key, now: time.Now}
}

// WithNow overrides the engine clock for tests.
func (e *Engine) WithNow(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) sign(payloadSegment string) string {
	mac := hmac.New(sha256.New, e.secret)
	mac.Write([]byte(payloadSegment))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (e *Engine) mint(prefix string, payload any) (string, error) {
	if len(e.secret) == 0 {
		return "", ErrSecretMissing
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	segment := base64.RawURLEncoding.EncodeToString(encoded)
	return prefix + "." + segment + "." + e.sign(segment), nil
}

// MintWorkspace stamps the fixed envelope and time bounds on input and
// returns the signed token alongside the final payload.
func (e *Engine) MintWorkspace(input WorkspacePayload) (string, WorkspacePayload, error) {
	now := e.now()
	input.V = 1
	input.Typ = "workspace"
	input.Iss = issuer
	input.Aud = audience
	input.Sub = input.UserID
	input.Iat = now.Unix()
	input.Exp = now.Add(TTL).Unix()
	token, err := e.mint(workspacePrefix, input)
	return token, input, err
}

// MintAccount stamps the fixed envelope and time bounds on input and
// returns the signed token alongside the final payload.
func (e *Engine) MintAccount(input AccountPayload) (string, AccountPayload, error) {
	now := e.now()
	input.V = 1
	input.Typ = "account"
	input.Iss = issuer
	input.Aud = audience
	input.Sub = input.UserID
	input.Iat = now.Unix()
	input.Exp = now.Add(TTL).Unix()
	token, err := e.mint(accountPrefix, input)
	return token, input, err
}

// splitToken validates the three-part shape and returns the payload
// and signature segments. Signature verification happens over the
// exact payload segment transmitted, never a re-encoded copy, so it is
// independent of field ordering.
func splitToken(prefix, token string) (payloadSegment, signature string, ok bool) {
	normalized := strings.TrimSpace(token)
	full := prefix + "."
	if !strings.HasPrefix(normalized, full) {
		return "", "", false
	}
	remainder := normalized[len(full):]
	dot := strings.LastIndexByte(remainder, '.')
	if dot <= 0 || dot >= len(remainder)-1 {
		return "", "", false
	}
	return remainder[:dot], remainder[dot+1:], true
}

func (e *Engine) verifySegments(prefix, token string) ([]byte, *VerifyError) {
	if len(e.secret) == 0 {
		return nil, &VerifyError{Reason: ReasonSecretMissing}
	}
	payloadSegment, signature, ok := splitToken(prefix, token)
	if !ok {
		return nil, &VerifyError{Reason: ReasonFormatInvalid}
	}
	provided, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return nil, &VerifyError{Reason: ReasonSignatureInvalid}
	}
	mac := hmac.New(sha256.New, e.secret)
	mac.Write([]byte(payloadSegment))
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return nil, &VerifyError{Reason: ReasonSignatureInvalid}
	}
	decoded, err := base64.RawURLEncoding.DecodeString(payloadSegment)
	if err != nil {
		return nil, &VerifyError{Reason: ReasonPayloadInvalid}
	}
	return decoded, nil
}

func (e *Engine) checkTimeBounds(iat, exp int64) bool {
	nowSec := e.now().Unix()
	if exp <= nowSec {
		return false
	}
	if iat > nowSec+int64(maxClockSkew/time.Second) {
		return false
	}
	return true
}

// VerifyWorkspace verifies a workspace-scoped capsule token.
func (e *Engine) VerifyWorkspace(token string) (WorkspacePayload, error) {
	decoded, verr := e.verifySegments(workspacePrefix, token)
	if verr != nil {
		return WorkspacePayload{}, verr
	}
	var payload WorkspacePayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return WorkspacePayload{}, &VerifyError{Reason: ReasonPayloadInvalid}
	}
	payload.Sub = strings.TrimSpace(payload.Sub)
	payload.UserID = strings.TrimSpace(payload.UserID)
	payload.AccountID = strings.TrimSpace(payload.AccountID)
	payload.WorkspaceID = strings.TrimSpace(payload.WorkspaceID)
	payload.WorkspaceName = strings.TrimSpace(payload.WorkspaceName)
	payload.WorkspaceSlug = strings.TrimSpace(payload.WorkspaceSlug)
	payload.AuthzVersion = strings.TrimSpace(payload.AuthzVersion)

	switch {
	case payload.V != 1,
		payload.Typ != "workspace",
		payload.Iss != issuer,
		payload.Aud != audience,
		payload.UserID == "",
		payload.Sub == "",
		payload.Sub != payload.UserID,
		payload.AccountID == "",
		payload.WorkspaceID == "",
		payload.WorkspaceName == "",
		payload.WorkspaceSlug == "",
		payload.AuthzVersion == "",
		entitlements.ParseRole(string(payload.Role)) == "",
		entitlements.ParseTier(string(payload.WorkspaceTier)) == "":
		return WorkspacePayload{}, &VerifyError{Reason: ReasonPayloadInvalid}
	}
	if !e.checkTimeBounds(payload.Iat, payload.Exp) {
		return WorkspacePayload{}, &VerifyError{Reason: ReasonPayloadInvalid}
	}
	return payload, nil
}

// VerifyAccount verifies an account-scoped capsule token.
func (e *Engine) VerifyAccount(token string) (AccountPayload, error) {
	decoded, verr := e.verifySegments(accountPrefix, token)
	if verr != nil {
		return AccountPayload{}, verr
	}
	var payload AccountPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return AccountPayload{}, &VerifyError{Reason: ReasonPayloadInvalid}
	}
	payload.Sub = strings.TrimSpace(payload.Sub)
	payload.UserID = strings.TrimSpace(payload.UserID)
	payload.AccountID = strings.TrimSpace(payload.AccountID)
	payload.AccountStatus = strings.TrimSpace(payload.AccountStatus)
	payload.AuthzVersion = strings.TrimSpace(payload.AuthzVersion)

	switch {
	case payload.V != 1,
		payload.Typ != "account",
		payload.Iss != issuer,
		payload.Aud != audience,
		payload.UserID == "",
		payload.Sub == "",
		payload.Sub != payload.UserID,
		payload.AccountID == "",
		payload.AccountStatus == "",
		payload.AuthzVersion == "",
		entitlements.ParseRole(string(payload.Role)) == "",
		entitlements.ParseTier(string(payload.Profile)) == "":
		return AccountPayload{}, &VerifyError{Reason: ReasonPayloadInvalid}
	}
	if !e.checkTimeBounds(payload.Iat, payload.Exp) {
		return AccountPayload{}, &VerifyError{Reason: ReasonPayloadInvalid}
	}
	return payload, nil
}

// FromWorkspaceHeader reads the workspace capsule header, "" if absent.
func FromWorkspaceHeader(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(WorkspaceHeader))
}

// FromAccountHeader reads the account capsule header, "" if absent.
func FromAccountHeader(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(AccountHeader))
}
