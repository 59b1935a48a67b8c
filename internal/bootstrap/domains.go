// Package bootstrap assembles the single editor-startup snapshot: both
// capability capsules, the entitlement view, and seven payload domains
// loaded concurrently. A failing domain degrades that domain only;
// siblings always land.
package bootstrap

import (
	"net/http"

	"github.com/craftdeck/craftdeck/internal/entitlements"
	"github.com/craftdeck/craftdeck/internal/tenant"
)

// DomainKey names one fan-out domain.
type DomainKey string

const (
	DomainWidgets   DomainKey = "widgets"
	DomainTemplates DomainKey = "templates"
	DomainAssets    DomainKey = "assets"
	DomainTeam      DomainKey = "team"
	DomainBilling   DomainKey = "billing"
	DomainUsage     DomainKey = "usage"
	DomainSettings  DomainKey = "settings"
)

// DomainKeys is the fixed fan-out order.
var DomainKeys = []DomainKey{
	DomainWidgets,
	DomainTemplates,
	DomainAssets,
	DomainTeam,
	DomainBilling,
	DomainUsage,
	DomainSettings,
}

// Outcome statuses recorded per domain.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// DomainError describes one failed domain load. Detail is the upstream
// error text, kept for operators; the stable contract is the reason
// code and status.
type DomainError struct {
	ReasonCode string `json:"reasonCode"`
	Status     int    `json:"status"`
	Detail     string `json:"detail,omitempty"`
}

// DomainOutcome records how one domain load concluded.
type DomainOutcome struct {
	Status     string `json:"status"`
	HTTPStatus int    `json:"httpStatus"`
	ReasonCode string `json:"reasonCode,omitempty"`
}

func domainError(key DomainKey, err error) DomainError {
	return DomainError{
		ReasonCode: "bootstrap." + string(key) + "_unavailable",
		Status:     http.StatusBadGateway,
		Detail:     err.Error(),
	}
}

// InstanceActions flags which catalog actions the caller may take on
// an instance, derived from the resolved policy.
type InstanceActions struct {
	Edit      bool `json:"edit"`
	Duplicate bool `json:"duplicate"`
	Delete    bool `json:"delete"`
}

// CatalogInstance is one entry in the widgets domain catalog. Source is
// "workspace" for workspace-owned rows and "curated" for account-owned
// curated rows.
type CatalogInstance struct {
	PublicID    string          `json:"publicId"`
	WidgetType  string          `json:"widgetType"`
	DisplayName string          `json:"displayName"`
	WorkspaceID string          `json:"workspaceId,omitempty"`
	Source      string          `json:"source"`
	Actions     InstanceActions `json:"actions"`
}

// WidgetsDomain lists the workspace catalog merged with account-owned
// curated instances.
type WidgetsDomain struct {
	AccountID   string            `json:"accountId"`
	WorkspaceID string            `json:"workspaceId"`
	WidgetTypes []string          `json:"widgetTypes"`
	Instances   []CatalogInstance `json:"instances"`
}

// TemplateInstance is one curated template entry.
type TemplateInstance struct {
	PublicID    string `json:"publicId"`
	WidgetType  string `json:"widgetType"`
	DisplayName string `json:"displayName"`
}

// TemplatesDomain lists the shared curated template catalog.
type TemplatesDomain struct {
	AccountID   string             `json:"accountId"`
	WorkspaceID string             `json:"workspaceId"`
	WidgetTypes []string           `json:"widgetTypes"`
	Instances   []TemplateInstance `json:"instances"`
}

// Asset is one account asset row surfaced to the editor.
type Asset struct {
	AssetID   string `json:"assetId"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mimeType,omitempty"`
	SizeBytes int64  `json:"sizeBytes"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// AssetsDomain lists the account media library.
type AssetsDomain struct {
	AccountID   string  `json:"accountId"`
	WorkspaceID string  `json:"workspaceId"`
	Assets      []Asset `json:"assets"`
}

// TeamDomain lists workspace members alongside the caller's own role.
type TeamDomain struct {
	WorkspaceID string            `json:"workspaceId"`
	Role        entitlements.Role `json:"role"`
	Members     []tenant.Member   `json:"members"`
}

// BillingPlan summarizes the inferred plan for an account.
type BillingPlan struct {
	InferredTier   entitlements.Tier `json:"inferredTier"`
	WorkspaceCount int               `json:"workspaceCount"`
}

// BillingDomain reports billing state. Payment is not wired up, so the
// provider block is static with checkout and portal disabled.
type BillingDomain struct {
	AccountID         string      `json:"accountId"`
	Role              string      `json:"role"`
	Provider          string      `json:"provider"`
	Status            string      `json:"status"`
	ReasonCode        string      `json:"reasonCode"`
	Plan              BillingPlan `json:"plan"`
	CheckoutAvailable bool        `json:"checkoutAvailable"`
	PortalAvailable   bool        `json:"portalAvailable"`
}

// InstanceTotals splits instance counts by publication status.
type InstanceTotals struct {
	Total       int `json:"total"`
	Published   int `json:"published"`
	Unpublished int `json:"unpublished"`
}

// AssetTotals aggregates the media library footprint.
type AssetTotals struct {
	Total       int   `json:"total"`
	Active      int   `json:"active"`
	BytesActive int64 `json:"bytesActive"`
}

// UsageTotals aggregates account-wide resource counts.
type UsageTotals struct {
	Workspaces int            `json:"workspaces"`
	Instances  InstanceTotals `json:"instances"`
	Assets     AssetTotals    `json:"assets"`
}

// UsageDomain reports account-wide usage rollups.
type UsageDomain struct {
	AccountID string      `json:"accountId"`
	Role      string      `json:"role"`
	Usage     UsageTotals `json:"usage"`
}

// AccountSummary heads the settings domain.
type AccountSummary struct {
	AccountID      string `json:"accountId"`
	Status         string `json:"status"`
	Role           string `json:"role"`
	WorkspaceCount int    `json:"workspaceCount"`
}

// WorkspaceSummary describes the active workspace in settings.
type WorkspaceSummary struct {
	WorkspaceID string            `json:"workspaceId"`
	AccountID   string            `json:"accountId"`
	Tier        entitlements.Tier `json:"tier"`
	Name        string            `json:"name"`
	Slug        string            `json:"slug"`
	Role        entitlements.Role `json:"role"`
}

// WorkspaceListing is one row of the settings workspace list.
type WorkspaceListing struct {
	WorkspaceID string            `json:"workspaceId"`
	AccountID   string            `json:"accountId"`
	Tier        entitlements.Tier `json:"tier"`
	Name        string            `json:"name"`
	Slug        string            `json:"slug"`
	CreatedAt   string            `json:"createdAt,omitempty"`
	UpdatedAt   string            `json:"updatedAt,omitempty"`
}

// SettingsDomain carries account and workspace summaries plus the full
// workspace list, sorted by name.
type SettingsDomain struct {
	AccountSummary    AccountSummary     `json:"accountSummary"`
	WorkspaceSummary  WorkspaceSummary   `json:"workspaceSummary"`
	AccountWorkspaces []WorkspaceListing `json:"accountWorkspaces"`
}

// Authz is the capability block minted with every snapshot: workspace
// and account capsules plus the entitlement view the studio caches.
type Authz struct {
	WorkspaceCapsule    string                 `json:"workspaceCapsule,omitempty"`
	WorkspaceID         string                 `json:"workspaceId,omitempty"`
	AccountID           string                 `json:"accountId,omitempty"`
	Role                entitlements.Role      `json:"role,omitempty"`
	Profile             entitlements.Tier      `json:"profile,omitempty"`
	AuthzVersion        string                 `json:"authzVersion,omitempty"`
	IssuedAt            string                 `json:"issuedAt,omitempty"`
	ExpiresAt           string                 `json:"expiresAt,omitempty"`
	AccountCapsule      string                 `json:"accountCapsule,omitempty"`
	AccountRole         entitlements.Role      `json:"accountRole,omitempty"`
	AccountProfile      entitlements.Tier      `json:"accountProfile,omitempty"`
	AccountAuthzVersion string                 `json:"accountAuthzVersion,omitempty"`
	Entitlements        *entitlements.Snapshot `json:"entitlements,omitempty"`
}

// Snapshot is the full bootstrap envelope. Domains holds the payloads
// that loaded; DomainErrors and DomainOutcomes cover every key either
// way. FanoutMs is the wall-clock duration of the domain fan-out.
type Snapshot struct {
	Authz          Authz                       `json:"authz"`
	Domains        map[DomainKey]any           `json:"domains"`
	DomainErrors   map[DomainKey]DomainError   `json:"domainErrors"`
	DomainOutcomes map[DomainKey]DomainOutcome `json:"bootstrapDomainOutcomes"`
	FanoutMs       int64                       `json:"bootstrapFanoutMs"`
}

func accountRoleLabel(role entitlements.Role) string {
	switch role {
	case entitlements.RoleOwner:
		return "account_owner"
	case entitlements.RoleAdmin:
		return "account_admin"
	default:
		return "account_member"
	}
}

func inferHighestTier(workspaces []tenant.Workspace) entitlements.Tier {
	tier := entitlements.TierFree
	for _, ws := range workspaces {
		tier = entitlements.HigherTier(tier, ws.Tier)
	}
	return tier
}
