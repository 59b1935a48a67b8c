package instances

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/craftdeck/craftdeck/internal/assetusage"
	"github.com/craftdeck/craftdeck/internal/authz"
	"github.com/craftdeck/craftdeck/internal/entitlements"
	"github.com/craftdeck/craftdeck/internal/platform/httpx"
	"github.com/craftdeck/craftdeck/internal/recordstore"
)

// widgetCacheTTL bounds staleness of the widget type -> id mapping.
// The widgets table is append-only in practice, so a short TTL only
// exists to pick up types registered after boot.
const widgetCacheTTL = time.Minute

type widgetEntry struct {
	id        string
	expiresAt time.Time
}

// CreateInput is an instance creation request.
type CreateInput struct {
	WidgetType  string          `json:"widgetType" validate:"required"`
	WidgetName  string          `json:"widgetName"`
	PublicID    string          `json:"publicId"`
	DisplayName string          `json:"displayName" validate:"omitempty,max=120"`
	Status      string          `json:"status" validate:"omitempty,oneof=published unpublished"`
	Config      json.RawMessage `json:"config"`
}

// UpdateInput is an instance update request. Nil fields keep the
// stored value.
type UpdateInput struct {
	DisplayName *string         `json:"displayName"`
	Status      *string         `json:"status"`
	Config      json.RawMessage `json:"config"`
}

// Service manages widget instances.
type Service struct {
	store  recordstore.Store
	usage  *assetusage.Syncer
	meter  *entitlements.Meter
	logger *slog.Logger

	mu      sync.Mutex
	widgets map[string]widgetEntry
	now     func() time.Time
}

// NewService constructs a Service.
func NewService(store recordstore.Store, usage *assetusage.Syncer, meter *entitlements.Meter, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		usage:   usage,
		meter:   meter,
		logger:  logger,
		widgets: make(map[string]widgetEntry),
		now:     time.Now,
	}
}

func validationErr(reason string) error {
	return httpx.NewError(httpx.KindValidation, reason, 0)
}

// parseConfig enforces the config contract: a JSON object no larger
// than the byte cap.
func parseConfig(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	if len(raw) > maxConfigBytes {
		return nil, validationErr("config_too_large")
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, validationErr("config_invalid")
	}
	if _, ok := decoded.(map[string]any); !ok {
		return nil, validationErr("config_invalid")
	}
	return decoded, nil
}

func titleCase(widgetType string) string {
	words := strings.FieldsFunc(widgetType, func(r rune) bool {
		return r == '_' || r == '-'
	})
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// resolveWidgetID maps a widget type to its row id through the TTL
// cache, creating the widget row on first use of a new type.
func (s *Service) resolveWidgetID(ctx context.Context, widgetType, widgetName string) (string, error) {
	s.mu.Lock()
	if entry, ok := s.widgets[widgetType]; ok && s.now().Before(entry.expiresAt) {
		s.mu.Unlock()
		return entry.id, nil
	}
	s.mu.Unlock()

	rows, err := s.store.Select(ctx, recordstore.NewQuery("widgets").
		Columns("id").
		Where(recordstore.Eq("type", widgetType)).
		Take(1))
	if err != nil {
		return "", fmt.Errorf("instances: load widget: %w", err)
	}
	var id string
	if len(rows) > 0 {
		id = rows[0].String("id")
	} else {
		name := strings.TrimSpace(widgetName)
		if name == "" {
			name = titleCase(widgetType)
		}
		row, err := s.store.Insert(ctx, "widgets", recordstore.Row{
			"type": widgetType,
			"name": name,
		}, true)
		if errors.Is(err, recordstore.ErrConflict) {
			// Lost a race with a concurrent first use; re-read.
			rows, err = s.store.Select(ctx, recordstore.NewQuery("widgets").
				Columns("id").
				Where(recordstore.Eq("type", widgetType)).
				Take(1))
			if err != nil || len(rows) == 0 {
				return "", fmt.Errorf("instances: widget re-read after conflict: %w", err)
			}
			id = rows[0].String("id")
		} else if err != nil {
			return "", fmt.Errorf("instances: create widget: %w", err)
		} else {
			id = row.String("id")
		}
	}
	if id == "" {
		return "", errors.New("instances: widget row has no id")
	}

	s.mu.Lock()
	s.widgets[widgetType] = widgetEntry{id: id, expiresAt: s.now().Add(widgetCacheTTL)}
	s.mu.Unlock()
	return id, nil
}

func instanceFromRow(row recordstore.Row) Instance {
	inst := Instance{
		ID:          row.String("id"),
		PublicID:    row.String("public_id"),
		WorkspaceID: row.String("workspace_id"),
		WidgetID:    row.String("widget_id"),
		DisplayName: row.String("display_name"),
		Status:      row.String("status"),
		CreatedAt:   row.String("created_at"),
		UpdatedAt:   row.String("updated_at"),
	}
	if cfg, ok := row["config"]; ok && cfg != nil {
		if raw, err := json.Marshal(cfg); err == nil {
			inst.Config = raw
		}
	}
	return inst
}

// load fetches one instance scoped to a workspace.
func (s *Service) load(ctx context.Context, workspaceID, publicID string) (Instance, bool, error) {
	rows, err := s.store.Select(ctx, recordstore.NewQuery("widget_instances").
		Columns("id", "public_id", "workspace_id", "widget_id", "display_name", "status", "config", "created_at", "updated_at").
		Where(recordstore.Eq("workspace_id", workspaceID), recordstore.Eq("public_id", publicID)).
		Take(1))
	if err != nil {
		return Instance{}, false, fmt.Errorf("instances: load: %w", err)
	}
	if len(rows) == 0 {
		return Instance{}, false, nil
	}
	return instanceFromRow(rows[0]), true, nil
}

// List returns a workspace's instances, newest first.
func (s *Service) List(ctx context.Context, workspaceID string) ([]Instance, error) {
	rows, err := s.store.Select(ctx, recordstore.NewQuery("widget_instances").
		Columns("id", "public_id", "workspace_id", "widget_id", "display_name", "status", "config", "created_at", "updated_at").
		Where(recordstore.Eq("workspace_id", workspaceID)).
		Order("created_at", true))
	if err != nil {
		return nil, fmt.Errorf("instances: list: %w", err)
	}
	out := make([]Instance, 0, len(rows))
	for _, row := range rows {
		out = append(out, instanceFromRow(row))
	}
	return out, nil
}

// Get returns one instance.
func (s *Service) Get(ctx context.Context, workspaceID, publicID string) (Instance, error) {
	inst, found, err := s.load(ctx, workspaceID, publicID)
	if err != nil {
		return Instance{}, err
	}
	if !found {
		return Instance{}, httpx.NewError(httpx.KindNotFound, "instance_not_found", 0)
	}
	return inst, nil
}

// Create inserts a new instance and indexes its asset usage. The
// insert and the usage sync are a saga: when the sync fails after the
// row landed, the row is deleted again so the store never holds an
// instance whose usage is not indexed.
func (s *Service) Create(ctx context.Context, grant authz.Grant, input CreateInput) (Instance, error) {
	widgetType := strings.TrimSpace(input.WidgetType)
	if !ValidWidgetType(widgetType) {
		return Instance{}, validationErr("widget_type_invalid")
	}
	if !validStatus(input.Status) {
		return Instance{}, validationErr("status_invalid")
	}
	displayName := strings.TrimSpace(input.DisplayName)
	if len(displayName) > maxDisplayNameLen {
		return Instance{}, validationErr("display_name_invalid")
	}
	if displayName == "" {
		displayName = defaultDisplayName
	}
	config, err := parseConfig(input.Config)
	if err != nil {
		return Instance{}, err
	}

	publicID := strings.TrimSpace(input.PublicID)
	if publicID == "" {
		publicID = NewPublicID(widgetType)
	} else if !ValidPublicID(publicID) {
		return Instance{}, validationErr("public_id_invalid")
	}

	policy := entitlements.Resolve(grant.Tier, grant.Role)
	if !policy.CanMutate() {
		return Instance{}, httpx.NewError(httpx.KindDeny, "role_insufficient", 0)
	}

	status := input.Status
	if status == "" {
		status = StatusUnpublished
	}

	if err := s.usage.Validate(ctx, grant.AccountID, publicID, config); err != nil {
		return Instance{}, mapUsageError(err)
	}

	widgetID, err := s.resolveWidgetID(ctx, widgetType, input.WidgetName)
	if err != nil {
		return Instance{}, err
	}

	if status == StatusPublished {
		max := policy.Budgets[entitlements.BudgetPublishes].Max
		_, err := s.meter.Consume(ctx, entitlements.WorkspaceScope(grant.WorkspaceID),
			entitlements.BudgetPublishes, max, 1)
		if errors.Is(err, entitlements.ErrBudgetExceeded) {
			return Instance{}, httpx.NewError(httpx.KindDeny, "publish_budget_exceeded", 0)
		}
		if err != nil {
			return Instance{}, fmt.Errorf("instances: consume publish budget: %w", err)
		}
	}

	row, err := s.store.Insert(ctx, "widget_instances", recordstore.Row{
		"workspace_id": grant.WorkspaceID,
		"widget_id":    widgetID,
		"public_id":    publicID,
		"display_name": displayName,
		"status":       status,
		"config":       config,
		"kind":         "user",
	}, true)
	if errors.Is(err, recordstore.ErrConflict) {
		return Instance{}, httpx.NewError(httpx.KindConflict, "public_id_conflict", 0)
	}
	if err != nil {
		return Instance{}, fmt.Errorf("instances: insert: %w", err)
	}
	created := instanceFromRow(row)
	created.WidgetType = widgetType

	if _, err := s.usage.Sync(ctx, grant.AccountID, publicID, config); err != nil {
		s.rollbackCreate(ctx, grant, publicID)
		return Instance{}, mapUsageError(err)
	}
	return created, nil
}

// rollbackCreate compensates a create whose usage sync failed: the
// fresh row is removed and any usage rows that did land are cleared.
func (s *Service) rollbackCreate(ctx context.Context, grant authz.Grant, publicID string) {
	if err := s.store.Delete(ctx, "widget_instances", []recordstore.Filter{
		recordstore.Eq("workspace_id", grant.WorkspaceID),
		recordstore.Eq("public_id", publicID),
	}); err != nil {
		s.logger.Error("instance rollback delete failed",
			slog.String("public_id", publicID),
			slog.Any("error", err))
	}
	if err := s.usage.Clear(ctx, grant.AccountID, publicID); err != nil {
		s.logger.Error("instance rollback usage clear failed",
			slog.String("public_id", publicID),
			slog.Any("error", err))
	}
}

// Update applies a partial update. Usage refs are validated before the
// row is written and the index is replaced after, so a failed
// validation leaves both the row and the index untouched.
func (s *Service) Update(ctx context.Context, grant authz.Grant, publicID string, input UpdateInput) (Instance, error) {
	current, found, err := s.load(ctx, grant.WorkspaceID, publicID)
	if err != nil {
		return Instance{}, err
	}
	if !found {
		return Instance{}, httpx.NewError(httpx.KindNotFound, "instance_not_found", 0)
	}

	values := recordstore.Row{}
	var config any
	configChanged := false
	if input.Config != nil {
		config, err = parseConfig(input.Config)
		if err != nil {
			return Instance{}, err
		}
		configChanged = true
		values["config"] = config
	}
	if input.Status != nil {
		if !validStatus(*input.Status) || *input.Status == "" {
			return Instance{}, validationErr("status_invalid")
		}
		values["status"] = *input.Status
	}
	if input.DisplayName != nil {
		name := strings.TrimSpace(*input.DisplayName)
		if name == "" || len(name) > maxDisplayNameLen {
			return Instance{}, validationErr("display_name_invalid")
		}
		values["display_name"] = name
	}
	if len(values) == 0 {
		return current, nil
	}

	policy := entitlements.Resolve(grant.Tier, grant.Role)
	if !policy.CanMutate() {
		return Instance{}, httpx.NewError(httpx.KindDeny, "role_insufficient", 0)
	}

	if configChanged {
		if err := s.usage.Validate(ctx, grant.AccountID, publicID, config); err != nil {
			return Instance{}, mapUsageError(err)
		}
	}

	if input.Status != nil && *input.Status == StatusPublished && current.Status != StatusPublished {
		max := policy.Budgets[entitlements.BudgetPublishes].Max
		_, err := s.meter.Consume(ctx, entitlements.WorkspaceScope(grant.WorkspaceID),
			entitlements.BudgetPublishes, max, 1)
		if errors.Is(err, entitlements.ErrBudgetExceeded) {
			return Instance{}, httpx.NewError(httpx.KindDeny, "publish_budget_exceeded", 0)
		}
		if err != nil {
			return Instance{}, fmt.Errorf("instances: consume publish budget: %w", err)
		}
	}

	err = s.store.Update(ctx, "widget_instances", values, []recordstore.Filter{
		recordstore.Eq("workspace_id", grant.WorkspaceID),
		recordstore.Eq("public_id", publicID),
	})
	if err != nil {
		return Instance{}, fmt.Errorf("instances: update: %w", err)
	}

	if configChanged {
		if _, err := s.usage.Sync(ctx, grant.AccountID, publicID, config); err != nil {
			return Instance{}, mapUsageError(err)
		}
	}

	updated, _, err := s.load(ctx, grant.WorkspaceID, publicID)
	if err != nil {
		return Instance{}, err
	}
	return updated, nil
}

// Delete removes an instance and clears its usage rows.
func (s *Service) Delete(ctx context.Context, grant authz.Grant, publicID string) error {
	_, found, err := s.load(ctx, grant.WorkspaceID, publicID)
	if err != nil {
		return err
	}
	if !found {
		return httpx.NewError(httpx.KindNotFound, "instance_not_found", 0)
	}
	err = s.store.Delete(ctx, "widget_instances", []recordstore.Filter{
		recordstore.Eq("workspace_id", grant.WorkspaceID),
		recordstore.Eq("public_id", publicID),
	})
	if err != nil {
		return fmt.Errorf("instances: delete: %w", err)
	}
	if err := s.usage.Clear(ctx, grant.AccountID, publicID); err != nil {
		return fmt.Errorf("instances: clear usage after delete: %w", err)
	}
	return nil
}

// mapUsageError converts usage validation failures to the caller
// taxonomy; anything else stays an internal error.
func mapUsageError(err error) error {
	var verr *assetusage.ValidationError
	if errors.As(err, &verr) {
		return httpx.NewError(httpx.KindValidation, "asset_ref_invalid", 0).WithDetail(verr.Error())
	}
	return err
}
