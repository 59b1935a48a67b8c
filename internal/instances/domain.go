// Package instances manages widget instances inside a workspace:
// create, update, and delete, each keeping the asset usage index in
// step with the instance config.
package instances

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Statuses an instance can hold.
const (
	StatusPublished   = "published"
	StatusUnpublished = "unpublished"
)

// maxConfigBytes caps the serialized config document.
const maxConfigBytes = 7000

const maxDisplayNameLen = 120

// defaultDisplayName is used when the caller does not name the
// instance.
const defaultDisplayName = "Untitled widget"

var (
	widgetTypePattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	userPublicIDPattern = regexp.MustCompile(`^wgt_[a-z0-9][a-z0-9_-]*_u_[a-z0-9][a-z0-9_-]*$`)
	typeStemRuns        = regexp.MustCompile(`[^a-z0-9_-]+`)
	underscoreRuns      = regexp.MustCompile(`_+`)
)

// Instance is a widget instance row.
type Instance struct {
	ID          string          `json:"-"`
	PublicID    string          `json:"publicId"`
	WorkspaceID string          `json:"workspaceId"`
	WidgetID    string          `json:"widgetId"`
	WidgetType  string          `json:"widgetType,omitempty"`
	DisplayName string          `json:"displayName"`
	Status      string          `json:"status"`
	Config      json.RawMessage `json:"config"`
	CreatedAt   string          `json:"createdAt,omitempty"`
	UpdatedAt   string          `json:"updatedAt,omitempty"`
}

// ValidWidgetType reports whether a widget type identifier is usable.
func ValidWidgetType(value string) bool {
	return widgetTypePattern.MatchString(value)
}

// ValidPublicID reports whether a public id is a well-formed
// user-instance id.
func ValidPublicID(value string) bool {
	return userPublicIDPattern.MatchString(value)
}

// NewPublicID derives a fresh user-instance public id from the widget
// type: wgt_{stem}_u_{suffix}. The suffix mixes a millisecond
// timestamp with random bytes so ids sort roughly by creation time.
func NewPublicID(widgetType string) string {
	stem := strings.ToLower(widgetType)
	stem = typeStemRuns.ReplaceAllString(stem, "_")
	stem = underscoreRuns.ReplaceAllString(stem, "_")
	stem = strings.Trim(stem, "_")
	if stem == "" {
		stem = "instance"
	}
	suffix := strconv.FormatInt(time.Now().UnixMilli(), 36) +
		strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return "wgt_" + stem + "_u_" + suffix
}

// validStatus accepts the two instance statuses; empty means the
// caller did not set one.
func validStatus(value string) bool {
	return value == "" || value == StatusPublished || value == StatusUnpublished
}
