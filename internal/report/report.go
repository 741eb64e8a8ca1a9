// Package report provides data structures for locally captured incident reports.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the closed enumeration of incident categories.
type Type string

const (
	TypeFire     Type = "fire"
	TypeFlood    Type = "flood"
	TypeAccident Type = "accident"
	TypeMedical  Type = "medical"
	TypeHazard   Type = "hazard"
	TypeOther    Type = "other"
)

// Valid reports whether t is a known incident category.
func (t Type) Valid() bool {
	switch t {
	case TypeFire, TypeFlood, TypeAccident, TypeMedical, TypeHazard, TypeOther:
		return true
	}
	return false
}

// SyncStatus tracks a report through the local sync state machine.
//
// Unsynced statuses are local, pending and failed; synced is terminal.
// A report in flight is held as pending for the duration of the attempt.
type SyncStatus string

const (
	// StatusLocal means the report was captured and never attempted.
	StatusLocal SyncStatus = "local"
	// StatusPending means the report is claimed by a sync pass (attempt in flight).
	StatusPending SyncStatus = "pending"
	// StatusSynced means the remote insert succeeded. Terminal.
	StatusSynced SyncStatus = "synced"
	// StatusFailed means the last attempt failed and a retry is scheduled.
	StatusFailed SyncStatus = "failed"
)

// Valid reports whether s is a known sync status.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusLocal, StatusPending, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// Unsynced reports whether a report with this status still needs a remote insert.
func (s SyncStatus) Unsynced() bool {
	return s == StatusLocal || s == StatusPending || s == StatusFailed
}

// IncidentReport is a locally captured incident, owned exclusively by the
// durable store until it reaches StatusSynced.
type IncidentReport struct {
	// ID is the client-generated identifier, stable for the report's lifetime.
	// It is carried to the remote side as local_id for idempotent inserts.
	ID string `json:"id"`

	Type     Type `json:"type"`
	Severity int  `json:"severity"` // 1-5

	// Latitude/Longitude are immutable once created.
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	// OccurredAt is when the incident happened, distinct from CreatedAt.
	OccurredAt time.Time `json:"occurred_at"`
	CreatedAt  time.Time `json:"created_at"`

	// Photo is either an inline data URI before upload or a public URL after.
	Photo string `json:"photo,omitempty"`

	Description string `json:"description,omitempty"`
	ReportedBy  string `json:"reported_by,omitempty"`

	Status SyncStatus `json:"status"`

	// Retry bookkeeping, maintained by the sync engine.
	RetryCount    int        `json:"retry_count"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

// New creates a report with a fresh client id, StatusLocal and zeroed
// retry bookkeeping. CreatedAt is stamped with the current time.
func New(typ Type, severity int, lat, lon float64, occurredAt time.Time) *IncidentReport {
	now := time.Now().UTC()
	if occurredAt.IsZero() {
		occurredAt = now
	}
	return &IncidentReport{
		ID:         uuid.NewString(),
		Type:       typ,
		Severity:   severity,
		Latitude:   lat,
		Longitude:  lon,
		OccurredAt: occurredAt,
		CreatedAt:  now,
		Status:     StatusLocal,
	}
}

// Validate checks field values before the report enters the store.
func (r *IncidentReport) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("unknown incident type %q", r.Type)
	}
	if r.Severity < 1 || r.Severity > 5 {
		return fmt.Errorf("severity must be between 1 and 5 (got %d)", r.Severity)
	}
	if r.Latitude < -90 || r.Latitude > 90 {
		return fmt.Errorf("latitude out of range (got %f)", r.Latitude)
	}
	if r.Longitude < -180 || r.Longitude > 180 {
		return fmt.Errorf("longitude out of range (got %f)", r.Longitude)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// PhotoIsRemote reports whether the photo reference is already a public URL
// (previously uploaded) rather than inline image data.
func (r *IncidentReport) PhotoIsRemote() bool {
	return strings.HasPrefix(r.Photo, "http://") || strings.HasPrefix(r.Photo, "https://")
}

// HasInlinePhoto reports whether the report carries image data that still
// needs a blob upload.
func (r *IncidentReport) HasInlinePhoto() bool {
	return r.Photo != "" && !r.PhotoIsRemote()
}
