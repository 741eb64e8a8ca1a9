// Package remote defines the narrow contract to the authoritative backend:
// a row-oriented incidents table, a blob store for photos, a realtime insert
// channel and the authentication collaborator.
//
// The sync engine and the merge view receive these as explicitly constructed
// handles; nothing in this repository reaches for a global client.
package remote

import (
	"context"
	"errors"
	"time"

	"github.com/fieldsync/fieldsync/internal/report"
)

// ErrDuplicate marks an insert that conflicted with an existing row for the
// same local_id. The sync engine treats it as success, which is what makes
// the upload protocol idempotent under retries and crashes.
var ErrDuplicate = errors.New("remote: duplicate row")

// ErrUnauthenticated marks a remote operation refused because the auth
// collaborator has no usable session yet.
var ErrUnauthenticated = errors.New("remote: not authenticated")

// IsDuplicate reports whether err is the duplicate-key conflict condition.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// Row is one record of the remote incidents table.
type Row struct {
	ID           string    `json:"id,omitempty"`
	IncidentType string    `json:"incident_type"`
	Severity     int       `json:"severity"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	LocalID      string    `json:"local_id"`
	ImageURL     string    `json:"image_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	OccurredAt   time.Time `json:"occurred_at"`
	Status       string    `json:"status,omitempty"`
	Address      string    `json:"address,omitempty"`
	Description  string    `json:"description,omitempty"`
	ReportedBy   string    `json:"reported_by,omitempty"`
}

// Key returns the identity used for feed deduplication: the client-generated
// local_id when present, otherwise the server-assigned id.
func (r Row) Key() string {
	if r.LocalID != "" {
		return r.LocalID
	}
	return r.ID
}

// ToIncident maps a confirmed remote row into its feed projection.
func (r Row) ToIncident() report.Incident {
	status := report.DisplayActive
	if r.Status == "responding" {
		status = report.DisplayResponding
	}
	reportedBy := r.ReportedBy
	if reportedBy == "" {
		reportedBy = "Anonymous"
	}
	return report.Incident{
		ID:          r.Key(),
		Type:        report.Type(r.IncidentType),
		Severity:    r.Severity,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		OccurredAt:  r.OccurredAt,
		ImageURL:    r.ImageURL,
		Description: r.Description,
		Status:      status,
		ReportedBy:  reportedBy,
	}
}

// TableClient is the incidents table surface the sync engine and merge view
// depend on.
type TableClient interface {
	// InsertIncident adds a row. A uniqueness conflict on local_id is
	// surfaced as ErrDuplicate.
	InsertIncident(ctx context.Context, row Row) error

	// ListIncidents returns the confirmed rows, newest first.
	ListIncidents(ctx context.Context) ([]Row, error)
}

// BlobClient uploads photo bytes and returns a public URL.
type BlobClient interface {
	Upload(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// Realtime delivers INSERT events from the incidents table. Subscribe blocks
// until the connection fails or ctx is cancelled; reconnection is the
// caller's policy.
type Realtime interface {
	Subscribe(ctx context.Context, onRow func(Row)) error
}

// Auth is the state exposed by the authentication collaborator.
type Auth struct {
	Authenticated bool
	AccessToken   string
	Loading       bool
}

// Usable reports whether remote operations may be attempted right now.
func (a Auth) Usable() bool {
	return a.Authenticated && !a.Loading
}

// AuthProvider supplies the current session state.
type AuthProvider interface {
	Auth() Auth
}

// StaticAuth is an AuthProvider backed by a fixed token, used by the CLI
// and by tests.
type StaticAuth struct {
	Token string
}

func (s StaticAuth) Auth() Auth {
	return Auth{Authenticated: s.Token != "", AccessToken: s.Token}
}

// Backgrounder is the optional platform capability for deferred syncs.
// Absence degrades gracefully to foreground-only triggers.
type Backgrounder interface {
	RegisterOneOffSync(tag string) error
	RegisterPeriodicSync(tag string, minInterval time.Duration) error
}
