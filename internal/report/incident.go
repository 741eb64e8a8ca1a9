package report

import "time"

// DisplayStatus is the UI-facing status of a merged feed entry. It is a
// separate enumeration from SyncStatus and the two meet only at the
// mapping boundary in FromLocal.
type DisplayStatus string

const (
	// DisplayActive marks incidents awaiting response, including anything
	// still queued locally.
	DisplayActive DisplayStatus = "Active"
	// DisplayResponding marks incidents a responder has picked up remotely.
	DisplayResponding DisplayStatus = "Responding"
)

// Incident is one entry of the merged feed shown to the UI. It is a
// projection over confirmed-remote and pending-local records and has no
// independent lifecycle.
type Incident struct {
	ID          string        `json:"id"`
	Type        Type          `json:"type"`
	Severity    int           `json:"severity"`
	Latitude    float64       `json:"latitude"`
	Longitude   float64       `json:"longitude"`
	OccurredAt  time.Time     `json:"occurred_at"`
	ImageURL    string        `json:"image_url,omitempty"`
	Description string        `json:"description,omitempty"`
	Status      DisplayStatus `json:"status"`
	ReportedBy  string        `json:"reported_by"`

	// Local marks entries backed by an unsynced local report.
	Local bool `json:"local"`
}

// FromLocal maps an unsynced local report into its feed projection.
func FromLocal(r *IncidentReport) Incident {
	image := ""
	if r.PhotoIsRemote() {
		image = r.Photo
	}
	reportedBy := r.ReportedBy
	if reportedBy == "" {
		reportedBy = "You"
	}
	return Incident{
		ID:          r.ID,
		Type:        r.Type,
		Severity:    r.Severity,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		OccurredAt:  r.OccurredAt,
		ImageURL:    image,
		Description: r.Description,
		Status:      DisplayActive,
		ReportedBy:  reportedBy,
		Local:       true,
	}
}
