package domain

import "time"

// Event is a persisted seismic event. Immutable once created; the id is
// assigned at persistence and createdAt by the store.
type Event struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurredAt"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Magnitude  float64   `json:"magnitude"`
	DepthKm    float64   `json:"depthKm"`
	Place      string    `json:"place"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CandidateEvent is a parsed, not-yet-deduplicated record extracted from the
// upstream source. The (OccurredAt, Latitude, Longitude, Magnitude) tuple is
// the natural key used to decide event identity.
type CandidateEvent struct {
	OccurredAt time.Time
	Latitude   float64
	Longitude  float64
	Magnitude  float64
	DepthKm    float64
	Place      string
	Source     string
}

// DeviceIdentity is a registered push-notification target.
type DeviceIdentity struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// Decision classifies one candidate against the existing event set.
type Decision int

const (
	// DecisionNew means the candidate matches nothing known and should be inserted.
	DecisionNew Decision = iota
	// DecisionDuplicateCache means a tolerance match was found in the recency cache.
	DecisionDuplicateCache
	// DecisionDuplicateStore means the store holds the exact natural key.
	DecisionDuplicateStore
)

func (d Decision) String() string {
	switch d {
	case DecisionNew:
		return "new"
	case DecisionDuplicateCache:
		return "duplicate_cache"
	case DecisionDuplicateStore:
		return "duplicate_store"
	default:
		return "unknown"
	}
}

// Filter holds optional bounds for event queries. Nil pointers mean "no
// bound"; only set fields participate in the generated query.
type Filter struct {
	MagnitudeMin *float64
	MagnitudeMax *float64
	DepthMin     *float64
	DepthMax     *float64
	From         *time.Time
	To           *time.Time
	Place        string
	Page         int
	Size         int
}
