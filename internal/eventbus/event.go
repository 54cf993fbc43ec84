package eventbus

import (
	"encoding/json"
	"time"

	"github.com/lucified/minard-backend-sub001/internal/domain"
)

// Type tags an event with its domain signal. The set of types is closed:
// every constructor below pairs one payload struct with one tag, and
// consumers dispatch by switching on the tag.
type Type string

const (
	// TypeBuildCreated arrives when the CI system registers a new build
	// for a commit. Local-only.
	TypeBuildCreated Type = "build.created"
	// TypeBuildStatusChanged arrives when the CI system moves a build
	// between states. Local-only.
	TypeBuildStatusChanged Type = "build.status-changed"
	// TypeExtractionRequested asks the extraction queue to prepare a
	// deployment for serving. Local-only.
	TypeExtractionRequested Type = "extraction.requested"
	// TypeDeploymentUpdated is published once per real deployment change
	// and is the only durable, team-scoped event type.
	TypeDeploymentUpdated Type = "deployment.updated"
	// TypeControlPing is the stream heartbeat. Never persisted, never
	// assigned a stream revision.
	TypeControlPing Type = "control.ping"
)

// Event is the bus envelope. Payload is one of the payload structs in this
// package; TeamID is zero for local-only signals and set for events that are
// eligible for durable persistence and live-stream delivery.
type Event struct {
	Type      Type      `json:"type"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
	TeamID    int       `json:"teamId,omitempty"`
}

// Streamable reports whether the event carries a team id and may be
// persisted to a team stream.
func (e Event) Streamable() bool {
	return e.TeamID != 0
}

// PersistedEvent is an Event that has been appended to a team stream. The
// payload is kept in its encoded form so replayed and live deliveries are
// byte-identical. StreamRevision values are contiguous from zero within one
// team stream.
type PersistedEvent struct {
	ID             string          `json:"id"`
	Type           Type            `json:"type"`
	TeamID         int             `json:"teamId"`
	StreamRevision int64           `json:"streamRevision"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// BuildCreatedPayload mirrors the CI "build created" signal.
type BuildCreatedPayload struct {
	ID        int           `json:"id"`
	ProjectID int           `json:"project_id"`
	SHA       string        `json:"sha"`
	Ref       string        `json:"ref"`
	Status    domain.Status `json:"status"`
}

// BuildStatusChangedPayload mirrors the CI "build status changed" signal.
type BuildStatusChangedPayload struct {
	DeploymentID int           `json:"deploymentId"`
	Status       domain.Status `json:"status"`
}

// ExtractionRequestedPayload asks for a deployment to be prepared for
// serving.
type ExtractionRequestedPayload struct {
	ProjectID    int `json:"projectId"`
	DeploymentID int `json:"deploymentId"`
}

// DeploymentUpdatedPayload carries the applied sub-status update and the
// reloaded deployment after every real change.
type DeploymentUpdatedPayload struct {
	Update     domain.StatusUpdate `json:"update"`
	Deployment domain.Deployment   `json:"deployment"`
}

// NewBuildCreatedEvent wraps a CI build-created signal.
func NewBuildCreatedEvent(p BuildCreatedPayload) Event {
	return Event{Type: TypeBuildCreated, Payload: p, CreatedAt: time.Now().UTC()}
}

// NewBuildStatusChangedEvent wraps a CI build-status-changed signal.
func NewBuildStatusChangedEvent(p BuildStatusChangedPayload) Event {
	return Event{Type: TypeBuildStatusChanged, Payload: p, CreatedAt: time.Now().UTC()}
}

// NewExtractionRequestedEvent asks the extraction queue for a deployment.
func NewExtractionRequestedEvent(p ExtractionRequestedPayload) Event {
	return Event{Type: TypeExtractionRequested, Payload: p, CreatedAt: time.Now().UTC()}
}

// NewDeploymentUpdatedEvent wraps a deployment change for the given team
// stream.
func NewDeploymentUpdatedEvent(teamID int, p DeploymentUpdatedPayload) Event {
	return Event{Type: TypeDeploymentUpdated, Payload: p, CreatedAt: time.Now().UTC(), TeamID: teamID}
}
