package domain

import "time"

// Status enumerates the lifecycle states shared by the overall deployment
// status and the three sub-statuses.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Terminal reports whether the status is a final outcome.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCanceled
}

// Deployment captures one built/extracted/screenshotted artifact of a commit.
// The overall Status field is derived from the three sub-statuses and is
// owned by the deployment service; callers never set it directly.
type Deployment struct {
	ID               int        `json:"id"`
	ProjectID        int        `json:"projectId"`
	TeamID           int        `json:"teamId"`
	Ref              string     `json:"ref"`
	CommitHash       string     `json:"commitHash"`
	Commit           *Commit    `json:"commit,omitempty"`
	BuildStatus      Status     `json:"buildStatus"`
	ExtractionStatus Status     `json:"extractionStatus"`
	ScreenshotStatus Status     `json:"screenshotStatus"`
	Status           Status     `json:"status"`
	URL              string     `json:"url,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
}

// StatusUpdate is a partial proposal against a deployment's status fields.
// Nil fields are untouched. Status is filled in by the deployment service
// when it derives a new overall status; external callers leave it nil.
type StatusUpdate struct {
	Status           *Status `json:"status,omitempty"`
	BuildStatus      *Status `json:"buildStatus,omitempty"`
	ExtractionStatus *Status `json:"extractionStatus,omitempty"`
	ScreenshotStatus *Status `json:"screenshotStatus,omitempty"`
}

// Empty reports whether no field is proposed.
func (u StatusUpdate) Empty() bool {
	return u.Status == nil && u.BuildStatus == nil && u.ExtractionStatus == nil && u.ScreenshotStatus == nil
}

// StatusPtr is a convenience for building StatusUpdate literals.
func StatusPtr(s Status) *Status {
	return &s
}
