package domain

import "time"

// Commit mirrors the commit fields minard needs from the git host.
type Commit struct {
	SHA       string    `json:"sha"`
	Message   string    `json:"message"`
	Author    Signature `json:"author"`
	Committer Signature `json:"committer"`
}

// Signature identifies a commit participant.
type Signature struct {
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Timestamp time.Time `json:"timestamp"`
}

// Project is the slice of git-host project metadata the pipeline depends on.
type Project struct {
	ID            int    `json:"id"`
	TeamID        int    `json:"teamId"`
	Name          string `json:"name"`
	Path          string `json:"path"`
	DefaultBranch string `json:"defaultBranch"`
	// RootPath is the project-supplied subdirectory inside the build
	// artifact that should be served; empty means the artifact root.
	RootPath string `json:"rootPath,omitempty"`
}
