// Package gitlab holds the narrow contracts minard consumes from the git
// host: commit and project lookups plus build artifact transport. The
// pipeline core only depends on the interfaces; Client is the REST
// implementation.
package gitlab

import (
	"context"
	"errors"
	"io"

	"github.com/lucified/minard-backend-sub001/internal/domain"
)

// ErrNotFound indicates the referenced commit or project does not exist on
// the git host.
var ErrNotFound = errors.New("gitlab: not found")

// CommitLookup resolves a commit within a project.
type CommitLookup interface {
	GetCommit(ctx context.Context, projectID int, sha string) (*domain.Commit, error)
}

// ProjectLookup resolves project metadata.
type ProjectLookup interface {
	GetProject(ctx context.Context, projectID int) (*domain.Project, error)
}

// ArtifactSource streams the build artifact archive for a deployment.
type ArtifactSource interface {
	DownloadArtifact(ctx context.Context, projectID, deploymentID int) (io.ReadCloser, error)
}
