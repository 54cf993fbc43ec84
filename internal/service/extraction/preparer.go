package extraction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/lucified/minard-backend-sub001/internal/domain"
	"github.com/lucified/minard-backend-sub001/internal/gitlab"
)

// ErrBuildNotReady rejects extraction of a deployment whose build has not
// succeeded.
var ErrBuildNotReady = errors.New("extraction: build not in success state")

// StatusUpdater is the slice of the deployment state machine the preparer
// drives.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, deploymentID int, update domain.StatusUpdate) error
}

// DeploymentLoader reads current deployment state for the build check.
type DeploymentLoader interface {
	GetDeploymentByID(ctx context.Context, deploymentID int) (*domain.Deployment, error)
}

// Extractor unpacks an artifact archive into a directory.
type Extractor func(archivePath, destDir string) error

// Preparer executes one prepare-for-serving job: download the build
// artifact, extract it, and move the project's root path into the final
// serving location. Whatever happens after extraction is marked running, the
// deployment always reaches a terminal extraction sub-status.
type Preparer struct {
	statuses  StatusUpdater
	loader    DeploymentLoader
	projects  gitlab.ProjectLookup
	artifacts gitlab.ArtifactSource
	extract   Extractor
	root      string
	logger    *slog.Logger
}

// NewPreparer wires the preparer. root is the directory extracted
// deployments are served from.
func NewPreparer(statuses StatusUpdater, loader DeploymentLoader, projects gitlab.ProjectLookup, artifacts gitlab.ArtifactSource, extract Extractor, root string, logger *slog.Logger) *Preparer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Preparer{
		statuses:  statuses,
		loader:    loader,
		projects:  projects,
		artifacts: artifacts,
		extract:   extract,
		root:      root,
		logger:    logger,
	}
}

// Prepare runs the job. The build check happens before extraction is marked
// running, so a rejected job leaves the deployment untouched.
func (p *Preparer) Prepare(ctx context.Context, job Job) error {
	if !job.SkipBuildCheck {
		deployment, err := p.loader.GetDeploymentByID(ctx, job.DeploymentID)
		if err != nil {
			return fmt.Errorf("loading deployment %d: %w", job.DeploymentID, err)
		}
		if deployment.BuildStatus != domain.StatusSuccess {
			return fmt.Errorf("%w: deployment %d build is %s", ErrBuildNotReady, job.DeploymentID, deployment.BuildStatus)
		}
	}

	if err := p.statuses.UpdateStatus(ctx, job.DeploymentID, domain.StatusUpdate{
		ExtractionStatus: domain.StatusPtr(domain.StatusRunning),
	}); err != nil {
		return fmt.Errorf("marking extraction running: %w", err)
	}

	err := p.run(ctx, job)

	// Terminal status must land even when the job context is already
	// cancelled, otherwise the deployment is stuck at running forever.
	terminal := domain.StatusSuccess
	if err != nil {
		terminal = domain.StatusFailed
	}
	statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if statusErr := p.statuses.UpdateStatus(statusCtx, job.DeploymentID, domain.StatusUpdate{
		ExtractionStatus: domain.StatusPtr(terminal),
	}); statusErr != nil {
		p.logger.Error("recording terminal extraction status failed",
			"deployment_id", job.DeploymentID,
			"status", string(terminal),
			"error", statusErr,
		)
		if err == nil {
			err = statusErr
		}
	}
	return err
}

// run performs the I/O steps. A panic anywhere inside counts as a failed
// job, not a dead worker.
func (p *Preparer) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extraction panicked: %v", r)
		}
	}()

	project, err := p.projects.GetProject(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("resolving project %d: %w", job.ProjectID, err)
	}

	workDir, err := os.MkdirTemp("", "minard-extract-")
	if err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	archivePath, err := p.download(ctx, job, workDir)
	if err != nil {
		return err
	}

	unpackDir := filepath.Join(workDir, "unpacked")
	if err := os.Mkdir(unpackDir, 0o755); err != nil {
		return fmt.Errorf("creating unpack dir: %w", err)
	}
	if err := p.extract(archivePath, unpackDir); err != nil {
		return fmt.Errorf("extracting artifact for deployment %d: %w", job.DeploymentID, err)
	}

	source := unpackDir
	if project.RootPath != "" {
		source = filepath.Join(unpackDir, filepath.Clean(project.RootPath))
		if _, err := os.Stat(source); err != nil {
			return fmt.Errorf("artifact missing project root path %q: %w", project.RootPath, err)
		}
	}

	finalDir := p.FinalPath(job.ProjectID, job.DeploymentID)
	if err := os.MkdirAll(filepath.Dir(finalDir), 0o755); err != nil {
		return fmt.Errorf("creating deployment dir: %w", err)
	}
	// Re-extraction replaces whatever a previous attempt left behind.
	if err := os.RemoveAll(finalDir); err != nil {
		return fmt.Errorf("clearing previous extraction: %w", err)
	}
	if err := os.Rename(source, finalDir); err != nil {
		return fmt.Errorf("relocating extraction for deployment %d: %w", job.DeploymentID, err)
	}

	p.logger.Info("deployment prepared for serving",
		"deployment_id", job.DeploymentID,
		"project_id", job.ProjectID,
		"path", finalDir,
	)
	return nil
}

func (p *Preparer) download(ctx context.Context, job Job, workDir string) (string, error) {
	stream, err := p.artifacts.DownloadArtifact(ctx, job.ProjectID, job.DeploymentID)
	if err != nil {
		return "", fmt.Errorf("downloading artifact for deployment %d: %w", job.DeploymentID, err)
	}
	defer stream.Close()

	archivePath := filepath.Join(workDir, "artifact.archive")
	file, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("creating artifact file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, stream); err != nil {
		return "", fmt.Errorf("writing artifact for deployment %d: %w", job.DeploymentID, err)
	}
	return archivePath, nil
}

// FinalPath is where a deployment's extracted artifact is served from.
func (p *Preparer) FinalPath(projectID, deploymentID int) string {
	return filepath.Join(p.root, strconv.Itoa(projectID), strconv.Itoa(deploymentID))
}
