// Package deployment owns the deployment lifecycle state machine. All
// status mutation funnels through Service.UpdateStatus, which derives the
// overall status, suppresses no-op writes, and publishes exactly one
// deployment-updated event per real change.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucified/minard-backend-sub001/internal/domain"
	"github.com/lucified/minard-backend-sub001/internal/eventbus"
	"github.com/lucified/minard-backend-sub001/internal/gitlab"
	"github.com/lucified/minard-backend-sub001/internal/repository"
)

// Service applies status updates and creates deployments from CI signals.
type Service struct {
	repo     repository.DeploymentRepository
	bus      eventbus.Bus
	commits  gitlab.CommitLookup
	projects gitlab.ProjectLookup
	logger   *slog.Logger
	now      func() time.Time
}

// New wires the state machine to its collaborators.
func New(repo repository.DeploymentRepository, bus eventbus.Bus, commits gitlab.CommitLookup, projects gitlab.ProjectLookup, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		bus:      bus,
		commits:  commits,
		projects: projects,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// UpdateStatus applies a partial status update to a deployment. Updates that
// change nothing are swallowed without an event. A missing deployment is
// logged and dropped; a reload failure after a successful write is an
// integrity error and is returned.
func (s *Service) UpdateStatus(ctx context.Context, deploymentID int, update domain.StatusUpdate) error {
	current, err := s.repo.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("status update for unknown deployment dropped", "deployment_id", deploymentID)
			return nil
		}
		return fmt.Errorf("loading deployment %d: %w", deploymentID, err)
	}

	update.Status = deriveStatus(update)
	write := diffUpdate(*current, update)
	if write.Empty() {
		return nil
	}

	var finishedAt *time.Time
	if write.Status != nil && (*write.Status == domain.StatusSuccess || *write.Status == domain.StatusFailed) {
		now := s.now()
		finishedAt = &now
	}

	if err := s.repo.UpdateDeploymentStatus(ctx, deploymentID, write, finishedAt); err != nil {
		return fmt.Errorf("persisting status of deployment %d: %w", deploymentID, err)
	}

	fresh, err := s.repo.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		// The write committed but the projection is gone; publishing a
		// stale record would poison every downstream consumer.
		return fmt.Errorf("reloading deployment %d after status write: %w", deploymentID, err)
	}

	event := eventbus.NewDeploymentUpdatedEvent(fresh.TeamID, eventbus.DeploymentUpdatedPayload{
		Update:     write,
		Deployment: *fresh,
	})
	if err := s.bus.Post(ctx, event); err != nil {
		s.logger.Error("publishing deployment update failed",
			"deployment_id", deploymentID,
			"team_id", fresh.TeamID,
			"error", err,
		)
	}
	return nil
}

// CreateFromBuild registers a deployment for a freshly created CI build. An
// unknown commit or project is logged and dropped; the triggering signal is
// external and not trusted to reference live data.
func (s *Service) CreateFromBuild(ctx context.Context, payload eventbus.BuildCreatedPayload) error {
	project, err := s.projects.GetProject(ctx, payload.ProjectID)
	if err != nil {
		if errors.Is(err, gitlab.ErrNotFound) {
			s.logger.Warn("build created for unknown project dropped", "project_id", payload.ProjectID, "build_id", payload.ID)
			return nil
		}
		return fmt.Errorf("resolving project %d: %w", payload.ProjectID, err)
	}
	commit, err := s.commits.GetCommit(ctx, payload.ProjectID, payload.SHA)
	if err != nil {
		if errors.Is(err, gitlab.ErrNotFound) {
			s.logger.Warn("build created for unknown commit dropped", "project_id", payload.ProjectID, "sha", payload.SHA)
			return nil
		}
		return fmt.Errorf("resolving commit %s: %w", payload.SHA, err)
	}

	deployment := &domain.Deployment{
		ID:               payload.ID,
		ProjectID:        project.ID,
		TeamID:           project.TeamID,
		Ref:              payload.Ref,
		CommitHash:       commit.SHA,
		Commit:           commit,
		BuildStatus:      domain.StatusPending,
		ExtractionStatus: domain.StatusPending,
		ScreenshotStatus: domain.StatusPending,
		Status:           domain.StatusPending,
		CreatedAt:        s.now(),
	}
	if err := s.repo.CreateDeployment(ctx, deployment); err != nil {
		return fmt.Errorf("creating deployment %d: %w", payload.ID, err)
	}
	s.logger.Info("deployment created",
		"deployment_id", deployment.ID,
		"project_id", deployment.ProjectID,
		"team_id", deployment.TeamID,
		"ref", deployment.Ref,
	)

	if payload.Status != "" && payload.Status != domain.StatusPending {
		return s.UpdateStatus(ctx, deployment.ID, domain.StatusUpdate{BuildStatus: domain.StatusPtr(payload.Status)})
	}
	return nil
}

// deriveStatus computes the overall status candidate from the proposed
// update alone. First match wins.
func deriveStatus(update domain.StatusUpdate) *domain.Status {
	// SIC: any screenshot outcome, including a failed one, finalizes the
	// deployment as successfully served. Kept for compatibility with the
	// historical behavior; do not "fix" without a migration plan for
	// consumers that rely on it.
	if update.ScreenshotStatus != nil &&
		(*update.ScreenshotStatus == domain.StatusSuccess || *update.ScreenshotStatus == domain.StatusFailed) {
		return domain.StatusPtr(domain.StatusSuccess)
	}
	for _, field := range []*domain.Status{update.BuildStatus, update.ExtractionStatus, update.ScreenshotStatus} {
		if field != nil && (*field == domain.StatusFailed || *field == domain.StatusCanceled) {
			return domain.StatusPtr(domain.StatusFailed)
		}
	}
	for _, field := range []*domain.Status{update.BuildStatus, update.ExtractionStatus, update.ScreenshotStatus} {
		if field != nil && *field == domain.StatusRunning {
			return domain.StatusPtr(domain.StatusRunning)
		}
	}
	return nil
}

// diffUpdate keeps only the fields that differ from the stored deployment.
func diffUpdate(current domain.Deployment, update domain.StatusUpdate) domain.StatusUpdate {
	var write domain.StatusUpdate
	if update.Status != nil && *update.Status != current.Status {
		write.Status = update.Status
	}
	if update.BuildStatus != nil && *update.BuildStatus != current.BuildStatus {
		write.BuildStatus = update.BuildStatus
	}
	if update.ExtractionStatus != nil && *update.ExtractionStatus != current.ExtractionStatus {
		write.ExtractionStatus = update.ExtractionStatus
	}
	if update.ScreenshotStatus != nil && *update.ScreenshotStatus != current.ScreenshotStatus {
		write.ScreenshotStatus = update.ScreenshotStatus
	}
	return write
}
