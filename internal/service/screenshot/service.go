// Package screenshot reacts to freshly extracted deployments by driving an
// external renderer and recording the outcome as the screenshot sub-status.
// The rendering itself happens behind the Renderer interface.
package screenshot

import (
	"context"
	"log/slog"

	"github.com/lucified/minard-backend-sub001/internal/domain"
	"github.com/lucified/minard-backend-sub001/internal/eventbus"
)

// Renderer captures a screenshot of a served deployment.
type Renderer interface {
	Capture(ctx context.Context, projectID, deploymentID int, url string) error
}

// StatusUpdater is the slice of the deployment state machine this package
// drives.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, deploymentID int, update domain.StatusUpdate) error
}

// Service watches deployment updates and screenshots deployments whose
// extraction just succeeded.
type Service struct {
	statuses StatusUpdater
	renderer Renderer
	bus      eventbus.Bus
	logger   *slog.Logger
}

// New wires the screenshot reactor.
func New(statuses StatusUpdater, renderer Renderer, bus eventbus.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{statuses: statuses, renderer: renderer, bus: bus, logger: logger}
}

// Run consumes deployment updates until the context is cancelled. Renderer
// failures are recorded as a failed screenshot sub-status, never propagated:
// the deployment is already served at this point.
func (s *Service) Run(ctx context.Context) {
	sub := s.bus.Subscribe(eventbus.TypeDeploymentUpdated)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			payload, ok := event.Payload.(eventbus.DeploymentUpdatedPayload)
			if !ok {
				continue
			}
			if payload.Update.ExtractionStatus == nil || *payload.Update.ExtractionStatus != domain.StatusSuccess {
				continue
			}
			s.capture(ctx, payload.Deployment)
		}
	}
}

func (s *Service) capture(ctx context.Context, deployment domain.Deployment) {
	if err := s.statuses.UpdateStatus(ctx, deployment.ID, domain.StatusUpdate{
		ScreenshotStatus: domain.StatusPtr(domain.StatusRunning),
	}); err != nil {
		s.logger.Error("marking screenshot running failed", "deployment_id", deployment.ID, "error", err)
		return
	}

	outcome := domain.StatusSuccess
	if err := s.renderer.Capture(ctx, deployment.ProjectID, deployment.ID, deployment.URL); err != nil {
		outcome = domain.StatusFailed
		s.logger.Warn("screenshot capture failed", "deployment_id", deployment.ID, "error", err)
	}

	if err := s.statuses.UpdateStatus(ctx, deployment.ID, domain.StatusUpdate{
		ScreenshotStatus: domain.StatusPtr(outcome),
	}); err != nil {
		s.logger.Error("recording screenshot outcome failed",
			"deployment_id", deployment.ID,
			"status", string(outcome),
			"error", err,
		)
	}
}
