package deployment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lucified/minard-backend-sub001/internal/domain"
	"github.com/lucified/minard-backend-sub001/internal/eventbus"
)

// ExtractionQueue is the slice of the extraction work queue the reactor
// needs. The returned channel reports job completion; the reactor only logs
// it, terminal state travels through the state machine.
type ExtractionQueue interface {
	Enqueue(projectID, deploymentID int) <-chan error
}

// Reactor drives the state machine from bus signals: build lifecycle events
// mutate deployments, and build success routes into the extraction queue.
// Per-event errors are logged and swallowed so one bad event cannot stall
// delivery of the rest.
type Reactor struct {
	svc    *Service
	bus    eventbus.Bus
	queue  ExtractionQueue
	logger *slog.Logger
}

// NewReactor wires the reactor to the bus and queue.
func NewReactor(svc *Service, bus eventbus.Bus, queue ExtractionQueue, logger *slog.Logger) *Reactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reactor{svc: svc, bus: bus, queue: queue, logger: logger}
}

// Run consumes bus events until the context is cancelled.
func (r *Reactor) Run(ctx context.Context) {
	sub := r.bus.Subscribe(
		eventbus.TypeBuildCreated,
		eventbus.TypeBuildStatusChanged,
		eventbus.TypeExtractionRequested,
		eventbus.TypeDeploymentUpdated,
	)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			r.handle(ctx, event)
		}
	}
}

func (r *Reactor) handle(ctx context.Context, event eventbus.Event) {
	switch event.Type {
	case eventbus.TypeBuildCreated:
		payload, ok := event.Payload.(eventbus.BuildCreatedPayload)
		if !ok {
			r.logger.Error("build-created event with unexpected payload", "payload_type", typeName(event.Payload))
			return
		}
		if err := r.svc.CreateFromBuild(ctx, payload); err != nil {
			r.logger.Error("handling build created failed", "build_id", payload.ID, "error", err)
		}

	case eventbus.TypeBuildStatusChanged:
		payload, ok := event.Payload.(eventbus.BuildStatusChangedPayload)
		if !ok {
			r.logger.Error("build-status event with unexpected payload", "payload_type", typeName(event.Payload))
			return
		}
		err := r.svc.UpdateStatus(ctx, payload.DeploymentID, domain.StatusUpdate{
			BuildStatus: domain.StatusPtr(payload.Status),
		})
		if err != nil {
			r.logger.Error("handling build status change failed", "deployment_id", payload.DeploymentID, "error", err)
		}

	case eventbus.TypeExtractionRequested:
		payload, ok := event.Payload.(eventbus.ExtractionRequestedPayload)
		if !ok {
			r.logger.Error("extraction-requested event with unexpected payload", "payload_type", typeName(event.Payload))
			return
		}
		r.enqueueExtraction(payload.ProjectID, payload.DeploymentID)

	case eventbus.TypeDeploymentUpdated:
		payload, ok := event.Payload.(eventbus.DeploymentUpdatedPayload)
		if !ok {
			r.logger.Error("deployment-updated event with unexpected payload", "payload_type", typeName(event.Payload))
			return
		}
		// A build that just succeeded is ready for extraction.
		if payload.Update.BuildStatus != nil && *payload.Update.BuildStatus == domain.StatusSuccess {
			r.enqueueExtraction(payload.Deployment.ProjectID, payload.Deployment.ID)
		}
	}
}

func (r *Reactor) enqueueExtraction(projectID, deploymentID int) {
	done := r.queue.Enqueue(projectID, deploymentID)
	go func() {
		if err := <-done; err != nil {
			r.logger.Warn("extraction job finished with error", "deployment_id", deploymentID, "error", err)
		}
	}()
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v)
}
