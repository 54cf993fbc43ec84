package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lucified/minard-backend-sub001/internal/domain"
	"github.com/lucified/minard-backend-sub001/internal/repository"
)

// Repository implements repository interfaces against PostgreSQL.
type Repository struct {
	pool         *pgxpool.Pool
	domainSuffix string
}

// New wires a repository to a pgx pool. domainSuffix feeds the preview URL
// projection on reads.
func New(pool *pgxpool.Pool, domainSuffix string) *Repository {
	return &Repository{pool: pool, domainSuffix: domainSuffix}
}

const deploymentColumns = `id, project_id, team_id, ref, commit_hash, commit_data,
	build_status, extraction_status, screenshot_status, status, created_at, finished_at`

// CreateDeployment inserts a new deployment row.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	commitData, err := marshalCommit(d.Commit)
	if err != nil {
		return err
	}
	const query = `INSERT INTO deployments
		(id, project_id, team_id, ref, commit_hash, commit_data,
		 build_status, extraction_status, screenshot_status, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = r.pool.Exec(ctx, query,
		d.ID, d.ProjectID, d.TeamID, d.Ref, d.CommitHash, commitData,
		d.BuildStatus, d.ExtractionStatus, d.ScreenshotStatus, d.Status, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting deployment %d: %w", d.ID, err)
	}
	return nil
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID int) (*domain.Deployment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, deploymentID)
	d, err := r.scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("querying deployment %d: %w", deploymentID, err)
	}
	return d, nil
}

// UpdateDeploymentStatus applies a pre-diffed partial status update. Fields
// that are nil keep their stored value.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, deploymentID int, update domain.StatusUpdate, finishedAt *time.Time) error {
	const query = `UPDATE deployments
		SET status = COALESCE($2, status),
			build_status = COALESCE($3, build_status),
			extraction_status = COALESCE($4, extraction_status),
			screenshot_status = COALESCE($5, screenshot_status),
			finished_at = COALESCE($6, finished_at)
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		deploymentID,
		update.Status,
		update.BuildStatus,
		update.ExtractionStatus,
		update.ScreenshotStatus,
		finishedAt,
	)
	if err != nil {
		return fmt.Errorf("updating deployment %d status: %w", deploymentID, err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListDeploymentsByTeam fetches recent deployments for a team.
func (r *Repository) ListDeploymentsByTeam(ctx context.Context, teamID, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE team_id = $1 ORDER BY created_at DESC LIMIT $2`,
		teamID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing deployments for team %d: %w", teamID, err)
	}
	return r.collectDeployments(rows)
}

// ListDeploymentsByProject fetches recent deployments for a project.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`,
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing deployments for project %d: %w", projectID, err)
	}
	return r.collectDeployments(rows)
}

// GetLatestSuccessfulForBranch implements the documented branch fallback
// heuristic, see repository.DeploymentRepository.
func (r *Repository) GetLatestSuccessfulForBranch(ctx context.Context, projectID int, ref string) (*domain.Deployment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE project_id = $1 AND ref = $2 AND status = $3
		 ORDER BY created_at DESC LIMIT 1`,
		projectID, ref, domain.StatusSuccess,
	)
	d, err := r.scanDeployment(row)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("querying branch deployment: %w", err)
	}

	// No success under the exact ref. Take the branch's latest deployed
	// commit and look for a successful deployment of it under any ref.
	var latestHash string
	err = r.pool.QueryRow(ctx,
		`SELECT commit_hash FROM deployments
		 WHERE project_id = $1 AND ref = $2
		 ORDER BY created_at DESC LIMIT 1`,
		projectID, ref,
	).Scan(&latestHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("querying branch head: %w", err)
	}

	row = r.pool.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE project_id = $1 AND commit_hash = $2 AND status = $3
		 ORDER BY created_at DESC LIMIT 1`,
		projectID, latestHash, domain.StatusSuccess,
	)
	d, err = r.scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("querying fallback deployment: %w", err)
	}
	return d, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanDeployment(row rowScanner) (*domain.Deployment, error) {
	var d domain.Deployment
	var commitData []byte
	if err := row.Scan(
		&d.ID, &d.ProjectID, &d.TeamID, &d.Ref, &d.CommitHash, &commitData,
		&d.BuildStatus, &d.ExtractionStatus, &d.ScreenshotStatus, &d.Status,
		&d.CreatedAt, &d.FinishedAt,
	); err != nil {
		return nil, err
	}
	if len(commitData) > 0 {
		var commit domain.Commit
		if err := json.Unmarshal(commitData, &commit); err != nil {
			return nil, fmt.Errorf("decoding commit for deployment %d: %w", d.ID, err)
		}
		d.Commit = &commit
	}
	d.URL = PreviewURL(d, r.domainSuffix)
	return &d, nil
}

func (r *Repository) collectDeployments(rows pgx.Rows) ([]domain.Deployment, error) {
	defer rows.Close()
	var deployments []domain.Deployment
	for rows.Next() {
		d, err := r.scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning deployment: %w", err)
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

func marshalCommit(commit *domain.Commit) ([]byte, error) {
	if commit == nil {
		return nil, nil
	}
	data, err := json.Marshal(commit)
	if err != nil {
		return nil, fmt.Errorf("encoding commit: %w", err)
	}
	return data, nil
}

// PreviewURL is the denormalized address a deployment is served under once
// extracted. It is derived, never stored.
func PreviewURL(d domain.Deployment, domainSuffix string) string {
	hash := d.CommitHash
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return fmt.Sprintf("https://%d-%s-%d%s", d.ProjectID, hash, d.ID, domainSuffix)
}
