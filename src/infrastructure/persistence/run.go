package persistence

import (
	"context"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"

	"github.com/someengineering/conveyor/src/config"
	"github.com/someengineering/conveyor/src/domain"
	"github.com/someengineering/conveyor/src/domain/repository"
)

type runRepository struct {
	DB config.PgxIface
}

func NewRunRepository(db config.PgxIface) repository.RunRepository {
	return &runRepository{db}
}

func (a runRepository) WithQuerier(querier config.PgxIface) repository.RunRepository {
	return &runRepository{querier}
}

func (a runRepository) GetById(id uuid.UUID) (run domain.Run, err error) {
	return run, pgxscan.Get(
		context.Background(), a.DB, &run,
		`SELECT * FROM run WHERE id = $1`,
		id,
	)
}

func (a runRepository) GetByPipelineId(id uuid.UUID, page *repository.Page) ([]*domain.Run, error) {
	runs := make([]*domain.Run, 0, page.Limit)
	return runs, fetchPage(
		a.DB, page, &runs,
		`*`,
		`run WHERE pipeline_id = $1`,
		`created_at DESC`,
		id,
	)
}

func (a runRepository) GetLatestByPipelineId(id uuid.UUID) (run domain.Run, err error) {
	return run, pgxscan.Get(
		context.Background(), a.DB, &run,
		`SELECT * FROM run WHERE pipeline_id = $1 ORDER BY created_at DESC LIMIT 1`,
		id,
	)
}

func (a runRepository) GetAll(page *repository.Page) ([]*domain.Run, error) {
	runs := make([]*domain.Run, 0, page.Limit)
	return runs, fetchPage(
		a.DB, page, &runs,
		`*`, `run`, `created_at DESC`,
	)
}

// GetNextQueued claims the oldest queued run for the calling
// transaction. Concurrent runners skip each other's claims.
func (a runRepository) GetNextQueued() (*domain.Run, error) {
	run := domain.Run{}
	err := pgxscan.Get(
		context.Background(), a.DB, &run,
		`SELECT * FROM run WHERE status = 'queued' ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED`,
	)
	if pgxscan.NotFound(err) {
		return nil, nil
	}
	return &run, err
}

func (a runRepository) Save(run *domain.Run) error {
	status, err := run.Status.String()
	if err != nil {
		return err
	}

	return a.DB.QueryRow(
		context.Background(),
		`INSERT INTO run (pipeline_id, delivery_id, status) VALUES ($1, $2, $3) RETURNING id, created_at`,
		run.PipelineId, run.DeliveryId, status,
	).Scan(&run.ID, &run.CreatedAt)
}

func (a runRepository) Update(run *domain.Run) error {
	status, err := run.Status.String()
	if err != nil {
		return err
	}

	_, err = a.DB.Exec(
		context.Background(),
		`UPDATE run SET status = $2, started_at = $3, finished_at = $4 WHERE id = $1`,
		run.ID, status, run.StartedAt, run.FinishedAt,
	)
	return err
}
