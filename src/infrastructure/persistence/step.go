package persistence

import (
	"context"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"

	"github.com/someengineering/conveyor/src/config"
	"github.com/someengineering/conveyor/src/domain"
	"github.com/someengineering/conveyor/src/domain/repository"
)

type stepRepository struct {
	DB config.PgxIface
}

func NewStepRepository(db config.PgxIface) repository.StepRepository {
	return &stepRepository{db}
}

func (a stepRepository) WithQuerier(querier config.PgxIface) repository.StepRepository {
	return &stepRepository{querier}
}

func (a stepRepository) GetByRunId(runId uuid.UUID) (steps []domain.StepRun, err error) {
	return steps, pgxscan.Select(
		context.Background(), a.DB, &steps,
		`SELECT * FROM step_run WHERE run_id = $1 ORDER BY idx`,
		runId,
	)
}

func (a stepRepository) Save(step *domain.StepRun) error {
	status, err := step.Status.String()
	if err != nil {
		return err
	}

	_, err = a.DB.Exec(
		context.Background(),
		`INSERT INTO step_run (run_id, idx, name, status) VALUES ($1, $2, $3, $4)`,
		step.RunId, step.Idx, step.Name, status,
	)
	return err
}

func (a stepRepository) Update(step *domain.StepRun) error {
	status, err := step.Status.String()
	if err != nil {
		return err
	}

	_, err = a.DB.Exec(
		context.Background(),
		`UPDATE step_run SET status = $3, exit_code = $4, started_at = $5, finished_at = $6 WHERE run_id = $1 AND idx = $2`,
		step.RunId, step.Idx, status, step.ExitCode, step.StartedAt, step.FinishedAt,
	)
	return err
}

type artifactRepository struct {
	DB config.PgxIface
}

func NewArtifactRepository(db config.PgxIface) repository.ArtifactRepository {
	return &artifactRepository{db}
}

func (a artifactRepository) WithQuerier(querier config.PgxIface) repository.ArtifactRepository {
	return &artifactRepository{querier}
}

func (a artifactRepository) GetByRunId(runId uuid.UUID) (artifacts []domain.Artifact, err error) {
	return artifacts, pgxscan.Select(
		context.Background(), a.DB, &artifacts,
		`SELECT * FROM artifact WHERE run_id = $1 ORDER BY step_idx, path`,
		runId,
	)
}

func (a artifactRepository) Save(artifact *domain.Artifact) error {
	_, err := a.DB.Exec(
		context.Background(),
		`INSERT INTO artifact (run_id, step_idx, path, size, hash) VALUES ($1, $2, $3, $4, $5)`,
		artifact.RunId, artifact.StepIdx, artifact.Path, artifact.Size, artifact.Hash,
	)
	return err
}
