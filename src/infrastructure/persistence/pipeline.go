package persistence

import (
	"context"
	"encoding/json"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"

	"github.com/someengineering/conveyor/src/config"
	"github.com/someengineering/conveyor/src/domain"
	"github.com/someengineering/conveyor/src/domain/repository"
)

type pipelineRepository struct {
	DB config.PgxIface
}

func NewPipelineRepository(db config.PgxIface) repository.PipelineRepository {
	return &pipelineRepository{db}
}

func (a pipelineRepository) WithQuerier(querier config.PgxIface) repository.PipelineRepository {
	return &pipelineRepository{querier}
}

func (a pipelineRepository) GetById(id uuid.UUID) (pipeline domain.Pipeline, err error) {
	return pipeline, pgxscan.Get(
		context.Background(), a.DB, &pipeline,
		`SELECT * FROM pipeline WHERE id = $1`,
		id,
	)
}

func (a pipelineRepository) GetByName(name string) (pipeline domain.Pipeline, err error) {
	return pipeline, pgxscan.Get(
		context.Background(), a.DB, &pipeline,
		`SELECT * FROM pipeline WHERE name = $1`,
		name,
	)
}

func (a pipelineRepository) GetAll() (pipelines []domain.Pipeline, err error) {
	return pipelines, pgxscan.Select(
		context.Background(), a.DB, &pipelines,
		`SELECT * FROM pipeline ORDER BY name`,
	)
}

func (a pipelineRepository) Save(pipeline *domain.Pipeline) error {
	definition, err := json.Marshal(pipeline.Definition)
	if err != nil {
		return err
	}

	return a.DB.QueryRow(
		context.Background(),
		`INSERT INTO pipeline (name, source, path, definition) VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		pipeline.Name, pipeline.Source, pipeline.Path, definition,
	).Scan(&pipeline.ID, &pipeline.CreatedAt)
}

func (a pipelineRepository) Update(pipeline *domain.Pipeline) (err error) {
	definition, err := json.Marshal(pipeline.Definition)
	if err != nil {
		return err
	}

	_, err = a.DB.Exec(
		context.Background(),
		`UPDATE pipeline SET source = $2, path = $3, definition = $4 WHERE id = $1`,
		pipeline.ID, pipeline.Source, pipeline.Path, definition,
	)
	return
}
