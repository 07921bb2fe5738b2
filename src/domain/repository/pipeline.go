package repository

import (
	"github.com/google/uuid"

	"github.com/someengineering/conveyor/src/config"
	"github.com/someengineering/conveyor/src/domain"
)

type PipelineRepository interface {
	WithQuerier(config.PgxIface) PipelineRepository

	GetById(uuid.UUID) (domain.Pipeline, error)
	GetByName(string) (domain.Pipeline, error)
	GetAll() ([]domain.Pipeline, error)
	Save(*domain.Pipeline) error
	Update(*domain.Pipeline) error
}
