package repository

import (
	"github.com/google/uuid"

	"github.com/someengineering/conveyor/src/config"
	"github.com/someengineering/conveyor/src/domain"
)

type RunRepository interface {
	WithQuerier(config.PgxIface) RunRepository

	GetById(uuid.UUID) (domain.Run, error)
	GetByPipelineId(uuid.UUID, *Page) ([]*domain.Run, error)
	GetLatestByPipelineId(uuid.UUID) (domain.Run, error)
	GetAll(*Page) ([]*domain.Run, error)
	GetNextQueued() (*domain.Run, error)
	Save(*domain.Run) error
	Update(*domain.Run) error
}
