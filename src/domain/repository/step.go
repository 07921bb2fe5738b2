package repository

import (
	"github.com/google/uuid"

	"github.com/someengineering/conveyor/src/config"
	"github.com/someengineering/conveyor/src/domain"
)

type StepRepository interface {
	WithQuerier(config.PgxIface) StepRepository

	GetByRunId(uuid.UUID) ([]domain.StepRun, error)
	Save(*domain.StepRun) error
	Update(*domain.StepRun) error
}

type ArtifactRepository interface {
	WithQuerier(config.PgxIface) ArtifactRepository

	GetByRunId(uuid.UUID) ([]domain.Artifact, error)
	Save(*domain.Artifact) error
}
