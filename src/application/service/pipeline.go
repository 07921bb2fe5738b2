package service

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/someengineering/conveyor/src/config"
	"github.com/someengineering/conveyor/src/domain"
	"github.com/someengineering/conveyor/src/domain/repository"
	"github.com/someengineering/conveyor/src/infrastructure/persistence"
)

type PipelineService interface {
	WithQuerier(config.PgxIface) PipelineService

	GetById(uuid.UUID) (domain.Pipeline, error)
	GetByName(string) (domain.Pipeline, error)
	GetAll() ([]domain.Pipeline, error)
	Save(*domain.Pipeline) error
	Update(*domain.Pipeline) error
}

type pipelineService struct {
	logger             zerolog.Logger
	pipelineRepository repository.PipelineRepository
}

func NewPipelineService(db config.PgxIface, logger *zerolog.Logger) PipelineService {
	return &pipelineService{
		logger:             logger.With().Str("component", "PipelineService").Logger(),
		pipelineRepository: persistence.NewPipelineRepository(db),
	}
}

func (self *pipelineService) WithQuerier(querier config.PgxIface) PipelineService {
	return &pipelineService{
		self.logger,
		self.pipelineRepository.WithQuerier(querier),
	}
}

func (self pipelineService) GetById(id uuid.UUID) (pipeline domain.Pipeline, err error) {
	self.logger.Trace().Str("id", id.String()).Msg("Getting Pipeline by ID")
	pipeline, err = self.pipelineRepository.GetById(id)
	err = errors.WithMessagef(err, "Could not select existing Pipeline by ID %q", id)
	return
}

func (self pipelineService) GetByName(name string) (pipeline domain.Pipeline, err error) {
	self.logger.Trace().Str("name", name).Msg("Getting Pipeline by name")
	pipeline, err = self.pipelineRepository.GetByName(name)
	err = errors.WithMessagef(err, "Could not select existing Pipeline by name %q", name)
	return
}

func (self pipelineService) GetAll() (pipelines []domain.Pipeline, err error) {
	self.logger.Trace().Msg("Getting all Pipelines")
	pipelines, err = self.pipelineRepository.GetAll()
	err = errors.WithMessage(err, "Could not select existing Pipelines")
	return
}

func (self pipelineService) Save(pipeline *domain.Pipeline) (err error) {
	logger := self.logger.With().Str("name", pipeline.Name).Logger()
	logger.Trace().Msg("Saving new Pipeline")
	if err = self.pipelineRepository.Save(pipeline); err != nil {
		err = errors.WithMessagef(err, "Could not insert Pipeline %q", pipeline.Name)
		return
	}
	logger.Debug().Str("id", pipeline.ID.String()).Msg("Created Pipeline")
	return
}

func (self pipelineService) Update(pipeline *domain.Pipeline) (err error) {
	logger := self.logger.With().Str("id", pipeline.ID.String()).Logger()
	logger.Trace().Msg("Updating Pipeline")
	if err = self.pipelineRepository.Update(pipeline); err != nil {
		err = errors.WithMessagef(err, "Could not update Pipeline with ID %q", pipeline.ID)
		return
	}
	logger.Debug().Msg("Updated Pipeline")
	return
}
