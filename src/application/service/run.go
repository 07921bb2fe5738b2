package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/someengineering/conveyor/src/config"
	"github.com/someengineering/conveyor/src/domain"
	"github.com/someengineering/conveyor/src/domain/repository"
	"github.com/someengineering/conveyor/src/infrastructure/persistence"
)

var (
	metricRunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_runs_started_total",
		Help: "Number of runs that began executing.",
	})
	metricRunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_runs_finished_total",
		Help: "Number of runs that reached a terminal status.",
	}, []string{"status"})
	metricStepsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_steps_executed_total",
		Help: "Number of steps that reached a terminal status.",
	}, []string{"status"})
)

type RunService interface {
	WithQuerier(config.PgxIface) RunService

	GetById(uuid.UUID) (domain.Run, error)
	GetByPipelineId(uuid.UUID, *repository.Page) ([]*domain.Run, error)
	GetLatestByPipelineId(uuid.UUID) (domain.Run, error)
	GetAll(*repository.Page) ([]*domain.Run, error)
	GetNextQueued() (*domain.Run, error)
	Save(*domain.Run) error
	Start(*domain.Run) error
	End(*domain.Run, domain.RunStatus) error
	Cancel(*domain.Run) error

	GetSteps(uuid.UUID) ([]domain.StepRun, error)
	SaveStep(*domain.StepRun) error
	UpdateStep(*domain.StepRun) error

	GetArtifacts(uuid.UUID) ([]domain.Artifact, error)
	SaveArtifact(*domain.Artifact) error

	RunLog(uuid.UUID, time.Time, *time.Time) (RunLog, error)
}

type runService struct {
	logger             zerolog.Logger
	runRepository      repository.RunRepository
	stepRepository     repository.StepRepository
	artifactRepository repository.ArtifactRepository
	logService         LogService
}

func NewRunService(db config.PgxIface, logService LogService, logger *zerolog.Logger) RunService {
	return &runService{
		logger:             logger.With().Str("component", "RunService").Logger(),
		runRepository:      persistence.NewRunRepository(db),
		stepRepository:     persistence.NewStepRepository(db),
		artifactRepository: persistence.NewArtifactRepository(db),
		logService:         logService,
	}
}

func (self *runService) WithQuerier(querier config.PgxIface) RunService {
	return &runService{
		logger:             self.logger,
		runRepository:      self.runRepository.WithQuerier(querier),
		stepRepository:     self.stepRepository.WithQuerier(querier),
		artifactRepository: self.artifactRepository.WithQuerier(querier),
		logService:         self.logService,
	}
}

func (self runService) GetById(id uuid.UUID) (run domain.Run, err error) {
	self.logger.Trace().Str("id", id.String()).Msg("Getting Run by ID")
	run, err = self.runRepository.GetById(id)
	err = errors.WithMessagef(err, "Could not select existing Run by ID %q", id)
	return
}

func (self runService) GetByPipelineId(id uuid.UUID, page *repository.Page) (runs []*domain.Run, err error) {
	self.logger.Trace().Str("pipeline-id", id.String()).Int("offset", page.Offset).Int("limit", page.Limit).Msg("Getting Runs by Pipeline ID")
	runs, err = self.runRepository.GetByPipelineId(id, page)
	err = errors.WithMessagef(err, "Could not select existing Runs by Pipeline ID %q with offset %d and limit %d", id, page.Offset, page.Limit)
	return
}

func (self runService) GetLatestByPipelineId(id uuid.UUID) (run domain.Run, err error) {
	self.logger.Trace().Str("pipeline-id", id.String()).Msg("Getting latest Run by Pipeline ID")
	run, err = self.runRepository.GetLatestByPipelineId(id)
	err = errors.WithMessagef(err, "Could not select latest Run by Pipeline ID %q", id)
	return
}

func (self runService) GetAll(page *repository.Page) (runs []*domain.Run, err error) {
	self.logger.Trace().Int("offset", page.Offset).Int("limit", page.Limit).Msg("Getting all Runs")
	runs, err = self.runRepository.GetAll(page)
	err = errors.WithMessagef(err, "Could not select existing Runs with offset %d and limit %d", page.Offset, page.Limit)
	return
}

func (self runService) GetNextQueued() (run *domain.Run, err error) {
	self.logger.Trace().Msg("Getting next queued Run")
	run, err = self.runRepository.GetNextQueued()
	err = errors.WithMessage(err, "Could not select next queued Run")
	return
}

func (self runService) Save(run *domain.Run) (err error) {
	self.logger.Trace().Str("pipeline-id", run.PipelineId.String()).Msg("Saving new Run")
	if err = self.runRepository.Save(run); err != nil {
		err = errors.WithMessagef(err, "Could not insert Run for Pipeline %q", run.PipelineId)
		return
	}
	self.logger.Debug().Str("id", run.ID.String()).Msg("Created Run")
	return
}

func (self runService) Start(run *domain.Run) error {
	now := time.Now().UTC()
	run.Status = domain.RunStatusRunning
	run.StartedAt = &now

	if err := self.runRepository.Update(run); err != nil {
		return errors.WithMessagef(err, "Could not mark Run %q as running", run.ID)
	}

	metricRunsStarted.Inc()
	self.logger.Debug().Str("id", run.ID.String()).Msg("Started Run")
	return nil
}

func (self runService) End(run *domain.Run, status domain.RunStatus) error {
	if !status.Terminal() {
		return errors.Errorf("Status %d is not terminal", status)
	}

	now := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &now

	if err := self.runRepository.Update(run); err != nil {
		return errors.WithMessagef(err, "Could not end Run %q", run.ID)
	}

	if str, err := status.String(); err == nil {
		metricRunsFinished.WithLabelValues(str).Inc()
		self.logger.Debug().Str("id", run.ID.String()).Str("status", str).Msg("Ended Run")
	}
	return nil
}

func (self runService) Cancel(run *domain.Run) error {
	return self.End(run, domain.RunStatusCanceled)
}

func (self runService) GetSteps(runId uuid.UUID) (steps []domain.StepRun, err error) {
	self.logger.Trace().Str("run-id", runId.String()).Msg("Getting StepRuns by Run ID")
	steps, err = self.stepRepository.GetByRunId(runId)
	err = errors.WithMessagef(err, "Could not select StepRuns by Run ID %q", runId)
	return
}

func (self runService) SaveStep(step *domain.StepRun) (err error) {
	err = self.stepRepository.Save(step)
	err = errors.WithMessagef(err, "Could not insert StepRun %d of Run %q", step.Idx, step.RunId)
	return
}

func (self runService) UpdateStep(step *domain.StepRun) error {
	if err := self.stepRepository.Update(step); err != nil {
		return errors.WithMessagef(err, "Could not update StepRun %d of Run %q", step.Idx, step.RunId)
	}

	if str, err := step.Status.String(); err == nil && step.FinishedAt != nil {
		metricStepsExecuted.WithLabelValues(str).Inc()
	}
	return nil
}

func (self runService) GetArtifacts(runId uuid.UUID) (artifacts []domain.Artifact, err error) {
	self.logger.Trace().Str("run-id", runId.String()).Msg("Getting Artifacts by Run ID")
	artifacts, err = self.artifactRepository.GetByRunId(runId)
	err = errors.WithMessagef(err, "Could not select Artifacts by Run ID %q", runId)
	return
}

func (self runService) SaveArtifact(artifact *domain.Artifact) (err error) {
	err = self.artifactRepository.Save(artifact)
	err = errors.WithMessagef(err, "Could not insert Artifact %q of Run %q", artifact.Path, artifact.RunId)
	return
}

func (self runService) RunLog(id uuid.UUID, start time.Time, end *time.Time) (RunLog, error) {
	return self.logService.QueryRangeLog(
		`{conveyor_run="`+id.String()+`"}`,
		start, end,
		"conveyor_step",
	)
}
