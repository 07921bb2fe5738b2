package component

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/someengineering/conveyor/src/application/service"
	"github.com/someengineering/conveyor/src/config"
	"github.com/someengineering/conveyor/src/domain"
	"github.com/someengineering/conveyor/src/domain/repository"
)

type DeliveryServiceMocked struct {
	mock.Mock
}

func (d *DeliveryServiceMocked) WithQuerier(config.PgxIface) service.DeliveryService {
	return d
}

func (d *DeliveryServiceMocked) GetById(uuid.UUID) (domain.Delivery, error) {
	panic("implement me")
}

func (d *DeliveryServiceMocked) GetUnhandled(int) ([]domain.Delivery, error) {
	panic("implement me")
}

func (d *DeliveryServiceMocked) Save(*domain.Delivery) (bool, error) {
	panic("implement me")
}

func (d *DeliveryServiceMocked) MarkHandled(delivery *domain.Delivery) error {
	args := d.Called(delivery)
	return args.Error(0)
}

type RunServiceMocked struct {
	mock.Mock
}

func (r *RunServiceMocked) WithQuerier(config.PgxIface) service.RunService {
	return r
}

func (r *RunServiceMocked) GetById(id uuid.UUID) (domain.Run, error) {
	args := r.Called(id)
	return args.Get(0).(domain.Run), args.Error(1)
}

func (r *RunServiceMocked) GetByPipelineId(uuid.UUID, *repository.Page) ([]*domain.Run, error) {
	panic("implement me")
}

func (r *RunServiceMocked) GetLatestByPipelineId(uuid.UUID) (domain.Run, error) {
	panic("implement me")
}

func (r *RunServiceMocked) GetAll(*repository.Page) ([]*domain.Run, error) {
	panic("implement me")
}

func (r *RunServiceMocked) GetNextQueued() (*domain.Run, error) {
	panic("implement me")
}

func (r *RunServiceMocked) Save(run *domain.Run) error {
	args := r.Called(run)
	return args.Error(0)
}

func (r *RunServiceMocked) Start(*domain.Run) error {
	panic("implement me")
}

func (r *RunServiceMocked) End(*domain.Run, domain.RunStatus) error {
	panic("implement me")
}

func (r *RunServiceMocked) Cancel(*domain.Run) error {
	panic("implement me")
}

func (r *RunServiceMocked) GetSteps(uuid.UUID) ([]domain.StepRun, error) {
	panic("implement me")
}

func (r *RunServiceMocked) SaveStep(step *domain.StepRun) error {
	args := r.Called(step)
	return args.Error(0)
}

func (r *RunServiceMocked) UpdateStep(step *domain.StepRun) error {
	args := r.Called(step)
	return args.Error(0)
}

func (r *RunServiceMocked) GetArtifacts(uuid.UUID) ([]domain.Artifact, error) {
	panic("implement me")
}

func (r *RunServiceMocked) SaveArtifact(*domain.Artifact) error {
	panic("implement me")
}

func (r *RunServiceMocked) RunLog(uuid.UUID, time.Time, *time.Time) (service.RunLog, error) {
	panic("implement me")
}

func TestProcessDelivery(t *testing.T) {
	t.Parallel()

	delivery := domain.Delivery{
		ID:      uuid.New(),
		Event:   domain.EventTypePush,
		Ref:     "refs/tags/2.0.1",
		RefType: domain.RefTypeTag,
		Commit:  "deadbeef",
	}

	matching := domain.Pipeline{
		ID:   uuid.New(),
		Name: "resotoclient",
		Definition: domain.Definition{
			On: domain.TriggerDefinition{Tags: []string{"*.*.*"}},
		},
	}
	other := domain.Pipeline{
		ID:   uuid.New(),
		Name: "docs",
		Definition: domain.Definition{
			On: domain.TriggerDefinition{
				Push: &domain.PushTrigger{Branches: []string{"main"}},
			},
		},
	}

	deliveryService := &DeliveryServiceMocked{}
	deliveryService.On("MarkHandled", &delivery).Return(nil)

	runService := &RunServiceMocked{}
	runService.On("Save", mock.AnythingOfType("*domain.Run")).Return(nil)

	consumer := TriggerConsumer{
		Logger:          zerolog.Nop(),
		DeliveryService: deliveryService,
		RunService:      runService,
	}

	err := consumer.processDelivery(&delivery, []domain.Pipeline{matching, other})

	assert.Nil(t, err)
	deliveryService.AssertExpectations(t)
	runService.AssertNumberOfCalls(t, "Save", 1)

	run := runService.Calls[0].Arguments.Get(0).(*domain.Run)
	assert.Equal(t, matching.ID, run.PipelineId)
	assert.Equal(t, delivery.ID, run.DeliveryId)
	assert.Equal(t, domain.RunStatusQueued, run.Status)
}

func TestProcessDeliveryNoMatch(t *testing.T) {
	t.Parallel()

	delivery := domain.Delivery{
		ID:      uuid.New(),
		Event:   domain.EventTypePush,
		Ref:     "refs/heads/feature",
		RefType: domain.RefTypeBranch,
	}

	pipeline := domain.Pipeline{
		ID:   uuid.New(),
		Name: "resotoclient",
		Definition: domain.Definition{
			On: domain.TriggerDefinition{
				Push: &domain.PushTrigger{Branches: []string{"main"}},
			},
		},
	}

	deliveryService := &DeliveryServiceMocked{}
	deliveryService.On("MarkHandled", &delivery).Return(nil)

	runService := &RunServiceMocked{}

	consumer := TriggerConsumer{
		Logger:          zerolog.Nop(),
		DeliveryService: deliveryService,
		RunService:      runService,
	}

	// Deliveries that trigger nothing are still marked handled.
	err := consumer.processDelivery(&delivery, []domain.Pipeline{pipeline})

	assert.Nil(t, err)
	deliveryService.AssertExpectations(t)
	runService.AssertNumberOfCalls(t, "Save", 0)
}
