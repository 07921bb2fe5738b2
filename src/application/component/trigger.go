package component

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/someengineering/conveyor/src/application/service"
	"github.com/someengineering/conveyor/src/config"
	"github.com/someengineering/conveyor/src/domain"
)

// TriggerConsumer claims unhandled webhook deliveries and evaluates
// them against every registered pipeline's trigger rules. Each match
// creates one queued run.
type TriggerConsumer struct {
	Logger          zerolog.Logger
	PipelineService service.PipelineService
	DeliveryService service.DeliveryService
	RunService      service.RunService
	Db              config.PgxIface
}

func (self *TriggerConsumer) WithQuerier(querier config.PgxIface) *TriggerConsumer {
	return &TriggerConsumer{
		Logger:          self.Logger,
		PipelineService: self.PipelineService.WithQuerier(querier),
		DeliveryService: self.DeliveryService.WithQuerier(querier),
		RunService:      self.RunService.WithQuerier(querier),
		Db:              querier,
	}
}

const deliveryBatchSize = 10

func (self *TriggerConsumer) Start(ctx context.Context) error {
	self.Logger.Info().Msg("Starting")

	pollInterval, err := config.GetenvDur("CONVEYOR_TRIGGER_POLL_INTERVAL", 3*time.Second)
	if err != nil {
		return errors.WithMessage(err, "Could not parse trigger poll interval")
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := pgx.BeginFunc(ctx, self.Db, func(tx pgx.Tx) error {
			return self.WithQuerier(tx).processDeliveries()
		}); err != nil {
			return errors.WithMessage(err, "Error processing deliveries")
		}
	}
}

func (self *TriggerConsumer) processDeliveries() error {
	deliveries, err := self.DeliveryService.GetUnhandled(deliveryBatchSize)
	if err != nil {
		return err
	}

	if len(deliveries) == 0 {
		return nil
	}

	pipelines, err := self.PipelineService.GetAll()
	if err != nil {
		return err
	}

	for i := range deliveries {
		if err := self.processDelivery(&deliveries[i], pipelines); err != nil {
			return errors.WithMessagef(err, "Error processing Delivery %q", deliveries[i].ID)
		}
	}

	return nil
}

func (self *TriggerConsumer) processDelivery(delivery *domain.Delivery, pipelines []domain.Pipeline) error {
	logger := self.Logger.With().
		Str("delivery", delivery.ID.String()).
		Str("ref", delivery.Ref).
		Logger()

	for _, pipeline := range pipelines {
		if !pipeline.Definition.Matches(*delivery) {
			logger.Trace().Str("pipeline", pipeline.Name).Msg("Delivery does not trigger Pipeline")
			continue
		}

		run := domain.Run{
			PipelineId: pipeline.ID,
			DeliveryId: delivery.ID,
			Status:     domain.RunStatusQueued,
		}
		if err := self.RunService.Save(&run); err != nil {
			return err
		}

		logger.Info().
			Str("pipeline", pipeline.Name).
			Str("run", run.ID.String()).
			Msg("Delivery triggered Pipeline")
	}

	return self.DeliveryService.MarkHandled(delivery)
}
