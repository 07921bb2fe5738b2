package service

import (
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
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
	metricDeliveriesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_deliveries_received_total",
		Help: "Number of webhook deliveries accepted.",
	})
	metricDeliveriesDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "conveyor_deliveries_duplicate_total",
		Help: "Number of webhook deliveries dropped as replays of a known forge delivery id.",
	})
)

type DeliveryService interface {
	WithQuerier(config.PgxIface) DeliveryService

	GetById(uuid.UUID) (domain.Delivery, error)
	GetUnhandled(int) ([]domain.Delivery, error)

	// Save persists the delivery unless its forge id is already known.
	// It reports whether the delivery was new.
	Save(*domain.Delivery) (bool, error)
	MarkHandled(*domain.Delivery) error
}

type deliveryService struct {
	logger             zerolog.Logger
	deliveryRepository repository.DeliveryRepository
}

func NewDeliveryService(db config.PgxIface, logger *zerolog.Logger) DeliveryService {
	return &deliveryService{
		logger:             logger.With().Str("component", "DeliveryService").Logger(),
		deliveryRepository: persistence.NewDeliveryRepository(db),
	}
}

func (self *deliveryService) WithQuerier(querier config.PgxIface) DeliveryService {
	return &deliveryService{
		self.logger,
		self.deliveryRepository.WithQuerier(querier),
	}
}

func (self deliveryService) GetById(id uuid.UUID) (delivery domain.Delivery, err error) {
	self.logger.Trace().Str("id", id.String()).Msg("Getting Delivery by ID")
	delivery, err = self.deliveryRepository.GetById(id)
	err = errors.WithMessagef(err, "Could not select existing Delivery by ID %q", id)
	return
}

func (self deliveryService) GetUnhandled(limit int) (deliveries []domain.Delivery, err error) {
	self.logger.Trace().Int("limit", limit).Msg("Getting unhandled Deliveries")
	deliveries, err = self.deliveryRepository.GetUnhandled(limit)
	err = errors.WithMessage(err, "Could not select unhandled Deliveries")
	return
}

func (self deliveryService) Save(delivery *domain.Delivery) (bool, error) {
	logger := self.logger.With().Str("forge-id", delivery.ForgeID).Logger()
	logger.Trace().Msg("Saving new Delivery")

	if known, err := self.deliveryRepository.GetByForgeId(delivery.ForgeID); err != nil {
		return false, errors.WithMessagef(err, "Could not select existing Delivery by forge id %q", delivery.ForgeID)
	} else if known != nil {
		logger.Debug().Str("id", known.ID.String()).Msg("Dropping replayed Delivery")
		metricDeliveriesDuplicate.Inc()
		*delivery = *known
		return false, nil
	}

	if err := self.deliveryRepository.Save(delivery); err != nil {
		// A concurrent insert of the same forge id can win between the
		// select above and here. The unique index makes that a replay.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "delivery_forge_id_key" {
			known, selectErr := self.deliveryRepository.GetByForgeId(delivery.ForgeID)
			if selectErr != nil {
				return false, errors.WithMessagef(selectErr, "Could not select existing Delivery by forge id %q", delivery.ForgeID)
			}
			if known != nil {
				logger.Debug().Str("id", known.ID.String()).Msg("Dropping replayed Delivery")
				metricDeliveriesDuplicate.Inc()
				*delivery = *known
				return false, nil
			}
		}
		return false, errors.WithMessagef(err, "Could not insert Delivery with forge id %q", delivery.ForgeID)
	}

	metricDeliveriesReceived.Inc()
	logger.Debug().Str("id", delivery.ID.String()).Msg("Created Delivery")
	return true, nil
}

func (self deliveryService) MarkHandled(delivery *domain.Delivery) (err error) {
	logger := self.logger.With().Str("id", delivery.ID.String()).Logger()
	logger.Trace().Msg("Marking Delivery handled")
	err = self.deliveryRepository.MarkHandled(delivery)
	err = errors.WithMessagef(err, "Could not mark Delivery %q handled", delivery.ID)
	return
}
