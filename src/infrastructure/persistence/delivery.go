package persistence

import (
	"context"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"

	"github.com/someengineering/conveyor/src/config"
	"github.com/someengineering/conveyor/src/domain"
	"github.com/someengineering/conveyor/src/domain/repository"
)

type deliveryRepository struct {
	DB config.PgxIface
}

func NewDeliveryRepository(db config.PgxIface) repository.DeliveryRepository {
	return &deliveryRepository{db}
}

func (a deliveryRepository) WithQuerier(querier config.PgxIface) repository.DeliveryRepository {
	return &deliveryRepository{querier}
}

func (a deliveryRepository) GetById(id uuid.UUID) (delivery domain.Delivery, err error) {
	return delivery, pgxscan.Get(
		context.Background(), a.DB, &delivery,
		`SELECT * FROM delivery WHERE id = $1`,
		id,
	)
}

func (a deliveryRepository) GetByForgeId(forgeId string) (*domain.Delivery, error) {
	delivery := domain.Delivery{}
	err := pgxscan.Get(
		context.Background(), a.DB, &delivery,
		`SELECT * FROM delivery WHERE forge_id = $1`,
		forgeId,
	)
	if pgxscan.NotFound(err) {
		return nil, nil
	}
	return &delivery, err
}

// GetUnhandled claims up to limit unhandled deliveries for the calling
// transaction. Concurrent consumers skip each other's claims.
func (a deliveryRepository) GetUnhandled(limit int) (deliveries []domain.Delivery, err error) {
	return deliveries, pgxscan.Select(
		context.Background(), a.DB, &deliveries,
		`SELECT * FROM delivery WHERE handled_at IS NULL ORDER BY received_at LIMIT $1 FOR UPDATE SKIP LOCKED`,
		limit,
	)
}

func (a deliveryRepository) Save(delivery *domain.Delivery) error {
	event, err := delivery.Event.String()
	if err != nil {
		return err
	}
	refType, err := delivery.RefType.String()
	if err != nil {
		return err
	}

	return a.DB.QueryRow(
		context.Background(),
		`INSERT INTO delivery (forge_id, event, ref, ref_type, commit, paths) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, received_at`,
		delivery.ForgeID, event, delivery.Ref, refType, delivery.Commit, delivery.Paths,
	).Scan(&delivery.ID, &delivery.ReceivedAt)
}

func (a deliveryRepository) MarkHandled(delivery *domain.Delivery) error {
	return a.DB.QueryRow(
		context.Background(),
		`UPDATE delivery SET handled_at = now() WHERE id = $1 RETURNING handled_at`,
		delivery.ID,
	).Scan(&delivery.HandledAt)
}
