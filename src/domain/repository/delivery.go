package repository

import (
	"github.com/google/uuid"

	"github.com/someengineering/conveyor/src/config"
	"github.com/someengineering/conveyor/src/domain"
)

type DeliveryRepository interface {
	WithQuerier(config.PgxIface) DeliveryRepository

	GetById(uuid.UUID) (domain.Delivery, error)
	GetByForgeId(string) (*domain.Delivery, error)
	GetUnhandled(int) ([]domain.Delivery, error)
	Save(*domain.Delivery) error
	MarkHandled(*domain.Delivery) error
}
