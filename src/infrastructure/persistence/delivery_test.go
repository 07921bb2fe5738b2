package persistence

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/someengineering/conveyor/src/domain"
)

func TestShouldSaveDelivery(t *testing.T) {
	t.Parallel()

	delivery := domain.Delivery{
		ForgeID: "00000000-cafe-cafe-cafe-000000000000",
		Event:   domain.EventTypePush,
		Ref:     "refs/tags/2.0.1",
		RefType: domain.RefTypeTag,
		Commit:  "deadbeef",
		Paths:   []string{"resotoclient/__init__.py"},
	}

	id := uuid.New()
	now := time.Now().UTC()

	// given
	mock := buildMock(t)
	mock.ExpectQuery("INSERT INTO delivery").
		WithArgs(delivery.ForgeID, "push", delivery.Ref, "tag", delivery.Commit, delivery.Paths).
		WillReturnRows(mock.NewRows([]string{"id", "received_at"}).AddRow(id, now))
	repository := NewDeliveryRepository(mock)

	// when
	err := repository.Save(&delivery)

	// then
	assert.Nil(t, err)
	assert.Equal(t, id, delivery.ID)
	assert.Equal(t, now, delivery.ReceivedAt)
}

func TestShouldGetNoDeliveryByUnknownForgeId(t *testing.T) {
	t.Parallel()

	// given
	mock := buildMock(t)
	rows := mock.NewRows([]string{"id", "forge_id", "event", "ref", "ref_type", "commit", "paths", "received_at", "handled_at"})
	mock.ExpectQuery("SELECT(.*)FROM delivery").WithArgs("unknown").WillReturnRows(rows)
	repository := NewDeliveryRepository(mock)

	// when
	delivery, err := repository.GetByForgeId("unknown")

	// then
	assert.Nil(t, err)
	assert.Nil(t, delivery)
}

func TestShouldMarkDeliveryHandled(t *testing.T) {
	t.Parallel()

	delivery := domain.Delivery{ID: uuid.New()}
	now := time.Now().UTC()

	// given
	mock := buildMock(t)
	mock.ExpectQuery("UPDATE delivery").
		WithArgs(delivery.ID).
		WillReturnRows(mock.NewRows([]string{"handled_at"}).AddRow(&now))
	repository := NewDeliveryRepository(mock)

	// when
	err := repository.MarkHandled(&delivery)

	// then
	assert.Nil(t, err)
	assert.Equal(t, &now, delivery.HandledAt)
}
