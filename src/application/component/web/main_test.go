package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/steinfletcher/apitest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/someengineering/conveyor/src/application/service"
	"github.com/someengineering/conveyor/src/config"
	"github.com/someengineering/conveyor/src/domain"

	"github.com/google/uuid"
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

func (d *DeliveryServiceMocked) Save(delivery *domain.Delivery) (bool, error) {
	args := d.Called(delivery)
	return args.Bool(0), args.Error(1)
}

func (d *DeliveryServiceMocked) MarkHandled(*domain.Delivery) error {
	panic("implement me")
}

const webhookBody = `{
	"event": "push",
	"ref": "refs/tags/2.0.1",
	"ref_type": "tag",
	"commit": "deadbeef",
	"paths": ["resotoclient/__init__.py"]
}`

func signature(secret []byte, body string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestApiWebhookPost(t *testing.T) {
	t.Parallel()

	secret := []byte("foobar")

	deliveryService := &DeliveryServiceMocked{}
	deliveryService.On("Save", mock.AnythingOfType("*domain.Delivery")).Return(true, nil)

	web := &Web{
		WebhookSecret:   secret,
		Logger:          zerolog.Nop(),
		DeliveryService: deliveryService,
	}

	apitest.New().Handler(web.handler()).
		Method("POST").
		URL("/api/webhook").
		Header("X-Webhook-Delivery", "delivery-1").
		Header("X-Hub-Signature-256", signature(secret, webhookBody)).
		Body(webhookBody).
		Expect(t).
		Status(http.StatusNoContent).
		End()

	deliveryService.AssertExpectations(t)
	delivery := deliveryService.Calls[0].Arguments.Get(0).(*domain.Delivery)
	assert.Equal(t, "delivery-1", delivery.ForgeID)
	assert.Equal(t, domain.EventTypePush, delivery.Event)
	assert.Equal(t, domain.RefTypeTag, delivery.RefType)
	assert.Equal(t, "2.0.1", delivery.ShortRef())
}

func TestApiWebhookPostWithoutPaths(t *testing.T) {
	t.Parallel()

	deliveryService := &DeliveryServiceMocked{}
	deliveryService.On("Save", mock.AnythingOfType("*domain.Delivery")).Return(true, nil)

	web := &Web{
		Logger:          zerolog.Nop(),
		DeliveryService: deliveryService,
	}

	apitest.New().Handler(web.handler()).
		Method("POST").
		URL("/api/webhook").
		Header("X-Webhook-Delivery", "delivery-2").
		Body(`{"event": "push", "ref": "refs/tags/2.0.1", "ref_type": "tag", "commit": "deadbeef"}`).
		Expect(t).
		Status(http.StatusNoContent).
		End()

	deliveryService.AssertExpectations(t)
	delivery := deliveryService.Calls[0].Arguments.Get(0).(*domain.Delivery)
	// A nil slice is stored as SQL NULL but the column is NOT NULL.
	assert.NotNil(t, delivery.Paths)
	assert.Empty(t, delivery.Paths)
}

func TestApiWebhookPostReplay(t *testing.T) {
	t.Parallel()

	deliveryService := &DeliveryServiceMocked{}
	deliveryService.On("Save", mock.AnythingOfType("*domain.Delivery")).Return(false, nil)

	web := &Web{
		Logger:          zerolog.Nop(),
		DeliveryService: deliveryService,
	}

	// Replays are acknowledged just like first deliveries.
	apitest.New().Handler(web.handler()).
		Method("POST").
		URL("/api/webhook").
		Header("X-Webhook-Delivery", "delivery-1").
		Body(webhookBody).
		Expect(t).
		Status(http.StatusNoContent).
		End()

	deliveryService.AssertExpectations(t)
}

func TestApiWebhookPostBadSignature(t *testing.T) {
	t.Parallel()

	web := &Web{
		WebhookSecret:   []byte("foobar"),
		Logger:          zerolog.Nop(),
		DeliveryService: &DeliveryServiceMocked{},
	}

	apitest.New().Handler(web.handler()).
		Method("POST").
		URL("/api/webhook").
		Header("X-Webhook-Delivery", "delivery-1").
		Header("X-Hub-Signature-256", signature([]byte("wrong secret"), webhookBody)).
		Body(webhookBody).
		Expect(t).
		Status(http.StatusForbidden).
		End()
}

func TestApiWebhookPostMissingDeliveryHeader(t *testing.T) {
	t.Parallel()

	web := &Web{
		Logger:          zerolog.Nop(),
		DeliveryService: &DeliveryServiceMocked{},
	}

	apitest.New().Handler(web.handler()).
		Method("POST").
		URL("/api/webhook").
		Body(webhookBody).
		Expect(t).
		Status(http.StatusBadRequest).
		End()
}

func TestApiRunGetNegativePage(t *testing.T) {
	t.Parallel()

	web := &Web{Logger: zerolog.Nop()}

	apitest.New().Handler(web.handler()).
		Method("GET").
		URL("/api/run").
		Query("limit", "-1").
		Expect(t).
		Status(http.StatusBadRequest).
		End()

	apitest.New().Handler(web.handler()).
		Method("GET").
		URL("/api/run").
		Query("offset", "-1").
		Expect(t).
		Status(http.StatusBadRequest).
		End()
}

func TestApiWebhookPostBadEvent(t *testing.T) {
	t.Parallel()

	web := &Web{
		Logger:          zerolog.Nop(),
		DeliveryService: &DeliveryServiceMocked{},
	}

	apitest.New().Handler(web.handler()).
		Method("POST").
		URL("/api/webhook").
		Header("X-Webhook-Delivery", "delivery-1").
		Body(`{"event": "release", "ref": "refs/tags/2.0.1", "ref_type": "tag"}`).
		Expect(t).
		Status(http.StatusBadRequest).
		End()
}
