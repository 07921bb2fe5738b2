package service

import (
	"bytes"
	"encoding/json"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/someengineering/conveyor/src/domain"
)

// StatusService reports terminal run statuses to a configured
// callback endpoint, typically a commit status API of the forge.
type StatusService interface {
	Report(domain.Pipeline, domain.Delivery, domain.Run) error
}

type statusService struct {
	logger      zerolog.Logger
	callbackUrl string
	client      *retryablehttp.Client
}

func NewStatusService(callbackUrl string, logger *zerolog.Logger) StatusService {
	contextualLogger := logger.With().Str("component", "StatusService").Logger()

	client := retryablehttp.NewClient()
	client.RetryMax = 5
	client.Logger = &statusServiceLogger{&contextualLogger}

	return &statusService{
		logger:      contextualLogger,
		callbackUrl: callbackUrl,
		client:      client,
	}
}

type statusServiceLogger struct {
	*zerolog.Logger
}

func (l *statusServiceLogger) Printf(format string, v ...interface{}) {
	l.Logger.Trace().Msgf(format, v...)
}

func (self statusService) Report(pipeline domain.Pipeline, delivery domain.Delivery, run domain.Run) error {
	if self.callbackUrl == "" {
		return nil
	}

	status, err := run.Status.String()
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]interface{}{
		"pipeline": pipeline.Name,
		"run":      run.ID,
		"commit":   delivery.Commit,
		"ref":      delivery.Ref,
		"status":   status,
	})
	if err != nil {
		return errors.WithMessage(err, "While marshaling the status payload")
	}

	req, err := retryablehttp.NewRequest("POST", self.callbackUrl, bytes.NewReader(body))
	if err != nil {
		return errors.WithMessage(err, "While building the status request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := self.client.Do(req)
	if err != nil {
		return errors.WithMessagef(err, "While reporting status of Run %q", run.ID)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return errors.Errorf("Status callback responded %d for Run %q", resp.StatusCode, run.ID)
	}

	self.logger.Debug().Str("run", run.ID.String()).Str("status", status).Msg("Reported status")
	return nil
}
