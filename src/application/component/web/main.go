package web

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/someengineering/conveyor/src/application/service"
	"github.com/someengineering/conveyor/src/config"
	"github.com/someengineering/conveyor/src/domain"
	"github.com/someengineering/conveyor/src/domain/repository"
)

type Web struct {
	Listen        string
	WebhookSecret []byte

	Logger          zerolog.Logger
	PipelineService service.PipelineService
	DeliveryService service.DeliveryService
	RunService      service.RunService
	LogService      service.LogService
	Db              config.PgxIface
}

func (self *Web) handler() http.Handler {
	muxRouter := mux.NewRouter().StrictSlash(true).UseEncodedPath()
	muxRouter.NotFoundHandler = http.NotFoundHandler()

	// sorted alphabetically, please keep it this way
	muxRouter.HandleFunc("/api/pipeline", self.ApiPipelineGet).Methods(http.MethodGet)
	muxRouter.HandleFunc("/api/pipeline", self.ApiPipelinePost).Methods(http.MethodPost)
	muxRouter.HandleFunc("/api/pipeline/{name}", self.ApiPipelineNameGet).Methods(http.MethodGet)
	muxRouter.HandleFunc("/api/run", self.ApiRunGet).Methods(http.MethodGet)
	muxRouter.HandleFunc("/api/run/{id}", self.ApiRunIdDelete).Methods(http.MethodDelete)
	muxRouter.HandleFunc("/api/run/{id}", self.ApiRunIdGet).Methods(http.MethodGet)
	muxRouter.HandleFunc("/api/run/{id}/log", self.ApiRunIdLogGet).Methods(http.MethodGet)
	muxRouter.HandleFunc("/api/webhook", self.ApiWebhookPost).Methods(http.MethodPost)
	muxRouter.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return muxRouter
}

func (self *Web) Start(ctx context.Context) error {
	self.Logger.Info().Str("listen", self.Listen).Msg("Starting")

	server := &http.Server{Addr: self.Listen, Handler: self.handler()}

	go func() {
		if err := server.ListenAndServe(); err != nil {
			self.Logger.Err(err).Msgf("Failed to start web server on %s", self.Listen)
		}
	}()

	<-ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		self.Logger.Err(err).Msg("Failed to stop web server")
	}

	return nil
}

type webhookPayload struct {
	Event   string   `json:"event"`
	Ref     string   `json:"ref"`
	RefType string   `json:"ref_type"`
	Commit  string   `json:"commit"`
	Paths   []string `json:"paths"`
}

func (self *Web) ApiWebhookPost(w http.ResponseWriter, req *http.Request) {
	forgeId := req.Header.Get("X-Webhook-Delivery")
	if forgeId == "" {
		self.ClientError(w, errors.New("Missing X-Webhook-Delivery header"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, 1<<20))
	if err != nil {
		self.ClientError(w, errors.WithMessage(err, "Could not read request body"))
		return
	}

	if len(self.WebhookSecret) != 0 {
		if err := verifySignature(self.WebhookSecret, body, req.Header.Get("X-Hub-Signature-256")); err != nil {
			self.Error(w, HandlerError{err, http.StatusForbidden})
			return
		}
	}

	payload := webhookPayload{}
	if err := json.Unmarshal(body, &payload); err != nil {
		self.ClientError(w, errors.WithMessage(err, "Could not unmarshal webhook payload"))
		return
	}

	if payload.Paths == nil {
		// Tag and pull request events usually carry no paths.
		// The column is NOT NULL so nil must become empty.
		payload.Paths = []string{}
	}

	delivery := domain.Delivery{
		ForgeID: forgeId,
		Ref:     payload.Ref,
		Commit:  payload.Commit,
		Paths:   payload.Paths,
	}
	if err := delivery.Event.FromString(payload.Event); err != nil {
		self.ClientError(w, err)
		return
	}
	if err := delivery.RefType.FromString(payload.RefType); err != nil {
		self.ClientError(w, err)
		return
	}

	// Replays are accepted but not persisted again
	// so a forge that redelivers never triggers twice.
	if _, err := self.DeliveryService.Save(&delivery); err != nil {
		self.ServerError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func verifySignature(secret, body []byte, header string) error {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return errors.New("Missing or malformed X-Hub-Signature-256 header")
	}

	given, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return errors.WithMessage(err, "Malformed X-Hub-Signature-256 header")
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(given, mac.Sum(nil)) {
		return errors.New("Webhook signature mismatch")
	}
	return nil
}

func (self *Web) ApiPipelineGet(w http.ResponseWriter, req *http.Request) {
	if pipelines, err := self.PipelineService.GetAll(); err != nil {
		self.ServerError(w, errors.WithMessage(err, "failed to fetch Pipelines"))
	} else {
		self.json(w, pipelines, http.StatusOK)
	}
}

type apiPipelinePostBody struct {
	Name       string `json:"name"`
	Source     string `json:"source"`
	Path       string `json:"path"`
	Definition string `json:"definition"`
}

func (self *Web) ApiPipelinePost(w http.ResponseWriter, req *http.Request) {
	body := apiPipelinePostBody{}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		self.ClientError(w, errors.WithMessage(err, "Could not unmarshal request body"))
		return
	}
	if body.Name == "" || body.Source == "" {
		self.ClientError(w, errors.New("name and source must not be empty"))
		return
	}

	definition, err := domain.ParseDefinition([]byte(body.Definition))
	if err != nil {
		self.ClientError(w, errors.WithMessage(err, "Invalid pipeline definition"))
		return
	}

	pipeline := domain.Pipeline{
		Name:       body.Name,
		Source:     body.Source,
		Path:       body.Path,
		Definition: definition,
	}

	if err := pgx.BeginFunc(req.Context(), self.Db, func(tx pgx.Tx) error {
		pipelineService := self.PipelineService.WithQuerier(tx)

		if existing, err := pipelineService.GetByName(pipeline.Name); err == nil {
			pipeline.ID = existing.ID
			pipeline.CreatedAt = existing.CreatedAt
			return pipelineService.Update(&pipeline)
		}

		return pipelineService.Save(&pipeline)
	}); err != nil {
		self.ServerError(w, err)
		return
	}

	self.json(w, pipeline, http.StatusOK)
}

func (self *Web) ApiPipelineNameGet(w http.ResponseWriter, req *http.Request) {
	name, err := url.PathUnescape(mux.Vars(req)["name"])
	if err != nil {
		self.ClientError(w, errors.WithMessagef(err, "Invalid escaping of pipeline name: %q", mux.Vars(req)["name"]))
		return
	}

	if pipeline, err := self.PipelineService.GetByName(name); err != nil {
		self.NotFound(w, err)
	} else {
		self.json(w, pipeline, http.StatusOK)
	}
}

func (self *Web) ApiRunGet(w http.ResponseWriter, req *http.Request) {
	page, err := getPage(req)
	if err != nil {
		self.ClientError(w, err)
		return
	}

	var runs []*domain.Run
	if pipelineStr := req.FormValue("pipeline"); pipelineStr != "" {
		pipelineId, err := uuid.Parse(pipelineStr)
		if err != nil {
			self.ClientError(w, errors.WithMessage(err, "Could not parse Pipeline ID"))
			return
		}
		runs, err = self.RunService.GetByPipelineId(pipelineId, page)
		if err != nil {
			self.ServerError(w, errors.WithMessage(err, "failed to fetch Runs"))
			return
		}
	} else if runs, err = self.RunService.GetAll(page); err != nil {
		self.ServerError(w, errors.WithMessage(err, "failed to fetch Runs"))
		return
	}

	self.json(w, runs, http.StatusOK)
}

func (self *Web) getRun(w http.ResponseWriter, req *http.Request) (*domain.Run, bool) {
	id, err := uuid.Parse(mux.Vars(req)["id"])
	if err != nil {
		self.ClientError(w, errors.WithMessage(err, "Could not parse Run ID"))
		return nil, false
	}

	run, err := self.RunService.GetById(id)
	if err != nil {
		self.NotFound(w, errors.WithMessagef(err, "Could not get Run by ID: %q", id))
		return nil, false
	}

	return &run, true
}

func (self *Web) ApiRunIdGet(w http.ResponseWriter, req *http.Request) {
	run, ok := self.getRun(w, req)
	if !ok {
		return
	}

	steps, err := self.RunService.GetSteps(run.ID)
	if err != nil {
		self.ServerError(w, err)
		return
	}

	artifacts, err := self.RunService.GetArtifacts(run.ID)
	if err != nil {
		self.ServerError(w, err)
		return
	}

	self.json(w, struct {
		domain.Run
		Steps     []domain.StepRun  `json:"steps"`
		Artifacts []domain.Artifact `json:"artifacts"`
	}{*run, steps, artifacts}, http.StatusOK)
}

func (self *Web) ApiRunIdDelete(w http.ResponseWriter, req *http.Request) {
	run, ok := self.getRun(w, req)
	if !ok {
		return
	}

	if err := self.RunService.Cancel(run); err != nil {
		self.ServerError(w, errors.WithMessagef(err, "Failed to cancel Run %q", run.ID))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (self *Web) ApiRunIdLogGet(w http.ResponseWriter, req *http.Request) {
	run, ok := self.getRun(w, req)
	if !ok {
		return
	}

	_, raw := req.URL.Query()["raw"]
	stepFilter := req.URL.Query().Get("step")

	messagesFunc := func(ctx context.Context) <-chan []byte {
		messages := make(chan []byte, 1)

		go func() {
			defer close(messages)

			var last time.Time
			for {
				start := run.CreatedAt
				if run.StartedAt != nil {
					start = *run.StartedAt
				}

				var end *time.Time
				if run.FinishedAt != nil {
					// grace period for lines still in flight to Loki
					end_ := run.FinishedAt.Add(time.Second)
					end = &end_
				}

				log, err := self.RunService.RunLog(run.ID, start, end)
				if err != nil {
					self.Logger.Err(err).Msg("While fetching run log")
					return
				}

				for _, line := range log {
					if !line.Time.After(last) {
						continue
					}
					last = line.Time

					if stepFilter != "" && line.Source != stepFilter {
						continue
					}

					if raw {
						messages <- []byte(line.Text)
					} else if buf, err := json.Marshal(line); err != nil {
						self.Logger.Err(err).Msg("While marshaling log line to JSON")
					} else {
						messages <- buf
					}
				}

				if run.Status.Terminal() {
					return
				}

				select {
				case <-ctx.Done():
					return
				case <-time.After(2 * time.Second):
				}

				if run_, err := self.RunService.GetById(run.ID); err != nil {
					self.Logger.Err(err).Msg("While refreshing run")
					return
				} else {
					run = &run_
				}
			}
		}()

		return messages
	}

	if req.Header.Get("Upgrade") == "websocket" {
		self.logWS(messagesFunc, w, req)
	} else {
		self.logHTTP(messagesFunc, w, req)
	}
}

// Closes the connection after no more lines have been found after a timeout.
// We do not notice when the client stops listening so the poll loop keeps
// running until the timeout expires.
func (self *Web) logHTTP(messagesFunc func(context.Context) <-chan []byte, w http.ResponseWriter, req *http.Request) {
	const timeout = 15 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timer := time.AfterFunc(timeout, cancel)

	messages := messagesFunc(ctx)

	/*
		It is inefficient to flush after every line.
		Instead we write as long as values are available on the channel,
		then flush, and then do the next read in a blocking fashion
		so that we don't enter a busy loop.
	*/

	flushed := false
	var message []byte
Line:
	for {
		if message != nil {
			if _, err := w.Write(message); err != nil {
				self.ServerError(w, errors.WithMessage(err, "Error writing log line"))
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				self.ServerError(w, errors.WithMessage(err, "Error writing newline after log line"))
				return
			}

			message = nil
		}

		if flushed {
			// this blocks so that we don't flush in a busy loop
			msg, ok := <-messages

			if !timer.Stop() {
				timer.Reset(timeout)
			}

			if !ok {
				break
			}

			message = msg
			flushed = false
			continue
		}

		select {
		case msg, ok := <-messages:
			if !ok {
				break Line
			}
			message = msg
		default:
			// flush if there is no value to read yet
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			flushed = true
		}
	}
}

var websocketUpgrader = websocket.Upgrader{}

func (self *Web) logWS(messagesFunc func(context.Context) <-chan []byte, w http.ResponseWriter, req *http.Request) {
	conn, err := websocketUpgrader.Upgrade(w, req, nil)
	if err != nil {
		self.ClientError(w, err)
		return
	}

	go func() {
		defer func() {
			if err := conn.Close(); err != nil {
				self.Logger.Err(err).Msg("While closing websocket")
			}
		}()

		noMoreMessages := false
		ctx, cancel := context.WithCancel(context.Background())
		defer func() {
			noMoreMessages = true
			cancel()
		}()

		// Cancel context to stop polling when the connection is closed.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.NextReader(); err != nil {
					if _, ok := err.(*websocket.CloseError); ok || noMoreMessages {
						break
					}
				}
			}
		}()

		for message := range messagesFunc(ctx) {
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				self.Logger.Err(err).Msg("While writing message to websocket")
			}
		}
	}()
}

func getPage(req *http.Request) (*repository.Page, error) {
	page := repository.Page{}

	if offsetStr := req.FormValue("offset"); offsetStr == "" {
		page.Offset = 0
	} else if offset, err := strconv.Atoi(offsetStr); err != nil || offset < 0 {
		return nil, errors.New("offset parameter is invalid, should be positive integer")
	} else {
		page.Offset = offset
	}

	if limitStr := req.FormValue("limit"); limitStr == "" {
		page.Limit = 10
	} else if limit, err := strconv.Atoi(limitStr); err != nil || limit < 0 {
		return nil, errors.New("limit parameter is invalid, should be positive integer")
	} else {
		page.Limit = limit
	}

	return &page, nil
}

type HandlerError struct {
	error
	StatusCode int
}

func (self HandlerError) HasError() bool {
	return self.error != nil
}

func (self *Web) ServerError(w http.ResponseWriter, err error) {
	self.Error(w, HandlerError{err, http.StatusInternalServerError})
}

func (self *Web) ClientError(w http.ResponseWriter, err error) {
	self.Error(w, HandlerError{err, http.StatusBadRequest})
}

func (self *Web) NotFound(w http.ResponseWriter, err error) {
	self.Error(w, HandlerError{err, http.StatusNotFound})
}

func (self *Web) Error(w http.ResponseWriter, err error) {
	status := 500

	if handlerErr, ok := err.(HandlerError); ok {
		status = handlerErr.StatusCode
		if !handlerErr.HasError() {
			err = nil
		}
	}

	var e *zerolog.Event
	if status >= 500 {
		e = self.Logger.Error()
	} else {
		e = self.Logger.Debug()
	}
	e.Int("status", status).Msg("Handler error")

	var msg string
	if err != nil {
		msg = err.Error()
	}

	http.Error(w, msg, status)
}

func (self *Web) json(w http.ResponseWriter, obj any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		self.ServerError(w, err)
		return
	}
}
