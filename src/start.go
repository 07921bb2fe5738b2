package conveyor

import (
	"context"
	"os"
	"strings"
	"time"

	"cirello.io/oversight"
	promtailClient "github.com/grafana/loki/clients/pkg/promtail/client"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	prometheus "github.com/prometheus/client_golang/api"
	"github.com/rs/zerolog"

	"github.com/someengineering/conveyor/src/application/component"
	"github.com/someengineering/conveyor/src/application/component/web"
	"github.com/someengineering/conveyor/src/application/service"
	"github.com/someengineering/conveyor/src/config"
)

type StartCmd struct {
	Components []string `arg:"positional,env:CONVEYOR_COMPONENTS" help:"any of: trigger, runner, web"`

	LokiAddr          string `arg:"--loki-addr,env:CONVEYOR_LOKI_ADDR" default:"http://127.0.0.1:3100"`
	StatusCallbackUrl string `arg:"--status-callback,env:CONVEYOR_STATUS_CALLBACK" help:"URL that receives terminal run statuses"`

	WebListen        string `arg:"--web-listen,env:CONVEYOR_WEB_LISTEN" default:":8080"`
	WebhookSecretFile string `arg:"--webhook-secret-file,env:CONVEYOR_WEBHOOK_SECRET_FILE" help:"file that contains the webhook HMAC secret"`

	LogDb bool `arg:"--log-db"`
}

type InstanceOpts interface {
	NewDB(*zerolog.Logger) (*pgxpool.Pool, error)
	NewLokiClient() (prometheus.Client, error)
	NewPromtailClient(*zerolog.Logger) (promtailClient.Client, error)
	GetComponentOpts() (InstanceComponentsOpts, error)
	GetStatusCallbackUrl() string
}

type InstanceComponentsOpts struct {
	Trigger bool
	Runner  bool
	Web     *InstanceWebComponentOpts
}

type InstanceWebComponentOpts struct {
	ListenAddr    string
	WebhookSecret []byte
}

func (cmd StartCmd) NewDB(logger *zerolog.Logger) (*pgxpool.Pool, error) {
	return config.DBConnection(logger, cmd.LogDb)
}

func (cmd StartCmd) NewLokiClient() (prometheus.Client, error) {
	return prometheus.NewClient(prometheus.Config{
		Address: cmd.LokiAddr,
	})
}

func (cmd StartCmd) NewPromtailClient(logger *zerolog.Logger) (promtailClient.Client, error) {
	return config.NewPromtailClient(cmd.LokiAddr, logger)
}

func (cmd StartCmd) GetComponentOpts() (InstanceComponentsOpts, error) {
	start := InstanceComponentsOpts{}

	webOpts := InstanceWebComponentOpts{ListenAddr: cmd.WebListen}
	if cmd.WebhookSecretFile != "" {
		if secret, err := os.ReadFile(cmd.WebhookSecretFile); err != nil {
			return start, errors.WithMessage(err, "While reading the webhook secret file")
		} else {
			webOpts.WebhookSecret = []byte(strings.TrimSpace(string(secret)))
		}
	}

	// If none are given then start all,
	// otherwise start only those that are given.
	for _, component := range cmd.Components {
		switch component {
		case "trigger":
			start.Trigger = true
		case "runner":
			start.Runner = true
		case "web":
			start.Web = &webOpts
		default:
			return start, errors.Errorf("Unknown component: %q", component)
		}
	}
	if !start.Trigger && !start.Runner && start.Web == nil {
		start.Trigger = true
		start.Runner = true
		start.Web = &webOpts
	}

	return start, nil
}

func (cmd StartCmd) GetStatusCallbackUrl() string {
	return cmd.StatusCallbackUrl
}

func (cmd *StartCmd) Run(logger *zerolog.Logger) error {
	instance, err := NewInstance(cmd, logger)
	if err != nil {
		return err
	}
	defer instance.Close()

	return instance.Run(context.Background())
}

func NewInstance(opts InstanceOpts, logger *zerolog.Logger) (Instance, error) {
	instance := Instance{logger: logger}

	if db, err := opts.NewDB(logger); err != nil {
		logger.Fatal().Err(err).Send()
		return instance, err
	} else {
		instance.db = db
	}

	var lokiClient prometheus.Client
	if client, err := opts.NewLokiClient(); err != nil {
		logger.Fatal().Err(err).Send()
		return instance, err
	} else {
		lokiClient = client
	}

	if client, err := opts.NewPromtailClient(logger); err != nil {
		logger.Fatal().Err(err).Send()
		return instance, err
	} else {
		instance.promtailClient = client
	}

	logService := service.NewLogService(lokiClient)
	pipelineService := service.NewPipelineService(instance.db, logger)
	deliveryService := service.NewDeliveryService(instance.db, logger)
	runService := service.NewRunService(instance.db, logService, logger)
	statusService := service.NewStatusService(opts.GetStatusCallbackUrl(), logger)

	start, err := opts.GetComponentOpts()
	if err != nil {
		return instance, err
	}

	if start.Trigger {
		instance.Trigger = &component.TriggerConsumer{
			Logger:          logger.With().Str("component", "TriggerConsumer").Logger(),
			PipelineService: pipelineService,
			DeliveryService: deliveryService,
			RunService:      runService,
			Db:              instance.db,
		}
	}

	if start.Runner {
		instance.Runner = &component.RunConsumer{
			Logger:          logger.With().Str("component", "RunConsumer").Logger(),
			PipelineService: pipelineService,
			DeliveryService: deliveryService,
			RunService:      runService,
			StatusService:   statusService,
			Entries:         instance.promtailClient.Chan(),
			Db:              instance.db,
		}
	}

	if start.Web != nil {
		instance.Web = &web.Web{
			Listen:        start.Web.ListenAddr,
			WebhookSecret: start.Web.WebhookSecret,

			Logger:          logger.With().Str("component", "Web").Logger(),
			PipelineService: pipelineService,
			DeliveryService: deliveryService,
			RunService:      runService,
			LogService:      logService,
			Db:              instance.db,
		}
	}

	return instance, nil
}

type Instance struct {
	Trigger *component.TriggerConsumer
	Runner  *component.RunConsumer
	Web     *web.Web

	logger         *zerolog.Logger
	db             *pgxpool.Pool
	promtailClient promtailClient.Client
}

func (self Instance) Close() {
	self.db.Close()
	self.promtailClient.Stop()
}

func (self Instance) Run(ctx context.Context) error {
	self.logger.Info().Msg("Starting components")

	supervisor := oversight.New(
		oversight.WithLogger(&config.SupervisorLogger{Logger: self.logger}),
		oversight.WithSpecification(
			10,                    // number of restarts
			1*time.Minute,         // within this time period
			oversight.OneForOne(), // restart every task on its own
		),
	)

	if self.Trigger != nil {
		if err := supervisor.Add(self.Trigger.Start); err != nil {
			return err
		}
	}

	if self.Runner != nil {
		if err := supervisor.Add(self.Runner.Start); err != nil {
			return err
		}
	}

	if self.Web != nil {
		if err := supervisor.Add(self.Web.Start); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := supervisor.Start(ctx); err != nil {
		return errors.WithMessage(err, "While starting supervisor")
	}

	<-ctx.Done()
	return nil
}
