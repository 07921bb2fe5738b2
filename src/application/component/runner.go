package component

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/direnv/direnv/v2/pkg/sri"
	"github.com/google/uuid"
	promtailApi "github.com/grafana/loki/clients/pkg/promtail/api"
	"github.com/grafana/loki/pkg/logproto"
	getter "github.com/hashicorp/go-getter/v2"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/someengineering/conveyor/src/application/service"
	"github.com/someengineering/conveyor/src/config"
	"github.com/someengineering/conveyor/src/domain"
	"github.com/someengineering/conveyor/src/util"
)

// RunConsumer claims queued runs and executes them to completion,
// one at a time: source fetch, service containers up, steps in
// order, service containers down.
type RunConsumer struct {
	Logger          zerolog.Logger
	PipelineService service.PipelineService
	DeliveryService service.DeliveryService
	RunService      service.RunService
	StatusService   service.StatusService
	Entries         chan<- promtailApi.Entry
	Db              config.PgxIface
}

func (self *RunConsumer) WithQuerier(querier config.PgxIface) *RunConsumer {
	return &RunConsumer{
		Logger:          self.Logger,
		PipelineService: self.PipelineService.WithQuerier(querier),
		DeliveryService: self.DeliveryService.WithQuerier(querier),
		RunService:      self.RunService.WithQuerier(querier),
		StatusService:   self.StatusService,
		Entries:         self.Entries,
		Db:              self.Db,
	}
}

func (self *RunConsumer) Start(ctx context.Context) error {
	self.Logger.Info().Msg("Starting")

	pollInterval, err := config.GetenvDur("CONVEYOR_RUNNER_POLL_INTERVAL", time.Second)
	if err != nil {
		return errors.WithMessage(err, "Could not parse runner poll interval")
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		run, pipeline, delivery, err := self.claim(ctx)
		if err != nil {
			return err
		}
		if run == nil {
			continue
		}

		self.execute(ctx, run, pipeline, delivery)
	}
}

// claim flips the oldest queued run to running so that no other
// runner picks it up, and loads what executing it needs.
func (self *RunConsumer) claim(ctx context.Context) (run *domain.Run, pipeline domain.Pipeline, delivery domain.Delivery, err error) {
	err = errors.WithMessage(
		pgx.BeginFunc(ctx, self.Db, func(tx pgx.Tx) error {
			claimer := self.WithQuerier(tx)

			if run, err = claimer.RunService.GetNextQueued(); err != nil || run == nil {
				return err
			}
			if pipeline, err = claimer.PipelineService.GetById(run.PipelineId); err != nil {
				return err
			}
			if delivery, err = claimer.DeliveryService.GetById(run.DeliveryId); err != nil {
				return err
			}
			return claimer.RunService.Start(run)
		}),
		"Error claiming next Run",
	)
	return
}

func (self *RunConsumer) execute(ctx context.Context, run *domain.Run, pipeline domain.Pipeline, delivery domain.Delivery) {
	logger := self.Logger.With().
		Str("run", run.ID.String()).
		Str("pipeline", pipeline.Name).
		Logger()
	logger.Info().Msg("Executing Run")

	status := self.executeSteps(ctx, &logger, run, pipeline, delivery)

	if err := self.RunService.End(run, status); err != nil {
		logger.Err(err).Msg("While ending Run")
	}
	if err := self.StatusService.Report(pipeline, delivery, *run); err != nil {
		logger.Err(err).Msg("While reporting Run status")
	}
}

func (self *RunConsumer) executeSteps(ctx context.Context, logger *zerolog.Logger, run *domain.Run, pipeline domain.Pipeline, delivery domain.Delivery) domain.RunStatus {
	workspace, def, err := self.prepareWorkspace(ctx, pipeline, delivery)
	if err != nil {
		logger.Err(err).Msg("While preparing the workspace")
		return domain.RunStatusFailed
	}

	steps := make([]domain.StepRun, len(def.Steps))
	for i, step := range def.Steps {
		steps[i] = domain.StepRun{
			RunId:  run.ID,
			Idx:    i,
			Name:   step.Name,
			Status: domain.StepStatusPending,
		}
		if err := self.RunService.SaveStep(&steps[i]); err != nil {
			logger.Err(err).Msg("While recording steps")
			return domain.RunStatusFailed
		}
	}

	teardown, err := self.startServices(ctx, logger, run, def)
	if err != nil {
		logger.Err(err).Msg("While starting service containers")
		return domain.RunStatusFailed
	}
	defer teardown()

	publishable := def.Publishable(delivery)
	status := domain.RunStatusSucceeded

	for i, step := range def.Steps {
		stepLogger := logger.With().Str("step", step.Name).Logger()

		if canceled, err := self.runCanceled(run.ID); err != nil {
			stepLogger.Err(err).Msg("While checking for cancellation")
			status = domain.RunStatusFailed
		} else if canceled {
			status = domain.RunStatusCanceled
		}

		if status != domain.RunStatusSucceeded {
			// Fail-fast: remaining steps are recorded but not executed.
			self.endStep(&stepLogger, &steps[i], domain.StepStatusSkipped, nil)
			continue
		}

		if step.Publish && !publishable {
			stepLogger.Info().Msg("Skipping publish step for non-tag ref")
			self.endStep(&stepLogger, &steps[i], domain.StepStatusSkipped, nil)
			continue
		}

		now := time.Now().UTC()
		steps[i].Status = domain.StepStatusRunning
		steps[i].StartedAt = &now
		if err := self.RunService.UpdateStep(&steps[i]); err != nil {
			stepLogger.Err(err).Msg("While marking step running")
		}

		exitCode, err := self.runStep(ctx, run.ID, workspace, def, step)
		if err != nil {
			stepLogger.Err(err).Int("exit", exitCode).Msg("Step failed")
			self.endStep(&stepLogger, &steps[i], domain.StepStatusFailed, &exitCode)
			status = domain.RunStatusFailed
			continue
		}

		self.endStep(&stepLogger, &steps[i], domain.StepStatusSucceeded, &exitCode)

		if err := self.collectArtifacts(run.ID, i, workspace, step); err != nil {
			stepLogger.Err(err).Msg("While collecting artifacts")
			status = domain.RunStatusFailed
		}
	}

	return status
}

func (self *RunConsumer) runCanceled(runId uuid.UUID) (bool, error) {
	run, err := self.RunService.GetById(runId)
	if err != nil {
		return false, err
	}
	return run.Status == domain.RunStatusCanceled, nil
}

func (self *RunConsumer) endStep(logger *zerolog.Logger, step *domain.StepRun, status domain.StepStatus, exitCode *int) {
	now := time.Now().UTC()
	step.Status = status
	step.ExitCode = exitCode
	if step.StartedAt != nil || status != domain.StepStatusSkipped {
		step.FinishedAt = &now
	}
	if err := self.RunService.UpdateStep(step); err != nil {
		logger.Err(err).Msg("While recording step status")
	}
}

// prepareWorkspace fetches the pipeline source at the delivery's
// commit into the cache and loads the definition from it, falling
// back to the registered definition.
func (self *RunConsumer) prepareWorkspace(ctx context.Context, pipeline domain.Pipeline, delivery domain.Delivery) (string, domain.Definition, error) {
	def := pipeline.Definition

	cacheDir := config.GetenvStr("CONVEYOR_CACHE_DIR")
	if cacheDir == "" {
		cacheDir = xdg.CacheHome + "/conveyor"
	}
	cacheDir += "/sources"

	dst, err := filepath.Abs(cacheDir + "/" + base64.RawURLEncoding.EncodeToString([]byte(pipeline.Source)))
	if err != nil {
		return "", def, err
	}

	src := pipeline.Source
	if delivery.Commit != "" {
		if fetchUrl, err := url.Parse(src); err == nil {
			q := fetchUrl.Query()
			q.Set("ref", delivery.Commit)
			fetchUrl.RawQuery = q.Encode()
			src = fetchUrl.String()
		}
	}

	for {
		result, err := getter.GetAny(ctx, dst, src)
		if err != nil {
			if strings.Contains(err.Error(), "git exited with 128: ") && strings.Contains(err.Error(), "fatal: Not possible to fast-forward, aborting.\n\n") {
				if err := os.RemoveAll(dst); err != nil {
					return "", def, err
				}
				continue
			}
			return "", def, errors.WithMessagef(err, "Could not fetch %q", pipeline.Source)
		}
		if result.Dst != dst {
			panic("go-getter did not download to the given directory. This should never happen™")
		}
		break
	}

	if pipeline.Path != "" {
		if data, err := os.ReadFile(filepath.Join(dst, pipeline.Path)); err == nil {
			if def, err = domain.ParseDefinition(data); err != nil {
				return "", def, errors.WithMessagef(err, "Invalid definition at %q", pipeline.Path)
			}
		}
	}

	return dst, def, nil
}

// startServices provisions the definition's service containers and
// waits for each published port to accept connections. The returned
// teardown removes them all, pass or fail.
func (self *RunConsumer) startServices(ctx context.Context, logger *zerolog.Logger, run *domain.Run, def domain.Definition) (func(), error) {
	readyTimeout, err := config.GetenvDur("CONVEYOR_SERVICE_TIMEOUT", 2*time.Minute)
	if err != nil {
		return nil, errors.WithMessage(err, "Could not parse service readiness timeout")
	}

	names := maps.Keys(def.Services)
	slices.Sort(names)

	started := []string{}
	teardown := func() {
		for _, container := range started {
			if out, err := exec.Command("docker", "rm", "--force", container).CombinedOutput(); err != nil {
				logger.Err(err).Str("container", container).Str("output", string(out)).Msg("While removing service container")
			}
		}
	}

	for _, name := range names {
		svc := def.Services[name]
		container := fmt.Sprintf("conveyor-%s-%s", run.ID.String()[:8], name)

		args := []string{
			"run", "--detach",
			"--name", container,
			"--publish", fmt.Sprintf("%d:%d", svc.Port, svc.Port),
		}
		envNames := maps.Keys(svc.Env)
		slices.Sort(envNames)
		for _, k := range envNames {
			args = append(args, "--env", k+"="+svc.Env[k])
		}
		args = append(args, svc.Image)

		logger.Debug().Str("service", name).Str("image", svc.Image).Msg("Starting service container")
		if out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput(); err != nil {
			teardown()
			return nil, errors.WithMessagef(err, "Could not start service container %q: %s", name, out)
		}
		started = append(started, container)

		if err := awaitPort(ctx, svc.Port, readyTimeout); err != nil {
			teardown()
			return nil, errors.WithMessagef(err, "Service container %q did not become ready", name)
		}
		logger.Debug().Str("service", name).Msg("Service container ready")
	}

	return teardown, nil
}

func awaitPort(ctx context.Context, port uint16, timeout time.Duration) error {
	addr := net.JoinHostPort("127.0.0.1", fmt.Sprint(port))
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
			return conn.Close()
		}
		time.Sleep(time.Second)
	}

	return errors.Errorf("Port %d did not open within %s", port, timeout)
}

// runStep executes one step through the shell with the merged
// environment and ships its output to Loki line by line.
func (self *RunConsumer) runStep(ctx context.Context, runId uuid.UUID, workspace string, def domain.Definition, step domain.Step) (int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", step.Run)
	cmd.Dir = workspace
	cmd.Env = stepEnv(def, step)

	stdout, _, stderr, stderrBuf, err := util.BufPipes(cmd)
	if err != nil {
		return -1, err
	}

	if err := cmd.Start(); err != nil {
		return -1, errors.WithMessagef(err, "Could not start step %q", step.Name)
	}

	wg := sync.WaitGroup{}
	wg.Add(2)
	go self.ship(&wg, runId, step.Name, "stdout", stdout)
	go self.ship(&wg, runId, step.Name, "stderr", stderr)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return exitCode, errors.WithMessagef(err, "Step %q failed: %s", step.Name, strings.TrimSpace(stderrBuf.String()))
	}

	return 0, nil
}

func stepEnv(def domain.Definition, step domain.Step) []string {
	env := os.Environ()
	for k, v := range def.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range step.Env {
		env = append(env, k+"="+v)
	}
	// Secrets are never part of the stored definition;
	// they resolve from the conveyor process environment.
	for _, name := range step.Secrets {
		env = append(env, name+"="+os.Getenv(name))
	}
	return env
}

func (self *RunConsumer) ship(wg *sync.WaitGroup, runId uuid.UUID, step, source string, r io.Reader) {
	defer wg.Done()

	runLabel := model.LabelValue(runId.String())

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		self.Entries <- promtailApi.Entry{
			Labels: model.LabelSet{
				"conveyor_run":    runLabel,
				"conveyor_step":   model.LabelValue(step),
				"conveyor_source": model.LabelValue(source),
			},
			Entry: logproto.Entry{
				Timestamp: time.Now().UTC(),
				Line:      scanner.Text(),
			},
		}
	}
}

func (self *RunConsumer) collectArtifacts(runId uuid.UUID, stepIdx int, workspace string, step domain.Step) error {
	for _, pattern := range step.Artifacts {
		matches, err := filepath.Glob(filepath.Join(workspace, pattern))
		if err != nil {
			return errors.WithMessagef(err, "Invalid artifact pattern %q", pattern)
		}

		for _, match := range matches {
			artifact, err := hashArtifact(workspace, match)
			if err != nil {
				return err
			}
			artifact.RunId = runId
			artifact.StepIdx = stepIdx

			if err := self.RunService.SaveArtifact(&artifact); err != nil {
				return err
			}
		}
	}
	return nil
}

func hashArtifact(workspace, path string) (artifact domain.Artifact, err error) {
	file, err := os.Open(path)
	if err != nil {
		return artifact, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return artifact, err
	}
	if info.IsDir() {
		return artifact, errors.Errorf("Artifact %q is a directory", path)
	}

	hash := sri.NewWriter(io.Discard, sri.SHA256)
	if _, err := io.Copy(hash, file); err != nil {
		return artifact, errors.WithMessagef(err, "Could not hash artifact %q", path)
	}

	rel, err := filepath.Rel(workspace, path)
	if err != nil {
		rel = path
	}

	artifact.Path = rel
	artifact.Size = info.Size()
	artifact.Hash = hash.Sum().String()
	return artifact, nil
}
