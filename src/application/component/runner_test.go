package component

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	promtailApi "github.com/grafana/loki/clients/pkg/promtail/api"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/someengineering/conveyor/src/domain"
)

func TestStepEnv(t *testing.T) {
	t.Setenv("PYPI_API_TOKEN", "hunter2")

	def := domain.Definition{
		Env: map[string]string{"RESOTOCORE_ANALYTICS_OPT_OUT": "true"},
	}
	step := domain.Step{
		Name:    "publish",
		Run:     "poetry publish",
		Env:     map[string]string{"POETRY_VIRTUALENVS_CREATE": "false"},
		Secrets: []string{"PYPI_API_TOKEN"},
	}

	env := stepEnv(def, step)

	assert.Contains(t, env, "RESOTOCORE_ANALYTICS_OPT_OUT=true")
	assert.Contains(t, env, "POETRY_VIRTUALENVS_CREATE=false")
	assert.Contains(t, env, "PYPI_API_TOKEN=hunter2")
}

func TestRunStep(t *testing.T) {
	t.Parallel()

	entries := make(chan promtailApi.Entry, 16)
	consumer := RunConsumer{
		Logger:  zerolog.Nop(),
		Entries: entries,
	}

	runId := uuid.New()
	step := domain.Step{
		Name: "test",
		Run:  "echo out line; echo err line >&2",
	}

	exitCode, err := consumer.runStep(context.Background(), runId, t.TempDir(), domain.Definition{}, step)

	assert.Nil(t, err)
	assert.Equal(t, 0, exitCode)

	close(entries)
	lines := map[string]string{}
	for entry := range entries {
		assert.Equal(t, runId.String(), string(entry.Labels["conveyor_run"]))
		assert.Equal(t, "test", string(entry.Labels["conveyor_step"]))
		lines[string(entry.Labels["conveyor_source"])] = entry.Entry.Line
	}
	assert.Equal(t, "out line", lines["stdout"])
	assert.Equal(t, "err line", lines["stderr"])
}

func TestRunStepFailure(t *testing.T) {
	t.Parallel()

	entries := make(chan promtailApi.Entry, 16)
	consumer := RunConsumer{
		Logger:  zerolog.Nop(),
		Entries: entries,
	}

	step := domain.Step{
		Name: "test",
		Run:  "echo no such module >&2; exit 3",
	}

	exitCode, err := consumer.runStep(context.Background(), uuid.New(), t.TempDir(), domain.Definition{}, step)

	assert.Equal(t, 3, exitCode)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "no such module")
	}
}

func stepStatuses(runService *RunServiceMocked) map[string]domain.StepStatus {
	statuses := map[string]domain.StepStatus{}
	for _, call := range runService.Calls {
		if call.Method == "UpdateStep" {
			step := call.Arguments.Get(0).(*domain.StepRun)
			statuses[step.Name] = step.Status
		}
	}
	return statuses
}

func TestExecuteStepsSkipsPublishForBranch(t *testing.T) {
	t.Setenv("CONVEYOR_CACHE_DIR", t.TempDir())

	source := t.TempDir()
	if err := os.WriteFile(filepath.Join(source, "README.md"), []byte("resotoclient"), 0o644); err != nil {
		t.Fatal(err)
	}

	run := &domain.Run{ID: uuid.New(), Status: domain.RunStatusRunning}
	delivery := domain.Delivery{
		ID:      uuid.New(),
		Event:   domain.EventTypePush,
		Ref:     "refs/heads/main",
		RefType: domain.RefTypeBranch,
	}
	pipeline := domain.Pipeline{
		ID:     uuid.New(),
		Name:   "resotoclient",
		Source: source,
		Definition: domain.Definition{
			On: domain.TriggerDefinition{Push: &domain.PushTrigger{Branches: []string{"main"}}},
			Steps: []domain.Step{
				{Name: "test", Run: "echo testing"},
				{Name: "publish", Run: "exit 1", Publish: true},
			},
		},
	}

	runService := &RunServiceMocked{}
	runService.On("SaveStep", mock.AnythingOfType("*domain.StepRun")).Return(nil)
	runService.On("UpdateStep", mock.AnythingOfType("*domain.StepRun")).Return(nil)
	runService.On("GetById", run.ID).Return(*run, nil)

	consumer := RunConsumer{
		Logger:     zerolog.Nop(),
		RunService: runService,
		Entries:    make(chan promtailApi.Entry, 16),
	}

	logger := zerolog.Nop()
	status := consumer.executeSteps(context.Background(), &logger, run, pipeline, delivery)

	// Branch pushes run everything except the publish step.
	assert.Equal(t, domain.RunStatusSucceeded, status)
	statuses := stepStatuses(runService)
	assert.Equal(t, domain.StepStatusSucceeded, statuses["test"])
	assert.Equal(t, domain.StepStatusSkipped, statuses["publish"])
}

func TestExecuteStepsFailFast(t *testing.T) {
	t.Setenv("CONVEYOR_CACHE_DIR", t.TempDir())

	source := t.TempDir()
	if err := os.WriteFile(filepath.Join(source, "README.md"), []byte("resotoclient"), 0o644); err != nil {
		t.Fatal(err)
	}

	run := &domain.Run{ID: uuid.New(), Status: domain.RunStatusRunning}
	delivery := domain.Delivery{
		ID:      uuid.New(),
		Event:   domain.EventTypePush,
		Ref:     "refs/tags/2.0.1",
		RefType: domain.RefTypeTag,
	}
	pipeline := domain.Pipeline{
		ID:     uuid.New(),
		Name:   "resotoclient",
		Source: source,
		Definition: domain.Definition{
			On: domain.TriggerDefinition{Tags: []string{"*.*.*"}},
			Steps: []domain.Step{
				{Name: "test", Run: "exit 3"},
				{Name: "build", Run: "echo built"},
			},
		},
	}

	runService := &RunServiceMocked{}
	runService.On("SaveStep", mock.AnythingOfType("*domain.StepRun")).Return(nil)
	runService.On("UpdateStep", mock.AnythingOfType("*domain.StepRun")).Return(nil)
	runService.On("GetById", run.ID).Return(*run, nil)

	consumer := RunConsumer{
		Logger:     zerolog.Nop(),
		RunService: runService,
		Entries:    make(chan promtailApi.Entry, 16),
	}

	logger := zerolog.Nop()
	status := consumer.executeSteps(context.Background(), &logger, run, pipeline, delivery)

	// Steps after a failure are recorded but never executed.
	assert.Equal(t, domain.RunStatusFailed, status)
	statuses := stepStatuses(runService)
	assert.Equal(t, domain.StepStatusFailed, statuses["test"])
	assert.Equal(t, domain.StepStatusSkipped, statuses["build"])
}

func TestHashArtifact(t *testing.T) {
	t.Parallel()

	workspace := t.TempDir()
	dist := filepath.Join(workspace, "dist")
	if err := os.Mkdir(dist, 0o755); err != nil {
		t.Fatal(err)
	}

	content := []byte("not really a wheel")
	if err := os.WriteFile(filepath.Join(dist, "resotoclient-2.0.1-py3-none-any.whl"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	artifact, err := hashArtifact(workspace, filepath.Join(dist, "resotoclient-2.0.1-py3-none-any.whl"))

	assert.Nil(t, err)
	assert.Equal(t, filepath.Join("dist", "resotoclient-2.0.1-py3-none-any.whl"), artifact.Path)
	assert.Equal(t, int64(len(content)), artifact.Size)
	assert.True(t, strings.HasPrefix(artifact.Hash, "sha256-"), artifact.Hash)

	_, err = hashArtifact(workspace, dist)
	assert.Error(t, err)
}
