package domain

import (
	"encoding/json"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Pipeline struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	Source     string     `json:"source"`
	Path       string     `json:"path"`
	Definition Definition `json:"definition"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Definition is the YAML document that describes a pipeline:
// what triggers it, which service containers surround the job,
// and the steps of the job itself.
type Definition struct {
	On       TriggerDefinition  `yaml:"on" json:"on"`
	Env      map[string]string  `yaml:"env,omitempty" json:"env,omitempty"`
	Services map[string]Service `yaml:"services,omitempty" json:"services,omitempty"`
	Steps    []Step             `yaml:"steps" json:"steps"`
}

type TriggerDefinition struct {
	Push        *PushTrigger        `yaml:"push,omitempty" json:"push,omitempty"`
	Tags        []string            `yaml:"tags,omitempty" json:"tags,omitempty"`
	PullRequest *PullRequestTrigger `yaml:"pull_request,omitempty" json:"pull_request,omitempty"`
}

type PushTrigger struct {
	Branches []string `yaml:"branches,omitempty" json:"branches,omitempty"`
	Paths    []string `yaml:"paths,omitempty" json:"paths,omitempty"`
}

type PullRequestTrigger struct {
	Paths []string `yaml:"paths,omitempty" json:"paths,omitempty"`
}

type Service struct {
	Image string            `yaml:"image" json:"image"`
	Port  uint16            `yaml:"port" json:"port"`
	Env   map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

type Step struct {
	Name      string            `yaml:"name" json:"name"`
	Run       string            `yaml:"run" json:"run"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Secrets   []string          `yaml:"secrets,omitempty" json:"secrets,omitempty"`
	Publish   bool              `yaml:"publish,omitempty" json:"publish,omitempty"`
	Artifacts []string          `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
}

const definitionSchema = `
on: {
	push?: {
		branches?: [...string]
		paths?: [...string]
	}
	tags?: [...string]
	pull_request?: {
		paths?: [...string]
	}
}
env?: [string]: string
services?: [string]: {
	image: string & !=""
	port:  int & >0 & <65536
	env?: [string]: string
}
steps: [...{
	name: string & !=""
	run:  string & !=""
	env?: [string]: string
	secrets?: [...string]
	publish?:  bool
	artifacts?: [...string]
}]
`

// There is a race condition around global internal state of CUE.
var (
	cueMutex    sync.Mutex
	schemaValue cue.Value
	schemaOnce  sync.Once
)

func definitionSchemaValue() cue.Value {
	schemaOnce.Do(func() {
		cueMutex.Lock()
		defer cueMutex.Unlock()

		schemaValue = cuecontext.New().CompileString(definitionSchema)
	})
	return schemaValue
}

// ParseDefinition validates the given YAML against the definition
// schema and unmarshals it.
func ParseDefinition(data []byte) (def Definition, err error) {
	if err = cueyaml.Validate(data, definitionSchemaValue()); err != nil {
		err = errors.WithMessage(err, "Definition does not match schema")
		return
	}

	if err = yaml.Unmarshal(data, &def); err != nil {
		err = errors.WithMessage(err, "While unmarshaling definition")
		return
	}

	if len(def.Steps) == 0 {
		err = errors.New("Definition has no steps")
	}
	return
}

func (self *Definition) Scan(value interface{}) error {
	return json.Unmarshal(value.([]byte), self)
}
