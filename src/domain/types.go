package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var BuildInfo struct {
	Version string
	Commit  string
}

type EventType uint

const (
	EventTypePush EventType = iota
	EventTypePullRequest
)

func (self *EventType) String() (string, error) {
	switch *self {
	case EventTypePush:
		return "push", nil
	case EventTypePullRequest:
		return "pull_request", nil
	default:
		return "", fmt.Errorf("Unknown value %d", *self)
	}
}

func (self *EventType) FromString(str string) error {
	switch str {
	case "push":
		*self = EventTypePush
	case "pull_request":
		*self = EventTypePullRequest
	default:
		return fmt.Errorf("Unknown value %q", str)
	}
	return nil
}

func (self *EventType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	return self.FromString(str)
}

func (self EventType) MarshalJSON() ([]byte, error) {
	if str, err := self.String(); err != nil {
		return nil, err
	} else {
		return json.Marshal(str)
	}
}

func (self *EventType) Scan(value interface{}) error {
	return self.FromString(value.(string))
}

type RefType uint

const (
	RefTypeBranch RefType = iota
	RefTypeTag
)

func (self *RefType) String() (string, error) {
	switch *self {
	case RefTypeBranch:
		return "branch", nil
	case RefTypeTag:
		return "tag", nil
	default:
		return "", fmt.Errorf("Unknown value %d", *self)
	}
}

func (self *RefType) FromString(str string) error {
	switch str {
	case "branch":
		*self = RefTypeBranch
	case "tag":
		*self = RefTypeTag
	default:
		return fmt.Errorf("Unknown value %q", str)
	}
	return nil
}

func (self *RefType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	return self.FromString(str)
}

func (self RefType) MarshalJSON() ([]byte, error) {
	if str, err := self.String(); err != nil {
		return nil, err
	} else {
		return json.Marshal(str)
	}
}

func (self *RefType) Scan(value interface{}) error {
	return self.FromString(value.(string))
}

type RunStatus uint

const (
	RunStatusQueued RunStatus = iota
	RunStatusRunning
	RunStatusSucceeded
	RunStatusFailed
	RunStatusCanceled
)

func (self RunStatus) Terminal() bool {
	switch self {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

func (self *RunStatus) String() (string, error) {
	switch *self {
	case RunStatusQueued:
		return "queued", nil
	case RunStatusRunning:
		return "running", nil
	case RunStatusSucceeded:
		return "succeeded", nil
	case RunStatusFailed:
		return "failed", nil
	case RunStatusCanceled:
		return "canceled", nil
	default:
		return "", fmt.Errorf("Unknown value %d", *self)
	}
}

func (self *RunStatus) FromString(str string) error {
	switch str {
	case "queued":
		*self = RunStatusQueued
	case "running":
		*self = RunStatusRunning
	case "succeeded":
		*self = RunStatusSucceeded
	case "failed":
		*self = RunStatusFailed
	case "canceled":
		*self = RunStatusCanceled
	default:
		return fmt.Errorf("Unknown value %q", str)
	}
	return nil
}

func (self *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	return self.FromString(str)
}

func (self RunStatus) MarshalJSON() ([]byte, error) {
	if str, err := self.String(); err != nil {
		return nil, err
	} else {
		return json.Marshal(str)
	}
}

func (self *RunStatus) Scan(value interface{}) error {
	return self.FromString(value.(string))
}

type StepStatus uint

const (
	StepStatusPending StepStatus = iota
	StepStatusRunning
	StepStatusSucceeded
	StepStatusFailed
	StepStatusSkipped
)

func (self *StepStatus) String() (string, error) {
	switch *self {
	case StepStatusPending:
		return "pending", nil
	case StepStatusRunning:
		return "running", nil
	case StepStatusSucceeded:
		return "succeeded", nil
	case StepStatusFailed:
		return "failed", nil
	case StepStatusSkipped:
		return "skipped", nil
	default:
		return "", fmt.Errorf("Unknown value %d", *self)
	}
}

func (self *StepStatus) FromString(str string) error {
	switch str {
	case "pending":
		*self = StepStatusPending
	case "running":
		*self = StepStatusRunning
	case "succeeded":
		*self = StepStatusSucceeded
	case "failed":
		*self = StepStatusFailed
	case "skipped":
		*self = StepStatusSkipped
	default:
		return fmt.Errorf("Unknown value %q", str)
	}
	return nil
}

func (self *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	return self.FromString(str)
}

func (self StepStatus) MarshalJSON() ([]byte, error) {
	if str, err := self.String(); err != nil {
		return nil, err
	} else {
		return json.Marshal(str)
	}
}

func (self *StepStatus) Scan(value interface{}) error {
	return self.FromString(value.(string))
}

// Delivery is one webhook event as received from the forge.
type Delivery struct {
	ID         uuid.UUID  `json:"id"`
	ForgeID    string     `json:"forge_id"`
	Event      EventType  `json:"event"`
	Ref        string     `json:"ref"`
	RefType    RefType    `json:"ref_type"`
	Commit     string     `json:"commit"`
	Paths      []string   `json:"paths"`
	ReceivedAt time.Time  `json:"received_at"`
	HandledAt  *time.Time `json:"handled_at"`
}

// ShortRef is the ref without its refs/heads/ or refs/tags/ prefix.
func (self Delivery) ShortRef() string {
	const (
		headPrefix = "refs/heads/"
		tagPrefix  = "refs/tags/"
	)
	switch {
	case len(self.Ref) > len(headPrefix) && self.Ref[:len(headPrefix)] == headPrefix:
		return self.Ref[len(headPrefix):]
	case len(self.Ref) > len(tagPrefix) && self.Ref[:len(tagPrefix)] == tagPrefix:
		return self.Ref[len(tagPrefix):]
	default:
		return self.Ref
	}
}

type Run struct {
	ID         uuid.UUID  `json:"id"`
	PipelineId uuid.UUID  `json:"pipeline_id"`
	DeliveryId uuid.UUID  `json:"delivery_id"`
	Status     RunStatus  `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

type StepRun struct {
	RunId      uuid.UUID  `json:"run_id"`
	Idx        int        `json:"idx"`
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	ExitCode   *int       `json:"exit_code"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

type Artifact struct {
	RunId   uuid.UUID `json:"run_id"`
	StepIdx int       `json:"step_idx"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	Hash    string    `json:"hash"`
}
