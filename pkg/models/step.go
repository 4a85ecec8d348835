package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// StepType identifies the transition logic of a step.
type StepType string

const (
	StepTypeStart      StepType = "start"
	StepTypeMessage    StepType = "message"
	StepTypeTimeDelay  StepType = "time_delay"
	StepTypeTimeWindow StepType = "time_window"
	StepTypeWaitUntil  StepType = "wait_until_branch"
	StepTypeMultisplit StepType = "multisplit"
	StepTypeExperiment StepType = "experiment"
	StepTypeLoop       StepType = "loop"
	StepTypeExit       StepType = "exit"
)

// StepTypes lists every known step type.
var StepTypes = []StepType{
	StepTypeStart,
	StepTypeMessage,
	StepTypeTimeDelay,
	StepTypeTimeWindow,
	StepTypeWaitUntil,
	StepTypeMultisplit,
	StepTypeExperiment,
	StepTypeLoop,
	StepTypeExit,
}

// ErrUnknownStepType is returned when decoding a step of an unsupported type.
var ErrUnknownStepType = errors.New("unknown step type")

// IsTimeGated reports whether customers wait at steps of this type.
func (t StepType) IsTimeGated() bool {
	switch t {
	case StepTypeTimeDelay, StepTypeTimeWindow, StepTypeWaitUntil:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the step ends a journey.
func (t StepType) IsTerminal() bool {
	return t == StepTypeExit
}

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	for _, known := range StepTypes {
		if t == known {
			return true
		}
	}

	return false
}

// Channel is the medium a message step sends through.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelWebhook Channel = "webhook"
	ChannelLog     Channel = "log"
)

// Step is a node of a journey graph.
type Step struct {
	ID          string       `json:"id"`
	JourneyID   string       `json:"journey_id"`
	WorkspaceID string       `json:"workspace_id"`
	Type        StepType     `json:"type"`
	Metadata    StepMetadata `json:"metadata"`
}

// StepMetadata is the type-specific configuration of a step.
// The set of implementations is closed; see the metadata types below.
type StepMetadata interface {
	StepType() StepType
	Destinations() []string
}

type stepJSON struct {
	ID          string          `json:"id"`
	JourneyID   string          `json:"journey_id"`
	WorkspaceID string          `json:"workspace_id"`
	Type        StepType        `json:"type"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// UnmarshalJSON decodes the metadata according to the step type.
func (s *Step) UnmarshalJSON(data []byte) error {
	var raw stepJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	metadata, err := DecodeMetadata(raw.Type, raw.Metadata)
	if err != nil {
		return err
	}

	*s = Step{
		ID:          raw.ID,
		JourneyID:   raw.JourneyID,
		WorkspaceID: raw.WorkspaceID,
		Type:        raw.Type,
		Metadata:    metadata,
	}

	return nil
}

// DecodeMetadata decodes raw metadata for a step of the given type.
func DecodeMetadata(stepType StepType, data json.RawMessage) (StepMetadata, error) {
	var metadata StepMetadata

	switch stepType {
	case StepTypeStart:
		metadata = &StartMetadata{}
	case StepTypeMessage:
		metadata = &MessageMetadata{}
	case StepTypeTimeDelay:
		metadata = &TimeDelayMetadata{}
	case StepTypeTimeWindow:
		metadata = &TimeWindowMetadata{}
	case StepTypeWaitUntil:
		metadata = &WaitUntilMetadata{}
	case StepTypeMultisplit:
		metadata = &MultisplitMetadata{}
	case StepTypeExperiment:
		metadata = &ExperimentMetadata{}
	case StepTypeLoop:
		metadata = &LoopMetadata{}
	case StepTypeExit:
		metadata = &ExitMetadata{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStepType, stepType)
	}

	if len(data) == 0 || string(data) == "null" {
		return metadata, nil
	}

	if err := json.Unmarshal(data, metadata); err != nil {
		return nil, fmt.Errorf("failed to decode %s metadata: %w", stepType, err)
	}

	return metadata, nil
}

// Destinations returns every outgoing destination of the step.
func (s *Step) Destinations() []string {
	if s.Metadata == nil {
		return nil
	}

	return s.Metadata.Destinations()
}

func single(destination string) []string {
	if destination == "" {
		return nil
	}

	return []string{destination}
}

type StartMetadata struct {
	Destination string `json:"destination"`
}

func (*StartMetadata) StepType() StepType       { return StepTypeStart }
func (m *StartMetadata) Destinations() []string { return single(m.Destination) }

type MessageMetadata struct {
	Destination string  `json:"destination"`
	Channel     Channel `json:"channel"`
	TemplateID  string  `json:"template_id"`
}

func (*MessageMetadata) StepType() StepType       { return StepTypeMessage }
func (m *MessageMetadata) Destinations() []string { return single(m.Destination) }

type TimeDelayMetadata struct {
	Destination string `json:"destination"`
	Delay       Delay  `json:"delay"`
}

func (*TimeDelayMetadata) StepType() StepType       { return StepTypeTimeDelay }
func (m *TimeDelayMetadata) Destinations() []string { return single(m.Destination) }

type TimeWindowMetadata struct {
	Destination string     `json:"destination"`
	Window      TimeWindow `json:"window"`
}

func (*TimeWindowMetadata) StepType() StepType       { return StepTypeTimeWindow }
func (m *TimeWindowMetadata) Destinations() []string { return single(m.Destination) }

// EventCondition matches an incoming customer event.
// Expression is evaluated against the event payload; Schema is a JSON schema
// the payload must satisfy. Both are optional.
type EventCondition struct {
	Name       string         `json:"name"`
	Expression string         `json:"expression,omitempty"`
	Schema     map[string]any `json:"schema,omitempty"`
}

// TimeCondition fires after a delay or inside a window.
type TimeCondition struct {
	Delay  *Delay      `json:"delay,omitempty"`
	Window *TimeWindow `json:"window,omitempty"`
}

// WaitBranch is one outcome of a wait-until step; exactly one of Event and Time is set.
type WaitBranch struct {
	Index       int             `json:"index"`
	Destination string          `json:"destination"`
	Event       *EventCondition `json:"event,omitempty"`
	Time        *TimeCondition  `json:"time,omitempty"`
}

type WaitUntilMetadata struct {
	Branches []WaitBranch `json:"branches"`
}

func (*WaitUntilMetadata) StepType() StepType { return StepTypeWaitUntil }

func (m *WaitUntilMetadata) Destinations() []string {
	destinations := make([]string, 0, len(m.Branches))
	for _, branch := range m.Branches {
		destinations = append(destinations, branch.Destination)
	}

	return destinations
}

// Branch returns the branch with the given index.
func (m *WaitUntilMetadata) Branch(index int) (WaitBranch, bool) {
	for _, branch := range m.Branches {
		if branch.Index == index {
			return branch, true
		}
	}

	return WaitBranch{}, false
}

// SplitBranch routes customers matching Expression; the Default branch takes the rest.
type SplitBranch struct {
	Index       int    `json:"index"`
	Expression  string `json:"expression,omitempty"`
	Default     bool   `json:"default,omitempty"`
	Destination string `json:"destination"`
}

type MultisplitMetadata struct {
	Branches []SplitBranch `json:"branches"`
}

func (*MultisplitMetadata) StepType() StepType { return StepTypeMultisplit }

func (m *MultisplitMetadata) Destinations() []string {
	destinations := make([]string, 0, len(m.Branches))
	for _, branch := range m.Branches {
		destinations = append(destinations, branch.Destination)
	}

	return destinations
}

// ExperimentBranch receives a Ratio share of customers.
type ExperimentBranch struct {
	Index       int     `json:"index"`
	Ratio       float64 `json:"ratio"`
	Destination string  `json:"destination"`
}

type ExperimentMetadata struct {
	Branches []ExperimentBranch `json:"branches"`
}

func (*ExperimentMetadata) StepType() StepType { return StepTypeExperiment }

func (m *ExperimentMetadata) Destinations() []string {
	destinations := make([]string, 0, len(m.Branches))
	for _, branch := range m.Branches {
		destinations = append(destinations, branch.Destination)
	}

	return destinations
}

type LoopMetadata struct {
	Destination string `json:"destination"`
}

func (*LoopMetadata) StepType() StepType       { return StepTypeLoop }
func (m *LoopMetadata) Destinations() []string { return single(m.Destination) }

type ExitMetadata struct{}

func (*ExitMetadata) StepType() StepType     { return StepTypeExit }
func (*ExitMetadata) Destinations() []string { return nil }
