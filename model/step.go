package model

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// StepType identifies a step variant.
type StepType string

// Step variants.
const (
	StepStage        StepType = "stage"
	StepApproval     StepType = "approval"
	StepDecision     StepType = "decision"
	StepNotification StepType = "notification"
	StepWait         StepType = "wait"
)

// Decision target sentinels. They are reserved and may not be used as step ids.
const (
	TargetEnd  = "end"
	TargetNext = "next"
)

// IsReservedStepID reports whether id collides with a decision sentinel.
func IsReservedStepID(id string) bool {
	return id == TargetEnd || id == TargetNext
}

// Valid reports whether t names a known variant.
func (t StepType) Valid() bool {
	switch t {
	case StepStage, StepApproval, StepDecision, StepNotification, StepWait:
		return true
	}
	return false
}

// StepBase carries the fields shared by every step variant.
type StepBase struct {
	ID          string `json:"id" yaml:"id"`
	Order       int    `json:"order" yaml:"order"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Step is one node of a pipeline graph. The concrete type is one of
// *StageStep, *ApprovalStep, *DecisionStep, *NotificationStep or *WaitStep.
type Step interface {
	Base() *StepBase
	Type() StepType
	clone() Step
}

// StageStep moves the entity to a business stage. It advances when the
// event named by the next stage's TriggerEvent arrives.
type StageStep struct {
	StepBase
	StageID      string
	StageName    string
	TriggerEvent string
}

// ApprovalStep parks the instance until a role decides on an approval
// request. TimeoutHours of 0 inherits the role default.
type ApprovalStep struct {
	StepBase
	ApproverRole   string
	TimeoutHours   int
	EscalationRole string
	OnRejectStepID string
}

// DecisionStep branches on a condition evaluated by the lead service.
type DecisionStep struct {
	StepBase
	ConditionType   string
	ConditionValue  string
	TrueNextStepID  string
	FalseNextStepID string
}

// NotificationStep requests a notification and always moves on.
type NotificationStep struct {
	StepBase
	NotificationType string
	CustomMessage    string
}

// WaitStep parks the instance until WaitForEvent arrives or the deadline
// passes.
type WaitStep struct {
	StepBase
	WaitForEvent    string
	TimeoutHours    int
	OnTimeoutStepID string
}

func (s *StageStep) Base() *StepBase        { return &s.StepBase }
func (s *ApprovalStep) Base() *StepBase     { return &s.StepBase }
func (s *DecisionStep) Base() *StepBase     { return &s.StepBase }
func (s *NotificationStep) Base() *StepBase { return &s.StepBase }
func (s *WaitStep) Base() *StepBase         { return &s.StepBase }

func (*StageStep) Type() StepType        { return StepStage }
func (*ApprovalStep) Type() StepType     { return StepApproval }
func (*DecisionStep) Type() StepType     { return StepDecision }
func (*NotificationStep) Type() StepType { return StepNotification }
func (*WaitStep) Type() StepType         { return StepWait }

func (s *StageStep) clone() Step        { c := *s; return &c }
func (s *ApprovalStep) clone() Step     { c := *s; return &c }
func (s *DecisionStep) clone() Step     { c := *s; return &c }
func (s *NotificationStep) clone() Step { c := *s; return &c }
func (s *WaitStep) clone() Step         { c := *s; return &c }

// CloneStep returns a deep copy of s.
func CloneStep(s Step) Step {
	if s == nil {
		return nil
	}
	return s.clone()
}

// IsAutoStep reports whether a step never waits for anything external once
// it has executed.
func IsAutoStep(s Step) bool {
	switch s.(type) {
	case *DecisionStep, *NotificationStep:
		return true
	}
	return false
}

// StageLabel returns the stage name for stage steps and the step name
// otherwise.
func StageLabel(s Step) string {
	if st, ok := s.(*StageStep); ok && st.StageName != "" {
		return st.StageName
	}
	return s.Base().Name
}

// stepWire is the flat, discriminated encoding of a step used for JSON,
// YAML and the database snapshot column.
type stepWire struct {
	ID          string   `json:"id" yaml:"id"`
	Type        StepType `json:"type" yaml:"type"`
	Order       int      `json:"order" yaml:"order"`
	Enabled     *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`

	StageID      string `json:"stage_id,omitempty" yaml:"stage_id,omitempty"`
	StageName    string `json:"stage_name,omitempty" yaml:"stage_name,omitempty"`
	TriggerEvent string `json:"trigger_event,omitempty" yaml:"trigger_event,omitempty"`

	ApproverRole   string `json:"approver_role,omitempty" yaml:"approver_role,omitempty"`
	EscalationRole string `json:"escalation_role,omitempty" yaml:"escalation_role,omitempty"`
	OnRejectStepID string `json:"on_reject_step_id,omitempty" yaml:"on_reject_step_id,omitempty"`

	ConditionType   string `json:"condition_type,omitempty" yaml:"condition_type,omitempty"`
	ConditionValue  string `json:"condition_value,omitempty" yaml:"condition_value,omitempty"`
	TrueNextStepID  string `json:"true_next_step_id,omitempty" yaml:"true_next_step_id,omitempty"`
	FalseNextStepID string `json:"false_next_step_id,omitempty" yaml:"false_next_step_id,omitempty"`

	NotificationType string `json:"notification_type,omitempty" yaml:"notification_type,omitempty"`
	CustomMessage    string `json:"custom_message,omitempty" yaml:"custom_message,omitempty"`

	WaitForEvent    string `json:"wait_for_event,omitempty" yaml:"wait_for_event,omitempty"`
	OnTimeoutStepID string `json:"on_timeout_step_id,omitempty" yaml:"on_timeout_step_id,omitempty"`

	TimeoutHours int `json:"timeout_hours,omitempty" yaml:"timeout_hours,omitempty"`
}

func toWire(s Step) stepWire {
	b := s.Base()
	enabled := b.Enabled
	w := stepWire{
		ID:          b.ID,
		Type:        s.Type(),
		Order:       b.Order,
		Enabled:     &enabled,
		Name:        b.Name,
		Description: b.Description,
	}
	switch v := s.(type) {
	case *StageStep:
		w.StageID, w.StageName, w.TriggerEvent = v.StageID, v.StageName, v.TriggerEvent
	case *ApprovalStep:
		w.ApproverRole, w.TimeoutHours = v.ApproverRole, v.TimeoutHours
		w.EscalationRole, w.OnRejectStepID = v.EscalationRole, v.OnRejectStepID
	case *DecisionStep:
		w.ConditionType, w.ConditionValue = v.ConditionType, v.ConditionValue
		w.TrueNextStepID, w.FalseNextStepID = v.TrueNextStepID, v.FalseNextStepID
	case *NotificationStep:
		w.NotificationType, w.CustomMessage = v.NotificationType, v.CustomMessage
	case *WaitStep:
		w.WaitForEvent, w.TimeoutHours, w.OnTimeoutStepID = v.WaitForEvent, v.TimeoutHours, v.OnTimeoutStepID
	}
	return w
}

func fromWire(w stepWire) (Step, error) {
	base := StepBase{
		ID:          w.ID,
		Order:       w.Order,
		Enabled:     w.Enabled == nil || *w.Enabled,
		Name:        w.Name,
		Description: w.Description,
	}
	switch w.Type {
	case StepStage:
		return &StageStep{StepBase: base, StageID: w.StageID, StageName: w.StageName, TriggerEvent: w.TriggerEvent}, nil
	case StepApproval:
		return &ApprovalStep{
			StepBase:       base,
			ApproverRole:   w.ApproverRole,
			TimeoutHours:   w.TimeoutHours,
			EscalationRole: w.EscalationRole,
			OnRejectStepID: w.OnRejectStepID,
		}, nil
	case StepDecision:
		return &DecisionStep{
			StepBase:        base,
			ConditionType:   w.ConditionType,
			ConditionValue:  w.ConditionValue,
			TrueNextStepID:  w.TrueNextStepID,
			FalseNextStepID: w.FalseNextStepID,
		}, nil
	case StepNotification:
		return &NotificationStep{StepBase: base, NotificationType: w.NotificationType, CustomMessage: w.CustomMessage}, nil
	case StepWait:
		return &WaitStep{StepBase: base, WaitForEvent: w.WaitForEvent, TimeoutHours: w.TimeoutHours, OnTimeoutStepID: w.OnTimeoutStepID}, nil
	}
	return nil, fmt.Errorf("step %q: unknown type %q", w.ID, w.Type)
}

// StepList is an ordered list of steps with a discriminated JSON and YAML
// encoding. A missing "enabled" field decodes as true.
type StepList []Step

// MarshalJSON implements json.Marshaler.
func (l StepList) MarshalJSON() ([]byte, error) {
	wires := make([]stepWire, len(l))
	for i, s := range l {
		wires[i] = toWire(s)
	}
	return json.Marshal(wires)
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *StepList) UnmarshalJSON(data []byte) error {
	var wires []stepWire
	if err := json.Unmarshal(data, &wires); err != nil {
		return err
	}
	return l.fromWires(wires)
}

// MarshalYAML implements yaml.Marshaler.
func (l StepList) MarshalYAML() (any, error) {
	wires := make([]stepWire, len(l))
	for i, s := range l {
		wires[i] = toWire(s)
	}
	return wires, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StepList) UnmarshalYAML(node *yaml.Node) error {
	var wires []stepWire
	if err := node.Decode(&wires); err != nil {
		return err
	}
	return l.fromWires(wires)
}

func (l *StepList) fromWires(wires []stepWire) error {
	out := make(StepList, 0, len(wires))
	for _, w := range wires {
		s, err := fromWire(w)
		if err != nil {
			return err
		}
		out = append(out, s)
	}
	*l = out
	return nil
}

// Clone returns a deep copy of the list.
func (l StepList) Clone() StepList {
	if l == nil {
		return nil
	}
	out := make(StepList, len(l))
	for i, s := range l {
		out[i] = CloneStep(s)
	}
	return out
}

// MarshalStep encodes a single step in the discriminated wire format.
func MarshalStep(s Step) ([]byte, error) {
	return json.Marshal(toWire(s))
}

// UnmarshalStep decodes a single step from the discriminated wire format.
func UnmarshalStep(data []byte) (Step, error) {
	var w stepWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return fromWire(w)
}
