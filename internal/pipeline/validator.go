package pipeline

import (
	"fmt"

	"github.com/pitabwire/leadflow/model"
)

// Validation error codes.
const (
	CodeRequired       = "REQUIRED"
	CodeDuplicate      = "DUPLICATE"
	CodeReserved       = "RESERVED"
	CodeRefNotFound    = "REF_NOT_FOUND"
	CodeBackwardTarget = "BACKWARD_TARGET"
	CodeUnreachable    = "UNREACHABLE"
	CodeNoEnabledSteps = "NO_ENABLED_STEPS"
	CodeInvalidValue   = "INVALID_VALUE"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate checks a definition's metadata and step graph. It returns every
// problem found rather than stopping at the first.
func Validate(def *model.PipelineDefinition) []VError {
	var errs []VError

	if def.Name == "" {
		errs = append(errs, VError{Path: "name", Code: CodeRequired, Message: "name is required"})
	}
	if def.LineOfBusiness == "" {
		errs = append(errs, VError{Path: "line_of_business", Code: CodeRequired, Message: "line_of_business is required"})
	}
	errs = append(errs, ValidateSteps(def.Steps)...)
	return errs
}

// ValidateSteps checks that the graph is non-empty, has an enabled step,
// uses unique non-reserved ids, carries each variant's required fields,
// references only existing later steps and reaches every enabled step from
// the entry step.
func ValidateSteps(steps model.StepList) []VError {
	var errs []VError

	if len(steps) == 0 {
		return []VError{{Path: "steps", Code: CodeRequired, Message: "at least one step is required"}}
	}

	index := make(map[string]int, len(steps))
	enabled := 0
	for i, s := range steps {
		b := s.Base()
		p := fmt.Sprintf("steps[%d]", i)
		switch {
		case b.ID == "":
			errs = append(errs, VError{Path: p + ".id", Code: CodeRequired, Message: "id is required"})
		case model.IsReservedStepID(b.ID):
			errs = append(errs, VError{Path: p + ".id", Code: CodeReserved, Message: fmt.Sprintf("%q is a reserved decision target", b.ID)})
		default:
			if _, dup := index[b.ID]; dup {
				errs = append(errs, VError{Path: p + ".id", Code: CodeDuplicate, Message: fmt.Sprintf("step id %q is used more than once", b.ID)})
			} else {
				index[b.ID] = i
			}
		}
		if b.Enabled {
			enabled++
		}
		errs = append(errs, validateVariant(p, s)...)
	}

	if enabled == 0 {
		errs = append(errs, VError{Path: "steps", Code: CodeNoEnabledSteps, Message: "at least one step must be enabled"})
	}

	for i, s := range steps {
		p := fmt.Sprintf("steps[%d]", i)
		for field, target := range targets(s) {
			errs = append(errs, checkTarget(p+"."+field, i, target, index)...)
		}
	}

	if len(errs) == 0 {
		errs = append(errs, checkReachability(steps)...)
	}
	return errs
}

func validateVariant(p string, s model.Step) []VError {
	var errs []VError
	required := func(field, value string) {
		if value == "" {
			errs = append(errs, VError{Path: p + "." + field, Code: CodeRequired, Message: field + " is required"})
		}
	}
	nonNegative := func(field string, value int) {
		if value < 0 {
			errs = append(errs, VError{Path: p + "." + field, Code: CodeInvalidValue, Message: field + " must not be negative"})
		}
	}

	switch v := s.(type) {
	case *model.StageStep:
		required("stage_id", v.StageID)
		required("stage_name", v.StageName)
	case *model.ApprovalStep:
		required("approver_role", v.ApproverRole)
		nonNegative("timeout_hours", v.TimeoutHours)
	case *model.DecisionStep:
		required("condition_type", v.ConditionType)
		required("true_next_step_id", v.TrueNextStepID)
		required("false_next_step_id", v.FalseNextStepID)
	case *model.NotificationStep:
		required("notification_type", v.NotificationType)
	case *model.WaitStep:
		required("wait_for_event", v.WaitForEvent)
		nonNegative("timeout_hours", v.TimeoutHours)
	default:
		errs = append(errs, VError{Path: p + ".type", Code: CodeInvalidValue, Message: fmt.Sprintf("unsupported step type %T", s)})
	}
	return errs
}

// targets returns the step references a step holds, keyed by field name.
func targets(s model.Step) map[string]string {
	out := map[string]string{}
	switch v := s.(type) {
	case *model.DecisionStep:
		out["true_next_step_id"] = v.TrueNextStepID
		out["false_next_step_id"] = v.FalseNextStepID
	case *model.ApprovalStep:
		if v.OnRejectStepID != "" {
			out["on_reject_step_id"] = v.OnRejectStepID
		}
	case *model.WaitStep:
		if v.OnTimeoutStepID != "" {
			out["on_timeout_step_id"] = v.OnTimeoutStepID
		}
	}
	return out
}

// checkTarget verifies a reference names a later step or a sentinel.
// Backward references would form loops, which pipelines do not support.
func checkTarget(path string, from int, target string, index map[string]int) []VError {
	if target == "" || model.IsReservedStepID(target) {
		return nil
	}
	to, ok := index[target]
	if !ok {
		return []VError{{Path: path, Code: CodeRefNotFound, Message: fmt.Sprintf("step %q does not exist", target)}}
	}
	if to <= from {
		return []VError{{Path: path, Code: CodeBackwardTarget, Message: fmt.Sprintf("step %q does not come after this step", target)}}
	}
	return nil
}

// checkReachability walks the graph from the entry step and reports
// enabled steps that no path reaches. Steps are assumed sorted by order.
func checkReachability(steps model.StepList) []VError {
	def := &model.PipelineDefinition{Steps: steps}
	entry := def.EntryStep()
	if entry == nil {
		return nil
	}

	seen := make(map[string]bool, len(steps))
	queue := []model.Step{entry}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		id := s.Base().ID
		if seen[id] {
			continue
		}
		seen[id] = true
		for _, next := range successors(def, s) {
			if !seen[next.Base().ID] {
				queue = append(queue, next)
			}
		}
	}

	var errs []VError
	for i, s := range steps {
		b := s.Base()
		if b.Enabled && !seen[b.ID] {
			errs = append(errs, VError{
				Path:    fmt.Sprintf("steps[%d]", i),
				Code:    CodeUnreachable,
				Message: fmt.Sprintf("step %q cannot be reached from entry step %q", b.ID, entry.Base().ID),
			})
		}
	}
	return errs
}

// successors mirrors the engine's step resolution: decisions follow their
// branches, approvals and waits may also jump to their reject/timeout
// targets, and every other step continues to the next enabled step.
func successors(def *model.PipelineDefinition, s model.Step) []model.Step {
	var out []model.Step
	add := func(st model.Step) {
		if st != nil {
			out = append(out, st)
		}
	}
	id := s.Base().ID
	resolve := func(target string) model.Step {
		switch target {
		case model.TargetEnd:
			return nil
		case model.TargetNext:
			return def.NextEnabledAfter(id)
		}
		return def.EnabledFrom(target)
	}

	switch v := s.(type) {
	case *model.DecisionStep:
		add(resolve(v.TrueNextStepID))
		add(resolve(v.FalseNextStepID))
		return out
	case *model.ApprovalStep:
		if v.OnRejectStepID != "" {
			add(resolve(v.OnRejectStepID))
		}
	case *model.WaitStep:
		if v.OnTimeoutStepID != "" {
			add(resolve(v.OnTimeoutStepID))
		}
	}
	add(def.NextEnabledAfter(id))
	return out
}
